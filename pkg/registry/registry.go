/*
 *     Copyright 2025 The quantctl Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *      http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package registry reads model manifests and layer blobs from the model
// registry, which implements the OCI distribution API.
package registry

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/retry"
)

const (
	// DefaultRegistry hosts the public model library.
	DefaultRegistry = "registry.ollama.ai"

	// DefaultNamespace is assumed for model names without a namespace.
	DefaultNamespace = "library"
)

// Option modifies the registry client.
type Option func(*Client)

// WithRegistry overrides the registry host.
func WithRegistry(registry string) Option {
	return func(c *Client) {
		c.registry = registry
	}
}

// WithPlainHTTP uses plain HTTP instead of HTTPS.
func WithPlainHTTP() Option {
	return func(c *Client) {
		c.plainHTTP = true
	}
}

// WithInsecure skips TLS verification.
func WithInsecure() Option {
	return func(c *Client) {
		c.insecure = true
	}
}

// Client fetches manifests, tags and blobs for one registry.
type Client struct {
	registry  string
	plainHTTP bool
	insecure  bool
}

// New creates a registry client.
func New(opts ...Option) *Client {
	c := &Client{registry: DefaultRegistry}
	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Namespaced returns the model name with the default namespace applied when
// none is present.
func Namespaced(name string) string {
	if strings.Contains(name, "/") {
		return name
	}

	return DefaultNamespace + "/" + name
}

func (c *Client) repository(name string) (*remote.Repository, error) {
	repo, err := remote.NewRepository(c.registry + "/" + Namespaced(name))
	if err != nil {
		return nil, fmt.Errorf("failed to create remote repository: %w", err)
	}

	repo.Client = &http.Client{
		Transport: retry.NewTransport(&http.Transport{
			TLSClientConfig: &tls.Config{InsecureSkipVerify: c.insecure},
		}),
	}
	repo.PlainHTTP = c.plainHTTP
	return repo, nil
}

// Manifest fetches the manifest for (name, tag) and returns it along with its
// descriptor.
func (c *Client) Manifest(ctx context.Context, name, tag string) (*ocispec.Manifest, ocispec.Descriptor, error) {
	repo, err := c.repository(name)
	if err != nil {
		return nil, ocispec.Descriptor{}, err
	}

	desc, reader, err := repo.Manifests().FetchReference(ctx, tag)
	if err != nil {
		return nil, ocispec.Descriptor{}, fmt.Errorf("failed to fetch the manifest: %w", err)
	}
	defer reader.Close()

	var manifest ocispec.Manifest
	if err := json.NewDecoder(reader).Decode(&manifest); err != nil {
		return nil, ocispec.Descriptor{}, fmt.Errorf("failed to decode the manifest: %w", err)
	}

	return &manifest, desc, nil
}

// Open returns a reader over one layer blob.
func (c *Client) Open(ctx context.Context, name string, layer ocispec.Descriptor) (io.ReadCloser, error) {
	repo, err := c.repository(name)
	if err != nil {
		return nil, err
	}

	reader, err := repo.Blobs().Fetch(ctx, layer)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch blob %s: %w", layer.Digest, err)
	}

	return reader, nil
}

// Tags lists the tags advertised for a model.
func (c *Client) Tags(ctx context.Context, name string) ([]string, error) {
	repo, err := c.repository(name)
	if err != nil {
		return nil, err
	}

	var tags []string
	if err := repo.Tags(ctx, "", func(page []string) error {
		tags = append(tags, page...)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("failed to list tags: %w", err)
	}

	return tags, nil
}
