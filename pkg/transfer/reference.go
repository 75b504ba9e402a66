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

package transfer

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/distribution/reference"
)

// DefaultTag is assumed when a reference carries no explicit tag.
const DefaultTag = "latest"

// Endpoint identifies one side of a transfer: a model on either the default
// local server or an explicitly addressed remote server.
type Endpoint struct {
	// Scheme is "http" or "https" for remote endpoints, empty for local.
	Scheme string
	// Host is the "host:port" of a remote server, empty for local.
	Host string
	// Name is the model name, possibly namespaced ("library/llama3").
	Name string
	// Tag is the model tag, never empty after parsing.
	Tag string
}

// Remote reports whether the endpoint addresses an explicit server.
func (e Endpoint) Remote() bool {
	return e.Host != ""
}

// Model returns the "name:tag" form used by server APIs.
func (e Endpoint) Model() string {
	return e.Name + ":" + e.Tag
}

// String returns the canonical reference string.
func (e Endpoint) String() string {
	if !e.Remote() {
		return e.Model()
	}

	return fmt.Sprintf("%s://%s/%s", e.Scheme, e.Host, e.Model())
}

// ParseEndpoint parses a transfer reference. Accepted forms:
//
//	model[:tag]
//	namespace/model[:tag]
//	http(s)://host:port/model[:tag]
//
// Model names and tags follow the distribution reference grammar.
func ParseEndpoint(ref string) (Endpoint, error) {
	if ref == "" {
		return Endpoint{}, fmt.Errorf("empty reference")
	}

	var ep Endpoint
	rest := ref
	if strings.Contains(ref, "://") {
		u, err := url.Parse(ref)
		if err != nil {
			return Endpoint{}, fmt.Errorf("parse reference %q: %w", ref, err)
		}

		if u.Scheme != "http" && u.Scheme != "https" {
			return Endpoint{}, fmt.Errorf("unsupported scheme %q in reference %q", u.Scheme, ref)
		}

		if u.Host == "" {
			return Endpoint{}, fmt.Errorf("missing host in reference %q", ref)
		}

		ep.Scheme = u.Scheme
		ep.Host = u.Host
		rest = strings.TrimPrefix(u.Path, "/")
	}

	if rest == "" {
		return Endpoint{}, fmt.Errorf("missing model name in reference %q", ref)
	}

	ep.Name = rest
	ep.Tag = DefaultTag
	if idx := strings.LastIndex(rest, ":"); idx >= 0 {
		ep.Name, ep.Tag = rest[:idx], rest[idx+1:]
		if ep.Name == "" || ep.Tag == "" {
			return Endpoint{}, fmt.Errorf("malformed model reference %q", rest)
		}
	}

	named, err := reference.WithName(ep.Name)
	if err != nil {
		return Endpoint{}, fmt.Errorf("invalid model name %q: %w", ep.Name, err)
	}

	if _, err := reference.WithTag(named, ep.Tag); err != nil {
		return Endpoint{}, fmt.Errorf("invalid tag %q in reference %q: %w", ep.Tag, ref, err)
	}

	return ep, nil
}
