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

// Package client implements the HTTP client for the inference server's API:
// model listing and metadata, streamed pull/push, generation with per-token
// log probabilities, loaded-model control and blob upload.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const (
	// DefaultHost is used when no server address is configured.
	DefaultHost = "127.0.0.1:11434"

	// maxStreamLine bounds a single NDJSON line of a streamed response.
	maxStreamLine = 512 * 1024
)

// Client talks to one inference server.
type Client struct {
	base *url.URL
	http *http.Client
}

// NewClient creates a client for the given server address. The address may be
// "host:port" or a full "http(s)://host:port" URL; an empty address falls
// back to the QUANTCTL_HOST environment variable and then to DefaultHost.
func NewClient(address string) (*Client, error) {
	if address == "" {
		address = os.Getenv("QUANTCTL_HOST")
	}

	if address == "" {
		address = DefaultHost
	}

	if !strings.Contains(address, "://") {
		address = "http://" + address
	}

	base, err := url.Parse(address)
	if err != nil {
		return nil, fmt.Errorf("parse server address %q: %w", address, err)
	}

	return &Client{
		base: base,
		http: &http.Client{},
	}, nil
}

// Host returns the host:port the client is bound to.
func (c *Client) Host() string {
	return c.base.Host
}

func (c *Client) do(ctx context.Context, method, path string, reqData, respData any) error {
	var body io.Reader
	if reqData != nil {
		bts, err := json.Marshal(reqData)
		if err != nil {
			return err
		}
		body = bytes.NewReader(bts)
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), body)
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	respBody, err := io.ReadAll(response.Body)
	if err != nil {
		return err
	}

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusBadRequest {
		return newStatusError(response, respBody)
	}

	if respData != nil {
		if err := json.Unmarshal(respBody, respData); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
	}

	return nil
}

func (c *Client) stream(ctx context.Context, method, path string, reqData any, fn func([]byte) error) error {
	bts, err := json.Marshal(reqData)
	if err != nil {
		return err
	}

	request, err := http.NewRequestWithContext(ctx, method, c.base.JoinPath(path).String(), bytes.NewReader(bts))
	if err != nil {
		return err
	}

	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/x-ndjson")

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusBadRequest {
		respBody, _ := io.ReadAll(response.Body)
		return newStatusError(response, respBody)
	}

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, maxStreamLine), maxStreamLine)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}

		// A streamed error arrives as a regular line.
		var errLine struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(line, &errLine); err == nil && errLine.Error != "" {
			return StatusError{StatusCode: response.StatusCode, Message: errLine.Error}
		}

		if err := fn(line); err != nil {
			return err
		}
	}

	return scanner.Err()
}

func newStatusError(response *http.Response, body []byte) error {
	serr := StatusError{
		StatusCode: response.StatusCode,
		Status:     response.Status,
	}
	_ = json.Unmarshal(body, &serr)
	return serr
}

// List returns the models present on the server.
func (c *Client) List(ctx context.Context) (*ListResponse, error) {
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/tags", nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Show returns the metadata of one model.
func (c *Client) Show(ctx context.Context, req *ShowRequest) (*ShowResponse, error) {
	var resp ShowResponse
	if err := c.do(ctx, http.MethodPost, "/api/show", req, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// PullProgressFunc receives one progress event per streamed line.
type PullProgressFunc func(ProgressResponse) error

// Pull asks the server to pull a model from its registry, streaming progress.
func (c *Client) Pull(ctx context.Context, req *PullRequest, fn PullProgressFunc) error {
	return c.stream(ctx, http.MethodPost, "/api/pull", req, func(line []byte) error {
		var resp ProgressResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return err
		}

		return fn(resp)
	})
}

// Copy duplicates a model under a new name on the same server.
func (c *Client) Copy(ctx context.Context, req *CopyRequest) error {
	return c.do(ctx, http.MethodPost, "/api/copy", req, nil)
}

// Delete removes a model from the server.
func (c *Client) Delete(ctx context.Context, req *DeleteRequest) error {
	return c.do(ctx, http.MethodDelete, "/api/delete", req, nil)
}

// GenerateResponseFunc receives one generation event per streamed line.
type GenerateResponseFunc func(GenerateResponse) error

// Generate runs a completion, streaming tokens (with log probabilities when
// requested) to fn.
func (c *Client) Generate(ctx context.Context, req *GenerateRequest, fn GenerateResponseFunc) error {
	return c.stream(ctx, http.MethodPost, "/api/generate", req, func(line []byte) error {
		var resp GenerateResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return err
		}

		return fn(resp)
	})
}

// Chat runs a chat completion and returns the aggregated final message.
func (c *Client) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	var final ChatResponse
	var content strings.Builder
	err := c.stream(ctx, http.MethodPost, "/api/chat", req, func(line []byte) error {
		var resp ChatResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return err
		}

		content.WriteString(resp.Message.Content)
		if resp.Done {
			final = resp
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	final.Message.Content = content.String()
	final.Message.Role = "assistant"
	return &final, nil
}

// Ps returns the models currently loaded into memory.
func (c *Client) Ps(ctx context.Context) (*PsResponse, error) {
	var resp PsResponse
	if err := c.do(ctx, http.MethodGet, "/api/ps", nil, &resp); err != nil {
		return nil, err
	}

	return &resp, nil
}

// Version returns the server version.
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp VersionResponse
	if err := c.do(ctx, http.MethodGet, "/api/version", nil, &resp); err != nil {
		return "", err
	}

	return resp.Version, nil
}

// Load brings a model into memory with the given keep-alive TTL by issuing an
// empty generate request.
func (c *Client) Load(ctx context.Context, model string, keepAlive time.Duration) error {
	req := &GenerateRequest{
		Model:     model,
		KeepAlive: &Duration{keepAlive},
	}
	return c.Generate(ctx, req, func(GenerateResponse) error { return nil })
}

// Unload evicts a model from memory immediately (keep_alive of zero).
func (c *Client) Unload(ctx context.Context, model string) error {
	return c.Load(ctx, model, 0)
}

// HasBlob reports whether the server already stores a complete blob with the
// given digest.
func (c *Client) HasBlob(ctx context.Context, digest string) (bool, error) {
	request, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base.JoinPath("/api/blobs/", digest).String(), nil)
	if err != nil {
		return false, err
	}

	response, err := c.http.Do(request)
	if err != nil {
		return false, err
	}
	defer response.Body.Close()

	switch response.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, StatusError{StatusCode: response.StatusCode, Status: response.Status}
	}
}

// PushBlob uploads a blob body under the given digest. The server verifies
// the digest on its side and rejects mismatches.
func (c *Client) PushBlob(ctx context.Context, digest string, size int64, body io.Reader) error {
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base.JoinPath("/api/blobs/", digest).String(), body)
	if err != nil {
		return err
	}

	request.ContentLength = size
	request.Header.Set("Content-Type", "application/octet-stream")

	response, err := c.http.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode < http.StatusOK || response.StatusCode >= http.StatusBadRequest {
		respBody, _ := io.ReadAll(response.Body)
		return newStatusError(response, respBody)
	}

	return nil
}

// Create registers a model on the server from already-uploaded blobs.
func (c *Client) Create(ctx context.Context, req *CreateRequest) error {
	return c.stream(ctx, http.MethodPost, "/api/create", req, func([]byte) error { return nil })
}
