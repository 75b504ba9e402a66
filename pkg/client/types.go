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

package client

import (
	"encoding/json"
	"fmt"
	"time"
)

// StatusError is returned for non-2xx responses from the server.
type StatusError struct {
	StatusCode int
	Status     string
	Message    string `json:"error"`
}

func (e StatusError) Error() string {
	if e.Message != "" {
		return e.Message
	}

	return e.Status
}

// Duration marshals as a Go duration string so the server's keep_alive field
// receives values like "5m" or "0s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch v := v.(type) {
	case float64:
		d.Duration = time.Duration(v) * time.Second
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		d.Duration = parsed
	default:
		return fmt.Errorf("unsupported duration type %T", v)
	}

	return nil
}

// ModelDetails carries the family/size/quantization metadata of a model.
type ModelDetails struct {
	Format            string   `json:"format"`
	Family            string   `json:"family"`
	Families          []string `json:"families,omitempty"`
	ParameterSize     string   `json:"parameter_size"`
	QuantizationLevel string   `json:"quantization_level"`
}

// ModelInfo is one entry of the local model listing.
type ModelInfo struct {
	Name       string       `json:"name"`
	Model      string       `json:"model"`
	ModifiedAt time.Time    `json:"modified_at"`
	Size       int64        `json:"size"`
	Digest     string       `json:"digest"`
	Details    ModelDetails `json:"details"`
}

// ListResponse is the body of GET /api/tags.
type ListResponse struct {
	Models []ModelInfo `json:"models"`
}

// ShowRequest is the body of POST /api/show.
type ShowRequest struct {
	Model   string `json:"model"`
	Verbose bool   `json:"verbose,omitempty"`
}

// ShowResponse is the body of the show reply. ModelInfo carries the verbose
// tensor/architecture metadata keyed by dotted names.
type ShowResponse struct {
	Modelfile  string         `json:"modelfile,omitempty"`
	Parameters string         `json:"parameters,omitempty"`
	Template   string         `json:"template,omitempty"`
	Details    ModelDetails   `json:"details"`
	ModelInfo  map[string]any `json:"model_info,omitempty"`
}

// PullRequest is the body of POST /api/pull.
type PullRequest struct {
	Model    string `json:"model"`
	Insecure bool   `json:"insecure,omitempty"`
	Stream   *bool  `json:"stream,omitempty"`
}

// ProgressResponse is one NDJSON line of a streamed pull.
type ProgressResponse struct {
	Status    string `json:"status"`
	Digest    string `json:"digest,omitempty"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// CopyRequest is the body of POST /api/copy.
type CopyRequest struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// DeleteRequest is the body of DELETE /api/delete.
type DeleteRequest struct {
	Model string `json:"model"`
}

// Options are the sampling parameters accepted by generate and chat. Pointer
// fields are omitted when unset so the server applies its own defaults.
type Options struct {
	Temperature   *float64 `json:"temperature,omitempty"`
	Seed          *int     `json:"seed,omitempty"`
	TopP          *float64 `json:"top_p,omitempty"`
	TopK          *int     `json:"top_k,omitempty"`
	RepeatPenalty *float64 `json:"repeat_penalty,omitempty"`
	NumCtx        *int     `json:"num_ctx,omitempty"`
	NumPredict    *int     `json:"num_predict,omitempty"`
}

// TokenLogprob is one generated token with the log probability the model
// assigned to it.
type TokenLogprob struct {
	Token   string  `json:"token"`
	ID      int     `json:"id"`
	Logprob float64 `json:"logprob"`
}

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model     string    `json:"model"`
	Prompt    string    `json:"prompt"`
	Stream    *bool     `json:"stream,omitempty"`
	Logprobs  bool      `json:"logprobs,omitempty"`
	KeepAlive *Duration `json:"keep_alive,omitempty"`
	Options   *Options  `json:"options,omitempty"`
}

// GenerateResponse is one NDJSON line of a streamed generate call. The
// timing fields are only populated on the final line (Done == true).
type GenerateResponse struct {
	Model     string         `json:"model"`
	CreatedAt time.Time      `json:"created_at"`
	Response  string         `json:"response"`
	Done      bool           `json:"done"`
	Context   []int          `json:"context,omitempty"`
	Logprobs  []TokenLogprob `json:"logprobs,omitempty"`

	TotalDuration   time.Duration `json:"total_duration,omitempty"`
	LoadDuration    time.Duration `json:"load_duration,omitempty"`
	PromptEvalCount int           `json:"prompt_eval_count,omitempty"`
	EvalCount       int           `json:"eval_count,omitempty"`
	EvalDuration    time.Duration `json:"eval_duration,omitempty"`
}

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Model     string    `json:"model"`
	Messages  []Message `json:"messages"`
	Stream    *bool     `json:"stream,omitempty"`
	KeepAlive *Duration `json:"keep_alive,omitempty"`
	Options   *Options  `json:"options,omitempty"`
}

// ChatResponse is one NDJSON line of a streamed chat call.
type ChatResponse struct {
	Model     string    `json:"model"`
	CreatedAt time.Time `json:"created_at"`
	Message   Message   `json:"message"`
	Done      bool      `json:"done"`

	EvalCount    int           `json:"eval_count,omitempty"`
	EvalDuration time.Duration `json:"eval_duration,omitempty"`
}

// ProcessModel is one entry of the loaded-model listing.
type ProcessModel struct {
	Name      string       `json:"name"`
	Model     string       `json:"model"`
	Size      int64        `json:"size"`
	SizeVRAM  int64        `json:"size_vram"`
	Digest    string       `json:"digest"`
	Details   ModelDetails `json:"details"`
	ExpiresAt time.Time    `json:"expires_at"`
}

// PsResponse is the body of GET /api/ps.
type PsResponse struct {
	Models []ProcessModel `json:"models"`
}

// VersionResponse is the body of GET /api/version.
type VersionResponse struct {
	Version string `json:"version"`
}

// CreateRequest registers a model from already-uploaded blobs. Files maps a
// layer file name to its blob digest.
type CreateRequest struct {
	Model  string            `json:"model"`
	Files  map[string]string `json:"files"`
	Stream *bool             `json:"stream,omitempty"`
}
