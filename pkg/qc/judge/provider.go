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

// Package judge obtains qualitative similarity verdicts from a judge model,
// which may run on a local inference server or at a cloud provider.
package judge

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// Provider is the uniform capability interface over judge backends. Complete
// returns the raw model output; tolerant parsing happens in the orchestrator.
type Provider interface {
	Name() string
	ValidateConnection(ctx context.Context) error
	ListModels(ctx context.Context) ([]string, error)
	Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error)
}

// Ref is a parsed judge model reference.
type Ref struct {
	// Provider is the cloud provider key ("openai", "anthropic", "groq"),
	// empty for a local inference server.
	Provider string
	// Token is the API token for cloud providers; may come from the
	// provider's conventional environment variable instead.
	Token string
	// Model is the judge model identifier.
	Model string
	// Host addresses a specific local server, empty for the default.
	Host string
}

// Local reports whether the reference targets an inference server rather
// than a cloud provider.
func (r Ref) Local() bool {
	return r.Provider == ""
}

// ParseRef parses a judge reference of the form
//
//	model[:tag]                    local default server
//	http(s)://host:port/model      local explicit server
//	@provider[:token]/model        cloud provider
func ParseRef(ref string) (Ref, error) {
	if ref == "" {
		return Ref{}, fmt.Errorf("empty judge reference")
	}

	if !strings.HasPrefix(ref, "@") {
		r := Ref{Model: ref}
		if strings.Contains(ref, "://") {
			idx := strings.LastIndex(ref, "/")
			if idx < 0 || idx == len(ref)-1 {
				return Ref{}, fmt.Errorf("malformed judge reference %q", ref)
			}

			r.Host = ref[:idx]
			r.Model = ref[idx+1:]
		}

		return r, nil
	}

	rest := strings.TrimPrefix(ref, "@")
	slash := strings.Index(rest, "/")
	if slash < 0 || slash == len(rest)-1 {
		return Ref{}, fmt.Errorf("malformed judge reference %q: expected @provider[:token]/model", ref)
	}

	head, model := rest[:slash], rest[slash+1:]
	r := Ref{Provider: strings.ToLower(head), Model: model}
	if colon := strings.Index(head, ":"); colon >= 0 {
		r.Provider = strings.ToLower(head[:colon])
		r.Token = head[colon+1:]
	}

	if r.Provider == "" {
		return Ref{}, fmt.Errorf("malformed judge reference %q: missing provider", ref)
	}

	return r, nil
}

// tokenEnvVars maps providers to the environment variables consulted when a
// reference carries no inline token.
var tokenEnvVars = map[string]string{
	"openai":    "OPENAI_API_KEY",
	"anthropic": "ANTHROPIC_API_KEY",
	"groq":      "GROQ_API_KEY",
}

// NewCloudProvider builds the provider implementation for a cloud reference.
func NewCloudProvider(ref Ref) (Provider, error) {
	token := ref.Token
	if token == "" {
		if env, ok := tokenEnvVars[ref.Provider]; ok {
			token = os.Getenv(env)
		}
	}

	if token == "" {
		return nil, fmt.Errorf("no API token for provider %q: pass @%s:<token>/%s or set %s", ref.Provider, ref.Provider, ref.Model, tokenEnvVars[ref.Provider])
	}

	switch ref.Provider {
	case "openai":
		return newOpenAIProvider(token, ref.Model), nil
	case "anthropic":
		return newAnthropicProvider(token, ref.Model), nil
	case "groq":
		return newGroqProvider(token, ref.Model), nil
	default:
		return nil, fmt.Errorf("unknown judge provider %q", ref.Provider)
	}
}
