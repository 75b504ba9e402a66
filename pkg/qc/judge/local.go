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

package judge

import (
	"context"
	"fmt"

	"github.com/quantpack/quantctl/pkg/client"
)

// ChatServer is the subset of the inference-server client the local judge
// provider needs.
type ChatServer interface {
	Chat(ctx context.Context, req *client.ChatRequest) (*client.ChatResponse, error)
	List(ctx context.Context) (*client.ListResponse, error)
	Version(ctx context.Context) (string, error)
}

type localProvider struct {
	server ChatServer
	model  string
}

// NewLocalProvider builds a judge provider over a local inference server.
func NewLocalProvider(server ChatServer, model string) Provider {
	return &localProvider{server: server, model: model}
}

func (p *localProvider) Name() string {
	return "local"
}

func (p *localProvider) ValidateConnection(ctx context.Context) error {
	if _, err := p.server.Version(ctx); err != nil {
		return fmt.Errorf("judge server unreachable: %w", err)
	}

	models, err := p.server.List(ctx)
	if err != nil {
		return err
	}

	for _, m := range models.Models {
		if m.Name == p.model || m.Model == p.model {
			return nil
		}
	}

	return fmt.Errorf("judge model %q not present on server", p.model)
}

func (p *localProvider) ListModels(ctx context.Context) ([]string, error) {
	resp, err := p.server.List(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}

	return names, nil
}

func (p *localProvider) Complete(ctx context.Context, systemPrompt, userPrompt string, maxTokens int) (string, error) {
	temperature := 0.0
	resp, err := p.server.Chat(ctx, &client.ChatRequest{
		Model: p.model,
		Messages: []client.Message{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: userPrompt},
		},
		Options: &client.Options{
			Temperature: &temperature,
			NumPredict:  &maxTokens,
		},
	})
	if err != nil {
		return "", err
	}

	return resp.Message.Content, nil
}
