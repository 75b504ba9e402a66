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

package config

import (
	"fmt"
	"time"
)

const (
	JudgeModeSerial   = "serial"
	JudgeModeParallel = "parallel"

	// defaultWeights is token,logprob,length,perplexity in percent.
	defaultWeights = "5,70,5,20"

	defaultTimeout        = 5 * time.Minute
	defaultKeepAlive      = 10 * time.Minute
	defaultTimeoutRetries = 3
)

type QC struct {
	BaseTag  string
	Patterns []string
	Output   string
	// SuitePath points at a YAML question suite; empty uses the builtin
	// suite.
	SuitePath string

	// Judge is a judge reference like "@openai/gpt-4o" or a local model
	// name; empty disables judging.
	Judge     string
	JudgeMode string

	Timeout        time.Duration
	KeepAlive      time.Duration
	TimeoutRetries int

	Force    bool
	Rejudge  bool
	OnDemand bool
	// Yes answers every confirmation prompt affirmatively, for
	// non-interactive runs.
	Yes bool

	Temperature   float64
	Seed          int
	TopP          float64
	TopK          int
	RepeatPenalty float64
	NumCtx        int

	// Weights is the composite weight list "token,logprob,length,perplexity".
	Weights string
}

func NewQC() *QC {
	return &QC{
		BaseTag:        "latest",
		Output:         "",
		JudgeMode:      JudgeModeSerial,
		Timeout:        defaultTimeout,
		KeepAlive:      defaultKeepAlive,
		TimeoutRetries: defaultTimeoutRetries,
		Temperature:    0,
		Seed:           42,
		TopP:           0.9,
		TopK:           40,
		RepeatPenalty:  1.1,
		NumCtx:         2048,
		Weights:        defaultWeights,
	}
}

func (c *QC) Validate() error {
	if c.BaseTag == "" {
		return fmt.Errorf("base tag must not be empty")
	}

	if c.Output == "" {
		return fmt.Errorf("output path must not be empty")
	}

	if c.JudgeMode != JudgeModeSerial && c.JudgeMode != JudgeModeParallel {
		return fmt.Errorf("invalid judge mode %q: must be %q or %q", c.JudgeMode, JudgeModeSerial, JudgeModeParallel)
	}

	if c.Timeout <= 0 {
		return fmt.Errorf("invalid timeout: %s", c.Timeout)
	}

	if c.TimeoutRetries < 1 {
		return fmt.Errorf("invalid timeout retries: %d", c.TimeoutRetries)
	}

	if _, err := ParseWeights(c.Weights); err != nil {
		return fmt.Errorf("invalid weights %q: %w", c.Weights, err)
	}

	return nil
}

// WeightValues returns the parsed composite weights. Validate must have
// passed.
func (c *QC) WeightValues() [4]int {
	weights, _ := ParseWeights(c.Weights)
	return weights
}
