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

package qc

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Question is one prompt of a test suite. NumCtx optionally overrides the
// context length for this question only.
type Question struct {
	ID     string `yaml:"id" json:"id"`
	Text   string `yaml:"text" json:"text"`
	NumCtx int    `yaml:"num_ctx,omitempty" json:"num_ctx,omitempty"`
}

// Category groups questions; suite order is category order, then question
// order within the category. Resume logic relies on this ordering.
type Category struct {
	Name      string     `yaml:"name" json:"name"`
	Questions []Question `yaml:"questions" json:"questions"`
}

// Suite is an immutable, versioned collection of test questions.
type Suite struct {
	Name       string     `yaml:"name" json:"name"`
	Version    string     `yaml:"version" json:"version"`
	Categories []Category `yaml:"categories" json:"categories"`
}

// Questions returns the suite's questions flattened in suite order.
func (s *Suite) Questions() []Question {
	var questions []Question
	for _, c := range s.Categories {
		questions = append(questions, c.Questions...)
	}

	return questions
}

// Len returns the total question count.
func (s *Suite) Len() int {
	n := 0
	for _, c := range s.Categories {
		n += len(c.Questions)
	}

	return n
}

// Validate checks that every question has an ID and that IDs are unique;
// resume keys on them.
func (s *Suite) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("suite name is required")
	}

	seen := make(map[string]bool)
	for _, c := range s.Categories {
		for _, q := range c.Questions {
			if q.ID == "" {
				return fmt.Errorf("category %q contains a question without an id", c.Name)
			}

			if seen[q.ID] {
				return fmt.Errorf("duplicate question id %q", q.ID)
			}

			seen[q.ID] = true
			if q.Text == "" {
				return fmt.Errorf("question %q has no text", q.ID)
			}
		}
	}

	if len(seen) == 0 {
		return fmt.Errorf("suite %q contains no questions", s.Name)
	}

	return nil
}

// LoadSuite reads a suite definition from a YAML file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read suite file: %w", err)
	}

	var suite Suite
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return nil, fmt.Errorf("failed to parse suite file: %w", err)
	}

	if err := suite.Validate(); err != nil {
		return nil, fmt.Errorf("invalid suite %s: %w", path, err)
	}

	return &suite, nil
}

// DefaultSuite returns the built-in question suite.
func DefaultSuite() *Suite {
	return &Suite{
		Name:    "builtin",
		Version: "1",
		Categories: []Category{
			{
				Name: "reasoning",
				Questions: []Question{
					{ID: "reasoning-1", Text: "A farmer has 17 sheep. All but 9 run away. How many sheep does the farmer have left? Explain your reasoning step by step."},
					{ID: "reasoning-2", Text: "If it takes 5 machines 5 minutes to make 5 widgets, how long would it take 100 machines to make 100 widgets? Show your work."},
					{ID: "reasoning-3", Text: "Alice is taller than Bob. Bob is taller than Carol. Dave is shorter than Carol. Order the four people from tallest to shortest and explain how you know."},
				},
			},
			{
				Name: "math",
				Questions: []Question{
					{ID: "math-1", Text: "Compute 847 multiplied by 36 without a calculator, showing each step."},
					{ID: "math-2", Text: "A rectangle's length is twice its width and its perimeter is 36 meters. What are its dimensions and area?"},
					{ID: "math-3", Text: "What is the sum of all integers from 1 to 200? Derive the formula you use."},
				},
			},
			{
				Name: "coding",
				Questions: []Question{
					{ID: "coding-1", Text: "Write a function that returns the n-th Fibonacci number iteratively, in any mainstream language, and explain its time complexity."},
					{ID: "coding-2", Text: "Given a list of integers, write code that returns the two numbers summing to a given target, with better than quadratic complexity."},
					{ID: "coding-3", Text: "Explain the difference between a mutex and a semaphore, and give a short example where each is the right tool.", NumCtx: 4096},
				},
			},
			{
				Name: "factual",
				Questions: []Question{
					{ID: "factual-1", Text: "Explain what causes seasons on Earth. Keep the answer under 150 words."},
					{ID: "factual-2", Text: "Name the four largest planets of the solar system in order of size and give one distinguishing feature of each."},
				},
			},
			{
				Name: "instruction",
				Questions: []Question{
					{ID: "instruction-1", Text: "Summarize the concept of photosynthesis in exactly three sentences."},
					{ID: "instruction-2", Text: "List five uses for a paperclip other than holding paper. Respond with a numbered list only."},
				},
			},
		},
	}
}
