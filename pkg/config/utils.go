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
	"strconv"
	"strings"

	humanize "github.com/dustin/go-humanize"
)

// ParseSize parses a human-readable byte size such as "64MiB" or "1GB".
func ParseSize(s string) (int64, error) {
	n, err := humanize.ParseBytes(strings.TrimSpace(s))
	if err != nil {
		return 0, err
	}

	return int64(n), nil
}

// ParseRate parses a bandwidth such as "10MiB" or "10MiB/s" into bytes per
// second. The "/s" suffix is optional.
func ParseRate(s string) (int64, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, "/s")
	return ParseSize(s)
}

// ParseWeights parses a "token,logprob,length,perplexity" percentage list.
// The four weights must sum to 100.
func ParseWeights(s string) ([4]int, error) {
	var weights [4]int
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return weights, fmt.Errorf("expected 4 comma-separated weights, got %d", len(parts))
	}

	sum := 0
	for i, p := range parts {
		w, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return weights, fmt.Errorf("invalid weight %q: %w", p, err)
		}

		if w < 0 {
			return weights, fmt.Errorf("invalid weight %d: must be non-negative", w)
		}

		weights[i] = w
		sum += w
	}

	if sum != 100 {
		return weights, fmt.Errorf("weights must sum to 100, got %d", sum)
	}

	return weights, nil
}
