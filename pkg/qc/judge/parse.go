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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Verdict is a parsed judge response. Score is always on the 1-100 scale.
type Verdict struct {
	Score      int
	Reason     string
	BestAnswer string
	Raw        string
}

// ParseVerdict extracts a verdict from free-form model output. Judges wrap
// their JSON in prose, markdown fences, or extra keys, so parsing is
// deliberately tolerant: it takes the outermost {...} span, matches field
// names case-insensitively, and accepts scores on either the 1-100 or the
// 0.0-1.0 scale.
func ParseVerdict(raw string) (*Verdict, error) {
	span := outermostJSON(raw)
	if span == "" {
		return nil, fmt.Errorf("no JSON object found in judge response")
	}

	var fields map[string]any
	if err := json.Unmarshal([]byte(span), &fields); err != nil {
		return nil, fmt.Errorf("malformed JSON in judge response: %w", err)
	}

	folded := make(map[string]any, len(fields))
	for k, v := range fields {
		folded[strings.ToLower(strings.TrimSpace(k))] = v
	}

	scoreValue, ok := folded["score"]
	if !ok {
		return nil, fmt.Errorf("judge response has no score field")
	}

	score, err := normalizeScore(scoreValue)
	if err != nil {
		return nil, err
	}

	v := &Verdict{Score: score, Raw: raw}
	if reason, ok := folded["reason"].(string); ok {
		v.Reason = strings.TrimSpace(reason)
	}

	if best, ok := folded["bestanswer"].(string); ok {
		v.BestAnswer = normalizeBestAnswer(best)
	} else if best, ok := folded["best_answer"].(string); ok {
		v.BestAnswer = normalizeBestAnswer(best)
	}

	return v, nil
}

// outermostJSON returns the span from the first '{' to the last '}' of s, or
// empty when no balanced pair exists.
func outermostJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}

	return s[start : end+1]
}

// normalizeScore accepts numbers and numeric strings on either scale and
// clamps the result into [1,100]. A score of 0 is treated as the minimum
// valid score of 1, not as failure.
func normalizeScore(value any) (int, error) {
	var f float64
	switch v := value.(type) {
	case float64:
		f = v
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("non-numeric score %q", v)
		}
		f = parsed
	default:
		return 0, fmt.Errorf("unsupported score type %T", value)
	}

	// Scores strictly below 1 are on the 0.0-1.0 scale. An exact 1 is the
	// minimum of the requested 1-100 integer scale, not a perfect 1.0.
	if f > 0 && f < 1 {
		f *= 100
	}

	score := int(f + 0.5)
	if score < 1 {
		score = 1
	}

	if score > 100 {
		score = 100
	}

	return score, nil
}

func normalizeBestAnswer(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	switch {
	case strings.Contains(s, "cand"):
		return "candidate"
	case strings.Contains(s, "base"):
		return "base"
	case strings.Contains(s, "tie"), strings.Contains(s, "equal"), strings.Contains(s, "same"):
		return "tie"
	default:
		return ""
	}
}
