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

import "math"

// Weights are the scoring component weights, expressed in percent. They must
// sum to 100.
type Weights struct {
	TokenSimilarity        float64 `json:"token_similarity"`
	LogprobDivergence      float64 `json:"logprob_divergence"`
	LengthConsistency      float64 `json:"length_consistency"`
	PerplexityPreservation float64 `json:"perplexity_preservation"`
}

// DefaultWeights weighs logprob divergence heaviest; token-level agreement is
// a weak signal between quantizations that legitimately sample differently.
var DefaultWeights = Weights{
	TokenSimilarity:        5,
	LogprobDivergence:      70,
	LengthConsistency:      5,
	PerplexityPreservation: 20,
}

// Answer is the scored portion of one generated answer.
type Answer struct {
	Tokens   []int
	Logprobs []float64
}

// Score holds the per-component and composite results, all on a 0-100 scale.
type Score struct {
	TokenSimilarity        float64 `json:"token_similarity"`
	LogprobDivergence      float64 `json:"logprob_divergence"`
	LengthConsistency      float64 `json:"length_consistency"`
	PerplexityPreservation float64 `json:"perplexity_preservation"`
	Composite              float64 `json:"composite"`
}

// ScoreAnswers computes the composite quality-preservation score of candidate
// against base. It is pure: the same inputs always produce the same output.
// An empty candidate scores zero on the ratio-based components instead of
// dividing by zero.
func ScoreAnswers(base, candidate Answer, w Weights) Score {
	s := Score{
		TokenSimilarity:        tokenSimilarity(base.Tokens, candidate.Tokens),
		LogprobDivergence:      logprobDivergence(base.Logprobs, candidate.Logprobs),
		LengthConsistency:      lengthConsistency(len(base.Tokens), len(candidate.Tokens)),
		PerplexityPreservation: perplexityPreservation(base.Logprobs, candidate.Logprobs),
	}

	s.Composite = (s.TokenSimilarity*w.TokenSimilarity +
		s.LogprobDivergence*w.LogprobDivergence +
		s.LengthConsistency*w.LengthConsistency +
		s.PerplexityPreservation*w.PerplexityPreservation) / 100

	return s
}

// FinalScore blends the composite with a judge score when one is present.
func FinalScore(composite float64, judge *float64) float64 {
	if judge == nil {
		return composite
	}

	return 0.5*composite + 0.5**judge
}

// tokenSimilarity is the longest-common-subsequence length normalized by the
// longer sequence, times 100.
func tokenSimilarity(base, candidate []int) float64 {
	if len(base) == 0 && len(candidate) == 0 {
		return 100
	}

	if len(base) == 0 || len(candidate) == 0 {
		return 0
	}

	longer := len(base)
	if len(candidate) > longer {
		longer = len(candidate)
	}

	return 100 * float64(lcsLength(base, candidate)) / float64(longer)
}

func lcsLength(a, b []int) int {
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for i := 1; i <= len(a); i++ {
		for j := 1; j <= len(b); j++ {
			if a[i-1] == b[j-1] {
				curr[j] = prev[j-1] + 1
			} else if prev[j] >= curr[j-1] {
				curr[j] = prev[j]
			} else {
				curr[j] = curr[j-1]
			}
		}

		prev, curr = curr, prev
	}

	return prev[len(b)]
}

// logprobDivergence compares the mean log probability of the two sequences as
// a confidence proxy.
func logprobDivergence(base, candidate []float64) float64 {
	if len(base) == 0 || len(candidate) == 0 {
		return 0
	}

	return 100 * math.Exp(-2*math.Abs(meanLogprob(base)-meanLogprob(candidate)))
}

// lengthConsistency penalizes answers that grew or shrank relative to base.
func lengthConsistency(baseLen, candidateLen int) float64 {
	if baseLen == 0 || candidateLen == 0 {
		return 0
	}

	ratio := float64(candidateLen) / float64(baseLen)
	return 100 * math.Exp(-2*math.Abs(1-ratio))
}

// perplexityPreservation compares perplexity (exp of negated mean logprob) as
// an uncertainty proxy.
func perplexityPreservation(base, candidate []float64) float64 {
	if len(base) == 0 || len(candidate) == 0 {
		return 0
	}

	basePPL := math.Exp(-meanLogprob(base))
	candidatePPL := math.Exp(-meanLogprob(candidate))
	if basePPL == 0 {
		return 0
	}

	ratio := candidatePPL / basePPL
	return 100 * math.Exp(-0.5*math.Abs(1-ratio))
}

func meanLogprob(logprobs []float64) float64 {
	var sum float64
	for _, lp := range logprobs {
		sum += lp
	}

	return sum / float64(len(logprobs))
}
