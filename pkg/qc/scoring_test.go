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
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreIdenticalAnswersIsExactly100(t *testing.T) {
	answer := Answer{
		Tokens:   []int{10, 20, 30, 40},
		Logprobs: []float64{-0.1, -0.5, -0.02, -1.2},
	}

	score := ScoreAnswers(answer, answer, DefaultWeights)

	assert.Equal(t, float64(100), score.TokenSimilarity)
	assert.Equal(t, float64(100), score.LogprobDivergence)
	assert.Equal(t, float64(100), score.LengthConsistency)
	assert.Equal(t, float64(100), score.PerplexityPreservation)
	assert.Equal(t, float64(100), score.Composite)
}

func TestScoreIsDeterministic(t *testing.T) {
	base := Answer{Tokens: []int{1, 2, 3, 4, 5}, Logprobs: []float64{-0.3, -0.7, -0.2, -0.9, -0.4}}
	candidate := Answer{Tokens: []int{1, 2, 9, 4}, Logprobs: []float64{-0.5, -0.8, -0.6, -1.0}}

	first := ScoreAnswers(base, candidate, DefaultWeights)
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, ScoreAnswers(base, candidate, DefaultWeights))
	}
}

func TestScoreEmptyCandidate(t *testing.T) {
	base := Answer{Tokens: []int{1, 2, 3}, Logprobs: []float64{-0.1, -0.2, -0.3}}

	score := ScoreAnswers(base, Answer{}, DefaultWeights)

	assert.Equal(t, float64(0), score.TokenSimilarity)
	assert.Equal(t, float64(0), score.LogprobDivergence)
	assert.Equal(t, float64(0), score.LengthConsistency)
	assert.Equal(t, float64(0), score.PerplexityPreservation)
	assert.Equal(t, float64(0), score.Composite)
}

func TestScoreBothEmpty(t *testing.T) {
	score := ScoreAnswers(Answer{}, Answer{}, DefaultWeights)

	// Two empty answers agree on tokens but carry no confidence signal.
	assert.Equal(t, float64(100), score.TokenSimilarity)
	assert.Equal(t, float64(0), score.LogprobDivergence)
}

func TestScoreComponentsBounded(t *testing.T) {
	base := Answer{Tokens: []int{1, 2, 3, 4, 5, 6}, Logprobs: []float64{-0.1, -0.1, -0.1, -0.1, -0.1, -0.1}}
	candidate := Answer{Tokens: []int{7, 8}, Logprobs: []float64{-5.0, -4.0}}

	score := ScoreAnswers(base, candidate, DefaultWeights)
	for _, c := range []float64{
		score.TokenSimilarity,
		score.LogprobDivergence,
		score.LengthConsistency,
		score.PerplexityPreservation,
		score.Composite,
	} {
		assert.GreaterOrEqual(t, c, float64(0))
		assert.LessOrEqual(t, c, float64(100))
	}

	// A short low-confidence answer must score well below a perfect match.
	assert.Less(t, score.Composite, float64(50))
}

func TestCompositeUsesWeights(t *testing.T) {
	base := Answer{Tokens: []int{1, 2, 3, 4}, Logprobs: []float64{-0.2, -0.2, -0.2, -0.2}}
	candidate := Answer{Tokens: []int{1, 2, 3, 4}, Logprobs: []float64{-0.9, -0.9, -0.9, -0.9}}

	tokenOnly := ScoreAnswers(base, candidate, Weights{TokenSimilarity: 100})
	assert.Equal(t, float64(100), tokenOnly.Composite)

	logprobOnly := ScoreAnswers(base, candidate, Weights{LogprobDivergence: 100})
	assert.Less(t, logprobOnly.Composite, float64(100))
	assert.Equal(t, logprobOnly.LogprobDivergence, logprobOnly.Composite)
}

func TestFinalScore(t *testing.T) {
	assert.Equal(t, float64(80), FinalScore(80, nil))

	judge := float64(60)
	assert.Equal(t, float64(70), FinalScore(80, &judge))
}

func TestTokenSimilarityOrderMatters(t *testing.T) {
	base := Answer{Tokens: []int{1, 2, 3, 4}, Logprobs: []float64{-0.1, -0.1, -0.1, -0.1}}
	reordered := Answer{Tokens: []int{4, 3, 2, 1}, Logprobs: []float64{-0.1, -0.1, -0.1, -0.1}}

	score := ScoreAnswers(base, reordered, DefaultWeights)

	// LCS of a sequence and its reverse is 1.
	assert.InDelta(t, 25, score.TokenSimilarity, 0.001)
}
