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
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSuite() *Suite {
	return &Suite{
		Name:    "test",
		Version: "1",
		Categories: []Category{
			{
				Name: "basic",
				Questions: []Question{
					{ID: "q1", Text: "first"},
					{ID: "q2", Text: "second"},
					{ID: "q3", Text: "third"},
				},
			},
		},
	}
}

func TestDocumentSaveLoadRoundTrip(t *testing.T) {
	suite := testSuite()
	doc := NewDocument("llama3", "f16", Fingerprint{Family: "llama", ParameterSize: "8B"}, suite, TestOptions{Seed: 42}, DefaultWeights)
	doc.Results = append(doc.Results, &QuantResult{
		Tag:    "f16",
		Model:  "llama3:f16",
		IsBase: true,
		Questions: []*QuestionResult{
			{QuestionID: "q1", Answer: "a1", Tokens: []int{1, 2}, Logprobs: []float64{-0.1, -0.2}},
		},
	})

	path := filepath.Join(t.TempDir(), "results.json")
	require.NoError(t, doc.Save(path))

	loaded, err := LoadDocument(path)
	require.NoError(t, err)
	assert.Equal(t, doc.RunID, loaded.RunID)
	assert.Equal(t, "llama3", loaded.Model)
	assert.Equal(t, suite.Len(), loaded.QuestionCount)
	require.Len(t, loaded.Results, 1)
	assert.Equal(t, []int{1, 2}, loaded.Results[0].Questions[0].Tokens)
}

func TestLoadDocumentMissing(t *testing.T) {
	_, err := LoadDocument(filepath.Join(t.TempDir(), "absent.json"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestSaveNeverLeavesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.json")
	doc := NewDocument("m", "f16", Fingerprint{}, testSuite(), TestOptions{}, DefaultWeights)
	require.NoError(t, doc.Save(path))

	// The temp file used for the atomic rename must be gone.
	_, err := os.Stat(path + ".tmp")
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestQuantResultResume(t *testing.T) {
	suite := testSuite()
	qr := &QuantResult{Tag: "q4_0"}

	assert.False(t, qr.Complete(suite))
	assert.Equal(t, 0, qr.FirstMissing(suite))

	qr.Questions = append(qr.Questions, &QuestionResult{QuestionID: "q1"})
	assert.Equal(t, 1, qr.FirstMissing(suite))

	qr.Questions = append(qr.Questions,
		&QuestionResult{QuestionID: "q2"},
		&QuestionResult{QuestionID: "q3"})
	assert.True(t, qr.Complete(suite))
	assert.Equal(t, suite.Len(), qr.FirstMissing(suite))
}

func TestQuantResultMissingJudgments(t *testing.T) {
	suite := testSuite()
	qr := &QuantResult{
		Tag: "q4_0",
		Questions: []*QuestionResult{
			{QuestionID: "q1", Judgment: &Verdict{Score: 90}},
			{QuestionID: "q2"},
			{QuestionID: "q3"},
		},
	}

	assert.Equal(t, []string{"q2", "q3"}, qr.MissingJudgments(suite))
}

func TestFingerprintValidation(t *testing.T) {
	doc := NewDocument("m", "f16", Fingerprint{Family: "llama", ParameterSize: "8B"}, testSuite(), TestOptions{}, DefaultWeights)

	assert.NoError(t, doc.ValidateFingerprint(Fingerprint{Family: "Llama", ParameterSize: "8b"}))

	err := doc.ValidateFingerprint(Fingerprint{Family: "qwen2", ParameterSize: "8B"})
	assert.ErrorIs(t, err, ErrFingerprintMismatch)

	err = doc.ValidateFingerprint(Fingerprint{Family: "llama", ParameterSize: "70B"})
	assert.ErrorIs(t, err, ErrFingerprintMismatch)
}

func TestEmptyFingerprintMatchesNothing(t *testing.T) {
	assert.False(t, Fingerprint{}.Matches(Fingerprint{}))
	assert.False(t, Fingerprint{Family: "llama"}.Matches(Fingerprint{Family: "llama"}))
}

func TestFindBase(t *testing.T) {
	doc := &Document{
		Results: []*QuantResult{
			{Tag: "f16-extra", IsBase: false},
			{Tag: "F16", IsBase: true},
		},
	}

	base := doc.FindBase("f16")
	require.NotNil(t, base)
	assert.Equal(t, "F16", base.Tag)

	// Exact tag equality only, no substring matching.
	assert.Nil(t, doc.FindBase("f16-ex"))
	assert.Nil(t, doc.FindBase("16"))
}

func TestAggregate(t *testing.T) {
	judge := 80
	qr := &QuantResult{
		Questions: []*QuestionResult{
			{
				QuestionID:      "q1",
				Score:           &Score{Composite: 90},
				Judgment:        &Verdict{Score: judge},
				TokensPerSecond: 100,
			},
			{
				QuestionID:      "q2",
				Score:           &Score{Composite: 70},
				TokensPerSecond: 50,
			},
		},
	}

	qr.Aggregate()

	assert.InDelta(t, 80, qr.Composite, 0.001)
	// q1 final blends with the judge: 0.5*90+0.5*80 = 85; q2 has no verdict.
	assert.InDelta(t, (85.0+70.0)/2, qr.Final, 0.001)
	assert.InDelta(t, 75, qr.TokensPerSecond, 0.001)
}
