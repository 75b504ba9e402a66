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
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultSuiteIsValid(t *testing.T) {
	suite := DefaultSuite()
	require.NoError(t, suite.Validate())
	assert.NotEmpty(t, suite.Name)
	assert.NotEmpty(t, suite.Version)
	assert.Equal(t, suite.Len(), len(suite.Questions()))
	assert.Greater(t, suite.Len(), 0)
}

func TestSuiteQuestionOrderIsStable(t *testing.T) {
	suite := DefaultSuite()
	first := suite.Questions()
	second := suite.Questions()
	assert.Equal(t, first, second)
}

func TestLoadSuite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: smoke
version: "1"
categories:
  - name: math
    questions:
      - id: math-1
        text: "What is 2+2?"
      - id: math-2
        text: "Summarize the proof of infinitude of primes."
        num_ctx: 4096
`), 0644))

	suite, err := LoadSuite(path)
	require.NoError(t, err)
	assert.Equal(t, "smoke", suite.Name)
	require.Equal(t, 2, suite.Len())
	assert.Equal(t, 4096, suite.Questions()[1].NumCtx)
}

func TestLoadSuiteRejectsDuplicateIDs(t *testing.T) {
	path := filepath.Join(t.TempDir(), "suite.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: broken
version: "1"
categories:
  - name: a
    questions:
      - id: q1
        text: "one"
      - id: q1
        text: "two"
`), 0644))

	_, err := LoadSuite(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate")
}

func TestValidateRejectsEmptySuite(t *testing.T) {
	suite := &Suite{Name: "empty", Version: "1"}
	assert.Error(t, suite.Validate())
}
