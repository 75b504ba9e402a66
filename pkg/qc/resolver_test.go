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
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var quantTags = []string{
	"latest",
	"q4_0",
	"q4_K_M",
	"q4_K_S",
	"q5_K_M",
	"q8_0",
	"f16",
}

func TestResolvePattern(t *testing.T) {
	got, err := ResolvePattern(quantTags, "q4*")
	require.NoError(t, err)
	assert.Equal(t, []string{"q4_0", "q4_K_M", "q4_K_S"}, got)
}

func TestResolvePatternIsCaseInsensitive(t *testing.T) {
	got, err := ResolvePattern(quantTags, "Q4_k_*")
	require.NoError(t, err)
	assert.Equal(t, []string{"q4_K_M", "q4_K_S"}, got)
}

func TestResolvePatternExact(t *testing.T) {
	got, err := ResolvePattern(quantTags, "f16")
	require.NoError(t, err)
	assert.Equal(t, []string{"f16"}, got)
}

func TestResolvePatternNoMatch(t *testing.T) {
	_, err := ResolvePattern(quantTags, "q2*")
	assert.ErrorIs(t, err, ErrPatternMatchedNothing)
}

func TestResolvePatternsDeduplicates(t *testing.T) {
	got, err := ResolvePatterns(quantTags, []string{"q4*", "q4_0", "q8_0"})
	require.NoError(t, err)
	assert.Equal(t, []string{"q4_0", "q4_K_M", "q4_K_S", "q8_0"}, got)
}

type staticTags []string

func (s staticTags) Tags(ctx context.Context, name string) ([]string, error) {
	return s, nil
}

func TestResolveTags(t *testing.T) {
	got, err := ResolveTags(context.Background(), staticTags(quantTags), "llama3", []string{"q5*", "q8*"})
	require.NoError(t, err)
	assert.Equal(t, []string{"q5_K_M", "q8_0"}, got)
}
