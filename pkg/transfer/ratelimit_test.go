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

package transfer

import (
	"bytes"
	"context"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimitedReaderPassthroughWhenUnlimited(t *testing.T) {
	src := bytes.NewReader([]byte("data"))

	r := NewRateLimitedReader(context.Background(), src, 0)
	assert.Equal(t, io.Reader(src), r)

	r = NewRateLimitedReader(context.Background(), src, -1)
	assert.Equal(t, io.Reader(src), r)
}

func TestRateLimitedReaderDeliversAllBytes(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 256*1024)

	// A generous rate keeps the test fast while still exercising the
	// token-bucket path.
	r := NewRateLimitedReader(context.Background(), bytes.NewReader(payload), 512*1024*1024)

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestRateLimitedReaderCapsReadsAtBurst(t *testing.T) {
	payload := bytes.Repeat([]byte("y"), 2*minBurst)
	r := NewRateLimitedReader(context.Background(), bytes.NewReader(payload), 1)

	// The bucket holds minBurst tokens, so a larger read is truncated
	// rather than blocking forever waiting for tokens beyond the burst.
	p := make([]byte, 2*minBurst)
	n, err := r.Read(p)
	require.NoError(t, err)
	assert.Equal(t, minBurst, n)
}

func TestRateLimitedReaderHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	payload := bytes.Repeat([]byte("z"), minBurst)
	r := NewRateLimitedReader(ctx, bytes.NewReader(payload), 1)

	_, err := io.ReadAll(r)
	assert.Error(t, err)
}
