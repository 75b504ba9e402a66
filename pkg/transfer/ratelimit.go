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
	"context"
	"io"

	"golang.org/x/time/rate"
)

// minBurst keeps the token bucket large enough for a sensible chunk size at
// very low rates.
const minBurst = 32 * 1024

// NewRateLimitedReader caps the sustained throughput of r at bytesPerSecond.
// A non-positive rate returns r unchanged.
func NewRateLimitedReader(ctx context.Context, r io.Reader, bytesPerSecond int64) io.Reader {
	if bytesPerSecond <= 0 {
		return r
	}

	return &rateLimitedReader{
		ctx:     ctx,
		inner:   r,
		limiter: newLimiter(bytesPerSecond),
	}
}

func newLimiter(bytesPerSecond int64) *rate.Limiter {
	burst := int(bytesPerSecond)
	if burst < minBurst {
		burst = minBurst
	}

	return rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

type rateLimitedReader struct {
	ctx     context.Context
	inner   io.Reader
	limiter *rate.Limiter
}

func (r *rateLimitedReader) Read(p []byte) (int, error) {
	// Never request more tokens than the bucket can hold.
	if burst := r.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := r.inner.Read(p)
	if n <= 0 {
		return n, err
	}

	if werr := r.limiter.WaitN(r.ctx, n); werr != nil {
		return n, werr
	}

	return n, err
}
