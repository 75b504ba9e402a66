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
	"errors"
	"io"
	"sync"
)

// ErrBufferClosed is returned by Write after the buffer has been closed.
var ErrBufferClosed = errors.New("relay buffer closed")

// DefaultBufferSize is the relay buffer capacity used when none is configured.
const DefaultBufferSize = 64 * 1024 * 1024

// RelayBuffer is a fixed-capacity byte queue joining a producer and a
// consumer. Write blocks once the buffer is full and Read blocks while it is
// empty, so the amount of in-flight data never exceeds the configured
// capacity regardless of how fast either side runs.
//
// The producer signals end-of-stream with CloseWrite, after which readers
// drain the remaining bytes and then receive io.EOF. Either side may tear the
// session down with CloseWithError; pending and future reads and writes
// return that error immediately.
type RelayBuffer struct {
	mu   sync.Mutex
	cond *sync.Cond

	buf   []byte
	start int
	count int

	writeClosed bool
	err         error
}

// NewRelayBuffer creates a relay buffer with the given capacity in bytes.
func NewRelayBuffer(capacity int) *RelayBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferSize
	}

	b := &RelayBuffer{buf: make([]byte, capacity)}
	b.cond = sync.NewCond(&b.mu)
	return b
}

// Write copies p into the buffer, blocking while the buffer is full.
func (b *RelayBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	written := 0
	for written < len(p) {
		for b.count == len(b.buf) && b.err == nil && !b.writeClosed {
			b.cond.Wait()
		}

		if b.err != nil {
			return written, b.err
		}

		if b.writeClosed {
			return written, ErrBufferClosed
		}

		n := copy(b.slots(), p[written:])
		b.count += n
		written += n
		b.cond.Broadcast()
	}

	return written, nil
}

// Read copies up to len(p) bytes out of the buffer, blocking until at least
// one byte is available or the producer has closed its side.
func (b *RelayBuffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for b.count == 0 && b.err == nil && !b.writeClosed {
		b.cond.Wait()
	}

	// An abort takes precedence over buffered data: once the session has
	// failed, nothing already relayed can be trusted.
	if b.err != nil {
		return 0, b.err
	}

	if b.count == 0 {
		return 0, io.EOF
	}

	n := b.count
	if n > len(p) {
		n = len(p)
	}

	// The occupied region may wrap around the end of the ring.
	first := len(b.buf) - b.start
	if first > n {
		first = n
	}

	copy(p, b.buf[b.start:b.start+first])
	copy(p[first:], b.buf[:n-first])

	b.start = (b.start + n) % len(b.buf)
	b.count -= n
	b.cond.Broadcast()
	return n, nil
}

// CloseWrite marks the end of the stream. Readers drain the remaining bytes
// and then receive io.EOF.
func (b *RelayBuffer) CloseWrite() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.writeClosed = true
	b.cond.Broadcast()
}

// CloseWithError aborts the session. Pending and future reads and writes on
// either side fail with err. A nil err is recorded as ErrBufferClosed.
func (b *RelayBuffer) CloseWithError(err error) {
	if err == nil {
		err = ErrBufferClosed
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.err == nil {
		b.err = err
	}

	b.writeClosed = true
	b.cond.Broadcast()
}

// Buffered returns the number of bytes currently held in the buffer.
func (b *RelayBuffer) Buffered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// slots returns the contiguous free region after the write position. The
// caller must hold b.mu and guarantee the buffer is not full.
func (b *RelayBuffer) slots() []byte {
	end := (b.start + b.count) % len(b.buf)
	if b.count == 0 || end > b.start {
		return b.buf[end:]
	}

	return b.buf[end:b.start]
}
