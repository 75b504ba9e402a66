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

// Package transfer moves models between inference servers: it resolves the
// source manifest, skips layers the destination already has, and streams the
// rest with bounded memory, optional throttling and digest verification.
package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	retry "github.com/avast/retry-go/v4"
	sha256 "github.com/minio/sha256-simd"
	godigest "github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/quantpack/quantctl/pkg/client"
)

var (
	// ErrSourceNotFound is returned when the source model does not exist.
	ErrSourceNotFound = errors.New("source model not found")

	// ErrDestinationExists is returned when the destination model already
	// exists; existing models are never overwritten.
	ErrDestinationExists = errors.New("destination model already exists")

	// ErrNotRegistryBacked is returned when the source model cannot be
	// resolved in the registry, so its layers cannot be fetched for a
	// cross-server transfer.
	ErrNotRegistryBacked = errors.New("source model is not registry-backed")

	// ErrVerificationFailed is returned when a transferred layer's content
	// does not hash to its manifest digest.
	ErrVerificationFailed = errors.New("layer digest verification failed")
)

var retryOpts = []retry.Option{
	retry.Attempts(3),
	retry.DelayType(retry.BackOffDelay),
	retry.Delay(time.Second),
	retry.MaxDelay(5 * time.Second),
}

// Server is the subset of the inference-server API the engine uses.
type Server interface {
	List(ctx context.Context) (*client.ListResponse, error)
	Show(ctx context.Context, req *client.ShowRequest) (*client.ShowResponse, error)
	Copy(ctx context.Context, req *client.CopyRequest) error
	Delete(ctx context.Context, req *client.DeleteRequest) error
	HasBlob(ctx context.Context, digest string) (bool, error)
	PushBlob(ctx context.Context, digest string, size int64, body io.Reader) error
	Create(ctx context.Context, req *client.CreateRequest) error
}

// Registry is the subset of the registry API the engine uses.
type Registry interface {
	Manifest(ctx context.Context, name, tag string) (*ocispec.Manifest, ocispec.Descriptor, error)
	Open(ctx context.Context, name string, layer ocispec.Descriptor) (io.ReadCloser, error)
}

// ProgressTracker renders per-layer progress. Implementations live outside
// this package; a nil tracker disables reporting.
type ProgressTracker interface {
	Add(prompt, name string, size int64, reader io.Reader) io.Reader
	Complete(name, msg string)
	Abort(name string)
	Wait()
}

// Result summarizes one completed transfer.
type Result struct {
	BytesTransferred  int64
	LayersTransferred int
	LayersSkipped     int
}

// Option modifies engine behavior.
type Option func(*Engine)

// WithThrottle caps transfer throughput in bytes per second.
func WithThrottle(bytesPerSecond int64) Option {
	return func(e *Engine) {
		e.throttle = bytesPerSecond
	}
}

// WithBufferSize sets the relay buffer capacity for cross-server transfers.
func WithBufferSize(size int) Option {
	return func(e *Engine) {
		e.bufferSize = size
	}
}

// WithProgress sets the progress tracker.
func WithProgress(tracker ProgressTracker) Option {
	return func(e *Engine) {
		e.progress = tracker
	}
}

// ServerFunc builds a server client for an endpoint.
type ServerFunc func(ep Endpoint) (Server, error)

// Engine orchestrates model transfers.
type Engine struct {
	registry   Registry
	servers    ServerFunc
	throttle   int64
	bufferSize int
	progress   ProgressTracker
	log        *logrus.Entry
}

// NewEngine creates a transfer engine reading layer content from registry and
// reaching servers through the given factory.
func NewEngine(registry Registry, servers ServerFunc, opts ...Option) *Engine {
	e := &Engine{
		registry:   registry,
		servers:    servers,
		bufferSize: DefaultBufferSize,
		log:        logrus.WithField("component", "transfer"),
	}
	for _, opt := range opts {
		opt(e)
	}

	return e
}

// Copy transfers the model at src to dst. Layers already present at the
// destination (matched by digest) are skipped, which makes interrupted
// transfers safe to re-run.
func (e *Engine) Copy(ctx context.Context, src, dst Endpoint) (*Result, error) {
	srcServer, err := e.servers(src)
	if err != nil {
		return nil, err
	}

	dstServer, err := e.servers(dst)
	if err != nil {
		return nil, err
	}

	if exists, err := modelExists(ctx, srcServer, src.Model()); err != nil {
		return nil, err
	} else if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSourceNotFound, src)
	}

	if exists, err := modelExists(ctx, dstServer, dst.Model()); err != nil {
		return nil, err
	} else if exists {
		return nil, fmt.Errorf("%w: %s", ErrDestinationExists, dst)
	}

	// Same server: the server duplicates the manifest itself, no layer
	// movement needed.
	if src.Host == dst.Host {
		if err := srcServer.Copy(ctx, &client.CopyRequest{Source: src.Model(), Destination: dst.Model()}); err != nil {
			return nil, fmt.Errorf("failed to copy on server: %w", err)
		}

		return &Result{}, nil
	}

	manifest, _, err := e.registry.Manifest(ctx, src.Name, src.Tag)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNotRegistryBacked, src, err)
	}

	if e.progress != nil {
		defer e.progress.Wait()
	}

	relayed := src.Remote() && dst.Remote()
	result := &Result{}
	layers := append([]ocispec.Descriptor{manifest.Config}, manifest.Layers...)
	files := make(map[string]string, len(layers))
	for _, layer := range layers {
		files[shortDigest(layer.Digest)] = layer.Digest.String()

		exists, err := dstServer.HasBlob(ctx, layer.Digest.String())
		if err != nil {
			return nil, fmt.Errorf("failed to stat blob %s at destination: %w", layer.Digest, err)
		}

		if exists {
			result.LayersSkipped++
			if e.progress != nil {
				e.progress.Complete(layer.Digest.String(), "skipped: already exists")
			}
			continue
		}

		err = retry.Do(func() error {
			return e.transferLayer(ctx, src, dstServer, layer, relayed)
		}, append(retryOpts,
			retry.Context(ctx),
			retry.RetryIf(func(err error) bool {
				return !errors.Is(err, ErrVerificationFailed) && ctx.Err() == nil
			}),
			retry.OnRetry(func(n uint, err error) {
				e.log.WithError(err).Warnf("retrying layer %s (attempt %d)", layer.Digest, n+1)
			}),
		)...)
		if err != nil {
			if e.progress != nil {
				e.progress.Abort(layer.Digest.String())
			}
			return nil, fmt.Errorf("failed to transfer layer %s: %w", layer.Digest, err)
		}

		result.LayersTransferred++
		result.BytesTransferred += layer.Size
	}

	// Register the manifest only after every layer is complete, so an
	// interrupted transfer never leaves a manifest referencing missing
	// layers.
	if err := dstServer.Create(ctx, &client.CreateRequest{Model: dst.Model(), Files: files}); err != nil {
		return nil, fmt.Errorf("failed to create model at destination: %w", err)
	}

	return result, nil
}

// Rename copies src to dst, verifies every layer arrived, and only then
// deletes the original. A failed verification leaves the original untouched.
func (e *Engine) Rename(ctx context.Context, src, dst Endpoint) (*Result, error) {
	result, err := e.Copy(ctx, src, dst)
	if err != nil {
		return nil, err
	}

	if err := e.verify(ctx, src, dst); err != nil {
		return nil, err
	}

	srcServer, err := e.servers(src)
	if err != nil {
		return nil, err
	}

	if err := srcServer.Delete(ctx, &client.DeleteRequest{Model: src.Model()}); err != nil {
		return nil, fmt.Errorf("copy verified but failed to delete original: %w", err)
	}

	return result, nil
}

// verify confirms the destination holds every layer of the source manifest.
func (e *Engine) verify(ctx context.Context, src, dst Endpoint) error {
	if src.Host == dst.Host {
		dstServer, err := e.servers(dst)
		if err != nil {
			return err
		}

		if exists, err := modelExists(ctx, dstServer, dst.Model()); err != nil {
			return err
		} else if !exists {
			return fmt.Errorf("%w: destination %s missing after copy", ErrVerificationFailed, dst)
		}

		return nil
	}

	manifest, _, err := e.registry.Manifest(ctx, src.Name, src.Tag)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrNotRegistryBacked, src, err)
	}

	dstServer, err := e.servers(dst)
	if err != nil {
		return err
	}

	for _, layer := range append([]ocispec.Descriptor{manifest.Config}, manifest.Layers...) {
		exists, err := dstServer.HasBlob(ctx, layer.Digest.String())
		if err != nil {
			return err
		}

		if !exists {
			return fmt.Errorf("%w: layer %s missing at destination", ErrVerificationFailed, layer.Digest)
		}
	}

	return nil
}

// transferLayer streams one layer from the registry to the destination
// server. With relayed set, the download and upload run as two goroutines
// joined by a RelayBuffer so memory stays bounded by the buffer capacity.
func (e *Engine) transferLayer(ctx context.Context, src Endpoint, dst Server, layer ocispec.Descriptor, relayed bool) error {
	blob, err := e.registry.Open(ctx, src.Name, layer)
	if err != nil {
		return err
	}
	defer blob.Close()

	var reader io.Reader = blob
	reader = NewRateLimitedReader(ctx, reader, e.throttle)
	if e.progress != nil {
		reader = e.progress.Add("copying blob", layer.Digest.String(), layer.Size, reader)
	}

	verifier := newVerifyingReader(reader, layer.Digest)

	if !relayed {
		if err := dst.PushBlob(ctx, layer.Digest.String(), layer.Size, verifier); err != nil {
			return err
		}

		return verifier.Verify()
	}

	buffer := NewRelayBuffer(e.bufferSize)

	// Tear the buffer down when the caller cancels, so neither side can
	// stay blocked on it.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			buffer.CloseWithError(ctx.Err())
		case <-done:
		}
	}()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if _, err := io.Copy(buffer, verifier); err != nil {
			buffer.CloseWithError(err)
			return err
		}

		buffer.CloseWrite()
		return nil
	})
	g.Go(func() error {
		if err := dst.PushBlob(gctx, layer.Digest.String(), layer.Size, buffer); err != nil {
			// Fail the blocked producer fast instead of letting it
			// hang on a full buffer.
			buffer.CloseWithError(err)
			return err
		}

		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}

	return verifier.Verify()
}

func modelExists(ctx context.Context, server Server, model string) (bool, error) {
	resp, err := server.List(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to list models: %w", err)
	}

	for _, m := range resp.Models {
		if m.Name == model || m.Model == model {
			return true, nil
		}
	}

	return false, nil
}

func shortDigest(d godigest.Digest) string {
	enc := d.Encoded()
	if len(enc) > 12 {
		enc = enc[:12]
	}

	return enc
}

// verifyingReader hashes everything read through it and compares the result
// against the expected digest.
type verifyingReader struct {
	inner    io.Reader
	hash     hashWriter
	expected godigest.Digest
}

type hashWriter interface {
	io.Writer
	Sum(b []byte) []byte
}

func newVerifyingReader(r io.Reader, expected godigest.Digest) *verifyingReader {
	return &verifyingReader{
		inner:    r,
		hash:     sha256.New(),
		expected: expected,
	}
}

func (v *verifyingReader) Read(p []byte) (int, error) {
	n, err := v.inner.Read(p)
	if n > 0 {
		v.hash.Write(p[:n])
	}

	return n, err
}

// Verify returns ErrVerificationFailed if the hashed content does not match
// the expected digest. Call only after the stream is fully consumed.
func (v *verifyingReader) Verify() error {
	actual := godigest.NewDigestFromEncoded(godigest.SHA256, fmt.Sprintf("%x", v.hash.Sum(nil)))
	expected := v.expected
	if expected.Algorithm() != godigest.SHA256 {
		// The registry only serves sha256 today; anything else cannot
		// be checked here.
		return nil
	}

	if !strings.EqualFold(actual.Encoded(), expected.Encoded()) {
		return fmt.Errorf("%w: expected %s, got %s", ErrVerificationFailed, expected, actual)
	}

	return nil
}
