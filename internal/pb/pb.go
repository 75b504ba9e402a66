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

package pb

import (
	"fmt"
	"io"
	"sync"

	humanize "github.com/dustin/go-humanize"
	mpbv8 "github.com/vbauerster/mpb/v8"
	"github.com/vbauerster/mpb/v8/decor"
)

var disableProgress bool

// SetDisableProgress disables progress bar rendering globally.
func SetDisableProgress(disable bool) {
	disableProgress = disable
}

// ProgressBar renders one bar per named stream.
type ProgressBar struct {
	mu   sync.RWMutex
	mpb  *mpbv8.Progress
	bars map[string]*progressBar
}

type progressBar struct {
	*mpbv8.Bar
	size int64
	msg  string
}

// NewProgressBar creates a new progress bar group.
func NewProgressBar() *ProgressBar {
	return &ProgressBar{
		mpb:  mpbv8.New(mpbv8.WithWidth(60)),
		bars: make(map[string]*progressBar),
	}
}

// Add registers a bar for the named stream and returns a reader that advances
// it. Re-adding an existing name returns the reader unchanged.
func (p *ProgressBar) Add(prompt, name string, size int64, reader io.Reader) io.Reader {
	if disableProgress {
		return reader
	}

	p.mu.RLock()
	oldBar := p.bars[name]
	p.mu.RUnlock()

	if oldBar != nil {
		return reader
	}

	bar := p.mpb.New(size,
		mpbv8.BarStyle(),
		mpbv8.BarFillerOnComplete("|"),
		mpbv8.PrependDecorators(
			decor.Any(func(s decor.Statistics) string {
				p.mu.RLock()
				defer p.mu.RUnlock()

				bar, ok := p.bars[name]
				if ok && bar.msg != "" {
					return bar.msg
				}

				return fmt.Sprintf("%s %s", prompt, name)
			}, decor.WCSyncSpaceR),
		),
		mpbv8.AppendDecorators(
			decor.OnComplete(decor.Counters(decor.SizeB1024(0), "% .2f / % .2f"), humanize.Bytes(uint64(size))),
			decor.OnComplete(decor.Name(" | ", decor.WCSyncWidthR), " | "),
			decor.OnComplete(
				decor.AverageSpeed(decor.SizeB1024(0), "% .2f", decor.WCSyncWidthR), "done",
			),
		),
	)

	p.mu.Lock()
	p.bars[name] = &progressBar{Bar: bar, size: size}
	p.mu.Unlock()

	return bar.ProxyReader(reader)
}

// Complete finishes the named bar with a message.
func (p *ProgressBar) Complete(name string, msg string) {
	if disableProgress {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	bar, ok := p.bars[name]
	if ok {
		bar.msg = msg
		bar.Bar.SetCurrent(bar.size)
		return
	}

	// No stream was ever attached; render a one-shot completed bar so the
	// message still shows up (skipped layers).
	done := p.mpb.New(1,
		mpbv8.BarStyle(),
		mpbv8.BarFillerOnComplete("|"),
		mpbv8.PrependDecorators(decor.Name(fmt.Sprintf("%s: %s", name, msg), decor.WCSyncSpaceR)),
	)
	done.SetCurrent(1)
	p.bars[name] = &progressBar{Bar: done, size: 1, msg: msg}
}

// Abort drops the named bar, leaving it visibly incomplete.
func (p *ProgressBar) Abort(name string) {
	if disableProgress {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if bar, ok := p.bars[name]; ok {
		bar.Bar.Abort(false)
	}
}

// Wait blocks until all bars have rendered their final state.
func (p *ProgressBar) Wait() {
	if disableProgress {
		return
	}

	p.mpb.Wait()
}
