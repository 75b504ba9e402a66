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

package judge

import (
	"context"
	"errors"
	"fmt"
	"time"

	retry "github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"
)

const (
	// defaultMaxTokens bounds the judge's output; a verdict is short.
	defaultMaxTokens = 1024

	// Local judges fail in noisier ways (truncated JSON, model still
	// loading), so they get a much larger retry budget than cloud HTTP
	// APIs.
	localAttempts = 25
	localDelay    = 5 * time.Second
	localMaxDelay = 30 * time.Second
	cloudAttempts = 5
	cloudDelay    = 2 * time.Second
	cloudMaxDelay = 15 * time.Second
)

// errMissingReason marks an otherwise-valid verdict without a usable reason;
// it is retried, and degraded to score-only after exhaustion.
var errMissingReason = errors.New("judge response has no reason")

// UnparseableError reports that every attempt produced output with no
// extractable verdict. The raw response is preserved for diagnosis; callers
// skip judgment for the question and continue.
type UnparseableError struct {
	Raw string
	Err error
}

func (e *UnparseableError) Error() string {
	return fmt.Sprintf("judge response unparseable: %v", e.Err)
}

func (e *UnparseableError) Unwrap() error {
	return e.Err
}

// Orchestrator drives one judge provider with retry, backoff and tolerant
// parsing.
type Orchestrator struct {
	provider Provider
	attempts uint
	delay    time.Duration
	maxDelay time.Duration
	maxTok   int
	log      *logrus.Entry
}

// NewOrchestrator builds an orchestrator with the retry profile implied by
// the reference (local vs cloud).
func NewOrchestrator(provider Provider, ref Ref) *Orchestrator {
	o := &Orchestrator{
		provider: provider,
		attempts: cloudAttempts,
		delay:    cloudDelay,
		maxDelay: cloudMaxDelay,
		maxTok:   defaultMaxTokens,
		log:      logrus.WithField("component", "judge").WithField("provider", provider.Name()),
	}

	if ref.Local() {
		o.attempts = localAttempts
		o.delay = localDelay
		o.maxDelay = localMaxDelay
	}

	return o
}

// ValidateConnection checks the provider is reachable and usable.
func (o *Orchestrator) ValidateConnection(ctx context.Context) error {
	return o.provider.ValidateConnection(ctx)
}

const systemPrompt = `You are an impartial judge comparing two answers to the same question. ` +
	`Answer A is the reference produced by the full-precision model; answer B was produced by a quantized variant. ` +
	`Rate how well answer B preserves the quality, correctness and completeness of answer A.`

// buildUserPrompt embeds the question and both answers with explicit
// response-format instructions the parser relies on.
func buildUserPrompt(question, baseAnswer, candidateAnswer string) string {
	return fmt.Sprintf(`Question:
%s

Answer A (reference):
%s

Answer B (candidate):
%s

Respond with a single JSON object and nothing else, in the form:
{"score": <integer 1-100>, "reason": "<one or two sentences>", "bestanswer": "<base|candidate|tie>"}

"score" rates answer B's quality preservation relative to answer A (100 = indistinguishable quality).
"bestanswer" names the objectively better answer, or "tie".`, question, baseAnswer, candidateAnswer)
}

// Judge obtains a verdict for one question. The returned verdict may have an
// empty reason when every retry produced a score without one; that is a
// degraded success, not an error. A context cancellation aborts immediately
// without further retries.
func (o *Orchestrator) Judge(ctx context.Context, question, baseAnswer, candidateAnswer string) (*Verdict, error) {
	user := buildUserPrompt(question, baseAnswer, candidateAnswer)

	var verdict *Verdict
	var lastRaw string
	err := retry.Do(func() error {
		raw, err := o.provider.Complete(ctx, systemPrompt, user, o.maxTok)
		if err != nil {
			return err
		}

		lastRaw = raw
		parsed, perr := ParseVerdict(raw)
		if perr != nil {
			return perr
		}

		verdict = parsed
		if parsed.Reason == "" {
			return errMissingReason
		}

		return nil
	},
		retry.Context(ctx),
		retry.Attempts(o.attempts),
		retry.Delay(o.delay),
		retry.MaxDelay(o.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// User cancellation is not a transient failure.
			return !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			o.log.WithError(err).Warnf("judge attempt %d failed, retrying", n+1)
		}),
	)

	if err == nil {
		return verdict, nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil, err
	}

	// Retries exhausted. A score without a reason is still usable.
	if verdict != nil {
		o.log.Warn("judge never produced a usable reason; recording score only")
		verdict.Reason = ""
		return verdict, nil
	}

	return nil, &UnparseableError{Raw: lastRaw, Err: err}
}
