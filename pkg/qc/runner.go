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

// Package qc runs quality-regression comparisons across quantized variants of
// a model: it tests a fixed question suite against each variant, scores the
// answers against a full-precision baseline, optionally obtains judge
// verdicts, and persists progress so interrupted runs resume where they
// stopped.
package qc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/quantpack/quantctl/pkg/client"
	"github.com/quantpack/quantctl/pkg/qc/judge"
)

// ErrCancelled reports a user-initiated cancellation, as opposed to a
// timeout or transport failure.
var ErrCancelled = errors.New("run cancelled by user")

// JudgeMode selects how judgments interleave with testing.
type JudgeMode string

const (
	// JudgeSerial judges every question after a quantization finishes
	// testing.
	JudgeSerial JudgeMode = "serial"

	// JudgeParallel dispatches each judgment as soon as its answer exists,
	// overlapping judge and tester latency. Outstanding judgments are
	// always awaited before a checkpoint is written.
	JudgeParallel JudgeMode = "parallel"
)

// TestServer is the subset of the inference-server API the runner uses.
type TestServer interface {
	List(ctx context.Context) (*client.ListResponse, error)
	Show(ctx context.Context, req *client.ShowRequest) (*client.ShowResponse, error)
	Pull(ctx context.Context, req *client.PullRequest, fn client.PullProgressFunc) error
	Delete(ctx context.Context, req *client.DeleteRequest) error
	Generate(ctx context.Context, req *client.GenerateRequest, fn client.GenerateResponseFunc) error
	Load(ctx context.Context, model string, keepAlive time.Duration) error
	Unload(ctx context.Context, model string) error
}

// Judge is the orchestrator seam; nil disables judging.
type Judge interface {
	Judge(ctx context.Context, question, baseAnswer, candidateAnswer string) (*judge.Verdict, error)
}

// ConfirmFunc asks the user a yes/no question. Tests and non-interactive
// callers substitute a canned answer.
type ConfirmFunc func(prompt string) bool

// RunOptions configure one comparison run.
type RunOptions struct {
	Model      string
	BaseTag    string
	Patterns   []string
	OutputPath string

	Options TestOptions
	Weights Weights

	JudgeMode JudgeMode
	Timeout   time.Duration
	KeepAlive time.Duration

	// Force re-tests quantizations that already have complete results.
	Force bool
	// Rejudge re-runs judgment even where verdicts already exist.
	Rejudge bool
	// OnDemand allows pulling quantizations missing from the server.
	OnDemand bool

	// TimeoutRetries bounds back-to-back timeout retries before the user
	// is asked whether to double the timeout.
	TimeoutRetries int
}

// Summary reports what a run accomplished.
type Summary struct {
	Tested     int
	Skipped    int
	Failed     int
	Persisted  int
	OutputPath string
}

// Runner executes one comparison run. All document mutation happens on the
// runner's control flow; parallel judgments hand results back rather than
// writing shared state.
type Runner struct {
	server  TestServer
	tags    TagLister
	judge   Judge
	suite   *Suite
	opts    RunOptions
	confirm ConfirmFunc
	log     *logrus.Entry

	timeout    time.Duration
	backoff    time.Duration
	interrupts int32
	cancelRun  context.CancelFunc
}

// NewRunner creates a runner. judge may be nil to skip judging; confirm may
// be nil, in which case prompts default to "no".
func NewRunner(server TestServer, tags TagLister, j Judge, suite *Suite, opts RunOptions, confirm ConfirmFunc) *Runner {
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Minute
	}

	if opts.TimeoutRetries <= 0 {
		opts.TimeoutRetries = 3
	}

	if opts.KeepAlive <= 0 {
		opts.KeepAlive = 10 * time.Minute
	}

	if opts.JudgeMode == "" {
		opts.JudgeMode = JudgeSerial
	}

	if opts.Weights == (Weights{}) {
		opts.Weights = DefaultWeights
	}

	if confirm == nil {
		confirm = func(string) bool { return false }
	}

	return &Runner{
		server:  server,
		tags:    tags,
		judge:   j,
		suite:   suite,
		opts:    opts,
		confirm: confirm,
		timeout: opts.Timeout,
		backoff: time.Second,
		log:     logrus.WithField("component", "qc"),
	}
}

// Interrupt delivers a cancellation request. The first request pauses the run
// at the next step boundary and asks for confirmation; a second request
// terminates immediately without waiting for the in-flight question to be
// persisted.
func (r *Runner) Interrupt() {
	if atomic.AddInt32(&r.interrupts, 1) >= 2 {
		if r.cancelRun != nil {
			r.cancelRun()
		}
	}
}

// checkInterrupt is called at step boundaries. It resolves a pending
// interrupt request into either a confirmed cancellation or a resumption.
func (r *Runner) checkInterrupt(ctx context.Context) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
	}

	if atomic.LoadInt32(&r.interrupts) > 0 {
		if r.confirm("Cancel the run? Completed quantizations stay checkpointed and the run can be resumed later.") {
			return ErrCancelled
		}

		atomic.StoreInt32(&r.interrupts, 0)
		r.log.Info("cancellation declined, resuming")
	}

	return nil
}

// Run executes the comparison. It returns a summary even on cancellation so
// the caller can report what was persisted.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	ctx, cancel := context.WithCancel(ctx)
	r.cancelRun = cancel
	defer cancel()

	doc, err := r.initialize(ctx)
	if err != nil {
		return nil, err
	}

	quants, err := r.resolveQuants(ctx)
	if err != nil {
		return nil, err
	}

	summary := &Summary{OutputPath: r.opts.OutputPath}
	var runErr error
	for _, tag := range quants {
		if err := r.checkInterrupt(ctx); err != nil {
			runErr = err
			break
		}

		isBase := strings.EqualFold(tag, r.opts.BaseTag)
		err := r.runQuant(ctx, doc, tag, isBase)
		switch {
		case err == nil:
			summary.Tested++
		case errors.Is(err, errSkipped):
			summary.Skipped++
		case errors.Is(err, ErrCancelled):
			runErr = err
		case errors.Is(err, ErrFingerprintMismatch):
			// Different model family or size invalidates every
			// comparison in the document; nothing to salvage.
			return nil, err
		default:
			// One bad quantization must not block the rest of the
			// batch. Partial progress is already in the document.
			r.log.WithError(err).Errorf("quantization %s failed, continuing with next", tag)
			if qr := doc.Result(tag); qr != nil {
				qr.FailedMsg = err.Error()
			}
			summary.Failed++
		}

		// Checkpoint discipline: persist after every quantization,
		// whatever its outcome, so a crash loses at most one
		// in-progress quantization.
		if err := doc.Save(r.opts.OutputPath); err != nil {
			return summary, fmt.Errorf("failed to write checkpoint: %w", err)
		}

		if runErr != nil {
			break
		}

		r.cleanupQuant(ctx, doc, tag)
	}

	for _, qr := range doc.Results {
		if len(qr.Questions) > 0 {
			summary.Persisted++
		}
	}

	return summary, runErr
}

// initialize loads or creates the result document.
func (r *Runner) initialize(ctx context.Context) (*Document, error) {
	doc, err := LoadDocument(r.opts.OutputPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}

		doc = NewDocument(r.opts.Model, r.opts.BaseTag, Fingerprint{}, r.suite, r.opts.Options, r.opts.Weights)
		r.log.Infof("created new result document %s (run %s)", r.opts.OutputPath, doc.RunID)
		return doc, nil
	}

	if doc.SuiteName != r.suite.Name || doc.SuiteVersion != r.suite.Version {
		return nil, fmt.Errorf("result document %s was produced with suite %s/%s, current suite is %s/%s",
			r.opts.OutputPath, doc.SuiteName, doc.SuiteVersion, r.suite.Name, r.suite.Version)
	}

	if !strings.EqualFold(doc.BaseTag, r.opts.BaseTag) {
		return nil, fmt.Errorf("result document %s uses base %q, requested base is %q",
			r.opts.OutputPath, doc.BaseTag, r.opts.BaseTag)
	}

	r.log.Infof("resuming run %s from %s", doc.RunID, r.opts.OutputPath)
	return doc, nil
}

// resolveQuants expands the candidate patterns and orders the base first.
// The base is deduplicated out of the candidate list case-insensitively.
func (r *Runner) resolveQuants(ctx context.Context) ([]string, error) {
	resolved, err := ResolveTags(ctx, r.tags, r.opts.Model, r.opts.Patterns)
	if err != nil {
		return nil, err
	}

	quants := []string{r.opts.BaseTag}
	for _, tag := range resolved {
		if !strings.EqualFold(tag, r.opts.BaseTag) {
			quants = append(quants, tag)
		}
	}

	return quants, nil
}

// errSkipped marks a quantization whose complete result was reused.
var errSkipped = errors.New("quantization already complete")

// pendingJudgment is one in-flight parallel judgment. The goroutine writes
// only its own slot; the runner joins all slots before touching the document.
type pendingJudgment struct {
	result  *QuestionResult
	verdict *judge.Verdict
	err     error
}

// runQuant tests one quantization, resuming from the first missing question.
func (r *Runner) runQuant(ctx context.Context, doc *Document, tag string, isBase bool) error {
	model := r.opts.Model + ":" + tag
	qlog := r.log.WithField("model", model)

	qr := doc.Result(tag)
	if qr != nil && qr.FailedMsg != "" {
		// A previously failed attempt is retried from wherever it got to.
		qr.FailedMsg = ""
	}

	if qr != nil && qr.Complete(r.suite) && !r.opts.Force {
		if r.judge != nil && !isBase {
			missing := qr.MissingJudgments(r.suite)
			if r.opts.Rejudge || len(missing) > 0 {
				qlog.Infof("result complete, running judgment-only pass (%d missing verdicts)", len(missing))
				if err := r.judgeQuant(ctx, doc, qr); err != nil {
					return err
				}

				qr.Aggregate()
				return nil
			}
		}

		qlog.Info("already complete, skipping")
		return errSkipped
	}

	created := qr == nil
	if created {
		qr = &QuantResult{
			Tag:       tag,
			Model:     model,
			IsBase:    isBase,
			StartedAt: time.Now().UTC(),
		}
		doc.Results = append(doc.Results, qr)
	} else if r.opts.Force {
		qr.Questions = nil
	}

	if err := r.ensurePresent(ctx, doc, qr); err != nil {
		return err
	}

	if err := r.validateFingerprint(ctx, doc, qr); err != nil {
		// A mismatched quantization must leave no trace: the entry added
		// above never produced a result, so it is stripped before the run
		// aborts, together with anything pulled on its behalf.
		if created && errors.Is(err, ErrFingerprintMismatch) {
			r.discardQuant(ctx, doc, qr)
		}

		return err
	}

	qlog.Info("preloading model")
	if err := r.server.Load(ctx, model, r.opts.KeepAlive); err != nil {
		return fmt.Errorf("failed to preload %s: %w", model, err)
	}
	defer func() {
		if err := r.server.Unload(context.WithoutCancel(ctx), model); err != nil {
			qlog.WithError(err).Warn("failed to unload model")
		}
	}()

	baseQR := doc.FindBase(r.opts.BaseTag)
	if !isBase && baseQR == nil {
		return fmt.Errorf("no base result for %q; candidate scores need a base", r.opts.BaseTag)
	}

	questions := r.suite.Questions()
	start := qr.FirstMissing(r.suite)
	if start > 0 {
		qlog.Infof("resuming from question %d of %d", start+1, len(questions))
	}

	// Parallel judgments write into their own slot and are joined before
	// any document mutation, keeping the document single-writer.
	var pending []*pendingJudgment
	var judgeWG sync.WaitGroup
	settle := func() error {
		judgeWG.Wait()
		var first error
		for _, p := range pending {
			if err := r.attachVerdict(p.result, p.verdict, p.err); err != nil && first == nil {
				first = err
			}
		}
		pending = nil
		return first
	}

	for i := start; i < len(questions); i++ {
		if err := r.checkInterrupt(ctx); err != nil {
			_ = settle()
			return err
		}

		q := questions[i]
		qlog.Infof("testing question %s (%d/%d)", q.ID, i+1, len(questions))
		qres, err := r.testQuestion(ctx, model, q)
		if err != nil {
			_ = settle()
			return err
		}

		if !isBase {
			if baseRes := baseQR.Question(q.ID); baseRes != nil {
				score := ScoreAnswers(
					Answer{Tokens: baseRes.Tokens, Logprobs: baseRes.Logprobs},
					Answer{Tokens: qres.Tokens, Logprobs: qres.Logprobs},
					doc.Weights,
				)
				qres.Score = &score
			}
		}

		qr.Questions = append(qr.Questions, qres)

		if r.judge == nil || isBase {
			continue
		}

		baseRes := baseQR.Question(q.ID)
		if baseRes == nil {
			continue
		}

		switch r.opts.JudgeMode {
		case JudgeParallel:
			p := &pendingJudgment{result: qres}
			pending = append(pending, p)
			judgeWG.Add(1)
			go func(question string) {
				defer judgeWG.Done()
				p.verdict, p.err = r.judge.Judge(ctx, question, baseRes.Answer, p.result.Answer)
			}(q.Text)
		default:
			verdict, err := r.judge.Judge(ctx, q.Text, baseRes.Answer, qres.Answer)
			if err := r.attachVerdict(qres, verdict, err); err != nil {
				_ = settle()
				return err
			}
		}
	}

	if err := settle(); err != nil {
		return err
	}

	qr.Aggregate()
	qr.EndedAt = time.Now().UTC()
	return nil
}

// attachVerdict records a judgment outcome on a question result. Unparseable
// responses are recoverable: the raw response is logged for diagnosis, the
// question stays unjudged so a later pass can retry it, and the run continues.
func (r *Runner) attachVerdict(qres *QuestionResult, v *judge.Verdict, err error) error {
	if err != nil {
		if errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("%w: %v", ErrCancelled, err)
		}

		var unparseable *judge.UnparseableError
		if errors.As(err, &unparseable) {
			r.log.WithField("question", qres.QuestionID).
				Warnf("judgment skipped, response unparseable: %.200s", unparseable.Raw)
			return nil
		}

		r.log.WithError(err).WithField("question", qres.QuestionID).Warn("judgment failed, continuing without verdict")
		return nil
	}

	qres.Judgment = &Verdict{
		Score:      v.Score,
		Reason:     v.Reason,
		BestAnswer: v.BestAnswer,
	}
	return nil
}

// judgeQuant runs a judgment-only pass over an already-tested quantization.
func (r *Runner) judgeQuant(ctx context.Context, doc *Document, qr *QuantResult) error {
	baseQR := doc.FindBase(r.opts.BaseTag)
	if baseQR == nil {
		return fmt.Errorf("no base result for %q", r.opts.BaseTag)
	}

	for _, q := range r.suite.Questions() {
		if err := r.checkInterrupt(ctx); err != nil {
			return err
		}

		qres := qr.Question(q.ID)
		if qres == nil {
			continue
		}

		if qres.Judgment != nil && !r.opts.Rejudge {
			continue
		}

		baseRes := baseQR.Question(q.ID)
		if baseRes == nil {
			continue
		}

		verdict, err := r.judge.Judge(ctx, q.Text, baseRes.Answer, qres.Answer)
		if err := r.attachVerdict(qres, verdict, err); err != nil {
			return err
		}
	}

	return nil
}

// ensurePresent pulls the quantization when it is missing from the server.
// The on-demand flag is persisted before the pull starts, so a crash during
// or after testing still knows the model is safe to remove only once its
// result is complete.
func (r *Runner) ensurePresent(ctx context.Context, doc *Document, qr *QuantResult) error {
	listing, err := r.server.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list models: %w", err)
	}

	for _, m := range listing.Models {
		if strings.EqualFold(m.Name, qr.Model) || strings.EqualFold(m.Model, qr.Model) {
			qr.Digest = m.Digest
			return nil
		}
	}

	if !r.opts.OnDemand {
		return fmt.Errorf("model %s is not present on the server (use --on-demand to pull it for the run)", qr.Model)
	}

	qr.OnDemand = true
	if err := doc.Save(r.opts.OutputPath); err != nil {
		return fmt.Errorf("failed to persist on-demand flag: %w", err)
	}

	r.log.Infof("pulling %s on demand", qr.Model)
	if err := r.server.Pull(ctx, &client.PullRequest{Model: qr.Model}, func(p client.ProgressResponse) error {
		return nil
	}); err != nil {
		return fmt.Errorf("failed to pull %s: %w", qr.Model, err)
	}

	if listing, err = r.server.List(ctx); err == nil {
		for _, m := range listing.Models {
			if strings.EqualFold(m.Name, qr.Model) || strings.EqualFold(m.Model, qr.Model) {
				qr.Digest = m.Digest
			}
		}
	}

	return nil
}

// validateFingerprint checks the quantization shares the document's model
// family and parameter size. The first tested quantization fixes the
// document's fingerprint.
func (r *Runner) validateFingerprint(ctx context.Context, doc *Document, qr *QuantResult) error {
	show, err := r.server.Show(ctx, &client.ShowRequest{Model: qr.Model})
	if err != nil {
		return fmt.Errorf("failed to fetch metadata for %s: %w", qr.Model, err)
	}

	fp := Fingerprint{Family: show.Details.Family, ParameterSize: show.Details.ParameterSize}
	if doc.Fingerprint == (Fingerprint{}) {
		doc.Fingerprint = fp
		return nil
	}

	return doc.ValidateFingerprint(fp)
}

// discardQuant removes a quantization entry that never produced a result. The
// on-demand path persists the entry before pulling, so the cleaned document is
// re-persisted there and the pulled model is removed again.
func (r *Runner) discardQuant(ctx context.Context, doc *Document, qr *QuantResult) {
	doc.Remove(qr.Tag)

	if !qr.OnDemand {
		return
	}

	if err := r.server.Delete(context.WithoutCancel(ctx), &client.DeleteRequest{Model: qr.Model}); err != nil {
		r.log.WithError(err).Warnf("failed to remove on-demand model %s", qr.Model)
	}

	if err := doc.Save(r.opts.OutputPath); err != nil {
		r.log.WithError(err).Warnf("failed to persist removal of %s", qr.Tag)
	}
}

// cleanupQuant removes an on-demand model once, and only once, its result is
// complete and judged. Partial results keep the model so the next invocation
// can resume, regardless of why the run stopped.
func (r *Runner) cleanupQuant(ctx context.Context, doc *Document, tag string) {
	qr := doc.Result(tag)
	if qr == nil || !qr.OnDemand {
		return
	}

	if !qr.Complete(r.suite) || qr.FailedMsg != "" {
		r.log.Infof("keeping on-demand model %s: result is partial", qr.Model)
		return
	}

	if r.judge != nil && !qr.IsBase && len(qr.MissingJudgments(r.suite)) > 0 {
		r.log.Infof("keeping on-demand model %s: judgments outstanding", qr.Model)
		return
	}

	if err := r.server.Delete(ctx, &client.DeleteRequest{Model: qr.Model}); err != nil {
		r.log.WithError(err).Warnf("failed to remove on-demand model %s", qr.Model)
		return
	}

	qr.OnDemand = false
	if err := doc.Save(r.opts.OutputPath); err != nil {
		r.log.WithError(err).Warn("failed to persist cleanup state")
	}

	r.log.Infof("removed on-demand model %s", qr.Model)
}

// testQuestion generates one answer, retrying timeouts with exponential
// backoff and, after the retry budget, asking the user whether to double the
// timeout. A user cancellation is never retried.
func (r *Runner) testQuestion(ctx context.Context, model string, q Question) (*QuestionResult, error) {
	timeouts := 0
	backoff := r.backoff
	for {
		qres, err := r.generateOnce(ctx, model, q)
		if err == nil {
			return qres, nil
		}

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		}

		if !isTimeout(err) {
			return nil, fmt.Errorf("failed to test question %s: %w", q.ID, err)
		}

		timeouts++
		r.log.Warnf("question %s timed out after %s (timeout %d/%d)", q.ID, r.timeout, timeouts, r.opts.TimeoutRetries)
		if timeouts < r.opts.TimeoutRetries {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
			}
			backoff *= 2
			continue
		}

		if r.confirm(fmt.Sprintf("Question %s timed out %d times. Double the timeout to %s and keep retrying?", q.ID, timeouts, r.timeout*2)) {
			r.timeout *= 2
			timeouts = 0
			backoff = r.backoff
			continue
		}

		return nil, fmt.Errorf("question %s: giving up after %d timeouts of %s", q.ID, timeouts, r.timeout)
	}
}

// generateOnce runs one generate call under the current per-request timeout.
func (r *Runner) generateOnce(ctx context.Context, model string, q Question) (*QuestionResult, error) {
	tctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	opts := &client.Options{
		Temperature:   &r.opts.Options.Temperature,
		Seed:          &r.opts.Options.Seed,
		TopP:          &r.opts.Options.TopP,
		TopK:          &r.opts.Options.TopK,
		RepeatPenalty: &r.opts.Options.RepeatPenalty,
	}
	numCtx := r.opts.Options.NumCtx
	if q.NumCtx > 0 {
		numCtx = q.NumCtx
	}
	if numCtx > 0 {
		opts.NumCtx = &numCtx
	}

	var answer strings.Builder
	var tokens []int
	var logprobs []float64
	var final client.GenerateResponse
	started := time.Now()

	err := r.server.Generate(tctx, &client.GenerateRequest{
		Model:    model,
		Prompt:   q.Text,
		Logprobs: true,
		Options:  opts,
	}, func(resp client.GenerateResponse) error {
		answer.WriteString(resp.Response)
		for _, lp := range resp.Logprobs {
			tokens = append(tokens, lp.ID)
			logprobs = append(logprobs, lp.Logprob)
		}

		if resp.Done {
			final = resp
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	qres := &QuestionResult{
		QuestionID:   q.ID,
		Answer:       answer.String(),
		Tokens:       tokens,
		Logprobs:     logprobs,
		EvalCount:    final.EvalCount,
		EvalDuration: final.EvalDuration,
	}
	if final.EvalDuration > 0 {
		qres.TokensPerSecond = float64(final.EvalCount) / final.EvalDuration.Seconds()
	} else if elapsed := time.Since(started); elapsed > 0 {
		qres.TokensPerSecond = float64(len(tokens)) / elapsed.Seconds()
	}

	return qres, nil
}

// isTimeout distinguishes deadline expiry from user cancellation and other
// failures.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
