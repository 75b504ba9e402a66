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
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantpack/quantctl/pkg/client"
	"github.com/quantpack/quantctl/pkg/qc/judge"
)

// fakeInference is an in-memory inference server with deterministic,
// per-model answers.
type fakeInference struct {
	mu       sync.Mutex
	models   map[string]client.ModelDetails
	registry map[string]client.ModelDetails

	pulled   []string
	deleted  []string
	loaded   []string
	unloaded []string

	generateCalls int
	// generateErr fails every generation for a model.
	generateErr map[string]error
	// timeoutsBefore makes the next N generations for a model exceed their
	// deadline before any succeeds.
	timeoutsBefore map[string]int
}

func newFakeInference() *fakeInference {
	return &fakeInference{
		models:         map[string]client.ModelDetails{},
		registry:       map[string]client.ModelDetails{},
		generateErr:    map[string]error{},
		timeoutsBefore: map[string]int{},
	}
}

func llamaDetails() client.ModelDetails {
	return client.ModelDetails{Family: "llama", ParameterSize: "8B"}
}

func (f *fakeInference) List(ctx context.Context) (*client.ListResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	resp := &client.ListResponse{}
	for m := range f.models {
		resp.Models = append(resp.Models, client.ModelInfo{Name: m, Digest: "sha256:" + m})
	}

	return resp, nil
}

func (f *fakeInference) Show(ctx context.Context, req *client.ShowRequest) (*client.ShowResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	details, ok := f.models[req.Model]
	if !ok {
		return nil, fmt.Errorf("model %q not found", req.Model)
	}

	return &client.ShowResponse{Details: details}, nil
}

func (f *fakeInference) Pull(ctx context.Context, req *client.PullRequest, fn client.PullProgressFunc) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	details, ok := f.registry[req.Model]
	if !ok {
		return fmt.Errorf("model %q not in registry", req.Model)
	}

	f.models[req.Model] = details
	f.pulled = append(f.pulled, req.Model)
	return nil
}

func (f *fakeInference) Delete(ctx context.Context, req *client.DeleteRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.models, req.Model)
	f.deleted = append(f.deleted, req.Model)
	return nil
}

func (f *fakeInference) Load(ctx context.Context, model string, keepAlive time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded = append(f.loaded, model)
	return nil
}

func (f *fakeInference) Unload(ctx context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unloaded = append(f.unloaded, model)
	return nil
}

// Generate produces a deterministic answer derived from the model tag, so the
// base and a candidate legitimately disagree a little.
func (f *fakeInference) Generate(ctx context.Context, req *client.GenerateRequest, fn client.GenerateResponseFunc) error {
	f.mu.Lock()
	f.generateCalls++
	if f.timeoutsBefore[req.Model] > 0 {
		f.timeoutsBefore[req.Model]--
		f.mu.Unlock()
		return context.DeadlineExceeded
	}
	err := f.generateErr[req.Model]
	f.mu.Unlock()

	if err != nil {
		return err
	}

	tokens := []int{100, 200, 300, 400}
	logprobs := []float64{-0.1, -0.2, -0.1, -0.3}
	if strings.Contains(req.Model, "q4") {
		tokens = []int{100, 200, 300, 401}
		logprobs = []float64{-0.2, -0.3, -0.2, -0.5}
	}

	var lps []client.TokenLogprob
	for i, tok := range tokens {
		lps = append(lps, client.TokenLogprob{Token: fmt.Sprintf("t%d", tok), ID: tok, Logprob: logprobs[i]})
	}

	if err := fn(client.GenerateResponse{
		Response: fmt.Sprintf("answer from %s", req.Model),
		Logprobs: lps,
	}); err != nil {
		return err
	}

	return fn(client.GenerateResponse{
		Done:         true,
		EvalCount:    len(tokens),
		EvalDuration: 100 * time.Millisecond,
	})
}

type fixedJudge struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (j *fixedJudge) Judge(ctx context.Context, question, base, candidate string) (*judge.Verdict, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.calls++
	if j.err != nil {
		return nil, j.err
	}

	return &judge.Verdict{Score: 80, Reason: "close enough", BestAnswer: "tie"}, nil
}

func runnerOptions(t *testing.T) RunOptions {
	return RunOptions{
		Model:          "llama3",
		BaseTag:        "f16",
		Patterns:       []string{"q4*"},
		OutputPath:     filepath.Join(t.TempDir(), "results.json"),
		Timeout:        5 * time.Second,
		TimeoutRetries: 2,
		KeepAlive:      time.Minute,
	}
}

func TestRunnerFullRun(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.models["llama3:q4_K_M"] = llamaDetails()
	j := &fixedJudge{}

	opts := runnerOptions(t)
	runner := NewRunner(server, staticTags{"f16", "q4_K_M"}, j, testSuite(), opts, nil)

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Tested)
	assert.Equal(t, 2, summary.Persisted)

	doc, err := LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	assert.Equal(t, Fingerprint{Family: "llama", ParameterSize: "8B"}, doc.Fingerprint)
	require.Len(t, doc.Results, 2)

	base := doc.FindBase("f16")
	require.NotNil(t, base)
	assert.True(t, base.Complete(testSuite()))
	for _, q := range base.Questions {
		assert.Nil(t, q.Score)
		assert.Nil(t, q.Judgment)
	}

	candidate := doc.Result("q4_K_M")
	require.NotNil(t, candidate)
	assert.True(t, candidate.Complete(testSuite()))
	for _, q := range candidate.Questions {
		require.NotNil(t, q.Score)
		assert.Greater(t, q.Score.Composite, float64(0))
		assert.Less(t, q.Score.Composite, float64(100))
		require.NotNil(t, q.Judgment)
		assert.Equal(t, 80, q.Judgment.Score)
	}

	assert.Greater(t, candidate.Composite, float64(0))
	assert.Equal(t, testSuite().Len(), j.calls)

	// Every tested model is unloaded afterwards.
	assert.ElementsMatch(t, []string{"llama3:f16", "llama3:q4_K_M"}, server.unloaded)
}

func TestRunnerResumeSkipsCompleteResults(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.models["llama3:q4_K_M"] = llamaDetails()
	j := &fixedJudge{}

	opts := runnerOptions(t)
	_, err := NewRunner(server, staticTags{"f16", "q4_K_M"}, j, testSuite(), opts, nil).Run(context.Background())
	require.NoError(t, err)

	generated := server.generateCalls
	judged := j.calls

	summary, err := NewRunner(server, staticTags{"f16", "q4_K_M"}, j, testSuite(), opts, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, summary.Tested)
	assert.Equal(t, 2, summary.Skipped)
	assert.Equal(t, generated, server.generateCalls)
	assert.Equal(t, judged, j.calls)
}

func TestRunnerResumesFromFirstMissingQuestion(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	suite := testSuite()

	opts := runnerOptions(t)
	opts.Patterns = nil

	// Seed a document where the base answered only the first question.
	doc := NewDocument("llama3", "f16", Fingerprint{Family: "llama", ParameterSize: "8B"}, suite, TestOptions{}, DefaultWeights)
	doc.Results = append(doc.Results, &QuantResult{
		Tag:    "f16",
		Model:  "llama3:f16",
		IsBase: true,
		Questions: []*QuestionResult{
			{QuestionID: "q1", Answer: "seeded", Tokens: []int{1}, Logprobs: []float64{-0.5}},
		},
	})
	require.NoError(t, doc.Save(opts.OutputPath))

	_, err := NewRunner(server, staticTags{"f16"}, nil, suite, opts, nil).Run(context.Background())
	require.NoError(t, err)

	// Only the two missing questions were generated.
	assert.Equal(t, 2, server.generateCalls)

	loaded, err := LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	base := loaded.FindBase("f16")
	require.NotNil(t, base)
	assert.True(t, base.Complete(suite))
	assert.Equal(t, "seeded", base.Question("q1").Answer)
}

func TestRunnerFingerprintMismatchAbortsRun(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.models["llama3:q4_K_M"] = client.ModelDetails{Family: "qwen2", ParameterSize: "8B"}

	opts := runnerOptions(t)
	_, err := NewRunner(server, staticTags{"f16", "q4_K_M"}, nil, testSuite(), opts, nil).Run(context.Background())
	require.ErrorIs(t, err, ErrFingerprintMismatch)

	// The base result survives in the checkpoint; the rejected candidate
	// never reaches it.
	doc, err := LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	require.NotNil(t, doc.FindBase("f16"))
	assert.Nil(t, doc.Result("q4_K_M"))
}

func TestRunnerOnDemandFingerprintMismatchLeavesNoTrace(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.registry["llama3:q4_K_M"] = client.ModelDetails{Family: "qwen2", ParameterSize: "8B"}

	opts := runnerOptions(t)
	opts.OnDemand = true

	_, err := NewRunner(server, staticTags{"f16", "q4_K_M"}, nil, testSuite(), opts, nil).Run(context.Background())
	require.ErrorIs(t, err, ErrFingerprintMismatch)

	// The persisted document holds only the base; the entry written ahead of
	// the pull was stripped again, and the mismatched pull was undone.
	doc, err := LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	require.Len(t, doc.Results, 1)
	require.NotNil(t, doc.FindBase("f16"))
	assert.Nil(t, doc.Result("q4_K_M"))
	assert.Equal(t, []string{"llama3:q4_K_M"}, server.deleted)
}

func TestRunnerOnDemandLifecycle(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.registry["llama3:q4_K_M"] = llamaDetails()

	opts := runnerOptions(t)
	opts.OnDemand = true

	summary, err := NewRunner(server, staticTags{"f16", "q4_K_M"}, nil, testSuite(), opts, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Tested)

	assert.Equal(t, []string{"llama3:q4_K_M"}, server.pulled)
	// Complete and unjudged, so the on-demand model was cleaned up.
	assert.Equal(t, []string{"llama3:q4_K_M"}, server.deleted)

	doc, err := LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	candidate := doc.Result("q4_K_M")
	require.NotNil(t, candidate)
	assert.False(t, candidate.OnDemand)
}

func TestRunnerKeepsOnDemandModelUntilComplete(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.registry["llama3:q4_K_M"] = llamaDetails()
	server.generateErr["llama3:q4_K_M"] = fmt.Errorf("backend wedged")

	opts := runnerOptions(t)
	opts.OnDemand = true

	summary, err := NewRunner(server, staticTags{"f16", "q4_K_M"}, nil, testSuite(), opts, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)

	// The pulled model survives the failed attempt so the next invocation
	// can resume without re-downloading.
	assert.Equal(t, []string{"llama3:q4_K_M"}, server.pulled)
	assert.Empty(t, server.deleted)

	doc, err := LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	candidate := doc.Result("q4_K_M")
	require.NotNil(t, candidate)
	assert.True(t, candidate.OnDemand)
	assert.NotEmpty(t, candidate.FailedMsg)

	// A second run completes the result; only then is the model removed.
	delete(server.generateErr, "llama3:q4_K_M")
	summary, err = NewRunner(server, staticTags{"f16", "q4_K_M"}, nil, testSuite(), opts, nil).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Tested)
	assert.Equal(t, 1, summary.Skipped)

	assert.Equal(t, []string{"llama3:q4_K_M"}, server.pulled)
	assert.Equal(t, []string{"llama3:q4_K_M"}, server.deleted)

	doc, err = LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	candidate = doc.Result("q4_K_M")
	require.NotNil(t, candidate)
	assert.True(t, candidate.Complete(testSuite()))
	assert.False(t, candidate.OnDemand)
}

func TestRunnerMissingModelWithoutOnDemand(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.registry["llama3:q4_K_M"] = llamaDetails()

	opts := runnerOptions(t)
	summary, err := NewRunner(server, staticTags{"f16", "q4_K_M"}, nil, testSuite(), opts, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, summary.Tested)
	assert.Equal(t, 1, summary.Failed)
	assert.Empty(t, server.pulled)

	doc, err := LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	candidate := doc.Result("q4_K_M")
	require.NotNil(t, candidate)
	assert.Contains(t, candidate.FailedMsg, "on-demand")
}

func TestRunnerIsolatesQuantFailures(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.models["llama3:q4_K_M"] = llamaDetails()
	server.models["llama3:q8_0"] = llamaDetails()
	server.generateErr["llama3:q4_K_M"] = fmt.Errorf("server exploded")

	opts := runnerOptions(t)
	opts.Patterns = []string{"q4*", "q8*"}

	summary, err := NewRunner(server, staticTags{"f16", "q4_K_M", "q8_0"}, nil, testSuite(), opts, nil).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, summary.Tested)
	assert.Equal(t, 1, summary.Failed)

	doc, err := LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	assert.NotEmpty(t, doc.Result("q4_K_M").FailedMsg)
	assert.True(t, doc.Result("q8_0").Complete(testSuite()))
}

func TestRunnerRetriesTimeoutsWithinBudget(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.timeoutsBefore["llama3:f16"] = 2

	opts := runnerOptions(t)
	opts.Patterns = nil
	opts.TimeoutRetries = 3

	runner := NewRunner(server, staticTags{"f16"}, nil, testSuite(), opts, nil)
	runner.backoff = time.Millisecond

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Tested)

	// Two timed-out attempts plus one generation per question.
	assert.Equal(t, testSuite().Len()+2, server.generateCalls)
	// The budget was never exhausted, so the timeout stays as configured.
	assert.Equal(t, opts.Timeout, runner.timeout)
}

func TestRunnerTimeoutExtendConfirmed(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.timeoutsBefore["llama3:f16"] = 1

	opts := runnerOptions(t)
	opts.Patterns = nil
	opts.TimeoutRetries = 1

	prompts := 0
	runner := NewRunner(server, staticTags{"f16"}, nil, testSuite(), opts, func(prompt string) bool {
		prompts++
		assert.Contains(t, prompt, "timed out")
		return true
	})
	runner.backoff = time.Millisecond

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Tested)
	assert.Equal(t, 1, prompts)
	assert.Equal(t, 2*opts.Timeout, runner.timeout)
}

func TestRunnerTimeoutExtendDeclinedFailsQuant(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.timeoutsBefore["llama3:f16"] = 100

	opts := runnerOptions(t)
	opts.Patterns = nil
	opts.TimeoutRetries = 2

	runner := NewRunner(server, staticTags{"f16"}, nil, testSuite(), opts, func(string) bool { return false })
	runner.backoff = time.Millisecond

	summary, err := runner.Run(context.Background())
	// Exhausted timeouts fail the quantization, they do not cancel the run.
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, opts.TimeoutRetries, server.generateCalls)

	doc, err := LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	base := doc.Result("f16")
	require.NotNil(t, base)
	assert.Contains(t, base.FailedMsg, "giving up")
}

func TestRunnerParallelJudgments(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()
	server.models["llama3:q4_K_M"] = llamaDetails()
	j := &fixedJudge{}

	opts := runnerOptions(t)
	opts.JudgeMode = JudgeParallel

	_, err := NewRunner(server, staticTags{"f16", "q4_K_M"}, j, testSuite(), opts, nil).Run(context.Background())
	require.NoError(t, err)

	doc, err := LoadDocument(opts.OutputPath)
	require.NoError(t, err)
	candidate := doc.Result("q4_K_M")
	require.NotNil(t, candidate)
	assert.Empty(t, candidate.MissingJudgments(testSuite()))
	assert.Equal(t, testSuite().Len(), j.calls)
}

func TestRunnerConfirmedInterruptStopsRun(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()

	opts := runnerOptions(t)
	opts.Patterns = nil

	runner := NewRunner(server, staticTags{"f16"}, nil, testSuite(), opts, func(string) bool { return true })
	runner.Interrupt()

	summary, err := runner.Run(context.Background())
	require.ErrorIs(t, err, ErrCancelled)
	require.NotNil(t, summary)
	assert.Equal(t, 0, summary.Tested)
}

func TestRunnerDeclinedInterruptContinues(t *testing.T) {
	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()

	opts := runnerOptions(t)
	opts.Patterns = nil

	declined := 0
	runner := NewRunner(server, staticTags{"f16"}, nil, testSuite(), opts, func(string) bool {
		declined++
		return false
	})
	runner.Interrupt()

	summary, err := runner.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Tested)
	assert.Equal(t, 1, declined)
}

func TestRunnerRejectsForeignDocument(t *testing.T) {
	opts := runnerOptions(t)

	other := &Suite{Name: "other", Version: "9", Categories: testSuite().Categories}
	doc := NewDocument("llama3", "f16", Fingerprint{}, other, TestOptions{}, DefaultWeights)
	require.NoError(t, doc.Save(opts.OutputPath))

	server := newFakeInference()
	server.models["llama3:f16"] = llamaDetails()

	_, err := NewRunner(server, staticTags{"f16"}, nil, testSuite(), opts, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "suite")
}
