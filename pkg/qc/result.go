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
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v4/mem"
)

// ErrFingerprintMismatch is returned when a run would compare quantizations
// of a different model family or parameter size against an existing document.
var ErrFingerprintMismatch = errors.New("model fingerprint mismatch")

// fileLockRetryDelay is the delay between retries when acquiring the
// document lock.
const fileLockRetryDelay = 100 * time.Millisecond

// Fingerprint identifies the model family and parameter size all
// quantizations in one document must share.
type Fingerprint struct {
	Family        string `json:"family"`
	ParameterSize string `json:"parameter_size"`
}

func (f Fingerprint) String() string {
	return f.Family + "/" + f.ParameterSize
}

// Matches compares fingerprints case-insensitively. Empty fingerprints match
// nothing.
func (f Fingerprint) Matches(other Fingerprint) bool {
	return f.Family != "" && f.ParameterSize != "" &&
		strings.EqualFold(f.Family, other.Family) &&
		strings.EqualFold(f.ParameterSize, other.ParameterSize)
}

// TestOptions are the sampling parameters of a run, persisted so a resumed
// run can detect it is being continued with the same setup.
type TestOptions struct {
	Temperature   float64 `json:"temperature"`
	Seed          int     `json:"seed"`
	TopP          float64 `json:"top_p"`
	TopK          int     `json:"top_k"`
	RepeatPenalty float64 `json:"repeat_penalty"`
	NumCtx        int     `json:"num_ctx"`
}

// HostInfo is a snapshot of the machine the run executed on.
type HostInfo struct {
	OS          string `json:"os"`
	Arch        string `json:"arch"`
	TotalMemory uint64 `json:"total_memory"`
}

func hostInfo() HostInfo {
	info := HostInfo{OS: runtime.GOOS, Arch: runtime.GOARCH}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.TotalMemory = vm.Total
	}

	return info
}

// Verdict is a judge's qualitative assessment of one candidate answer.
// BestAnswer is "base", "candidate" or "tie"; empty means the judge did not
// pick one.
type Verdict struct {
	Score       int    `json:"score"`
	Reason      string `json:"reason,omitempty"`
	BestAnswer  string `json:"best_answer,omitempty"`
	RawResponse string `json:"raw_response,omitempty"`
}

// QuestionResult is the outcome of testing one question against one
// quantization. Judgment may be attached after the testing fields without
// re-creating them.
type QuestionResult struct {
	QuestionID      string        `json:"question_id"`
	Answer          string        `json:"answer"`
	Tokens          []int         `json:"tokens"`
	Logprobs        []float64     `json:"logprobs"`
	EvalCount       int           `json:"eval_count"`
	EvalDuration    time.Duration `json:"eval_duration"`
	TokensPerSecond float64       `json:"tokens_per_second"`
	Score           *Score        `json:"score,omitempty"`
	Judgment        *Verdict      `json:"judgment,omitempty"`
}

// FinalScore blends the composite with the judge score when present.
func (q *QuestionResult) FinalScore() float64 {
	if q.Score == nil {
		return 0
	}

	var judge *float64
	if q.Judgment != nil {
		s := float64(q.Judgment.Score)
		judge = &s
	}

	return FinalScore(q.Score.Composite, judge)
}

// QuantResult is the per-quantization record of one run.
type QuantResult struct {
	Tag       string    `json:"tag"`
	Model     string    `json:"model"`
	Digest    string    `json:"digest,omitempty"`
	IsBase    bool      `json:"is_base"`
	OnDemand  bool      `json:"on_demand"`
	FailedMsg string    `json:"failed,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	EndedAt   time.Time `json:"ended_at,omitempty"`

	Questions []*QuestionResult `json:"questions"`

	// Aggregates over complete question sets.
	Composite       float64 `json:"composite"`
	Final           float64 `json:"final"`
	TokensPerSecond float64 `json:"tokens_per_second"`
}

// Question returns the result for a question id, or nil.
func (r *QuantResult) Question(id string) *QuestionResult {
	for _, q := range r.Questions {
		if q.QuestionID == id {
			return q
		}
	}

	return nil
}

// Complete reports whether the result covers every question of the suite.
func (r *QuantResult) Complete(suite *Suite) bool {
	for _, q := range suite.Questions() {
		if r.Question(q.ID) == nil {
			return false
		}
	}

	return true
}

// FirstMissing returns the suite-order index of the first question without a
// result. Testing resumes from here.
func (r *QuantResult) FirstMissing(suite *Suite) int {
	questions := suite.Questions()
	for i, q := range questions {
		if r.Question(q.ID) == nil {
			return i
		}
	}

	return len(questions)
}

// MissingJudgments returns the question ids that have test results but no
// verdict yet; these are eligible for a judgment-only pass.
func (r *QuantResult) MissingJudgments(suite *Suite) []string {
	var missing []string
	for _, q := range suite.Questions() {
		if qr := r.Question(q.ID); qr != nil && qr.Judgment == nil {
			missing = append(missing, q.ID)
		}
	}

	return missing
}

// Aggregate recomputes the aggregate scores from the question results.
func (r *QuantResult) Aggregate() {
	if len(r.Questions) == 0 {
		return
	}

	var composite, final, tps float64
	scored := 0
	for _, q := range r.Questions {
		if q.Score != nil {
			composite += q.Score.Composite
			final += q.FinalScore()
			scored++
		}

		tps += q.TokensPerSecond
	}

	if scored > 0 {
		r.Composite = composite / float64(scored)
		r.Final = final / float64(scored)
	}

	r.TokensPerSecond = tps / float64(len(r.Questions))
}

// Document is the persisted state of one comparison run.
type Document struct {
	RunID         string      `json:"run_id"`
	Model         string      `json:"model"`
	Fingerprint   Fingerprint `json:"fingerprint"`
	BaseTag       string      `json:"base_tag"`
	SuiteName     string      `json:"suite_name"`
	SuiteVersion  string      `json:"suite_version"`
	QuestionCount int         `json:"question_count"`
	Options       TestOptions `json:"options"`
	Weights       Weights     `json:"weights"`
	Host          HostInfo    `json:"host"`
	CreatedAt     time.Time   `json:"created_at"`
	UpdatedAt     time.Time   `json:"updated_at"`

	Results []*QuantResult `json:"results"`
}

// NewDocument creates a fresh result document.
func NewDocument(model, baseTag string, fp Fingerprint, suite *Suite, opts TestOptions, weights Weights) *Document {
	now := time.Now().UTC()
	return &Document{
		RunID:         uuid.NewString(),
		Model:         model,
		Fingerprint:   fp,
		BaseTag:       baseTag,
		SuiteName:     suite.Name,
		SuiteVersion:  suite.Version,
		QuestionCount: suite.Len(),
		Options:       opts,
		Weights:       weights,
		Host:          hostInfo(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Result returns the quantization result for a tag (case-insensitive), or
// nil.
func (d *Document) Result(tag string) *QuantResult {
	for _, r := range d.Results {
		if strings.EqualFold(r.Tag, tag) {
			return r
		}
	}

	return nil
}

// Remove deletes the result for a tag (case-insensitive) from the document.
func (d *Document) Remove(tag string) {
	for i, r := range d.Results {
		if strings.EqualFold(r.Tag, tag) {
			d.Results = append(d.Results[:i], d.Results[i+1:]...)
			return
		}
	}
}

// FindBase returns the existing base result reusable for baseTag. The rule is
// deliberately explicit: tags must be equal after case folding, no substring
// heuristics.
func (d *Document) FindBase(baseTag string) *QuantResult {
	r := d.Result(baseTag)
	if r != nil && r.IsBase {
		return r
	}

	return nil
}

// ValidateFingerprint checks a candidate fingerprint against the document's.
func (d *Document) ValidateFingerprint(fp Fingerprint) error {
	if !d.Fingerprint.Matches(fp) {
		return fmt.Errorf("%w: document has %s, candidate has %s", ErrFingerprintMismatch, d.Fingerprint, fp)
	}

	return nil
}

// LoadDocument reads a result document from disk. A missing file returns
// os.ErrNotExist.
func LoadDocument(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse result document %s: %w", path, err)
	}

	return &doc, nil
}

// Save writes the document durably: it takes a file lock, writes to a
// temporary file and renames it into place, so a crash mid-write never
// corrupts the previous checkpoint.
func (d *Document) Save(path string) error {
	d.UpdatedAt = time.Now().UTC()

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	lock := flock.New(path + ".lock")
	for {
		locked, err := lock.TryLock()
		if err != nil {
			return fmt.Errorf("failed to lock result document: %w", err)
		}

		if locked {
			break
		}

		time.Sleep(fileLockRetryDelay)
	}
	defer lock.Unlock()

	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmp, path)
}
