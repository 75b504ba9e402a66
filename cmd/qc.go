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

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quantpack/quantctl/pkg/client"
	"github.com/quantpack/quantctl/pkg/config"
	"github.com/quantpack/quantctl/pkg/qc"
	"github.com/quantpack/quantctl/pkg/qc/judge"
	"github.com/quantpack/quantctl/pkg/registry"
	"github.com/quantpack/quantctl/pkg/transfer"
)

var qcConfig = config.NewQC()

// qcCmd represents the quantctl command for qc.
var qcCmd = &cobra.Command{
	Use:   "qc [flags] <model> <pattern>...",
	Short: "Compare quantization quality against a full-precision base",
	Long: `Tests every quantization matching the given tag patterns against a fixed
question suite, scores the answers against the base quantization, and writes
a resumable result document. An optional judge model rates answer quality.`,
	Args:               cobra.MinimumNArgs(2),
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runQC(cmd.Context(), args[0], args[1:])
	},
}

// init initializes qc command.
func init() {
	flags := qcCmd.Flags()
	flags.StringVar(&qcConfig.BaseTag, "base", qcConfig.BaseTag, "tag of the full-precision base quantization")
	flags.StringVarP(&qcConfig.Output, "output", "o", qcConfig.Output, "result document path (required)")
	flags.StringVar(&qcConfig.SuitePath, "suite", qcConfig.SuitePath, "YAML question suite; empty uses the builtin suite")
	flags.StringVar(&qcConfig.Judge, "judge", qcConfig.Judge, "judge model, e.g. qwen3:32b or @openai/gpt-4o")
	flags.StringVar(&qcConfig.JudgeMode, "judge-mode", qcConfig.JudgeMode, "serial or parallel judgment")
	flags.DurationVar(&qcConfig.Timeout, "timeout", qcConfig.Timeout, "per-question generation timeout")
	flags.DurationVar(&qcConfig.KeepAlive, "keep-alive", qcConfig.KeepAlive, "how long tested models stay loaded")
	flags.IntVar(&qcConfig.TimeoutRetries, "timeout-retries", qcConfig.TimeoutRetries, "timeouts tolerated before asking to extend")
	flags.BoolVar(&qcConfig.Force, "force", qcConfig.Force, "re-test quantizations with complete results")
	flags.BoolVar(&qcConfig.Rejudge, "rejudge", qcConfig.Rejudge, "re-run judgment where verdicts already exist")
	flags.BoolVar(&qcConfig.OnDemand, "on-demand", qcConfig.OnDemand, "pull missing quantizations and remove them afterwards")
	flags.BoolVarP(&qcConfig.Yes, "yes", "y", qcConfig.Yes, "answer every prompt affirmatively")
	flags.Float64Var(&qcConfig.Temperature, "temperature", qcConfig.Temperature, "sampling temperature")
	flags.IntVar(&qcConfig.Seed, "seed", qcConfig.Seed, "sampling seed")
	flags.Float64Var(&qcConfig.TopP, "top-p", qcConfig.TopP, "top-p sampling")
	flags.IntVar(&qcConfig.TopK, "top-k", qcConfig.TopK, "top-k sampling")
	flags.Float64Var(&qcConfig.RepeatPenalty, "repeat-penalty", qcConfig.RepeatPenalty, "repeat penalty")
	flags.IntVar(&qcConfig.NumCtx, "num-ctx", qcConfig.NumCtx, "context window for questions without their own")
	flags.StringVar(&qcConfig.Weights, "weights", qcConfig.Weights, "composite weights token,logprob,length,perplexity (percent)")

	if err := qcCmd.MarkFlagRequired("output"); err != nil {
		panic(err)
	}

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("bind qc flags to viper: %w", err))
	}
}

// confirmPrompt asks a y/N question on the terminal.
func confirmPrompt(prompt string) bool {
	fmt.Fprintf(os.Stderr, "%s [y/N]: ", prompt)
	scanner := bufio.NewScanner(os.Stdin)
	if !scanner.Scan() {
		return false
	}

	answer := strings.ToLower(strings.TrimSpace(scanner.Text()))
	return answer == "y" || answer == "yes"
}

// buildJudge constructs the judge orchestrator from a reference, validating
// connectivity before the run starts.
func buildJudge(ctx context.Context, ref string) (qc.Judge, error) {
	parsed, err := judge.ParseRef(ref)
	if err != nil {
		return nil, err
	}

	var provider judge.Provider
	if parsed.Local() {
		server, err := client.NewClient(parsed.Host)
		if err != nil {
			return nil, err
		}

		provider = judge.NewLocalProvider(server, parsed.Model)
	} else {
		provider, err = judge.NewCloudProvider(parsed)
		if err != nil {
			return nil, err
		}
	}

	orchestrator := judge.NewOrchestrator(provider, parsed)
	if err := orchestrator.ValidateConnection(ctx); err != nil {
		return nil, fmt.Errorf("judge unreachable: %w", err)
	}

	return orchestrator, nil
}

// runQC runs the qc quantctl.
func runQC(ctx context.Context, rawModel string, patterns []string) error {
	if err := qcConfig.Validate(); err != nil {
		return err
	}

	ep, err := transfer.ParseEndpoint(rawModel)
	if err != nil {
		return err
	}

	server, err := client.NewClient(endpointAddress(ep))
	if err != nil {
		return err
	}

	suite := qc.DefaultSuite()
	if qcConfig.SuitePath != "" {
		if suite, err = qc.LoadSuite(qcConfig.SuitePath); err != nil {
			return err
		}
	}

	var judgeOrch qc.Judge
	if qcConfig.Judge != "" {
		if judgeOrch, err = buildJudge(ctx, qcConfig.Judge); err != nil {
			return err
		}
	}

	wv := qcConfig.WeightValues()
	opts := qc.RunOptions{
		Model:      ep.Name,
		BaseTag:    qcConfig.BaseTag,
		Patterns:   patterns,
		OutputPath: qcConfig.Output,
		Options: qc.TestOptions{
			Temperature:   qcConfig.Temperature,
			Seed:          qcConfig.Seed,
			TopP:          qcConfig.TopP,
			TopK:          qcConfig.TopK,
			RepeatPenalty: qcConfig.RepeatPenalty,
			NumCtx:        qcConfig.NumCtx,
		},
		Weights: qc.Weights{
			TokenSimilarity:        float64(wv[0]),
			LogprobDivergence:      float64(wv[1]),
			LengthConsistency:      float64(wv[2]),
			PerplexityPreservation: float64(wv[3]),
		},
		JudgeMode:      qc.JudgeMode(qcConfig.JudgeMode),
		Timeout:        qcConfig.Timeout,
		KeepAlive:      qcConfig.KeepAlive,
		TimeoutRetries: qcConfig.TimeoutRetries,
		Force:          qcConfig.Force,
		Rejudge:        qcConfig.Rejudge,
		OnDemand:       qcConfig.OnDemand,
	}

	confirm := confirmPrompt
	if qcConfig.Yes {
		confirm = func(string) bool { return true }
	}

	runner := qc.NewRunner(server, registry.New(), judgeOrch, suite, opts, confirm)

	// First signal asks for confirmation at the next step boundary, second
	// terminates immediately.
	sig := make(chan os.Signal, 2)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		for range sig {
			runner.Interrupt()
		}
	}()

	summary, err := runner.Run(ctx)
	if err != nil && !errors.Is(err, qc.ErrCancelled) {
		return err
	}

	if errors.Is(err, qc.ErrCancelled) {
		fmt.Fprintln(os.Stderr, "Run cancelled; completed quantizations are checkpointed.")
	}

	printSummary(summary)

	if summary.Persisted == 0 {
		return fmt.Errorf("no quantization produced a persisted result")
	}

	return nil
}

// endpointAddress resolves the server address for an endpoint, falling back
// to the configured default host.
func endpointAddress(ep transfer.Endpoint) string {
	if ep.Remote() {
		return ep.Scheme + "://" + ep.Host
	}

	return rootConfig.Host
}

// printSummary renders per-quantization aggregates from the result document.
func printSummary(summary *qc.Summary) {
	fmt.Printf("Tested: %d  Skipped: %d  Failed: %d\n", summary.Tested, summary.Skipped, summary.Failed)

	doc, err := qc.LoadDocument(summary.OutputPath)
	if err != nil {
		return
	}

	var data [][]string
	for _, r := range doc.Results {
		status := "ok"
		if r.FailedMsg != "" {
			status = "failed"
		}

		role := ""
		if r.IsBase {
			role = "base"
		}

		data = append(data, []string{
			r.Tag,
			role,
			fmt.Sprintf("%.1f", r.Composite),
			fmt.Sprintf("%.1f", r.Final),
			fmt.Sprintf("%.1f", r.TokensPerSecond),
			status,
		})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"TAG", "ROLE", "COMPOSITE", "FINAL", "TOK/S", "STATUS"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Printf("Results written to %s\n", summary.OutputPath)
}
