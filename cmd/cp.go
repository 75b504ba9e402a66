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
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	internalpb "github.com/quantpack/quantctl/internal/pb"
	"github.com/quantpack/quantctl/pkg/client"
	"github.com/quantpack/quantctl/pkg/config"
	"github.com/quantpack/quantctl/pkg/registry"
	"github.com/quantpack/quantctl/pkg/transfer"
)

var cpConfig = config.NewCp()

// cpCmd represents the quantctl command for cp.
var cpCmd = &cobra.Command{
	Use:                "cp [flags] <source> <destination>",
	Short:              "Copy a model between inference servers",
	Args:               cobra.ExactArgs(2),
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runTransfer(ctx, args[0], args[1], false)
	},
}

// mvCmd represents the quantctl command for mv: a copy that verifies every
// layer arrived before deleting the original.
var mvCmd = &cobra.Command{
	Use:                "mv [flags] <source> <destination>",
	Short:              "Move a model between inference servers (copy, verify, delete)",
	Args:               cobra.ExactArgs(2),
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runTransfer(ctx, args[0], args[1], true)
	},
}

// init initializes cp and mv commands.
func init() {
	for _, c := range []*cobra.Command{cpCmd, mvCmd} {
		flags := c.Flags()
		flags.StringVar(&cpConfig.Throttle, "throttle", cpConfig.Throttle, "cap transfer bandwidth, e.g. 10MiB")
		flags.StringVar(&cpConfig.BufferSize, "buffer-size", cpConfig.BufferSize, "relay buffer size for remote-to-remote transfers")
		flags.StringVar(&cpConfig.Registry, "registry", cpConfig.Registry, "registry holding the model layers")
		flags.BoolVar(&cpConfig.PlainHTTP, "plain-http", cpConfig.PlainHTTP, "use plain HTTP for the registry")
		flags.BoolVar(&cpConfig.Insecure, "insecure", cpConfig.Insecure, "skip registry certificate verification")

		if err := viper.BindPFlags(flags); err != nil {
			panic(fmt.Errorf("bind cp flags to viper: %w", err))
		}
	}
}

// serverFor builds an API client for a transfer endpoint. Endpoints without a
// host fall back to the configured default server.
func serverFor(ep transfer.Endpoint) (transfer.Server, error) {
	address := rootConfig.Host
	if ep.Remote() {
		address = ep.Scheme + "://" + ep.Host
	}

	return client.NewClient(address)
}

// runTransfer runs the cp or mv quantctl.
func runTransfer(ctx context.Context, rawSrc, rawDst string, move bool) error {
	if err := cpConfig.Validate(); err != nil {
		return err
	}

	src, err := transfer.ParseEndpoint(rawSrc)
	if err != nil {
		return err
	}

	dst, err := transfer.ParseEndpoint(rawDst)
	if err != nil {
		return err
	}

	regOpts := []registry.Option{}
	if cpConfig.Registry != "" {
		regOpts = append(regOpts, registry.WithRegistry(cpConfig.Registry))
	}

	if cpConfig.PlainHTTP {
		regOpts = append(regOpts, registry.WithPlainHTTP())
	}

	if cpConfig.Insecure {
		regOpts = append(regOpts, registry.WithInsecure())
	}

	pb := internalpb.NewProgressBar()
	defer pb.Wait()

	engine := transfer.NewEngine(registry.New(regOpts...), serverFor,
		transfer.WithThrottle(cpConfig.ThrottleBytes()),
		transfer.WithBufferSize(int(cpConfig.BufferBytes())),
		transfer.WithProgress(pb),
	)

	var result *transfer.Result
	if move {
		result, err = engine.Rename(ctx, src, dst)
	} else {
		result, err = engine.Copy(ctx, src, dst)
	}
	if err != nil {
		return err
	}

	verb := "Copied"
	if move {
		verb = "Moved"
	}

	fmt.Printf("%s %s to %s: %d layers transferred (%s), %d skipped\n",
		verb, src, dst, result.LayersTransferred,
		humanize.IBytes(uint64(result.BytesTransferred)), result.LayersSkipped)
	return nil
}
