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

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quantpack/quantctl/pkg/client"
	"github.com/quantpack/quantctl/pkg/transfer"
)

// rmCmd represents the quantctl command for rm.
var rmCmd = &cobra.Command{
	Use:                "rm [flags] <model>...",
	Short:              "Remove models from an inference server",
	Args:               cobra.MinimumNArgs(1),
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runRm(cmd.Context(), args)
	},
}

// init initializes rm command.
func init() {
	flags := rmCmd.Flags()

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("bind rm flags to viper: %w", err))
	}
}

// runRm runs the rm quantctl.
func runRm(ctx context.Context, targets []string) error {
	for _, target := range targets {
		ep, err := transfer.ParseEndpoint(target)
		if err != nil {
			return err
		}

		c, err := serverFor(ep)
		if err != nil {
			return err
		}

		if err := c.Delete(ctx, &client.DeleteRequest{Model: ep.Model()}); err != nil {
			return fmt.Errorf("failed to delete %s: %w", ep, err)
		}

		fmt.Printf("Deleted: %s\n", ep)
	}

	return nil
}
