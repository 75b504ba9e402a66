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
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quantpack/quantctl/pkg/client"
)

// psCmd represents the quantctl command for ps.
var psCmd = &cobra.Command{
	Use:                "ps",
	Short:              "List models currently loaded on an inference server",
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPs(cmd.Context())
	},
}

// init initializes ps command.
func init() {
	flags := psCmd.Flags()

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("bind ps flags to viper: %w", err))
	}
}

// runPs runs the ps quantctl.
func runPs(ctx context.Context) error {
	c, err := client.NewClient(rootConfig.Host)
	if err != nil {
		return err
	}

	running, err := c.Ps(ctx)
	if err != nil {
		return err
	}

	var data [][]string
	for _, m := range running.Models {
		processor := "100% CPU"
		switch {
		case m.SizeVRAM == 0:
		case m.SizeVRAM >= m.Size:
			processor = "100% GPU"
		default:
			gpu := float64(m.SizeVRAM) / float64(m.Size) * 100
			processor = fmt.Sprintf("%.0f%%/%.0f%% CPU/GPU", 100-gpu, gpu)
		}

		data = append(data, []string{m.Name, humanize.IBytes(uint64(m.Size)), processor, humanize.Time(m.ExpiresAt)})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "SIZE", "PROCESSOR", "UNTIL"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	return nil
}
