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
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/quantpack/quantctl/pkg/client"
)

// listCmd represents the quantctl command for list.
var listCmd = &cobra.Command{
	Use:                "list [flags] [prefix]",
	Aliases:            []string{"ls"},
	Short:              "List models on an inference server",
	Args:               cobra.MaximumNArgs(1),
	DisableAutoGenTag:  true,
	SilenceUsage:       true,
	FParseErrWhitelist: cobra.FParseErrWhitelist{UnknownFlags: true},
	RunE: func(cmd *cobra.Command, args []string) error {
		prefix := ""
		if len(args) > 0 {
			prefix = args[0]
		}

		return runList(cmd.Context(), prefix)
	},
}

// init initializes list command.
func init() {
	flags := listCmd.Flags()

	if err := viper.BindPFlags(flags); err != nil {
		panic(fmt.Errorf("bind list flags to viper: %w", err))
	}
}

// runList runs the list quantctl.
func runList(ctx context.Context, prefix string) error {
	c, err := client.NewClient(rootConfig.Host)
	if err != nil {
		return err
	}

	listing, err := c.List(ctx)
	if err != nil {
		return err
	}

	var data [][]string
	for _, m := range listing.Models {
		if prefix != "" && !strings.HasPrefix(strings.ToLower(m.Name), strings.ToLower(prefix)) {
			continue
		}

		digest := m.Digest
		if len(digest) > 12 {
			digest = digest[:12]
		}

		data = append(data, []string{m.Name, digest, humanize.IBytes(uint64(m.Size)), humanize.Time(m.ModifiedAt)})
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"NAME", "ID", "SIZE", "MODIFIED"})
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
