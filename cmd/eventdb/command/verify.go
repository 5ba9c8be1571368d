/*
Copyright 2022 Codenotary Inc. All rights reserved.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package eventdb

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	c "github.com/codenotary/eventdb/cmd/helper"
	"github.com/codenotary/eventdb/embedded/checkpoint"
	"github.com/codenotary/eventdb/embedded/store"
	"github.com/codenotary/eventdb/embedded/tlog"
	"github.com/fatih/color"
	"github.com/schollz/progressbar/v2"
	"github.com/spf13/cobra"
)

var ErrVerificationFailed = errors.New("verification failed")

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the transaction log of a stopped node",
		Long: `Verify checks every chunk of the transaction log without modifying it.
Completed chunks must match the hash stored in their footer and every record
up to the writer checkpoint must be readable at the position it claims.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := cmd.Flags().GetString("dir")
			if err != nil {
				return err
			}

			progress, err := cmd.Flags().GetBool("progress")
			if err != nil {
				return err
			}

			return verify(cmd, dir, progress)
		},
	}

	cmd.Flags().String("dir", "./data", "data folder of the node")
	cmd.Flags().Bool("progress", true, "show a progress bar")

	return cmd
}

func verify(cmd *cobra.Command, dir string, progress bool) error {
	chunksDir := store.ChunksPath(dir)

	_, err := os.Stat(chunksDir)
	if err != nil {
		return fmt.Errorf("no transaction log found in '%s': %w", dir, err)
	}

	writerPos, err := checkpoint.ReadFile(dir, checkpoint.Writer)
	if err != nil {
		return fmt.Errorf("unable to read the writer checkpoint: %w", err)
	}

	nums, err := tlog.ChunkFiles(chunksDir)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()

	var bar *progressbar.ProgressBar
	if progress && len(nums) > 0 {
		bar = progressbar.NewOptions(len(nums), progressbar.OptionSetWriter(cmd.ErrOrStderr()))
	}

	var reports []*tlog.ChunkReport

	failed, err := tlog.Verify(chunksDir, writerPos, func(r *tlog.ChunkReport) {
		reports = append(reports, r)
		if bar != nil {
			bar.Add(1)
		}
	})
	if bar != nil {
		bar.Finish()
		fmt.Fprintln(cmd.ErrOrStderr())
	}
	if err != nil {
		return err
	}

	c.PrintTable(out, []string{"Chunk", "State", "Records", "Data size", "Status"}, len(reports), func(i int) []string {
		r := reports[i]

		state := "active"
		if r.Completed {
			state = "completed"
		}

		status := color.GreenString("ok")
		if r.Err != nil {
			status = color.RedString(r.Err.Error())
		}

		return []string{
			strconv.Itoa(int(r.Number)),
			state,
			strconv.Itoa(r.Records),
			c.FormatByteSize(r.DataSize),
			status,
		}
	}, fmt.Sprintf("%d chunk(s), writer checkpoint at %d", len(reports), writerPos))

	if failed > 0 {
		return fmt.Errorf("%w: %d corrupted chunk(s)", ErrVerificationFailed, failed)
	}

	fmt.Fprintln(out, color.GreenString("transaction log verified"))

	return nil
}
