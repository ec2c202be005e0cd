// Copyright 2024 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd implements the ntfsck command line: flag binding, repair-mode
// resolution, and the top-level dispatch between a dirty-flag-only check
// and a full five-pass run.
package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/ntfsck-go/ntfsck/cfg"
)

// execFunc runs a fully resolved Config against a device and returns the
// process exit code. NewRootCmd takes it as a parameter so tests can
// substitute a fake in place of runNtfsck.
type execFunc func(*cfg.Config) (int, error)

// runError wraps an execFunc failure together with the process exit code
// it carries, so Execute can tell an operational failure (exit 8, see
// runNtfsck) apart from a plain usage error (exit 16) without RunE having
// to call os.Exit itself - keeping RunE's error return testable via
// cmd.Execute() rather than observable only by killing the process.
type runError struct {
	code int
	err  error
}

func (e *runError) Error() string { return e.err.Error() }
func (e *runError) Unwrap() error { return e.err }

// NewRootCmd builds the ntfsck root command. run is invoked once argument
// parsing and flag resolution succeed.
func NewRootCmd(run execFunc) (*cobra.Command, error) {
	config := cfg.DefaultConfig()

	cmd := &cobra.Command{
		Use:   "ntfsck [flags] device",
		Short: "Check and repair an NTFS volume offline",
		Long: `ntfsck reads an unmounted NTFS device, walks its MFT and directory
structure, and reconciles the on-disk bitmaps against what it finds. Pass
-n for a read-only check, -y to accept every repair, -r to be asked, -a
(or -p) to repair silently, or -C to only report the volume dirty flag.`,
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			repairMode, err := cfg.ResolveRepairMode(cmd.Flags())
			if err != nil {
				return err
			}
			config.Device = args[0]
			config.RepairMode = repairMode
			if err := readNonRepairFlags(cmd.Flags(), config); err != nil {
				return err
			}
			if err := cfg.Validate(config); err != nil {
				return err
			}

			exitCode, err := run(config)
			if err != nil {
				return &runError{code: exitCode, err: err}
			}
			if exitCode != 0 {
				os.Exit(exitCode)
			}
			return nil
		},
	}

	if err := cfg.BindFlags(cmd.Flags()); err != nil {
		return nil, err
	}
	return cmd, nil
}

// readNonRepairFlags copies the flags BindFlags registered, other than the
// five mutually-exclusive repair-mode ones ResolveRepairMode already
// consumed, into config.
func readNonRepairFlags(flagSet *pflag.FlagSet, config *cfg.Config) error {
	var err error
	if config.Quiet, err = flagSet.GetBool("quiet"); err != nil {
		return err
	}
	if config.Verbose, err = flagSet.GetBool("verbose"); err != nil {
		return err
	}
	if config.LogFile, err = flagSet.GetString("log-file"); err != nil {
		return err
	}
	if config.FixReparseTags, err = flagSet.GetBool("fix-reparse-tags"); err != nil {
		return err
	}
	if config.ParallelMftScan, err = flagSet.GetBool("parallel-mft-scan"); err != nil {
		return err
	}
	workers, err := flagSet.GetUint32("mft-scan-workers")
	if err != nil {
		return err
	}
	if workers != 0 {
		config.MftScanWorkers = workers
	}
	return nil
}

// Execute builds the real root command and runs it. A *runError carries
// run's own exit code (see runNtfsck - 8 for an operational I/O or
// mount-refusal failure); anything else cobra.Execute returns -
// unresolvable flags, the wrong argument count, a repair-mode or config
// validation error - is a usage problem and exits 16. Exit 128 is
// reserved for NewRootCmd itself failing to construct the command
// (cfg.BindFlags rejecting its own flag registration), which is not a
// normal code path.
func Execute() {
	cmd, err := NewRootCmd(runNtfsck)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(128)
	}
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		var re *runError
		if errors.As(err, &re) {
			os.Exit(re.code)
		}
		os.Exit(16)
	}
}
