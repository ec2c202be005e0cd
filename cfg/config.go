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

package cfg

import (
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// BindFlags registers every flag ntfsck accepts on flagSet and binds each to
// its viper key of the same name. No config-file flag is registered; the
// CLI reads flag values back from flagSet.
func BindFlags(flagSet *pflag.FlagSet) error {
	var err error

	flagSet.BoolP("repair-auto", "a", false, "Automatic repair, no prompts.")
	if err = viper.BindPFlag("repair-auto", flagSet.Lookup("repair-auto")); err != nil {
		return err
	}
	flagSet.BoolP("preen", "p", false, "Alias for --repair-auto.")
	if err = viper.BindPFlag("preen", flagSet.Lookup("preen")); err != nil {
		return err
	}
	flagSet.BoolP("dirty-check-only", "C", false, "Check the volume dirty flag only; exit 0 or 4.")
	if err = viper.BindPFlag("dirty-check-only", flagSet.Lookup("dirty-check-only")); err != nil {
		return err
	}
	flagSet.BoolP("repair-no", "n", false, "Read-only check, never repair.")
	if err = viper.BindPFlag("repair-no", flagSet.Lookup("repair-no")); err != nil {
		return err
	}
	flagSet.BoolP("repair", "r", false, "Interactive repair: prompt before each fix.")
	if err = viper.BindPFlag("repair", flagSet.Lookup("repair")); err != nil {
		return err
	}
	flagSet.BoolP("repair-yes", "y", false, "Answer yes to every repair prompt.")
	if err = viper.BindPFlag("repair-yes", flagSet.Lookup("repair-yes")); err != nil {
		return err
	}

	flagSet.BoolP("quiet", "q", false, "Suppress the progress bar.")
	if err = viper.BindPFlag("quiet", flagSet.Lookup("quiet")); err != nil {
		return err
	}
	flagSet.BoolP("verbose", "v", false, "Verbose logging.")
	if err = viper.BindPFlag("verbose", flagSet.Lookup("verbose")); err != nil {
		return err
	}
	flagSet.StringP("log-file", "", "", "Write JSON logs here instead of stderr.")
	if err = viper.BindPFlag("log-file", flagSet.Lookup("log-file")); err != nil {
		return err
	}

	flagSet.BoolP("fix-reparse-tags", "", false, "Also reconcile $REPARSE_POINT tag mismatches.")
	if err = viper.BindPFlag("fix-reparse-tags", flagSet.Lookup("fix-reparse-tags")); err != nil {
		return err
	}
	flagSet.BoolP("parallel-mft-scan", "", false, "Read MFT records across multiple goroutines during Pass 1.")
	if err = viper.BindPFlag("parallel-mft-scan", flagSet.Lookup("parallel-mft-scan")); err != nil {
		return err
	}
	flagSet.Uint32P("mft-scan-workers", "", 0, "Worker count for --parallel-mft-scan; 0 picks a default from GOMAXPROCS.")
	if err = viper.BindPFlag("mft-scan-workers", flagSet.Lookup("mft-scan-workers")); err != nil {
		return err
	}

	return nil
}

// repairFlags collects the five mutually-exclusive repair-mode flags read
// back off flagSet, before ResolveRepairMode collapses them into one
// RepairMode.
type repairFlags struct {
	auto, preen, dirtyCheckOnly, no, ask, yes bool
}

func readRepairFlags(flagSet *pflag.FlagSet) (repairFlags, error) {
	var f repairFlags
	var err error
	if f.auto, err = flagSet.GetBool("repair-auto"); err != nil {
		return f, err
	}
	if f.preen, err = flagSet.GetBool("preen"); err != nil {
		return f, err
	}
	if f.dirtyCheckOnly, err = flagSet.GetBool("dirty-check-only"); err != nil {
		return f, err
	}
	if f.no, err = flagSet.GetBool("repair-no"); err != nil {
		return f, err
	}
	if f.ask, err = flagSet.GetBool("repair"); err != nil {
		return f, err
	}
	if f.yes, err = flagSet.GetBool("repair-yes"); err != nil {
		return f, err
	}
	return f, nil
}

// ResolveRepairMode collapses the mutually-exclusive repair-mode flags on
// flagSet into a single RepairMode. With none set, it defaults to
// RepairAsk, matching the original checker's "no flag given" behavior. With
// more than one set, it returns ErrConflictingRepairFlags.
func ResolveRepairMode(flagSet *pflag.FlagSet) (RepairMode, error) {
	f, err := readRepairFlags(flagSet)
	if err != nil {
		return RepairAuto, err
	}

	auto := f.auto || f.preen
	set := 0
	for _, b := range []bool{auto, f.dirtyCheckOnly, f.no, f.ask, f.yes} {
		if b {
			set++
		}
	}
	switch {
	case set > 1:
		return RepairAuto, ErrConflictingRepairFlags
	case auto:
		return RepairAuto, nil
	case f.dirtyCheckOnly:
		return RepairDirtyCheckOnly, nil
	case f.no:
		return RepairNo, nil
	case f.ask:
		return RepairAsk, nil
	case f.yes:
		return RepairYes, nil
	default:
		return RepairAsk, nil
	}
}
