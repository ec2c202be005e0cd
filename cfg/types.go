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

// Package cfg holds the typed configuration a check run is built from: the
// device to check, the repair mode, and the logging/concurrency knobs the
// CLI exposes as flags.
package cfg

// RepairMode selects how the problem engine resolves a detected
// inconsistency. Exactly one is effective per run.
type RepairMode int

const (
	// RepairAuto applies non-interactive fixes silently ("-a"/"-p").
	RepairAuto RepairMode = iota
	// RepairNo never fixes, opening the volume read-only ("-n").
	RepairNo
	// RepairAsk prints each problem and prompts on stdin ("-r").
	RepairAsk
	// RepairYes applies every fix without prompting ("-y").
	RepairYes
	// RepairDirtyCheckOnly only inspects the volume dirty flag ("-C").
	RepairDirtyCheckOnly
)

func (m RepairMode) String() string {
	switch m {
	case RepairAuto:
		return "auto"
	case RepairNo:
		return "no"
	case RepairAsk:
		return "ask"
	case RepairYes:
		return "yes"
	case RepairDirtyCheckOnly:
		return "dirty-check-only"
	default:
		return "unknown"
	}
}

// Config is the fully resolved configuration for one check run.
type Config struct {
	Device     string
	RepairMode RepairMode

	Quiet   bool
	Verbose bool
	LogFile string

	// FixReparseTags gates reparse-tag reconciliation, off by default since
	// it is a disk-format nuance the original checker reports but never
	// repairs automatically.
	FixReparseTags bool

	// ParallelMftScan and MftScanWorkers control Pass 1's optional
	// concurrent MFT record reads.
	ParallelMftScan bool
	MftScanWorkers  uint32
}
