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

import "runtime"

// DefaultMftScanWorkers returns the worker count --parallel-mft-scan uses
// when --mft-scan-workers is left at its zero value.
func DefaultMftScanWorkers() uint32 {
	return uint32(max(4, runtime.NumCPU()))
}

// DefaultConfig returns the configuration applied before any flag is
// parsed: interactive ask-mode repair, human-readable logging to stderr, and
// a serial MFT scan.
func DefaultConfig() *Config {
	return &Config{
		RepairMode:      RepairAsk,
		MftScanWorkers:  DefaultMftScanWorkers(),
		ParallelMftScan: false,
	}
}
