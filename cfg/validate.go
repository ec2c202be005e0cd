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

import "errors"

// ErrConflictingRepairFlags is returned when more than one of the
// mutually-exclusive repair-mode flags (-a/-p, -C, -n, -r, -y) is set.
var ErrConflictingRepairFlags = errors.New("cfg: only one of -a/-p, -C, -n, -r, -y may be specified")

// Validate checks a resolved Config for internal consistency: the device
// path is non-empty, the repair mode is one ResolveRepairMode could have
// produced, and --mft-scan-workers is nonzero when --parallel-mft-scan is
// set. A --log-file given with --quiet is accepted; --quiet filters the
// log file's records the same way it filters stderr's.
func Validate(c *Config) error {
	if c.Device == "" {
		return errors.New("cfg: device is required")
	}
	switch c.RepairMode {
	case RepairAuto, RepairNo, RepairAsk, RepairYes, RepairDirtyCheckOnly:
	default:
		return errors.New("cfg: unknown repair mode")
	}
	if c.ParallelMftScan && c.MftScanWorkers == 0 {
		return errors.New("cfg: mft-scan-workers must be nonzero when parallel-mft-scan is set")
	}
	return nil
}
