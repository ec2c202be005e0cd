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

package fsck

// RunOptions configures a single end-to-end check session run.
type RunOptions struct {
	// NrWorkers controls how many goroutines Pass 1 uses to read MFT
	// records concurrently; decoding stays serial. 0 or 1 run Pass 1
	// serially.
	NrWorkers int
}

// Run drives the full five-pass sequence over s in order: the MFT linear
// scan (Pass 1), the $MFTMirr/$LogFile system-file checks (Pass 2), the
// directory tree walk (Pass 3), orphan reconciliation (Pass 4), and bitmap
// reconciliation (Pass 5). Dirty records are flushed twice: once after
// Pass 1, since a cluster-duplication relocation must land on disk before
// Pass 2 compares $MFT against its mirror, and once more after Pass 5,
// since Passes 4 and 5 both mutate records (new index entries, link
// counts, bitmap content) that only need to survive the final write-back.
//
// Grounded on src/ntfsck.c's top-level main()/ntfsck_check_all_files pass
// sequence in the original C fsck, adapted into a single ordered function
// call per pass instead of one monolithic driver loop.
func Run(s *Session, opts RunOptions) error {
	if opts.NrWorkers > 1 {
		if err := Pass1Parallel(s, opts.NrWorkers); err != nil {
			return err
		}
	} else {
		if err := Pass1(s); err != nil {
			return err
		}
	}
	if err := s.SyncDirtyRecords(); err != nil {
		return err
	}

	if err := Pass2(s); err != nil {
		return err
	}
	if err := Pass3(s); err != nil {
		return err
	}
	if err := Pass4(s); err != nil {
		return err
	}
	if err := Pass5(s); err != nil {
		return err
	}

	if err := s.SyncDirtyRecords(); err != nil {
		return err
	}

	s.Metrics.SetClusterCounts(s.Fcb.NrClusters(), s.Fcb.NrUsed())
	s.Metrics.SetErrorFixCounts(s.Engine.Errors(), s.Engine.Fixes())
	return nil
}
