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

import (
	"errors"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/mft"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/runlist"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
	"github.com/ntfsck-go/ntfsck/internal/workerpool"
)

// Pass1 linearly scans every MFT record slot, decoding and validating the
// fixed header of each and accumulating every in-use record's non-resident
// runlists into the cluster bitmap. Duplicate cluster claims are
// relocated via copy-on-write onto free clusters.
func Pass1(s *Session) error {
	n := s.Records.NrRecords()
	for mftNo := uint64(0); mftNo < n; mftNo++ {
		if err := pass1Record(s, mftNo); err != nil {
			return err
		}
	}
	return nil
}

// Pass1Parallel is the same scan, but raw records are read across nrWorkers
// goroutines; once every read has finished, decoding, runlist walking and
// the Fcb/Fmb mutation run serially on the calling goroutine in record
// order, so the final reduction is always single-threaded. The directory
// tree walk that comes later in the pipeline stays entirely
// single-goroutine.
func Pass1Parallel(s *Session, nrWorkers int) error {
	if nrWorkers <= 1 {
		return Pass1(s)
	}
	n := s.Records.NrRecords()

	type decoded struct {
		mftNo uint64
		buf   []byte
		err   error
	}
	results := make([]decoded, n)

	pool, err := workerpool.NewStaticWorkerPool(0, uint32(nrWorkers))
	if err != nil {
		return err
	}
	for mftNo := uint64(0); mftNo < n; mftNo++ {
		mftNo := mftNo
		pool.Submit(func() error {
			buf, err := s.Records.ReadRecord(mftNo)
			results[mftNo] = decoded{mftNo: mftNo, buf: buf, err: err}
			return nil
		})
	}
	if err := pool.Stop(); err != nil {
		return err
	}

	for _, d := range results {
		if err := pass1Decoded(s, d.mftNo, d.buf, d.err); err != nil {
			return err
		}
	}
	return nil
}

func pass1Record(s *Session, mftNo uint64) error {
	buf, err := s.Records.ReadRecord(mftNo)
	return pass1Decoded(s, mftNo, buf, err)
}

func pass1Decoded(s *Session, mftNo uint64, buf []byte, readErr error) error {
	if readErr != nil {
		// An I/O error on the MFT stream during the linear scan: report
		// and move on to the next record rather than aborting the scan.
		s.Engine.Fix(problem.MftMagicCorrupted, problem.Context{InodeNum: mftNo})
		return nil
	}

	rec, err := mft.Decode(buf, mftNo, s.SectorSize, s.MftRecordSize)
	if rec == nil {
		if errors.Is(err, mft.ErrRecordIsBaad) {
			// BAAD is Windows' own marker for a record it gave up on; not
			// a structural problem this checker needs to report.
			return nil
		}
		code := headerErrorCode(err)
		s.Engine.Fix(code, problem.Context{InodeNum: mftNo})
		return nil
	}
	if err != nil {
		// Header parsed fine but attribute decoding stopped partway
		// through; still usable as far as it got.
		s.Engine.Fix(problem.AttrLengthCorrupted, problem.Context{InodeNum: mftNo})
	}
	s.cache[mftNo] = rec

	if !rec.Header.InUse() {
		return nil
	}
	s.markInUse(mftNo)

	for _, a := range rec.Attributes {
		if !a.NonResident {
			continue
		}
		if err := pass1ClaimRunlist(s, rec, a); err != nil {
			return err
		}
	}
	return nil
}

func headerErrorCode(err error) problem.Code {
	switch {
	case errors.Is(err, mft.ErrSizeCorrupted):
		return problem.MftSizeCorrupted
	case errors.Is(err, mft.ErrAttrOffsetCorrupted):
		return problem.MftAttrOffsetCorrupted
	case errors.Is(err, mft.ErrBiuCorrupted):
		return problem.MftBiuCorrupted
	default:
		return problem.MftMagicCorrupted
	}
}

func pass1ClaimRunlist(s *Session, rec *mft.Record, a *attr.Attribute) error {
	rl, err := a.Runlist()
	if err != nil {
		s.Engine.Fix(problem.AttrLengthCorrupted, problem.Context{InodeNum: rec.RecordNumber, AttrType: attrTypeName(a.Type)})
		return nil
	}

	for _, elem := range rl {
		if elem.Kind != types.LcnReal {
			continue
		}
		dup, err := s.Fcb.CheckAndSetRange(elem)
		if err != nil {
			return err
		}
		if dup == nil {
			continue
		}
		ctx := problem.Context{InodeNum: rec.RecordNumber, AttrType: attrTypeName(a.Type)}
		if s.Engine.Fix(problem.ClusterDuplicationFound, ctx) {
			s.relocateDuplicate(rec, a, dup)
		}
	}
	return nil
}

// relocateDuplicate performs the copy-on-write relocation for one
// accumulated duplicate run: allocate free clusters past the duplicate,
// copy the live content across, and splice the new mapping into a's
// runlist. Errors are not propagated: a run that cannot be relocated (no
// free space, a copy or splice error) is skipped with no further report
// beyond the ClusterDuplicationFound already raised, and the duplicate
// stays on disk, which the next run will simply rediscover.
func (s *Session) relocateDuplicate(rec *mft.Record, a *attr.Attribute, dup runlist.Runlist) {
	relocated := false
	for _, d := range dup {
		if d.Kind != types.LcnReal {
			continue
		}
		newLcn, ok := s.findFreeRun(d.Lcn, d.Length)
		if !ok {
			continue
		}
		if err := s.copyClusters(d.Lcn, newLcn, d.Length); err != nil {
			continue
		}
		if err := spliceRelocation(a, d, newLcn); err != nil {
			continue
		}
		relocated = true
	}
	if relocated {
		s.markRecordDirty(rec.RecordNumber)
	}
}
