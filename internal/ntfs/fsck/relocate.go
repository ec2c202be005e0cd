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
	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/runlist"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

func attrTypeName(t attr.Type) string {
	switch t {
	case attr.TypeStandardInformation:
		return "$STANDARD_INFORMATION"
	case attr.TypeAttributeList:
		return "$ATTRIBUTE_LIST"
	case attr.TypeFileName:
		return "$FILE_NAME"
	case attr.TypeData:
		return "$DATA"
	case attr.TypeIndexRoot:
		return "$INDEX_ROOT"
	case attr.TypeIndexAllocation:
		return "$INDEX_ALLOCATION"
	case attr.TypeBitmap:
		return "$BITMAP"
	default:
		return "$UNKNOWN"
	}
}

// findFreeRun looks for length consecutive unclaimed clusters in the Fcb,
// scanning forward from just past hint (the duplicate's own lcn) and
// wrapping around to the start of the volume if nothing is found past it.
// It marks the run claimed as a side effect of the search succeeding.
func (s *Session) findFreeRun(hint types.Lcn, length int64) (types.Lcn, bool) {
	start := hint + 1
	nrClusters := types.Lcn(s.Fcb.NrClusters())

	for candidate := start; candidate+types.Lcn(length) <= nrClusters; candidate++ {
		if s.runIsFree(candidate, length) {
			s.Fcb.SetRange(candidate, length, true)
			return candidate, true
		}
	}
	// Wrap around and search from the start of the volume, in case the
	// hint sits near the end.
	for candidate := types.Lcn(0); candidate < start && candidate+types.Lcn(length) <= nrClusters; candidate++ {
		if s.runIsFree(candidate, length) {
			s.Fcb.SetRange(candidate, length, true)
			return candidate, true
		}
	}
	return 0, false
}

func (s *Session) runIsFree(start types.Lcn, length int64) bool {
	for i := int64(0); i < length; i++ {
		if s.Fcb.Get(start + types.Lcn(i)) {
			return false
		}
	}
	return true
}

// copyClusters copies length clusters from src to dst one cluster at a
// time.
func (s *Session) copyClusters(src, dst types.Lcn, length int64) error {
	for i := int64(0); i < length; i++ {
		buf, err := s.Volume.ReadClusters(src+types.Lcn(i), 1)
		if err != nil {
			return err
		}
		if err := s.Volume.WriteClusters(dst+types.Lcn(i), buf); err != nil {
			return err
		}
	}
	return nil
}

// spliceRelocation rewrites a's in-memory mapping pairs so the VCN range
// covered by d (a sub-range of one of a's existing real runs, as reported
// by Fcb.CheckAndSetRange) now points at newLcn instead, splitting the
// containing run into up to three pieces if d doesn't cover it entirely.
// It marks the attribute dirty for a mapping-pairs rewrite on next sync.
func spliceRelocation(a *attr.Attribute, d runlist.Element, newLcn types.Lcn) error {
	rl, err := a.Runlist()
	if err != nil {
		return err
	}

	var out runlist.Runlist
	for _, e := range rl {
		if e.Kind != types.LcnReal || d.Vcn < e.Vcn || d.Vcn+types.Vcn(d.Length) > e.Vcn+types.Vcn(e.Length) {
			out = append(out, e)
			continue
		}

		if lead := d.Vcn - e.Vcn; lead > 0 {
			out = append(out, runlist.Element{Vcn: e.Vcn, Lcn: e.Lcn, Kind: types.LcnReal, Length: int64(lead)})
		}
		out = append(out, runlist.Element{Vcn: d.Vcn, Lcn: newLcn, Kind: types.LcnReal, Length: d.Length})
		if trailLen := (int64(e.Vcn) + e.Length) - int64(d.Vcn+types.Vcn(d.Length)); trailLen > 0 {
			trailVcn := d.Vcn + types.Vcn(d.Length)
			out = append(out, runlist.Element{
				Vcn:    trailVcn,
				Lcn:    e.Lcn + types.Lcn(int64(trailVcn)-int64(e.Vcn)),
				Kind:   types.LcnReal,
				Length: trailLen,
			})
		}
	}

	return a.SetRunlist(out, true)
}
