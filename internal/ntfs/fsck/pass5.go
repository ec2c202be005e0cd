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
	"bytes"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/bitmap"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

// mftRecordBitmapFile is $Bitmap's fixed MFT record number: the
// volume-wide cluster allocation bitmap system file.
const mftRecordBitmapFile = 6

// Pass5 reconciles the two in-memory bitmaps every earlier pass built
// against their on-disk counterparts. $MFT's own $BITMAP attribute is
// checked (and synced) before $Bitmap's cluster allocation data, matching
// the original tool's end-of-run ordering: a record-count mismatch in the
// MFT bitmap would otherwise make the cluster bitmap compare against a
// stale page layout.
func Pass5(s *Session) error {
	if err := syncMftBitmap(s); err != nil {
		return err
	}
	return reconcileClusterBitmap(s)
}

// syncMftBitmap grows $MFT's own $BITMAP attribute if it is too small to
// cover every record slot, then writes FMB's computed content into it
// page by page. Unlike the cluster bitmap, no separate ask gates the
// content sync: FMB is this run's own authoritative in-use set by the
// time Pass 5 runs (Pass 4 already reconciled every orphan into it), so
// writing it back is the pass's job rather than a judgment call.
func syncMftBitmap(s *Session) error {
	rec, err := s.decode(0)
	if err != nil && rec == nil {
		return err
	}
	bm := rec.FindAttribute(attr.TypeBitmap, "")
	if bm == nil {
		return nil
	}

	expected := (s.Fmb.NrBits() + 7) / 8
	actual := bm.DataSize
	if !bm.NonResident {
		actual = uint64(len(bm.Value))
	}
	if actual < expected {
		if s.Engine.Fix(problem.BitmapMftSizeMismatch, problem.Context{ActualSize: actual, ExpectedSize: expected}) {
			if !bm.NonResident {
				grown := make([]byte, expected)
				copy(grown, bm.Value)
				bm.Value = grown
				s.markRecordDirty(0)
			}
			// A non-resident $BITMAP would need its own runlist
			// extended first; this offline pass only grows the common
			// resident case (see DESIGN.md).
		}
	}

	data, err := readAttrValue(s, bm)
	if err != nil {
		return nil
	}
	if syncBitmapPages(data, s.Fmb.FindBlock) {
		return writeAttrValue(s, 0, bm, data)
	}
	return nil
}

// reconcileClusterBitmap diffs $Bitmap's $DATA against FCB page by page
// and, if any page differs, reports one ClusterBitmapMismatch for the
// whole attribute and overwrites it with FCB's content when the fix is
// accepted.
func reconcileClusterBitmap(s *Session) error {
	rec, err := s.decode(mftRecordBitmapFile)
	if err != nil && rec == nil {
		return err
	}
	data := rec.FindAttribute(attr.TypeData, "")
	if data == nil {
		return nil
	}
	buf, err := readAttrValue(s, data)
	if err != nil {
		return err
	}
	buf = append([]byte(nil), buf...)

	fcbBlock := func(bit uint64) []byte { return s.Fcb.FindBlock(types.Lcn(bit)) }
	if !syncBitmapPages(buf, fcbBlock) {
		return nil
	}
	if s.Engine.Fix(problem.ClusterBitmapMismatch, problem.Context{InodeNum: mftRecordBitmapFile, AttrType: attrTypeName(attr.TypeData)}) {
		return writeAttrValue(s, mftRecordBitmapFile, data, buf)
	}
	return nil
}

// syncBitmapPages overwrites buf with whatever findBlock(bit) returns for
// every page the buffer spans, reporting whether anything changed.
// findBlock is page-sized regardless of the bit passed in (it rounds down
// to the page it belongs to), so it is called once per page with that
// page's first bit.
func syncBitmapPages(buf []byte, findBlock func(firstBit uint64) []byte) bool {
	changed := false
	for start := 0; start < len(buf); start += bitmap.PageBytes {
		end := start + bitmap.PageBytes
		if end > len(buf) {
			end = len(buf)
		}
		want := findBlock(uint64(start) * 8)[:end-start]
		if !bytes.Equal(buf[start:end], want) {
			copy(buf[start:end], want)
			changed = true
		}
	}
	return changed
}

// writeAttrValue writes data back into a's value, resident or not,
// marking mftNo's record dirty for resident attributes (non-resident
// writes land directly on the volume through the attribute's own
// runlist).
func writeAttrValue(s *Session, mftNo uint64, a *attr.Attribute, data []byte) error {
	if !a.NonResident {
		a.Value = data
		s.markRecordDirty(mftNo)
		return nil
	}
	rl, err := a.Runlist()
	if err != nil {
		return err
	}
	stream := NewClusterStream(s.Volume, rl)
	return stream.WriteAt(0, data)
}
