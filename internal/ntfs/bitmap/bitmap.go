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

// Package bitmap implements the fsck cluster bitmap (FCB) and fsck MFT
// bitmap (FMB): the two in-memory sparse bitmaps every check pass mutates
// and reconciles against their on-disk counterparts.
//
// Grounded on include/fsck.h's ntfs_fsck_set_mftbmp_value /
// ntfs_fsck_mftbmp_get / ntfs_fsck_set_lcnbmp_range /
// ntfs_fsck_find_lcnbmp_block function set in the original C fsck.
package bitmap

import (
	"github.com/ntfsck-go/ntfsck/internal/ntfs/runlist"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

// PageBits is the number of bits held by one lazily-allocated bitmap page:
// NTFS_BUF_SIZE (8 KiB) of bytes, 8 bits each.
const (
	PageBytes = 8192
	PageBits  = PageBytes * 8
)

// Bitmap is a sparse, page-allocated bit array shared by Fcb and Fmb. A
// page is allocated (zero-filled) the first time any bit inside it is set;
// reading a bit in an unallocated page returns false without allocating.
type Bitmap struct {
	pages  map[types.PageIdx][]byte
	nrBits uint64
}

// New creates a Bitmap sized to hold nrBits bits, no pages yet allocated.
func New(nrBits uint64) *Bitmap {
	return &Bitmap{pages: make(map[types.PageIdx][]byte), nrBits: nrBits}
}

// NrBits returns the logical size of the bitmap.
func (b *Bitmap) NrBits() uint64 { return b.nrBits }

func pageOf(pos types.BitPos) (types.PageIdx, int) {
	page := types.PageIdx(uint64(pos) / PageBits)
	offset := int(uint64(pos) % PageBits)
	return page, offset
}

func (b *Bitmap) page(idx types.PageIdx, allocate bool) []byte {
	p, ok := b.pages[idx]
	if !ok {
		if !allocate {
			return nil
		}
		p = make([]byte, PageBytes)
		b.pages[idx] = p
	}
	return p
}

// Get reports whether the bit at pos is set.
func (b *Bitmap) Get(pos types.BitPos) bool {
	idx, offset := pageOf(pos)
	p := b.page(idx, false)
	if p == nil {
		return false
	}
	return p[offset/8]&(1<<uint(offset%8)) != 0
}

// Set sets the bit at pos to 1, allocating its page if necessary.
func (b *Bitmap) Set(pos types.BitPos) {
	idx, offset := pageOf(pos)
	p := b.page(idx, true)
	p[offset/8] |= 1 << uint(offset%8)
}

// Clear sets the bit at pos to 0. If the page was never allocated this is
// a no-op (an unallocated page already reads as all zero).
func (b *Bitmap) Clear(pos types.BitPos) {
	idx, offset := pageOf(pos)
	p := b.page(idx, false)
	if p == nil {
		return
	}
	p[offset/8] &^= 1 << uint(offset%8)
}

// TestAndSet sets the bit at pos to 1 and returns its previous value.
func (b *Bitmap) TestAndSet(pos types.BitPos) bool {
	old := b.Get(pos)
	b.Set(pos)
	return old
}

// SetRange sets or clears `length` consecutive bits starting at start.
func (b *Bitmap) SetRange(start types.BitPos, length int64, val bool) {
	for i := int64(0); i < length; i++ {
		pos := start + types.BitPos(i)
		if val {
			b.Set(pos)
		} else {
			b.Clear(pos)
		}
	}
}

// FindBlock returns the raw bytes of the page containing pos, allocating
// it (zero-filled) if necessary. Callers use this to diff the in-memory
// bitmap against an on-disk bitmap page-by-page.
func (b *Bitmap) FindBlock(pos types.BitPos) []byte {
	idx, _ := pageOf(pos)
	return b.page(idx, true)
}

// Fmb is the fsck MFT bitmap: one bit per MFT record, set once a record
// has been traversed and validated.
type Fmb struct {
	bm *Bitmap
}

// NewFmb creates an Fmb sized for nrRecords MFT records.
func NewFmb(nrRecords uint64) *Fmb {
	return &Fmb{bm: New(nrRecords)}
}

// Set marks mftNo as traversed and validated.
func (f *Fmb) Set(mftNo uint64) { f.bm.Set(types.BitPos(mftNo)) }

// Clear un-marks mftNo, used when a structural error rolls back a partial
// traversal.
func (f *Fmb) Clear(mftNo uint64) { f.bm.Clear(types.BitPos(mftNo)) }

// Get reports whether mftNo has been traversed and validated.
func (f *Fmb) Get(mftNo uint64) bool { return f.bm.Get(types.BitPos(mftNo)) }

// FindBlock returns the page of bits containing mftNo, for diffing against
// the on-disk $MFT bitmap.
func (f *Fmb) FindBlock(mftNo uint64) []byte { return f.bm.FindBlock(types.BitPos(mftNo)) }

// NrBits returns the number of MFT records this Fmb was sized for.
func (f *Fmb) NrBits() uint64 { return f.bm.NrBits() }

// CountSet returns the number of set bits across every allocated page. An
// unallocated page contributes nothing, since it reads as all zero.
func (b *Bitmap) CountSet() uint64 {
	var n uint64
	for _, p := range b.pages {
		for _, byt := range p {
			n += uint64(popcount(byt))
		}
	}
	return n
}

func popcount(b byte) int {
	n := 0
	for b != 0 {
		n += int(b & 1)
		b >>= 1
	}
	return n
}

// Fcb is the fsck cluster bitmap: one bit per cluster, set when some
// attribute's runlist claims that cluster.
type Fcb struct {
	bm         *Bitmap
	nrClusters uint64
}

// NewFcb creates an Fcb sized for nrClusters clusters.
func NewFcb(nrClusters uint64) *Fcb {
	return &Fcb{bm: New(nrClusters), nrClusters: nrClusters}
}

// Set marks lcn as allocated.
func (f *Fcb) Set(lcn types.Lcn) { f.bm.Set(types.BitPos(lcn)) }

// Clear marks lcn as free.
func (f *Fcb) Clear(lcn types.Lcn) { f.bm.Clear(types.BitPos(lcn)) }

// Get reports whether lcn is marked allocated.
func (f *Fcb) Get(lcn types.Lcn) bool { return f.bm.Get(types.BitPos(lcn)) }

// SetRange sets or clears `length` consecutive clusters starting at lcn.
func (f *Fcb) SetRange(lcn types.Lcn, length int64, val bool) {
	f.bm.SetRange(types.BitPos(lcn), length, val)
}

// NrClusters returns the volume's cluster count this Fcb was sized for.
func (f *Fcb) NrClusters() uint64 { return f.nrClusters }

// NrUsed returns the number of clusters currently marked allocated.
func (f *Fcb) NrUsed() uint64 { return f.bm.CountSet() }

// FindBlock returns the page of bits containing lcn. The last (partially
// populated) page has bits beyond nrClusters-1 forced to 1, matching
// NTFS's convention that the tail of the on-disk cluster bitmap reads as
// allocated past the end of the volume.
func (f *Fcb) FindBlock(lcn types.Lcn) []byte {
	p := f.bm.FindBlock(types.BitPos(lcn))
	idx, _ := pageOf(types.BitPos(lcn))
	lastIdx := types.PageIdx((f.nrClusters - 1) / PageBits)
	if idx != lastIdx {
		return p
	}
	firstUnusedBit := f.nrClusters % PageBits
	if firstUnusedBit == 0 {
		return p
	}
	out := make([]byte, len(p))
	copy(out, p)
	for bit := firstUnusedBit; bit < PageBits; bit++ {
		out[bit/8] |= 1 << uint(bit%8)
	}
	return out
}

// CheckAndSetRange performs a test-and-set over every cluster described by
// elem (which must be a real, non-hole run), and returns a runlist
// describing whichever sub-ranges were already set - i.e. duplicate
// cluster claims. A nil return means no collisions were found. See
// ntfs_fsck_check_and_set_lcnbmp in the original C fsck.
func (f *Fcb) CheckAndSetRange(elem runlist.Element) (runlist.Runlist, error) {
	if elem.Kind != types.LcnReal {
		return nil, nil
	}

	var dup runlist.Runlist
	var cur *runlist.Element
	flush := func() {
		if cur != nil {
			dup = append(dup, *cur)
			cur = nil
		}
	}

	for i := int64(0); i < elem.Length; i++ {
		lcn := elem.Lcn + types.Lcn(i)
		vcn := elem.Vcn + types.Vcn(i)
		wasSet := f.bm.TestAndSet(types.BitPos(lcn))
		if !wasSet {
			flush()
			continue
		}
		if cur != nil && cur.Lcn+types.Lcn(cur.Length) == lcn {
			cur.Length++
			continue
		}
		flush()
		cur = &runlist.Element{Vcn: vcn, Kind: types.LcnReal, Lcn: lcn, Length: 1}
	}
	flush()

	if dup == nil {
		return nil, nil
	}
	last := dup[len(dup)-1]
	dup = append(dup, runlist.Element{Vcn: last.Vcn + types.Vcn(last.Length), Kind: types.LcnEnoent})
	return dup, nil
}
