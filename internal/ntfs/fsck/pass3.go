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
	"github.com/ntfsck-go/ntfsck/internal/ntfs/bitmap"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/index"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/mft"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

// mftRecordRootDir is the volume root directory's fixed MFT record
// number.
const mftRecordRootDir = 5

const indexAttrName = "$I30"

// Pass3 walks the directory tree from the volume root, marking every
// reached and validated record in Fmb. Records Pass 1 found in-use but
// that Pass 3 never reaches become Pass 4's orphan candidates.
func Pass3(s *Session) error {
	if rec, err := s.decode(mftRecordRootDir); err == nil && rec != nil {
		issues, _ := mft.Validate(rec, mft.ValidateContext{})
		for _, iss := range issues {
			s.Engine.Fix(iss.Code, iss.Ctx)
		}
	}
	s.Fmb.Set(mftRecordRootDir)
	return pass3Walk(s, mftRecordRootDir)
}

// dirIndexSource adapts a ClusterStream over a directory's
// $INDEX_ALLOCATION runlist into index.BlockSource.
type dirIndexSource struct {
	stream    *ClusterStream
	blockSize int
}

func (d *dirIndexSource) ReadIndexBlock(vcn types.Vcn) ([]byte, error) {
	return d.stream.ReadAt(int64(vcn)*int64(d.blockSize), d.blockSize)
}

func pass3Walk(s *Session, inodeNum uint64) error {
	rec, ok := s.Record(inodeNum)
	if !ok {
		var err error
		rec, err = s.decode(inodeNum)
		if err != nil || rec == nil {
			return nil
		}
	}
	if !rec.Header.InUse() || !rec.Header.IsDirectory() {
		return nil
	}

	rootAttr := rec.FindAttribute(attr.TypeIndexRoot, indexAttrName)
	if rootAttr == nil {
		rootAttr = rec.FindAttribute(attr.TypeIndexRoot, "")
	}
	if rootAttr == nil {
		s.Engine.Fix(problem.DirIrNotExist, problem.Context{InodeNum: inodeNum})
		return nil
	}
	root, err := index.DecodeRoot(rootAttr.Value)
	if err != nil {
		code := problem.DirIrNotExist
		if errors.Is(err, index.ErrZeroLengthEntry) {
			code = problem.IeZeroLength
		}
		s.Engine.Fix(code, problem.Context{InodeNum: inodeNum})
		return nil
	}
	if bad, want := root.EmptyTerminatorLength(); bad {
		if s.Engine.Fix(problem.DirEmptyIeLengthCorrupted, problem.Context{InodeNum: inodeNum}) {
			root.Entries[0].Length = want
			rootAttr.Value = index.EncodeRoot(root)
			s.markRecordDirty(inodeNum)
		}
	}

	w, bitmapData := s.loadDirectoryIndex(inodeNum, rec, root)

	visit := func(parentInode uint64, e index.Entry) error {
		return s.visitChild(parentInode, rootAttr, root, e)
	}
	return w.Walk(inodeNum, root, bitmapData, visit)
}

// loadDirectoryIndex builds the Walker and the trusted bitmap used to
// reach inodeNum's children beyond its resident $INDEX_ROOT entries. It
// pre-validates every $BITMAP-marked $INDEX_ALLOCATION block before
// handing anything to Walk: a structurally corrupt block (bad INDX magic,
// a truncated entry chain) resets the whole directory's non-resident
// index for this run (problem.DirIdxInitialize) rather than aborting the
// check - its former children are simply not reached this pass, and Pass
// 4 picks them up as orphans.
func (s *Session) loadDirectoryIndex(inodeNum uint64, rec *mft.Record, root *index.Root) (*index.Walker, []byte) {
	w := &index.Walker{SectorSize: s.SectorSize}
	if !root.HasChildren {
		return w, nil
	}

	allocAttr := rec.FindAttribute(attr.TypeIndexAllocation, indexAttrName)
	bmAttr := rec.FindAttribute(attr.TypeBitmap, indexAttrName)
	if allocAttr == nil || bmAttr == nil {
		s.Engine.Fix(problem.IaMagicCorrupted, problem.Context{InodeNum: inodeNum})
		return w, nil
	}
	allocRl, err := allocAttr.Runlist()
	if err != nil {
		s.Engine.Fix(problem.IaMagicCorrupted, problem.Context{InodeNum: inodeNum})
		return w, nil
	}
	diskBitmap, err := readAttrValue(s, bmAttr)
	if err != nil {
		s.Engine.Fix(problem.IaMagicCorrupted, problem.Context{InodeNum: inodeNum})
		return w, nil
	}
	w.Source = &dirIndexSource{
		stream:    NewClusterStream(s.Volume, allocRl),
		blockSize: int(root.IndexBlockSize),
	}

	if blocksNeeded := allocAttr.DataSize / uint64(root.IndexBlockSize); uint64(len(diskBitmap))*8 < blocksNeeded {
		s.Engine.Fix(problem.IdxBitmapSizeMismatch, problem.Context{
			InodeNum:     inodeNum,
			ActualSize:   uint64(len(diskBitmap)) * 8,
			ExpectedSize: blocksNeeded,
		})
	}

	fsckIbm, issues := w.PreValidate(inodeNum, root.Entries, diskBitmap)
	fatal := false
	for _, iss := range issues {
		s.Engine.Fix(iss.Code, iss.Ctx)
		if iss.Code == problem.IdxEntryCorrupted || iss.Code == problem.IaMagicCorrupted || iss.Code == problem.IeZeroLength {
			fatal = true
		}
	}
	if fatal {
		s.Engine.Fix(problem.DirIdxInitialize, problem.Context{InodeNum: inodeNum})
		return w, nil
	}
	return w, bitmapBytes(fsckIbm)
}

// visitChild is Pass 3's index.Visitor: it validates the child record's
// mft.Validate findings, keeps Fmb's "reached and validated" invariant by
// only marking a record visited once it has cleanly validated, and still
// re-validates (without re-marking or re-descending) an already-visited
// record reached a second time. An entry whose sequence number no longer
// matches the record it addresses is stale - most commonly a reused MFT
// slot the directory's index was never updated for - and is removed from
// the parent's resident $INDEX_ROOT; the same entry living in a
// non-resident $INDEX_ALLOCATION block is still reported and left
// unvisited (so its target still surfaces as an orphan) but not spliced
// out of its block in place.
func (s *Session) visitChild(parentInode uint64, parentRootAttr *attr.Attribute, parentRoot *index.Root, e index.Entry) error {
	ref := e.IndexedFile
	child := ref.RecordNumber()

	rec, err := s.decode(child)
	if err != nil && rec == nil {
		return nil
	}

	if rec.Header.SequenceNumber != ref.SequenceNumber() {
		s.Engine.Fix(problem.IdxEntryCorrupted, problem.Context{
			InodeNum:    child,
			ParentNum:   parentInode,
			IndexedName: indexedFileName(e),
		})
		before := len(parentRoot.Entries)
		parentRoot.Entries = index.RemoveEntry(parentRoot.Entries, ref)
		if len(parentRoot.Entries) != before {
			parentRootAttr.Value = index.EncodeRoot(parentRoot)
			s.markRecordDirty(parentInode)
		}
		return nil
	}

	alreadyVisited := s.Fmb.Get(child)
	issues, verr := mft.Validate(rec, mft.ValidateContext{
		IndexParent:   types.NewMftReference(parentInode, s.recordSeq(parentInode)),
		HasIndexEntry: true,
	})
	for _, iss := range issues {
		s.Engine.Fix(iss.Code, iss.Ctx)
	}
	if verr != nil || alreadyVisited {
		return nil
	}

	s.Fmb.Set(child)
	return pass3Walk(s, child)
}

func indexedFileName(e index.Entry) string {
	fn, err := mft.DecodeFileName(e.Key)
	if err != nil {
		return ""
	}
	return fn.Name
}

// bitmapBytes packs b's set bits back into the byte-per-8-bits form Walk
// expects, i.e. the sanitized equivalent of the on-disk $BITMAP data
// PreValidate consumed.
func bitmapBytes(b *bitmap.Bitmap) []byte {
	n := b.NrBits()
	buf := make([]byte, (n+7)/8)
	for i := uint64(0); i < n; i++ {
		if b.Get(types.BitPos(i)) {
			buf[i/8] |= 1 << (i % 8)
		}
	}
	return buf
}

// readAttrValue returns a's full value regardless of residency: resident
// attributes already hold it, non-resident ones are read through a fresh
// ClusterStream.
func readAttrValue(s *Session, a *attr.Attribute) ([]byte, error) {
	if !a.NonResident {
		return a.Value, nil
	}
	rl, err := a.Runlist()
	if err != nil {
		return nil, err
	}
	stream := NewClusterStream(s.Volume, rl)
	return stream.ReadAt(0, int(a.DataSize))
}
