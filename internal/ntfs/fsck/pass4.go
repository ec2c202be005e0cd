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
	"fmt"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/index"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/mft"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/orphan"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

const lostAndFoundName = "lost+found"

// Pass4 diffs the in-use set Pass 1 built against the Fmb bits Pass 3 set,
// turning every in-use record the directory walk never reached into an
// orphan candidate, then hands the batch to orphan.Reconciler. Under
// ModeNo the candidates are reported but never relinked, since the
// reconciler always performs its repair directly rather than asking first.
func Pass4(s *Session) error {
	var candidates []orphan.Candidate
	for mftNo := uint64(0); mftNo < s.Records.NrRecords(); mftNo++ {
		if !s.isInUse(mftNo) || s.Fmb.Get(mftNo) {
			continue
		}
		// Fixed system-metadata records ($MFT, $MFTMirr, $LogFile,
		// $Bitmap, ...) are addressed directly by record number, never
		// through a directory entry, so they carry no $FILE_NAME and can
		// never be orphans in the sense this pass repairs. They are still
		// legitimately in use, so Fmb must reflect that before Pass 5
		// writes it back into the on-disk $MFT bitmap, or every one of
		// them would come out looking free.
		if !s.hasFileName(mftNo) {
			s.Fmb.Set(mftNo)
			continue
		}
		candidates = append(candidates, orphan.Candidate{MftNo: mftNo, SeqNo: s.recordSeq(mftNo)})
	}
	if len(candidates) == 0 {
		return nil
	}
	for range candidates {
		s.Metrics.IncOrphans()
	}

	if s.Engine.Mode == problem.ModeNo {
		for _, c := range candidates {
			s.Engine.Fix(problem.OrphanedMftRepair, problem.Context{InodeNum: c.MftNo})
		}
		return nil
	}

	reconciler := orphan.NewReconciler(&sessionOrphanResolver{s: s})
	issues, err := reconciler.Reconcile(candidates)
	if err != nil {
		return err
	}
	for _, iss := range issues {
		s.Engine.Fix(iss.Code, iss.Ctx)
		if iss.Code == problem.OrphanedMftRepair {
			// The reconciler already wrote the new index entry; reflect
			// that the record is no longer an orphan so later passes and
			// the final metrics snapshot don't still count it as one.
			s.Fmb.Set(iss.Ctx.InodeNum)
		}
	}
	return nil
}

// sessionOrphanResolver implements orphan.Resolver against a live Session,
// reading and rewriting $FILE_NAME/$INDEX_ROOT through the same decode
// cache and dirty-record sync every other pass uses.
type sessionOrphanResolver struct {
	s *Session
}

func (r *sessionOrphanResolver) IsOrphanCandidate(mftNo uint64) bool {
	return r.s.isInUse(mftNo) && !r.s.Fmb.Get(mftNo)
}

func (r *sessionOrphanResolver) FileNames(mftNo uint64) ([]orphan.FileNameLink, error) {
	rec, err := r.s.decode(mftNo)
	if rec == nil {
		return nil, err
	}
	var links []orphan.FileNameLink
	for _, a := range rec.Attributes {
		if a.Type != attr.TypeFileName {
			continue
		}
		fn, err := mft.DecodeFileName(a.Value)
		if err != nil {
			continue
		}
		links = append(links, orphan.FileNameLink{ParentDirectory: fn.ParentDirectory, Name: fn.Name})
	}
	return links, nil
}

func (r *sessionOrphanResolver) IndexContains(parentMftNo uint64, name string) (bool, error) {
	root, _, err := r.decodeRoot(parentMftNo)
	if err != nil {
		return false, err
	}
	for _, n := range index.EntryNames(root.Entries) {
		if n == name {
			return true, nil
		}
	}
	return false, nil
}

func (r *sessionOrphanResolver) AddIndexEntry(parentMftNo uint64, name string, ref types.MftReference) error {
	root, rootAttr, err := r.decodeRoot(parentMftNo)
	if err != nil {
		return err
	}

	var fileAttrs uint32
	if childRec, _ := r.s.decode(ref.RecordNumber()); childRec != nil && childRec.Header.IsDirectory() {
		fileAttrs = mft.FileAttributeDirectory
	}
	fn := mft.FileName{
		ParentDirectory: types.NewMftReference(parentMftNo, r.s.recordSeq(parentMftNo)),
		FileAttributes:  fileAttrs,
		Name:            name,
	}
	root.Entries = index.InsertBeforeTerminator(root.Entries, index.NewFileNameEntry(ref, fn))
	rootAttr.Value = index.EncodeRoot(root)
	r.s.markRecordDirty(parentMftNo)
	return nil
}

func (r *sessionOrphanResolver) SetLinkCount(mftNo uint64, count uint16) error {
	rec, err := r.s.decode(mftNo)
	if err != nil || rec == nil {
		return err
	}
	rec.Header.LinkCount = count
	r.s.markRecordDirty(mftNo)
	return nil
}

func (r *sessionOrphanResolver) ClearFmb(mftNo uint64) error {
	r.s.Fmb.Clear(mftNo)
	return nil
}

// LostAndFoundMftNo returns the record number of the volume's lost+found
// directory, reusing an existing one named under the root directory or
// creating one in a free MFT record slot. It never grows $MFT: an offline
// repair run that finds no free slot at all reports the failure instead of
// resizing $MFT's own data attribute.
func (r *sessionOrphanResolver) LostAndFoundMftNo() (uint64, error) {
	s := r.s
	if s.haveLostFound {
		return s.lostFoundMftNo, nil
	}

	if mftNo, ok, err := r.findLostAndFound(); err != nil {
		return 0, err
	} else if ok {
		s.lostFoundMftNo = mftNo
		s.haveLostFound = true
		return mftNo, nil
	}

	mftNo, err := r.createLostAndFound()
	if err != nil {
		return 0, err
	}
	s.lostFoundMftNo = mftNo
	s.haveLostFound = true
	return mftNo, nil
}

func (r *sessionOrphanResolver) findLostAndFound() (uint64, bool, error) {
	root, _, err := r.decodeRoot(mftRecordRootDir)
	if err != nil {
		return 0, false, err
	}
	for _, e := range root.Entries {
		if e.IsEnd {
			continue
		}
		fn, err := mft.DecodeFileName(e.Key)
		if err != nil || fn.Name != lostAndFoundName || !fn.IsDirectory() {
			continue
		}
		return e.IndexedFile.RecordNumber(), true, nil
	}
	return 0, false, nil
}

func (r *sessionOrphanResolver) createLostAndFound() (uint64, error) {
	s := r.s
	var freeMftNo uint64
	found := false
	for mftNo := uint64(mftRecordRootDir + 1); mftNo < s.Records.NrRecords(); mftNo++ {
		if !s.isInUse(mftNo) {
			freeMftNo = mftNo
			found = true
			break
		}
	}
	if !found {
		return 0, fmt.Errorf("fsck: no free mft record slot for lost+found")
	}

	root := &index.Root{
		AttrType:       uint32(attr.TypeFileName),
		CollationRule:  1,
		IndexBlockSize: index.NTFSBlockSize,
		Entries:        []index.Entry{{IsEnd: true}},
	}
	rec := &mft.Record{
		RecordNumber: freeMftNo,
		Header:       mft.Header{SequenceNumber: 1, LinkCount: 1, Flags: mft.FlagInUse | mft.FlagIsDirectory},
		Attributes: []*attr.Attribute{
			{Type: attr.TypeIndexRoot, Name: indexAttrName, Value: index.EncodeRoot(root)},
		},
	}
	s.cache[freeMftNo] = rec
	s.markInUse(freeMftNo)
	s.Fmb.Set(freeMftNo)
	s.markRecordDirty(freeMftNo)

	if err := r.AddIndexEntry(mftRecordRootDir, lostAndFoundName, types.NewMftReference(freeMftNo, 1)); err != nil {
		return 0, err
	}
	return freeMftNo, nil
}

// decodeRoot returns a directory's decoded $INDEX_ROOT value and the
// attribute backing it, so callers can mutate the value and write it back
// through the same pointer.
func (r *sessionOrphanResolver) decodeRoot(mftNo uint64) (*index.Root, *attr.Attribute, error) {
	rec, err := r.s.decode(mftNo)
	if err != nil && rec == nil {
		return nil, nil, err
	}
	a := rec.FindAttribute(attr.TypeIndexRoot, indexAttrName)
	if a == nil {
		a = rec.FindAttribute(attr.TypeIndexRoot, "")
	}
	if a == nil {
		return nil, nil, fmt.Errorf("fsck: inode %d has no $INDEX_ROOT", mftNo)
	}
	root, err := index.DecodeRoot(a.Value)
	if err != nil {
		return nil, nil, err
	}
	return root, a, nil
}
