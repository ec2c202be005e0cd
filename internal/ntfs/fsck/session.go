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

// Package fsck implements the check-session context and the five-pass
// driver: the top-level object every pass mutates, and the pass sequence
// itself (MFT scan, system-file checks, directory tree walk, orphan
// reconciliation, bitmap reconciliation).
//
// Grounded on src/ntfsck.c's top-level pass sequence in the original C
// fsck and the explicit "check-session context" design note this repo's
// specification calls for.
package fsck

import (
	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/bitmap"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/mft"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/volume"
)

// RecordSource reads and writes one MFT record at a time, already sized to
// the volume's mft_record_size and positioned via $MFT's own data runlist.
type RecordSource interface {
	NrRecords() uint64
	ReadRecord(mftNo uint64) ([]byte, error)
	WriteRecord(mftNo uint64, buf []byte) error
}

// MetricsSink receives the counters a check session accumulates. Defined
// locally so this package never has to import a concrete metrics backend;
// internal/metrics's Collector satisfies it.
type MetricsSink interface {
	SetClusterCounts(total, used uint64)
	IncOrphans()
	SetErrorFixCounts(errors, fixes int)
}

type noopMetrics struct{}

func (noopMetrics) SetClusterCounts(uint64, uint64) {}
func (noopMetrics) IncOrphans()                     {}
func (noopMetrics) SetErrorFixCounts(int, int)      {}

// Session is the explicit check-session context every pass mutates: the
// open volume, the $MFT record stream, the two fsck bitmaps, a
// decoded-record cache, and the problem engine driving repair decisions.
type Session struct {
	Volume  *volume.Volume
	Records RecordSource
	Engine  *problem.Engine
	Metrics MetricsSink

	SectorSize    int
	MftRecordSize uint32

	Fcb *bitmap.Fcb // cluster allocation, refined pass over pass
	Fmb *bitmap.Fmb // which MFT records Pass 3 has reached and validated

	cache map[uint64]*mft.Record
	inUse map[uint64]bool

	dirty   map[uint64]bool
	nextUsn uint16

	lostFoundMftNo uint64
	haveLostFound  bool
}

// NewSession builds a Session over vol and records, sizing the two fsck
// bitmaps for nrClusters clusters and nrRecords MFT record slots.
func NewSession(vol *volume.Volume, records RecordSource, engine *problem.Engine, nrClusters, nrRecords uint64) *Session {
	fmb := bitmap.NewFmb(nrRecords)
	return &Session{
		Volume:        vol,
		Records:       records,
		Engine:        engine,
		Metrics:       noopMetrics{},
		SectorSize:    vol.SectorSize(),
		MftRecordSize: vol.MftRecordSize(),
		Fcb:           bitmap.NewFcb(nrClusters),
		Fmb:           fmb,
		cache:         make(map[uint64]*mft.Record),
		inUse:         make(map[uint64]bool),
		dirty:         make(map[uint64]bool),
		nextUsn:       1,
	}
}

// decode reads and decodes mftNo once, caching the result for the rest of
// the session. A non-nil Record alongside a non-nil error means the
// header parsed but attribute decoding hit a structural problem; callers
// decide whether the record is still usable.
func (s *Session) decode(mftNo uint64) (*mft.Record, error) {
	if rec, ok := s.cache[mftNo]; ok {
		return rec, nil
	}
	buf, err := s.Records.ReadRecord(mftNo)
	if err != nil {
		return nil, err
	}
	rec, err := mft.Decode(buf, mftNo, s.SectorSize, s.MftRecordSize)
	if rec != nil {
		s.cache[mftNo] = rec
	}
	return rec, err
}

// Record returns the cached decoded record for mftNo, if Pass 1 or a later
// pass has already decoded it.
func (s *Session) Record(mftNo uint64) (*mft.Record, bool) {
	rec, ok := s.cache[mftNo]
	return rec, ok
}

// recordSeq returns mftNo's header sequence number, or 0 if it can't be
// decoded (used to build MftReferences for newly written index entries).
func (s *Session) recordSeq(mftNo uint64) uint16 {
	rec, err := s.decode(mftNo)
	if err != nil || rec == nil {
		return 0
	}
	return rec.Header.SequenceNumber
}

// hasFileName reports whether mftNo's cached record carries at least one
// $FILE_NAME attribute, i.e. whether it is addressed through the
// namespace at all rather than by fixed record number.
func (s *Session) hasFileName(mftNo uint64) bool {
	rec, ok := s.cache[mftNo]
	if !ok || rec == nil {
		return false
	}
	return rec.FindAttribute(attr.TypeFileName, "") != nil
}

// markInUse records that Pass 1 found mftNo's header flagged in-use; Pass
// 4 diffs this set against Fmb to build the orphan-candidate list.
func (s *Session) markInUse(mftNo uint64) { s.inUse[mftNo] = true }

func (s *Session) isInUse(mftNo uint64) bool { return s.inUse[mftNo] }

// markRecordDirty flags mftNo as needing a re-encode and write-back before
// the session closes, per the dirty-record sync lifecycle: a relocation
// only rewrites an attribute's mapping pairs in memory, the owning record
// is rewritten in one batch by SyncDirtyRecords.
func (s *Session) markRecordDirty(mftNo uint64) { s.dirty[mftNo] = true }

// SyncDirtyRecords re-encodes and writes back every MFT record any pass
// marked dirty (Pass 1 cluster relocations, Pass 3 index repairs, Pass 4
// relinks and link-count updates, Pass 5 resident bitmap writes). Safe to
// call multiple times; a record already synced is removed from the dirty
// set.
func (s *Session) SyncDirtyRecords() error {
	for mftNo := range s.dirty {
		rec, ok := s.cache[mftNo]
		if !ok {
			delete(s.dirty, mftNo)
			continue
		}
		s.nextUsn++
		buf, err := mft.Encode(rec, s.MftRecordSize, s.SectorSize, s.nextUsn)
		if err != nil {
			return err
		}
		if err := s.Records.WriteRecord(mftNo, buf); err != nil {
			return err
		}
		delete(s.dirty, mftNo)
	}
	return nil
}
