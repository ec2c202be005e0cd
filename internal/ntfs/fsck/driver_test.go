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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/index"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/mft"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/runlist"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

// fakeMetrics records the final counters Run reports, standing in for
// internal/metrics's real Collector.
type fakeMetrics struct {
	clusterTotal, clusterUsed uint64
	orphans                   int
	errors, fixes             int
}

func (m *fakeMetrics) SetClusterCounts(total, used uint64) {
	m.clusterTotal, m.clusterUsed = total, used
}
func (m *fakeMetrics) IncOrphans() { m.orphans++ }
func (m *fakeMetrics) SetErrorFixCounts(errors, fixes int) {
	m.errors, m.fixes = errors, fixes
}

// buildSystemRecord builds an in-use MFT record with no attributes at all,
// standing in for a system file this test doesn't otherwise exercise.
func buildSystemRecord(t *testing.T, recordNumber uint64) []byte {
	t.Helper()
	rec := &mft.Record{
		RecordNumber: recordNumber,
		Header:       mft.Header{SequenceNumber: 1, LinkCount: 1, Flags: mft.FlagInUse},
	}
	buf, err := mft.Encode(rec, fsckTestRecordSize, fsckTestSectorSize, 1)
	require.NoError(t, err)
	return buf
}

// buildFreeRecord builds a valid but not-in-use record, standing in for an
// unallocated MFT slot.
func buildFreeRecord(t *testing.T, recordNumber uint64) []byte {
	t.Helper()
	rec := &mft.Record{RecordNumber: recordNumber, Header: mft.Header{SequenceNumber: 1}}
	buf, err := mft.Encode(rec, fsckTestRecordSize, fsckTestSectorSize, 1)
	require.NoError(t, err)
	return buf
}

// buildFileRecordWithData builds an in-use, non-directory record carrying
// both a resident $FILE_NAME and a non-resident single-run $DATA
// attribute, so Pass 1 has a real cluster run to claim.
func buildFileRecordWithData(t *testing.T, recordNumber, parentNo uint64, name string, lcn types.Lcn, length int64) []byte {
	t.Helper()
	mp, err := runlist.Encode(runlist.Runlist{{Vcn: 0, Lcn: lcn, Kind: types.LcnReal, Length: length}}, 0, true, 0)
	require.NoError(t, err)
	fn := mft.FileName{ParentDirectory: types.NewMftReference(parentNo, 1), Name: name}
	rec := &mft.Record{
		RecordNumber: recordNumber,
		Header:       mft.Header{SequenceNumber: 1, LinkCount: 1, Flags: mft.FlagInUse},
		Attributes: []*attr.Attribute{
			{Type: attr.TypeFileName, Value: mft.EncodeFileName(fn)},
			{
				Type:            attr.TypeData,
				NonResident:     true,
				LowestVcn:       0,
				HighestVcn:      types.Vcn(length - 1),
				AllocatedSize:   uint64(length) * fsckTestClusterSize,
				DataSize:        uint64(length) * fsckTestClusterSize,
				InitializedSize: uint64(length) * fsckTestClusterSize,
				MappingPairs:    mp,
			},
		},
	}
	buf, err := mft.Encode(rec, fsckTestRecordSize, fsckTestSectorSize, 1)
	require.NoError(t, err)
	return buf
}

// TestRunDrivesAllFivePasses builds an 11-record volume exercising every
// pass at once: $MFT/$MFTMirr/$LogFile/$Bitmap system records with no
// $FILE_NAME, three free slots, a root directory with a reachable file and
// subdirectory, and one genuine orphan the directory walk never reaches.
// It asserts the orphan is relinked and that both fsck bitmaps are synced
// back into their on-disk attributes, then re-decodes every dirty record
// from the fake record store to confirm the write-back round-trips.
func TestRunDrivesAllFivePasses(t *testing.T) {
	vol := newTestVolume(t, 32)

	root := buildDirRecord(t, mftRecordRootDir, []index.Entry{
		fileNameEntry(t, 10, "file.txt", false),
		fileNameEntry(t, 8, "subdir", true),
	})

	records := &fakeRecords{buf: [][]byte{
		buildResidentAttrRecord(t, 0, attr.TypeBitmap, "", []byte{0xFF, 0xFF}), // $MFT
		buildSystemRecord(t, 1),                                                // $MFTMirr
		buildSystemRecord(t, 2),                                                // $LogFile
		buildFreeRecord(t, 3),
		buildFreeRecord(t, 4),
		root, // 5: root directory
		buildResidentAttrRecord(t, 6, attr.TypeData, "", []byte{0xFF, 0xFF, 0xFF, 0xFF}), // $Bitmap
		buildOrphanFileRecord(t, 7, mftRecordRootDir, "orphan.txt"),
		buildDirRecord(t, 8, nil), // subdir
		buildFreeRecord(t, 9),
		buildFileRecordWithData(t, 10, mftRecordRootDir, "file.txt", types.Lcn(28), 1),
	}}

	mirrOffset := int64(vol.BootSector().MftMirrLcn) * int64(vol.ClusterSize())
	for i, buf := range records.buf {
		require.NoError(t, vol.WriteAt(mirrOffset+int64(i)*int64(fsckTestRecordSize), buf))
	}

	s := newTestSession(t, vol, 32, uint64(len(records.buf)), records)
	metrics := &fakeMetrics{}
	s.Metrics = metrics

	require.NoError(t, Run(s, RunOptions{}))

	// The orphan was relinked into root under its claimed name.
	assert.True(t, s.Fmb.Get(7))
	rootRec, ok := s.Record(mftRecordRootDir)
	require.True(t, ok)
	rootAttr := rootRec.FindAttribute(attr.TypeIndexRoot, indexAttrName)
	require.NotNil(t, rootAttr)
	decoded, err := index.DecodeRoot(rootAttr.Value)
	require.NoError(t, err)
	assert.Contains(t, index.EntryNames(decoded.Entries), "orphan.txt")

	// System records are marked validated without being treated as
	// orphans, and the three free slots are not.
	assert.True(t, s.Fmb.Get(0))
	assert.True(t, s.Fmb.Get(1))
	assert.True(t, s.Fmb.Get(2))
	assert.True(t, s.Fmb.Get(6))
	assert.False(t, s.Fmb.Get(3))
	assert.False(t, s.Fmb.Get(4))
	assert.False(t, s.Fmb.Get(9))

	// $MFT's own $BITMAP now reflects every validated record: bits 0-2
	// (system), 5 (root), 6 ($Bitmap), 7 (relinked orphan), 8 (subdir),
	// 10 (file) set; bits 3, 4, 9 (free slots) clear.
	mftRec, ok := s.Record(0)
	require.True(t, ok)
	mftBitmap := mftRec.FindAttribute(attr.TypeBitmap, "")
	require.NotNil(t, mftBitmap)
	assert.Equal(t, []byte{0xE7, 0x05}, mftBitmap.Value)

	// $Bitmap's $DATA reflects the one real cluster run Pass 1 claimed
	// for record 10's $DATA attribute (LCN 28 only).
	bitmapRec, ok := s.Record(mftRecordBitmapFile)
	require.True(t, ok)
	clusterBitmap := bitmapRec.FindAttribute(attr.TypeData, "")
	require.NotNil(t, clusterBitmap)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x10}, clusterBitmap.Value)

	// Metrics reflect the run: one orphan found, and the final
	// error/fix tally matches the engine's own counters.
	assert.Equal(t, 1, metrics.orphans)
	assert.Equal(t, uint64(32), metrics.clusterTotal)
	assert.Equal(t, uint64(1), metrics.clusterUsed)
	assert.Equal(t, s.Engine.Errors(), metrics.errors)
	assert.Equal(t, s.Engine.Fixes(), metrics.fixes)

	// The relinked root directory and the repaired $Bitmap survive a
	// fresh decode straight from the record store SyncDirtyRecords wrote
	// back to, not just the in-memory cache.
	rawRoot, err := records.ReadRecord(mftRecordRootDir)
	require.NoError(t, err)
	redecodedRoot, err := mft.Decode(rawRoot, mftRecordRootDir, fsckTestSectorSize, fsckTestRecordSize)
	require.NoError(t, err)
	redecodedRootAttr := redecodedRoot.FindAttribute(attr.TypeIndexRoot, indexAttrName)
	require.NotNil(t, redecodedRootAttr)
	redecodedIndex, err := index.DecodeRoot(redecodedRootAttr.Value)
	require.NoError(t, err)
	assert.Contains(t, index.EntryNames(redecodedIndex.Entries), "orphan.txt")

	rawBitmap, err := records.ReadRecord(mftRecordBitmapFile)
	require.NoError(t, err)
	redecodedBitmap, err := mft.Decode(rawBitmap, mftRecordBitmapFile, fsckTestSectorSize, fsckTestRecordSize)
	require.NoError(t, err)
	redecodedBitmapAttr := redecodedBitmap.FindAttribute(attr.TypeData, "")
	require.NotNil(t, redecodedBitmapAttr)
	assert.Equal(t, []byte{0x00, 0x00, 0x00, 0x10}, redecodedBitmapAttr.Value)
}
