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
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

func TestPass4RelinksOrphanIntoItsClaimedParent(t *testing.T) {
	vol := newTestVolume(t, 32)

	// Root directory has no entry for record 10, but record 10's own
	// $FILE_NAME claims root as its parent: Pass 4 should relink it
	// straight back in without touching lost+found.
	root := buildDirRecord(t, mftRecordRootDir, nil)
	orphanFile := buildOrphanFileRecord(t, 10, mftRecordRootDir, "found.txt")

	records := &fakeRecords{buf: [][]byte{
		nil, nil, nil, nil, nil,
		root,
		nil, nil, nil, nil,
		orphanFile,
	}}
	s := newTestSession(t, vol, 32, uint64(len(records.buf)), records)
	require.NoError(t, Pass1(s))
	require.NoError(t, Pass3(s))
	require.False(t, s.Fmb.Get(10))

	require.NoError(t, Pass4(s))

	assert.True(t, s.Fmb.Get(10))
	rootRec, ok := s.Record(mftRecordRootDir)
	require.True(t, ok)
	rootAttr := rootRec.FindAttribute(attr.TypeIndexRoot, indexAttrName)
	require.NotNil(t, rootAttr)
	decoded, err := index.DecodeRoot(rootAttr.Value)
	require.NoError(t, err)
	assert.Contains(t, index.EntryNames(decoded.Entries), "found.txt")
}

// buildOrphanFileRecord builds a non-directory, in-use MFT record whose
// only attribute is a resident $FILE_NAME claiming parentNo/name.
func buildOrphanFileRecord(t *testing.T, recordNumber, parentNo uint64, name string) []byte {
	t.Helper()
	fn := mft.FileName{
		ParentDirectory: types.NewMftReference(parentNo, 1),
		Name:            name,
	}
	rec := &mft.Record{
		RecordNumber: recordNumber,
		Header:       mft.Header{SequenceNumber: 1, LinkCount: 1, Flags: mft.FlagInUse},
		Attributes: []*attr.Attribute{
			{Type: attr.TypeFileName, Value: mft.EncodeFileName(fn)},
		},
	}
	buf, err := mft.Encode(rec, fsckTestRecordSize, fsckTestSectorSize, 1)
	require.NoError(t, err)
	return buf
}
