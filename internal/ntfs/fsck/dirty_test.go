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

	"github.com/stretchr/testify/require"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/mft"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/runlist"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
	"github.com/ntfsck-go/ntfsck/internal/volume"
)

// layDownMftRecords writes 4 MFT records ($MFT itself, two placeholders
// and $Volume) contiguously at LCN 0, matching a $DATA runlist that also
// starts at LCN 0: record 0's bootstrap read (by byte offset, bypassing
// the runlist) and every later record's runlist-mapped read land on the
// same bytes.
func layDownMftRecords(t *testing.T, vol *volume.Volume, volumeInfoValue []byte) {
	t.Helper()
	const nrLaidDown = 4

	mp, err := runlist.Encode(runlist.Runlist{{Vcn: 0, Lcn: 0, Kind: types.LcnReal, Length: 8}}, 0, true, 0)
	require.NoError(t, err)
	mftRec := &mft.Record{
		RecordNumber: 0,
		Header:       mft.Header{SequenceNumber: 1, LinkCount: 1, Flags: mft.FlagInUse},
		Attributes: []*attr.Attribute{
			{
				Type:            attr.TypeData,
				NonResident:     true,
				LowestVcn:       0,
				HighestVcn:      7,
				AllocatedSize:   8 * fsckTestClusterSize,
				DataSize:        uint64(nrLaidDown) * fsckTestRecordSize,
				InitializedSize: 8 * fsckTestClusterSize,
				MappingPairs:    mp,
			},
		},
	}
	mftBuf, err := mft.Encode(mftRec, fsckTestRecordSize, fsckTestSectorSize, 1)
	require.NoError(t, err)
	require.NoError(t, vol.WriteAt(0, mftBuf))

	placeholder := buildSystemRecord(t, 1)
	require.NoError(t, vol.WriteAt(int64(fsckTestRecordSize), placeholder))
	require.NoError(t, vol.WriteAt(2*int64(fsckTestRecordSize), buildSystemRecord(t, 2)))

	volRec := &mft.Record{
		RecordNumber: mftRecordVolume,
		Header:       mft.Header{SequenceNumber: 1, LinkCount: 1, Flags: mft.FlagInUse},
		Attributes: []*attr.Attribute{
			{Type: attr.TypeVolumeInformation, Value: volumeInfoValue},
		},
	}
	volBuf, err := mft.Encode(volRec, fsckTestRecordSize, fsckTestSectorSize, 1)
	require.NoError(t, err)
	require.NoError(t, vol.WriteAt(3*int64(fsckTestRecordSize), volBuf))
}

func volumeInformationValue(dirty bool) []byte {
	v := make([]byte, 12)
	if dirty {
		v[10] = 0x01
	}
	return v
}

func TestVolumeDirtyReportsSetFlag(t *testing.T) {
	vol := newTestVolume(t, 32)
	layDownMftRecords(t, vol, volumeInformationValue(true))

	stream, err := OpenMftStream(vol)
	require.NoError(t, err)

	dirty, err := VolumeDirty(stream, vol.SectorSize(), vol.MftRecordSize())
	require.NoError(t, err)
	require.True(t, dirty)
}

func TestVolumeDirtyReportsClearFlag(t *testing.T) {
	vol := newTestVolume(t, 32)
	layDownMftRecords(t, vol, volumeInformationValue(false))

	stream, err := OpenMftStream(vol)
	require.NoError(t, err)

	dirty, err := VolumeDirty(stream, vol.SectorSize(), vol.MftRecordSize())
	require.NoError(t, err)
	require.False(t, dirty)
}
