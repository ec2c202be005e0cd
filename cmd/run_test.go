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

package cmd

import (
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ntfsck-go/ntfsck/cfg"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/mft"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/runlist"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
	"github.com/ntfsck-go/ntfsck/internal/volume"
)

func TestRepairModeToEngineMode(t *testing.T) {
	tests := []struct {
		in   cfg.RepairMode
		want problem.Mode
	}{
		{cfg.RepairAuto, problem.ModeAuto},
		{cfg.RepairNo, problem.ModeNo},
		{cfg.RepairAsk, problem.ModeAsk},
		{cfg.RepairYes, problem.ModeYes},
		{cfg.RepairDirtyCheckOnly, problem.ModeDirtyCheckOnly},
	}
	for _, tc := range tests {
		require.Equal(t, tc.want, repairModeToEngineMode(tc.in))
	}
}

const (
	runTestSectorSize  = 512
	runTestRecordSize  = 1024
	runTestClusterSize = 512
)

// buildMinimalDevice writes a boot sector plus 4 contiguous MFT records
// (record 0 is $MFT itself, two placeholders, then $Volume at record 3)
// starting at LCN 0, the same layout internal/ntfs/fsck's own dirty-flag
// test uses.
func buildMinimalDevice(t *testing.T, volumeInfoValue []byte) string {
	t.Helper()

	boot := make([]byte, 512)
	copy(boot[3:], "NTFS    ")
	binary.LittleEndian.PutUint16(boot[11:], runTestSectorSize)
	boot[13] = runTestClusterSize / runTestSectorSize
	binary.LittleEndian.PutUint64(boot[36:], 0) // mft_lcn
	binary.LittleEndian.PutUint64(boot[44:], 1) // mftmirr_lcn
	boot[52] = byte(int8(-10))                  // clusters_per_mft_record -> 2^10 = 1024
	binary.LittleEndian.PutUint16(boot[510:], 0xAA55)

	data := make([]byte, runTestClusterSize*64)
	copy(data, boot)

	path := filepath.Join(t.TempDir(), "device.img")
	require.NoError(t, os.WriteFile(path, data, 0o644))

	vol, err := volume.Open(path, problem.ModeAuto)
	require.NoError(t, err)
	defer vol.Close()

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
				AllocatedSize:   8 * runTestClusterSize,
				DataSize:        4 * runTestRecordSize,
				InitializedSize: 8 * runTestClusterSize,
				MappingPairs:    mp,
			},
		},
	}
	mftBuf, err := mft.Encode(mftRec, runTestRecordSize, runTestSectorSize, 1)
	require.NoError(t, err)
	require.NoError(t, vol.WriteAt(0, mftBuf))

	placeholder := func(recordNumber uint64) []byte {
		rec := &mft.Record{RecordNumber: recordNumber, Header: mft.Header{SequenceNumber: 1, LinkCount: 1, Flags: mft.FlagInUse}}
		buf, err := mft.Encode(rec, runTestRecordSize, runTestSectorSize, 1)
		require.NoError(t, err)
		return buf
	}
	require.NoError(t, vol.WriteAt(int64(runTestRecordSize), placeholder(1)))
	require.NoError(t, vol.WriteAt(2*int64(runTestRecordSize), placeholder(2)))

	volRec := &mft.Record{
		RecordNumber: 3,
		Header:       mft.Header{SequenceNumber: 1, LinkCount: 1, Flags: mft.FlagInUse},
		Attributes: []*attr.Attribute{
			{Type: attr.TypeVolumeInformation, Value: volumeInfoValue},
		},
	}
	volBuf, err := mft.Encode(volRec, runTestRecordSize, runTestSectorSize, 1)
	require.NoError(t, err)
	require.NoError(t, vol.WriteAt(3*int64(runTestRecordSize), volBuf))

	return path
}

func TestRunNtfsckDirtyCheckOnlyReportsDirty(t *testing.T) {
	flags := make([]byte, 12)
	flags[10] = 0x01
	device := buildMinimalDevice(t, flags)

	c := cfg.DefaultConfig()
	c.Device = device
	c.RepairMode = cfg.RepairDirtyCheckOnly

	exitCode, err := runNtfsck(c)

	require.NoError(t, err)
	require.Equal(t, 4, exitCode)
}

func TestRunNtfsckDirtyCheckOnlyReportsClean(t *testing.T) {
	device := buildMinimalDevice(t, make([]byte, 12))

	c := cfg.DefaultConfig()
	c.Device = device
	c.RepairMode = cfg.RepairDirtyCheckOnly

	exitCode, err := runNtfsck(c)

	require.NoError(t, err)
	require.Equal(t, 0, exitCode)
}
