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
	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
)

// nrSystemRecords is the number of fixed system-file MFT slots ($MFT
// through $Extend and its reserved follow-ons) that $MFTMirr backs up.
const nrSystemRecords = 16

// mftRecordLogFile is $LogFile's fixed MFT record number.
const mftRecordLogFile = 2

// Pass2 cross-checks the system-file records against their $MFTMirr
// backup and resets $LogFile so no journal replay is attempted against a
// volume this tool has just repaired out from under the journal.
func Pass2(s *Session) error {
	if err := checkMftMirr(s); err != nil {
		return err
	}
	return resetLogFile(s)
}

func checkMftMirr(s *Session) error {
	n := uint64(nrSystemRecords)
	if s.Records.NrRecords() < n {
		n = s.Records.NrRecords()
	}

	mirrOffset := int64(s.Volume.BootSector().MftMirrLcn) * int64(s.Volume.ClusterSize())
	mirrSize := int(s.MftRecordSize) * int(n)
	mirrBuf, err := s.Volume.ReadAt(mirrOffset, mirrSize)
	if err != nil {
		return err
	}

	for i := uint64(0); i < n; i++ {
		mftBuf, err := s.Records.ReadRecord(i)
		if err != nil {
			continue
		}
		start := int(i) * int(s.MftRecordSize)
		mirrRec := mirrBuf[start : start+int(s.MftRecordSize)]
		if bytes.Equal(mftBuf, mirrRec) {
			continue
		}
		if s.Engine.Fix(problem.MountMftMftmirrMismatch, problem.Context{InodeNum: i}) {
			if err := s.Volume.WriteAt(mirrOffset+int64(start), mftBuf); err != nil {
				return err
			}
		}
	}
	return nil
}

// resetLogFile zero-fills $LogFile's data so Windows replays no
// outstanding journal transactions against a volume this run may have
// already repaired. Resident $LogFile attributes (legal but unusual)
// are left untouched: there is no journal content worth replaying in
// the handful of bytes a resident $DATA attribute could hold.
func resetLogFile(s *Session) error {
	rec, err := s.decode(mftRecordLogFile)
	if err != nil || rec == nil {
		return nil
	}
	data := rec.FindAttribute(attr.TypeData, "")
	if data == nil || !data.NonResident {
		return nil
	}
	if !s.Engine.Fix(problem.ResetLogFile, problem.Context{InodeNum: mftRecordLogFile}) {
		return nil
	}

	rl, err := data.Runlist()
	if err != nil {
		return nil
	}
	stream := NewClusterStream(s.Volume, rl)
	zero := make([]byte, s.Volume.ClusterSize())
	remaining := int64(data.DataSize)
	var off int64
	for remaining > 0 {
		n := int64(len(zero))
		if n > remaining {
			n = remaining
		}
		if err := stream.WriteAt(off, zero[:n]); err != nil {
			return err
		}
		off += n
		remaining -= n
	}
	return nil
}
