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
	"fmt"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/runlist"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
	"github.com/ntfsck-go/ntfsck/internal/volume"
)

// ErrRunNotContiguous is returned when a requested byte range of a
// non-resident attribute's value is not backed by a single contiguous real
// run: the checker never needs to read or write across a hole or a run
// boundary in one call, since both $MFT records and bitmap pages are
// always wholly contained within one allocation unit.
var ErrRunNotContiguous = errors.New("fsck: byte range spans a hole or run boundary")

// ClusterStream addresses a non-resident attribute's value by byte offset,
// translating through its runlist to the volume's logical cluster space.
// It backs both the $MFT record stream and the $MFT/$Bitmap bitmap
// attribute readers used by Pass 5.
type ClusterStream struct {
	vol         *volume.Volume
	rl          runlist.Runlist
	clusterSize int64
}

// NewClusterStream builds a stream over rl (already decoded from a
// non-resident attribute's mapping pairs).
func NewClusterStream(vol *volume.Volume, rl runlist.Runlist) *ClusterStream {
	return &ClusterStream{vol: vol, rl: rl, clusterSize: int64(vol.ClusterSize())}
}

func (s *ClusterStream) deviceOffset(byteOffset int64, n int) (int64, error) {
	startVcn := types.Vcn(byteOffset / s.clusterSize)
	endVcn := types.Vcn((byteOffset + int64(n) - 1) / s.clusterSize)

	lcn, kind := runlist.VcnToLcn(s.rl, startVcn)
	if kind != types.LcnReal {
		return 0, fmt.Errorf("%w: vcn %d is %s", ErrRunNotContiguous, startVcn, kind)
	}
	// Every cluster covered by [startVcn, endVcn] must be contiguous with
	// the first, i.e. lcn(vcn) == lcn(startVcn) + (vcn - startVcn).
	for vcn := startVcn + 1; vcn <= endVcn; vcn++ {
		wantLcn, wantKind := runlist.VcnToLcn(s.rl, vcn)
		if wantKind != types.LcnReal || wantLcn != lcn+types.Lcn(vcn-startVcn) {
			return 0, fmt.Errorf("%w: vcn %d", ErrRunNotContiguous, vcn)
		}
	}

	withinCluster := byteOffset % s.clusterSize
	return int64(lcn)*s.clusterSize + withinCluster, nil
}

// ReadAt reads n bytes starting at byteOffset within the attribute's value.
func (s *ClusterStream) ReadAt(byteOffset int64, n int) ([]byte, error) {
	off, err := s.deviceOffset(byteOffset, n)
	if err != nil {
		return nil, err
	}
	return s.vol.ReadAt(off, n)
}

// WriteAt writes data starting at byteOffset within the attribute's value.
func (s *ClusterStream) WriteAt(byteOffset int64, data []byte) error {
	off, err := s.deviceOffset(byteOffset, len(data))
	if err != nil {
		return err
	}
	return s.vol.WriteAt(off, data)
}

// MftStream adapts a ClusterStream over $MFT's own $DATA runlist into the
// RecordSource interface the five passes read through.
type MftStream struct {
	stream     *ClusterStream
	recordSize uint32
	nrRecords  uint64
}

// NewMftStream builds a MftStream. nrRecords is typically $MFT's $DATA
// data_size / recordSize.
func NewMftStream(vol *volume.Volume, rl runlist.Runlist, recordSize uint32, nrRecords uint64) *MftStream {
	return &MftStream{
		stream:     NewClusterStream(vol, rl),
		recordSize: recordSize,
		nrRecords:  nrRecords,
	}
}

func (m *MftStream) NrRecords() uint64 { return m.nrRecords }

func (m *MftStream) ReadRecord(mftNo uint64) ([]byte, error) {
	return m.stream.ReadAt(int64(mftNo)*int64(m.recordSize), int(m.recordSize))
}

func (m *MftStream) WriteRecord(mftNo uint64, buf []byte) error {
	if len(buf) != int(m.recordSize) {
		return fmt.Errorf("fsck: write record %d: buffer is %d bytes, want %d", mftNo, len(buf), m.recordSize)
	}
	return m.stream.WriteAt(int64(mftNo)*int64(m.recordSize), buf)
}
