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

package volume

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

// ErrReadOnly is returned by any write operation against a Volume opened
// under a read-only repair mode.
var ErrReadOnly = errors.New("volume: device opened read-only")

// Volume is an open NTFS block device: the boot sector geometry plus
// sector/cluster-addressed I/O against the underlying file or block
// special file.
type Volume struct {
	f        *os.File
	path     string
	readOnly bool
	boot     *BootSector
	size     int64
}

// readOnlyModes is the set of repair modes that open the device read-only.
func readOnlyModes(mode problem.Mode) bool {
	return mode == problem.ModeNo || mode == problem.ModeDirtyCheckOnly
}

// Open mounts path: it refuses a device mounted elsewhere in a way the
// requested repair mode could conflict with, then reads and validates the
// boot sector. The device is opened read-only for ModeNo and
// ModeDirtyCheckOnly, read-write otherwise.
func Open(path string, mode problem.Mode) (*Volume, error) {
	if err := RefuseIfMounted(path, mode); err != nil {
		return nil, err
	}

	readOnly := readOnlyModes(mode)
	flag := os.O_RDWR
	if readOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, fmt.Errorf("volume: opening %s: %w", path, err)
	}

	buf := make([]byte, bootSectorSize)
	if _, err := f.ReadAt(buf, 0); err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: reading boot sector: %w", err)
	}
	boot, err := DecodeBootSector(buf)
	if err != nil {
		f.Close()
		return nil, err
	}

	size, err := f.Seek(0, io.SeekEnd)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("volume: sizing %s: %w", path, err)
	}

	return &Volume{f: f, path: path, readOnly: readOnly, boot: boot, size: size}, nil
}

// Close releases the underlying file descriptor.
func (v *Volume) Close() error { return v.f.Close() }

// Path returns the device path this volume was opened from.
func (v *Volume) Path() string { return v.path }

// ReadOnly reports whether the device was opened read-only.
func (v *Volume) ReadOnly() bool { return v.readOnly }

// BootSector returns the decoded boot sector.
func (v *Volume) BootSector() *BootSector { return v.boot }

// SectorSize returns bytes_per_sector.
func (v *Volume) SectorSize() int { return int(v.boot.BytesPerSector) }

// ClusterSize returns the cluster size in bytes.
func (v *Volume) ClusterSize() uint32 { return v.boot.ClusterSize() }

// MftRecordSize returns the MFT record size in bytes.
func (v *Volume) MftRecordSize() uint32 { return v.boot.MftRecordSize() }

// IndexRecordSize returns the index block size in bytes.
func (v *Volume) IndexRecordSize() uint32 { return v.boot.IndexRecordSize() }

// NrClusters returns the total number of whole clusters the device holds.
func (v *Volume) NrClusters() uint64 {
	return uint64(v.size) / uint64(v.ClusterSize())
}

// ReadAt reads n bytes at byte offset off.
func (v *Volume) ReadAt(off int64, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := v.f.ReadAt(buf, off); err != nil {
		return nil, fmt.Errorf("volume: read at %d: %w", off, err)
	}
	return buf, nil
}

// WriteAt writes data at byte offset off.
func (v *Volume) WriteAt(off int64, data []byte) error {
	if v.readOnly {
		return ErrReadOnly
	}
	if _, err := v.f.WriteAt(data, off); err != nil {
		return fmt.Errorf("volume: write at %d: %w", off, err)
	}
	return nil
}

// ReadClusters reads count consecutive clusters starting at lcn.
func (v *Volume) ReadClusters(lcn types.Lcn, count int) ([]byte, error) {
	off := int64(lcn) * int64(v.ClusterSize())
	return v.ReadAt(off, count*int(v.ClusterSize()))
}

// WriteClusters writes data (a whole number of clusters) starting at lcn.
func (v *Volume) WriteClusters(lcn types.Lcn, data []byte) error {
	off := int64(lcn) * int64(v.ClusterSize())
	return v.WriteAt(off, data)
}

// ReadMftBaseRecord reads the bootstrap copy of MFT record 0, which NTFS
// guarantees sits contiguously at the boot sector's mft_lcn. Every later
// MFT record is addressed through $MFT's own runlist once that record has
// been decoded, not through this method.
func (v *Volume) ReadMftBaseRecord() ([]byte, error) {
	off := int64(v.boot.MftLcn) * int64(v.ClusterSize())
	return v.ReadAt(off, int(v.MftRecordSize()))
}
