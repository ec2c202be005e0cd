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

// Package volume is the block-device abstraction the checker mounts: boot
// sector geometry parsing, sector/cluster-granularity reads and writes, and
// the shared-access refusal policy that keeps ntfsck off a device another
// process already has open read-write.
package volume

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

const bootSectorSize = 512

const (
	offOEMID                  = 3
	offBytesPerSector         = 11
	offSectorsPerCluster      = 13
	offMftLcn                 = 36
	offMftMirrLcn             = 44
	offClustersPerMftRecord   = 52
	offClustersPerIndexRecord = 56
	offVolumeSerialNumber     = 60
	offEndOfSectorMarker      = 510
)

var (
	// ErrBootSectorInvalid means the device's first sector isn't a
	// recognizable NTFS boot sector.
	ErrBootSectorInvalid = errors.New("volume: invalid boot sector")
	// ErrBadSectorSize means bytes_per_sector isn't one of NTFS's four
	// legal values.
	ErrBadSectorSize = errors.New("volume: bytes_per_sector is not 512/1024/2048/4096")
)

// BootSector is the decoded NTFS boot sector: the volume geometry every
// other on-disk structure is interpreted against.
type BootSector struct {
	BytesPerSector         uint16
	SectorsPerCluster      uint8
	MftLcn                 types.Lcn
	MftMirrLcn             types.Lcn
	ClustersPerMftRecord   int8
	ClustersPerIndexRecord int8
	VolumeSerialNumber     uint64
}

var legalSectorSizes = map[uint16]bool{512: true, 1024: true, 2048: true, 4096: true}

// DecodeBootSector parses buf (at least 512 bytes) as an NTFS boot sector.
func DecodeBootSector(buf []byte) (*BootSector, error) {
	if len(buf) < bootSectorSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrBootSectorInvalid, len(buf))
	}
	if string(buf[offOEMID:offOEMID+8]) != "NTFS    " {
		return nil, fmt.Errorf("%w: oem_id %q", ErrBootSectorInvalid, buf[offOEMID:offOEMID+8])
	}
	if marker := binary.LittleEndian.Uint16(buf[offEndOfSectorMarker:]); marker != 0xAA55 {
		return nil, fmt.Errorf("%w: end_of_sector_marker=%#x", ErrBootSectorInvalid, marker)
	}

	b := &BootSector{
		BytesPerSector:         binary.LittleEndian.Uint16(buf[offBytesPerSector:]),
		SectorsPerCluster:      buf[offSectorsPerCluster],
		MftLcn:                 types.Lcn(int64(binary.LittleEndian.Uint64(buf[offMftLcn:]))),
		MftMirrLcn:             types.Lcn(int64(binary.LittleEndian.Uint64(buf[offMftMirrLcn:]))),
		ClustersPerMftRecord:   int8(buf[offClustersPerMftRecord]),
		ClustersPerIndexRecord: int8(buf[offClustersPerIndexRecord]),
		VolumeSerialNumber:     binary.LittleEndian.Uint64(buf[offVolumeSerialNumber:]),
	}
	if !legalSectorSizes[b.BytesPerSector] {
		return nil, fmt.Errorf("%w: got %d", ErrBadSectorSize, b.BytesPerSector)
	}
	if b.SectorsPerCluster == 0 {
		return nil, fmt.Errorf("%w: sectors_per_cluster is zero", ErrBootSectorInvalid)
	}
	return b, nil
}

// ClusterSize returns the volume's cluster size in bytes.
func (b *BootSector) ClusterSize() uint32 {
	return uint32(b.BytesPerSector) * uint32(b.SectorsPerCluster)
}

// MftRecordSize returns the size in bytes of one MFT record. A negative
// clusters_per_mft_record is a log2 byte size rather than a cluster count.
func (b *BootSector) MftRecordSize() uint32 {
	return recordSize(b.ClustersPerMftRecord, b.ClusterSize())
}

// IndexRecordSize returns the size in bytes of one index block, using the
// same negative-means-log2-bytes convention as MftRecordSize.
func (b *BootSector) IndexRecordSize() uint32 {
	return recordSize(b.ClustersPerIndexRecord, b.ClusterSize())
}

func recordSize(clustersPerRecord int8, clusterSize uint32) uint32 {
	if clustersPerRecord >= 0 {
		return uint32(clustersPerRecord) * clusterSize
	}
	return 1 << uint(-clustersPerRecord)
}
