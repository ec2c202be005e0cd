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
	"encoding/binary"
	"fmt"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/mft"
	"github.com/ntfsck-go/ntfsck/internal/volume"
)

// mftRecordVolume is $Volume's fixed MFT record number. Its
// $VOLUME_INFORMATION attribute carries the dirty flag VolumeDirty checks.
const mftRecordVolume = 3

// volumeIsDirty is $VOLUME_INFORMATION's flags bit set across an unclean
// unmount (or a repair this checker left uncorrected), and cleared once a
// clean check or repair completes.
const volumeIsDirty uint16 = 0x0001

// volumeInformationFlagsOffset is the byte offset of the flags field
// within a resident $VOLUME_INFORMATION attribute value: 8 reserved
// bytes, then a major and minor version byte, then the le16 flags word.
const volumeInformationFlagsOffset = 10

// OpenMftStream bootstraps a decoded $MFT data stream from a freshly
// opened volume: it reads MFT record 0 at its boot-sector-relative
// location, decodes its $DATA runlist, and builds the cluster-addressed
// record stream every pass, and VolumeDirty, reads records through.
func OpenMftStream(vol *volume.Volume) (*MftStream, error) {
	raw, err := vol.ReadMftBaseRecord()
	if err != nil {
		return nil, err
	}
	rec, err := mft.Decode(raw, 0, vol.SectorSize(), vol.MftRecordSize())
	if err != nil {
		return nil, fmt.Errorf("fsck: decoding $MFT base record: %w", err)
	}
	dataAttr := rec.FindAttribute(attr.TypeData, "")
	if dataAttr == nil {
		return nil, fmt.Errorf("fsck: $MFT base record has no $DATA attribute")
	}
	rl, err := dataAttr.Runlist()
	if err != nil {
		return nil, fmt.Errorf("fsck: decoding $MFT runlist: %w", err)
	}
	nrRecords := dataAttr.DataSize / uint64(vol.MftRecordSize())
	return NewMftStream(vol, rl, vol.MftRecordSize(), nrRecords), nil
}

// VolumeDirty reports whether $Volume's $VOLUME_INFORMATION flags have
// the dirty bit set, the check behind the -C/--dirty-check-only flag.
// It only reads through stream; the caller decides whether to act on a
// dirty result.
func VolumeDirty(stream *MftStream, sectorSize int, mftRecordSize uint32) (bool, error) {
	buf, err := stream.ReadRecord(mftRecordVolume)
	if err != nil {
		return false, fmt.Errorf("fsck: reading $Volume record: %w", err)
	}
	rec, err := mft.Decode(buf, mftRecordVolume, sectorSize, mftRecordSize)
	if err != nil {
		return false, fmt.Errorf("fsck: decoding $Volume record: %w", err)
	}
	volInfo := rec.FindAttribute(attr.TypeVolumeInformation, "")
	if volInfo == nil {
		return false, fmt.Errorf("fsck: $Volume record has no $VOLUME_INFORMATION attribute")
	}
	if len(volInfo.Value) < volumeInformationFlagsOffset+2 {
		return false, fmt.Errorf("fsck: $VOLUME_INFORMATION value is %d bytes, too short for flags", len(volInfo.Value))
	}
	flags := binary.LittleEndian.Uint16(volInfo.Value[volumeInformationFlagsOffset:])
	return flags&volumeIsDirty != 0, nil
}
