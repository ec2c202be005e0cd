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

// Package mft implements MFT record parsing: fixup (update sequence array)
// validation and recovery, the fixed FILE record header, and the inode
// validator that checks a record's declared kind against its attributes.
package mft

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

var (
	ErrBadMagic            = errors.New("mft: record magic is not FILE")
	ErrRecordIsBaad        = errors.New("mft: record magic is BAAD")
	ErrSizeCorrupted       = errors.New("mft: bytes_allocated does not match mft_record_size")
	ErrBiuCorrupted        = errors.New("mft: bytes_in_use is corrupted")
	ErrAttrOffsetCorrupted = errors.New("mft: attrs_offset is corrupted or unaligned")
	ErrFixupCountMismatch  = errors.New("mft: update sequence array count does not match sector count")
	ErrFixupMismatch       = errors.New("mft: update sequence number mismatch at sector boundary")
)

const (
	headerLen    = 48 // through attrs_offset, generous for v1.2 and v3
	magicFile    = "FILE"
	magicBaad    = "BAAD"
	offUsaOffset = 4
	offUsaCount  = 6
	offSeqNo     = 16
	offLinkCount = 18
	offAttrsOff  = 20
	offFlags     = 22
	offBytesInUse = 24
	offBytesAlloc = 28
	offBaseRecord = 32
)

// Flag bits of the MFT record header's flags field.
const (
	FlagInUse      uint16 = 0x0001
	FlagIsDirectory uint16 = 0x0002
)

// ApplyFixup verifies and removes the update sequence array from a raw MFT
// record buffer in place: every sector's final two bytes must equal the
// stored update sequence number, and are replaced with the original bytes
// held in the array. sectorSize is the volume's physical sector size.
func ApplyFixup(buf []byte, sectorSize int) error {
	if len(buf) < headerLen {
		return fmt.Errorf("%w: record too short", ErrBadMagic)
	}
	usaOffset := int(binary.LittleEndian.Uint16(buf[offUsaOffset:]))
	usaCount := int(binary.LittleEndian.Uint16(buf[offUsaCount:]))
	if usaOffset+usaCount*2 > len(buf) {
		return fmt.Errorf("%w: usa array overflows record", ErrFixupCountMismatch)
	}

	numSectors := len(buf) / sectorSize
	if usaCount-1 != numSectors {
		return fmt.Errorf("%w: usa_count=%d sectors=%d", ErrFixupCountMismatch, usaCount, numSectors)
	}

	usn := buf[usaOffset : usaOffset+2]
	for i := 0; i < numSectors; i++ {
		sectorEnd := (i + 1) * sectorSize
		stored := buf[sectorEnd-2 : sectorEnd]
		if !bytes.Equal(stored, usn) {
			return fmt.Errorf("%w: sector %d", ErrFixupMismatch, i)
		}
		original := buf[usaOffset+2+i*2 : usaOffset+4+i*2]
		copy(buf[sectorEnd-2:sectorEnd], original)
	}
	return nil
}

// Header is the fixed portion of a FILE record, already fixed up.
type Header struct {
	SequenceNumber uint16
	LinkCount      uint16
	Flags          uint16
	BytesInUse     uint32
	BytesAllocated uint32
	BaseRecord     types.MftReference
	AttrsOffset    uint32
}

func (h Header) InUse() bool       { return h.Flags&FlagInUse != 0 }
func (h Header) IsDirectory() bool { return h.Flags&FlagIsDirectory != 0 }

// ParseHeader validates and decodes a FILE record's fixed header. mftRecordSize
// is the volume's configured MFT record size (bytes_allocated must match it).
func ParseHeader(buf []byte, mftRecordSize uint32) (Header, error) {
	var h Header
	if len(buf) < headerLen {
		return h, fmt.Errorf("%w: record too short", ErrBadMagic)
	}
	magic := string(buf[0:4])
	if magic == magicBaad {
		return h, ErrRecordIsBaad
	}
	if magic != magicFile {
		return h, fmt.Errorf("%w: got %q", ErrBadMagic, magic)
	}

	h.SequenceNumber = binary.LittleEndian.Uint16(buf[offSeqNo:])
	h.LinkCount = binary.LittleEndian.Uint16(buf[offLinkCount:])
	h.Flags = binary.LittleEndian.Uint16(buf[offFlags:])
	h.BytesInUse = binary.LittleEndian.Uint32(buf[offBytesInUse:])
	h.BytesAllocated = binary.LittleEndian.Uint32(buf[offBytesAlloc:])
	h.BaseRecord = types.MftReference(binary.LittleEndian.Uint64(buf[offBaseRecord:]))
	h.AttrsOffset = uint32(binary.LittleEndian.Uint16(buf[offAttrsOff:]))

	if h.BytesAllocated != mftRecordSize {
		return h, fmt.Errorf("%w: allocated=%d want=%d", ErrSizeCorrupted, h.BytesAllocated, mftRecordSize)
	}
	if h.BytesInUse > h.BytesAllocated || h.BytesInUse%8 != 0 {
		return h, fmt.Errorf("%w: bytes_in_use=%d", ErrBiuCorrupted, h.BytesInUse)
	}
	if h.AttrsOffset%8 != 0 || h.AttrsOffset < headerLen || h.AttrsOffset > h.BytesInUse {
		return h, fmt.Errorf("%w: attrs_offset=%d bytes_in_use=%d", ErrAttrOffsetCorrupted, h.AttrsOffset, h.BytesInUse)
	}
	return h, nil
}

// Record is one fully parsed FILE record: header plus decoded attributes.
type Record struct {
	RecordNumber uint64
	Header       Header
	Attributes   []*attr.Attribute
}

// Decode applies fixups, parses the header and decodes attributes for one
// MFT record buffer. recordNumber is the position of this record within
// $MFT, supplied by the caller (not all on-disk versions self-reference it).
func Decode(buf []byte, recordNumber uint64, sectorSize int, mftRecordSize uint32) (*Record, error) {
	if err := ApplyFixup(buf, sectorSize); err != nil {
		return nil, err
	}
	h, err := ParseHeader(buf, mftRecordSize)
	if err != nil {
		return nil, err
	}
	attrs, attrErr := attr.Decode(buf, h.AttrsOffset, h.BytesInUse)
	r := &Record{RecordNumber: recordNumber, Header: h, Attributes: attrs}
	if attrErr != nil {
		return r, attrErr
	}
	return r, nil
}

// FindAttribute returns the first attribute of the given type (and, when
// name is non-empty, matching name), or nil.
func (r *Record) FindAttribute(t attr.Type, name string) *attr.Attribute {
	for _, a := range r.Attributes {
		if a.Type != t {
			continue
		}
		if name != "" && a.Name != name {
			continue
		}
		return a
	}
	return nil
}

// ErrRecordOverflow means a record's attributes no longer fit within
// mftRecordSize after a repair grew one of them.
var ErrRecordOverflow = errors.New("mft: encoded record exceeds mft_record_size")

func align8(n int) int {
	if n%8 == 0 {
		return n
	}
	return n + (8 - n%8)
}

// InstallFixup writes the update sequence array for a freshly encoded
// record: it saves each sector's trailing two bytes into the array and
// overwrites them with usn, the exact inverse of ApplyFixup. usaOffset and
// usaCount must already be set in buf's header.
func InstallFixup(buf []byte, sectorSize int, usn uint16) error {
	usaOffset := int(binary.LittleEndian.Uint16(buf[offUsaOffset:]))
	usaCount := int(binary.LittleEndian.Uint16(buf[offUsaCount:]))
	numSectors := len(buf) / sectorSize
	if usaCount-1 != numSectors {
		return fmt.Errorf("%w: usa_count=%d sectors=%d", ErrFixupCountMismatch, usaCount, numSectors)
	}

	binary.LittleEndian.PutUint16(buf[usaOffset:], usn)
	for i := 0; i < numSectors; i++ {
		sectorEnd := (i + 1) * sectorSize
		original := make([]byte, 2)
		copy(original, buf[sectorEnd-2:sectorEnd])
		binary.LittleEndian.PutUint16(buf[usaOffset+2+i*2:], binary.LittleEndian.Uint16(original))
		binary.LittleEndian.PutUint16(buf[sectorEnd-2:], usn)
	}
	return nil
}

// Encode serializes rec back into a raw, fixed-up MFT record buffer of
// mftRecordSize bytes: the inverse of Decode. usn is the update sequence
// number to protect this write with (callers typically increment a
// per-record counter each time they rewrite a record).
func Encode(rec *Record, mftRecordSize uint32, sectorSize int, usn uint16) ([]byte, error) {
	numSectors := int(mftRecordSize) / sectorSize
	usaOffset := headerLen
	usaCount := numSectors + 1
	attrsOffset := align8(usaOffset + usaCount*2)

	var body []byte
	for _, a := range rec.Attributes {
		body = append(body, attr.Encode(a)...)
	}
	endMarker := make([]byte, 4)
	binary.LittleEndian.PutUint32(endMarker, uint32(attr.TypeEnd))
	body = append(body, endMarker...)

	bytesInUse := align8(attrsOffset + len(body))
	if uint32(bytesInUse) > mftRecordSize {
		return nil, fmt.Errorf("%w: need %d have %d", ErrRecordOverflow, bytesInUse, mftRecordSize)
	}

	buf := make([]byte, mftRecordSize)
	copy(buf[0:4], magicFile)
	binary.LittleEndian.PutUint16(buf[offUsaOffset:], uint16(usaOffset))
	binary.LittleEndian.PutUint16(buf[offUsaCount:], uint16(usaCount))
	binary.LittleEndian.PutUint16(buf[offSeqNo:], rec.Header.SequenceNumber)
	binary.LittleEndian.PutUint16(buf[offLinkCount:], rec.Header.LinkCount)
	binary.LittleEndian.PutUint16(buf[offAttrsOff:], uint16(attrsOffset))
	binary.LittleEndian.PutUint16(buf[offFlags:], rec.Header.Flags)
	binary.LittleEndian.PutUint32(buf[offBytesInUse:], uint32(bytesInUse))
	binary.LittleEndian.PutUint32(buf[offBytesAlloc:], mftRecordSize)
	binary.LittleEndian.PutUint64(buf[offBaseRecord:], uint64(rec.Header.BaseRecord))
	copy(buf[attrsOffset:], body)

	if err := InstallFixup(buf, sectorSize, usn); err != nil {
		return nil, err
	}
	return buf, nil
}
