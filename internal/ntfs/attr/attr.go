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

// Package attr implements the NTFS attribute record decoder: parsing the
// sequence of typed attribute records inside one MFT record (and, via
// attribute lists, its extent records), and validating the structural
// invariants every attribute record must satisfy to be trusted by later
// passes.
package attr

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/runlist"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

// Type is one of the closed set of NTFS attribute type codes. Any other
// value encountered while decoding is a corruption (ErrUnknownType).
type Type uint32

const (
	TypeStandardInformation Type = 0x10
	TypeAttributeList       Type = 0x20
	TypeFileName            Type = 0x30
	TypeObjectID            Type = 0x40
	TypeSecurityDescriptor  Type = 0x50
	TypeVolumeName          Type = 0x60
	TypeVolumeInformation   Type = 0x70
	TypeData                Type = 0x80
	TypeIndexRoot           Type = 0x90
	TypeIndexAllocation     Type = 0xA0
	TypeBitmap              Type = 0xB0
	TypeReparsePoint        Type = 0xC0
	TypeEAInformation       Type = 0xD0
	TypeEA                  Type = 0xE0
	TypePropertySet         Type = 0xF0
	TypeLoggedUtilityStream Type = 0x100
	TypeEnd                 Type = 0xFFFFFFFF
)

func knownType(t Type) bool {
	switch t {
	case TypeStandardInformation, TypeAttributeList, TypeFileName, TypeObjectID,
		TypeSecurityDescriptor, TypeVolumeName, TypeVolumeInformation, TypeData,
		TypeIndexRoot, TypeIndexAllocation, TypeBitmap, TypeReparsePoint,
		TypeEAInformation, TypeEA, TypePropertySet, TypeLoggedUtilityStream, TypeEnd:
		return true
	default:
		return false
	}
}

var (
	ErrUnknownType            = errors.New("attr: unknown attribute type")
	ErrLengthCorrupted        = errors.New("attr: length field corrupted")
	ErrNameOffsetCorrupted    = errors.New("attr: name offset corrupted")
	ErrValueOffsetBadAligned  = errors.New("attr: value offset badly aligned")
	ErrValueOffsetCorrupted   = errors.New("attr: value offset corrupted")
	ErrMappingPairsOffset     = errors.New("attr: mapping pairs offset corrupted")
	ErrLowestVcnNotZero       = errors.New("attr: lowest vcn of first instance is not zero")
	ErrNonResidentSizeMismatch = errors.New("attr: non-resident size fields inconsistent")
	ErrVcnChainBroken         = errors.New("attr: highest_vcn/lowest_vcn chain broken across instances")
)

// Attribute is one decoded attribute record.
type Attribute struct {
	Type        Type
	Name        string
	Flags       uint16
	InstanceID  uint16
	NonResident bool

	// Resident fields.
	Value []byte

	// Non-resident fields.
	LowestVcn          types.Vcn
	HighestVcn         types.Vcn
	MappingPairsOffset uint16
	AllocatedSize      uint64
	DataSize           uint64
	InitializedSize    uint64
	CompressedSize     uint64
	Compressed         bool
	MappingPairs       []byte // raw, decoded lazily via Runlist()

	// Dirty marks that MappingPairs was rewritten in memory (e.g. by a
	// cluster relocation) and the owning MFT record needs re-encoding and
	// writing back before the session closes.
	Dirty bool
}

// SetRunlist re-encodes rl into a's mapping pairs and marks the attribute
// dirty for the next record sync.
func (a *Attribute) SetRunlist(rl runlist.Runlist, v3OrLater bool) error {
	buf, err := runlist.Encode(rl, a.LowestVcn, v3OrLater, 0)
	if err != nil {
		return err
	}
	a.MappingPairs = buf
	a.Dirty = true
	return nil
}

// Runlist decodes a's mapping pairs into a runlist.Runlist. Only valid for
// non-resident attributes.
func (a *Attribute) Runlist() (runlist.Runlist, error) {
	if !a.NonResident {
		return nil, errors.New("attr: Runlist called on resident attribute")
	}
	return runlist.Decode(a.MappingPairs, a.LowestVcn)
}

// fixed header layout offsets, matching the on-disk ATTR_RECORD.
const (
	offType           = 0
	offLength         = 4
	offNonResident    = 8
	offNameLength     = 9
	offNameOffset     = 10
	offFlags          = 12
	offInstance       = 14
	offResidentBody   = 16 // ValueLength(4) ValueOffset(2) IndexedFlag(1) Padding(1)
	offNonResidentBody = 16
	headerMinLen      = 24
)

// Decode parses the attribute records starting at offset attrsOffset
// inside record (a full MFT record buffer), stopping at the AT_END
// terminator or bytesInUse, whichever comes first. It returns every
// successfully parsed attribute plus, for the first invariant violation
// encountered, a descriptive error; the caller decides whether to stop
// there or keep collecting (ntfsck continues past individual attribute
// corruption by discarding the inode).
func Decode(record []byte, attrsOffset, bytesInUse uint32) ([]*Attribute, error) {
	var out []*Attribute
	pos := attrsOffset

	for {
		if pos+4 > bytesInUse || pos+4 > uint32(len(record)) {
			return out, fmt.Errorf("%w: truncated header at offset %d", ErrLengthCorrupted, pos)
		}
		rawType := binary.LittleEndian.Uint32(record[pos:])
		if rawType == uint32(TypeEnd) {
			return out, nil
		}

		if pos+headerMinLen > bytesInUse || pos+headerMinLen > uint32(len(record)) {
			return out, fmt.Errorf("%w: truncated record at offset %d", ErrLengthCorrupted, pos)
		}

		length := binary.LittleEndian.Uint32(record[pos+offLength:])
		if length%8 != 0 || length == 0 || pos+length > bytesInUse || pos+length > uint32(len(record)) {
			return out, fmt.Errorf("%w: length=%d at offset %d", ErrLengthCorrupted, length, pos)
		}

		nonResident := record[pos+offNonResident] != 0
		nameLength := record[pos+offNameLength]
		nameOffset := binary.LittleEndian.Uint16(record[pos+offNameOffset:])
		if uint32(nameOffset)+uint32(nameLength)*2 > length {
			return out, fmt.Errorf("%w: name_offset=%d name_length=%d length=%d",
				ErrNameOffsetCorrupted, nameOffset, nameLength, length)
		}

		a := &Attribute{
			Type:        Type(rawType),
			Flags:       binary.LittleEndian.Uint16(record[pos+offFlags:]),
			InstanceID:  binary.LittleEndian.Uint16(record[pos+offInstance:]),
			NonResident: nonResident,
		}
		if !knownType(a.Type) {
			return out, fmt.Errorf("%w: 0x%x", ErrUnknownType, rawType)
		}
		if nameLength > 0 {
			nameBytes := record[pos+uint32(nameOffset) : pos+uint32(nameOffset)+uint32(nameLength)*2]
			a.Name = decodeUTF16(nameBytes)
		}

		if !nonResident {
			if pos+offResidentBody+8 > uint32(len(record)) {
				return out, fmt.Errorf("%w: resident body truncated at offset %d", ErrLengthCorrupted, pos)
			}
			valueLength := binary.LittleEndian.Uint32(record[pos+offResidentBody:])
			valueOffset := binary.LittleEndian.Uint16(record[pos+offResidentBody+4:])
			if valueOffset%8 != 0 {
				return out, fmt.Errorf("%w: value_offset=%d", ErrValueOffsetBadAligned, valueOffset)
			}
			if uint32(valueOffset)+valueLength > length {
				return out, fmt.Errorf("%w: value_offset=%d value_length=%d length=%d",
					ErrValueOffsetCorrupted, valueOffset, valueLength, length)
			}
			start := pos + uint32(valueOffset)
			a.Value = append([]byte(nil), record[start:start+valueLength]...)
		} else {
			if pos+offNonResidentBody+48 > uint32(len(record)) {
				return out, fmt.Errorf("%w: non-resident body truncated at offset %d", ErrLengthCorrupted, pos)
			}
			base := pos + offNonResidentBody
			a.LowestVcn = types.Vcn(int64(binary.LittleEndian.Uint64(record[base:])))
			a.HighestVcn = types.Vcn(int64(binary.LittleEndian.Uint64(record[base+8:])))
			a.MappingPairsOffset = binary.LittleEndian.Uint16(record[base+16:])
			a.Compressed = binary.LittleEndian.Uint16(record[base+18:]) != 0
			a.AllocatedSize = binary.LittleEndian.Uint64(record[base+24:])
			a.DataSize = binary.LittleEndian.Uint64(record[base+32:])
			a.InitializedSize = binary.LittleEndian.Uint64(record[base+40:])
			if a.Compressed && base+56 <= uint32(len(record)) {
				a.CompressedSize = binary.LittleEndian.Uint64(record[base+48:])
			}

			if uint32(a.MappingPairsOffset) >= length {
				return out, fmt.Errorf("%w: offset=%d length=%d", ErrMappingPairsOffset, a.MappingPairsOffset, length)
			}
			if a.LowestVcn > a.HighestVcn {
				return out, fmt.Errorf("%w: lowest=%d highest=%d", ErrNonResidentSizeMismatch, a.LowestVcn, a.HighestVcn)
			}
			mpStart := pos + uint32(a.MappingPairsOffset)
			mpEnd := pos + length
			if mpEnd > uint32(len(record)) {
				mpEnd = uint32(len(record))
			}
			a.MappingPairs = append([]byte(nil), record[mpStart:mpEnd]...)
		}

		out = append(out, a)
		pos += length
	}
}

// ValidateVcnChain checks the multi-instance rule for a non-resident
// attribute split across extent records: the first instance must start at
// VCN 0, and consecutive instances (already ordered by VCN, as returned by
// a directory/extent walk) must have highest_vcn[i]+1 == lowest_vcn[i+1].
func ValidateVcnChain(instances []*Attribute) error {
	if len(instances) == 0 {
		return nil
	}
	if instances[0].LowestVcn != 0 {
		return fmt.Errorf("%w: first instance lowest_vcn=%d", ErrLowestVcnNotZero, instances[0].LowestVcn)
	}
	for i := 1; i < len(instances); i++ {
		if instances[i-1].HighestVcn+1 != instances[i].LowestVcn {
			return fmt.Errorf("%w: instance %d highest=%d, instance %d lowest=%d",
				ErrVcnChainBroken, i-1, instances[i-1].HighestVcn, i, instances[i].LowestVcn)
		}
	}
	return nil
}

func decodeUTF16(b []byte) string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = binary.LittleEndian.Uint16(b[i*2:])
	}
	return string(utf16.Decode(u16))
}

func encodeUTF16(s string) []byte {
	u16 := utf16.Encode([]rune(s))
	b := make([]byte, len(u16)*2)
	for i, u := range u16 {
		binary.LittleEndian.PutUint16(b[i*2:], u)
	}
	return b
}

func align8(n int) int {
	if n%8 == 0 {
		return n
	}
	return n + (8 - n%8)
}

// Encode serializes a into one raw attribute record, the inverse of the
// per-attribute portion of Decode. It is used to write a repaired
// attribute (most commonly $INDEX_ROOT after an orphan relink) back into
// its MFT record.
func Encode(a *Attribute) []byte {
	nameBytes := encodeUTF16(a.Name)
	nonResidentByte := byte(0)
	if a.NonResident {
		nonResidentByte = 1
	}

	if !a.NonResident {
		nameOffset := offResidentBody + 8
		valueOffset := align8(nameOffset + len(nameBytes))
		length := align8(valueOffset + len(a.Value))

		buf := make([]byte, length)
		binary.LittleEndian.PutUint32(buf[offType:], uint32(a.Type))
		binary.LittleEndian.PutUint32(buf[offLength:], uint32(length))
		buf[offNonResident] = nonResidentByte
		buf[offNameLength] = byte(len(nameBytes) / 2)
		binary.LittleEndian.PutUint16(buf[offNameOffset:], uint16(nameOffset))
		binary.LittleEndian.PutUint16(buf[offFlags:], a.Flags)
		binary.LittleEndian.PutUint16(buf[offInstance:], a.InstanceID)
		binary.LittleEndian.PutUint32(buf[offResidentBody:], uint32(len(a.Value)))
		binary.LittleEndian.PutUint16(buf[offResidentBody+4:], uint16(valueOffset))
		copy(buf[nameOffset:], nameBytes)
		copy(buf[valueOffset:], a.Value)
		return buf
	}

	bodyLen := 48
	if a.Compressed {
		bodyLen = 56
	}
	nameOffset := offNonResidentBody + bodyLen
	mpOffset := nameOffset + len(nameBytes)
	length := align8(mpOffset + len(a.MappingPairs))

	buf := make([]byte, length)
	binary.LittleEndian.PutUint32(buf[offType:], uint32(a.Type))
	binary.LittleEndian.PutUint32(buf[offLength:], uint32(length))
	buf[offNonResident] = nonResidentByte
	buf[offNameLength] = byte(len(nameBytes) / 2)
	binary.LittleEndian.PutUint16(buf[offNameOffset:], uint16(nameOffset))
	binary.LittleEndian.PutUint16(buf[offFlags:], a.Flags)
	binary.LittleEndian.PutUint16(buf[offInstance:], a.InstanceID)

	base := offNonResidentBody
	binary.LittleEndian.PutUint64(buf[base:], uint64(int64(a.LowestVcn)))
	binary.LittleEndian.PutUint64(buf[base+8:], uint64(int64(a.HighestVcn)))
	binary.LittleEndian.PutUint16(buf[base+16:], uint16(mpOffset))
	if a.Compressed {
		binary.LittleEndian.PutUint16(buf[base+18:], 1)
	}
	binary.LittleEndian.PutUint64(buf[base+24:], a.AllocatedSize)
	binary.LittleEndian.PutUint64(buf[base+32:], a.DataSize)
	binary.LittleEndian.PutUint64(buf[base+40:], a.InitializedSize)
	if a.Compressed {
		binary.LittleEndian.PutUint64(buf[base+48:], a.CompressedSize)
	}
	copy(buf[nameOffset:], nameBytes)
	copy(buf[mpOffset:], a.MappingPairs)
	return buf
}
