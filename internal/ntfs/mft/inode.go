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

package mft

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"unicode/utf16"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/attr"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

// FileAttributeDirectory mirrors the FILE_NAME attribute's own directory
// bit, independent of the MFT record header's IS_DIRECTORY flag; the two
// are expected to agree.
const FileAttributeDirectory uint32 = 0x10000000

// FileName is the decoded value of a $FILE_NAME attribute.
type FileName struct {
	ParentDirectory types.MftReference
	AllocatedSize   uint64
	DataSize        uint64
	FileAttributes  uint32
	Name            string
}

func (f FileName) IsDirectory() bool { return f.FileAttributes&FileAttributeDirectory != 0 }

var ErrFileNameValueCorrupted = errors.New("mft: $FILE_NAME value is corrupted")

// DecodeFileName parses a resident $FILE_NAME attribute value.
func DecodeFileName(value []byte) (*FileName, error) {
	const fixedLen = 66
	if len(value) < fixedLen {
		return nil, fmt.Errorf("%w: value too short", ErrFileNameValueCorrupted)
	}
	nameLength := int(value[64])
	nameBytes := value[66:]
	if len(nameBytes) < nameLength*2 {
		return nil, fmt.Errorf("%w: name length %d exceeds value", ErrFileNameValueCorrupted, nameLength)
	}
	u16 := make([]uint16, nameLength)
	for i := 0; i < nameLength; i++ {
		u16[i] = binary.LittleEndian.Uint16(nameBytes[i*2:])
	}
	return &FileName{
		ParentDirectory: types.MftReference(binary.LittleEndian.Uint64(value[0:])),
		AllocatedSize:   binary.LittleEndian.Uint64(value[40:]),
		DataSize:        binary.LittleEndian.Uint64(value[48:]),
		FileAttributes:  binary.LittleEndian.Uint32(value[56:]),
		Name:            string(utf16.Decode(u16)),
	}, nil
}

// EncodeFileName serializes fn into a resident $FILE_NAME attribute value,
// the inverse of DecodeFileName. Timestamp fields are not modeled by
// FileName and are written as zero; repair paths that fabricate a
// $FILE_NAME (orphan relink) have no better values to put there anyway.
func EncodeFileName(fn FileName) []byte {
	const fixedLen = 66
	nameBytes := utf16.Encode([]rune(fn.Name))
	value := make([]byte, fixedLen+len(nameBytes)*2)
	binary.LittleEndian.PutUint64(value[0:], uint64(fn.ParentDirectory))
	binary.LittleEndian.PutUint64(value[40:], fn.AllocatedSize)
	binary.LittleEndian.PutUint64(value[48:], fn.DataSize)
	binary.LittleEndian.PutUint32(value[56:], fn.FileAttributes)
	value[64] = byte(len(nameBytes))
	for i, u := range nameBytes {
		binary.LittleEndian.PutUint16(value[66+i*2:], u)
	}
	return value
}

// Issue is one inode-validation finding: a problem code paired with the
// context needed to render and, if repaired, act on it.
type Issue struct {
	Code problem.Code
	Ctx  problem.Context
}

// ValidateContext supplies the facts a Validate call needs beyond the
// record itself: the parent directory asserted by the index entry that
// referenced this inode, used to cross-check $FILE_NAME.parent_directory.
type ValidateContext struct {
	IndexParent   types.MftReference
	HasIndexEntry bool
}

// Validate runs the §4.3 inode-validator checks against an already-decoded
// record, returning every mismatch found. A non-nil error is returned only
// when a resident $FILE_NAME value fails to decode, and the remaining
// checks are then not run.
func Validate(rec *Record, ctx ValidateContext) ([]Issue, error) {
	var issues []Issue
	h := rec.Header

	if !h.InUse() {
		return nil, nil
	}
	if h.LinkCount == 0 {
		issues = append(issues, Issue{Code: problem.MftFlagMismatch, Ctx: problem.Context{InodeNum: rec.RecordNumber}})
	}

	fnAttr := rec.FindAttribute(attr.TypeFileName, "")
	dataAttr := rec.FindAttribute(attr.TypeData, "")
	indexRoot := rec.FindAttribute(attr.TypeIndexRoot, "$I30")

	var fn *FileName
	if fnAttr != nil && !fnAttr.NonResident {
		var err error
		fn, err = DecodeFileName(fnAttr.Value)
		if err != nil {
			return issues, err
		}
	}

	if h.IsDirectory() {
		if indexRoot == nil {
			issues = append(issues, Issue{Code: problem.DirIrNotExist, Ctx: problem.Context{InodeNum: rec.RecordNumber}})
		}
		if dataAttr != nil && dataSize(dataAttr) != 0 {
			issues = append(issues, Issue{Code: problem.DirNonzeroSize, Ctx: problem.Context{InodeNum: rec.RecordNumber, Size: dataSize(dataAttr)}})
		}
		if fn != nil && (fn.AllocatedSize != 0 || fn.DataSize != 0) {
			issues = append(issues, Issue{Code: problem.MftFlagMismatchIdxFn, Ctx: problem.Context{InodeNum: rec.RecordNumber}})
		}
	} else {
		if dataAttr == nil {
			issues = append(issues, Issue{Code: problem.FileHaveIr, Ctx: problem.Context{InodeNum: rec.RecordNumber}})
		} else if fn != nil {
			mftSize := dataAttr.AllocatedSize
			if dataAttr.Compressed {
				mftSize = dataAttr.CompressedSize
			}
			if fn.AllocatedSize != mftSize {
				issues = append(issues, Issue{Code: problem.MftAllocatedSizeMismatch,
					Ctx: problem.Context{InodeNum: rec.RecordNumber, IdxSize: fn.AllocatedSize, MftSize: mftSize}})
			}
			if fn.DataSize != dataAttr.DataSize {
				issues = append(issues, Issue{Code: problem.MftDataSizeMismatch,
					Ctx: problem.Context{InodeNum: rec.RecordNumber, IdxSize: fn.DataSize, MftSize: dataAttr.DataSize}})
			}
		}
		if fn != nil && fn.IsDirectory() {
			issues = append(issues, Issue{Code: problem.MftFlagMismatchIdxFn, Ctx: problem.Context{InodeNum: rec.RecordNumber}})
		}
	}

	if ctx.HasIndexEntry && fn != nil && fn.ParentDirectory != ctx.IndexParent {
		issues = append(issues, Issue{Code: problem.MftFlagMismatch, Ctx: problem.Context{InodeNum: rec.RecordNumber, ParentNum: ctx.IndexParent.RecordNumber()}})
	}

	issues = append(issues, validateVcnChains(rec)...)

	return issues, nil
}

type nonResidentKey struct {
	t    attr.Type
	name string
}

// validateVcnChains groups rec's non-resident attribute instances by
// (type, name) and checks the §4.2 multi-instance rule against each group
// with more than one instance, i.e. a non-resident attribute whose runlist
// this record's extent records split across several instance records.
func validateVcnChains(rec *Record) []Issue {
	groups := make(map[nonResidentKey][]*attr.Attribute)
	for _, a := range rec.Attributes {
		if !a.NonResident {
			continue
		}
		key := nonResidentKey{a.Type, a.Name}
		groups[key] = append(groups[key], a)
	}

	var issues []Issue
	for key, instances := range groups {
		if len(instances) < 2 {
			continue
		}
		sorted := append([]*attr.Attribute(nil), instances...)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].LowestVcn < sorted[j].LowestVcn })

		if err := attr.ValidateVcnChain(sorted); err != nil {
			code := problem.AttrNonResidentSizesMismatch
			if errors.Is(err, attr.ErrLowestVcnNotZero) {
				code = problem.AttrLowestVcnIsNotZero
			}
			issues = append(issues, Issue{Code: code, Ctx: problem.Context{InodeNum: rec.RecordNumber, AttrType: attrTypeName(key.t)}})
		}
	}
	return issues
}

// attrTypeName renders a attribute type code as its on-disk name for
// problem messages; unrecognized types (already rejected by attr.Decode)
// fall back to their numeric form.
func attrTypeName(t attr.Type) string {
	switch t {
	case attr.TypeStandardInformation:
		return "$STANDARD_INFORMATION"
	case attr.TypeAttributeList:
		return "$ATTRIBUTE_LIST"
	case attr.TypeFileName:
		return "$FILE_NAME"
	case attr.TypeData:
		return "$DATA"
	case attr.TypeIndexRoot:
		return "$INDEX_ROOT"
	case attr.TypeIndexAllocation:
		return "$INDEX_ALLOCATION"
	case attr.TypeBitmap:
		return "$BITMAP"
	case attr.TypeReparsePoint:
		return "$REPARSE_POINT"
	default:
		return fmt.Sprintf("0x%X", uint32(t))
	}
}

func dataSize(a *attr.Attribute) uint64 {
	if a.NonResident {
		return a.DataSize
	}
	return uint64(len(a.Value))
}
