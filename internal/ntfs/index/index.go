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

// Package index implements the NTFS B+ tree directory index: decoding
// $INDEX_ROOT and $INDEX_ALLOCATION blocks, validating their entry chains,
// and walking a directory's tree in collation order.
package index

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/bitmap"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/mft"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

// NTFSBlockSize is the fixed index-record unit NTFS defines index block
// sizes as multiples of, independent of sector or cluster size.
const NTFSBlockSize = 512

const (
	EntryHasSubNode uint16 = 0x0001
	EntryIsEnd      uint16 = 0x0002
)

var (
	ErrIndexBlockSize  = errors.New("index: index_block_size is not a multiple of NTFS block size")
	ErrBadMagic        = errors.New("index: block magic is not INDX")
	ErrVcnMismatch     = errors.New("index: index_block_vcn does not match expected position")
	ErrEntryOverflow   = errors.New("index: entry pointer escapes the block")
	ErrEntryTooShort   = errors.New("index: entry length is shorter than its header")
	ErrZeroLengthEntry = errors.New("index: entry length is zero")
	ErrNoTerminator    = errors.New("index: entry chain lacks a terminator")
	ErrSubNodeUnmarked = errors.New("index: subnode vcn's bit is unset in $BITMAP")
)

// Entry is one decoded index entry (a $FILE_NAME key plus its MFT
// reference, or a bare terminator carrying only a subnode pointer).
type Entry struct {
	IndexedFile types.MftReference
	Length      uint16
	KeyLength   uint16
	Flags       uint16
	Key         []byte
	SubNodeVcn  types.Vcn
	HasSubNode  bool
	IsEnd       bool
}

const entryHeaderLen = 16

// decodeEntries parses the entry chain starting at entriesOffset (relative
// to base) through indexLength bytes, requiring the chain to end in a
// terminator entry.
func decodeEntries(buf []byte, base, entriesOffset, indexLength uint32) ([]Entry, error) {
	pos := base + entriesOffset
	end := base + indexLength
	if end > uint32(len(buf)) {
		end = uint32(len(buf))
	}

	var entries []Entry
	for pos < end {
		if pos+entryHeaderLen > end {
			return entries, fmt.Errorf("%w: at offset %d", ErrEntryTooShort, pos)
		}
		length := binary.LittleEndian.Uint16(buf[pos+8:])
		if length == 0 {
			return entries, fmt.Errorf("%w: at offset %d", ErrZeroLengthEntry, pos)
		}
		if length < entryHeaderLen {
			return entries, fmt.Errorf("%w: length=%d", ErrEntryTooShort, length)
		}
		if pos+uint32(length) > end {
			return entries, fmt.Errorf("%w: entry at %d length %d", ErrEntryOverflow, pos, length)
		}

		flags := binary.LittleEndian.Uint16(buf[pos+12:])
		e := Entry{
			Length:     length,
			Flags:      flags,
			HasSubNode: flags&EntryHasSubNode != 0,
			IsEnd:      flags&EntryIsEnd != 0,
		}
		if !e.IsEnd {
			e.IndexedFile = types.MftReference(binary.LittleEndian.Uint64(buf[pos:]))
			e.KeyLength = binary.LittleEndian.Uint16(buf[pos+10:])
			keyStart := pos + entryHeaderLen
			keyEnd := keyStart + uint32(e.KeyLength)
			if keyEnd > pos+uint32(length) {
				return entries, fmt.Errorf("%w: key overflows entry at %d", ErrEntryOverflow, pos)
			}
			e.Key = append([]byte(nil), buf[keyStart:keyEnd]...)
		}
		if e.HasSubNode {
			subOff := pos + uint32(length) - 8
			e.SubNodeVcn = types.Vcn(int64(binary.LittleEndian.Uint64(buf[subOff:])))
		}

		entries = append(entries, e)
		if e.IsEnd {
			return entries, nil
		}
		pos += uint32(length)
	}
	return entries, ErrNoTerminator
}

func align8(n int) int {
	if n%8 == 0 {
		return n
	}
	return n + (8 - n%8)
}

// NewFileNameEntry builds a leaf entry carrying a $FILE_NAME key for ref,
// suitable for inserting into a directory's $INDEX_ROOT.
func NewFileNameEntry(ref types.MftReference, fn mft.FileName) Entry {
	key := mft.EncodeFileName(fn)
	return Entry{
		IndexedFile: ref,
		KeyLength:   uint16(len(key)),
		Key:         key,
		Length:      uint16(align8(entryHeaderLen + len(key))),
	}
}

// InsertBeforeTerminator returns a copy of entries with newEntry inserted
// immediately before the chain's terminator. It does not re-sort the
// chain into collation order: a directory repaired this way stays
// structurally valid (every real entry is still reachable and the chain
// still ends in a terminator) without requiring a full B+ tree rebalance.
func InsertBeforeTerminator(entries []Entry, newEntry Entry) []Entry {
	out := make([]Entry, 0, len(entries)+1)
	inserted := false
	for _, e := range entries {
		if !inserted && e.IsEnd {
			out = append(out, newEntry)
			inserted = true
		}
		out = append(out, e)
	}
	if !inserted {
		out = append(out, newEntry)
	}
	return out
}

// RemoveEntry returns a copy of entries with the non-terminator entry
// referencing ref dropped, the removal counterpart to
// InsertBeforeTerminator: the chain is left in place otherwise, still
// ending in its terminator, rather than rebalanced.
func RemoveEntry(entries []Entry, ref types.MftReference) []Entry {
	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		if !e.IsEnd && e.IndexedFile == ref {
			continue
		}
		out = append(out, e)
	}
	return out
}

// EntryNames returns the $FILE_NAME names of every non-terminator entry
// whose key decodes; keys that fail to decode are skipped (used to detect
// an existing index entry before inserting a duplicate).
func EntryNames(entries []Entry) []string {
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsEnd {
			continue
		}
		fn, err := mft.DecodeFileName(e.Key)
		if err != nil {
			continue
		}
		names = append(names, fn.Name)
	}
	return names
}

func encodeEntry(e Entry) []byte {
	length := entryHeaderLen + len(e.Key)
	if e.HasSubNode {
		length += 8
	}
	length = align8(length)
	buf := make([]byte, length)

	flags := e.Flags
	if e.HasSubNode {
		flags |= EntryHasSubNode
	}
	if e.IsEnd {
		flags |= EntryIsEnd
	}

	if !e.IsEnd {
		binary.LittleEndian.PutUint64(buf[0:], uint64(e.IndexedFile))
		binary.LittleEndian.PutUint16(buf[10:], uint16(len(e.Key)))
		copy(buf[entryHeaderLen:], e.Key)
	}
	binary.LittleEndian.PutUint16(buf[8:], uint16(length))
	binary.LittleEndian.PutUint16(buf[12:], flags)
	if e.HasSubNode {
		binary.LittleEndian.PutUint64(buf[length-8:], uint64(int64(e.SubNodeVcn)))
	}
	return buf
}

func encodeEntries(entries []Entry) []byte {
	var out []byte
	for _, e := range entries {
		out = append(out, encodeEntry(e)...)
	}
	return out
}

// EncodeRoot serializes r back into a resident $INDEX_ROOT attribute
// value, the inverse of DecodeRoot.
func EncodeRoot(r *Root) []byte {
	entriesBuf := encodeEntries(r.Entries)
	indexLength := indexHeaderLen + len(entriesBuf)

	value := make([]byte, rootFixedLen+indexLength)
	binary.LittleEndian.PutUint32(value[0:], r.AttrType)
	binary.LittleEndian.PutUint32(value[4:], r.CollationRule)
	binary.LittleEndian.PutUint32(value[8:], r.IndexBlockSize)

	base := uint32(rootFixedLen)
	binary.LittleEndian.PutUint32(value[base:], indexHeaderLen)
	binary.LittleEndian.PutUint32(value[base+4:], uint32(indexLength))
	binary.LittleEndian.PutUint32(value[base+8:], uint32(indexLength))
	if r.HasChildren {
		value[base+12] = 0x01
	}
	copy(value[base+indexHeaderLen:], entriesBuf)
	return value
}

// Root is a decoded $INDEX_ROOT attribute value.
type Root struct {
	AttrType       uint32
	CollationRule  uint32
	IndexBlockSize uint32
	HasChildren    bool
	Entries        []Entry
}

const rootFixedLen = 16
const indexHeaderLen = 16

// emptyRootTerminatorLen is the fixed on-disk length of the lone
// terminator entry in an empty $INDEX_ROOT (no real entries, no
// children): entryHeaderLen padded out to the $FILE_NAME collation key's
// full 32-byte timestamp/size block, regardless of the fact an END entry
// carries no key.
const emptyRootTerminatorLen = 48

// EmptyTerminatorLength reports whether r is an empty index (its only
// entry is the terminator) whose terminator's on-disk length doesn't
// match emptyRootTerminatorLen, and the value to repair it to.
func (r *Root) EmptyTerminatorLength() (bad bool, want uint16) {
	if len(r.Entries) != 1 || !r.Entries[0].IsEnd {
		return false, 0
	}
	if r.Entries[0].Length == emptyRootTerminatorLen {
		return false, 0
	}
	return true, emptyRootTerminatorLen
}

// DecodeRoot parses a resident $INDEX_ROOT value.
func DecodeRoot(value []byte) (*Root, error) {
	if len(value) < rootFixedLen+indexHeaderLen {
		return nil, fmt.Errorf("%w: value too short", ErrEntryTooShort)
	}
	r := &Root{
		AttrType:       binary.LittleEndian.Uint32(value[0:]),
		CollationRule:  binary.LittleEndian.Uint32(value[4:]),
		IndexBlockSize: binary.LittleEndian.Uint32(value[8:]),
	}
	if r.IndexBlockSize%NTFSBlockSize != 0 {
		return nil, fmt.Errorf("%w: size=%d", ErrIndexBlockSize, r.IndexBlockSize)
	}

	base := uint32(rootFixedLen)
	entriesOffset := binary.LittleEndian.Uint32(value[base:])
	indexLength := binary.LittleEndian.Uint32(value[base+4:])
	headerFlags := value[base+12]
	r.HasChildren = headerFlags&0x01 != 0

	entries, err := decodeEntries(value, base, entriesOffset, indexLength)
	r.Entries = entries
	if err != nil {
		return r, err
	}
	return r, nil
}

// Block is a decoded $INDEX_ALLOCATION record (one "INDX" block).
type Block struct {
	Vcn         types.Vcn
	HasChildren bool
	Entries     []Entry
}

const blockHeaderLen = 40

// DecodeBlock applies fixups and decodes one INDX record. expectedVcn is
// the VCN this block was read from within $INDEX_ALLOCATION; it must match
// the block's self-recorded index_block_vcn.
func DecodeBlock(buf []byte, expectedVcn types.Vcn, sectorSize int) (*Block, error) {
	if err := mft.ApplyFixup(buf, sectorSize); err != nil {
		return nil, err
	}
	if len(buf) < blockHeaderLen {
		return nil, fmt.Errorf("%w: block too short", ErrBadMagic)
	}
	if string(buf[0:4]) != "INDX" {
		return nil, fmt.Errorf("%w: got %q", ErrBadMagic, buf[0:4])
	}
	vcn := types.Vcn(int64(binary.LittleEndian.Uint64(buf[16:])))
	if vcn != expectedVcn {
		return nil, fmt.Errorf("%w: got %d want %d", ErrVcnMismatch, vcn, expectedVcn)
	}

	usaOffset := uint32(binary.LittleEndian.Uint16(buf[4:]))
	usaCount := uint32(binary.LittleEndian.Uint16(buf[6:]))
	base := usaOffset + usaCount*2
	if base%8 != 0 {
		base += 8 - base%8
	}
	entriesOffset := binary.LittleEndian.Uint32(buf[base:])
	indexLength := binary.LittleEndian.Uint32(buf[base+4:])
	headerFlags := buf[base+12]

	b := &Block{Vcn: vcn, HasChildren: headerFlags&0x01 != 0}
	entries, err := decodeEntries(buf, base, entriesOffset, indexLength)
	b.Entries = entries
	if err != nil {
		return b, err
	}
	return b, nil
}

// BlockSource reads one $INDEX_ALLOCATION block by VCN, already sized to
// IndexBlockSize bytes.
type BlockSource interface {
	ReadIndexBlock(vcn types.Vcn) ([]byte, error)
}

// Issue is one index-validation finding.
type Issue struct {
	Code problem.Code
	Ctx  problem.Context
}

// Walker pre-validates a directory's B+ tree (root entries plus every
// index block reachable through a set bit in $BITMAP) before any in-order
// traversal is trusted to drive inode visits.
type Walker struct {
	Source     BlockSource
	SectorSize int
}

// PreValidate walks every VCN marked in bitmapData (the directory's
// $BITMAP attribute data) and decodes the corresponding index block,
// accumulating fsckIbm bits for blocks that decode cleanly and issues for
// ones that don't. rootEntries is the directory's resident $INDEX_ROOT
// entries, needed to seed the subnode-reference set a clean block is
// checked against: a block that decodes fine on its own but that nothing
// else in the tree actually points at (its bit is set in $BITMAP, but no
// entry anywhere names its VCN as a subnode) is flagged
// problem.IdxBitmapMismatch rather than trusted.
func (w *Walker) PreValidate(inodeNum uint64, rootEntries []Entry, bitmapData []byte) (fsckIbm *bitmap.Bitmap, issues []Issue) {
	nrBlocks := uint64(len(bitmapData)) * 8
	fsckIbm = bitmap.New(nrBlocks)

	type clean struct {
		vcn   types.Vcn
		block *Block
	}
	var decoded []clean

	for bit := uint64(0); bit < nrBlocks; bit++ {
		if bitmapData[bit/8]&(1<<(bit%8)) == 0 {
			continue
		}
		vcn := types.Vcn(int64(bit))
		buf, err := w.Source.ReadIndexBlock(vcn)
		if err != nil {
			issues = append(issues, Issue{Code: problem.IdxEntryCorrupted, Ctx: problem.Context{InodeNum: inodeNum, Vcn: int64(vcn)}})
			continue
		}
		block, err := DecodeBlock(buf, vcn, w.SectorSize)
		if err != nil {
			code := problem.IaMagicCorrupted
			if errors.Is(err, ErrZeroLengthEntry) {
				code = problem.IeZeroLength
			}
			issues = append(issues, Issue{Code: code, Ctx: problem.Context{InodeNum: inodeNum, Vcn: int64(vcn)}})
			continue
		}
		for _, e := range block.Entries {
			if e.HasSubNode && !bitSet(bitmapData, uint64(e.SubNodeVcn)) {
				issues = append(issues, Issue{Code: problem.IeFlagSubNodeCorrupted, Ctx: problem.Context{InodeNum: inodeNum, Vcn: int64(vcn)}})
			}
		}
		fsckIbm.Set(types.BitPos(bit))
		decoded = append(decoded, clean{vcn: vcn, block: block})
	}

	referenced := make(map[types.Vcn]bool, len(decoded))
	for _, e := range rootEntries {
		if e.HasSubNode {
			referenced[e.SubNodeVcn] = true
		}
	}
	for _, d := range decoded {
		for _, e := range d.block.Entries {
			if e.HasSubNode {
				referenced[e.SubNodeVcn] = true
			}
		}
	}
	for _, d := range decoded {
		if !referenced[d.vcn] {
			issues = append(issues, Issue{Code: problem.IdxBitmapMismatch, Ctx: problem.Context{InodeNum: inodeNum, Vcn: int64(d.vcn)}})
		}
	}

	return fsckIbm, issues
}

func bitSet(data []byte, bit uint64) bool {
	byteIdx := bit / 8
	if byteIdx >= uint64(len(data)) {
		return false
	}
	return data[byteIdx]&(1<<(bit%8)) != 0
}

// Visitor is called once per trusted leaf entry during an in-order walk,
// in collation order. Returning an error aborts the walk.
type Visitor func(parentInode uint64, e Entry) error

// Walk performs the in-order traversal described by root and the
// pre-validated blocks, invoking visit for every non-terminator entry
// reachable from root (root entries directly, plus every entry of every
// index block whose VCN bit is set in bitmapData).
func (w *Walker) Walk(inodeNum uint64, root *Root, bitmapData []byte, visit Visitor) error {
	for _, e := range root.Entries {
		if e.IsEnd {
			continue
		}
		if err := visit(inodeNum, e); err != nil {
			return err
		}
	}
	if !root.HasChildren || bitmapData == nil {
		return nil
	}

	nrBlocks := uint64(len(bitmapData)) * 8
	for bit := uint64(0); bit < nrBlocks; bit++ {
		if !bitSet(bitmapData, bit) {
			continue
		}
		vcn := types.Vcn(int64(bit))
		buf, err := w.Source.ReadIndexBlock(vcn)
		if err != nil {
			return err
		}
		block, err := DecodeBlock(buf, vcn, w.SectorSize)
		if err != nil {
			return err
		}
		for _, e := range block.Entries {
			if e.IsEnd {
				continue
			}
			if err := visit(inodeNum, e); err != nil {
				return err
			}
		}
	}
	return nil
}
