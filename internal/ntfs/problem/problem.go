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

// Package problem implements the NTFS checker's problem table and repair
// policy: the closed enumeration of inconsistency categories, their
// description templates, and the algorithm that decides whether to print,
// silently fix, or silently skip a given occurrence under the active
// global repair mode.
//
// Grounded on include/problem.h's problem_code_t enum and
// libntfs/problem.c's problem_table / ntfs_fix_problem / ntfs_ask_repair
// in the original C fsck; the suppress-then-ask algorithm is carried
// exactly.
package problem

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
)

// Code is a stable, numeric problem identifier. Values are never
// renumbered between versions: they are persisted in nothing on disk, but
// tooling and tests key off them.
type Code int

// The full closed enumeration, taken from include/problem.h's
// problem_code_t (original C fsck).
const (
	PreScanMft Code = iota + 1
	ResetLogFile
	MftFlagMismatch
	DirNonzeroSize
	MftReparseTagMismatch
	MftAllocatedSizeMismatch
	MftDataSizeMismatch
	DirFlagMismatchIdxFn
	DirFlagMismatchMftFn
	DirIrNotExist
	MftFlagMismatchIdxFn
	FileHaveIr
	AttrLowestVcnIsNotZero
	AttrNonResidentSizesMismatch
	AttrValueOffsetBadlyAligned
	AttrValueOffsetCorrupted
	AttrNameOffsetCorrupted
	AttrLengthCorrupted
	AttrFnFlagMismatch
	AttrIrSizeMismatch
	IaMagicCorrupted
	MftMagicCorrupted
	MftSizeCorrupted
	MftAttrOffsetCorrupted
	MftBiuCorrupted
	IeZeroLength
	BootSectorInvalid
	MountLoadMftFailure
	MountLoadMftmirrFailure
	MountRepairedMftmirrCorrupted
	IeFlagSubNodeCorrupted
	MountMftMftmirrMismatch
	IeEndFlagCorrupted
	LogApplyRunlistToDisk
	DirHaveResidentIa
	AttrlistLengthCorrupted
	IdxEntryCorrupted
	IdxBitmapSizeMismatch
	IdxBitmapMismatch
	ClusterBitmapMismatch
	OrphanedMftRepair
	DirIdxInitialize
	BitmapMftSizeMismatch
	DirEmptyIeLengthCorrupted
	ClusterDuplicationFound

	// Pass 4.
	OrphanedMftOpenFailure
	OrphanedMftCheckFailure
)

// Flag marks suppression behavior for a problem under specific global
// modes, mirroring PR_PREEN_NOMSG / PR_NO_NOMSG in the original C fsck.
type Flag int

const (
	// PreenNoMsg: don't print (and silently fix) under Auto mode.
	PreenNoMsg Flag = 1 << iota
	// NoNoMsg: don't print (and silently leave unfixed) under No mode.
	NoNoMsg
	// ReportOnly forces fix_problem to always return false: the problem is
	// reported (subject to the flags above) but is never auto-applied,
	// regardless of global mode. No table row sets it; reparse-tag
	// mismatches are gated by Engine.AllowReparseTagFix instead.
	ReportOnly
)

// definition is one row of the problem table.
type definition struct {
	desc  string
	flags Flag
}

var table = map[Code]definition{
	PreScanMft: {"Scan all mft entries and apply those lcn bitmap to disk", PreenNoMsg | NoNoMsg},
	ResetLogFile: {"Reset logfile", PreenNoMsg | NoNoMsg},
	MftFlagMismatch: {"Inode({{.InodeNum}}): MFT flag set as directory, but MFT/$FN is not set.", 0},
	DirNonzeroSize: {"Directory({{.InodeNum}}) has non-zero length({{.Size}}).", 0},
	MftReparseTagMismatch: {"Inode({{.InodeNum}}): Reparse tag is different with IDX/$FN, MFT/$FN.", 0},
	MftAllocatedSizeMismatch: {"Inode({{.InodeNum}}): Allocated size is different with IDX/$FN({{.IdxSize}}), MFT/$DATA({{.MftSize}}).", 0},
	MftDataSizeMismatch: {"Inode({{.InodeNum}}): Data size is different with IDX/$FN({{.IdxSize}}), MFT/$DATA({{.MftSize}}).", 0},
	DirFlagMismatchIdxFn: {"Directory({{.InodeNum}}): MFT flag is set to directory, IDX/$FN is not.", 0},
	DirFlagMismatchMftFn: {"Directory({{.InodeNum}}): MFT/$FN flag is set to directory, but there's no $IR.", 0},
	DirIrNotExist: {"Directory({{.InodeNum}}): INDEX/$FN flag is set to directory, but there's no $IR.", 0},
	MftFlagMismatchIdxFn: {"Inode({{.InodeNum}}): MFT/$FN is set to file, but IDX/$FN is set to directory.", 0},
	FileHaveIr: {"Inode({{.InodeNum}}): MFT/$FN is set to file, but there's no $DATA, $IR exist.", 0},
	AttrLowestVcnIsNotZero: {"Inode({{.InodeNum}}:{{.AttrType}}): Attribute lowest vcn({{.Vcn}}) is not zero.", 0},
	AttrNonResidentSizesMismatch: {"Inode({{.InodeNum}}:{{.AttrType}}): Size of non resident are corrupted.", 0},
	AttrValueOffsetBadlyAligned: {"Inode({{.InodeNum}}:{{.AttrType}}): Value offset badly aligned in attribute.", 0},
	AttrValueOffsetCorrupted: {"Inode({{.InodeNum}}:{{.AttrType}}): Value offset is corrupted in attribute.", 0},
	AttrNameOffsetCorrupted: {"Inode({{.InodeNum}}:{{.AttrType}}): Name offset is corrupted in attribute.", 0},
	AttrLengthCorrupted: {"Inode({{.InodeNum}}:{{.AttrType}}): Attribute length is corrupted in attribute.", 0},
	AttrFnFlagMismatch: {"Inode({{.InodeNum}}:{{.AttrType}}): $FN flag's not matched attribute flag.", 0},
	AttrIrSizeMismatch: {"Directory({{.InodeNum}}): $IR index block size is corrupted.", 0},
	IaMagicCorrupted: {"Directory({{.InodeNum}}): Index block(vcn:{{.Vcn}}) signature is corrupted.", 0},
	MftMagicCorrupted: {"Inode({{.InodeNum}}): MFT magic signature is corrupted.", 0},
	MftSizeCorrupted: {"Inode({{.InodeNum}}:{{.MftSize}}): MFT allocated size is corrupted.", 0},
	MftAttrOffsetCorrupted: {"Inode({{.InodeNum}}): MFT attribute offset is badly aligned.", 0},
	MftBiuCorrupted: {"Inode({{.InodeNum}}): MFT byte-in-use field is corrupted.", 0},
	IeZeroLength: {"Directory({{.InodeNum}}): Index entry length is zero, it should be at least the size of an IE header.", 0},
	BootSectorInvalid: {"Invalid boot sector.", 0},
	MountLoadMftFailure: {"Failed to load $MFT(0), recovering from $MFTMirr", 0},
	MountLoadMftmirrFailure: {"Failed to load $MFTMirr(1), recovering from $MFTMirr", 0},
	MountRepairedMftmirrCorrupted: {"$MFT is corrupted, repairing $MFT from $MFTMirr", 0},
	IeFlagSubNodeCorrupted: {"Directory({{.InodeNum}}): Index entry has a sub-node, but flag is not set.", 0},
	MountMftMftmirrMismatch: {"$MFT/$MFTMirr records do not match. Repairing $MFTMirr", 0},
	IeEndFlagCorrupted: {"Directory({{.InodeNum}}): Index entry is empty, but did not set end flag.", 0},
	LogApplyRunlistToDisk: {"Inode({{.InodeNum}}): Repaired runlist should be applied to disk", PreenNoMsg},
	DirHaveResidentIa: {"Directory({{.InodeNum}}) has resident $INDEX_ALLOCATION.", 0},
	AttrlistLengthCorrupted: {"Inode({{.InodeNum}}:{{.AttrType}}): Attribute list length is corrupted.", 0},
	IdxEntryCorrupted: {"Inode({{.InodeNum}}:{{.IndexedName}}): Index entry is corrupted, removing it from parent({{.ParentNum}})", 0},
	IdxBitmapSizeMismatch: {"Inode({{.InodeNum}}): Bitmap of index allocation size are different.", 0},
	IdxBitmapMismatch: {"Inode({{.InodeNum}}): Checked index bitmap and on-disk index bitmap are different.", 0},
	ClusterBitmapMismatch: {"Inode({{.InodeNum}}:{{.AttrType}}): Cluster bitmap of fsck and disk are different. Applying to disk.", 0},
	OrphanedMftRepair: {"Found an orphaned file({{.InodeNum}}), adding an index entry", 0},
	DirIdxInitialize: {"Initializing all index structures of directory({{.InodeNum}}).", 0},
	BitmapMftSizeMismatch: {"$Bitmap size({{.ActualSize}}) is smaller than expected({{.ExpectedSize}}).", 0},
	DirEmptyIeLengthCorrupted: {"Directory({{.InodeNum}}): Length of the empty entry of $INDEX_ROOT is not valid.", 0},
	ClusterDuplicationFound: {"Inode({{.InodeNum}}:{{.AttrType}}): Found cluster duplication.", 0},
	OrphanedMftOpenFailure: {"Inode({{.InodeNum}}) open failed. Clearing MFT bitmap of inode", PreenNoMsg},
	OrphanedMftCheckFailure: {"Inode({{.InodeNum}}) check failed. Deleting orphaned MFT candidate", PreenNoMsg},
}

// Context carries whichever fields a problem's description template
// references. Different problem codes populate different subsets of
// fields, and Format renders only the ones the matched template needs.
type Context struct {
	InodeNum    uint64
	ParentNum   uint64
	AttrType    string
	IndexedName string
	Size        uint64
	IdxSize     uint64
	MftSize     uint64
	Vcn         int64
	ActualSize  uint64
	ExpectedSize uint64
}

// Format renders code's description template against ctx. An unknown code
// renders as a fallback message rather than panicking, since this runs on
// untrusted on-disk data.
func Format(code Code, ctx Context) string {
	def, ok := table[code]
	if !ok {
		return fmt.Sprintf("unhandled problem code (%d)", int(code))
	}
	r := strings.NewReplacer(
		"{{.InodeNum}}", fmt.Sprintf("%d", ctx.InodeNum),
		"{{.ParentNum}}", fmt.Sprintf("%d", ctx.ParentNum),
		"{{.AttrType}}", ctx.AttrType,
		"{{.IndexedName}}", ctx.IndexedName,
		"{{.Size}}", fmt.Sprintf("%d", ctx.Size),
		"{{.IdxSize}}", fmt.Sprintf("%d", ctx.IdxSize),
		"{{.MftSize}}", fmt.Sprintf("%d", ctx.MftSize),
		"{{.Vcn}}", fmt.Sprintf("%d", ctx.Vcn),
		"{{.ActualSize}}", fmt.Sprintf("%d", ctx.ActualSize),
		"{{.ExpectedSize}}", fmt.Sprintf("%d", ctx.ExpectedSize),
	)
	return r.Replace(def.desc)
}

// Mode is the global repair mode selected on the command line (§6.1).
type Mode int

const (
	// ModeAuto applies non-interactive fixes silently ("-a"/"-p").
	ModeAuto Mode = iota
	// ModeNo never fixes, opens the volume read-only ("-n").
	ModeNo
	// ModeAsk prints and prompts on stdin ("-r").
	ModeAsk
	// ModeYes applies every fix silently ("-y").
	ModeYes
	// ModeDirtyCheckOnly only inspects the volume dirty flag ("-C").
	ModeDirtyCheckOnly
)

// Engine evaluates problems against a global Mode, tracking error/fix
// counts for the final exit-code decision and driving the interactive
// prompt for ModeAsk.
type Engine struct {
	Mode Mode
	Out  io.Writer
	In   *bufio.Reader
	// AllowReparseTagFix gates MftReparseTagMismatch: when false (the
	// default), that code is always reported but never auto-applied,
	// regardless of Mode.
	AllowReparseTagFix bool

	mu     sync.Mutex
	errors int
	fixes  int
}

// NewEngine builds an Engine. in may be nil unless mode is ModeAsk.
func NewEngine(mode Mode, out io.Writer, in io.Reader) *Engine {
	e := &Engine{Mode: mode, Out: out}
	if in != nil {
		e.In = bufio.NewReader(in)
	}
	return e
}

// Errors returns the number of problems observed so far.
func (e *Engine) Errors() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.errors
}

// Fixes returns the number of problems actually repaired so far.
func (e *Engine) Fixes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.fixes
}

// Fix resolves code against the engine's global mode and returns whether
// the caller should apply the fix now. It mirrors ntfs_fix_problem's
// suppress-then-ask algorithm from the original C fsck:
//   - PreenNoMsg under ModeAuto: repair silently, no message.
//   - NoNoMsg under ModeNo: leave unrepaired silently, no message.
//   - otherwise: print the formatted message, then resolve by mode (Yes ->
//     true, No -> false, Ask -> prompt stdin y/Y).
//
// Every call increments the error counter; a true return increments the
// fix counter. Calling it twice for the same logical problem in one run
// reflects each evaluation independently, but a suppressed problem never
// double prints.
func (e *Engine) Fix(code Code, ctx Context) bool {
	def := table[code]

	e.mu.Lock()
	e.errors++
	e.mu.Unlock()

	suppressed := false
	var forcedRepair bool
	if def.flags&PreenNoMsg != 0 && e.Mode == ModeAuto {
		suppressed = true
		forcedRepair = true
	}
	if def.flags&NoNoMsg != 0 && e.Mode == ModeNo {
		suppressed = true
		forcedRepair = false
	}

	var repair bool
	if suppressed {
		repair = forcedRepair
	} else {
		if e.Out != nil {
			fmt.Fprintln(e.Out, Format(code, ctx))
		}
		repair = e.askRepair()
	}

	if def.flags&ReportOnly != 0 {
		repair = false
	}
	if code == MftReparseTagMismatch && !e.AllowReparseTagFix {
		repair = false
	}

	if repair {
		e.mu.Lock()
		e.fixes++
		e.mu.Unlock()
	}
	return repair
}

// askRepair resolves the active mode into a plain yes/no, prompting stdin
// only under ModeAsk. Mirrors ntfs_ask_repair.
func (e *Engine) askRepair() bool {
	switch e.Mode {
	case ModeNo, ModeDirtyCheckOnly:
		return false
	case ModeYes, ModeAuto:
		return true
	case ModeAsk:
		if e.In == nil {
			return false
		}
		if e.Out != nil {
			fmt.Fprint(e.Out, " Fix it? (y/N) ")
		}
		line, err := e.In.ReadString('\n')
		if err != nil && line == "" {
			return false
		}
		line = strings.TrimSpace(line)
		return strings.EqualFold(line, "y")
	default:
		return false
	}
}

// ExitCode maps the final error/fix tally to a fsck-style process exit
// code: 0 clean, 1 errors corrected, 4 errors left uncorrected.
func (e *Engine) ExitCode() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	left := e.errors - e.fixes
	switch {
	case e.errors == 0:
		return 0
	case left > 0:
		return 4
	default:
		return 1
	}
}
