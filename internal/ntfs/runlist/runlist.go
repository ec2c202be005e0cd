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

// Package runlist implements the NTFS mapping-pairs codec: the wire format
// that describes a non-resident attribute's extents, and the in-memory
// Runlist it decodes into.
package runlist

import (
	"errors"
	"fmt"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

var (
	// ErrCorrupt is returned when a mapping-pair header nibble claims more
	// bytes than remain in the buffer. The caller receives whatever prefix
	// decoded successfully along with this error, and should treat it as a
	// signal to truncate the attribute at the last good VCN.
	ErrCorrupt = errors.New("runlist: corrupt mapping pairs header")
	// ErrInvalidLength is returned when a decoded length delta is <= 0.
	ErrInvalidLength = errors.New("runlist: non-positive length delta")
	// ErrOverflow is returned when an accumulated LCN underflows below -1
	// (the lowest meaningful sentinel, HOLE).
	ErrOverflow = errors.New("runlist: lcn accumulator overflow")
	// ErrNotFullyMapped is returned by Encode when a NOT_MAPPED run would
	// have to be silently extended to be written out. Callers must resolve
	// every gap to a real or hole mapping before encoding.
	ErrNotFullyMapped = errors.New("runlist: runlist is not fully mapped")
)

// Element is one decoded extent: length contiguous clusters starting at
// Vcn, backed by Lcn (when Kind == types.LcnReal) or by nothing at all
// (Hole, NotMapped). The final element of a Runlist is always the
// terminator: Length == 0, Kind == types.LcnEnoent.
type Element struct {
	Vcn    types.Vcn
	Lcn    types.Lcn
	Kind   types.LcnKind
	Length int64
}

// IsTerminator reports whether e is the runlist's sentinel end element.
func (e Element) IsTerminator() bool {
	return e.Length == 0
}

// Runlist is an ordered, VCN-increasing sequence of extents, always ending
// in a terminator element.
type Runlist []Element

// Terminator returns the runlist's trailing sentinel element. Decode and
// every mutating operation in this package maintain the invariant that one
// always exists.
func (rl Runlist) Terminator() Element {
	if len(rl) == 0 {
		return Element{Kind: types.LcnEnoent}
	}
	return rl[len(rl)-1]
}

// nibbleCount returns the low or high nibble of a mapping-pairs header
// byte: the byte count of the following length or LCN delta.
func nibbleCount(header byte, high bool) int {
	if high {
		return int(header >> 4)
	}
	return int(header & 0x0f)
}

// readSignedDelta reads n little-endian bytes as a sign-extended integer.
// NTFS mapping pairs store deltas in the minimal number of bytes needed,
// sign-extending from the top bit of the last byte.
func readSignedDelta(buf []byte) int64 {
	if len(buf) == 0 {
		return 0
	}
	var v int64
	for i, b := range buf {
		v |= int64(b) << (8 * uint(i))
	}
	// Sign-extend from the top bit of the last byte read.
	topBit := uint(len(buf)*8 - 1)
	if buf[len(buf)-1]&0x80 != 0 {
		v |= -1 << (topBit + 1)
	}
	return v
}

// Decode parses a mapping-pairs byte buffer into a Runlist starting at
// startVcn. On a header that overflows the buffer it returns ErrCorrupt
// together with whatever prefix decoded successfully (still correctly
// terminated), so callers can choose to truncate the attribute there.
func Decode(buf []byte, startVcn types.Vcn) (Runlist, error) {
	var rl Runlist
	vcn := startVcn
	var lastLcn types.Lcn
	haveLastLcn := false

	pos := 0
	for pos < len(buf) {
		header := buf[pos]
		pos++
		if header == 0x00 {
			rl = append(rl, Element{Vcn: vcn, Kind: types.LcnEnoent, Length: 0})
			return rl, nil
		}

		lenBytes := nibbleCount(header, false)
		lcnBytes := nibbleCount(header, true)

		if pos+lenBytes > len(buf) {
			rl = append(rl, Element{Vcn: vcn, Kind: types.LcnEnoent, Length: 0})
			return rl, fmt.Errorf("%w: length delta at offset %d", ErrCorrupt, pos)
		}
		lengthDelta := readSignedDelta(buf[pos : pos+lenBytes])
		pos += lenBytes
		if lengthDelta <= 0 {
			rl = append(rl, Element{Vcn: vcn, Kind: types.LcnEnoent, Length: 0})
			return rl, fmt.Errorf("%w: %d", ErrInvalidLength, lengthDelta)
		}

		if pos+lcnBytes > len(buf) {
			rl = append(rl, Element{Vcn: vcn, Kind: types.LcnEnoent, Length: 0})
			return rl, fmt.Errorf("%w: lcn delta at offset %d", ErrCorrupt, pos)
		}

		var elem Element
		elem.Vcn = vcn
		elem.Length = lengthDelta
		if lcnBytes == 0 {
			elem.Kind = types.LcnHole
		} else {
			delta := readSignedDelta(buf[pos : pos+lcnBytes])
			pos += lcnBytes
			var lcn int64
			if haveLastLcn {
				lcn = int64(lastLcn) + delta
			} else {
				lcn = delta
			}
			if lcn < -1 {
				rl = append(rl, Element{Vcn: vcn, Kind: types.LcnEnoent, Length: 0})
				return rl, fmt.Errorf("%w: accumulated lcn %d", ErrOverflow, lcn)
			}
			elem.Kind = types.LcnReal
			elem.Lcn = types.Lcn(lcn)
			lastLcn = elem.Lcn
			haveLastLcn = true
		}

		rl = append(rl, elem)
		vcn += types.Vcn(lengthDelta)
	}

	rl = append(rl, Element{Vcn: vcn, Kind: types.LcnEnoent, Length: 0})
	return rl, nil
}

func writeSignedDelta(delta int64) []byte {
	if delta == 0 {
		return nil
	}
	// Determine the minimal byte count: keep adding bytes until the value
	// sign-extends correctly from the top bit of the last byte.
	neg := delta < 0
	var out []byte
	v := delta
	for {
		b := byte(v & 0xff)
		out = append(out, b)
		v >>= 8
		if !neg && v == 0 && b&0x80 == 0 {
			break
		}
		if neg && v == -1 && b&0x80 != 0 {
			break
		}
	}
	return out
}

// Encode computes the mapping-pairs byte buffer for rl starting at
// startVcn. v3OrLater selects the delta-encoding rule used by NTFS v3+
// (LCN delta against the previous non-hole LCN); when false (NTFS v1.2),
// every LCN is written absolutely. maxSize caps the output length; pass 0
// (or a negative number) for no cap.
func Encode(rl Runlist, startVcn types.Vcn, v3OrLater bool, maxSize int) ([]byte, error) {
	var out []byte
	var lastLcn int64
	haveLastLcn := false

	for _, e := range rl {
		if e.IsTerminator() {
			break
		}
		if e.Kind == types.LcnNotMapped {
			return nil, ErrNotFullyMapped
		}

		lengthBytes := writeSignedDelta(e.Length)
		var lcnBytes []byte
		switch e.Kind {
		case types.LcnHole:
			lcnBytes = nil
		case types.LcnReal:
			if v3OrLater && haveLastLcn {
				lcnBytes = writeSignedDelta(int64(e.Lcn) - lastLcn)
			} else {
				lcnBytes = writeSignedDelta(int64(e.Lcn))
			}
			lastLcn = int64(e.Lcn)
			haveLastLcn = true
		default:
			return nil, fmt.Errorf("runlist: cannot encode element kind %v", e.Kind)
		}

		header := byte(len(lengthBytes)&0x0f) | byte((len(lcnBytes)&0x0f)<<4)
		out = append(out, header)
		out = append(out, lengthBytes...)
		out = append(out, lcnBytes...)

		if maxSize > 0 && len(out) > maxSize {
			return nil, fmt.Errorf("runlist: encoded size exceeds max %d", maxSize)
		}
	}
	out = append(out, 0x00)
	if maxSize > 0 && len(out) > maxSize {
		return nil, fmt.Errorf("runlist: encoded size exceeds max %d", maxSize)
	}
	return out, nil
}

// VcnToLcn resolves a VCN to its LCN via the runlist. A nil or empty
// runlist returns (0, types.LcnNotMapped). A VCN past every entry returns
// the terminator's kind (normally types.LcnEnoent).
func VcnToLcn(rl Runlist, vcn types.Vcn) (types.Lcn, types.LcnKind) {
	if len(rl) == 0 {
		return 0, types.LcnNotMapped
	}
	lo, hi := 0, len(rl)-1 // hi is the terminator index
	for lo < hi {
		mid := (lo + hi) / 2
		e := rl[mid]
		if vcn < e.Vcn {
			hi = mid
			continue
		}
		if vcn >= e.Vcn+types.Vcn(e.Length) {
			lo = mid + 1
			continue
		}
		if e.Kind != types.LcnReal {
			return 0, e.Kind
		}
		return e.Lcn + types.Lcn(vcn-e.Vcn), types.LcnReal
	}
	term := rl.Terminator()
	return 0, term.Kind
}

// Truncate trims rl to entries strictly below startVcn and rewrites the
// terminator's VCN to startVcn.
func Truncate(rl Runlist, startVcn types.Vcn) Runlist {
	var out Runlist
	for _, e := range rl {
		if e.IsTerminator() {
			continue
		}
		if e.Vcn >= startVcn {
			continue
		}
		if e.Vcn+types.Vcn(e.Length) > startVcn {
			e.Length = int64(startVcn - e.Vcn)
		}
		out = append(out, e)
	}
	out = append(out, Element{Vcn: startVcn, Kind: types.LcnEnoent, Length: 0})
	return out
}

// Merge splices two runlists covering adjacent VCN ranges (a ending where
// b begins), coalescing the boundary entries when they are contiguous:
// real runs whose (Lcn+Length) equals b's first Lcn, or holes meeting
// holes, or NOT_MAPPED meeting NOT_MAPPED regardless of VCN alignment.
func Merge(a, b Runlist) (Runlist, error) {
	aBody := stripTerminator(a)
	bBody := stripTerminator(b)

	if len(aBody) > 0 && len(bBody) > 0 {
		last := aBody[len(aBody)-1]
		first := bBody[0]
		coalesce := false
		switch {
		case last.Kind == types.LcnReal && first.Kind == types.LcnReal &&
			last.Lcn+types.Lcn(last.Length) == first.Lcn &&
			last.Vcn+types.Vcn(last.Length) == first.Vcn:
			coalesce = true
		case last.Kind == types.LcnHole && first.Kind == types.LcnHole &&
			last.Vcn+types.Vcn(last.Length) == first.Vcn:
			coalesce = true
		case last.Kind == types.LcnNotMapped && first.Kind == types.LcnNotMapped:
			coalesce = true
		}
		if coalesce {
			merged := last
			merged.Length += first.Length
			aBody = aBody[:len(aBody)-1]
			bBody = bBody[1:]
			aBody = append(aBody, merged)
		}
	}

	out := append(Runlist{}, aBody...)
	out = append(out, bBody...)

	term := b.Terminator()
	if len(out) > 0 {
		last := out[len(out)-1]
		term.Vcn = last.Vcn + types.Vcn(last.Length)
	}
	out = append(out, Element{Vcn: term.Vcn, Kind: types.LcnEnoent, Length: 0})
	return out, nil
}

func stripTerminator(rl Runlist) Runlist {
	if len(rl) == 0 {
		return nil
	}
	if rl[len(rl)-1].IsTerminator() {
		return append(Runlist{}, rl[:len(rl)-1]...)
	}
	return append(Runlist{}, rl...)
}

// DecodeTruncated reports whether err (as returned from Decode) signals
// that the caller should truncate the attribute at the last successfully
// decoded VCN.
func DecodeTruncated(err error) bool {
	return errors.Is(err, ErrCorrupt)
}
