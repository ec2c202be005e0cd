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

package runlist

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

func TestDecodeSimpleRun(t *testing.T) {
	// header 0x21: length delta 1 byte (0x0c -> 12), lcn delta 2 bytes
	// (0x34 0x12 -> 0x1234): one real run of 12 clusters at lcn 0x1234,
	// then terminator.
	buf := []byte{0x21, 0x0c, 0x34, 0x12, 0x00}
	rl, err := Decode(buf, 0)
	require.NoError(t, err)
	require.Len(t, rl, 2)
	assert.Equal(t, types.Vcn(0), rl[0].Vcn)
	assert.Equal(t, int64(12), rl[0].Length)
	assert.Equal(t, types.LcnReal, rl[0].Kind)
	assert.Equal(t, types.Lcn(0x1234), rl[0].Lcn)
	assert.True(t, rl[1].IsTerminator())
}

func TestDecodeHole(t *testing.T) {
	// header 0x01: length delta 1 byte, no lcn bytes -> hole.
	buf := []byte{0x01, 0x05, 0x00}
	rl, err := Decode(buf, 0)
	require.NoError(t, err)
	require.Len(t, rl, 2)
	assert.Equal(t, types.LcnHole, rl[0].Kind)
	assert.Equal(t, int64(5), rl[0].Length)
}

func TestDecodeCorruptHeaderReturnsPrefix(t *testing.T) {
	// header claims 4 bytes of length delta but buffer has only 1 left.
	buf := []byte{0x04, 0x01}
	rl, err := Decode(buf, 0)
	require.Error(t, err)
	assert.True(t, DecodeTruncated(err))
	// Prefix is just the terminator at vcn 0.
	require.Len(t, rl, 1)
	assert.True(t, rl[0].IsTerminator())
}

func TestDecodeNonPositiveLength(t *testing.T) {
	// length delta byte 0x00 decodes to zero, which is invalid.
	buf := []byte{0x11, 0x00, 0x01}
	_, err := Decode(buf, 0)
	require.ErrorIs(t, err, ErrInvalidLength)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	// R2: decode(encode(rl, v0, max), v0) == rl
	rl := Runlist{
		{Vcn: 0, Kind: types.LcnReal, Lcn: 1000, Length: 10},
		{Vcn: 10, Kind: types.LcnHole, Length: 5},
		{Vcn: 15, Kind: types.LcnReal, Lcn: 2000, Length: 3},
		{Vcn: 18, Kind: types.LcnEnoent, Length: 0},
	}
	buf, err := Encode(rl, 0, true, 0)
	require.NoError(t, err)

	got, err := Decode(buf, 0)
	require.NoError(t, err)
	require.Equal(t, rl, got)
}

func TestDecodeEncodeRoundTrip(t *testing.T) {
	// R1: encode(decode(bytes, v0), v0, inf) == bytes, for a valid buffer.
	buf := []byte{0x21, 0x0c, 0x34, 0x12, 0x11, 0x05, 0x10, 0x00}
	rl, err := Decode(buf, 0)
	require.NoError(t, err)

	out, err := Encode(rl, 0, true, 0)
	require.NoError(t, err)
	assert.Equal(t, buf, out)
}

func TestVcnToLcn(t *testing.T) {
	rl := Runlist{
		{Vcn: 0, Kind: types.LcnReal, Lcn: 1000, Length: 10},
		{Vcn: 10, Kind: types.LcnHole, Length: 5},
		{Vcn: 15, Kind: types.LcnEnoent, Length: 0},
	}
	lcn, kind := VcnToLcn(rl, 5)
	assert.Equal(t, types.LcnReal, kind)
	assert.Equal(t, types.Lcn(1005), lcn)

	_, kind = VcnToLcn(rl, 12)
	assert.Equal(t, types.LcnHole, kind)

	_, kind = VcnToLcn(rl, 100)
	assert.Equal(t, types.LcnEnoent, kind)

	_, kind = VcnToLcn(nil, 0)
	assert.Equal(t, types.LcnNotMapped, kind)
}

func TestTruncateAndMergeRoundTrip(t *testing.T) {
	// R3: merge(truncate(rl, k), rl_tail_from_k) covers the same VCN->LCN
	// mapping as rl. Non-contiguous runs are used here so the merge cannot
	// coalesce them away, keeping the comparison exact; contiguous runs are
	// covered separately by TestMergeCoalescesAdjacentRealRuns.
	rl := Runlist{
		{Vcn: 0, Kind: types.LcnReal, Lcn: 1000, Length: 10},
		{Vcn: 10, Kind: types.LcnReal, Lcn: 5000, Length: 5},
		{Vcn: 15, Kind: types.LcnEnoent, Length: 0},
	}
	k := types.Vcn(10)
	head := Truncate(rl, k)

	var tail Runlist
	for _, e := range rl {
		if e.IsTerminator() || e.Vcn >= k {
			tail = append(tail, e)
		}
	}

	merged, err := Merge(head, tail)
	require.NoError(t, err)
	assert.Equal(t, rl, merged)
}

func TestMergeCoalescesAdjacentRealRuns(t *testing.T) {
	a := Runlist{
		{Vcn: 0, Kind: types.LcnReal, Lcn: 100, Length: 5},
		{Vcn: 5, Kind: types.LcnEnoent, Length: 0},
	}
	b := Runlist{
		{Vcn: 5, Kind: types.LcnReal, Lcn: 105, Length: 5},
		{Vcn: 10, Kind: types.LcnEnoent, Length: 0},
	}
	merged, err := Merge(a, b)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, int64(10), merged[0].Length)
	assert.Equal(t, types.Lcn(100), merged[0].Lcn)
}

func TestMergeCoalescesHoles(t *testing.T) {
	a := Runlist{
		{Vcn: 0, Kind: types.LcnHole, Length: 5},
		{Vcn: 5, Kind: types.LcnEnoent, Length: 0},
	}
	b := Runlist{
		{Vcn: 5, Kind: types.LcnHole, Length: 3},
		{Vcn: 8, Kind: types.LcnEnoent, Length: 0},
	}
	merged, err := Merge(a, b)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, int64(8), merged[0].Length)
}

func TestMergeNotMappedCoalescesRegardlessOfVcn(t *testing.T) {
	a := Runlist{
		{Vcn: 0, Kind: types.LcnNotMapped, Length: 5},
		{Vcn: 5, Kind: types.LcnEnoent, Length: 0},
	}
	b := Runlist{
		{Vcn: 100, Kind: types.LcnNotMapped, Length: 3},
		{Vcn: 103, Kind: types.LcnEnoent, Length: 0},
	}
	merged, err := Merge(a, b)
	require.NoError(t, err)
	require.Len(t, merged, 2)
	assert.Equal(t, int64(8), merged[0].Length)
}

func TestEncodeRejectsNotMapped(t *testing.T) {
	rl := Runlist{
		{Vcn: 0, Kind: types.LcnNotMapped, Length: 5},
		{Vcn: 5, Kind: types.LcnEnoent, Length: 0},
	}
	_, err := Encode(rl, 0, true, 0)
	require.ErrorIs(t, err, ErrNotFullyMapped)
}

func TestEncodeAbsoluteLcnForV12(t *testing.T) {
	rl := Runlist{
		{Vcn: 0, Kind: types.LcnReal, Lcn: 1000, Length: 5},
		{Vcn: 5, Kind: types.LcnReal, Lcn: 2000, Length: 5},
		{Vcn: 10, Kind: types.LcnEnoent, Length: 0},
	}
	buf, err := Encode(rl, 0, false, 0)
	require.NoError(t, err)
	got, err := Decode(buf, 0)
	require.NoError(t, err)
	assert.Equal(t, rl, got)
}

func TestEncodeMaxSizeExceeded(t *testing.T) {
	rl := Runlist{
		{Vcn: 0, Kind: types.LcnReal, Lcn: 1000000, Length: 5000000},
		{Vcn: 5000000, Kind: types.LcnEnoent, Length: 0},
	}
	_, err := Encode(rl, 0, true, 2)
	require.Error(t, err)
}
