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

package bitmap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/runlist"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

func TestFmbSetGetClear(t *testing.T) {
	fmb := NewFmb(1000)
	assert.False(t, fmb.Get(42))
	fmb.Set(42)
	assert.True(t, fmb.Get(42))
	fmb.Clear(42)
	assert.False(t, fmb.Get(42))
}

func TestFmbPagesIsolated(t *testing.T) {
	fmb := NewFmb(1 << 20)
	fmb.Set(5)
	fmb.Set(PageBits + 5)
	assert.True(t, fmb.Get(5))
	assert.True(t, fmb.Get(PageBits+5))
	assert.False(t, fmb.Get(6))
	assert.False(t, fmb.Get(PageBits+6))
}

func TestFcbSetRange(t *testing.T) {
	fcb := NewFcb(1 << 20)
	fcb.SetRange(100, 10, true)
	for i := types.Lcn(100); i < 110; i++ {
		assert.True(t, fcb.Get(i), "lcn %d should be set", i)
	}
	assert.False(t, fcb.Get(110))
	fcb.SetRange(100, 10, false)
	assert.False(t, fcb.Get(100))
}

func TestFcbNrUsedCountsSetBitsAcrossPages(t *testing.T) {
	fcb := NewFcb(1 << 20)
	assert.Equal(t, uint64(0), fcb.NrUsed())
	fcb.Set(5)
	fcb.Set(PageBits + 5)
	fcb.SetRange(100, 10, true)
	assert.Equal(t, uint64(12), fcb.NrUsed())
	fcb.Clear(5)
	assert.Equal(t, uint64(11), fcb.NrUsed())
}

// Bits past nrClusters-1 in the last page must read 1 when sampled via
// FindBlock.
func TestFcbFindBlockPadsLastPageWithOnes(t *testing.T) {
	nrClusters := uint64(100) // far smaller than one page
	fcb := NewFcb(nrClusters)
	block := fcb.FindBlock(0)

	for bit := uint64(0); bit < nrClusters; bit++ {
		got := block[bit/8]&(1<<uint(bit%8)) != 0
		assert.False(t, got, "bit %d should read unset before use", bit)
	}
	for bit := nrClusters; bit < PageBits; bit++ {
		got := block[bit/8]&(1<<uint(bit%8)) != 0
		assert.True(t, got, "bit %d past nrClusters-1 should read as 1", bit)
	}
}

func TestFcbFindBlockDoesNotPadNonLastPage(t *testing.T) {
	nrClusters := uint64(PageBits * 2)
	fcb := NewFcb(nrClusters)
	block := fcb.FindBlock(0)
	for bit := 0; bit < PageBits; bit++ {
		assert.False(t, block[bit/8]&(1<<uint(bit%8)) != 0)
	}
}

// Every cluster an attribute's runlist claims ends up set in the FCB.
func TestCheckAndSetRangeNoCollision(t *testing.T) {
	fcb := NewFcb(1 << 20)
	elem := runlist.Element{Vcn: 0, Kind: types.LcnReal, Lcn: 1000, Length: 4}
	dup, err := fcb.CheckAndSetRange(elem)
	require.NoError(t, err)
	assert.Nil(t, dup)
	for i := types.Lcn(1000); i < 1004; i++ {
		assert.True(t, fcb.Get(i))
	}
}

// A cluster claimed twice is reported as a duplicate-claim candidate (the
// caller turns this into a problem code), and remains set exactly once.
func TestCheckAndSetRangeDetectsDuplicate(t *testing.T) {
	fcb := NewFcb(1 << 20)
	first := runlist.Element{Vcn: 0, Kind: types.LcnReal, Lcn: 1000, Length: 4}
	_, err := fcb.CheckAndSetRange(first)
	require.NoError(t, err)

	second := runlist.Element{Vcn: 0, Kind: types.LcnReal, Lcn: 1000, Length: 4}
	dup, err := fcb.CheckAndSetRange(second)
	require.NoError(t, err)
	require.NotNil(t, dup)
	require.Len(t, dup, 2) // one duplicated run + terminator
	assert.Equal(t, types.Lcn(1000), dup[0].Lcn)
	assert.Equal(t, int64(4), dup[0].Length)
	assert.True(t, dup[1].IsTerminator())

	assert.True(t, fcb.Get(1000))
}

func TestCheckAndSetRangePartialOverlap(t *testing.T) {
	fcb := NewFcb(1 << 20)
	_, err := fcb.CheckAndSetRange(runlist.Element{Vcn: 0, Kind: types.LcnReal, Lcn: 1000, Length: 4})
	require.NoError(t, err)

	// Overlaps lcn 1002..1005: 1002,1003 collide, 1004,1005 are new.
	dup, err := fcb.CheckAndSetRange(runlist.Element{Vcn: 10, Kind: types.LcnReal, Lcn: 1002, Length: 4})
	require.NoError(t, err)
	require.Len(t, dup, 2)
	assert.Equal(t, types.Lcn(1002), dup[0].Lcn)
	assert.Equal(t, int64(2), dup[0].Length)

	assert.True(t, fcb.Get(1004))
	assert.True(t, fcb.Get(1005))
}
