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

package orphan

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

// fakeResolver is an in-memory Resolver for exercising the reattachment
// algorithm without a live volume.
type fakeResolver struct {
	candidates map[uint64]bool
	names      map[uint64][]FileNameLink
	index      map[uint64]map[string]bool // parentMftNo -> name -> exists
	lostFound  uint64
	linkCounts map[uint64]uint16
	cleared    map[uint64]bool

	// denyParent, when true, makes AddIndexEntry fail for this parent
	// (simulating a corrupted or full parent index), forcing lost+found
	// fallback.
	denyParent map[uint64]bool
	// collideLostFound makes the first lost+found AddIndexEntry attempt
	// (under the original name) fail, forcing the FSCK_# fallback name.
	collideLostFound map[uint64]bool
}

func newFakeResolver() *fakeResolver {
	return &fakeResolver{
		candidates:       make(map[uint64]bool),
		names:            make(map[uint64][]FileNameLink),
		index:            make(map[uint64]map[string]bool),
		lostFound:        999,
		linkCounts:       make(map[uint64]uint16),
		cleared:          make(map[uint64]bool),
		denyParent:       make(map[uint64]bool),
		collideLostFound: make(map[uint64]bool),
	}
}

func (f *fakeResolver) IsOrphanCandidate(mftNo uint64) bool { return f.candidates[mftNo] }

func (f *fakeResolver) FileNames(mftNo uint64) ([]FileNameLink, error) {
	links, ok := f.names[mftNo]
	if !ok {
		return nil, errors.New("no such inode")
	}
	return links, nil
}

func (f *fakeResolver) IndexContains(parentMftNo uint64, name string) (bool, error) {
	m := f.index[parentMftNo]
	return m[name], nil
}

func (f *fakeResolver) AddIndexEntry(parentMftNo uint64, name string, ref types.MftReference) error {
	if f.denyParent[parentMftNo] {
		return errors.New("index full")
	}
	if parentMftNo == f.lostFound && f.collideLostFound[ref.RecordNumber()] {
		delete(f.collideLostFound, ref.RecordNumber())
		return errors.New("name collision")
	}
	if f.index[parentMftNo] == nil {
		f.index[parentMftNo] = make(map[string]bool)
	}
	f.index[parentMftNo][name] = true
	return nil
}

func (f *fakeResolver) LostAndFoundMftNo() (uint64, error) { return f.lostFound, nil }

func (f *fakeResolver) SetLinkCount(mftNo uint64, count uint16) error {
	f.linkCounts[mftNo] = count
	return nil
}

func (f *fakeResolver) ClearFmb(mftNo uint64) error {
	f.cleared[mftNo] = true
	return nil
}

func TestReconcileAttachesToClaimedParent(t *testing.T) {
	r := newFakeResolver()
	r.candidates[10] = true
	r.names[10] = []FileNameLink{{ParentDirectory: types.NewMftReference(5, 1), Name: "orphan.txt"}}

	rc := NewReconciler(r)
	issues, err := rc.Reconcile([]Candidate{{MftNo: 10, SeqNo: 1}})
	require.NoError(t, err)

	assert.True(t, r.index[5]["orphan.txt"])
	assert.EqualValues(t, 1, r.linkCounts[10])
	require.Len(t, issues, 1)
	assert.Equal(t, problem.OrphanedMftRepair, issues[0].Code)
}

func TestReconcileFallsBackToLostAndFound(t *testing.T) {
	r := newFakeResolver()
	r.candidates[10] = true
	r.names[10] = []FileNameLink{{ParentDirectory: types.NewMftReference(5, 1), Name: "orphan.txt"}}
	r.denyParent[5] = true

	rc := NewReconciler(r)
	_, err := rc.Reconcile([]Candidate{{MftNo: 10, SeqNo: 1}})
	require.NoError(t, err)

	assert.True(t, r.index[r.lostFound]["orphan.txt"])
	assert.EqualValues(t, 1, r.linkCounts[10])
}

func TestReconcileRenamesOnLostAndFoundCollision(t *testing.T) {
	r := newFakeResolver()
	r.candidates[10] = true
	r.names[10] = []FileNameLink{{ParentDirectory: types.NewMftReference(5, 1), Name: "dup.txt"}}
	r.denyParent[5] = true
	r.collideLostFound[10] = true

	rc := NewReconciler(r)
	_, err := rc.Reconcile([]Candidate{{MftNo: 10, SeqNo: 1}})
	require.NoError(t, err)

	assert.False(t, r.index[r.lostFound]["dup.txt"])
	found := false
	for name := range r.index[r.lostFound] {
		if name != "dup.txt" {
			found = true
		}
	}
	assert.True(t, found, "expected a FSCK_# fallback name in lost+found")
	assert.EqualValues(t, 1, r.linkCounts[10])
}

func TestReconcileResolvesParentBeforeChild(t *testing.T) {
	r := newFakeResolver()
	r.candidates[10] = true // child
	r.candidates[20] = true // parent, also orphaned
	r.names[10] = []FileNameLink{{ParentDirectory: types.NewMftReference(20, 1), Name: "child.txt"}}
	r.names[20] = []FileNameLink{{ParentDirectory: types.NewMftReference(5, 1), Name: "parentdir"}}

	rc := NewReconciler(r)
	// Only the child is in the initial candidate batch; its parent must
	// still be resolved first via the DFS-up-a-broken-tree step.
	issues, err := rc.Reconcile([]Candidate{{MftNo: 10, SeqNo: 1}})
	require.NoError(t, err)

	assert.True(t, r.index[5]["parentdir"])
	assert.True(t, r.index[20]["child.txt"])
	assert.EqualValues(t, 1, r.linkCounts[20])
	assert.EqualValues(t, 1, r.linkCounts[10])
	assert.Len(t, issues, 2)
}

func TestReconcileZeroLinksClearsFmb(t *testing.T) {
	r := newFakeResolver()
	r.candidates[10] = true
	r.names[10] = nil // no $FILE_NAME instances at all

	rc := NewReconciler(r)
	issues, err := rc.Reconcile([]Candidate{{MftNo: 10, SeqNo: 1}})
	require.NoError(t, err)

	assert.EqualValues(t, 0, r.linkCounts[10])
	assert.True(t, r.cleared[10])
	require.Len(t, issues, 1)
	assert.Equal(t, problem.OrphanedMftCheckFailure, issues[0].Code)
}

func TestReconcileOpenFailureReportsIssue(t *testing.T) {
	r := newFakeResolver()
	r.candidates[10] = true
	// No entry in r.names at all -> FileNames returns an error.

	rc := NewReconciler(r)
	issues, err := rc.Reconcile([]Candidate{{MftNo: 10, SeqNo: 1}})
	require.NoError(t, err)
	require.Len(t, issues, 1)
	assert.Equal(t, problem.OrphanedMftOpenFailure, issues[0].Code)
}
