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

// Package orphan reattaches MFT records that Pass 3's directory walk never
// reached back into the namespace, creating and falling back to
// lost+found as needed.
package orphan

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/ntfsck-go/ntfsck/internal/ntfs/problem"
	"github.com/ntfsck-go/ntfsck/internal/ntfs/types"
)

// FileNameLink is one $FILE_NAME instance read from an orphan candidate's
// MFT record: the parent it claims, and the name it claims under that
// parent.
type FileNameLink struct {
	ParentDirectory types.MftReference
	Name            string
}

// Resolver is the set of directory operations the reconciler needs,
// implemented against the live volume/inode cache by the caller (the
// five-pass driver). It lets this package's algorithm be exercised without
// a full volume.
type Resolver interface {
	IsOrphanCandidate(mftNo uint64) bool
	FileNames(mftNo uint64) ([]FileNameLink, error)
	IndexContains(parentMftNo uint64, name string) (bool, error)
	AddIndexEntry(parentMftNo uint64, name string, ref types.MftReference) error
	LostAndFoundMftNo() (uint64, error)
	SetLinkCount(mftNo uint64, count uint16) error
	ClearFmb(mftNo uint64) error
}

// Candidate is one orphan candidate: an in-use MFT record whose FMB bit
// was never set by the directory tree walk.
type Candidate struct {
	MftNo uint64
	SeqNo uint16
}

// Issue is one orphan-reconciliation finding.
type Issue struct {
	Code problem.Code
	Ctx  problem.Context
}

// Reconciler runs the orphan-reattachment algorithm over a batch of
// candidates discovered after Pass 3.
type Reconciler struct {
	Resolver Resolver

	resolved map[uint64]bool
	visiting map[uint64]bool
	issues   []Issue
}

// NewReconciler builds a Reconciler bound to resolver.
func NewReconciler(resolver Resolver) *Reconciler {
	return &Reconciler{
		Resolver: resolver,
		resolved: make(map[uint64]bool),
		visiting: make(map[uint64]bool),
	}
}

// Reconcile attempts to reattach every candidate, in any order: candidates
// whose parent is itself an unresolved candidate are resolved depth-first
// up the broken tree before the child is retried. It returns every problem
// found along the way.
func (r *Reconciler) Reconcile(candidates []Candidate) ([]Issue, error) {
	for _, c := range candidates {
		if r.resolved[c.MftNo] {
			continue
		}
		if _, err := r.resolveOne(c); err != nil {
			return r.issues, err
		}
	}
	return r.issues, nil
}

func (r *Reconciler) resolveOne(c Candidate) (int, error) {
	if r.visiting[c.MftNo] {
		// Cycle in a broken tree: leave this one for the caller to retry
		// after its ancestors resolve some other way.
		return 0, nil
	}
	r.visiting[c.MftNo] = true
	defer delete(r.visiting, c.MftNo)

	names, err := r.Resolver.FileNames(c.MftNo)
	if err != nil {
		r.issues = append(r.issues, Issue{Code: problem.OrphanedMftOpenFailure, Ctx: problem.Context{InodeNum: c.MftNo}})
		r.resolved[c.MftNo] = true
		return 0, nil
	}

	linksAdded := 0
	ref := types.NewMftReference(c.MftNo, c.SeqNo)
	for _, fn := range names {
		parentNo := fn.ParentDirectory.RecordNumber()
		if r.Resolver.IsOrphanCandidate(parentNo) && !r.resolved[parentNo] {
			if _, err := r.resolveOne(Candidate{MftNo: parentNo, SeqNo: fn.ParentDirectory.SequenceNumber()}); err != nil {
				return linksAdded, err
			}
		}
		ok, err := r.attach(c.MftNo, parentNo, fn.Name, ref)
		if err != nil {
			return linksAdded, err
		}
		if ok {
			linksAdded++
		}
	}

	r.resolved[c.MftNo] = true
	if linksAdded == 0 {
		if err := r.Resolver.SetLinkCount(c.MftNo, 0); err != nil {
			return linksAdded, err
		}
		if err := r.Resolver.ClearFmb(c.MftNo); err != nil {
			return linksAdded, err
		}
		r.issues = append(r.issues, Issue{Code: problem.OrphanedMftCheckFailure, Ctx: problem.Context{InodeNum: c.MftNo}})
		return linksAdded, nil
	}

	if err := r.Resolver.SetLinkCount(c.MftNo, uint16(linksAdded)); err != nil {
		return linksAdded, err
	}
	r.issues = append(r.issues, Issue{Code: problem.OrphanedMftRepair, Ctx: problem.Context{InodeNum: c.MftNo}})
	return linksAdded, nil
}

// attach tries the claimed parent/name first, then lost+found under the
// original name, then lost+found under a collision-proof fallback name.
func (r *Reconciler) attach(mftNo, parentNo uint64, name string, ref types.MftReference) (bool, error) {
	if exists, err := r.Resolver.IndexContains(parentNo, name); err == nil && !exists {
		if err := r.Resolver.AddIndexEntry(parentNo, name, ref); err == nil {
			return true, nil
		}
	}

	lf, err := r.Resolver.LostAndFoundMftNo()
	if err != nil {
		return false, err
	}
	if err := r.Resolver.AddIndexEntry(lf, name, ref); err == nil {
		return true, nil
	}

	fallback := fmt.Sprintf("FSCK_#%d_%s", mftNo, uuid.NewString())
	if err := r.Resolver.AddIndexEntry(lf, fallback, ref); err == nil {
		return true, nil
	}
	return false, nil
}
