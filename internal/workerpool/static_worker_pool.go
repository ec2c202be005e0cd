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

// Package workerpool provides a bounded pool of goroutines for the optional
// parallel MFT scan, sized up front rather than spawned one goroutine per
// record.
package workerpool

import (
	"fmt"

	"golang.org/x/sync/errgroup"
)

// Pool runs submitted jobs across a fixed number of goroutines and reports
// the first error any job returns.
type Pool struct {
	g *errgroup.Group
}

// NewStaticWorkerPool builds a Pool sized to priorityWorkers+normalWorkers
// goroutines. The distinction only matters for scheduling order under the
// teacher's cache-eviction workloads; this checker has a single job class,
// so priorityWorkers and normalWorkers are simply added together into one
// concurrency limit.
func NewStaticWorkerPool(priorityWorkers, normalWorkers uint32) (*Pool, error) {
	total := priorityWorkers + normalWorkers
	if total == 0 {
		return nil, fmt.Errorf("workerpool: at least one worker required")
	}
	g := new(errgroup.Group)
	g.SetLimit(int(total))
	return &Pool{g: g}, nil
}

// Submit schedules job to run on the pool, blocking only if every worker is
// already busy.
func (p *Pool) Submit(job func() error) {
	p.g.Go(job)
}

// Stop waits for every submitted job to finish and returns the first error
// any of them reported, if any. Safe to call on a nil Pool, so callers that
// discard a failed NewStaticWorkerPool's result can still defer Stop
// unconditionally.
func (p *Pool) Stop() error {
	if p == nil {
		return nil
	}
	return p.g.Wait()
}
