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

import "sync"

// cacheEntry pairs a decoded record with the number of outstanding
// references the index tree walker has handed out for it.
type cacheEntry struct {
	record      *Record
	lookupCount uint64
}

// Cache holds decoded records across the directory-tree walk so a record
// visited through two index entries (a hard link) is parsed once. The
// lookup-count / forget discipline mirrors how the teacher's kernel-facing
// inode table tracks outstanding references before it is safe to evict an
// entry.
type Cache struct {
	mu      sync.Mutex
	entries map[uint64]*cacheEntry
}

// NewCache returns an empty Cache.
func NewCache() *Cache {
	return &Cache{entries: make(map[uint64]*cacheEntry)}
}

// Put inserts or replaces the record for mftNo without touching its lookup
// count.
func (c *Cache) Put(mftNo uint64, rec *Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mftNo]
	if !ok {
		c.entries[mftNo] = &cacheEntry{record: rec}
		return
	}
	e.record = rec
}

// Lookup returns the cached record for mftNo, incrementing its lookup
// count by one. The caller must eventually call Forget(mftNo, 1).
func (c *Cache) Lookup(mftNo uint64) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mftNo]
	if !ok {
		return nil, false
	}
	e.lookupCount++
	return e.record, true
}

// Peek returns the cached record for mftNo without affecting its lookup
// count, used by revalidate-only visits to an already-marked inode.
func (c *Cache) Peek(mftNo uint64) (*Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mftNo]
	if !ok {
		return nil, false
	}
	return e.record, true
}

// Forget decrements mftNo's lookup count by n, evicting the entry once it
// reaches zero. Returns whether the entry was evicted.
func (c *Cache) Forget(mftNo uint64, n uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mftNo]
	if !ok {
		return false
	}
	if n >= e.lookupCount {
		delete(c.entries, mftNo)
		return true
	}
	e.lookupCount -= n
	return false
}

// Len reports how many records are currently cached.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
