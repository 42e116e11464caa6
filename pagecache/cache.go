// Copyright 2015 Google Inc. All Rights Reserved.
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

// Package pagecache implements a bounded, concurrent, LRU-governed cache of
// fixed-size pages keyed by (backing object, page-aligned offset), with
// dirty tracking, writeback, and page locking.
//
// The primary elements of interest are:
//
//  *  The Cache type, created with New. Callers obtain pages with ReadPage
//     (or the lower-level FindPage/FindOrCreatePage), mutate page contents
//     in place, and mark them dirty with Page.MarkDirty. Dirty pages are
//     written back only on explicit SyncPages/FlushAll calls, or when
//     eviction encounters them.
//
//  *  The Backing interface, implemented by objects whose contents the
//     cache holds (file system inodes, in practice). It supplies the device
//     and the offset-to-sector mapping the cache needs for fills and
//     writeback.
//
// The cache is an explicit handle rather than a process-wide singleton so
// that tests can instantiate isolated caches; a single Cache instance is
// intended to be shared by all mounts of a process.
package pagecache

import (
	"container/list"
	"fmt"
	"sync/atomic"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/vfs/blockdev"
)

// A backing object whose page-aligned extents the cache holds. Implemented
// by file system inodes.
//
// Implementations must be usable as map keys (in practice: pointer types),
// and a given object must compare equal only to itself. The cache holds a
// strong reference to the backing object for as long as any of its pages is
// resident; Invalidate severs those references.
type Backing interface {
	// The device that stores this object's contents.
	Device() blockdev.Device

	// Map the given page-aligned byte offset to the device sector that backs
	// it. mapped is false if no storage is assigned to the extent (a hole),
	// in which case the extent logically contains zeroes.
	Extent(offset int64) (sector blockdev.Sector, mapped bool, err error)
}

type pageKey struct {
	backing Backing
	offset  int64
}

// Monotonic counters describing cache behavior since creation.
type Stats struct {
	Hits       uint64
	Misses     uint64
	Evictions  uint64
	Writebacks uint64

	// The number of pages currently resident.
	Pages int
}

// A bounded cache of pages. Create with New. Safe for concurrent access.
type Cache struct {
	/////////////////////////
	// Mutable state
	/////////////////////////

	mu syncutil.InvariantMutex

	// The authoritative index of resident pages.
	//
	// INVARIANT: For each key k and page p, index[k] == p implies
	// (p.backing, p.offset) == k
	// INVARIANT: len(index) == lru.Len()
	index map[pageKey]*Page // GUARDED_BY(mu)

	// Resident pages, most recently used first.
	//
	// INVARIANT: Each element's value is a *Page present in index.
	lru *list.List // GUARDED_BY(mu)

	// Pages awaiting writeback.
	//
	// INVARIANT: Each element's value is a *Page with dirtyElem set.
	dirty *list.List // GUARDED_BY(mu)

	// The soft maximum number of resident pages.
	//
	// INVARIANT: maxPages > 0
	maxPages int // GUARDED_BY(mu)

	// The most recent writeback failure observed during eviction, reported
	// and cleared at the next explicit sync.
	evictionWritebackErr error // GUARDED_BY(mu)

	/////////////////////////
	// Counters (atomic)
	/////////////////////////

	hits       uint64
	misses     uint64
	evictions  uint64
	writebacks uint64
}

// Create a cache holding at most maxPages pages. maxPages must be positive.
func New(maxPages int) *Cache {
	if maxPages <= 0 {
		panic(fmt.Sprintf("non-positive maxPages: %d", maxPages))
	}

	c := &Cache{
		index:    make(map[pageKey]*Page),
		lru:      list.New(),
		dirty:    list.New(),
		maxPages: maxPages,
	}

	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

func (c *Cache) checkInvariants() {
	// INVARIANT: len(index) == lru.Len()
	if len(c.index) != c.lru.Len() {
		panic(fmt.Sprintf("index/LRU mismatch: %d vs. %d", len(c.index), c.lru.Len()))
	}

	// INVARIANT: maxPages > 0
	if c.maxPages <= 0 {
		panic(fmt.Sprintf("non-positive maxPages: %d", c.maxPages))
	}

	// INVARIANT: index entries match their keys and are on the LRU list.
	for k, p := range c.index {
		if p.backing != k.backing || p.offset != k.offset {
			panic(fmt.Sprintf("mis-keyed page at offset %d", p.offset))
		}

		if p.lruElem == nil {
			panic(fmt.Sprintf("resident page at offset %d not on LRU list", p.offset))
		}

		if p.refCount < 1 {
			panic(fmt.Sprintf("resident page at offset %d has refcount %d", p.offset, p.refCount))
		}
	}

	// INVARIANT: dirty list elements carry their positions.
	for e := c.dirty.Front(); e != nil; e = e.Next() {
		if e.Value.(*Page).dirtyElem != e {
			panic("dirty list element mismatch")
		}
	}
}

////////////////////////////////////////////////////////////////////////
// Lookup
////////////////////////////////////////////////////////////////////////

// Look up the page for the given backing object and page-aligned offset,
// returning a strong reference and promoting the page to the front of the
// LRU list, or nil if not resident. Counts a hit or a miss.
//
// The caller must eventually call Release on a non-nil result.
func (c *Cache) FindPage(b Backing, offset int64) *Page {
	checkAligned(offset)

	c.mu.Lock()
	defer c.mu.Unlock()

	p := c.index[pageKey{b, offset}]
	if p == nil {
		atomic.AddUint64(&c.misses, 1)
		return nil
	}

	atomic.AddUint64(&c.hits, 1)
	p.refCount++
	c.lru.MoveToFront(p.lruElem)

	return p
}

// Like FindPage, but allocate, insert, and return a zero-initialized page
// when absent, evicting from the LRU tail first if the cache is at
// capacity.
func (c *Cache) FindOrCreatePage(b Backing, offset int64) *Page {
	checkAligned(offset)

	c.mu.Lock()
	defer c.mu.Unlock()

	key := pageKey{b, offset}
	if p := c.index[key]; p != nil {
		atomic.AddUint64(&c.hits, 1)
		p.refCount++
		c.lru.MoveToFront(p.lruElem)
		return p
	}

	atomic.AddUint64(&c.misses, 1)

	if len(c.index) >= c.maxPages {
		c.evictLocked(len(c.index) + 1 - c.maxPages)
	}

	p := newPage(c, b, offset)
	p.refCount = 2 // the index's reference plus the caller's
	c.index[key] = p
	p.lruElem = c.lru.PushFront(p)

	return p
}

// Return a page that is UpToDate (or Dirty/Writeback, both of which imply
// contents at least as new as the device). If the page must be filled, the
// fill happens under the page lock with the device read issued at the
// sector supplied by the backing object; concurrent callers for the same
// page block until the fill finishes.
//
// The caller must eventually call Release on a non-nil result.
func (c *Cache) ReadPage(b Backing, offset int64) (*Page, error) {
	p := c.FindOrCreatePage(b, offset)

	p.Lock()

	switch p.lockedState() {
	case PageUpToDate, PageDirty, PageWriteback:
		// Someone else already filled it.
		p.Unlock()
		return p, nil
	}

	// The page is Clean (fresh) or Error (previous fill failed); fill it.
	err := c.fillLocked(p)
	p.Unlock()

	if err != nil {
		c.Release(p)
		return nil, err
	}

	return p, nil
}

// Fill the page from the device, setting the state that will be published
// on unlock to UpToDate or Error.
//
// REQUIRES: the page is locked by the caller.
func (c *Cache) fillLocked(p *Page) error {
	sector, mapped, err := p.backing.Extent(p.offset)
	if err != nil {
		p.SetState(PageError)
		return fmt.Errorf("Extent: %w", err)
	}

	if !mapped {
		// A hole reads as zeroes.
		for i := range p.Data {
			p.Data[i] = 0
		}

		p.SetState(PageUpToDate)
		return nil
	}

	if _, err := p.backing.Device().ReadAt(sector, p.Data); err != nil {
		p.SetState(PageError)
		return fmt.Errorf("device read: %w", err)
	}

	p.SetState(PageUpToDate)
	return nil
}

// Drop a strong reference previously returned by FindPage,
// FindOrCreatePage, or ReadPage. The page becomes an eviction candidate
// when only the cache's own reference remains.
func (c *Cache) Release(p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.refCount <= 0 {
		panic(fmt.Sprintf("release of page at offset %d with refcount %d", p.offset, p.refCount))
	}

	p.refCount--
}

////////////////////////////////////////////////////////////////////////
// Dirty tracking
////////////////////////////////////////////////////////////////////////

// Called by Page.MarkDirty, which has already transitioned the state.
func (c *Cache) addDirty(p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.dirtyElem == nil {
		p.dirtyElem = c.dirty.PushBack(p)
	}
}

// Called by Page.ClearDirty, which has already transitioned the state.
func (c *Cache) removeDirty(p *Page) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if p.dirtyElem != nil {
		c.dirty.Remove(p.dirtyElem)
		p.dirtyElem = nil
	}
}

////////////////////////////////////////////////////////////////////////
// Writeback and invalidation
////////////////////////////////////////////////////////////////////////

// Write back every dirty page belonging to the given backing object, or
// every dirty page in the cache if b is nil. Also surfaces (and clears) any
// writeback failure recorded by eviction since the last sync.
//
// After a successful return with no concurrent writers, no matching page is
// Dirty.
func (c *Cache) SyncPages(b Backing) error {
	// Snapshot the dirty pages of interest, taking a reference to each so
	// they cannot be evicted while we work.
	c.mu.Lock()
	pending := c.evictionWritebackErr
	c.evictionWritebackErr = nil

	var targets []*Page
	for e := c.dirty.Front(); e != nil; e = e.Next() {
		p := e.Value.(*Page)
		if b == nil || p.backing == b {
			p.refCount++
			targets = append(targets, p)
		}
	}
	c.mu.Unlock()

	err := pending
	for _, p := range targets {
		if wbErr := c.writebackPage(p); wbErr != nil && err == nil {
			err = wbErr
		}

		c.Release(p)
	}

	return err
}

// Write back every dirty page in the cache.
func (c *Cache) FlushAll() error {
	return c.SyncPages(nil)
}

// Write one page's contents to the device if it is still dirty, holding the
// page lock across the I/O.
func (c *Cache) writebackPage(p *Page) error {
	p.Lock()

	if p.lockedState() != PageDirty {
		// Someone else wrote it back (or invalidated it) first.
		p.Unlock()
		return nil
	}

	p.SetState(PageWriteback)

	sector, mapped, err := p.backing.Extent(p.offset)
	if err == nil && !mapped {
		err = fmt.Errorf("dirty page at offset %d has no backing extent: %w", p.offset, blockdev.EIO)
	}

	if err == nil {
		_, err = p.backing.Device().WriteAt(sector, p.Data)
	}

	if err != nil {
		// The page stays dirty; the caller sees the failure.
		p.SetState(PageDirty)
		p.Unlock()
		return fmt.Errorf("writeback: %w", err)
	}

	atomic.AddUint64(&c.writebacks, 1)
	p.SetState(PageUpToDate)
	p.Unlock()

	c.removeDirty(p)
	return nil
}

// Drop every page belonging to the given backing object from the index, the
// LRU list, and the dirty list. Dirty contents are discarded; callers that
// require durability must sync first.
func (c *Cache) Invalidate(b Backing) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, p := range c.index {
		if key.backing != b {
			continue
		}

		c.removeResidentLocked(p)
	}
}

// Remove a page from the index, LRU list, and dirty list, dropping the
// index's reference.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) removeResidentLocked(p *Page) {
	delete(c.index, pageKey{p.backing, p.offset})

	c.lru.Remove(p.lruElem)
	p.lruElem = nil

	if p.dirtyElem != nil {
		c.dirty.Remove(p.dirtyElem)
		p.dirtyElem = nil
	}

	p.refCount--
}

////////////////////////////////////////////////////////////////////////
// Eviction
////////////////////////////////////////////////////////////////////////

// Evict pages from the LRU tail until count pages have been evicted or no
// further candidate qualifies.
//
// Pinned candidates rotate to the front of the list; the number of
// rotations per call is bounded by the list length at entry, so each page
// is reconsidered at most once and a fully pinned cache cannot livelock the
// scan. When the bound is exhausted the insert that triggered eviction
// proceeds anyway, temporarily exceeding the soft maximum.
//
// LOCKS_REQUIRED(c.mu)
func (c *Cache) evictLocked(count int) {
	evicted := 0
	rotations := 0
	rotationBound := c.lru.Len()

	for evicted < count {
		e := c.lru.Back()
		if e == nil {
			return
		}

		p := e.Value.(*Page)

		// Pinned beyond the cache's own reference: rotate and retry, within
		// the bound.
		if p.refCount > 1 {
			if rotations >= rotationBound {
				return
			}

			rotations++
			c.lru.MoveToFront(e)
			continue
		}

		// Probe the page without blocking. A page whose lock we cannot take
		// immediately is in someone's critical section; give up on this
		// eviction call entirely.
		if !p.TryLock() {
			return
		}

		switch p.lockedState() {
		case PageWriteback:
			// Never evicted; rotate out of the way, within the bound.
			p.Unlock()
			if rotations >= rotationBound {
				return
			}

			rotations++
			c.lru.MoveToFront(e)
			continue

		case PageDirty:
			if !c.evictDirtyLocked(p) {
				// A page whose writeback failed stays at the tail; rotate it
				// out of the way, within the bound, rather than retry it.
				if p.lruElem != nil && p.refCount <= 1 {
					if rotations >= rotationBound {
						return
					}

					rotations++
					c.lru.MoveToFront(p.lruElem)
				}

				continue
			}

		default:
			c.removeResidentLocked(p)
			p.Unlock()
		}

		evicted++
		atomic.AddUint64(&c.evictions, 1)
	}
}

// Write back a dirty eviction candidate and, on success, evict it. The
// cache mutex is released around the device I/O. Returns false if the page
// survived (writeback failed or the page was pinned while unlocked).
//
// LOCKS_REQUIRED(c.mu)
// REQUIRES: p is locked by the caller with Dirty as its restore state.
func (c *Cache) evictDirtyLocked(p *Page) bool {
	p.SetState(PageWriteback)
	c.mu.Unlock()

	sector, mapped, err := p.backing.Extent(p.offset)
	if err == nil && !mapped {
		err = fmt.Errorf("dirty page at offset %d has no backing extent: %w", p.offset, blockdev.EIO)
	}

	if err == nil {
		_, err = p.backing.Device().WriteAt(sector, p.Data)
	}

	c.mu.Lock()

	// The page may have been invalidated while the mutex was released, in
	// which case there is nothing left to evict.
	if p.lruElem == nil {
		if err == nil {
			p.SetState(PageUpToDate)
		} else {
			p.SetState(PageDirty)
		}

		p.Unlock()
		return false
	}

	if err != nil {
		// The eviction is aborted; the failure surfaces at the next sync.
		p.SetState(PageDirty)
		p.Unlock()
		c.evictionWritebackErr = fmt.Errorf("writeback during eviction: %w", err)
		return false
	}

	atomic.AddUint64(&c.writebacks, 1)
	p.SetState(PageUpToDate)

	if p.dirtyElem != nil {
		c.dirty.Remove(p.dirtyElem)
		p.dirtyElem = nil
	}

	// Someone may have found the page while the mutex was released.
	if p.refCount > 1 {
		p.Unlock()
		return false
	}

	c.removeResidentLocked(p)
	p.Unlock()

	return true
}

////////////////////////////////////////////////////////////////////////
// Administration
////////////////////////////////////////////////////////////////////////

// Return the cache's counters and current size.
func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	pages := len(c.index)
	c.mu.Unlock()

	return Stats{
		Hits:       atomic.LoadUint64(&c.hits),
		Misses:     atomic.LoadUint64(&c.misses),
		Evictions:  atomic.LoadUint64(&c.evictions),
		Writebacks: atomic.LoadUint64(&c.writebacks),
		Pages:      pages,
	}
}

// Return the fraction of find-style calls that hit, in [0, 1].
func (c *Cache) HitRate() float64 {
	hits := atomic.LoadUint64(&c.hits)
	misses := atomic.LoadUint64(&c.misses)

	total := hits + misses
	if total == 0 {
		return 0
	}

	return float64(hits) / float64(total)
}

// Return the soft maximum page count.
func (c *Cache) MaxPages() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.maxPages
}

// Change the soft maximum page count, evicting immediately if the cache is
// over the new maximum. maxPages must be positive.
func (c *Cache) SetMaxPages(maxPages int) {
	if maxPages <= 0 {
		panic(fmt.Sprintf("non-positive maxPages: %d", maxPages))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.maxPages = maxPages
	if len(c.index) > c.maxPages {
		c.evictLocked(len(c.index) - c.maxPages)
	}
}

// Drop every resident page without writing anything back.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, p := range c.index {
		c.removeResidentLocked(p)
	}
}

func checkAligned(offset int64) {
	if offset%PageSize != 0 || offset < 0 {
		panic(fmt.Sprintf("misaligned page offset: %d", offset))
	}
}
