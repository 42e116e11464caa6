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

package pagecache

import (
	"container/list"
	"fmt"
	"sync"
)

// The fixed size of a cache page, in bytes. Equal to the block size used by
// the file systems this cache serves.
const PageSize = 4096

// The state of a page's contents with respect to the backing device.
type PageState int

const (
	// Freshly allocated; contents are zero and not known to match the device.
	PageClean PageState = iota

	// Contents have been modified and not yet written back. A page in this
	// state is always on the cache's dirty list.
	PageDirty

	// A holder is in an I/O critical section. Other operations wishing to
	// read, write, or evict the page block until the holder unlocks it.
	PageLocked

	// Contents are being written to the device.
	PageWriteback

	// Contents match the device (or a completed overwrite of the full page).
	PageUpToDate

	// The last fill attempt failed. The next read attempt re-reads from the
	// device; the cache never serves PageError contents to callers.
	PageError
)

func (s PageState) String() string {
	switch s {
	case PageClean:
		return "Clean"
	case PageDirty:
		return "Dirty"
	case PageLocked:
		return "Locked"
	case PageWriteback:
		return "Writeback"
	case PageUpToDate:
		return "UpToDate"
	case PageError:
		return "Error"
	}

	return fmt.Sprintf("PageState(%d)", int(s))
}

// A fixed-size buffer caching one page-aligned extent of a backing object.
// Obtained from a Cache, which also owns eviction and writeback. The holder
// may access Data only while it holds a strong reference (i.e. until it
// calls Cache.Release).
type Page struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// The cache that owns this page.
	cache *Cache

	// The object this page belongs to.
	backing Backing

	// The page-aligned offset within the backing object.
	//
	// INVARIANT: offset%PageSize == 0
	offset int64

	// The page contents. len(Data) == PageSize always.
	Data []byte

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards state. Held only briefly. The cache's eviction scan acquires it
	// while holding the cache mutex (its TryLock probe and the state
	// accessors), which cannot deadlock because no goroutine blocks on the
	// cache mutex while holding a page mutex.
	mu sync.Mutex

	// Signalled on unlock.
	unlocked *sync.Cond

	// The page's position in its state machine. See the comments on the
	// PageState values.
	state PageState // GUARDED_BY(mu)

	// The state to restore when an active lock is released. Meaningful only
	// while state == PageLocked.
	prevLockState PageState // GUARDED_BY(mu)

	/////////////////////////
	// Cache bookkeeping, guarded by the owning cache's mutex.
	/////////////////////////

	// Strong references: one held by the cache index, plus one per
	// outstanding holder.
	refCount int

	// The page's position in the cache's LRU list, or nil if not resident.
	lruElem *list.Element

	// The page's position in the cache's dirty list, or nil.
	dirtyElem *list.Element
}

func newPage(c *Cache, backing Backing, offset int64) *Page {
	p := &Page{
		cache:   c,
		backing: backing,
		offset:  offset,
		Data:    make([]byte, PageSize),
		state:   PageClean,
	}

	p.unlocked = sync.NewCond(&p.mu)
	return p
}

// Return the backing object this page belongs to.
func (p *Page) Backing() Backing {
	return p.backing
}

// Return the page-aligned offset of this page within its backing object.
func (p *Page) Offset() int64 {
	return p.offset
}

// Return the page's current state.
func (p *Page) State() PageState {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.state
}

// Block until the page is not locked by another holder, then mark it locked,
// remembering the state to restore on unlock.
func (p *Page) Lock() {
	p.mu.Lock()
	for p.state == PageLocked {
		p.unlocked.Wait()
	}

	p.prevLockState = p.state
	p.state = PageLocked
	p.mu.Unlock()
}

// Attempt to lock the page without blocking, reporting whether the lock was
// acquired.
func (p *Page) TryLock() bool {
	if !p.mu.TryLock() {
		return false
	}

	if p.state == PageLocked {
		p.mu.Unlock()
		return false
	}

	p.prevLockState = p.state
	p.state = PageLocked
	p.mu.Unlock()

	return true
}

// Release a lock previously acquired with Lock or TryLock and wake waiters.
// If SetState was not called while locked, the state in effect at Lock time
// is restored.
//
// REQUIRES: the page is locked by the caller.
func (p *Page) Unlock() {
	p.mu.Lock()
	if p.state == PageLocked {
		p.state = p.prevLockState
	}
	p.mu.Unlock()

	p.unlocked.Broadcast()
}

// Replace the state that Unlock will publish. Intended for use within a
// Lock/Unlock critical section, e.g. to record the outcome of a fill.
//
// REQUIRES: the page is locked by the caller.
func (p *Page) SetState(s PageState) {
	p.mu.Lock()
	p.pendingStateLocked(s)
	p.mu.Unlock()
}

// Return the logical state of the page from within a Lock/TryLock critical
// section, i.e. the state that Unlock would currently publish.
//
// REQUIRES: the page is locked by the caller.
func (p *Page) lockedState() PageState {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.state != PageLocked {
		panic(fmt.Sprintf("lockedState outside critical section; state is %v", p.state))
	}

	return p.prevLockState
}

// LOCKS_REQUIRED(p.mu)
func (p *Page) pendingStateLocked(s PageState) {
	if p.state != PageLocked {
		panic(fmt.Sprintf("SetState outside critical section; state is %v", p.state))
	}

	p.prevLockState = s
}

// Transition the page to Dirty and place it on the cache's dirty list. A
// no-op if the page is already Dirty or under writeback; within a locked
// critical section the dirty state is published on unlock.
//
// Callers mutate Data in place while holding a strong reference, then call
// MarkDirty. The cache does not schedule writeback on its own; see
// Cache.SyncPages.
func (p *Page) MarkDirty() {
	p.mu.Lock()
	switch p.state {
	case PageDirty, PageWriteback:
		p.mu.Unlock()
		return

	case PageLocked:
		if p.prevLockState == PageDirty || p.prevLockState == PageWriteback {
			p.mu.Unlock()
			return
		}

		p.prevLockState = PageDirty

	default:
		p.state = PageDirty
	}
	p.mu.Unlock()

	p.cache.addDirty(p)
}

// Transition the page from Dirty to UpToDate and remove it from the dirty
// list. A no-op if the page is not Dirty.
func (p *Page) ClearDirty() {
	p.mu.Lock()
	switch {
	case p.state == PageDirty:
		p.state = PageUpToDate

	case p.state == PageLocked && p.prevLockState == PageDirty:
		p.prevLockState = PageUpToDate

	default:
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	p.cache.removeDirty(p)
}
