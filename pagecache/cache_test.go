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

package pagecache_test

import (
	"bytes"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jacobsa/vfs/blockdev"
	"github.com/jacobsa/vfs/pagecache"

	. "github.com/jacobsa/ogletest"
)

func TestPageCache(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Helpers
////////////////////////////////////////////////////////////////////////

// A backing object that maps file offsets to device sectors linearly from a
// fixed base, good enough to stand in for an inode.
type fakeBacking struct {
	dev  blockdev.Device
	base blockdev.Sector

	mu sync.Mutex

	// Offsets for which Extent reports a hole.
	holes map[int64]bool // GUARDED_BY(mu)

	// If non-nil, Extent returns this error.
	extentErr error // GUARDED_BY(mu)
}

func newFakeBacking(dev blockdev.Device, base blockdev.Sector) *fakeBacking {
	return &fakeBacking{
		dev:   dev,
		base:  base,
		holes: make(map[int64]bool),
	}
}

func (b *fakeBacking) Device() blockdev.Device {
	return b.dev
}

func (b *fakeBacking) Extent(offset int64) (blockdev.Sector, bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.extentErr != nil {
		return 0, false, b.extentErr
	}

	if b.holes[offset] {
		return 0, false, nil
	}

	sectorsPerPage := int64(pagecache.PageSize) / int64(b.dev.SectorSize())
	return b.base + blockdev.Sector(offset/pagecache.PageSize*sectorsPerPage), true, nil
}

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type PageCacheTest struct {
	dev     *blockdev.MemDevice
	cache   *pagecache.Cache
	backing *fakeBacking
}

var _ SetUpInterface = &PageCacheTest{}
var _ TearDownInterface = &PageCacheTest{}

func init() { RegisterTestSuite(&PageCacheTest{}) }

func (t *PageCacheTest) SetUp(ti *TestInfo) {
	var err error

	t.dev, err = blockdev.NewMemDevice(1<<24, blockdev.DeviceConfig{})
	AssertEq(nil, err)

	t.cache = pagecache.New(64)
	t.backing = newFakeBacking(t.dev, 0)
}

func (t *PageCacheTest) TearDown() {
	t.dev.Destroy()
}

// Fill the device page backing the given offset with the given byte.
func (t *PageCacheTest) seedDevice(offset int64, fill byte) {
	sector, mapped, err := t.backing.Extent(offset)
	AssertEq(nil, err)
	AssertTrue(mapped)

	_, err = t.dev.WriteAt(sector, bytes.Repeat([]byte{fill}, pagecache.PageSize))
	AssertEq(nil, err)
}

// Read back the device page backing the given offset.
func (t *PageCacheTest) deviceContents(offset int64) []byte {
	sector, mapped, err := t.backing.Extent(offset)
	AssertEq(nil, err)
	AssertTrue(mapped)

	buf := make([]byte, pagecache.PageSize)
	_, err = t.dev.ReadAt(sector, buf)
	AssertEq(nil, err)

	return buf
}

////////////////////////////////////////////////////////////////////////
// Lookup and fill
////////////////////////////////////////////////////////////////////////

func (t *PageCacheTest) FindMissesWhenAbsent() {
	p := t.cache.FindPage(t.backing, 0)
	ExpectTrue(p == nil)

	stats := t.cache.GetStats()
	ExpectEq(0, stats.Hits)
	ExpectEq(1, stats.Misses)
}

func (t *PageCacheTest) FindOrCreateInsertsZeroPage() {
	p := t.cache.FindOrCreatePage(t.backing, 4096)
	AssertTrue(p != nil)
	defer t.cache.Release(p)

	ExpectEq(int64(4096), p.Offset())
	ExpectEq(pagecache.PageClean, p.State())
	ExpectTrue(bytes.Equal(p.Data, make([]byte, pagecache.PageSize)))

	// A second lookup returns the same object and counts a hit.
	p2 := t.cache.FindPage(t.backing, 4096)
	AssertTrue(p2 != nil)
	defer t.cache.Release(p2)

	ExpectEq(p, p2)

	stats := t.cache.GetStats()
	ExpectEq(1, stats.Hits)
	ExpectEq(1, stats.Misses)
	ExpectEq(1, stats.Pages)
}

func (t *PageCacheTest) ReadPageFillsFromDevice() {
	t.seedDevice(0, 0xAB)

	p, err := t.cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)
	defer t.cache.Release(p)

	ExpectEq(pagecache.PageUpToDate, p.State())
	ExpectTrue(bytes.Equal(p.Data, bytes.Repeat([]byte{0xAB}, pagecache.PageSize)))
}

func (t *PageCacheTest) ReadPageOfHoleIsZero() {
	t.backing.mu.Lock()
	t.backing.holes[0] = true
	t.backing.mu.Unlock()

	p, err := t.cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)
	defer t.cache.Release(p)

	ExpectEq(pagecache.PageUpToDate, p.State())
	ExpectTrue(bytes.Equal(p.Data, make([]byte, pagecache.PageSize)))
}

func (t *PageCacheTest) FillFailureMarksErrorAndRetries() {
	boom := errors.New("taco")

	t.backing.mu.Lock()
	t.backing.extentErr = boom
	t.backing.mu.Unlock()

	_, err := t.cache.ReadPage(t.backing, 0)
	ExpectTrue(errors.Is(err, boom))

	// The failed page must not be served; a later attempt re-reads.
	t.backing.mu.Lock()
	t.backing.extentErr = nil
	t.backing.mu.Unlock()

	t.seedDevice(0, 0x5C)

	p, err := t.cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)
	defer t.cache.Release(p)

	ExpectEq(pagecache.PageUpToDate, p.State())
	ExpectTrue(bytes.Equal(p.Data, bytes.Repeat([]byte{0x5C}, pagecache.PageSize)))
}

func (t *PageCacheTest) AtMostOnePageObjectPerKey() {
	var pages []*pagecache.Page

	// Many lookups for the same key all alias the same object.
	for i := 0; i < 10; i++ {
		p, err := t.cache.ReadPage(t.backing, 8192)
		AssertEq(nil, err)
		pages = append(pages, p)
	}

	for _, p := range pages {
		ExpectEq(pages[0], p)
		t.cache.Release(p)
	}

	ExpectEq(1, t.cache.GetStats().Pages)
}

func (t *PageCacheTest) HitsPlusMissesEqualsFindCalls() {
	const finds = 37

	for i := 0; i < finds; i++ {
		// Cycle through a few offsets; some hit, some miss.
		off := int64(i%5) * pagecache.PageSize
		if p := t.cache.FindPage(t.backing, off); p != nil {
			t.cache.Release(p)
		} else {
			p := t.cache.FindOrCreatePage(t.backing, off)
			t.cache.Release(p)
		}
	}

	stats := t.cache.GetStats()
	ExpectEq(finds+5, stats.Hits+stats.Misses)
}

////////////////////////////////////////////////////////////////////////
// Dirty tracking and writeback
////////////////////////////////////////////////////////////////////////

func (t *PageCacheTest) MarkDirtyThenSync() {
	p, err := t.cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)

	copy(p.Data, bytes.Repeat([]byte{0xEE}, pagecache.PageSize))
	p.MarkDirty()
	ExpectEq(pagecache.PageDirty, p.State())

	t.cache.Release(p)

	// Sync writes the contents back and leaves nothing dirty.
	err = t.cache.SyncPages(t.backing)
	AssertEq(nil, err)

	ExpectEq(pagecache.PageUpToDate, p.State())
	ExpectTrue(bytes.Equal(t.deviceContents(0), bytes.Repeat([]byte{0xEE}, pagecache.PageSize)))
	ExpectEq(1, t.cache.GetStats().Writebacks)
}

func (t *PageCacheTest) MarkDirtyIsIdempotent() {
	p, err := t.cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)
	defer t.cache.Release(p)

	p.MarkDirty()
	p.MarkDirty()

	AssertEq(nil, t.cache.SyncPages(t.backing))

	// Only one writeback despite two marks.
	ExpectEq(1, t.cache.GetStats().Writebacks)
}

func (t *PageCacheTest) ClearDirtySkipsWriteback() {
	p, err := t.cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)
	defer t.cache.Release(p)

	p.MarkDirty()
	p.ClearDirty()
	ExpectEq(pagecache.PageUpToDate, p.State())

	AssertEq(nil, t.cache.SyncPages(t.backing))
	ExpectEq(0, t.cache.GetStats().Writebacks)
}

func (t *PageCacheTest) SyncAllCoversEveryBacking() {
	other := newFakeBacking(t.dev, 1<<12)

	p1, err := t.cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)
	p1.MarkDirty()
	t.cache.Release(p1)

	p2, err := t.cache.ReadPage(other, 0)
	AssertEq(nil, err)
	p2.MarkDirty()
	t.cache.Release(p2)

	AssertEq(nil, t.cache.FlushAll())

	ExpectEq(pagecache.PageUpToDate, p1.State())
	ExpectEq(pagecache.PageUpToDate, p2.State())
	ExpectEq(2, t.cache.GetStats().Writebacks)
}

func (t *PageCacheTest) SyncIsScopedToTheGivenBacking() {
	other := newFakeBacking(t.dev, 1<<12)

	p1, err := t.cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)
	p1.MarkDirty()
	t.cache.Release(p1)

	p2, err := t.cache.ReadPage(other, 0)
	AssertEq(nil, err)
	p2.MarkDirty()
	t.cache.Release(p2)

	AssertEq(nil, t.cache.SyncPages(t.backing))

	ExpectEq(pagecache.PageUpToDate, p1.State())
	ExpectEq(pagecache.PageDirty, p2.State())
}

////////////////////////////////////////////////////////////////////////
// Eviction
////////////////////////////////////////////////////////////////////////

func (t *PageCacheTest) LRUEviction() {
	cache := pagecache.New(2)

	// Touch offsets 0, 4096, 8192. The page at offset zero must be evicted.
	for _, off := range []int64{0, 4096, 8192} {
		p, err := cache.ReadPage(t.backing, off)
		AssertEq(nil, err)
		cache.Release(p)
	}

	stats := cache.GetStats()
	ExpectEq(1, stats.Evictions)
	ExpectEq(2, stats.Pages)

	// Offset zero misses; the two survivors hit.
	ExpectTrue(cache.FindPage(t.backing, 0) == nil)

	for _, off := range []int64{4096, 8192} {
		p := cache.FindPage(t.backing, off)
		AssertTrue(p != nil)
		cache.Release(p)
	}
}

func (t *PageCacheTest) PinnedPagesAreNotEvicted() {
	cache := pagecache.New(2)

	// Hold a reference to the page at offset zero.
	pinned, err := cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)

	for _, off := range []int64{4096, 8192, 12288} {
		p, err := cache.ReadPage(t.backing, off)
		AssertEq(nil, err)
		cache.Release(p)
	}

	// The pinned page must have survived every eviction scan.
	p := cache.FindPage(t.backing, 0)
	AssertTrue(p != nil)
	ExpectEq(pinned, p)

	cache.Release(p)
	cache.Release(pinned)
}

func (t *PageCacheTest) DirtyPagesAreWrittenBackOnEviction() {
	cache := pagecache.New(2)

	p, err := cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)

	copy(p.Data, bytes.Repeat([]byte{0x42}, pagecache.PageSize))
	p.MarkDirty()
	cache.Release(p)

	// Force the dirty page out.
	for _, off := range []int64{4096, 8192} {
		q, err := cache.ReadPage(t.backing, off)
		AssertEq(nil, err)
		cache.Release(q)
	}

	stats := cache.GetStats()
	ExpectEq(1, stats.Evictions)
	ExpectEq(1, stats.Writebacks)
	ExpectTrue(bytes.Equal(t.deviceContents(0), bytes.Repeat([]byte{0x42}, pagecache.PageSize)))
}

func (t *PageCacheTest) LockedPagesAreNotEvicted() {
	cache := pagecache.New(2)

	p, err := cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)

	// Hold the page lock, then release our reference so only the lock
	// protects it, and provoke an eviction scan.
	p.Lock()
	cache.Release(p)

	q, err := cache.ReadPage(t.backing, 4096)
	AssertEq(nil, err)
	cache.Release(q)

	r := cache.FindOrCreatePage(t.backing, 8192)
	cache.Release(r)

	// The locked page must still be resident.
	p.Unlock()

	found := cache.FindPage(t.backing, 0)
	AssertTrue(found != nil)
	cache.Release(found)
}

func (t *PageCacheTest) ConcurrentReadersOfOnePage() {
	t.seedDevice(0, 0x99)

	const numReaders = 16

	var wg sync.WaitGroup
	pages := make([]*pagecache.Page, numReaders)
	errs := make([]error, numReaders)

	for i := 0; i < numReaders; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			pages[i], errs[i] = t.cache.ReadPage(t.backing, 0)
		}()
	}

	wg.Wait()

	for i := 0; i < numReaders; i++ {
		AssertEq(nil, errs[i])
		ExpectEq(pages[0], pages[i])
		ExpectTrue(bytes.Equal(pages[i].Data, bytes.Repeat([]byte{0x99}, pagecache.PageSize)))
		t.cache.Release(pages[i])
	}
}

func (t *PageCacheTest) LockBlocksUntilUnlock() {
	p, err := t.cache.ReadPage(t.backing, 0)
	AssertEq(nil, err)
	defer t.cache.Release(p)

	p.Lock()

	acquired := make(chan struct{})
	go func() {
		p.Lock()
		close(acquired)
		p.Unlock()
	}()

	select {
	case <-acquired:
		AddFailure("Lock acquired while held elsewhere")
	case <-time.After(10 * time.Millisecond):
	}

	p.Unlock()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		AddFailure("Lock not acquired after unlock")
	}
}

////////////////////////////////////////////////////////////////////////
// Invalidation and administration
////////////////////////////////////////////////////////////////////////

func (t *PageCacheTest) InvalidateDropsAllPagesOfABacking() {
	other := newFakeBacking(t.dev, 1<<12)

	for _, off := range []int64{0, 4096} {
		p, err := t.cache.ReadPage(t.backing, off)
		AssertEq(nil, err)
		p.MarkDirty()
		t.cache.Release(p)
	}

	q, err := t.cache.ReadPage(other, 0)
	AssertEq(nil, err)
	t.cache.Release(q)

	t.cache.Invalidate(t.backing)

	ExpectTrue(t.cache.FindPage(t.backing, 0) == nil)
	ExpectTrue(t.cache.FindPage(t.backing, 4096) == nil)

	// The other backing's page survives; the discarded dirty pages are not
	// written back by a later sync.
	found := t.cache.FindPage(other, 0)
	AssertTrue(found != nil)
	t.cache.Release(found)

	AssertEq(nil, t.cache.FlushAll())
	ExpectEq(0, t.cache.GetStats().Writebacks)
}

func (t *PageCacheTest) SetMaxPagesEvictsImmediately() {
	for _, off := range []int64{0, 4096, 8192, 12288} {
		p, err := t.cache.ReadPage(t.backing, off)
		AssertEq(nil, err)
		t.cache.Release(p)
	}

	AssertEq(4, t.cache.GetStats().Pages)

	t.cache.SetMaxPages(2)
	ExpectEq(2, t.cache.GetStats().Pages)
	ExpectEq(2, t.cache.MaxPages())
}

func (t *PageCacheTest) HitRate() {
	ExpectEq(0.0, t.cache.HitRate())

	p := t.cache.FindOrCreatePage(t.backing, 0) // miss
	t.cache.Release(p)

	p = t.cache.FindPage(t.backing, 0) // hit
	t.cache.Release(p)

	ExpectEq(0.5, t.cache.HitRate())
}

func (t *PageCacheTest) ClearDropsEverything() {
	for _, off := range []int64{0, 4096} {
		p, err := t.cache.ReadPage(t.backing, off)
		AssertEq(nil, err)
		p.MarkDirty()
		t.cache.Release(p)
	}

	t.cache.Clear()

	ExpectEq(0, t.cache.GetStats().Pages)
	AssertEq(nil, t.cache.FlushAll())
	ExpectEq(0, t.cache.GetStats().Writebacks)
}
