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

package vfs

import (
	"fmt"
	"sync"

	"golang.org/x/net/context"

	"github.com/jacobsa/timeutil"
	"github.com/jacobsa/vfs/blockdev"
	"github.com/jacobsa/vfs/pagecache"
)

// Dependencies and configuration with which a driver builds a superblock
// inside FileSystem.Mount.
type SuperblockConfig struct {
	// The device the file system lives on.
	Device blockdev.Device

	// The file system type that produced this superblock.
	FileSystem FileSystem

	// The driver's per-superblock operations.
	Ops SuperblockOps

	// Mount flags in effect.
	Flags MountFlags

	// The page cache serving content I/O for this mount. Shared across all
	// mounts of a VFS.
	Cache *pagecache.Cache

	// The clock used for inode timestamps.
	Clock timeutil.Clock
}

// One mounted file system instance: the device, the driver, and the roots
// of the object graph for that mount. Owns an inode cache that keeps a
// given inode identity aliased to a single object while references remain,
// re-materializing from the driver afterward.
type Superblock struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	config SuperblockConfig

	/////////////////////////
	// Mutable state
	/////////////////////////

	// The root dentry of the mount. Set once by SetRoot before the
	// superblock is returned from Mount.
	root *Dentry

	// Guards the inode table and all inode reference counts. A leaf lock:
	// no driver or device calls happen while it is held.
	inodeMu sync.Mutex

	// Live inodes by number. An entry exists exactly while its refCount > 0,
	// giving weak-reference behavior without keeping every inode forever.
	//
	// INVARIANT: For each entry (ino, in), in.ino == ino
	// INVARIANT: For each entry (_, in), in.refCount > 0
	inodes map[InodeID]*Inode // GUARDED_BY(inodeMu)

	// The number of open files referring to this superblock, maintained by
	// the VFS for unmount busy checks.
	openFiles int // GUARDED_BY(inodeMu)
}

// Create a superblock from the given configuration. The driver must call
// SetRoot before returning it from Mount.
func NewSuperblock(config SuperblockConfig) *Superblock {
	return &Superblock{
		config: config,
		inodes: make(map[InodeID]*Inode),
	}
}

// Return the device this superblock lives on.
func (sb *Superblock) Device() blockdev.Device {
	return sb.config.Device
}

// Return the file system type that mounted this superblock.
func (sb *Superblock) FileSystem() FileSystem {
	return sb.config.FileSystem
}

// Return the driver's per-superblock operations.
func (sb *Superblock) Ops() SuperblockOps {
	return sb.config.Ops
}

// Return the mount flags in effect.
func (sb *Superblock) Flags() MountFlags {
	return sb.config.Flags
}

// Return the page cache serving this mount.
func (sb *Superblock) Cache() *pagecache.Cache {
	return sb.config.Cache
}

// Return the clock used for timestamps.
func (sb *Superblock) Clock() timeutil.Clock {
	return sb.config.Clock
}

// Report whether the mount is read-only.
func (sb *Superblock) ReadOnly() bool {
	return sb.config.Flags&MountReadOnly != 0 || sb.config.Device.ReadOnly()
}

func (sb *Superblock) noAtime() bool {
	return sb.config.Flags&MountNoAtime != 0
}

// Return the root dentry of the mount.
func (sb *Superblock) Root() *Dentry {
	return sb.root
}

// Install the mount's root inode, consuming one reference to it. Called
// once by the driver during Mount.
func (sb *Superblock) SetRoot(in *Inode) {
	if sb.root != nil {
		panic("SetRoot called twice")
	}

	sb.root = newDentry(nil, "", in)
}

////////////////////////////////////////////////////////////////////////
// Inode cache
////////////////////////////////////////////////////////////////////////

// Return the inode with the given number, with a reference. If the
// identity is already live the existing object is returned; otherwise the
// driver materializes it via ReadInode.
//
// Multiple concurrent callers for a cold identity may race to materialize;
// the first insert wins and the losers' objects are discarded, so the
// aliasing guarantee holds.
func (sb *Superblock) GetInode(ctx context.Context, ino InodeID) (*Inode, error) {
	sb.inodeMu.Lock()
	if in, ok := sb.inodes[ino]; ok {
		in.refCount++
		sb.inodeMu.Unlock()
		return in, nil
	}
	sb.inodeMu.Unlock()

	// Materialize without the table lock held; ReadInode does device I/O.
	fresh, err := sb.config.Ops.ReadInode(ctx, sb, ino)
	if err != nil {
		return nil, err
	}

	sb.inodeMu.Lock()
	defer sb.inodeMu.Unlock()

	if in, ok := sb.inodes[ino]; ok {
		// Lost the race; use the winner.
		in.refCount++
		return in, nil
	}

	if fresh.refCount != 1 {
		panic(fmt.Sprintf("ReadInode returned inode %d with refcount %d", ino, fresh.refCount))
	}

	sb.inodes[ino] = fresh
	return fresh, nil
}

// Insert a freshly allocated inode into the table, so that GetInode aliases
// to it. Called by drivers from AllocInode; the inode's single reference
// remains with the caller.
func (sb *Superblock) AdoptInode(in *Inode) {
	sb.inodeMu.Lock()
	defer sb.inodeMu.Unlock()

	if _, ok := sb.inodes[in.ino]; ok {
		panic(fmt.Sprintf("AdoptInode: inode %d already live", in.ino))
	}

	sb.inodes[in.ino] = in
}

func (sb *Superblock) incInodeRef(in *Inode) {
	sb.inodeMu.Lock()
	defer sb.inodeMu.Unlock()

	if in.refCount <= 0 {
		panic(fmt.Sprintf("IncRef on dead inode %d", in.ino))
	}

	in.refCount++
}

func (sb *Superblock) decInodeRef(in *Inode) {
	sb.inodeMu.Lock()
	defer sb.inodeMu.Unlock()

	if in.refCount <= 0 {
		panic(fmt.Sprintf("DecRef on dead inode %d", in.ino))
	}

	in.refCount--
	if in.refCount == 0 {
		delete(sb.inodes, in.ino)
	}
}

// Return the number of live inode objects. Intended for tests.
func (sb *Superblock) LiveInodes() int {
	sb.inodeMu.Lock()
	defer sb.inodeMu.Unlock()

	return len(sb.inodes)
}

////////////////////////////////////////////////////////////////////////
// Open file accounting
////////////////////////////////////////////////////////////////////////

func (sb *Superblock) incOpenFiles() {
	sb.inodeMu.Lock()
	defer sb.inodeMu.Unlock()

	sb.openFiles++
}

func (sb *Superblock) decOpenFiles() {
	sb.inodeMu.Lock()
	defer sb.inodeMu.Unlock()

	if sb.openFiles <= 0 {
		panic("open file accounting underflow")
	}

	sb.openFiles--
}

// Return the number of open files on this superblock.
func (sb *Superblock) OpenFiles() int {
	sb.inodeMu.Lock()
	defer sb.inodeMu.Unlock()

	return sb.openFiles
}

////////////////////////////////////////////////////////////////////////
// Sync
////////////////////////////////////////////////////////////////////////

// Write back this mount's dirty pages and metadata: first every live
// inode's pages and attributes, then the driver's superblock state, then a
// device flush.
func (sb *Superblock) Sync(ctx context.Context) error {
	sb.inodeMu.Lock()
	live := make([]*Inode, 0, len(sb.inodes))
	for _, in := range sb.inodes {
		in.refCount++
		live = append(live, in)
	}
	sb.inodeMu.Unlock()

	var firstErr error
	for _, in := range live {
		if err := in.Sync(ctx); err != nil && firstErr == nil {
			firstErr = err
		}

		in.DecRef()
	}

	if err := sb.config.Ops.Sync(ctx, sb); err != nil && firstErr == nil {
		firstErr = err
	}

	if err := sb.config.Device.Flush(); err != nil && firstErr == nil {
		firstErr = err
	}

	return firstErr
}
