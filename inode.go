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
	"os"

	"golang.org/x/net/context"

	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/vfs/blockdev"
	"github.com/jacobsa/vfs/pagecache"
)

// The in-memory representation of a file or directory. Identified by its
// (superblock, inode number) pair; the superblock's inode cache guarantees
// at most one live object per identity. Storage operations are delegated to
// the driver's InodeOps table; file content I/O flows through the shared
// page cache, for which the inode acts as the backing object.
//
// Create with NewInode (drivers) and obtain with Superblock.GetInode
// (everyone else).
type Inode struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	sb  *Superblock
	ino InodeID
	ops InodeOps

	// Driver-private state associated with this inode, opaque to the VFS.
	Private interface{}

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards attrs and orders delegations to the driver. May be held while
	// calling into the page cache (a distinct, lower mutex). For renames
	// across two directories, both inode locks are taken in ascending inode
	// number order.
	mu syncutil.InvariantMutex

	// The current attributes. Size is authoritative in memory; the driver
	// persists it on WriteInode.
	//
	// INVARIANT: attrs.Mode &^ (os.ModePerm|os.ModeDir|os.ModeSymlink|os.ModeSticky) == 0
	// INVARIANT: !(IsDir() && IsSymlink())
	attrs InodeAttributes // GUARDED_BY(mu)

	// Strong references to this object. Guarded by the superblock's inode
	// table mutex; see Superblock.GetInode.
	refCount int
}

// Create an inode object for the given identity with the given operations
// table and initial attributes. Intended for drivers materializing inodes
// inside ReadInode and AllocInode; the result carries a single reference.
func NewInode(
	sb *Superblock,
	ino InodeID,
	ops InodeOps,
	attrs InodeAttributes) *Inode {
	in := &Inode{
		sb:       sb,
		ino:      ino,
		ops:      ops,
		attrs:    attrs,
		refCount: 1,
	}

	in.mu = syncutil.NewInvariantMutex(in.checkInvariants)
	return in
}

func (in *Inode) checkInvariants() {
	allowed := os.ModePerm | os.ModeDir | os.ModeSymlink | os.ModeSticky |
		os.ModeSetuid | os.ModeSetgid

	if in.attrs.Mode&^allowed != 0 {
		panic(fmt.Sprintf("Unexpected mode: %v", in.attrs.Mode))
	}

	if in.attrs.Mode&os.ModeDir != 0 && in.attrs.Mode&os.ModeSymlink != 0 {
		panic(fmt.Sprintf("Inode %d is both directory and symlink", in.ino))
	}
}

////////////////////////////////////////////////////////////////////////
// Identity and bookkeeping
////////////////////////////////////////////////////////////////////////

// Return the inode number, unique within the superblock.
func (in *Inode) ID() InodeID {
	return in.ino
}

// Return the owning superblock.
func (in *Inode) Superblock() *Superblock {
	return in.sb
}

// Return the driver's operations table for this inode.
func (in *Inode) Ops() InodeOps {
	return in.ops
}

// Take an additional reference. Each reference must eventually be dropped
// with DecRef.
func (in *Inode) IncRef() {
	in.sb.incInodeRef(in)
}

// Drop a reference. When the last reference is dropped the superblock
// forgets the object, and a later GetInode re-materializes it from the
// driver.
func (in *Inode) DecRef() {
	in.sb.decInodeRef(in)
}

// Return a copy of the inode's current attributes.
func (in *Inode) Attributes() InodeAttributes {
	in.mu.RLock()
	defer in.mu.RUnlock()

	return in.attrs
}

// LOCKS_EXCLUDED(in.mu)
func (in *Inode) IsDir() bool {
	return in.Attributes().Mode&os.ModeDir != 0
}

// LOCKS_EXCLUDED(in.mu)
func (in *Inode) IsSymlink() bool {
	return in.Attributes().Mode&os.ModeSymlink != 0
}

// LOCKS_EXCLUDED(in.mu)
func (in *Inode) IsRegular() bool {
	m := in.Attributes().Mode
	return m&(os.ModeDir|os.ModeSymlink) == 0
}

////////////////////////////////////////////////////////////////////////
// pagecache.Backing
////////////////////////////////////////////////////////////////////////

var _ pagecache.Backing = &Inode{}

// Return the device storing this inode's contents.
func (in *Inode) Device() blockdev.Device {
	return in.sb.Device()
}

// Map a page-aligned content offset to the device sector backing it,
// reporting holes as unmapped. Called by the page cache during fills and
// writeback; must not require in.mu.
func (in *Inode) Extent(offset int64) (blockdev.Sector, bool, error) {
	return in.ops.BlockMap(
		context.Background(),
		in,
		offset/pagecache.PageSize,
		false)
}

////////////////////////////////////////////////////////////////////////
// File contents
////////////////////////////////////////////////////////////////////////

// Read up to len(p) bytes of file contents starting at pos, through the
// page cache. Returns 0 at or past EOF, and the prefix up to EOF for reads
// straddling it. Updates atime.
func (in *Inode) Read(ctx context.Context, pos int64, p []byte) (int, error) {
	if pos < 0 {
		return 0, EINVAL
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.attrs.Mode&os.ModeDir != 0 {
		return 0, EISDIR
	}

	size := int64(in.attrs.Size)
	if pos >= size || len(p) == 0 {
		return 0, nil
	}

	n := len(p)
	if int64(n) > size-pos {
		n = int(size - pos)
	}

	read := 0
	cache := in.sb.Cache()
	for read < n {
		pageOff := (pos + int64(read)) &^ (pagecache.PageSize - 1)
		inPage := int(pos + int64(read) - pageOff)

		chunk := pagecache.PageSize - inPage
		if chunk > n-read {
			chunk = n - read
		}

		page, err := cache.ReadPage(in, pageOff)
		if err != nil {
			if read > 0 {
				break
			}

			return 0, err
		}

		copy(p[read:read+chunk], page.Data[inPage:])
		cache.Release(page)

		read += chunk
	}

	if !in.sb.noAtime() {
		in.attrs.Atime = in.sb.Clock().Now()
	}

	return read, nil
}

// Write len(p) bytes of file contents starting at pos, through the page
// cache. Partially overwritten pages that are not yet up to date are filled
// from the device first. Extends the size when the write runs past it, and
// updates mtime and ctime.
//
// The write is buffered in the cache; durability requires Sync.
func (in *Inode) Write(ctx context.Context, pos int64, p []byte) (int, error) {
	if pos < 0 {
		return 0, EINVAL
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	if in.attrs.Mode&os.ModeDir != 0 {
		return 0, EISDIR
	}

	if in.sb.ReadOnly() {
		return 0, EROFS
	}

	if in.attrs.Mode&0200 == 0 {
		return 0, EACCES
	}

	if len(p) == 0 {
		return 0, nil
	}

	written := 0
	cache := in.sb.Cache()
	for written < len(p) {
		cur := pos + int64(written)
		pageOff := cur &^ (pagecache.PageSize - 1)
		inPage := int(cur - pageOff)

		chunk := pagecache.PageSize - inPage
		if chunk > len(p)-written {
			chunk = len(p) - written
		}

		// Make sure storage is assigned before the page can go dirty, so
		// that writeback always has an extent to target.
		if _, _, err := in.ops.BlockMap(ctx, in, pageOff/pagecache.PageSize, true); err != nil {
			if written > 0 {
				break
			}

			return 0, err
		}

		var page *pagecache.Page
		var err error

		if chunk == pagecache.PageSize {
			// A full-page overwrite needs no fill.
			page = cache.FindOrCreatePage(in, pageOff)
			page.Lock()
			copy(page.Data, p[written:written+chunk])
			page.SetState(pagecache.PageUpToDate)
			page.Unlock()
		} else {
			page, err = cache.ReadPage(in, pageOff)
			if err != nil {
				if written > 0 {
					break
				}

				return 0, err
			}

			page.Lock()
			copy(page.Data[inPage:inPage+chunk], p[written:written+chunk])
			page.Unlock()
		}

		page.MarkDirty()
		cache.Release(page)

		written += chunk
	}

	if end := uint64(pos) + uint64(written); end > in.attrs.Size {
		in.attrs.Size = end
		in.attrs.Blocks = (end + uint64(in.sb.Device().BlockSize()) - 1) /
			uint64(in.sb.Device().BlockSize())
	}

	now := in.sb.Clock().Now()
	in.attrs.Mtime = now
	in.attrs.Ctime = now

	return written, nil
}

// Change the file size. Dirty pages are written back first, then cached
// pages are invalidated so that subsequent reads re-materialize from the
// device; a grow does not allocate storage by itself. Updates mtime and
// ctime.
func (in *Inode) Truncate(ctx context.Context, size uint64) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.attrs.Mode&os.ModeDir != 0 {
		return EISDIR
	}

	if in.sb.ReadOnly() {
		return EROFS
	}

	// Data below the new size must reach the device before the cached
	// copies are dropped.
	if err := in.sb.Cache().SyncPages(in); err != nil {
		return err
	}

	in.sb.Cache().Invalidate(in)

	if err := in.ops.Truncate(ctx, in, size); err != nil {
		return err
	}

	in.attrs.Size = size
	now := in.sb.Clock().Now()
	in.attrs.Mtime = now
	in.attrs.Ctime = now

	return nil
}

// Write back this inode's dirty pages, then ask the driver to persist its
// metadata.
func (in *Inode) Sync(ctx context.Context) error {
	if err := in.sb.Cache().SyncPages(in); err != nil {
		return err
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	return in.sb.Ops().WriteInode(ctx, in)
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

// Apply the non-nil fields of the request, first on storage via the driver
// and then in memory. Updates ctime.
func (in *Inode) SetAttributes(ctx context.Context, req *SetAttributesRequest) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.sb.ReadOnly() {
		return EROFS
	}

	if err := in.ops.SetAttributes(ctx, in, req); err != nil {
		return err
	}

	if req.Size != nil {
		in.attrs.Size = *req.Size
	}

	if req.Mode != nil {
		perm := os.ModePerm | os.ModeSetuid | os.ModeSetgid | os.ModeSticky
		in.attrs.Mode = in.attrs.Mode&^perm | *req.Mode&perm
	}

	if req.Uid != nil {
		in.attrs.Uid = *req.Uid
	}

	if req.Gid != nil {
		in.attrs.Gid = *req.Gid
	}

	if req.Atime != nil {
		in.attrs.Atime = *req.Atime
	}

	if req.Mtime != nil {
		in.attrs.Mtime = *req.Mtime
	}

	in.attrs.Ctime = in.sb.Clock().Now()
	return nil
}

// Replace the in-memory attributes wholesale. Intended for drivers applying
// state they have just read or computed.
//
// LOCKS_EXCLUDED(in.mu)
func (in *Inode) StoreAttributes(attrs InodeAttributes) {
	in.mu.Lock()
	defer in.mu.Unlock()

	in.attrs = attrs
}

// Mutate the in-memory attributes in place. Intended for drivers inside
// InodeOps invocations, which already run with the inode lock held.
//
// LOCKS_REQUIRED(in.mu)
func (in *Inode) MutateAttributes(f func(*InodeAttributes)) {
	f(&in.attrs)
}

////////////////////////////////////////////////////////////////////////
// Directory operations
////////////////////////////////////////////////////////////////////////

// Find the named child, returning it with a reference.
func (in *Inode) LookUp(ctx context.Context, name string) (*Inode, error) {
	in.mu.Lock()

	if in.attrs.Mode&os.ModeDir == 0 {
		in.mu.Unlock()
		return nil, ENOTDIR
	}

	ino, err := in.ops.LookUp(ctx, in, name)
	in.mu.Unlock()

	if err != nil {
		return nil, err
	}

	return in.sb.GetInode(ctx, ino)
}

// Create a regular file entry in this directory, returning its inode with a
// reference. Updates mtime and ctime on success.
func (in *Inode) Create(
	ctx context.Context,
	name string,
	mode os.FileMode) (*Inode, error) {
	ino, err := in.dirMutation(ctx, func() (InodeID, error) {
		return in.ops.Create(ctx, in, name, mode)
	})

	if err != nil {
		return nil, err
	}

	return in.sb.GetInode(ctx, ino)
}

// Create a directory entry in this directory, returning its inode with a
// reference. Updates mtime and ctime on success.
func (in *Inode) MkDir(
	ctx context.Context,
	name string,
	mode os.FileMode) (*Inode, error) {
	ino, err := in.dirMutation(ctx, func() (InodeID, error) {
		return in.ops.MkDir(ctx, in, name, mode)
	})

	if err != nil {
		return nil, err
	}

	return in.sb.GetInode(ctx, ino)
}

// Create a symbolic link entry in this directory, returning its inode with
// a reference. Updates mtime and ctime on success.
func (in *Inode) SymLink(
	ctx context.Context,
	name string,
	target string) (*Inode, error) {
	ino, err := in.dirMutation(ctx, func() (InodeID, error) {
		return in.ops.SymLink(ctx, in, name, target)
	})

	if err != nil {
		return nil, err
	}

	return in.sb.GetInode(ctx, ino)
}

// Remove a non-directory entry. Updates mtime and ctime on success.
func (in *Inode) Unlink(ctx context.Context, name string) error {
	_, err := in.dirMutation(ctx, func() (InodeID, error) {
		return 0, in.ops.Unlink(ctx, in, name)
	})

	return err
}

// Remove an empty directory entry. Updates mtime and ctime on success.
func (in *Inode) RmDir(ctx context.Context, name string) error {
	_, err := in.dirMutation(ctx, func() (InodeID, error) {
		return 0, in.ops.RmDir(ctx, in, name)
	})

	return err
}

// Run a directory mutation under the inode lock, updating mtime and ctime
// when it succeeds. A failed mutation leaves the directory (and its
// timestamps) unchanged.
func (in *Inode) dirMutation(
	ctx context.Context,
	f func() (InodeID, error)) (InodeID, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.attrs.Mode&os.ModeDir == 0 {
		return 0, ENOTDIR
	}

	if in.sb.ReadOnly() {
		return 0, EROFS
	}

	ino, err := f()
	if err != nil {
		return 0, err
	}

	now := in.sb.Clock().Now()
	in.attrs.Mtime = now
	in.attrs.Ctime = now

	return ino, nil
}

// Move oldName in this directory to newName in newDir. When the directories
// are distinct both inode locks are held, acquired in ascending inode
// number order so that concurrent renames cannot deadlock. A driver failure
// leaves both directories unchanged.
func (in *Inode) Rename(
	ctx context.Context,
	oldName string,
	newDir *Inode,
	newName string) error {
	if newDir.sb != in.sb {
		return EINVAL
	}

	if in == newDir {
		_, err := in.dirMutation(ctx, func() (InodeID, error) {
			return 0, in.ops.Rename(ctx, in, oldName, in, newName)
		})

		return err
	}

	first, second := in, newDir
	if second.ino < first.ino {
		first, second = second, first
	}

	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if in.attrs.Mode&os.ModeDir == 0 || newDir.attrs.Mode&os.ModeDir == 0 {
		return ENOTDIR
	}

	if in.sb.ReadOnly() {
		return EROFS
	}

	if err := in.ops.Rename(ctx, in, oldName, newDir, newName); err != nil {
		return err
	}

	now := in.sb.Clock().Now()
	in.attrs.Mtime = now
	in.attrs.Ctime = now
	newDir.attrs.Mtime = now
	newDir.attrs.Ctime = now

	return nil
}

// List this directory's entries. Updates atime.
func (in *Inode) ReadDir(ctx context.Context) ([]Dirent, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.attrs.Mode&os.ModeDir == 0 {
		return nil, ENOTDIR
	}

	entries, err := in.ops.ReadDir(ctx, in)
	if err != nil {
		return nil, err
	}

	if !in.sb.noAtime() {
		in.attrs.Atime = in.sb.Clock().Now()
	}

	return entries, nil
}

// Return the target of a symbolic link.
func (in *Inode) ReadLink(ctx context.Context) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.attrs.Mode&os.ModeSymlink == 0 {
		return "", EINVAL
	}

	return in.ops.ReadLink(ctx, in)
}

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

func (in *Inode) GetXattr(ctx context.Context, name string) ([]byte, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	return in.ops.GetXattr(ctx, in, name)
}

func (in *Inode) SetXattr(ctx context.Context, name string, value []byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.sb.ReadOnly() {
		return EROFS
	}

	if err := in.ops.SetXattr(ctx, in, name, value); err != nil {
		return err
	}

	in.attrs.Ctime = in.sb.Clock().Now()
	return nil
}

func (in *Inode) ListXattr(ctx context.Context) ([]string, error) {
	in.mu.RLock()
	defer in.mu.RUnlock()

	return in.ops.ListXattr(ctx, in)
}

func (in *Inode) RemoveXattr(ctx context.Context, name string) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	if in.sb.ReadOnly() {
		return EROFS
	}

	if err := in.ops.RemoveXattr(ctx, in, name); err != nil {
		return err
	}

	in.attrs.Ctime = in.sb.Clock().Now()
	return nil
}
