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
	"os"

	"golang.org/x/net/context"

	"github.com/jacobsa/vfs/blockdev"
)

// A file system type that can be registered with a VFS and mounted on a
// block device. The driver is the sole owner of on-disk layout logic; the
// VFS touches device sectors only through the page cache when servicing
// file content I/O.
//
// Implementations must be safe for concurrent access via all methods.
type FileSystem interface {
	// The type name used in mount tables, e.g. "ext4".
	Name() string

	// Probe the device and build a superblock for it. The returned
	// superblock must have its root dentry set. See NewSuperblock.
	Mount(
		ctx context.Context,
		dev blockdev.Device,
		flags MountFlags,
		options string) (*Superblock, error)

	// Release a superblock previously returned by Mount. Called with no
	// remaining open files; the driver must push any remaining state to the
	// device.
	Unmount(ctx context.Context, sb *Superblock) error

	// Report file system statistics.
	StatFS(ctx context.Context, sb *Superblock) (StatFS, error)
}

// Per-superblock operations supplied by the driver when it builds a
// superblock.
type SuperblockOps interface {
	// Allocate a fresh inode of the given mode on storage, returning it with
	// a single reference. Link counts and directory wiring are the caller's
	// concern.
	AllocInode(
		ctx context.Context,
		sb *Superblock,
		mode os.FileMode) (*Inode, error)

	// Release the storage behind an inode whose link count has reached zero.
	FreeInode(ctx context.Context, in *Inode) error

	// Materialize the inode with the given ID from storage. The superblock
	// caches the result; a given identity aliases to one object while any
	// reference is live.
	ReadInode(
		ctx context.Context,
		sb *Superblock,
		ino InodeID) (*Inode, error)

	// Persist the inode's current attributes (including size) to storage.
	WriteInode(ctx context.Context, in *Inode) error

	// Push all of the driver's buffered metadata to the device.
	Sync(ctx context.Context, sb *Superblock) error

	// Change mount flags on a live superblock.
	Remount(ctx context.Context, sb *Superblock, flags MountFlags) error
}

// Operations on a single inode, supplied by the driver for every inode it
// materializes. Directory-taking methods are invoked with the directory
// inode's lock held; implementations must not call back into the same
// inode's public methods.
//
// Methods returning an InodeID hand the VFS an identity to materialize via
// Superblock.GetInode, keeping object lifetimes in one place.
type InodeOps interface {
	// Read file contents directly from storage, bypassing the page cache.
	// Used by drivers internally and by callers that need uncached access;
	// the VFS file path reads through the cache instead.
	Read(ctx context.Context, in *Inode, off int64, p []byte) (int, error)

	// The write-side counterpart of Read.
	Write(ctx context.Context, in *Inode, off int64, p []byte) (int, error)

	// Map a file block index (offset / block size) to the device sector
	// backing it. If create is set, allocate storage for the block if none
	// is assigned; otherwise report an unassigned block as unmapped.
	BlockMap(
		ctx context.Context,
		in *Inode,
		fileBlock int64,
		create bool) (sector blockdev.Sector, mapped bool, err error)

	// List the entries of a directory, excluding "." and "..".
	ReadDir(ctx context.Context, in *Inode) ([]Dirent, error)

	// Find the named child of a directory, returning ENOENT if absent.
	LookUp(ctx context.Context, dir *Inode, name string) (InodeID, error)

	// Create a regular file entry in the directory.
	Create(
		ctx context.Context,
		dir *Inode,
		name string,
		mode os.FileMode) (InodeID, error)

	// Remove a non-directory entry, dropping the target's link count and
	// freeing its storage when it reaches zero and no references remain.
	Unlink(ctx context.Context, dir *Inode, name string) error

	// Create a directory entry in the directory.
	MkDir(
		ctx context.Context,
		dir *Inode,
		name string,
		mode os.FileMode) (InodeID, error)

	// Remove an empty directory entry, returning ENOTEMPTY otherwise.
	RmDir(ctx context.Context, dir *Inode, name string) error

	// Move oldName in oldDir to newName in newDir, replacing a compatible
	// existing target. A failure leaves both directories unchanged.
	Rename(
		ctx context.Context,
		oldDir *Inode,
		oldName string,
		newDir *Inode,
		newName string) error

	// Create a symbolic link entry carrying the given target string.
	SymLink(
		ctx context.Context,
		dir *Inode,
		name string,
		target string) (InodeID, error)

	// Return the target of a symbolic link.
	ReadLink(ctx context.Context, in *Inode) (string, error)

	// Apply an attribute change on storage. The VFS updates the in-memory
	// attributes after a successful return.
	SetAttributes(
		ctx context.Context,
		in *Inode,
		req *SetAttributesRequest) error

	// Release storage beyond the given size. Called by Inode.Truncate after
	// cached pages have been invalidated.
	Truncate(ctx context.Context, in *Inode, size uint64) error

	// Extended attributes.
	GetXattr(ctx context.Context, in *Inode, name string) ([]byte, error)
	SetXattr(ctx context.Context, in *Inode, name string, value []byte) error
	ListXattr(ctx context.Context, in *Inode) ([]string, error)
	RemoveXattr(ctx context.Context, in *Inode, name string) error
}
