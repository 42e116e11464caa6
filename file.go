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
	"sync"

	"golang.org/x/net/context"
)

// Open-file state: a dentry, the flags the file was opened with, and a
// cursor. Multiple files may refer to one inode; the cursor belongs to the
// file, not the inode. Obtained from VFS.Open and released with Close.
type File struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	dentry *Dentry
	flags  OpenFlags

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards the cursor.
	mu sync.Mutex

	// The current file offset. Advanced by Read and Write by the bytes
	// actually transferred; mutated directly by Seek.
	//
	// INVARIANT: offset >= 0
	offset int64 // GUARDED_BY(mu)

	// Whether Close has run. Protects the superblock's open-file accounting
	// from double decrements.
	closed bool // GUARDED_BY(mu)
}

// Create a file on the given dentry. The caller transfers one inode
// reference (held via the dentry) and must have incremented the
// superblock's open count; VFS.Open does all of this.
func newFile(d *Dentry, flags OpenFlags) *File {
	return &File{
		dentry: d,
		flags:  flags,
	}
}

// Return the dentry this file was opened on.
func (f *File) Dentry() *Dentry {
	return f.dentry
}

// Return the inode this file refers to.
func (f *File) Inode() *Inode {
	return f.dentry.Inode()
}

// Return the flags the file was opened with.
func (f *File) Flags() OpenFlags {
	return f.flags
}

// Return the current cursor offset.
func (f *File) Offset() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.offset
}

// Read from the inode at the cursor, advancing it by the bytes actually
// read.
func (f *File) Read(ctx context.Context, p []byte) (int, error) {
	if !f.flags.MayRead() {
		return 0, EACCES
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	n, err := f.Inode().Read(ctx, f.offset, p)
	f.offset += int64(n)

	return n, err
}

// Write to the inode at the cursor, advancing it by the bytes actually
// written. In append mode the cursor first moves to the current size.
func (f *File) Write(ctx context.Context, p []byte) (int, error) {
	if !f.flags.MayWrite() {
		return 0, EACCES
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	in := f.Inode()
	if f.flags&O_APPEND != 0 {
		f.offset = int64(in.Attributes().Size)
	}

	n, err := in.Write(ctx, f.offset, p)
	f.offset += int64(n)

	return n, err
}

// Read from the inode at the given offset without touching the cursor.
func (f *File) ReadAt(ctx context.Context, pos int64, p []byte) (int, error) {
	if !f.flags.MayRead() {
		return 0, EACCES
	}

	return f.Inode().Read(ctx, pos, p)
}

// Write to the inode at the given offset without touching the cursor.
func (f *File) WriteAt(ctx context.Context, pos int64, p []byte) (int, error) {
	if !f.flags.MayWrite() {
		return 0, EACCES
	}

	return f.Inode().Write(ctx, pos, p)
}

// Move the cursor. whence is one of SeekSet, SeekCur, SeekEnd; a resulting
// offset below zero fails with EINVAL and leaves the cursor unchanged.
// Returns the new offset.
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var base int64
	switch whence {
	case SeekSet:
		base = 0
	case SeekCur:
		base = f.offset
	case SeekEnd:
		base = int64(f.Inode().Attributes().Size)
	default:
		return 0, EINVAL
	}

	if base+offset < 0 {
		return 0, EINVAL
	}

	f.offset = base + offset
	return f.offset, nil
}

// Change the file's size. See Inode.Truncate.
func (f *File) Truncate(ctx context.Context, size uint64) error {
	if !f.flags.MayWrite() {
		return EACCES
	}

	return f.Inode().Truncate(ctx, size)
}

// Write back the file's dirty pages and metadata. See Inode.Sync.
func (f *File) Fsync(ctx context.Context) error {
	return f.Inode().Sync(ctx)
}

// List the entries of the directory this file was opened on.
func (f *File) ReadDir(ctx context.Context) ([]Dirent, error) {
	return f.Inode().ReadDir(ctx)
}

// Return the inode's current attributes.
func (f *File) Stat() InodeAttributes {
	return f.Inode().Attributes()
}

// Create a second open file on the same dentry, sharing the inode but not
// the cursor, which starts at this file's current position.
func (f *File) Dup() *File {
	f.mu.Lock()
	offset := f.offset
	f.mu.Unlock()

	in := f.Inode()
	in.IncRef()
	in.Superblock().incOpenFiles()

	dup := newFile(f.dentry, f.flags)
	dup.offset = offset

	return dup
}

// Release the file: decrement the superblock's open count and drop the
// file's inode reference. The file must not be used afterward. Close is
// idempotent.
func (f *File) Close(ctx context.Context) error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}

	f.closed = true
	f.mu.Unlock()

	in := f.Inode()
	in.Superblock().decOpenFiles()
	in.DecRef()

	return nil
}
