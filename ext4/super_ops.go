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

package ext4

import (
	"os"
	"sync"
	"time"

	"golang.org/x/net/context"

	"github.com/jacobsa/vfs"
)

// Driver-private state attached to each materialized inode via
// vfs.Inode.Private: the authoritative copy of the on-disk record, holding
// the block pointers that BlockMap serves.
type inodeState struct {
	// Guards di. Taken by BlockMap without the VFS inode lock (the page
	// cache calls during writeback), so it must never be held while
	// acquiring a vfs.Inode lock.
	mu sync.Mutex

	di *diskInode // GUARDED_BY(mu)
}

func stateOf(in *vfs.Inode) *inodeState {
	return in.Private.(*inodeState)
}

// Build in-memory attributes from an on-disk record.
func attrsFromDiskInode(di *diskInode) vfs.InodeAttributes {
	return vfs.InodeAttributes{
		Size:      di.Size,
		Blocks:    uint64(di.BlocksLo),
		Nlink:     uint32(di.LinksCount),
		Mode:      fileModeFromDisk(di.Mode),
		Uid:       di.Uid,
		Gid:       di.Gid,
		BlockSize: BlockSize,
		Atime:     time.Unix(0, di.Atime),
		Mtime:     time.Unix(0, di.Mtime),
		Ctime:     time.Unix(0, di.Ctime),
	}
}

// Fold current in-memory attributes into an on-disk record, preserving the
// block pointers and link count that the driver owns.
func (s *inodeState) applyAttrs(attrs *vfs.InodeAttributes) {
	s.di.Size = attrs.Size
	s.di.Mode = fileModeToDisk(attrs.Mode)
	s.di.Uid = attrs.Uid
	s.di.Gid = attrs.Gid
	s.di.Atime = attrs.Atime.UnixNano()
	s.di.Mtime = attrs.Mtime.UnixNano()
	s.di.Ctime = attrs.Ctime.UnixNano()
}

type superOps struct {
	m *meta
}

var _ vfs.SuperblockOps = &superOps{}

// Allocate a fresh on-disk inode of the given mode and materialize it. The
// record is persisted immediately so that a concurrent GetInode observes
// it.
func (ops *superOps) AllocInode(
	ctx context.Context,
	sb *vfs.Superblock,
	mode os.FileMode) (*vfs.Inode, error) {
	m := ops.m

	ino, err := m.allocInode()
	if err != nil {
		return nil, err
	}

	now := m.clock.Now().UnixNano()
	di := &diskInode{
		Mode:       fileModeToDisk(mode),
		LinksCount: 1,
		Atime:      now,
		Mtime:      now,
		Ctime:      now,
	}

	if err := m.writeDiskInode(ino, di); err != nil {
		m.freeInode(ino)
		return nil, err
	}

	in := vfs.NewInode(sb, ino, m.iops, attrsFromDiskInode(di))
	in.Private = &inodeState{di: di}
	sb.AdoptInode(in)

	return in, nil
}

// Release the storage behind an inode: its data blocks, its xattr block,
// and its table slot.
func (ops *superOps) FreeInode(ctx context.Context, in *vfs.Inode) error {
	m := ops.m
	s := stateOf(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := m.freeInodeBlocks(s.di); err != nil {
		return err
	}

	s.di.LinksCount = 0
	if err := m.writeDiskInode(in.ID(), s.di); err != nil {
		return err
	}

	m.freeInode(in.ID())
	return nil
}

// Materialize an inode from its table record.
func (ops *superOps) ReadInode(
	ctx context.Context,
	sb *vfs.Superblock,
	ino vfs.InodeID) (*vfs.Inode, error) {
	m := ops.m

	m.mu.Lock()
	known := uint32(ino) >= 1 &&
		uint32(ino) <= m.super.InodesCount &&
		bitmapGet(m.inodeBitmap, uint32(ino-1))
	m.mu.Unlock()

	if !known {
		return nil, vfs.ENOENT
	}

	di, err := m.readDiskInode(ino)
	if err != nil {
		return nil, err
	}

	in := vfs.NewInode(sb, ino, m.iops, attrsFromDiskInode(di))
	in.Private = &inodeState{di: di}

	return in, nil
}

// Persist the inode's current attributes and block pointers to its table
// record. Runs with the VFS inode lock held.
func (ops *superOps) WriteInode(ctx context.Context, in *vfs.Inode) error {
	s := stateOf(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	in.MutateAttributes(func(attrs *vfs.InodeAttributes) {
		s.applyAttrs(attrs)
	})

	return ops.m.writeDiskInode(in.ID(), s.di)
}

// Push superblock and bitmap state to the device.
func (ops *superOps) Sync(ctx context.Context, sb *vfs.Superblock) error {
	return ops.m.sync()
}

// Nothing beyond the flags carried by the VFS needs to change on remount.
func (ops *superOps) Remount(
	ctx context.Context,
	sb *vfs.Superblock,
	flags vfs.MountFlags) error {
	return nil
}
