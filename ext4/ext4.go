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

// Package ext4 implements the reference file system driver for package
// vfs: an ext4-shaped on-disk format with a superblock, block and inode
// bitmaps, a fixed inode table, direct plus single-indirect block pointers,
// and ext4-style linear directory records.
//
// The format intentionally omits journaling, extents, block groups, quotas,
// and encryption. Create an image with Mkfs, then register the value
// returned by NewFileSystem with a vfs.VFS and mount it.
package ext4

import (
	"fmt"
	"sync"

	"golang.org/x/net/context"

	"github.com/jacobsa/timeutil"
	"github.com/jacobsa/vfs"
	"github.com/jacobsa/vfs/blockdev"
	"github.com/jacobsa/vfs/pagecache"
)

// Dependencies for the driver.
type Config struct {
	// The clock used for on-disk timestamps.
	//
	// Default: timeutil.RealClock().
	Clock timeutil.Clock

	// The page cache that superblocks built by this driver hand to the VFS
	// object graph. Usually the owning VFS's cache.
	Cache *pagecache.Cache
}

// Create the "ext4" file system type for registration with a vfs.VFS.
func NewFileSystem(config Config) vfs.FileSystem {
	if config.Clock == nil {
		config.Clock = timeutil.RealClock()
	}

	if config.Cache == nil {
		config.Cache = pagecache.New(1024)
	}

	return &fileSystem{config: config}
}

type fileSystem struct {
	config Config
}

var _ vfs.FileSystem = &fileSystem{}

func (fs *fileSystem) Name() string {
	return "ext4"
}

// Probe the device, load the metadata, and build a superblock rooted at the
// root directory inode.
func (fs *fileSystem) Mount(
	ctx context.Context,
	dev blockdev.Device,
	flags vfs.MountFlags,
	options string) (*vfs.Superblock, error) {
	if dev.BlockSize() != BlockSize {
		return nil, fmt.Errorf("device block size %d: %w", dev.BlockSize(), vfs.EINVAL)
	}

	m := &meta{
		dev:   dev,
		clock: fs.config.Clock,
	}

	if err := m.load(); err != nil {
		return nil, err
	}

	m.iops = &inodeOps{m: m}

	sb := vfs.NewSuperblock(vfs.SuperblockConfig{
		Device:     dev,
		FileSystem: fs,
		Ops:        &superOps{m: m},
		Flags:      flags,
		Cache:      fs.config.Cache,
		Clock:      fs.config.Clock,
	})

	m.sb = sb

	root, err := sb.GetInode(ctx, RootIno)
	if err != nil {
		return nil, err
	}

	sb.SetRoot(root)

	if !sb.ReadOnly() {
		m.mu.Lock()
		m.super.MntCount++
		m.super.MountTime = fs.config.Clock.Now().Unix()
		m.superDirty = true
		m.mu.Unlock()
	}

	return sb, nil
}

// Push metadata to the device and forget the mount.
func (fs *fileSystem) Unmount(ctx context.Context, sb *vfs.Superblock) error {
	m := metaOf(sb)
	return m.sync()
}

func (fs *fileSystem) StatFS(
	ctx context.Context,
	sb *vfs.Superblock) (vfs.StatFS, error) {
	m := metaOf(sb)

	m.mu.Lock()
	defer m.mu.Unlock()

	return vfs.StatFS{
		BlockSize:       BlockSize,
		Blocks:          uint64(m.super.BlocksCount),
		BlocksFree:      uint64(m.super.FreeBlocks),
		BlocksAvailable: uint64(m.super.FreeBlocks),
		Inodes:          uint64(m.super.InodesCount),
		InodesFree:      uint64(m.super.FreeInodes),
		NameMax:         NameLen,
	}, nil
}

////////////////////////////////////////////////////////////////////////
// Metadata
////////////////////////////////////////////////////////////////////////

// In-memory state for one mounted image: the decoded superblock, the two
// bitmaps, and derived layout geometry. All driver locks live below the VFS
// inode locks; no method here calls back into vfs.Inode public methods.
type meta struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	dev   blockdev.Device
	clock timeutil.Clock
	iops  *inodeOps
	sb    *vfs.Superblock

	// Derived geometry, fixed after load.
	inodeTableBlocks uint32
	firstDataBlock   uint32

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards everything below, and the bitmaps' on-disk mirrors.
	mu sync.Mutex

	// The decoded superblock.
	super *diskSuper // GUARDED_BY(mu)

	// The block and inode allocation bitmaps, one bit per unit, loaded at
	// mount and written back on sync.
	//
	// INVARIANT: len(blockBitmap) == BlockSize
	// INVARIANT: len(inodeBitmap) == BlockSize
	blockBitmap []byte // GUARDED_BY(mu)
	inodeBitmap []byte // GUARDED_BY(mu)

	// Whether the corresponding structures differ from the device.
	superDirty  bool // GUARDED_BY(mu)
	bitmapDirty bool // GUARDED_BY(mu)
}

// Recover the driver state behind a superblock the VFS handed back.
func metaOf(sb *vfs.Superblock) *meta {
	return sb.Ops().(*superOps).m
}

func (m *meta) sectorsPerBlock() blockdev.Sector {
	return blockdev.Sector(BlockSize / m.dev.SectorSize())
}

func (m *meta) blockSector(block uint32) blockdev.Sector {
	return blockdev.Sector(block) * m.sectorsPerBlock()
}

func (m *meta) readBlock(block uint32, p []byte) error {
	if _, err := m.dev.ReadAt(m.blockSector(block), p); err != nil {
		return fmt.Errorf("read block %d: %w", block, err)
	}

	return nil
}

func (m *meta) writeBlock(block uint32, p []byte) error {
	if _, err := m.dev.WriteAt(m.blockSector(block), p); err != nil {
		return fmt.Errorf("write block %d: %w", block, err)
	}

	return nil
}

// Load the superblock and bitmaps from the device.
func (m *meta) load() error {
	blockZero := make([]byte, BlockSize)
	if err := m.readBlock(0, blockZero); err != nil {
		return err
	}

	super, err := decodeSuper(blockZero[superblockOffset:])
	if err != nil {
		return err
	}

	m.super = super
	m.inodeTableBlocks = (super.InodesCount + inodesPerBlock - 1) / inodesPerBlock
	m.firstDataBlock = super.FirstDataBlock

	m.blockBitmap = make([]byte, BlockSize)
	if err := m.readBlock(blockBitmapBlock, m.blockBitmap); err != nil {
		return err
	}

	m.inodeBitmap = make([]byte, BlockSize)
	if err := m.readBlock(inodeBitmapBlock, m.inodeBitmap); err != nil {
		return err
	}

	return nil
}

// Write the superblock and bitmaps back to the device if dirty, then flush
// the device.
func (m *meta) sync() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.bitmapDirty {
		if err := m.writeBlock(blockBitmapBlock, m.blockBitmap); err != nil {
			return err
		}

		if err := m.writeBlock(inodeBitmapBlock, m.inodeBitmap); err != nil {
			return err
		}

		m.bitmapDirty = false
	}

	if m.superDirty {
		m.super.WriteTime = m.clock.Now().Unix()

		blockZero := make([]byte, BlockSize)
		if err := m.readBlock(0, blockZero); err != nil {
			return err
		}

		copy(blockZero[superblockOffset:], encodeSuper(m.super))
		if err := m.writeBlock(0, blockZero); err != nil {
			return err
		}

		m.superDirty = false
	}

	if err := m.dev.Flush(); err != nil {
		return err
	}

	return nil
}

////////////////////////////////////////////////////////////////////////
// Inode table I/O
////////////////////////////////////////////////////////////////////////

// The inode table block and intra-block byte offset for an inode number.
// Inode numbers start at one, as in ext4.
func inodeTableSlot(ino vfs.InodeID) (block uint32, offset int) {
	index := uint32(ino - 1)
	return inodeTableBlock + index/inodesPerBlock,
		int(index%inodesPerBlock) * InodeSize
}

// Read one on-disk inode record.
func (m *meta) readDiskInode(ino vfs.InodeID) (*diskInode, error) {
	block, offset := inodeTableSlot(ino)

	buf := make([]byte, BlockSize)
	if err := m.readBlock(block, buf); err != nil {
		return nil, err
	}

	return decodeInode(buf[offset : offset+InodeSize]), nil
}

// Write one on-disk inode record.
func (m *meta) writeDiskInode(ino vfs.InodeID, di *diskInode) error {
	block, offset := inodeTableSlot(ino)

	buf := make([]byte, BlockSize)
	if err := m.readBlock(block, buf); err != nil {
		return err
	}

	copy(buf[offset:offset+InodeSize], encodeInode(di))
	return m.writeBlock(block, buf)
}
