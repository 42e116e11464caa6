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
	"fmt"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
	"github.com/jacobsa/vfs"
	"github.com/jacobsa/vfs/blockdev"
)

// Options accepted by Mkfs.
type MkfsConfig struct {
	// The volume label, at most 16 bytes.
	VolumeName string

	// The volume UUID. A random one is generated when zero.
	UUID uuid.UUID

	// The clock stamping the root directory. Defaults to the real clock.
	Clock timeutil.Clock
}

// Write a fresh file system onto the device: superblock, bitmaps, inode
// table, and a root directory. Everything previously on the device is
// ignored.
func Mkfs(dev blockdev.Device, config MkfsConfig) error {
	if dev.BlockSize() != BlockSize {
		return fmt.Errorf("device block size %d: %w", dev.BlockSize(), vfs.EINVAL)
	}

	if dev.ReadOnly() {
		return vfs.EROFS
	}

	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	id := config.UUID
	if id == (uuid.UUID{}) {
		id = uuid.New()
	}

	blocksCount := uint32(dev.Size() / BlockSize)
	if blocksCount < 16 {
		return fmt.Errorf("device of %d blocks is too small: %w", blocksCount, vfs.EINVAL)
	}

	// A single bitmap block bounds the addressable blocks.
	if max := uint32(BlockSize * 8); blocksCount > max {
		blocksCount = max
	}

	// One inode per four blocks, rounded up to fill the last table block.
	inodesCount := (blocksCount/4 + inodesPerBlock - 1) / inodesPerBlock * inodesPerBlock
	if max := uint32(BlockSize * 8); inodesCount > max {
		inodesCount = max
	}

	tableBlocks := inodesCount / inodesPerBlock
	firstDataBlock := uint32(inodeTableBlock) + tableBlocks

	rootBlock := firstDataBlock

	super := &diskSuper{
		InodesCount:    inodesCount,
		BlocksCount:    blocksCount,
		FreeBlocks:     blocksCount - firstDataBlock - 1, // metadata plus the root block
		FreeInodes:     inodesCount - uint32(FirstIno) + 1,
		FirstDataBlock: firstDataBlock,
		LogBlockSize:   2, // log2(4096 / 1024)
		Magic:          SuperMagic,
		State:          1,
		InodeSize:      InodeSize,
		FirstIno:       uint32(FirstIno),
		WriteTime:      clock.Now().Unix(),
	}

	copy(super.UUID[:], id[:])
	copy(super.VolumeName[:], config.VolumeName)

	m := &meta{dev: dev, clock: clock}

	// Block zero: zeroes up to the superblock, then the superblock.
	blockZero := make([]byte, BlockSize)
	copy(blockZero[superblockOffset:], encodeSuper(super))
	if err := m.writeBlock(0, blockZero); err != nil {
		return err
	}

	// Block bitmap: metadata blocks and the root directory block are used.
	blockBitmap := make([]byte, BlockSize)
	for b := uint32(0); b <= rootBlock; b++ {
		bitmapSet(blockBitmap, b)
	}

	if err := m.writeBlock(blockBitmapBlock, blockBitmap); err != nil {
		return err
	}

	// Inode bitmap: the reserved inodes (1..FirstIno-1) are used.
	inodeBitmap := make([]byte, BlockSize)
	for i := uint32(0); i < uint32(FirstIno)-1; i++ {
		bitmapSet(inodeBitmap, i)
	}

	if err := m.writeBlock(inodeBitmapBlock, inodeBitmap); err != nil {
		return err
	}

	// Zero the inode table.
	zero := make([]byte, BlockSize)
	for b := uint32(0); b < tableBlocks; b++ {
		if err := m.writeBlock(inodeTableBlock+b, zero); err != nil {
			return err
		}
	}

	// Root directory: "." and ".." both point at the root, giving it the
	// customary link count of two.
	rootDir := make([]byte, BlockSize)
	dotLen := direntRecLen(1)
	writeDirent(rootDir, 0, uint32(RootIno), dotLen, ".", ftDir)
	writeDirent(rootDir, dotLen, uint32(RootIno), BlockSize-dotLen, "..", ftDir)

	if err := m.writeBlock(rootBlock, rootDir); err != nil {
		return err
	}

	now := clock.Now().UnixNano()
	rootInode := &diskInode{
		Mode:       modeDir | 0755,
		LinksCount: 2,
		Size:       BlockSize,
		Atime:      now,
		Mtime:      now,
		Ctime:      now,
		BlocksLo:   1,
	}

	rootInode.Block[0] = rootBlock

	buf := make([]byte, BlockSize)
	if err := m.readBlock(inodeTableBlock, buf); err != nil {
		return err
	}

	_, offset := inodeTableSlot(RootIno)
	copy(buf[offset:offset+InodeSize], encodeInode(rootInode))
	if err := m.writeBlock(inodeTableBlock, buf); err != nil {
		return err
	}

	return dev.Flush()
}
