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

	"github.com/jacobsa/vfs"
)

// Bitmap helpers. A set bit means the unit is in use.

func bitmapGet(bm []byte, index uint32) bool {
	return bm[index/8]&(1<<(index%8)) != 0
}

func bitmapSet(bm []byte, index uint32) {
	bm[index/8] |= 1 << (index % 8)
}

func bitmapClear(bm []byte, index uint32) {
	bm[index/8] &^= 1 << (index % 8)
}

// Allocate one data block, zeroing it on the device, so that a fill of a
// freshly mapped page never observes stale bytes.
//
// LOCKS_EXCLUDED(m.mu)
func (m *meta) allocBlock() (uint32, error) {
	m.mu.Lock()

	var block uint32
	found := false
	for b := m.firstDataBlock; b < m.super.BlocksCount; b++ {
		if !bitmapGet(m.blockBitmap, b) {
			block = b
			found = true
			break
		}
	}

	if !found {
		m.mu.Unlock()
		return 0, fmt.Errorf("no free blocks: %w", vfs.ENOSPC)
	}

	bitmapSet(m.blockBitmap, block)
	m.super.FreeBlocks--
	m.bitmapDirty = true
	m.superDirty = true
	m.mu.Unlock()

	if err := m.writeBlock(block, make([]byte, BlockSize)); err != nil {
		m.freeBlock(block)
		return 0, err
	}

	return block, nil
}

// Return a data block to the free pool.
//
// LOCKS_EXCLUDED(m.mu)
func (m *meta) freeBlock(block uint32) {
	if block == 0 {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !bitmapGet(m.blockBitmap, block) {
		panic(fmt.Sprintf("double free of block %d", block))
	}

	bitmapClear(m.blockBitmap, block)
	m.super.FreeBlocks++
	m.bitmapDirty = true
	m.superDirty = true
}

// Allocate an inode number at or above FirstIno.
//
// LOCKS_EXCLUDED(m.mu)
func (m *meta) allocInode() (vfs.InodeID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := uint32(FirstIno) - 1; i < m.super.InodesCount; i++ {
		if bitmapGet(m.inodeBitmap, i) {
			continue
		}

		bitmapSet(m.inodeBitmap, i)
		m.super.FreeInodes--
		m.bitmapDirty = true
		m.superDirty = true

		return vfs.InodeID(i + 1), nil
	}

	return 0, fmt.Errorf("no free inodes: %w", vfs.ENOSPC)
}

// Return an inode number to the free pool.
//
// LOCKS_EXCLUDED(m.mu)
func (m *meta) freeInode(ino vfs.InodeID) {
	m.mu.Lock()
	defer m.mu.Unlock()

	index := uint32(ino - 1)
	if !bitmapGet(m.inodeBitmap, index) {
		panic(fmt.Sprintf("double free of inode %d", ino))
	}

	bitmapClear(m.inodeBitmap, index)
	m.super.FreeInodes++
	m.bitmapDirty = true
	m.superDirty = true
}

// Free every data block referenced by the record: direct pointers, the
// indirect block and its pointees, and the xattr block.
func (m *meta) freeInodeBlocks(di *diskInode) error {
	if di.Mode&modeTypeMask == modeSymlink && di.Size <= inlineLinkMax {
		// Inline symlink target; the pointer area holds bytes, not blocks.
		di.FileACL = 0
		return nil
	}

	for i := 0; i < numDirect; i++ {
		m.freeBlock(di.Block[i])
		di.Block[i] = 0
	}

	if ind := di.Block[numDirect]; ind != 0 {
		buf := make([]byte, BlockSize)
		if err := m.readBlock(ind, buf); err != nil {
			return err
		}

		for i := 0; i < ptrsPerBlock; i++ {
			ptr := leU32(buf[i*4:])
			m.freeBlock(ptr)
		}

		m.freeBlock(ind)
		di.Block[numDirect] = 0
	}

	if di.FileACL != 0 {
		m.freeBlock(di.FileACL)
		di.FileACL = 0
	}

	di.BlocksLo = 0
	return nil
}

func leU32(p []byte) uint32 {
	return uint32(p[0]) | uint32(p[1])<<8 | uint32(p[2])<<16 | uint32(p[3])<<24
}

func putLeU32(p []byte, v uint32) {
	p[0] = byte(v)
	p[1] = byte(v >> 8)
	p[2] = byte(v >> 16)
	p[3] = byte(v >> 24)
}
