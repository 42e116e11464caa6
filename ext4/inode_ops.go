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

	"golang.org/x/net/context"

	"github.com/jacobsa/vfs"
	"github.com/jacobsa/vfs/blockdev"
)

// The driver's inode operations, shared by every inode of a mount.
type inodeOps struct {
	m *meta
}

var _ vfs.InodeOps = &inodeOps{}

////////////////////////////////////////////////////////////////////////
// Block mapping
////////////////////////////////////////////////////////////////////////

// Map a file block to a device sector via the direct pointers or the
// single-indirect block, optionally allocating storage.
func (ops *inodeOps) BlockMap(
	ctx context.Context,
	in *vfs.Inode,
	fileBlock int64,
	create bool) (blockdev.Sector, bool, error) {
	if fileBlock < 0 || fileBlock >= maxFileBlocks {
		return 0, false, fmt.Errorf("file block %d out of range: %w", fileBlock, vfs.EINVAL)
	}

	s := stateOf(in)
	s.mu.Lock()
	defer s.mu.Unlock()

	block, err := ops.blockForLocked(s, fileBlock, create)
	if err != nil {
		return 0, false, err
	}

	if block == 0 {
		return 0, false, nil
	}

	return ops.m.blockSector(block), true, nil
}

// Resolve (and with create, assign) the data block for a file block index.
//
// LOCKS_REQUIRED(s.mu)
func (ops *inodeOps) blockForLocked(
	s *inodeState,
	fileBlock int64,
	create bool) (uint32, error) {
	m := ops.m

	// Direct pointer?
	if fileBlock < numDirect {
		block := s.di.Block[fileBlock]
		if block != 0 || !create {
			return block, nil
		}

		block, err := m.allocBlock()
		if err != nil {
			return 0, err
		}

		s.di.Block[fileBlock] = block
		s.di.BlocksLo++

		return block, nil
	}

	// Single-indirect.
	ind := s.di.Block[numDirect]
	if ind == 0 {
		if !create {
			return 0, nil
		}

		fresh, err := m.allocBlock()
		if err != nil {
			return 0, err
		}

		s.di.Block[numDirect] = fresh
		ind = fresh
	}

	buf := make([]byte, BlockSize)
	if err := m.readBlock(ind, buf); err != nil {
		return 0, err
	}

	slot := int(fileBlock - numDirect)
	block := leU32(buf[slot*4:])
	if block != 0 || !create {
		return block, nil
	}

	block, err := m.allocBlock()
	if err != nil {
		return 0, err
	}

	putLeU32(buf[slot*4:], block)
	if err := m.writeBlock(ind, buf); err != nil {
		m.freeBlock(block)
		return 0, err
	}

	s.di.BlocksLo++
	return block, nil
}

////////////////////////////////////////////////////////////////////////
// Direct content I/O
////////////////////////////////////////////////////////////////////////

// Read file contents straight from the device, bypassing the page cache.
// Holes read as zeroes; the read is clamped to the record's size.
func (ops *inodeOps) Read(
	ctx context.Context,
	in *vfs.Inode,
	off int64,
	p []byte) (int, error) {
	s := stateOf(in)

	s.mu.Lock()
	size := int64(s.di.Size)
	s.mu.Unlock()

	if off < 0 {
		return 0, vfs.EINVAL
	}

	if off >= size {
		return 0, nil
	}

	n := len(p)
	if int64(n) > size-off {
		n = int(size - off)
	}

	read := 0
	for read < n {
		cur := off + int64(read)
		fileBlock := cur / BlockSize
		inBlock := int(cur % BlockSize)

		chunk := BlockSize - inBlock
		if chunk > n-read {
			chunk = n - read
		}

		sector, mapped, err := ops.BlockMap(ctx, in, fileBlock, false)
		if err != nil {
			return read, err
		}

		if !mapped {
			for i := 0; i < chunk; i++ {
				p[read+i] = 0
			}

			read += chunk
			continue
		}

		buf := make([]byte, BlockSize)
		if _, err := ops.m.dev.ReadAt(sector, buf); err != nil {
			return read, err
		}

		copy(p[read:read+chunk], buf[inBlock:])
		read += chunk
	}

	return read, nil
}

// Write file contents straight to the device, bypassing the page cache.
// Extends the record's size when the write runs past it.
func (ops *inodeOps) Write(
	ctx context.Context,
	in *vfs.Inode,
	off int64,
	p []byte) (int, error) {
	if off < 0 {
		return 0, vfs.EINVAL
	}

	s := stateOf(in)

	written := 0
	for written < len(p) {
		cur := off + int64(written)
		fileBlock := cur / BlockSize
		inBlock := int(cur % BlockSize)

		chunk := BlockSize - inBlock
		if chunk > len(p)-written {
			chunk = len(p) - written
		}

		sector, _, err := ops.BlockMap(ctx, in, fileBlock, true)
		if err != nil {
			return written, err
		}

		buf := make([]byte, BlockSize)
		if chunk < BlockSize {
			if _, err := ops.m.dev.ReadAt(sector, buf); err != nil {
				return written, err
			}
		}

		copy(buf[inBlock:], p[written:written+chunk])
		if _, err := ops.m.dev.WriteAt(sector, buf); err != nil {
			return written, err
		}

		written += chunk
	}

	s.mu.Lock()
	if end := uint64(off) + uint64(written); end > s.di.Size {
		s.di.Size = end
	}
	s.mu.Unlock()

	return written, nil
}

////////////////////////////////////////////////////////////////////////
// Attributes, truncation, symlinks
////////////////////////////////////////////////////////////////////////

// The VFS applies the change to the in-memory attributes after this
// returns; the record itself is rewritten on WriteInode. Nothing further is
// required on storage for a metadata-only change.
func (ops *inodeOps) SetAttributes(
	ctx context.Context,
	in *vfs.Inode,
	req *vfs.SetAttributesRequest) error {
	if req.Size != nil {
		return ops.Truncate(ctx, in, *req.Size)
	}

	return nil
}

// Release storage beyond the given size and update the record.
func (ops *inodeOps) Truncate(
	ctx context.Context,
	in *vfs.Inode,
	size uint64) error {
	m := ops.m
	s := stateOf(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	keep := int64((size + BlockSize - 1) / BlockSize)

	// Direct pointers past the boundary.
	for fb := keep; fb < numDirect; fb++ {
		if s.di.Block[fb] != 0 {
			m.freeBlock(s.di.Block[fb])
			s.di.Block[fb] = 0
			s.di.BlocksLo--
		}
	}

	// Indirect pointees past the boundary.
	if ind := s.di.Block[numDirect]; ind != 0 {
		buf := make([]byte, BlockSize)
		if err := m.readBlock(ind, buf); err != nil {
			return err
		}

		kept := 0
		for slot := 0; slot < ptrsPerBlock; slot++ {
			block := leU32(buf[slot*4:])
			if block == 0 {
				continue
			}

			if int64(numDirect+slot) < keep {
				kept++
				continue
			}

			m.freeBlock(block)
			putLeU32(buf[slot*4:], 0)
			s.di.BlocksLo--
		}

		if kept == 0 {
			m.freeBlock(ind)
			s.di.Block[numDirect] = 0
		} else if err := m.writeBlock(ind, buf); err != nil {
			return err
		}
	}

	s.di.Size = size
	return m.writeDiskInode(in.ID(), s.di)
}

// Return a symlink's target, inline from the pointer area for short
// targets and from the first data block otherwise.
func (ops *inodeOps) ReadLink(ctx context.Context, in *vfs.Inode) (string, error) {
	s := stateOf(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.di.Mode&modeTypeMask != modeSymlink {
		return "", vfs.EINVAL
	}

	size := int(s.di.Size)
	if size <= inlineLinkMax {
		raw := make([]byte, (numDirect+1)*4)
		for i, ptr := range s.di.Block {
			putLeU32(raw[i*4:], ptr)
		}

		return string(raw[:size]), nil
	}

	if size > BlockSize {
		return "", fmt.Errorf("symlink of %d bytes: %w", size, vfs.EIO)
	}

	buf := make([]byte, BlockSize)
	if err := ops.m.readBlock(s.di.Block[0], buf); err != nil {
		return "", err
	}

	return string(buf[:size]), nil
}

////////////////////////////////////////////////////////////////////////
// Extended attributes
////////////////////////////////////////////////////////////////////////

// Xattrs live in one optional block per inode referenced by the record's
// FileACL field, as a sequence of (name length, value length, name, value)
// records terminated by a zero name length.

type xattrEntry struct {
	name  string
	value []byte
}

// LOCKS_REQUIRED(s.mu)
func (ops *inodeOps) readXattrsLocked(s *inodeState) ([]xattrEntry, error) {
	if s.di.FileACL == 0 {
		return nil, nil
	}

	buf := make([]byte, BlockSize)
	if err := ops.m.readBlock(s.di.FileACL, buf); err != nil {
		return nil, err
	}

	var entries []xattrEntry
	off := 0
	for off < BlockSize {
		nameLen := int(buf[off])
		if nameLen == 0 {
			break
		}

		valueLen := int(leU32(buf[off+1:]))
		off += 5

		if off+nameLen+valueLen > BlockSize {
			return nil, fmt.Errorf("corrupt xattr block: %w", vfs.EIO)
		}

		name := string(buf[off : off+nameLen])
		value := make([]byte, valueLen)
		copy(value, buf[off+nameLen:off+nameLen+valueLen])
		off += nameLen + valueLen

		entries = append(entries, xattrEntry{name, value})
	}

	return entries, nil
}

// LOCKS_REQUIRED(s.mu)
func (ops *inodeOps) writeXattrsLocked(
	in *vfs.Inode,
	s *inodeState,
	entries []xattrEntry) error {
	m := ops.m

	if len(entries) == 0 {
		if s.di.FileACL != 0 {
			m.freeBlock(s.di.FileACL)
			s.di.FileACL = 0
			return m.writeDiskInode(in.ID(), s.di)
		}

		return nil
	}

	buf := make([]byte, BlockSize)
	off := 0
	for _, e := range entries {
		need := 5 + len(e.name) + len(e.value)
		if len(e.name) > 255 || off+need+1 > BlockSize {
			return fmt.Errorf("xattrs exceed one block: %w", vfs.ENOSPC)
		}

		buf[off] = byte(len(e.name))
		putLeU32(buf[off+1:], uint32(len(e.value)))
		off += 5

		copy(buf[off:], e.name)
		off += len(e.name)

		copy(buf[off:], e.value)
		off += len(e.value)
	}

	if s.di.FileACL == 0 {
		block, err := m.allocBlock()
		if err != nil {
			return err
		}

		s.di.FileACL = block
		if err := m.writeDiskInode(in.ID(), s.di); err != nil {
			return err
		}
	}

	return m.writeBlock(s.di.FileACL, buf)
}

func (ops *inodeOps) GetXattr(
	ctx context.Context,
	in *vfs.Inode,
	name string) ([]byte, error) {
	s := stateOf(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := ops.readXattrsLocked(s)
	if err != nil {
		return nil, err
	}

	for _, e := range entries {
		if e.name == name {
			return e.value, nil
		}
	}

	return nil, vfs.ENOENT
}

func (ops *inodeOps) SetXattr(
	ctx context.Context,
	in *vfs.Inode,
	name string,
	value []byte) error {
	if name == "" || len(name) > 255 {
		return vfs.EINVAL
	}

	s := stateOf(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := ops.readXattrsLocked(s)
	if err != nil {
		return err
	}

	replaced := false
	for i := range entries {
		if entries[i].name == name {
			entries[i].value = value
			replaced = true
			break
		}
	}

	if !replaced {
		entries = append(entries, xattrEntry{name, value})
	}

	return ops.writeXattrsLocked(in, s, entries)
}

func (ops *inodeOps) ListXattr(
	ctx context.Context,
	in *vfs.Inode) ([]string, error) {
	s := stateOf(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := ops.readXattrsLocked(s)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.name)
	}

	return names, nil
}

func (ops *inodeOps) RemoveXattr(
	ctx context.Context,
	in *vfs.Inode,
	name string) error {
	s := stateOf(in)

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := ops.readXattrsLocked(s)
	if err != nil {
		return err
	}

	kept := entries[:0]
	found := false
	for _, e := range entries {
		if e.name == name {
			found = true
			continue
		}

		kept = append(kept, e)
	}

	if !found {
		return vfs.ENOENT
	}

	return ops.writeXattrsLocked(in, s, kept)
}
