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
	"errors"
	"fmt"
	"os"

	"golang.org/x/net/context"

	"github.com/jacobsa/vfs"
)

// Directory contents are ext4-style linear records packed into the
// directory's data blocks: inode, record length, name length, file type,
// then the name. Records cover each block completely; a record with inode
// zero is unused space.

func leU16(p []byte) uint16 {
	return uint16(p[0]) | uint16(p[1])<<8
}

func putLeU16(p []byte, v uint16) {
	p[0] = byte(v)
	p[1] = byte(v >> 8)
}

// One parsed directory record and its location.
type direntLoc struct {
	ino     uint32
	ftype   byte
	name    string
	block   int64 // file block index within the directory
	off     int   // byte offset of the record within the block
	recLen  int
	prevOff int // offset of the preceding record in the block, or -1
}

// Call fn for every record (used or not) in the directory, stopping early
// when it returns true.
//
// LOCKS_REQUIRED(s.mu)
func (ops *inodeOps) forEachDirentLocked(
	s *inodeState,
	fn func(loc *direntLoc, buf []byte) (bool, error)) error {
	numBlocks := int64(s.di.Size) / BlockSize

	for fb := int64(0); fb < numBlocks; fb++ {
		block, err := ops.blockForLocked(s, fb, false)
		if err != nil {
			return err
		}

		if block == 0 {
			return fmt.Errorf("directory hole at block %d: %w", fb, vfs.EIO)
		}

		buf := make([]byte, BlockSize)
		if err := ops.m.readBlock(block, buf); err != nil {
			return err
		}

		off := 0
		prev := -1
		for off < BlockSize {
			recLen := int(leU16(buf[off+4:]))
			nameLen := int(buf[off+6])

			if recLen < direntRecLen(nameLen) || recLen%4 != 0 || off+recLen > BlockSize {
				return fmt.Errorf("corrupt dirent at block %d offset %d: %w", fb, off, vfs.EIO)
			}

			loc := &direntLoc{
				ino:     leU32(buf[off:]),
				ftype:   buf[off+7],
				name:    string(buf[off+direntHeaderLen : off+direntHeaderLen+nameLen]),
				block:   fb,
				off:     off,
				recLen:  recLen,
				prevOff: prev,
			}

			stop, err := fn(loc, buf)
			if err != nil || stop {
				return err
			}

			prev = off
			off += recLen
		}
	}

	return nil
}

// Find the named entry.
//
// LOCKS_REQUIRED(s.mu)
func (ops *inodeOps) findEntryLocked(
	s *inodeState,
	name string) (*direntLoc, error) {
	var found *direntLoc

	err := ops.forEachDirentLocked(s, func(loc *direntLoc, buf []byte) (bool, error) {
		if loc.ino != 0 && loc.name == name {
			found = loc
			return true, nil
		}

		return false, nil
	})

	if err != nil {
		return nil, err
	}

	if found == nil {
		return nil, vfs.ENOENT
	}

	return found, nil
}

// Write the given record fields at a location within a block buffer.
func writeDirent(buf []byte, off int, ino uint32, recLen int, name string, ftype byte) {
	putLeU32(buf[off:], ino)
	putLeU16(buf[off+4:], uint16(recLen))
	buf[off+6] = byte(len(name))
	buf[off+7] = ftype
	copy(buf[off+direntHeaderLen:], name)
}

// Insert an entry, reusing slack within existing records where possible and
// appending a fresh directory block otherwise. dirIn's attributes are
// updated when the directory grows; its lock is held by the caller.
//
// LOCKS_REQUIRED(dirIn.mu)
// LOCKS_REQUIRED(s.mu)
func (ops *inodeOps) addEntryLocked(
	dirIn *vfs.Inode,
	s *inodeState,
	name string,
	ino vfs.InodeID,
	ftype byte) error {
	if len(name) == 0 || len(name) > NameLen {
		return vfs.ENAMETOOLONG
	}

	needed := direntRecLen(len(name))

	// First pass: find slack.
	var target *direntLoc
	var targetBuf []byte

	err := ops.forEachDirentLocked(s, func(loc *direntLoc, buf []byte) (bool, error) {
		if loc.ino == 0 && loc.recLen >= needed {
			target = loc
			targetBuf = buf
			return true, nil
		}

		used := direntRecLen(len(loc.name))
		if loc.ino != 0 && loc.recLen-used >= needed {
			target = loc
			targetBuf = buf
			return true, nil
		}

		return false, nil
	})

	if err != nil {
		return err
	}

	if target != nil {
		if target.ino == 0 {
			writeDirent(targetBuf, target.off, uint32(ino), target.recLen, name, ftype)
		} else {
			used := direntRecLen(len(target.name))
			writeDirent(
				targetBuf,
				target.off,
				target.ino,
				used,
				target.name,
				target.ftype)
			writeDirent(
				targetBuf,
				target.off+used,
				uint32(ino),
				target.recLen-used,
				name,
				ftype)
		}

		block, err := ops.blockForLocked(s, target.block, false)
		if err != nil {
			return err
		}

		return ops.m.writeBlock(block, targetBuf)
	}

	// No slack anywhere; append a block holding just this entry.
	fb := int64(s.di.Size) / BlockSize
	block, err := ops.blockForLocked(s, fb, true)
	if err != nil {
		return err
	}

	buf := make([]byte, BlockSize)
	writeDirent(buf, 0, uint32(ino), BlockSize, name, ftype)

	if err := ops.m.writeBlock(block, buf); err != nil {
		return err
	}

	s.di.Size += BlockSize
	dirIn.MutateAttributes(func(attrs *vfs.InodeAttributes) {
		attrs.Size = s.di.Size
		attrs.Blocks = uint64(s.di.BlocksLo)
	})

	return ops.m.writeDiskInode(dirIn.ID(), s.di)
}

// Remove an entry by folding its space into the preceding record, or
// tombstoning it when it leads its block.
//
// LOCKS_REQUIRED(s.mu)
func (ops *inodeOps) removeEntryLocked(s *inodeState, loc *direntLoc) error {
	block, err := ops.blockForLocked(s, loc.block, false)
	if err != nil {
		return err
	}

	buf := make([]byte, BlockSize)
	if err := ops.m.readBlock(block, buf); err != nil {
		return err
	}

	if loc.prevOff >= 0 {
		prevRecLen := int(leU16(buf[loc.prevOff+4:]))
		putLeU16(buf[loc.prevOff+4:], uint16(prevRecLen+loc.recLen))
	} else {
		putLeU32(buf[loc.off:], 0)
		buf[loc.off+6] = 0
		buf[loc.off+7] = ftUnknown
	}

	return ops.m.writeBlock(block, buf)
}

////////////////////////////////////////////////////////////////////////
// Lookup and listing
////////////////////////////////////////////////////////////////////////

func (ops *inodeOps) LookUp(
	ctx context.Context,
	dir *vfs.Inode,
	name string) (vfs.InodeID, error) {
	s := stateOf(dir)

	s.mu.Lock()
	defer s.mu.Unlock()

	loc, err := ops.findEntryLocked(s, name)
	if err != nil {
		return 0, err
	}

	return vfs.InodeID(loc.ino), nil
}

func (ops *inodeOps) ReadDir(
	ctx context.Context,
	dir *vfs.Inode) ([]vfs.Dirent, error) {
	s := stateOf(dir)

	s.mu.Lock()
	defer s.mu.Unlock()

	var entries []vfs.Dirent
	err := ops.forEachDirentLocked(s, func(loc *direntLoc, buf []byte) (bool, error) {
		if loc.ino == 0 || loc.name == "." || loc.name == ".." {
			return false, nil
		}

		entries = append(entries, vfs.Dirent{
			Ino:  vfs.InodeID(loc.ino),
			Name: loc.name,
			Type: direntTypeFromDisk(loc.ftype),
		})

		return false, nil
	})

	if err != nil {
		return nil, err
	}

	return entries, nil
}

////////////////////////////////////////////////////////////////////////
// Entry creation
////////////////////////////////////////////////////////////////////////

// Allocate and persist a fresh on-disk inode record.
func (ops *inodeOps) newDiskInode(
	mode uint16,
	links uint16) (vfs.InodeID, *diskInode, error) {
	m := ops.m

	ino, err := m.allocInode()
	if err != nil {
		return 0, nil, err
	}

	now := m.clock.Now().UnixNano()
	di := &diskInode{
		Mode:       mode,
		LinksCount: links,
		Atime:      now,
		Mtime:      now,
		Ctime:      now,
	}

	if err := m.writeDiskInode(ino, di); err != nil {
		m.freeInode(ino)
		return 0, nil, err
	}

	return ino, di, nil
}

// Shared insertion path for Create, MkDir, and SymLink.
func (ops *inodeOps) addChild(
	dir *vfs.Inode,
	name string,
	build func() (vfs.InodeID, *diskInode, error)) (vfs.InodeID, error) {
	s := stateOf(dir)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := ops.findEntryLocked(s, name); err == nil {
		return 0, vfs.EEXIST
	} else if !isENOENT(err) {
		return 0, err
	}

	ino, di, err := build()
	if err != nil {
		return 0, err
	}

	if err := ops.addEntryLocked(dir, s, name, ino, direntTypeToDisk(di.Mode)); err != nil {
		ops.m.freeInodeBlocks(di)
		ops.m.freeInode(ino)
		return 0, err
	}

	return ino, nil
}

func (ops *inodeOps) Create(
	ctx context.Context,
	dir *vfs.Inode,
	name string,
	mode os.FileMode) (vfs.InodeID, error) {
	return ops.addChild(dir, name, func() (vfs.InodeID, *diskInode, error) {
		return ops.newDiskInode(modeRegular|uint16(mode&os.ModePerm), 1)
	})
}

func (ops *inodeOps) MkDir(
	ctx context.Context,
	dir *vfs.Inode,
	name string,
	mode os.FileMode) (vfs.InodeID, error) {
	m := ops.m

	ino, err := ops.addChild(dir, name, func() (vfs.InodeID, *diskInode, error) {
		ino, di, err := ops.newDiskInode(modeDir|uint16(mode&os.ModePerm), 2)
		if err != nil {
			return 0, nil, err
		}

		// Give the new directory its "." and ".." block.
		block, err := m.allocBlock()
		if err != nil {
			m.freeInode(ino)
			return 0, nil, err
		}

		buf := make([]byte, BlockSize)
		dotLen := direntRecLen(1)
		writeDirent(buf, 0, uint32(ino), dotLen, ".", ftDir)
		writeDirent(buf, dotLen, uint32(dir.ID()), BlockSize-dotLen, "..", ftDir)

		if err := m.writeBlock(block, buf); err != nil {
			m.freeBlock(block)
			m.freeInode(ino)
			return 0, nil, err
		}

		di.Block[0] = block
		di.BlocksLo = 1
		di.Size = BlockSize

		if err := m.writeDiskInode(ino, di); err != nil {
			m.freeBlock(block)
			m.freeInode(ino)
			return 0, nil, err
		}

		return ino, di, nil
	})

	if err != nil {
		return 0, err
	}

	// The new ".." entry links the parent.
	ops.adjustDirLinks(dir, +1)

	return ino, nil
}

func (ops *inodeOps) SymLink(
	ctx context.Context,
	dir *vfs.Inode,
	name string,
	target string) (vfs.InodeID, error) {
	m := ops.m

	if len(target) > BlockSize {
		return 0, vfs.ENAMETOOLONG
	}

	return ops.addChild(dir, name, func() (vfs.InodeID, *diskInode, error) {
		ino, di, err := ops.newDiskInode(modeSymlink|0777, 1)
		if err != nil {
			return 0, nil, err
		}

		if len(target) <= inlineLinkMax {
			raw := make([]byte, (numDirect+1)*4)
			copy(raw, target)
			for i := range di.Block {
				di.Block[i] = leU32(raw[i*4:])
			}
		} else {
			block, err := m.allocBlock()
			if err != nil {
				m.freeInode(ino)
				return 0, nil, err
			}

			buf := make([]byte, BlockSize)
			copy(buf, target)
			if err := m.writeBlock(block, buf); err != nil {
				m.freeBlock(block)
				m.freeInode(ino)
				return 0, nil, err
			}

			di.Block[0] = block
			di.BlocksLo = 1
		}

		di.Size = uint64(len(target))
		if err := m.writeDiskInode(ino, di); err != nil {
			m.freeInode(ino)
			return 0, nil, err
		}

		return ino, di, nil
	})
}

// Bump a locked directory's link count in both the driver record and the
// in-memory attributes.
//
// LOCKS_REQUIRED(dir.mu)
func (ops *inodeOps) adjustDirLinks(dir *vfs.Inode, delta int) {
	s := stateOf(dir)

	s.mu.Lock()
	s.di.LinksCount = uint16(int(s.di.LinksCount) + delta)
	s.mu.Unlock()

	dir.MutateAttributes(func(attrs *vfs.InodeAttributes) {
		attrs.Nlink = uint32(int(attrs.Nlink) + delta)
	})
}

////////////////////////////////////////////////////////////////////////
// Entry removal
////////////////////////////////////////////////////////////////////////

// Drop one link from the inode's record, freeing its storage at zero.
func (ops *inodeOps) dropLink(ctx context.Context, dir *vfs.Inode, ino vfs.InodeID) error {
	m := ops.m

	// Use the live object's state when the inode is materialized, so the
	// authoritative block pointers are the ones a concurrent holder sees.
	target, err := dir.Superblock().GetInode(ctx, ino)
	if err != nil {
		return err
	}
	defer target.DecRef()

	ts := stateOf(target)

	ts.mu.Lock()
	defer ts.mu.Unlock()

	if ts.di.LinksCount > 0 {
		ts.di.LinksCount--
	}

	if ts.di.LinksCount > 0 {
		return m.writeDiskInode(ino, ts.di)
	}

	// Cached pages of the target must not be written back into the blocks
	// released below.
	dir.Superblock().Cache().Invalidate(target)

	if err := m.freeInodeBlocks(ts.di); err != nil {
		return err
	}

	if err := m.writeDiskInode(ino, ts.di); err != nil {
		return err
	}

	m.freeInode(ino)
	return nil
}

func (ops *inodeOps) Unlink(
	ctx context.Context,
	dir *vfs.Inode,
	name string) error {
	if name == "." || name == ".." {
		return vfs.EINVAL
	}

	s := stateOf(dir)

	s.mu.Lock()
	loc, err := ops.findEntryLocked(s, name)
	if err != nil {
		s.mu.Unlock()
		return err
	}

	if loc.ftype == ftDir {
		s.mu.Unlock()
		return vfs.EISDIR
	}

	if err := ops.removeEntryLocked(s, loc); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	return ops.dropLink(ctx, dir, vfs.InodeID(loc.ino))
}

// Report whether the directory with the given state holds only "." and
// "..".
func (ops *inodeOps) dirIsEmpty(s *inodeState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	empty := true
	err := ops.forEachDirentLocked(s, func(loc *direntLoc, buf []byte) (bool, error) {
		if loc.ino != 0 && loc.name != "." && loc.name != ".." {
			empty = false
			return true, nil
		}

		return false, nil
	})

	return empty, err
}

func (ops *inodeOps) RmDir(
	ctx context.Context,
	dir *vfs.Inode,
	name string) error {
	if name == "." || name == ".." {
		return vfs.EINVAL
	}

	s := stateOf(dir)

	s.mu.Lock()
	loc, err := ops.findEntryLocked(s, name)
	s.mu.Unlock()

	if err != nil {
		return err
	}

	if loc.ftype != ftDir {
		return vfs.ENOTDIR
	}

	target, err := dir.Superblock().GetInode(ctx, vfs.InodeID(loc.ino))
	if err != nil {
		return err
	}

	empty, err := ops.dirIsEmpty(stateOf(target))
	if err != nil {
		target.DecRef()
		return err
	}

	if !empty {
		target.DecRef()
		return vfs.ENOTEMPTY
	}

	// Release the child's storage: its own "." link and the parent entry.
	ts := stateOf(target)
	ts.mu.Lock()
	ts.di.LinksCount = 0
	err = ops.m.freeInodeBlocks(ts.di)
	if err == nil {
		err = ops.m.writeDiskInode(vfs.InodeID(loc.ino), ts.di)
	}
	ts.mu.Unlock()
	target.DecRef()

	if err != nil {
		return err
	}

	ops.m.freeInode(vfs.InodeID(loc.ino))

	s.mu.Lock()
	err = ops.removeEntryLocked(s, loc)
	s.mu.Unlock()

	if err != nil {
		return err
	}

	// The child's ".." no longer links the parent.
	ops.adjustDirLinks(dir, -1)

	return nil
}

////////////////////////////////////////////////////////////////////////
// Rename
////////////////////////////////////////////////////////////////////////

// Move oldName in oldDir to newName in newDir. Both directory locks are
// held by the VFS (one lock when they coincide). Failures before the final
// removal leave both directories unchanged.
func (ops *inodeOps) Rename(
	ctx context.Context,
	oldDir *vfs.Inode,
	oldName string,
	newDir *vfs.Inode,
	newName string) error {
	if oldName == "." || oldName == ".." || newName == "." || newName == ".." {
		return vfs.EINVAL
	}

	oldS := stateOf(oldDir)

	oldS.mu.Lock()
	loc, err := ops.findEntryLocked(oldS, oldName)
	oldS.mu.Unlock()

	if err != nil {
		return err
	}

	sourceIsDir := loc.ftype == ftDir

	// Deal with an existing target.
	newS := stateOf(newDir)

	newS.mu.Lock()
	existing, err := ops.findEntryLocked(newS, newName)
	newS.mu.Unlock()

	switch {
	case err == nil:
		if existing.ino == loc.ino {
			// Renaming onto the same inode is a no-op.
			return nil
		}

		targetIsDir := existing.ftype == ftDir
		if sourceIsDir && !targetIsDir {
			return vfs.ENOTDIR
		}

		if !sourceIsDir && targetIsDir {
			return vfs.EISDIR
		}

		if targetIsDir {
			if err := ops.RmDir(ctx, newDir, newName); err != nil {
				return err
			}
		} else if err := ops.Unlink(ctx, newDir, newName); err != nil {
			return err
		}

	case !isENOENT(err):
		return err
	}

	// Install the new entry, then drop the old one.
	newS.mu.Lock()
	err = ops.addEntryLocked(newDir, newS, newName, vfs.InodeID(loc.ino), loc.ftype)
	newS.mu.Unlock()

	if err != nil {
		return err
	}

	oldS.mu.Lock()
	// The entry may have moved within its block during the insertion above
	// when the two directories coincide; re-find it.
	loc, err = ops.findEntryLocked(oldS, oldName)
	if err == nil {
		err = ops.removeEntryLocked(oldS, loc)
	}
	oldS.mu.Unlock()

	if err != nil {
		return err
	}

	// A directory moved between parents carries its ".." link with it.
	if sourceIsDir && oldDir != newDir {
		if err := ops.rewriteDotDot(ctx, vfs.InodeID(loc.ino), newDir.ID()); err != nil {
			return err
		}

		ops.adjustDirLinks(oldDir, -1)
		ops.adjustDirLinks(newDir, +1)
	}

	return nil
}

// Point the ".." entry of the directory with the given inode number at the
// given parent.
func (ops *inodeOps) rewriteDotDot(
	ctx context.Context,
	dirIno vfs.InodeID,
	parent vfs.InodeID) error {
	m := ops.m

	di, err := m.readDiskInode(dirIno)
	if err != nil {
		return err
	}

	if di.Block[0] == 0 {
		return fmt.Errorf("directory %d has no first block: %w", dirIno, vfs.EIO)
	}

	buf := make([]byte, BlockSize)
	if err := m.readBlock(di.Block[0], buf); err != nil {
		return err
	}

	off := 0
	for off < BlockSize {
		recLen := int(leU16(buf[off+4:]))
		nameLen := int(buf[off+6])

		if leU32(buf[off:]) != 0 && nameLen == 2 &&
			buf[off+direntHeaderLen] == '.' && buf[off+direntHeaderLen+1] == '.' {
			putLeU32(buf[off:], uint32(parent))
			return m.writeBlock(di.Block[0], buf)
		}

		if recLen <= 0 {
			break
		}

		off += recLen
	}

	return fmt.Errorf("directory %d has no \"..\" entry: %w", dirIno, vfs.EIO)
}

func isENOENT(err error) bool {
	return errors.Is(err, vfs.ENOENT)
}
