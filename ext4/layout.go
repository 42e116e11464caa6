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
	"bytes"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/jacobsa/vfs"
)

// On-disk layout constants. The format is a compact single-block-group
// cousin of ext4: same magic, same inode numbering conventions, same linear
// directory entry records, but with one block bitmap, one inode bitmap, and
// one contiguous inode table rather than block groups.
const (
	// The file system magic, at the usual ext4 offset within the superblock.
	SuperMagic = 0xEF53

	// The fixed block size. The device's block size must match.
	BlockSize = 4096

	// The superblock lives at this byte offset inside block zero.
	superblockOffset = 1024

	// Bytes per on-disk inode record.
	InodeSize = 256

	inodesPerBlock = BlockSize / InodeSize

	// The root directory's inode number.
	RootIno vfs.InodeID = 2

	// The first inode number available to user files.
	FirstIno vfs.InodeID = 11

	// The maximum length of one file name.
	NameLen = 255

	// Direct block pointers per inode.
	numDirect = 12

	// Block pointers per indirect block.
	ptrsPerBlock = BlockSize / 4

	// The largest file representable with the direct and single-indirect
	// pointers carried here.
	maxFileBlocks = numDirect + ptrsPerBlock

	// Symlink targets no longer than this are stored inline in the block
	// pointer area.
	inlineLinkMax = (numDirect+1)*4 - 1

	// Fixed locations, in blocks.
	blockBitmapBlock = 1
	inodeBitmapBlock = 2
	inodeTableBlock  = 3
)

// Mode type bits, matching the historical UNIX encoding used by ext4.
const (
	modeTypeMask = 0xF000
	modeRegular  = 0x8000
	modeDir      = 0x4000
	modeSymlink  = 0xA000
)

// The on-disk superblock. Serialized little-endian at superblockOffset.
type diskSuper struct {
	InodesCount    uint32
	BlocksCount    uint32
	FreeBlocks     uint32
	FreeInodes     uint32
	FirstDataBlock uint32
	LogBlockSize   uint32
	Magic          uint16
	State          uint16
	MntCount       uint16
	InodeSize      uint16
	FirstIno       uint32
	WriteTime      int64
	MountTime      int64
	UUID           [16]byte
	VolumeName     [16]byte
}

// The on-disk inode record. Serialized little-endian within the inode
// table; the record is padded to InodeSize on disk.
type diskInode struct {
	Mode       uint16
	LinksCount uint16
	Uid        uint32
	Gid        uint32
	Size       uint64
	Atime      int64
	Mtime      int64
	Ctime      int64
	BlocksLo   uint32
	Flags      uint32

	// Direct block pointers, then one single-indirect pointer. For short
	// symlinks this area holds the target bytes instead.
	Block [numDirect + 1]uint32

	// The block carrying this inode's extended attributes, or zero.
	FileACL uint32
}

func encodeSuper(s *diskSuper) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, s); err != nil {
		panic(err)
	}

	return buf.Bytes()
}

func decodeSuper(p []byte) (*diskSuper, error) {
	s := &diskSuper{}
	if err := binary.Read(bytes.NewReader(p), binary.LittleEndian, s); err != nil {
		return nil, fmt.Errorf("superblock decode: %w", vfs.EIO)
	}

	if s.Magic != SuperMagic {
		return nil, fmt.Errorf("bad magic %#x: %w", s.Magic, vfs.EINVAL)
	}

	return s, nil
}

func encodeInode(di *diskInode) []byte {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, di); err != nil {
		panic(err)
	}

	p := buf.Bytes()
	if len(p) > InodeSize {
		panic(fmt.Sprintf("inode record of %d bytes", len(p)))
	}

	return append(p, make([]byte, InodeSize-len(p))...)
}

func decodeInode(p []byte) *diskInode {
	di := &diskInode{}
	if err := binary.Read(bytes.NewReader(p), binary.LittleEndian, di); err != nil {
		panic(err)
	}

	return di
}

// Convert on-disk mode bits to an os.FileMode.
func fileModeFromDisk(mode uint16) os.FileMode {
	m := os.FileMode(mode & 0777)

	switch mode & modeTypeMask {
	case modeDir:
		m |= os.ModeDir
	case modeSymlink:
		m |= os.ModeSymlink
	}

	return m
}

// Convert an os.FileMode to on-disk mode bits.
func fileModeToDisk(m os.FileMode) uint16 {
	mode := uint16(m & os.ModePerm)

	switch {
	case m&os.ModeDir != 0:
		mode |= modeDir
	case m&os.ModeSymlink != 0:
		mode |= modeSymlink
	default:
		mode |= modeRegular
	}

	return mode
}

// On-disk directory entry file types, as in ext4.
const (
	ftUnknown = 0
	ftRegular = 1
	ftDir     = 2
	ftSymlink = 7
)

func direntTypeFromDisk(ft byte) vfs.DirentType {
	switch ft {
	case ftRegular:
		return vfs.DT_File
	case ftDir:
		return vfs.DT_Directory
	case ftSymlink:
		return vfs.DT_Link
	}

	return vfs.DT_Unknown
}

func direntTypeToDisk(mode uint16) byte {
	switch mode & modeTypeMask {
	case modeDir:
		return ftDir
	case modeSymlink:
		return ftSymlink
	}

	return ftRegular
}

// The fixed part of one directory record: inode, record length, name
// length, file type.
const direntHeaderLen = 8

// The on-disk length of a record carrying a name of the given length,
// rounded to four bytes as ext4 requires.
func direntRecLen(nameLen int) int {
	return (direntHeaderLen + nameLen + 3) &^ 3
}
