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
	"syscall"
	"time"
)

// A distinguishing ID for an inode, unique within one superblock. Drivers
// assign these; the VFS treats them as opaque except for equality.
type InodeID uint64

// Attributes for a file or directory inode, maintained in memory by the
// VFS and persisted by the driver on WriteInode. Sizes here are
// authoritative while the inode is live.
type InodeAttributes struct {
	// The size of the file in bytes.
	Size uint64

	// The number of device blocks occupied by the file's contents.
	Blocks uint64

	// The number of directory entries (hard links) referring to the inode.
	Nlink uint32

	// Permission bits and type flags, in the style of os.FileMode. The type
	// is carried in ModeDir/ModeSymlink; a mode with neither is a regular
	// file.
	Mode os.FileMode

	// Ownership.
	Uid uint32
	Gid uint32

	// The preferred I/O transfer unit, in bytes.
	BlockSize uint32

	// Time of last access, last content modification, and last attribute
	// change.
	Atime time.Time
	Mtime time.Time
	Ctime time.Time
}

// A request to change a subset of an inode's attributes. Nil fields are
// left untouched.
type SetAttributesRequest struct {
	Size  *uint64
	Mode  *os.FileMode
	Uid   *uint32
	Gid   *uint32
	Atime *time.Time
	Mtime *time.Time
}

// The type of a directory entry.
type DirentType int

const (
	DT_Unknown   DirentType = 0
	DT_File      DirentType = 1
	DT_Directory DirentType = 2
	DT_Link      DirentType = 3
)

// A single entry within a directory, as returned by ReadDir.
type Dirent struct {
	// The inode of the entry, within the directory's superblock.
	Ino InodeID

	// The name of the entry, relative to the directory.
	Name string

	Type DirentType
}

// File system statistics, in the style of statfs(2).
type StatFS struct {
	// The allocation unit of the file system, in bytes.
	BlockSize uint32

	// Block counts, in units of BlockSize.
	Blocks          uint64
	BlocksFree      uint64
	BlocksAvailable uint64

	// Inode counts.
	Inodes     uint64
	InodesFree uint64

	// The maximum length of a file name.
	NameMax uint32
}

// Flags accepted by VFS.Open, with the standard UNIX meanings.
type OpenFlags uint32

const (
	O_RDONLY  OpenFlags = syscall.O_RDONLY
	O_WRONLY  OpenFlags = syscall.O_WRONLY
	O_RDWR    OpenFlags = syscall.O_RDWR
	O_ACCMODE OpenFlags = syscall.O_RDONLY | syscall.O_WRONLY | syscall.O_RDWR

	O_CREAT  OpenFlags = syscall.O_CREAT
	O_EXCL   OpenFlags = syscall.O_EXCL
	O_TRUNC  OpenFlags = syscall.O_TRUNC
	O_APPEND OpenFlags = syscall.O_APPEND
)

// Report whether the flags permit reading.
func (f OpenFlags) MayRead() bool {
	return f&O_ACCMODE == O_RDONLY || f&O_ACCMODE == O_RDWR
}

// Report whether the flags permit writing.
func (f OpenFlags) MayWrite() bool {
	return f&O_ACCMODE == O_WRONLY || f&O_ACCMODE == O_RDWR
}

// Whence values accepted by File.Seek.
const (
	SeekSet = 0
	SeekCur = 1
	SeekEnd = 2
)

// Flags accepted by VFS.Mount.
type MountFlags uint32

const (
	// Mount the file system read-only.
	MountReadOnly MountFlags = 1 << iota

	// Do not update atime on reads.
	MountNoAtime
)

// Convert a Dirent type to the equivalent mode type bits.
func (t DirentType) Mode() os.FileMode {
	switch t {
	case DT_Directory:
		return os.ModeDir
	case DT_Link:
		return os.ModeSymlink
	}

	return 0
}

// Classify a mode as a dirent type.
func DirentTypeForMode(m os.FileMode) DirentType {
	switch {
	case m&os.ModeDir != 0:
		return DT_Directory
	case m&os.ModeSymlink != 0:
		return DT_Link
	}

	return DT_File
}
