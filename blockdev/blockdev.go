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

// Package blockdev defines a sector-addressed block device abstraction with
// synchronous and asynchronous I/O, plus implementations backed by an
// in-memory buffer and by a host file.
//
// The primary elements of interest are:
//
//  *  The Device interface, which defines the operations a block device must
//     support.
//
//  *  NewMemDevice, which creates an ephemeral device useful for tests and
//     scratch mounts.
//
//  *  NewFileDevice, which creates a device persisted in a file on the host
//     file system.
//
// All synchronous methods are safe for concurrent access. Asynchronous I/O is
// submitted with Device.SubmitBio; each device owns a single worker goroutine
// that executes submitted bios in FIFO order and runs their completion
// callbacks, so completions for a single submitter fire in submission order.
package blockdev

import (
	"syscall"
)

// A sector number on a device. Byte offsets are derived by multiplying by the
// device's sector size.
type Sector uint64

// Errors returned at the device boundary. These are kernel-style errnos so
// that callers can translate them for a C-shaped shim without a second
// mapping layer.
const (
	EIO    = syscall.EIO
	EINVAL = syscall.EINVAL
	ENOSPC = syscall.ENOSPC
	EROFS  = syscall.EROFS
)

// A sector-addressed byte container.
//
// Implementations must be safe for concurrent access via all methods.
type Device interface {
	// Return the device's human-readable name, e.g. "memblk0".
	Name() string

	// Return the device's major and minor numbers.
	Major() uint32
	Minor() uint32

	// Return the total size of the device, in bytes.
	Size() uint64

	// Return the sector size in bytes. Always a power of two.
	SectorSize() uint32

	// Return the block size in bytes. Always a power of two, and always at
	// least the sector size.
	BlockSize() uint32

	// Return whether the device rejects writes.
	ReadOnly() bool

	// Read len(p) bytes starting at the given sector into p, returning the
	// number of bytes transferred.
	//
	// A read starting at or beyond the end of the device returns EINVAL. A
	// read running past the end of the device is clamped and returns the
	// short count with a nil error.
	ReadAt(sector Sector, p []byte) (n int, err error)

	// Write len(p) bytes starting at the given sector, returning the number
	// of bytes transferred.
	//
	// Boundary behavior matches ReadAt. Writes to a read-only device return
	// EROFS. A failure from the backing store returns EIO, never a silent
	// short write.
	WriteAt(sector Sector, p []byte) (n int, err error)

	// Act as a durability barrier: all writes accepted before Flush returns
	// are persistent to the extent the backing store allows.
	Flush() error

	// Discard the given byte range, which begins at the given sector. The
	// contents of discarded sectors become zero.
	Trim(sector Sector, length uint64) error

	// Enqueue a bio for asynchronous execution by the device's worker. See
	// the comments on Bio.
	SubmitBio(b *Bio)

	// Disable further bio submission, wait for the worker to drain any
	// in-flight bios, and release the device's resources. No method may be
	// called after Destroy returns.
	Destroy()
}

// The kind of I/O requested by a bio.
type BioKind int

const (
	BioRead BioKind = iota
	BioWrite
	BioFlush
	BioDiscard
)

func (k BioKind) String() string {
	switch k {
	case BioRead:
		return "Read"
	case BioWrite:
		return "Write"
	case BioFlush:
		return "Flush"
	case BioDiscard:
		return "Discard"
	}

	return "Unknown"
}

// A record of a requested device I/O operation, submitted with
// Device.SubmitBio and executed asynchronously by the device's worker.
type Bio struct {
	// The kind of operation requested.
	Kind BioKind

	// The starting sector.
	Sector Sector

	// For BioRead and BioWrite, the buffer to fill or drain. Its length
	// defines the transfer size. The submitter must not touch the buffer
	// until the completion callback has fired.
	//
	// For BioDiscard, only len(Data) is consulted, as the discard length.
	Data []byte

	// Called exactly once with the outcome of the operation, by the device's
	// worker goroutine. A bio submitted after Destroy has begun is instead
	// completed immediately on the submitter's goroutine with EINVAL. May be
	// nil, in which case the outcome is dropped.
	Done func(error)
}

// checkRange clamps an I/O of length n starting at the given sector against
// a device of the given geometry. It returns the number of bytes that may be
// transferred, or EINVAL if the I/O starts at or beyond the end of the
// device.
func checkRange(sector Sector, n int, size uint64, sectorSize uint32) (int, error) {
	off := uint64(sector) * uint64(sectorSize)
	if off >= size && n > 0 {
		return 0, EINVAL
	}

	if off+uint64(n) > size {
		n = int(size - off)
	}

	return n, nil
}

// isPowerOfTwo returns whether v is a non-zero power of two.
func isPowerOfTwo(v uint32) bool {
	return v != 0 && v&(v-1) == 0
}
