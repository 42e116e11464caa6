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
	"syscall"
)

// Errors corresponding to kernel error numbers, forming the error taxonomy
// at the VFS boundary. Fallible operations return one of these, possibly
// wrapped with context that retains errors.Is identity, so a C-shaped shim
// can translate outcomes to host errno conventions without string matching.
const (
	// No such file or directory.
	ENOENT = syscall.ENOENT

	// I/O error from the device or driver.
	EIO = syscall.EIO

	// Out of memory (resource exhaustion inside a driver).
	ENOMEM = syscall.ENOMEM

	// Access denied by mode bits or open flags.
	EACCES = syscall.EACCES

	// Entry already exists.
	EEXIST = syscall.EEXIST

	// A path component that must be a directory is not.
	ENOTDIR = syscall.ENOTDIR

	// The operation requires a non-directory but found a directory.
	EISDIR = syscall.EISDIR

	// Invalid argument.
	EINVAL = syscall.EINVAL

	// The device has no space left.
	ENOSPC = syscall.ENOSPC

	// The file system (or device) is mounted read-only.
	EROFS = syscall.EROFS

	// The operation is not implemented by the driver. Returned by the
	// embeddable defaults in package vfsutil.
	ENOSYS = syscall.ENOSYS

	// A directory being removed or renamed over is not empty.
	ENOTEMPTY = syscall.ENOTEMPTY

	// Too many levels of symbolic links during a path walk.
	ELOOP = syscall.ELOOP

	// The mount is busy (open files or live references).
	EBUSY = syscall.EBUSY

	// A name or path component exceeds the driver's limits.
	ENAMETOOLONG = syscall.ENAMETOOLONG

	// No such device or filesystem type.
	ENODEV = syscall.ENODEV
)
