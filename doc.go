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

// Package vfs implements an in-process UNIX-style virtual file system: a
// path-based router dispatching to pluggable file system drivers, backed by
// a shared page cache (package pagecache) over sector-addressed block
// devices (package blockdev).
//
// The primary elements of interest are:
//
//  *  The VFS type, created with New. It owns the registry of file system
//     types, the mount table, and path resolution, and exposes the callable
//     surface: Mount, Open, MkDir, Rename, Stat, Sync, and friends.
//
//  *  The FileSystem interface, which a driver implements to supply a
//     concrete on-disk format (see package ext4 for the reference driver).
//     Embed vfsutil.NotImplementedInodeOps to inherit ENOSYS defaults for
//     operations a driver does not support.
//
//  *  Inode, Dentry, Superblock, and File, the reference-counted object
//     graph that mediates between path names, objects on storage, and open
//     file state.
//
// Unless documented otherwise, all exported types are safe for concurrent
// access.
package vfs
