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

// Package vfsutil provides conveniences for implementing file system
// drivers against package vfs.
package vfsutil

import (
	"os"

	"golang.org/x/net/context"

	"github.com/jacobsa/vfs"
	"github.com/jacobsa/vfs/blockdev"
)

// Embed this within a driver's inode operations struct to inherit default
// implementations that return ENOSYS for every operation the driver does
// not care to support, so that adding methods to vfs.InodeOps does not
// break it.
type NotImplementedInodeOps struct {
}

var _ vfs.InodeOps = &NotImplementedInodeOps{}

func (ops *NotImplementedInodeOps) Read(
	ctx context.Context,
	in *vfs.Inode,
	off int64,
	p []byte) (int, error) {
	return 0, vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) Write(
	ctx context.Context,
	in *vfs.Inode,
	off int64,
	p []byte) (int, error) {
	return 0, vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) BlockMap(
	ctx context.Context,
	in *vfs.Inode,
	fileBlock int64,
	create bool) (blockdev.Sector, bool, error) {
	return 0, false, vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) ReadDir(
	ctx context.Context,
	in *vfs.Inode) ([]vfs.Dirent, error) {
	return nil, vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) LookUp(
	ctx context.Context,
	dir *vfs.Inode,
	name string) (vfs.InodeID, error) {
	return 0, vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) Create(
	ctx context.Context,
	dir *vfs.Inode,
	name string,
	mode os.FileMode) (vfs.InodeID, error) {
	return 0, vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) Unlink(
	ctx context.Context,
	dir *vfs.Inode,
	name string) error {
	return vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) MkDir(
	ctx context.Context,
	dir *vfs.Inode,
	name string,
	mode os.FileMode) (vfs.InodeID, error) {
	return 0, vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) RmDir(
	ctx context.Context,
	dir *vfs.Inode,
	name string) error {
	return vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) Rename(
	ctx context.Context,
	oldDir *vfs.Inode,
	oldName string,
	newDir *vfs.Inode,
	newName string) error {
	return vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) SymLink(
	ctx context.Context,
	dir *vfs.Inode,
	name string,
	target string) (vfs.InodeID, error) {
	return 0, vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) ReadLink(
	ctx context.Context,
	in *vfs.Inode) (string, error) {
	return "", vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) SetAttributes(
	ctx context.Context,
	in *vfs.Inode,
	req *vfs.SetAttributesRequest) error {
	return vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) Truncate(
	ctx context.Context,
	in *vfs.Inode,
	size uint64) error {
	return vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) GetXattr(
	ctx context.Context,
	in *vfs.Inode,
	name string) ([]byte, error) {
	return nil, vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) SetXattr(
	ctx context.Context,
	in *vfs.Inode,
	name string,
	value []byte) error {
	return vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) ListXattr(
	ctx context.Context,
	in *vfs.Inode) ([]string, error) {
	return nil, vfs.ENOSYS
}

func (ops *NotImplementedInodeOps) RemoveXattr(
	ctx context.Context,
	in *vfs.Inode,
	name string) error {
	return vfs.ENOSYS
}
