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

package ext4_test

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"golang.org/x/net/context"

	"github.com/google/uuid"
	"github.com/jacobsa/timeutil"
	"github.com/jacobsa/vfs"
	"github.com/jacobsa/vfs/blockdev"
	"github.com/jacobsa/vfs/ext4"
	"github.com/jacobsa/vfs/pagecache"

	. "github.com/jacobsa/ogletest"
)

func TestExt4(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type Ext4Test struct {
	ctx   context.Context
	clock timeutil.SimulatedClock
	cache *pagecache.Cache
	dev   *blockdev.MemDevice
	fs    vfs.FileSystem
	sb    *vfs.Superblock
}

var _ SetUpInterface = &Ext4Test{}
var _ TearDownInterface = &Ext4Test{}

func init() { RegisterTestSuite(&Ext4Test{}) }

func (t *Ext4Test) SetUp(ti *TestInfo) {
	var err error

	t.ctx = context.Background()
	t.clock.SetTime(time.Date(2015, 7, 18, 10, 0, 0, 0, time.UTC))
	t.cache = pagecache.New(64)

	t.dev, err = blockdev.NewMemDevice(64<<20, blockdev.DeviceConfig{})
	AssertEq(nil, err)

	AssertEq(nil, ext4.Mkfs(t.dev, ext4.MkfsConfig{
		VolumeName: "testvol",
		Clock:      &t.clock,
	}))

	t.fs = ext4.NewFileSystem(ext4.Config{
		Clock: &t.clock,
		Cache: t.cache,
	})

	t.sb, err = t.fs.Mount(t.ctx, t.dev, 0, "")
	AssertEq(nil, err)
}

func (t *Ext4Test) TearDown() {
	AssertEq(nil, t.fs.Unmount(t.ctx, t.sb))
	t.dev.Destroy()
}

func (t *Ext4Test) root() *vfs.Inode {
	return t.sb.Root().Inode()
}

////////////////////////////////////////////////////////////////////////
// Format and mount
////////////////////////////////////////////////////////////////////////

func (t *Ext4Test) MkfsRejectsBadDevices() {
	small, err := blockdev.NewMemDevice(4096, blockdev.DeviceConfig{})
	AssertEq(nil, err)
	defer small.Destroy()

	err = ext4.Mkfs(small, ext4.MkfsConfig{})
	ExpectTrue(errors.Is(err, vfs.EINVAL))

	ro, err := blockdev.NewMemDevice(64<<20, blockdev.DeviceConfig{ReadOnly: true})
	AssertEq(nil, err)
	defer ro.Destroy()

	err = ext4.Mkfs(ro, ext4.MkfsConfig{})
	ExpectTrue(errors.Is(err, vfs.EROFS))
}

func (t *Ext4Test) MountRejectsUnformattedDevice() {
	blank, err := blockdev.NewMemDevice(64<<20, blockdev.DeviceConfig{})
	AssertEq(nil, err)
	defer blank.Destroy()

	_, err = t.fs.Mount(t.ctx, blank, 0, "")
	ExpectTrue(errors.Is(err, vfs.EINVAL))
}

func (t *Ext4Test) RootDirectoryShape() {
	attrs := t.root().Attributes()

	ExpectEq(ext4.RootIno, t.root().ID())
	ExpectNe(0, int(attrs.Mode&os.ModeDir))
	ExpectEq(2, attrs.Nlink)
	ExpectEq(os.FileMode(0755), attrs.Mode&os.ModePerm)
	ExpectEq(4096, attrs.Size)
}

func (t *Ext4Test) StatFSCounts() {
	stat, err := t.fs.StatFS(t.ctx, t.sb)
	AssertEq(nil, err)

	ExpectEq(4096, stat.BlockSize)
	ExpectGt(stat.Blocks, 0)
	ExpectGt(stat.BlocksFree, 0)
	ExpectLt(stat.BlocksFree, stat.Blocks)
	ExpectGt(stat.InodesFree, 0)
}

func (t *Ext4Test) MkfsWithExplicitUUIDMounts() {
	devA, err := blockdev.NewMemDevice(64<<20, blockdev.DeviceConfig{})
	AssertEq(nil, err)
	defer devA.Destroy()

	idA := uuid.MustParse("0f0e0d0c-0b0a-0908-0706-050403020100")
	AssertEq(nil, ext4.Mkfs(devA, ext4.MkfsConfig{UUID: idA}))

	// A device formatted with an explicit UUID mounts and unmounts cleanly.
	fsA := ext4.NewFileSystem(ext4.Config{Clock: &t.clock, Cache: t.cache})
	sbA, err := fsA.Mount(t.ctx, devA, 0, "")
	AssertEq(nil, err)

	AssertEq(nil, fsA.Unmount(t.ctx, sbA))
}

////////////////////////////////////////////////////////////////////////
// Inode materialization
////////////////////////////////////////////////////////////////////////

func (t *Ext4Test) GetInodeAliasesOneObject() {
	in1, err := t.sb.GetInode(t.ctx, ext4.RootIno)
	AssertEq(nil, err)

	in2, err := t.sb.GetInode(t.ctx, ext4.RootIno)
	AssertEq(nil, err)

	ExpectEq(in1, in2)

	in1.DecRef()
	in2.DecRef()
}

func (t *Ext4Test) GetInodeOfUnallocatedNumber() {
	_, err := t.sb.GetInode(t.ctx, vfs.InodeID(5000))
	ExpectTrue(errors.Is(err, vfs.ENOENT))
}

func (t *Ext4Test) InodeIsReMaterializedAfterLastRef() {
	child, err := t.root().Create(t.ctx, "reborn.txt", os.FileMode(0644))
	AssertEq(nil, err)

	ino := child.ID()
	live := t.sb.LiveInodes()
	child.DecRef()

	// The object died with its last reference.
	ExpectEq(live-1, t.sb.LiveInodes())

	// Looking it up again re-materializes from the table.
	again, err := t.sb.GetInode(t.ctx, ino)
	AssertEq(nil, err)
	ExpectEq(ino, again.ID())

	again.DecRef()
}

////////////////////////////////////////////////////////////////////////
// Directory records
////////////////////////////////////////////////////////////////////////

func (t *Ext4Test) CreateLookUpUnlink() {
	child, err := t.root().Create(t.ctx, "file.txt", os.FileMode(0640))
	AssertEq(nil, err)

	attrs := child.Attributes()
	ExpectEq(os.FileMode(0640), attrs.Mode&os.ModePerm)
	ExpectEq(1, attrs.Nlink)
	ExpectEq(0, attrs.Size)
	child.DecRef()

	found, err := t.root().LookUp(t.ctx, "file.txt")
	AssertEq(nil, err)
	ExpectEq(os.FileMode(0640), found.Attributes().Mode&os.ModePerm)
	found.DecRef()

	AssertEq(nil, t.root().Unlink(t.ctx, "file.txt"))

	_, err = t.root().LookUp(t.ctx, "file.txt")
	ExpectTrue(errors.Is(err, vfs.ENOENT))
}

func (t *Ext4Test) DuplicateNameRejected() {
	child, err := t.root().Create(t.ctx, "dup.txt", os.FileMode(0644))
	AssertEq(nil, err)
	child.DecRef()

	_, err = t.root().Create(t.ctx, "dup.txt", os.FileMode(0644))
	ExpectTrue(errors.Is(err, vfs.EEXIST))
}

func (t *Ext4Test) ManyEntriesSpillIntoNewBlocks() {
	// Enough names to outgrow the root's single directory block.
	const numEntries = 300

	for i := 0; i < numEntries; i++ {
		name := fmt.Sprintf("entry%03d.txt", i)
		child, err := t.root().Create(t.ctx, name, os.FileMode(0644))
		AssertEq(nil, err)
		child.DecRef()
	}

	entries, err := t.root().ReadDir(t.ctx)
	AssertEq(nil, err)
	AssertEq(numEntries, len(entries))

	// The directory grew beyond one block.
	ExpectGt(t.root().Attributes().Size, 4096)

	// Spot-check lookups in later blocks.
	found, err := t.root().LookUp(t.ctx, "entry299.txt")
	AssertEq(nil, err)
	found.DecRef()
}

func (t *Ext4Test) ReusedSlackAfterUnlink() {
	for _, name := range []string{"a.txt", "b.txt", "c.txt"} {
		child, err := t.root().Create(t.ctx, name, os.FileMode(0644))
		AssertEq(nil, err)
		child.DecRef()
	}

	AssertEq(nil, t.root().Unlink(t.ctx, "b.txt"))

	child, err := t.root().Create(t.ctx, "b2.txt", os.FileMode(0644))
	AssertEq(nil, err)
	child.DecRef()

	entries, err := t.root().ReadDir(t.ctx)
	AssertEq(nil, err)
	AssertEq(3, len(entries))

	// The directory did not grow.
	ExpectEq(4096, t.root().Attributes().Size)
}

////////////////////////////////////////////////////////////////////////
// Content I/O
////////////////////////////////////////////////////////////////////////

func (t *Ext4Test) DriverDirectReadWrite() {
	child, err := t.root().Create(t.ctx, "direct.bin", os.FileMode(0644))
	AssertEq(nil, err)
	defer child.DecRef()

	contents := bytes.Repeat([]byte{0xC3}, 5000)
	n, err := child.Ops().Write(t.ctx, child, 0, contents)
	AssertEq(nil, err)
	AssertEq(len(contents), n)

	buf := make([]byte, len(contents))
	n, err = child.Ops().Read(t.ctx, child, 0, buf)
	AssertEq(nil, err)
	AssertEq(len(contents), n)

	ExpectTrue(bytes.Equal(contents, buf))
}

func (t *Ext4Test) FileSpanningIndirectBlocks() {
	child, err := t.root().Create(t.ctx, "big.bin", os.FileMode(0644))
	AssertEq(nil, err)
	defer child.DecRef()

	// Write beyond the twelve direct blocks.
	contents := bytes.Repeat([]byte{0x5A}, 14*4096)
	n, err := child.Write(t.ctx, 0, contents)
	AssertEq(nil, err)
	AssertEq(len(contents), n)

	AssertEq(nil, child.Sync(t.ctx))

	buf := make([]byte, len(contents))
	n, err = child.Read(t.ctx, 0, buf)
	AssertEq(nil, err)
	AssertEq(len(contents), n)

	ExpectTrue(bytes.Equal(contents, buf))
}

func (t *Ext4Test) TruncateFreesBlocks() {
	child, err := t.root().Create(t.ctx, "shrink.bin", os.FileMode(0644))
	AssertEq(nil, err)
	defer child.DecRef()

	_, err = child.Write(t.ctx, 0, bytes.Repeat([]byte{1}, 13*4096))
	AssertEq(nil, err)
	AssertEq(nil, child.Sync(t.ctx))

	before, err := t.fs.StatFS(t.ctx, t.sb)
	AssertEq(nil, err)

	AssertEq(nil, child.Truncate(t.ctx, 4096))

	after, err := t.fs.StatFS(t.ctx, t.sb)
	AssertEq(nil, err)

	ExpectGt(after.BlocksFree, before.BlocksFree)
	ExpectEq(4096, child.Attributes().Size)
}

func (t *Ext4Test) UnlinkFreesStorage() {
	before, err := t.fs.StatFS(t.ctx, t.sb)
	AssertEq(nil, err)

	child, err := t.root().Create(t.ctx, "temp.bin", os.FileMode(0644))
	AssertEq(nil, err)

	_, err = child.Write(t.ctx, 0, bytes.Repeat([]byte{2}, 8*4096))
	AssertEq(nil, err)
	AssertEq(nil, child.Sync(t.ctx))
	child.DecRef()

	AssertEq(nil, t.root().Unlink(t.ctx, "temp.bin"))

	after, err := t.fs.StatFS(t.ctx, t.sb)
	AssertEq(nil, err)

	ExpectEq(before.BlocksFree, after.BlocksFree)
	ExpectEq(before.InodesFree, after.InodesFree)
}

////////////////////////////////////////////////////////////////////////
// Symlinks
////////////////////////////////////////////////////////////////////////

func (t *Ext4Test) InlineAndBlockSymlinks() {
	short, err := t.root().SymLink(t.ctx, "short", "tgt")
	AssertEq(nil, err)

	target, err := short.ReadLink(t.ctx)
	AssertEq(nil, err)
	ExpectEq("tgt", target)
	short.DecRef()

	longTarget := string(bytes.Repeat([]byte("y"), 300))
	long, err := t.root().SymLink(t.ctx, "long", longTarget)
	AssertEq(nil, err)

	target, err = long.ReadLink(t.ctx)
	AssertEq(nil, err)
	ExpectEq(longTarget, target)
	long.DecRef()
}

////////////////////////////////////////////////////////////////////////
// Exhaustion
////////////////////////////////////////////////////////////////////////

func (t *Ext4Test) OutOfSpace() {
	// A tiny file system: 16 blocks leaves very few data blocks.
	tiny, err := blockdev.NewMemDevice(16*4096, blockdev.DeviceConfig{})
	AssertEq(nil, err)
	defer tiny.Destroy()

	AssertEq(nil, ext4.Mkfs(tiny, ext4.MkfsConfig{Clock: &t.clock}))

	fs := ext4.NewFileSystem(ext4.Config{Clock: &t.clock, Cache: pagecache.New(16)})
	sb, err := fs.Mount(t.ctx, tiny, 0, "")
	AssertEq(nil, err)

	root := sb.Root().Inode()

	child, err := root.Create(t.ctx, "filler.bin", os.FileMode(0644))
	AssertEq(nil, err)

	// Writing far more than the device holds must eventually fail with
	// ENOSPC rather than succeeding short silently.
	var writeErr error
	for i := 0; i < 32 && writeErr == nil; i++ {
		_, writeErr = child.Write(t.ctx, int64(i)*4096, bytes.Repeat([]byte{3}, 4096))
	}

	ExpectTrue(errors.Is(writeErr, vfs.ENOSPC))

	child.DecRef()
	AssertEq(nil, fs.Unmount(t.ctx, sb))
}

////////////////////////////////////////////////////////////////////////
// Persistence
////////////////////////////////////////////////////////////////////////

func (t *Ext4Test) RecordsSurviveRemount() {
	child, err := t.root().Create(t.ctx, "persist.txt", os.FileMode(0604))
	AssertEq(nil, err)

	_, err = child.Write(t.ctx, 0, []byte("still here"))
	AssertEq(nil, err)
	AssertEq(nil, child.Sync(t.ctx))
	child.DecRef()

	AssertEq(nil, t.sb.Sync(t.ctx))
	AssertEq(nil, t.fs.Unmount(t.ctx, t.sb))

	t.sb, err = t.fs.Mount(t.ctx, t.dev, 0, "")
	AssertEq(nil, err)

	found, err := t.root().LookUp(t.ctx, "persist.txt")
	AssertEq(nil, err)
	defer found.DecRef()

	attrs := found.Attributes()
	ExpectEq(os.FileMode(0604), attrs.Mode&os.ModePerm)
	ExpectEq(10, attrs.Size)

	buf := make([]byte, 10)
	n, err := found.Read(t.ctx, 0, buf)
	AssertEq(nil, err)
	AssertEq(10, n)
	ExpectTrue(bytes.Equal([]byte("still here"), buf))
}
