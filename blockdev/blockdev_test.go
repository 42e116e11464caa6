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

package blockdev_test

import (
	"bytes"
	"errors"
	"io/ioutil"
	"path"
	"testing"

	"github.com/jacobsa/vfs/blockdev"

	. "github.com/jacobsa/ogletest"
)

func TestBlockDevice(t *testing.T) { RunTests(t) }

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

const deviceSize = 64 << 20

type MemDeviceTest struct {
	dev *blockdev.MemDevice
}

var _ SetUpInterface = &MemDeviceTest{}
var _ TearDownInterface = &MemDeviceTest{}

func init() { RegisterTestSuite(&MemDeviceTest{}) }

func (t *MemDeviceTest) SetUp(ti *TestInfo) {
	var err error

	t.dev, err = blockdev.NewMemDevice(deviceSize, blockdev.DeviceConfig{})
	AssertEq(nil, err)
}

func (t *MemDeviceTest) TearDown() {
	t.dev.Destroy()
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *MemDeviceTest) Geometry() {
	ExpectEq(uint64(deviceSize), t.dev.Size())
	ExpectEq(512, t.dev.SectorSize())
	ExpectEq(4096, t.dev.BlockSize())
	ExpectEq("memblk", t.dev.Name())
	ExpectFalse(t.dev.ReadOnly())
}

func (t *MemDeviceTest) ReadsZeroesInitially() {
	buf := make([]byte, 4096)
	n, err := t.dev.ReadAt(0, buf)

	AssertEq(nil, err)
	AssertEq(4096, n)
	ExpectTrue(bytes.Equal(buf, make([]byte, 4096)))
}

func (t *MemDeviceTest) WriteThenRead() {
	// Write 0xAB x 4096 at sector zero.
	src := bytes.Repeat([]byte{0xAB}, 4096)
	n, err := t.dev.WriteAt(0, src)

	AssertEq(nil, err)
	AssertEq(4096, n)

	// Read it back.
	dst := make([]byte, 4096)
	n, err = t.dev.ReadAt(0, dst)

	AssertEq(nil, err)
	AssertEq(4096, n)
	ExpectTrue(bytes.Equal(src, dst))
}

func (t *MemDeviceTest) RoundTripAtOffset() {
	src := []byte("taco burrito enchilada")
	sector := blockdev.Sector(17)

	_, err := t.dev.WriteAt(sector, src)
	AssertEq(nil, err)

	dst := make([]byte, len(src))
	_, err = t.dev.ReadAt(sector, dst)

	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(src, dst))
}

func (t *MemDeviceTest) ReadStartingAtEnd() {
	endSector := blockdev.Sector(deviceSize / 512)

	_, err := t.dev.ReadAt(endSector, make([]byte, 512))
	ExpectTrue(errors.Is(err, blockdev.EINVAL))

	_, err = t.dev.ReadAt(endSector+100, make([]byte, 512))
	ExpectTrue(errors.Is(err, blockdev.EINVAL))
}

func (t *MemDeviceTest) ReadRunningPastEndIsClamped() {
	lastSector := blockdev.Sector(deviceSize/512 - 1)

	n, err := t.dev.ReadAt(lastSector, make([]byte, 4096))

	AssertEq(nil, err)
	ExpectEq(512, n)
}

func (t *MemDeviceTest) WriteRunningPastEndIsClamped() {
	lastSector := blockdev.Sector(deviceSize/512 - 1)

	n, err := t.dev.WriteAt(lastSector, bytes.Repeat([]byte{1}, 4096))

	AssertEq(nil, err)
	ExpectEq(512, n)
}

func (t *MemDeviceTest) ZeroLengthIO() {
	n, err := t.dev.ReadAt(0, nil)
	AssertEq(nil, err)
	ExpectEq(0, n)

	n, err = t.dev.WriteAt(0, nil)
	AssertEq(nil, err)
	ExpectEq(0, n)
}

func (t *MemDeviceTest) ReadOnlyDeviceRejectsWrites() {
	dev, err := blockdev.NewMemDevice(
		deviceSize,
		blockdev.DeviceConfig{ReadOnly: true})

	AssertEq(nil, err)
	defer dev.Destroy()

	_, err = dev.WriteAt(0, []byte("taco"))
	ExpectTrue(errors.Is(err, blockdev.EROFS))

	err = dev.Trim(0, 512)
	ExpectTrue(errors.Is(err, blockdev.EROFS))
}

func (t *MemDeviceTest) TrimZeroFills() {
	src := bytes.Repeat([]byte{0xCD}, 8192)
	_, err := t.dev.WriteAt(0, src)
	AssertEq(nil, err)

	// Discard the second 4 KiB.
	err = t.dev.Trim(8, 4096)
	AssertEq(nil, err)

	dst := make([]byte, 8192)
	_, err = t.dev.ReadAt(0, dst)
	AssertEq(nil, err)

	ExpectTrue(bytes.Equal(dst[:4096], src[:4096]))
	ExpectTrue(bytes.Equal(dst[4096:], make([]byte, 4096)))
}

func (t *MemDeviceTest) FlushIsANoOp() {
	ExpectEq(nil, t.dev.Flush())
}

func (t *MemDeviceTest) InvalidGeometry() {
	// Non-power-of-two sector size.
	_, err := blockdev.NewMemDevice(
		deviceSize,
		blockdev.DeviceConfig{SectorSize: 300})

	ExpectTrue(errors.Is(err, blockdev.EINVAL))

	// Block smaller than sector.
	_, err = blockdev.NewMemDevice(
		deviceSize,
		blockdev.DeviceConfig{SectorSize: 4096, BlockSize: 512})

	ExpectTrue(errors.Is(err, blockdev.EINVAL))

	// Size not a multiple of the block size.
	_, err = blockdev.NewMemDevice(1000, blockdev.DeviceConfig{})
	ExpectTrue(errors.Is(err, blockdev.EINVAL))
}

func (t *MemDeviceTest) SaveAndLoadSnapshot() {
	dir, err := ioutil.TempDir("", "blockdev_test")
	AssertEq(nil, err)

	imagePath := path.Join(dir, "snapshot.img")

	src := bytes.Repeat([]byte{0x5A}, 4096)
	_, err = t.dev.WriteAt(0, src)
	AssertEq(nil, err)

	AssertEq(nil, t.dev.SaveToFile(imagePath))

	other, err := blockdev.NewMemDevice(deviceSize, blockdev.DeviceConfig{})
	AssertEq(nil, err)
	defer other.Destroy()

	AssertEq(nil, other.LoadFromFile(imagePath))

	dst := make([]byte, 4096)
	_, err = other.ReadAt(0, dst)

	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(src, dst))
}

////////////////////////////////////////////////////////////////////////
// FileDevice
////////////////////////////////////////////////////////////////////////

type FileDeviceTest struct {
	dir string
	dev *blockdev.FileDevice
}

var _ SetUpInterface = &FileDeviceTest{}
var _ TearDownInterface = &FileDeviceTest{}

func init() { RegisterTestSuite(&FileDeviceTest{}) }

func (t *FileDeviceTest) SetUp(ti *TestInfo) {
	var err error

	t.dir, err = ioutil.TempDir("", "filedev_test")
	AssertEq(nil, err)

	t.dev, err = blockdev.NewFileDevice(
		path.Join(t.dir, "disk.img"),
		deviceSize,
		blockdev.DeviceConfig{})

	AssertEq(nil, err)
}

func (t *FileDeviceTest) TearDown() {
	t.dev.Destroy()
}

func (t *FileDeviceTest) WriteThenRead() {
	src := bytes.Repeat([]byte{0xAB}, 4096)
	n, err := t.dev.WriteAt(0, src)

	AssertEq(nil, err)
	AssertEq(4096, n)

	dst := make([]byte, 4096)
	n, err = t.dev.ReadAt(0, dst)

	AssertEq(nil, err)
	AssertEq(4096, n)
	ExpectTrue(bytes.Equal(src, dst))
}

func (t *FileDeviceTest) ContentsSurviveReopen() {
	imagePath := path.Join(t.dir, "disk.img")

	src := []byte("persistent contents")
	_, err := t.dev.WriteAt(3, src)
	AssertEq(nil, err)

	AssertEq(nil, t.dev.Flush())
	t.dev.Destroy()

	t.dev, err = blockdev.NewFileDevice(imagePath, 0, blockdev.DeviceConfig{})
	AssertEq(nil, err)
	ExpectEq(uint64(deviceSize), t.dev.Size())

	dst := make([]byte, len(src))
	_, err = t.dev.ReadAt(3, dst)

	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(src, dst))
}

func (t *FileDeviceTest) TrimZeroFills() {
	src := bytes.Repeat([]byte{0xEE}, 4096)
	_, err := t.dev.WriteAt(0, src)
	AssertEq(nil, err)

	AssertEq(nil, t.dev.Trim(0, 4096))

	dst := make([]byte, 4096)
	_, err = t.dev.ReadAt(0, dst)

	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(dst, make([]byte, 4096)))
}
