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

// Package vfstesting provides helpers for tests that need a mounted
// scratch file system.
package vfstesting

import (
	"fmt"
	"time"

	"golang.org/x/net/context"

	"github.com/jacobsa/timeutil"
	"github.com/jacobsa/vfs"
	"github.com/jacobsa/vfs/blockdev"
	"github.com/jacobsa/vfs/ext4"
	"github.com/jacobsa/vfs/pagecache"
)

// A freshly formatted file system on an ephemeral memory device, mounted at
// "/" of its own VFS, with a simulated clock. Create with NewScratch and
// release with Destroy.
type Scratch struct {
	Clock  *timeutil.SimulatedClock
	Cache  *pagecache.Cache
	Device *blockdev.MemDevice
	VFS    *vfs.VFS
}

// Options accepted by NewScratch. Zero values get reasonable defaults.
type ScratchConfig struct {
	// Device size in bytes. Default: 64 MiB.
	DeviceSize uint64

	// Page cache capacity. Default: 64 pages.
	CachePages int

	// Flags for the root mount.
	MountFlags vfs.MountFlags
}

// Create a scratch file system.
func NewScratch(config ScratchConfig) (*Scratch, error) {
	if config.DeviceSize == 0 {
		config.DeviceSize = 64 << 20
	}

	if config.CachePages == 0 {
		config.CachePages = 64
	}

	s := &Scratch{
		Clock: &timeutil.SimulatedClock{},
	}

	s.Clock.SetTime(time.Date(2015, 4, 5, 2, 15, 0, 0, time.UTC))
	s.Cache = pagecache.New(config.CachePages)

	var err error
	s.Device, err = blockdev.NewMemDevice(config.DeviceSize, blockdev.DeviceConfig{
		Major: 8,
	})
	if err != nil {
		return nil, fmt.Errorf("NewMemDevice: %w", err)
	}

	if err := ext4.Mkfs(s.Device, ext4.MkfsConfig{
		VolumeName: "scratch",
		Clock:      s.Clock,
	}); err != nil {
		s.Device.Destroy()
		return nil, fmt.Errorf("Mkfs: %w", err)
	}

	s.VFS = vfs.New(vfs.Config{
		Clock: s.Clock,
		Cache: s.Cache,
	})

	fs := ext4.NewFileSystem(ext4.Config{
		Clock: s.Clock,
		Cache: s.Cache,
	})

	if err := s.VFS.RegisterFileSystem(fs); err != nil {
		s.Device.Destroy()
		return nil, fmt.Errorf("RegisterFileSystem: %w", err)
	}

	err = s.VFS.Mount(
		context.Background(),
		s.Device,
		"/",
		"ext4",
		config.MountFlags,
		"")

	if err != nil {
		s.Device.Destroy()
		return nil, fmt.Errorf("Mount: %w", err)
	}

	return s, nil
}

// Unmount and release the device.
func (s *Scratch) Destroy() error {
	if err := s.VFS.Unmount(context.Background(), "/"); err != nil {
		return err
	}

	s.Device.Destroy()
	return nil
}
