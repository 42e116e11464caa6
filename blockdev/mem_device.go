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

package blockdev

import (
	"fmt"
	"io/ioutil"
	"os"
	"sync"
)

// Configuration accepted by NewMemDevice and NewFileDevice. Zero-valued
// fields are replaced by the defaults documented on each field.
type DeviceConfig struct {
	// Sector size in bytes. Must be a power of two.
	//
	// Default: 512.
	SectorSize uint32

	// Block size in bytes. Must be a power of two no smaller than the sector
	// size.
	//
	// Default: 4096.
	BlockSize uint32

	// If set, the device rejects writes with EROFS.
	ReadOnly bool

	// Human-readable device name.
	//
	// Default: "memblk" or "fileblk".
	Name string

	// Device numbers, surfaced through the Device interface for mount
	// bookkeeping. Not otherwise interpreted.
	Major uint32
	Minor uint32
}

func (c *DeviceConfig) applyDefaults(name string) {
	if c.SectorSize == 0 {
		c.SectorSize = 512
	}

	if c.BlockSize == 0 {
		c.BlockSize = 4096
	}

	if c.Name == "" {
		c.Name = name
	}
}

func (c *DeviceConfig) check() error {
	if !isPowerOfTwo(c.SectorSize) || !isPowerOfTwo(c.BlockSize) {
		return fmt.Errorf("sector and block sizes must be powers of two: %w", EINVAL)
	}

	if c.BlockSize < c.SectorSize {
		return fmt.Errorf("block size %d below sector size %d: %w", c.BlockSize, c.SectorSize, EINVAL)
	}

	return nil
}

// A device backed by an in-memory buffer, for tests and ephemeral mounts.
// Flush is a no-op; Trim zero-fills.
type MemDevice struct {
	cfg DeviceConfig

	mu sync.Mutex

	// The device contents.
	//
	// INVARIANT: len(data) is a multiple of cfg.BlockSize
	data []byte // GUARDED_BY(mu)

	queue *bioQueue
}

var _ Device = &MemDevice{}

// Create an in-memory device of the given size, which must be a positive
// multiple of the block size.
func NewMemDevice(size uint64, cfg DeviceConfig) (*MemDevice, error) {
	cfg.applyDefaults("memblk")
	if err := cfg.check(); err != nil {
		return nil, err
	}

	if size == 0 || size%uint64(cfg.BlockSize) != 0 {
		return nil, fmt.Errorf("size %d not a positive multiple of block size: %w", size, EINVAL)
	}

	d := &MemDevice{
		cfg:  cfg,
		data: make([]byte, size),
	}

	d.queue = newBioQueue(d)
	return d, nil
}

func (d *MemDevice) Name() string       { return d.cfg.Name }
func (d *MemDevice) Major() uint32      { return d.cfg.Major }
func (d *MemDevice) Minor() uint32      { return d.cfg.Minor }
func (d *MemDevice) Size() uint64       { return uint64(len(d.data)) }
func (d *MemDevice) SectorSize() uint32 { return d.cfg.SectorSize }
func (d *MemDevice) BlockSize() uint32  { return d.cfg.BlockSize }
func (d *MemDevice) ReadOnly() bool     { return d.cfg.ReadOnly }

func (d *MemDevice) ReadAt(sector Sector, p []byte) (int, error) {
	n, err := checkRange(sector, len(p), d.Size(), d.cfg.SectorSize)
	if err != nil {
		return 0, err
	}

	off := uint64(sector) * uint64(d.cfg.SectorSize)

	d.mu.Lock()
	copy(p[:n], d.data[off:])
	d.mu.Unlock()

	return n, nil
}

func (d *MemDevice) WriteAt(sector Sector, p []byte) (int, error) {
	if d.cfg.ReadOnly {
		return 0, EROFS
	}

	n, err := checkRange(sector, len(p), d.Size(), d.cfg.SectorSize)
	if err != nil {
		return 0, err
	}

	off := uint64(sector) * uint64(d.cfg.SectorSize)

	d.mu.Lock()
	copy(d.data[off:], p[:n])
	d.mu.Unlock()

	return n, nil
}

// Flush is a no-op for a memory device.
func (d *MemDevice) Flush() error {
	return nil
}

// Trim zero-fills the discarded range.
func (d *MemDevice) Trim(sector Sector, length uint64) error {
	if d.cfg.ReadOnly {
		return EROFS
	}

	n, err := checkRange(sector, int(length), d.Size(), d.cfg.SectorSize)
	if err != nil {
		return err
	}

	off := uint64(sector) * uint64(d.cfg.SectorSize)

	d.mu.Lock()
	for i := 0; i < n; i++ {
		d.data[off+uint64(i)] = 0
	}
	d.mu.Unlock()

	return nil
}

func (d *MemDevice) SubmitBio(b *Bio) {
	d.queue.submit(b)
}

func (d *MemDevice) Destroy() {
	d.queue.shutdown()
}

// Replace the device contents with those of the named file. The file size
// must not exceed the device size; the tail of the device is zeroed.
func (d *MemDevice) LoadFromFile(path string) error {
	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return fmt.Errorf("ReadFile: %w", err)
	}

	if uint64(len(contents)) > d.Size() {
		return fmt.Errorf("image of %d bytes exceeds device size %d: %w", len(contents), d.Size(), EINVAL)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	copy(d.data, contents)
	for i := len(contents); i < len(d.data); i++ {
		d.data[i] = 0
	}

	return nil
}

// Write a snapshot of the device contents to the named file.
func (d *MemDevice) SaveToFile(path string) error {
	d.mu.Lock()
	snapshot := make([]byte, len(d.data))
	copy(snapshot, d.data)
	d.mu.Unlock()

	if err := ioutil.WriteFile(path, snapshot, os.FileMode(0644)); err != nil {
		return fmt.Errorf("WriteFile: %w", err)
	}

	return nil
}
