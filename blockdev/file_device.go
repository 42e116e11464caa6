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
	"os"

	fallocate "github.com/detailyang/go-fallocate"
	"golang.org/x/sys/unix"
)

// A device backed by a file on the host file system. Flush issues a
// durability call on the host file; Trim punches a hole where the host
// supports it, and otherwise zero-fills.
type FileDevice struct {
	cfg  DeviceConfig
	size uint64

	f     *os.File
	queue *bioQueue
}

var _ Device = &FileDevice{}

// Open or create a file-backed device at the given path. If the file does
// not exist it is created with the given size, preallocated so that later
// writes cannot fail with a host-side short write. If it exists, its current
// size is used and the size argument must be zero or equal to it.
func NewFileDevice(path string, size uint64, cfg DeviceConfig) (*FileDevice, error) {
	cfg.applyDefaults("fileblk")
	if err := cfg.check(); err != nil {
		return nil, err
	}

	flags := os.O_RDWR
	if cfg.ReadOnly {
		flags = os.O_RDONLY
	}

	f, err := os.OpenFile(path, flags, 0)
	if os.IsNotExist(err) && !cfg.ReadOnly {
		f, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, os.FileMode(0644))
		if err == nil {
			if size == 0 || size%uint64(cfg.BlockSize) != 0 {
				f.Close()
				return nil, fmt.Errorf("size %d not a positive multiple of block size: %w", size, EINVAL)
			}

			if err := fallocate.Fallocate(f, 0, int64(size)); err != nil {
				f.Close()
				return nil, fmt.Errorf("Fallocate: %w", err)
			}
		}
	}

	if err != nil {
		return nil, fmt.Errorf("OpenFile: %w", err)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("Stat: %w", err)
	}

	if size != 0 && uint64(fi.Size()) != size {
		f.Close()
		return nil, fmt.Errorf("existing image is %d bytes, not %d: %w", fi.Size(), size, EINVAL)
	}

	d := &FileDevice{
		cfg:  cfg,
		size: uint64(fi.Size()),
		f:    f,
	}

	d.queue = newBioQueue(d)
	return d, nil
}

func (d *FileDevice) Name() string       { return d.cfg.Name }
func (d *FileDevice) Major() uint32      { return d.cfg.Major }
func (d *FileDevice) Minor() uint32      { return d.cfg.Minor }
func (d *FileDevice) Size() uint64       { return d.size }
func (d *FileDevice) SectorSize() uint32 { return d.cfg.SectorSize }
func (d *FileDevice) BlockSize() uint32  { return d.cfg.BlockSize }
func (d *FileDevice) ReadOnly() bool     { return d.cfg.ReadOnly }

func (d *FileDevice) ReadAt(sector Sector, p []byte) (int, error) {
	n, err := checkRange(sector, len(p), d.size, d.cfg.SectorSize)
	if err != nil {
		return 0, err
	}

	off := int64(sector) * int64(d.cfg.SectorSize)
	if _, err := d.f.ReadAt(p[:n], off); err != nil {
		return 0, fmt.Errorf("host read failed: %w", EIO)
	}

	return n, nil
}

func (d *FileDevice) WriteAt(sector Sector, p []byte) (int, error) {
	if d.cfg.ReadOnly {
		return 0, EROFS
	}

	n, err := checkRange(sector, len(p), d.size, d.cfg.SectorSize)
	if err != nil {
		return 0, err
	}

	off := int64(sector) * int64(d.cfg.SectorSize)
	if _, err := d.f.WriteAt(p[:n], off); err != nil {
		return 0, fmt.Errorf("host write failed: %w", EIO)
	}

	return n, nil
}

// Flush issues fdatasync on the host file.
func (d *FileDevice) Flush() error {
	if err := unix.Fdatasync(int(d.f.Fd())); err != nil {
		return fmt.Errorf("Fdatasync: %w", EIO)
	}

	return nil
}

// Trim punches a hole in the host file, falling back to an explicit
// zero-fill where hole punching is unsupported.
func (d *FileDevice) Trim(sector Sector, length uint64) error {
	if d.cfg.ReadOnly {
		return EROFS
	}

	n, err := checkRange(sector, int(length), d.size, d.cfg.SectorSize)
	if err != nil {
		return err
	}

	off := int64(sector) * int64(d.cfg.SectorSize)

	err = unix.Fallocate(
		int(d.f.Fd()),
		unix.FALLOC_FL_PUNCH_HOLE|unix.FALLOC_FL_KEEP_SIZE,
		off,
		int64(n))

	if err == nil {
		return nil
	}

	zero := make([]byte, n)
	if _, err := d.f.WriteAt(zero, off); err != nil {
		return fmt.Errorf("host write failed: %w", EIO)
	}

	return nil
}

func (d *FileDevice) SubmitBio(b *Bio) {
	d.queue.submit(b)
}

func (d *FileDevice) Destroy() {
	d.queue.shutdown()
	d.f.Close()
}
