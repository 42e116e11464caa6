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

// vfsdbg is a small inspection tool for vfs images: format a device image,
// poke at its contents through the full VFS stack, and run a smoke-test
// scenario.
package main

import (
	"fmt"
	"io/ioutil"
	"log"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/urfave/cli/v2"
	"golang.org/x/net/context"
	"gopkg.in/yaml.v3"

	"github.com/jacobsa/vfs"
	"github.com/jacobsa/vfs/blockdev"
	"github.com/jacobsa/vfs/ext4"
	"github.com/jacobsa/vfs/pagecache"
)

// Settings read from the environment, overriding config file defaults.
type envSettings struct {
	CachePages int `envconfig:"VFSDBG_CACHE_PAGES"`
}

// One mount described by the config file.
type mountSpec struct {
	Image      string `yaml:"image"`
	Mountpoint string `yaml:"mountpoint"`
	Type       string `yaml:"type"`
	ReadOnly   bool   `yaml:"readonly"`
}

// The config file format.
type config struct {
	CachePages int         `yaml:"cachePages"`
	Mounts     []mountSpec `yaml:"mounts"`
}

func loadConfig(path string) (*config, error) {
	cfg := &config{CachePages: 1024}
	if path == "" {
		return cfg, nil
	}

	contents, err := ioutil.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ReadFile: %w", err)
	}

	if err := yaml.Unmarshal(contents, cfg); err != nil {
		return nil, fmt.Errorf("Unmarshal: %w", err)
	}

	return cfg, nil
}

// A router plus the devices backing its mounts.
type stack struct {
	vfs     *vfs.VFS
	devices []blockdev.Device
}

func (s *stack) destroy(ctx context.Context) {
	mounts := s.vfs.Mounts()
	for i := len(mounts) - 1; i >= 0; i-- {
		if err := s.vfs.Unmount(ctx, mounts[i].Path()); err != nil {
			log.Printf("Unmount %s: %v", mounts[i].Path(), err)
		}
	}

	for _, dev := range s.devices {
		dev.Destroy()
	}
}

// Build a VFS from the config file and flags, mounting every configured
// image (or the single image given with --image at "/").
func buildStack(c *cli.Context) (*stack, error) {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}

	var env envSettings
	if err := envconfig.Process("", &env); err != nil {
		return nil, fmt.Errorf("envconfig: %w", err)
	}

	if env.CachePages != 0 {
		cfg.CachePages = env.CachePages
	}

	if image := c.String("image"); image != "" {
		cfg.Mounts = []mountSpec{{Image: image, Mountpoint: "/", Type: "ext4"}}
	}

	if len(cfg.Mounts) == 0 {
		return nil, fmt.Errorf("no mounts configured; pass --image or --config")
	}

	cache := pagecache.New(cfg.CachePages)
	v := vfs.New(vfs.Config{Cache: cache})

	if err := v.RegisterFileSystem(ext4.NewFileSystem(ext4.Config{Cache: cache})); err != nil {
		return nil, err
	}

	s := &stack{vfs: v}
	ctx := context.Background()

	for _, m := range cfg.Mounts {
		dev, err := blockdev.NewFileDevice(m.Image, 0, blockdev.DeviceConfig{
			ReadOnly: m.ReadOnly,
			Name:     m.Image,
		})

		if err != nil {
			s.destroy(ctx)
			return nil, fmt.Errorf("open image %s: %w", m.Image, err)
		}

		s.devices = append(s.devices, dev)

		var flags vfs.MountFlags
		if m.ReadOnly {
			flags |= vfs.MountReadOnly
		}

		fstype := m.Type
		if fstype == "" {
			fstype = "ext4"
		}

		if err := s.vfs.Mount(ctx, dev, m.Mountpoint, fstype, flags, ""); err != nil {
			s.destroy(ctx)
			return nil, fmt.Errorf("mount %s at %s: %w", m.Image, m.Mountpoint, err)
		}
	}

	return s, nil
}

func main() {
	app := &cli.App{
		Name:  "vfsdbg",
		Usage: "format and inspect vfs file system images",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "image",
				Usage: "path to a device image, mounted at /",
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "path to a yaml mount-table config",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "mkfs",
				Usage:     "write a fresh file system onto an image file",
				ArgsUsage: "IMAGE",
				Flags: []cli.Flag{
					&cli.Uint64Flag{
						Name:  "size",
						Usage: "image size in MiB for a new image",
						Value: 64,
					},
					&cli.StringFlag{
						Name:  "label",
						Usage: "volume label",
					},
				},
				Action: cmdMkfs,
			},
			{
				Name:      "ls",
				Usage:     "list a directory",
				ArgsUsage: "PATH",
				Action:    cmdLs,
			},
			{
				Name:      "cat",
				Usage:     "print a file's contents",
				ArgsUsage: "PATH",
				Action:    cmdCat,
			},
			{
				Name:      "put",
				Usage:     "copy stdin into a file",
				ArgsUsage: "PATH",
				Action:    cmdPut,
			},
			{
				Name:   "statfs",
				Usage:  "print file system statistics",
				Action: cmdStatFS,
			},
			{
				Name:   "demo",
				Usage:  "run a smoke-test scenario on an ephemeral device",
				Action: cmdDemo,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func cmdMkfs(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: vfsdbg mkfs IMAGE")
	}

	dev, err := blockdev.NewFileDevice(
		c.Args().Get(0),
		c.Uint64("size")<<20,
		blockdev.DeviceConfig{})

	if err != nil {
		return err
	}
	defer dev.Destroy()

	return ext4.Mkfs(dev, ext4.MkfsConfig{VolumeName: c.String("label")})
}

func cmdLs(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: vfsdbg ls PATH")
	}

	s, err := buildStack(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	defer s.destroy(ctx)

	f, err := s.vfs.Open(ctx, c.Args().Get(0), vfs.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close(ctx)

	entries, err := f.ReadDir(ctx)
	if err != nil {
		return err
	}

	for _, e := range entries {
		fmt.Printf("%8d  %s\n", e.Ino, e.Name)
	}

	return nil
}

func cmdCat(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: vfsdbg cat PATH")
	}

	s, err := buildStack(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	defer s.destroy(ctx)

	f, err := s.vfs.Open(ctx, c.Args().Get(0), vfs.O_RDONLY, 0)
	if err != nil {
		return err
	}
	defer f.Close(ctx)

	buf := make([]byte, 64<<10)
	for {
		n, err := f.Read(ctx, buf)
		if err != nil {
			return err
		}

		if n == 0 {
			return nil
		}

		if _, err := os.Stdout.Write(buf[:n]); err != nil {
			return err
		}
	}
}

func cmdPut(c *cli.Context) error {
	if c.NArg() != 1 {
		return fmt.Errorf("usage: vfsdbg put PATH < data")
	}

	s, err := buildStack(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	defer s.destroy(ctx)

	contents, err := ioutil.ReadAll(os.Stdin)
	if err != nil {
		return err
	}

	f, err := s.vfs.Open(
		ctx,
		c.Args().Get(0),
		vfs.O_WRONLY|vfs.O_CREAT|vfs.O_TRUNC,
		os.FileMode(0644))

	if err != nil {
		return err
	}

	if _, err := f.Write(ctx, contents); err != nil {
		f.Close(ctx)
		return err
	}

	if err := f.Close(ctx); err != nil {
		return err
	}

	return s.vfs.Sync(ctx)
}

func cmdStatFS(c *cli.Context) error {
	s, err := buildStack(c)
	if err != nil {
		return err
	}

	ctx := context.Background()
	defer s.destroy(ctx)

	stat, err := s.vfs.StatFS(ctx, "/")
	if err != nil {
		return err
	}

	for _, m := range s.vfs.Mounts() {
		fmt.Printf(
			"mount:       %s on %s (%s, dev %d:%d)\n",
			m.DeviceName,
			m.Path(),
			m.Type,
			m.DeviceMajor,
			m.DeviceMinor)
	}

	fmt.Printf("block size:  %d\n", stat.BlockSize)
	fmt.Printf("blocks:      %d (%d free)\n", stat.Blocks, stat.BlocksFree)
	fmt.Printf("inodes:      %d (%d free)\n", stat.Inodes, stat.InodesFree)

	return nil
}

// Run the classic end-to-end scenario on an ephemeral memory device:
// mkfs, mount, create nested directories, write a file, read it back.
func cmdDemo(c *cli.Context) error {
	ctx := context.Background()

	dev, err := blockdev.NewMemDevice(64<<20, blockdev.DeviceConfig{})
	if err != nil {
		return err
	}
	defer dev.Destroy()

	if err := ext4.Mkfs(dev, ext4.MkfsConfig{VolumeName: "demo"}); err != nil {
		return err
	}

	cache := pagecache.New(256)
	v := vfs.New(vfs.Config{Cache: cache})

	if err := v.RegisterFileSystem(ext4.NewFileSystem(ext4.Config{Cache: cache})); err != nil {
		return err
	}

	if err := v.Mount(ctx, dev, "/", "ext4", 0, ""); err != nil {
		return err
	}

	for _, dir := range []string{"/home", "/home/user"} {
		if err := v.MkDir(ctx, dir, os.FileMode(0755)); err != nil {
			return err
		}

		fmt.Printf("mkdir %s\n", dir)
	}

	f, err := v.Open(
		ctx,
		"/home/user/test.txt",
		vfs.O_WRONLY|vfs.O_CREAT,
		os.FileMode(0644))

	if err != nil {
		return err
	}

	if _, err := f.Write(ctx, []byte("hello\n")); err != nil {
		return err
	}

	if err := f.Close(ctx); err != nil {
		return err
	}

	fmt.Println("wrote /home/user/test.txt")

	if err := v.Sync(ctx); err != nil {
		return err
	}

	f, err = v.Open(ctx, "/home/user/test.txt", vfs.O_RDONLY, 0)
	if err != nil {
		return err
	}

	buf := make([]byte, 6)
	n, err := f.Read(ctx, buf)
	if err != nil {
		return err
	}

	if err := f.Close(ctx); err != nil {
		return err
	}

	fmt.Printf("read back %d bytes: %q\n", n, buf[:n])

	attrs, err := v.Stat(ctx, "/home/user/test.txt")
	if err != nil {
		return err
	}

	fmt.Printf("stat size: %d\n", attrs.Size)

	stats := cache.GetStats()
	fmt.Printf(
		"cache: %d hits, %d misses, %d writebacks\n",
		stats.Hits,
		stats.Misses,
		stats.Writebacks)

	return v.Unmount(ctx, "/")
}
