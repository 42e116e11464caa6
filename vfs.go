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
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/net/context"

	"github.com/jacobsa/reqtrace"
	"github.com/jacobsa/syncutil"
	"github.com/jacobsa/timeutil"
	"github.com/jacobsa/vfs/blockdev"
	"github.com/jacobsa/vfs/pagecache"
)

// The maximum number of symbolic links followed during one path
// resolution before giving up with ELOOP.
const SymlinkMax = 40

// One entry in the mount table.
type Mount struct {
	// The mounted superblock.
	Superblock *Superblock

	// The dentry the mount is attached to, or nil for the root mount.
	Mountpoint *Dentry

	// The name and device numbers of the device backing the mount.
	DeviceName  string
	DeviceMajor uint32
	DeviceMinor uint32

	// The file system type name.
	Type string

	// Flags the mount was created with.
	Flags MountFlags

	// The options string passed at mount time.
	Options string
}

// Return the path the mount is attached at.
func (m *Mount) Path() string {
	if m.Mountpoint == nil {
		return "/"
	}

	return m.Mountpoint.Path()
}

// Configuration accepted by New. All fields are optional.
type Config struct {
	// The clock used for inode timestamps.
	//
	// Default: timeutil.RealClock().
	Clock timeutil.Clock

	// The page cache to serve content I/O from. Supplying one allows tests
	// to share or inspect the cache.
	//
	// Default: a fresh cache of MaxCachePages pages.
	Cache *pagecache.Cache

	// Capacity for the default cache. Ignored when Cache is set.
	//
	// Default: 1024 pages (4 MiB).
	MaxCachePages int
}

// A virtual file system: a registry of file system types, a table of active
// mounts, and path-based operations routed to the mounted drivers. Create
// with New.
//
// The external behavior matches a process-global VFS; it is an explicit
// handle so that tests can instantiate isolated routers.
type VFS struct {
	/////////////////////////
	// Dependencies
	/////////////////////////

	clock timeutil.Clock
	cache *pagecache.Cache

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards the registry and the mount table. Acquired briefly; never held
	// across inode or device I/O.
	mu syncutil.InvariantMutex

	// Registered file system types by name.
	fstypes map[string]FileSystem // GUARDED_BY(mu)

	// Active mounts, in mount order.
	//
	// INVARIANT: For each m, mountpoints[m.Mountpoint] == m for non-nil
	// mountpoints.
	mounts []*Mount // GUARDED_BY(mu)

	// Mounts by mountpoint dentry, for mount crossing during path walks.
	mountpoints map[*Dentry]*Mount // GUARDED_BY(mu)

	// The global root dentry: the root of the first mount.
	root *Dentry // GUARDED_BY(mu)
}

// Create an empty VFS with no registered types and no mounts.
func New(config Config) *VFS {
	clock := config.Clock
	if clock == nil {
		clock = timeutil.RealClock()
	}

	cache := config.Cache
	if cache == nil {
		maxPages := config.MaxCachePages
		if maxPages == 0 {
			maxPages = 1024
		}

		cache = pagecache.New(maxPages)
	}

	v := &VFS{
		clock:       clock,
		cache:       cache,
		fstypes:     make(map[string]FileSystem),
		mountpoints: make(map[*Dentry]*Mount),
	}

	v.mu = syncutil.NewInvariantMutex(v.checkInvariants)
	return v
}

func (v *VFS) checkInvariants() {
	for _, m := range v.mounts {
		if m.Mountpoint == nil {
			continue
		}

		if v.mountpoints[m.Mountpoint] != m {
			panic(fmt.Sprintf("mountpoint index missing mount at %q", m.Path()))
		}
	}

	if len(v.mounts) > 0 && v.root == nil {
		panic("mounts exist without a root")
	}
}

// Return the page cache shared by this VFS's mounts.
func (v *VFS) Cache() *pagecache.Cache {
	return v.cache
}

// Return the clock used for timestamps.
func (v *VFS) Clock() timeutil.Clock {
	return v.clock
}

////////////////////////////////////////////////////////////////////////
// File system registry
////////////////////////////////////////////////////////////////////////

// Register a file system type under its Name. Registering a duplicate name
// returns EEXIST.
func (v *VFS) RegisterFileSystem(fs FileSystem) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	name := fs.Name()
	if _, ok := v.fstypes[name]; ok {
		return fmt.Errorf("file system type %q: %w", name, EEXIST)
	}

	v.fstypes[name] = fs
	return nil
}

// Remove a file system type from the registry. Mounted instances are
// unaffected.
func (v *VFS) UnregisterFileSystem(name string) {
	v.mu.Lock()
	defer v.mu.Unlock()

	delete(v.fstypes, name)
}

////////////////////////////////////////////////////////////////////////
// Mounting
////////////////////////////////////////////////////////////////////////

// Mount the named file system type from the given device at the given
// path. The first mount must be at "/" and becomes the global root; later
// mounts attach to existing directories.
func (v *VFS) Mount(
	ctx context.Context,
	dev blockdev.Device,
	mountpoint string,
	fstype string,
	flags MountFlags,
	options string) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.Mount")
	defer func() { report(err) }()

	debugf("Mount: %q type %s at %q", dev.Name(), fstype, mountpoint)

	v.mu.Lock()
	fs, ok := v.fstypes[fstype]
	hasRoot := v.root != nil
	v.mu.Unlock()

	if !ok {
		return fmt.Errorf("unknown file system type %q: %w", fstype, ENODEV)
	}

	var at *Dentry
	if mountpoint == "/" {
		if hasRoot {
			return fmt.Errorf("root already mounted: %w", EBUSY)
		}
	} else {
		if !hasRoot {
			return fmt.Errorf("no root mount: %w", ENOENT)
		}

		if at, err = v.resolve(ctx, mountpoint, true); err != nil {
			return err
		}

		if !at.Inode().IsDir() {
			return ENOTDIR
		}
	}

	sb, err := fs.Mount(ctx, dev, flags, options)
	if err != nil {
		return err
	}

	if sb.Root() == nil {
		panic(fmt.Sprintf("driver %q returned a superblock without a root", fstype))
	}

	m := &Mount{
		Superblock:  sb,
		Mountpoint:  at,
		DeviceName:  dev.Name(),
		DeviceMajor: dev.Major(),
		DeviceMinor: dev.Minor(),
		Type:        fstype,
		Flags:       flags,
		Options:     options,
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if at == nil {
		v.root = sb.Root()
	} else {
		if _, ok := v.mountpoints[at]; ok {
			return fmt.Errorf("mountpoint %q in use: %w", mountpoint, EBUSY)
		}

		v.mountpoints[at] = m
	}

	v.mounts = append(v.mounts, m)
	return nil
}

// Unmount the file system mounted at the given path. Fails with EBUSY when
// the mount has open files, or when it is the root mount and other mounts
// remain.
func (v *VFS) Unmount(ctx context.Context, mountpoint string) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.Unmount")
	defer func() { report(err) }()

	debugf("Unmount: %q", mountpoint)

	d, err := v.resolve(ctx, mountpoint, true)
	if err != nil {
		return err
	}

	v.mu.Lock()
	var m *Mount
	for _, candidate := range v.mounts {
		if candidate.Superblock.Root() == d {
			m = candidate
			break
		}
	}

	if m == nil {
		v.mu.Unlock()
		return fmt.Errorf("%q is not a mountpoint: %w", mountpoint, EINVAL)
	}

	if m.Mountpoint == nil && len(v.mounts) > 1 {
		v.mu.Unlock()
		return fmt.Errorf("root mount has submounts: %w", EBUSY)
	}

	if m.Superblock.OpenFiles() > 0 {
		v.mu.Unlock()
		return fmt.Errorf("mount %q has open files: %w", mountpoint, EBUSY)
	}
	v.mu.Unlock()

	// Push dirty pages and metadata before the driver lets go of the
	// device. The flush covers pages whose inode objects have already been
	// dropped from the superblock's table.
	if err := v.cache.FlushAll(); err != nil {
		return err
	}

	if err := m.Superblock.Sync(ctx); err != nil {
		return err
	}

	v.mu.Lock()
	for i, candidate := range v.mounts {
		if candidate == m {
			v.mounts = append(v.mounts[:i], v.mounts[i+1:]...)
			break
		}
	}

	if m.Mountpoint != nil {
		delete(v.mountpoints, m.Mountpoint)
	} else {
		v.root = nil
	}
	v.mu.Unlock()

	if err := m.Superblock.FileSystem().Unmount(ctx, m.Superblock); err != nil {
		return err
	}

	// Drop the mount's dentry tree and its inode references.
	m.Superblock.Root().detach()
	return nil
}

// Return a snapshot of the mount table.
func (v *VFS) Mounts() []*Mount {
	v.mu.RLock()
	defer v.mu.RUnlock()

	result := make([]*Mount, len(v.mounts))
	copy(result, v.mounts)

	return result
}

////////////////////////////////////////////////////////////////////////
// Path resolution
////////////////////////////////////////////////////////////////////////

// Split a path into its components, discarding empty ones.
func splitPath(p string) []string {
	var components []string
	for _, c := range strings.Split(p, "/") {
		if c != "" {
			components = append(components, c)
		}
	}

	return components
}

// Resolve an absolute path to a dentry, following symbolic links in
// intermediate components and, if followLast is set, in the final one.
func (v *VFS) resolve(
	ctx context.Context,
	path string,
	followLast bool) (*Dentry, error) {
	if !strings.HasPrefix(path, "/") {
		return nil, fmt.Errorf("relative path %q: %w", path, EINVAL)
	}

	v.mu.RLock()
	root := v.root
	v.mu.RUnlock()

	if root == nil {
		return nil, fmt.Errorf("nothing mounted: %w", ENOENT)
	}

	return v.walk(ctx, root, splitPath(path), followLast, 0)
}

// Resolve the parent directory of a path, returning the parent dentry and
// the final component name.
func (v *VFS) resolveParent(
	ctx context.Context,
	path string) (*Dentry, string, error) {
	components := splitPath(path)
	if !strings.HasPrefix(path, "/") || len(components) == 0 {
		return nil, "", fmt.Errorf("cannot split %q: %w", path, EINVAL)
	}

	v.mu.RLock()
	root := v.root
	v.mu.RUnlock()

	if root == nil {
		return nil, "", fmt.Errorf("nothing mounted: %w", ENOENT)
	}

	base := components[len(components)-1]
	parent, err := v.walk(ctx, root, components[:len(components)-1], true, 0)
	if err != nil {
		return nil, "", err
	}

	if !parent.Inode().IsDir() {
		return nil, "", ENOTDIR
	}

	return parent, base, nil
}

// Walk the given components from the given dentry. links counts symbolic
// links already followed on this resolution.
func (v *VFS) walk(
	ctx context.Context,
	from *Dentry,
	components []string,
	followLast bool,
	links int) (*Dentry, error) {
	d := from
	for i := 0; i < len(components); i++ {
		name := components[i]
		last := i == len(components)-1

		switch name {
		case ".":
			continue

		case "..":
			if d.Parent() != nil {
				d = d.Parent()
			}

			continue
		}

		child, err := v.walkComponent(ctx, d, name)
		if err != nil {
			return nil, err
		}

		// Follow symbolic links by pushing the target onto the walk.
		if child.Inode().IsSymlink() && (followLast || !last) {
			if links >= SymlinkMax {
				return nil, ELOOP
			}

			target, err := child.Inode().ReadLink(ctx)
			if err != nil {
				return nil, err
			}

			targetComponents := splitPath(target)
			rest := components[i+1:]

			start := d
			if strings.HasPrefix(target, "/") {
				v.mu.RLock()
				start = v.root
				v.mu.RUnlock()
			}

			combined := make([]string, 0, len(targetComponents)+len(rest))
			combined = append(combined, targetComponents...)
			combined = append(combined, rest...)

			return v.walk(ctx, start, combined, followLast, links+1)
		}

		d = child
	}

	return d, nil
}

// Resolve one component: enforce that the node is a directory, consult the
// dentry cache, fall back to the driver's lookup, and cross mountpoints.
func (v *VFS) walkComponent(
	ctx context.Context,
	d *Dentry,
	name string) (*Dentry, error) {
	in := d.Inode()
	if !in.IsDir() {
		return nil, ENOTDIR
	}

	child := d.LookupChild(name)
	if child == nil {
		childIn, err := in.LookUp(ctx, name)
		if err != nil {
			return nil, err
		}

		// Someone may have installed the child while we consulted the
		// driver; reuse theirs in that case.
		d.mu.Lock()
		if existing := d.children[name]; existing != nil {
			child = existing
			d.mu.Unlock()
			childIn.DecRef()
		} else {
			grand := newDentry(d, name, childIn)
			d.children[name] = grand
			d.mu.Unlock()
			child = grand
		}
	}

	// Cross into a mounted file system if this dentry is a mountpoint.
	v.mu.RLock()
	if m, ok := v.mountpoints[child]; ok {
		child = m.Superblock.Root()
	}
	v.mu.RUnlock()

	return child, nil
}

// Resolve a path to its dentry, following symbolic links.
func (v *VFS) LookUp(ctx context.Context, path string) (d *Dentry, err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.LookUp")
	defer func() { report(err) }()

	return v.resolve(ctx, path, true)
}

////////////////////////////////////////////////////////////////////////
// Open files
////////////////////////////////////////////////////////////////////////

// Open the file at the given path. With O_CREAT a missing file is created
// with the given mode (and O_EXCL additionally insists on creating it).
// O_TRUNC discards existing contents; O_APPEND positions every write at
// the current end of file.
func (v *VFS) Open(
	ctx context.Context,
	path string,
	flags OpenFlags,
	mode os.FileMode) (f *File, err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.Open")
	defer func() { report(err) }()

	debugf("Open: %q flags %#x", path, uint32(flags))

	parent, base, err := v.resolveParent(ctx, path)
	if err != nil {
		// Opening "/" itself.
		if path == "/" {
			return v.openDentry(ctx, mustResolveRoot(v), flags)
		}

		return nil, err
	}

	child, err := v.walkComponent(ctx, parent, base)
	if err != nil {
		if flags&O_CREAT == 0 || !isNotExist(err) {
			return nil, err
		}

		// Create the missing file.
		childIn, err := parent.Inode().Create(ctx, base, mode&os.ModePerm)
		if err != nil {
			return nil, err
		}

		parent.mu.Lock()
		if existing := parent.children[base]; existing != nil {
			child = existing
			parent.mu.Unlock()
			childIn.DecRef()
		} else {
			child = newDentry(parent, base, childIn)
			parent.children[base] = child
			parent.mu.Unlock()
		}

		return v.openDentry(ctx, child, flags)
	}

	if flags&(O_CREAT|O_EXCL) == O_CREAT|O_EXCL {
		return nil, EEXIST
	}

	// Follow a symlink in the final component.
	if child.Inode().IsSymlink() {
		target, err := child.Inode().ReadLink(ctx)
		if err != nil {
			return nil, err
		}

		if !strings.HasPrefix(target, "/") {
			target = parent.Path() + "/" + target
		}

		if child, err = v.resolve(ctx, target, true); err != nil {
			return nil, err
		}
	}

	return v.openDentry(ctx, child, flags)
}

func mustResolveRoot(v *VFS) *Dentry {
	v.mu.RLock()
	defer v.mu.RUnlock()

	return v.root
}

func (v *VFS) openDentry(
	ctx context.Context,
	d *Dentry,
	flags OpenFlags) (*File, error) {
	if d == nil {
		return nil, ENOENT
	}

	in := d.Inode()

	if in.IsDir() && flags.MayWrite() {
		return nil, EISDIR
	}

	if flags.MayWrite() && in.Superblock().ReadOnly() {
		return nil, EROFS
	}

	if flags&O_TRUNC != 0 && flags.MayWrite() {
		if err := in.Truncate(ctx, 0); err != nil {
			return nil, err
		}
	}

	in.IncRef()
	in.Superblock().incOpenFiles()

	return newFile(d, flags), nil
}

// Release a file obtained from Open.
func (v *VFS) Close(ctx context.Context, f *File) error {
	return f.Close(ctx)
}

////////////////////////////////////////////////////////////////////////
// Directory mutators
////////////////////////////////////////////////////////////////////////

// Create a directory at the given path.
func (v *VFS) MkDir(
	ctx context.Context,
	path string,
	mode os.FileMode) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.MkDir")
	defer func() { report(err) }()

	debugf("MkDir: %q", path)

	parent, base, err := v.resolveParent(ctx, path)
	if err != nil {
		return err
	}

	in, err := parent.Inode().MkDir(ctx, base, mode&os.ModePerm)
	if err != nil {
		return err
	}

	in.DecRef()
	return nil
}

// Remove the empty directory at the given path.
func (v *VFS) RmDir(ctx context.Context, path string) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.RmDir")
	defer func() { report(err) }()

	debugf("RmDir: %q", path)

	parent, base, err := v.resolveParent(ctx, path)
	if err != nil {
		return err
	}

	if err := parent.Inode().RmDir(ctx, base); err != nil {
		return err
	}

	parent.removeChild(base)
	return nil
}

// Remove the non-directory entry at the given path.
func (v *VFS) Unlink(ctx context.Context, path string) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.Unlink")
	defer func() { report(err) }()

	debugf("Unlink: %q", path)

	parent, base, err := v.resolveParent(ctx, path)
	if err != nil {
		return err
	}

	if err := parent.Inode().Unlink(ctx, base); err != nil {
		return err
	}

	parent.removeChild(base)
	return nil
}

// Move oldPath to newPath. Both must live on the same superblock.
func (v *VFS) Rename(ctx context.Context, oldPath, newPath string) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.Rename")
	defer func() { report(err) }()

	debugf("Rename: %q -> %q", oldPath, newPath)

	oldParent, oldBase, err := v.resolveParent(ctx, oldPath)
	if err != nil {
		return err
	}

	newParent, newBase, err := v.resolveParent(ctx, newPath)
	if err != nil {
		return err
	}

	// Dropping the bindings below can release the last reference to the moved
	// inode, and to inodes beneath a moved directory. Later walks
	// re-materialize them from the driver, so persist their state first.
	if sb := oldParent.Inode().Superblock(); !sb.ReadOnly() {
		if err := sb.Sync(ctx); err != nil {
			return err
		}
	}

	err = oldParent.Inode().Rename(ctx, oldBase, newParent.Inode(), newBase)
	if err != nil {
		return err
	}

	// Invalidate both bindings; later walks re-consult the driver.
	oldParent.removeChild(oldBase)
	newParent.removeChild(newBase)

	return nil
}

// Create a symbolic link at linkPath carrying the given target string.
func (v *VFS) SymLink(ctx context.Context, target, linkPath string) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.SymLink")
	defer func() { report(err) }()

	debugf("SymLink: %q -> %q", linkPath, target)

	parent, base, err := v.resolveParent(ctx, linkPath)
	if err != nil {
		return err
	}

	in, err := parent.Inode().SymLink(ctx, base, target)
	if err != nil {
		return err
	}

	in.DecRef()
	return nil
}

// Return the target of the symbolic link at the given path.
func (v *VFS) ReadLink(ctx context.Context, path string) (target string, err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.ReadLink")
	defer func() { report(err) }()

	d, err := v.resolve(ctx, path, false)
	if err != nil {
		return "", err
	}

	return d.Inode().ReadLink(ctx)
}

////////////////////////////////////////////////////////////////////////
// Attributes
////////////////////////////////////////////////////////////////////////

// Return the attributes of the object at the given path, following
// symbolic links.
func (v *VFS) Stat(ctx context.Context, path string) (attrs InodeAttributes, err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.Stat")
	defer func() { report(err) }()

	d, err := v.resolve(ctx, path, true)
	if err != nil {
		return InodeAttributes{}, err
	}

	return d.Inode().Attributes(), nil
}

// Like Stat, but do not follow a symbolic link in the final component.
func (v *VFS) LStat(ctx context.Context, path string) (attrs InodeAttributes, err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.LStat")
	defer func() { report(err) }()

	d, err := v.resolve(ctx, path, false)
	if err != nil {
		return InodeAttributes{}, err
	}

	return d.Inode().Attributes(), nil
}

// Change permission bits on the object at the given path.
func (v *VFS) Chmod(ctx context.Context, path string, mode os.FileMode) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.Chmod")
	defer func() { report(err) }()

	d, err := v.resolve(ctx, path, true)
	if err != nil {
		return err
	}

	return d.Inode().SetAttributes(ctx, &SetAttributesRequest{Mode: &mode})
}

// Change ownership of the object at the given path.
func (v *VFS) Chown(ctx context.Context, path string, uid, gid uint32) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.Chown")
	defer func() { report(err) }()

	d, err := v.resolve(ctx, path, true)
	if err != nil {
		return err
	}

	return d.Inode().SetAttributes(ctx, &SetAttributesRequest{Uid: &uid, Gid: &gid})
}

// Change the size of the file at the given path.
func (v *VFS) Truncate(ctx context.Context, path string, size uint64) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.Truncate")
	defer func() { report(err) }()

	d, err := v.resolve(ctx, path, true)
	if err != nil {
		return err
	}

	return d.Inode().Truncate(ctx, size)
}

// Report statistics for the file system containing the given path.
func (v *VFS) StatFS(ctx context.Context, path string) (stat StatFS, err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.StatFS")
	defer func() { report(err) }()

	d, err := v.resolve(ctx, path, true)
	if err != nil {
		return StatFS{}, err
	}

	sb := d.Inode().Superblock()
	return sb.FileSystem().StatFS(ctx, sb)
}

////////////////////////////////////////////////////////////////////////
// Global sync
////////////////////////////////////////////////////////////////////////

// Flush the shared page cache, then sync every mounted superblock.
func (v *VFS) Sync(ctx context.Context) (err error) {
	ctx, report := reqtrace.StartSpan(ctx, "vfs.Sync")
	defer func() { report(err) }()

	debugf("Sync")

	err = v.cache.FlushAll()

	for _, m := range v.Mounts() {
		if syncErr := m.Superblock.Sync(ctx); syncErr != nil && err == nil {
			err = syncErr
		}
	}

	return err
}

func isNotExist(err error) bool {
	return errors.Is(err, ENOENT)
}
