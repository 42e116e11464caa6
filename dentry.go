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
	"sync"
)

// A name-to-inode binding within a parent directory, forming the in-memory
// tree used for path resolution. The parent edge is deliberately weak (a
// plain pointer; the parent's children map owns the child), avoiding
// reference cycles in the tree.
type Dentry struct {
	/////////////////////////
	// Constant data
	/////////////////////////

	// The entry's name within its parent. Empty only for a mount root.
	name string

	// The parent dentry. Nil only for a mount root.
	parent *Dentry

	/////////////////////////
	// Mutable state
	/////////////////////////

	// Guards the fields below. Acquired briefly; no inode or device I/O
	// happens while it is held.
	mu sync.Mutex

	// The inode this entry binds. The dentry holds one reference, dropped
	// by detach.
	//
	// INVARIANT: inode != nil
	inode *Inode // GUARDED_BY(mu)

	// Children materialized under this entry, by name.
	//
	// INVARIANT: For each name n, children[n].name == n
	// INVARIANT: For each name n, children[n].parent == this dentry
	children map[string]*Dentry // GUARDED_BY(mu)
}

// Create a dentry binding the given name to the given inode beneath the
// given parent. The caller transfers one inode reference to the dentry.
// A nil parent creates a mount root.
func newDentry(parent *Dentry, name string, in *Inode) *Dentry {
	return &Dentry{
		name:     name,
		parent:   parent,
		inode:    in,
		children: make(map[string]*Dentry),
	}
}

// Return the entry's name within its parent.
func (d *Dentry) Name() string {
	return d.name
}

// Return the parent dentry, or nil for a mount root.
func (d *Dentry) Parent() *Dentry {
	return d.parent
}

// Return the inode this entry binds. The dentry's reference backs the
// result; callers that outlive the dentry must take their own.
func (d *Dentry) Inode() *Inode {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.inode
}

// Reconstruct the full path of this entry: the parent's path, a slash, and
// this entry's name. A mount root is "/".
func (d *Dentry) Path() string {
	if d.parent == nil {
		return "/"
	}

	prefix := d.parent.Path()
	if prefix == "/" {
		return prefix + d.name
	}

	return prefix + "/" + d.name
}

// Find a child by name, or nil.
func (d *Dentry) LookupChild(name string) *Dentry {
	d.mu.Lock()
	defer d.mu.Unlock()

	return d.children[name]
}

// Create and install a child binding the given name to the given inode,
// taking over one reference to it. The name must not already be present.
func (d *Dentry) addChild(name string, in *Inode) *Dentry {
	child := newDentry(d, name, in)

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.children[name]; ok {
		panic("duplicate dentry name: " + name)
	}

	d.children[name] = child
	return child
}

// Remove the named child if present, dropping its subtree's inode
// references.
func (d *Dentry) removeChild(name string) {
	d.mu.Lock()
	child := d.children[name]
	delete(d.children, name)
	d.mu.Unlock()

	if child != nil {
		child.detach()
	}
}

// Drop the inode references held by this dentry and its descendants. Called
// when the entry leaves the tree (unlink, rmdir, rename over, unmount).
func (d *Dentry) detach() {
	d.mu.Lock()
	in := d.inode
	children := d.children
	d.children = make(map[string]*Dentry)
	d.mu.Unlock()

	for _, child := range children {
		child.detach()
	}

	if in != nil {
		in.DecRef()
	}
}
