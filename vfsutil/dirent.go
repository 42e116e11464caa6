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

package vfsutil

import (
	"sort"

	"github.com/jacobsa/vfs"
)

// Sort directory entries by name, in place. Drivers that store entries in
// insertion order can use this to present deterministic listings.
func SortDirents(entries []vfs.Dirent) {
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name < entries[j].Name
	})
}

// Find the entry with the given name, or nil.
func FindDirent(entries []vfs.Dirent, name string) *vfs.Dirent {
	for i := range entries {
		if entries[i].Name == name {
			return &entries[i]
		}
	}

	return nil
}
