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

package vfstesting

import (
	"fmt"
	"os"
	"reflect"
	"time"

	"github.com/jacobsa/oglematchers"
	"github.com/jacobsa/vfs"
)

func attrsOf(c interface{}) (vfs.InodeAttributes, error) {
	attrs, ok := c.(vfs.InodeAttributes)
	if !ok {
		return vfs.InodeAttributes{}, fmt.Errorf("which is of type %v", reflect.TypeOf(c))
	}

	return attrs, nil
}

// Match vfs.InodeAttributes whose mtime equals the given time.
func MtimeIs(expected time.Time) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error {
			attrs, err := attrsOf(c)
			if err != nil {
				return err
			}

			if !attrs.Mtime.Equal(expected) {
				return fmt.Errorf("whose mtime is %v", attrs.Mtime)
			}

			return nil
		},
		fmt.Sprintf("mtime is %v", expected))
}

// Match vfs.InodeAttributes whose size equals the given value.
func SizeIs(expected uint64) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error {
			attrs, err := attrsOf(c)
			if err != nil {
				return err
			}

			if attrs.Size != expected {
				return fmt.Errorf("whose size is %d", attrs.Size)
			}

			return nil
		},
		fmt.Sprintf("size is %d", expected))
}

// Match vfs.InodeAttributes whose mode equals the given value.
func ModeIs(expected os.FileMode) oglematchers.Matcher {
	return oglematchers.NewMatcher(
		func(c interface{}) error {
			attrs, err := attrsOf(c)
			if err != nil {
				return err
			}

			if attrs.Mode != expected {
				return fmt.Errorf("whose mode is %v", attrs.Mode)
			}

			return nil
		},
		fmt.Sprintf("mode is %v", expected))
}
