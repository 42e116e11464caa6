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
	"sync"

	"github.com/jacobsa/vfs/blockdev"

	. "github.com/jacobsa/ogletest"
)

////////////////////////////////////////////////////////////////////////
// Boilerplate
////////////////////////////////////////////////////////////////////////

type BioQueueTest struct {
	dev *blockdev.MemDevice
}

var _ SetUpInterface = &BioQueueTest{}
var _ TearDownInterface = &BioQueueTest{}

func init() { RegisterTestSuite(&BioQueueTest{}) }

func (t *BioQueueTest) SetUp(ti *TestInfo) {
	var err error

	t.dev, err = blockdev.NewMemDevice(deviceSize, blockdev.DeviceConfig{})
	AssertEq(nil, err)
}

func (t *BioQueueTest) TearDown() {
	if t.dev != nil {
		t.dev.Destroy()
	}
}

// Submit the bio and wait for its completion, returning the outcome.
func (t *BioQueueTest) await(b *blockdev.Bio) error {
	c := make(chan error, 1)
	b.Done = func(err error) { c <- err }
	t.dev.SubmitBio(b)
	return <-c
}

////////////////////////////////////////////////////////////////////////
// Test functions
////////////////////////////////////////////////////////////////////////

func (t *BioQueueTest) ReadBio() {
	// Seed sector zero.
	src := bytes.Repeat([]byte{0x11}, 1024)
	_, err := t.dev.WriteAt(0, src)
	AssertEq(nil, err)

	// A read bio of 1024 bytes at sector zero completes exactly once with
	// success, and the caller's buffer receives the prior contents.
	fires := 0
	dst := make([]byte, 1024)

	c := make(chan error, 2)
	t.dev.SubmitBio(&blockdev.Bio{
		Kind:   blockdev.BioRead,
		Sector: 0,
		Data:   dst,
		Done: func(err error) {
			fires++
			c <- err
		},
	})

	AssertEq(nil, <-c)
	ExpectEq(1, fires)
	ExpectTrue(bytes.Equal(src, dst))
}

func (t *BioQueueTest) WriteBio() {
	src := bytes.Repeat([]byte{0x77}, 4096)

	err := t.await(&blockdev.Bio{
		Kind:   blockdev.BioWrite,
		Sector: 8,
		Data:   src,
	})

	AssertEq(nil, err)

	dst := make([]byte, 4096)
	_, err = t.dev.ReadAt(8, dst)

	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(src, dst))
}

func (t *BioQueueTest) FlushAndDiscardBios() {
	_, err := t.dev.WriteAt(0, bytes.Repeat([]byte{0xFF}, 512))
	AssertEq(nil, err)

	AssertEq(nil, t.await(&blockdev.Bio{Kind: blockdev.BioFlush}))

	err = t.await(&blockdev.Bio{
		Kind:   blockdev.BioDiscard,
		Sector: 0,
		Data:   make([]byte, 512),
	})

	AssertEq(nil, err)

	dst := make([]byte, 512)
	_, err = t.dev.ReadAt(0, dst)

	AssertEq(nil, err)
	ExpectTrue(bytes.Equal(dst, make([]byte, 512)))
}

func (t *BioQueueTest) ErrorsPropagateToCompletions() {
	err := t.await(&blockdev.Bio{
		Kind:   blockdev.BioRead,
		Sector: blockdev.Sector(deviceSize / 512),
		Data:   make([]byte, 512),
	})

	ExpectTrue(errors.Is(err, blockdev.EINVAL))
}

func (t *BioQueueTest) CompletionsFireInSubmissionOrder() {
	const numBios = 64

	var mu sync.Mutex
	var order []int

	var wg sync.WaitGroup
	wg.Add(numBios)

	for i := 0; i < numBios; i++ {
		i := i
		t.dev.SubmitBio(&blockdev.Bio{
			Kind:   blockdev.BioWrite,
			Sector: blockdev.Sector(i * 8),
			Data:   []byte{byte(i)},
			Done: func(err error) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
				wg.Done()
			},
		})
	}

	wg.Wait()

	AssertEq(numBios, len(order))
	for i := 0; i < numBios; i++ {
		ExpectEq(i, order[i])
	}
}

func (t *BioQueueTest) DestroyDrainsInFlightWork() {
	const numBios = 32

	var mu sync.Mutex
	completed := 0

	for i := 0; i < numBios; i++ {
		t.dev.SubmitBio(&blockdev.Bio{
			Kind:   blockdev.BioWrite,
			Sector: 0,
			Data:   []byte{0xAA},
			Done: func(err error) {
				mu.Lock()
				completed++
				mu.Unlock()
			},
		})
	}

	// Destroy must wait for every queued completion to finish.
	t.dev.Destroy()

	mu.Lock()
	defer mu.Unlock()
	ExpectEq(numBios, completed)

	t.dev = nil
}

func (t *BioQueueTest) SubmitAfterDestroy() {
	t.dev.Destroy()

	c := make(chan error, 1)
	t.dev.SubmitBio(&blockdev.Bio{
		Kind: blockdev.BioFlush,
		Done: func(err error) { c <- err },
	})

	ExpectTrue(errors.Is(<-c, blockdev.EINVAL))

	t.dev = nil
}
