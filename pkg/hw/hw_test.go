// Copyright The NRI Plugins Authors. All Rights Reserved.
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

package hw_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"

	. "github.com/containers/mid-monitor/pkg/hw"
)

type cpuRecorder struct {
	sync.Mutex
	cpus []int
}

func (r *cpuRecorder) record(cpu int) {
	r.Lock()
	defer r.Unlock()
	r.cpus = append(r.cpus, cpu)
}

func (r *cpuRecorder) sorted() []int {
	r.Lock()
	defer r.Unlock()
	cpus := append([]int{}, r.cpus...)
	sort.Ints(cpus)
	return cpus
}

func TestPinnedBroadcaster(t *testing.T) {
	var (
		pinned = &cpuRecorder{}
		ran    = &cpuRecorder{}
		ctx    = context.Background()
	)

	b := NewPinnedBroadcaster(
		WithAffinityFunc(func(cpu int) error {
			pinned.record(cpu)
			if cpu == 3 {
				return errors.New("no such CPU")
			}
			return nil
		}),
	)

	err := b.Broadcast(ctx, cpuset.New(0, 1, 2), ran.record)
	require.NoError(t, err)
	require.Equal(t, []int{0, 1, 2}, ran.sorted())

	err = b.Broadcast(ctx, cpuset.New(1, 2, 3), ran.record)
	require.ErrorIs(t, err, ErrAffinity)
	require.Equal(t, []int{0, 1, 1, 2, 2}, ran.sorted())

	require.Equal(t, []int{0, 1, 2, 3}, pinned.sorted(), "workers are started once")
	require.Equal(t, cpuset.New(0, 1, 2, 3), b.CPUs())

	b.Close()
	b.Close()
	require.Equal(t, 0, b.CPUs().Size())
	require.ErrorIs(t, b.Broadcast(ctx, cpuset.New(0), ran.record), ErrClosed)
}

func TestPinnedBroadcasterCancel(t *testing.T) {
	b := NewPinnedBroadcaster(WithAffinityFunc(func(int) error { return nil }))
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := &cpuRecorder{}
	err := b.Broadcast(ctx, cpuset.New(0, 1), ran.record)
	require.Error(t, err)
	require.ErrorIs(t, err, context.Canceled)
}

func TestPinnedBroadcasterWaits(t *testing.T) {
	b := NewPinnedBroadcaster(WithAffinityFunc(func(int) error { return nil }))
	defer b.Close()

	var (
		lock sync.Mutex
		sum  int
	)
	for i := 0; i < 10; i++ {
		err := b.Broadcast(context.Background(), cpuset.New(0, 1, 2, 3), func(cpu int) {
			lock.Lock()
			defer lock.Unlock()
			sum += cpu
		})
		require.NoError(t, err)
		require.Equal(t, (i+1)*6, sum)
	}
}

func TestPinnedBroadcasterCloseWaitsForBroadcasts(t *testing.T) {
	b := NewPinnedBroadcaster(WithAffinityFunc(func(int) error { return nil }))

	var (
		started = make(chan struct{})
		release = make(chan struct{})
		result  = make(chan error, 1)
		closed  = make(chan struct{})
		once    sync.Once
	)

	go func() {
		result <- b.Broadcast(context.Background(), cpuset.New(0, 1), func(int) {
			once.Do(func() { close(started) })
			<-release
		})
	}()
	<-started

	go func() {
		b.Close()
		close(closed)
	}()

	select {
	case <-closed:
		t.Fatal("Close returned during a broadcast")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-result)
	<-closed

	require.ErrorIs(t, b.Broadcast(context.Background(), cpuset.New(0), func(int) {}), ErrClosed)
}

func TestInlineBroadcaster(t *testing.T) {
	for _, limit := range []int{0, 1, 2} {
		b := &InlineBroadcaster{Limit: limit}
		ran := &cpuRecorder{}
		require.NoError(t, b.Broadcast(context.Background(), cpuset.New(0, 2, 4, 6), ran.record))
		require.Equal(t, []int{0, 2, 4, 6}, ran.sorted())
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	ran := &cpuRecorder{}
	err := (&InlineBroadcaster{}).Broadcast(ctx, cpuset.New(0, 1), ran.record)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, ran.sorted())
}
