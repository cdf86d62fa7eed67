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

package mbm

import (
	"fmt"
	"sync"
	"sync/atomic"

	"k8s.io/utils/clock"

	"github.com/containers/mid-monitor/pkg/mid"
)

// Topology maps CPUs to sockets.
type Topology interface {
	// Sockets returns the number of sockets.
	Sockets() int
	// SocketOf returns the socket index, 0 through Sockets()-1, of a CPU.
	SocketOf(cpu int) (int, bool)
}

// Estimator keeps bandwidth samples for every MID on every socket.
type Estimator struct {
	counters mid.CounterReader
	topology Topology
	clock    clock.PassiveClock
	maxID    mid.ID
	window   atomic.Int32
	shards   atomic.Pointer[[]*shard]
}

// shard is the sample table of a single socket.
type shard struct {
	sync.Mutex
	total []Sample
	local []Sample
}

// EstimatorOption is an option for an Estimator.
type EstimatorOption func(*Estimator) error

// WithClock sets the clock used to timestamp samples.
func WithClock(clk clock.PassiveClock) EstimatorOption {
	return func(e *Estimator) error {
		e.clock = clk
		return nil
	}
}

// WithWindowSize sets the initial sliding window size.
func WithWindowSize(n int) EstimatorOption {
	return func(e *Estimator) error {
		return e.SetWindowSize(n)
	}
}

// NewEstimator creates an estimator for MIDs 0 through maxID.
func NewEstimator(maxID mid.ID, counters mid.CounterReader, topology Topology, options ...EstimatorOption) (*Estimator, error) {
	if !maxID.Valid() {
		return nil, fmt.Errorf("%w: max MID %s", ErrInvalidID, maxID)
	}
	if topology == nil || topology.Sockets() < 1 {
		return nil, fmt.Errorf("%w: no sockets", ErrInvalidSocket)
	}

	e := &Estimator{
		counters: counters,
		topology: topology,
		clock:    clock.RealClock{},
		maxID:    maxID,
	}
	e.window.Store(DefaultWindowSize)

	for _, o := range options {
		if err := o(e); err != nil {
			return nil, err
		}
	}

	e.shards.Store(newShards(topology.Sockets(), int(maxID)+1))

	return e, nil
}

func newShards(sockets, size int) *[]*shard {
	shards := make([]*shard, 0, sockets)
	for i := 0; i < sockets; i++ {
		shards = append(shards, &shard{
			total: make([]Sample, size),
			local: make([]Sample, size),
		})
	}
	return &shards
}

// Reshard rebuilds the sample tables for the current number of sockets of
// the topology. All samples restart since socket indices may now denote
// different packages.
func (e *Estimator) Reshard() error {
	n := e.topology.Sockets()
	if n < 1 {
		return fmt.Errorf("%w: no sockets", ErrInvalidSocket)
	}
	e.shards.Store(newShards(n, int(e.maxID)+1))
	log.Info("sample tables rebuilt for %d sockets", n)
	return nil
}

// Sockets returns the number of per-socket sample tables.
func (e *Estimator) Sockets() int {
	return len(*e.shards.Load())
}

// SetWindowSize sets the size of the sliding window. Samples restart
// their windows with the new size the next time they are updated.
func (e *Estimator) SetWindowSize(n int) error {
	if err := ValidateWindowSize(n); err != nil {
		return err
	}
	if old := int(e.window.Swap(int32(n))); old != n {
		log.Info("sliding window size set to %d (was %d)", n, old)
	}
	return nil
}

// WindowSize returns the size of the sliding window.
func (e *Estimator) WindowSize() int {
	return int(e.window.Load())
}

// Read reads the bandwidth counter of the event for a MID on the given CPU
// and updates the sample of the socket of the CPU. It returns the current
// average rate in bytes per second. The second return value is false if
// the counter could not be read, in which case the last average is
// returned and the sample is left untouched.
func (e *Estimator) Read(cpu int, id mid.ID, event mid.Event) (uint64, bool) {
	sh, ok := e.shard(cpu)
	if !ok {
		return 0, false
	}

	sh.Lock()
	defer sh.Unlock()

	s := sh.sample(id, event)
	if s == nil {
		return 0, false
	}

	r := e.counters.ReadCounter(cpu, id, event)
	if !r.Valid() {
		return s.Average, false
	}

	return s.Update(r.Value, e.clock.Now(), e.WindowSize()), true
}

// Average returns the current average rate of the event for a MID on the
// socket of the given CPU without reading the hardware.
func (e *Estimator) Average(cpu int, id mid.ID, event mid.Event) uint64 {
	sh, ok := e.shard(cpu)
	if !ok {
		return 0
	}

	sh.Lock()
	defer sh.Unlock()

	if s := sh.sample(id, event); s != nil {
		return s.Average
	}
	return 0
}

// Sample returns a copy of the sample of the event for a MID on a socket.
func (e *Estimator) Sample(socket int, id mid.ID, event mid.Event) (Sample, bool) {
	shards := *e.shards.Load()
	if socket < 0 || socket >= len(shards) {
		return Sample{}, false
	}

	sh := shards[socket]
	sh.Lock()
	defer sh.Unlock()

	if s := sh.sample(id, event); s != nil {
		c := *s
		c.window = nil
		return c, true
	}
	return Sample{}, false
}

// Reset clears all samples of a MID on every socket.
func (e *Estimator) Reset(id mid.ID) {
	if id == mid.InvalidID || id > e.maxID {
		log.Error("internal error: reset of invalid MID %s", id)
		return
	}

	for _, sh := range *e.shards.Load() {
		sh.Lock()
		sh.total[id].Reset()
		sh.local[id].Reset()
		sh.Unlock()
	}
}

func (e *Estimator) shard(cpu int) (*shard, bool) {
	socket, ok := e.topology.SocketOf(cpu)
	shards := *e.shards.Load()
	if !ok || socket < 0 || socket >= len(shards) {
		log.Error("no socket for CPU #%d", cpu)
		return nil, false
	}
	return shards[socket], true
}

func (sh *shard) sample(id mid.ID, event mid.Event) *Sample {
	if id == mid.InvalidID || int(id) >= len(sh.total) {
		return nil
	}
	switch event {
	case mid.EventTotalBW:
		return &sh.total[id]
	case mid.EventLocalBW:
		return &sh.local[id]
	}
	return nil
}
