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

package hw

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sys/unix"
	"k8s.io/utils/cpuset"

	logger "github.com/containers/mid-monitor/pkg/log"
)

var (
	// ErrClosed is returned when broadcasting with a closed broadcaster.
	ErrClosed = errors.New("hw: broadcaster closed")
	// ErrAffinity is returned when a worker could not be bound to its CPU.
	ErrAffinity = errors.New("hw: failed to set CPU affinity")

	log = logger.Get("hw")
)

// AffinityFunc binds the calling OS thread to the given CPU.
type AffinityFunc func(cpu int) error

// SetThreadAffinity binds the calling OS thread to the given CPU.
func SetThreadAffinity(cpu int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(cpu)
	return unix.SchedSetaffinity(0, &set)
}

// PinnedBroadcaster runs broadcast functions on per-CPU worker goroutines.
// Each worker is locked to an OS thread which is bound to the worker's CPU,
// so functions see the per-CPU hardware state of their target CPU.
type PinnedBroadcaster struct {
	sync.Mutex
	affinity AffinityFunc
	workers  map[int]*cpuWorker
	closed   bool
	inflight sync.WaitGroup
}

type cpuWorker struct {
	cpu  int
	reqs chan *request
	done chan struct{}
}

type request struct {
	fn   func(int)
	errc chan error
}

// PinnedOption is an option for a PinnedBroadcaster.
type PinnedOption func(*PinnedBroadcaster)

// WithAffinityFunc overrides the function used to bind workers to CPUs.
func WithAffinityFunc(fn AffinityFunc) PinnedOption {
	return func(b *PinnedBroadcaster) {
		b.affinity = fn
	}
}

// NewPinnedBroadcaster creates a broadcaster with CPU-bound workers. Workers
// are started lazily, when a CPU is first broadcast to.
func NewPinnedBroadcaster(options ...PinnedOption) *PinnedBroadcaster {
	b := &PinnedBroadcaster{
		affinity: SetThreadAffinity,
		workers:  map[int]*cpuWorker{},
	}
	for _, o := range options {
		o(b)
	}
	return b
}

// Broadcast runs fn on every CPU in cpus and waits for all of them to
// finish. Errors from CPUs fn could not run on are aggregated. Cancelling
// ctx stops dispatching to the remaining CPUs but never abandons functions
// already dispatched.
func (b *PinnedBroadcaster) Broadcast(ctx context.Context, cpus cpuset.CPUSet, fn func(int)) error {
	workers, err := b.getWorkers(cpus)
	if err != nil {
		return err
	}
	defer b.inflight.Done()

	var (
		result  *multierror.Error
		pending []*request
	)

	for _, w := range workers {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, fmt.Errorf("cpu #%d: %w", w.cpu, err))
			continue
		}
		req := &request{fn: fn, errc: make(chan error, 1)}
		select {
		case w.reqs <- req:
			pending = append(pending, req)
		case <-ctx.Done():
			result = multierror.Append(result, fmt.Errorf("cpu #%d: %w", w.cpu, ctx.Err()))
		}
	}

	for _, req := range pending {
		if err := <-req.errc; err != nil {
			result = multierror.Append(result, err)
		}
	}

	return result.ErrorOrNil()
}

// CPUs returns the set of CPUs with a running worker.
func (b *PinnedBroadcaster) CPUs() cpuset.CPUSet {
	b.Lock()
	defer b.Unlock()

	cpus := make([]int, 0, len(b.workers))
	for cpu := range b.workers {
		cpus = append(cpus, cpu)
	}
	return cpuset.New(cpus...)
}

// Close stops all workers once broadcasts in progress have finished.
// Broadcasting afterwards fails with ErrClosed.
func (b *PinnedBroadcaster) Close() {
	b.Lock()
	if b.closed {
		b.Unlock()
		return
	}
	b.closed = true
	workers := b.workers
	b.workers = map[int]*cpuWorker{}
	b.Unlock()

	b.inflight.Wait()

	for _, w := range workers {
		close(w.reqs)
	}
	for _, w := range workers {
		<-w.done
	}
}

func (b *PinnedBroadcaster) getWorkers(cpus cpuset.CPUSet) ([]*cpuWorker, error) {
	b.Lock()
	defer b.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	b.inflight.Add(1)

	workers := make([]*cpuWorker, 0, cpus.Size())
	for _, cpu := range cpus.List() {
		w, ok := b.workers[cpu]
		if !ok {
			w = b.startWorker(cpu)
			b.workers[cpu] = w
		}
		workers = append(workers, w)
	}

	return workers, nil
}

func (b *PinnedBroadcaster) startWorker(cpu int) *cpuWorker {
	w := &cpuWorker{
		cpu:  cpu,
		reqs: make(chan *request),
		done: make(chan struct{}),
	}

	ready := make(chan struct{})
	go w.run(b.affinity, ready)
	<-ready

	return w
}

func (w *cpuWorker) run(affinity AffinityFunc, ready chan struct{}) {
	runtime.LockOSThread()
	defer func() {
		runtime.UnlockOSThread()
		close(w.done)
	}()

	var pinErr error
	if err := affinity(w.cpu); err != nil {
		pinErr = fmt.Errorf("%w: cpu #%d: %w", ErrAffinity, w.cpu, err)
		log.Error("worker for CPU #%d is unusable: %v", w.cpu, err)
	} else {
		log.Debug("worker for CPU #%d started", w.cpu)
	}
	close(ready)

	for req := range w.reqs {
		if pinErr != nil {
			req.errc <- pinErr
			continue
		}
		req.fn(w.cpu)
		req.errc <- nil
	}

	log.Debug("worker for CPU #%d stopped", w.cpu)
}
