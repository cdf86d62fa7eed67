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

package mid

import (
	"fmt"
	"time"

	"k8s.io/utils/clock"
)

// Pool keeps track of unassigned MIDs in the Free and Limbo queues.
// A Pool is not safe for concurrent use. Its owner serializes access.
type Pool struct {
	reg   *Registry
	free  queue
	limbo queue
	clock clock.PassiveClock
	reset func(ID)
}

// NewPool creates a pool with all the usable MIDs of the registry in the
// Free queue, in increasing order. The reset function, if given, is called
// whenever a MID is acquired or released to clear any sample data for it.
func NewPool(reg *Registry, clk clock.PassiveClock, reset func(ID)) *Pool {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if reset == nil {
		reset = func(ID) {}
	}

	p := &Pool{
		reg:   reg,
		clock: clk,
		reset: reset,
	}

	reg.Foreach(func(r *Record) bool {
		r.state = StateFree
		p.free.push(r.id)
		return true
	})

	return p
}

// Registry returns the registry of the pool.
func (p *Pool) Registry() *Registry {
	return p.reg
}

// Acquire pops the oldest MID from the Free queue and marks it Active.
// It returns InvalidID if the Free queue is empty.
func (p *Pool) Acquire() ID {
	id, ok := p.free.pop()
	if !ok {
		return InvalidID
	}

	r, _ := p.reg.Lookup(id)
	r.state = StateActive
	r.recycle = RecycleYoung
	p.reset(id)

	return id
}

// Release puts an Active (or demoted reserve) MID to the tail of the
// Limbo queue. Releasing any other MID is an error which is logged and
// otherwise ignored.
func (p *Pool) Release(id ID) bool {
	if !id.Valid() {
		log.Error("internal error: release of invalid MID %s", id)
		return false
	}

	r, ok := p.reg.Lookup(id)
	if !ok {
		return false
	}

	if r.state != StateActive && r.state != StateReserve {
		log.Error("internal error: release of %s MID #%d", r.state, id)
		return false
	}

	r.state = StateLimbo
	r.recycle = RecycleYoung
	r.queuedAt = p.clock.Now()
	r.owner = NoGroup
	p.limbo.push(id)
	p.reset(id)

	return true
}

// putFree appends a recycled MID to the tail of the Free queue.
func (p *Pool) putFree(r *Record) {
	r.state = StateFree
	r.recycle = RecycleYoung
	r.owner = NoGroup
	p.free.push(r.id)
}

// age marks every Limbo entry queued for at least the given time
// Available and returns their number. Entries are in release order,
// so the scan stops at the first young one.
func (p *Pool) age(minQueueTime time.Duration) int {
	now := p.clock.Now()
	available := 0

	for _, id := range p.limbo.ids {
		r := &p.reg.records[id]
		if now.Sub(r.queuedAt) < minQueueTime {
			break
		}
		r.recycle = RecycleAvailable
		available++
	}

	return available
}

// FreeCount returns the number of MIDs in the Free queue.
func (p *Pool) FreeCount() int {
	return p.free.len()
}

// LimboCount returns the number of MIDs in the Limbo queue.
func (p *Pool) LimboCount() int {
	return p.limbo.len()
}

// Free returns the MIDs in the Free queue, oldest first.
func (p *Pool) Free() []ID {
	return p.free.items()
}

// Limbo returns the MIDs in the Limbo queue, oldest first.
func (p *Pool) Limbo() []ID {
	return p.limbo.items()
}

// validate checks that queue membership and record states agree.
func (p *Pool) validate() error {
	seen := map[ID]string{}

	check := func(name string, q *queue, state State) error {
		for _, id := range q.ids {
			if !id.Valid() || int(id) >= len(p.reg.records) {
				return fmt.Errorf("%w: %s queue has invalid MID %s", ErrInternalError, name, id)
			}
			if other, ok := seen[id]; ok {
				return fmt.Errorf("%w: MID #%d in both %s and %s queues", ErrInternalError,
					id, other, name)
			}
			seen[id] = name
			if s := p.reg.records[id].state; s != state {
				return fmt.Errorf("%w: MID #%d in %s queue has state %s", ErrInternalError,
					id, name, s)
			}
		}
		return nil
	}

	if err := check("free", &p.free, StateFree); err != nil {
		return err
	}
	if err := check("limbo", &p.limbo, StateLimbo); err != nil {
		return err
	}

	for i := 1; i < len(p.reg.records); i++ {
		r := &p.reg.records[i]
		_, queued := seen[r.id]
		switch r.state {
		case StateFree, StateLimbo:
			if !queued {
				return fmt.Errorf("%w: %s MID #%d not queued", ErrInternalError, r.state, r.id)
			}
		case StateActive, StateReserve:
		default:
			return fmt.Errorf("%w: MID #%d has state %s", ErrInternalError, r.id, r.state)
		}
	}

	return nil
}
