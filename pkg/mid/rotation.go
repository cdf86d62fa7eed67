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
	"context"
	"sync"

	"github.com/containers/mid-monitor/pkg/instrumentation/tracing"
)

// Rotate runs one round of MID rotation. It returns true if any MID was
// rotated.
//
// A round takes the MID of the group at the head of the rotation order,
// hands the reserve MID to the first group waiting for one and refills
// the reserve. It then tries to recycle quarantined MIDs. When recycling
// gets stuck it either steals more MIDs or relaxes the dirtiness
// threshold, preferring the former as long as less than a quarter of all
// MIDs are waiting in Limbo.
func (a *Allocator) Rotate(ctx context.Context) bool {
	ctx, span := tracing.StartSpan(ctx, "mid.Rotate")
	defer span.End()

	a.lock()
	defer a.unlock()

	rotated := a.rotate(ctx)

	a.lastRotation.Store(a.clock.Now().UnixNano())
	if rotated {
		a.rotations.Add(1)
	}

	span.SetAttributes(
		tracing.RotatedKey.Bool(rotated),
		tracing.Threshold(a.threshold),
		tracing.MID(tracing.ReserveKey, uint32(a.reserve)),
	)

	return rotated
}

func (a *Allocator) rotate(ctx context.Context) bool {
	var (
		rotated    bool
		stealLimit = (a.reg.Count() + 1) / 4
	)

	// Every steal either evicts a MID or switches to relaxing, so the
	// number of groups bounds the number of rounds.
	for round := 0; round <= len(a.order)+1; round++ {
		if len(a.order) == 0 && a.pool.LimboCount() == 0 {
			return rotated
		}

		var (
			start  *group
			needed int
		)
		for _, g := range a.order {
			if !g.hasMID() {
				if start == nil {
					start = g
				}
				needed++
			}
		}

		if needed == 0 && a.pool.LimboCount() == 0 {
			return rotated
		}

		evicted := false
		if needed > 0 {
			if !a.reserve.Valid() {
				a.refillReserve()
			}
			evicted = a.pickAndRotate(ctx, start)

			if a.reserve.Valid() {
				id := a.reserve
				a.reserve = InvalidID
				a.reset(id)
				a.assign(start, id)
				a.refillReserve()
				a.evictConflicting(ctx, start)
				a.tighten()
				log.Debug("rotated reserve MID #%d to %s, new reserve %s", id, start, a.reserve)
			}

			rotated = true
		}

		var (
			steal     bool
			stuck     bool
			available int
		)
		for {
			stuck, available = a.stabilize(ctx)
			if !stuck || a.threshold >= a.thresholdLimit() {
				return rotated
			}
			if needed == 0 {
				return rotated
			}
			if available < stealLimit && evicted {
				steal = true
				break
			}
			a.threshold++
			a.raises.Add(1)
			log.Debug("relaxed dirtiness threshold to %d", a.threshold)
		}

		if !steal {
			break
		}
		a.steals.Add(1)
		log.Debug("recycling stuck with %d dirty MIDs in Limbo, stealing another MID", available)
	}

	return rotated
}

// pickAndRotate revokes the MID of the group at the head of the rotation
// order and moves the group to the tail. Nothing is done if the head is
// the first group without a MID, since then no group holds a MID.
func (a *Allocator) pickAndRotate(ctx context.Context, start *group) bool {
	rotor := a.order[0]
	if rotor == start {
		return false
	}

	a.revoke(ctx, rotor)
	a.order = append(a.order[1:], rotor)

	return true
}

// evictConflicting revokes the MID of every group that conflicts with g.
func (a *Allocator) evictConflicting(ctx context.Context, g *group) {
	for _, o := range append([]*group(nil), a.order...) {
		if o == g || !o.hasMID() {
			continue
		}
		if !Conflicts(o.scope, g.scope) {
			continue
		}
		log.Debug("evicting conflicting %s for %s", o, g)
		a.revoke(ctx, o)
	}
}

// tighten lowers the threshold after a successful rotation, never below
// the dirtiness of the reserve.
func (a *Allocator) tighten() {
	if a.threshold > 0 {
		a.threshold--
	}
	if r, ok := a.lookup(a.reserve); ok && a.threshold < r.dirtiness {
		a.threshold = r.dirtiness
	}
	if limit := a.thresholdLimit(); a.threshold > limit {
		a.threshold = limit
	}
}

// stabilize checks which quarantined MIDs have drained and recycles them.
// It returns whether recycling is stuck, with no reserve MID left, and the
// number of MIDs in Limbo queued for at least the minimum queue time.
func (a *Allocator) stabilize(ctx context.Context) (bool, int) {
	available := a.pool.age(a.queueTime)
	if available == 0 {
		return false, 0
	}

	var (
		candidates = append([]ID(nil), a.pool.limbo.ids[:available]...)
		dirtiness  = make(map[ID]uint64, available)
		failed     = make(map[ID]bool)
		mu         sync.Mutex
	)

	err := a.bcast.Broadcast(ctx, a.Readers(), func(cpu int) {
		for _, id := range candidates {
			r := a.counters.ReadCounter(cpu, id, EventOccupancy)
			mu.Lock()
			if !r.Valid() {
				failed[id] = true
			} else if r.Value > dirtiness[id] {
				dirtiness[id] = r.Value
			}
			mu.Unlock()
		}
	})
	if err != nil {
		log.Warn("failed to check occupancy of quarantined MIDs: %v", err)
		return false, available
	}

	for _, id := range candidates {
		r := &a.reg.records[id]
		r.dirtiness = dirtiness[id]
		if failed[id] || r.dirtiness > a.threshold {
			r.recycle = RecycleDirty
		}
	}

	for _, id := range a.pool.limbo.drain() {
		r := &a.reg.records[id]
		if r.recycle != RecycleAvailable {
			a.pool.limbo.push(id)
			continue
		}

		if !a.reserve.Valid() {
			a.setReserve(id)
			continue
		}

		if g := a.firstSchedulable(); g != nil {
			a.reset(id)
			a.assign(g, id)
			log.Debug("assigned recycled MID #%d to %s", id, g)
			continue
		}

		a.pool.putFree(r)
	}

	return !a.reserve.Valid(), available
}

// firstSchedulable returns the first group in rotation order which has no
// MID and conflicts with no group that has one.
func (a *Allocator) firstSchedulable() *group {
	for _, g := range a.order {
		if g.hasMID() {
			continue
		}
		if !a.conflictsWithActive(g) {
			return g
		}
	}
	return nil
}
