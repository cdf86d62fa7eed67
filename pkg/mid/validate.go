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
)

// Validate checks the consistency of the allocator. Every usable MID must
// be accounted for exactly once, no two conflicting groups may hold a MID
// at the same time, and the reserve must be no dirtier than the current
// threshold.
func (a *Allocator) Validate() error {
	a.lock()
	defer a.unlock()

	if err := a.pool.validate(); err != nil {
		return err
	}

	var (
		active  = 0
		holders = map[ID]*group{}
	)

	for id, g := range a.groups {
		if g.id != id {
			return fmt.Errorf("%w: group #%d registered as #%d", ErrInternalError, g.id, id)
		}
		mid := g.getMID()
		if !mid.Valid() {
			continue
		}
		if other, ok := holders[mid]; ok {
			return fmt.Errorf("%w: MID #%d held by %s and %s", ErrInternalError, mid, other, g)
		}
		holders[mid] = g
		active++

		r, ok := a.reg.Lookup(mid)
		if !ok {
			return fmt.Errorf("%w: %s has invalid MID", ErrInternalError, g)
		}
		if r.state != StateActive || r.owner != g.id {
			return fmt.Errorf("%w: %s holds %s", ErrInternalError, g, r)
		}
	}

	if len(a.order) != len(a.groups) {
		return fmt.Errorf("%w: %d groups in rotation order, %d registered", ErrInternalError,
			len(a.order), len(a.groups))
	}

	reserve := 0
	if a.reserve.Valid() {
		reserve = 1
		r := &a.reg.records[a.reserve]
		if r.state != StateReserve {
			return fmt.Errorf("%w: reserve %s", ErrInternalError, r)
		}
		if r.dirtiness > a.threshold {
			return fmt.Errorf("%w: reserve MID #%d dirtiness %d above threshold %d",
				ErrInternalError, r.id, r.dirtiness, a.threshold)
		}
	}

	activeRecords := 0
	a.reg.Foreach(func(r *Record) bool {
		if r.state == StateActive {
			activeRecords++
		}
		return true
	})
	if activeRecords != active {
		return fmt.Errorf("%w: %d active MIDs, %d held by groups", ErrInternalError,
			activeRecords, active)
	}

	total := a.pool.FreeCount() + a.pool.LimboCount() + active + reserve
	if total != a.reg.Count() {
		return fmt.Errorf("%w: %d free + %d limbo + %d active + %d reserve != %d MIDs",
			ErrInternalError, a.pool.FreeCount(), a.pool.LimboCount(), active, reserve,
			a.reg.Count())
	}

	for _, g := range a.order {
		if !g.hasMID() {
			continue
		}
		for _, o := range a.order {
			if o == g || !o.hasMID() {
				continue
			}
			if Conflicts(g.scope, o.scope) {
				return fmt.Errorf("%w: conflicting %s and %s both active", ErrInternalError, g, o)
			}
		}
	}

	return nil
}
