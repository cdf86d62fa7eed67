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
	"math"
	"time"
)

// ID is a hardware monitoring identifier.
type ID uint32

const (
	// InvalidID denotes the absence of a MID.
	InvalidID ID = math.MaxUint32
	// MaxSupportedID is the largest MID value we accept from the hardware.
	MaxSupportedID ID = 1<<16 - 1
)

// Valid returns true if the MID can be assigned to a group.
func (id ID) Valid() bool {
	return id != 0 && id != InvalidID
}

// String returns the MID as a string.
func (id ID) String() string {
	if id == InvalidID {
		return "<none>"
	}
	return fmt.Sprintf("%d", uint32(id))
}

// State is the allocation state of a MID.
type State int

const (
	// StateFree is a MID in the Free queue.
	StateFree State = iota
	// StateLimbo is a MID in quarantine in the Limbo queue.
	StateLimbo
	// StateActive is a MID assigned to a group.
	StateActive
	// StateReserve is the MID kept clean for rotation.
	StateReserve
	// StateReserved is MID 0.
	StateReserved
)

var stateNames = map[State]string{
	StateFree:     "free",
	StateLimbo:    "limbo",
	StateActive:   "active",
	StateReserve:  "reserve",
	StateReserved: "reserved",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("<unknown state %d>", int(s))
}

// Recycle is the recycling sub-state of a MID in Limbo.
type Recycle int

const (
	// RecycleYoung is a MID not yet queued for the minimum queue time.
	RecycleYoung Recycle = iota
	// RecycleAvailable is a MID queued long enough to be checked.
	RecycleAvailable
	// RecycleDirty is a MID with residual occupancy above the threshold.
	RecycleDirty
)

func (r Recycle) String() string {
	switch r {
	case RecycleYoung:
		return "young"
	case RecycleAvailable:
		return "available"
	case RecycleDirty:
		return "dirty"
	}
	return fmt.Sprintf("<unknown recycle state %d>", int(r))
}

// Record is the bookkeeping entry of a single MID.
type Record struct {
	id        ID
	state     State
	recycle   Recycle
	queuedAt  time.Time
	dirtiness uint64
	owner     GroupID
}

// ID returns the MID of the record.
func (r *Record) ID() ID { return r.id }

// State returns the allocation state of the MID.
func (r *Record) State() State { return r.state }

// Recycle returns the recycling sub-state of a MID in Limbo.
func (r *Record) Recycle() Recycle { return r.recycle }

// QueuedAt returns the time the MID was last put into Limbo.
func (r *Record) QueuedAt() time.Time { return r.queuedAt }

// Dirtiness returns the last observed residual occupancy, the maximum
// over all sockets, in hardware scale units.
func (r *Record) Dirtiness() uint64 { return r.dirtiness }

// Owner returns the group the MID is assigned to, if it is active.
func (r *Record) Owner() GroupID { return r.owner }

func (r *Record) String() string {
	switch r.state {
	case StateLimbo:
		return fmt.Sprintf("MID #%d (%s/%s, dirtiness %d)", r.id, r.state, r.recycle, r.dirtiness)
	case StateActive:
		return fmt.Sprintf("MID #%d (%s, group #%d)", r.id, r.state, r.owner)
	}
	return fmt.Sprintf("MID #%d (%s)", r.id, r.state)
}

// Registry holds a record for every MID supported by the hardware.
// Once created, the set of records never changes.
type Registry struct {
	records []Record
}

// NewRegistry creates a registry for MIDs 0 through maxID.
func NewRegistry(maxID ID) (*Registry, error) {
	if maxID == 0 {
		return nil, fmt.Errorf("%w: no usable MIDs (max MID %d)", ErrNoMem, maxID)
	}
	if maxID > MaxSupportedID {
		return nil, fmt.Errorf("%w: max MID %d exceeds supported %d", ErrInvalidID,
			maxID, MaxSupportedID)
	}

	r := &Registry{
		records: make([]Record, int(maxID)+1),
	}
	for i := range r.records {
		r.records[i] = Record{
			id:    ID(i),
			state: StateFree,
			owner: NoGroup,
		}
	}
	r.records[0].state = StateReserved

	return r, nil
}

// MaxID returns the largest MID in the registry.
func (r *Registry) MaxID() ID {
	return ID(len(r.records) - 1)
}

// Count returns the number of usable MIDs, excluding the reserved MID 0.
func (r *Registry) Count() int {
	return len(r.records) - 1
}

// Lookup returns the record for the given MID.
func (r *Registry) Lookup(id ID) (*Record, bool) {
	if id == InvalidID || int(id) >= len(r.records) {
		log.Error("internal error: lookup of out of range MID %s (max %d)", id, r.MaxID())
		return nil, false
	}
	return &r.records[id], true
}

// Foreach calls fn for every usable MID until it returns false.
func (r *Registry) Foreach(fn func(*Record) bool) {
	for i := 1; i < len(r.records); i++ {
		if !fn(&r.records[i]) {
			return
		}
	}
}
