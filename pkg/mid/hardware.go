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
	"strings"

	"k8s.io/utils/cpuset"
)

// Event is a hardware monitoring event tagged by MIDs.
type Event int

const (
	// EventOccupancy is the number of last level cache lines tagged with a MID.
	EventOccupancy Event = iota
	// EventTotalBW is the total memory bandwidth byte counter of a MID.
	EventTotalBW
	// EventLocalBW is the local memory bandwidth byte counter of a MID.
	EventLocalBW

	numEvents
	// NumEvents is the number of known events.
	NumEvents = int(numEvents)
)

var eventNames = map[Event]string{
	EventOccupancy: "llc_occupancy",
	EventTotalBW:   "total_bw",
	EventLocalBW:   "local_bw",
}

// String returns the name of the event.
func (e Event) String() string {
	if name, ok := eventNames[e]; ok {
		return name
	}
	return "unknown-event"
}

// IsBandwidth returns true if the event is a memory bandwidth event.
func (e Event) IsBandwidth() bool {
	return e == EventTotalBW || e == EventLocalBW
}

// ParseEvent returns the event with the given name.
func ParseEvent(name string) (Event, bool) {
	name = strings.ToLower(strings.TrimSpace(name))
	for e, n := range eventNames {
		if n == name {
			return e, true
		}
	}
	return 0, false
}

// Reading is the result of reading a raw hardware counter.
type Reading struct {
	// Value is the raw counter value.
	Value uint64
	// Error is set if the hardware reported an error for the read.
	Error bool
	// Unavailable is set if no data is available for the read.
	Unavailable bool
}

// Valid returns true if the reading is a usable observation.
func (r Reading) Valid() bool {
	return !r.Error && !r.Unavailable
}

// CounterReader reads raw per-MID hardware counters. Reads must be issued
// on a CPU in the socket the result is wanted for.
type CounterReader interface {
	ReadCounter(cpu int, id ID, event Event) Reading
}

// Broadcaster runs a function on each of a set of CPUs and waits for
// all of them to finish. Results are accumulated by the function itself.
type Broadcaster interface {
	Broadcast(ctx context.Context, cpus cpuset.CPUSet, fn func(cpu int)) error
}

// Programmer tells the scheduling layer which MID the given CPU should
// tag its activity with. MID 0 means unmonitored.
type Programmer interface {
	Program(cpu int, id ID)
}

// ValueReader reads the current value of an event for a MID, summed
// across all sockets.
type ValueReader interface {
	ReadValue(ctx context.Context, id ID, event Event) (uint64, error)
}

// Listener gets notified about group lifecycle and MID assignment changes.
type Listener interface {
	GroupCreated(g GroupInfo)
	GroupDestroyed(g GroupInfo)
	MIDChanged(g GroupInfo, old, new ID)
}

// Hardware describes the monitoring capabilities of the hardware.
type Hardware struct {
	// MaxID is the largest MID supported by the hardware.
	MaxID ID
	// Scale is the number of bytes per occupancy counter unit.
	Scale uint64
	// CacheSize is the size of the last level cache in bytes.
	CacheSize uint64
}

// DefaultMaxRecycleThreshold returns the default maximum recycling threshold
// in bytes: the share of the cache that each MID would tag if the cache
// was evenly divided among all MIDs.
func (hw Hardware) DefaultMaxRecycleThreshold() uint64 {
	return hw.CacheSize / (uint64(hw.MaxID) + 1)
}

type nopListener struct{}

func (nopListener) GroupCreated(GroupInfo)       {}
func (nopListener) GroupDestroyed(GroupInfo)     {}
func (nopListener) MIDChanged(GroupInfo, ID, ID) {}
