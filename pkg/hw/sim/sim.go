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

// Package sim simulates cache occupancy and memory bandwidth monitoring
// hardware. CPUs run workloads which are tagged with the MID programmed on
// the CPU. Tagged workloads fill the cache and move bytes; the cache lines of
// a MID no longer running anywhere decay over time, like lines of a real
// cache get evicted by other activity.
package sim

import (
	"fmt"
	"math"
	"sync"
	"time"

	"k8s.io/utils/clock"

	logger "github.com/containers/mid-monitor/pkg/log"
	"github.com/containers/mid-monitor/pkg/mid"
)

const (
	// CounterMask is the width of the simulated bandwidth counters.
	CounterMask = 0xFFFFFF
	// DefaultHalfLife is the default occupancy half-life of idle MIDs.
	DefaultHalfLife = 500 * time.Millisecond
)

var log = logger.Get("sim")

// Load describes the activity of a workload running on a CPU.
type Load struct {
	// CacheRate is the rate of cache fill, in occupancy units per second.
	CacheRate uint64
	// Bandwidth is the rate of memory traffic, in counter units per second.
	Bandwidth uint64
	// LocalPercent is the share of the traffic going to local memory.
	LocalPercent uint64
}

// Machine is a simulated monitoring-capable machine. It implements the
// mid.CounterReader and mid.Programmer interfaces.
type Machine struct {
	sync.Mutex
	hw       mid.Hardware
	clock    clock.PassiveClock
	halfLife time.Duration
	sockets  map[int]int
	nsocket  int
	capacity float64
	loads    map[int]Load
	programs map[int]mid.ID
	tables   []*table
	failing  map[mid.ID]bool
	updated  time.Time
}

type table struct {
	occupancy []float64
	total     []float64
	local     []float64
}

// Option is an option for a Machine.
type Option func(*Machine)

// WithClock sets the clock driving the simulation.
func WithClock(clk clock.PassiveClock) Option {
	return func(m *Machine) {
		m.clock = clk
	}
}

// WithHalfLife sets the occupancy half-life of MIDs not running on any CPU.
func WithHalfLife(d time.Duration) Option {
	return func(m *Machine) {
		m.halfLife = d
	}
}

// WithLoad sets the initial workload of a CPU.
func WithLoad(cpu int, l Load) Option {
	return func(m *Machine) {
		m.loads[cpu] = l
	}
}

// New creates a simulated machine. The sockets map gives the socket index
// for each CPU, socket indices must be dense starting at 0.
func New(hw mid.Hardware, sockets map[int]int, options ...Option) (*Machine, error) {
	if !hw.MaxID.Valid() {
		return nil, fmt.Errorf("sim: invalid max MID %s", hw.MaxID)
	}
	if len(sockets) == 0 {
		return nil, fmt.Errorf("sim: no CPUs")
	}
	if hw.Scale == 0 {
		hw.Scale = 1
	}

	m := &Machine{
		hw:       hw,
		clock:    clock.RealClock{},
		halfLife: DefaultHalfLife,
		sockets:  map[int]int{},
		loads:    map[int]Load{},
		programs: map[int]mid.ID{},
		failing:  map[mid.ID]bool{},
		capacity: float64(hw.CacheSize / hw.Scale),
	}

	for cpu, s := range sockets {
		if s < 0 {
			return nil, fmt.Errorf("sim: invalid socket %d for CPU #%d", s, cpu)
		}
		m.sockets[cpu] = s
		m.nsocket = max(m.nsocket, s+1)
	}

	for _, o := range options {
		o(m)
	}

	for range m.nsocket {
		m.tables = append(m.tables, &table{
			occupancy: make([]float64, hw.MaxID+1),
			total:     make([]float64, hw.MaxID+1),
			local:     make([]float64, hw.MaxID+1),
		})
	}
	m.updated = m.clock.Now()

	return m, nil
}

// Hardware returns the simulated hardware capabilities.
func (m *Machine) Hardware() mid.Hardware {
	return m.hw
}

// Sockets returns the number of simulated sockets.
func (m *Machine) Sockets() int {
	return m.nsocket
}

// SocketOf returns the socket of a CPU.
func (m *Machine) SocketOf(cpu int) (int, bool) {
	s, ok := m.sockets[cpu]
	return s, ok
}

// SetLoad changes the workload running on a CPU.
func (m *Machine) SetLoad(cpu int, l Load) {
	m.Lock()
	defer m.Unlock()
	m.advance()
	m.loads[cpu] = l
}

// SetFailing makes all reads for a MID report a hardware error.
func (m *Machine) SetFailing(id mid.ID, failing bool) {
	m.Lock()
	defer m.Unlock()
	m.failing[id] = failing
}

// SetOccupancy overrides the occupancy of a MID on a socket.
func (m *Machine) SetOccupancy(socket int, id mid.ID, units uint64) {
	m.Lock()
	defer m.Unlock()
	m.advance()
	if socket >= 0 && socket < m.nsocket && id <= m.hw.MaxID {
		m.tables[socket].occupancy[id] = min(float64(units), m.capacity)
	}
}

// Program sets the MID the activity of a CPU is tagged with.
func (m *Machine) Program(cpu int, id mid.ID) {
	m.Lock()
	defer m.Unlock()

	m.advance()
	if id > m.hw.MaxID {
		log.Error("CPU #%d: ignoring invalid MID %s", cpu, id)
		return
	}
	if id == 0 {
		delete(m.programs, cpu)
	} else {
		m.programs[cpu] = id
	}
}

// Programmed returns the MID programmed on a CPU.
func (m *Machine) Programmed(cpu int) mid.ID {
	m.Lock()
	defer m.Unlock()
	return m.programs[cpu]
}

// ReadCounter reads a simulated counter of a MID on the socket of a CPU.
func (m *Machine) ReadCounter(cpu int, id mid.ID, event mid.Event) mid.Reading {
	m.Lock()
	defer m.Unlock()

	socket, ok := m.sockets[cpu]
	if !ok || id > m.hw.MaxID || m.failing[id] {
		return mid.Reading{Error: true}
	}

	m.advance()
	t := m.tables[socket]

	switch event {
	case mid.EventOccupancy:
		return mid.Reading{Value: uint64(t.occupancy[id])}
	case mid.EventTotalBW:
		return mid.Reading{Value: uint64(t.total[id]) & CounterMask}
	case mid.EventLocalBW:
		return mid.Reading{Value: uint64(t.local[id]) & CounterMask}
	}

	return mid.Reading{Unavailable: true}
}

// advance moves the simulation forward to the current time.
func (m *Machine) advance() {
	now := m.clock.Now()
	dt := now.Sub(m.updated).Seconds()
	if dt <= 0 {
		return
	}
	m.updated = now

	running := make([]map[mid.ID]bool, m.nsocket)
	for s := range running {
		running[s] = map[mid.ID]bool{}
	}

	for cpu, id := range m.programs {
		s := m.sockets[cpu]
		running[s][id] = true
		l, ok := m.loads[cpu]
		if !ok {
			continue
		}
		t := m.tables[s]
		t.occupancy[id] = min(t.occupancy[id]+float64(l.CacheRate)*dt, m.capacity)
		bw := float64(l.Bandwidth) * dt
		t.total[id] = math.Mod(t.total[id]+bw, CounterMask+1)
		t.local[id] = math.Mod(t.local[id]+bw*float64(min(l.LocalPercent, 100))/100, CounterMask+1)
	}

	if m.halfLife <= 0 {
		return
	}
	decay := math.Exp2(-dt / m.halfLife.Seconds())
	for s, t := range m.tables {
		for id := range t.occupancy {
			if !running[s][mid.ID(id)] {
				t.occupancy[id] *= decay
			}
		}
	}
}
