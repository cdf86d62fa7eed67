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

package sim_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	. "github.com/containers/mid-monitor/pkg/hw/sim"
	"github.com/containers/mid-monitor/pkg/mid"
)

var testHW = mid.Hardware{MaxID: 7, Scale: 1, CacheSize: 1000}

func newMachine(t *testing.T, options ...Option) (*Machine, *testclock.FakeClock) {
	clk := testclock.NewFakeClock(time.Unix(0, 0))
	m, err := New(testHW, map[int]int{0: 0, 1: 0, 2: 1, 3: 1}, append([]Option{WithClock(clk)}, options...)...)
	require.NoError(t, err)
	return m, clk
}

func TestNew(t *testing.T) {
	_, err := New(mid.Hardware{}, map[int]int{0: 0})
	require.Error(t, err)
	_, err = New(testHW, nil)
	require.Error(t, err)
	_, err = New(testHW, map[int]int{0: -1})
	require.Error(t, err)

	m, _ := newMachine(t)
	require.Equal(t, 2, m.Sockets())
	s, ok := m.SocketOf(3)
	require.True(t, ok)
	require.Equal(t, 1, s)
	_, ok = m.SocketOf(4)
	require.False(t, ok)
}

func TestOccupancyFillAndDecay(t *testing.T) {
	m, clk := newMachine(t, WithLoad(0, Load{CacheRate: 10}), WithHalfLife(500*time.Millisecond))

	m.Program(0, 2)
	require.Equal(t, mid.ID(2), m.Programmed(0))

	clk.Step(time.Second)
	require.Equal(t, mid.Reading{Value: 10}, m.ReadCounter(1, 2, mid.EventOccupancy))
	require.Equal(t, mid.Reading{Value: 0}, m.ReadCounter(2, 2, mid.EventOccupancy), "other socket")

	m.Program(0, 0)
	clk.Step(500 * time.Millisecond)
	require.Equal(t, uint64(5), m.ReadCounter(0, 2, mid.EventOccupancy).Value)

	clk.Step(10 * time.Second)
	require.Equal(t, uint64(0), m.ReadCounter(0, 2, mid.EventOccupancy).Value)
}

func TestOccupancyCapacity(t *testing.T) {
	m, clk := newMachine(t, WithLoad(2, Load{CacheRate: 5000}))
	m.Program(2, 1)
	clk.Step(time.Second)
	require.Equal(t, uint64(1000), m.ReadCounter(3, 1, mid.EventOccupancy).Value)

	m.SetOccupancy(1, 1, 50)
	require.Equal(t, uint64(50), m.ReadCounter(3, 1, mid.EventOccupancy).Value)
}

func TestBandwidthCounters(t *testing.T) {
	m, clk := newMachine(t, WithLoad(1, Load{Bandwidth: 1000, LocalPercent: 50}))
	m.Program(1, 3)

	clk.Step(2 * time.Second)
	require.Equal(t, uint64(2000), m.ReadCounter(0, 3, mid.EventTotalBW).Value)
	require.Equal(t, uint64(1000), m.ReadCounter(0, 3, mid.EventLocalBW).Value)

	m.SetLoad(1, Load{Bandwidth: CounterMask + 1})
	clk.Step(time.Second)
	require.Equal(t, uint64(2000), m.ReadCounter(0, 3, mid.EventTotalBW).Value, "counter wraps")
	require.Equal(t, uint64(1000), m.ReadCounter(0, 3, mid.EventLocalBW).Value)
}

func TestFailedReads(t *testing.T) {
	m, _ := newMachine(t)

	require.True(t, m.ReadCounter(0, 1, mid.EventOccupancy).Valid())
	require.True(t, m.ReadCounter(9, 1, mid.EventOccupancy).Error, "unknown CPU")
	require.True(t, m.ReadCounter(0, 8, mid.EventOccupancy).Error, "invalid MID")
	require.True(t, m.ReadCounter(0, 1, mid.Event(42)).Unavailable)

	m.SetFailing(1, true)
	require.True(t, m.ReadCounter(0, 1, mid.EventOccupancy).Error)
	m.SetFailing(1, false)
	require.True(t, m.ReadCounter(0, 1, mid.EventOccupancy).Valid())

	m.Program(0, 8)
	require.Equal(t, mid.ID(0), m.Programmed(0))
}
