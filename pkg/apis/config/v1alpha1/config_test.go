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

package v1alpha1_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"
	"sigs.k8s.io/yaml"

	. "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1"
	"github.com/containers/mid-monitor/pkg/mid"
)

const sampleConfig = `
apiVersion: config.mid-monitor.io/v1alpha1
kind: MidMonitor
metadata:
  name: default
spec:
  monitor:
    rotationInterval: 500ms
    maxRecycleThreshold: 64Ki
    slidingWindowSize: 20
  log:
    debug:
      - mid
  simulation:
    maxMID: 7
    cacheSize: 1Mi
    packages:
      - 0-1
      - 2-3
    workloads:
      - name: web
        scope: cgroup
        cgroup: /kubepods/web
        events: [llc_occupancy, total_bw]
        cpus: 0,2
        bandwidth: 1000
      - name: batch
        scope: task
        task: 42
        parent: 41
        events: [local_bw]
        cpus: "3"
`

func TestParseConfig(t *testing.T) {
	cfg := &MidMonitor{}
	require.NoError(t, yaml.Unmarshal([]byte(sampleConfig), cfg))
	cfg.SetDefaults()
	require.NoError(t, cfg.Validate())

	m := cfg.Spec.Monitor
	require.Equal(t, 500*time.Millisecond, m.RotationInterval.Duration)
	require.Equal(t, DefaultQueueTime, m.QueueTime.Duration)
	require.Equal(t, DefaultSampleInterval, m.SampleInterval.Duration)
	require.Equal(t, 20, m.SlidingWindowSize)
	bytes, ok := m.MaxRecycleThresholdBytes()
	require.True(t, ok)
	require.Equal(t, uint64(64*1024), bytes)

	require.Equal(t, []string{"mid"}, cfg.Spec.Log.Debug)
	require.Equal(t, DefaultMetrics, cfg.Spec.Instrumentation.Metrics.Enabled)

	sim := cfg.Spec.Simulation
	require.Equal(t, mid.Hardware{MaxID: 7, Scale: DefaultSimulatedScale, CacheSize: 1 << 20}, sim.Hardware())
	packages, err := sim.PackageCPUs()
	require.NoError(t, err)
	require.Equal(t, map[int]cpuset.CPUSet{0: cpuset.New(0, 1), 1: cpuset.New(2, 3)}, packages)

	require.Len(t, sim.Workloads, 2)
	scope, err := sim.Workloads[0].MidScope()
	require.NoError(t, err)
	require.Equal(t, mid.CgroupScope("/kubepods/web"), scope)
	events, err := sim.Workloads[0].MidEvents()
	require.NoError(t, err)
	require.Equal(t, []mid.Event{mid.EventOccupancy, mid.EventTotalBW}, events)

	scope, err = sim.Workloads[1].MidScope()
	require.NoError(t, err)
	require.Equal(t, mid.InheritedTaskScope(42, 41, ""), scope)
}

func TestDefaults(t *testing.T) {
	cfg := NewMidMonitor()
	require.NoError(t, cfg.Validate())
	require.Equal(t, Kind, cfg.Kind)
	_, ok := cfg.Spec.Monitor.MaxRecycleThresholdBytes()
	require.False(t, ok)
	require.Equal(t, DefaultSimulatedPackages, cfg.Spec.Simulation.Packages)
}

func TestValidate(t *testing.T) {
	for _, tc := range []struct {
		name   string
		modify func(*MidMonitor)
	}{
		{
			name:   "kind",
			modify: func(c *MidMonitor) { c.Kind = "Other" },
		},
		{
			name:   "window too small",
			modify: func(c *MidMonitor) { c.Spec.Monitor.SlidingWindowSize = 5 },
		},
		{
			name:   "window too large",
			modify: func(c *MidMonitor) { c.Spec.Monitor.SlidingWindowSize = 301 },
		},
		{
			name:   "sample interval",
			modify: func(c *MidMonitor) { c.Spec.Monitor.SampleInterval.Duration = 50 * time.Millisecond },
		},
		{
			name:   "rotation interval",
			modify: func(c *MidMonitor) { c.Spec.Monitor.RotationInterval.Duration = -time.Second },
		},
		{
			name:   "max MID",
			modify: func(c *MidMonitor) { c.Spec.Simulation.MaxMID = 1 << 16 },
		},
		{
			name:   "overlapping packages",
			modify: func(c *MidMonitor) { c.Spec.Simulation.Packages = []string{"0-3", "3-4"} },
		},
		{
			name: "workload scope",
			modify: func(c *MidMonitor) {
				c.Spec.Simulation.Workloads = []Workload{
					{Name: "w", Scope: "pod", Events: []string{"llc_occupancy"}, CPUs: "0"},
				}
			},
		},
		{
			name: "workload event",
			modify: func(c *MidMonitor) {
				c.Spec.Simulation.Workloads = []Workload{
					{Name: "w", Scope: "system", Events: []string{"ipc"}, CPUs: "0"},
				}
			},
		},
		{
			name: "workload CPUs",
			modify: func(c *MidMonitor) {
				c.Spec.Simulation.Workloads = []Workload{
					{Name: "w", Scope: "system", Events: []string{"llc_occupancy"}, CPUs: "0,9"},
				}
			},
		},
		{
			name:   "tracing sampling rate",
			modify: func(c *MidMonitor) { c.Spec.Instrumentation.SamplingRatePerMillion = 2000000 },
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg := NewMidMonitor()
			tc.modify(cfg)
			require.Error(t, cfg.Validate())
		})
	}
}
