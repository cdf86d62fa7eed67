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

package monitor

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/containers/mid-monitor/pkg/metrics"
	"github.com/containers/mid-monitor/pkg/mid"
)

// collector exports MID pool and rotation metrics.
type collector struct {
	m          *Monitor
	mids       *prometheus.Desc
	groups     *prometheus.Desc
	waiting    *prometheus.Desc
	threshold  *prometheus.Desc
	limit      *prometheus.Desc
	rotations  *prometheus.Desc
	steals     *prometheus.Desc
	raises     *prometheus.Desc
	evictions  *prometheus.Desc
	staleReads *prometheus.Desc
	groupValue *prometheus.Desc
}

// Collector returns a prometheus collector for the monitor.
func (m *Monitor) Collector() prometheus.Collector {
	return &collector{
		m: m,
		mids: prometheus.NewDesc("mids",
			"Number of MIDs by state.", []string{"state"}, nil),
		groups: prometheus.NewDesc("groups",
			"Number of monitoring groups.", nil, nil),
		waiting: prometheus.NewDesc("waiting_groups",
			"Number of monitoring groups waiting for a MID.", nil, nil),
		threshold: prometheus.NewDesc("recycle_threshold_units",
			"Current residual occupancy threshold for recycling MIDs.", nil, nil),
		limit: prometheus.NewDesc("recycle_threshold_limit_units",
			"Ceiling of the residual occupancy threshold.", nil, nil),
		rotations: prometheus.NewDesc("rotations_total",
			"Number of MID rotations.", nil, nil),
		steals: prometheus.NewDesc("steals_total",
			"Number of MIDs stolen for stabilization.", nil, nil),
		raises: prometheus.NewDesc("threshold_raises_total",
			"Number of recycle threshold raises.", nil, nil),
		evictions: prometheus.NewDesc("evictions_total",
			"Number of MIDs revoked from groups.", nil, nil),
		staleReads: prometheus.NewDesc("stale_reads_total",
			"Number of reads discarded because the MID changed.", nil, nil),
		groupValue: prometheus.NewDesc("group_value",
			"Last published event value of a monitoring group.",
			[]string{"group", "scope", "event"}, nil),
	}
}

// RegisterMetrics registers the collector of the monitor in the "monitor"
// metrics group of the registry.
func (m *Monitor) RegisterMetrics(r *metrics.Registry) error {
	return r.Register("pool", m.Collector(), metrics.WithGroup("monitor"))
}

func (c *collector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		c.mids, c.groups, c.waiting, c.threshold, c.limit,
		c.rotations, c.steals, c.raises, c.evictions, c.staleReads,
		c.groupValue,
	} {
		ch <- d
	}
}

func (c *collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.alloc.Stats()

	for state, count := range map[string]int{
		"free":    s.Free,
		"limbo":   s.Limbo,
		"active":  s.Active,
		"reserve": s.Reserve,
	} {
		ch <- prometheus.MustNewConstMetric(c.mids, prometheus.GaugeValue, float64(count), state)
	}

	ch <- prometheus.MustNewConstMetric(c.groups, prometheus.GaugeValue, float64(s.Groups))
	ch <- prometheus.MustNewConstMetric(c.waiting, prometheus.GaugeValue, float64(s.Waiting))
	ch <- prometheus.MustNewConstMetric(c.threshold, prometheus.GaugeValue, float64(s.Threshold))
	ch <- prometheus.MustNewConstMetric(c.limit, prometheus.GaugeValue, float64(s.ThresholdLimit))
	ch <- prometheus.MustNewConstMetric(c.rotations, prometheus.CounterValue, float64(s.Rotations))
	ch <- prometheus.MustNewConstMetric(c.steals, prometheus.CounterValue, float64(s.Steals))
	ch <- prometheus.MustNewConstMetric(c.raises, prometheus.CounterValue, float64(s.ThresholdRaises))
	ch <- prometheus.MustNewConstMetric(c.evictions, prometheus.CounterValue, float64(s.Evictions))
	ch <- prometheus.MustNewConstMetric(c.staleReads, prometheus.CounterValue, float64(s.StaleReads))

	for _, h := range c.m.clients() {
		for _, e := range h.client.Events() {
			ch <- prometheus.MustNewConstMetric(c.groupValue, prometheus.GaugeValue,
				float64(h.client.CachedValue(e)),
				strconv.FormatUint(uint64(h.client.Group()), 10), h.client.Scope().String(), e.String())
		}
	}
}

// clients returns one registered handle per group.
func (m *Monitor) clients() []*Handle {
	m.Lock()
	defer m.Unlock()

	seen := map[mid.GroupID]bool{}
	handles := make([]*Handle, 0, len(m.handles))
	for _, h := range m.handles {
		if g := h.client.Group(); !seen[g] {
			seen[g] = true
			handles = append(handles, h)
		}
	}
	return handles
}
