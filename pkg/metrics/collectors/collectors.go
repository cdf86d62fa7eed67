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
package collectors

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"k8s.io/utils/cpuset"

	logger "github.com/containers/mid-monitor/pkg/log"
	"github.com/containers/mid-monitor/pkg/metrics"
	"github.com/containers/mid-monitor/pkg/mid"
	"github.com/containers/mid-monitor/pkg/version"
)

var (
	log = logger.Get("metrics")
)

// NewVersionInfoCollector returns a constant gauge labeled with the version
// and build of the monitor.
func NewVersionInfoCollector(v, b string) prometheus.Collector {
	return prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "mid_monitor_version_info",
			Help: "Constant '1' labeled by mid-monitor version and build.",
			ConstLabels: prometheus.Labels{
				"version": v,
				"build":   b,
			},
		},
		func() float64 { return 1 },
	)
}

// Topology is the CPU topology the monitor reads counters with.
type Topology interface {
	// Readers returns one online CPU per socket.
	Readers() cpuset.CPUSet
	// SocketOf returns the socket index of an online CPU.
	SocketOf(cpu int) (int, bool)
}

// topologyCollector exports the monitored hardware and the CPU each socket
// is read on.
type topologyCollector struct {
	hw       mid.Hardware
	topology Topology
	info     *prometheus.Desc
	reader   *prometheus.Desc
}

// NewTopologyCollector returns a collector for the monitored hardware
// parameters and the current reader CPU of every socket.
func NewTopologyCollector(hw mid.Hardware, topology Topology) prometheus.Collector {
	return &topologyCollector{
		hw:       hw,
		topology: topology,
		info: prometheus.NewDesc("hardware_info",
			"Constant '1' labeled by the monitoring hardware parameters.",
			nil, prometheus.Labels{
				"max_mid":    strconv.FormatUint(uint64(hw.MaxID), 10),
				"scale":      strconv.FormatUint(hw.Scale, 10),
				"cache_size": strconv.FormatUint(hw.CacheSize, 10),
			}),
		reader: prometheus.NewDesc("socket_reader_cpu",
			"CPU the counters of a socket are read on.",
			[]string{"socket"}, nil),
	}
}

func (c *topologyCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.info
	ch <- c.reader
}

func (c *topologyCollector) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(c.info, prometheus.GaugeValue, 1)

	for _, cpu := range c.topology.Readers().List() {
		socket, ok := c.topology.SocketOf(cpu)
		if !ok {
			continue
		}
		ch <- prometheus.MustNewConstMetric(c.reader, prometheus.GaugeValue,
			float64(cpu), strconv.Itoa(socket))
	}
}

// RegisterTopology registers the topology collector in the "monitor" group
// of the registry.
func RegisterTopology(r *metrics.Registry, hw mid.Hardware, topology Topology) error {
	return r.Register("topology", NewTopologyCollector(hw, topology), metrics.WithGroup("monitor"))
}

// Register registers the Go runtime, process and version collectors,
// unprefixed, in the "standard" group of the registry.
func Register(r *metrics.Registry) {
	var (
		collectors = map[string]prometheus.Collector{
			"buildinfo":   collectors.NewBuildInfoCollector(),
			"golang":      collectors.NewGoCollector(),
			"process":     collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			"versioninfo": NewVersionInfoCollector(version.Version, version.Build),
		}
		options = []metrics.RegisterOption{
			metrics.WithGroup("standard"),
			metrics.WithoutNamespace(),
			metrics.WithoutSubsystem(),
		}
	)

	for name, collector := range collectors {
		if err := r.Register(name, collector, options...); err != nil {
			log.Error("failed to register %s collector: %v", name, err)
		}
	}
}

func init() {
	Register(metrics.Default())
}
