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

package metrics_test

import (
	"bufio"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/require"
	testclock "k8s.io/utils/clock/testing"

	logger "github.com/containers/mid-monitor/pkg/log"
	"github.com/containers/mid-monitor/pkg/metrics"
)

func TestMetricsDescriptors(t *testing.T) {
	r := metrics.NewRegistry()

	for _, name := range []string{"test1", "test2", "test3"} {
		newTestGauge(t, r, name, metrics.WithoutSubsystem())
	}

	srv := newTestServer(t, r, []string{"*"}, nil)
	defer srv.stop()

	described, _ := srv.collect(t)
	require.True(t, described.HasEntry("test1", "gauge"))
	require.True(t, described.HasEntry("test2", "gauge"))
	require.True(t, described.HasEntry("test3", "gauge"))
}

func TestDuplicateRegistration(t *testing.T) {
	r := metrics.NewRegistry()
	newTestGauge(t, r, "test1")
	require.Error(t, r.Register("test1", prometheus.NewGauge(prometheus.GaugeOpts{Name: "x", Help: "x"})))
	require.NoError(t, r.Register("test1", prometheus.NewGauge(prometheus.GaugeOpts{Name: "y", Help: "y"}),
		metrics.WithGroup("other")))
}

func TestPrefixedCollection(t *testing.T) {
	for _, tc := range []struct {
		name      string
		namespace string
		options   []metrics.RegisterOption
		metric    string
	}{
		{
			name:   "default group",
			metric: "default_test",
		},
		{
			name:    "unprefixed",
			options: []metrics.RegisterOption{metrics.WithoutSubsystem()},
			metric:  "test",
		},
		{
			name:      "namespaced group",
			namespace: "mid",
			options:   []metrics.RegisterOption{metrics.WithGroup("monitor")},
			metric:    "mid_monitor_test",
		},
		{
			name:      "namespace only",
			namespace: "mid",
			options:   []metrics.RegisterOption{metrics.WithoutSubsystem()},
			metric:    "mid_test",
		},
		{
			name:      "without namespace",
			namespace: "mid",
			options:   []metrics.RegisterOption{metrics.WithoutNamespace()},
			metric:    "default_test",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := metrics.NewRegistry()
			g := newTestGauge(t, r, "test", tc.options...)
			g.gauge.Set(3)

			srv := newTestServer(t, r, []string{"*"}, nil, metrics.WithNamespace(tc.namespace))
			defer srv.stop()

			_, collected := srv.collect(t)
			require.Equal(t, "3", collected.GetValue(tc.metric))
		})
	}
}

func TestUpdatedMetricsCollection(t *testing.T) {
	r := metrics.NewRegistry()

	g1 := newTestGauge(t, r, "test1", metrics.WithoutSubsystem())
	g2 := newTestGauge(t, r, "test2", metrics.WithoutSubsystem())

	srv := newTestServer(t, r, []string{"*"}, nil)
	defer srv.stop()

	_, collected := srv.collect(t)
	require.Equal(t, "0", collected.GetValue("test1"))
	require.Equal(t, "0", collected.GetValue("test2"))

	g1.gauge.Inc()
	g2.gauge.Set(5)

	_, collected = srv.collect(t)
	require.Equal(t, "1", collected.GetValue("test1"))
	require.Equal(t, "5", collected.GetValue("test2"))
}

func TestMetricsConfiguration(t *testing.T) {
	r := metrics.NewRegistry()

	newTestGauge(t, r, "test1", metrics.WithGroup("group1"))
	newTestGauge(t, r, "test2", metrics.WithGroup("group1"), metrics.WithoutSubsystem())
	newTestGauge(t, r, "test3", metrics.WithGroup("group2"), metrics.WithoutSubsystem())
	newTestGauge(t, r, "test4", metrics.WithGroup("group2"))

	srv := newTestServer(t, r, []string{"test1", "group2"}, nil)
	defer srv.stop()

	described, collected := srv.collect(t)
	require.True(t, described.HasEntry("group1_test1", "gauge"))
	require.True(t, described.HasEntry("group2_test4", "gauge"))

	require.True(t, collected.HasEntry("group1_test1"), "group1_test1 collected")
	require.False(t, collected.HasEntry("test2"), "test2 not collected")
	require.True(t, collected.HasEntry("test3"), "test3 collected")
	require.True(t, collected.HasEntry("group2_test4"), "group2_test4 collected")

	_, err := r.NewGatherer(metrics.WithMetrics([]string{"group3"}, nil))
	require.Error(t, err, "unmatched glob")
}

func TestMetricsPolling(t *testing.T) {
	r := metrics.NewRegistry()

	p1 := newTestPolled(t, r, "test1", metrics.WithoutSubsystem())
	p2 := newTestPolled(t, r, "test2", metrics.WithoutSubsystem())

	clk := testclock.NewFakeClock(time.Now())
	srv := newTestServer(t, r, nil, []string{"*"},
		metrics.WithClock(clk),
		metrics.WithPollInterval(time.Second),
	)
	defer srv.stop()

	_, collected := srv.collect(t)
	require.Equal(t, "0", collected.GetValue("test1"))
	require.Equal(t, "0", collected.GetValue("test2"))

	p1.Set(2)
	p2.Set(7)

	_, collected = srv.collect(t)
	require.Equal(t, "0", collected.GetValue("test1"), "served from cache")
	require.Equal(t, "0", collected.GetValue("test2"), "served from cache")

	require.Eventually(t, clk.HasWaiters, time.Second, 10*time.Millisecond)
	clk.Step(metrics.MinPollInterval)

	require.Eventually(t, func() bool {
		_, collected = srv.collect(t)
		return collected.GetValue("test1") == "2" && collected.GetValue("test2") == "7"
	}, 5*time.Second, 20*time.Millisecond)
}

type testGauge struct {
	gauge prometheus.Gauge
}

func newTestGauge(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testGauge {
	g := &testGauge{
		gauge: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: name,
				Help: "Test gauge " + name,
			},
		),
	}
	require.NoError(t, r.Register(name, g.gauge, options...))
	return g
}

type testPolled struct {
	desc  *prometheus.Desc
	value atomic.Int64
}

func newTestPolled(t *testing.T, r *metrics.Registry, name string, options ...metrics.RegisterOption) *testPolled {
	p := &testPolled{
		desc: prometheus.NewDesc(name, "Help for metric "+name, nil, nil),
	}
	require.NoError(t, r.Register(name, p, options...))
	return p
}

func (p *testPolled) Describe(ch chan<- *prometheus.Desc) {
	ch <- p.desc
}

func (p *testPolled) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(p.desc, prometheus.GaugeValue, float64(p.value.Load()))
}

func (p *testPolled) Set(v int64) {
	p.value.Store(v)
}

type described []string

func (d described) HasEntry(name, kind string) bool {
	for _, e := range d {
		split := strings.Split(e, " ")
		if len(split) >= 2 && split[0] == name && split[1] == kind {
			return true
		}
	}
	return false
}

type collected []string

func (c collected) HasEntry(name string) bool {
	for _, e := range c {
		if strings.HasPrefix(e, "#") {
			continue
		}
		if split := strings.SplitN(e, " ", 2); split[0] == name {
			return true
		}
	}
	return false
}

func (c collected) GetValue(name string) string {
	for _, e := range c {
		if strings.HasPrefix(e, "#") {
			continue
		}
		if split := strings.SplitN(e, " ", 2); len(split) == 2 && split[0] == name {
			return split[1]
		}
	}
	return ""
}

type testServer struct {
	srv *httptest.Server
	g   *metrics.Gatherer
}

func newTestServer(t *testing.T, r *metrics.Registry, enabled, polled []string, options ...metrics.GathererOption) *testServer {
	g, err := r.NewGatherer(append([]metrics.GathererOption{metrics.WithMetrics(enabled, polled)}, options...)...)
	require.NoError(t, err)
	require.NotNil(t, g)

	handlerOpts := promhttp.HandlerOpts{
		ErrorLog:      slog.NewLogLogger(logger.Get("metrics-test").SlogHandler(), slog.LevelError),
		ErrorHandling: promhttp.PanicOnError,
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, handlerOpts))

	return &testServer{
		srv: httptest.NewServer(mux),
		g:   g,
	}
}

func (srv *testServer) collect(t *testing.T) (described, collected) {
	rpl, err := http.Get(srv.srv.URL + "/metrics")
	require.NoError(t, err)
	defer rpl.Body.Close()

	var (
		d described
		c collected
	)

	scanner := bufio.NewScanner(rpl.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if typ, ok := strings.CutPrefix(line, "# TYPE "); ok {
			d = append(d, typ)
		}
		c = append(c, line)
	}
	require.NoError(t, scanner.Err())

	return d, c
}

func (srv *testServer) stop() {
	srv.srv.Close()
	srv.g.Stop()
}
