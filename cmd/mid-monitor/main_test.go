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

package main

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1"
	"github.com/containers/mid-monitor/pkg/mid"
)

func TestGetOptions(t *testing.T) {
	t.Setenv(EnvConfigFile, "/tmp/env.yaml")

	opts, err := GetOptions(nil)
	require.NoError(t, err)
	require.Equal(t, "/tmp/env.yaml", opts.ConfigFile)
	require.Equal(t, DefaultReportInterval, opts.ReportInterval)
	require.False(t, opts.PinReaders)

	opts, err = GetOptions([]string{"-config", "/tmp/flag.yaml", "-report-interval", "1s", "-pin-readers"})
	require.NoError(t, err)
	require.Equal(t, "/tmp/flag.yaml", opts.ConfigFile)
	require.Equal(t, time.Second, opts.ReportInterval)
	require.True(t, opts.PinReaders)

	_, err = GetOptions([]string{"extra"})
	require.Error(t, err)
	_, err = GetOptions([]string{"-report-interval", "-1s"})
	require.Error(t, err)
}

func TestDaemon(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadConfig(filepath.Join(dir, "missing.yaml"))
	require.NoError(t, err)
	cfg.Spec.Simulation.Workloads = []cfgapi.Workload{
		{
			Name:      "web",
			Scope:     "cgroup",
			Cgroup:    "/web",
			Events:    []string{"llc_occupancy", "total_bw"},
			CPUs:      "0,4",
			CacheRate: 100,
			Bandwidth: 1000,
		},
		{
			Name:   "batch",
			Scope:  "task",
			Task:   42,
			Cgroup: "/batch",
			Events: []string{"local_bw"},
			CPUs:   "5",
		},
	}
	require.NoError(t, cfg.Validate())

	d, err := newDaemon(cfg, &Options{
		ConfigFile:     filepath.Join(dir, "config.yaml"),
		ReportInterval: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, d.workloads, 2)

	web := d.workloads[0].h
	require.True(t, web.Client().MID().Valid())
	require.Equal(t, web.Client().MID(), d.machine.Programmed(0))
	id, users := d.mon.Programmed(4)
	require.Equal(t, web.Client().MID(), id)
	require.Equal(t, 1, users)

	next := *cfg
	next.Spec.Monitor.SlidingWindowSize = 30
	next.Spec.Simulation.MaxMID = 3
	d.reconfigure(&next)
	require.Equal(t, 30, d.mon.Estimator().WindowSize())
	require.Equal(t, cfg.Spec.Simulation.MaxMID, d.cfg.Spec.Simulation.MaxMID)

	ctx, cancel := context.WithCancel(context.Background())
	errC := make(chan error, 1)
	go func() {
		errC <- d.run(ctx)
	}()

	time.Sleep(300 * time.Millisecond)
	cancel()

	select {
	case err := <-errC:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		require.FailNow(t, "daemon did not stop")
	}

	require.Empty(t, d.workloads)
	id, _ = d.mon.Programmed(0)
	require.Equal(t, mid.ID(0), id)
}
