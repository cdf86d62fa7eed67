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
	"errors"
	"fmt"
	"time"

	"github.com/google/go-cmp/cmp"
	"golang.org/x/sync/errgroup"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1"
	"github.com/containers/mid-monitor/pkg/config"
	"github.com/containers/mid-monitor/pkg/healthz"
	"github.com/containers/mid-monitor/pkg/hw"
	"github.com/containers/mid-monitor/pkg/hw/sim"
	"github.com/containers/mid-monitor/pkg/instrumentation"
	logger "github.com/containers/mid-monitor/pkg/log"
	"github.com/containers/mid-monitor/pkg/metrics"
	"github.com/containers/mid-monitor/pkg/metrics/collectors"
	"github.com/containers/mid-monitor/pkg/mid"
	"github.com/containers/mid-monitor/pkg/monitor"
	"github.com/containers/mid-monitor/pkg/sysfs"
	"github.com/containers/mid-monitor/pkg/udev"
)

// daemon runs the monitor on simulated hardware with the configured
// workloads.
type daemon struct {
	opts      *Options
	cfg       *cfgapi.MidMonitor
	machine   *sim.Machine
	mon       *monitor.Monitor
	instr     *instrumentation.Service
	pinned    *hw.PinnedBroadcaster
	workloads []*workload
}

type workload struct {
	name   string
	h      *monitor.Handle
	events []mid.Event
}

func newDaemon(cfg *cfgapi.MidMonitor, opts *Options) (*daemon, error) {
	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		return nil, fmt.Errorf("failed to configure logging: %w", err)
	}

	d := &daemon{
		opts: opts,
		cfg:  cfg,
	}

	sc := &cfg.Spec.Simulation
	topology, err := d.topology()
	if err != nil {
		return nil, fmt.Errorf("failed to set up topology: %w", err)
	}

	sockets := map[int]int{}
	for _, cpu := range topology.OnlineCPUs().List() {
		sockets[cpu], _ = topology.SocketOf(cpu)
	}

	d.machine, err = sim.New(sc.Hardware(), sockets, sim.WithHalfLife(sc.HalfLife.Duration))
	if err != nil {
		return nil, fmt.Errorf("failed to set up simulated hardware: %w", err)
	}

	options := []monitor.Option{
		monitor.WithHardware(d.machine.Hardware()),
		monitor.WithTopology(topology),
		monitor.WithCounterReader(d.machine),
		monitor.WithProgrammer(d.machine),
		monitor.WithConfig(&cfg.Spec.Monitor),
	}
	if opts.PinReaders {
		d.pinned = hw.NewPinnedBroadcaster()
		options = append(options, monitor.WithBroadcaster(d.pinned))
	}

	d.mon, err = monitor.New(options...)
	if err != nil {
		return nil, err
	}

	if err := d.mon.RegisterMetrics(metrics.Default()); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}
	if err := collectors.RegisterTopology(metrics.Default(), d.machine.Hardware(), topology); err != nil {
		return nil, fmt.Errorf("failed to register topology metrics: %w", err)
	}
	if err := d.mon.RegisterHealthChecker(healthz.Default()); err != nil {
		return nil, fmt.Errorf("failed to register health check: %w", err)
	}

	d.instr = instrumentation.New(&cfg.Spec.Instrumentation)

	if err := d.startWorkloads(); err != nil {
		d.stopWorkloads()
		return nil, err
	}

	return d, nil
}

func (d *daemon) topology() (sysfs.System, error) {
	if d.opts.DiscoverCPUs {
		return sysfs.DiscoverSystem()
	}

	packages, err := d.cfg.Spec.Simulation.PackageCPUs()
	if err != nil {
		return nil, err
	}
	return sysfs.NewSystem(packages)
}

func (d *daemon) startWorkloads() error {
	for _, w := range d.cfg.Spec.Simulation.Workloads {
		scope, err := w.MidScope()
		if err != nil {
			return err
		}
		events, err := w.MidEvents()
		if err != nil {
			return err
		}
		cpus, err := w.CPUSet()
		if err != nil {
			return err
		}

		h, err := d.mon.RegisterClient(scope, events...)
		if err != nil {
			return fmt.Errorf("workload %s: %w", w.Name, err)
		}
		d.workloads = append(d.workloads, &workload{
			name:   w.Name,
			h:      h,
			events: events,
		})

		for _, cpu := range cpus.List() {
			if err := d.mon.Attach(h, cpu); err != nil {
				return fmt.Errorf("workload %s: %w", w.Name, err)
			}
			d.machine.SetLoad(cpu, sim.Load{
				CacheRate:    w.CacheRate,
				Bandwidth:    w.Bandwidth,
				LocalPercent: w.LocalPercent,
			})
		}

		log.Info("started workload %s (%s) on CPUs %s", w.Name, h, cpus)
	}

	return nil
}

func (d *daemon) stopWorkloads() {
	for _, w := range d.workloads {
		if err := d.mon.UnregisterClient(w.h); err != nil {
			log.Error("failed to stop workload %s: %v", w.name, err)
		}
	}
	d.workloads = nil

	d.mon.Close()
	if d.pinned != nil {
		d.pinned.Close()
	}
}

func (d *daemon) run(ctx context.Context) error {
	defer d.stopWorkloads()

	if err := d.instr.Start(); err != nil {
		return fmt.Errorf("failed to start instrumentation: %w", err)
	}
	defer d.instr.Stop()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		d.mon.Run(ctx)
		return nil
	})
	g.Go(func() error {
		return d.report(ctx)
	})
	g.Go(func() error {
		return d.watchConfig(ctx)
	})
	if d.opts.DiscoverCPUs {
		g.Go(func() error {
			return d.watchHotplug(ctx)
		})
	}

	return g.Wait()
}

// watchHotplug follows CPUs going online and offline.
func (d *daemon) watchHotplug(ctx context.Context) error {
	m, err := udev.NewMonitor(udev.WithFilters(monitor.HotplugFilters...))
	if err != nil {
		log.Warn("not following CPU hotplug: %v", err)
		return nil
	}

	events := make(chan *udev.Event, 16)
	m.Start(events)

	go func() {
		<-ctx.Done()
		if err := m.Stop(); err != nil {
			log.Warn("failed to stop udev monitor: %v", err)
		}
	}()

	d.mon.WatchHotplug(ctx, events)

	return nil
}

// report periodically logs the current values of all workloads.
func (d *daemon) report(ctx context.Context) error {
	if d.opts.ReportInterval == 0 {
		return nil
	}

	ticker := time.NewTicker(d.opts.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		for _, w := range d.workloads {
			for _, e := range w.events {
				value, err := d.mon.CurrentValue(ctx, w.h, e)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Warn("workload %s: failed to read %s: %v", w.name, e, err)
				}
				log.Info("workload %s: %s %d (MID %s)", w.name, e, value, w.h.Client().MID())
			}
		}
	}
}

func (d *daemon) watchConfig(ctx context.Context) error {
	w, err := config.WatchFile(d.opts.ConfigFile)
	if err != nil {
		log.Warn("not watching configuration %s: %v", d.opts.ConfigFile, err)
		return nil
	}
	defer w.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-w.ResultChan():
			if !ok {
				return nil
			}
			switch e.Type {
			case config.Added, config.Modified:
				d.reconfigure(e.Config)
			case config.Deleted:
				log.Warn("configuration %s removed, keeping current one", d.opts.ConfigFile)
			case config.Error:
				log.Error("configuration watch failed: %v", e.Err)
				return nil
			}
		}
	}
}

// reconfigure applies a changed configuration. Simulation changes only
// take effect after a restart.
func (d *daemon) reconfigure(cfg *cfgapi.MidMonitor) {
	old := d.cfg
	if cmp.Equal(old.Spec, cfg.Spec) {
		log.Debug("configuration unchanged")
		return
	}

	if !cmp.Equal(old.Spec.Simulation, cfg.Spec.Simulation) {
		log.Warn("changed simulation configuration takes effect after restart")
	}

	if err := logger.Configure(&cfg.Spec.Log); err != nil {
		log.Error("failed to reconfigure logging: %v", err)
	}

	if err := d.mon.Reconfigure(&cfg.Spec.Monitor); err != nil {
		log.Error("failed to reconfigure monitor: %v", err)
	}

	if !cmp.Equal(old.Spec.Instrumentation, cfg.Spec.Instrumentation) {
		if err := d.instr.Reconfigure(&cfg.Spec.Instrumentation); err != nil {
			log.Error("failed to reconfigure instrumentation: %v", err)
		}
	}

	next := *cfg
	next.Spec.Simulation = old.Spec.Simulation
	d.cfg = &next
}
