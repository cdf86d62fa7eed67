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

// Package monitor ties MID allocation, bandwidth estimation and the
// per-CPU state of monitored clients together.
//
// Clients register a scope and the events they want to monitor. A client
// attached to a CPU gets its MID programmed on that CPU, and bandwidth
// clients get sampled periodically by the bandwidth worker of the CPU. When
// the rotation engine moves MIDs between groups, programmed CPUs follow.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
	"k8s.io/utils/cpuset"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1"
	"github.com/containers/mid-monitor/pkg/hw"
	"github.com/containers/mid-monitor/pkg/instrumentation/tracing"
	logger "github.com/containers/mid-monitor/pkg/log"
	"github.com/containers/mid-monitor/pkg/mbm"
	"github.com/containers/mid-monitor/pkg/mid"
)

var (
	ErrUnknownHandle = errors.New("monitor: unknown client handle")
	ErrInvalidCPU    = errors.New("monitor: invalid CPU")
	ErrInvalidEvent  = errors.New("monitor: event not monitored by client")
	ErrNotAttached   = errors.New("monitor: client not attached to CPU")
	ErrDegraded      = errors.New("monitor: MID allocation degraded")
	ErrInvalidOption = errors.New("monitor: invalid option")

	log = logger.Get("monitor")
)

// Topology describes the CPUs and sockets being monitored.
type Topology interface {
	mbm.Topology
	// Readers returns one online CPU per socket to read counters on.
	Readers() cpuset.CPUSet
	// OnlineCPUs returns the online CPUs.
	OnlineCPUs() cpuset.CPUSet
	// Refresh rediscovers the topology.
	Refresh() error
}

// Listener gets notified about client, group and MID changes.
type Listener interface {
	mid.Listener
	ClientAttached(g mid.GroupInfo, cpu int)
	ClientDetached(g mid.GroupInfo, cpu int)
}

// Monitor is the monitoring facade.
type Monitor struct {
	sync.Mutex
	hw       mid.Hardware
	topology Topology
	counters mid.CounterReader
	prog     mid.Programmer
	bcast    mid.Broadcaster
	clock    clock.WithTicker
	listener Listener
	cfg      cfgapi.MonitorConfig
	interval atomic.Int64
	alloc    *mid.Allocator
	est      *mbm.Estimator
	handles  map[mid.ClientID]*Handle
	cores    map[int]*core
}

// Handle is a registered monitoring client.
type Handle struct {
	client *mid.Client
	cores  map[int]struct{}
}

// Option is an option for a Monitor.
type Option func(*Monitor) error

// WithHardware sets the monitoring hardware description.
func WithHardware(hw mid.Hardware) Option {
	return func(m *Monitor) error {
		m.hw = hw
		return nil
	}
}

// WithTopology sets the CPU topology.
func WithTopology(t Topology) Option {
	return func(m *Monitor) error {
		m.topology = t
		return nil
	}
}

// WithCounterReader sets the hardware counter reader.
func WithCounterReader(r mid.CounterReader) Option {
	return func(m *Monitor) error {
		m.counters = r
		return nil
	}
}

// WithProgrammer sets the scheduling layer MIDs are programmed with.
func WithProgrammer(p mid.Programmer) Option {
	return func(m *Monitor) error {
		m.prog = p
		return nil
	}
}

// WithBroadcaster sets the broadcaster used to read counters.
func WithBroadcaster(b mid.Broadcaster) Option {
	return func(m *Monitor) error {
		m.bcast = b
		return nil
	}
}

// WithClock sets the clock of the monitor.
func WithClock(clk clock.WithTicker) Option {
	return func(m *Monitor) error {
		m.clock = clk
		return nil
	}
}

// WithListener sets a listener for client, group and MID changes.
func WithListener(l Listener) Option {
	return func(m *Monitor) error {
		m.listener = l
		return nil
	}
}

// WithConfig sets the tunables of the monitor.
func WithConfig(cfg *cfgapi.MonitorConfig) Option {
	return func(m *Monitor) error {
		if cfg == nil {
			return nil
		}
		c := *cfg
		c.SetDefaults()
		if err := c.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidOption, err)
		}
		m.cfg = c
		return nil
	}
}

// New creates a new monitor.
func New(options ...Option) (*Monitor, error) {
	m := &Monitor{
		prog:     nopProgrammer{},
		bcast:    &hw.InlineBroadcaster{},
		clock:    clock.RealClock{},
		listener: nopListener{},
		handles:  map[mid.ClientID]*Handle{},
		cores:    map[int]*core{},
	}
	m.cfg.SetDefaults()

	for _, o := range options {
		if err := o(m); err != nil {
			return nil, err
		}
	}

	if m.topology == nil {
		return nil, fmt.Errorf("%w: no topology", ErrInvalidOption)
	}
	if m.counters == nil {
		return nil, fmt.Errorf("%w: no counter reader", ErrInvalidOption)
	}

	est, err := mbm.NewEstimator(m.hw.MaxID, m.counters, m.topology,
		mbm.WithClock(m.clock),
		mbm.WithWindowSize(m.cfg.SlidingWindowSize),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create bandwidth estimator: %w", err)
	}
	m.est = est

	opts := []mid.Option{
		mid.WithClock(m.clock),
		mid.WithBroadcaster(m.bcast, m.topology.Readers()),
		mid.WithCounterReader(m.counters),
		mid.WithValueReader(m),
		mid.WithListener(m),
		mid.WithResetHook(est.Reset),
		mid.WithQueueTime(m.cfg.QueueTime.Duration),
		mid.WithRotationInterval(m.cfg.RotationInterval.Duration),
	}
	if bytes, ok := m.cfg.MaxRecycleThresholdBytes(); ok {
		opts = append(opts, mid.WithMaxRecycleThreshold(bytes))
	}

	alloc, err := mid.New(m.hw, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MID allocator: %w", err)
	}
	m.alloc = alloc
	m.interval.Store(int64(m.cfg.SampleInterval.Duration))

	return m, nil
}

// Allocator returns the MID allocator of the monitor.
func (m *Monitor) Allocator() *mid.Allocator {
	return m.alloc
}

// Estimator returns the bandwidth estimator of the monitor.
func (m *Monitor) Estimator() *mbm.Estimator {
	return m.est
}

// Run runs MID rotation until ctx is done.
func (m *Monitor) Run(ctx context.Context) {
	m.alloc.Run(ctx)
}

// Close detaches all clients from all CPUs, stopping bandwidth sampling.
func (m *Monitor) Close() {
	m.Lock()
	defer m.Unlock()

	for _, c := range m.cores {
		for len(c.users) > 0 {
			m.detach(c.users[len(c.users)-1], c)
		}
	}
}

// RegisterClient registers a client monitoring events of a scope.
func (m *Monitor) RegisterClient(scope mid.Scope, events ...mid.Event) (*Handle, error) {
	client, err := m.alloc.Register(scope, events...)
	if err != nil {
		return nil, err
	}

	h := &Handle{
		client: client,
		cores:  map[int]struct{}{},
	}

	m.Lock()
	m.handles[client.ID()] = h
	m.Unlock()

	return h, nil
}

// UnregisterClient detaches a client from all CPUs and unregisters it.
func (m *Monitor) UnregisterClient(h *Handle) error {
	m.Lock()
	if !m.isValid(h) {
		m.Unlock()
		return ErrUnknownHandle
	}
	for cpu := range h.cores {
		c := m.cores[cpu]
		for c.has(h) {
			m.detach(h, c)
		}
	}
	delete(m.handles, h.client.ID())
	m.Unlock()

	return m.alloc.Unregister(h.client)
}

// Attach marks a client running on a CPU.
func (m *Monitor) Attach(h *Handle, cpu int) error {
	m.Lock()
	defer m.Unlock()

	if !m.isValid(h) {
		return ErrUnknownHandle
	}
	if _, ok := m.topology.SocketOf(cpu); !ok {
		return fmt.Errorf("%w: #%d", ErrInvalidCPU, cpu)
	}

	c, ok := m.cores[cpu]
	if !ok {
		c = newCore(cpu, m.est, m.clock, time.Duration(m.interval.Load()))
		m.cores[cpu] = c
	}

	m.attach(h, c)

	return nil
}

// Detach marks a client no longer running on a CPU.
func (m *Monitor) Detach(h *Handle, cpu int) error {
	m.Lock()
	defer m.Unlock()

	if !m.isValid(h) {
		return ErrUnknownHandle
	}

	c, ok := m.cores[cpu]
	if !ok || !c.has(h) {
		return fmt.Errorf("%w: %s, CPU #%d", ErrNotAttached, h, cpu)
	}

	m.detach(h, c)

	return nil
}

// AttachedCPUs returns the CPUs a client is attached to.
func (m *Monitor) AttachedCPUs(h *Handle) cpuset.CPUSet {
	m.Lock()
	defer m.Unlock()

	if !m.isValid(h) {
		log.Error("AttachedCPUs: %v", ErrUnknownHandle)
		return cpuset.New()
	}

	cpus := make([]int, 0, len(h.cores))
	for cpu := range h.cores {
		cpus = append(cpus, cpu)
	}
	return cpuset.New(cpus...)
}

// Programmed returns the MID programmed on a CPU, and its use count.
func (m *Monitor) Programmed(cpu int) (mid.ID, int) {
	m.Lock()
	defer m.Unlock()

	if c, ok := m.cores[cpu]; ok {
		return c.programmed, len(c.users)
	}
	return 0, 0
}

// CurrentValue reads the current value of an event for a client. The MID of
// the client is read on all sockets and the result published as the cached
// value of the client's group. If the MID changes during the read, the read
// is discarded and the cached value returned. A client without a MID also
// gets the cached value.
func (m *Monitor) CurrentValue(ctx context.Context, h *Handle, e mid.Event) (uint64, error) {
	if !m.hasHandle(h) {
		log.Error("CurrentValue: %v", ErrUnknownHandle)
		return 0, ErrUnknownHandle
	}

	ctx, span := tracing.StartSpan(ctx, "monitor.CurrentValue",
		tracing.WithAttributes(
			tracing.ClientKey.Int64(int64(h.client.ID())),
			tracing.EventKey.String(e.String()),
		),
	)
	defer span.End()

	if !h.client.HasEvent(e) {
		err := fmt.Errorf("%w: %s, %s", ErrInvalidEvent, h, e)
		span.SetStatus(err)
		return 0, err
	}

	id := h.client.MID()
	if !id.Valid() {
		return h.client.CachedValue(e), nil
	}

	span.SetAttributes(tracing.MID(tracing.MIDKey, uint32(id)))

	value, err := m.ReadValue(ctx, id, e)
	if err != nil {
		span.SetStatus(err)
		return h.client.CachedValue(e), err
	}

	if !h.client.Publish(id, e, value) {
		span.AddEvent("stale-read", tracing.MID(tracing.MIDKey, uint32(h.client.MID())))
		m.alloc.CountStaleRead()
		log.Debug("%s: discarded stale %s read of MID #%d", h, e, id)
		return h.client.CachedValue(e), nil
	}

	return value, nil
}

// CachedValue returns the last value published for an event of a client.
// Unknown handles are logged and read as zero.
func (m *Monitor) CachedValue(h *Handle, e mid.Event) uint64 {
	if !m.hasHandle(h) {
		log.Error("CachedValue: %v", ErrUnknownHandle)
		return 0
	}
	return h.client.CachedValue(e)
}

// ReadValue reads the current value of an event for a MID, summed across
// sockets. Occupancy is read from the hardware, bandwidth is the sum of the
// per-socket estimated rates.
func (m *Monitor) ReadValue(ctx context.Context, id mid.ID, e mid.Event) (uint64, error) {
	if !e.IsBandwidth() {
		return m.alloc.ReadValue(ctx, id, e)
	}

	var sum uint64
	for _, cpu := range m.topology.Readers().List() {
		sum += m.est.Average(cpu, id, e)
	}
	return sum, nil
}

// SetMaxRecycleThreshold sets the maximum recycling threshold in bytes.
func (m *Monitor) SetMaxRecycleThreshold(bytes uint64) {
	m.alloc.SetMaxRecycleThreshold(bytes)
}

// SetSlidingWindowSize sets the bandwidth averaging window size.
func (m *Monitor) SetSlidingWindowSize(n int) error {
	return m.est.SetWindowSize(n)
}

// SetSampleInterval sets the bandwidth sampling interval of CPUs which
// start sampling afterwards.
func (m *Monitor) SetSampleInterval(d time.Duration) error {
	if d < mbm.MinInterval {
		return fmt.Errorf("%w: sample interval %s below %s", ErrInvalidOption, d, mbm.MinInterval)
	}
	m.interval.Store(int64(d))
	return nil
}

// Reconfigure applies changed tunables. The rotation interval and queue
// time only take effect on restart.
func (m *Monitor) Reconfigure(cfg *cfgapi.MonitorConfig) error {
	c := *cfg
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return err
	}

	if err := m.SetSlidingWindowSize(c.SlidingWindowSize); err != nil {
		return err
	}
	if err := m.SetSampleInterval(c.SampleInterval.Duration); err != nil {
		return err
	}

	bytes, ok := c.MaxRecycleThresholdBytes()
	if !ok {
		bytes = m.hw.DefaultMaxRecycleThreshold()
	}
	m.SetMaxRecycleThreshold(bytes)

	if c.RotationInterval != m.cfg.RotationInterval || c.QueueTime != m.cfg.QueueTime {
		log.Warn("changed rotation interval or queue time takes effect after restart")
	}

	m.Lock()
	m.cfg.SlidingWindowSize = c.SlidingWindowSize
	m.cfg.SampleInterval = c.SampleInterval
	m.cfg.MaxRecycleThreshold = c.MaxRecycleThreshold
	m.Unlock()

	log.Info("reconfigured: window %d, sample interval %s, max recycle threshold %d bytes",
		c.SlidingWindowSize, c.SampleInterval.Duration, bytes)

	return nil
}

// RefreshTopology rediscovers the topology and reselects counter readers.
func (m *Monitor) RefreshTopology() error {
	_, span := tracing.StartSpan(context.Background(), "monitor.RefreshTopology")
	defer span.End()

	layout := m.socketLayout()
	if err := m.topology.Refresh(); err != nil {
		span.SetStatus(err)
		return err
	}

	readers := m.topology.Readers()
	span.SetAttributes(
		tracing.SocketsKey.Int(m.topology.Sockets()),
		tracing.ReadersKey.String(readers.String()),
	)

	if !m.sameSocketLayout(layout) {
		span.AddEvent("reshard")
		if err := m.est.Reshard(); err != nil {
			span.SetStatus(err)
			return err
		}
	}

	return m.alloc.SetReaders(readers)
}

// socketLayout returns the socket index of every online CPU.
func (m *Monitor) socketLayout() map[int]int {
	layout := map[int]int{}
	for _, cpu := range m.topology.OnlineCPUs().List() {
		if socket, ok := m.topology.SocketOf(cpu); ok {
			layout[cpu] = socket
		}
	}
	return layout
}

// sameSocketLayout returns true if the sockets of the topology still map
// to the sample tables the way they did with the given layout.
func (m *Monitor) sameSocketLayout(layout map[int]int) bool {
	if m.topology.Sockets() != m.est.Sockets() {
		return false
	}
	for cpu, socket := range layout {
		if s, ok := m.topology.SocketOf(cpu); ok && s != socket {
			return false
		}
	}
	return true
}

// GroupCreated implements mid.Listener.
func (m *Monitor) GroupCreated(g mid.GroupInfo) {
	m.listener.GroupCreated(g)
}

// GroupDestroyed implements mid.Listener.
func (m *Monitor) GroupDestroyed(g mid.GroupInfo) {
	m.listener.GroupDestroyed(g)
}

// MIDChanged implements mid.Listener, reprogramming CPUs running members
// of the group.
func (m *Monitor) MIDChanged(g mid.GroupInfo, old, new mid.ID) {
	m.Lock()
	for _, c := range m.cores {
		if c.runs(g.ID) {
			m.program(c)
		}
	}
	m.Unlock()

	m.listener.MIDChanged(g, old, new)
}

func (m *Monitor) hasHandle(h *Handle) bool {
	m.Lock()
	defer m.Unlock()
	return m.isValid(h)
}

func (m *Monitor) isValid(h *Handle) bool {
	if h == nil || h.client == nil {
		return false
	}
	return m.handles[h.client.ID()] == h
}

func (m *Monitor) attach(h *Handle, c *core) {
	first := !c.has(h)
	c.attach(h)
	h.cores[c.cpu] = struct{}{}
	m.program(c)
	if first && h.client.HasBandwidthEvents() {
		c.worker.Add(h.client)
	}
	m.listener.ClientAttached(m.groupInfo(h), c.cpu)
}

func (m *Monitor) detach(h *Handle, c *core) {
	c.detach(h)
	if !c.has(h) {
		delete(h.cores, c.cpu)
		if h.client.HasBandwidthEvents() {
			c.worker.Remove(h.client)
		}
	}
	m.program(c)
	m.listener.ClientDetached(m.groupInfo(h), c.cpu)
}

func (m *Monitor) program(c *core) {
	if id, changed := c.reprogram(); changed {
		log.Debug("CPU #%d: programming MID #%d", c.cpu, id)
		m.prog.Program(c.cpu, id)
	}
}

func (m *Monitor) groupInfo(h *Handle) mid.GroupInfo {
	return mid.GroupInfo{
		ID:    h.client.Group(),
		Scope: h.client.Scope(),
		MID:   h.client.MID(),
	}
}

// Client returns the allocator client of the handle.
func (h *Handle) Client() *mid.Client {
	return h.client
}

func (h *Handle) String() string {
	return h.client.String()
}

type nopProgrammer struct{}

func (nopProgrammer) Program(int, mid.ID) {}

type nopListener struct{}

func (nopListener) GroupCreated(mid.GroupInfo)               {}
func (nopListener) GroupDestroyed(mid.GroupInfo)             {}
func (nopListener) MIDChanged(mid.GroupInfo, mid.ID, mid.ID) {}
func (nopListener) ClientAttached(mid.GroupInfo, int)        {}
func (nopListener) ClientDetached(mid.GroupInfo, int)        {}
