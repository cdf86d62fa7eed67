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
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"k8s.io/utils/clock"
	"k8s.io/utils/cpuset"
)

const (
	// DefaultQueueTime is the default minimum time a MID spends in Limbo.
	DefaultQueueTime = 250 * time.Millisecond
	// DefaultRotationInterval is the default interval of periodic rotation.
	DefaultRotationInterval = 250 * time.Millisecond
)

// Allocator assigns MIDs to monitoring groups and rotates them among
// groups when there are more groups than MIDs, or when groups conflict.
type Allocator struct {
	// mu is the pool lock. It serializes all pool and group mutation.
	mu sync.Mutex

	hw       Hardware
	reg      *Registry
	pool     *Pool
	clock    clock.WithTicker
	bcast    Broadcaster
	readers  atomic.Pointer[cpuset.CPUSet]
	counters CounterReader
	values   ValueReader
	listener Listener
	reset    func(ID)

	queueTime    time.Duration
	interval     time.Duration
	maxThreshold uint64
	threshold    uint64
	reserve      ID

	groups     map[GroupID]*group
	order      []*group
	nextGroup  GroupID
	nextClient ClientID

	kick    chan struct{}
	pending []func()

	rotations    atomic.Uint64
	steals       atomic.Uint64
	raises       atomic.Uint64
	evictions    atomic.Uint64
	staleReads   atomic.Uint64
	lastRotation atomic.Int64
}

// Option is an opaque option for an Allocator.
type Option func(*Allocator) error

// WithClock sets the clock used for quarantine timing and rotation.
func WithClock(clk clock.WithTicker) Option {
	return func(a *Allocator) error {
		if clk == nil {
			return fmt.Errorf("%w: nil clock", ErrInvalidOption)
		}
		a.clock = clk
		return nil
	}
}

// WithBroadcaster sets the broadcaster and the reader CPUs, one per socket,
// used to read counters.
func WithBroadcaster(b Broadcaster, readers cpuset.CPUSet) Option {
	return func(a *Allocator) error {
		if b == nil {
			return fmt.Errorf("%w: nil broadcaster", ErrInvalidOption)
		}
		if readers.IsEmpty() {
			return fmt.Errorf("%w: no reader CPUs", ErrInvalidOption)
		}
		a.bcast = b
		a.readers.Store(&readers)
		return nil
	}
}

// WithCounterReader sets the hardware counter reader.
func WithCounterReader(r CounterReader) Option {
	return func(a *Allocator) error {
		if r == nil {
			return fmt.Errorf("%w: nil counter reader", ErrInvalidOption)
		}
		a.counters = r
		return nil
	}
}

// WithValueReader sets the reader used to read the values of a group
// before its MID is revoked. By default raw counters are summed across
// the reader CPUs.
func WithValueReader(r ValueReader) Option {
	return func(a *Allocator) error {
		a.values = r
		return nil
	}
}

// WithListener sets the listener notified of group and MID changes.
func WithListener(l Listener) Option {
	return func(a *Allocator) error {
		if l == nil {
			l = nopListener{}
		}
		a.listener = l
		return nil
	}
}

// WithResetHook sets the function called to clear sample data of a MID
// whenever it leaves or enters active use.
func WithResetHook(fn func(ID)) Option {
	return func(a *Allocator) error {
		a.reset = fn
		return nil
	}
}

// WithQueueTime sets the minimum time a released MID spends in Limbo.
func WithQueueTime(d time.Duration) Option {
	return func(a *Allocator) error {
		if d < 0 {
			return fmt.Errorf("%w: negative queue time %s", ErrInvalidOption, d)
		}
		a.queueTime = d
		return nil
	}
}

// WithRotationInterval sets the interval of periodic rotation.
func WithRotationInterval(d time.Duration) Option {
	return func(a *Allocator) error {
		if d <= 0 {
			return fmt.Errorf("%w: invalid rotation interval %s", ErrInvalidOption, d)
		}
		a.interval = d
		return nil
	}
}

// WithMaxRecycleThreshold sets the maximum recycling threshold in bytes.
func WithMaxRecycleThreshold(bytes uint64) Option {
	return func(a *Allocator) error {
		a.maxThreshold = bytes
		return nil
	}
}

// New creates an allocator for the given hardware.
func New(hw Hardware, options ...Option) (*Allocator, error) {
	reg, err := NewRegistry(hw.MaxID)
	if err != nil {
		return nil, err
	}

	if hw.Scale == 0 {
		hw.Scale = 1
	}

	a := &Allocator{
		hw:           hw,
		reg:          reg,
		clock:        clock.RealClock{},
		bcast:        localBroadcaster{},
		listener:     nopListener{},
		reset:        func(ID) {},
		queueTime:    DefaultQueueTime,
		interval:     DefaultRotationInterval,
		maxThreshold: hw.DefaultMaxRecycleThreshold(),
		groups:       map[GroupID]*group{},
		kick:         make(chan struct{}, 1),
	}

	defaultReaders := cpuset.New(0)
	a.readers.Store(&defaultReaders)

	for _, o := range options {
		if err := o(a); err != nil {
			return nil, err
		}
	}

	if a.counters == nil {
		return nil, fmt.Errorf("%w: no counter reader", ErrInvalidOption)
	}
	if a.values == nil {
		a.values = a
	}

	a.pool = NewPool(reg, a.clock, a.reset)
	a.setReserve(a.pool.Acquire())

	log.Info("MID allocator with %d MIDs, max recycle threshold %d bytes (%d units)",
		reg.Count(), a.maxThreshold, a.thresholdLimit())

	return a, nil
}

// Hardware returns the hardware description of the allocator.
func (a *Allocator) Hardware() Hardware {
	return a.hw
}

// Readers returns the reader CPUs of the allocator.
func (a *Allocator) Readers() cpuset.CPUSet {
	return *a.readers.Load()
}

// SetReaders changes the reader CPUs, for instance when a reader goes
// offline. Reads already in progress finish on the old readers.
func (a *Allocator) SetReaders(readers cpuset.CPUSet) error {
	if readers.IsEmpty() {
		return fmt.Errorf("%w: no reader CPUs", ErrInvalidOption)
	}
	a.readers.Store(&readers)
	log.Info("counter reader CPUs set to %s", readers.String())
	return nil
}

// Register registers a client monitoring the given events of a scope. The
// client joins a compatible group if one exists. Otherwise a new group is
// created and assigned a free MID if it conflicts with no active group.
// Registration never waits for a MID to become available.
func (a *Allocator) Register(scope Scope, events ...Event) (*Client, error) {
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrNoEvents, scope)
	}
	for _, e := range events {
		if e < 0 || int(e) >= NumEvents {
			return nil, fmt.Errorf("%w: unknown event %d", ErrNoEvents, int(e))
		}
	}

	a.lock()
	defer a.unlock()

	a.nextClient++
	c := &Client{
		id:     a.nextClient,
		scope:  scope,
		events: append([]Event(nil), events...),
	}

	g := a.findCompatible(scope)
	if g == nil {
		a.nextGroup++
		g = newGroup(a.nextGroup, scope, a.clock.Now())
		a.groups[g.id] = g
		a.order = append(a.order, g)

		if !a.conflictsWithActive(g) {
			if id := a.pool.Acquire(); id.Valid() {
				a.assign(g, id)
			}
		}

		info := g.info()
		a.notify(func() { a.listener.GroupCreated(info) })

		if !g.hasMID() {
			log.Debug("%s waiting for a MID", g)
			a.notify(a.Kick)
		} else {
			log.Debug("%s created", g)
		}
	}

	c.group = g
	g.members[c.id] = c

	return c, nil
}

// Unregister removes a client. The last client of a group destroys the
// group and releases its MID.
func (a *Allocator) Unregister(c *Client) error {
	if c == nil || c.group == nil {
		return fmt.Errorf("%w: nil client", ErrUnknownClient)
	}

	a.lock()
	defer a.unlock()

	g := c.group
	if a.groups[g.id] != g {
		return fmt.Errorf("%w: %s", ErrUnknownClient, c)
	}
	if _, ok := g.members[c.id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownClient, c)
	}

	delete(g.members, c.id)
	if len(g.members) > 0 {
		return nil
	}

	info := g.info()
	if id := g.exchange(InvalidID, nil); id.Valid() {
		a.pool.Release(id)
	}

	delete(a.groups, g.id)
	for i, o := range a.order {
		if o == g {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}

	log.Debug("%s destroyed", info)
	a.notify(func() { a.listener.GroupDestroyed(info) })

	return nil
}

// Kick requests a rotation as soon as possible. Multiple requests before
// the next rotation are coalesced into one.
func (a *Allocator) Kick() {
	select {
	case a.kick <- struct{}{}:
	default:
	}
}

// Run runs periodic rotation until the context is canceled.
func (a *Allocator) Run(ctx context.Context) {
	ticker := a.clock.NewTicker(a.interval)
	defer ticker.Stop()

	log.Info("starting MID rotation with %s interval", a.interval)

	for {
		select {
		case <-ctx.Done():
			log.Info("stopping MID rotation")
			return
		case <-ticker.C():
			a.Rotate(ctx)
		case <-a.kick:
			a.Rotate(ctx)
		}
	}
}

// SetMaxRecycleThreshold sets the maximum recycling threshold in bytes.
// The new maximum takes effect immediately.
func (a *Allocator) SetMaxRecycleThreshold(bytes uint64) {
	a.lock()
	defer a.unlock()

	a.maxThreshold = bytes
	if limit := a.thresholdLimit(); a.threshold > limit {
		a.threshold = limit
	}

	if a.reserve.Valid() {
		r := &a.reg.records[a.reserve]
		if r.dirtiness > a.threshold {
			log.Info("demoting reserve MID #%d (dirtiness %d > threshold %d)",
				r.id, r.dirtiness, a.threshold)
			a.pool.Release(r.id)
			a.reserve = InvalidID
		}
	}
	if !a.reserve.Valid() {
		a.refillReserve()
	}

	log.Info("max recycle threshold set to %d bytes (%d units)", bytes, a.thresholdLimit())
}

// MaxRecycleThreshold returns the maximum recycling threshold in bytes.
func (a *Allocator) MaxRecycleThreshold() uint64 {
	a.lock()
	defer a.unlock()
	return a.maxThreshold
}

// Threshold returns the current dirtiness threshold in hardware scale units.
func (a *Allocator) Threshold() uint64 {
	a.lock()
	defer a.unlock()
	return a.threshold
}

// Reserve returns the current reserve MID, or InvalidID.
func (a *Allocator) Reserve() ID {
	a.lock()
	defer a.unlock()
	return a.reserve
}

// Record returns a copy of the record of the given MID.
func (a *Allocator) Record(id ID) (Record, bool) {
	a.lock()
	defer a.unlock()

	r, ok := a.reg.Lookup(id)
	if !ok {
		return Record{}, false
	}
	return *r, true
}

// Pool returns the Free and Limbo queues, oldest first.
func (a *Allocator) Pool() (free, limbo []ID) {
	a.lock()
	defer a.unlock()
	return a.pool.Free(), a.pool.Limbo()
}

// Groups returns information about all groups in rotation order.
func (a *Allocator) Groups() []GroupInfo {
	a.lock()
	defer a.unlock()

	infos := make([]GroupInfo, 0, len(a.order))
	for _, g := range a.order {
		infos = append(infos, g.info())
	}
	return infos
}

// Stats is a snapshot of allocator state and activity.
type Stats struct {
	MIDs            int
	Free            int
	Limbo           int
	Active          int
	Reserve         int
	Groups          int
	Waiting         int
	Threshold       uint64
	ThresholdLimit  uint64
	Rotations       uint64
	Steals          uint64
	ThresholdRaises uint64
	Evictions       uint64
	StaleReads      uint64
	LastRotation    time.Time
}

// Stats returns a snapshot of allocator state and activity.
func (a *Allocator) Stats() Stats {
	a.lock()
	defer a.unlock()

	s := Stats{
		MIDs:            a.reg.Count(),
		Free:            a.pool.FreeCount(),
		Limbo:           a.pool.LimboCount(),
		Groups:          len(a.order),
		Threshold:       a.threshold,
		ThresholdLimit:  a.thresholdLimit(),
		Rotations:       a.rotations.Load(),
		Steals:          a.steals.Load(),
		ThresholdRaises: a.raises.Load(),
		Evictions:       a.evictions.Load(),
		StaleReads:      a.staleReads.Load(),
	}
	if a.reserve.Valid() {
		s.Reserve = 1
	}
	for _, g := range a.order {
		if g.hasMID() {
			s.Active++
		} else {
			s.Waiting++
		}
	}
	if ns := a.lastRotation.Load(); ns != 0 {
		s.LastRotation = time.Unix(0, ns)
	}

	return s
}

// CountStaleRead records a query result discarded because the MID of
// the group changed while it was being read.
func (a *Allocator) CountStaleRead() {
	a.staleReads.Add(1)
}

// ReadValue reads the raw counter of an event for a MID on every reader
// CPU and returns the sum of all valid readings. It fails only if none of
// the readings is valid.
func (a *Allocator) ReadValue(ctx context.Context, id ID, e Event) (uint64, error) {
	if !id.Valid() {
		return 0, fmt.Errorf("%w: %s", ErrNotAssigned, id)
	}

	var (
		sum   atomic.Uint64
		valid atomic.Int32
	)

	err := a.bcast.Broadcast(ctx, a.Readers(), func(cpu int) {
		r := a.counters.ReadCounter(cpu, id, e)
		if !r.Valid() {
			return
		}
		sum.Add(r.Value)
		valid.Add(1)
	})
	if err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBroadcast, err)
	}
	if valid.Load() == 0 {
		return 0, fmt.Errorf("%w: no valid %s readings for MID #%d", ErrBroadcast, e, id)
	}

	return sum.Load(), nil
}

func (a *Allocator) lock() {
	a.mu.Lock()
}

// unlock releases the pool lock, then delivers any notifications queued
// while it was held.
func (a *Allocator) unlock() {
	pending := a.pending
	a.pending = nil
	a.mu.Unlock()

	for _, fn := range pending {
		fn()
	}
}

func (a *Allocator) notify(fn func()) {
	a.pending = append(a.pending, fn)
}

func (a *Allocator) thresholdLimit() uint64 {
	return a.maxThreshold / a.hw.Scale
}

func (a *Allocator) findCompatible(scope Scope) *group {
	for _, g := range a.order {
		if Compatible(g.scope, scope) {
			return g
		}
	}
	return nil
}

// conflictsWithActive returns true if g conflicts with any other group
// currently holding a MID.
func (a *Allocator) conflictsWithActive(g *group) bool {
	for _, o := range a.order {
		if o == g || !o.hasMID() {
			continue
		}
		if Conflicts(o.scope, g.scope) {
			return true
		}
	}
	return false
}

func (a *Allocator) setReserve(id ID) {
	a.reserve = id
	if r, ok := a.lookup(id); ok {
		r.state = StateReserve
		r.owner = NoGroup
	}
}

// refillReserve takes a new reserve from the Free queue. Free MIDs last
// measured dirtier than the threshold limit were recycled under a higher
// maximum and go back to Limbo to be measured again.
func (a *Allocator) refillReserve() {
	limit := a.thresholdLimit()
	for !a.reserve.Valid() {
		id := a.pool.Acquire()
		if !id.Valid() {
			return
		}
		r := &a.reg.records[id]
		if r.dirtiness > limit {
			log.Debug("requeueing free MID #%d (dirtiness %d > limit %d)", id, r.dirtiness, limit)
			a.pool.Release(id)
			continue
		}
		a.setReserve(id)
		if a.threshold < r.dirtiness {
			a.threshold = r.dirtiness
		}
	}
}

func (a *Allocator) lookup(id ID) (*Record, bool) {
	if !id.Valid() {
		return nil, false
	}
	return a.reg.Lookup(id)
}

// assign hands a MID to a group without one.
func (a *Allocator) assign(g *group, id ID) {
	r, ok := a.lookup(id)
	if !ok {
		return
	}
	r.state = StateActive
	r.recycle = RecycleYoung
	r.owner = g.id

	old := g.exchange(id, nil)
	if old.Valid() {
		log.Error("internal error: %s already had MID #%d", g, old)
	}

	info := g.info()
	a.notify(func() { a.listener.MIDChanged(info, old, id) })
}

// revoke takes away the MID of a group, reading its values first, and
// releases the MID to Limbo.
func (a *Allocator) revoke(ctx context.Context, g *group) {
	id := g.getMID()
	if !id.Valid() {
		return
	}

	values := map[Event]uint64{}
	for _, e := range g.events() {
		v, err := a.values.ReadValue(ctx, id, e)
		if err != nil {
			log.Warn("failed to read %s of %s before revoking MID: %v", e, g, err)
			continue
		}
		values[e] = v
	}

	g.exchange(InvalidID, values)
	a.pool.Release(id)
	a.evictions.Add(1)

	info := g.info()
	a.notify(func() { a.listener.MIDChanged(info, id, InvalidID) })
}

// localBroadcaster runs the function on the calling goroutine for every CPU.
type localBroadcaster struct{}

func (localBroadcaster) Broadcast(ctx context.Context, cpus cpuset.CPUSet, fn func(int)) error {
	for _, cpu := range cpus.List() {
		if err := ctx.Err(); err != nil {
			return err
		}
		fn(cpu)
	}
	return nil
}
