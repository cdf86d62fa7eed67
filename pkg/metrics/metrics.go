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

package metrics

import (
	"fmt"
	"path"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	model "github.com/prometheus/client_model/go"
	"k8s.io/utils/clock"

	logger "github.com/containers/mid-monitor/pkg/log"
)

var (
	log  = logger.Get("metrics")
	clog = logger.Get("collector")
)

const (
	// DefaultGroup is the group of collectors registered without one.
	DefaultGroup = "default"
	// MinPollInterval is the most frequent allowed polling interval.
	MinPollInterval = 5 * time.Second
	// DefaultPollInterval is the default interval for polling collectors.
	DefaultPollInterval = 30 * time.Second
)

// Collector is a registered prometheus.Collector. A collector is enabled
// or disabled by configuration. Polled collectors return the metrics cached
// during the last polling cycle instead of collecting them on demand.
type Collector struct {
	sync.Mutex
	collector prometheus.Collector
	name      string
	group     string
	namespace bool
	subsystem bool
	enabled   bool
	polled    bool
	cached    []prometheus.Metric
}

// RegisterOption is an option for registering a collector.
type RegisterOption func(*Collector)

// WithGroup registers a collector in the given group.
func WithGroup(name string) RegisterOption {
	return func(c *Collector) {
		if name == "" {
			name = DefaultGroup
		}
		c.group = name
	}
}

// WithoutNamespace disables prefixing metrics with the common namespace.
func WithoutNamespace() RegisterOption {
	return func(c *Collector) {
		c.namespace = false
	}
}

// WithoutSubsystem disables prefixing metrics with the collector group.
func WithoutSubsystem() RegisterOption {
	return func(c *Collector) {
		c.subsystem = false
	}
}

// WithPolled marks a collector polled.
func WithPolled() RegisterOption {
	return func(c *Collector) {
		c.polled = true
	}
}

// Name returns the full name of the collector, group/name.
func (c *Collector) Name() string {
	return c.group + "/" + c.name
}

// Matches returns true if the glob matches the group, name or full name
// of the collector.
func (c *Collector) Matches(glob string) bool {
	for _, name := range []string{c.group, c.name, c.Name()} {
		if glob == name {
			return true
		}
		ok, err := path.Match(glob, name)
		if err != nil {
			log.Warn("invalid glob pattern %q: %v", glob, err)
			return false
		}
		if ok {
			return true
		}
	}
	return false
}

// Describe implements the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.collector.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.Lock()
	enabled, polled, cached := c.enabled, c.polled, c.cached
	c.Unlock()

	switch {
	case !enabled:
	case !polled:
		clog.Debug("collecting %q", c.Name())
		c.collector.Collect(ch)
	default:
		clog.Debug("collecting (polled) %q", c.Name())
		for _, m := range cached {
			ch <- m
		}
	}
}

// Poll collects and caches the metrics of an enabled polled collector.
func (c *Collector) Poll() {
	c.Lock()
	active := c.enabled && c.polled
	c.Unlock()

	if !active {
		return
	}

	clog.Debug("polling %q", c.Name())

	ch := make(chan prometheus.Metric, 32)
	go func() {
		c.collector.Collect(ch)
		close(ch)
	}()

	polled := make([]prometheus.Metric, 0, 16)
	for m := range ch {
		polled = append(polled, m)
	}

	c.Lock()
	c.cached = polled
	c.Unlock()
}

func (c *Collector) configure(enabled, polled bool) {
	c.Lock()
	defer c.Unlock()

	c.enabled = enabled || polled
	if polled {
		c.polled = true
	}
}

func (c *Collector) isPolled() bool {
	c.Lock()
	defer c.Unlock()
	return c.enabled && c.polled
}

// prefix returns the metrics name prefix of the collector.
func (c *Collector) prefix(namespace string) string {
	var parts []string
	if c.namespace && namespace != "" {
		parts = append(parts, namespace)
	}
	if c.subsystem {
		parts = append(parts, c.group)
	}
	if len(parts) == 0 {
		return ""
	}
	return strings.Join(parts, "_") + "_"
}

// Registry is a collection of collectors.
type Registry struct {
	sync.Mutex
	collectors []*Collector
}

// NewRegistry creates a new registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register registers a collector with the registry.
func (r *Registry) Register(name string, collector prometheus.Collector, options ...RegisterOption) error {
	c := &Collector{
		collector: collector,
		name:      name,
		group:     DefaultGroup,
		namespace: true,
		subsystem: true,
	}
	for _, o := range options {
		o(c)
	}

	r.Lock()
	defer r.Unlock()

	if slices.ContainsFunc(r.collectors, func(o *Collector) bool { return o.Name() == c.Name() }) {
		return fmt.Errorf("metrics: collector %q already registered", c.Name())
	}

	r.collectors = append(r.collectors, c)
	log.Info("registered collector %q", c.Name())

	return nil
}

// Configure enables the collectors matching any of the given globs. Any
// collector matching a glob in polled is forced to polled mode. Globs not
// matching any collector are reported as errors.
func (r *Registry) Configure(enabled, polled []string) error {
	log.Info("configuring collectors enabled=[%s], polled=[%s]",
		strings.Join(enabled, ","), strings.Join(polled, ","))

	r.Lock()
	defer r.Unlock()

	matched := map[string]bool{}
	matchAny := func(c *Collector, globs []string) bool {
		found := false
		for _, glob := range globs {
			if c.Matches(glob) {
				matched[glob] = true
				found = true
			}
		}
		return found
	}

	for _, c := range r.collectors {
		c.configure(matchAny(c, enabled), matchAny(c, polled))
	}

	var result *multierror.Error
	for _, glob := range append(slices.Clone(enabled), polled...) {
		if !matched[glob] {
			result = multierror.Append(result, fmt.Errorf("metrics: no collectors match %q", glob))
		}
	}

	return result.ErrorOrNil()
}

// Poll polls all enabled polled collectors.
func (r *Registry) Poll() {
	wg := sync.WaitGroup{}
	for _, c := range r.polledCollectors() {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Poll()
		}()
	}
	wg.Wait()
}

func (r *Registry) polledCollectors() []*Collector {
	r.Lock()
	defer r.Unlock()

	var polled []*Collector
	for _, c := range r.collectors {
		if c.isPolled() {
			polled = append(polled, c)
		}
	}
	return polled
}

// Gatherer is a prometheus gatherer for our registry.
type Gatherer struct {
	sync.Mutex
	*prometheus.Registry
	r            *Registry
	namespace    string
	clock        clock.WithTicker
	pollInterval time.Duration
	enabled      []string
	polled       []string
	stop         chan struct{}
	done         chan struct{}
}

// GathererOption is an option for the gatherer.
type GathererOption func(*Gatherer)

// WithNamespace defines the common namespace prefix for gathered collectors.
func WithNamespace(namespace string) GathererOption {
	return func(g *Gatherer) {
		g.namespace = namespace
	}
}

// WithPollInterval defines the polling interval for the gatherer.
func WithPollInterval(interval time.Duration) GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = max(interval, MinPollInterval)
	}
}

// WithoutPolling disables internally triggered polling for the gatherer.
func WithoutPolling() GathererOption {
	return func(g *Gatherer) {
		g.pollInterval = 0
	}
}

// WithMetrics defines which groups or collectors are enabled and polled.
func WithMetrics(enabled, polled []string) GathererOption {
	return func(g *Gatherer) {
		g.enabled = enabled
		g.polled = polled
	}
}

// WithClock sets the clock used for polling.
func WithClock(clk clock.WithTicker) GathererOption {
	return func(g *Gatherer) {
		g.clock = clk
	}
}

// NewGatherer creates a new gatherer for the registry.
func (r *Registry) NewGatherer(options ...GathererOption) (*Gatherer, error) {
	g := &Gatherer{
		r:            r,
		Registry:     prometheus.NewPedanticRegistry(),
		clock:        clock.RealClock{},
		pollInterval: DefaultPollInterval,
	}

	for _, o := range options {
		o(g)
	}

	if err := r.Configure(g.enabled, g.polled); err != nil {
		return nil, err
	}

	r.Lock()
	collectors := slices.Clone(r.collectors)
	r.Unlock()

	for _, c := range collectors {
		reg := prometheus.Registerer(g.Registry)
		if prefix := c.prefix(g.namespace); prefix != "" {
			reg = prometheus.WrapRegistererWithPrefix(prefix, reg)
		}
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("metrics: failed to register %q: %w", c.Name(), err)
		}
	}

	g.start()

	return g, nil
}

// Gather implements the prometheus.Gatherer interface.
func (g *Gatherer) Gather() ([]*model.MetricFamily, error) {
	g.Lock()
	defer g.Unlock()
	return g.Registry.Gather()
}

// Poll polls all enabled polled collectors of the registry.
func (g *Gatherer) Poll() {
	g.Lock()
	defer g.Unlock()
	g.r.Poll()
}

// Stop stops periodic polling.
func (g *Gatherer) Stop() {
	g.Lock()
	stop, done := g.stop, g.done
	g.stop, g.done = nil, nil
	g.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

func (g *Gatherer) start() {
	if len(g.r.polledCollectors()) == 0 {
		log.Info("no polling (no collectors in polled mode)")
		return
	}

	g.r.Poll()

	if g.pollInterval == 0 {
		log.Info("no polling (internally triggered polling disabled)")
		return
	}

	log.Info("polling collectors every %s", g.pollInterval)

	g.stop = make(chan struct{})
	g.done = make(chan struct{})

	go g.poller(g.clock.NewTicker(g.pollInterval), g.stop, g.done)
}

func (g *Gatherer) poller(ticker clock.Ticker, stop, done chan struct{}) {
	defer func() {
		ticker.Stop()
		close(done)
	}()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C():
			g.Poll()
		}
	}
}

var (
	defaultRegistry = NewRegistry()
)

// Default returns the default registry.
func Default() *Registry {
	return defaultRegistry
}

// Register registers a collector with the default registry.
func Register(name string, collector prometheus.Collector, options ...RegisterOption) error {
	return Default().Register(name, collector, options...)
}

// MustRegister registers a collector with the default registry, panicking on error.
func MustRegister(name string, collector prometheus.Collector, options ...RegisterOption) {
	if err := Register(name, collector, options...); err != nil {
		panic(err)
	}
}

// NewGatherer creates a new gatherer for the default registry.
func NewGatherer(options ...GathererOption) (*Gatherer, error) {
	return Default().NewGatherer(options...)
}
