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

// Package instrumentation runs the HTTP endpoint serving metrics and health
// checks, and the tracing exporter, as a single reconfigurable service.
package instrumentation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/mid-monitor/pkg/healthz"
	"github.com/containers/mid-monitor/pkg/instrumentation/tracing"
	logger "github.com/containers/mid-monitor/pkg/log"
	"github.com/containers/mid-monitor/pkg/metrics"
)

const (
	// ServiceName is our service name in external tracing and metrics services.
	ServiceName = "mid-monitor"
	// Namespace is the common prefix of our metrics.
	Namespace = "mid"

	shutdownTimeout = 5 * time.Second
)

var log = logger.Get("instrumentation")

// Service is the state of our instrumentation services.
type Service struct {
	sync.Mutex
	cfg      cfgapi.Config
	registry *metrics.Registry
	health   *healthz.Checker
	srv      *http.Server
	addr     string
	done     chan struct{}
	gatherer *metrics.Gatherer
}

// Option is an option for the Service.
type Option func(*Service)

// WithRegistry sets the metrics registry to export from.
func WithRegistry(r *metrics.Registry) Option {
	return func(s *Service) {
		s.registry = r
	}
}

// WithHealthChecker sets the health checker served on /healthz.
func WithHealthChecker(c *healthz.Checker) Option {
	return func(s *Service) {
		s.health = c
	}
}

// New creates instrumentation services with the given configuration.
func New(cfg *cfgapi.Config, options ...Option) *Service {
	s := &Service{
		registry: metrics.Default(),
		health:   healthz.Default(),
	}
	if cfg != nil {
		s.cfg = *cfg
	}
	for _, o := range options {
		o(s)
	}
	return s
}

// Start starts instrumentation services.
func (s *Service) Start() error {
	log.Info("starting instrumentation services...")

	s.Lock()
	defer s.Unlock()

	if err := s.start(); err != nil {
		s.stop()
		return err
	}
	return nil
}

// Stop stops instrumentation services.
func (s *Service) Stop() {
	s.Lock()
	defer s.Unlock()

	s.stop()
}

// Reconfigure restarts instrumentation services with a new configuration.
func (s *Service) Reconfigure(cfg *cfgapi.Config) error {
	s.Lock()
	defer s.Unlock()

	log.Info("reconfiguring instrumentation services...")

	s.stop()
	s.cfg = *cfg

	if err := s.start(); err != nil {
		log.Error("failed to restart instrumentation: %v", err)
		s.stop()
		return err
	}
	return nil
}

// Address returns the address of the running HTTP server, or an empty
// string if none is running.
func (s *Service) Address() string {
	s.Lock()
	defer s.Unlock()
	return s.addr
}

func (s *Service) start() error {
	if err := s.startMetrics(); err != nil {
		return fmt.Errorf("failed to start metrics: %w", err)
	}

	if err := s.startHTTP(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	if err := s.startTracing(); err != nil {
		return fmt.Errorf("failed to start tracing: %w", err)
	}

	return nil
}

func (s *Service) stop() {
	tracing.Stop()
	s.stopHTTP()
	if s.gatherer != nil {
		s.gatherer.Stop()
		s.gatherer = nil
	}
}

func (s *Service) startMetrics() error {
	var enabled, polled []string
	if m := s.cfg.Metrics; m != nil {
		enabled, polled = m.Enabled, m.Polled
	}

	options := []metrics.GathererOption{
		metrics.WithNamespace(Namespace),
		metrics.WithMetrics(enabled, polled),
	}
	if d := s.cfg.ReportPeriod.Duration; d > 0 {
		options = append(options, metrics.WithPollInterval(d))
	}

	g, err := s.registry.NewGatherer(options...)
	if err != nil {
		return err
	}
	s.gatherer = g

	return nil
}

func (s *Service) startHTTP() error {
	if s.cfg.HTTPEndpoint == "" {
		log.Info("HTTP server disabled, no endpoint set")
		return nil
	}

	mux := http.NewServeMux()
	s.health.Setup(mux)

	if s.cfg.PrometheusExport {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer,
			promhttp.HandlerOpts{
				ErrorLog:      slog.NewLogLogger(log.SlogHandler(), slog.LevelError),
				ErrorHandling: promhttp.ContinueOnError,
			},
		))
	}

	l, err := net.Listen("tcp", s.cfg.HTTPEndpoint)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})

	go func() {
		defer close(done)
		if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server failed: %v", err)
		}
	}()

	s.srv = srv
	s.done = done
	s.addr = l.Addr().String()

	log.Info("HTTP server listening on %s (prometheus export %v)", s.addr, s.cfg.PrometheusExport)

	return nil
}

func (s *Service) stopHTTP() {
	if s.srv == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := s.srv.Shutdown(ctx); err != nil {
		log.Warn("failed to shut down HTTP server: %v", err)
	}
	<-s.done

	s.srv = nil
	s.done = nil
	s.addr = ""
}

func (s *Service) startTracing() error {
	res, err := newResource()
	if err != nil {
		return err
	}

	return tracing.Start(
		tracing.WithServiceName(ServiceName),
		tracing.WithResource(res),
		tracing.WithCollectorEndpoint(s.cfg.TracingCollector),
		tracing.WithSamplingRatio(float64(s.cfg.SamplingRatePerMillion)/float64(1000000)),
	)
}
