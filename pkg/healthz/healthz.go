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

package healthz

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"

	logger "github.com/containers/mid-monitor/pkg/log"
)

var (
	// our logger instance
	log = logger.NewLogger("health-check")
)

// CheckFn checks the health of a component.
type CheckFn func() (status Status, details error)

// Status describes the health of a component or the whole.
type Status int

const (
	Healthy Status = iota
	Degraded
	NonFunctional
)

func (s Status) String() string {
	switch s {
	case Healthy:
		return "healthy"
	case Degraded:
		return "degraded"
	case NonFunctional:
		return "non-functional"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Checker is a set of named health checks.
type Checker struct {
	sync.Mutex
	checkers map[string]CheckFn
	sorted   []string
}

// NewChecker creates a new set of health checks.
func NewChecker() *Checker {
	return &Checker{
		checkers: map[string]CheckFn{},
	}
}

// Register registers the given health checker function.
func (c *Checker) Register(name string, fn CheckFn) error {
	c.Lock()
	defer c.Unlock()

	if _, conflict := c.checkers[name]; conflict {
		return fmt.Errorf("checker %q already registered", name)
	}

	c.checkers[name] = fn
	c.sorted = append(c.sorted, name)
	sort.Strings(c.sorted)

	return nil
}

// Check runs all health checks. It returns the worst status and the errors
// of all unhealthy components.
func (c *Checker) Check() (Status, map[string]error) {
	status := Healthy
	details := map[string]error{}

	c.Lock()
	defer c.Unlock()

	for _, name := range c.sorted {
		if s, err := c.checkers[name](); s != Healthy {
			status = max(status, s)
			if err == nil {
				err = fmt.Errorf("%s", s)
			}
			details[name] = err
			log.Errorf("component %s reported %s: %v", name, s, err)
		}
	}

	return status, details
}

// Setup prepares the given HTTP request multiplexer for serving healthz.
func (c *Checker) Setup(mux *http.ServeMux) {
	mux.Handle("/healthz", c)
}

// ServeHTTP serves a single health check request.
func (c *Checker) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	status, details := c.Check()

	code, body := http.StatusOK, "ok"
	if status != Healthy {
		names := make([]string, 0, len(details))
		for name := range details {
			names = append(names, name)
		}
		sort.Strings(names)

		errors := &strings.Builder{}
		for _, name := range names {
			fmt.Fprintf(errors, "%s: %v\n", name, details[name])
		}
		code, body = http.StatusInternalServerError, errors.String()
	}

	w.WriteHeader(code)
	if _, err := w.Write([]byte(body)); err != nil {
		log.Errorf("failed to write response: %v", err)
	}
}

var defaultChecker = NewChecker()

// Default returns the default set of health checks.
func Default() *Checker {
	return defaultChecker
}

// Setup prepares the given HTTP request multiplexer for serving the default
// health checks.
func Setup(mux *http.ServeMux) {
	defaultChecker.Setup(mux)
}

// RegisterHealthChecker registers the given health checker function with
// the default health checks. It panics if the name is already taken.
func RegisterHealthChecker(name string, fn CheckFn) {
	if err := defaultChecker.Register(name, fn); err != nil {
		panic(err)
	}
}
