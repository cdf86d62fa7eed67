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
	"errors"
	"fmt"

	"github.com/containers/mid-monitor/pkg/healthz"
)

// Check reports an error if MID allocation is degraded: groups are waiting
// for a MID but the recycling threshold has reached its ceiling.
func (m *Monitor) Check() error {
	s := m.alloc.Stats()
	if s.Waiting > 0 && s.Threshold >= s.ThresholdLimit {
		return fmt.Errorf("%w: %d groups waiting, threshold at limit %d",
			ErrDegraded, s.Waiting, s.ThresholdLimit)
	}
	if err := m.alloc.Validate(); err != nil {
		log.Error("MID allocator state is inconsistent: %v", err)
		return err
	}
	return nil
}

// HealthCheck checks the monitor for healthz.
func (m *Monitor) HealthCheck() (healthz.Status, error) {
	err := m.Check()
	switch {
	case err == nil:
		return healthz.Healthy, nil
	case errors.Is(err, ErrDegraded):
		return healthz.Degraded, err
	}
	return healthz.NonFunctional, err
}

// RegisterHealthChecker registers the health check of the monitor.
func (m *Monitor) RegisterHealthChecker(c *healthz.Checker) error {
	return c.Register("monitor", m.HealthCheck)
}
