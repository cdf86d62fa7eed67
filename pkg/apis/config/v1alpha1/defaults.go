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

package v1alpha1

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/apimachinery/pkg/api/resource"

	"github.com/containers/mid-monitor/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/mid-monitor/pkg/mbm"
	"github.com/containers/mid-monitor/pkg/mid"
)

const (
	DefaultRotationInterval  = mid.DefaultRotationInterval
	DefaultQueueTime         = mid.DefaultQueueTime
	DefaultSampleInterval    = time.Second
	DefaultSlidingWindowSize = mbm.DefaultWindowSize
	DefaultReportPeriod      = 30 * time.Second
	DefaultSimulatedMaxMID   = 15
	DefaultSimulatedScale    = 64
	DefaultSimulatedCache    = "32Mi"
	DefaultSimulatedHalfLife = 500 * time.Millisecond
)

var (
	DefaultMetrics           = []string{"monitor", "buildinfo"}
	DefaultSimulatedPackages = []string{"0-3", "4-7"}
)

// NewMidMonitor returns a new configuration with defaults set.
func NewMidMonitor() *MidMonitor {
	c := &MidMonitor{}
	c.SetDefaults()
	return c
}

// SetDefaults sets defaults for all unset configuration.
func (c *MidMonitor) SetDefaults() {
	if c.Kind == "" {
		c.Kind = Kind
	}
	if c.APIVersion == "" {
		c.APIVersion = APIVersion
	}
	c.Spec.Monitor.SetDefaults()
	setInstrumentationDefaults(&c.Spec.Instrumentation)
	c.Spec.Simulation.SetDefaults()
}

// SetDefaults sets defaults for unset monitor tunables.
func (c *MonitorConfig) SetDefaults() {
	if c.RotationInterval.Duration == 0 {
		c.RotationInterval.Duration = DefaultRotationInterval
	}
	if c.QueueTime.Duration == 0 {
		c.QueueTime.Duration = DefaultQueueTime
	}
	if c.SampleInterval.Duration == 0 {
		c.SampleInterval.Duration = DefaultSampleInterval
	}
	if c.SlidingWindowSize == 0 {
		c.SlidingWindowSize = DefaultSlidingWindowSize
	}
}

// SetDefaults sets defaults for unset simulation parameters.
func (c *SimulationConfig) SetDefaults() {
	if c.MaxMID == 0 {
		c.MaxMID = DefaultSimulatedMaxMID
	}
	if c.Scale == 0 {
		c.Scale = DefaultSimulatedScale
	}
	if c.CacheSize == nil {
		q := resource.MustParse(DefaultSimulatedCache)
		c.CacheSize = &q
	}
	if len(c.Packages) == 0 {
		c.Packages = append([]string{}, DefaultSimulatedPackages...)
	}
	if c.HalfLife.Duration == 0 {
		c.HalfLife.Duration = DefaultSimulatedHalfLife
	}
}

func setInstrumentationDefaults(c *instrumentation.Config) {
	if c.ReportPeriod.Duration == 0 {
		c.ReportPeriod.Duration = DefaultReportPeriod
	}
	if c.Metrics == nil {
		c.Metrics = &instrumentation.Metrics{
			Enabled: append([]string{}, DefaultMetrics...),
		}
	}
}

// MaxRecycleThresholdBytes returns the configured maximum recycle threshold.
func (c *MonitorConfig) MaxRecycleThresholdBytes() (uint64, bool) {
	if c.MaxRecycleThreshold == nil {
		return 0, false
	}
	return uint64(c.MaxRecycleThreshold.Value()), true
}

// Validate checks the configuration for errors.
func (c *MidMonitor) Validate() error {
	var result *multierror.Error

	if c.Kind != Kind {
		result = multierror.Append(result, fmt.Errorf("invalid kind %q, expected %q", c.Kind, Kind))
	}
	if c.APIVersion != APIVersion {
		result = multierror.Append(result,
			fmt.Errorf("invalid apiVersion %q, expected %q", c.APIVersion, APIVersion))
	}
	if err := c.Spec.Monitor.Validate(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := validateInstrumentation(&c.Spec.Instrumentation); err != nil {
		result = multierror.Append(result, err)
	}
	if err := c.Spec.Simulation.Validate(); err != nil {
		result = multierror.Append(result, err)
	}

	return result.ErrorOrNil()
}

// Validate checks the monitor tunables for errors.
func (c *MonitorConfig) Validate() error {
	var result *multierror.Error

	if c.RotationInterval.Duration <= 0 {
		result = multierror.Append(result,
			fmt.Errorf("invalid rotation interval %s", c.RotationInterval.Duration))
	}
	if c.QueueTime.Duration < 0 {
		result = multierror.Append(result, fmt.Errorf("invalid queue time %s", c.QueueTime.Duration))
	}
	if c.SampleInterval.Duration < mbm.MinInterval {
		result = multierror.Append(result, fmt.Errorf("sample interval %s below %s",
			c.SampleInterval.Duration, mbm.MinInterval))
	}
	if err := mbm.ValidateWindowSize(c.SlidingWindowSize); err != nil {
		result = multierror.Append(result, err)
	}
	if c.MaxRecycleThreshold != nil && c.MaxRecycleThreshold.Sign() < 0 {
		result = multierror.Append(result,
			fmt.Errorf("negative max recycle threshold %s", c.MaxRecycleThreshold))
	}

	return result.ErrorOrNil()
}

// Validate checks the simulation parameters for errors.
func (c *SimulationConfig) Validate() error {
	var result *multierror.Error

	if c.MaxMID < 1 || c.MaxMID > int(mid.MaxSupportedID) {
		result = multierror.Append(result, fmt.Errorf("invalid max MID %d", c.MaxMID))
	}
	if c.Scale == 0 {
		result = multierror.Append(result, fmt.Errorf("invalid zero scale"))
	}
	if c.CacheSize == nil || c.CacheSize.Sign() <= 0 {
		result = multierror.Append(result, fmt.Errorf("invalid cache size"))
	}

	packages, err := c.PackageCPUs()
	if err != nil {
		result = multierror.Append(result, err)
	}
	if err == nil && len(packages) == 0 {
		result = multierror.Append(result, fmt.Errorf("no simulated packages"))
	}

	for i := range c.Workloads {
		w := &c.Workloads[i]
		if _, err := w.MidScope(); err != nil {
			result = multierror.Append(result, err)
		}
		if _, err := w.MidEvents(); err != nil {
			result = multierror.Append(result, err)
		}
		cpus, err := w.CPUSet()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		for _, pkgCPUs := range packages {
			cpus = cpus.Difference(pkgCPUs)
		}
		if packages != nil && !cpus.IsEmpty() {
			result = multierror.Append(result,
				fmt.Errorf("workload %q: unknown CPUs %s", w.Name, cpus))
		}
		if w.LocalPercent > 100 {
			result = multierror.Append(result,
				fmt.Errorf("workload %q: invalid local percent %d", w.Name, w.LocalPercent))
		}
	}

	return result.ErrorOrNil()
}

func validateInstrumentation(c *instrumentation.Config) error {
	if c.SamplingRatePerMillion < 0 || c.SamplingRatePerMillion > 1000000 {
		return fmt.Errorf("invalid tracing sampling rate %d", c.SamplingRatePerMillion)
	}
	if c.ReportPeriod.Duration < 0 {
		return fmt.Errorf("invalid metrics report period %s", c.ReportPeriod.Duration)
	}
	return nil
}
