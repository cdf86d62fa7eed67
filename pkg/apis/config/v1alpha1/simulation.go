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
	"strings"

	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/utils/cpuset"

	"github.com/containers/mid-monitor/pkg/mid"
)

// SimulationConfig describes simulated monitoring hardware and the
// workloads running on it.
type SimulationConfig struct {
	// MaxMID is the largest MID of the simulated hardware.
	// +optional
	// +kubebuilder:default=15
	MaxMID int `json:"maxMID,omitempty"`
	// Scale is the number of bytes per occupancy counter unit.
	// +optional
	// +kubebuilder:default=64
	Scale uint64 `json:"scale,omitempty"`
	// CacheSize is the size of the simulated last level cache.
	// +optional
	// +kubebuilder:default="32Mi"
	CacheSize *resource.Quantity `json:"cacheSize,omitempty"`
	// Packages lists the CPUs of each simulated package.
	// +optional
	// +kubebuilder:default={"0-3", "4-7"}
	Packages []string `json:"packages,omitempty"`
	// HalfLife is the occupancy half-life of MIDs not running on any CPU.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="500ms"
	HalfLife metav1.Duration `json:"halfLife,omitempty"`
	// Workloads are the simulated monitored workloads.
	// +optional
	Workloads []Workload `json:"workloads,omitempty"`
}

// Workload is a simulated workload with a monitoring client.
type Workload struct {
	// Name of the workload.
	Name string `json:"name"`
	// Scope kind monitored: system, cgroup or task.
	// +kubebuilder:validation:Enum=system;cgroup;task
	Scope string `json:"scope"`
	// Cgroup is the cgroup path of cgroup and task scopes.
	// +optional
	Cgroup string `json:"cgroup,omitempty"`
	// Task is the task id of task scopes.
	// +optional
	Task int `json:"task,omitempty"`
	// Parent is the parent task id of inherited task scopes.
	// +optional
	Parent int `json:"parent,omitempty"`
	// Events monitored: llc_occupancy, total_bw, local_bw.
	Events []string `json:"events"`
	// CPUs the workload runs on.
	CPUs string `json:"cpus"`
	// CacheRate is the cache fill rate in occupancy units per second.
	// +optional
	CacheRate uint64 `json:"cacheRate,omitempty"`
	// Bandwidth is the memory traffic in counter units per second.
	// +optional
	Bandwidth uint64 `json:"bandwidth,omitempty"`
	// LocalPercent is the share of local memory traffic.
	// +optional
	// +kubebuilder:validation:Maximum=100
	LocalPercent uint64 `json:"localPercent,omitempty"`
}

// Hardware returns the simulated hardware description.
func (c *SimulationConfig) Hardware() mid.Hardware {
	hw := mid.Hardware{
		MaxID: mid.ID(c.MaxMID),
		Scale: c.Scale,
	}
	if c.CacheSize != nil {
		hw.CacheSize = uint64(c.CacheSize.Value())
	}
	return hw
}

// PackageCPUs returns the CPUs of each simulated package.
func (c *SimulationConfig) PackageCPUs() (map[int]cpuset.CPUSet, error) {
	packages := map[int]cpuset.CPUSet{}
	all := cpuset.New()
	for id, str := range c.Packages {
		cpus, err := cpuset.Parse(str)
		if err != nil {
			return nil, fmt.Errorf("invalid CPUs %q for package #%d: %w", str, id, err)
		}
		if cpus.IsEmpty() {
			return nil, fmt.Errorf("no CPUs for package #%d", id)
		}
		if shared := all.Intersection(cpus); !shared.IsEmpty() {
			return nil, fmt.Errorf("CPUs %s in multiple packages", shared)
		}
		all = all.Union(cpus)
		packages[id] = cpus
	}
	return packages, nil
}

// MidScope returns the monitored scope of the workload.
func (w *Workload) MidScope() (mid.Scope, error) {
	var scope mid.Scope
	switch strings.ToLower(w.Scope) {
	case "system":
		scope = mid.SystemScope(w.Name)
	case "cgroup":
		scope = mid.CgroupScope(w.Cgroup)
	case "task":
		if w.Parent != 0 {
			scope = mid.InheritedTaskScope(w.Task, w.Parent, w.Cgroup)
		} else {
			scope = mid.TaskScope(w.Task, w.Cgroup)
		}
	default:
		return mid.Scope{}, fmt.Errorf("workload %q: invalid scope %q", w.Name, w.Scope)
	}
	if err := scope.Validate(); err != nil {
		return mid.Scope{}, fmt.Errorf("workload %q: %w", w.Name, err)
	}
	return scope, nil
}

// MidEvents returns the monitored events of the workload.
func (w *Workload) MidEvents() ([]mid.Event, error) {
	if len(w.Events) == 0 {
		return nil, fmt.Errorf("workload %q: no events", w.Name)
	}
	events := make([]mid.Event, 0, len(w.Events))
	for _, name := range w.Events {
		e, ok := mid.ParseEvent(name)
		if !ok {
			return nil, fmt.Errorf("workload %q: unknown event %q", w.Name, name)
		}
		events = append(events, e)
	}
	return events, nil
}

// CPUSet returns the CPUs of the workload.
func (w *Workload) CPUSet() (cpuset.CPUSet, error) {
	cpus, err := cpuset.Parse(w.CPUs)
	if err != nil {
		return cpuset.New(), fmt.Errorf("workload %q: invalid CPUs %q: %w", w.Name, w.CPUs, err)
	}
	return cpus, nil
}
