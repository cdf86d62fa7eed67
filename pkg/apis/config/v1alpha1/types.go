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
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"

	"github.com/containers/mid-monitor/pkg/apis/config/v1alpha1/instrumentation"
	"github.com/containers/mid-monitor/pkg/apis/config/v1alpha1/log"
)

const (
	// Kind is the kind of the monitor configuration.
	Kind = "MidMonitor"
	// APIVersion is the API version of the monitor configuration.
	APIVersion = "config.mid-monitor.io/v1alpha1"
)

// MidMonitor represents the configuration of the MID monitor.
type MidMonitor struct {
	metav1.TypeMeta   `json:",inline"`
	metav1.ObjectMeta `json:"metadata,omitempty"`

	Spec MidMonitorSpec `json:"spec"`
}

// MidMonitorSpec describes the MID monitor.
type MidMonitorSpec struct {
	// +optional
	Monitor MonitorConfig `json:"monitor,omitempty"`
	// +optional
	Log log.Config `json:"log,omitempty"`
	// +optional
	Instrumentation instrumentation.Config `json:"instrumentation,omitempty"`
	// +optional
	Simulation SimulationConfig `json:"simulation,omitempty"`
}

// MonitorConfig provides the tunables of MID allocation and bandwidth
// estimation.
type MonitorConfig struct {
	// RotationInterval is the interval between MID rotations.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="250ms"
	RotationInterval metav1.Duration `json:"rotationInterval,omitempty"`
	// QueueTime is the minimum time a released MID stays in quarantine.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="250ms"
	QueueTime metav1.Duration `json:"queueTime,omitempty"`
	// SampleInterval is the interval between bandwidth samples on a CPU.
	// +optional
	// +kubebuilder:validation:Format="duration"
	// +kubebuilder:default="1s"
	SampleInterval metav1.Duration `json:"sampleInterval,omitempty"`
	// MaxRecycleThreshold is the largest residual cache occupancy a MID is
	// recycled with. Defaults to the cache size divided by the number of MIDs.
	// +optional
	// +kubebuilder:example="64Ki"
	MaxRecycleThreshold *resource.Quantity `json:"maxRecycleThreshold,omitempty"`
	// SlidingWindowSize is the number of samples bandwidth is averaged over.
	// +optional
	// +kubebuilder:validation:Minimum=10
	// +kubebuilder:validation:Maximum=300
	// +kubebuilder:default=10
	SlidingWindowSize int `json:"slidingWindowSize,omitempty"`
}
