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

package log

import (
	"strings"
)

// Config provides runtime configuration for logging.
type Config struct {
	// Debug turns on debug messages matching listed logger sources.
	// +optional
	Debug []string `json:"debug,omitempty"`
	// LogSource controls whether messages are prefixed with their logger source.
	// +optional
	LogSource bool `json:"source,omitempty"`
	// Klog configures the klog backend. Keys are klog flag names, for
	// instance "logtostderr" or "skip_headers".
	// +optional
	Klog KlogConfig `json:"klog,omitempty"`
}

// KlogConfig is a set of klog flags and their values.
type KlogConfig map[string]string

// GetByFlag returns the configured value for the given klog flag.
func (c KlogConfig) GetByFlag(name string) (string, bool) {
	if c == nil {
		return "", false
	}
	if value, ok := c[name]; ok {
		return value, true
	}
	// accept both dashed and underscored variants of flag names
	value, ok := c[strings.ReplaceAll(name, "_", "-")]
	return value, ok
}

// Bool returns the boolean value of the given klog flag, if it is set.
func (c KlogConfig) Bool(name string) (value, ok bool) {
	v, ok := c.GetByFlag(name)
	if !ok {
		return false, false
	}
	switch strings.ToLower(v) {
	case "true", "1", "yes", "on":
		return true, true
	}
	return false, true
}
