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
	"fmt"
	"os"
	"slices"
	"strings"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1/log"
	"github.com/containers/mid-monitor/pkg/log/klogcontrol"
	"github.com/containers/mid-monitor/pkg/utils"
)

const (
	// DefaultLevel is the default logging severity level.
	DefaultLevel = LevelInfo
	// debugEnvVar is the environment variable used to seed debugging flags.
	debugEnvVar = "LOGGER_DEBUG"
	// logSourceEnvVar is the environment variable used to seed source logging.
	logSourceEnvVar = "LOGGER_LOG_SOURCE"
)

// sourceGroups are shorthands for the loggers of related components.
var sourceGroups = map[string][]string{
	// MID allocation and rotation, with per-record state dumps.
	"allocator": {"mid", "mid-details"},
	// Bandwidth sampling and the monitoring facade on top of it.
	"bandwidth": {"mbm", "monitor"},
	// Counter access, topology discovery and CPU hotplug.
	"hardware": {"hw", "sim", "sysfs", "udev"},
	// Metrics, tracing and the HTTP endpoint.
	"telemetry": {"metrics", "collector", "tracing", "instrumentation"},
}

// srcmap tracks debugging settings for sources.
type srcmap map[string]bool

var (
	klogctl = klogcontrol.Get()
)

// parse updates the srcmap from a comma-separated list of sources, each
// optionally prefixed with a state and a colon. A state applies to the
// sources following it until the next state, "on" being implied at the
// start. "all" stands for every source and group names for their members.
func (m *srcmap) parse(value string) error {
	if *m == nil {
		*m = make(srcmap)
	}

	state := "on"
	for _, entry := range strings.Split(value, ",") {
		if entry = strings.TrimSpace(entry); entry == "" {
			continue
		}

		src := entry
		if prefix, rest, ok := strings.Cut(entry, ":"); ok {
			if strings.Contains(rest, ":") {
				return loggerError("invalid debug source entry '%s'", entry)
			}
			state, src = strings.TrimSpace(prefix), strings.TrimSpace(rest)
		}

		enabled, err := utils.ParseEnabled(state)
		if err != nil {
			return loggerError("invalid state '%s' for debug source '%s'", state, src)
		}

		for _, s := range expandSource(src) {
			(*m)[s] = enabled
		}
	}

	return nil
}

func expandSource(src string) []string {
	if src == "all" {
		return []string{"*"}
	}
	if members, ok := sourceGroups[src]; ok {
		return members
	}
	return []string{src}
}

// String returns the srcmap in parseable form, sources sorted by name.
func (m srcmap) String() string {
	var on, off []string
	for src, state := range m {
		if state {
			on = append(on, src)
		} else {
			off = append(off, src)
		}
	}
	slices.Sort(on)
	slices.Sort(off)

	var parts []string
	if len(on) > 0 {
		parts = append(parts, "on:"+strings.Join(on, ","))
	}
	if len(off) > 0 {
		parts = append(parts, "off:"+strings.Join(off, ","))
	}
	return strings.Join(parts, ",")
}

// Configure updates the logging configuration.
func Configure(cfg *cfgapi.Config) error {
	if cfg == nil {
		cfg = &cfgapi.Config{}
	}

	debug := make(srcmap)
	for _, value := range cfg.Debug {
		if err := debug.parse(value); err != nil {
			return fmt.Errorf("failed to parse debug setting %q: %w", value, err)
		}
	}

	prefix := cfg.LogSource
	if toStderr, _ := cfg.Klog.Bool("logtostderr"); toStderr {
		if skipHeaders, _ := cfg.Klog.Bool("skip_headers"); skipHeaders {
			prefix = true
		}
	}

	log.Lock()
	log.setDbgMap(debug)
	log.setPrefix(prefix)
	log.Unlock()

	deflog.Info("logging configured, debug %q, source prefix %v", debug.String(), prefix)

	return klogctl.Configure(cfg.Klog)
}

// Seed debugging and source prefixing from the environment.
func init() {
	cfg := &cfgapi.Config{
		LogSource: os.Getenv(logSourceEnvVar) != "",
	}
	if value, ok := os.LookupEnv(debugEnvVar); ok {
		cfg.Debug = []string{value}
	}

	if err := Configure(cfg); err != nil {
		Default().Error("ignoring $%s: %v", debugEnvVar, err)
		cfg.Debug = nil
		if err := Configure(cfg); err != nil {
			Default().Error("initial logging configuration failed: %v", err)
		}
	}
}
