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

// Package config loads monitor configuration files and watches them for
// changes.
package config

import (
	"errors"
	"fmt"
	"os"

	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1"
	logger "github.com/containers/mid-monitor/pkg/log"
)

var (
	// ErrInvalidConfig is returned for configuration that fails to parse
	// or validate.
	ErrInvalidConfig = errors.New("config: invalid configuration")

	log = logger.Get("config")
)

// Load reads, defaults and validates the configuration in a file.
func Load(file string) (*cfgapi.MidMonitor, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration: %w", err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", file, err)
	}

	cfg.Name = file + ":" + cfg.Name
	log.Info("loaded configuration %s", cfg.Name)

	return cfg, nil
}

// Parse decodes, defaults and validates configuration data. Unknown
// fields are rejected.
func Parse(data []byte) (*cfgapi.MidMonitor, error) {
	cfg := &cfgapi.MidMonitor{}
	if err := yaml.UnmarshalStrict(data, cfg); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	if cfg.Kind != "" && cfg.Kind != cfgapi.Kind {
		return nil, fmt.Errorf("%w: unexpected kind %q", ErrInvalidConfig, cfg.Kind)
	}
	if cfg.APIVersion != "" && cfg.APIVersion != cfgapi.APIVersion {
		return nil, fmt.Errorf("%w: unexpected apiVersion %q", ErrInvalidConfig, cfg.APIVersion)
	}
	cfg.Kind = cfgapi.Kind
	cfg.APIVersion = cfgapi.APIVersion

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	return cfg, nil
}
