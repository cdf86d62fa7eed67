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

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"sigs.k8s.io/yaml"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1"
	"github.com/containers/mid-monitor/pkg/config"
	logger "github.com/containers/mid-monitor/pkg/log"
	"github.com/containers/mid-monitor/pkg/version"
)

var log = logger.Default()

func main() {
	opts, err := GetOptions(os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		log.Fatal("%v", err)
	}

	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		log.Fatal("%v", err)
	}

	if opts.PrintConfig {
		data, err := yaml.Marshal(cfg)
		if err != nil {
			log.Fatal("failed to marshal configuration: %v", err)
		}
		fmt.Print(string(data))
		os.Exit(0)
	}

	logger.SetSlogLogger("slog")
	log.Info("mid-monitor (version %s, build %s) starting...", version.Version, version.Build)

	d, err := newDaemon(cfg, opts)
	if err != nil {
		log.Fatal("failed to set up monitor: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := d.run(ctx); err != nil {
		log.Fatal("%v", err)
	}

	log.Info("mid-monitor stopped")
}

// loadConfig loads the configuration file, falling back to defaults if
// the file does not exist.
func loadConfig(file string) (*cfgapi.MidMonitor, error) {
	cfg, err := config.Load(file)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn("configuration file %s not found, using defaults", file)
		cfg = cfgapi.NewMidMonitor()
		cfg.SetDefaults()
		return cfg, nil
	}
	return cfg, err
}
