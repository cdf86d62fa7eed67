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
	"flag"
	"fmt"
	"os"
	"time"
)

// Options holds the command line options of the monitor.
type Options struct {
	ConfigFile     string
	ReportInterval time.Duration
	PinReaders     bool
	DiscoverCPUs   bool
	PrintConfig    bool
}

const (
	// DefaultConfigFile is the default configuration file.
	DefaultConfigFile = "/etc/mid-monitor/config.yaml"
	// DefaultReportInterval is the default interval of logging workload values.
	DefaultReportInterval = 10 * time.Second

	// EnvConfigFile overrides the default configuration file.
	EnvConfigFile = "MID_MONITOR_CONFIG"
)

// GetOptions acquires options from the environment and arguments.
func GetOptions(args []string) (*Options, error) {
	opts := &Options{
		ConfigFile:     DefaultConfigFile,
		ReportInterval: DefaultReportInterval,
	}

	if v, ok := os.LookupEnv(EnvConfigFile); ok {
		opts.ConfigFile = v
	}

	flags := flag.NewFlagSet(os.Args[0], flag.ContinueOnError)
	flags.StringVar(&opts.ConfigFile, "config", opts.ConfigFile,
		"configuration file, watched for changes")
	flags.DurationVar(&opts.ReportInterval, "report-interval", opts.ReportInterval,
		"interval of logging current workload values, 0 to disable")
	flags.BoolVar(&opts.PinReaders, "pin-readers", false,
		"read counters on worker threads bound to the reader CPUs")
	flags.BoolVar(&opts.DiscoverCPUs, "discover-cpus", false,
		"simulate the CPUs and packages of the host, following CPU hotplug")
	flags.BoolVar(&opts.PrintConfig, "print-config", false,
		"print the effective configuration and exit")

	if err := flags.Parse(args); err != nil {
		return nil, err
	}
	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments %v", flags.Args())
	}
	if opts.ReportInterval < 0 {
		return nil, fmt.Errorf("invalid report interval %s", opts.ReportInterval)
	}

	return opts, nil
}
