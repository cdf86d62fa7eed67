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

// Package metrics is a thin layer over prometheus collectors. Collectors are
// registered by name into groups. Configuration enables collectors by globs
// matching their group or name, and can force expensive collectors into
// polled mode, where metrics are collected periodically and served from a
// cache. Gathered metric names are prefixed with an optional common namespace
// and the group name of their collector.
//
// Simple Usage
//
//	metrics.MustRegister("pool", poolCollector, metrics.WithGroup("monitor"))
//
//	g, err := metrics.NewGatherer(
//	    metrics.WithNamespace("mid"),
//	    metrics.WithMetrics([]string{"monitor"}, nil),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	http.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
package metrics
