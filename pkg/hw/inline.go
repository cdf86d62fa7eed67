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

package hw

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
	"k8s.io/utils/cpuset"
)

// InlineBroadcaster runs broadcast functions on ordinary goroutines without
// binding them to CPUs. It is meant for hardware where the target CPU is
// only an argument, like simulated counters.
type InlineBroadcaster struct {
	// Limit is the maximum number of concurrently running functions,
	// unlimited if zero or negative.
	Limit int
}

// Broadcast runs fn for every CPU in cpus and waits for all of them.
// CPUs not yet started when ctx is cancelled are skipped and reported.
func (b *InlineBroadcaster) Broadcast(ctx context.Context, cpus cpuset.CPUSet, fn func(int)) error {
	g := &errgroup.Group{}
	if b != nil && b.Limit > 0 {
		g.SetLimit(b.Limit)
	}

	for _, cpu := range cpus.List() {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("cpu #%d: %w", cpu, err)
			}
			fn(cpu)
			return nil
		})
	}

	return g.Wait()
}
