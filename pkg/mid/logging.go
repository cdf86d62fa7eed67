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

package mid

import (
	"fmt"

	logger "github.com/containers/mid-monitor/pkg/log"
)

var (
	log     = logger.Get("mid")
	details = logger.Get("mid-details")
)

// DumpState logs the state of the allocator.
func (a *Allocator) DumpState(context ...interface{}) {
	prefix := formatPrefix(context...)

	a.lock()
	defer a.unlock()

	log.Info("%sMID allocator: %d free, %d in limbo, reserve %s, threshold %d/%d", prefix,
		a.pool.FreeCount(), a.pool.LimboCount(), a.reserve, a.threshold, a.thresholdLimit())

	a.dumpGroups(prefix)
	a.dumpLimbo(prefix)
}

func (a *Allocator) dumpGroups(prefix string) {
	if len(a.order) == 0 {
		log.Info("%s  no groups", prefix)
		return
	}

	log.Info("%s  groups in rotation order:", prefix)
	for _, g := range a.order {
		log.Info("%s    - %s", prefix, g)
	}
}

func (a *Allocator) dumpLimbo(prefix string) {
	if !details.DebugEnabled() {
		return
	}

	if a.pool.LimboCount() == 0 {
		details.Debug("%s  limbo is empty", prefix)
		return
	}

	now := a.clock.Now()
	details.Debug("%s  limbo:", prefix)
	for _, id := range a.pool.limbo.ids {
		r := &a.reg.records[id]
		details.Debug("%s    - %s, queued %s ago", prefix, r, now.Sub(r.queuedAt))
	}
}

func formatPrefix(args ...interface{}) string {
	narg := len(args)
	if narg == 0 {
		return ""
	}

	format, ok := args[0].(string)
	if !ok {
		return "%%(!mid:Bad-Prefix)"
	}

	if len(args) == 1 {
		return format
	}

	return fmt.Sprintf(format, args[1:]...)
}
