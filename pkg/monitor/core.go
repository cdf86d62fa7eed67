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

package monitor

import (
	"slices"
	"time"

	"k8s.io/utils/clock"

	"github.com/containers/mid-monitor/pkg/mbm"
	"github.com/containers/mid-monitor/pkg/mid"
)

// core is the monitoring context of a single CPU.
type core struct {
	cpu        int
	programmed mid.ID
	users      []*Handle // attached clients, most recently attached last
	worker     *mbm.Worker
}

func newCore(cpu int, est *mbm.Estimator, clk clock.WithTicker, interval time.Duration) *core {
	return &core{
		cpu:    cpu,
		worker: mbm.NewWorker(cpu, est, clk, interval),
	}
}

func (c *core) attach(h *Handle) {
	c.users = append(c.users, h)
}

func (c *core) detach(h *Handle) {
	if idx := slices.Index(c.users, h); idx >= 0 {
		c.users = slices.Delete(c.users, idx, idx+1)
	}
}

func (c *core) has(h *Handle) bool {
	return slices.Contains(c.users, h)
}

// runs returns true if a member of the group is attached to the CPU.
func (c *core) runs(g mid.GroupID) bool {
	for _, h := range c.users {
		if h.client.Group() == g {
			return true
		}
	}
	return false
}

// reprogram updates the programmed MID to that of the most recently
// attached client, or 0 if there is none or it has no MID.
func (c *core) reprogram() (mid.ID, bool) {
	var id mid.ID
	if n := len(c.users); n > 0 {
		if id = c.users[n-1].client.MID(); !id.Valid() {
			id = 0
		}
	}

	if id == c.programmed {
		return id, false
	}
	c.programmed = id

	return id, true
}
