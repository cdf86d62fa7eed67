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
	"context"

	"github.com/containers/mid-monitor/pkg/udev"
)

// HotplugFilters match udev events of CPUs going online or offline.
var HotplugFilters = []map[string]string{
	{
		udev.PropertySubsystem: "cpu",
		udev.PropertyAction:    "online",
	},
	{
		udev.PropertySubsystem: "cpu",
		udev.PropertyAction:    "offline",
	},
}

// WatchHotplug refreshes the topology, reselecting counter readers, when
// a CPU goes online or offline. It returns when ctx is done or the event
// channel is closed.
func (m *Monitor) WatchHotplug(ctx context.Context, events <-chan *udev.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Subsystem != "cpu" || (e.Action != "online" && e.Action != "offline") {
				continue
			}

			log.Info("%s went %s, refreshing topology", e.Devpath, e.Action)

			if err := m.RefreshTopology(); err != nil {
				log.Error("failed to refresh topology: %v", err)
				continue
			}
			log.Info("counter readers are now CPUs %s", m.alloc.Readers())
		}
	}
}
