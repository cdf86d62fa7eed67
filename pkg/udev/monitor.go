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

package udev

import (
	"fmt"
	"io"
	"path"
	"sync"
)

// MonitorOption is an option for a Monitor.
type MonitorOption func(*Monitor)

// WithFilters sets filters for passing events by property. Properties
// within a map must all match, any of the maps matching passes the event.
// Values are matched as glob patterns.
func WithFilters(filters ...map[string]string) MonitorOption {
	return func(m *Monitor) {
		m.filters = append(m.filters, filters...)
	}
}

// Monitor delivers filtered udev events.
type Monitor struct {
	r       *EventReader
	filters []map[string]string
	once    sync.Once
}

// NewMonitor creates a monitor reading the kernel uevent socket.
func NewMonitor(options ...MonitorOption) (*Monitor, error) {
	r, err := NewEventReader()
	if err != nil {
		return nil, fmt.Errorf("failed to create udev monitor reader: %w", err)
	}
	return newMonitor(r, options...), nil
}

// NewMonitorFromReader creates a monitor reading raw event data from r.
func NewMonitorFromReader(r io.ReadCloser, options ...MonitorOption) *Monitor {
	return newMonitor(NewEventReaderFromReader(r), options...)
}

func newMonitor(r *EventReader, options ...MonitorOption) *Monitor {
	m := &Monitor{
		r: r,
	}
	for _, o := range options {
		o(m)
	}
	return m
}

// Start starts delivering events that pass the filters. The channel is
// closed when reading fails or the monitor is stopped. Events are dropped
// while the receiver is not keeping up.
func (m *Monitor) Start(events chan<- *Event) {
	go m.run(events)
}

// Stop stops event monitoring.
func (m *Monitor) Stop() error {
	var err error
	m.once.Do(func() {
		err = m.r.Close()
	})
	return err
}

func (m *Monitor) run(events chan<- *Event) {
	defer close(events)

	var stuck bool
	for {
		evt, err := m.r.Read()
		if err != nil {
			if err != io.EOF {
				log.Error("failed to read udev event: %v", err)
			}
			m.Stop() // nolint:errcheck
			return
		}

		if !m.filter(evt) {
			continue
		}

		select {
		case events <- evt:
			if stuck {
				log.Warn("receiver reading again, delivering udev events (%s %s)...",
					evt.Subsystem, evt.Action)
				stuck = false
			}
		default:
			if !stuck {
				log.Warn("receiver stuck, dropping udev events (%s %s)...",
					evt.Subsystem, evt.Action)
				stuck = true
			}
		}
	}
}

func (m *Monitor) filter(evt *Event) bool {
	if len(m.filters) == 0 {
		return true
	}

	for _, filter := range m.filters {
		if matches(filter, evt) {
			return true
		}
	}

	return false
}

func matches(filter map[string]string, evt *Event) bool {
	for k, pattern := range filter {
		ok, err := path.Match(pattern, evt.Properties[k])
		if err != nil {
			log.Error("invalid udev filter pattern %q for %s: %v", pattern, k, err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}
