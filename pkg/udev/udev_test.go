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

package udev_test

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	. "github.com/containers/mid-monitor/pkg/udev"
)

func rawEvent(action, devpath, subsystem, seqnum string) string {
	return strings.Join([]string{
		action + "@" + devpath,
		"ACTION=" + action,
		"DEVPATH=" + devpath,
		"SUBSYSTEM=" + subsystem,
		"SEQNUM=" + seqnum,
	}, "\x00") + "\x00"
}

func TestEventReader(t *testing.T) {
	data := rawEvent("offline", "/devices/system/cpu/cpu3", "cpu", "1") +
		rawEvent("add", "/devices/virtual/net/lo", "net", "2")

	r := NewEventReaderFromReader(io.NopCloser(strings.NewReader(data)))

	e, err := r.Read()
	require.NoError(t, err)
	require.Equal(t, "offline@/devices/system/cpu/cpu3", e.Header)
	require.Equal(t, "offline", e.Action)
	require.Equal(t, "/devices/system/cpu/cpu3", e.Devpath)
	require.Equal(t, "cpu", e.Subsystem)
	require.Equal(t, "1", e.Seqnum)
	require.Equal(t, "cpu", e.Properties[PropertySubsystem])

	e, err = r.Read()
	require.NoError(t, err)
	require.Equal(t, "net", e.Subsystem)

	_, err = r.Read()
	require.ErrorIs(t, err, io.EOF)

	r = NewEventReaderFromReader(io.NopCloser(strings.NewReader("hdr\x00garbage\x00")))
	_, err = r.Read()
	require.ErrorIs(t, err, ErrFormat)
}

func TestMonitorFilters(t *testing.T) {
	var data bytes.Buffer
	data.WriteString(rawEvent("offline", "/devices/system/cpu/cpu3", "cpu", "1"))
	data.WriteString(rawEvent("add", "/devices/virtual/net/lo", "net", "2"))
	data.WriteString(rawEvent("online", "/devices/system/cpu/cpu3", "cpu", "3"))
	data.WriteString(rawEvent("change", "/devices/system/cpu/cpu3", "cpu", "4"))

	m := NewMonitorFromReader(io.NopCloser(&data),
		WithFilters(
			map[string]string{PropertySubsystem: "cpu", PropertyAction: "o*line"},
		),
	)

	events := make(chan *Event, 8)
	m.Start(events)

	var seqnums []string
	timeout := time.After(5 * time.Second)
	for done := false; !done; {
		select {
		case e, ok := <-events:
			if !ok {
				done = true
				break
			}
			seqnums = append(seqnums, e.Seqnum)
		case <-timeout:
			require.FailNow(t, "timeout waiting for udev events")
		}
	}

	require.Equal(t, []string{"1", "3"}, seqnums)
	require.NoError(t, m.Stop())
}
