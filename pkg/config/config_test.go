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

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1"
	. "github.com/containers/mid-monitor/pkg/config"
)

const (
	window20 = `
kind: MidMonitor
metadata:
  name: test
spec:
  monitor:
    slidingWindowSize: 20
`
	window40 = `
spec:
  monitor:
    slidingWindowSize: 40
`
	badWindow = `
spec:
  monitor:
    slidingWindowSize: 1
`
)

func TestParse(t *testing.T) {
	for _, tc := range []struct {
		name   string
		data   string
		window int
		fail   bool
	}{
		{
			name:   "empty configuration gets defaults",
			data:   "",
			window: cfgapi.DefaultSlidingWindowSize,
		},
		{
			name:   "window size",
			data:   window20,
			window: 20,
		},
		{
			name: "invalid window size",
			data: badWindow,
			fail: true,
		},
		{
			name: "unknown field",
			data: "spec:\n  monitor:\n    rotationPeriod: 1s\n",
			fail: true,
		},
		{
			name: "wrong kind",
			data: "kind: Pod\n",
			fail: true,
		},
		{
			name: "wrong API version",
			data: "apiVersion: v1\n",
			fail: true,
		},
		{
			name: "malformed",
			data: "spec: [",
			fail: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Parse([]byte(tc.data))
			if tc.fail {
				require.ErrorIs(t, err, ErrInvalidConfig)
				return
			}
			require.NoError(t, err)
			require.Equal(t, cfgapi.Kind, cfg.Kind)
			require.Equal(t, cfgapi.APIVersion, cfg.APIVersion)
			require.Equal(t, tc.window, cfg.Spec.Monitor.SlidingWindowSize)
			require.NotZero(t, cfg.Spec.Monitor.RotationInterval.Duration)
		})
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")

	_, err := Load(file)
	require.ErrorIs(t, err, os.ErrNotExist)

	require.NoError(t, os.WriteFile(file, []byte(window20), 0o644))
	cfg, err := Load(file)
	require.NoError(t, err)
	require.Equal(t, 20, cfg.Spec.Monitor.SlidingWindowSize)
	require.Equal(t, file+":test", cfg.Name)
}

func waitFor(t *testing.T, w *Watch, what string, match func(Event) bool) {
	t.Helper()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case e, ok := <-w.ResultChan():
			require.True(t, ok, "watch closed while waiting for %s", what)
			if match(e) {
				return
			}
		case <-timeout:
			require.FailNow(t, "timeout waiting for "+what)
		}
	}
}

func hasWindow(n int) func(Event) bool {
	return func(e Event) bool {
		return e.Config != nil && e.Config.Spec.Monitor.SlidingWindowSize == n
	}
}

func TestWatchFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(window20), 0o644))

	w, err := WatchFile(file)
	require.NoError(t, err)
	defer w.Stop()

	e := <-w.ResultChan()
	require.Equal(t, Added, e.Type)
	require.Equal(t, 20, e.Config.Spec.Monitor.SlidingWindowSize)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte(window40), 0o644))
	require.NoError(t, os.WriteFile(file, []byte(badWindow), 0o644))
	require.NoError(t, os.WriteFile(file, []byte(window40), 0o644))
	waitFor(t, w, "modified configuration", hasWindow(40))

	require.NoError(t, os.Remove(file))
	waitFor(t, w, "deleted configuration", func(e Event) bool {
		return e.Type == Deleted
	})

	require.NoError(t, os.WriteFile(file, []byte(window20), 0o644))
	waitFor(t, w, "recreated configuration", hasWindow(20))

	w.Stop()
	w.Stop()
	for range w.ResultChan() {
	}
}

func TestWatchMissingFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")

	w, err := WatchFile(file)
	require.NoError(t, err)
	defer w.Stop()

	require.NoError(t, os.WriteFile(file, []byte(window40), 0o644))
	waitFor(t, w, "created configuration", hasWindow(40))
}

func TestWatchInvalidFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(file, []byte(badWindow), 0o644))

	_, err := WatchFile(file)
	require.ErrorIs(t, err, ErrInvalidConfig)
}
