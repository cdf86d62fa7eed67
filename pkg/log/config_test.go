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

package log

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1/log"
)

func TestSrcmapParse(t *testing.T) {
	tcs := []struct {
		description string
		value       string
		expected    srcmap
		fail        bool
	}{
		{
			description: "empty",
			value:       "",
			expected:    srcmap{},
		},
		{
			description: "implicitly enabled sources",
			value:       "mid,mbm",
			expected:    srcmap{"mid": true, "mbm": true},
		},
		{
			description: "state carried over to following sources",
			value:       "on:mid,mbm,off:sysfs,config",
			expected: srcmap{
				"mid": true, "mbm": true,
				"sysfs": false, "config": false,
			},
		},
		{
			description: "all is a wildcard",
			value:       "all",
			expected:    srcmap{"*": true},
		},
		{
			description: "groups expand to their members",
			value:       "allocator,off:hardware",
			expected: srcmap{
				"mid": true, "mid-details": true,
				"hw": false, "sim": false, "sysfs": false, "udev": false,
			},
		},
		{
			description: "invalid state",
			value:       "sometimes:mid",
			fail:        true,
		},
		{
			description: "invalid spec",
			value:       "on:mid:mbm",
			fail:        true,
		},
	}

	for _, tc := range tcs {
		t.Run(tc.description, func(t *testing.T) {
			m := srcmap{}
			err := m.parse(tc.value)
			if tc.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.expected, m)
		})
	}
}

func TestSrcmapString(t *testing.T) {
	m := srcmap{}
	require.NoError(t, m.parse("monitor,mid,off:udev,hw"))
	require.Equal(t, "on:mid,monitor,off:hw,udev", m.String())

	parsed := srcmap{}
	require.NoError(t, parsed.parse(m.String()))
	require.Equal(t, m, parsed)

	require.Equal(t, "", srcmap{}.String())
}

func TestConfigureDebug(t *testing.T) {
	lg := Get("test-configure")
	other := Get("test-other")

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"on:test-configure"}}))
	require.True(t, lg.DebugEnabled())
	require.False(t, other.DebugEnabled())

	require.NoError(t, Configure(&cfgapi.Config{Debug: []string{"all", "off:test-configure"}}))
	require.False(t, lg.DebugEnabled())
	require.True(t, other.DebugEnabled())

	require.Error(t, Configure(&cfgapi.Config{Debug: []string{"bogus:x"}}))

	require.NoError(t, Configure(nil))
	require.False(t, other.DebugEnabled())
}

func TestGetReturnsSameLogger(t *testing.T) {
	require.Equal(t, Get("same").Source(), NewLogger("same").Source())
	require.Equal(t, "default", Default().Source())
}
