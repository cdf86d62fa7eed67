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

package klogcontrol

import (
	"testing"

	"github.com/stretchr/testify/require"

	cfgapi "github.com/containers/mid-monitor/pkg/apis/config/v1alpha1/log"
)

func TestConfigure(t *testing.T) {
	ctl := Get()

	require.NoError(t, ctl.Configure(cfgapi.KlogConfig{"v": "3"}))
	value, ok := ctl.Value("v")
	require.True(t, ok)
	require.Equal(t, "3", value)

	require.NoError(t, ctl.Configure(cfgapi.KlogConfig{"skip-headers": "true"}))
	value, ok = ctl.Value("skip_headers")
	require.True(t, ok)
	require.Equal(t, "true", value)

	require.Error(t, ctl.Configure(cfgapi.KlogConfig{"no-such-flag": "1"}))
	require.Error(t, ctl.Configure(cfgapi.KlogConfig{"v": "not-a-number"}))

	require.NoError(t, ctl.Configure(cfgapi.KlogConfig{"v": "0", "skip_headers": "false"}))
}
