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

package mid_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	. "github.com/containers/mid-monitor/pkg/mid"
)

func TestScopeValidate(t *testing.T) {
	for _, tc := range []struct {
		scope Scope
		valid bool
	}{
		{SystemScope("perf"), true},
		{CgroupScope("/kubepods"), true},
		{CgroupScope(""), false},
		{TaskScope(1, ""), true},
		{TaskScope(0, "/"), false},
		{InheritedTaskScope(2, 1, ""), true},
		{InheritedTaskScope(2, 2, ""), false},
		{Scope{Kind: ScopeKind(7)}, false},
	} {
		t.Run(tc.scope.String(), func(t *testing.T) {
			err := tc.scope.Validate()
			if tc.valid {
				require.NoError(t, err)
			} else {
				require.ErrorIs(t, err, ErrInvalidScope)
			}
		})
	}
}

func TestScopeRelations(t *testing.T) {
	type testCase struct {
		name       string
		a, b       Scope
		compatible bool
		conflicts  bool
	}

	for _, tc := range []*testCase{
		{
			name:       "same system scope",
			a:          SystemScope("a"),
			b:          SystemScope("a"),
			compatible: true,
		},
		{
			name:      "different system scopes",
			a:         SystemScope("a"),
			b:         SystemScope("b"),
			conflicts: true,
		},
		{
			name:      "system and cgroup",
			a:         SystemScope("a"),
			b:         CgroupScope("/a"),
			conflicts: true,
		},
		{
			name:      "system and task",
			a:         SystemScope("a"),
			b:         TaskScope(10, ""),
			conflicts: true,
		},
		{
			name:       "same cgroup",
			a:          CgroupScope("/a/b"),
			b:          CgroupScope("a/b/"),
			compatible: true,
		},
		{
			name:      "ancestor cgroup",
			a:         CgroupScope("/a"),
			b:         CgroupScope("/a/b"),
			conflicts: true,
		},
		{
			name:      "root cgroup",
			a:         CgroupScope("/"),
			b:         CgroupScope("/x"),
			conflicts: true,
		},
		{
			name: "disjoint cgroups",
			a:    CgroupScope("/a/b"),
			b:    CgroupScope("/a/c"),
		},
		{
			name: "cgroup name prefix is not ancestry",
			a:    CgroupScope("/a"),
			b:    CgroupScope("/ab"),
		},
		{
			name:      "task inside cgroup",
			a:         CgroupScope("/a"),
			b:         TaskScope(10, "/a/b"),
			conflicts: true,
		},
		{
			name: "task outside cgroup",
			a:    CgroupScope("/a"),
			b:    TaskScope(10, "/c"),
		},
		{
			name: "task with unknown cgroup",
			a:    CgroupScope("/a"),
			b:    TaskScope(10, ""),
		},
		{
			name:       "same task",
			a:          TaskScope(10, ""),
			b:          TaskScope(10, "/a"),
			compatible: true,
		},
		{
			name:       "inherited task",
			a:          TaskScope(10, ""),
			b:          InheritedTaskScope(11, 10, ""),
			compatible: true,
		},
		{
			name:      "unrelated tasks",
			a:         TaskScope(10, ""),
			b:         TaskScope(11, ""),
			conflicts: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.compatible, Compatible(tc.a, tc.b), "compatible(a, b)")
			require.Equal(t, tc.compatible, Compatible(tc.b, tc.a), "compatible(b, a)")
			require.Equal(t, tc.conflicts, Conflicts(tc.a, tc.b), "conflicts(a, b)")
			require.Equal(t, tc.conflicts, Conflicts(tc.b, tc.a), "conflicts(b, a)")
		})
	}
}
