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

package sysfs_test

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	idset "github.com/intel/goresctrl/pkg/utils"
	"github.com/stretchr/testify/require"
	"k8s.io/utils/cpuset"

	. "github.com/containers/mid-monitor/pkg/sysfs"
)

// fakeSysfs creates a minimal sysfs tree with the given CPU packages.
func fakeSysfs(t *testing.T, online string, packages map[int]int) string {
	root := t.TempDir()
	base := filepath.Join(root, "devices/system/cpu")

	write := func(entry, content string) {
		path := filepath.Join(base, entry)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content+"\n"), 0o644))
	}

	write("online", online)
	for cpu, pkg := range packages {
		write(filepath.Join("cpu"+strconv.Itoa(cpu), "topology/physical_package_id"), strconv.Itoa(pkg))
	}

	return root
}

func TestDiscoverSystemAt(t *testing.T) {
	root := fakeSysfs(t, "0-3,6-7", map[int]int{
		0: 1, 1: 1, 2: 1, 3: 3, 6: 3, 7: 3,
	})

	sys, err := DiscoverSystemAt(root)
	require.NoError(t, err)

	require.Equal(t, []idset.ID{1, 3}, sys.PackageIDs())
	require.Equal(t, 2, sys.PackageCount())
	require.Equal(t, 2, sys.Sockets())
	require.Equal(t, "0-3,6-7", sys.OnlineCPUs().String())
	require.Equal(t, "0-2", sys.PackageCPUs(1).String())
	require.Equal(t, "3,6-7", sys.PackageCPUs(3).String())
	require.Equal(t, 0, sys.PackageCPUs(2).Size())
	require.Equal(t, cpuset.New(0, 3), sys.Readers())

	pkg, ok := sys.CPUPackage(6)
	require.True(t, ok)
	require.Equal(t, 3, pkg)

	for cpu, socket := range map[int]int{0: 0, 2: 0, 3: 1, 7: 1} {
		idx, ok := sys.SocketOf(cpu)
		require.True(t, ok, "CPU #%d", cpu)
		require.Equal(t, socket, idx, "CPU #%d", cpu)
	}
	_, ok = sys.SocketOf(4)
	require.False(t, ok)
}

func TestRefreshReselectsReaders(t *testing.T) {
	root := fakeSysfs(t, "0-3", map[int]int{0: 0, 1: 0, 2: 1, 3: 1})

	sys, err := DiscoverSystemAt(root)
	require.NoError(t, err)
	require.Equal(t, cpuset.New(0, 2), sys.Readers())

	online := filepath.Join(root, "devices/system/cpu/online")
	require.NoError(t, os.WriteFile(online, []byte("1,3\n"), 0o644))
	require.NoError(t, sys.Refresh())

	require.Equal(t, cpuset.New(1, 3), sys.Readers())
	_, ok := sys.SocketOf(0)
	require.False(t, ok)
}

func TestDiscoveryErrors(t *testing.T) {
	_, err := DiscoverSystemAt(t.TempDir())
	require.Error(t, err, "missing online file")

	root := fakeSysfs(t, "0-1", map[int]int{0: 0})
	_, err = DiscoverSystemAt(root)
	require.Error(t, err, "missing package id")

	root = fakeSysfs(t, "zero", map[int]int{})
	_, err = DiscoverSystemAt(root)
	require.Error(t, err, "malformed online CPU list")
}

func TestNewSystem(t *testing.T) {
	sys, err := NewSystem(map[idset.ID]cpuset.CPUSet{
		0: cpuset.New(4, 5, 6, 7),
		1: cpuset.New(0, 1, 2, 3),
	})
	require.NoError(t, err)
	require.NoError(t, sys.Refresh())

	require.Equal(t, cpuset.New(0, 4), sys.Readers())
	idx, ok := sys.SocketOf(5)
	require.True(t, ok)
	require.Equal(t, 0, idx)

	_, err = NewSystem(map[idset.ID]cpuset.CPUSet{0: cpuset.New(0), 1: cpuset.New(0)})
	require.Error(t, err)
	_, err = NewSystem(nil)
	require.Error(t, err)
}
