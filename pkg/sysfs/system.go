// Copyright 2019 Intel Corporation. All Rights Reserved.
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

// Package sysfs discovers the CPU package topology of the system and picks
// the CPUs on which per-socket monitoring counters are read.
package sysfs

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	idset "github.com/intel/goresctrl/pkg/utils"
	"k8s.io/utils/cpuset"

	logger "github.com/containers/mid-monitor/pkg/log"
)

var (
	// Parent directory under which host sysfs, etc. is mounted (if non-standard location).
	sysRoot = ""
	// Our logger instance.
	log = logger.NewLogger("sysfs")
)

const (
	// sysfs devices/cpu subdirectory path
	sysfsCPUPath = "devices/system/cpu"
)

// System describes the CPU packages of the system.
type System interface {
	// PackageIDs returns the sorted physical package ids.
	PackageIDs() []idset.ID
	// PackageCount returns the number of physical packages.
	PackageCount() int
	// PackageCPUs returns the online CPUs of a package.
	PackageCPUs(id idset.ID) cpuset.CPUSet
	// CPUPackage returns the package of a CPU.
	CPUPackage(cpu int) (idset.ID, bool)
	// OnlineCPUs returns the set of online CPUs.
	OnlineCPUs() cpuset.CPUSet
	// Readers returns the lowest online CPU of every package.
	Readers() cpuset.CPUSet
	// Sockets returns the number of packages with online CPUs.
	Sockets() int
	// SocketOf returns the dense socket index, in package id order, of a CPU.
	SocketOf(cpu int) (int, bool)
	// Refresh rediscovers the set of online CPUs.
	Refresh() error
}

// system is the discovered or configured system.
type system struct {
	logger.Logger                          // our logger instance
	sync.RWMutex                           // protects online and derived state
	path          string                   // sysfs mount point, empty if static
	cpuPkg        map[int]idset.ID         // package of each known CPU
	online        idset.IDSet              // set of online CPUs
	pkgCPUs       map[idset.ID]idset.IDSet // online CPUs by package
	pkgIDs        []idset.ID               // sorted ids of packages with online CPUs
	socket        map[idset.ID]int         // dense socket index of packages
}

// SetSysRoot sets the sys root directory.
func SetSysRoot(path string) {
	sysRoot = path
}

// DiscoverSystem performs discovery of the running systems details.
func DiscoverSystem() (System, error) {
	return DiscoverSystemAt(filepath.Join("/", sysRoot, "sys"))
}

// DiscoverSystemAt performs discovery of the running systems details from sysfs mounted at path.
func DiscoverSystemAt(path string) (System, error) {
	sys := &system{
		Logger: log,
		path:   path,
		cpuPkg: map[int]idset.ID{},
	}

	if err := sys.Refresh(); err != nil {
		return nil, err
	}

	return sys, nil
}

// NewSystem creates a System with the given CPUs in each package. All CPUs
// are online.
func NewSystem(packages map[idset.ID]cpuset.CPUSet) (System, error) {
	sys := &system{
		Logger: log,
		cpuPkg: map[int]idset.ID{},
	}

	online := idset.NewIDSet()
	for pkg, cpus := range packages {
		for _, cpu := range cpus.List() {
			if other, ok := sys.cpuPkg[cpu]; ok {
				return nil, fmt.Errorf("CPU #%d in both package %d and %d", cpu, other, pkg)
			}
			sys.cpuPkg[cpu] = pkg
			online.Add(cpu)
		}
	}

	if err := sys.update(online); err != nil {
		return nil, err
	}

	return sys, nil
}

// Refresh rediscovers the set of online CPUs and their packages.
func (sys *system) Refresh() error {
	if sys.path == "" {
		return nil
	}

	base := filepath.Join(sys.path, sysfsCPUPath)

	onlineCPUs := cpuset.New()
	if _, err := readSysfsEntry(base, "online", &onlineCPUs); err != nil {
		return fmt.Errorf("failed to get set of online cpus: %w", err)
	}

	cpuPkg := map[int]idset.ID{}
	for _, id := range onlineCPUs.List() {
		var pkg idset.ID
		entry := filepath.Join("cpu"+strconv.Itoa(id), "topology/physical_package_id")
		if _, err := readSysfsEntry(base, entry, &pkg); err != nil {
			return fmt.Errorf("failed to discover package of cpu #%d: %w", id, err)
		}
		cpuPkg[id] = pkg
	}

	sys.Lock()
	for cpu, pkg := range cpuPkg {
		sys.cpuPkg[cpu] = pkg
	}
	sys.Unlock()

	return sys.update(idset.NewIDSet(onlineCPUs.List()...))
}

// update recalculates package CPUs, socket indices and readers.
func (sys *system) update(online idset.IDSet) error {
	sys.Lock()
	defer sys.Unlock()

	if online.Size() == 0 {
		return fmt.Errorf("no online CPUs found")
	}

	pkgCPUs := map[idset.ID]idset.IDSet{}
	for _, cpu := range online.Members() {
		pkg, ok := sys.cpuPkg[cpu]
		if !ok {
			return fmt.Errorf("unknown package for online CPU #%d", cpu)
		}
		if cpus, ok := pkgCPUs[pkg]; ok {
			cpus.Add(cpu)
		} else {
			pkgCPUs[pkg] = idset.NewIDSet(cpu)
		}
	}

	pkgIDs := make([]idset.ID, 0, len(pkgCPUs))
	for pkg := range pkgCPUs {
		pkgIDs = append(pkgIDs, pkg)
	}
	sort.Ints(pkgIDs)

	socket := make(map[idset.ID]int, len(pkgIDs))
	for idx, pkg := range pkgIDs {
		socket[pkg] = idx
	}

	sys.online = online
	sys.pkgCPUs = pkgCPUs
	sys.pkgIDs = pkgIDs
	sys.socket = socket

	sys.Debug("online CPUs %s, packages %v", online.String(), pkgIDs)

	return nil
}

// PackageIDs gets the ids of all packages present in the system.
func (sys *system) PackageIDs() []idset.ID {
	sys.RLock()
	defer sys.RUnlock()
	return append([]idset.ID{}, sys.pkgIDs...)
}

// PackageCount returns the number of physical packages.
func (sys *system) PackageCount() int {
	sys.RLock()
	defer sys.RUnlock()
	return len(sys.pkgIDs)
}

// PackageCPUs returns the online CPUs of a package.
func (sys *system) PackageCPUs(id idset.ID) cpuset.CPUSet {
	sys.RLock()
	defer sys.RUnlock()
	if cpus, ok := sys.pkgCPUs[id]; ok {
		return cpuset.New(cpus.Members()...)
	}
	return cpuset.New()
}

// CPUPackage returns the package of the given CPU.
func (sys *system) CPUPackage(cpu int) (idset.ID, bool) {
	sys.RLock()
	defer sys.RUnlock()
	pkg, ok := sys.cpuPkg[cpu]
	return pkg, ok
}

// OnlineCPUs gets the set of online CPUs.
func (sys *system) OnlineCPUs() cpuset.CPUSet {
	sys.RLock()
	defer sys.RUnlock()
	return cpuset.New(sys.online.Members()...)
}

// Readers returns the lowest online CPU of every package.
func (sys *system) Readers() cpuset.CPUSet {
	sys.RLock()
	defer sys.RUnlock()

	readers := make([]int, 0, len(sys.pkgIDs))
	for _, pkg := range sys.pkgIDs {
		readers = append(readers, sys.pkgCPUs[pkg].SortedMembers()[0])
	}
	return cpuset.New(readers...)
}

// Sockets returns the number of packages with online CPUs.
func (sys *system) Sockets() int {
	return sys.PackageCount()
}

// SocketOf returns the socket index of an online CPU.
func (sys *system) SocketOf(cpu int) (int, bool) {
	sys.RLock()
	defer sys.RUnlock()
	if !sys.online.Has(cpu) {
		return 0, false
	}
	idx, ok := sys.socket[sys.cpuPkg[cpu]]
	return idx, ok
}

// readSysfsEntry reads and parses a single sysfs entry.
func readSysfsEntry(base, entry string, ptr interface{}) (string, error) {
	path := filepath.Join(base, entry)

	blob, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read sysfs entry %s: %w", path, err)
	}

	buf := strings.TrimSpace(string(blob))

	switch p := ptr.(type) {
	case nil:
	case *string:
		*p = buf
	case *int:
		v, err := strconv.Atoi(buf)
		if err != nil {
			return "", sysfsParseError(path, buf, err)
		}
		*p = v
	case *cpuset.CPUSet:
		v, err := cpuset.Parse(buf)
		if err != nil {
			return "", sysfsParseError(path, buf, err)
		}
		*p = v
	default:
		return "", fmt.Errorf("unsupported sysfs entry type %T", ptr)
	}

	return buf, nil
}

func sysfsParseError(path, value string, err error) error {
	return fmt.Errorf("invalid sysfs entry %s (%q): %w", path, value, err)
}
