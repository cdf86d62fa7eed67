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

package mid

import (
	"fmt"
	"path"
	"strings"
)

// ScopeKind is the kind of a monitoring scope.
type ScopeKind int

const (
	// ScopeSystem monitors everything running on the system.
	ScopeSystem ScopeKind = iota
	// ScopeCgroup monitors all tasks in a cgroup subtree.
	ScopeCgroup
	// ScopeTask monitors a single task.
	ScopeTask
)

func (k ScopeKind) String() string {
	switch k {
	case ScopeSystem:
		return "system"
	case ScopeCgroup:
		return "cgroup"
	case ScopeTask:
		return "task"
	}
	return fmt.Sprintf("<unknown scope kind %d>", int(k))
}

// Scope describes the set of execution contexts a client monitors.
type Scope struct {
	// Kind of the scope.
	Kind ScopeKind
	// Name identifies a system-wide scope.
	Name string
	// Cgroup is the path of a cgroup scope, or the cgroup of a task.
	Cgroup string
	// Task is the ID of a monitored task.
	Task int
	// Parent is the task a task scope was inherited from, or 0.
	Parent int
}

// SystemScope returns a system-wide scope with the given name.
func SystemScope(name string) Scope {
	return Scope{Kind: ScopeSystem, Name: name}
}

// CgroupScope returns a scope for the cgroup subtree rooted at path.
func CgroupScope(cgroup string) Scope {
	return Scope{Kind: ScopeCgroup, Cgroup: cleanCgroup(cgroup)}
}

// TaskScope returns a scope for a single task in the given cgroup. The
// cgroup may be left empty if it is not known.
func TaskScope(task int, cgroup string) Scope {
	return Scope{Kind: ScopeTask, Task: task, Cgroup: cleanCgroup(cgroup)}
}

// InheritedTaskScope returns a task scope inherited from a parent task.
func InheritedTaskScope(task, parent int, cgroup string) Scope {
	s := TaskScope(task, cgroup)
	s.Parent = parent
	return s
}

// Validate checks that the scope is well-formed.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeSystem:
		return nil
	case ScopeCgroup:
		if s.Cgroup == "" {
			return fmt.Errorf("%w: cgroup scope without cgroup path", ErrInvalidScope)
		}
		return nil
	case ScopeTask:
		if s.Task <= 0 {
			return fmt.Errorf("%w: task scope with invalid task %d", ErrInvalidScope, s.Task)
		}
		if s.Parent < 0 || s.Parent == s.Task {
			return fmt.Errorf("%w: task %d has invalid parent %d", ErrInvalidScope,
				s.Task, s.Parent)
		}
		return nil
	}
	return fmt.Errorf("%w: unknown scope kind %d", ErrInvalidScope, int(s.Kind))
}

func (s Scope) String() string {
	switch s.Kind {
	case ScopeSystem:
		if s.Name == "" {
			return "system"
		}
		return "system:" + s.Name
	case ScopeCgroup:
		return "cgroup:" + s.Cgroup
	case ScopeTask:
		str := fmt.Sprintf("task:%d", s.Task)
		if s.Parent != 0 {
			str += fmt.Sprintf("<-%d", s.Parent)
		}
		if s.Cgroup != "" {
			str += "@" + s.Cgroup
		}
		return str
	}
	return "<invalid scope>"
}

// Compatible returns true if the two scopes monitor the same set of tasks
// and can therefore share a single MID.
func Compatible(a, b Scope) bool {
	if a.Kind != b.Kind {
		return false
	}

	switch a.Kind {
	case ScopeSystem:
		return a.Name == b.Name
	case ScopeCgroup:
		return a.Cgroup == b.Cgroup
	case ScopeTask:
		return a.Task == b.Task || inherited(a, b)
	}

	return false
}

// Conflicts returns true if the two scopes must never hold MIDs at the
// same time, because cache lines of the same tasks would be attributed
// to both.
func Conflicts(a, b Scope) bool {
	if Compatible(a, b) {
		return false
	}

	if a.Kind == ScopeSystem || b.Kind == ScopeSystem {
		// Only one system-wide group may be active at any time.
		return true
	}

	switch {
	case a.Kind == ScopeCgroup && b.Kind == ScopeCgroup:
		return isAncestor(a.Cgroup, b.Cgroup) || isAncestor(b.Cgroup, a.Cgroup)

	case a.Kind == ScopeCgroup && b.Kind == ScopeTask:
		return inSubtree(a.Cgroup, b.Cgroup)

	case a.Kind == ScopeTask && b.Kind == ScopeCgroup:
		return inSubtree(b.Cgroup, a.Cgroup)

	case a.Kind == ScopeTask && b.Kind == ScopeTask:
		return a.Task != b.Task && !inherited(a, b)
	}

	return false
}

func inherited(a, b Scope) bool {
	return (a.Parent != 0 && a.Parent == b.Task) || (b.Parent != 0 && b.Parent == a.Task)
}

// isAncestor returns true if cgroup a is a proper ancestor of cgroup b.
func isAncestor(a, b string) bool {
	if a == b {
		return false
	}
	if a == "/" {
		return strings.HasPrefix(b, "/")
	}
	return strings.HasPrefix(b, a+"/")
}

// inSubtree returns true if cgroup is in the subtree rooted at root.
func inSubtree(root, cgroup string) bool {
	if cgroup == "" {
		return false
	}
	return root == cgroup || isAncestor(root, cgroup)
}

func cleanCgroup(cgroup string) string {
	if cgroup == "" {
		return ""
	}
	return path.Clean("/" + cgroup)
}
