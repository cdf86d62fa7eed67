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

// Package mid implements allocation of scarce hardware monitoring
// identifiers (MIDs) to monitoring groups.
//
// # MIDs, Registry, Pool
//
// The hardware tags cache and memory bandwidth activity with a MID. There
// are far fewer MIDs than potential monitoring scopes, so MIDs are handed
// out to groups, taken away and recycled. The Registry holds one Record
// per MID. MID 0 is reserved for unmonitored activity and never leaves the
// registry. The Pool keeps released MIDs in Limbo for a quarantine period
// before they are verified clean and put back to the Free queue. Both
// queues are strict FIFOs.
//
// # Scopes, Groups
//
// A Scope describes what a client monitors: the whole system, a cgroup
// subtree, or a single task. Clients with compatible scopes share a group
// and a MID. Groups with conflicting scopes never hold a MID at the same
// time.
//
// # Rotation
//
// The Allocator periodically rotates MIDs among groups in round robin
// order. One clean MID is always kept in reserve so that a group losing
// its MID can be replaced without the new owner inheriting stale cache
// tags. An adaptive dirtiness threshold trades measurement accuracy for
// progress when quarantined MIDs do not drain fast enough.
package mid
