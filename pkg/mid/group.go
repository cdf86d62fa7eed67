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
	"slices"
	"sync"
	"time"
)

type (
	// GroupID identifies a monitoring group.
	GroupID uint64
	// ClientID identifies a registered client.
	ClientID uint64
)

const (
	// NoGroup is the GroupID of no group.
	NoGroup GroupID = 0
)

// group is a set of clients with compatible scopes sharing a single MID.
type group struct {
	id      GroupID
	scope   Scope
	members map[ClientID]*Client
	created time.Time

	// lock protects mid and values. It is the only lock taken by queries
	// snapshotting the MID of a group and publishing values read for it.
	lock   sync.Mutex
	mid    ID
	values [NumEvents]uint64
}

// GroupInfo describes a monitoring group.
type GroupInfo struct {
	ID      GroupID
	Scope   Scope
	MID     ID
	Members int
}

func (i GroupInfo) String() string {
	return fmt.Sprintf("group #%d (%s, MID %s, %d members)", i.ID, i.Scope, i.MID, i.Members)
}

func newGroup(id GroupID, scope Scope, now time.Time) *group {
	return &group{
		id:      id,
		scope:   scope,
		members: map[ClientID]*Client{},
		created: now,
		mid:     InvalidID,
	}
}

func (g *group) getMID() ID {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.mid
}

func (g *group) hasMID() bool {
	return g.getMID().Valid()
}

// exchange sets the MID of the group, publishing any given values
// read for the old one.
func (g *group) exchange(id ID, values map[Event]uint64) ID {
	g.lock.Lock()
	defer g.lock.Unlock()

	old := g.mid
	for e, v := range values {
		g.values[e] = v
	}
	g.mid = id

	return old
}

// publish stores a value read for the given MID, unless the group has
// been assigned a different MID since.
func (g *group) publish(id ID, e Event, value uint64) bool {
	g.lock.Lock()
	defer g.lock.Unlock()

	if g.mid != id {
		return false
	}
	g.values[e] = value

	return true
}

func (g *group) cached(e Event) uint64 {
	g.lock.Lock()
	defer g.lock.Unlock()
	return g.values[e]
}

// events returns the union of the events of all members.
func (g *group) events() []Event {
	var mask [NumEvents]bool
	for _, c := range g.members {
		for _, e := range c.events {
			mask[e] = true
		}
	}

	events := make([]Event, 0, NumEvents)
	for e, set := range mask {
		if set {
			events = append(events, Event(e))
		}
	}

	return events
}

func (g *group) info() GroupInfo {
	return GroupInfo{
		ID:      g.id,
		Scope:   g.scope,
		MID:     g.getMID(),
		Members: len(g.members),
	}
}

func (g *group) String() string {
	return g.info().String()
}

// Client is a registered user of a monitoring group.
type Client struct {
	id     ClientID
	scope  Scope
	events []Event
	group  *group
}

// ID returns the ID of the client.
func (c *Client) ID() ClientID {
	return c.id
}

// Scope returns the monitoring scope of the client.
func (c *Client) Scope() Scope {
	return c.scope
}

// Events returns the events monitored by the client.
func (c *Client) Events() []Event {
	return slices.Clone(c.events)
}

// HasEvent returns true if the client monitors the given event.
func (c *Client) HasEvent(e Event) bool {
	return slices.Contains(c.events, e)
}

// HasBandwidthEvents returns true if the client monitors any bandwidth event.
func (c *Client) HasBandwidthEvents() bool {
	return slices.ContainsFunc(c.events, Event.IsBandwidth)
}

// Group returns the ID of the group of the client.
func (c *Client) Group() GroupID {
	return c.group.id
}

// MID returns a snapshot of the MID currently assigned to the group of
// the client, or InvalidID if it has none.
func (c *Client) MID() ID {
	return c.group.getMID()
}

// Publish stores the value of an event read for the given MID as the cached
// value of the group. It returns false and discards the value if the group
// is no longer assigned that MID.
func (c *Client) Publish(id ID, e Event, value uint64) bool {
	return c.group.publish(id, e, value)
}

// CachedValue returns the last published value of the event.
func (c *Client) CachedValue(e Event) uint64 {
	return c.group.cached(e)
}

func (c *Client) String() string {
	return fmt.Sprintf("client #%d (%s, group #%d)", c.id, c.scope, c.group.id)
}
