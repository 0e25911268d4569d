// Package registry tracks live connections, the user behind each one, and the
// groups each connection belongs to.
//
// The connection→groups and group→connections indexes are kept consistent:
// a connection is a member of group G exactly when G appears in that
// connection's membership set. Locking is per connection and per group; the
// registry-wide lock only guards the two lookup tables and is never held
// while a membership set is being changed.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrNotFound is matched by every NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError reports a membership operation against a connection the
// registry does not know.
type NotFoundError struct {
	ConnID string
	Group  string
}

func (e *NotFoundError) Error() string {
	if e.Group == "" {
		return fmt.Sprintf("connection %q not found", e.ConnID)
	}
	return fmt.Sprintf("connection %q not found (group %q)", e.ConnID, e.Group)
}

// Unwrap lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}

type connection struct {
	mu      sync.Mutex
	id      string
	userID  string
	groups  map[string]struct{}
	removed bool
}

type group struct {
	mu      sync.RWMutex
	members map[string]struct{}
	// dead is set once the group has been dropped from the table; a joiner
	// holding a stale pointer must look it up again.
	dead bool
}

// Registry is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*connection
	groups map[string]*group
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		conns:  make(map[string]*connection),
		groups: make(map[string]*group),
	}
}

// AddConnection registers connID. Re-adding a live id replaces its user id
// and keeps its memberships.
func (r *Registry) AddConnection(connID, userID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if !ok {
		c = &connection{id: connID, groups: make(map[string]struct{})}
		r.conns[connID] = c
	}
	r.mu.Unlock()

	c.mu.Lock()
	c.userID = userID
	c.mu.Unlock()
}

// RemoveConnection drops connID and every membership it held. Unknown ids
// are ignored.
func (r *Registry) RemoveConnection(connID string) {
	r.mu.Lock()
	c, ok := r.conns[connID]
	if ok {
		delete(r.conns, connID)
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.removed = true
	for name := range c.groups {
		r.leave(name, connID)
	}
	c.groups = nil
}

// JoinGroup adds connID to name. It returns a *NotFoundError when connID is
// not registered; callers treat that as a no-op.
func (r *Registry) JoinGroup(connID, name string) error {
	c := r.connection(connID)
	if c == nil {
		return &NotFoundError{ConnID: connID, Group: name}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return &NotFoundError{ConnID: connID, Group: name}
	}
	if _, ok := c.groups[name]; ok {
		return nil
	}

	for {
		g := r.groupFor(name)
		g.mu.Lock()
		if g.dead {
			g.mu.Unlock()
			continue
		}
		g.members[connID] = struct{}{}
		g.mu.Unlock()
		break
	}
	c.groups[name] = struct{}{}
	return nil
}

// LeaveGroup removes connID from name. Leaving a group the connection is not
// in is not an error; an unknown connection is.
func (r *Registry) LeaveGroup(connID, name string) error {
	c := r.connection(connID)
	if c == nil {
		return &NotFoundError{ConnID: connID, Group: name}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return &NotFoundError{ConnID: connID, Group: name}
	}
	if _, ok := c.groups[name]; !ok {
		return nil
	}
	delete(c.groups, name)
	r.leave(name, connID)
	return nil
}

// MembersOf returns a snapshot of the connections in name, sorted. An unknown
// or empty group yields an empty, non-nil slice.
func (r *Registry) MembersOf(name string) []string {
	r.mu.RLock()
	g, ok := r.groups[name]
	r.mu.RUnlock()
	if !ok {
		return []string{}
	}

	g.mu.RLock()
	members := make([]string, 0, len(g.members))
	for id := range g.members {
		members = append(members, id)
	}
	g.mu.RUnlock()

	sort.Strings(members)
	return members
}

// Connections returns a sorted snapshot of every live connection id.
func (r *Registry) Connections() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Strings(ids)
	return ids
}

// User returns the user id recorded for connID.
func (r *Registry) User(connID string) (string, error) {
	c := r.connection(connID)
	if c == nil {
		return "", &NotFoundError{ConnID: connID}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID, nil
}

// Groups returns the sorted groups connID belongs to.
func (r *Registry) Groups(connID string) ([]string, error) {
	c := r.connection(connID)
	if c == nil {
		return nil, &NotFoundError{ConnID: connID}
	}

	c.mu.Lock()
	names := make([]string, 0, len(c.groups))
	for name := range c.groups {
		names = append(names, name)
	}
	c.mu.Unlock()

	sort.Strings(names)
	return names, nil
}

// Count returns the number of live connections and non-empty groups.
func (r *Registry) Count() (connections, groups int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns), len(r.groups)
}

func (r *Registry) connection(connID string) *connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[connID]
}

func (r *Registry) groupFor(name string) *group {
	r.mu.RLock()
	g, ok := r.groups[name]
	r.mu.RUnlock()
	if ok {
		return g
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok = r.groups[name]; ok {
		return g
	}
	g = &group{members: make(map[string]struct{})}
	r.groups[name] = g
	return g
}

// leave removes connID from the group table entry and drops the entry once it
// is empty. The caller holds the connection's lock.
func (r *Registry) leave(name, connID string) {
	r.mu.RLock()
	g, ok := r.groups[name]
	r.mu.RUnlock()
	if !ok {
		return
	}

	g.mu.Lock()
	delete(g.members, connID)
	empty := len(g.members) == 0
	g.mu.Unlock()
	if !empty {
		return
	}

	r.mu.Lock()
	g.mu.Lock()
	if len(g.members) == 0 && r.groups[name] == g {
		g.dead = true
		delete(r.groups, name)
	}
	g.mu.Unlock()
	r.mu.Unlock()
}
