// Package registry is the concurrent directory of live agents. It keeps a
// single primary map keyed by agent id with secondary indexes by type and
// capability, all updated under one lock so the indexes can never drift
// from the primary entries.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pcharbon70/rubberduck/agent"
)

// Entry is one live agent's registration.
type Entry struct {
	ID           string
	Handle       *agent.Process
	Type         string
	Capabilities []string
	Config       agent.Config
	Status       agent.Status
	StartedAt    time.Time
	LastActivity time.Time
}

// Registry is safe for concurrent use by any number of goroutines. It
// implements agent.StatusPublisher so processes can push status updates.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
	byType  map[string]map[string]struct{}
	byCap   map[string]map[string]struct{}
	subs    map[string]map[string]struct{} // event type -> subscriber ids
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[string]*Entry),
		byType:  make(map[string]map[string]struct{}),
		byCap:   make(map[string]map[string]struct{}),
		subs:    make(map[string]map[string]struct{}),
	}
}

// Register inserts an entry. Registration is atomic: the primary entry and
// both secondary indexes appear together, and concurrent registrations of
// the same id have exactly one winner.
func (r *Registry) Register(e Entry) error {
	if e.ID == "" {
		return fmt.Errorf("register: empty agent id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[e.ID]; exists {
		return fmt.Errorf("agent %s already registered", e.ID)
	}

	entry := e
	r.entries[e.ID] = &entry
	addIndex(r.byType, e.Type, e.ID)
	for _, cap := range e.Capabilities {
		addIndex(r.byCap, cap, e.ID)
	}
	return nil
}

// Deregister removes an entry, its index references, and its event
// subscriptions in one atomic step.
func (r *Registry) Deregister(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, exists := r.entries[id]
	if !exists {
		return fmt.Errorf("deregister agent %s: %w", id, agent.ErrAgentNotFound)
	}

	delete(r.entries, id)
	removeIndex(r.byType, entry.Type, id)
	for _, cap := range entry.Capabilities {
		removeIndex(r.byCap, cap, id)
	}
	for _, subscribers := range r.subs {
		delete(subscribers, id)
	}
	return nil
}

// Lookup returns a copy of the entry for id.
func (r *Registry) Lookup(id string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// ListByType returns entries of the given type, sorted by id so callers
// iterate deterministically.
func (r *Registry) ListByType(agentType string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byType[agentType])
}

// ListByCapability returns entries advertising the given capability,
// sorted by id.
func (r *Registry) ListByCapability(capability string) []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.collect(r.byCap[capability])
}

// List returns all entries sorted by id.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

// Count returns the number of live entries.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// CountByType returns a count of live agents per type.
func (r *Registry) CountByType() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int, len(r.byType))
	for t, ids := range r.byType {
		if len(ids) > 0 {
			counts[t] = len(ids)
		}
	}
	return counts
}

// PublishStatus implements agent.StatusPublisher, keeping an entry's
// status and activity timestamp current. Unknown ids are ignored: a
// process may publish its final transition after deregistration.
func (r *Registry) PublishStatus(agentID string, status agent.Status, lastActivity time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.entries[agentID]; ok {
		entry.Status = status
		entry.LastActivity = lastActivity
	}
}

// Subscribe adds a subscriber to an event type. Subscribing twice is a
// no-op.
func (r *Registry) Subscribe(eventType, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	addIndex(r.subs, eventType, subscriberID)
}

// Unsubscribe removes a subscriber from an event type.
func (r *Registry) Unsubscribe(eventType, subscriberID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	removeIndex(r.subs, eventType, subscriberID)
}

// Subscribers returns the current subscriber ids for an event type,
// sorted for deterministic delivery order.
func (r *Registry) Subscribers(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.subs[eventType]))
	for id := range r.subs[eventType] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// collect resolves an id set to sorted entry copies. Callers must hold at
// least the read lock.
func (r *Registry) collect(ids map[string]struct{}) []Entry {
	entries := make([]Entry, 0, len(ids))
	for id := range ids {
		if e, ok := r.entries[id]; ok {
			entries = append(entries, *e)
		}
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ID < entries[j].ID })
	return entries
}

func addIndex(index map[string]map[string]struct{}, key, id string) {
	set, ok := index[key]
	if !ok {
		set = make(map[string]struct{})
		index[key] = set
	}
	set[id] = struct{}{}
}

func removeIndex(index map[string]map[string]struct{}, key, id string) {
	if set, ok := index[key]; ok {
		delete(set, id)
		if len(set) == 0 {
			delete(index, key)
		}
	}
}
