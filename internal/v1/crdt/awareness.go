package crdt

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// Awareness carries ephemeral per-client presence state (cursor, selection,
// user info) alongside the document. States are never persisted; they live
// only as long as the originating connection.
//
// Wire layout: numEntries, then per entry client, clock, JSON string. The
// JSON literal "null" removes the entry.

// AwarenessHandler observes state changes: which clients were added,
// updated and removed in one applied update.
type AwarenessHandler func(added, updated, removed []uint64, origin any)

type awarenessEntry struct {
	clock uint64
	state string // JSON-encoded client state
}

// Awareness is the document's ephemeral presence map.
type Awareness struct {
	doc *Doc

	mu        sync.Mutex
	states    map[uint64]awarenessEntry
	clocks    map[uint64]uint64 // survives removal so re-adds use a fresh clock
	observers map[int]AwarenessHandler
	nextObsID int
	destroyed bool
}

func newAwareness(doc *Doc) *Awareness {
	return &Awareness{
		doc:       doc,
		states:    make(map[uint64]awarenessEntry),
		clocks:    make(map[uint64]uint64),
		observers: make(map[int]AwarenessHandler),
	}
}

// OnChange registers an observer; the returned function detaches it.
func (a *Awareness) OnChange(handler AwarenessHandler) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextObsID
	a.nextObsID++
	a.observers[id] = handler
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.observers, id)
	}
}

// SetLocalState publishes the document replica's own state. A "null" JSON
// state removes it.
func (a *Awareness) SetLocalState(jsonState string) []byte {
	a.mu.Lock()
	client := a.doc.clientID
	clock := a.clocks[client] + 1
	a.clocks[client] = clock
	update := a.applyEntryLocked(client, clock, jsonState)
	a.mu.Unlock()
	a.notify(update, nil)
	return encodeAwarenessEntries([]awarenessWire{{client: client, clock: clock, state: jsonState}})
}

// States returns the live client states (JSON-encoded).
func (a *Awareness) States() map[uint64]string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]string, len(a.states))
	for client, entry := range a.states {
		out[client] = entry.state
	}
	return out
}

// EncodeAll serializes every live state into one awareness update.
func (a *Awareness) EncodeAll() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	entries := make([]awarenessWire, 0, len(a.states))
	clients := make([]uint64, 0, len(a.states))
	for client := range a.states {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	for _, client := range clients {
		e := a.states[client]
		entries = append(entries, awarenessWire{client: client, clock: e.clock, state: e.state})
	}
	return encodeAwarenessEntries(entries)
}

// Count returns the number of live states.
func (a *Awareness) Count() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.states)
}

// ApplyUpdate merges a remote awareness update and returns the client IDs
// it mentioned (whether or not they changed), so callers can track which
// connection controls which clients.
func (a *Awareness) ApplyUpdate(update []byte, origin any) ([]uint64, error) {
	entries, err := decodeAwarenessEntries(update)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	seen := make([]uint64, 0, len(entries))
	var changed []changeSet
	for _, e := range entries {
		seen = append(seen, e.client)
		if e.clock <= a.clocks[e.client] {
			continue
		}
		a.clocks[e.client] = e.clock
		changed = append(changed, a.applyEntryLocked(e.client, e.clock, e.state)...)
	}
	a.mu.Unlock()
	a.notify(changed, origin)
	return seen, nil
}

// RemoveStates drops the given clients' states (connection closed) and
// returns the encoded removal update to broadcast, or nil if none was live.
func (a *Awareness) RemoveStates(clients []uint64, origin any) []byte {
	a.mu.Lock()
	var entries []awarenessWire
	var changed []changeSet
	for _, client := range clients {
		if _, ok := a.states[client]; !ok {
			continue
		}
		clock := a.clocks[client] + 1
		a.clocks[client] = clock
		changed = append(changed, a.applyEntryLocked(client, clock, "null")...)
		entries = append(entries, awarenessWire{client: client, clock: clock, state: "null"})
	}
	a.mu.Unlock()
	a.notify(changed, origin)
	if len(entries) == 0 {
		return nil
	}
	return encodeAwarenessEntries(entries)
}

type changeSet struct {
	client uint64
	kind   byte // 0 added, 1 updated, 2 removed
}

func (a *Awareness) applyEntryLocked(client, clock uint64, state string) []changeSet {
	if state == "null" {
		if _, ok := a.states[client]; ok {
			delete(a.states, client)
			return []changeSet{{client: client, kind: 2}}
		}
		return nil
	}
	_, existed := a.states[client]
	a.states[client] = awarenessEntry{clock: clock, state: state}
	if existed {
		return []changeSet{{client: client, kind: 1}}
	}
	return []changeSet{{client: client, kind: 0}}
}

func (a *Awareness) notify(changes []changeSet, origin any) {
	if len(changes) == 0 {
		return
	}
	var added, updated, removed []uint64
	for _, c := range changes {
		switch c.kind {
		case 0:
			added = append(added, c.client)
		case 1:
			updated = append(updated, c.client)
		case 2:
			removed = append(removed, c.client)
		}
	}
	a.mu.Lock()
	handlers := make([]AwarenessHandler, 0, len(a.observers))
	for _, h := range a.observers {
		handlers = append(handlers, h)
	}
	a.mu.Unlock()
	for _, h := range handlers {
		h(added, updated, removed, origin)
	}
}

func (a *Awareness) destroy() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	a.destroyed = true
	a.states = make(map[uint64]awarenessEntry)
	a.observers = make(map[int]AwarenessHandler)
}

// AwarenessUpdateClients returns the client IDs an encoded awareness update
// mentions, without applying it.
func AwarenessUpdateClients(update []byte) ([]uint64, error) {
	entries, err := decodeAwarenessEntries(update)
	if err != nil {
		return nil, err
	}
	clients := make([]uint64, 0, len(entries))
	for _, e := range entries {
		clients = append(clients, e.client)
	}
	return clients, nil
}

// --- Wire ---

type awarenessWire struct {
	client uint64
	clock  uint64
	state  string
}

func encodeAwarenessEntries(entries []awarenessWire) []byte {
	w := &encoder{}
	w.uvarint(uint64(len(entries)))
	for _, e := range entries {
		w.uvarint(e.client)
		w.uvarint(e.clock)
		w.string(e.state)
	}
	return w.buf
}

func decodeAwarenessEntries(update []byte) ([]awarenessWire, error) {
	r := &decoder{buf: update}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	// Each entry is at least 3 bytes, so the count is bounded by the
	// remaining payload; the cap below is otherwise attacker-controlled.
	if n > uint64(len(r.buf))/3 {
		return nil, fmt.Errorf("awareness entry count %d exceeds payload", n)
	}
	entries := make([]awarenessWire, 0, n)
	for i := uint64(0); i < n; i++ {
		var e awarenessWire
		if e.client, err = r.uvarint(); err != nil {
			return nil, err
		}
		if e.clock, err = r.uvarint(); err != nil {
			return nil, err
		}
		if e.state, err = r.string(); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if len(r.buf) != 0 {
		return nil, errors.New("trailing bytes after awareness update")
	}
	return entries, nil
}
