// Package room coordinates one document: its CRDT replica, its live
// connections and the persistence binder that ties them to durable storage
// and the admin service.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
	"k8s.io/utils/set"

	"github.com/da-live/collab/internal/v1/crdt"
	"github.com/da-live/collab/internal/v1/logging"
	"github.com/da-live/collab/internal/v1/metrics"
	"github.com/da-live/collab/internal/v1/persist"
	"github.com/da-live/collab/internal/v1/storage"
	"github.com/da-live/collab/internal/v1/types"
	"github.com/da-live/collab/internal/v1/wire"
)

// Deps carries the shared services a room needs.
type Deps struct {
	Registry          *Registry
	Storage           storage.Provider
	Admin             persist.AdminAPI
	ReturnStackTraces bool
}

type connState struct {
	conn types.ConnectionInterface
	// awarenessIDs are the CRDT client IDs whose awareness entries this
	// connection controls; they are removed when it closes.
	awarenessIDs set.Set[uint64]
}

// Room owns exactly one document and its connection map. It is created
// lazily on first connect and dissolves when the last connection closes or
// an admin invalidation arrives.
type Room struct {
	name     types.DocNameType
	doc      *crdt.Doc
	registry *Registry
	binder   *persist.Binder

	mu     sync.RWMutex
	conns  map[types.ConnIDType]*connState
	closed bool
}

// New builds a room for the document and wires its binder. The caller is
// expected to register it via Registry.GetOrCreate.
func New(name types.DocNameType, deps Deps) *Room {
	r := &Room{
		name:     name,
		registry: deps.Registry,
		doc:      crdt.NewDoc(string(name)),
		conns:    make(map[types.ConnIDType]*connState),
	}
	r.binder = persist.NewBinder(r.doc, string(name), deps.Storage.ForDoc(string(name)), deps.Admin, persist.Hooks{
		IsOwner:             func() bool { return deps.Registry.IsOwner(name, r) },
		WritableCredentials: r.writableCredentials,
		CloseAll:            r.CloseAll,
		Unregister:          func() { deps.Registry.Remove(name, r) },
	}, deps.ReturnStackTraces)

	// Every committed update fans out to all peers except its originator;
	// binder-driven mutations (rebuilds, error map writes) reach everyone.
	// Handlers run after the doc mutex is released, so concurrently applied
	// frames may broadcast out of integration order; receivers buffer ops
	// that are not yet causally ready, so delivery order is not load-bearing.
	r.doc.OnUpdate(func(update []byte, origin any) {
		if len(update) == 0 {
			return
		}
		r.broadcast(wire.EncodeSyncUpdate(update), originConnID(origin))
	})
	return r
}

func originConnID(origin any) types.ConnIDType {
	if id, ok := origin.(types.ConnIDType); ok {
		return id
	}
	return ""
}

// GetName returns the document name the room serves.
func (r *Room) GetName() types.DocNameType {
	return r.name
}

// Doc exposes the room's replica.
func (r *Room) Doc() *crdt.Doc {
	return r.doc
}

// Accept registers a connection and runs (or awaits) the one-shot binder.
// On success the initial sync handshake frame and, when peers are present,
// an awareness snapshot have been queued on the connection.
func (r *Room) Accept(ctx context.Context, conn types.ConnectionInterface) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return errors.New("room is closed")
	}
	r.conns[conn.GetID()] = &connState{conn: conn, awarenessIDs: set.New[uint64]()}
	r.mu.Unlock()
	metrics.IncConnection()

	if err := r.binder.Bind(ctx, conn); err != nil {
		r.dropConn(conn)
		return fmt.Errorf("binding document state: %w", err)
	}

	conn.Send(wire.EncodeSyncStep1(r.doc))
	if r.doc.Awareness().Count() > 0 {
		conn.Send(wire.EncodeAwareness(r.doc.Awareness().EncodeAll()))
	}
	return nil
}

// HandleMessage decodes one inbound frame. Decode failures are surfaced
// through the document's error map; the connection stays open.
func (r *Room) HandleMessage(conn types.ConnectionInterface, data []byte) {
	res, err := wire.HandleMessage(r.doc, data, conn.IsReadOnly(), conn.GetID())
	if err != nil {
		metrics.WireMessages.WithLabelValues("unknown", "decode_error").Inc()
		ctx := context.WithValue(context.Background(), logging.DocNameKey, string(r.name))
		logging.Warn(ctx, "dropping malformed frame",
			zap.String("conn", string(conn.GetID())), zap.Error(err))
		r.binder.RecordError(fmt.Sprintf("decoding message: %v", err))
		return
	}

	switch res.Kind {
	case wire.MessageSync:
		metrics.WireMessages.WithLabelValues("sync", "ok").Inc()
		if res.Reply != nil {
			conn.Send(res.Reply)
		}
		// Applied updates are broadcast by the document observer.
	case wire.MessageAwareness:
		metrics.WireMessages.WithLabelValues("awareness", "ok").Inc()
		r.trackAwareness(conn, data)
		if res.Broadcast != nil {
			r.broadcast(res.Broadcast, conn.GetID())
		}
	}
}

// trackAwareness remembers which CRDT client IDs this connection speaks
// for, so their presence can be retired with it.
func (r *Room) trackAwareness(conn types.ConnectionInterface, frame []byte) {
	clients := wire.AwarenessClients(frame)
	if len(clients) == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if cs, ok := r.conns[conn.GetID()]; ok {
		cs.awarenessIDs.Insert(clients...)
	}
}

// HandleClose removes the connection, retires its awareness entries and
// dissolves the room when it was the last one.
func (r *Room) HandleClose(conn types.ConnectionInterface) {
	r.mu.Lock()
	cs, ok := r.conns[conn.GetID()]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.conns, conn.GetID())
	empty := len(r.conns) == 0
	r.mu.Unlock()
	metrics.DecConnection()

	if ids := cs.awarenessIDs.UnsortedList(); len(ids) > 0 {
		if removal := r.doc.Awareness().RemoveStates(ids, conn.GetID()); removal != nil {
			r.broadcast(wire.EncodeAwareness(removal), conn.GetID())
		}
	}
	if empty {
		r.teardown()
	}
}

// dropConn undoes a failed Accept.
func (r *Room) dropConn(conn types.ConnectionInterface) {
	r.mu.Lock()
	_, ok := r.conns[conn.GetID()]
	if ok {
		delete(r.conns, conn.GetID())
	}
	empty := len(r.conns) == 0
	r.mu.Unlock()
	if ok {
		metrics.DecConnection()
	}
	if empty {
		r.teardown()
	}
}

// CloseAll disconnects every connection. Each close flows back through
// HandleClose, which dissolves the room after the last one.
func (r *Room) CloseAll() {
	r.mu.RLock()
	conns := make([]types.ConnectionInterface, 0, len(r.conns))
	for _, cs := range r.conns {
		conns = append(conns, cs.conn)
	}
	r.mu.RUnlock()
	for _, c := range conns {
		c.Disconnect()
	}
}

// Invalidate force-closes the room after an out-of-band admin edit so the
// next connect reloads from the admin service.
func (r *Room) Invalidate() {
	ctx := context.WithValue(context.Background(), logging.DocNameKey, string(r.name))
	logging.Info(ctx, "room invalidated by admin")
	r.mu.RLock()
	empty := len(r.conns) == 0
	r.mu.RUnlock()
	if empty {
		r.teardown()
		return
	}
	r.CloseAll()
}

func (r *Room) teardown() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	r.mu.Unlock()

	r.binder.Shutdown()
	r.doc.Destroy()
	r.registry.Remove(r.name, r)
}

// broadcast fans a frame out to every live connection except the one named
// by exclude.
func (r *Room) broadcast(frame []byte, exclude types.ConnIDType) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, cs := range r.conns {
		if id == exclude {
			continue
		}
		cs.conn.Send(frame)
	}
}

func (r *Room) writableCredentials() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var creds []string
	for _, cs := range r.conns {
		if cs.conn.IsReadOnly() {
			continue
		}
		creds = append(creds, string(cs.conn.GetCredential()))
	}
	return creds
}

// ConnectionCount reports the live connection count.
func (r *Room) ConnectionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
