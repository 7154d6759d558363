// Package persist binds a room's document to its durable record and the
// admin service: it seeds the document on first connect, snapshots every
// update into storage, and debounces rendered-HTML write-backs.
package persist

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/da-live/collab/internal/v1/admin"
	"github.com/da-live/collab/internal/v1/converter"
	"github.com/da-live/collab/internal/v1/crdt"
	"github.com/da-live/collab/internal/v1/logging"
	"github.com/da-live/collab/internal/v1/metrics"
	"github.com/da-live/collab/internal/v1/storage"
	"github.com/da-live/collab/internal/v1/types"
)

// AdminAPI is the slice of the admin client the binder depends on; tests
// substitute fakes.
type AdminAPI interface {
	Get(ctx context.Context, docURL, credential, etag string) (*admin.Snapshot, error)
	Put(ctx context.Context, docURL, html string, credentials []string) (int, string, error)
}

// Hooks connect the binder back to its room. Every hook must be safe to
// call from timer goroutines.
type Hooks struct {
	// IsOwner reports whether the room is still the registered owner of the
	// document name. Resumed async work checks it before mutating anything.
	IsOwner func() bool
	// WritableCredentials returns the credentials of all non-readonly
	// connections.
	WritableCredentials func() []string
	// CloseAll disconnects every connection of the room.
	CloseAll func()
	// Unregister removes the room from the registry.
	Unregister func()
}

// Origin is the origin value the binder stamps on its own document
// transactions, so rooms can tell binder mutations from client edits.
type Origin struct{}

const (
	writeQuiet   = 2 * time.Second
	writeCeiling = 10 * time.Second
	rebuildDelay = time.Second
)

// Binder runs the load protocol once per room lifetime and installs the
// snapshot and write-back observers. Subsequent binds await the first.
type Binder struct {
	doc               *crdt.Doc
	docName           string
	store             storage.Store
	admin             AdminAPI
	hooks             Hooks
	returnStackTraces bool

	mu      sync.Mutex
	started bool
	done    chan struct{}
	bindErr error

	stateMu  sync.Mutex
	etag     string
	lastHTML string

	writeback *debouncer
	detachers []func()
}

func NewBinder(doc *crdt.Doc, docName string, store storage.Store, adminAPI AdminAPI, hooks Hooks, returnStackTraces bool) *Binder {
	b := &Binder{
		doc:               doc,
		docName:           docName,
		store:             store,
		admin:             adminAPI,
		hooks:             hooks,
		returnStackTraces: returnStackTraces,
	}
	b.writeback = newDebouncer(writeQuiet, writeCeiling, b.writeBack)
	return b
}

// Bind makes the document ready for the given connection. The first call
// runs the load protocol; every later call waits for that same outcome.
func (b *Binder) Bind(ctx context.Context, conn types.ConnectionInterface) error {
	b.mu.Lock()
	if b.started {
		done := b.done
		b.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.bindErr
	}
	b.started = true
	b.done = make(chan struct{})
	done := b.done
	b.mu.Unlock()

	err := b.load(ctx, conn)
	if err == nil {
		b.installObservers()
	}

	b.mu.Lock()
	b.bindErr = err
	b.mu.Unlock()
	close(done)
	return err
}

// Shutdown detaches the observers and discards pending write-backs.
func (b *Binder) Shutdown() {
	b.writeback.Stop()
	b.mu.Lock()
	detachers := b.detachers
	b.detachers = nil
	b.mu.Unlock()
	for _, detach := range detachers {
		detach()
	}
}

// load implements the load protocol: durable record first, then a
// conditional GET against the admin service.
func (b *Binder) load(ctx context.Context, conn types.ConnectionInterface) error {
	storedState, storedETag, found, err := storage.LoadState(ctx, b.store, b.docName)
	if err != nil {
		// A broken record is treated as absent; the admin copy is
		// authoritative anyway.
		logging.Warn(ctx, "durable record unreadable, treating as absent",
			zap.String("doc", b.docName), zap.Error(err))
		storedState, storedETag, found = nil, "", false
	}

	snap, err := b.admin.Get(ctx, b.docName, string(conn.GetCredential()), storedETag)
	if err != nil {
		return fmt.Errorf("loading %s: %w", b.docName, err)
	}

	restored := false
	var authoritative string

	if snap.NotModified {
		if !found || len(storedState) == 0 {
			return errors.New("admin returned 304 but no durable state exists")
		}
		if err := b.doc.ApplyUpdate(storedState, Origin{}); err != nil {
			return fmt.Errorf("restoring durable state: %w", err)
		}
		b.setETag(storedETag)
		b.setLastHTML(converter.RenderHTML(b.doc))
		restored = true
	} else {
		authoritative = snap.HTML
		b.setETag(snap.ETag)
		conn.SetReadOnly(!snap.Actions.CanWrite())
		if found && len(storedState) > 0 {
			if err := b.doc.ApplyUpdate(storedState, Origin{}); err != nil {
				logging.Warn(ctx, "stored state unusable, rebuilding from admin copy",
					zap.String("doc", b.docName), zap.Error(err))
			} else if converter.RenderHTML(b.doc) == authoritative {
				restored = true
			}
		}
		b.setLastHTML(authoritative)
	}

	if !restored && authoritative != "" {
		// Delayed so the first client's sync handshake completes before the
		// rebuild lands; otherwise fast loads duplicate content.
		html := authoritative
		time.AfterFunc(rebuildDelay, func() {
			if !b.hooks.IsOwner() {
				return
			}
			if err := converter.RebuildFromHTML(b.doc, html, Origin{}); err != nil {
				b.RecordError(fmt.Sprintf("rebuilding document: %v", err))
				return
			}
			b.setLastHTML(converter.RenderHTML(b.doc))
		})
	}
	return nil
}

func (b *Binder) installObservers() {
	snapshotDetach := b.doc.OnUpdate(func(update []byte, origin any) {
		b.snapshot()
	})
	writebackDetach := b.doc.OnUpdate(func(update []byte, origin any) {
		if _, ours := origin.(Origin); ours {
			return
		}
		b.writeback.Trigger()
	})
	b.mu.Lock()
	b.detachers = append(b.detachers, snapshotDetach, writebackDetach)
	b.mu.Unlock()
}

// snapshot writes the full CRDT state into the durable record. Runs on
// every update so a crashed worker can reload without replaying edits.
func (b *Binder) snapshot() {
	if !b.hooks.IsOwner() {
		return
	}
	ctx := context.WithValue(context.Background(), logging.DocNameKey, b.docName)
	state := b.doc.EncodeState()
	if err := storage.SaveState(ctx, b.store, b.docName, state, b.currentETag()); err != nil {
		logging.Error(ctx, "durable snapshot failed", zap.Error(err))
		return
	}
	layout := "single"
	if len(state) > storage.ChunkSize {
		layout = "chunked"
	}
	metrics.StorageWrites.WithLabelValues(layout).Inc()
}

// writeBack renders the document and PUTs it to the admin service when it
// drifted from the last known authoritative copy.
func (b *Binder) writeBack() {
	if !b.hooks.IsOwner() {
		return
	}
	ctx := context.WithValue(context.Background(), logging.DocNameKey, b.docName)

	html := converter.RenderHTML(b.doc)
	if html == b.currentLastHTML() {
		return
	}
	creds := b.hooks.WritableCredentials()
	if len(creds) == 0 {
		// Every connection is read-only; nothing may be written on their
		// behalf.
		return
	}

	status, etag, err := b.admin.Put(ctx, b.docName, html, creds)
	if err != nil {
		logging.Error(ctx, "admin write-back failed", zap.Error(err))
		b.RecordError(fmt.Sprintf("saving document: %v", err))
		return
	}

	switch {
	case status >= 200 && status < 300:
		b.setLastHTML(html)
		if etag != "" {
			b.setETag(etag)
			if err := storage.SaveETag(ctx, b.store, etag); err != nil {
				logging.Warn(ctx, "persisting etag failed", zap.Error(err))
			}
		}
	case status == http.StatusUnauthorized, status == http.StatusForbidden:
		logging.Warn(ctx, "admin revoked write access, closing room", zap.Int("status", status))
		b.hooks.CloseAll()
	case status == http.StatusPreconditionFailed:
		// Document deleted out from under us. Tell the clients, dissolve
		// the room, and wipe the cache last: recording the error snapshots
		// state, so an earlier wipe would be undone.
		b.RecordError("saving document: admin returned 412, document no longer exists")
		b.hooks.CloseAll()
		b.hooks.Unregister()
		if err := b.store.DeleteAll(ctx); err != nil {
			logging.Error(ctx, "wiping durable record failed", zap.Error(err))
		}
	default:
		b.RecordError(fmt.Sprintf("saving document: admin returned %d", status))
	}
}

// RecordError surfaces a server-side failure to clients through the
// document's error map; the mutation broadcasts like any other update.
func (b *Binder) RecordError(msg string) {
	b.doc.Transact(Origin{}, func(t *crdt.Txn) {
		t.MapSet(converter.SlotError, "timestamp", time.Now().UTC().Format(time.RFC3339))
		t.MapSet(converter.SlotError, "message", msg)
		if b.returnStackTraces {
			t.MapSet(converter.SlotError, "stack", string(debug.Stack()))
		}
	})
}

func (b *Binder) setETag(etag string) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.etag = etag
}

func (b *Binder) currentETag() string {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.etag
}

func (b *Binder) setLastHTML(html string) {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	b.lastHTML = html
}

func (b *Binder) currentLastHTML() string {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.lastHTML
}
