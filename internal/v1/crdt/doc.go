// Package crdt implements the shared document replica: a replicated tree
// under named root slots, last-writer-wins map slots, ephemeral awareness
// states and update observers.
//
// Concurrent sibling inserts converge RGA-style: an insert attaches after
// its origin sibling, and inserts sharing an origin are ordered by
// descending operation ID. Deletes tombstone; tombstones are never
// collected.
package crdt

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// UpdateHandler observes committed transactions. It receives the encoded
// update of the transaction and the origin value passed to Transact or
// ApplyUpdate.
type UpdateHandler func(update []byte, origin any)

type mapRecord struct {
	id      ID
	value   string
	present bool
}

type attrRecord struct {
	id    ID
	value string
}

// Doc is the in-memory CRDT replica for one document.
type Doc struct {
	Name string

	mu        sync.Mutex
	clientID  uint64
	items     map[ID]*Item
	logs      map[uint64][]*Op    // per-client op log, clock-dense
	children  map[parentKey][]ID  // ordered sibling lists (tombstones included)
	maps      map[string]map[string]mapRecord
	attrs     map[ID]map[string]attrRecord
	pending   []*Op
	observers map[int]UpdateHandler
	nextObsID int
	awareness *Awareness
	destroyed bool
}

// NewDoc creates an empty replica with a fresh random client ID.
func NewDoc(name string) *Doc {
	d := &Doc{
		Name:      name,
		clientID:  newClientID(),
		items:     make(map[ID]*Item),
		logs:      make(map[uint64][]*Op),
		children:  make(map[parentKey][]ID),
		maps:      make(map[string]map[string]mapRecord),
		attrs:     make(map[ID]map[string]attrRecord),
		observers: make(map[int]UpdateHandler),
	}
	d.awareness = newAwareness(d)
	return d
}

// newClientID derives a nonzero random client identifier. Client 0 is
// reserved as the "no item" sentinel.
func newClientID() uint64 {
	u := uuid.New()
	id := uint64(u[0])<<48 | uint64(u[1])<<40 | uint64(u[2])<<32 |
		uint64(u[3])<<24 | uint64(u[4])<<16 | uint64(u[5])<<8 | uint64(u[6])
	if id == 0 {
		id = 1
	}
	return id
}

// ClientID returns the replica's client identifier.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// Awareness returns the document's awareness sub-object.
func (d *Doc) Awareness() *Awareness {
	return d.awareness
}

// OnUpdate registers an observer fired after every committed transaction.
// The returned function detaches it.
func (d *Doc) OnUpdate(handler UpdateHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextObsID
	d.nextObsID++
	d.observers[id] = handler
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.observers, id)
	}
}

// Destroy detaches all observers and tears down awareness. Idempotent.
func (d *Doc) Destroy() {
	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return
	}
	d.destroyed = true
	d.observers = make(map[int]UpdateHandler)
	aw := d.awareness
	d.mu.Unlock()
	aw.destroy()
}

// --- Transactions ---

// Txn batches local mutations; the whole batch becomes one update and one
// observer notification.
type Txn struct {
	doc *Doc
	ops []*Op
}

// Transact runs fn inside a transaction and commits it. Observers fire
// after the document mutex is released.
func (d *Doc) Transact(origin any, fn func(t *Txn)) {
	d.mu.Lock()
	t := &Txn{doc: d}
	fn(t)
	var update []byte
	var handlers []UpdateHandler
	if len(t.ops) > 0 {
		update = encodeOps(t.ops)
		for _, h := range d.observers {
			handlers = append(handlers, h)
		}
	}
	d.mu.Unlock()

	for _, h := range handlers {
		h(update, origin)
	}
}

func (t *Txn) nextID() ID {
	return ID{Client: t.doc.clientID, Clock: uint64(len(t.doc.logs[t.doc.clientID]))}
}

func (t *Txn) emit(op *Op) {
	d := t.doc
	d.logs[op.ID.Client] = append(d.logs[op.ID.Client], op)
	d.integrate(op)
	t.ops = append(t.ops, op)
}

// InsertElement inserts an element after the sibling `after` (zero ID means
// head) under parent, returning the new item's ID.
func (t *Txn) InsertElement(parent ParentRef, after ID, name string, attrs map[string]string) ID {
	op := &Op{ID: t.nextID(), Kind: opInsertElement, Parent: parent, Left: after, Name: name}
	t.emit(op)
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.SetAttr(op.ID, k, attrs[k])
	}
	return op.ID
}

// InsertText inserts a text run after the sibling `after` under parent.
func (t *Txn) InsertText(parent ParentRef, after ID, text string) ID {
	op := &Op{ID: t.nextID(), Kind: opInsertText, Parent: parent, Left: after, Text: text}
	t.emit(op)
	return op.ID
}

// Delete tombstones an item. Deleting an element hides its whole subtree.
func (t *Txn) Delete(target ID) {
	if item, ok := t.doc.items[target]; !ok || item.Deleted {
		return
	}
	t.emit(&Op{ID: t.nextID(), Kind: opDelete, Target: target})
}

// SetAttr sets an element attribute (last writer wins).
func (t *Txn) SetAttr(target ID, key, value string) {
	t.emit(&Op{ID: t.nextID(), Kind: opAttrSet, Target: target, Key: key, Text: value})
}

// MapSet writes a map-slot entry (last writer wins).
func (t *Txn) MapSet(slot, key, value string) {
	t.emit(&Op{ID: t.nextID(), Kind: opMapSet, Slot: slot, Key: key, Text: value, HasValue: true})
}

// MapDelete removes a map-slot entry.
func (t *Txn) MapDelete(slot, key string) {
	t.emit(&Op{ID: t.nextID(), Kind: opMapSet, Slot: slot, Key: key, HasValue: false})
}

// MapClear removes every entry of a map slot.
func (t *Txn) MapClear(slot string) {
	m := t.doc.maps[slot]
	keys := make([]string, 0, len(m))
	for k, rec := range m {
		if rec.present {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		t.MapDelete(slot, k)
	}
}

// ClearFragment tombstones every live item under a root slot.
func (t *Txn) ClearFragment(slot string) {
	top := t.doc.children[parentKey{slot: slot}]
	ids := make([]ID, len(top))
	copy(ids, top)
	for _, id := range ids {
		if item := t.doc.items[id]; item != nil && !item.Deleted {
			t.Delete(id)
		}
	}
}

// --- Integration ---

// integrate applies an op to the materialized state. The caller guarantees
// clock-dense ordering per client and that all references resolve.
func (d *Doc) integrate(op *Op) {
	switch op.Kind {
	case opInsertElement, opInsertText:
		item := &Item{ID: op.ID, Parent: op.Parent, Left: op.Left}
		if op.Kind == opInsertElement {
			item.Kind = itemElement
			item.Name = op.Name
		} else {
			item.Kind = itemText
			item.Text = op.Text
		}
		d.items[op.ID] = item
		d.insertIntoParent(item)
	case opDelete:
		if item, ok := d.items[op.Target]; ok {
			item.Deleted = true
		}
	case opMapSet:
		m := d.maps[op.Slot]
		if m == nil {
			m = make(map[string]mapRecord)
			d.maps[op.Slot] = m
		}
		if rec, ok := m[op.Key]; !ok || rec.id.Less(op.ID) {
			m[op.Key] = mapRecord{id: op.ID, value: op.Text, present: op.HasValue}
		}
	case opAttrSet:
		a := d.attrs[op.Target]
		if a == nil {
			a = make(map[string]attrRecord)
			d.attrs[op.Target] = a
		}
		if rec, ok := a[op.Key]; !ok || rec.id.Less(op.ID) {
			a[op.Key] = attrRecord{id: op.ID, value: op.Text}
		}
	}
}

// insertIntoParent places an item into its parent's sibling list using the
// RGA rule: attach after the origin; among inserts sharing an origin, the
// greater operation ID sorts first.
func (d *Doc) insertIntoParent(item *Item) {
	key := item.Parent.key()
	siblings := d.children[key]

	originPos := -1
	if !item.Left.IsZero() {
		for i, id := range siblings {
			if id == item.Left {
				originPos = i
				break
			}
		}
	}

	pos := originPos + 1
	for pos < len(siblings) {
		s := d.items[siblings[pos]]
		sOriginPos := -1
		if !s.Left.IsZero() {
			for i := 0; i < pos; i++ {
				if siblings[i] == s.Left {
					sOriginPos = i
					break
				}
			}
		}
		if sOriginPos < originPos {
			break
		}
		if sOriginPos == originPos && s.ID.Less(item.ID) {
			break
		}
		pos++
	}

	siblings = append(siblings, ID{})
	copy(siblings[pos+1:], siblings[pos:])
	siblings[pos] = item.ID
	d.children[key] = siblings
}

// resolvable reports whether every item the op references is known.
func (d *Doc) resolvable(op *Op) bool {
	switch op.Kind {
	case opInsertElement, opInsertText:
		if op.Parent.Slot == "" {
			if _, ok := d.items[op.Parent.Item]; !ok {
				return false
			}
		}
		if !op.Left.IsZero() {
			if _, ok := d.items[op.Left]; !ok {
				return false
			}
		}
	case opDelete:
		if _, ok := d.items[op.Target]; !ok {
			return false
		}
	case opAttrSet:
		if _, ok := d.items[op.Target]; !ok {
			return false
		}
	}
	return true
}

// ApplyUpdate merges a remote update. Already-known ops are skipped; ops
// that are not yet causally ready are buffered until a later update
// delivers their dependencies.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	if len(update) == 0 {
		return nil
	}
	ops, err := decodeOps(update)
	if err != nil {
		return fmt.Errorf("decode update: %w", err)
	}

	d.mu.Lock()
	integrated := d.applyOpsLocked(ops)
	var handlers []UpdateHandler
	if integrated > 0 {
		for _, h := range d.observers {
			handlers = append(handlers, h)
		}
	}
	d.mu.Unlock()

	for _, h := range handlers {
		h(update, origin)
	}
	return nil
}

func (d *Doc) applyOpsLocked(ops []*Op) int {
	d.pending = append(d.pending, ops...)
	integrated := 0
	for {
		progress := false
		remaining := d.pending[:0]
		for _, op := range d.pending {
			have := uint64(len(d.logs[op.ID.Client]))
			switch {
			case op.ID.Clock < have:
				// Duplicate delivery; drop.
				progress = true
			case op.ID.Clock == have && d.resolvable(op):
				d.logs[op.ID.Client] = append(d.logs[op.ID.Client], op)
				d.integrate(op)
				integrated++
				progress = true
			default:
				remaining = append(remaining, op)
			}
		}
		d.pending = remaining
		if !progress || len(d.pending) == 0 {
			break
		}
	}
	return integrated
}

// --- Encoding entry points ---

// EncodeState serializes the full replica state as one update.
func (d *Doc) EncodeState() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encodeDiffLocked(nil)
}

// EncodeStateVector serializes the replica's state vector.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	sv := make(map[uint64]uint64, len(d.logs))
	for client, log := range d.logs {
		sv[client] = uint64(len(log))
	}
	return encodeStateVector(sv)
}

// DiffUpdate returns the ops the holder of the given state vector lacks.
func (d *Doc) DiffUpdate(stateVector []byte) ([]byte, error) {
	sv, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, fmt.Errorf("decode state vector: %w", err)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.encodeDiffLocked(sv), nil
}

func (d *Doc) encodeDiffLocked(sv map[uint64]uint64) []byte {
	var ops []*Op
	clients := make([]uint64, 0, len(d.logs))
	for client := range d.logs {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	for _, client := range clients {
		from := uint64(0)
		if sv != nil {
			from = sv[client]
		}
		log := d.logs[client]
		if from >= uint64(len(log)) {
			continue
		}
		ops = append(ops, log[from:]...)
	}
	return encodeOps(ops)
}

// --- Reads ---

// Fragment materializes the live tree under a root slot.
func (d *Doc) Fragment(slot string) []*Node {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.childNodesLocked(parentKey{slot: slot})
}

func (d *Doc) childNodesLocked(key parentKey) []*Node {
	var nodes []*Node
	for _, id := range d.children[key] {
		item := d.items[id]
		if item == nil || item.Deleted {
			continue
		}
		if item.Kind == itemText {
			nodes = append(nodes, NewText(item.Text))
			continue
		}
		node := &Node{Type: ElementNode, Name: item.Name}
		if attrs := d.attrs[item.ID]; len(attrs) > 0 {
			node.Attrs = make(map[string]string, len(attrs))
			for k, rec := range attrs {
				node.Attrs[k] = rec.value
			}
		}
		node.Children = d.childNodesLocked(parentKey{item: item.ID})
		nodes = append(nodes, node)
	}
	return nodes
}

// MapEntries returns the live entries of a map slot.
func (d *Doc) MapEntries(slot string) map[string]string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[string]string)
	for k, rec := range d.maps[slot] {
		if rec.present {
			out[k] = rec.value
		}
	}
	return out
}

// MapGet returns one live map-slot entry.
func (d *Doc) MapGet(slot, key string) (string, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	rec, ok := d.maps[slot][key]
	if !ok || !rec.present {
		return "", false
	}
	return rec.value, true
}
