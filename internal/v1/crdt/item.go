package crdt

// ID identifies one operation (and the item it created) globally.
// Clocks are dense per client: a client's n-th operation has Clock n.
type ID struct {
	Client uint64
	Clock  uint64
}

// IsZero reports whether the ID is the reserved "none" value. Client 0 is
// never assigned to a replica.
func (id ID) IsZero() bool {
	return id.Client == 0 && id.Clock == 0
}

// Less imposes a total order used for tie-breaking concurrent operations:
// higher clock wins, then higher client.
func (id ID) Less(other ID) bool {
	if id.Clock != other.Clock {
		return id.Clock < other.Clock
	}
	return id.Client < other.Client
}

// ParentRef addresses an item's parent: either a named root slot of the
// document or another element item.
type ParentRef struct {
	Slot string
	Item ID
}

func (p ParentRef) key() parentKey {
	return parentKey{slot: p.Slot, item: p.Item}
}

type parentKey struct {
	slot string
	item ID
}

// Item kinds.
const (
	itemElement = byte(iota + 1)
	itemText
)

// Item is one node of the replicated tree. Deleted items remain as
// tombstones; garbage collection is disabled so that snapshots and undo
// stay consistent across replicas.
type Item struct {
	ID      ID
	Parent  ParentRef
	Left    ID // origin sibling; zero means head of the parent's child list
	Kind    byte
	Name    string // element name (itemElement only)
	Text    string // text content (itemText only)
	Deleted bool
}

// Operation kinds on the wire.
const (
	opInsertElement = byte(iota + 1)
	opInsertText
	opDelete
	opMapSet
	opAttrSet
)

// Op is a single replicated operation.
type Op struct {
	ID   ID
	Kind byte

	// insertElement / insertText
	Parent ParentRef
	Left   ID
	Name   string // element name
	Text   string // text content / map value / attr value

	// delete / attrSet target
	Target ID

	// mapSet
	Slot     string
	Key      string // map key / attr key
	HasValue bool   // mapSet: false removes the key
}

// NodeType distinguishes materialized tree nodes.
type NodeType int

const (
	ElementNode NodeType = iota
	TextNode
)

// Node is a plain, non-replicated materialization of the tree, handed to
// the converter for rendering. Mutating a Node has no effect on the Doc.
type Node struct {
	Type     NodeType
	Name     string
	Attrs    map[string]string
	Text     string
	Children []*Node
}

// Attr returns the named attribute or "".
func (n *Node) Attr(key string) string {
	if n.Attrs == nil {
		return ""
	}
	return n.Attrs[key]
}

// NewElement builds a detached element node.
func NewElement(name string, attrs map[string]string, children ...*Node) *Node {
	return &Node{Type: ElementNode, Name: name, Attrs: attrs, Children: children}
}

// NewText builds a detached text node.
func NewText(text string) *Node {
	return &Node{Type: TextNode, Text: text}
}
