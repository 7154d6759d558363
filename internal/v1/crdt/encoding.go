package crdt

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
)

// Update layout (all integers are unsigned varints):
//
//	numClients
//	  client, startClock, numOps, ops...
//
// Clients appear in ascending order and each client's ops are clock-dense
// starting at startClock, so per-op IDs are implicit.

var errTruncated = errors.New("truncated payload")

type decoder struct {
	buf []byte
}

func (r *decoder) uvarint() (uint64, error) {
	v, n := binary.Uvarint(r.buf)
	if n <= 0 {
		return 0, errTruncated
	}
	r.buf = r.buf[n:]
	return v, nil
}

func (r *decoder) byte() (byte, error) {
	if len(r.buf) == 0 {
		return 0, errTruncated
	}
	b := r.buf[0]
	r.buf = r.buf[1:]
	return b, nil
}

func (r *decoder) string() (string, error) {
	n, err := r.uvarint()
	if err != nil {
		return "", err
	}
	if n > uint64(len(r.buf)) {
		return "", errTruncated
	}
	s := string(r.buf[:n])
	r.buf = r.buf[n:]
	return s, nil
}

func (r *decoder) bytes() ([]byte, error) {
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	if n > uint64(len(r.buf)) {
		return nil, errTruncated
	}
	b := r.buf[:n]
	r.buf = r.buf[n:]
	return b, nil
}

func (r *decoder) id() (ID, error) {
	client, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	clock, err := r.uvarint()
	if err != nil {
		return ID{}, err
	}
	return ID{Client: client, Clock: clock}, nil
}

type encoder struct {
	buf []byte
}

func (w *encoder) uvarint(v uint64) {
	w.buf = binary.AppendUvarint(w.buf, v)
}

func (w *encoder) byte(b byte) {
	w.buf = append(w.buf, b)
}

func (w *encoder) string(s string) {
	w.uvarint(uint64(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *encoder) bytes(b []byte) {
	w.uvarint(uint64(len(b)))
	w.buf = append(w.buf, b...)
}

func (w *encoder) id(id ID) {
	w.uvarint(id.Client)
	w.uvarint(id.Clock)
}

const (
	parentTagSlot = byte(0)
	parentTagItem = byte(1)
)

func (w *encoder) parentRef(p ParentRef) {
	if p.Slot != "" {
		w.byte(parentTagSlot)
		w.string(p.Slot)
		return
	}
	w.byte(parentTagItem)
	w.id(p.Item)
}

func (r *decoder) parentRef() (ParentRef, error) {
	tag, err := r.byte()
	if err != nil {
		return ParentRef{}, err
	}
	switch tag {
	case parentTagSlot:
		slot, err := r.string()
		if err != nil {
			return ParentRef{}, err
		}
		return ParentRef{Slot: slot}, nil
	case parentTagItem:
		id, err := r.id()
		if err != nil {
			return ParentRef{}, err
		}
		return ParentRef{Item: id}, nil
	default:
		return ParentRef{}, fmt.Errorf("unknown parent tag %d", tag)
	}
}

// encodeOps serializes ops grouped per client. The ops of each client must
// already be in clock order, which both Transact and the per-client logs
// guarantee.
func encodeOps(ops []*Op) []byte {
	byClient := make(map[uint64][]*Op)
	for _, op := range ops {
		byClient[op.ID.Client] = append(byClient[op.ID.Client], op)
	}
	clients := make([]uint64, 0, len(byClient))
	for client := range byClient {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	w := &encoder{}
	w.uvarint(uint64(len(clients)))
	for _, client := range clients {
		group := byClient[client]
		w.uvarint(client)
		w.uvarint(group[0].ID.Clock)
		w.uvarint(uint64(len(group)))
		for _, op := range group {
			w.byte(op.Kind)
			switch op.Kind {
			case opInsertElement:
				w.parentRef(op.Parent)
				w.id(op.Left)
				w.string(op.Name)
			case opInsertText:
				w.parentRef(op.Parent)
				w.id(op.Left)
				w.string(op.Text)
			case opDelete:
				w.id(op.Target)
			case opMapSet:
				w.string(op.Slot)
				w.string(op.Key)
				if op.HasValue {
					w.byte(1)
					w.string(op.Text)
				} else {
					w.byte(0)
				}
			case opAttrSet:
				w.id(op.Target)
				w.string(op.Key)
				w.string(op.Text)
			}
		}
	}
	return w.buf
}

func decodeOps(update []byte) ([]*Op, error) {
	r := &decoder{buf: update}
	numClients, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	var ops []*Op
	for c := uint64(0); c < numClients; c++ {
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		if client == 0 {
			return nil, errors.New("client 0 is reserved")
		}
		startClock, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		numOps, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		for i := uint64(0); i < numOps; i++ {
			op := &Op{ID: ID{Client: client, Clock: startClock + i}}
			op.Kind, err = r.byte()
			if err != nil {
				return nil, err
			}
			switch op.Kind {
			case opInsertElement:
				if op.Parent, err = r.parentRef(); err != nil {
					return nil, err
				}
				if op.Left, err = r.id(); err != nil {
					return nil, err
				}
				if op.Name, err = r.string(); err != nil {
					return nil, err
				}
			case opInsertText:
				if op.Parent, err = r.parentRef(); err != nil {
					return nil, err
				}
				if op.Left, err = r.id(); err != nil {
					return nil, err
				}
				if op.Text, err = r.string(); err != nil {
					return nil, err
				}
			case opDelete:
				if op.Target, err = r.id(); err != nil {
					return nil, err
				}
			case opMapSet:
				if op.Slot, err = r.string(); err != nil {
					return nil, err
				}
				if op.Key, err = r.string(); err != nil {
					return nil, err
				}
				has, err := r.byte()
				if err != nil {
					return nil, err
				}
				if has == 1 {
					op.HasValue = true
					if op.Text, err = r.string(); err != nil {
						return nil, err
					}
				}
			case opAttrSet:
				if op.Target, err = r.id(); err != nil {
					return nil, err
				}
				if op.Key, err = r.string(); err != nil {
					return nil, err
				}
				if op.Text, err = r.string(); err != nil {
					return nil, err
				}
			default:
				return nil, fmt.Errorf("unknown op kind %d", op.Kind)
			}
			ops = append(ops, op)
		}
	}
	if len(r.buf) != 0 {
		return nil, errors.New("trailing bytes after update")
	}
	return ops, nil
}

// encodeStateVector serializes client→clock pairs in ascending client order.
func encodeStateVector(sv map[uint64]uint64) []byte {
	clients := make([]uint64, 0, len(sv))
	for client := range sv {
		clients = append(clients, client)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	w := &encoder{}
	w.uvarint(uint64(len(clients)))
	for _, client := range clients {
		w.uvarint(client)
		w.uvarint(sv[client])
	}
	return w.buf
}

func decodeStateVector(data []byte) (map[uint64]uint64, error) {
	r := &decoder{buf: data}
	n, err := r.uvarint()
	if err != nil {
		return nil, err
	}
	sv := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		client, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		clock, err := r.uvarint()
		if err != nil {
			return nil, err
		}
		sv[client] = clock
	}
	if len(r.buf) != 0 {
		return nil, errors.New("trailing bytes after state vector")
	}
	return sv, nil
}
