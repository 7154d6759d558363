// Package wire frames and parses the binary sync/awareness protocol spoken
// over WebSockets. Every frame starts with a varint message kind; sync
// frames carry an inner varint selecting the handshake step.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/da-live/collab/internal/v1/crdt"
)

// Message kinds (outer varint).
const (
	MessageSync      = uint64(0)
	MessageAwareness = uint64(1)
)

// Sync sub-kinds (inner varint).
const (
	SyncStep1  = uint64(0) // state vector; receiver answers with step 2
	SyncStep2  = uint64(1) // diff update; applied to the local replica
	SyncUpdate = uint64(2) // incremental update broadcast after a mutation
)

// DecodeError reports a malformed frame. It is a value, not a panic: the
// connection stays open and the error is surfaced through the document's
// error map.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "wire: " + e.Reason
}

func decodeErrf(format string, args ...any) *DecodeError {
	return &DecodeError{Reason: fmt.Sprintf(format, args...)}
}

// Result describes what handling one inbound frame produced.
type Result struct {
	Kind uint64 // MessageSync or MessageAwareness
	Sync uint64 // sync sub-kind, when Kind == MessageSync

	// Reply is a frame to send back to the sender only (step 1 answer).
	Reply []byte
	// Broadcast is a frame to fan out to every other connection.
	Broadcast []byte
}

var errShort = errors.New("short frame")

func readUvarint(buf []byte) (uint64, []byte, error) {
	v, n := binary.Uvarint(buf)
	if n <= 0 {
		return 0, nil, errShort
	}
	return v, buf[n:], nil
}

func readPrefixed(buf []byte) ([]byte, []byte, error) {
	n, rest, err := readUvarint(buf)
	if err != nil {
		return nil, nil, err
	}
	if n > uint64(len(rest)) {
		return nil, nil, errShort
	}
	return rest[:n], rest[n:], nil
}

func appendPrefixed(buf, payload []byte) []byte {
	buf = binary.AppendUvarint(buf, uint64(len(payload)))
	return append(buf, payload...)
}

// EncodeSyncStep1 frames the local state vector.
func EncodeSyncStep1(doc *crdt.Doc) []byte {
	buf := binary.AppendUvarint(nil, MessageSync)
	buf = binary.AppendUvarint(buf, SyncStep1)
	return appendPrefixed(buf, doc.EncodeStateVector())
}

// EncodeSyncStep2 frames a diff update.
func EncodeSyncStep2(update []byte) []byte {
	buf := binary.AppendUvarint(nil, MessageSync)
	buf = binary.AppendUvarint(buf, SyncStep2)
	return appendPrefixed(buf, update)
}

// EncodeSyncUpdate frames an incremental update.
func EncodeSyncUpdate(update []byte) []byte {
	buf := binary.AppendUvarint(nil, MessageSync)
	buf = binary.AppendUvarint(buf, SyncUpdate)
	return appendPrefixed(buf, update)
}

// EncodeAwareness frames an awareness update.
func EncodeAwareness(update []byte) []byte {
	buf := binary.AppendUvarint(nil, MessageAwareness)
	return appendPrefixed(buf, update)
}

// HandleMessage decodes one inbound frame and applies it to the document.
//
// Read-only senders may issue step 1 (observation stays allowed) but their
// step 2 and update payloads are dropped without applying. The origin value
// identifies the sender so observers can avoid echoing updates back.
//
// Any malformed payload yields a *DecodeError; the document is untouched.
func HandleMessage(doc *crdt.Doc, frame []byte, readOnly bool, origin any) (Result, error) {
	kind, rest, err := readUvarint(frame)
	if err != nil {
		return Result{}, decodeErrf("missing message kind")
	}

	switch kind {
	case MessageSync:
		return handleSync(doc, rest, readOnly, origin)
	case MessageAwareness:
		payload, trailing, err := readPrefixed(rest)
		if err != nil {
			return Result{}, decodeErrf("malformed awareness payload")
		}
		if len(trailing) != 0 {
			return Result{}, decodeErrf("trailing bytes after awareness payload")
		}
		if _, err := doc.Awareness().ApplyUpdate(payload, origin); err != nil {
			return Result{}, decodeErrf("awareness update: %v", err)
		}
		return Result{Kind: MessageAwareness, Broadcast: EncodeAwareness(payload)}, nil
	default:
		return Result{}, decodeErrf("unknown message kind %d", kind)
	}
}

// AwarenessClients extracts the client IDs an awareness frame mentions
// without applying it. Used to track which connection controls which
// awareness entries.
func AwarenessClients(frame []byte) []uint64 {
	kind, rest, err := readUvarint(frame)
	if err != nil || kind != MessageAwareness {
		return nil
	}
	payload, _, err := readPrefixed(rest)
	if err != nil {
		return nil
	}
	clients, _ := crdt.AwarenessUpdateClients(payload)
	return clients
}

func handleSync(doc *crdt.Doc, rest []byte, readOnly bool, origin any) (Result, error) {
	sub, rest, err := readUvarint(rest)
	if err != nil {
		return Result{}, decodeErrf("missing sync step")
	}
	payload, trailing, err := readPrefixed(rest)
	if err != nil {
		return Result{}, decodeErrf("malformed sync payload")
	}
	if len(trailing) != 0 {
		return Result{}, decodeErrf("trailing bytes after sync payload")
	}

	switch sub {
	case SyncStep1:
		diff, err := doc.DiffUpdate(payload)
		if err != nil {
			return Result{}, decodeErrf("sync step 1: %v", err)
		}
		return Result{Kind: MessageSync, Sync: SyncStep1, Reply: EncodeSyncStep2(diff)}, nil
	case SyncStep2, SyncUpdate:
		if readOnly {
			// Silently dropped: observers stay read-only.
			return Result{Kind: MessageSync, Sync: sub}, nil
		}
		if err := doc.ApplyUpdate(payload, origin); err != nil {
			return Result{}, decodeErrf("sync apply: %v", err)
		}
		return Result{Kind: MessageSync, Sync: sub, Broadcast: EncodeSyncUpdate(payload)}, nil
	default:
		return Result{}, decodeErrf("unknown sync step %d", sub)
	}
}
