package types

import (
	"errors"
	"strings"
)

// --- Core Domain Types ---

// DocNameType is the canonical URL of a document; it doubles as the room key.
type DocNameType string

// ConnIDType uniquely identifies one WebSocket connection to a room.
type ConnIDType string

// CredentialType is the opaque bearer credential a client supplied. The
// server never inspects it; it is only forwarded to the admin service.
type CredentialType string

// Validate checks that a document name is usable as a room key.
func (d DocNameType) Validate() error {
	if d == "" {
		return errors.New("document name cannot be empty")
	}
	if strings.ContainsAny(string(d), " \t\r\n") {
		return errors.New("document name cannot contain whitespace")
	}
	return nil
}

// --- Action Set ---

// ActionSet is the {read, write} permission subset the admin service
// returned for a credential, parsed from the X-da-actions header.
type ActionSet map[string]string

// ParseActionSet parses a header of the form "read=allow,write=deny".
// Malformed entries are skipped.
func ParseActionSet(header string) ActionSet {
	actions := make(ActionSet)
	for _, pair := range strings.Split(header, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		if !found {
			// Bare tokens like "allow" grant everything.
			actions[pair] = "allow"
			continue
		}
		actions[strings.TrimSpace(key)] = strings.TrimSpace(value)
	}
	return actions
}

// CanWrite reports whether the action set permits mutation. Either an
// explicit write=allow or a blanket allow grants it.
func (a ActionSet) CanWrite() bool {
	if a == nil {
		return false
	}
	if v, ok := a["allow"]; ok && v == "allow" {
		return true
	}
	return a["write"] == "allow"
}

// --- Shared Interfaces ---

// ConnectionInterface is the behavior the room package requires from a live
// WebSocket connection, without depending on the transport package.
type ConnectionInterface interface {
	GetID() ConnIDType
	GetCredential() CredentialType
	IsReadOnly() bool
	SetReadOnly(bool)
	// Send enqueues a binary frame; it never blocks. An overflowing
	// connection is closed.
	Send(data []byte)
	// Disconnect closes the connection. Idempotent.
	Disconnect()
}

// Roomer is the subset of room behavior the transport layer calls into.
type Roomer interface {
	GetName() DocNameType
	HandleMessage(conn ConnectionInterface, data []byte)
	HandleClose(conn ConnectionInterface)
}
