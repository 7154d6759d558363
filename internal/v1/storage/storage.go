// Package storage persists a room's CRDT binary state in a bounded
// key-value record. Values are capped at 128 KiB, so large states are split
// into contiguous chunks that concatenate back to the original bytes.
package storage

import (
	"context"
	"fmt"
	"strconv"
)

// Store is one room's durable key-value record.
type Store interface {
	// List returns every key/value pair in the record.
	List(ctx context.Context) (map[string][]byte, error)
	// Put writes the given entries.
	Put(ctx context.Context, entries map[string][]byte) error
	// DeleteAll wipes the record.
	DeleteAll(ctx context.Context) error
}

// Provider hands out the per-document store. Rooms never share records.
type Provider interface {
	ForDoc(doc string) Store
}

// Limits of the underlying store.
const (
	// ChunkSize is the per-value byte cap.
	ChunkSize = 131072
	// MaxKeys is the per-record key cap.
	MaxKeys = 128
)

// Record keys.
const (
	keyDoc      = "doc"
	keyDocstore = "docstore"
	keyChunks   = "chunks"
	keyETag     = "etag"
)

func chunkKey(i int) string {
	return "chunk_" + strconv.Itoa(i)
}

// SaveState replaces the record with the given state, tagged with the
// document name and optional etag. States up to ChunkSize bytes are written
// as a single docstore value; larger states are split into chunks.
func SaveState(ctx context.Context, store Store, doc string, state []byte, etag string) error {
	if err := store.DeleteAll(ctx); err != nil {
		return fmt.Errorf("wiping record: %w", err)
	}

	entries := map[string][]byte{keyDoc: []byte(doc)}
	if etag != "" {
		entries[keyETag] = []byte(etag)
	}

	if len(state) <= ChunkSize {
		entries[keyDocstore] = state
	} else {
		n := (len(state) + ChunkSize - 1) / ChunkSize
		if n >= MaxKeys {
			return fmt.Errorf("state of %d bytes needs %d chunks, record limit is %d keys", len(state), n, MaxKeys)
		}
		entries[keyChunks] = []byte(strconv.Itoa(n))
		for i := 0; i < n; i++ {
			end := (i + 1) * ChunkSize
			if end > len(state) {
				end = len(state)
			}
			entries[chunkKey(i)] = state[i*ChunkSize : end]
		}
	}
	return store.Put(ctx, entries)
}

// LoadState reads the record back. A missing record, or one whose doc tag
// does not match, is wiped and reported absent (found=false).
func LoadState(ctx context.Context, store Store, doc string) (state []byte, etag string, found bool, err error) {
	entries, err := store.List(ctx)
	if err != nil {
		return nil, "", false, fmt.Errorf("listing record: %w", err)
	}
	if len(entries) == 0 {
		return nil, "", false, nil
	}
	if string(entries[keyDoc]) != doc {
		if err := store.DeleteAll(ctx); err != nil {
			return nil, "", false, fmt.Errorf("wiping mismatched record: %w", err)
		}
		return nil, "", false, nil
	}

	etag = string(entries[keyETag])
	if docstore, ok := entries[keyDocstore]; ok {
		return docstore, etag, true, nil
	}

	chunksRaw, ok := entries[keyChunks]
	if !ok {
		return nil, "", false, fmt.Errorf("record for %q has neither docstore nor chunks", doc)
	}
	n, err := strconv.Atoi(string(chunksRaw))
	if err != nil || n <= 0 {
		return nil, "", false, fmt.Errorf("record for %q has invalid chunk count %q", doc, chunksRaw)
	}
	// Chunks are appended one by one; the full state can be megabytes.
	for i := 0; i < n; i++ {
		chunk, ok := entries[chunkKey(i)]
		if !ok {
			return nil, "", false, fmt.Errorf("record for %q missing %s", doc, chunkKey(i))
		}
		state = append(state, chunk...)
	}
	return state, etag, true, nil
}

// SaveETag rewrites only the etag, keeping the stored state intact.
func SaveETag(ctx context.Context, store Store, etag string) error {
	return store.Put(ctx, map[string][]byte{keyETag: []byte(etag)})
}
