// Package blob provides the durable key/value byte-blob collaborator the
// engine persists snapshots to.
//
// The engine treats this store as an external, independently-failable
// service: every failure must degrade to "in-memory only", never abort the
// engine. Two implementations are provided: BadgerStore (persistent, the
// production path) and MemoryStore (tests, plus failure injection).
//
// Keys are partitioned by Scope so multiple (endpoint, source, chain)
// working sets can share one database without colliding.
package blob

import (
	"context"
	"encoding/hex"
	"errors"

	"golang.org/x/crypto/blake2b"
)

// ErrNotFound is returned by Read when no blob exists for the key.
var ErrNotFound = errors.New("blob not found")

// Store is the durable blob store collaborator. All methods honor ctx and
// may fail independently.
type Store interface {
	Read(ctx context.Context, key string) ([]byte, error)
	Write(ctx context.Context, key string, blob []byte) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// Scope identifies one working set: remote endpoint, data source identity
// (e.g. contract address) and chain/partition identity. Switching scope
// resets the whole working set; blobs for different scopes never collide.
type Scope struct {
	Endpoint string
	Source   string
	Chain    string
}

// Prefix derives a stable 16-hex-char partition prefix for the scope.
func (s Scope) Prefix() string {
	h, _ := blake2b.New256(nil)
	for _, part := range []string{s.Endpoint, s.Source, s.Chain} {
		h.Write([]byte(part))
		h.Write([]byte{0})
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:8])
}

// Key returns the fully-qualified storage key for name within the scope.
func (s Scope) Key(name string) string {
	return s.Prefix() + "/" + name
}
