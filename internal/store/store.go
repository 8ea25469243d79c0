// Package store defines the document-store collaborator that every feature
// package talks to: keyed documents with merge-set, partial update, live
// subscriptions and an atomic read-modify-write. Two backends exist — a
// local SQLite store and a remote websocket client — both behind the same
// interface so the feature packages never know which one they are on.
package store

import (
	"context"
	"errors"
	"fmt"
)

// Fields is the mutable field set of a document.
type Fields map[string]any

// Document is one observed state of a stored document. Rev increases by one
// on every committed write, so two snapshots of the same document are
// ordered by Rev.
type Document struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Fields     Fields `json:"fields"`
	Rev        int64  `json:"rev"`
	Exists     bool   `json:"exists"`
}

// Clone returns a deep-enough copy of the document for handing to
// subscribers: the Fields map is copied, nested values are shared.
func (d Document) Clone() Document {
	out := d
	out.Fields = make(Fields, len(d.Fields))
	for k, v := range d.Fields {
		out.Fields[k] = v
	}
	return out
}

// String reads a string field, or "" when absent or not a string.
func (d Document) String(field string) string {
	s, _ := d.Fields[field].(string)
	return s
}

// Bool reads a bool field, false when absent.
func (d Document) Bool(field string) bool {
	b, _ := d.Fields[field].(bool)
	return b
}

// ErrNotFound is returned by Get and Update when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Kind classifies store failures the way callers need to react to them:
// connectivity errors are retried, permission errors are not.
type Kind int

const (
	KindConnectivity Kind = iota + 1
	KindPermission
	KindConflict
)

func (k Kind) String() string {
	switch k {
	case KindConnectivity:
		return "connectivity"
	case KindPermission:
		return "permission"
	case KindConflict:
		return "conflict"
	}
	return "unknown"
}

// Error is a tagged store failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("store %s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsConnectivity reports whether err is a connectivity-kind store failure.
func IsConnectivity(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindConnectivity
}

// Store is the document store contract. All operations take a context and
// can fail with ErrNotFound or a tagged *Error.
type Store interface {
	// Get returns the current document, or ErrNotFound.
	Get(ctx context.Context, collection, key string) (Document, error)

	// Set creates the document or merges fields into the existing one.
	Set(ctx context.Context, collection, key string, fields Fields) error

	// Update merges fields into an existing document; ErrNotFound if absent.
	Update(ctx context.Context, collection, key string, fields Fields) error

	// Delete removes the document. Deleting an absent document is a no-op.
	Delete(ctx context.Context, collection, key string) error

	// Txn runs fn against the current document state and atomically applies
	// the returned fields as a merge. No concurrent write can interleave
	// between the read and the apply. fn receives a non-existing Document
	// (Exists=false) when the key is absent; returning nil fields commits
	// nothing.
	Txn(ctx context.Context, collection, key string, fn func(Document) (Fields, error)) error

	// Query returns all documents in a collection whose field equals value.
	Query(ctx context.Context, collection, field string, value any) ([]Document, error)

	// Subscribe returns a snapshot stream for one document. The stream
	// fires once immediately with the current state (Exists=false when
	// absent) and then on every subsequent change. cancel releases the
	// subscription and closes the channel.
	Subscribe(ctx context.Context, collection, key string) (<-chan Document, func())

	// SubscribeCollection returns a stream of every document change in a
	// collection. No initial replay; used for watching new arrivals
	// (incoming calls, friend requests).
	SubscribeCollection(ctx context.Context, collection string) (<-chan Document, func())

	Close() error
}
