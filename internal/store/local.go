package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// Local is a SQLite-backed document store. It serves as the offline cache
// and as the whole backend when no remote store is configured. All writes
// go through one mutex, which is also what makes Txn atomic.
type Local struct {
	db   *sql.DB
	path string

	mu sync.RWMutex

	subMu   sync.RWMutex
	subs    map[string]map[chan Document]struct{} // "col\x00key" -> listeners
	colSubs map[string]map[chan Document]struct{} // collection -> listeners
	closed  bool
}

// OpenLocal opens or creates the document database in dir.
func OpenLocal(dir string) (*Local, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	dbPath := filepath.Join(dir, "documents.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT NOT NULL,
			key        TEXT NOT NULL,
			fields     TEXT NOT NULL DEFAULT '{}',
			rev        INTEGER NOT NULL DEFAULT 1,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, key)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create documents table: %w", err)
	}

	return &Local{
		db:      db,
		path:    dbPath,
		subs:    make(map[string]map[chan Document]struct{}),
		colSubs: make(map[string]map[chan Document]struct{}),
	}, nil
}

// Path returns the database file path.
func (l *Local) Path() string { return l.path }

func subKey(collection, key string) string { return collection + "\x00" + key }

// Get returns the current document, or ErrNotFound.
func (l *Local) Get(_ context.Context, collection, key string) (Document, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.getLocked(collection, key)
}

func (l *Local) getLocked(collection, key string) (Document, error) {
	var fieldsJSON string
	var rev int64
	err := l.db.QueryRow(
		`SELECT fields, rev FROM documents WHERE collection = ? AND key = ?`,
		collection, key,
	).Scan(&fieldsJSON, &rev)
	if err == sql.ErrNoRows {
		return Document{Collection: collection, Key: key}, ErrNotFound
	}
	if err != nil {
		return Document{}, &Error{Kind: KindConnectivity, Op: "get", Err: err}
	}

	doc := Document{Collection: collection, Key: key, Rev: rev, Exists: true}
	if err := json.Unmarshal([]byte(fieldsJSON), &doc.Fields); err != nil {
		return Document{}, fmt.Errorf("decode fields %s/%s: %w", collection, key, err)
	}
	return doc, nil
}

// Set creates the document or merges fields into the existing one.
func (l *Local) Set(ctx context.Context, collection, key string, fields Fields) error {
	return l.write(ctx, collection, key, fields, false)
}

// Update merges fields into an existing document; ErrNotFound if absent.
func (l *Local) Update(ctx context.Context, collection, key string, fields Fields) error {
	return l.write(ctx, collection, key, fields, true)
}

func (l *Local) write(_ context.Context, collection, key string, fields Fields, mustExist bool) error {
	l.mu.Lock()
	doc, err := l.getLocked(collection, key)
	if err != nil && err != ErrNotFound {
		l.mu.Unlock()
		return err
	}
	if err == ErrNotFound {
		if mustExist {
			l.mu.Unlock()
			return ErrNotFound
		}
		doc.Fields = make(Fields, len(fields))
	}
	for k, v := range fields {
		doc.Fields[k] = v
	}
	doc.Rev++
	doc.Exists = true

	if err := l.putLocked(doc); err != nil {
		l.mu.Unlock()
		return err
	}
	// Notified while still holding the write lock: subscribers observe
	// revisions in commit order, and a new subscriber's initial snapshot
	// (taken under the read lock) can never be outrun by this change.
	l.notify(doc)
	l.mu.Unlock()
	return nil
}

func (l *Local) putLocked(doc Document) error {
	encoded, err := json.Marshal(doc.Fields)
	if err != nil {
		return fmt.Errorf("encode fields %s/%s: %w", doc.Collection, doc.Key, err)
	}
	_, err = l.db.Exec(`
		INSERT INTO documents (collection, key, fields, rev, updated_at)
		VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(collection, key) DO UPDATE SET
			fields     = excluded.fields,
			rev        = excluded.rev,
			updated_at = CURRENT_TIMESTAMP`,
		doc.Collection, doc.Key, string(encoded), doc.Rev,
	)
	if err != nil {
		return &Error{Kind: KindConnectivity, Op: "put", Err: err}
	}
	return nil
}

// Delete removes the document. Deleting an absent document is a no-op.
func (l *Local) Delete(_ context.Context, collection, key string) error {
	l.mu.Lock()
	doc, err := l.getLocked(collection, key)
	if err == ErrNotFound {
		l.mu.Unlock()
		return nil
	}
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if _, err := l.db.Exec(
		`DELETE FROM documents WHERE collection = ? AND key = ?`, collection, key,
	); err != nil {
		l.mu.Unlock()
		return &Error{Kind: KindConnectivity, Op: "delete", Err: err}
	}
	l.notify(Document{Collection: collection, Key: key, Rev: doc.Rev + 1})
	l.mu.Unlock()
	return nil
}

// Txn runs fn under the store write lock and applies the returned fields as
// one merge. This is the atomic read-modify-write used by the streak
// engine's service layer.
func (l *Local) Txn(_ context.Context, collection, key string, fn func(Document) (Fields, error)) error {
	l.mu.Lock()
	doc, err := l.getLocked(collection, key)
	if err != nil && err != ErrNotFound {
		l.mu.Unlock()
		return err
	}
	if err == ErrNotFound {
		doc.Fields = make(Fields)
	}

	fields, err := fn(doc.Clone())
	if err != nil {
		l.mu.Unlock()
		return err
	}
	if fields == nil {
		l.mu.Unlock()
		return nil
	}

	for k, v := range fields {
		doc.Fields[k] = v
	}
	doc.Rev++
	doc.Exists = true
	if err := l.putLocked(doc); err != nil {
		l.mu.Unlock()
		return err
	}
	l.notify(doc)
	l.mu.Unlock()
	return nil
}

// Query returns all documents in a collection whose field equals value.
// The scan decodes every document in the collection; collections here are
// small (one user's calls, requests, stories).
func (l *Local) Query(_ context.Context, collection, field string, value any) ([]Document, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	rows, err := l.db.Query(
		`SELECT key, fields, rev FROM documents WHERE collection = ? ORDER BY key`,
		collection,
	)
	if err != nil {
		return nil, &Error{Kind: KindConnectivity, Op: "query", Err: err}
	}
	defer rows.Close()

	var out []Document
	for rows.Next() {
		var key, fieldsJSON string
		var rev int64
		if err := rows.Scan(&key, &fieldsJSON, &rev); err != nil {
			return nil, err
		}
		doc := Document{Collection: collection, Key: key, Rev: rev, Exists: true}
		if err := json.Unmarshal([]byte(fieldsJSON), &doc.Fields); err != nil {
			log.Printf("STORE: skipping undecodable document %s/%s: %v", collection, key, err)
			continue
		}
		if matchField(doc.Fields[field], value) {
			out = append(out, doc)
		}
	}
	return out, rows.Err()
}

// matchField compares a decoded JSON field against a query value. JSON
// numbers decode as float64, so numeric comparisons go through float64.
func matchField(got, want any) bool {
	if got == nil {
		return want == nil
	}
	if gf, ok := toFloat(got); ok {
		if wf, ok := toFloat(want); ok {
			return gf == wf
		}
		return false
	}
	return got == want
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Subscribe returns a snapshot stream for one document.
func (l *Local) Subscribe(_ context.Context, collection, key string) (<-chan Document, func()) {
	ch := make(chan Document, 16)
	sk := subKey(collection, key)

	// Snapshot, registration and the initial send all happen under the
	// store lock. Writes notify inside their own critical section, so
	// nothing can slip a change into ch ahead of the snapshot, and every
	// later commit is delivered after it.
	l.mu.RLock()
	doc, err := l.getLocked(collection, key)
	if err != nil && err != ErrNotFound {
		log.Printf("STORE: initial snapshot %s/%s: %v", collection, key, err)
	}
	l.subMu.Lock()
	if l.subs[sk] == nil {
		l.subs[sk] = make(map[chan Document]struct{})
	}
	l.subs[sk][ch] = struct{}{}
	l.subMu.Unlock()
	ch <- doc
	l.mu.RUnlock()

	return ch, func() { l.unsubscribe(sk, ch) }
}

// SubscribeCollection returns a stream of every document change in a collection.
func (l *Local) SubscribeCollection(_ context.Context, collection string) (<-chan Document, func()) {
	ch := make(chan Document, 16)

	l.subMu.Lock()
	if l.colSubs[collection] == nil {
		l.colSubs[collection] = make(map[chan Document]struct{})
	}
	l.colSubs[collection][ch] = struct{}{}
	l.subMu.Unlock()

	return ch, func() { l.unsubscribeCollection(collection, ch) }
}

func (l *Local) unsubscribe(sk string, ch chan Document) {
	l.subMu.Lock()
	if set, ok := l.subs[sk]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(l.subs, sk)
		}
	}
	l.subMu.Unlock()
}

func (l *Local) unsubscribeCollection(collection string, ch chan Document) {
	l.subMu.Lock()
	if set, ok := l.colSubs[collection]; ok {
		if _, ok := set[ch]; ok {
			delete(set, ch)
			close(ch)
		}
		if len(set) == 0 {
			delete(l.colSubs, collection)
		}
	}
	l.subMu.Unlock()
}

// notify fans a committed document state out to subscribers. Sends are
// non-blocking: a slow listener misses intermediate states but the next
// snapshot it does receive carries the full document, never a partial one.
func (l *Local) notify(doc Document) {
	l.subMu.RLock()
	defer l.subMu.RUnlock()
	if l.closed {
		return
	}
	for ch := range l.subs[subKey(doc.Collection, doc.Key)] {
		select {
		case ch <- doc.Clone():
		default:
		}
	}
	for ch := range l.colSubs[doc.Collection] {
		select {
		case ch <- doc.Clone():
		default:
		}
	}
}

// Close closes all subscriptions and the database.
func (l *Local) Close() error {
	l.subMu.Lock()
	if !l.closed {
		l.closed = true
		for _, set := range l.subs {
			for ch := range set {
				close(ch)
			}
		}
		for _, set := range l.colSubs {
			for ch := range set {
				close(ch)
			}
		}
		l.subs = make(map[string]map[chan Document]struct{})
		l.colSubs = make(map[string]map[chan Document]struct{})
	}
	l.subMu.Unlock()

	return l.db.Close()
}
