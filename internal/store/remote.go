package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Remote is a document store client speaking JSON over a websocket to a
// managed backend. It implements the same Store contract as Local; the
// backend performs the actual persistence and fan-out.
//
// Connectivity policy: a dropped connection is
// retried with exponential backoff up to maxRedials; active subscriptions
// are replayed on every successful redial, so subscribers transparently
// survive reconnects. When the redial budget is exhausted all pending and
// future operations fail with a connectivity-kind error.
type Remote struct {
	url    string
	nextID atomic.Int64

	mu      sync.Mutex
	conn    *websocket.Conn
	pending map[int64]chan rpcReply
	subs    map[int64]*remoteSub
	closed  bool
	broken  bool
}

const (
	maxRedials    = 5
	redialBackoff = 500 * time.Millisecond
	rpcTimeout    = 10 * time.Second
)

type rpcRequest struct {
	ID         int64  `json:"id"`
	Op         string `json:"op"`
	Collection string `json:"collection,omitempty"`
	Key        string `json:"key,omitempty"`
	Fields     Fields `json:"fields,omitempty"`
	Field      string `json:"field,omitempty"`
	Value      any    `json:"value,omitempty"`
	Rev        int64  `json:"rev,omitempty"`
}

type rpcReply struct {
	ID        int64      `json:"id"`
	Document  *Document  `json:"document,omitempty"`
	Documents []Document `json:"documents,omitempty"`
	Push      *Document  `json:"push,omitempty"`
	Sub       int64      `json:"sub,omitempty"`
	Error     *wireError `json:"error,omitempty"`
}

type wireError struct {
	Kind string `json:"kind"`
	Msg  string `json:"msg"`
}

type remoteSub struct {
	req rpcRequest
	ch  chan Document
}

// DialRemote connects to a remote document store endpoint, e.g.
// "wss://backend.example.org/v1/store".
func DialRemote(ctx context.Context, url string) (*Remote, error) {
	r := &Remote{
		url:     url,
		pending: make(map[int64]chan rpcReply),
		subs:    make(map[int64]*remoteSub),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, &Error{Kind: KindConnectivity, Op: "dial", Err: err}
	}
	r.conn = conn
	go r.readLoop(conn)
	return r, nil
}

// Get returns the current document, or ErrNotFound.
func (r *Remote) Get(ctx context.Context, collection, key string) (Document, error) {
	reply, err := r.call(ctx, rpcRequest{Op: "get", Collection: collection, Key: key})
	if err != nil {
		return Document{}, err
	}
	if reply.Document == nil || !reply.Document.Exists {
		return Document{Collection: collection, Key: key}, ErrNotFound
	}
	return *reply.Document, nil
}

// Set creates the document or merges fields into the existing one.
func (r *Remote) Set(ctx context.Context, collection, key string, fields Fields) error {
	_, err := r.call(ctx, rpcRequest{Op: "set", Collection: collection, Key: key, Fields: fields})
	return err
}

// Update merges fields into an existing document; ErrNotFound if absent.
func (r *Remote) Update(ctx context.Context, collection, key string, fields Fields) error {
	_, err := r.call(ctx, rpcRequest{Op: "update", Collection: collection, Key: key, Fields: fields})
	return err
}

// Delete removes the document.
func (r *Remote) Delete(ctx context.Context, collection, key string) error {
	_, err := r.call(ctx, rpcRequest{Op: "delete", Collection: collection, Key: key})
	return err
}

// Txn emulates the atomic read-modify-write with a compare-and-set loop:
// read the document, run fn, write back conditioned on the revision not
// having moved. Retries on revision conflicts.
func (r *Remote) Txn(ctx context.Context, collection, key string, fn func(Document) (Fields, error)) error {
	for attempt := 0; attempt < 5; attempt++ {
		doc, err := r.Get(ctx, collection, key)
		if err != nil && err != ErrNotFound {
			return err
		}
		if doc.Fields == nil {
			doc.Fields = make(Fields)
		}

		fields, err := fn(doc)
		if err != nil {
			return err
		}
		if fields == nil {
			return nil
		}

		_, err = r.call(ctx, rpcRequest{
			Op: "cas", Collection: collection, Key: key,
			Fields: fields, Rev: doc.Rev,
		})
		if err == nil {
			return nil
		}
		if !isConflict(err) {
			return err
		}
		// Lost the race — re-read and retry.
	}
	return fmt.Errorf("txn %s/%s: too many revision conflicts", collection, key)
}

func isConflict(err error) bool {
	var se *Error
	return errors.As(err, &se) && se.Kind == KindConflict
}

// Query returns all documents in a collection whose field equals value.
func (r *Remote) Query(ctx context.Context, collection, field string, value any) ([]Document, error) {
	reply, err := r.call(ctx, rpcRequest{Op: "query", Collection: collection, Field: field, Value: value})
	if err != nil {
		return nil, err
	}
	return reply.Documents, nil
}

// Subscribe returns a snapshot stream for one document. The backend sends
// the current state immediately, then every change.
func (r *Remote) Subscribe(ctx context.Context, collection, key string) (<-chan Document, func()) {
	return r.subscribe(ctx, rpcRequest{Op: "subscribe", Collection: collection, Key: key})
}

// SubscribeCollection streams every change in a collection.
func (r *Remote) SubscribeCollection(ctx context.Context, collection string) (<-chan Document, func()) {
	return r.subscribe(ctx, rpcRequest{Op: "subscribe_collection", Collection: collection})
}

func (r *Remote) subscribe(_ context.Context, req rpcRequest) (<-chan Document, func()) {
	id := r.nextID.Add(1)
	req.ID = id
	sub := &remoteSub{req: req, ch: make(chan Document, 16)}

	r.mu.Lock()
	r.subs[id] = sub
	conn := r.conn
	r.mu.Unlock()

	if conn != nil {
		if err := conn.WriteJSON(req); err != nil {
			log.Printf("STORE: subscribe write failed, will replay on redial: %v", err)
		}
	}

	cancel := func() {
		r.mu.Lock()
		s, ok := r.subs[id]
		if ok {
			delete(r.subs, id)
		}
		conn := r.conn
		r.mu.Unlock()
		if !ok {
			return
		}
		if conn != nil {
			_ = conn.WriteJSON(rpcRequest{ID: r.nextID.Add(1), Op: "unsubscribe", Rev: id})
		}
		close(s.ch)
	}
	return sub.ch, cancel
}

// call sends one request and waits for its reply.
func (r *Remote) call(ctx context.Context, req rpcRequest) (rpcReply, error) {
	req.ID = r.nextID.Add(1)
	replyCh := make(chan rpcReply, 1)

	r.mu.Lock()
	if r.closed || r.broken {
		r.mu.Unlock()
		return rpcReply{}, &Error{Kind: KindConnectivity, Op: req.Op, Err: fmt.Errorf("store connection down")}
	}
	conn := r.conn
	if conn == nil {
		// Mid-redial; fail fast rather than block on the outcome.
		r.mu.Unlock()
		return rpcReply{}, &Error{Kind: KindConnectivity, Op: req.Op, Err: fmt.Errorf("store reconnecting")}
	}
	r.pending[req.ID] = replyCh
	r.mu.Unlock()

	if err := conn.WriteJSON(req); err != nil {
		r.dropPending(req.ID)
		return rpcReply{}, &Error{Kind: KindConnectivity, Op: req.Op, Err: err}
	}

	timer := time.NewTimer(rpcTimeout)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		r.dropPending(req.ID)
		return rpcReply{}, ctx.Err()
	case <-timer.C:
		r.dropPending(req.ID)
		return rpcReply{}, &Error{Kind: KindConnectivity, Op: req.Op, Err: fmt.Errorf("timed out after %s", rpcTimeout)}
	case reply, ok := <-replyCh:
		if !ok {
			return rpcReply{}, &Error{Kind: KindConnectivity, Op: req.Op, Err: fmt.Errorf("connection lost")}
		}
		if reply.Error != nil {
			return rpcReply{}, decodeWireError(req.Op, reply.Error)
		}
		return reply, nil
	}
}

func decodeWireError(op string, we *wireError) error {
	switch we.Kind {
	case "not_found":
		return ErrNotFound
	case "permission":
		return &Error{Kind: KindPermission, Op: op, Err: fmt.Errorf("%s", we.Msg)}
	case "conflict":
		return &Error{Kind: KindConflict, Op: op, Err: fmt.Errorf("%s", we.Msg)}
	default:
		return &Error{Kind: KindConnectivity, Op: op, Err: fmt.Errorf("%s", we.Msg)}
	}
}

func (r *Remote) dropPending(id int64) {
	r.mu.Lock()
	delete(r.pending, id)
	r.mu.Unlock()
}

// readLoop dispatches replies and pushes until the connection drops, then
// hands off to redial.
func (r *Remote) readLoop(conn *websocket.Conn) {
	for {
		var reply rpcReply
		if err := conn.ReadJSON(&reply); err != nil {
			r.onDisconnect(conn, err)
			return
		}

		if reply.Push != nil {
			r.mu.Lock()
			sub, ok := r.subs[reply.Sub]
			r.mu.Unlock()
			if ok {
				select {
				case sub.ch <- *reply.Push:
				default:
					// Slow consumer; next push carries the full document.
				}
			}
			continue
		}

		r.mu.Lock()
		ch, ok := r.pending[reply.ID]
		if ok {
			delete(r.pending, reply.ID)
		}
		r.mu.Unlock()
		if ok {
			ch <- reply
		}
	}
}

// onDisconnect fails pending calls and redials with backoff. Subscriptions
// are replayed on the new connection.
func (r *Remote) onDisconnect(old *websocket.Conn, cause error) {
	old.Close()

	r.mu.Lock()
	if r.closed || r.conn != old {
		r.mu.Unlock()
		return
	}
	r.conn = nil
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	log.Printf("STORE: connection lost (%v), redialling", cause)

	backoff := redialBackoff
	for attempt := 1; attempt <= maxRedials; attempt++ {
		time.Sleep(backoff)
		backoff *= 2

		conn, _, err := websocket.DefaultDialer.Dial(r.url, nil)
		if err != nil {
			log.Printf("STORE: redial %d/%d failed: %v", attempt, maxRedials, err)
			continue
		}

		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			conn.Close()
			return
		}
		r.conn = conn
		subs := make([]*remoteSub, 0, len(r.subs))
		for _, s := range r.subs {
			subs = append(subs, s)
		}
		r.mu.Unlock()

		for _, s := range subs {
			if err := conn.WriteJSON(s.req); err != nil {
				log.Printf("STORE: resubscribe failed: %v", err)
			}
		}
		log.Printf("STORE: reconnected, %d subscriptions replayed", len(subs))
		go r.readLoop(conn)
		return
	}

	// Budget exhausted — surface connectivity failure to all future callers.
	r.mu.Lock()
	r.broken = true
	r.mu.Unlock()
	log.Printf("STORE: redial budget exhausted, store marked unreachable")
}

// Close shuts the connection down and closes all subscription streams.
func (r *Remote) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	conn := r.conn
	r.conn = nil
	for id, ch := range r.pending {
		close(ch)
		delete(r.pending, id)
	}
	for id, s := range r.subs {
		close(s.ch)
		delete(r.subs, id)
	}
	r.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

var _ Store = (*Remote)(nil)
var _ Store = (*Local)(nil)
