package store

import (
	"context"
	"sync"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Local {
	t.Helper()
	st, err := OpenLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestSetMergesFields(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Set(ctx, "profiles", "u1", Fields{"name": "Alice", "score": 3}); err != nil {
		t.Fatal(err)
	}
	if err := st.Set(ctx, "profiles", "u1", Fields{"score": 4}); err != nil {
		t.Fatal(err)
	}

	doc, err := st.Get(ctx, "profiles", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if doc.String("name") != "Alice" {
		t.Fatalf("merge dropped an existing field: %+v", doc.Fields)
	}
	// JSON round trip turns numbers into float64.
	if doc.Fields["score"] != float64(4) {
		t.Fatalf("score = %v (%T)", doc.Fields["score"], doc.Fields["score"])
	}
	if doc.Rev != 2 {
		t.Fatalf("rev = %d after two writes", doc.Rev)
	}
}

func TestGetMissing(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.Get(context.Background(), "profiles", "nope"); err != ErrNotFound {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestUpdateRequiresExisting(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Update(ctx, "profiles", "u1", Fields{"name": "x"}); err != ErrNotFound {
		t.Fatalf("update on absent doc: err = %v, want ErrNotFound", err)
	}
	if err := st.Set(ctx, "profiles", "u1", Fields{"name": "x"}); err != nil {
		t.Fatal(err)
	}
	if err := st.Update(ctx, "profiles", "u1", Fields{"name": "y"}); err != nil {
		t.Fatal(err)
	}
	doc, _ := st.Get(ctx, "profiles", "u1")
	if doc.String("name") != "y" {
		t.Fatalf("name = %q", doc.String("name"))
	}
}

func TestDelete(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	if err := st.Delete(ctx, "profiles", "ghost"); err != nil {
		t.Fatalf("deleting an absent doc: %v", err)
	}

	st.Set(ctx, "profiles", "u1", Fields{"name": "x"})
	if err := st.Delete(ctx, "profiles", "u1"); err != nil {
		t.Fatal(err)
	}
	if _, err := st.Get(ctx, "profiles", "u1"); err != ErrNotFound {
		t.Fatalf("doc survived delete: %v", err)
	}
}

func TestTxnAtomicIncrement(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := st.Txn(ctx, "counters", "c", func(doc Document) (Fields, error) {
				n, _ := doc.Fields["n"].(float64)
				return Fields{"n": n + 1}, nil
			})
			if err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	doc, err := st.Get(ctx, "counters", "c")
	if err != nil {
		t.Fatal(err)
	}
	if doc.Fields["n"] != float64(writers) {
		t.Fatalf("n = %v after %d concurrent increments", doc.Fields["n"], writers)
	}
	if doc.Rev != writers {
		t.Fatalf("rev = %d, want %d", doc.Rev, writers)
	}
}

func TestTxnNilCommitsNothing(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	err := st.Txn(ctx, "counters", "c", func(doc Document) (Fields, error) {
		if doc.Exists {
			t.Fatal("fresh key reported as existing")
		}
		return nil, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.Get(ctx, "counters", "c"); err != ErrNotFound {
		t.Fatalf("nil txn result created a document: %v", err)
	}
}

func TestQueryByField(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.Set(ctx, "requests", "r1", Fields{"to": "bob", "status": "pending"})
	st.Set(ctx, "requests", "r2", Fields{"to": "bob", "status": "accepted"})
	st.Set(ctx, "requests", "r3", Fields{"to": "carol", "status": "pending"})

	docs, err := st.Query(ctx, "requests", "to", "bob")
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 2 {
		t.Fatalf("got %d docs, want 2", len(docs))
	}

	// Numeric match crosses the int/float64 JSON boundary.
	st.Set(ctx, "scores", "s1", Fields{"n": 7})
	docs, err = st.Query(ctx, "scores", "n", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(docs) != 1 {
		t.Fatalf("numeric query got %d docs", len(docs))
	}
}

func TestSubscribeInitialSnapshotThenChanges(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.Set(ctx, "profiles", "u1", Fields{"name": "Alice"})

	sub, cancel := st.Subscribe(ctx, "profiles", "u1")
	defer cancel()

	first := <-sub
	if !first.Exists || first.String("name") != "Alice" {
		t.Fatalf("initial snapshot = %+v", first)
	}

	st.Update(ctx, "profiles", "u1", Fields{"name": "Alicia"})
	select {
	case doc := <-sub:
		if doc.String("name") != "Alicia" {
			t.Fatalf("change snapshot = %+v", doc)
		}
	case <-time.After(time.Second):
		t.Fatal("no change notification")
	}
}

func TestSubscribeNeverRewindsRevisions(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Subscribe repeatedly while a writer hammers the document: the
	// initial snapshot must never arrive after a newer change, so the
	// revisions observed on each channel are non-decreasing.
	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; ; i++ {
			select {
			case <-stop:
				return
			default:
			}
			st.Set(ctx, "profiles", "u1", Fields{"n": i})
		}
	}()

	for i := 0; i < 50; i++ {
		sub, cancel := st.Subscribe(ctx, "profiles", "u1")
		prev := int64(-1)
		for j := 0; j < 3; j++ {
			select {
			case doc := <-sub:
				if doc.Rev < prev {
					cancel()
					close(stop)
					wg.Wait()
					t.Fatalf("revision went backwards: %d after %d", doc.Rev, prev)
				}
				prev = doc.Rev
			case <-time.After(time.Second):
				j = 3 // writer may have finished between reads
			}
		}
		cancel()
	}
	close(stop)
	wg.Wait()
}

func TestSubscribeAbsentKey(t *testing.T) {
	st := openTestStore(t)
	sub, cancel := st.Subscribe(context.Background(), "profiles", "later")
	defer cancel()

	first := <-sub
	if first.Exists {
		t.Fatalf("absent key reported existing: %+v", first)
	}

	st.Set(context.Background(), "profiles", "later", Fields{"name": "x"})
	select {
	case doc := <-sub:
		if !doc.Exists {
			t.Fatal("creation not observed")
		}
	case <-time.After(time.Second):
		t.Fatal("no creation notification")
	}
}

func TestSubscribeCollection(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	sub, cancel := st.SubscribeCollection(ctx, "calls")
	defer cancel()

	st.Set(ctx, "calls", "a_call_b", Fields{"status": "calling"})
	st.Set(ctx, "other", "x", Fields{"status": "noise"})

	select {
	case doc := <-sub:
		if doc.Key != "a_call_b" {
			t.Fatalf("got %s", doc.Key)
		}
	case <-time.After(time.Second):
		t.Fatal("no collection notification")
	}

	select {
	case doc := <-sub:
		t.Fatalf("leaked a foreign-collection change: %+v", doc)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCancelClosesSubscription(t *testing.T) {
	st := openTestStore(t)
	sub, cancel := st.Subscribe(context.Background(), "profiles", "u1")
	<-sub // initial snapshot
	cancel()
	if _, ok := <-sub; ok {
		t.Fatal("channel still open after cancel")
	}
	cancel() // second cancel is a no-op
}

func TestSnapshotIsolation(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	st.Set(ctx, "profiles", "u1", Fields{"name": "Alice"})
	sub, cancel := st.Subscribe(ctx, "profiles", "u1")
	defer cancel()

	doc := <-sub
	doc.Fields["name"] = "mutated"

	got, _ := st.Get(ctx, "profiles", "u1")
	if got.String("name") != "Alice" {
		t.Fatal("subscriber mutation leaked into the store")
	}
}
