package bus

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/petal-labs/instruflow/runtime"
)

// testDSN returns a unique shared-memory DSN for test isolation.
func testDSN(t *testing.T) string {
	t.Helper()
	return fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
}

func newTestStore(t *testing.T, cfg ...SQLiteStoreConfig) *SQLiteEventStore {
	t.Helper()
	var c SQLiteStoreConfig
	if len(cfg) > 0 {
		c = cfg[0]
	}
	if c.DSN == "" {
		c.DSN = testDSN(t)
	}
	store, err := NewSQLiteEventStore(c)
	if err != nil {
		t.Fatalf("NewSQLiteEventStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteEventStore_AppendList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	at := time.Date(2026, 3, 1, 9, 0, 0, 123456789, time.UTC)

	for i := uint64(1); i <= 5; i++ {
		e := makeEvent("epoch-1", i, runtime.EventTaskFinished).WithTask(fmt.Sprintf("task-%d", i), "gen")
		e.Time = at
		e.Elapsed = time.Duration(i) * time.Millisecond
		e.TraceID = "trace-abc"
		e.SpanID = "span-def"
		e.Payload = map[string]any{"index": float64(i)}
		if err := store.Append(ctx, e); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	events, err := store.List(ctx, "epoch-1", 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("got %d events, want 5", len(events))
	}

	e := events[0]
	if e.Epoch != "epoch-1" || e.Seq != 1 || e.Kind != runtime.EventTaskFinished {
		t.Errorf("event = %q/%d/%v", e.Epoch, e.Seq, e.Kind)
	}
	if e.TaskID != "task-1" || e.Module != "gen" {
		t.Errorf("task = %q, module = %q", e.TaskID, e.Module)
	}
	if !e.Time.Equal(at) {
		t.Errorf("Time = %v, want %v", e.Time, at)
	}
	if e.Elapsed != time.Millisecond {
		t.Errorf("Elapsed = %v, want 1ms", e.Elapsed)
	}
	if e.TraceID != "trace-abc" || e.SpanID != "span-def" {
		t.Errorf("trace = %q/%q", e.TraceID, e.SpanID)
	}
	if v := events[4].Payload["index"]; v != float64(5) {
		t.Errorf("Payload[index] = %v, want 5", v)
	}
}

func TestSQLiteEventStore_ListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	for i := uint64(1); i <= 10; i++ {
		_ = store.Append(ctx, makeEvent("epoch-1", i, runtime.EventTaskProgress))
	}
	_ = store.Append(ctx, makeEvent("epoch-2", 11, runtime.EventTaskProgress))

	tests := []struct {
		name      string
		epoch     string
		afterSeq  uint64
		limit     int
		wantLen   int
		wantFirst uint64
	}{
		{"all", "epoch-1", 0, 0, 10, 1},
		{"after", "epoch-1", 7, 0, 3, 8},
		{"limit", "epoch-1", 0, 4, 4, 1},
		{"after and limit", "epoch-1", 5, 2, 2, 6},
		{"other epoch", "epoch-2", 0, 0, 1, 11},
		{"unknown epoch", "nope", 0, 0, 0, 0},
	}
	for _, tt := range tests {
		events, err := store.List(ctx, tt.epoch, tt.afterSeq, tt.limit)
		if err != nil {
			t.Fatalf("%s: List: %v", tt.name, err)
		}
		if len(events) != tt.wantLen {
			t.Errorf("%s: got %d events, want %d", tt.name, len(events), tt.wantLen)
			continue
		}
		if tt.wantLen > 0 && events[0].Seq != tt.wantFirst {
			t.Errorf("%s: first Seq = %d, want %d", tt.name, events[0].Seq, tt.wantFirst)
		}
	}
}

func TestSQLiteEventStore_LatestSeq(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if seq, err := store.LatestSeq(ctx, "epoch-1"); err != nil || seq != 0 {
		t.Errorf("empty LatestSeq = %d, %v", seq, err)
	}
	for _, seq := range []uint64{3, 9, 4} {
		_ = store.Append(ctx, makeEvent("epoch-1", seq, runtime.EventTaskStarted))
	}
	if seq, _ := store.LatestSeq(ctx, "epoch-1"); seq != 9 {
		t.Errorf("LatestSeq = %d, want 9", seq)
	}
}

func TestSQLiteEventStore_Epochs(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	add := func(epoch string, seq uint64, kind runtime.EventKind, offset time.Duration) {
		e := makeEvent(epoch, seq, kind)
		e.Time = base.Add(offset)
		if err := store.Append(ctx, e); err != nil {
			t.Fatal(err)
		}
	}
	add("first", 1, runtime.EventTaskStarted, 0)
	add("first", 2, runtime.EventTaskFailed, 500*time.Millisecond)
	add("second", 3, runtime.EventTaskStarted, time.Minute)
	add("second", 4, runtime.EventTaskTimeout, time.Minute+50*time.Millisecond)
	add("second", 5, runtime.EventWaitAllFinished, time.Minute+5*time.Millisecond)

	sums, err := store.Epochs(ctx)
	if err != nil {
		t.Fatalf("Epochs: %v", err)
	}
	if len(sums) != 2 || sums[0].Epoch != "second" || sums[1].Epoch != "first" {
		t.Fatalf("Epochs() = %+v, want second then first", sums)
	}
	if sums[0].Events != 3 || sums[0].Failures != 1 {
		t.Errorf("second: events = %d, failures = %d", sums[0].Events, sums[0].Failures)
	}
	if want := base.Add(time.Minute + 50*time.Millisecond); !sums[0].Last.Equal(want) {
		t.Errorf("second: last = %v, want %v", sums[0].Last, want)
	}
	if !sums[1].First.Equal(base) || sums[1].Failures != 1 {
		t.Errorf("first: first = %v, failures = %d", sums[1].First, sums[1].Failures)
	}
}

func TestSQLiteEventStore_PruneByAge(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:          testDSN(t),
		RetentionAge: time.Minute,
	})
	ctx := context.Background()

	old := makeEvent("epoch-1", 1, runtime.EventTaskStarted)
	old.Time = time.Now().Add(-time.Hour)
	_ = store.Append(ctx, old)
	_ = store.Append(ctx, makeEvent("epoch-1", 2, runtime.EventTaskFinished))

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	events, _ := store.List(ctx, "epoch-1", 0, 0)
	if len(events) != 1 || events[0].Seq != 2 {
		t.Errorf("after prune got %d events, want only seq 2", len(events))
	}
}

func TestSQLiteEventStore_PruneByEpochCount(t *testing.T) {
	store := newTestStore(t, SQLiteStoreConfig{
		DSN:             testDSN(t),
		RetentionEpochs: 2,
	})
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	for i, epoch := range []string{"a", "b", "c"} {
		for seq := uint64(1); seq <= 3; seq++ {
			e := makeEvent(epoch, uint64(i*3)+seq, runtime.EventTaskFinished)
			e.Time = base.Add(time.Duration(i) * time.Minute)
			_ = store.Append(ctx, e)
		}
	}

	if err := store.Prune(ctx); err != nil {
		t.Fatalf("Prune: %v", err)
	}
	sums, _ := store.Epochs(ctx)
	if len(sums) != 2 || sums[0].Epoch != "c" || sums[1].Epoch != "b" {
		t.Errorf("after prune epochs = %+v, want c and b", sums)
	}
}

func TestSQLiteEventStore_ConcurrentReadWrite(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint64(1); i <= 50; i++ {
			_ = store.Append(ctx, makeEvent("epoch-1", i, runtime.EventTaskProgress))
		}
	}()

	errs := make(chan error, 5)
	for g := 0; g < 5; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := store.List(ctx, "epoch-1", 0, 0); err != nil {
					errs <- err
					return
				}
				time.Sleep(time.Millisecond)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("concurrent read error: %v", err)
	}

	events, err := store.List(ctx, "epoch-1", 0, 0)
	if err != nil {
		t.Fatalf("final List: %v", err)
	}
	if len(events) != 50 {
		t.Errorf("got %d events, want 50", len(events))
	}
}

func TestSQLiteEventStore_PersistenceAcrossReopen(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "events.db")
	ctx := context.Background()

	store1, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open store1: %v", err)
	}
	for i := uint64(1); i <= 3; i++ {
		e := makeEvent("epoch-1", i, runtime.EventTaskFinished).WithTask("t", fmt.Sprintf("mod%d", i))
		_ = store1.Append(ctx, e)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("close store1: %v", err)
	}
	if err := store1.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}

	store2, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn})
	if err != nil {
		t.Fatalf("open store2: %v", err)
	}
	defer store2.Close()

	events, err := store2.List(ctx, "epoch-1", 0, 0)
	if err != nil {
		t.Fatalf("List after reopen: %v", err)
	}
	if len(events) != 3 || events[2].Module != "mod3" {
		t.Errorf("after reopen got %d events", len(events))
	}
}

func TestSQLiteEventStore_NilPayload(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := makeEvent("epoch-1", 1, runtime.EventEpochStarted)
	e.Payload = nil
	if err := store.Append(ctx, e); err != nil {
		t.Fatalf("Append: %v", err)
	}
	events, _ := store.List(ctx, "epoch-1", 0, 0)
	if len(events) != 1 || events[0].Payload == nil {
		t.Errorf("events = %+v, want one with an empty payload map", events)
	}
}

func TestSQLiteEventStore_OpenError(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "missing", "dir", "events.db")
	if _, err := NewSQLiteEventStore(SQLiteStoreConfig{DSN: dsn}); err == nil {
		t.Error("NewSQLiteEventStore succeeded in a missing directory")
	}
}
