package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/gatewaylabs/telembuf/internal/record"
)

// memStore is an in-memory spill tier with call counters, mirroring
// the segment semantics of the file-backed store: per-(sensor,
// consumer) frame lists that reset once fully committed.
type memStore struct {
	frames    map[string][]record.Record
	committed map[string]uint64

	appendCalls int
	readCalls   int
	failAppends bool
	failCounts  bool
}

func newMemStore() *memStore {
	return &memStore{
		frames:    make(map[string][]record.Record),
		committed: make(map[string]uint64),
	}
}

func skey(sensorID, consumer string) string {
	return sensorID + "\x00" + consumer
}

func (m *memStore) Enabled() bool { return true }

func (m *memStore) Append(sensorID, consumer string, rec record.Record) error {
	m.appendCalls++
	if m.failAppends {
		return fmt.Errorf("disk full")
	}
	k := skey(sensorID, consumer)
	m.frames[k] = append(m.frames[k], rec)
	return nil
}

func (m *memStore) Read(sensorID, consumer string, from uint64, max int) ([]record.Record, error) {
	m.readCalls++
	all := m.frames[skey(sensorID, consumer)]
	if from >= uint64(len(all)) {
		return nil, nil
	}
	end := from + uint64(max)
	if end > uint64(len(all)) {
		end = uint64(len(all))
	}
	out := make([]record.Record, end-from)
	copy(out, all[from:end])
	return out, nil
}

func (m *memStore) Count(sensorID, consumer string) (uint64, error) {
	if m.failCounts {
		return 0, fmt.Errorf("meta unavailable")
	}
	return uint64(len(m.frames[skey(sensorID, consumer)])), nil
}

func (m *memStore) Committed(sensorID, consumer string) (uint64, error) {
	if m.failCounts {
		return 0, fmt.Errorf("meta unavailable")
	}
	return m.committed[skey(sensorID, consumer)], nil
}

func (m *memStore) Commit(ctx context.Context, sensorID, consumer string, upTo uint64) error {
	k := skey(sensorID, consumer)
	if upTo >= uint64(len(m.frames[k])) {
		// Segment fully committed: retired and counters reset.
		delete(m.frames, k)
		delete(m.committed, k)
		return nil
	}
	m.committed[k] = upTo
	return nil
}

func (m *memStore) Close() error { return nil }

func TestOverflowToDisk(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, 2, store) // 14 event slots of RAM
	ctx := context.Background()

	// Register the consumer first; overflow needs a segment to fan out
	// to.
	if _, err := e.ReadBulk(ctx, "engine_temp", "uploader", 1); err != nil {
		t.Fatalf("registering read failed: %v", err)
	}

	// The pool crosses the usage threshold when the second sector is
	// allocated at write 8; later writes divert to disk.
	writeEvents(t, e, "engine_temp", 14, 0)

	count, _ := store.Count("engine_temp", "uploader")
	if count == 0 {
		t.Fatal("expected overflow writes in the spill store")
	}
	stats := e.Stats()
	if !stats.Sensors[0].DiskOpen {
		t.Fatal("sensor should be in overflow mode")
	}

	// Delivery order: all RAM records, then the disk backlog.
	recs, err := e.ReadBulk(ctx, "engine_temp", "uploader", 20)
	if err != nil {
		t.Fatalf("ReadBulk failed: %v", err)
	}
	if len(recs) != 14 {
		t.Fatalf("got %d records, want 14", len(recs))
	}
	for i, rec := range recs {
		if rec.Value != float64(i) {
			t.Fatalf("record %d out of order: got value %g", i, rec.Value)
		}
	}
}

func TestOverflowRollbackRedelivers(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, 2, store)
	ctx := context.Background()

	e.ReadBulk(ctx, "pressure", "uploader", 1)
	writeEvents(t, e, "pressure", 16, 0)

	first, err := e.ReadBulk(ctx, "pressure", "uploader", 20)
	if err != nil {
		t.Fatalf("ReadBulk failed: %v", err)
	}
	if len(first) != 16 {
		t.Fatalf("got %d records, want 16", len(first))
	}

	if err := e.RollbackPending(ctx, "pressure", "uploader"); err != nil {
		t.Fatalf("RollbackPending failed: %v", err)
	}

	second, err := e.ReadBulk(ctx, "pressure", "uploader", 20)
	if err != nil {
		t.Fatalf("ReadBulk after rollback failed: %v", err)
	}
	if len(second) != 16 {
		t.Fatalf("redelivery: got %d records, want 16", len(second))
	}
	for i := range first {
		if first[i].Value != second[i].Value {
			t.Fatalf("record %d differs across redelivery: %g vs %g",
				i, first[i].Value, second[i].Value)
		}
	}
}

func TestOverflowCommitDrainsAndClosesDisk(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, 2, store)
	ctx := context.Background()

	e.ReadBulk(ctx, "axle", "uploader", 1)
	writeEvents(t, e, "axle", 16, 0)

	recs, err := e.ReadBulk(ctx, "axle", "uploader", 20)
	if err != nil || len(recs) != 16 {
		t.Fatalf("ReadBulk: %d records, err %v", len(recs), err)
	}
	if err := e.CommitPending(ctx, "axle", "uploader"); err != nil {
		t.Fatalf("CommitPending failed: %v", err)
	}

	// RAM sectors reclaimed, segment retired, overflow mode closed.
	used, _ := e.pool.Stats()
	if used != 0 {
		t.Errorf("expected all sectors freed, got %d", used)
	}
	if count, _ := store.Count("axle", "uploader"); count != 0 {
		t.Errorf("expected spill segment retired, %d frames remain", count)
	}
	stats := e.Stats()
	if stats.Sensors[0].DiskOpen {
		t.Error("overflow mode should close once the backlog drains")
	}

	// Writes land in RAM again.
	writeEvents(t, e, "axle", 2, 100)
	recs, err = e.ReadBulk(ctx, "axle", "uploader", 10)
	if err != nil {
		t.Fatalf("ReadBulk after drain failed: %v", err)
	}
	checkValues(t, recs, 100, 101)
}

func TestNoBacklogSkipsStoreReads(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, 8, store)
	ctx := context.Background()

	writeEvents(t, e, "quiet", 3, 0)
	if _, err := e.ReadBulk(ctx, "quiet", "uploader", 10); err != nil {
		t.Fatalf("ReadBulk failed: %v", err)
	}

	// No overflow ever happened; neither availability checks nor empty
	// rereads may touch the store.
	before := store.readCalls
	e.AvailableCount("quiet", "uploader")
	e.ReadBulk(ctx, "quiet", "uploader", 10)
	if store.readCalls != before {
		t.Errorf("spill store read %d times with no backlog", store.readCalls-before)
	}
}

func TestRegistrationSurvivesSpillCounterFailure(t *testing.T) {
	store := newMemStore()
	store.failCounts = true
	e := newTestEngine(t, 8, store)
	ctx := context.Background()

	writeEvents(t, e, "cabin", 3, 0)

	// A sick spill store must not block RAM delivery for a new
	// consumer; registration proceeds without a disk backlog.
	recs, err := e.ReadBulk(ctx, "cabin", "uploader", 10)
	if err != nil {
		t.Fatalf("ReadBulk with failing spill counters errored: %v", err)
	}
	checkValues(t, recs, 0, 1, 2)

	if err := e.CommitPending(ctx, "cabin", "uploader"); err != nil {
		t.Fatalf("CommitPending failed: %v", err)
	}
}

func TestOverflowTotalSpillFailureDegradesToRAM(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, 4, store)
	ctx := context.Background()

	e.ReadBulk(ctx, "deg", "uploader", 1)
	writeEvents(t, e, "deg", 3, 0)

	// Force overflow mode, then make the disk fail.
	s := e.sensor("deg")
	s.mu.Lock()
	s.diskOpen = true
	s.mu.Unlock()
	store.failAppends = true

	// The write falls back to RAM rather than being lost.
	if err := e.WriteEvent(ctx, "deg", 3, time.Unix(1700000003, 0)); err != nil {
		t.Fatalf("WriteEvent with failing spill errored: %v", err)
	}
	recs, err := e.ReadBulk(ctx, "deg", "uploader", 10)
	if err != nil {
		t.Fatalf("ReadBulk failed: %v", err)
	}
	checkValues(t, recs, 0, 1, 2, 3)
}
