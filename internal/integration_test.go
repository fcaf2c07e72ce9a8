package internal_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/gatewaylabs/telembuf/internal/engine"
	"github.com/gatewaylabs/telembuf/internal/record"
	"github.com/gatewaylabs/telembuf/internal/spill"
	"go.uber.org/zap"
)

func evRec(i int) record.Record {
	return record.Record{
		Kind:      record.KindEvent,
		Value:     float64(i),
		Timestamp: time.Unix(1700000000+int64(i), 0),
	}
}

// 128-byte sectors hold 7 event records each.
func newEngine(t *testing.T, sectors int, store spill.Store) *engine.Engine {
	t.Helper()
	e, err := engine.New(engine.Config{
		SectorSize:     128,
		SectorCount:    sectors,
		SpillThreshold: 0.95,
	}, store, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func openSpill(t *testing.T, dir string) (*spill.FileStore, *spill.Meta) {
	t.Helper()
	meta, err := spill.OpenMeta(filepath.Join(dir, "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	store, err := spill.NewFileStore(filepath.Join(dir, "data"), meta, nil, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	return store, meta
}

// TestIntegration_OverflowAndDrain runs the complete flow: RAM writes
// fill the pool, overflow diverts to the file-backed spill tier, a
// bulk read delivers RAM then disk in write order, and a commit frees
// the sectors and retires the spill segment.
func TestIntegration_OverflowAndDrain(t *testing.T) {
	dir := t.TempDir()
	store, meta := openSpill(t, dir)
	defer meta.Close()
	defer store.Close()

	e := newEngine(t, 2, store) // 14 RAM slots
	ctx := context.Background()

	// Register the consumer before the pool fills.
	if _, err := e.ReadBulk(ctx, "engine_temp", "uploader", 1); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 20; i++ {
		ts := time.Unix(1700000000+int64(i), 0)
		if err := e.WriteEvent(ctx, "engine_temp", float64(i), ts); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}

	count, _ := store.Count("engine_temp", "uploader")
	if count == 0 {
		t.Fatal("expected overflow frames in the spill store")
	}

	recs, err := e.ReadBulk(ctx, "engine_temp", "uploader", 50)
	if err != nil {
		t.Fatalf("ReadBulk failed: %v", err)
	}
	if len(recs) != 20 {
		t.Fatalf("got %d records, want 20", len(recs))
	}
	for i, rec := range recs {
		if rec.Value != float64(i) {
			t.Fatalf("record %d out of order: value %g", i, rec.Value)
		}
	}

	if err := e.CommitPending(ctx, "engine_temp", "uploader"); err != nil {
		t.Fatalf("CommitPending failed: %v", err)
	}
	count, _ = store.Count("engine_temp", "uploader")
	if count != 0 {
		t.Errorf("spill segment not retired after commit: %d frames", count)
	}

	stats := e.Stats()
	if stats.SectorsUsed != 0 {
		t.Errorf("sectors still allocated after full commit: %d", stats.SectorsUsed)
	}
	if stats.Sensors[0].DiskOpen {
		t.Error("overflow mode still open after backlog drained")
	}
}

// TestIntegration_CrashRecovery simulates a power cut while a disk
// backlog is outstanding: the spill store is reopened dirty, counters
// are rebuilt from the segment files, and a fresh engine picks the
// backlog up at the consumer's durable commit index.
func TestIntegration_CrashRecovery(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, meta := openSpill(t, dir)
	e := newEngine(t, 2, store)

	if _, err := e.ReadBulk(ctx, "fuel", "uploader", 1); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 18; i++ {
		ts := time.Unix(1700000000+int64(i), 0)
		if err := e.WriteEvent(ctx, "fuel", float64(i), ts); err != nil {
			t.Fatalf("write %d failed: %v", i, err)
		}
	}
	backlog, _ := store.Count("fuel", "uploader")
	if backlog == 0 {
		t.Fatal("expected a disk backlog before the crash")
	}

	// Power cut: no CloseClean, dirty marker stays set. RAM content is
	// gone with the process.
	store.Close()
	meta.Close()

	store2, meta2 := openSpill(t, dir)
	defer meta2.CloseClean()
	defer store2.Close()

	recovered, _ := store2.Count("fuel", "uploader")
	if recovered != backlog {
		t.Fatalf("recovered backlog %d, want %d", recovered, backlog)
	}

	// A fresh engine serves the surviving backlog to the consumer.
	e2 := newEngine(t, 2, store2)
	recs, err := e2.ReadBulk(ctx, "fuel", "uploader", 50)
	if err != nil {
		t.Fatalf("ReadBulk after recovery failed: %v", err)
	}
	if uint64(len(recs)) != backlog {
		t.Fatalf("delivered %d records after recovery, want %d", len(recs), backlog)
	}
	// The first 8 writes filled the two RAM sectors; frames 8..17 were
	// the overflow and are what survives the crash.
	if recs[0].Value != 8 {
		t.Errorf("first recovered record: value %g, want 8", recs[0].Value)
	}

	if err := e2.CommitPending(ctx, "fuel", "uploader"); err != nil {
		t.Fatalf("CommitPending after recovery failed: %v", err)
	}
	count, _ := store2.Count("fuel", "uploader")
	if count != 0 {
		t.Errorf("backlog not cleared after commit: %d frames", count)
	}
}

// TestIntegration_CommittedFramesNotRedelivered covers the durable
// commit index: a consumer that committed part of its backlog before a
// restart only sees the uncommitted remainder afterwards.
func TestIntegration_CommittedFramesNotRedelivered(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	store, meta := openSpill(t, dir)
	for i := 0; i < 6; i++ {
		if err := store.Append("gps", "uploader", evRec(i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := store.Commit(ctx, "gps", "uploader", 4); err != nil {
		t.Fatal(err)
	}
	store.Close()
	if err := meta.CloseClean(); err != nil {
		t.Fatal(err)
	}

	store2, meta2 := openSpill(t, dir)
	defer meta2.CloseClean()
	defer store2.Close()

	e := newEngine(t, 2, store2)
	recs, err := e.ReadBulk(ctx, "gps", "uploader", 50)
	if err != nil {
		t.Fatalf("ReadBulk failed: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want the 2 uncommitted ones", len(recs))
	}
	if recs[0].Value != 4 || recs[1].Value != 5 {
		t.Errorf("wrong frames redelivered: %g, %g", recs[0].Value, recs[1].Value)
	}
}
