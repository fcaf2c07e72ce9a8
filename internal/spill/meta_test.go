package spill

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap"
)

func TestMetaCounters(t *testing.T) {
	meta, err := OpenMeta(filepath.Join(t.TempDir(), "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenMeta failed: %v", err)
	}
	defer meta.Close()

	// Unknown pairs read as zero.
	count, committed, err := meta.Counters("gps", "uploader")
	if err != nil || count != 0 || committed != 0 {
		t.Fatalf("fresh pair: count=%d committed=%d err=%v", count, committed, err)
	}

	if err := meta.SetCounters("gps", "uploader", 7, 3); err != nil {
		t.Fatalf("SetCounters failed: %v", err)
	}
	count, committed, err = meta.Counters("gps", "uploader")
	if err != nil || count != 7 || committed != 3 {
		t.Fatalf("got count=%d committed=%d err=%v", count, committed, err)
	}

	if err := meta.DeleteCounters("gps", "uploader"); err != nil {
		t.Fatalf("DeleteCounters failed: %v", err)
	}
	count, committed, _ = meta.Counters("gps", "uploader")
	if count != 0 || committed != 0 {
		t.Errorf("counters survive deletion: count=%d committed=%d", count, committed)
	}
}

func TestMetaForEach(t *testing.T) {
	meta, err := OpenMeta(filepath.Join(t.TempDir(), "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenMeta failed: %v", err)
	}
	defer meta.Close()

	meta.SetCounters("a", "x", 1, 0)
	meta.SetCounters("b", "y", 2, 1)

	seen := make(map[string]uint64)
	err = meta.ForEach(func(sensorID, consumer string, count, committed uint64) error {
		seen[sensorID+"/"+consumer] = count
		return nil
	})
	if err != nil {
		t.Fatalf("ForEach failed: %v", err)
	}
	if len(seen) != 2 || seen["a/x"] != 1 || seen["b/y"] != 2 {
		t.Errorf("unexpected pairs: %v", seen)
	}
}

func TestMetaDirtyMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meta.db")

	meta, err := OpenMeta(path, zap.NewNop())
	if err != nil {
		t.Fatalf("OpenMeta failed: %v", err)
	}
	if meta.WasDirty() {
		t.Error("fresh store should not be dirty")
	}
	if err := meta.CloseClean(); err != nil {
		t.Fatalf("CloseClean failed: %v", err)
	}

	// Clean close clears the marker.
	meta, err = OpenMeta(path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	if meta.WasDirty() {
		t.Error("store should be clean after CloseClean")
	}
	// Plain close leaves it set.
	meta.Close()

	meta, err = OpenMeta(path, zap.NewNop())
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer meta.CloseClean()
	if !meta.WasDirty() {
		t.Error("store should be dirty after plain Close")
	}
}

func TestMetaPing(t *testing.T) {
	meta, err := OpenMeta(filepath.Join(t.TempDir(), "meta.db"), zap.NewNop())
	if err != nil {
		t.Fatalf("OpenMeta failed: %v", err)
	}
	defer meta.Close()
	if err := meta.Ping(); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}
