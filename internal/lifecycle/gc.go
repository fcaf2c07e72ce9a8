package lifecycle

// Orphan cleanup for spill metadata. The main maintenance loop lives
// in Manager.cycle() in manager.go.

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/gatewaylabs/telembuf/internal/spill"
	"go.uber.org/zap"
)

// CollectOrphans finds counter entries whose segment file no longer
// exists on disk. This can happen if a crash lands between segment
// deletion and the metadata update.
func CollectOrphans(meta *spill.Meta, dataDir string, logger *zap.Logger) (int, error) {
	type key struct{ sensor, consumer string }
	var orphans []key

	err := meta.ForEach(func(sensorID, consumer string, count, committed uint64) error {
		if count == 0 {
			return nil
		}
		path := filepath.Join(dataDir, sensorID, consumer+".seg")
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			orphans = append(orphans, key{sensorID, consumer})
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	collected := 0
	for _, o := range orphans {
		logger.Warn("orphaned segment counters found, cleaning up",
			zap.String("sensor", o.sensor),
			zap.String("consumer", o.consumer))
		if err := meta.DeleteCounters(o.sensor, o.consumer); err != nil {
			logger.Error("failed to delete orphan counters",
				zap.String("sensor", o.sensor), zap.Error(err))
			continue
		}
		collected++
	}

	return collected, nil
}
