package spill

import (
	"encoding/binary"
	"fmt"
	"time"

	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

var (
	bucketSystem    = []byte("system")
	bucketConsumers = []byte("consumers")

	keySchemaVersion = []byte("schema_version")
	keyDirty         = []byte("dirty")
)

const currentSchemaVersion = uint64(1)

// Meta tracks durable per-(sensor, consumer) segment counters and the
// recovery marker. The marker is written when the store opens and
// removed on clean close; finding it already present at open means the
// previous run lost power mid-write and the segment files are the
// source of truth for frame counts.
type Meta struct {
	db       *bbolt.DB
	wasDirty bool
	logger   *zap.Logger
}

// OpenMeta opens or creates the bbolt metadata store at path.
func OpenMeta(path string, logger *zap.Logger) (*Meta, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening spill meta db: %w", err)
	}

	m := &Meta{db: db, logger: logger}
	if err := m.init(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *Meta) init() error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		sys, err := tx.CreateBucketIfNotExists(bucketSystem)
		if err != nil {
			return err
		}
		if _, err := tx.CreateBucketIfNotExists(bucketConsumers); err != nil {
			return err
		}
		if v := sys.Get(keySchemaVersion); v == nil {
			if err := sys.Put(keySchemaVersion, u64b(currentSchemaVersion)); err != nil {
				return err
			}
		} else if bu64(v) != currentSchemaVersion {
			return fmt.Errorf("unsupported spill meta schema version %d", bu64(v))
		}

		m.wasDirty = sys.Get(keyDirty) != nil
		return sys.Put(keyDirty, []byte{1})
	})
}

// WasDirty reports whether the previous run ended without a clean
// close. Callers must then rebuild frame counts from the segment
// files before serving reads.
func (m *Meta) WasDirty() bool {
	return m.wasDirty
}

func consumerKey(sensorID, consumer string) []byte {
	k := make([]byte, 0, len(sensorID)+1+len(consumer))
	k = append(k, sensorID...)
	k = append(k, 0)
	k = append(k, consumer...)
	return k
}

// Counters returns (count, committed) for the pair; zeros when the
// pair has never spilled.
func (m *Meta) Counters(sensorID, consumer string) (count, committed uint64, err error) {
	err = m.db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketConsumers).Get(consumerKey(sensorID, consumer))
		if v == nil {
			return nil
		}
		if len(v) != 16 {
			return fmt.Errorf("malformed counter record for %s/%s", sensorID, consumer)
		}
		count = bu64(v[0:8])
		committed = bu64(v[8:16])
		return nil
	})
	return count, committed, err
}

// SetCounters durably records (count, committed) for the pair.
func (m *Meta) SetCounters(sensorID, consumer string, count, committed uint64) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		v := make([]byte, 16)
		binary.BigEndian.PutUint64(v[0:8], count)
		binary.BigEndian.PutUint64(v[8:16], committed)
		return tx.Bucket(bucketConsumers).Put(consumerKey(sensorID, consumer), v)
	})
}

// DeleteCounters removes the pair after its segment is deleted.
func (m *Meta) DeleteCounters(sensorID, consumer string) error {
	return m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConsumers).Delete(consumerKey(sensorID, consumer))
	})
}

// ForEach calls fn for every tracked (sensor, consumer) pair.
func (m *Meta) ForEach(fn func(sensorID, consumer string, count, committed uint64) error) error {
	return m.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketConsumers).ForEach(func(k, v []byte) error {
			sep := -1
			for i, b := range k {
				if b == 0 {
					sep = i
					break
				}
			}
			if sep < 0 || len(v) != 16 {
				return fmt.Errorf("malformed consumer key %q", k)
			}
			return fn(string(k[:sep]), string(k[sep+1:]), bu64(v[0:8]), bu64(v[8:16]))
		})
	})
}

// Ping verifies the database is reachable.
func (m *Meta) Ping() error {
	return m.db.View(func(tx *bbolt.Tx) error {
		if tx.Bucket(bucketSystem) == nil {
			return fmt.Errorf("system bucket missing")
		}
		return nil
	})
}

// CloseClean removes the recovery marker and closes the database.
// Crash paths skip this, leaving the marker for the next startup.
func (m *Meta) CloseClean() error {
	err := m.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketSystem).Delete(keyDirty)
	})
	if cerr := m.db.Close(); err == nil {
		err = cerr
	}
	return err
}

// Close closes the database leaving the dirty marker in place.
func (m *Meta) Close() error {
	return m.db.Close()
}

func u64b(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func bu64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}
