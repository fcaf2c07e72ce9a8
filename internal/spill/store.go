// Package spill implements the secondary-storage tier: append-only
// per-(sensor, consumer) segment files that absorb writes when the
// sector pool is under pressure, durable counters in bbolt, and an
// optional S3 archive for fully committed segments.
//
// The engine calls the Store capability unconditionally; constrained
// deployments run the no-op implementation and never touch disk.
package spill

import (
	"context"

	"github.com/gatewaylabs/telembuf/internal/record"
)

// Store is the capability interface the engine writes and reads
// overflow records through. Indices are frame positions within the
// current segment of one (sensor, consumer) pair; a segment resets to
// index zero after it is fully committed and deleted.
type Store interface {
	// Enabled reports whether this deployment has a real secondary
	// tier. When false the engine must not attempt any round trip.
	Enabled() bool

	// Append adds one record to the consumer's segment.
	Append(sensorID, consumer string, rec record.Record) error

	// Read returns up to max records starting at frame index from.
	// Fewer than max is a normal partial result.
	Read(sensorID, consumer string, from uint64, max int) ([]record.Record, error)

	// Count returns frames appended to the current segment.
	Count(sensorID, consumer string) (uint64, error)

	// Committed returns the frame index up to which the consumer has
	// acknowledged delivery.
	Committed(sensorID, consumer string) (uint64, error)

	// Commit acknowledges frames below upTo. A segment whose frames
	// are all committed is archived (if configured) and deleted.
	Commit(ctx context.Context, sensorID, consumer string, upTo uint64) error

	Close() error
}

// NopStore is the constrained-target implementation: no secondary
// storage exists and every operation is an explicit empty result.
type NopStore struct{}

func NewNopStore() *NopStore { return &NopStore{} }

func (*NopStore) Enabled() bool { return false }

func (*NopStore) Append(string, string, record.Record) error { return nil }

func (*NopStore) Read(string, string, uint64, int) ([]record.Record, error) { return nil, nil }

func (*NopStore) Count(string, string) (uint64, error) { return 0, nil }

func (*NopStore) Committed(string, string) (uint64, error) { return 0, nil }

func (*NopStore) Commit(context.Context, string, string, uint64) error { return nil }

func (*NopStore) Close() error { return nil }
