package record

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"
)

// Sector payload layout.
//
// Time-series sectors reserve a leading 8-byte base timestamp (unix
// milliseconds) shared by every slot in the sector. Each slot is then
//
//	[8 bytes value float64][4 bytes delta]
//
// where delta is milliseconds since the base, stored off by one: a
// zeroed slot must never read back as a sample at exactly the base
// timestamp, so stored 0 means "never written" and the real delta is
// stored+1 ... maxTimeSeriesDelta. The all-ones delta is the erasure
// sentinel written on commit.
//
// Event sectors have no base region. Each slot is
//
//	[8 bytes value float64][8 bytes timestamp unix-nanos]
//
// A zero timestamp means "never written"; the all-ones timestamp is
// the erasure sentinel. Real clocks never produce either value, so a
// gateway booting with a near-epoch clock cannot collide with them.
const (
	TimeSeriesBaseSize = 8
	TimeSeriesSlotSize = 12
	EventSlotSize      = 16

	tsDeltaEmpty  = uint32(0)
	tsDeltaErased = ^uint32(0)

	evTimeEmpty  = uint64(0)
	evTimeErased = ^uint64(0)

	maxTimeSeriesDelta = tsDeltaErased - 2 // leaves room for the +1 bias
)

// SlotCount returns how many records of the given shape fit in a
// payload of payloadLen bytes.
func SlotCount(kind Kind, payloadLen int) int {
	switch kind {
	case KindTimeSeries:
		return (payloadLen - TimeSeriesBaseSize) / TimeSeriesSlotSize
	case KindEvent:
		return payloadLen / EventSlotSize
	default:
		return 0
	}
}

func slotOffset(kind Kind, slot int) int {
	if kind == KindTimeSeries {
		return TimeSeriesBaseSize + slot*TimeSeriesSlotSize
	}
	return slot * EventSlotSize
}

// WriteBase stamps the shared base timestamp of a time-series sector.
// Called once, when the first record lands in a fresh sector.
func WriteBase(payload []byte, ts time.Time) {
	binary.BigEndian.PutUint64(payload[0:TimeSeriesBaseSize], uint64(ts.UnixMilli()))
}

// Base returns the shared base timestamp of a time-series sector.
func Base(payload []byte) time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(payload[0:TimeSeriesBaseSize])))
}

// Encode writes rec into the given slot. The payload must belong to a
// sector whose type tag matches rec.Kind; for time-series sectors the
// base timestamp must already be stamped.
func Encode(payload []byte, kind Kind, slot int, rec Record) error {
	if slot < 0 || slot >= SlotCount(kind, len(payload)) {
		return fmt.Errorf("slot %d out of range for %s payload of %d bytes", slot, kind, len(payload))
	}
	off := slotOffset(kind, slot)

	switch kind {
	case KindTimeSeries:
		base := Base(payload)
		delta := rec.Timestamp.Sub(base).Milliseconds()
		// Timestamps are expected to be monotonic within a sector;
		// clamp stragglers into the representable range.
		if delta < 0 {
			delta = 0
		}
		if uint64(delta) > uint64(maxTimeSeriesDelta) {
			delta = int64(maxTimeSeriesDelta)
		}
		binary.BigEndian.PutUint64(payload[off:off+8], math.Float64bits(rec.Value))
		binary.BigEndian.PutUint32(payload[off+8:off+12], uint32(delta)+1)
	case KindEvent:
		binary.BigEndian.PutUint64(payload[off:off+8], math.Float64bits(rec.Value))
		binary.BigEndian.PutUint64(payload[off+8:off+16], uint64(rec.Timestamp.UnixNano()))
	default:
		return fmt.Errorf("cannot encode record of kind %d", kind)
	}
	return nil
}

// Decode reads the given slot. A slot that was never written decodes
// as StateEmpty; an erased slot as StateErased. Neither is ever
// returned as a zero-valued sample.
func Decode(payload []byte, kind Kind, slot int) (Record, State) {
	if slot < 0 || slot >= SlotCount(kind, len(payload)) {
		return Record{}, StateEmpty
	}
	off := slotOffset(kind, slot)

	switch kind {
	case KindTimeSeries:
		delta := binary.BigEndian.Uint32(payload[off+8 : off+12])
		switch delta {
		case tsDeltaEmpty:
			return Record{}, StateEmpty
		case tsDeltaErased:
			return Record{}, StateErased
		}
		base := Base(payload)
		return Record{
			Kind:      KindTimeSeries,
			Value:     math.Float64frombits(binary.BigEndian.Uint64(payload[off : off+8])),
			Timestamp: base.Add(time.Duration(delta-1) * time.Millisecond),
		}, StateValid
	case KindEvent:
		ts := binary.BigEndian.Uint64(payload[off+8 : off+16])
		switch ts {
		case evTimeEmpty:
			return Record{}, StateEmpty
		case evTimeErased:
			return Record{}, StateErased
		}
		return Record{
			Kind:      KindEvent,
			Value:     math.Float64frombits(binary.BigEndian.Uint64(payload[off : off+8])),
			Timestamp: time.Unix(0, int64(ts)),
		}, StateValid
	default:
		return Record{}, StateEmpty
	}
}

// Erase overwrites the slot's timestamp field with the erasure
// sentinel. The value bytes are cleared as well so stale samples can
// never be misread after the sector is recycled.
func Erase(payload []byte, kind Kind, slot int) {
	if slot < 0 || slot >= SlotCount(kind, len(payload)) {
		return
	}
	off := slotOffset(kind, slot)
	switch kind {
	case KindTimeSeries:
		binary.BigEndian.PutUint64(payload[off:off+8], 0)
		binary.BigEndian.PutUint32(payload[off+8:off+12], tsDeltaErased)
	case KindEvent:
		binary.BigEndian.PutUint64(payload[off:off+8], 0)
		binary.BigEndian.PutUint64(payload[off+8:off+16], evTimeErased)
	}
}
