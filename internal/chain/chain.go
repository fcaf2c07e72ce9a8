// Package chain links pool sectors into per-sensor ordered sequences
// and implements the shape-aware walk used to locate records by their
// position in the stream.
package chain

import (
	"errors"
	"fmt"

	"github.com/gatewaylabs/telembuf/internal/record"
	"github.com/gatewaylabs/telembuf/internal/sector"
)

// ErrCorrupt reports that a walk hit a sector whose stored state
// violates an invariant (unknown type tag or out-of-range link). The
// sector must be isolated by the caller, never trusted or freed.
var ErrCorrupt = errors.New("corrupt sector")

// ErrEndOfChain reports that a walk ran past the last linked sector.
var ErrEndOfChain = errors.New("end of chain")

// CorruptError identifies the sector that violated an invariant so
// the engine can isolate it.
type CorruptError struct {
	Sector sector.ID
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("sector %d: %s: %s", e.Sector, e.Reason, ErrCorrupt)
}

func (e *CorruptError) Unwrap() error { return ErrCorrupt }

// Pos addresses one record slot: a sector plus a slot index within
// that sector. Byte offsets, including the time-series base region,
// are the codec's concern; the walk deals in whole slots.
type Pos struct {
	Sector sector.ID
	Slot   int
}

// NoPos is the "no position" sentinel for empty chains and unset
// lease starts.
var NoPos = Pos{Sector: sector.None}

// IsNone reports whether p is the sentinel position.
func (p Pos) IsNone() bool {
	return p.Sector == sector.None
}

// Manager walks and extends sector chains over a shared pool. It holds
// no state of its own; all chain pointers live in the sensor control
// blocks and are guarded by the per-sensor locks of the callers.
type Manager struct {
	pool *sector.Pool
}

func NewManager(pool *sector.Pool) *Manager {
	return &Manager{pool: pool}
}

// Append allocates a sector of the given shape and links it after
// tail. With tail == None the new sector starts a chain.
func (m *Manager) Append(tail sector.ID, kind record.Kind) (sector.ID, error) {
	id, err := m.pool.Alloc(kind)
	if err != nil {
		return sector.None, err
	}
	if tail != sector.None {
		m.pool.SetNext(tail, id)
	}
	return id, nil
}

// Next returns the successor of id, or sector.None at the tail.
// The link is validated before use: a link outside the pool is a
// corruption, not an end of chain.
func (m *Manager) Next(id sector.ID) (sector.ID, error) {
	next := m.pool.Next(id)
	if next == sector.None {
		return sector.None, nil
	}
	if !m.pool.Valid(next) {
		return sector.None, &CorruptError{Sector: id, Reason: fmt.Sprintf("link to %d out of pool range", next)}
	}
	return next, nil
}

// Walk advances pos by exactly skip records, crossing sector
// boundaries as needed. Crossing resets the slot index to the first
// slot of the next sector; the codec maps slot 0 to that shape's first
// value offset, so time-series base regions are never miscounted as
// records. Room within a sector is its stored record count, never its
// slot capacity: a shape switch seals sectors before they are full,
// and a walk that assumed full sectors would land on unwritten slots.
// The returned position is the first record past the skipped span.
func (m *Manager) Walk(pos Pos, skip int) (Pos, error) {
	if pos.IsNone() {
		if skip == 0 {
			return pos, nil
		}
		return NoPos, ErrEndOfChain
	}
	for {
		kind := m.pool.Kind(pos.Sector)
		if !kind.Valid() {
			return NoPos, &CorruptError{Sector: pos.Sector, Reason: fmt.Sprintf("type tag %d", kind)}
		}
		room := m.pool.Used(pos.Sector) - pos.Slot
		if skip < room {
			pos.Slot += skip
			return pos, nil
		}
		skip -= room
		next, err := m.Next(pos.Sector)
		if err != nil {
			return NoPos, err
		}
		if next == sector.None {
			if skip == 0 {
				// Landed exactly on the tail's append point.
				return Pos{Sector: pos.Sector, Slot: pos.Slot + room}, nil
			}
			return NoPos, ErrEndOfChain
		}
		pos = Pos{Sector: next, Slot: 0}
	}
}

// Count walks from head to the end and returns the number of linked
// sectors. Counting by walking is deliberate: freed-and-reused IDs
// make index arithmetic meaningless.
func (m *Manager) Count(head sector.ID) (int, error) {
	n := 0
	for id := head; id != sector.None; {
		if !m.pool.Valid(id) {
			return n, &CorruptError{Sector: id, Reason: "out of pool range"}
		}
		n++
		next, err := m.Next(id)
		if err != nil {
			return n, err
		}
		id = next
	}
	return n, nil
}

// Unlink removes bad from the chain starting at head and returns the
// new head. The sector is isolated, not freed: its bytes are left for
// post-mortem inspection and its ID stays out of circulation.
func (m *Manager) Unlink(head, bad sector.ID) (sector.ID, error) {
	after := m.pool.Next(bad)
	if after != sector.None && !m.pool.Valid(after) {
		after = sector.None
	}
	if head == bad {
		return after, nil
	}
	prev := head
	for {
		next, err := m.Next(prev)
		if err != nil {
			return head, err
		}
		if next == sector.None {
			return head, fmt.Errorf("sector %d not found in chain", bad)
		}
		if next == bad {
			m.pool.SetNext(prev, after)
			return head, nil
		}
		prev = next
	}
}

// Pool exposes the underlying pool for codec access.
func (m *Manager) Pool() *sector.Pool {
	return m.pool
}
