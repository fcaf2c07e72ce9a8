// Package sector provides the fixed pool of storage sectors shared by
// every sensor chain. A sector is the smallest allocation unit: a one
// byte type tag, a link to the next sector in its chain, and a payload
// region the record codec writes into.
package sector

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/gatewaylabs/telembuf/internal/record"
	"go.uber.org/zap"
)

// ErrOutOfMemory is returned by Alloc when the pool is exhausted.
// Producers apply backpressure or drop per policy; it is never fatal.
var ErrOutOfMemory = errors.New("sector pool exhausted")

// ID indexes a sector within the pool. IDs are reused after Free, so
// chain positions must be derived by walking links, never by index
// arithmetic between two IDs.
type ID uint32

// None is the "no sector" sentinel used for empty chains and for the
// next link of a chain tail.
const None = ID(^uint32(0))

// Header layout at the start of every sector buffer:
//
//	[1 byte kind][2 bytes record count][1 byte reserved][4 bytes next link]
//
// The payload region follows. The record count is the number of slots
// actually written; a shape switch can seal a sector before it is
// full, so walks must use the count, never the slot capacity. While a
// sector sits on the free list the next field threads the list instead
// of a chain link.
const (
	headerSize    = 8
	usedOffset    = 1
	nextOffset    = 4
	MinSectorSize = headerSize + record.TimeSeriesBaseSize + record.EventSlotSize
)

// Pool is a fixed arena of sectors with an explicit free list.
// Allocation and free are O(1); a linear scan for a free slot would
// degrade under fragmentation and is deliberately avoided.
//
// The pool has its own lock, distinct from the per-sensor locks, so
// chains of different sensors can allocate concurrently.
type Pool struct {
	mu         sync.Mutex
	sectorSize int
	bufs       [][]byte
	freeHead   ID
	used       int
	logger     *zap.Logger
}

// NewPool builds a pool of count sectors of sectorSize bytes each.
func NewPool(count, sectorSize int, logger *zap.Logger) (*Pool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("sector count must be positive, got %d", count)
	}
	if sectorSize < MinSectorSize {
		return nil, fmt.Errorf("sector size %d below minimum %d", sectorSize, MinSectorSize)
	}
	if uint64(count) >= uint64(None) {
		return nil, fmt.Errorf("sector count %d exceeds addressable range", count)
	}

	p := &Pool{
		sectorSize: sectorSize,
		bufs:       make([][]byte, count),
		freeHead:   None,
		logger:     logger,
	}
	arena := make([]byte, count*sectorSize)
	// Thread the free list back to front so early allocations hand out
	// low IDs first.
	for i := count - 1; i >= 0; i-- {
		p.bufs[i] = arena[i*sectorSize : (i+1)*sectorSize]
		p.setNext(ID(i), p.freeHead)
		p.freeHead = ID(i)
	}
	return p, nil
}

// Alloc takes a sector off the free list, tags it with the given
// record shape and returns its ID with the next link set to None.
func (p *Pool) Alloc(kind record.Kind) (ID, error) {
	if !kind.Valid() {
		return None, fmt.Errorf("cannot allocate sector of kind %d", kind)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.freeHead == None {
		return None, ErrOutOfMemory
	}
	id := p.freeHead
	p.freeHead = p.next(id)
	p.used++

	buf := p.bufs[id]
	buf[0] = byte(kind)
	binary.BigEndian.PutUint16(buf[usedOffset:usedOffset+2], 0)
	p.setNext(id, None)

	p.logger.Debug("sector allocated",
		zap.Uint32("sector", uint32(id)),
		zap.String("kind", kind.String()),
		zap.Int("used", p.used),
	)
	return id, nil
}

// Free invalidates the sector and returns it to the free list. Every
// byte outside the free-list link is zeroed so stale records can never
// be misread as valid data after the ID is reused.
func (p *Pool) Free(id ID) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.valid(id) {
		p.logger.Warn("free of invalid sector id ignored", zap.Uint32("sector", uint32(id)))
		return
	}

	buf := p.bufs[id]
	for i := range buf {
		buf[i] = 0
	}
	p.setNext(id, p.freeHead)
	p.freeHead = id
	p.used--

	p.logger.Debug("sector freed", zap.Uint32("sector", uint32(id)), zap.Int("used", p.used))
}

// Kind returns the stored type tag. An invalid tag signals corruption
// and is surfaced to the caller as-is for isolation.
func (p *Pool) Kind(id ID) record.Kind {
	return record.Kind(p.bufs[id][0])
}

// Next returns the chain link of the sector, or None at the tail.
func (p *Pool) Next(id ID) ID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next(id)
}

// SetNext links the sector to its successor.
func (p *Pool) SetNext(id, next ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setNext(id, next)
}

// Used returns the number of records written to the sector.
func (p *Pool) Used(id ID) int {
	return int(binary.BigEndian.Uint16(p.bufs[id][usedOffset : usedOffset+2]))
}

// SetUsed records how many slots of the sector hold records. The
// sector size cap (64 KB) keeps every possible count within uint16.
func (p *Pool) SetUsed(id ID, n int) {
	binary.BigEndian.PutUint16(p.bufs[id][usedOffset:usedOffset+2], uint16(n))
}

// Payload returns the writable payload region of the sector.
func (p *Pool) Payload(id ID) []byte {
	return p.bufs[id][headerSize:]
}

// PayloadSize returns the payload bytes available per sector.
func (p *Pool) PayloadSize() int {
	return p.sectorSize - headerSize
}

// SlotCount returns records of the given shape per sector.
func (p *Pool) SlotCount(kind record.Kind) int {
	return record.SlotCount(kind, p.PayloadSize())
}

// Valid reports whether id addresses a sector in this pool.
func (p *Pool) Valid(id ID) bool {
	return p.valid(id)
}

// Stats returns sectors in use and pool capacity.
func (p *Pool) Stats() (used, total int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.used, len(p.bufs)
}

// Usage returns the used fraction of the pool in [0, 1].
func (p *Pool) Usage() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return float64(p.used) / float64(len(p.bufs))
}

func (p *Pool) valid(id ID) bool {
	return uint32(id) < uint32(len(p.bufs))
}

func (p *Pool) next(id ID) ID {
	return ID(binary.BigEndian.Uint32(p.bufs[id][nextOffset:headerSize]))
}

func (p *Pool) setNext(id, next ID) {
	binary.BigEndian.PutUint32(p.bufs[id][nextOffset:headerSize], uint32(next))
}
