package engine

import (
	"errors"

	"github.com/gatewaylabs/telembuf/internal/chain"
	"github.com/gatewaylabs/telembuf/internal/sector"
)

var (
	// ErrOutOfMemory: the sector pool is exhausted and no spill tier
	// could absorb the write. The producer applies backpressure or
	// drops per its own policy.
	ErrOutOfMemory = sector.ErrOutOfMemory

	// ErrCorruptSector: a decode or walk found an invariant violation.
	// The sector has been isolated from its chain, not freed.
	ErrCorruptSector = chain.ErrCorrupt

	// ErrInvalidLease: commit or rollback arrived with no active
	// lease. Duplicate acknowledgment delivery causes this routinely,
	// so callers treat it as informational.
	ErrInvalidLease = errors.New("no active lease")
)
