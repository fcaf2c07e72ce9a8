package record

import "time"

// Kind identifies the on-sector shape of a record. The zero value is
// deliberately invalid so a zeroed type tag is caught as corruption.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindTimeSeries
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindTimeSeries:
		return "timeseries"
	case KindEvent:
		return "event"
	default:
		return "invalid"
	}
}

// Valid reports whether k is a known record shape.
func (k Kind) Valid() bool {
	return k == KindTimeSeries || k == KindEvent
}

// Record is one decoded sample.
type Record struct {
	Kind      Kind
	Value     float64
	Timestamp time.Time
}

// State classifies a decoded slot.
type State int

const (
	// StateEmpty: the slot was never written (fresh sector bytes).
	StateEmpty State = iota
	// StateValid: the slot holds a fully written sample.
	StateValid
	// StateErased: the slot was written and later erased on commit.
	StateErased
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateValid:
		return "valid"
	case StateErased:
		return "erased"
	default:
		return "unknown"
	}
}
