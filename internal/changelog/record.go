package changelog

import (
	"fmt"
	"strings"
)

// Op is the data operation bitmask of a change record
type Op uint8

const (
	OpNew Op = 1 << iota
	OpChanged
	OpDelete
	OpAttach

	OpData = OpNew | OpChanged | OpDelete
	OpAll  = OpData | OpAttach
)

func (o Op) String() string {
	if o == 0 {
		return "NONE"
	}
	var parts []string
	for _, n := range []struct {
		bit  Op
		name string
	}{{OpNew, "NEW"}, {OpChanged, "CHANGED"}, {OpDelete, "DELETE"}, {OpAttach, "ATTACH"}} {
		if o&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "|")
}

// AttachOp is the attachment operation bitmask of an ATTACH record
type AttachOp uint8

const (
	AttachNew AttachOp = 1 << iota
	AttachChanged
	AttachDelete

	AttachAll = AttachNew | AttachChanged | AttachDelete
)

func (o AttachOp) String() string {
	switch o {
	case 0:
		return "NONE"
	case AttachNew:
		return "NEW"
	case AttachChanged:
		return "CHANGED"
	case AttachDelete:
		return "DELETE"
	}
	return fmt.Sprintf("AttachOp(%d)", uint8(o))
}

// Record is one pending local mutation
type Record struct {
	ID        uint64
	FeatureID int64
	Op        Op
	AttachID  int64
	AttachOp  AttachOp
}

// IsAttach reports whether the record concerns an attachment
func (r Record) IsAttach() bool {
	return r.Op&OpAttach != 0
}

func (r Record) String() string {
	if r.IsAttach() {
		return fmt.Sprintf("#%d feature=%d attach=%d %s", r.ID, r.FeatureID, r.AttachID, r.AttachOp)
	}
	return fmt.Sprintf("#%d feature=%d %s", r.ID, r.FeatureID, r.Op)
}

// Ledger is the durable ordered store behind a Log
type Ledger interface {
	// Append stores r under a new id taken from a persistent sequence that
	// never repeats, and returns that id
	Append(r Record) (uint64, error)
	Update(r Record) error
	Delete(id uint64) error
	// Scan visits records in ascending id order until fn returns false
	Scan(fn func(Record) bool) error
	// LastSequence is the highest id ever handed out
	LastSequence() (uint64, error)
}
