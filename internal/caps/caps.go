// Package caps implements capability spaces: per-process tables mapping opaque slot
// numbers to rights-bearing references to kernel objects. Only slot numbers ever cross
// the user/kernel boundary.
package caps

import (
	"errors"
	"fmt"
	"strings"
)

// Type tags the kind of kernel object a capability refers to.
type Type uint8

const (
	TypeNone Type = iota
	TypeEndpoint
	TypeMemory
	TypeThread
	TypeProcess
	TypeIRQ
	TypeIOPort
	TypeNotification
)

func (t Type) String() string {
	switch t {
	case TypeNone:
		return "none"
	case TypeEndpoint:
		return "endpoint"
	case TypeMemory:
		return "memory"
	case TypeThread:
		return "thread"
	case TypeProcess:
		return "process"
	case TypeIRQ:
		return "irq"
	case TypeIOPort:
		return "ioport"
	case TypeNotification:
		return "notification"
	default:
		return fmt.Sprintf("type(%d)", uint8(t))
	}
}

// Rights is the capability rights mask.
type Rights uint32

const (
	RightRead Rights = 1 << iota
	RightWrite
	RightGrant
	RightRevoke
	RightSend
	RightRecv
	RightMap
	RightManage
)

// RightsAll grants everything; the creator of an object holds it.
const RightsAll = RightRead | RightWrite | RightGrant | RightRevoke |
	RightSend | RightRecv | RightMap | RightManage

func (r Rights) String() string {
	var b strings.Builder

	for _, f := range []struct {
		bit  Rights
		name string
	}{
		{RightRead, "r"},
		{RightWrite, "w"},
		{RightGrant, "g"},
		{RightRevoke, "v"},
		{RightSend, "s"},
		{RightRecv, "c"},
		{RightMap, "m"},
		{RightManage, "M"},
	} {
		if r&f.bit != 0 {
			b.WriteString(f.name)
		}
	}

	if b.Len() == 0 {
		return "-"
	}

	return b.String()
}

// Has reports whether every right in need is present.
func (r Rights) Has(need Rights) bool { return r&need == need }

// Capability is one slot's contents: a typed, rights-limited, badged reference to a
// kernel object. The generation counter implements revocation of derived copies.
type Capability struct {
	Type   Type
	Rights Rights
	Object any
	Badge  uint64

	gen     uint64
	derived bool
	slot    int
}

// Slot returns the capability's own slot index.
func (c Capability) Slot() int { return c.slot }

// Derived reports whether the capability was produced by copy or mint.
func (c Capability) Derived() bool { return c.derived }

func (c Capability) String() string {
	return fmt.Sprintf("cap{%d %s %s badge=%#x}", c.slot, c.Type, c.Rights, c.Badge)
}

var (
	ErrBadSlot   = errors.New("caps: slot index out of range")
	ErrEmptySlot = errors.New("caps: slot is empty")
	ErrPerm      = errors.New("caps: required right missing")
	ErrRevoked   = errors.New("caps: capability revoked")
	ErrWrongType = errors.New("caps: object type mismatch")
	ErrNoSpace   = errors.New("caps: no free slot")
	ErrOccupied  = errors.New("caps: slot occupied")
)
