package stream

import (
	"fmt"
	"time"
)

// Kind marks where a fragment sits in the lifecycle of a message.
type Kind string

const (
	KindHead     Kind = "head"
	KindChunk    Kind = "chunk"
	KindTail     Kind = "tail"
	KindProtocol Kind = "protocol"
)

// Reserved fragment types carrying out-of-band control signals.
const (
	TypeFinal   = "__final__"
	TypeError   = "__error__"
	TypeTimeout = "__timeout__"
)

// Valid reports whether k is one of the known kinds. The empty kind is
// accepted and treated as a chunk.
func (k Kind) Valid() bool {
	switch k {
	case "", KindHead, KindChunk, KindTail, KindProtocol:
		return true
	default:
		return false
	}
}

func (k Kind) String() string {
	if k == "" {
		return string(KindChunk)
	}
	return string(k)
}

// Fragment is one partial or complete message delta produced upstream.
type Fragment struct {
	ID        string    `json:"id,omitempty"`
	Kind      Kind      `json:"kind,omitempty"`
	Type      string    `json:"type,omitempty"`
	Role      string    `json:"role,omitempty"`
	Name      string    `json:"name,omitempty"`
	Delta     string    `json:"delta,omitempty"`
	Callers   []Caller  `json:"callers,omitempty"`
	Complete  bool      `json:"complete,omitempty"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// Caller is a structured call extracted from a closed functional token region.
type Caller struct {
	TokenName string `json:"token_name"`
	Arguments string `json:"arguments"`
}

// IsProtocol reports whether f is an out-of-band control fragment that must
// never be merged.
func (f Fragment) IsProtocol() bool {
	if f.Kind == KindProtocol {
		return true
	}
	return IsProtocolType(f.Type)
}

// Ends reports whether f closes the message it belongs to.
func (f Fragment) Ends() bool {
	return f.Kind == KindTail || f.Complete
}

// IsProtocolType reports whether typ is one of the reserved control types.
func IsProtocolType(typ string) bool {
	switch typ {
	case TypeFinal, TypeError, TypeTimeout:
		return true
	default:
		return false
	}
}

// Validate rejects fragments that cannot be processed at all.
func (f Fragment) Validate() error {
	if !f.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidKind, f.Kind)
	}
	return nil
}

// NewProtocol builds a control fragment of the given reserved type.
func NewProtocol(typ, detail string) Fragment {
	return Fragment{
		Kind:     KindProtocol,
		Type:     typ,
		Delta:    detail,
		Complete: true,
	}
}

func cloneCallers(in []Caller) []Caller {
	if len(in) == 0 {
		return nil
	}
	out := make([]Caller, len(in))
	copy(out, in)
	return out
}
