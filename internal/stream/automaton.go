package stream

import (
	"fmt"
	"unicode/utf8"
)

// FunctionalToken registers a marker pair embedded in model output. A token
// without End is closed by the next start or end match, or by flush.
type FunctionalToken struct {
	Name    string `json:"name" yaml:"name"`
	Start   string `json:"start" yaml:"start"`
	End     string `json:"end,omitempty" yaml:"end,omitempty"`
	Visible bool   `json:"visible,omitempty" yaml:"visible,omitempty"`
}

// SelfTerminating reports whether the token has no end marker.
func (t FunctionalToken) SelfTerminating() bool {
	return t.End == ""
}

// Automaton holds the lookup tables compiled from a token registry. It is
// immutable once built and may be shared across goroutines.
type Automaton struct {
	tokens []FunctionalToken
	starts map[string]FunctionalToken
	ends   map[string]FunctionalToken
	// classes[i] is the set of runes appearing at rune position i of any
	// registered marker.
	classes []map[rune]struct{}
}

// NewAutomaton compiles tokens. Registration order is preserved.
func NewAutomaton(tokens ...FunctionalToken) (*Automaton, error) {
	a := &Automaton{
		tokens: make([]FunctionalToken, 0, len(tokens)),
		starts: make(map[string]FunctionalToken, len(tokens)),
		ends:   make(map[string]FunctionalToken, len(tokens)),
	}
	names := make(map[string]struct{}, len(tokens))
	for _, tok := range tokens {
		if tok.Name == "" {
			return nil, fmt.Errorf("%w: start=%q", ErrEmptyName, tok.Start)
		}
		if tok.Start == "" {
			return nil, fmt.Errorf("%w: name=%q", ErrEmptyStart, tok.Name)
		}
		if _, ok := names[tok.Name]; ok {
			return nil, fmt.Errorf("%w: %q", ErrDuplicateName, tok.Name)
		}
		if prev, ok := a.starts[tok.Start]; ok {
			return nil, fmt.Errorf("%w: %q used by %q and %q", ErrDuplicateStart, tok.Start, prev.Name, tok.Name)
		}
		if tok.End != "" {
			if prev, ok := a.ends[tok.End]; ok {
				return nil, fmt.Errorf("%w: %q used by %q and %q", ErrDuplicateEnd, tok.End, prev.Name, tok.Name)
			}
			a.ends[tok.End] = tok
			a.index(tok.End)
		}
		names[tok.Name] = struct{}{}
		a.starts[tok.Start] = tok
		a.index(tok.Start)
		a.tokens = append(a.tokens, tok)
	}
	return a, nil
}

func (a *Automaton) index(marker string) {
	i := 0
	for _, r := range marker {
		if i == len(a.classes) {
			a.classes = append(a.classes, make(map[rune]struct{}))
		}
		a.classes[i][r] = struct{}{}
		i++
	}
}

// Tokens returns the registrations in registration order.
func (a *Automaton) Tokens() []FunctionalToken {
	out := make([]FunctionalToken, len(a.tokens))
	copy(out, a.tokens)
	return out
}

// MaxLen is the rune length of the longest registered marker.
func (a *Automaton) MaxLen() int {
	return len(a.classes)
}

// CanExtend reports whether a candidate currently holding pos runes could
// still grow into some registered marker by appending r.
func (a *Automaton) CanExtend(pos int, r rune) bool {
	if pos < 0 || pos >= len(a.classes) {
		return false
	}
	_, ok := a.classes[pos][r]
	return ok
}

// Start looks up a full start marker.
func (a *Automaton) Start(marker string) (FunctionalToken, bool) {
	tok, ok := a.starts[marker]
	return tok, ok
}

// End looks up a full end marker.
func (a *Automaton) End(marker string) (FunctionalToken, bool) {
	tok, ok := a.ends[marker]
	return tok, ok
}

// Token looks up a registration by name.
func (a *Automaton) Token(name string) (FunctionalToken, bool) {
	for _, tok := range a.tokens {
		if tok.Name == name {
			return tok, true
		}
	}
	return FunctionalToken{}, false
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
