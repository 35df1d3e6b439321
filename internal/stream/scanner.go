package stream

import (
	"strings"
	"unicode/utf8"
)

// State is a read-only snapshot of a Scanner.
type State struct {
	OpenToken        string `json:"open_token,omitempty"`
	OpenTokenContent string `json:"open_token_content,omitempty"`
	CandidateBuffer  string `json:"candidate_buffer,omitempty"`
	DeliveredTotal   string `json:"delivered_total,omitempty"`
}

// Scanner filters content deltas rune by rune, hiding invisible functional
// token regions and turning closed regions into callers. Lookahead is bounded
// by the automaton's longest marker, and candidates span delta boundaries.
//
// A Scanner is not safe for concurrent use.
type Scanner struct {
	automaton *Automaton

	open    *FunctionalToken
	content strings.Builder

	candidate strings.Builder
	candLen   int
	// partial holds an incomplete UTF-8 sequence cut off at the end of the
	// previous delta.
	partial string

	delivered strings.Builder
	raw       strings.Builder
}

func NewScanner(a *Automaton) *Scanner {
	if a == nil {
		a = &Automaton{}
	}
	return &Scanner{automaton: a}
}

// Filter consumes delta and returns the text to deliver now along with any
// callers whose regions closed inside it. A multi-byte character split
// across deltas is held back until it is complete. Invalid bytes pass
// through unchanged.
func (s *Scanner) Filter(delta string) (string, []Caller) {
	if delta == "" {
		return "", nil
	}
	s.raw.WriteString(delta)
	if s.partial != "" {
		delta = s.partial + delta
		s.partial = ""
	}

	var (
		out     strings.Builder
		callers []Caller
	)
	for i := 0; i < len(delta); {
		r, size := utf8.DecodeRuneInString(delta[i:])
		if r == utf8.RuneError && size <= 1 {
			if !utf8.FullRuneInString(delta[i:]) {
				s.partial = delta[i:]
				break
			}
			s.literal(delta[i:i+size], &out)
			i += size
			continue
		}
		if c, ok := s.step(r, &out); ok {
			callers = append(callers, c)
		}
		i += size
	}
	return out.String(), callers
}

// Flush commits any pending candidate as literal text and closes an open
// token on a best-effort basis. The scanner stays usable; call Reset to
// start a new message.
func (s *Scanner) Flush() (string, []Caller) {
	var out strings.Builder
	if s.candLen > 0 {
		s.commit(s.candidate.String(), &out)
		s.resetCandidate()
	}
	if s.partial != "" {
		s.commit(s.partial, &out)
		s.partial = ""
	}
	var callers []Caller
	if s.open != nil {
		callers = append(callers, s.closeOpen())
	}
	return out.String(), callers
}

func (s *Scanner) step(r rune, out *strings.Builder) (Caller, bool) {
	if !s.automaton.CanExtend(s.candLen, r) {
		if s.candLen == 0 {
			s.commitRune(r, out)
			return Caller{}, false
		}
		s.candidate.WriteRune(r)
		s.commit(s.candidate.String(), out)
		s.resetCandidate()
		return Caller{}, false
	}

	s.candidate.WriteRune(r)
	s.candLen++
	cand := s.candidate.String()

	if tok, ok := s.automaton.Start(cand); ok {
		var (
			caller Caller
			closed bool
		)
		// Only self-terminating tokens are closed by a new start. A token
		// with an end marker is replaced without producing a caller.
		if s.open != nil && s.open.SelfTerminating() {
			caller, closed = s.closeOpen(), true
		}
		s.open = &tok
		s.content.Reset()
		if tok.Visible {
			s.deliver(cand, out)
		}
		s.resetCandidate()
		return caller, closed
	}

	if tok, ok := s.automaton.End(cand); ok {
		var (
			caller Caller
			closed bool
		)
		if s.open != nil {
			caller, closed = s.closeOpen(), true
		}
		if tok.Visible {
			s.deliver(cand, out)
		}
		s.resetCandidate()
		return caller, closed
	}

	return Caller{}, false
}

// literal commits bytes that cannot start or extend any marker, together
// with a pending candidate.
func (s *Scanner) literal(b string, out *strings.Builder) {
	if s.candLen == 0 {
		s.commit(b, out)
		return
	}
	s.candidate.WriteString(b)
	s.commit(s.candidate.String(), out)
	s.resetCandidate()
}

func (s *Scanner) commit(text string, out *strings.Builder) {
	if s.open != nil {
		s.content.WriteString(text)
	}
	if s.open == nil || s.open.Visible {
		s.deliver(text, out)
	}
}

func (s *Scanner) commitRune(r rune, out *strings.Builder) {
	if s.open != nil {
		s.content.WriteRune(r)
	}
	if s.open == nil || s.open.Visible {
		out.WriteRune(r)
		s.delivered.WriteRune(r)
	}
}

func (s *Scanner) deliver(text string, out *strings.Builder) {
	out.WriteString(text)
	s.delivered.WriteString(text)
}

func (s *Scanner) closeOpen() Caller {
	c := Caller{TokenName: s.open.Name, Arguments: s.content.String()}
	s.open = nil
	s.content.Reset()
	return c
}

func (s *Scanner) resetCandidate() {
	s.candidate.Reset()
	s.candLen = 0
}

// Delivered is everything delivered since the last Reset.
func (s *Scanner) Delivered() string {
	return s.delivered.String()
}

// Raw is everything passed to Filter since the last Reset.
func (s *Scanner) Raw() string {
	return s.raw.String()
}

// Memory returns the raw text when it diverges from the delivered text, and
// the empty string otherwise.
func (s *Scanner) Memory() string {
	raw := s.raw.String()
	if raw == s.delivered.String() {
		return ""
	}
	return raw
}

func (s *Scanner) State() State {
	st := State{
		OpenTokenContent: s.content.String(),
		CandidateBuffer:  s.candidate.String(),
		DeliveredTotal:   s.delivered.String(),
	}
	if s.open != nil {
		st.OpenToken = s.open.Name
	}
	return st
}

// Reset clears all per-message state. The automaton is kept.
func (s *Scanner) Reset() {
	s.open = nil
	s.content.Reset()
	s.resetCandidate()
	s.partial = ""
	s.delivered.Reset()
	s.raw.Reset()
}
