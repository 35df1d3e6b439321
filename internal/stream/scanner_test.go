package stream

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func mustAutomaton(t *testing.T, tokens ...FunctionalToken) *Automaton {
	t.Helper()
	a, err := NewAutomaton(tokens...)
	if err != nil {
		t.Fatalf("NewAutomaton() error = %v", err)
	}
	return a
}

func toolToken(visible bool) FunctionalToken {
	return FunctionalToken{Name: "tool", Start: "<tool>", End: "</tool>", Visible: visible}
}

// scanAll feeds deltas through a fresh scanner and flushes it.
func scanAll(t *testing.T, a *Automaton, deltas ...string) (string, []Caller, *Scanner) {
	t.Helper()
	s := NewScanner(a)
	var (
		out     strings.Builder
		callers []Caller
	)
	for _, d := range deltas {
		o, c := s.Filter(d)
		out.WriteString(o)
		callers = append(callers, c...)
	}
	o, c := s.Flush()
	out.WriteString(o)
	callers = append(callers, c...)
	return out.String(), callers, s
}

func TestScannerInvisibleToken(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))
	got, callers, s := scanAll(t, a, "hello <tool>do_x</tool> world")

	if got != "hello  world" {
		t.Fatalf("delivered = %q, want %q", got, "hello  world")
	}
	want := []Caller{{TokenName: "tool", Arguments: "do_x"}}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
	if s.Memory() != "hello <tool>do_x</tool> world" {
		t.Fatalf("Memory() = %q, want raw input", s.Memory())
	}
}

func TestScannerVisibleToken(t *testing.T) {
	a := mustAutomaton(t, toolToken(true))
	got, callers, s := scanAll(t, a, "hello <tool>do_x</tool> world")

	if got != "hello <tool>do_x</tool> world" {
		t.Fatalf("delivered = %q, want raw input", got)
	}
	want := []Caller{{TokenName: "tool", Arguments: "do_x"}}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
	if s.Memory() != "" {
		t.Fatalf("Memory() = %q, want empty", s.Memory())
	}
}

func TestScannerSharedPrefixPrefersFullMatch(t *testing.T) {
	a := mustAutomaton(t,
		FunctionalToken{Name: "a", Start: "<a>"},
		FunctionalToken{Name: "ab", Start: "<ab>"},
	)
	got, callers, _ := scanAll(t, a, "x<ab>y")

	if got != "x" {
		t.Fatalf("delivered = %q, want %q", got, "x")
	}
	want := []Caller{{TokenName: "ab", Arguments: "y"}}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
}

func TestScannerStartSplitAcrossDeltas(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))
	s := NewScanner(a)

	out1, _ := s.Filter("say <to")
	if out1 != "say " {
		t.Fatalf("first delta out = %q, want %q", out1, "say ")
	}
	if st := s.State(); st.CandidateBuffer != "<to" {
		t.Fatalf("CandidateBuffer = %q, want %q", st.CandidateBuffer, "<to")
	}
	out2, _ := s.Filter("ol>x</tool>")
	if out2 != "" {
		t.Fatalf("second delta out = %q, want empty", out2)
	}
	if st := s.State(); st.OpenToken != "" || st.CandidateBuffer != "" {
		t.Fatalf("unexpected state after close: %+v", st)
	}
	out3, callers := s.Filter("!")
	if out3 != "!" || len(callers) != 0 {
		t.Fatalf("third delta = %q %v, want %q and no callers", out3, callers, "!")
	}
}

func TestScannerCallerReturnedWithClosingDelta(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))
	s := NewScanner(a)

	if _, callers := s.Filter("<tool>ar"); len(callers) != 0 {
		t.Fatalf("callers = %v, want none before close", callers)
	}
	if st := s.State(); st.OpenToken != "tool" || st.OpenTokenContent != "ar" {
		t.Fatalf("state = %+v, want open tool with content %q", st, "ar")
	}
	_, callers := s.Filter("gs</tool>")
	want := []Caller{{TokenName: "tool", Arguments: "args"}}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
}

func TestScannerUnterminatedTokenClosedByFlush(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))
	got, callers, s := scanAll(t, a, "<tool>partial")

	if got != "" {
		t.Fatalf("delivered = %q, want empty", got)
	}
	want := []Caller{{TokenName: "tool", Arguments: "partial"}}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
	if s.Memory() != "<tool>partial" {
		t.Fatalf("Memory() = %q, want %q", s.Memory(), "<tool>partial")
	}
}

func TestScannerFlushCommitsPendingCandidate(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))

	got, callers, s := scanAll(t, a, "x <to")
	if got != "x <to" {
		t.Fatalf("delivered = %q, want %q", got, "x <to")
	}
	if len(callers) != 0 {
		t.Fatalf("callers = %v, want none", callers)
	}
	if s.Memory() != "" {
		t.Fatalf("Memory() = %q, want empty", s.Memory())
	}

	// Inside an open token the leftover candidate joins the arguments.
	_, callers, _ = scanAll(t, a, "<tool>abc</to")
	want := []Caller{{TokenName: "tool", Arguments: "abc</to"}}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
}

func TestScannerBrokenCandidateIsLiteral(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))
	got, callers, _ := scanAll(t, a, "a <b> c")
	if got != "a <b> c" {
		t.Fatalf("delivered = %q, want %q", got, "a <b> c")
	}
	if len(callers) != 0 {
		t.Fatalf("callers = %v, want none", callers)
	}
}

func TestScannerNoTokensRoundTrip(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))
	inputs := [][]string{
		{"plain text"},
		{"a < b", " and c > d"},
		{"<to", "day is fine"},
		{"", "unicode ✓ 世界", ""},
		{"</t", "ools>"},
	}
	for _, deltas := range inputs {
		got, callers, s := scanAll(t, a, deltas...)
		raw := strings.Join(deltas, "")
		if got != raw {
			t.Fatalf("delivered = %q, want %q", got, raw)
		}
		if len(callers) != 0 {
			t.Fatalf("callers = %v, want none for %q", callers, raw)
		}
		if s.Memory() != "" {
			t.Fatalf("Memory() = %q, want empty for %q", s.Memory(), raw)
		}
	}
}

func TestScannerSelfTerminatingTokens(t *testing.T) {
	a := mustAutomaton(t, FunctionalToken{Name: "step", Start: "<step>"})
	got, callers, _ := scanAll(t, a, "intro<step>one<step>two")

	if got != "intro" {
		t.Fatalf("delivered = %q, want %q", got, "intro")
	}
	want := []Caller{
		{TokenName: "step", Arguments: "one"},
		{TokenName: "step", Arguments: "two"},
	}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
}

func TestScannerEndMarkerClosesSelfTerminatingToken(t *testing.T) {
	a := mustAutomaton(t,
		FunctionalToken{Name: "say", Start: "<say>"},
		toolToken(false),
	)
	got, callers, _ := scanAll(t, a, "<say>hi</tool>after")

	if got != "after" {
		t.Fatalf("delivered = %q, want %q", got, "after")
	}
	want := []Caller{{TokenName: "say", Arguments: "hi"}}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
}

func TestScannerStartWhileEndedTokenOpenReplacesIt(t *testing.T) {
	a := mustAutomaton(t,
		toolToken(false),
		FunctionalToken{Name: "note", Start: "<note>"},
	)
	got, callers, s := scanAll(t, a, "<tool>abc<note>xyz")

	if got != "" {
		t.Fatalf("delivered = %q, want empty", got)
	}
	// The tool region is dropped without a caller; the raw text keeps it.
	want := []Caller{{TokenName: "note", Arguments: "xyz"}}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
	if s.Memory() != "<tool>abc<note>xyz" {
		t.Fatalf("Memory() = %q, want raw input", s.Memory())
	}
}

func TestScannerStrayInvisibleEndIsSwallowed(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))
	got, callers, s := scanAll(t, a, "a</tool>b")
	if got != "ab" {
		t.Fatalf("delivered = %q, want %q", got, "ab")
	}
	if len(callers) != 0 {
		t.Fatalf("callers = %v, want none", callers)
	}
	if s.Memory() != "a</tool>b" {
		t.Fatalf("Memory() = %q, want raw input", s.Memory())
	}
}

func TestScannerMultibyteMarkers(t *testing.T) {
	a := mustAutomaton(t, FunctionalToken{Name: "call", Start: "【", End: "】"})
	got, callers, _ := scanAll(t, a, "前【", "x", "】后")
	if got != "前后" {
		t.Fatalf("delivered = %q, want %q", got, "前后")
	}
	want := []Caller{{TokenName: "call", Arguments: "x"}}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
}

func TestScannerMultibyteSplitAcrossDeltas(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))
	s := NewScanner(a)

	out1, _ := s.Filter("caf\xc3")
	if out1 != "caf" {
		t.Fatalf("first delta out = %q, want %q", out1, "caf")
	}
	out2, _ := s.Filter("\xa9 <tool>\xe4\xb8")
	if out2 != "\u00e9 " {
		t.Fatalf("second delta out = %q, want %q", out2, "\u00e9 ")
	}
	_, callers := s.Filter("\x96</tool>")
	want := []Caller{{TokenName: "tool", Arguments: "\u4e16"}}
	if diff := cmp.Diff(want, callers); diff != "" {
		t.Fatalf("callers mismatch (-want +got):\n%s", diff)
	}
	if s.Delivered() != "caf\u00e9 " {
		t.Fatalf("Delivered() = %q, want %q", s.Delivered(), "caf\u00e9 ")
	}
}

func TestScannerInvalidBytesPassThrough(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))
	inputs := [][]string{
		{"a\xffb"},
		{"<to\xff", "ol>"},
		{"tail \xe4\xb8"},
	}
	for _, deltas := range inputs {
		got, callers, s := scanAll(t, a, deltas...)
		raw := strings.Join(deltas, "")
		if got != raw {
			t.Fatalf("delivered = %q, want %q", got, raw)
		}
		if len(callers) != 0 {
			t.Fatalf("callers = %v, want none for %q", callers, raw)
		}
		if s.Memory() != "" {
			t.Fatalf("Memory() = %q, want empty for %q", s.Memory(), raw)
		}
	}
}

func TestScannerCandidateNeverExceedsMaxLen(t *testing.T) {
	a := mustAutomaton(t,
		FunctionalToken{Name: "x", Start: "<ab>"},
		FunctionalToken{Name: "y", Start: "<cd>"},
	)
	s := NewScanner(a)
	for _, r := range "<ad><cb><<<<abcd>>>>" {
		s.Filter(string(r))
		if n := runeLen(s.State().CandidateBuffer); n > a.MaxLen() {
			t.Fatalf("candidate length = %d, exceeds MaxLen %d", n, a.MaxLen())
		}
	}
}

func TestScannerReset(t *testing.T) {
	a := mustAutomaton(t, toolToken(false))
	s := NewScanner(a)
	s.Filter("hi <tool>x")
	s.Reset()
	if st := s.State(); st != (State{}) {
		t.Fatalf("State() after Reset = %+v, want zero", st)
	}
	if s.Raw() != "" || s.Delivered() != "" {
		t.Fatalf("Raw/Delivered after Reset = %q/%q, want empty", s.Raw(), s.Delivered())
	}
}

func BenchmarkScannerFilter(b *testing.B) {
	a, err := NewAutomaton(toolToken(false), FunctionalToken{Name: "think", Start: "<think>", End: "</think>"})
	if err != nil {
		b.Fatalf("NewAutomaton() error = %v", err)
	}
	delta := strings.Repeat("some streamed text <tool>{\"q\":1}</tool> and more < > ", 16)
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		s := NewScanner(a)
		s.Filter(delta)
		s.Flush()
	}
}
