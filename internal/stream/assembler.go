package stream

import (
	"time"

	"github.com/google/uuid"
)

// Config carries the defaults applied to the head of every new message.
type Config struct {
	DefaultRole string
	DefaultName string

	// NewID generates ids for heads that arrive without one. Defaults to uuid.
	NewID func() string
	// Now stamps heads that arrive without a timestamp. Defaults to time.Now.
	Now func() time.Time
	// OnPatch, if set, observes every merge decision.
	OnPatch func(PatchOutcome)
}

// Assembler turns an ordered fragment sequence into finalized messages while
// emitting filtered fragments for live delivery. It buffers at most one
// message at a time.
//
// An Assembler is not safe for concurrent use; it must be owned by the
// goroutine consuming the fragment stream.
type Assembler struct {
	cfg     Config
	scanner *Scanner

	buffering bool
	acc       Fragment
	callers   []Caller

	finalized []Message
}

func NewAssembler(a *Automaton, cfg Config) *Assembler {
	if cfg.NewID == nil {
		cfg.NewID = uuid.NewString
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Assembler{
		cfg:     cfg,
		scanner: NewScanner(a),
	}
}

// Add processes one fragment and returns the fragments to deliver live, in
// order. A protocol fragment is always returned unchanged as the last
// element.
func (a *Assembler) Add(f Fragment) []Fragment {
	var out []Fragment
	if f.IsProtocol() {
		if a.buffering {
			out = append(out, a.finalize(f.Type != TypeError && f.Type != TypeTimeout))
		}
		return append(out, f)
	}
	if !a.buffering {
		return a.start(f, out)
	}

	res := Patch(a.acc, f)
	if a.cfg.OnPatch != nil {
		a.cfg.OnPatch(res.Outcome)
	}
	switch res.Outcome {
	case Rejected:
		out = append(out, a.finalize(true))
		return a.start(f, out)
	case Merged:
		// Text and callers live in the scanner and a.callers; acc only
		// carries the header.
		a.acc = res.Fragment
		a.acc.Delta = ""
		a.acc.Callers = nil
		delta, callers := a.scan(f)
		if f.Ends() {
			return append(out, a.finish(delta, callers))
		}
		if delta == "" && len(callers) == 0 {
			return out
		}
		return append(out, a.emit(KindChunk, delta, callers))
	}
	return out
}

// Flush finalizes the buffering message, if any, as incomplete and returns
// everything finalized since the previous flush. The assembler is idle
// afterwards.
func (a *Assembler) Flush() FlushResult {
	var res FlushResult
	if a.buffering {
		tail := a.finalize(false)
		res.Unsent = &tail
	}
	if len(a.finalized) == 0 {
		return res
	}
	res.Messages = a.finalized
	for _, m := range a.finalized {
		res.Callers = append(res.Callers, m.Callers...)
	}
	a.finalized = nil
	return res
}

// Buffering reports whether a message is currently being assembled.
func (a *Assembler) Buffering() bool {
	return a.buffering
}

// Pending returns the accumulated raw fragment of the buffering message.
func (a *Assembler) Pending() (Fragment, bool) {
	if !a.buffering {
		return Fragment{}, false
	}
	f := a.acc
	f.Delta = a.scanner.Raw()
	f.Callers = cloneCallers(a.callers)
	return f, true
}

// ScannerState exposes the scanner snapshot of the buffering message.
func (a *Assembler) ScannerState() State {
	return a.scanner.State()
}

func (a *Assembler) start(f Fragment, out []Fragment) []Fragment {
	head := f
	head.Kind = KindHead
	head.Callers = nil
	if head.ID == "" {
		head.ID = a.cfg.NewID()
	}
	if head.CreatedAt.IsZero() {
		head.CreatedAt = a.cfg.Now()
	}
	if head.Role == "" {
		head.Role = a.cfg.DefaultRole
	}
	if head.Name == "" {
		head.Name = a.cfg.DefaultName
	}

	a.acc = head
	a.acc.Delta = ""
	a.buffering = true
	a.callers = nil
	a.scanner.Reset()

	delta, callers := a.scan(f)
	out = append(out, a.emit(KindHead, delta, callers))
	if f.Ends() {
		out = append(out, a.finish("", nil))
	}
	return out
}

func (a *Assembler) scan(f Fragment) (string, []Caller) {
	var callers []Caller
	if len(f.Callers) > 0 {
		callers = append(callers, f.Callers...)
	}
	delta, scanned := a.scanner.Filter(f.Delta)
	callers = append(callers, scanned...)
	a.callers = append(a.callers, callers...)
	return delta, callers
}

// finish finalizes the message because its producer marked it complete. The
// delta and callers of the closing fragment ride on the emitted tail.
func (a *Assembler) finish(delta string, callers []Caller) Fragment {
	tail := a.finalize(true)
	tail.Delta = delta + tail.Delta
	if len(callers) > 0 {
		tail.Callers = append(callers, tail.Callers...)
	}
	return tail
}

func (a *Assembler) finalize(complete bool) Fragment {
	residue, flushed := a.scanner.Flush()
	a.callers = append(a.callers, flushed...)

	a.finalized = append(a.finalized, Message{
		ID:        a.acc.ID,
		Type:      a.acc.Type,
		Role:      a.acc.Role,
		Name:      a.acc.Name,
		Content:   a.scanner.Delivered(),
		Memory:    a.scanner.Memory(),
		Callers:   cloneCallers(a.callers),
		CreatedAt: a.acc.CreatedAt,
		Complete:  complete,
	})

	tail := a.emit(KindTail, residue, flushed)
	tail.Complete = complete

	a.buffering = false
	a.acc = Fragment{}
	a.callers = nil
	a.scanner.Reset()
	return tail
}

func (a *Assembler) emit(kind Kind, delta string, callers []Caller) Fragment {
	return Fragment{
		ID:        a.acc.ID,
		Kind:      kind,
		Type:      a.acc.Type,
		Role:      a.acc.Role,
		Name:      a.acc.Name,
		Delta:     delta,
		Callers:   cloneCallers(callers),
		CreatedAt: a.acc.CreatedAt,
	}
}
