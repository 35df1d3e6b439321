package stream

// PatchOutcome tells the assembler what to do with an incoming fragment.
type PatchOutcome int

const (
	// Merged means the incoming fragment continues the accumulated message.
	Merged PatchOutcome = iota
	// Rejected means the accumulated message is finished and the incoming
	// fragment starts a new one. It is not an error.
	Rejected
)

func (o PatchOutcome) String() string {
	switch o {
	case Merged:
		return "merged"
	case Rejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// PatchResult carries the merged fragment when Outcome is Merged.
type PatchResult struct {
	Outcome  PatchOutcome
	Fragment Fragment
}

// Patch decides whether in belongs to the same logical message as acc and,
// if so, combines them. Neither argument is modified.
func Patch(acc, in Fragment) PatchResult {
	if in.IsProtocol() || acc.IsProtocol() {
		return PatchResult{Outcome: Rejected}
	}
	if acc.Type != "" && in.Type != "" && acc.Type != in.Type {
		return PatchResult{Outcome: Rejected}
	}
	if acc.ID != "" && in.ID != "" && acc.ID != in.ID {
		return PatchResult{Outcome: Rejected}
	}

	merged := Fragment{
		ID:        pick(in.ID, acc.ID),
		Kind:      in.Kind,
		Type:      pick(in.Type, acc.Type),
		Role:      pick(in.Role, acc.Role),
		Name:      pick(in.Name, acc.Name),
		Delta:     acc.Delta + in.Delta,
		Complete:  in.Complete,
		CreatedAt: acc.CreatedAt,
	}
	if !in.CreatedAt.IsZero() {
		merged.CreatedAt = in.CreatedAt
	}
	if n := len(acc.Callers) + len(in.Callers); n > 0 {
		merged.Callers = make([]Caller, 0, n)
		merged.Callers = append(merged.Callers, acc.Callers...)
		merged.Callers = append(merged.Callers, in.Callers...)
	}
	return PatchResult{Outcome: Merged, Fragment: merged}
}

func pick(v, fallback string) string {
	if v != "" {
		return v
	}
	return fallback
}
