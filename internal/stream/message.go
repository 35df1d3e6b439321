package stream

import "time"

// Message is a fully assembled message. Content holds the delivered text;
// Memory holds the raw text and is only set when the two differ.
type Message struct {
	ID        string    `json:"id"`
	Type      string    `json:"type,omitempty"`
	Role      string    `json:"role,omitempty"`
	Name      string    `json:"name,omitempty"`
	Content   string    `json:"content"`
	Memory    string    `json:"memory,omitempty"`
	Callers   []Caller  `json:"callers,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Complete  bool      `json:"complete"`
}

// Raw returns the full unfiltered text of the message.
func (m Message) Raw() string {
	if m.Memory != "" {
		return m.Memory
	}
	return m.Content
}

// FlushResult is everything finalized since the previous flush.
type FlushResult struct {
	// Unsent is the tail of the message that was still buffering when the
	// flush happened. Nil when nothing was buffering.
	Unsent   *Fragment `json:"unsent,omitempty"`
	Messages []Message `json:"messages,omitempty"`
	Callers  []Caller  `json:"callers,omitempty"`
}

// Empty reports whether the flush produced nothing.
func (r FlushResult) Empty() bool {
	return r.Unsent == nil && len(r.Messages) == 0 && len(r.Callers) == 0
}
