package upstream

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/antoniostano/msgstream/internal/stream"
)

// MockProducer streams a deterministic scripted reply in small chunks. The
// reply carries a <tool> region so the scanner path is exercised end to end.
type MockProducer struct {
	delay     time.Duration
	chunkSize int
}

func NewMockProducer(delay time.Duration) *MockProducer {
	return &MockProducer{delay: delay, chunkSize: 6}
}

func (p *MockProducer) Name() string { return "mock" }

func (p *MockProducer) Stream(ctx context.Context, req Request, onFragment FragmentHandler) error {
	id := "mock-msg"
	if req.TurnID != "" {
		id = req.TurnID + "-1"
	}

	chunks := splitChunks(buildMockReply(req), p.chunkSize)
	for i, chunk := range chunks {
		if err := ctx.Err(); err != nil {
			return err
		}
		f := stream.Fragment{
			ID:    id,
			Kind:  stream.KindChunk,
			Role:  req.Role,
			Name:  req.Name,
			Delta: chunk,
		}
		switch {
		case i == 0:
			f.Kind = stream.KindHead
		case i == len(chunks)-1:
			f.Kind = stream.KindTail
		}
		if onFragment != nil {
			if err := onFragment(f); err != nil {
				return err
			}
		}
		if p.delay > 0 && i < len(chunks)-1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.delay):
			}
		}
	}
	if onFragment == nil {
		return nil
	}
	return onFragment(stream.NewProtocol(stream.TypeFinal, ""))
}

func buildMockReply(req Request) string {
	base := strings.TrimSpace(req.Prompt)
	if base == "" {
		base = "nothing"
	}
	return fmt.Sprintf("I heard you: %s <tool>{\"name\":\"echo\",\"arguments\":%q}</tool> Done.", base, base)
}

// splitChunks cuts s into pieces of at most n runes.
func splitChunks(s string, n int) []string {
	if n <= 0 {
		return []string{s}
	}
	runes := []rune(s)
	out := make([]string, 0, len(runes)/n+1)
	for len(runes) > 0 {
		k := n
		if k > len(runes) {
			k = len(runes)
		}
		out = append(out, string(runes[:k]))
		runes = runes[k:]
	}
	return out
}
