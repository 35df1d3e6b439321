package upstream

import (
	"context"
	"errors"
	"fmt"

	"github.com/antoniostano/msgstream/internal/stream"
)

// FallbackProducer streams from primary and switches to the fallback when
// primary fails before delivering any fragment.
type FallbackProducer struct {
	primary  Producer
	fallback Producer
}

func NewFallbackProducer(primary, fallback Producer) *FallbackProducer {
	return &FallbackProducer{
		primary:  primary,
		fallback: fallback,
	}
}

func (p *FallbackProducer) Name() string {
	if p == nil || p.primary == nil {
		return "fallback"
	}
	return p.primary.Name() + "+fallback"
}

// Primary returns the preferred producer used before fallback.
func (p *FallbackProducer) Primary() Producer {
	if p == nil {
		return nil
	}
	return p.primary
}

func (p *FallbackProducer) Stream(ctx context.Context, req Request, onFragment FragmentHandler) error {
	if p == nil || p.primary == nil {
		if p != nil && p.fallback != nil {
			return p.fallback.Stream(ctx, req, onFragment)
		}
		return fmt.Errorf("%w: fallback producer has no primary", ErrMisconfigured)
	}

	delivered := false
	err := p.primary.Stream(ctx, req, func(f stream.Fragment) error {
		delivered = true
		if onFragment == nil {
			return nil
		}
		return onFragment(f)
	})
	if err == nil || delivered {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	if p.fallback == nil {
		return err
	}
	if fallbackErr := p.fallback.Stream(ctx, req, onFragment); fallbackErr != nil {
		return fmt.Errorf("primary producer error: %w; fallback producer error: %v", err, fallbackErr)
	}
	return nil
}
