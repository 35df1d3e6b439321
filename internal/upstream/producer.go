package upstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/msgstream/internal/stream"
)

// Request is the normalized prompt sent to an upstream model.
type Request struct {
	SessionID string `json:"session_id"`
	TurnID    string `json:"turn_id"`
	Prompt    string `json:"prompt"`
	Role      string `json:"role,omitempty"`
	Name      string `json:"name,omitempty"`
}

// FragmentHandler receives raw fragments in arrival order. Returning an error
// aborts the stream.
type FragmentHandler func(stream.Fragment) error

// Producer streams raw fragments for one prompt. A successful stream always
// ends with a __final__ protocol fragment.
type Producer interface {
	Name() string
	Stream(ctx context.Context, req Request, onFragment FragmentHandler) error
}

// Config controls producer construction.
type Config struct {
	Mode        string
	HTTPURL     string
	HTTPRetries int
	HTTPClient  *http.Client
	// MockDelay spaces the scripted mock chunks.
	MockDelay time.Duration
}

var ErrMisconfigured = errors.New("upstream producer misconfigured")

func NewProducer(cfg Config) (Producer, error) {
	mode := strings.ToLower(strings.TrimSpace(cfg.Mode))
	if mode == "" {
		mode = "auto"
	}
	httpURL := strings.TrimSpace(cfg.HTTPURL)

	switch mode {
	case "auto":
		if httpURL == "" {
			return NewMockProducer(cfg.MockDelay), nil
		}
		return NewFallbackProducer(newHTTPProducer(cfg), NewMockProducer(cfg.MockDelay)), nil
	case "http":
		if httpURL == "" {
			return nil, fmt.Errorf("%w: http url is required for http mode", ErrMisconfigured)
		}
		return newHTTPProducer(cfg), nil
	case "mock":
		return NewMockProducer(cfg.MockDelay), nil
	default:
		return nil, fmt.Errorf("%w: unsupported mode %q", ErrMisconfigured, cfg.Mode)
	}
}

func newHTTPProducer(cfg Config) *HTTPProducer {
	p := NewHTTPProducer(cfg.HTTPURL, cfg.HTTPRetries)
	if cfg.HTTPClient != nil {
		p.client = cfg.HTTPClient
	}
	return p
}
