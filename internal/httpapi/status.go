package httpapi

import (
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type statusCheck struct {
	ID     string `json:"id"`
	Status string `json:"status"` // ok|warn|error
	Label  string `json:"label"`
	Detail string `json:"detail,omitempty"`
	Fix    string `json:"fix,omitempty"`
}

type statusResponse struct {
	UpstreamMode   string        `json:"upstream_mode"`
	Tokens         int           `json:"tokens"`
	ActiveSessions int           `json:"active_sessions"`
	Checks         []statusCheck `json:"checks"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	checks := make([]statusCheck, 0, 6)
	checks = append(checks, s.upstreamChecks()...)
	checks = append(checks, s.tokenChecks()...)
	checks = append(checks, s.latencyChecks()...)
	if s.cfg.AllowAnyOrigin {
		checks = append(checks, statusCheck{
			ID:     "origin_policy",
			Status: "warn",
			Label:  "WebSocket origin",
			Detail: "any origin accepted",
			Fix:    "Unset APP_ALLOW_ANY_ORIGIN outside local development.",
		})
	}

	respondJSON(w, http.StatusOK, statusResponse{
		UpstreamMode:   s.upstreamMode(),
		Tokens:         len(s.automaton.Tokens()),
		ActiveSessions: s.sessions.ActiveCount(),
		Checks:         checks,
	})
}

func (s *Server) upstreamChecks() []statusCheck {
	mode := s.upstreamMode()
	rawURL := strings.TrimSpace(s.cfg.UpstreamHTTPURL)

	checks := []statusCheck{{
		ID:     "upstream_mode",
		Status: "ok",
		Label:  "Upstream",
		Detail: mode,
	}}
	if mode == "mock" {
		return checks
	}
	if rawURL == "" {
		status := "warn"
		if mode == "http" {
			status = "error"
		}
		return append(checks, statusCheck{
			ID:     "upstream_url",
			Status: status,
			Label:  "Upstream (HTTP)",
			Detail: "no upstream URL configured; using mock producer",
			Fix:    "Set UPSTREAM_HTTP_URL to a streaming completion endpoint.",
		})
	}

	// In auto mode an unreachable upstream still falls back to mock.
	level := "error"
	if mode == "auto" {
		level = "warn"
	}
	if err := dialTCP(rawURL, 250*time.Millisecond); err != nil {
		return append(checks, statusCheck{
			ID:     "upstream_port",
			Status: level,
			Label:  "Upstream (HTTP)",
			Detail: fmt.Sprintf("upstream not reachable (%s): %v", rawURL, err),
			Fix:    "Start the upstream service or set UPSTREAM_MODE=mock.",
		})
	}
	return append(checks, statusCheck{
		ID:     "upstream_port",
		Status: "ok",
		Label:  "Upstream (HTTP)",
		Detail: "reachable",
	})
}

// handleLatency serves the rolling per-stage latency window with indicator
// and turn end reason counts.
func (s *Server) handleLatency(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, s.metrics.Latency())
}

// latencyChecks warns for every stage whose p95 is over its target.
func (s *Server) latencyChecks() []statusCheck {
	var checks []statusCheck
	for _, st := range s.metrics.Latency().Stages {
		if !st.OverTarget {
			continue
		}
		checks = append(checks, statusCheck{
			ID:     "latency_" + st.Stage,
			Status: "warn",
			Label:  "Stream latency",
			Detail: fmt.Sprintf("%s p95 %.0fms over %.0fms target (%d samples)", st.Stage, st.P95MS, st.TargetP95MS, st.Samples),
		})
	}
	return checks
}

func (s *Server) tokenChecks() []statusCheck {
	tokens := s.automaton.Tokens()
	source := "built-in defaults"
	if path := strings.TrimSpace(s.cfg.TokensFile); path != "" {
		source = path
	}
	if len(tokens) == 0 {
		return []statusCheck{{
			ID:     "tokens",
			Status: "warn",
			Label:  "Functional tokens",
			Detail: "registry is empty; output is passed through unfiltered",
			Fix:    "Point STREAM_TOKENS_FILE at a YAML token registry.",
		}}
	}
	names := make([]string, 0, len(tokens))
	for _, t := range tokens {
		names = append(names, t.Name)
	}
	return []statusCheck{{
		ID:     "tokens",
		Status: "ok",
		Label:  "Functional tokens",
		Detail: fmt.Sprintf("%s (%s)", strings.Join(names, ", "), source),
	}}
}

func dialTCP(raw string, timeout time.Duration) error {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return err
	}
	host := strings.TrimSpace(u.Host)
	if host == "" {
		return fmt.Errorf("host missing")
	}
	addr := host
	if u.Port() == "" {
		port := "80"
		if u.Scheme == "https" {
			port = "443"
		}
		addr = net.JoinHostPort(u.Hostname(), port)
	}
	c, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return err
	}
	_ = c.Close()
	return nil
}
