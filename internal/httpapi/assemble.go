package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/antoniostano/msgstream/internal/stream"
)

type assembleRequest struct {
	Fragments []stream.Fragment `json:"fragments"`
	Role      string            `json:"role,omitempty"`
	Name      string            `json:"name,omitempty"`
}

type assembleResponse struct {
	Fragments []stream.Fragment  `json:"fragments"`
	Result    stream.FlushResult `json:"result"`
}

type tokensResponse struct {
	Tokens []stream.FunctionalToken `json:"tokens"`
	MaxLen int                      `json:"max_len"`
}

// handleAssemble runs a complete fragment batch through a fresh assembler
// and returns the live output alongside the flush result.
func (s *Server) handleAssemble(w http.ResponseWriter, r *http.Request) {
	var req assembleRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}
	for i, f := range req.Fragments {
		if err := f.Validate(); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_fragment", fmt.Sprintf("fragments[%d]: %v", i, err))
			return
		}
	}

	cfg := stream.Config{
		DefaultRole: s.cfg.DefaultRole,
		DefaultName: s.cfg.DefaultName,
		OnPatch: func(o stream.PatchOutcome) {
			s.metrics.ObservePatchOutcome(o.String())
		},
	}
	if role := strings.TrimSpace(req.Role); role != "" {
		cfg.DefaultRole = role
	}
	if name := strings.TrimSpace(req.Name); name != "" {
		cfg.DefaultName = name
	}

	asm := stream.NewAssembler(s.automaton, cfg)
	live := make([]stream.Fragment, 0, len(req.Fragments)+1)
	for _, f := range req.Fragments {
		live = append(live, asm.Add(f)...)
	}
	res := asm.Flush()
	if res.Unsent != nil {
		live = append(live, *res.Unsent)
	}
	for _, m := range res.Messages {
		s.metrics.ObserveMessageFinalized(m.Complete)
	}
	for _, c := range res.Callers {
		s.metrics.ObserveCaller(c.TokenName)
	}
	respondJSON(w, http.StatusOK, assembleResponse{Fragments: live, Result: res})
}

func (s *Server) handleListTokens(w http.ResponseWriter, _ *http.Request) {
	tokens := s.automaton.Tokens()
	if tokens == nil {
		tokens = []stream.FunctionalToken{}
	}
	respondJSON(w, http.StatusOK, tokensResponse{Tokens: tokens, MaxLen: s.automaton.MaxLen()})
}
