package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/antoniostano/msgstream/internal/config"
	"github.com/antoniostano/msgstream/internal/observability"
	"github.com/antoniostano/msgstream/internal/session"
	"github.com/antoniostano/msgstream/internal/stream"
	"github.com/antoniostano/msgstream/internal/turn"
	"github.com/antoniostano/msgstream/internal/upstream"
)

type testServer struct {
	ts       *httptest.Server
	sessions *session.Manager
	metrics  *observability.Metrics
}

func newTestServer(t *testing.T, cfg config.Config, withOrchestrator bool) *testServer {
	t.Helper()
	if cfg.SessionInactivityTimeout == 0 {
		cfg.SessionInactivityTimeout = 2 * time.Minute
	}
	if cfg.DefaultRole == "" {
		cfg.DefaultRole = "assistant"
	}
	automaton, err := stream.NewAutomaton(stream.DefaultTokens()...)
	if err != nil {
		t.Fatalf("NewAutomaton() error = %v", err)
	}
	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	metrics := observability.NewMetricsWith("test_httpapi", prometheus.NewRegistry())

	var orch Orchestrator
	if withOrchestrator {
		orch = turn.NewOrchestrator(sessions, upstream.NewMockProducer(0), turn.RunnerConfig{
			Automaton:   automaton,
			Assembler:   stream.Config{DefaultRole: cfg.DefaultRole},
			IdleTimeout: 2 * time.Second,
		}, metrics, 64)
	}
	srv := New(cfg, sessions, orch, automaton, metrics)
	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)
	return &testServer{ts: ts, sessions: sessions, metrics: metrics}
}

func (s *testServer) createSession(t *testing.T, body map[string]string) map[string]any {
	t.Helper()
	raw, _ := json.Marshal(body)
	res, err := http.Post(s.ts.URL+"/v1/stream/session", "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created map[string]any
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	return created
}

func TestCreateAndEndSession(t *testing.T) {
	srv := newTestServer(t, config.Config{}, false)

	created := srv.createSession(t, map[string]string{"user_id": "user-1", "name": "bot"})
	sessionID, _ := created["session_id"].(string)
	if sessionID == "" {
		t.Fatalf("missing session_id in create response: %+v", created)
	}
	if created["name"] != "bot" {
		t.Fatalf("name = %v, want %v", created["name"], "bot")
	}

	endRes, err := http.Post(srv.ts.URL+"/v1/stream/session/"+sessionID+"/end", "application/json", bytes.NewReader(nil))
	if err != nil {
		t.Fatalf("end session request error = %v", err)
	}
	defer endRes.Body.Close()
	if endRes.StatusCode != http.StatusOK {
		t.Fatalf("end status = %d, want %d", endRes.StatusCode, http.StatusOK)
	}

	missing, err := http.Post(srv.ts.URL+"/v1/stream/session/nope/end", "application/json", nil)
	if err != nil {
		t.Fatalf("end missing session request error = %v", err)
	}
	defer missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("end missing status = %d, want %d", missing.StatusCode, http.StatusNotFound)
	}
}

func TestCreateSessionDefaultsUser(t *testing.T) {
	srv := newTestServer(t, config.Config{}, false)

	res, err := http.Post(srv.ts.URL+"/v1/stream/session", "application/json", nil)
	if err != nil {
		t.Fatalf("create session request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create status = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	var created session.CreateResponse
	if err := json.NewDecoder(res.Body).Decode(&created); err != nil {
		t.Fatalf("decode create response: %v", err)
	}
	if created.UserID != "anonymous" {
		t.Fatalf("user_id = %q, want %q", created.UserID, "anonymous")
	}
	if created.InactivityTTLMS != (2 * time.Minute).Milliseconds() {
		t.Fatalf("inactivity_ttl_ms = %d, want %d", created.InactivityTTLMS, (2 * time.Minute).Milliseconds())
	}
}

func TestAssemble(t *testing.T) {
	srv := newTestServer(t, config.Config{}, false)

	body := `{"fragments":[
		{"id":"m1","kind":"head","delta":"hi <tool>x"},
		{"id":"m1","delta":"</tool> ok","complete":true}
	]}`
	res, err := http.Post(srv.ts.URL+"/v1/stream/assemble", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("assemble request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assemble status = %d, want %d", res.StatusCode, http.StatusOK)
	}

	var out assembleResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode assemble response: %v", err)
	}
	if len(out.Fragments) != 2 {
		t.Fatalf("fragments = %d, want 2: %+v", len(out.Fragments), out.Fragments)
	}
	if out.Fragments[0].Kind != stream.KindHead || out.Fragments[0].Delta != "hi " {
		t.Fatalf("head = %+v, want head with delta %q", out.Fragments[0], "hi ")
	}
	if out.Fragments[1].Kind != stream.KindTail || out.Fragments[1].Delta != " ok" {
		t.Fatalf("tail = %+v, want tail with delta %q", out.Fragments[1], " ok")
	}
	if out.Result.Unsent != nil {
		t.Fatalf("unsent = %+v, want nil", out.Result.Unsent)
	}
	if len(out.Result.Messages) != 1 {
		t.Fatalf("messages = %d, want 1", len(out.Result.Messages))
	}
	msg := out.Result.Messages[0]
	if msg.Content != "hi  ok" || msg.Memory != "hi <tool>x</tool> ok" || !msg.Complete {
		t.Fatalf("message = %+v", msg)
	}
	if msg.Role != "assistant" {
		t.Fatalf("role = %q, want default %q", msg.Role, "assistant")
	}
	if len(out.Result.Callers) != 1 || out.Result.Callers[0].Arguments != "x" {
		t.Fatalf("callers = %+v, want one tool caller with arguments %q", out.Result.Callers, "x")
	}
}

func TestAssembleRejectsInvalidFragment(t *testing.T) {
	srv := newTestServer(t, config.Config{}, false)

	res, err := http.Post(srv.ts.URL+"/v1/stream/assemble", "application/json",
		strings.NewReader(`{"fragments":[{"kind":"middle","delta":"x"}]}`))
	if err != nil {
		t.Fatalf("assemble request error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("assemble status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}
	var out errorResponse
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		t.Fatalf("decode error response: %v", err)
	}
	if out.Code != "invalid_fragment" {
		t.Fatalf("code = %q, want %q", out.Code, "invalid_fragment")
	}
}

func TestTokensAndStatus(t *testing.T) {
	srv := newTestServer(t, config.Config{UpstreamMode: "mock"}, false)

	res, err := http.Get(srv.ts.URL + "/v1/tokens")
	if err != nil {
		t.Fatalf("GET /v1/tokens error = %v", err)
	}
	defer res.Body.Close()
	var tokens tokensResponse
	if err := json.NewDecoder(res.Body).Decode(&tokens); err != nil {
		t.Fatalf("decode tokens response: %v", err)
	}
	if len(tokens.Tokens) != len(stream.DefaultTokens()) {
		t.Fatalf("tokens = %d, want %d", len(tokens.Tokens), len(stream.DefaultTokens()))
	}
	if tokens.MaxLen != len("</think>") {
		t.Fatalf("max_len = %d, want %d", tokens.MaxLen, len("</think>"))
	}

	statusRes, err := http.Get(srv.ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status error = %v", err)
	}
	defer statusRes.Body.Close()
	var status statusResponse
	if err := json.NewDecoder(statusRes.Body).Decode(&status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	if status.UpstreamMode != "mock" {
		t.Fatalf("upstream_mode = %q, want %q", status.UpstreamMode, "mock")
	}
	for _, c := range status.Checks {
		if c.Status != "ok" {
			t.Fatalf("check %s status = %q, want ok (%s)", c.ID, c.Status, c.Detail)
		}
	}
}

func TestStatusWarnsWithoutUpstreamURL(t *testing.T) {
	srv := newTestServer(t, config.Config{UpstreamMode: "auto"}, false)

	res, err := http.Get(srv.ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status error = %v", err)
	}
	defer res.Body.Close()
	var status statusResponse
	if err := json.NewDecoder(res.Body).Decode(&status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	found := false
	for _, c := range status.Checks {
		if c.ID == "upstream_url" {
			found = true
			if c.Status != "warn" {
				t.Fatalf("upstream_url status = %q, want warn", c.Status)
			}
		}
	}
	if !found {
		t.Fatalf("missing upstream_url check: %+v", status.Checks)
	}
}

func TestLatencyEndpointAndStatusWarning(t *testing.T) {
	srv := newTestServer(t, config.Config{UpstreamMode: "mock"}, false)
	srv.metrics.ObserveStage(observability.StageFirstDelta, 2*time.Second)
	srv.metrics.ObserveStage(observability.StageTurnTotal, time.Second)
	srv.metrics.ObserveIndicator("idle_timeout")
	srv.metrics.ObserveTurnEnd("final")

	res, err := http.Get(srv.ts.URL + "/v1/stream/latency")
	if err != nil {
		t.Fatalf("GET /v1/stream/latency error = %v", err)
	}
	defer res.Body.Close()
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode latency response: %v", err)
	}
	if len(snap.Stages) != 2 {
		t.Fatalf("stages = %+v, want 2", snap.Stages)
	}
	if s := snap.Stages[0]; s.Stage != observability.StageFirstDelta || !s.OverTarget {
		t.Fatalf("stages[0] = %+v, want first delta over target", s)
	}
	if s := snap.Stages[1]; s.Stage != observability.StageTurnTotal || s.OverTarget {
		t.Fatalf("stages[1] = %+v, want turn_total under target", s)
	}
	if len(snap.EndReasons) != 1 || snap.EndReasons[0].Name != "final" {
		t.Fatalf("end_reasons = %+v, want final", snap.EndReasons)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Name != "idle_timeout" {
		t.Fatalf("indicators = %+v, want idle_timeout", snap.Indicators)
	}

	statusRes, err := http.Get(srv.ts.URL + "/v1/status")
	if err != nil {
		t.Fatalf("GET /v1/status error = %v", err)
	}
	defer statusRes.Body.Close()
	var status statusResponse
	if err := json.NewDecoder(statusRes.Body).Decode(&status); err != nil {
		t.Fatalf("decode status response: %v", err)
	}
	var warned []string
	for _, c := range status.Checks {
		if c.Status == "warn" {
			warned = append(warned, c.ID)
		}
	}
	if len(warned) != 1 || warned[0] != "latency_turn_to_first_delta" {
		t.Fatalf("warned checks = %v, want only latency_turn_to_first_delta", warned)
	}
}

func TestSessionWSRequiresKnownSession(t *testing.T) {
	srv := newTestServer(t, config.Config{}, true)

	res, err := http.Get(srv.ts.URL + "/v1/stream/session/ws")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing session_id status = %d, want %d", res.StatusCode, http.StatusBadRequest)
	}

	res, err = http.Get(srv.ts.URL + "/v1/stream/session/ws?session_id=nope")
	if err != nil {
		t.Fatalf("GET ws error = %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session status = %d, want %d", res.StatusCode, http.StatusNotFound)
	}
}

func dialSession(t *testing.T, srv *testServer, sessionID string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.ts.URL, "http") + "/v1/stream/session/ws?session_id=" + sessionID
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial websocket: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readUntil(t *testing.T, conn *websocket.Conn, typ string) []map[string]any {
	t.Helper()
	var msgs []map[string]any
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("read websocket message: %v (got %d messages)", err, len(msgs))
		}
		msgs = append(msgs, msg)
		if msg["type"] == typ {
			return msgs
		}
	}
}

func TestSessionWSPromptTurn(t *testing.T) {
	srv := newTestServer(t, config.Config{}, true)
	created := srv.createSession(t, map[string]string{"user_id": "user-1"})
	sessionID := created["session_id"].(string)

	conn := dialSession(t, srv, sessionID)
	if err := conn.WriteJSON(map[string]any{
		"type":       "client_prompt",
		"session_id": sessionID,
		"prompt":     "hello",
	}); err != nil {
		t.Fatalf("write prompt: %v", err)
	}

	msgs := readUntil(t, conn, "turn_end")
	end := msgs[len(msgs)-1]
	if end["reason"] != "final" {
		t.Fatalf("turn_end reason = %v, want final", end["reason"])
	}

	var (
		finals int
		live   strings.Builder
	)
	for _, m := range msgs {
		switch m["type"] {
		case "fragment_delta":
			frag, _ := m["fragment"].(map[string]any)
			if d, ok := frag["delta"].(string); ok {
				live.WriteString(d)
			}
		case "message_final":
			finals++
			msg, _ := m["message"].(map[string]any)
			content, _ := msg["content"].(string)
			if !strings.Contains(content, "I heard you: hello") {
				t.Fatalf("final content = %q, want echo of prompt", content)
			}
			if strings.Contains(content, "<tool>") {
				t.Fatalf("final content = %q, want tool region hidden", content)
			}
		}
	}
	if finals != 1 {
		t.Fatalf("message_final count = %d, want 1", finals)
	}
	if strings.Contains(live.String(), "<tool>") {
		t.Fatalf("live deltas leaked tool region: %q", live.String())
	}

	sess, err := srv.sessions.Get(sessionID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if sess.TurnCount != 1 || sess.MessageCount != 1 {
		t.Fatalf("turn/message count = %d/%d, want 1/1", sess.TurnCount, sess.MessageCount)
	}
}

func TestSessionWSInvalidMessage(t *testing.T) {
	srv := newTestServer(t, config.Config{}, true)
	created := srv.createSession(t, map[string]string{"user_id": "user-1"})
	sessionID := created["session_id"].(string)

	conn := dialSession(t, srv, sessionID)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"client_fragment"}`)); err != nil {
		t.Fatalf("write message: %v", err)
	}
	msgs := readUntil(t, conn, "error_event")
	got := msgs[len(msgs)-1]
	if got["code"] != "invalid_client_message" {
		t.Fatalf("code = %v, want invalid_client_message", got["code"])
	}
}
