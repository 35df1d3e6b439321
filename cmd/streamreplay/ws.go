package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/msgstream/internal/protocol"
	"github.com/antoniostano/msgstream/internal/stream"
)

type createSessionRequest struct {
	UserID string `json:"user_id,omitempty"`
	Role   string `json:"role,omitempty"`
	Name   string `json:"name,omitempty"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
}

type wsEnvelope struct {
	Type     string           `json:"type"`
	TurnID   string           `json:"turn_id,omitempty"`
	Code     string           `json:"code,omitempty"`
	Detail   string           `json:"detail,omitempty"`
	Reason   string           `json:"reason,omitempty"`
	Fragment *stream.Fragment `json:"fragment,omitempty"`
	Message  *stream.Message  `json:"message,omitempty"`
}

type turnSummary struct {
	Reason   string
	Messages []stream.Message
}

func runWS(ctx context.Context, out io.Writer, opts wsOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	if baseURL == "" {
		return fmt.Errorf("base-url is required")
	}

	var frags []stream.Fragment
	if opts.fragmentsPath != "" {
		f, err := os.Open(opts.fragmentsPath)
		if err != nil {
			return err
		}
		frags, err = readFragments(f)
		_ = f.Close()
		if err != nil {
			return fmt.Errorf("read fragments: %w", err)
		}
	}

	httpClient := &http.Client{Timeout: 15 * time.Second}
	sessionID, err := createSession(ctx, httpClient, baseURL, opts)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, baseURL, sessionID)
	}()
	fmt.Fprintf(out, "streamreplay: session=%s\n", sessionID)

	wsURL, err := wsURLForSession(baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	turnEndCh := make(chan turnSummary, 8)
	readErrCh := make(chan error, 1)
	go readLoop(conn, out, turnEndCh, readErrCh, opts.verbose)

	turn := 0
	report := func(s turnSummary) {
		turn++
		fmt.Fprintf(out, "streamreplay: turn %d ended reason=%s messages=%d\n", turn, s.Reason, len(s.Messages))
		for _, m := range s.Messages {
			fmt.Fprintf(out, "  [%s] %s: %q callers=%d complete=%t\n", m.ID, m.Role, m.Content, len(m.Callers), m.Complete)
		}
	}

	for i, prompt := range opts.prompts {
		msg := protocol.ClientPrompt{
			Type:      protocol.TypeClientPrompt,
			SessionID: sessionID,
			Prompt:    prompt,
			TSMs:      time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("turn %d send prompt: %w", i+1, err)
		}
		s, err := awaitTurnEnd(turnEndCh, readErrCh, opts.turnTimeout)
		if err != nil {
			return fmt.Errorf("turn %d await turn_end: %w", i+1, err)
		}
		report(s)
		if opts.interTurnDelay > 0 && i < len(opts.prompts)-1 {
			time.Sleep(opts.interTurnDelay)
		}
	}

	if len(frags) > 0 {
		if err := sendFragments(conn, sessionID, frags); err != nil {
			return fmt.Errorf("push fragments: %w", err)
		}
		s, err := awaitTurnEnd(turnEndCh, readErrCh, opts.turnTimeout)
		if err != nil {
			return fmt.Errorf("fragment turn await turn_end: %w", err)
		}
		report(s)
	}

	fmt.Fprintln(out, "streamreplay: replay completed")
	return nil
}

func createSession(ctx context.Context, client *http.Client, baseURL string, opts wsOptions) (string, error) {
	payload, err := json.Marshal(createSessionRequest{
		UserID: strings.TrimSpace(opts.userID),
		Role:   strings.TrimSpace(opts.role),
		Name:   strings.TrimSpace(opts.name),
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/stream/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var created createSessionResponse
	if err := json.Unmarshal(body, &created); err != nil {
		return "", err
	}
	if strings.TrimSpace(created.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return created.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/stream/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/stream/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// sendFragments pushes frags as client fragments. A flush control closes the
// turn unless the log already ends with a protocol fragment.
func sendFragments(conn *websocket.Conn, sessionID string, frags []stream.Fragment) error {
	for _, f := range frags {
		msg := protocol.ClientFragment{
			Type:      protocol.TypeClientFragment,
			SessionID: sessionID,
			Fragment:  f,
			TSMs:      time.Now().UnixMilli(),
		}
		if err := conn.WriteJSON(msg); err != nil {
			return err
		}
	}
	if len(frags) > 0 && frags[len(frags)-1].IsProtocol() {
		return nil
	}
	return conn.WriteJSON(protocol.ClientControl{
		Type:      protocol.TypeClientControl,
		SessionID: sessionID,
		Action:    protocol.ActionFlush,
		Reason:    "replay_end",
		TSMs:      time.Now().UnixMilli(),
	})
}

func readLoop(conn *websocket.Conn, out io.Writer, turnEndCh chan<- turnSummary, readErrCh chan<- error, verbose bool) {
	var current turnSummary
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case readErrCh <- err:
			default:
			}
			return
		}
		if verbose {
			fmt.Fprintf(out, "< %s\n", strings.TrimSpace(string(data)))
		}

		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		switch protocol.MessageType(env.Type) {
		case protocol.TypeMessageFinal:
			if env.Message != nil {
				current.Messages = append(current.Messages, *env.Message)
			}
		case protocol.TypeTurnEnd:
			current.Reason = env.Reason
			select {
			case turnEndCh <- current:
			default:
			}
			current = turnSummary{}
		case protocol.TypeErrorEvent:
			fmt.Fprintf(os.Stderr, "streamreplay: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
	}
}

func awaitTurnEnd(turnEndCh <-chan turnSummary, readErrCh <-chan error, timeout time.Duration) (turnSummary, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case s := <-turnEndCh:
		return s, nil
	case err := <-readErrCh:
		return turnSummary{}, err
	case <-timer.C:
		return turnSummary{}, fmt.Errorf("timeout after %s", timeout)
	}
}
