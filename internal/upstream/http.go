package upstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/antoniostano/msgstream/internal/reliability"
	"github.com/antoniostano/msgstream/internal/stream"
)

// StatusError reports a non-2xx upstream response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upstream http status %d: %s", e.Code, e.Body)
}

// StreamError is an error object reported inside an upstream stream body.
type StreamError struct {
	Code    string
	Message string
}

func (e *StreamError) Error() string {
	if e.Code == "" {
		return "upstream stream error: " + e.Message
	}
	return fmt.Sprintf("upstream stream error %s: %s", e.Code, e.Message)
}

// HTTPProducer posts the prompt to an HTTP endpoint and consumes a fragment
// stream as NDJSON or server-sent events. Plain JSON bodies are accepted too.
type HTTPProducer struct {
	url     string
	client  *http.Client
	retries int

	backoffBase time.Duration
	backoffCap  time.Duration
}

func NewHTTPProducer(url string, retries int) *HTTPProducer {
	if retries < 0 {
		retries = 0
	}
	return &HTTPProducer{
		url: strings.TrimSpace(url),
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
		retries:     retries,
		backoffBase: 200 * time.Millisecond,
		backoffCap:  2 * time.Second,
	}
}

func (p *HTTPProducer) Name() string { return "http" }

// Stream retries retryable failures only while nothing has been delivered;
// once a fragment reached onFragment the error is returned as is.
func (p *HTTPProducer) Stream(ctx context.Context, req Request, onFragment FragmentHandler) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	delivered := false
	handler := func(f stream.Fragment) error {
		delivered = true
		if onFragment == nil {
			return nil
		}
		return onFragment(f)
	}

	for attempt := 0; ; attempt++ {
		err = p.streamOnce(ctx, payload, handler)
		if err == nil || delivered || attempt >= p.retries || !isRetryable(err) {
			return err
		}
		wait := reliability.ExponentialBackoff(attempt, p.backoffBase, p.backoffCap)
		slog.Warn("upstream retry", "producer", p.Name(), "attempt", attempt+1, "wait", wait, "err", err)
		if sleepErr := reliability.Sleep(ctx, wait); sleepErr != nil {
			return sleepErr
		}
	}
}

func (p *HTTPProducer) streamOnce(ctx context.Context, payload []byte, onFragment FragmentHandler) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/x-ndjson, text/event-stream, application/json")

	res, err := p.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Code: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	ct := strings.ToLower(res.Header.Get("Content-Type"))
	if strings.Contains(ct, "text/event-stream") || strings.Contains(ct, "application/x-ndjson") {
		return consumeLines(res.Body, onFragment)
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	return consumeBody(body, onFragment)
}

// consumeLines handles both NDJSON and SSE framing: a `data:` prefix is
// stripped, comments and other SSE fields are skipped.
func consumeLines(body io.Reader, onFragment FragmentHandler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	ended := false
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		if strings.HasPrefix(line, "event:") || strings.HasPrefix(line, "id:") || strings.HasPrefix(line, "retry:") {
			continue
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" {
			break
		}

		f, ok, err := parseLine([]byte(line))
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		if err := onFragment(f); err != nil {
			return err
		}
		if f.IsProtocol() {
			ended = true
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("stream read: %w", err)
	}
	if !ended {
		return onFragment(stream.NewProtocol(stream.TypeFinal, ""))
	}
	return nil
}

func consumeBody(body []byte, onFragment FragmentHandler) error {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return onFragment(stream.NewProtocol(stream.TypeFinal, ""))
	}

	var frags []stream.Fragment
	if trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &frags); err != nil {
			return fmt.Errorf("decode fragment list: %w", err)
		}
	} else {
		f, ok, err := parseLine(trimmed)
		if err != nil {
			return err
		}
		if ok {
			frags = append(frags, f)
		}
	}
	for _, f := range frags {
		if err := onFragment(f); err != nil {
			return err
		}
		if f.IsProtocol() {
			return nil
		}
	}
	return onFragment(stream.NewProtocol(stream.TypeFinal, ""))
}

var fragmentKeys = []string{"id", "kind", "type", "role", "name", "callers", "complete", "created_at"}

// parseLine decodes one stream line. Lines carrying any fragment field are
// decoded as a fragment; bare {"delta"} / {"text"} objects become anonymous
// chunks; non-JSON lines are delivered as literal text.
func parseLine(line []byte) (stream.Fragment, bool, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(line, &obj); err != nil {
		return stream.Fragment{Delta: string(line)}, true, nil
	}

	if raw, ok := obj["error"]; ok {
		return stream.Fragment{}, false, decodeStreamError(raw, obj)
	}

	for _, key := range fragmentKeys {
		if _, ok := obj[key]; ok {
			var f stream.Fragment
			if err := json.Unmarshal(line, &f); err != nil {
				return stream.Fragment{}, false, fmt.Errorf("decode fragment: %w", err)
			}
			if err := f.Validate(); err != nil {
				return stream.Fragment{}, false, err
			}
			return f, true, nil
		}
	}

	for _, key := range []string{"delta", "text", "output"} {
		raw, ok := obj[key]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if s == "" {
			return stream.Fragment{}, false, nil
		}
		return stream.Fragment{Delta: s}, true, nil
	}
	return stream.Fragment{}, false, nil
}

func decodeStreamError(raw json.RawMessage, obj map[string]json.RawMessage) error {
	se := &StreamError{}
	var msg string
	if err := json.Unmarshal(raw, &msg); err == nil {
		se.Message = msg
	} else {
		var nested struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if err := json.Unmarshal(raw, &nested); err == nil {
			se.Code = nested.Code
			se.Message = nested.Message
		}
	}
	if code, ok := obj["code"]; ok && se.Code == "" {
		_ = json.Unmarshal(code, &se.Code)
	}
	return se
}

func isRetryable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return reliability.IsRetryableHTTPStatus(statusErr.Code)
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) {
		return reliability.IsRetryableUpstreamCode(streamErr.Code)
	}
	return reliability.IsRetryableError(err)
}

// ErrorCode maps a producer error to a short label for metrics and error
// events.
func ErrorCode(err error) string {
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return fmt.Sprintf("http_%d", statusErr.Code)
	}
	var streamErr *StreamError
	if errors.As(err, &streamErr) && streamErr.Code != "" {
		return streamErr.Code
	}
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, stream.ErrInvalidKind):
		return "invalid_fragment"
	}
	return "upstream_error"
}

// Retryable reports whether err would have been retried by the HTTP producer.
func Retryable(err error) bool {
	return isRetryable(err)
}
