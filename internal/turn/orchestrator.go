package turn

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antoniostano/msgstream/internal/observability"
	"github.com/antoniostano/msgstream/internal/policy"
	"github.com/antoniostano/msgstream/internal/protocol"
	"github.com/antoniostano/msgstream/internal/session"
	"github.com/antoniostano/msgstream/internal/stream"
	"github.com/antoniostano/msgstream/internal/upstream"
)

const (
	criticalSendTimeout = 600 * time.Millisecond
	deltaSendTimeout    = 250 * time.Millisecond
)

// Orchestrator drives stream sessions over a message connection. Each
// connection has at most one active turn; a turn is either fed by the
// client (client_fragment) or pulled from the upstream producer
// (client_prompt).
type Orchestrator struct {
	sessions   *session.Manager
	producer   upstream.Producer
	runnerCfg  RunnerConfig
	metrics    *observability.Metrics
	liveBuffer int
}

func NewOrchestrator(
	sessions *session.Manager,
	producer upstream.Producer,
	runnerCfg RunnerConfig,
	metrics *observability.Metrics,
	liveBuffer int,
) *Orchestrator {
	if liveBuffer <= 0 {
		liveBuffer = 256
	}
	runnerCfg.Metrics = metrics
	return &Orchestrator{
		sessions:   sessions,
		producer:   producer,
		runnerCfg:  runnerCfg,
		metrics:    metrics,
		liveBuffer: liveBuffer,
	}
}

type turnKind int

const (
	turnPush turnKind = iota
	turnPrompt
)

type activeTurn struct {
	id     string
	kind   turnKind
	in     chan stream.Fragment
	cancel context.CancelFunc
	// ended closes when the runner returns, before the input is sealed.
	ended  chan struct{}
	done   chan struct{}

	mu     sync.Mutex
	reason string

	// inMu serializes writes to in with closing it.
	inMu   sync.Mutex
	closed bool
}

func (t *activeTurn) setReason(reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.reason == "" {
		t.reason = reason
	}
}

func (t *activeTurn) endReason(err error) string {
	t.mu.Lock()
	reason := t.reason
	t.mu.Unlock()
	if reason != "" {
		return reason
	}
	switch {
	case err == nil:
		return "final"
	case errors.Is(err, ErrUpstream):
		return "upstream_error"
	case errors.Is(err, ErrIdleTimeout):
		return "idle_timeout"
	case errors.Is(err, ErrInterrupted):
		return "interrupted"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}

// closeInput ends a client-fed turn's input once. Callers must hold t.inMu.
func (t *activeTurn) closeInput() {
	if t.closed || t.in == nil {
		return
	}
	t.closed = true
	close(t.in)
}

// overridden reports whether the connection ended the turn (stop, flush,
// supersede or close) rather than the fragment stream itself.
func (t *activeTurn) overridden() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason != ""
}

// seal closes the input of a turn whose runner has returned and hands back
// the fragments it accepted but never read.
func (t *activeTurn) seal() []stream.Fragment {
	if t.in == nil {
		return nil
	}
	t.inMu.Lock()
	defer t.inMu.Unlock()
	t.closeInput()
	var left []stream.Fragment
	for f := range t.in {
		left = append(left, f)
	}
	return left
}

// strandedQueue holds fragments a push turn accepted before it ended on its
// own. They are replayed ahead of newer client fragments.
type strandedQueue struct {
	mu    sync.Mutex
	frags []stream.Fragment
	ready chan struct{}
}

func newStrandedQueue() *strandedQueue {
	return &strandedQueue{ready: make(chan struct{}, 1)}
}

func (q *strandedQueue) add(frags []stream.Fragment) {
	if len(frags) == 0 {
		return
	}
	q.mu.Lock()
	q.frags = append(q.frags, frags...)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

func (q *strandedQueue) take() []stream.Fragment {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.frags
	q.frags = nil
	return out
}

// RunConnection serves one connection until ctx is done or inbound closes.
// It waits for the active turn to finish before returning, so outbound is
// never written after RunConnection returns.
func (o *Orchestrator) RunConnection(ctx context.Context, s *session.Session, inbound <-chan any, outbound chan<- any) error {
	runner := NewRunner(o.sessionRunnerConfig(s))

	var (
		turnMu sync.Mutex
		active *activeTurn
		wg     sync.WaitGroup
	)
	defer wg.Wait()
	stranded := newStrandedQueue()

	currentTurn := func() *activeTurn {
		turnMu.Lock()
		defer turnMu.Unlock()
		return active
	}
	detach := func(t *activeTurn) {
		turnMu.Lock()
		defer turnMu.Unlock()
		if active == t {
			active = nil
		}
	}

	startTurn := func(kind turnKind, prompt string) *activeTurn {
		turnCtx, cancel := context.WithCancel(ctx)
		t := &activeTurn{
			id:     uuid.NewString(),
			kind:   kind,
			cancel: cancel,
			ended:  make(chan struct{}),
			done:   make(chan struct{}),
		}
		if kind == turnPush {
			t.in = make(chan stream.Fragment, o.liveBuffer)
		}
		turnMu.Lock()
		active = t
		turnMu.Unlock()

		_ = o.sessions.StartTurn(s.ID, t.id)
		o.metrics.IncSessionEvent("turn_started")
		o.send(outbound, protocol.SystemEvent{
			Type:      protocol.TypeSystemEvent,
			SessionID: s.ID,
			Code:      "turn_started",
			Detail:    t.id,
		})

		emit := func(f stream.Fragment) {
			o.send(outbound, protocol.FragmentDelta{
				Type:      protocol.TypeFragmentDelta,
				SessionID: s.ID,
				TurnID:    t.id,
				Fragment:  f,
			})
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer close(t.done)
			defer cancel()

			var (
				res stream.FlushResult
				err error
			)
			if kind == turnPush {
				res, err = runner.Run(turnCtx, t.in, emit)
			} else {
				req := upstream.Request{
					SessionID: s.ID,
					TurnID:    t.id,
					Prompt:    prompt,
					Role:      s.Role,
					Name:      s.Name,
				}
				res, err = RunProducer(turnCtx, runner, o.producer, req, o.liveBuffer, emit)
				if err != nil && errors.Is(err, ErrUpstream) {
					code := upstream.ErrorCode(err)
					o.metrics.ObserveUpstreamError(o.producer.Name(), code)
					detail, _ := policy.RedactDetail(err.Error())
					o.send(outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      code,
						Source:    "upstream",
						Retryable: upstream.Retryable(err),
						Detail:    detail,
					})
				}
			}
			close(t.ended)
			left := t.seal()
			detach(t)
			o.finishTurn(outbound, s.ID, t, res, err)
			if t.overridden() {
				for range left {
					o.metrics.IncSessionEvent("fragment_discarded")
				}
				return
			}
			stranded.add(left)
		}()
		return t
	}

	// cancelActive stops the active turn and waits for its final events.
	cancelActive := func(reason string) {
		t := currentTurn()
		if t == nil {
			return
		}
		t.setReason(reason)
		t.cancel()
		<-t.done
	}

	// offer hands f to the active push turn, starting one when idle. It
	// returns false when that turn ended without taking f; by then the
	// fragments it had accepted are on the stranded queue.
	offer := func(f stream.Fragment) bool {
		t := currentTurn()
		if t != nil && t.kind == turnPrompt {
			o.send(outbound, protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: s.ID,
				Code:      "turn_busy",
				Source:    "session",
				Retryable: true,
				Detail:    "a prompt turn is streaming",
			})
			return true
		}
		if t == nil {
			if f.IsProtocol() {
				// Nothing is buffering; a lone control fragment has no
				// message to close.
				o.send(outbound, protocol.FragmentDelta{
					Type:      protocol.TypeFragmentDelta,
					SessionID: s.ID,
					Fragment:  f,
				})
				return true
			}
			t = startTurn(turnPush, "")
		}

		t.inMu.Lock()
		if t.closed {
			t.inMu.Unlock()
			<-t.done
			return false
		}
		select {
		case t.in <- f:
		case <-t.ended:
			t.inMu.Unlock()
			<-t.done
			return false
		case <-ctx.Done():
			t.inMu.Unlock()
			return true
		}
		if f.IsProtocol() {
			t.closeInput()
			t.inMu.Unlock()
			detach(t)
			return true
		}
		t.inMu.Unlock()
		return true
	}

	// pushFragments delivers frags in order after anything stranded by a
	// turn that ended on its own.
	pushFragments := func(frags ...stream.Fragment) {
		pending := append(stranded.take(), frags...)
		for len(pending) > 0 && ctx.Err() == nil {
			if !offer(pending[0]) {
				pending = append(stranded.take(), pending...)
				continue
			}
			pending = pending[1:]
		}
	}

	flushActive := func() {
		t := currentTurn()
		if t == nil {
			return
		}
		t.setReason("flushed")
		if t.kind == turnPush {
			t.inMu.Lock()
			t.closeInput()
			t.inMu.Unlock()
		} else {
			t.cancel()
		}
		<-t.done
	}

	for {
		select {
		case <-ctx.Done():
			cancelActive("connection_closed")
			return nil
		case <-stranded.ready:
			pushFragments()
		case msg, ok := <-inbound:
			if !ok {
				cancelActive("connection_closed")
				return nil
			}
			_ = o.sessions.Touch(s.ID)
			switch m := msg.(type) {
			case protocol.ClientFragment:
				pushFragments(m.Fragment)
			case protocol.ClientPrompt:
				cancelActive("superseded")
				startTurn(turnPrompt, m.Prompt)
			case protocol.ClientControl:
				switch strings.ToLower(strings.TrimSpace(m.Action)) {
				case protocol.ActionFlush:
					flushActive()
				case protocol.ActionStop:
					if currentTurn() != nil {
						_ = o.sessions.Interrupt(s.ID)
					}
					cancelActive("stopped")
				default:
					o.send(outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: s.ID,
						Code:      "unsupported_action",
						Source:    "session",
						Detail:    m.Action,
					})
				}
			}
		}
	}
}

func (o *Orchestrator) sessionRunnerConfig(s *session.Session) RunnerConfig {
	cfg := o.runnerCfg
	if s.Role != "" {
		cfg.Assembler.DefaultRole = s.Role
	}
	if s.Name != "" {
		cfg.Assembler.DefaultName = s.Name
	}
	return cfg
}

func (o *Orchestrator) finishTurn(outbound chan<- any, sessionID string, t *activeTurn, res stream.FlushResult, err error) {
	for _, msg := range res.Messages {
		o.send(outbound, protocol.MessageFinal{
			Type:      protocol.TypeMessageFinal,
			SessionID: sessionID,
			TurnID:    t.id,
			Message:   msg,
		})
	}
	reason := t.endReason(err)
	o.metrics.ObserveTurnEnd(reason)
	_ = o.sessions.EndTurn(sessionID, t.id, len(res.Messages), reason)
	o.send(outbound, protocol.TurnEnd{
		Type:      protocol.TypeTurnEnd,
		SessionID: sessionID,
		TurnID:    t.id,
		Reason:    reason,
		Unsent:    res.Unsent,
		Callers:   res.Callers,
	})
}

func (o *Orchestrator) send(outbound chan<- any, msg any) {
	msgType, critical := outboundMessageMeta(msg)
	record := func(result string) {
		o.metrics.ObserveOutboundMessage(msgType, result)
	}

	timeout := deltaSendTimeout
	timeoutEvent := "outbound_timeout"
	if critical {
		timeout = criticalSendTimeout
		timeoutEvent = "outbound_timeout_critical"
	}

	select {
	case outbound <- msg:
		record("delivered")
		return
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		record("delivered")
	case <-timer.C:
		record("timeout")
		o.metrics.IncSessionEvent(timeoutEvent)
		o.metrics.IncSessionEvent("outbound_drop")
	}
}

func outboundMessageMeta(msg any) (msgType string, critical bool) {
	switch m := msg.(type) {
	case protocol.TurnEnd:
		return string(m.Type), true
	case protocol.MessageFinal:
		return string(m.Type), true
	case protocol.ErrorEvent:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), true
	case protocol.FragmentDelta:
		// Protocol fragments close messages on the client side.
		return string(m.Type), m.Fragment.IsProtocol() || m.Fragment.Kind == stream.KindTail
	default:
		return "unknown", false
	}
}
