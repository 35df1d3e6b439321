package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/antoniostano/msgstream/internal/observability"
	"github.com/antoniostano/msgstream/internal/stream"
)

var (
	// ErrUpstream means the fragment stream ended with an __error__ fragment.
	ErrUpstream = errors.New("upstream reported an error")
	// ErrInterrupted means the fragment channel closed before a __final__.
	ErrInterrupted = errors.New("fragment stream closed before final")
	// ErrIdleTimeout means no fragment arrived within the idle timeout.
	ErrIdleTimeout = errors.New("fragment stream idle timeout")
)

// RunnerConfig controls how one turn's fragment stream is assembled.
type RunnerConfig struct {
	Automaton   *stream.Automaton
	Assembler   stream.Config
	IdleTimeout time.Duration

	// FirstDeltaSLO, when positive, flags turns whose first visible delta
	// arrives later than this.
	FirstDeltaSLO time.Duration
	Metrics       *observability.Metrics
}

// Runner consumes the raw fragments of one turn through a fresh Assembler.
// A Runner is stateless between calls and safe for concurrent use.
type Runner struct {
	cfg RunnerConfig
}

func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 30 * time.Second
	}
	return &Runner{cfg: cfg}
}

// Run forwards live fragments to emit until the stream ends, then flushes.
// The flush result is returned on every path, including errors.
func (r *Runner) Run(ctx context.Context, in <-chan stream.Fragment, emit func(stream.Fragment)) (stream.FlushResult, error) {
	m := r.cfg.Metrics
	asmCfg := r.cfg.Assembler
	asmCfg.OnPatch = func(o stream.PatchOutcome) {
		m.ObservePatchOutcome(o.String())
	}
	asm := stream.NewAssembler(r.cfg.Automaton, asmCfg)

	startedAt := time.Now()
	firstDelta := false
	// headAt marks when the buffering message's head went out.
	var headAt time.Time
	deliver := func(out []stream.Fragment) {
		for _, f := range out {
			switch f.Kind {
			case stream.KindHead:
				headAt = time.Now()
			case stream.KindTail:
				if !headAt.IsZero() {
					m.ObserveStage(observability.StageMessageAssembly, time.Since(headAt))
					headAt = time.Time{}
				}
			}
			if !firstDelta && f.Delta != "" && !f.IsProtocol() {
				firstDelta = true
				d := time.Since(startedAt)
				m.ObserveFirstDeltaLatency(d)
				m.ObserveStage(observability.StageFirstDelta, d)
				if r.cfg.FirstDeltaSLO > 0 && d > r.cfg.FirstDeltaSLO {
					m.ObserveIndicator("first_delta_slo_miss")
				}
			}
			for _, c := range f.Callers {
				m.ObserveCaller(c.TokenName)
			}
			if emit != nil {
				emit(f)
			}
		}
	}
	finish := func(err error) (stream.FlushResult, error) {
		res := asm.Flush()
		if res.Unsent != nil {
			deliver([]stream.Fragment{*res.Unsent})
		}
		for _, msg := range res.Messages {
			m.ObserveMessageFinalized(msg.Complete)
		}
		m.ObserveStage(observability.StageTurnTotal, time.Since(startedAt))
		return res, err
	}

	idle := time.NewTimer(r.cfg.IdleTimeout)
	defer idle.Stop()

	for {
		select {
		case <-ctx.Done():
			m.ObserveIndicator("interrupted")
			return finish(ctx.Err())
		case <-idle.C:
			m.ObserveIndicator("idle_timeout")
			deliver(asm.Add(stream.NewProtocol(stream.TypeTimeout, "idle timeout")))
			return finish(ErrIdleTimeout)
		case f, ok := <-in:
			if !ok {
				m.ObserveIndicator("interrupted")
				return finish(ErrInterrupted)
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(r.cfg.IdleTimeout)

			if err := f.Validate(); err != nil {
				m.ObserveFragment("invalid")
				slog.Warn("dropping fragment", "id", f.ID, "err", err)
				continue
			}
			kind := f.Kind.String()
			if f.IsProtocol() {
				kind = string(stream.KindProtocol)
			}
			m.ObserveFragment(kind)

			deliver(asm.Add(f))
			if !f.IsProtocol() {
				continue
			}
			switch f.Type {
			case stream.TypeError:
				return finish(fmt.Errorf("%w: %s", ErrUpstream, f.Delta))
			case stream.TypeTimeout:
				m.ObserveIndicator("idle_timeout")
				return finish(ErrIdleTimeout)
			default:
				return finish(nil)
			}
		}
	}
}
