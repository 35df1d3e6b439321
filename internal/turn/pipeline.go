package turn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/antoniostano/msgstream/internal/observability"
	"github.com/antoniostano/msgstream/internal/stream"
	"github.com/antoniostano/msgstream/internal/upstream"
)

// RunProducer pulls one reply from p and assembles it with r. The producer
// and the runner run in their own goroutines joined by a buffered channel.
// A producer failure is injected into the stream as an __error__ fragment so
// the buffering message is finalized incomplete, and is returned wrapped in
// ErrUpstream.
func RunProducer(
	ctx context.Context,
	r *Runner,
	p upstream.Producer,
	req upstream.Request,
	buffer int,
	emit func(stream.Fragment),
) (stream.FlushResult, error) {
	if buffer <= 0 {
		buffer = 1
	}
	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancelRun := context.WithCancel(gctx)
	defer cancelRun()

	fragments := make(chan stream.Fragment, buffer)
	send := func(f stream.Fragment) error {
		select {
		case fragments <- f:
			return nil
		case <-runCtx.Done():
			return runCtx.Err()
		}
	}
	startedAt := time.Now()
	var firstFragment sync.Once
	push := func(f stream.Fragment) error {
		firstFragment.Do(func() {
			r.cfg.Metrics.ObserveStage(observability.StageUpstreamFirstFragment, time.Since(startedAt))
		})
		return send(f)
	}

	var (
		prodErr error
		res     stream.FlushResult
		runErr  error
	)
	g.Go(func() error {
		defer close(fragments)
		prodErr = p.Stream(runCtx, req, push)
		if prodErr == nil || runCtx.Err() != nil {
			return nil
		}
		return send(stream.NewProtocol(stream.TypeError, prodErr.Error()))
	})
	g.Go(func() error {
		res, runErr = r.Run(runCtx, fragments, emit)
		if runErr == nil {
			// Stop a producer still streaming past the final fragment.
			cancelRun()
		}
		return runErr
	})
	// A runner error cancels the group, which stops the producer.
	waitErr := g.Wait()

	if err := ctx.Err(); err != nil {
		return res, err
	}
	if runErr == nil {
		return res, nil
	}
	if prodErr != nil && !isCtxErr(prodErr) {
		return res, fmt.Errorf("%w: %w", ErrUpstream, prodErr)
	}
	return res, waitErr
}

func isCtxErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
