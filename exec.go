package gmail

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// executor runs one command on behalf of the façade. The two execution modes
// differ only in how they wait for the Pending returned by Session.Submit.
type executor interface {
	do(ctx context.Context, cmd *Command) (*Response, error)
}

// blockingExec waits on the calling goroutine with a finite timeout.
type blockingExec struct {
	s       *Session
	timeout time.Duration
}

func newBlockingExec(s *Session, timeout time.Duration) *blockingExec {
	if timeout <= 0 {
		timeout = DefaultCommandTimeout
	}
	return &blockingExec{s: s, timeout: timeout}
}

// do submits cmd and waits at most b.timeout. A command that does not finish
// in time leaves the server in an unknown state, so the session is closed.
func (b *blockingExec) do(ctx context.Context, cmd *Command) (*Response, error) {
	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	p := b.s.Submit(ctx, cmd)
	select {
	case <-p.Done():
		return p.Result()
	case <-ctx.Done():
		var err error
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			err = &TimeoutError{Verb: cmd.Verb, After: b.timeout}
		} else {
			err = fmt.Errorf("gmail %s: %w", cmd.Verb, ctx.Err())
		}
		b.s.abort(err)
		return nil, err
	}
}

// loopExec is used by operations running on an Account's operation queue.
// The queue already runs operations one at a time off the event loop, so it
// simply waits for the completion.
type loopExec struct {
	s *Session
}

func (l *loopExec) do(ctx context.Context, cmd *Command) (*Response, error) {
	return l.s.Execute(ctx, cmd)
}
