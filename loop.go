package gmail

import (
	"context"
	"sync"
)

// Loop is a single-goroutine event loop. Callbacks posted to it run one at a
// time, in the order they were posted, on the goroutine calling Run.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

// NewLoop returns a Loop that is not yet running.
func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

// Post queues fn. It reports false if the loop was stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Stop makes Run return once the callbacks already posted have run.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Run executes callbacks until Stop is called or ctx is done. It returns
// ctx.Err() in the latter case.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			fn := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()
			fn()
			continue
		}
		stopped := l.stopped
		l.mu.Unlock()
		if stopped {
			return nil
		}

		select {
		case <-l.wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

type opState uint8

const (
	opQueued opState = iota
	opStarted
	opCanceled
)

// Op is a queued event-loop operation.
type Op struct {
	mu     sync.Mutex
	state  opState
	run    func()
	cancel func()
}

// Cancel withdraws an operation that has not been dispatched yet; its
// callback then receives ErrCanceled. It reports false once the operation
// has started, since a command already on the wire cannot be recalled.
func (o *Op) Cancel() bool {
	if o == nil {
		return false
	}
	o.mu.Lock()
	if o.state != opQueued {
		o.mu.Unlock()
		return false
	}
	o.state = opCanceled
	o.mu.Unlock()
	o.cancel()
	return true
}

// start marks the operation started unless it was cancelled.
func (o *Op) start() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != opQueued {
		return false
	}
	o.state = opStarted
	return true
}

// doneOp returns an operation that can no longer be cancelled.
func doneOp() *Op {
	return &Op{state: opStarted}
}

// opQueue runs an Account's event-loop operations one at a time, in order,
// on a worker goroutine.
type opQueue struct {
	mu      sync.Mutex
	ops     []*Op
	running bool
}

func (q *opQueue) push(op *Op) {
	q.mu.Lock()
	q.ops = append(q.ops, op)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()
	go q.work()
}

func (q *opQueue) work() {
	for {
		q.mu.Lock()
		if len(q.ops) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		op := q.ops[0]
		q.ops[0] = nil
		q.ops = q.ops[1:]
		q.mu.Unlock()

		if op.start() {
			op.run()
		}
	}
}

// enqueue schedules fn on a's operation queue and posts cb with its result
// to a's Loop.
func enqueue[T any](a *Account, fn func(ctx context.Context) (T, error), cb func(T, error)) *Op {
	if a.mode.loop == nil {
		var zero T
		if cb != nil {
			cb(zero, ErrModeMismatch)
		}
		return doneOp()
	}
	deliver := func(v T, err error) {
		if cb == nil {
			return
		}
		if !a.mode.loop.Post(func() { cb(v, err) }) {
			a.session.log().Warn("event loop stopped, dropping callback", "error", err)
		}
	}
	op := &Op{}
	op.run = func() {
		v, err := fn(context.Background())
		deliver(v, err)
	}
	op.cancel = func() {
		var zero T
		deliver(zero, ErrCanceled)
	}
	a.queue.push(op)
	return op
}
