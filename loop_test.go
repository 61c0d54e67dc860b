package gmail

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// runLoop runs l until the test ends.
func runLoop(t *testing.T, l *Loop) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = l.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
}

func eventAccount(t *testing.T, ms *mockServer) (*Account, *Loop) {
	t.Helper()
	l := NewLoop()
	runLoop(t, l)
	a := NewAccount(&PasswordAuth{Username: mockUser, Password: mockPass}, EventLoop(l), ms.options())
	t.Cleanup(a.Close)
	return a, l
}

func wait[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for callback")
	}
	var zero T
	return zero
}

func TestLoopRunsInOrder(t *testing.T) {
	l := NewLoop()
	var got []int
	for i := range 5 {
		if !l.Post(func() { got = append(got, i) }) {
			t.Fatalf("Post(%d) = false", i)
		}
	}
	l.Stop()
	if err := l.Run(context.Background()); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("callbacks ran in order %v", got)
		}
	}
	if len(got) != 5 {
		t.Errorf("ran %d callbacks, want 5", len(got))
	}
	if l.Post(func() {}) {
		t.Error("Post() after Stop = true")
	}
}

func TestLoopRunContext(t *testing.T) {
	l := NewLoop()
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := l.Run(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Run() error = %v, want context.DeadlineExceeded", err)
	}
}

func TestEventLoopAccount(t *testing.T) {
	ms := newMockServer()
	a, _ := eventAccount(t, ms)

	type result struct {
		step string
		err  error
	}
	results := make(chan result, 10)

	a.LoginAsync(func(err error) { results <- result{"login", err} })
	a.MailboxAsync("INBOX", func(m *Mailbox, err error) {
		results <- result{"mailbox", err}
		if m == nil {
			return
		}
		m.CountAsync(func(n int, err error) {
			if err == nil && n != 3 {
				err = errors.New("unexpected count")
			}
			results <- result{"count", err}
		})
		m.MessagesAsync(All, func(msgs []*Message, total int, err error) {
			if err == nil && (len(msgs) != 3 || total != 3) {
				err = errors.New("unexpected messages")
			}
			results <- result{"messages", err}
		})
	})

	for _, want := range []string{"login", "mailbox", "count", "messages"} {
		r := wait(t, results)
		if r.step != want {
			t.Fatalf("callback %q arrived, want %q", r.step, want)
		}
		if r.err != nil {
			t.Fatalf("%s error = %v", r.step, r.err)
		}
	}

	done := make(chan error, 1)
	a.LogoutAsync(func(err error) { done <- err })
	if err := wait(t, done); err != nil {
		t.Errorf("LogoutAsync() error = %v", err)
	}
	if got := a.Session().State(); got != StateClosed {
		t.Errorf("State() = %s, want closed", got)
	}
}

func TestEventLoopCallbacksOnLoop(t *testing.T) {
	ms := newMockServer()
	l := NewLoop()
	a := NewAccount(&PasswordAuth{Username: mockUser, Password: mockPass}, EventLoop(l), ms.options())
	defer a.Close()

	var mu sync.Mutex
	ran := false
	a.LoginAsync(func(err error) {
		mu.Lock()
		ran = true
		mu.Unlock()
		if err != nil {
			t.Errorf("LoginAsync() error = %v", err)
		}
		l.Stop()
	})

	// nothing runs until the loop does
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	early := ran
	mu.Unlock()
	if early {
		t.Fatal("callback ran before Loop.Run")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.Run(ctx); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !ran {
		t.Error("callback never ran")
	}
}

func TestEventLoopCancel(t *testing.T) {
	ms := newMockServer()
	release := make(chan struct{})
	ms.handle("NOOP", func(c *mockConn, cmd mockCmd) bool {
		<-release
		return mockOK(c, cmd)
	})
	a, _ := eventAccount(t, ms)

	login := make(chan error, 1)
	a.LoginAsync(func(err error) { login <- err })
	if err := wait(t, login); err != nil {
		t.Fatalf("LoginAsync() error = %v", err)
	}

	blocker := make(chan error, 1)
	started := enqueue(a, func(ctx context.Context) (struct{}, error) {
		_, err := a.do(ctx, &Command{Verb: "NOOP"})
		return struct{}{}, err
	}, func(_ struct{}, err error) { blocker <- err })

	counted := make(chan error, 1)
	inbox := &Mailbox{Name: "INBOX", wire: "INBOX", account: a}
	queued := inbox.CountAsync(func(_ int, err error) { counted <- err })

	// wait for the blocker to reach the server
	deadline := time.Now().Add(2 * time.Second)
	for len(ms.commands()) < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}

	if !queued.Cancel() {
		t.Fatal("Cancel() of a queued operation = false")
	}
	if started.Cancel() {
		t.Error("Cancel() of a started operation = true")
	}
	if queued.Cancel() {
		t.Error("second Cancel() = true")
	}
	if err := wait(t, counted); !errors.Is(err, ErrCanceled) {
		t.Errorf("cancelled callback error = %v, want ErrCanceled", err)
	}

	close(release)
	if err := wait(t, blocker); err != nil {
		t.Errorf("started operation error = %v", err)
	}
	for _, v := range ms.verbs() {
		if v == "STATUS" {
			t.Error("cancelled operation reached the server")
		}
	}
}

func TestModeMismatch(t *testing.T) {
	t.Run("Async on blocking account", func(t *testing.T) {
		a := NewAccount(&PasswordAuth{Username: mockUser, Password: mockPass}, Blocking, newMockServer().options())
		var got error
		called := false
		op := a.LoginAsync(func(err error) {
			called = true
			got = err
		})
		if !called {
			t.Fatal("callback was not invoked synchronously")
		}
		if !errors.Is(got, ErrModeMismatch) {
			t.Errorf("LoginAsync() error = %v, want ErrModeMismatch", got)
		}
		if op.Cancel() {
			t.Error("Cancel() of a completed operation = true")
		}
	})

	t.Run("blocking on event-loop account", func(t *testing.T) {
		ms := newMockServer()
		a, _ := eventAccount(t, ms)
		if err := a.Login(context.Background()); !errors.Is(err, ErrModeMismatch) {
			t.Errorf("Login() error = %v, want ErrModeMismatch", err)
		}
		if _, err := a.Mailboxes(context.Background()); !errors.Is(err, ErrModeMismatch) {
			t.Errorf("Mailboxes() error = %v, want ErrModeMismatch", err)
		}
		if n := ms.dialCount(); n != 0 {
			t.Errorf("server saw %d connections, want 0", n)
		}
	})
}

func TestModeString(t *testing.T) {
	if Blocking.String() != "blocking" || Blocking.IsEventLoop() {
		t.Errorf("Blocking = %s", Blocking)
	}
	m := EventLoop(NewLoop())
	if m.String() != "event-loop" || !m.IsEventLoop() {
		t.Errorf("EventLoop() = %s", m)
	}
}

func TestEventLoopCloseUnblocks(t *testing.T) {
	ms := newMockServer()
	ms.handle("STATUS", mockHang)
	a, _ := eventAccount(t, ms)

	login := make(chan error, 1)
	a.LoginAsync(func(err error) { login <- err })
	if err := wait(t, login); err != nil {
		t.Fatalf("LoginAsync() error = %v", err)
	}

	counted := make(chan error, 1)
	inbox := &Mailbox{Name: "INBOX", wire: "INBOX", account: a}
	inbox.CountAsync(func(_ int, err error) { counted <- err })

	time.Sleep(50 * time.Millisecond)
	a.Close()
	if err := wait(t, counted); err == nil {
		t.Error("CountAsync() after Close error = nil")
	}
}
