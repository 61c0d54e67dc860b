package gmail

import (
	"context"
	"errors"
	"fmt"

	retry "github.com/StirlingMarketingGroup/go-retry"
	"github.com/emersion/go-imap/utf7"
)

// Mode is an Account's execution mode, fixed at construction.
type Mode struct {
	loop *Loop
}

// Blocking makes every Account method complete on the calling goroutine.
var Blocking = Mode{}

// EventLoop makes the Account's …Async methods report completion by posting
// callbacks to loop.
func EventLoop(loop *Loop) Mode {
	return Mode{loop: loop}
}

// IsEventLoop reports whether m is an event-loop mode.
func (m Mode) IsEventLoop() bool { return m.loop != nil }

func (m Mode) String() string {
	if m.loop != nil {
		return "event-loop"
	}
	return "blocking"
}

// Account is a Gmail account reached over one IMAP session.
type Account struct {
	auth    Auth
	mode    Mode
	opts    *Options
	session *Session
	exec    executor
	queue   *opQueue

	// slot is held by a blocking operation for all of its commands, so
	// another goroutine's SELECT cannot land between them.
	slot chan struct{}
}

// NewAccount returns an Account that is not yet connected. A nil opts uses
// DefaultOptions. An event-loop Mode with a nil Loop panics.
func NewAccount(auth Auth, mode Mode, opts *Options) *Account {
	opts = opts.withDefaults()
	a := &Account{
		auth:    auth,
		mode:    mode,
		opts:    opts,
		session: NewSession(opts),
		slot:    make(chan struct{}, 1),
	}
	if mode.loop != nil {
		a.exec = &loopExec{s: a.session}
		a.queue = &opQueue{}
	} else {
		a.exec = newBlockingExec(a.session, opts.CommandTimeout)
	}
	return a
}

// Session returns the underlying session.
func (a *Account) Session() *Session { return a.session }

// Mode returns the execution mode.
func (a *Account) Mode() Mode { return a.mode }

// Username returns the account identity.
func (a *Account) Username() string {
	if a.auth == nil {
		return ""
	}
	return a.auth.Identity()
}

// Capabilities returns the server capabilities seen so far.
func (a *Account) Capabilities() []string { return a.session.Capabilities() }

func (a *Account) do(ctx context.Context, cmd *Command) (*Response, error) {
	return a.exec.do(ctx, cmd)
}

// checkProtocol closes the session when err is a ProtocolError raised while
// interpreting a response, and returns err.
func (a *Account) checkProtocol(err error) error {
	var pe *ProtocolError
	if errors.As(err, &pe) {
		a.session.abort(err)
	}
	return err
}

func (a *Account) blocking() error {
	if a.mode.loop != nil {
		return ErrModeMismatch
	}
	return nil
}

// begin checks the mode and waits for the Account's operation slot. The
// returned func releases it. Event-loop operations are already serialized
// by the opQueue.
func (a *Account) begin(ctx context.Context) (func(), error) {
	if err := a.blocking(); err != nil {
		return nil, err
	}
	select {
	case a.slot <- struct{}{}:
		return func() { <-a.slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Login connects and authenticates. On a session that is already
// authenticated it only makes sure the capabilities are known.
func (a *Account) Login(ctx context.Context) error {
	done, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	return a.login(ctx)
}

// LoginAsync is the event-loop form of Login.
func (a *Account) LoginAsync(cb func(error)) *Op {
	return enqueue(a, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.login(ctx)
	}, func(_ struct{}, err error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (a *Account) login(ctx context.Context) error {
	s := a.session
	if a.auth == nil {
		return &AuthError{Mechanism: "none", Err: fmt.Errorf("no authentication strategy")}
	}

	switch st := s.State(); st {
	case StateDisconnected:
		connect := func() error {
			return s.Connect(ctx, a.opts.Host, a.opts.Port)
		}
		var err error
		if a.opts.RetryCount > 0 {
			// Retry only the connection establishment, not authentication
			err = retry.Retry(connect, a.opts.RetryCount, func(err error) error {
				s.log().Warn("failed to connect, retrying shortly", "error", err)
				return nil
			}, func() error {
				s.debug("retrying connection now")
				return nil
			})
		} else {
			err = connect()
		}
		if err != nil {
			s.log().Error("failed to establish connection", "error", err)
			return err
		}
	case StateClosed:
		return &NotConnectedError{State: st}
	}

	if st := s.State(); st != StateAuthenticated && st != StateSelected {
		if err := a.auth.authenticate(ctx, s, a.do); err != nil {
			s.log().Error("authentication failed", "mechanism", a.auth.Mechanism(), "error", err)
			// a repeated attempt must not tear down a session that works
			if !errors.Is(err, ErrAlreadyAuthenticated) {
				s.abort(err)
			}
			return err
		}
	}

	if !s.capsKnown() {
		if _, err := a.do(ctx, &Command{Verb: "CAPABILITY"}); err != nil {
			return fmt.Errorf("gmail capability: %w", err)
		}
	}
	s.log().Info("logged in", "user", a.auth.Identity(), "mechanism", a.auth.Mechanism())
	return nil
}

// Logout ends the session once operations already running on other
// goroutines finish. It always leaves the session closed.
func (a *Account) Logout(ctx context.Context) error {
	done, err := a.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	return a.session.Disconnect(ctx)
}

// LogoutAsync is the event-loop form of Logout. It runs after every
// operation queued before it.
func (a *Account) LogoutAsync(cb func(error)) *Op {
	return enqueue(a, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, a.session.Disconnect(ctx)
	}, func(_ struct{}, err error) {
		if cb != nil {
			cb(err)
		}
	})
}

// Close drops the connection immediately without LOGOUT. Operations in
// flight fail.
func (a *Account) Close() {
	a.session.abort(nil)
}

// Mailboxes lists every mailbox, in server order.
func (a *Account) Mailboxes(ctx context.Context) ([]*Mailbox, error) {
	if err := a.blocking(); err != nil {
		return nil, err
	}
	return a.mailboxes(ctx)
}

// MailboxesAsync is the event-loop form of Mailboxes.
func (a *Account) MailboxesAsync(cb func([]*Mailbox, error)) *Op {
	return enqueue(a, a.mailboxes, cb)
}

// Mailbox returns the mailbox with the given name, or nil if there is none.
func (a *Account) Mailbox(ctx context.Context, name string) (*Mailbox, error) {
	if err := a.blocking(); err != nil {
		return nil, err
	}
	return a.mailbox(ctx, name)
}

// MailboxAsync is the event-loop form of Mailbox.
func (a *Account) MailboxAsync(name string, cb func(*Mailbox, error)) *Op {
	return enqueue(a, func(ctx context.Context) (*Mailbox, error) {
		return a.mailbox(ctx, name)
	}, cb)
}

func (a *Account) mailbox(ctx context.Context, name string) (*Mailbox, error) {
	boxes, err := a.mailboxes(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range boxes {
		if m.Name == name {
			return m, nil
		}
	}
	return nil, nil
}

func (a *Account) mailboxes(ctx context.Context) ([]*Mailbox, error) {
	r, err := a.do(ctx, &Command{Verb: "LIST", Args: []Arg{Quote(""), Quote("*")}})
	if err != nil {
		return nil, fmt.Errorf("gmail list: %w", err)
	}
	boxes := make([]*Mailbox, 0)
	for _, rec := range r.Records("LIST") {
		m, err := parseListRecord(rec)
		if err != nil {
			return nil, fmt.Errorf("gmail list: %w", a.checkProtocol(err))
		}
		m.account = a
		boxes = append(boxes, m)
	}
	return boxes, nil
}

// parseListRecord decodes `* LIST (\HasNoChildren) "/" "INBOX"`.
func parseListRecord(rec *Record) (*Mailbox, error) {
	if len(rec.Fields) != 3 {
		return nil, &ProtocolError{Info: "LIST response needs 3 fields", Line: rec.Raw}
	}
	if err := checkType(rec.Fields[0], "for LIST attributes", TList); err != nil {
		return nil, &ProtocolError{Info: err.Error(), Line: rec.Raw}
	}
	m := &Mailbox{}
	m.count.Store(-1)
	for _, t := range rec.Fields[0].Tokens {
		if f, ok := t.Text(); ok {
			m.Flags = append(m.Flags, f)
		}
	}
	if d, ok := rec.Fields[1].Text(); ok {
		m.Delimiter = d
	} else if rec.Fields[1].Type != TNil {
		return nil, &ProtocolError{Info: "invalid LIST delimiter", Line: rec.Raw}
	}
	wire, ok := rec.Fields[2].Text()
	if !ok {
		return nil, &ProtocolError{Info: "invalid LIST mailbox name", Line: rec.Raw}
	}
	m.wire = wire
	name, err := decodeMailboxName(wire)
	if err != nil {
		return nil, &ProtocolError{Info: err.Error(), Line: rec.Raw}
	}
	m.Name = name
	return m, nil
}

func decodeMailboxName(s string) (string, error) {
	name, err := utf7.Encoding.NewDecoder().String(s)
	if err != nil {
		return "", fmt.Errorf("mailbox name %q: %w", s, err)
	}
	return name, nil
}

func encodeMailboxName(s string) string {
	wire, err := utf7.Encoding.NewEncoder().String(s)
	if err != nil {
		return s
	}
	return wire
}
