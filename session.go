package gmail

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/xid"
)

// Command is one IMAP command submitted to a Session.
type Command struct {
	Verb string
	Args []Arg

	// Continue is called for every continuation request the server sends
	// while the command is in flight. The returned bytes are sent followed by
	// CRLF. Returning an error cancels the exchange with "*" and the command
	// completes with that error.
	Continue func(challenge string) ([]byte, error)

	// Sensitive hides the arguments from verbose logs.
	Sensitive bool
}

func (c *Command) logLine(tag string) string {
	if c.Sensitive {
		return tag + " " + c.Verb + " ****"
	}
	b, err := EncodeCommand(tag, c.Verb, c.Args...)
	if err != nil {
		return tag + " " + c.Verb
	}
	return string(dropNl(b))
}

// Response is the result of a command that completed with OK.
type Response struct {
	Tag      string
	Status   Status
	Code     string
	Text     string
	Untagged []*Record
}

// Records returns the untagged records with the given label.
func (r *Response) Records(label string) []*Record {
	var recs []*Record
	for _, rec := range r.Untagged {
		if rec.Label == label {
			recs = append(recs, rec)
		}
	}
	return recs
}

// Pending is the future returned by Session.Submit.
type Pending struct {
	ctx  context.Context
	cmd  *Command
	done chan struct{}
	resp *Response
	err  error
}

func newPending(ctx context.Context, cmd *Command) *Pending {
	return &Pending{ctx: ctx, cmd: cmd, done: make(chan struct{})}
}

func (p *Pending) complete(resp *Response, err error) {
	p.resp, p.err = resp, err
	close(p.done)
}

// Done is closed once the command has completed.
func (p *Pending) Done() <-chan struct{} { return p.done }

// Result returns the outcome. It must only be called after Done is closed.
func (p *Pending) Result() (*Response, error) { return p.resp, p.err }

// Wait blocks until the command completes or ctx is done. Giving up on the
// wait does not cancel a command that is already on the wire.
func (p *Pending) Wait(ctx context.Context) (*Response, error) {
	select {
	case <-p.done:
		return p.resp, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Session owns one IMAP connection. Commands submitted to it are written one
// at a time, in submission order, by a dispatcher goroutine started on
// Connect.
type Session struct {
	id      string
	factory SocketFactory
	logger  Logger
	verbose bool

	dialTimeout   time.Duration
	logoutTimeout time.Duration
	maxLiteral    int

	mu        sync.Mutex
	state     State
	cause     error
	selected  string
	caps      map[string]bool
	exists    uint32
	bye       bool
	authTried bool
	queue     []*Pending
	wake      chan struct{}
	closed    chan struct{}

	// owned by the dispatcher
	conn net.Conn
	r    *bufio.Reader
	tag  uint64
}

// NewSession returns a disconnected Session. A nil opts uses DefaultOptions.
func NewSession(opts *Options) *Session {
	if opts == nil {
		opts = DefaultOptions()
	}
	s := &Session{
		id:            xid.New().String(),
		factory:       opts.Socket,
		logger:        opts.Logger,
		verbose:       opts.Verbose || Verbose,
		dialTimeout:   opts.DialTimeout,
		logoutTimeout: opts.LogoutTimeout,
		maxLiteral:    MaxLiteralSize,
		caps:          make(map[string]bool),
		wake:          make(chan struct{}, 1),
		closed:        make(chan struct{}),
	}
	if s.factory == nil {
		s.factory = &TLSDialer{Timeout: opts.DialTimeout}
	}
	return s
}

// ID identifies the session in logs.
func (s *Session) ID() string { return s.id }

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Selected returns the wire name of the selected mailbox, or "".
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Exists returns the last EXISTS count the server reported.
func (s *Session) Exists() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exists
}

// Capabilities returns the capabilities the server advertised, sorted.
func (s *Session) Capabilities() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	caps := make([]string, 0, len(s.caps))
	for c := range s.caps {
		caps = append(caps, c)
	}
	sort.Strings(caps)
	return caps
}

// HasCapability reports whether the server advertised name.
func (s *Session) HasCapability(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps[strings.ToUpper(name)]
}

func (s *Session) capsKnown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.caps) > 0
}

func (s *Session) log() Logger {
	s.mu.Lock()
	mailbox := s.selected
	s.mu.Unlock()
	return sessionLogger(s.logger, s.id, mailbox)
}

func (s *Session) debug(msg string, args ...any) {
	if !s.verbose {
		return
	}
	s.log().Debug(msg, args...)
}

// setState validates and applies a transition.
func (s *Session) setState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setStateLocked(to)
}

func (s *Session) setStateLocked(to State) error {
	if err := validateTransition(s.state, to); err != nil {
		return err
	}
	s.state = to
	if to != StateSelected {
		s.selected = ""
	}
	return nil
}

// Connect opens the socket and reads the server greeting. On failure the
// session returns to StateDisconnected and Connect may be called again.
func (s *Session) Connect(ctx context.Context, host string, port int) error {
	if err := s.setState(StateConnecting); err != nil {
		return err
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	fail := func(err error) error {
		_ = s.setState(StateDisconnected)
		s.log().Warn("connect failed", "addr", addr, "error", err)
		return &ConnectError{Addr: addr, Err: err}
	}

	s.debug("establishing connection", "addr", addr)
	conn, err := s.factory.Open(ctx, host, port)
	if err != nil {
		return fail(err)
	}

	deadline, ok := ctx.Deadline()
	if s.dialTimeout > 0 {
		if d := time.Now().Add(s.dialTimeout); !ok || d.Before(deadline) {
			deadline, ok = d, true
		}
	}
	if ok {
		_ = conn.SetReadDeadline(deadline)
	}
	r := bufio.NewReader(conn)
	line, err := readLine(r, s.maxLiteral)
	if err != nil {
		_ = conn.Close()
		return fail(fmt.Errorf("read greeting: %w", err))
	}
	s.debug("server greeting", "response", string(line))
	rec, err := Decode(line)
	if err != nil {
		_ = conn.Close()
		return fail(err)
	}
	if rec.Kind != KindUntagged || (rec.Status != StatusOK && rec.Status != StatusPREAUTH) {
		_ = conn.Close()
		return fail(fmt.Errorf("unexpected greeting %q", line))
	}
	_ = conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.conn, s.r = conn, r
	next := StateConnected
	if rec.Status == StatusPREAUTH {
		next = StateAuthenticated
	}
	err = s.setStateLocked(next)
	s.mu.Unlock()
	if err != nil {
		_ = conn.Close()
		return err
	}
	s.observeCode(rec.Code)

	go s.run()
	s.log().Info("connected", "addr", addr, "state", next)
	return nil
}

// Submit queues cmd and returns immediately. The returned Pending completes
// after the server's tagged completion for the command, or with an error.
// ctx bounds the command once it is dispatched; cancelling a dispatched
// command closes the session.
func (s *Session) Submit(ctx context.Context, cmd *Command) *Pending {
	p := newPending(ctx, cmd)
	s.mu.Lock()
	if !s.state.Connected() {
		err := &NotConnectedError{State: s.state, Cause: s.cause}
		s.mu.Unlock()
		p.complete(nil, err)
		return p
	}
	s.queue = append(s.queue, p)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return p
}

// Execute submits cmd and waits for its completion.
func (s *Session) Execute(ctx context.Context, cmd *Command) (*Response, error) {
	p := s.Submit(ctx, cmd)
	<-p.Done()
	return p.Result()
}

// Disconnect sends a best-effort LOGOUT and closes the socket. The session
// always ends in StateClosed. Calling it again is a no-op.
func (s *Session) Disconnect(ctx context.Context) error {
	if s.State().Connected() {
		if s.logoutTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.logoutTimeout)
			defer cancel()
		}
		p := s.Submit(ctx, &Command{Verb: "LOGOUT"})
		select {
		case <-p.Done():
			if _, err := p.Result(); err != nil {
				s.debug("logout failed", "error", err)
			}
		case <-ctx.Done():
			s.debug("logout timed out")
		}
	}
	s.abort(nil)
	return nil
}

// abort moves the session to its final state and closes the socket.
func (s *Session) abort(cause error) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	s.selected = ""
	s.cause = cause
	conn := s.conn
	close(s.closed)
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if cause != nil {
		s.log().Error("session closed", "error", cause)
	} else {
		s.log().Info("session closed")
	}
}

// beginAuth moves a connected session to StateAuthenticating. It succeeds
// once per session.
func (s *Session) beginAuth() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.authTried || s.state == StateAuthenticated || s.state == StateSelected {
		return ErrAlreadyAuthenticated
	}
	if !s.state.Connected() {
		return &NotConnectedError{State: s.state, Cause: s.cause}
	}
	s.authTried = true
	return s.setStateLocked(StateAuthenticating)
}

func (s *Session) endAuth(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAuthenticating {
		return
	}
	if ok {
		_ = s.setStateLocked(StateAuthenticated)
	} else {
		_ = s.setStateLocked(StateConnected)
	}
}

func (s *Session) run() {
	defer s.drain()
	for {
		p := s.dequeue()
		if p == nil {
			return
		}
		s.dispatch(p)
	}
}

func (s *Session) dequeue() *Pending {
	for {
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return nil
		}
		if len(s.queue) > 0 {
			p := s.queue[0]
			s.queue[0] = nil
			s.queue = s.queue[1:]
			s.mu.Unlock()
			return p
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.closed:
		}
	}
}

// drain fails every command still queued after the session closed.
func (s *Session) drain() {
	s.mu.Lock()
	q := s.queue
	s.queue = nil
	err := &NotConnectedError{State: s.state, Cause: s.cause}
	s.mu.Unlock()
	for _, p := range q {
		p.complete(nil, err)
	}
}

func (s *Session) dispatch(p *Pending) {
	if err := p.ctx.Err(); err != nil {
		p.complete(nil, fmt.Errorf("gmail %s: %w", p.cmd.Verb, err))
		return
	}
	resp, fatal, err := s.roundTrip(p.ctx, p.cmd)
	if fatal {
		s.abort(err)
	}
	p.complete(resp, err)
}

// roundTrip writes cmd and reads until its tagged completion. fatal reports
// whether the connection can no longer be trusted.
func (s *Session) roundTrip(ctx context.Context, cmd *Command) (resp *Response, fatal bool, err error) {
	s.tag++
	tag := "A" + strconv.FormatUint(s.tag, 10)
	parts, err := encodeCommand(tag, cmd.Verb, cmd.Args, literalModeFor(s.HasCapability))
	if err != nil {
		return nil, false, err
	}

	start := time.Now()
	if dl, ok := ctx.Deadline(); ok {
		_ = s.conn.SetDeadline(dl)
	} else {
		_ = s.conn.SetDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		_ = s.conn.SetDeadline(time.Now())
	})
	defer stop()

	s.debug("sending command", "command", cmd.logLine(tag))
	if _, err := s.conn.Write(parts[0]); err != nil {
		return nil, true, s.ioError(ctx, cmd, start, err)
	}
	parts = parts[1:]

	resp = &Response{Tag: tag}
	var contErr error
	for {
		line, err := readLine(s.r, s.maxLiteral)
		if err != nil {
			var pe *ProtocolError
			if errors.As(err, &pe) {
				return nil, true, err
			}
			return nil, true, s.ioError(ctx, cmd, start, err)
		}
		if s.verbose && !SkipResponses {
			s.debug("server response", "response", string(line))
		}
		rec, err := Decode(line)
		if err != nil {
			return nil, true, err
		}

		switch rec.Kind {
		case KindContinuation:
			if len(parts) > 0 {
				// the server is ready for the next synchronizing literal
				s.debug("sending literal", "bytes", len(parts[0]))
				if _, err := s.conn.Write(parts[0]); err != nil {
					return nil, true, s.ioError(ctx, cmd, start, err)
				}
				parts = parts[1:]
				continue
			}
			if cmd.Continue == nil {
				return nil, true, &ProtocolError{Info: "unexpected continuation request for " + cmd.Verb, Line: rec.Raw}
			}
			data, herr := cmd.Continue(rec.Text)
			if herr != nil {
				contErr = herr
				data = []byte("*")
			}
			out := make([]byte, 0, len(data)+len(nl))
			out = append(append(out, data...), nl...)
			s.debug("sending continuation", "bytes", len(data))
			if _, err := s.conn.Write(out); err != nil {
				return nil, true, s.ioError(ctx, cmd, start, err)
			}
		case KindUntagged:
			s.observe(rec)
			resp.Untagged = append(resp.Untagged, rec)
		case KindTagged:
			if rec.Tag != tag {
				return nil, true, &ProtocolError{
					Info: fmt.Sprintf("completion for %s while waiting for %s", rec.Tag, tag),
					Line: rec.Raw,
				}
			}
			resp.Status, resp.Code, resp.Text = rec.Status, rec.Code, rec.Text
			s.observeCode(rec.Code)
			fatal, err := s.completed(cmd, resp)
			if contErr != nil {
				return resp, fatal, contErr
			}
			if err != nil {
				return resp, fatal, err
			}
			return resp, fatal, nil
		}
	}
}

func (s *Session) ioError(ctx context.Context, cmd *Command, start time.Time, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if errors.Is(ctx.Err(), context.Canceled) {
			return fmt.Errorf("gmail %s: %w", cmd.Verb, ctx.Err())
		}
		return &TimeoutError{Verb: cmd.Verb, After: time.Since(start).Round(time.Millisecond)}
	}
	return fmt.Errorf("gmail %s: %w", cmd.Verb, err)
}

// completed applies the state changes implied by a tagged completion.
func (s *Session) completed(cmd *Command, resp *Response) (fatal bool, err error) {
	verb := strings.ToUpper(cmd.Verb)

	s.mu.Lock()
	defer s.mu.Unlock()

	if resp.Status != StatusOK {
		// a failed SELECT leaves no mailbox selected
		if (verb == "SELECT" || verb == "EXAMINE") && s.state == StateSelected {
			err := s.setStateLocked(StateAuthenticated)
			if err != nil {
				return false, err
			}
		}
		return s.bye, &CommandError{Verb: cmd.Verb, Status: resp.Status, Code: resp.Code, Text: resp.Text}
	}

	switch verb {
	case "SELECT", "EXAMINE":
		if err := s.setStateLocked(StateSelected); err != nil {
			return false, err
		}
		if len(cmd.Args) > 0 {
			s.selected = cmd.Args[0].Value
		}
	case "CLOSE", "UNSELECT":
		if err := s.setStateLocked(StateAuthenticated); err != nil {
			return false, err
		}
	case "LOGOUT":
		return true, nil
	}
	return s.bye, nil
}

// observe records session-level facts carried by untagged data.
func (s *Session) observe(rec *Record) {
	switch {
	case rec.Status == StatusBYE:
		s.mu.Lock()
		s.bye = true
		s.mu.Unlock()
	case rec.Status != "":
		s.observeCode(rec.Code)
	case rec.Label == "CAPABILITY":
		caps := make([]string, 0, len(rec.Fields))
		for _, t := range rec.Fields {
			if c, ok := t.Text(); ok {
				caps = append(caps, c)
			}
		}
		s.setCaps(caps)
	case rec.Label == "EXISTS":
		s.mu.Lock()
		s.exists = rec.Num
		s.mu.Unlock()
	case rec.Label == "EXPUNGE":
		s.mu.Lock()
		if s.exists > 0 {
			s.exists--
		}
		s.mu.Unlock()
	}
}

func (s *Session) observeCode(code string) {
	name, args, _ := strings.Cut(code, " ")
	if strings.EqualFold(name, "CAPABILITY") {
		s.setCaps(strings.Fields(args))
	}
}

func (s *Session) setCaps(caps []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = make(map[string]bool, len(caps))
	for _, c := range caps {
		s.caps[strings.ToUpper(c)] = true
	}
}
