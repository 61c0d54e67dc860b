package gmail

import (
	"bufio"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

const (
	mockCaps     = "IMAP4rev1 UNSELECT ID CHILDREN X-GM-EXT-1 UIDPLUS"
	mockGreeting = "* OK Gimap ready for requests from 127.0.0.1"
	mockUser     = "someone@gmail.com"
	mockPass     = "app-password"
	mockDate     = "17-Jul-2024 02:44:25 -0700"
)

// mockMessage is one message stored by mockServer.
type mockMessage struct {
	uid    uint32
	flags  string
	labels string
	header string
}

func mockHeader(n int) string {
	return fmt.Sprintf("From: Alice Example <Alice@Example.com>\r\n"+
		"To: bob@example.com, \"Carol, C.\" <carol@example.com>\r\n"+
		"Subject: Hello %d\r\n"+
		"Date: Wed, 17 Jul 2024 02:44:25 -0700\r\n"+
		"Message-ID: <%d@example.com>\r\n\r\n", n, n)
}

func mockMessages(n int) []mockMessage {
	msgs := make([]mockMessage, n)
	for i := range msgs {
		msgs[i] = mockMessage{
			uid:    uint32(100 + i),
			flags:  `\Seen`,
			labels: `\Important "Work"`,
			header: mockHeader(i + 1),
		}
	}
	return msgs
}

// mockCmd is a command as received by mockServer.
type mockCmd struct {
	tag  string
	verb string
	args []Arg
	line string
}

// mockConn is the server end of one client connection.
type mockConn struct {
	conn     net.Conn
	r        *bufio.Reader
	selected string
}

func (c *mockConn) send(lines ...string) {
	for _, l := range lines {
		if _, err := c.conn.Write([]byte(l + nl)); err != nil {
			return
		}
	}
}

// readLine reads one command with its literals inlined. A synchronizing
// literal is answered with a continuation request before its bytes are read.
func (c *mockConn) readLine() (string, error) {
	var line []byte
	for {
		buf, err := c.r.ReadBytes('\n')
		if err != nil {
			return "", err
		}
		line = append(line, buf...)
		m := literalMarker.FindSubmatch(bytes.TrimRight(buf, "\r\n"))
		if m == nil {
			return string(dropNl(line)), nil
		}
		if !bytes.HasSuffix(m[0], []byte("+}")) {
			c.send("+ Ready for literal data")
		}
		n, _ := strconv.Atoi(string(m[1]))
		lit := make([]byte, n)
		if _, err := io.ReadFull(c.r, lit); err != nil {
			return "", err
		}
		line = append(line, lit...)
	}
}

// mockHandler answers one command. Returning false closes the connection.
type mockHandler func(c *mockConn, cmd mockCmd) bool

// mockServer is a scripted Gmail-like IMAP server reached through net.Pipe.
type mockServer struct {
	mu       sync.Mutex
	greeting string
	caps     string
	user     string
	pass     string
	token    string
	list     []string
	boxes    map[string][]mockMessage
	handlers map[string]mockHandler
	lines    []string
	blobs    []string
	dials    int
}

func newMockServer() *mockServer {
	s := &mockServer{
		greeting: mockGreeting,
		caps:     mockCaps,
		user:     mockUser,
		pass:     mockPass,
		list: []string{
			`* LIST (\HasNoChildren) "/" "INBOX"`,
			`* LIST (\HasChildren \Noselect) "/" "[Gmail]"`,
			`* LIST (\All \HasNoChildren) "/" "[Gmail]/All Mail"`,
			`* LIST (\HasNoChildren \Trash) "/" "[Gmail]/Trash"`,
			`* LIST (\HasNoChildren) "/" "Archive"`,
			`* LIST (\HasNoChildren) "/" "Stra&AN8-e"`,
		},
		boxes: map[string][]mockMessage{
			"INBOX":         mockMessages(3),
			"[Gmail]/Trash": mockMessages(1),
			"Archive":       {},
		},
	}
	s.handlers = map[string]mockHandler{
		"CAPABILITY":   s.capability,
		"LOGIN":        s.login,
		"AUTHENTICATE": s.authenticate,
		"LOGOUT":       s.logout,
		"LIST":         s.listBoxes,
		"SELECT":       s.selectBox,
		"EXAMINE":      s.selectBox,
		"STATUS":       s.status,
		"FETCH":        s.fetch,
		"UID FETCH":    s.fetch,
		"UID SEARCH":   s.search,
	}
	return s
}

// handle replaces the handler for verb.
func (s *mockServer) handle(verb string, h mockHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[verb] = h
}

func (s *mockServer) setCaps(caps string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.caps = caps
}

func (s *mockServer) capsLine() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.caps
}

// commands returns every command line received so far, without tags.
func (s *mockServer) commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

// verbs returns the verb of every command received so far.
func (s *mockServer) verbs() []string {
	var verbs []string
	for _, l := range s.commands() {
		_, verb, _, err := ParseCommand([]byte("T " + l))
		if err != nil {
			verbs = append(verbs, l)
			continue
		}
		verbs = append(verbs, strings.ToUpper(verb))
	}
	return verbs
}

func (s *mockServer) authBlobs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.blobs...)
}

func (s *mockServer) dialCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

func (s *mockServer) socket() SocketFactory {
	return SocketFactoryFunc(func(ctx context.Context, host string, port int) (net.Conn, error) {
		client, server := net.Pipe()
		s.mu.Lock()
		s.dials++
		s.mu.Unlock()
		go s.serve(server)
		return client, nil
	})
}

func (s *mockServer) options() *Options {
	return &Options{
		Host:           "imap.test",
		Port:           993,
		Socket:         s.socket(),
		RetryCount:     -1,
		CommandTimeout: 2 * time.Second,
		LogoutTimeout:  time.Second,
	}
}

// account returns a blocking account that has logged in with the mock
// credentials.
func (s *mockServer) account(t *testing.T) *Account {
	t.Helper()
	a := NewAccount(&PasswordAuth{Username: mockUser, Password: mockPass}, Blocking, s.options())
	if err := a.Login(context.Background()); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	t.Cleanup(a.Close)
	return a
}

func (s *mockServer) serve(conn net.Conn) {
	defer conn.Close()
	c := &mockConn{conn: conn, r: bufio.NewReader(conn)}
	s.mu.Lock()
	greeting := s.greeting
	s.mu.Unlock()
	if greeting != "" {
		c.send(greeting)
	}

	for {
		line, err := c.readLine()
		if err != nil {
			return
		}
		tag, verb, args, err := ParseCommand([]byte(line))
		if err != nil {
			c.send("* BAD " + err.Error())
			continue
		}
		cmd := mockCmd{tag: tag, verb: strings.ToUpper(verb), args: args, line: line}

		s.mu.Lock()
		s.lines = append(s.lines, strings.TrimPrefix(line, tag+" "))
		h := s.handlers[cmd.verb]
		s.mu.Unlock()

		if h == nil {
			h = mockOK
		}
		if !h(c, cmd) {
			return
		}
	}
}

func mockOK(c *mockConn, cmd mockCmd) bool {
	c.send(cmd.tag + " OK " + cmd.verb + " completed (Success)")
	return true
}

// mockHang never answers and closes once the client goes away.
func mockHang(c *mockConn, cmd mockCmd) bool {
	for {
		if _, err := c.readLine(); err != nil {
			return false
		}
	}
}

func mockFail(status string) mockHandler {
	return func(c *mockConn, cmd mockCmd) bool {
		c.send(cmd.tag + " " + status + " " + cmd.verb + " failed (Failure)")
		return true
	}
}

func (s *mockServer) capability(c *mockConn, cmd mockCmd) bool {
	c.send("* CAPABILITY "+s.capsLine(), cmd.tag+" OK Thats all she wrote! (Success)")
	return true
}

func (s *mockServer) login(c *mockConn, cmd mockCmd) bool {
	if len(cmd.args) == 2 && cmd.args[0].Value == s.user && cmd.args[1].Value == s.pass {
		c.send(cmd.tag + " OK [CAPABILITY " + s.capsLine() + "] " + s.user + " authenticated (Success)")
	} else {
		c.send(cmd.tag + " NO [AUTHENTICATIONFAILED] Invalid credentials (Failure)")
	}
	return true
}

func (s *mockServer) authenticate(c *mockConn, cmd mockCmd) bool {
	var blob string
	if len(cmd.args) > 1 {
		blob = cmd.args[1].Value
	} else {
		c.send("+ ")
		line, err := c.readLine()
		if err != nil {
			return false
		}
		blob = line
	}

	s.mu.Lock()
	s.blobs = append(s.blobs, blob)
	token := s.token
	s.mu.Unlock()

	raw, _ := base64.StdEncoding.DecodeString(blob)
	if token != "" && strings.Contains(string(raw), "auth=Bearer "+token+"\x01") {
		c.send(cmd.tag + " OK [CAPABILITY " + s.capsLine() + "] " + s.user + " authenticated (Success)")
		return true
	}

	c.send("+ " + base64.StdEncoding.EncodeToString([]byte(`{"status":"401","schemes":"bearer","scope":"https://mail.google.com/"}`)))
	if _, err := c.readLine(); err != nil {
		return false
	}
	c.send(cmd.tag + " NO [AUTHENTICATIONFAILED] Invalid credentials (Failure)")
	return true
}

func (s *mockServer) logout(c *mockConn, cmd mockCmd) bool {
	c.send("* BYE LOGOUT Requested", cmd.tag+" OK 73 good day (Success)")
	return false
}

func (s *mockServer) listBoxes(c *mockConn, cmd mockCmd) bool {
	s.mu.Lock()
	list := append([]string(nil), s.list...)
	s.mu.Unlock()
	c.send(list...)
	c.send(cmd.tag + " OK Success")
	return true
}

func (s *mockServer) mailbox(name string) ([]mockMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.boxes[name]
	return msgs, ok
}

func (s *mockServer) selectBox(c *mockConn, cmd mockCmd) bool {
	name := cmd.args[0].Value
	msgs, ok := s.mailbox(name)
	if !ok {
		c.selected = ""
		c.send(cmd.tag + " NO [NONEXISTENT] Unknown Mailbox: " + name + " (Failure)")
		return true
	}
	c.selected = name
	c.send(
		`* FLAGS (\Answered \Flagged \Draft \Deleted \Seen $NotPhishing $Phishing)`,
		`* OK [PERMANENTFLAGS (\Answered \Flagged \Draft \Deleted \Seen $NotPhishing $Phishing \*)] Flags permitted.`,
		`* OK [UIDVALIDITY 3] UIDs valid.`,
		fmt.Sprintf("* %d EXISTS", len(msgs)),
		`* 0 RECENT`,
		`* OK [UIDNEXT 200] Predicted next UID.`,
		cmd.tag+" OK [READ-WRITE] "+name+" selected. (Success)",
	)
	return true
}

func (s *mockServer) status(c *mockConn, cmd mockCmd) bool {
	name := cmd.args[0].Value
	msgs, ok := s.mailbox(name)
	if !ok {
		c.send(cmd.tag + " NO [NONEXISTENT] Unknown Mailbox: " + name + " (Failure)")
		return true
	}
	c.send(fmt.Sprintf("* STATUS %s (MESSAGES %d)", Quote(name), len(msgs)), cmd.tag+" OK Success")
	return true
}

func (s *mockServer) fetch(c *mockConn, cmd mockCmd) bool {
	msgs, _ := s.mailbox(c.selected)
	set := cmd.args[0].Value
	for i, m := range msgs {
		seq := uint32(i + 1)
		match := false
		if cmd.verb == "UID FETCH" {
			for _, u := range strings.Split(set, ",") {
				if n, _ := strconv.ParseUint(u, 10, 32); uint32(n) == m.uid {
					match = true
				}
			}
		} else {
			lo, hi, _ := strings.Cut(set, ":")
			if hi == "" {
				hi = lo
			}
			l, _ := strconv.ParseUint(lo, 10, 32)
			h, _ := strconv.ParseUint(hi, 10, 32)
			match = uint64(seq) >= l && uint64(seq) <= h
		}
		if match {
			c.send(mockFetchLine(seq, m))
		}
	}
	c.send(cmd.tag + " OK Success")
	return true
}

func mockFetchLine(seq uint32, m mockMessage) string {
	return fmt.Sprintf("* %d FETCH (X-GM-THRID %d X-GM-MSGID %d X-GM-LABELS (%s) UID %d FLAGS (%s) INTERNALDATE %q RFC822.SIZE %d "+
		"BODY[HEADER.FIELDS (FROM TO CC SUBJECT DATE MESSAGE-ID)] {%d}\r\n%s)",
		seq, 1000+m.uid, 2000+m.uid, m.labels, m.uid, m.flags, mockDate, 2048+m.uid, len(m.header), m.header)
}

func (s *mockServer) search(c *mockConn, cmd mockCmd) bool {
	msgs, _ := s.mailbox(c.selected)
	uids := make([]string, len(msgs))
	for i, m := range msgs {
		uids[i] = strconv.FormatUint(uint64(m.uid), 10)
	}
	c.send(strings.TrimSpace("* SEARCH "+strings.Join(uids, " ")), cmd.tag+" OK SEARCH completed (Success)")
	return true
}
