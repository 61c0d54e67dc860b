package gmail

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Limit for the maximum number of characters to print in messages containing
// raw command/response lines.
const rawLimit = 1024

// Sentinel errors
var (
	// ErrCanceled is delivered to the callback of an event-loop operation
	// that was cancelled before it was dispatched.
	ErrCanceled = errors.New("gmail: operation canceled")

	// ErrModeMismatch is returned when a blocking method is called on an
	// event-loop Account, or an Async method on a blocking one.
	ErrModeMismatch = errors.New("gmail: method not available in this execution mode")

	// ErrTokenNotRefreshable is returned by token providers that cannot
	// obtain a new access token.
	ErrTokenNotRefreshable = errors.New("gmail: token provider cannot refresh")

	// ErrAlreadyAuthenticated is wrapped by AuthError when a strategy is run
	// a second time against the same session.
	ErrAlreadyAuthenticated = errors.New("gmail: session already authenticated")
)

// ConnectError reports a failure to open the socket or an unacceptable
// server greeting. The session is left Disconnected.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("gmail connect %s: %s", e.Addr, e.Err)
}

func (e *ConnectError) Unwrap() error { return e.Err }

// AuthError reports rejected credentials or an exhausted OAuth token.
type AuthError struct {
	Mechanism string
	Status    Status
	Code      string
	Text      string
	// Expired is set when the server indicated the OAuth token was invalid
	// and refreshing it did not help.
	Expired bool
	Err     error
}

func (e *AuthError) Error() string {
	var b strings.Builder
	b.WriteString("gmail auth ")
	b.WriteString(e.Mechanism)
	b.WriteString(": ")
	switch {
	case e.Status != "":
		b.WriteString(string(e.Status))
		if e.Code != "" {
			b.WriteString(" [" + e.Code + "]")
		}
		if e.Text != "" {
			b.WriteString(" " + e.Text)
		}
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	default:
		b.WriteString("rejected")
	}
	if e.Expired {
		b.WriteString(" (token expired)")
	}
	return b.String()
}

func (e *AuthError) Unwrap() error { return e.Err }

// ProtocolError indicates malformed data from the server, or a response the
// session cannot correlate with the command in flight. It is always fatal for
// the session.
type ProtocolError struct {
	Info string // Short message explaining the problem
	Line []byte // Full or partial response line
}

func (e *ProtocolError) Error() string {
	if e.Line == nil {
		return "gmail protocol: " + e.Info
	}
	line, ellipsis := e.Line, ""
	if len(line) > rawLimit {
		line, ellipsis = line[:rawLimit], "..."
	}
	return fmt.Sprintf("gmail protocol: %s (%+q%s)", e.Info, line, ellipsis)
}

// CommandError is a NO or BAD completion for a well-formed command. The
// session stays usable.
type CommandError struct {
	Verb   string
	Status Status
	Code   string
	Text   string
}

func (e *CommandError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gmail %s: %s [%s] %s", e.Verb, e.Status, e.Code, e.Text)
	}
	return fmt.Sprintf("gmail %s: %s %s", e.Verb, e.Status, e.Text)
}

// TimeoutError is returned when a command did not complete in time. The
// session is forced to Disconnected because the server-side effect of the
// command is unknown.
type TimeoutError struct {
	Verb  string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	if e.After > 0 {
		return fmt.Sprintf("gmail %s: timed out after %s", e.Verb, e.After)
	}
	return fmt.Sprintf("gmail %s: timed out", e.Verb)
}

// Timeout lets callers treat TimeoutError like a net.Error.
func (e *TimeoutError) Timeout() bool { return true }

// NotConnectedError is returned for commands issued on a session that is not
// connected, including one that was torn down by an earlier fatal error.
type NotConnectedError struct {
	State State
	Cause error
}

func (e *NotConnectedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("gmail: session not connected (%s): %s", e.State, e.Cause)
	}
	return fmt.Sprintf("gmail: session not connected (%s)", e.State)
}

func (e *NotConnectedError) Unwrap() error { return e.Cause }

// PartialError reports a multi-command mutation that stopped halfway. The
// message may exist in both the source and the destination mailbox; callers
// must re-query to learn the final state.
type PartialError struct {
	Op        string
	UID       uint32
	Completed []string
	Err       error
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("gmail %s uid %d: partial failure after %s: %s",
		e.Op, e.UID, strings.Join(e.Completed, ", "), e.Err)
}

func (e *PartialError) Unwrap() error { return e.Err }
