package gmail

import (
	"strings"
	"time"
)

// String replacers for escaping/unescaping quoted strings
var (
	AddSlashes    = strings.NewReplacer(`\`, `\\`, `"`, `\"`)
	RemoveSlashes = strings.NewReplacer(`\\`, `\`, `\"`, `"`)
)

// Verbose outputs every command and its response with the IMAP server
var Verbose = false

// SkipResponses skips printing server responses in verbose mode
var SkipResponses = false

// RetryCount is the number of times connection establishment is retried
// before Login gives up. Authentication itself is never retried.
var RetryCount = 3

// DefaultCommandTimeout is the timeout used by the blocking adapter when
// CommandTimeout is zero.
const DefaultCommandTimeout = 60 * time.Second

// DialTimeout defines how long to wait when establishing a new connection,
// including reading the server greeting. Zero means no timeout.
var DialTimeout = 30 * time.Second

// CommandTimeout defines how long a blocking call waits for the tagged
// completion of a command. Zero means DefaultCommandTimeout; blocking calls
// never wait indefinitely.
var CommandTimeout time.Duration

// LogoutTimeout bounds the best-effort LOGOUT sent by Disconnect.
var LogoutTimeout = 5 * time.Second

// MaxLiteralSize is the largest server literal the session accepts.
var MaxLiteralSize = 64 << 20

// TLSSkipVerify disables certificate verification when establishing new
// connections. Use with caution; skipping verification exposes the
// connection to man-in-the-middle attacks.
var TLSSkipVerify bool

// Gmail defaults
const (
	DefaultHost  = "imap.gmail.com"
	DefaultPort  = 993
	DefaultTrash = "[Gmail]/Trash"

	// GoogleTokenURL is Google's OAuth 2.0 token endpoint.
	GoogleTokenURL = "https://oauth2.googleapis.com/token"
	// GmailScope is the OAuth 2.0 scope IMAP access requires.
	GmailScope = "https://mail.google.com/"
)
