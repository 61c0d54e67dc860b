package gmail

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"

	"github.com/sqs/go-xoauth2"
)

// Auth is an authentication strategy. The set of strategies is closed:
// PasswordAuth and OAuth2Auth.
type Auth interface {
	// Identity is the account the strategy authenticates as.
	Identity() string
	// Mechanism names the IMAP mechanism used, LOGIN or XOAUTH2.
	Mechanism() string

	authenticate(ctx context.Context, s *Session, do doFunc) error
}

// doFunc runs one command through an execution mode adapter.
type doFunc func(ctx context.Context, cmd *Command) (*Response, error)

// PasswordAuth authenticates with LOGIN. Gmail only accepts it with an app
// password.
type PasswordAuth struct {
	Username string
	Password string
}

func (a *PasswordAuth) Identity() string  { return a.Username }
func (a *PasswordAuth) Mechanism() string { return "LOGIN" }

func (a *PasswordAuth) authenticate(ctx context.Context, s *Session, do doFunc) error {
	if err := s.beginAuth(); err != nil {
		return &AuthError{Mechanism: a.Mechanism(), Err: err}
	}
	// Don't retry authentication - auth failures should not trigger reconnection
	_, err := do(ctx, &Command{
		Verb:      "LOGIN",
		Args:      []Arg{Quote(a.Username), Quote(a.Password)},
		Sensitive: true,
	})
	s.endAuth(err == nil)
	if err != nil {
		return authError(a.Mechanism(), err)
	}
	return nil
}

// OAuth2Auth authenticates with the XOAUTH2 SASL mechanism using access
// tokens from Tokens.
type OAuth2Auth struct {
	Username string
	Tokens   TokenProvider
}

func (a *OAuth2Auth) Identity() string  { return a.Username }
func (a *OAuth2Auth) Mechanism() string { return "XOAUTH2" }

// authenticate runs AUTHENTICATE XOAUTH2. When the server rejects the token,
// the provider is refreshed once and the exchange repeated once.
func (a *OAuth2Auth) authenticate(ctx context.Context, s *Session, do doFunc) error {
	if err := s.beginAuth(); err != nil {
		return &AuthError{Mechanism: a.Mechanism(), Err: err}
	}
	if a.Tokens == nil {
		s.endAuth(false)
		return &AuthError{Mechanism: a.Mechanism(), Err: errors.New("no token provider")}
	}

	refreshed := false
	for {
		token, err := a.Tokens.Token(ctx)
		if err != nil {
			s.endAuth(false)
			return &AuthError{Mechanism: a.Mechanism(), Err: err}
		}

		status, err := a.exchange(ctx, s, do, token)
		if err == nil {
			s.endAuth(true)
			return nil
		}

		ae := authError(a.Mechanism(), err)
		if tokenRejected(status, ae) {
			if !refreshed {
				rerr := a.Tokens.Refresh(ctx)
				if rerr == nil {
					refreshed = true
					s.log().Info("oauth token rejected, retrying with refreshed token", "user", a.Username)
					continue
				}
				s.log().Warn("oauth token refresh failed", "user", a.Username, "error", rerr)
				ae.Err = rerr
			}
			ae.Expired = true
		}
		s.endAuth(false)
		return ae
	}
}

// exchange issues one AUTHENTICATE command. It returns the status from the
// server's JSON error challenge, if one was sent.
func (a *OAuth2Auth) exchange(ctx context.Context, s *Session, do doFunc, token string) (status string, err error) {
	blob := xoauth2.XOAuth2String(a.Username, token)
	sent := false
	cmd := &Command{
		Verb:      "AUTHENTICATE",
		Args:      []Arg{Atom(a.Mechanism())},
		Sensitive: true,
		Continue: func(challenge string) ([]byte, error) {
			if !sent {
				sent = true
				return []byte(blob), nil
			}
			// the second challenge is an error document; an empty reply lets
			// the server finish with NO
			status = xoauth2Status(challenge)
			return []byte{}, nil
		},
	}
	if s.HasCapability("SASL-IR") {
		cmd.Args = append(cmd.Args, Atom(blob))
		sent = true
	}
	_, err = do(ctx, cmd)
	return status, err
}

// xoauth2Error is the JSON document Gmail sends as a challenge when it
// rejects an XOAUTH2 token.
type xoauth2Error struct {
	Status  string `json:"status"`
	Schemes string `json:"schemes"`
	Scope   string `json:"scope"`
}

func xoauth2Status(challenge string) string {
	raw, err := base64.StdEncoding.DecodeString(challenge)
	if err != nil {
		return ""
	}
	var doc xoauth2Error
	if err := json.Unmarshal(raw, &doc); err != nil {
		return ""
	}
	return doc.Status
}

func tokenRejected(status string, ae *AuthError) bool {
	if ae.Status == "" {
		return false
	}
	if status != "" {
		return status == "401"
	}
	return ae.Code == "AUTHENTICATIONFAILED"
}

// authError converts a failed authentication command into an AuthError.
func authError(mechanism string, err error) *AuthError {
	var ce *CommandError
	if errors.As(err, &ce) {
		return &AuthError{Mechanism: mechanism, Status: ce.Status, Code: ce.Code, Text: ce.Text, Err: err}
	}
	return &AuthError{Mechanism: mechanism, Err: err}
}
