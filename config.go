package gmail

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"golang.org/x/oauth2"
	"gopkg.in/yaml.v2"
)

// Options configures an Account. The zero value of a field falls back to the
// matching package-level default.
type Options struct {
	Host string
	Port int

	// Socket opens connections. Defaults to a TLSDialer.
	Socket SocketFactory

	DialTimeout time.Duration
	// CommandTimeout bounds every blocking call. Zero means
	// DefaultCommandTimeout; blocking calls never wait forever.
	CommandTimeout time.Duration
	LogoutTimeout  time.Duration

	// RetryCount is the number of connection attempts Login retries. A
	// negative value disables retries.
	RetryCount int

	Verbose bool

	// TrashMailbox is where Delete moves messages.
	TrashMailbox string

	// Logger overrides the package logger for this Account.
	Logger Logger
}

// DefaultOptions returns Options populated from the package-level knobs.
func DefaultOptions() *Options {
	return &Options{
		Host:           DefaultHost,
		Port:           DefaultPort,
		DialTimeout:    DialTimeout,
		CommandTimeout: CommandTimeout,
		LogoutTimeout:  LogoutTimeout,
		RetryCount:     RetryCount,
		Verbose:        Verbose,
		TrashMailbox:   DefaultTrash,
	}
}

// withDefaults returns a copy of o with zero fields filled in.
func (o *Options) withDefaults() *Options {
	d := DefaultOptions()
	if o == nil {
		return d
	}
	c := *o
	if c.Host == "" {
		c.Host = d.Host
	}
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.DialTimeout == 0 {
		c.DialTimeout = d.DialTimeout
	}
	if c.CommandTimeout == 0 {
		c.CommandTimeout = d.CommandTimeout
	}
	if c.LogoutTimeout == 0 {
		c.LogoutTimeout = d.LogoutTimeout
	}
	if c.RetryCount == 0 {
		c.RetryCount = d.RetryCount
	} else if c.RetryCount < 0 {
		c.RetryCount = 0
	}
	if c.TrashMailbox == "" {
		c.TrashMailbox = d.TrashMailbox
	}
	return &c
}

// Config is the on-disk account configuration read by LoadConfig.
type Config struct {
	Username string `toml:"username" yaml:"username"`
	Password string `toml:"password" yaml:"password"`
	// Token is an OAuth 2.0 access token. When set, XOAUTH2 is used instead
	// of LOGIN.
	Token string `toml:"token" yaml:"token"`
	// RefreshToken with ClientID and ClientSecret lets XOAUTH2 mint new
	// access tokens from TokenURL, Google's endpoint by default.
	RefreshToken string `toml:"refresh_token" yaml:"refresh_token"`
	ClientID     string `toml:"client_id" yaml:"client_id"`
	ClientSecret string `toml:"client_secret" yaml:"client_secret"`
	TokenURL     string `toml:"token_url" yaml:"token_url"`

	Host  string `toml:"host" yaml:"host"`
	Port  int    `toml:"port" yaml:"port"`
	Proxy string `toml:"proxy" yaml:"proxy"`

	DialTimeout    time.Duration `toml:"dial_timeout" yaml:"dial_timeout"`
	CommandTimeout time.Duration `toml:"command_timeout" yaml:"command_timeout"`
	LogoutTimeout  time.Duration `toml:"logout_timeout" yaml:"logout_timeout"`
	RetryCount     int           `toml:"retry_count" yaml:"retry_count"`

	Verbose       bool   `toml:"verbose" yaml:"verbose"`
	TLSSkipVerify bool   `toml:"tls_skip_verify" yaml:"tls_skip_verify"`
	TrashMailbox  string `toml:"trash_mailbox" yaml:"trash_mailbox"`
}

// LoadConfig reads a TOML file, or a YAML file when path ends in .yaml or
// .yml. Unknown keys are an error.
func LoadConfig(path string) (*Config, error) {
	c := &Config{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("gmail config: %w", err)
		}
		if err := yaml.UnmarshalStrict(b, c); err != nil {
			return nil, fmt.Errorf("gmail config %s: %w", path, err)
		}
	default:
		md, err := toml.DecodeFile(path, c)
		if err != nil {
			return nil, fmt.Errorf("gmail config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			sort.Strings(keys)
			return nil, fmt.Errorf("gmail config %s: unknown keys %s", path, strings.Join(keys, ", "))
		}
	}
	return c, nil
}

// Options converts the configuration into Account options.
func (c *Config) Options() *Options {
	o := &Options{
		Host:           c.Host,
		Port:           c.Port,
		DialTimeout:    c.DialTimeout,
		CommandTimeout: c.CommandTimeout,
		LogoutTimeout:  c.LogoutTimeout,
		RetryCount:     c.RetryCount,
		Verbose:        c.Verbose,
		TrashMailbox:   c.TrashMailbox,
	}
	if c.Proxy != "" || c.TLSSkipVerify {
		o.Socket = &TLSDialer{
			Timeout:    c.DialTimeout,
			SkipVerify: c.TLSSkipVerify,
			Proxy:      c.Proxy,
		}
	}
	return o.withDefaults()
}

// Auth returns the authentication strategy the configuration describes.
func (c *Config) Auth() (Auth, error) {
	switch {
	case c.Username == "":
		return nil, errors.New("gmail config: username is required")
	case c.RefreshToken != "":
		if c.ClientID == "" {
			return nil, errors.New("gmail config: client_id is required with refresh_token")
		}
		tokenURL := c.TokenURL
		if tokenURL == "" {
			tokenURL = GoogleTokenURL
		}
		cfg := &oauth2.Config{
			ClientID:     c.ClientID,
			ClientSecret: c.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: tokenURL},
			Scopes:       []string{GmailScope},
		}
		tok := &oauth2.Token{AccessToken: c.Token, RefreshToken: c.RefreshToken}
		return &OAuth2Auth{Username: c.Username, Tokens: OAuth2Token(cfg, tok)}, nil
	case c.Token != "":
		return &OAuth2Auth{Username: c.Username, Tokens: StaticToken(c.Token)}, nil
	case c.Password != "":
		return &PasswordAuth{Username: c.Username, Password: c.Password}, nil
	}
	return nil, errors.New("gmail config: either password or token is required")
}
