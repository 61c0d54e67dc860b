package gmail

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLogrusLogger(t *testing.T) {
	var buf bytes.Buffer
	l := testLogger(&buf).WithAttrs("session", "s1")
	l.Info("logged in", "user", "someone@gmail.com", slog.Int("attempt", 2))

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON log line %q: %v", buf.String(), err)
	}
	want := map[string]any{
		"msg":     "logged in",
		"level":   "info",
		"session": "s1",
		"user":    "someone@gmail.com",
		"attempt": float64(2),
	}
	for k, v := range want {
		if entry[k] != v {
			t.Errorf("entry[%q] = %v, want %v", k, entry[k], v)
		}
	}
}

func TestLogrusLoggerLevel(t *testing.T) {
	var buf bytes.Buffer
	l := logrus.New()
	l.SetOutput(&buf)
	l.SetLevel(logrus.WarnLevel)
	log := LogrusLogger(l)
	log.Debug("hidden")
	log.Info("hidden")
	log.Warn("shown")
	log.Error("shown too")
	if strings.Contains(buf.String(), "hidden") || strings.Count(buf.String(), "shown") != 2 {
		t.Errorf("unexpected output %q", buf.String())
	}
	if LogrusLogger(nil) != nil {
		t.Error("LogrusLogger(nil) != nil")
	}
}

func TestAttrFields(t *testing.T) {
	got := attrFields([]any{"a", 1, slog.String("b", "x"), 3, "dangling"})
	want := logrus.Fields{"a": 1, "b": "x", "!BADKEY": "dangling"}
	if len(got) != len(want) {
		t.Fatalf("attrFields() = %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("attrFields()[%q] = %v, want %v", k, got[k], v)
		}
	}
}

func TestSessionLogger(t *testing.T) {
	var buf bytes.Buffer
	base := SlogLogger(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))

	sessionLogger(base, "", "").Info("plain")
	sessionLogger(base, "s9", "").Info("with session")
	sessionLogger(base, "s9", "INBOX").Debug("with mailbox")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %q", buf.String())
	}
	if strings.Contains(lines[0], "session=") {
		t.Errorf("line 0 = %q", lines[0])
	}
	if !strings.Contains(lines[1], "session=s9") || strings.Contains(lines[1], "mailbox=") {
		t.Errorf("line 1 = %q", lines[1])
	}
	if !strings.Contains(lines[2], "session=s9") || !strings.Contains(lines[2], "mailbox=INBOX") {
		t.Errorf("line 2 = %q", lines[2])
	}
}

func TestSetLogger(t *testing.T) {
	var buf bytes.Buffer
	SetSlogLogger(slog.New(slog.NewTextHandler(&buf, nil)))
	t.Cleanup(func() { SetLogger(nil) })

	getLogger().Info("hello")
	if !strings.Contains(buf.String(), "component=gmail") {
		t.Errorf("unexpected output %q", buf.String())
	}
}
