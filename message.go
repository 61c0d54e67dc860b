package gmail

import (
	"errors"
	"fmt"
	"math"
	"net/mail"
	"sort"
	"strings"
	"time"

	"github.com/davecgh/go-spew/spew"
	humanize "github.com/dustin/go-humanize"
	"github.com/jhillyerd/enmime/v2"
)

// Addresses maps lower-cased email addresses to display names
type Addresses map[string]string

// String returns a formatted string representation of Addresses, sorted by
// address
func (a Addresses) String() string {
	keys := make([]string, 0, len(a))
	for k := range a {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	emails := strings.Builder{}
	for i, e := range keys {
		if i != 0 {
			emails.WriteString(", ")
		}
		n := a[e]
		switch {
		case n == "":
			emails.WriteString(e)
		case strings.ContainsRune(n, ','):
			emails.WriteString(fmt.Sprintf(`"%s" <%s>`, AddSlashes.Replace(n), e))
		default:
			emails.WriteString(fmt.Sprintf(`%s <%s>`, n, e))
		}
	}
	return emails.String()
}

// Message is a snapshot of one message's headers, flags and Gmail metadata.
// It is never updated; fetch again to observe server-side changes.
type Message struct {
	SeqNum    uint32
	UID       uint32
	Subject   string
	From      Addresses
	To        Addresses
	CC        Addresses
	Date      time.Time // Date header
	Received  time.Time // INTERNALDATE
	Flags     []string
	Size      uint64
	MessageID string

	GmailID  uint64 // X-GM-MSGID
	ThreadID uint64 // X-GM-THRID
	Labels   []string

	Mailbox string
}

// IsRead reports whether the message has the \Seen flag.
func (m *Message) IsRead() bool {
	return m.HasFlag(`\Seen`)
}

// HasFlag reports whether the message carries flag, ignoring case.
func (m *Message) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// HasLabel reports whether the message carries the Gmail label.
func (m *Message) HasLabel(label string) bool {
	for _, l := range m.Labels {
		if strings.EqualFold(l, label) {
			return true
		}
	}
	return false
}

// String returns a formatted string representation of a Message
func (m Message) String() string {
	b := strings.Builder{}
	b.WriteString(fmt.Sprintf("UID: %d\n", m.UID))
	b.WriteString(fmt.Sprintf("Subject: %s\n", m.Subject))
	if len(m.From) != 0 {
		b.WriteString(fmt.Sprintf("From: %s\n", m.From))
	}
	if len(m.To) != 0 {
		b.WriteString(fmt.Sprintf("To: %s\n", m.To))
	}
	if len(m.CC) != 0 {
		b.WriteString(fmt.Sprintf("CC: %s\n", m.CC))
	}
	if !m.Date.IsZero() {
		b.WriteString(fmt.Sprintf("Date: %s (%s)\n", m.Date.Format(time.RFC1123Z), humanize.Time(m.Date)))
	}
	if len(m.Flags) != 0 {
		b.WriteString(fmt.Sprintf("Flags: %s\n", strings.Join(m.Flags, " ")))
	}
	if len(m.Labels) != 0 {
		b.WriteString(fmt.Sprintf("Labels: %s\n", strings.Join(m.Labels, ", ")))
	}
	b.WriteString(fmt.Sprintf("Size: %s\n", humanize.Bytes(m.Size)))
	return b.String()
}

// errHeaders marks header blocks that could not be parsed. Unlike malformed
// FETCH syntax it does not close the session.
var errHeaders = errors.New("unparsable message headers")

// headerFields are the headers fetched for every message.
var headerFields = []string{"FROM", "TO", "CC", "SUBJECT", "DATE", "MESSAGE-ID"}

// fetchItems returns the FETCH item list. Gmail attributes are only asked
// for when the server supports them.
func fetchItems(gmail bool) Arg {
	items := []string{"UID", "FLAGS", "INTERNALDATE", "RFC822.SIZE"}
	if gmail {
		items = append(items, "X-GM-MSGID", "X-GM-THRID", "X-GM-LABELS")
	}
	items = append(items, "BODY.PEEK[HEADER.FIELDS ("+strings.Join(headerFields, " ")+")]")
	return Atoms(items...)
}

// parseFetchRecord decodes one untagged FETCH response. It returns nil, nil
// for FETCH data that carries no headers, such as unsolicited flag updates.
func parseFetchRecord(rec *Record, mailbox string, log Logger) (*Message, error) {
	if len(rec.Fields) != 1 {
		return nil, &ProtocolError{Info: "FETCH response needs one list", Line: rec.Raw}
	}
	if err := checkType(rec.Fields[0], "for FETCH data", TList); err != nil {
		return nil, &ProtocolError{Info: err.Error(), Line: rec.Raw}
	}
	tks := rec.Fields[0].Tokens
	if len(tks)%2 != 0 {
		return nil, &ProtocolError{Info: "odd number of FETCH items", Line: rec.Raw}
	}

	m := &Message{SeqNum: rec.Num, Mailbox: mailbox}
	sawHeader := false
	for i := 0; i < len(tks); i += 2 {
		if err := checkType(tks[i], "for FETCH item name", TAtom); err != nil {
			return nil, &ProtocolError{Info: err.Error(), Line: rec.Raw}
		}
		if err := m.setItem(strings.ToUpper(tks[i].Str), tks[i+1], log); err != nil {
			if errors.Is(err, errHeaders) {
				return nil, err
			}
			return nil, &ProtocolError{Info: err.Error(), Line: rec.Raw}
		}
		if strings.HasPrefix(strings.ToUpper(tks[i].Str), "BODY[") {
			sawHeader = true
		}
	}
	if !sawHeader {
		return nil, nil
	}
	if m.UID == 0 {
		return nil, &ProtocolError{Info: "FETCH response without UID", Line: rec.Raw}
	}
	return m, nil
}

func (m *Message) setItem(name string, t *Token, log Logger) (err error) {
	switch {
	case name == "UID":
		if err = checkType(t, "after UID", TNumber); err != nil {
			return err
		}
		if t.Num > math.MaxUint32 {
			return fmt.Errorf("UID %d out of range", t.Num)
		}
		m.UID = uint32(t.Num)
	case name == "FLAGS":
		if err = checkType(t, "after FLAGS", TList); err != nil {
			return err
		}
		m.Flags = make([]string, len(t.Tokens))
		for i, f := range t.Tokens {
			if err = checkType(f, fmt.Sprintf("for FLAGS[%d]", i), TAtom); err != nil {
				return err
			}
			m.Flags[i] = f.Str
		}
	case name == "INTERNALDATE":
		if err = checkType(t, "after INTERNALDATE", TQuoted); err != nil {
			return err
		}
		m.Received, err = time.Parse(TimeFormat, t.Str)
		if err != nil {
			return err
		}
		m.Received = m.Received.UTC()
	case name == "RFC822.SIZE":
		if err = checkType(t, "after RFC822.SIZE", TNumber); err != nil {
			return err
		}
		m.Size = t.Num
	case name == "X-GM-MSGID":
		if err = checkType(t, "after X-GM-MSGID", TNumber); err != nil {
			return err
		}
		m.GmailID = t.Num
	case name == "X-GM-THRID":
		if err = checkType(t, "after X-GM-THRID", TNumber); err != nil {
			return err
		}
		m.ThreadID = t.Num
	case name == "X-GM-LABELS":
		if err = checkType(t, "after X-GM-LABELS", TList); err != nil {
			return err
		}
		m.Labels = make([]string, 0, len(t.Tokens))
		for _, l := range t.Tokens {
			s, ok := l.Text()
			if !ok {
				return fmt.Errorf("expected label, got %v", l)
			}
			if s, err = decodeMailboxName(s); err != nil {
				return err
			}
			m.Labels = append(m.Labels, s)
		}
	case strings.HasPrefix(name, "BODY["):
		if err = checkType(t, "after "+name, TLiteral, TQuoted, TNil); err != nil {
			return err
		}
		return m.setHeaders(t.Str, log)
	}
	return nil
}

// setHeaders fills the header-derived fields from a raw header block.
func (m *Message) setHeaders(raw string, log Logger) error {
	if raw == "" {
		return nil
	}
	env, err := enmime.ReadEnvelope(strings.NewReader(raw))
	if err != nil {
		if Verbose {
			log.Debug("message headers could not be parsed", "uid", m.UID, "error", err, "raw", spew.Sdump(raw))
		}
		return fmt.Errorf("%w of message %d: %v", errHeaders, m.SeqNum, err)
	}

	m.Subject = env.GetHeader("Subject")
	m.MessageID = strings.TrimSpace(env.GetHeader("Message-ID"))
	if d := env.GetHeader("Date"); d != "" {
		if m.Date, err = mail.ParseDate(d); err != nil {
			log.Warn("unparsable Date header", "uid", m.UID, "date", d, "error", err)
			m.Date = time.Time{}
		}
	}

	for _, a := range []struct {
		dest   *Addresses
		header string
	}{
		{&m.From, "From"},
		{&m.To, "To"},
		{&m.CC, "Cc"},
	} {
		alist, _ := env.AddressList(a.header)
		(*a.dest) = make(Addresses, len(alist))
		for _, addr := range alist {
			(*a.dest)[strings.ToLower(addr.Address)] = addr.Name
		}
	}
	return nil
}
