package gmail

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"

	humanize "github.com/dustin/go-humanize"
)

// Mailbox is one mailbox (Gmail label) of an Account. Its fields are a
// snapshot from LIST; the cached count is advisory and goes stale after any
// mutation.
type Mailbox struct {
	Name      string
	Delimiter string
	Flags     []string

	wire    string // modified UTF-7 name
	count   atomic.Int64
	account *Account
}

// HasFlag reports whether LIST returned the attribute, e.g. \Noselect.
func (m *Mailbox) HasFlag(flag string) bool {
	for _, f := range m.Flags {
		if strings.EqualFold(f, flag) {
			return true
		}
	}
	return false
}

// Selectable reports whether the mailbox can hold messages.
func (m *Mailbox) Selectable() bool {
	return !m.HasFlag(`\Noselect`) && !m.HasFlag(`\NonExistent`)
}

// CachedCount returns the message count seen by the last Count, Messages or
// select, and whether one was seen at all.
func (m *Mailbox) CachedCount() (int, bool) {
	n := m.count.Load()
	return int(n), n >= 0
}

func (m *Mailbox) String() string {
	if n, ok := m.CachedCount(); ok {
		return fmt.Sprintf("%s (%s messages)", m.Name, humanize.Comma(int64(n)))
	}
	return m.Name
}

func (m *Mailbox) log() Logger {
	return sessionLogger(m.account.opts.Logger, m.account.session.ID(), m.Name)
}

// Range selects messages by sequence number, 1-based and inclusive. A zero
// Stop means the last message.
type Range struct {
	Start uint32
	Stop  uint32
}

// All is the range of every message.
var All = Range{Start: 1}

// clamp limits r to a mailbox of total messages. ok is false when nothing is
// left.
func (r Range) clamp(total uint32) (start, stop uint32, ok bool) {
	start, stop = r.Start, r.Stop
	if start == 0 {
		start = 1
	}
	if stop == 0 || stop > total {
		stop = total
	}
	if total == 0 || start > stop {
		return 0, 0, false
	}
	return start, stop, true
}

// Count returns the number of messages using STATUS, without selecting the
// mailbox.
func (m *Mailbox) Count(ctx context.Context) (int, error) {
	if err := m.account.blocking(); err != nil {
		return 0, err
	}
	return m.countMessages(ctx)
}

// CountAsync is the event-loop form of Count.
func (m *Mailbox) CountAsync(cb func(int, error)) *Op {
	return enqueue(m.account, m.countMessages, cb)
}

func (m *Mailbox) countMessages(ctx context.Context) (int, error) {
	r, err := m.account.do(ctx, &Command{Verb: "STATUS", Args: []Arg{Quote(m.wire), Atoms("MESSAGES")}})
	if err != nil {
		return 0, fmt.Errorf("gmail status %s: %w", m.Name, err)
	}
	for _, rec := range r.Records("STATUS") {
		if len(rec.Fields) != 2 || rec.Fields[1].Type != TList {
			return 0, m.account.checkProtocol(&ProtocolError{Info: "malformed STATUS response", Line: rec.Raw})
		}
		items := rec.Fields[1].Tokens
		for i := 0; i+1 < len(items); i += 2 {
			if strings.EqualFold(items[i].Str, "MESSAGES") {
				if err := checkType(items[i+1], "after MESSAGES", TNumber); err != nil {
					return 0, m.account.checkProtocol(&ProtocolError{Info: err.Error(), Line: rec.Raw})
				}
				m.count.Store(int64(items[i+1].Num))
				return int(items[i+1].Num), nil
			}
		}
	}
	return 0, fmt.Errorf("gmail status %s: no MESSAGES in response", m.Name)
}

// ensureSelected selects the mailbox unless the session already has it
// selected, and returns its message count.
func (m *Mailbox) ensureSelected(ctx context.Context) (uint32, error) {
	s := m.account.session
	if s.State() == StateSelected && s.Selected() == m.wire {
		return s.Exists(), nil
	}
	if !m.Selectable() {
		return 0, fmt.Errorf("gmail select %s: mailbox is not selectable", m.Name)
	}
	r, err := m.account.do(ctx, &Command{Verb: "SELECT", Args: []Arg{Quote(m.wire)}})
	if err != nil {
		return 0, fmt.Errorf("gmail select %s: %w", m.Name, err)
	}
	var exists uint32
	for _, rec := range r.Records("EXISTS") {
		exists = rec.Num
	}
	m.count.Store(int64(exists))
	m.log().Debug("mailbox selected", "exists", exists)
	return exists, nil
}

// Messages fetches the messages in r, ordered by sequence number, and the
// total number of messages in the mailbox. The range is clamped to the
// mailbox; an empty mailbox yields no messages and no error.
func (m *Mailbox) Messages(ctx context.Context, r Range) ([]*Message, int, error) {
	done, err := m.account.begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer done()
	return m.messages(ctx, r)
}

type messagePage struct {
	msgs  []*Message
	total int
}

// MessagesAsync is the event-loop form of Messages.
func (m *Mailbox) MessagesAsync(r Range, cb func([]*Message, int, error)) *Op {
	return enqueue(m.account, func(ctx context.Context) (messagePage, error) {
		msgs, total, err := m.messages(ctx, r)
		return messagePage{msgs, total}, err
	}, func(p messagePage, err error) {
		if cb != nil {
			cb(p.msgs, p.total, err)
		}
	})
}

func (m *Mailbox) messages(ctx context.Context, r Range) ([]*Message, int, error) {
	exists, err := m.ensureSelected(ctx)
	if err != nil {
		return nil, 0, err
	}
	start, stop, ok := r.clamp(exists)
	if !ok {
		return []*Message{}, int(exists), nil
	}
	set := strconv.FormatUint(uint64(start), 10) + ":" + strconv.FormatUint(uint64(stop), 10)
	msgs, err := m.fetch(ctx, "FETCH", set)
	if err != nil {
		return nil, 0, err
	}
	return msgs, int(exists), nil
}

// Page returns up to limit messages starting offset messages into the
// mailbox, oldest first, with the total count. A limit of zero or less
// returns everything after offset.
func (m *Mailbox) Page(ctx context.Context, limit, offset int) ([]*Message, int, error) {
	done, err := m.account.begin(ctx)
	if err != nil {
		return nil, 0, err
	}
	defer done()
	return m.messages(ctx, pageRange(limit, offset))
}

// PageAsync is the event-loop form of Page.
func (m *Mailbox) PageAsync(limit, offset int, cb func([]*Message, int, error)) *Op {
	return m.MessagesAsync(pageRange(limit, offset), cb)
}

func pageRange(limit, offset int) Range {
	if offset < 0 {
		offset = 0
	}
	if uint64(offset) >= math.MaxUint32 {
		// past the end of any mailbox
		return Range{Start: math.MaxUint32, Stop: math.MaxUint32}
	}
	r := Range{Start: uint32(offset) + 1}
	if limit > 0 {
		if end := uint64(offset) + uint64(limit); end < math.MaxUint32 {
			r.Stop = uint32(end)
		}
	}
	return r
}

// Fetch returns the messages with the given UIDs, ordered by sequence
// number. UIDs that no longer exist are absent from the result.
func (m *Mailbox) Fetch(ctx context.Context, uids ...uint32) ([]*Message, error) {
	done, err := m.account.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return m.fetchUIDs(ctx, uids)
}

// FetchAsync is the event-loop form of Fetch.
func (m *Mailbox) FetchAsync(uids []uint32, cb func([]*Message, error)) *Op {
	return enqueue(m.account, func(ctx context.Context) ([]*Message, error) {
		return m.fetchUIDs(ctx, uids)
	}, cb)
}

func (m *Mailbox) fetchUIDs(ctx context.Context, uids []uint32) ([]*Message, error) {
	if len(uids) == 0 {
		return []*Message{}, nil
	}
	if _, err := m.ensureSelected(ctx); err != nil {
		return nil, err
	}
	return m.fetch(ctx, "UID FETCH", uidSet(uids...))
}

func uidSet(uids ...uint32) string {
	b := strings.Builder{}
	for i, u := range uids {
		if i != 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatUint(uint64(u), 10))
	}
	return b.String()
}

// fetch runs a FETCH and decodes every message. Any decode failure fails the
// whole call.
func (m *Mailbox) fetch(ctx context.Context, verb, set string) ([]*Message, error) {
	s := m.account.session
	r, err := m.account.do(ctx, &Command{
		Verb: verb,
		Args: []Arg{Atom(set), fetchItems(s.HasCapability("X-GM-EXT-1"))},
	})
	if err != nil {
		return nil, fmt.Errorf("gmail fetch %s: %w", m.Name, err)
	}

	log := m.log()
	msgs := make([]*Message, 0, len(r.Untagged))
	for _, rec := range r.Records("FETCH") {
		msg, err := parseFetchRecord(rec, m.Name, log)
		if err != nil {
			return nil, fmt.Errorf("gmail fetch %s: %w", m.Name, m.account.checkProtocol(err))
		}
		if msg != nil {
			msgs = append(msgs, msg)
		}
	}
	sort.SliceStable(msgs, func(i, j int) bool { return msgs[i].SeqNum < msgs[j].SeqNum })
	return msgs, nil
}

// Search returns the UIDs matching query. With Gmail's X-GM-EXT-1 the query
// uses Gmail search syntax (X-GM-RAW); otherwise it is a plain TEXT search.
func (m *Mailbox) Search(ctx context.Context, query string) ([]uint32, error) {
	done, err := m.account.begin(ctx)
	if err != nil {
		return nil, err
	}
	defer done()
	return m.search(ctx, query)
}

// SearchAsync is the event-loop form of Search.
func (m *Mailbox) SearchAsync(query string, cb func([]uint32, error)) *Op {
	return enqueue(m.account, func(ctx context.Context) ([]uint32, error) {
		return m.search(ctx, query)
	}, cb)
}

func (m *Mailbox) search(ctx context.Context, query string) ([]uint32, error) {
	if _, err := m.ensureSelected(ctx); err != nil {
		return nil, err
	}
	key := "TEXT"
	if m.account.session.HasCapability("X-GM-EXT-1") {
		key = "X-GM-RAW"
	}
	args := []Arg{Atom(key), Quote(query)}
	if !quotable(query) {
		args = append([]Arg{Atom("CHARSET"), Atom("UTF-8")}, args...)
	}
	r, err := m.account.do(ctx, &Command{Verb: "UID SEARCH", Args: args})
	if err != nil {
		return nil, fmt.Errorf("gmail search %s: %w", m.Name, err)
	}
	uids, err := parseUIDSearchResponse(r.Untagged)
	if err != nil {
		return nil, fmt.Errorf("gmail search %s: %w", m.Name, m.account.checkProtocol(&ProtocolError{Info: err.Error()}))
	}
	return uids, nil
}

// Delete moves msg to the account's trash mailbox. Inside the trash itself
// the message is expunged for good.
func (m *Mailbox) Delete(ctx context.Context, msg *Message) error {
	done, err := m.account.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	return m.delete(ctx, msg.UID)
}

// DeleteAsync is the event-loop form of Delete.
func (m *Mailbox) DeleteAsync(msg *Message, cb func(error)) *Op {
	uid := msg.UID
	return enqueue(m.account, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.delete(ctx, uid)
	}, func(_ struct{}, err error) {
		if cb != nil {
			cb(err)
		}
	})
}

func (m *Mailbox) delete(ctx context.Context, uid uint32) error {
	trash := m.account.opts.TrashMailbox
	if m.Name == trash {
		if _, err := m.ensureSelected(ctx); err != nil {
			return err
		}
		var completed []string
		if err := m.expungeUID(ctx, uid, &completed); err != nil {
			return fmt.Errorf("gmail delete uid %d: %w", uid, err)
		}
		return nil
	}
	return m.move(ctx, "delete", uid, trash)
}

// Move moves msg to the mailbox named target.
func (m *Mailbox) Move(ctx context.Context, msg *Message, target string) error {
	done, err := m.account.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	return m.move(ctx, "move", msg.UID, target)
}

// MoveAsync is the event-loop form of Move.
func (m *Mailbox) MoveAsync(msg *Message, target string, cb func(error)) *Op {
	uid := msg.UID
	return enqueue(m.account, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.move(ctx, "move", uid, target)
	}, func(_ struct{}, err error) {
		if cb != nil {
			cb(err)
		}
	})
}

// move uses UID MOVE when available. Otherwise it copies, flags the original
// \Deleted and expunges it; a failure after the copy is a PartialError since
// the message may now exist in both mailboxes.
func (m *Mailbox) move(ctx context.Context, op string, uid uint32, target string) error {
	if _, err := m.ensureSelected(ctx); err != nil {
		return err
	}
	set := Atom(strconv.FormatUint(uint64(uid), 10))
	dest := Quote(encodeMailboxName(target))
	s := m.account.session

	if s.HasCapability("MOVE") {
		if _, err := m.account.do(ctx, &Command{Verb: "UID MOVE", Args: []Arg{set, dest}}); err != nil {
			return fmt.Errorf("gmail %s uid %d: %w", op, uid, err)
		}
		m.count.Store(-1)
		return nil
	}

	if _, err := m.account.do(ctx, &Command{Verb: "UID COPY", Args: []Arg{set, dest}}); err != nil {
		return fmt.Errorf("gmail %s uid %d: %w", op, uid, err)
	}
	completed := []string{"UID COPY"}
	if err := m.expungeUID(ctx, uid, &completed); err != nil {
		m.log().Warn("partial "+op, "uid", uid, "target", target, "completed", completed, "error", err)
		return &PartialError{Op: op, UID: uid, Completed: completed, Err: err}
	}
	return nil
}

// expungeUID flags uid \Deleted and expunges it, with UID EXPUNGE when the
// server supports UIDPLUS. Each successful step is appended to completed.
func (m *Mailbox) expungeUID(ctx context.Context, uid uint32, completed *[]string) error {
	set := Atom(strconv.FormatUint(uint64(uid), 10))
	if _, err := m.account.do(ctx, &Command{
		Verb: "UID STORE",
		Args: []Arg{set, Atom("+FLAGS.SILENT"), Atoms(`\Deleted`)},
	}); err != nil {
		return err
	}
	*completed = append(*completed, "UID STORE")

	cmd := &Command{Verb: "EXPUNGE"}
	if m.account.session.HasCapability("UIDPLUS") {
		cmd = &Command{Verb: "UID EXPUNGE", Args: []Arg{set}}
	}
	if _, err := m.account.do(ctx, cmd); err != nil {
		return err
	}
	*completed = append(*completed, cmd.Verb)
	m.count.Store(-1)
	return nil
}

// SetFlags applies a flag and label change to msg. Flags and Gmail labels
// are stored with separate commands.
func (m *Mailbox) SetFlags(ctx context.Context, msg *Message, flags Flags) error {
	done, err := m.account.begin(ctx)
	if err != nil {
		return err
	}
	defer done()
	return m.setFlags(ctx, msg.UID, flags)
}

// SetFlagsAsync is the event-loop form of SetFlags.
func (m *Mailbox) SetFlagsAsync(msg *Message, flags Flags, cb func(error)) *Op {
	uid := msg.UID
	return enqueue(m.account, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, m.setFlags(ctx, uid, flags)
	}, func(_ struct{}, err error) {
		if cb != nil {
			cb(err)
		}
	})
}

// MarkSeen marks msg as read.
func (m *Mailbox) MarkSeen(ctx context.Context, msg *Message) error {
	return m.SetFlags(ctx, msg, Flags{Seen: FlagAdd})
}

// MarkSeenAsync is the event-loop form of MarkSeen.
func (m *Mailbox) MarkSeenAsync(msg *Message, cb func(error)) *Op {
	return m.SetFlagsAsync(msg, Flags{Seen: FlagAdd}, cb)
}

func (m *Mailbox) setFlags(ctx context.Context, uid uint32, flags Flags) error {
	c := flags.changes()
	if c.empty() {
		return nil
	}
	if len(c.addLabels)+len(c.removeLabels) > 0 && !m.account.session.HasCapability("X-GM-EXT-1") {
		return errors.New("gmail store: server does not support Gmail labels")
	}
	if _, err := m.ensureSelected(ctx); err != nil {
		return err
	}

	set := Atom(strconv.FormatUint(uint64(uid), 10))
	stores := []struct {
		item   string
		values []string
		labels bool
	}{
		{"+FLAGS.SILENT", c.addFlags, false},
		{"-FLAGS.SILENT", c.removeFlags, false},
		{"+X-GM-LABELS.SILENT", c.addLabels, true},
		{"-X-GM-LABELS.SILENT", c.removeLabels, true},
	}
	for _, st := range stores {
		if len(st.values) == 0 {
			continue
		}
		var list Arg
		if st.labels {
			l := make([]Arg, len(st.values))
			for i, v := range st.values {
				l[i] = labelArg(v)
			}
			list = List(l...)
		} else {
			list = Atoms(st.values...)
		}
		if _, err := m.account.do(ctx, &Command{Verb: "UID STORE", Args: []Arg{set, Atom(st.item), list}}); err != nil {
			return fmt.Errorf("gmail store uid %d %s: %w", uid, st.item, err)
		}
	}
	return nil
}

// labelArg sends system labels such as \Important as atoms and user labels
// as quoted strings.
func labelArg(label string) Arg {
	if strings.HasPrefix(label, `\`) && validAtom(label) == nil {
		return Atom(label)
	}
	return Quote(encodeMailboxName(label))
}
