package gmail

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Status is the condition carried by a tagged completion or an untagged
// status response.
type Status string

const (
	StatusOK      Status = "OK"
	StatusNO      Status = "NO"
	StatusBAD     Status = "BAD"
	StatusPREAUTH Status = "PREAUTH"
	StatusBYE     Status = "BYE"
)

func parseStatus(s string) (Status, bool) {
	switch st := Status(strings.ToUpper(s)); st {
	case StatusOK, StatusNO, StatusBAD, StatusPREAUTH, StatusBYE:
		return st, true
	}
	return "", false
}

// ArgKind selects how an Arg is written on the wire.
type ArgKind uint8

const (
	// ArgAtom is written verbatim.
	ArgAtom ArgKind = iota
	// ArgString is written as a quoted string, or as a literal when it
	// holds bytes a quoted string cannot carry.
	ArgString
	// ArgList is a parenthesized list of arguments.
	ArgList
)

// Arg is one command argument.
type Arg struct {
	Kind  ArgKind
	Value string
	List  []Arg
}

// Atom returns an argument that is sent verbatim, e.g. FLAGS, 1:*, \Seen or
// BODY.PEEK[HEADER].
func Atom(s string) Arg { return Arg{Kind: ArgAtom, Value: s} }

// Quote returns a string argument.
func Quote(s string) Arg { return Arg{Kind: ArgString, Value: s} }

// List returns a parenthesized list argument.
func List(args ...Arg) Arg { return Arg{Kind: ArgList, List: args} }

// Atoms is shorthand for a list of atoms.
func Atoms(s ...string) Arg {
	l := make([]Arg, len(s))
	for i := range s {
		l[i] = Atom(s[i])
	}
	return List(l...)
}

func (a Arg) String() string {
	e := &encoder{}
	if err := e.writeArg(a); err != nil {
		return fmt.Sprintf("<invalid %q>", a.Value)
	}
	return e.String()
}

// isTagChar reports whether c may appear in a tag or command verb.
func isTagChar(c byte) bool {
	if c <= 0x20 || c >= 0x7f {
		return false
	}
	switch c {
	case '(', ')', '{', '%', '*', '"', '\\', ']', '+':
		return false
	}
	return true
}

func validTag(tag string) error {
	if tag == "" {
		return fmt.Errorf("gmail codec: empty tag")
	}
	for i := 0; i < len(tag); i++ {
		if !isTagChar(tag[i]) {
			return fmt.Errorf("gmail codec: invalid character %q in tag %q", tag[i], tag)
		}
	}
	return nil
}

func validVerb(verb string) error {
	parts := strings.Split(verb, " ")
	if len(parts) > 2 {
		return fmt.Errorf("gmail codec: invalid verb %q", verb)
	}
	for _, p := range parts {
		if err := validTag(p); err != nil {
			return fmt.Errorf("gmail codec: invalid verb %q", verb)
		}
	}
	return nil
}

func validAtom(s string) error {
	if s == "" || s[0] == '{' {
		return fmt.Errorf("gmail codec: invalid atom %q", s)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] >= 0x7f {
			return fmt.Errorf("gmail codec: invalid character %q in atom %q", s[i], s)
		}
	}
	if _, n, err := readAtom(s); err != nil || n != len(s) {
		return fmt.Errorf("gmail codec: invalid atom %q", s)
	}
	return nil
}

func quotable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] >= 0x7f {
			return false
		}
	}
	return true
}

// literalMode selects how string literals are announced.
type literalMode uint8

const (
	// literalPlus always uses {n+} (LITERAL+).
	literalPlus literalMode = iota
	// literalSync uses {n} and waits for the server's continuation.
	literalSync
	// literalMinus uses {n+} up to maxLiteralMinus bytes and {n} beyond
	// (LITERAL-).
	literalMinus
)

const maxLiteralMinus = 4096

// literalModeFor returns the literal form a server with caps accepts.
func literalModeFor(hasCap func(string) bool) literalMode {
	switch {
	case hasCap("LITERAL+"):
		return literalPlus
	case hasCap("LITERAL-"):
		return literalMinus
	}
	return literalSync
}

// encoder builds a command line. Each synchronizing literal ends a part:
// the next part may only be sent once the server asks for it.
type encoder struct {
	bytes.Buffer
	mode  literalMode
	parts [][]byte
}

func (e *encoder) cut() {
	e.parts = append(e.parts, bytes.Clone(e.Bytes()))
	e.Reset()
}

func (e *encoder) writeArg(a Arg) error {
	switch a.Kind {
	case ArgAtom:
		if err := validAtom(a.Value); err != nil {
			return err
		}
		e.WriteString(a.Value)
	case ArgString:
		if quotable(a.Value) {
			e.WriteByte('"')
			e.WriteString(AddSlashes.Replace(a.Value))
			e.WriteByte('"')
			return nil
		}
		n := len(a.Value)
		if e.mode == literalSync || (e.mode == literalMinus && n > maxLiteralMinus) {
			e.WriteString("{" + strconv.Itoa(n) + "}" + nl)
			e.cut()
		} else {
			e.WriteString("{" + strconv.Itoa(n) + "+}" + nl)
		}
		e.WriteString(a.Value)
	case ArgList:
		e.WriteByte('(')
		for i, c := range a.List {
			if i > 0 {
				e.WriteByte(' ')
			}
			if err := e.writeArg(c); err != nil {
				return err
			}
		}
		e.WriteByte(')')
	default:
		return fmt.Errorf("gmail codec: unknown argument kind %d", a.Kind)
	}
	return nil
}

// encodeCommand serializes a command line for a server accepting mode. All
// parts but the first follow a continuation request.
func encodeCommand(tag, verb string, args []Arg, mode literalMode) ([][]byte, error) {
	if err := validTag(tag); err != nil {
		return nil, err
	}
	if err := validVerb(verb); err != nil {
		return nil, err
	}
	e := &encoder{mode: mode}
	e.WriteString(tag)
	e.WriteByte(' ')
	e.WriteString(verb)
	for _, a := range args {
		e.WriteByte(' ')
		if err := e.writeArg(a); err != nil {
			return nil, err
		}
	}
	e.WriteString(nl)
	e.cut()
	return e.parts, nil
}

// EncodeCommand serializes a command line, terminated by CRLF. Strings
// that cannot be quoted become non-synchronizing literals, the form a
// LITERAL+ server accepts in one write.
func EncodeCommand(tag, verb string, args ...Arg) ([]byte, error) {
	parts, err := encodeCommand(tag, verb, args, literalPlus)
	if err != nil {
		return nil, err
	}
	return parts[0], nil
}

// ParseCommand is the inverse of EncodeCommand. Numbers and NIL come back as
// atoms, literals as strings.
func ParseCommand(b []byte) (tag, verb string, args []Arg, err error) {
	tokens, err := tokenize(string(dropNl(b)))
	if err != nil {
		return "", "", nil, err
	}
	if len(tokens) < 2 {
		return "", "", nil, fmt.Errorf("gmail codec: short command %q", b)
	}
	var ok bool
	if tag, ok = tokens[0].Text(); !ok || tokens[0].Type == TQuoted || tokens[0].Type == TLiteral {
		return "", "", nil, fmt.Errorf("gmail codec: invalid tag in %q", b)
	}
	if err = checkType(tokens[1], "for command verb", TAtom); err != nil {
		return "", "", nil, err
	}
	verb = tokens[1].Str
	rest := tokens[2:]
	if strings.EqualFold(verb, "UID") && len(rest) > 0 && rest[0].Type == TAtom {
		verb += " " + rest[0].Str
		rest = rest[1:]
	}
	args = make([]Arg, 0, len(rest))
	for _, t := range rest {
		args = append(args, tokenArg(t))
	}
	return tag, verb, args, nil
}

func tokenArg(t *Token) Arg {
	switch t.Type {
	case TQuoted, TLiteral:
		return Quote(t.Str)
	case TList:
		l := make([]Arg, len(t.Tokens))
		for i, c := range t.Tokens {
			l[i] = tokenArg(c)
		}
		return List(l...)
	}
	return Atom(t.Str)
}

// Kind classifies a response line.
type Kind uint8

const (
	KindTagged Kind = iota + 1
	KindUntagged
	KindContinuation
)

func (k Kind) String() string {
	switch k {
	case KindTagged:
		return "tagged"
	case KindUntagged:
		return "untagged"
	case KindContinuation:
		return "continuation"
	}
	return "unknown"
}

// Record is one decoded response line.
type Record struct {
	Kind Kind
	Tag  string
	// Status is set for tagged completions and untagged status responses.
	Status Status
	// Code is the bracketed response code without brackets, e.g.
	// "CAPABILITY IMAP4rev1 X-GM-EXT-1" or "UIDVALIDITY 3".
	Code string
	Text string
	// Num is the leading number of untagged data such as "* 3 EXISTS".
	Num uint32
	// Label is the upper-cased keyword of untagged data: LIST, FETCH,
	// EXISTS, STATUS, SEARCH, CAPABILITY, FLAGS...
	Label  string
	Fields []*Token
	Raw    []byte
}

// Decode classifies one logical response line. Trailing CRLF is ignored;
// literals must already be inlined.
func Decode(line []byte) (*Record, error) {
	line = dropNl(line)
	rec := &Record{Raw: line}
	switch {
	case len(line) == 0:
		return nil, &ProtocolError{Info: "empty response line", Line: line}
	case line[0] == '+':
		rec.Kind = KindContinuation
		rec.Text = strings.TrimPrefix(string(line[1:]), " ")
		return rec, nil
	case bytes.HasPrefix(line, []byte("* ")):
		rec.Kind = KindUntagged
		return rec, decodeUntagged(rec, string(line[2:]))
	}

	rec.Kind = KindTagged
	tag, rest, _ := strings.Cut(string(line), " ")
	if validTag(tag) != nil {
		return nil, &ProtocolError{Info: "invalid response tag", Line: line}
	}
	rec.Tag = tag
	word, rest, _ := strings.Cut(rest, " ")
	st, ok := parseStatus(word)
	if !ok || st == StatusPREAUTH || st == StatusBYE {
		return nil, &ProtocolError{Info: "invalid completion status", Line: line}
	}
	rec.Status = st
	var err error
	if rec.Code, rec.Text, err = codeText(rest); err != nil {
		return nil, &ProtocolError{Info: err.Error(), Line: line}
	}
	return rec, nil
}

func decodeUntagged(rec *Record, s string) error {
	word, rest, _ := strings.Cut(s, " ")
	if word == "" {
		return &ProtocolError{Info: "empty untagged response", Line: rec.Raw}
	}
	if st, ok := parseStatus(word); ok {
		rec.Status = st
		var err error
		if rec.Code, rec.Text, err = codeText(rest); err != nil {
			return &ProtocolError{Info: err.Error(), Line: rec.Raw}
		}
		return nil
	}
	if isDigits(word) {
		n, err := strconv.ParseUint(word, 10, 32)
		if err != nil {
			return &ProtocolError{Info: "message number out of range", Line: rec.Raw}
		}
		rec.Num = uint32(n)
		word, rest, _ = strings.Cut(rest, " ")
		if word == "" {
			return &ProtocolError{Info: "missing untagged label", Line: rec.Raw}
		}
	}
	rec.Label = strings.ToUpper(word)
	fields, err := tokenize(rest)
	if err != nil {
		return &ProtocolError{Info: err.Error(), Line: rec.Raw}
	}
	rec.Fields = fields
	return nil
}

// codeText splits "[CODE args] human text" into its parts.
func codeText(s string) (code, text string, err error) {
	if !strings.HasPrefix(s, "[") {
		return "", s, nil
	}
	depth := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '[':
			depth++
		case ']':
			depth--
			if depth == 0 {
				return s[1:i], strings.TrimPrefix(s[i+1:], " "), nil
			}
		}
	}
	return "", "", fmt.Errorf("unterminated response code")
}
