package gmail

import (
	"fmt"
	"strconv"
	"strings"
)

const (
	nl         = "\r\n"
	TimeFormat = "_2-Jan-2006 15:04:05 -0700"
)

// Token represents a parsed IMAP token
type Token struct {
	Type   TType
	Str    string
	Num    uint64
	Tokens []*Token
}

// TType represents the type of an IMAP token
type TType uint8

const (
	TUnset TType = iota
	TAtom
	TNumber
	TQuoted
	TLiteral
	TNil
	TList
)

// GetTokenName returns the string name of a token type
func GetTokenName(tokenType TType) string {
	switch tokenType {
	case TUnset:
		return "TUnset"
	case TAtom:
		return "TAtom"
	case TNumber:
		return "TNumber"
	case TQuoted:
		return "TQuoted"
	case TLiteral:
		return "TLiteral"
	case TNil:
		return "TNil"
	case TList:
		return "TList"
	}
	return ""
}

// String returns a string representation of a Token
func (t Token) String() string {
	tokenType := GetTokenName(t.Type)
	switch t.Type {
	case TUnset, TNil:
		return tokenType
	case TQuoted, TLiteral:
		return fmt.Sprintf("(%s, len %d, chars %d %#v)", tokenType, len(t.Str), len([]rune(t.Str)), t.Str)
	case TNumber:
		return fmt.Sprintf("(%s %d)", tokenType, t.Num)
	case TAtom:
		return fmt.Sprintf("(%s %s)", tokenType, t.Str)
	case TList:
		return fmt.Sprintf("(%s children: %s)", tokenType, t.Tokens)
	}
	return ""
}

// Text returns the string value of an atom, number, quoted string or literal.
// ok is false for NIL and lists.
func (t *Token) Text() (s string, ok bool) {
	switch t.Type {
	case TAtom, TNumber, TQuoted, TLiteral:
		return t.Str, true
	}
	return "", false
}

// checkType validates that a token is one of the acceptable types
func checkType(t *Token, loc string, acceptable ...TType) error {
	if t != nil {
		for _, a := range acceptable {
			if t.Type == a {
				return nil
			}
		}
	}
	names := make([]string, len(acceptable))
	for i, a := range acceptable {
		names[i] = GetTokenName(a)
	}
	return fmt.Errorf("expected %s token %s, got %v", strings.Join(names, "|"), loc, t)
}

// tokenize splits the data portion of a logical IMAP line into tokens.
// Literals must already be inlined as "{n}\r\n<n bytes>".
func tokenize(r string) ([]*Token, error) {
	tokens := make([]*Token, 0)
	stack := []*[]*Token{&tokens}
	push := func(t *Token) {
		cur := stack[len(stack)-1]
		*cur = append(*cur, t)
	}

	l := len(r)
	i := 0
	for i < l {
		b := r[i]
		switch b {
		case ' ':
			i++
		case '(':
			t := &Token{Type: TList, Tokens: make([]*Token, 0)}
			push(t)
			stack = append(stack, &t.Tokens)
			i++
		case ')':
			if len(stack) == 1 {
				return nil, fmt.Errorf("unmatched ')' at char %d in %s", i, r)
			}
			stack = stack[:len(stack)-1]
			i++
		case '"':
			s, n, err := readQuoted(r[i:])
			if err != nil {
				return nil, err
			}
			push(&Token{Type: TQuoted, Str: s})
			i += n
		case '{':
			s, n, err := readLiteral(r[i:])
			if err != nil {
				return nil, err
			}
			push(&Token{Type: TLiteral, Str: s})
			i += n
		default:
			s, n, err := readAtom(r[i:])
			if err != nil {
				return nil, err
			}
			push(atomToken(s))
			i += n
		}
	}

	if len(stack) != 1 {
		return nil, fmt.Errorf("mismatched parentheses, depth %d at end of parsing %s", len(stack)-1, r)
	}
	return tokens, nil
}

func atomToken(s string) *Token {
	if strings.EqualFold(s, "NIL") {
		return &Token{Type: TNil, Str: s}
	}
	if isDigits(s) {
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return &Token{Type: TNumber, Str: s, Num: n}
		}
	}
	return &Token{Type: TAtom, Str: s}
}

// readQuoted reads a quoted string starting at r[0] == '"' and returns the
// unescaped value and the number of bytes consumed.
func readQuoted(r string) (string, int, error) {
	var b strings.Builder
	for i := 1; i < len(r); i++ {
		switch c := r[i]; c {
		case '"':
			return b.String(), i + 1, nil
		case '\\':
			i++
			if i >= len(r) {
				return "", 0, fmt.Errorf("unterminated escape in quoted string %q", r)
			}
			b.WriteByte(r[i])
		case '\r', '\n':
			return "", 0, fmt.Errorf("line break inside quoted string %q", r)
		default:
			b.WriteByte(c)
		}
	}
	return "", 0, fmt.Errorf("unterminated quoted string %q", r)
}

// readLiteral reads "{n}\r\n" or "{n+}\r\n" followed by n bytes.
func readLiteral(r string) (string, int, error) {
	end := strings.IndexByte(r, '}')
	if end == -1 {
		return "", 0, fmt.Errorf("unterminated literal size in %q", r)
	}
	size := strings.TrimSuffix(r[1:end], "+")
	if !isDigits(size) {
		return "", 0, fmt.Errorf("invalid literal size %q", r[:end+1])
	}
	n, err := strconv.Atoi(size)
	if err != nil {
		return "", 0, fmt.Errorf("literal size Atoi failed for '%s': %w", size, err)
	}
	start := end + 1
	if !strings.HasPrefix(r[start:], nl) {
		return "", 0, fmt.Errorf("literal size %d not followed by CRLF", n)
	}
	start += len(nl)
	if start+n > len(r) {
		return "", 0, fmt.Errorf("literal size %d but only %d bytes available", n, len(r)-start)
	}
	return r[start : start+n], start + n, nil
}

// readAtom reads an atom. Bracketed sections are kept whole so that items
// such as BODY[HEADER.FIELDS (FROM TO)] stay a single token.
func readAtom(r string) (string, int, error) {
	depth := 0
	i := 0
	for i < len(r) {
		c := r[i]
		if depth > 0 {
			switch c {
			case '[':
				depth++
			case ']':
				depth--
			}
			i++
			continue
		}
		switch c {
		case ' ', '(', ')', '"', '\r', '\n':
			if i == 0 {
				return "", 0, fmt.Errorf("unexpected %q in %q", c, r)
			}
			return r[:i], i, nil
		case '[':
			depth++
		}
		i++
	}
	if depth != 0 {
		return "", 0, fmt.Errorf("unterminated '[' in %q", r)
	}
	return r, i, nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// parseUIDSearchResponse collects the numbers of every SEARCH record.
func parseUIDSearchResponse(records []*Record) ([]uint32, error) {
	uids := make([]uint32, 0)
	for _, rec := range records {
		if rec.Label != "SEARCH" {
			continue
		}
		for _, t := range rec.Fields {
			if err := checkType(t, "in SEARCH", TNumber); err != nil {
				return nil, err
			}
			uids = append(uids, uint32(t.Num))
		}
	}
	return uids, nil
}
