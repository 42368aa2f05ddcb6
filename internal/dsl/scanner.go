package dsl

import (
	"fmt"
	"strings"
	"unicode"
)

// EOF is returned by Peek and Next at the end of input.
const EOF rune = -1

// Scanner walks a source document rune by rune, tracking line and column.
type Scanner struct {
	file string
	src  []rune
	pos  int
	line int
	col  int
}

// Mark is a saved scanner position for backtracking.
type Mark struct {
	pos, line, col int
}

// NewScanner creates a scanner over src. file is used in error messages.
func NewScanner(file string, src []byte) *Scanner {
	return &Scanner{
		file: file,
		src:  []rune(string(src)),
		line: 1,
		col:  1,
	}
}

// File returns the document name.
func (s *Scanner) File() string { return s.file }

// Line returns the current 1-based line.
func (s *Scanner) Line() int { return s.line }

// Column returns the current 1-based column.
func (s *Scanner) Column() int { return s.col }

// AtEOF reports whether all input was consumed.
func (s *Scanner) AtEOF() bool { return s.pos >= len(s.src) }

// Peek returns the current rune without consuming it.
func (s *Scanner) Peek() rune {
	return s.PeekAt(0)
}

// PeekAt returns the rune n positions ahead.
func (s *Scanner) PeekAt(n int) rune {
	if s.pos+n >= len(s.src) {
		return EOF
	}
	return s.src[s.pos+n]
}

// Next consumes and returns the current rune.
func (s *Scanner) Next() rune {
	if s.pos >= len(s.src) {
		return EOF
	}
	r := s.src[s.pos]
	s.pos++
	if r == '\n' {
		s.line++
		s.col = 1
	} else {
		s.col++
	}
	return r
}

// Mark saves the current position.
func (s *Scanner) Mark() Mark {
	return Mark{pos: s.pos, line: s.line, col: s.col}
}

// Reset restores a saved position.
func (s *Scanner) Reset(m Mark) {
	s.pos, s.line, s.col = m.pos, m.line, m.col
}

// SkipSpaces skips blanks and line comments without crossing a newline.
func (s *Scanner) SkipSpaces() {
	for {
		r := s.Peek()
		switch {
		case r == ' ' || r == '\t' || r == '\r' || r == '\f' || r == '\v':
			s.Next()
		case r == '/' && s.PeekAt(1) == '/':
			for r := s.Peek(); r != '\n' && r != EOF; r = s.Peek() {
				s.Next()
			}
		default:
			return
		}
	}
}

// SkipWhitespace skips blanks, comments and newlines.
func (s *Scanner) SkipWhitespace() {
	for {
		s.SkipSpaces()
		if s.Peek() != '\n' {
			return
		}
		s.Next()
	}
}

// IsIdentifierStart reports whether r may start an identifier.
func IsIdentifierStart(r rune) bool {
	return r == '_' || unicode.IsLetter(r)
}

// IsIdentifierPart reports whether r may continue an identifier.
func IsIdentifierPart(r rune) bool {
	return r == '_' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

// IsSpace reports whether r is whitespace, newline included.
func IsSpace(r rune) bool {
	return r == EOF || unicode.IsSpace(r)
}

// TryIdentifier reads an identifier at the current position, or returns ""
// without consuming anything.
func (s *Scanner) TryIdentifier() string {
	if !IsIdentifierStart(s.Peek()) {
		return ""
	}
	var b strings.Builder
	for IsIdentifierPart(s.Peek()) {
		b.WriteRune(s.Next())
	}
	return b.String()
}

// ReadIdentifier reads an identifier or fails with a syntax error.
func (s *Scanner) ReadIdentifier(expected ...string) (string, error) {
	id := s.TryIdentifier()
	if id == "" {
		if len(expected) == 0 {
			expected = []string{"identifier"}
		}
		return "", s.Errorf(expected...)
	}
	return id, nil
}

// ReadNumber reads an unsigned decimal number such as "5" or "0.25".
func (s *Scanner) ReadNumber() (string, error) {
	var b strings.Builder
	seenDot := false
	for {
		r := s.Peek()
		if unicode.IsDigit(r) {
			b.WriteRune(s.Next())
			continue
		}
		if r == '.' && !seenDot && unicode.IsDigit(s.PeekAt(1)) {
			seenDot = true
			b.WriteRune(s.Next())
			continue
		}
		break
	}
	if b.Len() == 0 {
		return "", s.Errorf("number")
	}
	return b.String(), nil
}

// ReadToken reads everything up to the next whitespace.
func (s *Scanner) ReadToken() string {
	var b strings.Builder
	for !IsSpace(s.Peek()) {
		b.WriteRune(s.Next())
	}
	return b.String()
}

// ReadDelimited reads a balanced open/close group, which must start at the
// current position, and returns the trimmed inner text.
func (s *Scanner) ReadDelimited(open, close rune) (string, error) {
	if err := s.Expect(open); err != nil {
		return "", err
	}
	startLine, startCol := s.line, s.col
	depth := 1
	var b strings.Builder
	for {
		r := s.Next()
		switch r {
		case EOF:
			return "", &SyntaxError{
				File:     s.file,
				Line:     startLine,
				Column:   startCol,
				Found:    "end of file",
				Expected: []string{quote(close)},
				Detail:   "unterminated expression",
			}
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return strings.TrimSpace(b.String()), nil
			}
		}
		b.WriteRune(r)
	}
}

// Expect consumes r or fails with a syntax error.
func (s *Scanner) Expect(r rune) error {
	if s.Peek() != r {
		return s.Errorf(quote(r))
	}
	s.Next()
	return nil
}

// ExpectKeyword consumes the identifier kw (case-insensitive).
func (s *Scanner) ExpectKeyword(kw string) error {
	m := s.Mark()
	id := s.TryIdentifier()
	if !strings.EqualFold(id, kw) {
		s.Reset(m)
		return s.Errorf(quoteWord(kw))
	}
	return nil
}

// TryKeyword consumes the identifier kw if present.
func (s *Scanner) TryKeyword(kw string) bool {
	m := s.Mark()
	if strings.EqualFold(s.TryIdentifier(), kw) {
		return true
	}
	s.Reset(m)
	return false
}

// ExpectLineEnd skips blanks and requires a newline, end of input, or (left
// unconsumed) one of the allowed closing runes.
func (s *Scanner) ExpectLineEnd(closing ...rune) error {
	s.SkipSpaces()
	r := s.Peek()
	if r == '\n' {
		s.Next()
		return nil
	}
	if r == EOF {
		return nil
	}
	for _, c := range closing {
		if r == c {
			return nil
		}
	}
	expected := []string{"newline"}
	for _, c := range closing {
		expected = append(expected, quote(c))
	}
	return s.Errorf(expected...)
}

// Errorf builds a syntax error at the current position describing the
// current character or identifier.
func (s *Scanner) Errorf(expected ...string) *SyntaxError {
	return &SyntaxError{
		File:     s.file,
		Line:     s.line,
		Column:   s.col,
		Found:    s.describeCurrent(),
		Expected: expected,
	}
}

// ErrorAt builds a syntax error at a saved position with a detail message.
func (s *Scanner) ErrorAt(m Mark, found, detail string, expected ...string) *SyntaxError {
	return &SyntaxError{
		File:     s.file,
		Line:     m.line,
		Column:   m.col,
		Found:    found,
		Expected: expected,
		Detail:   detail,
	}
}

func (s *Scanner) describeCurrent() string {
	r := s.Peek()
	switch {
	case r == EOF:
		return "end of file"
	case r == '\n':
		return "newline"
	case IsIdentifierStart(r):
		m := s.Mark()
		id := s.TryIdentifier()
		s.Reset(m)
		return fmt.Sprintf("identifier %q", id)
	default:
		return fmt.Sprintf("character %s", quote(r))
	}
}

func quote(r rune) string {
	return fmt.Sprintf("'%c'", r)
}

func quoteWord(w string) string {
	return "'" + w + "'"
}

// Quote formats a keyword for an expected-token list.
func Quote(w string) string {
	return quoteWord(w)
}

// Text returns the source consumed since m.
func (s *Scanner) Text(m Mark) string {
	if m.pos >= s.pos {
		return ""
	}
	return string(s.src[m.pos:s.pos])
}
