// Package filterexpr parses filter expressions of the form
//
//	[FILTER] [TOP n] Table [WHERE condition] [ORDER BY columns] [TOP n]
//
// and evaluates them against tables held in a private in-memory SQLite
// database. Conditions and orderings are SQL fragments evaluated by SQLite.
package filterexpr

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// NoLimit means the expression carries no TOP clause.
const NoLimit = -1

// ErrNotFilterExpression is returned by Parse for text that is not shaped
// like a filter expression.
var ErrNotFilterExpression = errors.New("not a filter expression")

// Expression is a parsed filter expression.
type Expression struct {
	// Explicit is set when the text started with the FILTER keyword.
	Explicit bool
	Table    string
	Where    string
	OrderBy  string
	Top      int
}

// HasClauses reports whether any WHERE, ORDER BY or TOP clause is present.
func (e *Expression) HasClauses() bool {
	return e.Where != "" || e.OrderBy != "" || e.Top != NoLimit
}

func (e *Expression) String() string {
	var b strings.Builder
	b.WriteString("FILTER ")
	if e.Top != NoLimit {
		fmt.Fprintf(&b, "TOP %d ", e.Top)
	}
	b.WriteString(e.Table)
	if e.Where != "" {
		b.WriteString(" WHERE " + e.Where)
	}
	if e.OrderBy != "" {
		b.WriteString(" ORDER BY " + e.OrderBy)
	}
	return b.String()
}

// IsFilterExpression reports whether text is a filter expression rather than
// a plain identifier or key list: it must parse, and either begin with
// FILTER or carry at least one clause.
func IsFilterExpression(text string) bool {
	expr, err := Parse(text)
	return err == nil && (expr.Explicit || expr.HasClauses())
}

type token struct {
	text       string
	start, end int
}

// tokenize splits text on whitespace outside single-quoted strings.
func tokenize(text string) []token {
	var (
		tokens  []token
		start   = -1
		inQuote bool
	)
	for i, r := range text {
		switch {
		case r == '\'':
			inQuote = !inQuote
			if start < 0 {
				start = i
			}
		case unicode.IsSpace(r) && !inQuote:
			if start >= 0 {
				tokens = append(tokens, token{text[start:i], start, i})
				start = -1
			}
		default:
			if start < 0 {
				start = i
			}
		}
	}
	if start >= 0 {
		tokens = append(tokens, token{text[start:], start, len(text)})
	}
	return tokens
}

func isKeyword(tokens []token, i int, kw string) bool {
	return i < len(tokens) && strings.EqualFold(tokens[i].text, kw)
}

func isOrderBy(tokens []token, i int) bool {
	return isKeyword(tokens, i, "ORDER") && isKeyword(tokens, i+1, "BY")
}

// isTrailingTop reports whether tokens[i:] is exactly "TOP n".
func isTrailingTop(tokens []token, i int) bool {
	if i+2 != len(tokens) || !isKeyword(tokens, i, "TOP") {
		return false
	}
	_, err := strconv.Atoi(tokens[i+1].text)
	return err == nil
}

func isIdentifier(s string) bool {
	if s == "" {
		return false
	}
	for i, r := range s {
		if r == '_' || unicode.IsLetter(r) || (i > 0 && unicode.IsDigit(r)) {
			continue
		}
		return false
	}
	return true
}

func parseTop(text string) (int, error) {
	n, err := strconv.Atoi(text)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid TOP count %q", text)
	}
	return n, nil
}

// Parse parses a filter expression. Text that does not start with FILTER,
// TOP or a table identifier yields ErrNotFilterExpression.
func Parse(text string) (*Expression, error) {
	text = strings.TrimSpace(text)
	tokens := tokenize(text)
	expr := &Expression{Top: NoLimit}
	i := 0

	if isKeyword(tokens, i, "FILTER") {
		expr.Explicit = true
		i++
	}
	if isKeyword(tokens, i, "TOP") && i+1 < len(tokens) {
		n, err := parseTop(tokens[i+1].text)
		if err != nil {
			return nil, err
		}
		expr.Top = n
		i += 2
	}
	if i >= len(tokens) || !isIdentifier(tokens[i].text) {
		if expr.Explicit {
			return nil, errors.New("filter expression is missing a table name")
		}
		return nil, ErrNotFilterExpression
	}
	expr.Table = tokens[i].text
	i++

	if isKeyword(tokens, i, "WHERE") {
		j := i + 1
		for j < len(tokens) && !isOrderBy(tokens, j) && !isTrailingTop(tokens, j) {
			j++
		}
		if j == i+1 {
			return nil, errors.New("WHERE clause is empty")
		}
		expr.Where = strings.TrimSpace(text[tokens[i+1].start:tokens[j-1].end])
		i = j
	}

	if isOrderBy(tokens, i) {
		j := i + 2
		for j < len(tokens) && !isTrailingTop(tokens, j) {
			j++
		}
		if j == i+2 {
			return nil, errors.New("ORDER BY clause is empty")
		}
		expr.OrderBy = strings.TrimSpace(text[tokens[i+2].start:tokens[j-1].end])
		i = j
	}

	if isTrailingTop(tokens, i) {
		n, err := parseTop(tokens[i+1].text)
		if err != nil {
			return nil, err
		}
		expr.Top = n
		i += 2
	}

	if i < len(tokens) {
		if !expr.Explicit && !expr.HasClauses() {
			return nil, ErrNotFilterExpression
		}
		return nil, fmt.Errorf("unexpected %q in filter expression", tokens[i].text)
	}
	return expr, nil
}
