package dsl

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors wrapped by StructuralError, usable with errors.Is.
var (
	ErrCircularReference = errors.New("circular reference")
	ErrNestedWindow      = errors.New("nested time window")
	ErrNestedBuffering   = errors.New("nested buffered field mapping")
)

// SyntaxError reports a malformed token or character.
type SyntaxError struct {
	File     string
	Line     int
	Column   int
	Found    string
	Expected []string
	Detail   string
}

func (e *SyntaxError) Error() string {
	var b strings.Builder
	b.WriteString("syntax error")
	if e.File != "" {
		fmt.Fprintf(&b, " in %s", e.File)
	}
	fmt.Fprintf(&b, " at line %d, column %d", e.Line, e.Column)
	if e.Found != "" {
		fmt.Fprintf(&b, ": unexpected %s", e.Found)
	}
	if len(e.Expected) > 0 {
		fmt.Fprintf(&b, ", expected %s", strings.Join(e.Expected, " or "))
	}
	if e.Detail != "" {
		fmt.Fprintf(&b, " (%s)", e.Detail)
	}
	return b.String()
}

// DefinitionError reports a duplicate type or mapping identifier.
type DefinitionError struct {
	File         string
	Kind         string // "type" or "mapping"
	Name         string
	PreviousFile string
}

func (e *DefinitionError) Error() string {
	msg := fmt.Sprintf("duplicate %s definition %q", e.Kind, e.Name)
	if e.PreviousFile != "" && e.PreviousFile != e.File {
		msg += fmt.Sprintf(" (already defined in %s)", e.PreviousFile)
	}
	if e.File != "" {
		msg = e.File + ": " + msg
	}
	return msg
}

// ReferenceError reports an unresolvable or ambiguous type, field or mapping
// reference. Candidates lists every match when the reference is ambiguous.
type ReferenceError struct {
	File       string
	Owner      string
	Field      string
	Reference  string
	Candidates []string
	Err        error
}

func (e *ReferenceError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File + ": ")
	}
	switch {
	case len(e.Candidates) > 1:
		fmt.Fprintf(&b, "ambiguous reference %q, candidates: %s", e.Reference, strings.Join(e.Candidates, ", "))
	default:
		fmt.Fprintf(&b, "unable to resolve %q", e.Reference)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " in field %q", e.Field)
	}
	if e.Owner != "" {
		fmt.Fprintf(&b, " of %q", e.Owner)
	}
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

func (e *ReferenceError) Unwrap() error {
	return e.Err
}

// StructuralKind classifies a StructuralError.
type StructuralKind int

const (
	Circular StructuralKind = iota
	NestedWindow
	NestedBuffering
)

func (k StructuralKind) String() string {
	switch k {
	case Circular:
		return "circular reference"
	case NestedWindow:
		return "nested time window"
	case NestedBuffering:
		return "nested buffering"
	default:
		return "unknown"
	}
}

// StructuralError reports a circular mapping reference, a nested time window
// or nested buffering. Path lists the mapping chain that led to the error.
type StructuralError struct {
	File    string
	Kind    StructuralKind
	Mapping string
	Field   string
	Path    []string
}

func (e *StructuralError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File + ": ")
	}
	b.WriteString(e.Kind.String())
	if e.Mapping != "" {
		fmt.Fprintf(&b, " in mapping %q", e.Mapping)
	}
	if e.Field != "" {
		fmt.Fprintf(&b, " field %q", e.Field)
	}
	if len(e.Path) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(e.Path, " -> "))
	}
	return b.String()
}

func (e *StructuralError) Unwrap() error {
	switch e.Kind {
	case Circular:
		return ErrCircularReference
	case NestedWindow:
		return ErrNestedWindow
	default:
		return ErrNestedBuffering
	}
}

// BatchError is one failure collected by a directory scan or an aggregate
// accessor. It carries the file contents so a UI can offer a correction.
type BatchError struct {
	FilePath     string
	FileContents string
	Err          error
}

// NewBatchError wraps err with the file it came from.
func NewBatchError(path, contents string, err error) *BatchError {
	return &BatchError{FilePath: path, FileContents: contents, Err: err}
}

// Message returns the underlying error text.
func (e *BatchError) Message() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e *BatchError) Error() string {
	msg := e.Message()
	if e.FilePath == "" || strings.Contains(msg, e.FilePath) {
		return msg
	}
	return fmt.Sprintf("%s: %s", e.FilePath, msg)
}

func (e *BatchError) Unwrap() error {
	return e.Err
}
