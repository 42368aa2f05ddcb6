// Package dsl holds the pieces shared by the IDL and mapping compilers: a
// rune-level scanner with line/column tracking and the compile error kinds.
//
// Both languages are line oriented and whitespace insensitive within a line.
// Parsers are hand-written recursive descent on top of Scanner; they report
// failures as *SyntaxError values naming the file, the offending character or
// identifier and the set of tokens that would have been accepted.
//
// Errors raised while compiling a single document are returned directly.
// Directory scans isolate failures per file and collect them as *BatchError
// values carrying the file path and contents, so a caller can offer in-place
// correction and retry.
package dsl
