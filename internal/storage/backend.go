package storage

import "context"

// Backend stores definition documents under relative paths.
type Backend interface {
	// Write replaces the document at path atomically
	Write(ctx context.Context, path string, data []byte) error

	// Read returns the document at path
	Read(ctx context.Context, path string) ([]byte, error)

	// List returns the relative paths of every document with the given
	// extension, sorted
	List(ctx context.Context, ext string) ([]string, error)

	// Delete removes the document at path. Missing documents are not an error.
	Delete(ctx context.Context, path string) error

	// Exists reports whether a document exists at path
	Exists(ctx context.Context, path string) (bool, error)

	// Close releases any resources held by the backend
	Close() error
}
