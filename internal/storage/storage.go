// Package storage provides blob storage for spooled uploads and task
// artifacts. Keys are slash-separated paths such as
// "tasks/<id>/results/all.csv".
package storage

import (
	"context"
	"errors"
	"io"
	"strings"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("object not found")
	// ErrInvalidKey is returned for empty or escaping keys.
	ErrInvalidKey = errors.New("invalid object key")
)

// Store reads and writes objects by key.
type Store interface {
	// Create opens key for writing. The object becomes visible on Close.
	Create(ctx context.Context, key string) (io.WriteCloser, error)
	// Open streams an object. Returns ErrNotFound for missing keys.
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	// DeletePrefix removes every object under prefix.
	DeletePrefix(ctx context.Context, prefix string) error
}

// Put writes r to key.
func Put(ctx context.Context, s Store, key string, r io.Reader) (int64, error) {
	w, err := s.Create(ctx, key)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(w, r)
	if cerr := w.Close(); err == nil {
		err = cerr
	}
	return n, err
}

func validKey(key string) bool {
	if key == "" || strings.HasPrefix(key, "/") {
		return false
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return false
		}
	}
	return true
}
