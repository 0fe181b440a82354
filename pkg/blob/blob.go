// Package blob defines the content-addressed storage contract the platform
// uses for uploaded audio and produced transcripts, with a filesystem
// implementation for single-node deployments. Object-store backends satisfy
// the same interface.
package blob

import (
	"context"
	"errors"
	"io"
	"strings"
)

// ErrNotFound is returned when a ref does not resolve to stored content.
var ErrNotFound = errors.New("blob not found")

// RefScheme prefixes every blob reference.
const RefScheme = "blob://"

// Store is the storage contract. Refs are content-addressed, so storing the
// same bytes twice yields the same ref.
type Store interface {
	// Put stores the content and returns its ref.
	Put(ctx context.Context, r io.Reader) (string, error)
	// Open streams the content behind a ref.
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	// Delete removes the content behind a ref. Deleting an absent ref is
	// not an error.
	Delete(ctx context.Context, ref string) error
}

// digestFromRef extracts the hex digest from a "blob://sha256/<hex>" ref.
func digestFromRef(ref string) (string, error) {
	rest, ok := strings.CutPrefix(ref, RefScheme+"sha256/")
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", ErrNotFound
	}
	return rest, nil
}
