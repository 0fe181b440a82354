package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FilesystemStore stores blobs under a root directory, sharded by the first
// two digest characters.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore creates the root directory if needed.
func NewFilesystemStore(root string) (*FilesystemStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create blob root %s: %w", root, err)
	}
	return &FilesystemStore{root: root}, nil
}

// Put streams the content to a temp file while hashing, then renames it into
// its content-addressed location. Re-storing existing content is a no-op.
func (s *FilesystemStore) Put(ctx context.Context, r io.Reader) (string, error) {
	tmp, err := os.CreateTemp(s.root, "incoming-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp blob: %w", err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, hasher), r); err != nil {
		_ = tmp.Close()
		return "", fmt.Errorf("failed to write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("failed to close temp blob: %w", err)
	}

	digest := hex.EncodeToString(hasher.Sum(nil))
	path := s.path(digest)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create blob shard: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("failed to place blob: %w", err)
	}
	return RefScheme + "sha256/" + digest, nil
}

// Open streams stored content.
func (s *FilesystemStore) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	digest, err := digestFromRef(ref)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(s.path(digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to open blob %s: %w", ref, err)
	}
	return f, nil
}

// Delete removes stored content.
func (s *FilesystemStore) Delete(ctx context.Context, ref string) error {
	digest, err := digestFromRef(ref)
	if err != nil {
		return err
	}
	if err := os.Remove(s.path(digest)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete blob %s: %w", ref, err)
	}
	return nil
}

func (s *FilesystemStore) path(digest string) string {
	shard := digest
	if len(digest) > 2 {
		shard = digest[:2]
	}
	return filepath.Join(s.root, shard, digest)
}
