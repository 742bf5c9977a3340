package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// LocalStore archives messages as files on the local filesystem, one file
// per message ID.
type LocalStore struct {
	basePath string
}

// NewLocalStore creates a LocalStore at the given base path.
// It creates the directory if it does not exist.
func NewLocalStore(basePath string) (*LocalStore, error) {
	if basePath == "" {
		basePath = "./sent_mail"
	}
	if err := os.MkdirAll(basePath, 0o750); err != nil {
		return nil, fmt.Errorf("archive: create base directory: %w", err)
	}
	return &LocalStore{basePath: basePath}, nil
}

// Put writes message data to a file using an atomic write pattern.
func (s *LocalStore) Put(_ context.Context, messageID string, data []byte) error {
	finalPath := filepath.Join(s.basePath, messageID+".eml")

	// Write to a temp file in the same directory, then rename for atomicity.
	tmp, err := os.CreateTemp(s.basePath, ".tmp-"+messageID+"-*")
	if err != nil {
		return fmt.Errorf("archive: create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("archive: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("archive: close temp file: %w", err)
	}
	if err := os.Rename(tmpName, finalPath); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("archive: rename temp file: %w", err)
	}
	return nil
}

// Get reads archived message data.
// Returns ErrNotFound if the message does not exist.
func (s *LocalStore) Get(_ context.Context, messageID string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(s.basePath, messageID+".eml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("archive: read file: %w", err)
	}
	return data, nil
}

// Delete removes an archived message.
// Returns nil if the message does not exist (idempotent).
func (s *LocalStore) Delete(_ context.Context, messageID string) error {
	err := os.Remove(filepath.Join(s.basePath, messageID+".eml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("archive: remove file: %w", err)
	}
	return nil
}
