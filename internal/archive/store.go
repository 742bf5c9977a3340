// Package archive persists copies of sent messages so deliveries can be
// audited and replayed. Backends: local filesystem and S3-compatible object
// stores.
package archive

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
)

// ErrNotFound is returned when a requested message does not exist.
var ErrNotFound = errors.New("archive: message not found")

// Store is a sent-message archive backend.
type Store interface {
	Put(ctx context.Context, messageID string, data []byte) error
	Get(ctx context.Context, messageID string) ([]byte, error)
	Delete(ctx context.Context, messageID string) error
}

// Config holds configuration for creating a Store.
type Config struct {
	Type       string // "local" or "s3"
	Path       string // base directory for the local store
	S3Bucket   string
	S3Prefix   string
	S3Endpoint string
	S3Region   string
}

// New creates a Store based on the provided configuration.
// If Type is empty or unsupported, it defaults to local storage and logs a warning.
func New(cfg Config, logger zerolog.Logger) (Store, error) {
	switch cfg.Type {
	case "local":
		return NewLocalStore(cfg.Path)
	case "s3":
		return NewS3StoreFromConfig(cfg)
	default:
		logger.Warn().
			Str("type", cfg.Type).
			Msg("unsupported or empty archive type, defaulting to local")
		return NewLocalStore(cfg.Path)
	}
}
