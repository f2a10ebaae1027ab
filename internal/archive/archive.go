// Package archive moves timeseries CSV files in and out of the service:
// a watcher imports files dropped into a directory, and an exporter writes
// daily per-timeseries snapshots to a local directory or an S3 bucket.
package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openbem/bem-engine/internal/config"
)

// Store abstracts the archive destination.
type Store interface {
	// Save stores a finished CSV file. key format: timeseries/{id}/{YYYY-MM-DD}.csv
	Save(ctx context.Context, key string, data []byte, contentType string) error

	// Exists reports whether a key was already archived.
	Exists(ctx context.Context, key string) bool

	// Type returns "local" or "s3".
	Type() string
}

// New creates a Store from config. An empty backend returns (nil, nil):
// archiving is disabled. Returns an error if S3 is configured but
// unreachable.
func New(cfg config.Archive, log zerolog.Logger) (Store, error) {
	switch cfg.Backend {
	case "":
		return nil, nil

	case "local":
		return NewLocal(cfg.Dirpath), nil

	case "s3":
		s3store, err := NewS3(cfg, log)
		if err != nil {
			return nil, fmt.Errorf("s3 init failed: %w", err)
		}

		// Startup validation: verify credentials and bucket access
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s3store.HeadBucket(ctx); err != nil {
			return nil, fmt.Errorf("s3 startup check failed (bucket=%q endpoint=%q): %w",
				cfg.Bucket, cfg.Endpoint, err)
		}
		log.Info().Str("bucket", cfg.Bucket).Str("endpoint", cfg.Endpoint).Msg("S3 connection verified")
		return s3store, nil

	default:
		return nil, fmt.Errorf("unknown archive backend %q", cfg.Backend)
	}
}
