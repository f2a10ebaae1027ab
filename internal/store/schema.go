package store

import (
	"context"
	"fmt"
)

// Setup applies the full schema on a fresh database and converts
// timeseries_data into a hypertable when TimescaleDB is installed.
// It checks whether the "timeseries" table exists as a proxy for
// whether schema.sql has been loaded. Safe to call on every start.
func (s *Store) Setup(ctx context.Context, schemaSQL []byte) error {
	var exists bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_tables WHERE schemaname = 'public' AND tablename = 'timeseries')`,
	).Scan(&exists)
	if err != nil {
		return err
	}

	if exists {
		s.log.Debug().Msg("schema already initialized, skipping")
	} else {
		s.log.Info().Msg("fresh database detected, applying schema")
		if _, err := s.Pool.Exec(ctx, string(schemaSQL)); err != nil {
			return err
		}
		s.log.Info().Msg("schema applied successfully")
	}

	return s.ensureHypertable(ctx)
}

// ensureHypertable partitions timeseries_data on the timestamp column.
// Without the extension the table stays plain and QueryBucket aggregates
// engine-side instead of in SQL.
func (s *Store) ensureHypertable(ctx context.Context) error {
	var installed bool
	err := s.Pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT FROM pg_extension WHERE extname = 'timescaledb')`,
	).Scan(&installed)
	if err != nil {
		return err
	}

	if !installed {
		s.hypertable = false
		s.log.Warn().Msg("timescaledb not installed, time bucketing runs engine-side")
		return nil
	}

	_, err = s.Pool.Exec(ctx, `
		SELECT create_hypertable('timeseries_data', 'timestamp',
			if_not_exists => TRUE,
			create_default_indexes => FALSE,
			migrate_data => TRUE)
	`)
	if err != nil {
		return fmt.Errorf("create hypertable: %w", err)
	}

	s.hypertable = true
	s.log.Info().Msg("timeseries_data hypertable ready")
	return nil
}

// Hypertable reports whether timeseries_data is partitioned by TimescaleDB.
func (s *Store) Hypertable() bool {
	return s.hypertable
}
