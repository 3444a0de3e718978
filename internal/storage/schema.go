package storage

import (
	"context"
	"fmt"
	"time"
)

// CurrentSchemaVersion is the schema this build reads and writes.
const CurrentSchemaVersion = 2

type migration struct {
	version    int
	statements []string
}

// Jobs carry no secondary indexes: DuckDB rewrites updates of indexed columns
// as delete+insert, which trips the primary key inside one transaction.
// job_transitions.job_id references jobs.job_id; the store checks it on write.
var migrations = []migration{
	{
		version: 1,
		statements: []string{
			`CREATE SEQUENCE IF NOT EXISTS telemetry_id_seq START 1`,
			`CREATE SEQUENCE IF NOT EXISTS job_id_seq START 1`,
			`CREATE SEQUENCE IF NOT EXISTS transition_id_seq START 1`,
			`CREATE SEQUENCE IF NOT EXISTS message_id_seq START 1`,
			`CREATE TABLE IF NOT EXISTS telemetry (
				id            BIGINT PRIMARY KEY DEFAULT nextval('telemetry_id_seq'),
				machine_id    VARCHAR NOT NULL,
				timestamp     TIMESTAMP NOT NULL,
				machine_state VARCHAR NOT NULL,
				sub_state     VARCHAR,
				frame         VARCHAR NOT NULL,
				x             DOUBLE NOT NULL,
				y             DOUBLE NOT NULL,
				z             DOUBLE NOT NULL,
				feed          DOUBLE,
				spindle       DOUBLE,
				raw_line      VARCHAR NOT NULL,
				line_hash     VARCHAR NOT NULL UNIQUE,
				job_id        BIGINT
			)`,
			`CREATE TABLE IF NOT EXISTS jobs (
				job_id        BIGINT PRIMARY KEY,
				machine_id    VARCHAR NOT NULL,
				status        VARCHAR NOT NULL,
				created_at    TIMESTAMP NOT NULL,
				started_at    TIMESTAMP,
				finished_at   TIMESTAMP,
				incomplete_at TIMESTAMP
			)`,
			`CREATE TABLE IF NOT EXISTS job_transitions (
				id                   BIGINT PRIMARY KEY DEFAULT nextval('transition_id_seq'),
				job_id               BIGINT NOT NULL,
				from_status          VARCHAR NOT NULL,
				to_status            VARCHAR NOT NULL,
				triggering_timestamp TIMESTAMP NOT NULL
			)`,
			`CREATE TABLE IF NOT EXISTS controller_messages (
				id         BIGINT PRIMARY KEY DEFAULT nextval('message_id_seq'),
				machine_id VARCHAR NOT NULL,
				timestamp  TIMESTAMP NOT NULL,
				kind       VARCHAR NOT NULL,
				code       VARCHAR,
				text       VARCHAR NOT NULL,
				raw_line   VARCHAR NOT NULL,
				line_hash  VARCHAR NOT NULL UNIQUE,
				job_id     BIGINT
			)`,
			`CREATE TABLE IF NOT EXISTS ingest_runs (
				run_id          VARCHAR PRIMARY KEY,
				machine_id      VARCHAR NOT NULL,
				source          VARCHAR NOT NULL,
				policy          VARCHAR NOT NULL,
				started_at      TIMESTAMP NOT NULL,
				finished_at     TIMESTAMP NOT NULL,
				lines_read      INTEGER NOT NULL,
				ingested        INTEGER NOT NULL,
				messages        INTEGER NOT NULL,
				duplicates      INTEGER NOT NULL,
				skipped         INTEGER NOT NULL,
				late            INTEGER NOT NULL,
				jobs_created    INTEGER NOT NULL,
				jobs_started    INTEGER NOT NULL,
				jobs_finished   INTEGER NOT NULL,
				incomplete_jobs INTEGER NOT NULL,
				aborted         BOOLEAN NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_telemetry_job ON telemetry(job_id, timestamp)`,
			`CREATE INDEX IF NOT EXISTS idx_transitions_job ON job_transitions(job_id)`,
		},
	},
	{
		// Untimestamped lines are stamped from a per-source base so that a
		// replayed source hashes to the same rows.
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS ingest_sources (
				machine_id VARCHAR NOT NULL,
				source     VARCHAR NOT NULL,
				base_time  TIMESTAMP NOT NULL,
				first_seen TIMESTAMP NOT NULL,
				PRIMARY KEY (machine_id, source)
			)`,
		},
	},
}

// Migrate brings the schema up to CurrentSchemaVersion. It is the only code
// that writes schema_meta and must run before any pipeline opens the store.
func (s *DuckStore) Migrate(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_meta (
		version    INTEGER NOT NULL,
		applied_at TIMESTAMP NOT NULL
	)`); err != nil {
		return persistErr("create schema_meta", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if current > CurrentSchemaVersion {
		return fmt.Errorf("%w: database is at version %d, this build supports %d", ErrSchemaMismatch, current, CurrentSchemaVersion)
	}

	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		start := time.Now()
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return persistErr("begin migration", err)
		}
		for _, stmt := range m.statements {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return persistErr(fmt.Sprintf("migration %d", m.version), err)
			}
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_meta (version, applied_at) VALUES (?, ?)`,
			m.version, time.Now().UTC()); err != nil {
			tx.Rollback()
			return persistErr(fmt.Sprintf("record migration %d", m.version), err)
		}
		if err := tx.Commit(); err != nil {
			return persistErr(fmt.Sprintf("commit migration %d", m.version), err)
		}
		s.logger.Info("schema migrated", "version", m.version, "elapsed", time.Since(start))
	}
	return nil
}

// SchemaVersion returns the applied schema version, 0 for an empty database.
func (s *DuckStore) SchemaVersion(ctx context.Context) (int, error) {
	var tables int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM information_schema.tables WHERE table_name = 'schema_meta'`).Scan(&tables)
	if err != nil {
		return 0, persistErr("schema version", err)
	}
	if tables == 0 {
		return 0, nil
	}

	var version int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_meta`).Scan(&version); err != nil {
		return 0, persistErr("schema version", err)
	}
	return version, nil
}

// CheckSchema fails unless the database is exactly at CurrentSchemaVersion.
func (s *DuckStore) CheckSchema(ctx context.Context) error {
	v, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	if v != CurrentSchemaVersion {
		return fmt.Errorf("%w: database is at version %d, want %d (run migrations first)", ErrSchemaMismatch, v, CurrentSchemaVersion)
	}
	return nil
}
