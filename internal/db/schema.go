package db

import (
	"context"
	"database/sql"
	"fmt"
)

// schemaStatements are idempotent; EnsureSchema runs them in one transaction
// at startup.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGSERIAL PRIMARY KEY,
		username TEXT NOT NULL UNIQUE,
		email TEXT UNIQUE,
		full_name TEXT NOT NULL,
		role TEXT NOT NULL CHECK (role IN ('admin','verifikator','institusi')),
		password_hash TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS auth_sessions (
		id UUID PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ,
		ip_address TEXT,
		user_agent TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS auth_sessions_user_idx ON auth_sessions(user_id)`,
	`CREATE TABLE IF NOT EXISTS institutions (
		user_id BIGINT PRIMARY KEY REFERENCES users(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		institution_type TEXT,
		address TEXT,
		pic_name TEXT,
		pic_phone TEXT,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS survey_responses (
		id BIGSERIAL PRIMARY KEY,
		user_id BIGINT NOT NULL REFERENCES users(id) ON DELETE CASCADE,
		tahun INT NOT NULL,
		answers JSONB NOT NULL DEFAULT '{}'::jsonb,
		evidence JSONB NOT NULL DEFAULT '{}'::jsonb,
		submitted_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (user_id, tahun)
	)`,
	`CREATE INDEX IF NOT EXISTS survey_responses_tahun_idx ON survey_responses(tahun)`,
	`CREATE TABLE IF NOT EXISTS verification_overlays (
		survey_id BIGINT PRIMARY KEY REFERENCES survey_responses(id) ON DELETE CASCADE,
		answers JSONB NOT NULL DEFAULT '{}'::jsonb,
		is_verified BOOLEAN NOT NULL DEFAULT FALSE,
		verified_by TEXT,
		verified_at TIMESTAMPTZ,
		updated_by BIGINT REFERENCES users(id) ON DELETE SET NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS audit_logs (
		id BIGSERIAL PRIMARY KEY,
		actor_id BIGINT,
		action TEXT NOT NULL,
		entity_type TEXT NOT NULL,
		entity_id TEXT NOT NULL,
		payload JSONB NOT NULL DEFAULT '{}'::jsonb,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
}

func EnsureSchema(ctx context.Context, conn *sql.DB) error {
	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for i, stmt := range schemaStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement %d: %w", i+1, err)
		}
	}
	return tx.Commit()
}
