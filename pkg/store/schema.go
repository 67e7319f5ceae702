package store

import (
	"context"
	"fmt"
)

var schema = []string{
	`CREATE TABLE IF NOT EXISTS user (
		id TEXT PRIMARY KEY,
		email TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL DEFAULT '',
		credits INTEGER NOT NULL DEFAULT 0,
		is_premium INTEGER NOT NULL DEFAULT 0,
		byok_enabled INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS byok_credential (
		user_id TEXT PRIMARY KEY REFERENCES user (id) ON DELETE CASCADE,
		api_key TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS profile (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES user (id) ON DELETE CASCADE,
		name TEXT NOT NULL DEFAULT '',
		is_active INTEGER NOT NULL DEFAULT 0,
		created_ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_profile_user ON profile (user_id)`,
	`CREATE TABLE IF NOT EXISTS customization (
		profile_id TEXT PRIMARY KEY REFERENCES profile (id) ON DELETE CASCADE,
		system_name TEXT NOT NULL DEFAULT '',
		system_bio TEXT NOT NULL DEFAULT '',
		system_traits TEXT NOT NULL DEFAULT '',
		system_prompt TEXT NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS conversation (
		id TEXT PRIMARY KEY,
		profile_id TEXT NOT NULL REFERENCES profile (id) ON DELETE CASCADE,
		title TEXT NOT NULL DEFAULT '',
		summary TEXT,
		pinned INTEGER NOT NULL DEFAULT 0,
		archived INTEGER NOT NULL DEFAULT 0,
		temporary INTEGER NOT NULL DEFAULT 0,
		expires_ts INTEGER,
		created_ts INTEGER NOT NULL,
		updated_ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_profile ON conversation (profile_id)`,
	`CREATE INDEX IF NOT EXISTS idx_conversation_expires ON conversation (expires_ts) WHERE expires_ts IS NOT NULL`,
	`CREATE TABLE IF NOT EXISTS message (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL REFERENCES conversation (id) ON DELETE CASCADE,
		role TEXT NOT NULL CHECK (role IN ('user', 'ai')),
		response TEXT NOT NULL,
		model_name TEXT NOT NULL DEFAULT '',
		created_ts INTEGER NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_message_conversation ON message (conversation_id, created_ts)`,
}

func (s *Store) ensureTables(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}
