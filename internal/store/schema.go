package store

// migrate creates tables on first run.
func (s *Store) migrate() error {
	stmts := []string{
		// Idempotency ledger: (user_id, key) uniqueness is the sole
		// correctness mechanism for exactly-once application.
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			user_id      TEXT NOT NULL,
			key          TEXT NOT NULL,
			entity_type  TEXT NOT NULL,
			entity_id    TEXT NOT NULL DEFAULT '',
			request_id   TEXT NOT NULL DEFAULT '',
			status       TEXT NOT NULL DEFAULT 'PENDING',
			error        TEXT NOT NULL DEFAULT '',
			processed_at INTEGER,
			created_at   INTEGER NOT NULL,
			PRIMARY KEY (user_id, key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_created
			ON idempotency_keys(created_at)`,

		// updated_at is the client's LWW timestamp; synced_at is the server
		// clock at apply time. The changes watermark runs on synced_at so an
		// edit made offline (old client timestamp) is still visible to
		// devices that fetched after it was made but before it uploaded.
		`CREATE TABLE IF NOT EXISTS entities (
			user_id     TEXT NOT NULL,
			entity_type TEXT NOT NULL,
			local_id    TEXT NOT NULL,
			id          TEXT NOT NULL,
			fields      TEXT NOT NULL DEFAULT '{}',
			created_at  INTEGER NOT NULL,
			updated_at  INTEGER NOT NULL,
			synced_at   INTEGER NOT NULL,
			deleted_at  INTEGER,
			PRIMARY KEY (user_id, entity_type, local_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_entities_synced
			ON entities(user_id, synced_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
