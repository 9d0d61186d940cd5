package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
)

// schemaVersion is the current expected schema version.
const schemaVersion = 3

// migration is a single schema step with one body per dialect.
type migration struct {
	Version     int
	Description string
	SQLite      string
	Postgres    string
}

func (m migration) body(d Dialect) string {
	if d == DialectPostgres {
		return m.Postgres
	}
	return m.SQLite
}

// migrations is the ordered list of schema migrations.
// Each is applied exactly once, tracked in the schema_version table.
var migrations = []migration{
	{
		Version:     1,
		Description: "conversations and messages",
		SQLite: `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			external_id     TEXT NOT NULL DEFAULT '',
			address         TEXT NOT NULL DEFAULT '',
			channels        TEXT NOT NULL DEFAULT '',
			current_channel TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			closed_reason   TEXT NOT NULL DEFAULT '',
			context         TEXT NOT NULL DEFAULT '',
			duration_sec    INTEGER NOT NULL DEFAULT 0,
			created_at      DATETIME NOT NULL,
			last_message_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conv_external ON conversations(external_id);
		CREATE INDEX IF NOT EXISTS idx_conv_active ON conversations(tenant_id, address, current_channel, status);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq             INTEGER NOT NULL,
			channel         TEXT NOT NULL,
			direction       TEXT NOT NULL,
			sender_role     TEXT NOT NULL,
			content         TEXT NOT NULL,
			duration_ms     INTEGER NOT NULL DEFAULT 0,
			created_at      DATETIME NOT NULL,
			UNIQUE(conversation_id, seq)
		)
		`,
		Postgres: `
		CREATE TABLE IF NOT EXISTS conversations (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			external_id     TEXT NOT NULL DEFAULT '',
			address         TEXT NOT NULL DEFAULT '',
			channels        TEXT NOT NULL DEFAULT '',
			current_channel TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'active',
			closed_reason   TEXT NOT NULL DEFAULT '',
			context         TEXT NOT NULL DEFAULT '',
			duration_sec    INTEGER NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL,
			last_message_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_conv_external ON conversations(external_id);
		CREATE INDEX IF NOT EXISTS idx_conv_active ON conversations(tenant_id, address, current_channel, status);

		CREATE TABLE IF NOT EXISTS messages (
			id              TEXT PRIMARY KEY,
			conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
			seq             BIGINT NOT NULL,
			channel         TEXT NOT NULL,
			direction       TEXT NOT NULL,
			sender_role     TEXT NOT NULL,
			content         TEXT NOT NULL,
			duration_ms     BIGINT NOT NULL DEFAULT 0,
			created_at      TIMESTAMPTZ NOT NULL,
			UNIQUE(conversation_id, seq)
		)
		`,
	},
	{
		Version:     2,
		Description: "knowledge documents, chunks and search logs",
		SQLite: `
		CREATE TABLE IF NOT EXISTS documents (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			agent_id         TEXT NOT NULL DEFAULT '',
			title            TEXT NOT NULL DEFAULT '',
			url              TEXT NOT NULL DEFAULT '',
			source_type      TEXT NOT NULL DEFAULT 'text',
			metadata         TEXT NOT NULL DEFAULT '',
			chunk_count      INTEGER NOT NULL DEFAULT 0,
			embedding_status TEXT NOT NULL DEFAULT 'pending',
			created_at       DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);

		CREATE TABLE IF NOT EXISTS chunks (
			id               TEXT PRIMARY KEY,
			document_id      TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			tenant_id        TEXT NOT NULL,
			chunk_index      INTEGER NOT NULL,
			content          TEXT NOT NULL,
			token_count      INTEGER NOT NULL DEFAULT 0,
			embedding_status TEXT NOT NULL DEFAULT 'pending',
			embedding_model  TEXT NOT NULL DEFAULT '',
			embedding_dim    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(document_id, chunk_index);

		CREATE TABLE IF NOT EXISTS search_logs (
			id                 INTEGER PRIMARY KEY AUTOINCREMENT,
			tenant_id          TEXT NOT NULL,
			agent_id           TEXT NOT NULL DEFAULT '',
			query              TEXT NOT NULL,
			results_count      INTEGER NOT NULL,
			top_score          REAL NOT NULL DEFAULT 0,
			processing_time_ms INTEGER NOT NULL DEFAULT 0,
			embedding_provider TEXT NOT NULL DEFAULT '',
			created_at         DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_search_logs_tenant ON search_logs(tenant_id, created_at)
		`,
		Postgres: `
		CREATE TABLE IF NOT EXISTS documents (
			id               TEXT PRIMARY KEY,
			tenant_id        TEXT NOT NULL,
			agent_id         TEXT NOT NULL DEFAULT '',
			title            TEXT NOT NULL DEFAULT '',
			url              TEXT NOT NULL DEFAULT '',
			source_type      TEXT NOT NULL DEFAULT 'text',
			metadata         TEXT NOT NULL DEFAULT '',
			chunk_count      INTEGER NOT NULL DEFAULT 0,
			embedding_status TEXT NOT NULL DEFAULT 'pending',
			created_at       TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_documents_tenant ON documents(tenant_id);

		CREATE TABLE IF NOT EXISTS chunks (
			id               TEXT PRIMARY KEY,
			document_id      TEXT NOT NULL REFERENCES documents(id) ON DELETE CASCADE,
			tenant_id        TEXT NOT NULL,
			chunk_index      INTEGER NOT NULL,
			content          TEXT NOT NULL,
			token_count      INTEGER NOT NULL DEFAULT 0,
			embedding_status TEXT NOT NULL DEFAULT 'pending',
			embedding_model  TEXT NOT NULL DEFAULT '',
			embedding_dim    INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_chunks_doc ON chunks(document_id, chunk_index);

		CREATE TABLE IF NOT EXISTS search_logs (
			id                 BIGSERIAL PRIMARY KEY,
			tenant_id          TEXT NOT NULL,
			agent_id           TEXT NOT NULL DEFAULT '',
			query              TEXT NOT NULL,
			results_count      INTEGER NOT NULL,
			top_score          DOUBLE PRECISION NOT NULL DEFAULT 0,
			processing_time_ms BIGINT NOT NULL DEFAULT 0,
			embedding_provider TEXT NOT NULL DEFAULT '',
			created_at         TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_search_logs_tenant ON search_logs(tenant_id, created_at)
		`,
	},
	{
		Version:     3,
		Description: "availability slots and appointments",
		SQLite: `
		CREATE TABLE IF NOT EXISTS availability_slots (
			tenant_id    TEXT NOT NULL,
			date         TEXT NOT NULL,
			time         TEXT NOT NULL,
			service_type TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant_id, date, time, service_type)
		);

		CREATE TABLE IF NOT EXISTS appointments (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			date            TEXT NOT NULL,
			time            TEXT NOT NULL,
			client_name     TEXT NOT NULL,
			client_phone    TEXT NOT NULL DEFAULT '',
			property_id     TEXT NOT NULL DEFAULT '',
			agent_id        TEXT NOT NULL DEFAULT '',
			service_type    TEXT NOT NULL DEFAULT '',
			notes           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'booked',
			idempotency_key TEXT NOT NULL,
			created_at      DATETIME NOT NULL,
			UNIQUE(tenant_id, idempotency_key)
		);
		CREATE INDEX IF NOT EXISTS idx_appointments_slot ON appointments(tenant_id, date, time)
		`,
		Postgres: `
		CREATE TABLE IF NOT EXISTS availability_slots (
			tenant_id    TEXT NOT NULL,
			date         TEXT NOT NULL,
			time         TEXT NOT NULL,
			service_type TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (tenant_id, date, time, service_type)
		);

		CREATE TABLE IF NOT EXISTS appointments (
			id              TEXT PRIMARY KEY,
			tenant_id       TEXT NOT NULL,
			conversation_id TEXT NOT NULL DEFAULT '',
			date            TEXT NOT NULL,
			time            TEXT NOT NULL,
			client_name     TEXT NOT NULL,
			client_phone    TEXT NOT NULL DEFAULT '',
			property_id     TEXT NOT NULL DEFAULT '',
			agent_id        TEXT NOT NULL DEFAULT '',
			service_type    TEXT NOT NULL DEFAULT '',
			notes           TEXT NOT NULL DEFAULT '',
			status          TEXT NOT NULL DEFAULT 'booked',
			idempotency_key TEXT NOT NULL,
			created_at      TIMESTAMPTZ NOT NULL,
			UNIQUE(tenant_id, idempotency_key)
		);
		CREATE INDEX IF NOT EXISTS idx_appointments_slot ON appointments(tenant_id, date, time)
		`,
	},
}

// RunMigrations applies all pending schema migrations for dialect d.
func RunMigrations(db *sql.DB, d Dialect, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version     INTEGER PRIMARY KEY,
			description TEXT
		)
	`); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := GetSchemaVersion(db)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", "version", m.Version, "description", m.Description, "dialect", d)

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration v%d: %w", m.Version, err)
		}
		for _, stmt := range splitSQL(m.body(d)) {
			if _, err := tx.Exec(stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("migration v%d statement failed: %w\nSQL: %s", m.Version, err, truncate(stmt, 200))
			}
		}
		if _, err := tx.Exec(
			rebind(d, "INSERT INTO schema_version (version, description) VALUES (?, ?)"),
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration v%d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration v%d: %w", m.Version, err)
		}
		logger.Info("migration applied", "version", m.Version)
	}
	return nil
}

// GetSchemaVersion returns the highest applied migration, 0 on a fresh database.
func GetSchemaVersion(db *sql.DB) (int, error) {
	var v int
	if err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&v); err != nil {
		return 0, fmt.Errorf("query schema version: %w", err)
	}
	return v, nil
}

// splitSQL splits a multi-statement body on semicolons. Bodies never contain
// semicolons inside literals.
func splitSQL(body string) []string {
	var out []string
	for _, s := range strings.Split(body, ";") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
