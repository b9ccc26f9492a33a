package storage

import (
	"strconv"
	"strings"
)

type dialect struct {
	name string
	// lockRow is appended to reads of rows that are about to be modified in
	// the same transaction.
	lockRow string
	// lockSkip additionally skips rows another transaction already holds.
	lockSkip   string
	numbered   bool
	migrations []string
}

func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

var sqliteDialect = dialect{
	name:       "sqlite",
	migrations: schema("DATETIME", "TEXT", "INTEGER"),
}

var postgresDialect = dialect{
	name:       "postgres",
	lockRow:    " FOR UPDATE",
	lockSkip:   " FOR UPDATE SKIP LOCKED",
	numbered:   true,
	migrations: schema("TIMESTAMPTZ", "NUMERIC(18,6)", "BOOLEAN"),
}

func schema(ts, money, flag string) []string {
	r := strings.NewReplacer("{ts}", ts, "{money}", money, "{flag}", flag)
	queries := []string{
		`CREATE TABLE IF NOT EXISTS providers (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			adapter TEXT NOT NULL DEFAULT '',
			active {flag} NOT NULL DEFAULT TRUE,
			is_primary {flag} NOT NULL DEFAULT FALSE,
			cost_per_segment {money} NOT NULL DEFAULT 0,
			default_sender TEXT NOT NULL DEFAULT '',
			config TEXT NOT NULL DEFAULT '{}',
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS blacklist (
			id TEXT PRIMARY KEY,
			destination TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			active {flag} NOT NULL DEFAULT TRUE,
			created_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS opt_outs (
			id TEXT PRIMARY KEY,
			destination TEXT NOT NULL,
			customer_id TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT 'all',
			active {flag} NOT NULL DEFAULT TRUE,
			created_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS spending_limits (
			id TEXT PRIMARY KEY,
			soft_limit {money} NOT NULL,
			hard_limit {money} NOT NULL,
			cycle_type TEXT NOT NULL,
			cycle_start {ts} NOT NULL,
			current_spending {money} NOT NULL DEFAULT 0,
			soft_limit_notified {flag} NOT NULL DEFAULT FALSE,
			hard_limit_reached {flag} NOT NULL DEFAULT FALSE,
			active {flag} NOT NULL DEFAULT TRUE,
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS spending_overrides (
			id TEXT PRIMARY KEY,
			limit_id TEXT NOT NULL REFERENCES spending_limits(id) ON DELETE CASCADE,
			override_type TEXT NOT NULL,
			reason TEXT NOT NULL DEFAULT '',
			expires_at {ts},
			created_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queue_items (
			id TEXT PRIMARY KEY,
			destination TEXT NOT NULL,
			message TEXT NOT NULL,
			template_code TEXT NOT NULL DEFAULT '',
			template_version INTEGER NOT NULL DEFAULT 0,
			variant TEXT NOT NULL DEFAULT '',
			variables TEXT NOT NULL DEFAULT '{}',
			provider_id TEXT NOT NULL DEFAULT '',
			sender_id TEXT NOT NULL DEFAULT '',
			customer_id TEXT NOT NULL DEFAULT '',
			message_category TEXT NOT NULL,
			priority INTEGER NOT NULL,
			character_count INTEGER NOT NULL,
			segment_count INTEGER NOT NULL,
			cost {money} NOT NULL,
			schedule_type TEXT NOT NULL,
			scheduled_at {ts},
			timezone TEXT NOT NULL DEFAULT '',
			recurring TEXT NOT NULL DEFAULT '',
			due_at {ts} NOT NULL,
			status TEXT NOT NULL DEFAULT 'pending',
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 0,
			failure_reason TEXT NOT NULL DEFAULT '',
			provider_message_id TEXT NOT NULL DEFAULT '',
			component_name TEXT NOT NULL DEFAULT '',
			component_reference_id TEXT NOT NULL DEFAULT '',
			claimed_at {ts},
			sent_at {ts},
			created_at {ts} NOT NULL,
			updated_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS history (
			id TEXT PRIMARY KEY,
			queue_id TEXT NOT NULL REFERENCES queue_items(id) ON DELETE CASCADE,
			destination TEXT NOT NULL,
			provider_id TEXT NOT NULL DEFAULT '',
			provider_message_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			attempt INTEGER NOT NULL,
			segment_count INTEGER NOT NULL,
			cost {money} NOT NULL,
			failure_reason TEXT NOT NULL DEFAULT '',
			latency_ms INTEGER NOT NULL DEFAULT 0,
			created_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS templates (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL DEFAULT '',
			category TEXT NOT NULL DEFAULT '',
			active {flag} NOT NULL DEFAULT TRUE,
			created_at {ts} NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS template_versions (
			id TEXT PRIMARY KEY,
			template_id TEXT NOT NULL REFERENCES templates(id) ON DELETE CASCADE,
			version INTEGER NOT NULL,
			body TEXT NOT NULL,
			variants TEXT NOT NULL DEFAULT '[]',
			created_at {ts} NOT NULL,
			UNIQUE (template_id, version)
		)`,
		`CREATE TABLE IF NOT EXISTS engagement_scores (
			destination TEXT PRIMARY KEY,
			score DOUBLE PRECISION NOT NULL,
			total INTEGER NOT NULL,
			delivered INTEGER NOT NULL,
			best_hour INTEGER NOT NULL,
			computed_at {ts} NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_blacklist_destination ON blacklist(destination)`,
		`CREATE INDEX IF NOT EXISTS idx_opt_outs_destination ON opt_outs(destination)`,
		`CREATE INDEX IF NOT EXISTS idx_overrides_limit ON spending_overrides(limit_id)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_due ON queue_items(status, due_at, priority)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_claimed ON queue_items(status, claimed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_history_queue ON history(queue_id)`,
		`CREATE INDEX IF NOT EXISTS idx_history_destination ON history(destination, created_at)`,
	}
	for i, q := range queries {
		queries[i] = r.Replace(q)
	}
	return queries
}
