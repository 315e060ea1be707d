package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/mcdev12/publicgoods/go/internal/sqlutil"
)

// Dialect selects placeholder syntax and column types.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// rebind rewrites ? placeholders into $n for Postgres.
func (d Dialect) rebind(query string) string {
	if d != DialectPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type columnTypes struct {
	timestamp string
	json      string
	boolean   string
	real      string
}

func (d Dialect) types() columnTypes {
	if d == DialectPostgres {
		return columnTypes{timestamp: "TIMESTAMPTZ", json: "JSONB", boolean: "BOOLEAN", real: "DOUBLE PRECISION"}
	}
	return columnTypes{timestamp: "DATETIME", json: "TEXT", boolean: "BOOLEAN", real: "REAL"}
}

func (d Dialect) schema() []string {
	t := d.types()
	return []string{
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS experiment_groups (
    room_id TEXT PRIMARY KEY,
    status TEXT NOT NULL DEFAULT 'waiting',
    total_contribution INTEGER NOT NULL DEFAULT 0,
    total_credits_distributed INTEGER NOT NULL DEFAULT 0,
    started_at %[1]s,
    ended_at %[1]s,
    completion_rate %[2]s NOT NULL DEFAULT 0,
    avg_decision_time_ms INTEGER NOT NULL DEFAULT 0,
    created_at %[1]s NOT NULL
)`, t.timestamp, t.real),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS experiment_sessions (
    id TEXT PRIMARY KEY,
    player_id TEXT NOT NULL,
    room_id TEXT NOT NULL,
    player_number INTEGER NOT NULL,
    display_name TEXT,
    identity TEXT,
    condition TEXT NOT NULL,
    consent_given %[2]s NOT NULL,
    contribution INTEGER NOT NULL,
    intended_contribution INTEGER NOT NULL,
    timed_out %[2]s NOT NULL DEFAULT FALSE,
    decision_time_ms INTEGER NOT NULL,
    credits_won INTEGER NOT NULL,
    lottery_tickets INTEGER NOT NULL,
    comprehension_q1 TEXT,
    comprehension_q2 TEXT,
    age INTEGER,
    gender TEXT,
    major TEXT,
    instructions_time_ms INTEGER NOT NULL DEFAULT 0,
    joined_at %[1]s NOT NULL,
    consent_at %[1]s,
    demographics_at %[1]s,
    instructions_start_at %[1]s,
    contribution_start_at %[1]s,
    contribution_at %[1]s,
    comprehension_at %[1]s,
    completion_at %[1]s,
    user_agent TEXT,
    remote_addr TEXT,
    session_duration_ms INTEGER NOT NULL DEFAULT 0,
    created_at %[1]s NOT NULL
)`, t.timestamp, t.boolean),
		`CREATE INDEX IF NOT EXISTS idx_experiment_sessions_room ON experiment_sessions (room_id)`,
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS experiment_interactions (
    id TEXT PRIMARY KEY,
    player_id TEXT NOT NULL,
    room_id TEXT NOT NULL,
    action_type TEXT NOT NULL,
    action_data %[2]s,
    created_at %[1]s NOT NULL
)`, t.timestamp, t.json),
		`CREATE INDEX IF NOT EXISTS idx_experiment_interactions_room ON experiment_interactions (room_id, created_at)`,
	}
}

func ensureSchema(ctx context.Context, db sqlutil.DBTX, d Dialect) error {
	for _, stmt := range d.schema() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}
