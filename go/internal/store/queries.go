package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"

	"github.com/mcdev12/publicgoods/go/internal/models"
	"github.com/mcdev12/publicgoods/go/internal/sqlutil"
)

// Queries holds every statement the store runs, bound to a DB or Tx.
type Queries struct {
	db      sqlutil.DBTX
	dialect Dialect
}

func newQueries(db sqlutil.DBTX, d Dialect) *Queries {
	return &Queries{db: db, dialect: d}
}

func (q *Queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.db.ExecContext(ctx, q.dialect.rebind(query), args...)
}

func (q *Queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.db.QueryContext(ctx, q.dialect.rebind(query), args...)
}

const insertGroup = `
INSERT INTO experiment_groups (room_id, status, started_at, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (room_id) DO NOTHING`

func (q *Queries) InsertGroup(ctx context.Context, g models.GroupSummary) error {
	_, err := q.exec(ctx, insertGroup, g.RoomID.String(), string(g.Status), sqlutil.ToSqlTime(g.StartedAt), g.CreatedAt.UTC())
	return err
}

const updateGroup = `
UPDATE experiment_groups SET
    status = ?,
    total_contribution = ?,
    total_credits_distributed = ?,
    started_at = ?,
    ended_at = ?,
    completion_rate = ?,
    avg_decision_time_ms = ?
WHERE room_id = ?`

// UpdateGroup reports whether a row was changed.
func (q *Queries) UpdateGroup(ctx context.Context, g models.GroupSummary) (bool, error) {
	res, err := q.exec(ctx, updateGroup,
		string(g.Status),
		g.TotalContribution,
		g.TotalCreditsDistributed,
		sqlutil.ToSqlTime(g.StartedAt),
		sqlutil.ToSqlTime(g.EndedAt),
		g.CompletionRate,
		g.AvgDecisionTimeMs,
		g.RoomID.String(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

const insertInteraction = `
INSERT INTO experiment_interactions (id, player_id, room_id, action_type, action_data, created_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

func (q *Queries) InsertInteraction(ctx context.Context, i models.Interaction) error {
	_, err := q.exec(ctx, insertInteraction,
		i.ID.String(),
		i.PlayerID.String(),
		i.RoomID.String(),
		i.ActionType,
		pqtype.NullRawMessage{RawMessage: i.ActionData, Valid: len(i.ActionData) > 0},
		i.At.UTC(),
	)
	return err
}

const insertSession = `
INSERT INTO experiment_sessions (
    id, player_id, room_id, player_number, display_name, identity, condition,
    consent_given, contribution, intended_contribution, timed_out, decision_time_ms,
    credits_won, lottery_tickets, comprehension_q1, comprehension_q2, age, gender, major,
    instructions_time_ms, joined_at, consent_at, demographics_at, instructions_start_at,
    contribution_start_at, contribution_at, comprehension_at, completion_at,
    user_agent, remote_addr, session_duration_ms, created_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (id) DO NOTHING`

func (q *Queries) InsertSession(ctx context.Context, s models.SessionRecord) error {
	ts := s.Timestamps
	var duration int64
	if !ts.Joined.IsZero() && s.CreatedAt.After(ts.Joined) {
		duration = s.CreatedAt.Sub(ts.Joined).Milliseconds()
	}
	_, err := q.exec(ctx, insertSession,
		s.ID.String(),
		s.PlayerID.String(),
		s.RoomID.String(),
		s.PlayerNumber,
		sqlutil.ToSqlString(s.DisplayName),
		sqlutil.ToSqlString(s.Identity),
		string(s.Condition),
		s.ConsentGiven,
		s.Contribution,
		s.IntendedContribution,
		s.TimedOut,
		s.DecisionTimeMs,
		s.CreditsWon,
		s.LotteryTickets,
		sqlutil.ToSqlString(s.Comprehension.Q1),
		sqlutil.ToSqlString(s.Comprehension.Q2),
		s.Demographics.Age,
		sqlutil.ToSqlString(s.Demographics.Gender),
		sqlutil.ToSqlString(s.Demographics.Major),
		s.InstructionsTimeMs,
		ts.Joined.UTC(),
		sqlutil.ToSqlTime(ts.Consent),
		sqlutil.ToSqlTime(ts.Demographics),
		sqlutil.ToSqlTime(ts.InstructionsStart),
		sqlutil.ToSqlTime(ts.ContributionStart),
		sqlutil.ToSqlTime(ts.Contribution),
		sqlutil.ToSqlTime(ts.Comprehension),
		sqlutil.ToSqlTime(ts.Completion),
		sqlutil.ToSqlString(s.UserAgent),
		sqlutil.ToSqlString(s.RemoteAddr),
		duration,
		s.CreatedAt.UTC(),
	)
	return err
}

const listSessions = `
SELECT id, player_id, room_id, player_number, display_name, identity, condition,
    consent_given, contribution, intended_contribution, timed_out, decision_time_ms,
    credits_won, lottery_tickets, comprehension_q1, comprehension_q2, age, gender, major,
    instructions_time_ms, joined_at, consent_at, demographics_at, instructions_start_at,
    contribution_start_at, contribution_at, comprehension_at, completion_at,
    user_agent, remote_addr, created_at
FROM experiment_sessions
ORDER BY created_at DESC, room_id, player_number`

func (q *Queries) ListSessions(ctx context.Context) ([]models.SessionRecord, error) {
	rows, err := q.query(ctx, listSessions)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SessionRecord
	for rows.Next() {
		var (
			s                                   models.SessionRecord
			id, playerID, roomID, condition     string
			displayName, identity               sql.NullString
			q1, q2, gender, major               sql.NullString
			userAgent, remoteAddr               sql.NullString
			age                                 sql.NullInt64
			consent, demographics, instructions sql.NullTime
			contributionStart, contribution     sql.NullTime
			comprehension, completion           sql.NullTime
		)
		err := rows.Scan(
			&id, &playerID, &roomID, &s.PlayerNumber, &displayName, &identity, &condition,
			&s.ConsentGiven, &s.Contribution, &s.IntendedContribution, &s.TimedOut, &s.DecisionTimeMs,
			&s.CreditsWon, &s.LotteryTickets, &q1, &q2, &age, &gender, &major,
			&s.InstructionsTimeMs, &s.Timestamps.Joined, &consent, &demographics, &instructions,
			&contributionStart, &contribution, &comprehension, &completion,
			&userAgent, &remoteAddr, &s.CreatedAt,
		)
		if err != nil {
			return nil, err
		}
		if s.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad session id %q: %w", id, err)
		}
		if s.PlayerID, err = uuid.Parse(playerID); err != nil {
			return nil, fmt.Errorf("bad player id %q: %w", playerID, err)
		}
		if s.RoomID, err = uuid.Parse(roomID); err != nil {
			return nil, fmt.Errorf("bad room id %q: %w", roomID, err)
		}
		s.Condition = models.Condition(condition)
		s.DisplayName = sqlutil.FromSqlString(displayName, "")
		s.Identity = sqlutil.FromSqlString(identity, "")
		s.Comprehension = models.ComprehensionAnswers{
			Q1: sqlutil.FromSqlString(q1, ""),
			Q2: sqlutil.FromSqlString(q2, ""),
		}
		s.Demographics = models.Demographics{
			Age:    sqlutil.FromSqlInt64(age),
			Gender: sqlutil.FromSqlString(gender, ""),
			Major:  sqlutil.FromSqlString(major, ""),
		}
		s.Timestamps.Joined = s.Timestamps.Joined.UTC()
		s.Timestamps.Consent = sqlutil.FromSqlTime(consent)
		s.Timestamps.Demographics = sqlutil.FromSqlTime(demographics)
		s.Timestamps.InstructionsStart = sqlutil.FromSqlTime(instructions)
		s.Timestamps.ContributionStart = sqlutil.FromSqlTime(contributionStart)
		s.Timestamps.Contribution = sqlutil.FromSqlTime(contribution)
		s.Timestamps.Comprehension = sqlutil.FromSqlTime(comprehension)
		s.Timestamps.Completion = sqlutil.FromSqlTime(completion)
		s.UserAgent = sqlutil.FromSqlString(userAgent, "")
		s.RemoteAddr = sqlutil.FromSqlString(remoteAddr, "")
		s.CreatedAt = s.CreatedAt.UTC()
		out = append(out, s)
	}
	return out, rows.Err()
}

const listGroups = `
SELECT room_id, status, total_contribution, total_credits_distributed, started_at, ended_at,
    completion_rate, avg_decision_time_ms, created_at
FROM experiment_groups
ORDER BY created_at DESC`

func (q *Queries) ListGroups(ctx context.Context) ([]models.GroupSummary, error) {
	rows, err := q.query(ctx, listGroups)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.GroupSummary
	for rows.Next() {
		var (
			g              models.GroupSummary
			roomID, status string
			started, ended sql.NullTime
		)
		err := rows.Scan(&roomID, &status, &g.TotalContribution, &g.TotalCreditsDistributed,
			&started, &ended, &g.CompletionRate, &g.AvgDecisionTimeMs, &g.CreatedAt)
		if err != nil {
			return nil, err
		}
		if g.RoomID, err = uuid.Parse(roomID); err != nil {
			return nil, fmt.Errorf("bad room id %q: %w", roomID, err)
		}
		g.Status = models.GroupStatus(status)
		g.StartedAt = sqlutil.FromSqlTime(started)
		g.EndedAt = sqlutil.FromSqlTime(ended)
		g.CreatedAt = g.CreatedAt.UTC()
		out = append(out, g)
	}
	return out, rows.Err()
}

const listInteractions = `
SELECT id, player_id, room_id, action_type, action_data, created_at
FROM experiment_interactions
ORDER BY created_at DESC
LIMIT ?`

func (q *Queries) ListInteractions(ctx context.Context, limit int) ([]models.Interaction, error) {
	rows, err := q.query(ctx, listInteractions, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Interaction
	for rows.Next() {
		var (
			i                    models.Interaction
			id, playerID, roomID string
			data                 pqtype.NullRawMessage
		)
		if err := rows.Scan(&id, &playerID, &roomID, &i.ActionType, &data, &i.At); err != nil {
			return nil, err
		}
		if i.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("bad interaction id %q: %w", id, err)
		}
		if i.PlayerID, err = uuid.Parse(playerID); err != nil {
			return nil, fmt.Errorf("bad player id %q: %w", playerID, err)
		}
		if i.RoomID, err = uuid.Parse(roomID); err != nil {
			return nil, fmt.Errorf("bad room id %q: %w", roomID, err)
		}
		if data.Valid {
			i.ActionData = data.RawMessage
		}
		i.At = i.At.UTC()
		out = append(out, i)
	}
	return out, rows.Err()
}

const sessionStats = `
SELECT
    COUNT(*),
    COUNT(DISTINCT room_id),
    AVG(contribution),
    AVG(decision_time_ms),
    AVG(credits_won),
    AVG(instructions_time_ms),
    AVG(session_duration_ms),
    AVG(lottery_tickets),
    AVG(CASE WHEN timed_out THEN 1.0 ELSE 0.0 END)
FROM experiment_sessions`

const conditionStats = `
SELECT
    condition,
    COUNT(*),
    AVG(contribution),
    AVG(intended_contribution),
    AVG(decision_time_ms),
    SUM(CASE WHEN timed_out THEN 1 ELSE 0 END)
FROM experiment_sessions
GROUP BY condition
ORDER BY condition`

func (q *Queries) Stats(ctx context.Context) (Stats, error) {
	var (
		s                                              Stats
		avgContribution, avgDecision, avgCredits       sql.NullFloat64
		avgInstructions, avgDuration, avgTickets, rate sql.NullFloat64
	)
	row := q.db.QueryRowContext(ctx, q.dialect.rebind(sessionStats))
	err := row.Scan(&s.TotalSessions, &s.TotalGroups, &avgContribution, &avgDecision, &avgCredits,
		&avgInstructions, &avgDuration, &avgTickets, &rate)
	if err != nil {
		return Stats{}, err
	}
	s.AvgContribution = sqlutil.FromSqlFloat64(avgContribution)
	s.AvgDecisionTimeMs = sqlutil.FromSqlFloat64(avgDecision)
	s.AvgCredits = sqlutil.FromSqlFloat64(avgCredits)
	s.AvgInstructionsTimeMs = sqlutil.FromSqlFloat64(avgInstructions)
	s.AvgSessionDurationMs = sqlutil.FromSqlFloat64(avgDuration)
	s.AvgLotteryTickets = sqlutil.FromSqlFloat64(avgTickets)
	s.TimeoutRate = sqlutil.FromSqlFloat64(rate)

	if err := q.db.QueryRowContext(ctx, q.dialect.rebind(
		`SELECT COUNT(*) FROM experiment_groups WHERE status = ?`), string(models.GroupStatusCompleted),
	).Scan(&s.CompletedGroups); err != nil {
		return Stats{}, err
	}

	rows, err := q.query(ctx, conditionStats)
	if err != nil {
		return Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			c                           ConditionStats
			condition                   string
			contribution, intended, dec sql.NullFloat64
			timedOut                    sql.NullInt64
		)
		if err := rows.Scan(&condition, &c.Sessions, &contribution, &intended, &dec, &timedOut); err != nil {
			return Stats{}, err
		}
		c.Condition = models.Condition(condition)
		c.AvgContribution = sqlutil.FromSqlFloat64(contribution)
		c.AvgIntendedContribution = sqlutil.FromSqlFloat64(intended)
		c.AvgDecisionTimeMs = sqlutil.FromSqlFloat64(dec)
		c.TimedOut = sqlutil.FromSqlInt64(timedOut)
		s.ByCondition = append(s.ByCondition, c)
	}
	return s, rows.Err()
}

const correlationRows = `
SELECT room_id, condition, decision_time_ms, contribution, timed_out, age, gender,
    instructions_time_ms, session_duration_ms
FROM experiment_sessions
ORDER BY created_at, room_id, player_number`

func (q *Queries) Correlation(ctx context.Context) ([]CorrelationRow, error) {
	rows, err := q.query(ctx, correlationRows)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []CorrelationRow
	for rows.Next() {
		var (
			c         CorrelationRow
			condition string
			age       sql.NullInt64
			gender    sql.NullString
		)
		err := rows.Scan(&c.RoomID, &condition, &c.DecisionTimeMs, &c.Contribution, &c.TimedOut,
			&age, &gender, &c.InstructionsTimeMs, &c.SessionDurationMs)
		if err != nil {
			return nil, err
		}
		c.Condition = models.Condition(condition)
		c.Age = sqlutil.FromSqlInt64(age)
		c.Gender = sqlutil.FromSqlString(gender, "")
		out = append(out, c)
	}
	return out, rows.Err()
}

// started_at and ended_at come from the group row so both dialects scan a
// typed timestamp rather than an aggregate.
const groupAnalysis = `
SELECT
    s.room_id,
    COUNT(*),
    AVG(s.contribution),
    SUM(s.contribution),
    AVG(s.decision_time_ms),
    AVG(s.credits_won),
    g.started_at,
    g.ended_at
FROM experiment_sessions s
LEFT JOIN experiment_groups g ON g.room_id = s.room_id
GROUP BY s.room_id, g.started_at, g.ended_at
ORDER BY g.started_at DESC, s.room_id`

func (q *Queries) GroupAnalysis(ctx context.Context) ([]GroupAnalysis, error) {
	rows, err := q.query(ctx, groupAnalysis)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []GroupAnalysis
	for rows.Next() {
		var (
			g                              GroupAnalysis
			contribution, decision, credit sql.NullFloat64
			total                          sql.NullInt64
			started, ended                 sql.NullTime
		)
		err := rows.Scan(&g.RoomID, &g.GroupSize, &contribution, &total, &decision, &credit, &started, &ended)
		if err != nil {
			return nil, err
		}
		g.AvgContribution = sqlutil.FromSqlFloat64(contribution)
		g.TotalContribution = sqlutil.FromSqlInt64(total)
		g.AvgDecisionTimeMs = sqlutil.FromSqlFloat64(decision)
		g.AvgCredits = sqlutil.FromSqlFloat64(credit)
		g.StartedAt = sqlutil.FromSqlTime(started)
		g.EndedAt = sqlutil.FromSqlTime(ended)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (q *Queries) DeleteAll(ctx context.Context) error {
	for _, table := range []string{"experiment_sessions", "experiment_interactions", "experiment_groups"} {
		if _, err := q.exec(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}
	return nil
}
