package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/publicgoods/go/internal/models"
	"github.com/mcdev12/publicgoods/go/internal/sqlutil"
)

// Stats aggregates completed sessions for the stats endpoint.
type Stats struct {
	TotalSessions         int              `json:"total_sessions"`
	TotalGroups           int              `json:"total_groups"`
	CompletedGroups       int              `json:"completed_groups"`
	AvgContribution       float64          `json:"avg_contribution"`
	AvgDecisionTimeMs     float64          `json:"avg_decision_time_ms"`
	AvgCredits            float64          `json:"avg_credits"`
	AvgInstructionsTimeMs float64          `json:"avg_instructions_time_ms"`
	AvgSessionDurationMs  float64          `json:"avg_session_duration_ms"`
	AvgLotteryTickets     float64          `json:"avg_lottery_tickets"`
	TimeoutRate           float64          `json:"timeout_rate"`
	ByCondition           []ConditionStats `json:"by_condition"`
}

// ConditionStats breaks the aggregates down by timing condition.
type ConditionStats struct {
	Condition               models.Condition `json:"condition"`
	Sessions                int              `json:"sessions"`
	AvgContribution         float64          `json:"avg_contribution"`
	AvgIntendedContribution float64          `json:"avg_intended_contribution"`
	AvgDecisionTimeMs       float64          `json:"avg_decision_time_ms"`
	TimedOut                int              `json:"timed_out"`
}

// CorrelationRow holds the per-session variables used for correlation work.
type CorrelationRow struct {
	RoomID             string           `json:"room_id"`
	Condition          models.Condition `json:"condition"`
	DecisionTimeMs     int              `json:"decision_time_ms"`
	Contribution       int              `json:"contribution"`
	TimedOut           bool             `json:"timed_out"`
	Age                int              `json:"age,omitempty"`
	Gender             string           `json:"gender,omitempty"`
	InstructionsTimeMs int64            `json:"instructions_time_ms"`
	SessionDurationMs  int64            `json:"session_duration_ms"`
}

// GroupAnalysis aggregates one room's completed sessions.
type GroupAnalysis struct {
	RoomID            string     `json:"room_id"`
	GroupSize         int        `json:"group_size"`
	AvgContribution   float64    `json:"avg_contribution"`
	TotalContribution int        `json:"total_contribution"`
	AvgDecisionTimeMs float64    `json:"avg_decision_time_ms"`
	AvgCredits        float64    `json:"avg_credits"`
	StartedAt         *time.Time `json:"started_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
}

// Exporter is the read side used by the export endpoints.
type Exporter interface {
	Sessions(ctx context.Context) ([]models.SessionRecord, error)
	Groups(ctx context.Context) ([]models.GroupSummary, error)
	Interactions(ctx context.Context, limit int) ([]models.Interaction, error)
	Stats(ctx context.Context) (Stats, error)
	Correlation(ctx context.Context) ([]CorrelationRow, error)
	GroupAnalysis(ctx context.Context) ([]GroupAnalysis, error)
}

// SQLStore persists experiment records to Postgres or SQLite. It satisfies
// recorder.Recorder and Exporter.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	queries *Queries
}

func newSQLStore(ctx context.Context, db *sql.DB, d Dialect) (*SQLStore, error) {
	if err := ensureSchema(ctx, db, d); err != nil {
		return nil, err
	}
	return &SQLStore{db: db, dialect: d, queries: newQueries(db, d)}, nil
}

// Dialect reports which backend the store writes to.
func (s *SQLStore) Dialect() Dialect { return s.dialect }

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLStore) CreateGroup(ctx context.Context, group models.GroupSummary) error {
	if err := s.queries.InsertGroup(ctx, group); err != nil {
		return fmt.Errorf("failed to insert group %s: %w", group.RoomID, err)
	}
	return nil
}

func (s *SQLStore) AppendInteraction(ctx context.Context, interaction models.Interaction) error {
	if err := s.queries.InsertInteraction(ctx, interaction); err != nil {
		return fmt.Errorf("failed to insert interaction %s: %w", interaction.ActionType, err)
	}
	return nil
}

func (s *SQLStore) AppendSessionRecord(ctx context.Context, record models.SessionRecord) error {
	if err := s.queries.InsertSession(ctx, record); err != nil {
		return fmt.Errorf("failed to insert session for player %s: %w", record.PlayerID, err)
	}
	return nil
}

// UpdateGroupSummary updates the group row, inserting it first if the
// creation write was lost.
func (s *SQLStore) UpdateGroupSummary(ctx context.Context, group models.GroupSummary) error {
	err := sqlutil.Run(ctx, s.db, s.bind, func(q *Queries) error {
		updated, err := q.UpdateGroup(ctx, group)
		if err != nil {
			return err
		}
		if updated {
			return nil
		}
		log.Warn().Str("room_id", group.RoomID.String()).Msg("group row missing at summary time, inserting")
		if group.CreatedAt.IsZero() {
			group.CreatedAt = time.Now().UTC()
			if group.StartedAt != nil {
				group.CreatedAt = *group.StartedAt
			}
		}
		if err := q.InsertGroup(ctx, group); err != nil {
			return err
		}
		_, err = q.UpdateGroup(ctx, group)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to update group %s: %w", group.RoomID, err)
	}
	return nil
}

func (s *SQLStore) Sessions(ctx context.Context) ([]models.SessionRecord, error) {
	out, err := s.queries.ListSessions(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Groups(ctx context.Context) ([]models.GroupSummary, error) {
	out, err := s.queries.ListGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Interactions(ctx context.Context, limit int) ([]models.Interaction, error) {
	if limit <= 0 {
		limit = 1000
	}
	out, err := s.queries.ListInteractions(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list interactions: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Stats(ctx context.Context) (Stats, error) {
	out, err := s.queries.Stats(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to compute stats: %w", err)
	}
	return out, nil
}

// Purge deletes every stored record in one transaction.
func (s *SQLStore) Correlation(ctx context.Context) ([]CorrelationRow, error) {
	out, err := s.queries.Correlation(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load correlation rows: %w", err)
	}
	return out, nil
}

func (s *SQLStore) GroupAnalysis(ctx context.Context) ([]GroupAnalysis, error) {
	out, err := s.queries.GroupAnalysis(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to analyse groups: %w", err)
	}
	return out, nil
}

func (s *SQLStore) Purge(ctx context.Context) error {
	if err := sqlutil.Run(ctx, s.db, s.bind, func(q *Queries) error {
		return q.DeleteAll(ctx)
	}); err != nil {
		return fmt.Errorf("failed to purge store: %w", err)
	}
	log.Warn().Str("dialect", string(s.dialect)).Msg("purged all experiment data")
	return nil
}

func (s *SQLStore) bind(tx sqlutil.DBTX) *Queries {
	return newQueries(tx, s.dialect)
}
