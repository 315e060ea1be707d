package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/publicgoods/go/internal/models"
)

func newTestStore(t *testing.T) *SQLStore {
	t.Helper()
	s, err := NewSQLite(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("NewSQLite: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func ptr(t time.Time) *time.Time { return &t }

func session(roomID uuid.UUID, number int, cond models.Condition, contribution int, timedOut bool, at time.Time) models.SessionRecord {
	return models.SessionRecord{
		ID:                   uuid.New(),
		PlayerID:             uuid.New(),
		RoomID:               roomID,
		PlayerNumber:         number,
		DisplayName:          "player",
		Identity:             "p@example.com",
		Condition:            cond,
		ConsentGiven:         true,
		Contribution:         contribution,
		IntendedContribution: contribution + 1,
		TimedOut:             timedOut,
		DecisionTimeMs:       4000,
		CreditsWon:           20 - contribution,
		LotteryTickets:       2,
		Comprehension:        models.ComprehensionAnswers{Q1: "10", Q2: "depends"},
		Demographics:         models.Demographics{Age: 21, Gender: "female", Major: "economics"},
		InstructionsTimeMs:   30000,
		Timestamps: models.PhaseTimestamps{
			Joined:       at.Add(-time.Minute),
			Consent:      ptr(at.Add(-50 * time.Second)),
			Contribution: ptr(at.Add(-10 * time.Second)),
		},
		UserAgent:  "test",
		RemoteAddr: "127.0.0.1",
		CreatedAt:  at,
	}
}

func TestSQLiteRecordsAndExports(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	roomID := uuid.New()

	if err := s.CreateGroup(ctx, models.GroupSummary{RoomID: roomID, Status: models.GroupStatusWaiting, CreatedAt: base}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	// Creating twice is a no-op.
	if err := s.CreateGroup(ctx, models.GroupSummary{RoomID: roomID, Status: models.GroupStatusWaiting, CreatedAt: base}); err != nil {
		t.Fatalf("CreateGroup again: %v", err)
	}

	playerID := uuid.New()
	err := s.AppendInteraction(ctx, models.Interaction{
		ID: uuid.New(), PlayerID: playerID, RoomID: roomID,
		ActionType: "submit_contribution", ActionData: json.RawMessage(`{"value":7}`), At: base.Add(time.Second),
	})
	if err != nil {
		t.Fatalf("AppendInteraction: %v", err)
	}
	err = s.AppendInteraction(ctx, models.Interaction{
		ID: uuid.New(), PlayerID: playerID, RoomID: roomID, ActionType: "disconnect", At: base.Add(2 * time.Second),
	})
	if err != nil {
		t.Fatalf("AppendInteraction without data: %v", err)
	}

	at := base.Add(5 * time.Minute)
	records := []models.SessionRecord{
		session(roomID, 1, models.ConditionPressure, 0, true, at),
		session(roomID, 2, models.ConditionPressure, 10, false, at),
		session(roomID, 3, models.ConditionDelay, 4, false, at),
		session(roomID, 4, models.ConditionDelay, 6, false, at),
	}
	for _, r := range records {
		if err := s.AppendSessionRecord(ctx, r); err != nil {
			t.Fatalf("AppendSessionRecord: %v", err)
		}
	}

	err = s.UpdateGroupSummary(ctx, models.GroupSummary{
		RoomID:                  roomID,
		Status:                  models.GroupStatusCompleted,
		TotalContribution:       20,
		TotalCreditsDistributed: 60,
		StartedAt:               ptr(base),
		EndedAt:                 ptr(at),
		CompletionRate:          1,
		AvgDecisionTimeMs:       4000,
	})
	if err != nil {
		t.Fatalf("UpdateGroupSummary: %v", err)
	}

	groups, err := s.Groups(ctx)
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if len(groups) != 1 {
		t.Fatalf("groups = %d", len(groups))
	}
	g := groups[0]
	if g.Status != models.GroupStatusCompleted || g.TotalContribution != 20 || g.TotalCreditsDistributed != 60 {
		t.Fatalf("unexpected group: %+v", g)
	}
	if g.EndedAt == nil || !g.EndedAt.Equal(at) || !g.CreatedAt.Equal(base) {
		t.Fatalf("group times not preserved: %+v", g)
	}

	sessions, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 4 {
		t.Fatalf("sessions = %d", len(sessions))
	}
	first := sessions[0]
	if first.PlayerNumber != 1 || !first.TimedOut || first.Condition != models.ConditionPressure {
		t.Fatalf("unexpected first session: %+v", first)
	}
	if first.Demographics.Major != "economics" || first.Comprehension.Q2 != "depends" {
		t.Fatalf("flattened fields lost: %+v", first)
	}
	if first.Timestamps.Consent == nil || first.Timestamps.Demographics != nil {
		t.Fatalf("nullable timestamps wrong: %+v", first.Timestamps)
	}

	interactions, err := s.Interactions(ctx, 10)
	if err != nil {
		t.Fatalf("Interactions: %v", err)
	}
	if len(interactions) != 2 || interactions[0].ActionType != "disconnect" {
		t.Fatalf("unexpected interactions: %+v", interactions)
	}
	if interactions[0].ActionData != nil {
		t.Fatalf("expected no action data, got %s", interactions[0].ActionData)
	}
	var data struct{ Value int }
	if err := json.Unmarshal(interactions[1].ActionData, &data); err != nil || data.Value != 7 {
		t.Fatalf("action data = %s (%v)", interactions[1].ActionData, err)
	}

	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalSessions != 4 || stats.TotalGroups != 1 || stats.CompletedGroups != 1 {
		t.Fatalf("unexpected counts: %+v", stats)
	}
	if stats.AvgContribution != 5 || stats.TimeoutRate != 0.25 {
		t.Fatalf("unexpected averages: %+v", stats)
	}
	if len(stats.ByCondition) != 2 || stats.ByCondition[0].Condition != models.ConditionDelay {
		t.Fatalf("unexpected condition breakdown: %+v", stats.ByCondition)
	}
	if stats.ByCondition[1].TimedOut != 1 || stats.ByCondition[1].AvgContribution != 5 {
		t.Fatalf("unexpected pressure stats: %+v", stats.ByCondition[1])
	}
}

func TestUpdateGroupSummaryInsertsMissingRow(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	roomID := uuid.New()
	started := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	err := s.UpdateGroupSummary(ctx, models.GroupSummary{
		RoomID: roomID, Status: models.GroupStatusCompleted, TotalContribution: 12, StartedAt: &started,
	})
	if err != nil {
		t.Fatalf("UpdateGroupSummary: %v", err)
	}
	groups, err := s.Groups(ctx)
	if err != nil {
		t.Fatalf("Groups: %v", err)
	}
	if len(groups) != 1 || groups[0].TotalContribution != 12 || groups[0].Status != models.GroupStatusCompleted {
		t.Fatalf("unexpected groups: %+v", groups)
	}
}

func TestRepeatedWritesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	roomID := uuid.New()

	interaction := models.Interaction{
		ID: uuid.New(), PlayerID: uuid.New(), RoomID: roomID,
		ActionType: "submit_consent", ActionData: json.RawMessage(`{"consentGiven":true}`), At: at,
	}
	rec := session(roomID, 1, models.ConditionDelay, 5, false, at)
	for i := 0; i < 2; i++ {
		if err := s.AppendInteraction(ctx, interaction); err != nil {
			t.Fatalf("AppendInteraction #%d: %v", i+1, err)
		}
		if err := s.AppendSessionRecord(ctx, rec); err != nil {
			t.Fatalf("AppendSessionRecord #%d: %v", i+1, err)
		}
	}

	interactions, err := s.Interactions(ctx, 0)
	if err != nil {
		t.Fatalf("Interactions: %v", err)
	}
	if len(interactions) != 1 {
		t.Fatalf("got %d interactions, want 1", len(interactions))
	}
	sessions, err := s.Sessions(ctx)
	if err != nil {
		t.Fatalf("Sessions: %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
}

func TestAnalysisQueries(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	early := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	late := early.Add(time.Hour)
	roomA, roomB := uuid.New(), uuid.New()

	for _, g := range []models.GroupSummary{
		{RoomID: roomA, Status: models.GroupStatusCompleted, StartedAt: ptr(early), EndedAt: ptr(early.Add(5 * time.Minute)), CreatedAt: early},
		{RoomID: roomB, Status: models.GroupStatusCompleted, StartedAt: ptr(late), EndedAt: ptr(late.Add(5 * time.Minute)), CreatedAt: late},
	} {
		if err := s.CreateGroup(ctx, g); err != nil {
			t.Fatalf("CreateGroup: %v", err)
		}
		if err := s.UpdateGroupSummary(ctx, g); err != nil {
			t.Fatalf("UpdateGroupSummary: %v", err)
		}
	}
	for _, rec := range []models.SessionRecord{
		session(roomA, 1, models.ConditionDelay, 4, false, early.Add(5*time.Minute)),
		session(roomA, 2, models.ConditionDelay, 6, false, early.Add(5*time.Minute)),
		session(roomB, 1, models.ConditionPressure, 10, true, late.Add(5*time.Minute)),
	} {
		if err := s.AppendSessionRecord(ctx, rec); err != nil {
			t.Fatalf("AppendSessionRecord: %v", err)
		}
	}

	rows, err := s.Correlation(ctx)
	if err != nil {
		t.Fatalf("Correlation: %v", err)
	}
	if len(rows) != 3 {
		t.Fatalf("got %d correlation rows, want 3", len(rows))
	}
	first := rows[0]
	if first.RoomID != roomA.String() || first.Contribution != 4 || first.DecisionTimeMs != 4000 {
		t.Fatalf("unexpected first row: %+v", first)
	}
	if first.Age != 21 || first.Gender != "female" || first.InstructionsTimeMs != 30000 || first.SessionDurationMs != 60000 {
		t.Fatalf("unexpected first row demographics: %+v", first)
	}
	if last := rows[2]; last.Condition != models.ConditionPressure || !last.TimedOut {
		t.Fatalf("unexpected last row: %+v", last)
	}

	groups, err := s.GroupAnalysis(ctx)
	if err != nil {
		t.Fatalf("GroupAnalysis: %v", err)
	}
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2", len(groups))
	}
	if groups[0].RoomID != roomB.String() {
		t.Fatalf("most recent group should come first, got %s", groups[0].RoomID)
	}
	a := groups[1]
	if a.GroupSize != 2 || a.TotalContribution != 10 || a.AvgContribution != 5 || a.AvgCredits != 15 || a.AvgDecisionTimeMs != 4000 {
		t.Fatalf("unexpected group aggregate: %+v", a)
	}
	if a.StartedAt == nil || !a.StartedAt.Equal(early) || a.EndedAt == nil || !a.EndedAt.Equal(early.Add(5*time.Minute)) {
		t.Fatalf("unexpected group window: %+v", a)
	}
}

func TestPurgeAndEmptyStats(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	roomID := uuid.New()
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if err := s.CreateGroup(ctx, models.GroupSummary{RoomID: roomID, Status: models.GroupStatusWaiting, CreatedAt: at}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	if err := s.AppendSessionRecord(ctx, session(roomID, 1, models.ConditionDelay, 3, false, at)); err != nil {
		t.Fatalf("AppendSessionRecord: %v", err)
	}

	if err := s.Purge(ctx); err != nil {
		t.Fatalf("Purge: %v", err)
	}
	stats, err := s.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalSessions != 0 || stats.AvgContribution != 0 || len(stats.ByCondition) != 0 {
		t.Fatalf("stats after purge: %+v", stats)
	}
}

func TestRebind(t *testing.T) {
	q := "SELECT a FROM t WHERE b = ? AND c = ?"
	if got := DialectPostgres.rebind(q); got != "SELECT a FROM t WHERE b = $1 AND c = $2" {
		t.Fatalf("postgres rebind = %q", got)
	}
	if got := DialectSQLite.rebind(q); got != q {
		t.Fatalf("sqlite rebind changed the query: %q", got)
	}
}

func TestModeFromEnv(t *testing.T) {
	cases := map[string]Mode{"": ModeSQLite, "postgres": ModePostgres, "PG": ModePostgres, "memory": ModeMemory, "other": ModeSQLite}
	for in, want := range cases {
		t.Setenv("STORE_MODE", in)
		if got := ModeFromEnv(); got != want {
			t.Fatalf("ModeFromEnv(%q) = %s, want %s", in, got, want)
		}
	}
}
