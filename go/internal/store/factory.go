package store

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/mcdev12/publicgoods/go/internal/dbconfig"
	"github.com/mcdev12/publicgoods/go/internal/models"
	"github.com/mcdev12/publicgoods/go/internal/recorder"
)

type Mode string

const (
	ModePostgres Mode = "postgres"
	ModeSQLite   Mode = "sqlite"
	ModeMemory   Mode = "memory"
)

// Backend is the persistence side of the server: where records go and where
// exports are read from.
type Backend struct {
	Mode     Mode
	Recorder recorder.Recorder
	Exporter Exporter
	ping     func(ctx context.Context) error
	close    func() error
}

// Ping reports whether the underlying database is reachable. The memory
// backend is always reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if b == nil || b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

func (b *Backend) Close() error {
	if b == nil || b.close == nil {
		return nil
	}
	return b.close()
}

// ModeFromEnv reads STORE_MODE, defaulting to sqlite.
func ModeFromEnv() Mode {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("STORE_MODE"))) {
	case "postgres", "pg":
		return ModePostgres
	case "memory", "mem":
		return ModeMemory
	default:
		return ModeSQLite
	}
}

// NewBackendFromEnv builds the backend selected by STORE_MODE.
func NewBackendFromEnv(ctx context.Context) (*Backend, error) {
	mode := ModeFromEnv()
	switch mode {
	case ModePostgres:
		s, err := NewPostgres(ctx, dbconfig.NewConfigFromEnv())
		if err != nil {
			return nil, err
		}
		return &Backend{Mode: mode, Recorder: s, Exporter: s, ping: s.Ping, close: s.Close}, nil
	case ModeMemory:
		mem := recorder.NewMemory()
		return &Backend{Mode: mode, Recorder: mem, Exporter: MemoryExporter{Memory: mem}}, nil
	case ModeSQLite:
		path := os.Getenv("SQLITE_PATH")
		if path == "" {
			path = defaultSQLitePath
		}
		s, err := NewSQLite(ctx, path)
		if err != nil {
			return nil, err
		}
		return &Backend{Mode: mode, Recorder: s, Exporter: s, ping: s.Ping, close: s.Close}, nil
	default:
		return nil, fmt.Errorf("unknown store mode %q", mode)
	}
}

// MemoryExporter serves exports straight from an in-memory recorder.
type MemoryExporter struct {
	Memory *recorder.Memory
}

func (m MemoryExporter) Sessions(context.Context) ([]models.SessionRecord, error) {
	out := m.Memory.Sessions()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m MemoryExporter) Groups(context.Context) ([]models.GroupSummary, error) {
	out := m.Memory.Groups()
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (m MemoryExporter) Interactions(_ context.Context, limit int) ([]models.Interaction, error) {
	all := m.Memory.Interactions()
	out := make([]models.Interaction, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i])
	}
	return out, nil
}

func (m MemoryExporter) Stats(context.Context) (Stats, error) {
	sessions := m.Memory.Sessions()
	var s Stats
	if len(sessions) == 0 {
		return s, nil
	}

	rooms := make(map[string]struct{})
	byCondition := make(map[models.Condition]*ConditionStats)
	var timedOut int
	for _, r := range sessions {
		rooms[r.RoomID.String()] = struct{}{}
		s.AvgContribution += float64(r.Contribution)
		s.AvgDecisionTimeMs += float64(r.DecisionTimeMs)
		s.AvgCredits += float64(r.CreditsWon)
		s.AvgInstructionsTimeMs += float64(r.InstructionsTimeMs)
		s.AvgLotteryTickets += float64(r.LotteryTickets)
		if !r.Timestamps.Joined.IsZero() && r.CreatedAt.After(r.Timestamps.Joined) {
			s.AvgSessionDurationMs += float64(r.CreatedAt.Sub(r.Timestamps.Joined).Milliseconds())
		}

		c, ok := byCondition[r.Condition]
		if !ok {
			c = &ConditionStats{Condition: r.Condition}
			byCondition[r.Condition] = c
		}
		c.Sessions++
		c.AvgContribution += float64(r.Contribution)
		c.AvgIntendedContribution += float64(r.IntendedContribution)
		c.AvgDecisionTimeMs += float64(r.DecisionTimeMs)
		if r.TimedOut {
			c.TimedOut++
			timedOut++
		}
	}

	n := float64(len(sessions))
	s.TotalSessions = len(sessions)
	s.TotalGroups = len(rooms)
	s.AvgContribution /= n
	s.AvgDecisionTimeMs /= n
	s.AvgCredits /= n
	s.AvgInstructionsTimeMs /= n
	s.AvgSessionDurationMs /= n
	s.AvgLotteryTickets /= n
	s.TimeoutRate = float64(timedOut) / n

	for _, g := range m.Memory.Groups() {
		if g.Status == models.GroupStatusCompleted {
			s.CompletedGroups++
		}
	}
	for _, c := range byCondition {
		k := float64(c.Sessions)
		c.AvgContribution /= k
		c.AvgIntendedContribution /= k
		c.AvgDecisionTimeMs /= k
		s.ByCondition = append(s.ByCondition, *c)
	}
	sort.Slice(s.ByCondition, func(i, j int) bool { return s.ByCondition[i].Condition < s.ByCondition[j].Condition })
	return s, nil
}

func (m MemoryExporter) Correlation(context.Context) ([]CorrelationRow, error) {
	sessions := m.Memory.Sessions()
	sort.SliceStable(sessions, func(i, j int) bool { return sessions[i].CreatedAt.Before(sessions[j].CreatedAt) })
	out := make([]CorrelationRow, 0, len(sessions))
	for _, r := range sessions {
		c := CorrelationRow{
			RoomID:             r.RoomID.String(),
			Condition:          r.Condition,
			DecisionTimeMs:     r.DecisionTimeMs,
			Contribution:       r.Contribution,
			TimedOut:           r.TimedOut,
			Age:                r.Demographics.Age,
			Gender:             r.Demographics.Gender,
			InstructionsTimeMs: r.InstructionsTimeMs,
		}
		if !r.Timestamps.Joined.IsZero() && r.CreatedAt.After(r.Timestamps.Joined) {
			c.SessionDurationMs = r.CreatedAt.Sub(r.Timestamps.Joined).Milliseconds()
		}
		out = append(out, c)
	}
	return out, nil
}

func (m MemoryExporter) GroupAnalysis(context.Context) ([]GroupAnalysis, error) {
	byRoom := make(map[string]*GroupAnalysis)
	var order []string
	for _, r := range m.Memory.Sessions() {
		id := r.RoomID.String()
		g, ok := byRoom[id]
		if !ok {
			g = &GroupAnalysis{RoomID: id}
			byRoom[id] = g
			order = append(order, id)
		}
		g.GroupSize++
		g.TotalContribution += r.Contribution
		g.AvgDecisionTimeMs += float64(r.DecisionTimeMs)
		g.AvgCredits += float64(r.CreditsWon)
	}
	for _, summary := range m.Memory.Groups() {
		if g, ok := byRoom[summary.RoomID.String()]; ok {
			g.StartedAt = summary.StartedAt
			g.EndedAt = summary.EndedAt
		}
	}

	out := make([]GroupAnalysis, 0, len(order))
	for _, id := range order {
		g := byRoom[id]
		n := float64(g.GroupSize)
		g.AvgContribution = float64(g.TotalContribution) / n
		g.AvgDecisionTimeMs /= n
		g.AvgCredits /= n
		out = append(out, *g)
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].StartedAt, out[j].StartedAt
		switch {
		case a != nil && b == nil:
			return true
		case a == nil && b != nil:
			return false
		case a != nil && !a.Equal(*b):
			return a.After(*b)
		}
		return out[i].RoomID < out[j].RoomID
	})
	return out, nil
}
