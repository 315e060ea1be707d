package recorder

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/mcdev12/publicgoods/go/internal/models"
)

// Recorder is the persistence side channel for experiment data.
type Recorder interface {
	CreateGroup(ctx context.Context, group models.GroupSummary) error
	AppendInteraction(ctx context.Context, interaction models.Interaction) error
	AppendSessionRecord(ctx context.Context, record models.SessionRecord) error
	UpdateGroupSummary(ctx context.Context, group models.GroupSummary) error
}

// Nop discards everything.
type Nop struct{}

func (Nop) CreateGroup(context.Context, models.GroupSummary) error          { return nil }
func (Nop) AppendInteraction(context.Context, models.Interaction) error     { return nil }
func (Nop) AppendSessionRecord(context.Context, models.SessionRecord) error { return nil }
func (Nop) UpdateGroupSummary(context.Context, models.GroupSummary) error   { return nil }

// Multi fans every call out to each recorder and joins their errors.
type Multi []Recorder

func (m Multi) CreateGroup(ctx context.Context, group models.GroupSummary) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.CreateGroup(ctx, group))
	}
	return errors.Join(errs...)
}

func (m Multi) AppendInteraction(ctx context.Context, interaction models.Interaction) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.AppendInteraction(ctx, interaction))
	}
	return errors.Join(errs...)
}

func (m Multi) AppendSessionRecord(ctx context.Context, record models.SessionRecord) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.AppendSessionRecord(ctx, record))
	}
	return errors.Join(errs...)
}

func (m Multi) UpdateGroupSummary(ctx context.Context, group models.GroupSummary) error {
	var errs []error
	for _, r := range m {
		errs = append(errs, r.UpdateGroupSummary(ctx, group))
	}
	return errors.Join(errs...)
}

// Memory keeps everything in process. It backs STORE_MODE=memory and tests.
type Memory struct {
	mu           sync.Mutex
	groups       map[uuid.UUID]models.GroupSummary
	interactions []models.Interaction
	sessions     []models.SessionRecord
}

// NewMemory creates an empty in-memory recorder.
func NewMemory() *Memory {
	return &Memory{groups: make(map[uuid.UUID]models.GroupSummary)}
}

func (m *Memory) CreateGroup(_ context.Context, group models.GroupSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.groups[group.RoomID] = group
	return nil
}

func (m *Memory) AppendInteraction(_ context.Context, interaction models.Interaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions = append(m.interactions, interaction)
	return nil
}

func (m *Memory) AppendSessionRecord(_ context.Context, record models.SessionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = append(m.sessions, record)
	return nil
}

func (m *Memory) UpdateGroupSummary(_ context.Context, group models.GroupSummary) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.groups[group.RoomID]; ok && group.CreatedAt.IsZero() {
		group.CreatedAt = existing.CreatedAt
	}
	m.groups[group.RoomID] = group
	return nil
}

// Group returns the stored summary for a room.
func (m *Memory) Group(roomID uuid.UUID) (models.GroupSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.groups[roomID]
	return g, ok
}

// Groups returns every stored group summary.
func (m *Memory) Groups() []models.GroupSummary {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.GroupSummary, 0, len(m.groups))
	for _, g := range m.groups {
		out = append(out, g)
	}
	return out
}

// Interactions returns a copy of the interaction log.
func (m *Memory) Interactions() []models.Interaction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.Interaction, len(m.interactions))
	copy(out, m.interactions)
	return out
}

// Sessions returns a copy of the session records.
func (m *Memory) Sessions() []models.SessionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.SessionRecord, len(m.sessions))
	copy(out, m.sessions)
	return out
}

// Actions returns the action types logged for a player, in order.
func (m *Memory) Actions(playerID uuid.UUID) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, i := range m.interactions {
		if i.PlayerID == playerID {
			out = append(out, i.ActionType)
		}
	}
	return out
}
