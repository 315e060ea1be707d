package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// GroupStatus defines the persisted status of a group row.
type GroupStatus string

const (
	GroupStatusWaiting   GroupStatus = "waiting"
	GroupStatusCompleted GroupStatus = "completed"
)

// PhaseTimestamps records when a player reached each step.
type PhaseTimestamps struct {
	Joined            time.Time  `json:"joined"`
	Consent           *time.Time `json:"consent,omitempty"`
	Demographics      *time.Time `json:"demographics,omitempty"`
	InstructionsStart *time.Time `json:"instructions_start,omitempty"`
	ContributionStart *time.Time `json:"contribution_start,omitempty"`
	Contribution      *time.Time `json:"contribution,omitempty"`
	Comprehension     *time.Time `json:"comprehension,omitempty"`
	Completion        *time.Time `json:"completion,omitempty"`
}

// SessionRecord is the per-player row written once a room reaches results.
type SessionRecord struct {
	ID                   uuid.UUID            `json:"id"`
	PlayerID             uuid.UUID            `json:"player_id"`
	RoomID               uuid.UUID            `json:"room_id"`
	PlayerNumber         int                  `json:"player_number"`
	DisplayName          string               `json:"display_name"`
	Identity             string               `json:"identity"`
	Condition            Condition            `json:"condition"`
	ConsentGiven         bool                 `json:"consent_given"`
	Contribution         int                  `json:"contribution"`
	IntendedContribution int                  `json:"intended_contribution"`
	TimedOut             bool                 `json:"timed_out"`
	DecisionTimeMs       int                  `json:"decision_time_ms"`
	CreditsWon           int                  `json:"credits_won"`
	LotteryTickets       int                  `json:"lottery_tickets"`
	Comprehension        ComprehensionAnswers `json:"comprehension"`
	Demographics         Demographics         `json:"demographics"`
	InstructionsTimeMs   int64                `json:"instructions_time_ms"`
	Timestamps           PhaseTimestamps      `json:"timestamps"`
	UserAgent            string               `json:"user_agent"`
	RemoteAddr           string               `json:"remote_addr"`
	CreatedAt            time.Time            `json:"created_at"`
}

// GroupSummary is the per-room row created with the room and summarised at results.
type GroupSummary struct {
	RoomID                  uuid.UUID   `json:"room_id"`
	Status                  GroupStatus `json:"status"`
	TotalContribution       int         `json:"total_contribution"`
	TotalCreditsDistributed int         `json:"total_credits_distributed"`
	StartedAt               *time.Time  `json:"started_at,omitempty"`
	EndedAt                 *time.Time  `json:"ended_at,omitempty"`
	CompletionRate          float64     `json:"completion_rate"`
	AvgDecisionTimeMs       int         `json:"avg_decision_time_ms"`
	CreatedAt               time.Time   `json:"created_at"`
}

// Interaction is one audit-log entry for an inbound event.
type Interaction struct {
	ID         uuid.UUID       `json:"id"`
	PlayerID   uuid.UUID       `json:"player_id"`
	RoomID     uuid.UUID       `json:"room_id"`
	ActionType string          `json:"action_type"`
	ActionData json.RawMessage `json:"action_data,omitempty"`
	At         time.Time       `json:"timestamp"`
}
