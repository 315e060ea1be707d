package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/publicgoods/go/internal/models"
)

// Envelope is the base structure for every event sent to a client.
type Envelope struct {
	ID        string          `json:"id"`        // Event UUID
	RoomID    string          `json:"room_id"`   // Room UUID
	Type      EventType       `json:"type"`      // Event type
	Timestamp time.Time       `json:"timestamp"` // Event creation time
	Data      json.RawMessage `json:"data"`      // Event-specific payload
}

// EventType represents the type of an outbound event.
type EventType string

const (
	EventJoined                     EventType = "joined"
	EventMemberCountUpdate          EventType = "member-count-update"
	EventConditionAssigned          EventType = "condition-assigned"
	EventConsentReceived            EventType = "consent-received"
	EventDemographicsReceived       EventType = "demographics-received"
	EventContributionAccepted       EventType = "contribution-accepted"
	EventContributionAutoResolved   EventType = "contribution-auto-resolved"
	EventContributionRejected       EventType = "contribution-rejected"
	EventProgressUpdate             EventType = "progress-update"
	EventComprehensionFeedback      EventType = "comprehension-feedback"
	EventResults                    EventType = "results"
	EventExperimentComplete         EventType = "experiment-complete"
	EventMemberDisconnected         EventType = "member-disconnected"
	EventMemberReconnected          EventType = "member-reconnected"
	EventMemberReturnedNotification EventType = "member-returned-notification"
	EventError                      EventType = "error"
)

const phaseStartPrefix = "phase-start:"

// PhaseStart returns the event type announcing the start of a phase.
func PhaseStart(phase models.Phase) EventType {
	return EventType(phaseStartPrefix + string(phase))
}

// NewEnvelope marshals payload into an envelope stamped with at.
func NewEnvelope(roomID uuid.UUID, typ EventType, at time.Time, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", typ, err)
	}
	return Envelope{
		ID:        uuid.New().String(),
		RoomID:    roomID.String(),
		Type:      typ,
		Timestamp: at.UTC(),
		Data:      data,
	}, nil
}

// JoinedPayload is the payload for a joined event
type JoinedPayload struct {
	PlayerID     string            `json:"player_id"`
	RoomID       string            `json:"room_id"`
	PlayerNumber int               `json:"player_number"`
	MemberCount  int               `json:"member_count"`
	Condition    *models.Condition `json:"condition,omitempty"`
}

// MemberCountPayload is the payload for a member-count-update event
type MemberCountPayload struct {
	Count int `json:"count"`
	Total int `json:"total"`
}

// ConditionAssignedPayload is the payload for a condition-assigned event
type ConditionAssignedPayload struct {
	Condition models.Condition `json:"condition"`
}

// PhaseStartPayload is the payload for a phase-start:<phase> event.
// TimeLimitSec and MinTimeSec are only set when the playing phase starts.
type PhaseStartPayload struct {
	Phase        models.Phase      `json:"phase"`
	Condition    *models.Condition `json:"condition,omitempty"`
	TimeLimitSec *int              `json:"timeLimit,omitempty"`
	MinTimeSec   *int              `json:"minTime,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
}

// AckPayload acknowledges a consent or demographics submission
type AckPayload struct {
	Success bool `json:"success"`
}

// ContributionAcceptedPayload is the payload for a contribution-accepted event
type ContributionAcceptedPayload struct {
	Contribution   int `json:"contribution"`
	DecisionTimeMs int `json:"decisionTimeMs"`
}

// ContributionAutoResolvedPayload is the payload for a contribution-auto-resolved event
type ContributionAutoResolvedPayload struct {
	Contribution int    `json:"contribution"`
	Reason       string `json:"reason"`
}

// ContributionRejectedPayload is the payload for a contribution-rejected event
type ContributionRejectedPayload struct {
	Reason string `json:"reason"`
	Retry  bool   `json:"retry"`
}

// ProgressUpdatePayload reports how many members completed the current step
type ProgressUpdatePayload struct {
	Phase     models.Phase `json:"phase"`
	Completed int          `json:"completedCount"`
	Total     int          `json:"total"`
}

// QuestionFeedback is the correctness report for one comprehension question
type QuestionFeedback struct {
	UserAnswer    string `json:"userAnswer"`
	Correct       bool   `json:"correct"`
	CorrectAnswer string `json:"correctAnswer"`
	Explanation   string `json:"explanation,omitempty"`
}

// ComprehensionFeedbackPayload is the payload for a comprehension-feedback event
type ComprehensionFeedbackPayload struct {
	Feedback map[string]QuestionFeedback `json:"feedback"`
}

// ResultsPayload is the payload for a results event
type ResultsPayload struct {
	YourContribution   int     `json:"yourContribution"`
	YourKept           int     `json:"yourKept"`
	YourShare          float64 `json:"yourShare"`
	YourCreditsWon     int     `json:"yourCreditsWon"`
	YourLotteryTickets int     `json:"yourLotteryTickets"`
	AllContributions   []int   `json:"allContributions"`
	TotalPool          int     `json:"totalPool"`
}

// ExperimentCompletePayload is the payload for an experiment-complete event
type ExperimentCompletePayload struct {
	CompletedAt time.Time `json:"completed_at"`
}

// MemberDisconnectedPayload is the payload for a member-disconnected event
type MemberDisconnectedPayload struct {
	Count   int    `json:"count"`
	Total   int    `json:"total"`
	Message string `json:"message"`
}

// PlayerData is every per-player value recorded so far, used to rehydrate a client.
type PlayerData struct {
	DisplayName          string                       `json:"displayName"`
	Identity             string                       `json:"identity"`
	ConsentGiven         *bool                        `json:"consentGiven,omitempty"`
	Demographics         *models.Demographics         `json:"demographics,omitempty"`
	IntendedContribution *int                         `json:"intendedContribution,omitempty"`
	Contribution         *int                         `json:"contribution,omitempty"`
	TimedOut             *bool                        `json:"timedOut,omitempty"`
	DecisionTimeMs       *int                         `json:"decisionTimeMs,omitempty"`
	Comprehension        *models.ComprehensionAnswers `json:"comprehension,omitempty"`
	Ready                bool                         `json:"ready"`
}

// MemberReconnectedPayload is the payload for a member-reconnected event
type MemberReconnectedPayload struct {
	PlayerID       string            `json:"player_id"`
	RoomID         string            `json:"room_id"`
	PlayerNumber   int               `json:"player_number"`
	ConnectedCount int               `json:"connected_count"`
	Condition      *models.Condition `json:"condition,omitempty"`
	CurrentState   string            `json:"current_state"`
	RoomPhase      models.Phase      `json:"room_phase"`
	ExistingData   PlayerData        `json:"existing_data"`
}

// MemberReturnedPayload is the payload for a member-returned-notification event
type MemberReturnedPayload struct {
	Count   int    `json:"count"`
	Message string `json:"message"`
}

// ErrorPayload is sent when the gateway cannot decode a client message
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ParsePayload decodes an envelope's data into the matching payload struct.
func ParsePayload(env Envelope) (any, error) {
	var target any
	switch env.Type {
	case EventJoined:
		target = &JoinedPayload{}
	case EventMemberCountUpdate:
		target = &MemberCountPayload{}
	case EventConditionAssigned:
		target = &ConditionAssignedPayload{}
	case EventConsentReceived, EventDemographicsReceived:
		target = &AckPayload{}
	case EventContributionAccepted:
		target = &ContributionAcceptedPayload{}
	case EventContributionAutoResolved:
		target = &ContributionAutoResolvedPayload{}
	case EventContributionRejected:
		target = &ContributionRejectedPayload{}
	case EventProgressUpdate:
		target = &ProgressUpdatePayload{}
	case EventComprehensionFeedback:
		target = &ComprehensionFeedbackPayload{}
	case EventResults:
		target = &ResultsPayload{}
	case EventExperimentComplete:
		target = &ExperimentCompletePayload{}
	case EventMemberDisconnected:
		target = &MemberDisconnectedPayload{}
	case EventMemberReconnected:
		target = &MemberReconnectedPayload{}
	case EventMemberReturnedNotification:
		target = &MemberReturnedPayload{}
	case EventError:
		target = &ErrorPayload{}
	default:
		if strings.HasPrefix(string(env.Type), phaseStartPrefix) {
			target = &PhaseStartPayload{}
			break
		}
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
	if err := json.Unmarshal(env.Data, target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s payload: %w", env.Type, err)
	}
	return target, nil
}
