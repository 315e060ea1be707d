package models

// Phase defines the stage a room is in.
type Phase string

const (
	PhaseWaiting       Phase = "waiting"
	PhaseConsent       Phase = "consent"
	PhaseDemographics  Phase = "demographics"
	PhaseInstructions  Phase = "instructions"
	PhasePlaying       Phase = "playing"
	PhaseComprehension Phase = "comprehension"
	PhaseResults       Phase = "results"
	PhaseEmpty         Phase = "empty"
)

// phaseOrder is the forward-only progression of a room.
var phaseOrder = map[Phase]int{
	PhaseWaiting:       0,
	PhaseConsent:       1,
	PhaseDemographics:  2,
	PhaseInstructions:  3,
	PhasePlaying:       4,
	PhaseComprehension: 5,
	PhaseResults:       6,
	PhaseEmpty:         7,
}

// Before reports whether p comes strictly before other in the room lifecycle.
func (p Phase) Before(other Phase) bool {
	return phaseOrder[p] < phaseOrder[other]
}

// Condition defines the decision-phase timing treatment of a player.
type Condition string

const (
	// ConditionPressure gives the player a hard countdown.
	ConditionPressure Condition = "pressure"
	// ConditionDelay forces the player to wait a minimum time before submitting.
	ConditionDelay Condition = "delay"
)

// Player phase states. These are the fine-grained screen states the
// presentation layer uses to rehydrate after a reconnect.
const (
	StateWaiting              = "waiting"
	StateConsent              = "consent"
	StateDeclined             = "declined"
	StateDemographics         = "demographics"
	StateWaitingExperiment    = "waiting-experiment"
	StateInstructions         = "instructions"
	StateWaitingGroupStart    = "waiting-group-start"
	StateContribution         = "contribution"
	StateWaitingOthers        = "waiting-others"
	StateComprehension        = "comprehension"
	StateWaitingComprehension = "waiting-comprehension"
	StateResults              = "results"
	StateFinal                = "final"
)

// Demographics holds the answers to the demographics form.
type Demographics struct {
	Age    int    `json:"age"`
	Gender string `json:"gender"`
	Major  string `json:"major"`
}

// ComprehensionAnswers holds a player's answers to the comprehension check.
type ComprehensionAnswers struct {
	Q1 string `json:"q1"`
	Q2 string `json:"q2"`
}
