package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mcdev12/publicgoods/go/internal/models"
)

var (
	// ErrUnknownCommand is returned for a message type the coordinator does not handle.
	ErrUnknownCommand = errors.New("unknown command")
	// ErrInvalidPayload is returned when a message body fails to decode or validate.
	ErrInvalidPayload = errors.New("invalid payload")
)

// CommandType is the wire tag of an inbound message.
type CommandType string

const (
	CommandJoin                       CommandType = "join"
	CommandSubmitConsent              CommandType = "submit-consent"
	CommandSubmitDemographics         CommandType = "submit-demographics"
	CommandReadyToPlay                CommandType = "ready-to-play"
	CommandUpdateIntendedContribution CommandType = "update-intended-contribution"
	CommandSubmitContribution         CommandType = "submit-contribution"
	CommandSubmitComprehension        CommandType = "submit-comprehension"
	CommandCompleteExperiment         CommandType = "complete-experiment"
	CommandDisconnect                 CommandType = "disconnect"
)

// Command is an inbound message that has passed boundary validation.
// The set of implementations is closed to this package.
type Command interface {
	Type() CommandType
	command()
}

// Join asks to be placed in a room, or to resume a disconnected seat.
type Join struct {
	Identity    string `json:"identity"`
	DisplayName string `json:"displayName"`
}

// SubmitConsent records the consent decision.
type SubmitConsent struct {
	ConsentGiven bool `json:"consentGiven"`
}

// SubmitDemographics records the demographics form.
type SubmitDemographics struct {
	models.Demographics
}

// ReadyToPlay marks the player as done with the instructions.
type ReadyToPlay struct{}

// UpdateIntendedContribution reports the current slider value.
type UpdateIntendedContribution struct {
	Value int `json:"value"`
}

// SubmitContribution commits the player's contribution.
type SubmitContribution struct {
	Value          int `json:"value"`
	DecisionTimeMs int `json:"decisionTimeMs"`
}

// SubmitComprehension records the comprehension check answers.
type SubmitComprehension struct {
	models.ComprehensionAnswers
}

// CompleteExperiment acknowledges the results screen.
type CompleteExperiment struct{}

// Disconnect is synthesised by the gateway when a socket closes.
type Disconnect struct{}

func (Join) Type() CommandType                       { return CommandJoin }
func (SubmitConsent) Type() CommandType              { return CommandSubmitConsent }
func (SubmitDemographics) Type() CommandType         { return CommandSubmitDemographics }
func (ReadyToPlay) Type() CommandType                { return CommandReadyToPlay }
func (UpdateIntendedContribution) Type() CommandType { return CommandUpdateIntendedContribution }
func (SubmitContribution) Type() CommandType         { return CommandSubmitContribution }
func (SubmitComprehension) Type() CommandType        { return CommandSubmitComprehension }
func (CompleteExperiment) Type() CommandType         { return CommandCompleteExperiment }
func (Disconnect) Type() CommandType                 { return CommandDisconnect }

func (Join) command()                       {}
func (SubmitConsent) command()              {}
func (SubmitDemographics) command()         {}
func (ReadyToPlay) command()                {}
func (UpdateIntendedContribution) command() {}
func (SubmitContribution) command()         {}
func (SubmitComprehension) command()        {}
func (CompleteExperiment) command()         {}
func (Disconnect) command()                 {}

// ClientMessage is the JSON frame a client sends over the websocket.
type ClientMessage struct {
	Type CommandType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// DecodeCommand parses and validates a raw client frame.
func DecodeCommand(raw []byte) (Command, error) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return msg.Command()
}

// Command converts the frame into its typed command.
func (m ClientMessage) Command() (Command, error) {
	switch m.Type {
	case CommandJoin:
		var c Join
		if err := decodeData(m.Data, &c); err != nil {
			return nil, err
		}
		c.Identity = strings.TrimSpace(c.Identity)
		c.DisplayName = strings.TrimSpace(c.DisplayName)
		if c.Identity == "" {
			return nil, fmt.Errorf("%w: identity is required", ErrInvalidPayload)
		}
		if c.DisplayName == "" {
			c.DisplayName = "Anonymous"
		}
		return c, nil

	case CommandSubmitConsent:
		var c SubmitConsent
		if err := decodeData(m.Data, &c); err != nil {
			return nil, err
		}
		return c, nil

	case CommandSubmitDemographics:
		var c SubmitDemographics
		if err := decodeData(m.Data, &c); err != nil {
			return nil, err
		}
		c.Gender = strings.TrimSpace(c.Gender)
		c.Major = strings.TrimSpace(c.Major)
		if c.Age <= 0 || c.Age > 120 {
			return nil, fmt.Errorf("%w: age %d out of range", ErrInvalidPayload, c.Age)
		}
		if c.Gender == "" {
			return nil, fmt.Errorf("%w: gender is required", ErrInvalidPayload)
		}
		return c, nil

	case CommandReadyToPlay:
		return ReadyToPlay{}, nil

	case CommandUpdateIntendedContribution:
		var c UpdateIntendedContribution
		if err := decodeData(m.Data, &c); err != nil {
			return nil, err
		}
		if c.Value < 0 {
			return nil, fmt.Errorf("%w: negative intended contribution", ErrInvalidPayload)
		}
		return c, nil

	case CommandSubmitContribution:
		var c SubmitContribution
		if err := decodeData(m.Data, &c); err != nil {
			return nil, err
		}
		if c.Value < 0 {
			return nil, fmt.Errorf("%w: negative contribution", ErrInvalidPayload)
		}
		if c.DecisionTimeMs < 0 {
			return nil, fmt.Errorf("%w: negative decision time", ErrInvalidPayload)
		}
		return c, nil

	case CommandSubmitComprehension:
		var c SubmitComprehension
		if err := decodeData(m.Data, &c); err != nil {
			return nil, err
		}
		c.Q1 = strings.TrimSpace(c.Q1)
		c.Q2 = strings.TrimSpace(c.Q2)
		if c.Q1 == "" || c.Q2 == "" {
			return nil, fmt.Errorf("%w: both answers are required", ErrInvalidPayload)
		}
		return c, nil

	case CommandCompleteExperiment:
		return CompleteExperiment{}, nil

	case CommandDisconnect:
		// Only the gateway may produce a disconnect.
		return nil, fmt.Errorf("%w: %s is not accepted from clients", ErrUnknownCommand, m.Type)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, m.Type)
	}
}

func decodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrInvalidPayload)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	return nil
}
