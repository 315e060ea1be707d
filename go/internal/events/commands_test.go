package events

import (
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mcdev12/publicgoods/go/internal/models"
)

func TestDecodeCommand(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Command
	}{
		{
			name: "join trims and defaults name",
			raw:  `{"type":"join","data":{"identity":"  a@example.com ","displayName":""}}`,
			want: Join{Identity: "a@example.com", DisplayName: "Anonymous"},
		},
		{
			name: "consent declined",
			raw:  `{"type":"submit-consent","data":{"consentGiven":false}}`,
			want: SubmitConsent{ConsentGiven: false},
		},
		{
			name: "demographics",
			raw:  `{"type":"submit-demographics","data":{"age":21,"gender":"f","major":"econ"}}`,
			want: SubmitDemographics{models.Demographics{Age: 21, Gender: "f", Major: "econ"}},
		},
		{
			name: "ready without data",
			raw:  `{"type":"ready-to-play"}`,
			want: ReadyToPlay{},
		},
		{
			name: "intended contribution",
			raw:  `{"type":"update-intended-contribution","data":{"value":7}}`,
			want: UpdateIntendedContribution{Value: 7},
		},
		{
			name: "contribution",
			raw:  `{"type":"submit-contribution","data":{"value":4,"decisionTimeMs":12000}}`,
			want: SubmitContribution{Value: 4, DecisionTimeMs: 12000},
		},
		{
			name: "comprehension",
			raw:  `{"type":"submit-comprehension","data":{"q1":"10","q2":"depends"}}`,
			want: SubmitComprehension{models.ComprehensionAnswers{Q1: "10", Q2: "depends"}},
		},
		{
			name: "complete",
			raw:  `{"type":"complete-experiment","data":{}}`,
			want: CompleteExperiment{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeCommand([]byte(tt.raw))
			if err != nil {
				t.Fatalf("DecodeCommand: %v", err)
			}
			if got != tt.want {
				t.Fatalf("got %#v, want %#v", got, tt.want)
			}
			if got.Type() != tt.want.Type() {
				t.Fatalf("type = %s, want %s", got.Type(), tt.want.Type())
			}
		})
	}
}

func TestDecodeCommandRejects(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"malformed json", `{"type":`, ErrInvalidPayload},
		{"unknown type", `{"type":"cheat","data":{}}`, ErrUnknownCommand},
		{"client disconnect", `{"type":"disconnect"}`, ErrUnknownCommand},
		{"join without identity", `{"type":"join","data":{"displayName":"x"}}`, ErrInvalidPayload},
		{"join without data", `{"type":"join"}`, ErrInvalidPayload},
		{"consent wrong type", `{"type":"submit-consent","data":{"consentGiven":"yes"}}`, ErrInvalidPayload},
		{"demographics bad age", `{"type":"submit-demographics","data":{"age":0,"gender":"f"}}`, ErrInvalidPayload},
		{"demographics no gender", `{"type":"submit-demographics","data":{"age":30}}`, ErrInvalidPayload},
		{"fractional contribution", `{"type":"submit-contribution","data":{"value":2.5,"decisionTimeMs":1}}`, ErrInvalidPayload},
		{"negative contribution", `{"type":"submit-contribution","data":{"value":-1,"decisionTimeMs":1}}`, ErrInvalidPayload},
		{"negative decision time", `{"type":"submit-contribution","data":{"value":1,"decisionTimeMs":-5}}`, ErrInvalidPayload},
		{"negative intended", `{"type":"update-intended-contribution","data":{"value":-3}}`, ErrInvalidPayload},
		{"missing answer", `{"type":"submit-comprehension","data":{"q1":"10"}}`, ErrInvalidPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeCommand([]byte(tt.raw))
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestEnvelopeRoundTrip(t *testing.T) {
	roomID := uuid.New()
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	limit := 10
	cond := models.ConditionPressure

	env, err := NewEnvelope(roomID, PhaseStart(models.PhasePlaying), at, PhaseStartPayload{
		Phase:        models.PhasePlaying,
		Condition:    &cond,
		TimeLimitSec: &limit,
		StartedAt:    at,
	})
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}
	if env.Type != "phase-start:playing" {
		t.Fatalf("type = %s", env.Type)
	}
	if env.RoomID != roomID.String() || !env.Timestamp.Equal(at) {
		t.Fatalf("unexpected envelope header: %+v", env)
	}

	parsed, err := ParsePayload(env)
	if err != nil {
		t.Fatalf("ParsePayload: %v", err)
	}
	p, ok := parsed.(*PhaseStartPayload)
	if !ok {
		t.Fatalf("parsed %T, want *PhaseStartPayload", parsed)
	}
	if p.TimeLimitSec == nil || *p.TimeLimitSec != 10 || p.MinTimeSec != nil {
		t.Fatalf("unexpected timing fields: %+v", p)
	}
	if p.Condition == nil || *p.Condition != models.ConditionPressure {
		t.Fatalf("unexpected condition: %+v", p.Condition)
	}

	if _, err := ParsePayload(Envelope{Type: "nope", Data: []byte(`{}`)}); err == nil {
		t.Fatal("expected error for unknown event type")
	}
}
