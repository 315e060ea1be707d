package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/mcdev12/publicgoods/go/internal/models"
)

type fakeJetStream struct {
	msgs []*nats.Msg
	err  error
}

func (f *fakeJetStream) PublishMsg(_ context.Context, msg *nats.Msg, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error) {
	if f.err != nil {
		return nil, f.err
	}
	if len(opts) != 2 {
		return nil, errors.New("expected msg id and stream options")
	}
	f.msgs = append(f.msgs, msg)
	return &jetstream.PubAck{Stream: "EXPERIMENT_EVENTS", Sequence: uint64(len(f.msgs))}, nil
}

func newTestPublisher(js msgPublisher) *JetStreamPublisher {
	return &JetStreamPublisher{js: js, config: DefaultJetStreamConfig()}
}

func TestPublishesEveryRecordKind(t *testing.T) {
	ctx := context.Background()
	js := &fakeJetStream{}
	p := newTestPublisher(js)
	roomID := uuid.New()
	now := time.Now().UTC()

	if err := p.CreateGroup(ctx, models.GroupSummary{RoomID: roomID, Status: models.GroupStatusWaiting, CreatedAt: now}); err != nil {
		t.Fatalf("CreateGroup: %v", err)
	}
	interaction := models.Interaction{
		ID: uuid.New(), PlayerID: uuid.New(), RoomID: roomID,
		ActionType: "submit_contribution", ActionData: json.RawMessage(`{"value":3}`), At: now,
	}
	if err := p.AppendInteraction(ctx, interaction); err != nil {
		t.Fatalf("AppendInteraction: %v", err)
	}
	if err := p.AppendSessionRecord(ctx, models.SessionRecord{ID: uuid.New(), RoomID: roomID, CreditsWon: 17}); err != nil {
		t.Fatalf("AppendSessionRecord: %v", err)
	}
	if err := p.UpdateGroupSummary(ctx, models.GroupSummary{RoomID: roomID, Status: models.GroupStatusCompleted}); err != nil {
		t.Fatalf("UpdateGroupSummary: %v", err)
	}

	want := []string{
		"experiment.events.group.created",
		"experiment.events.interaction.submit_contribution",
		"experiment.events.session.recorded",
		"experiment.events.group.summarized",
	}
	if len(js.msgs) != len(want) {
		t.Fatalf("published %d messages", len(js.msgs))
	}
	for i, subject := range want {
		if js.msgs[i].Subject != subject {
			t.Fatalf("message %d subject = %s, want %s", i, js.msgs[i].Subject, subject)
		}
		if js.msgs[i].Header.Get("Room-ID") != roomID.String() {
			t.Fatalf("message %d missing room header", i)
		}
	}

	var env struct {
		EventID   string          `json:"eventId"`
		EventType string          `json:"eventType"`
		RoomID    string          `json:"roomId"`
		Payload   json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(js.msgs[1].Data, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if env.EventID != interaction.ID.String() || env.EventType != "interaction.submit_contribution" {
		t.Fatalf("unexpected envelope: %+v", env)
	}
	var got models.Interaction
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("Unmarshal payload: %v", err)
	}
	if got.ID != interaction.ID || string(got.ActionData) != `{"value":3}` {
		t.Fatalf("payload mismatch: %+v", got)
	}
}

func TestPublishErrorIsWrapped(t *testing.T) {
	boom := errors.New("no responders")
	p := newTestPublisher(&fakeJetStream{err: boom})
	err := p.CreateGroup(context.Background(), models.GroupSummary{RoomID: uuid.New()})
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped %v", err, boom)
	}
}

func TestSubjectToken(t *testing.T) {
	cases := map[string]string{
		"join_game":  "join_game",
		"a.b":        "a_b",
		"wild*card>": "wild_card_",
		"":           "unknown",
	}
	for in, want := range cases {
		if got := subjectToken(in); got != want {
			t.Fatalf("subjectToken(%q) = %q, want %q", in, got, want)
		}
	}
}
