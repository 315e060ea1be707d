package room

import (
	"context"
	"encoding/json"
	"errors"
	"maps"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/publicgoods/go/internal/events"
	"github.com/mcdev12/publicgoods/go/internal/models"
	"github.com/mcdev12/publicgoods/go/internal/payoff"
	"github.com/mcdev12/publicgoods/go/internal/recorder"
)

// Notifier delivers outbound events to a single player. Implementations must not block.
type Notifier interface {
	Notify(roomID, playerID uuid.UUID, env events.Envelope)
}

// AttachFunc binds a player's connection to its seat. It is called with the
// room locked, before any event is addressed to the player.
type AttachFunc func(roomID, playerID uuid.UUID)

// JoinRequest carries what a new player supplies on join.
type JoinRequest struct {
	Identity    string
	DisplayName string
	UserAgent   string
	RemoteAddr  string
	Attach      AttachFunc
}

// Hooks are called after the room mutex is released.
type Hooks struct {
	OnMemberRemoved func(roomID, playerID uuid.UUID, identity string)
	OnEmpty         func(roomID uuid.UUID)
}

// Config holds a room's collaborators.
type Config struct {
	ID        uuid.UUID
	Policy    Policy
	Clock     clockwork.Clock
	Scheduler *Scheduler
	Assigner  *Assigner
	Notifier  Notifier
	Recorder  recorder.Recorder
	Hooks     Hooks
}

type member struct {
	id                 uuid.UUID
	number             int
	identity           string
	displayName        string
	userAgent          string
	remoteAddr         string
	connected          bool
	disconnectedAt     *time.Time
	removalTimer       Handle
	decisionTimer      Handle
	state              string
	timestamps         models.PhaseTimestamps
	instructionsTimeMs int64
}

// Room is the state machine for one group of four players.
// Every mutation happens with mu held.
type Room struct {
	id       uuid.UUID
	policy   Policy
	clock    clockwork.Clock
	sched    *Scheduler
	assigner *Assigner
	notifier Notifier
	rec      recorder.Recorder
	hooks    Hooks

	mu        sync.Mutex
	phase     models.Phase
	members   []*member
	roster    map[uuid.UUID]struct{}
	createdAt time.Time
	startedAt *time.Time

	consent       map[uuid.UUID]bool
	demographics  map[uuid.UUID]models.Demographics
	conditions    map[uuid.UUID]models.Condition
	contributions map[uuid.UUID]int
	intended      map[uuid.UUID]int
	timedOut      map[uuid.UUID]bool
	decisionTimes map[uuid.UUID]int
	comprehension map[uuid.UUID]models.ComprehensionAnswers
	ready         map[uuid.UUID]bool
	result        *payoff.Result
}

type nopNotifier struct{}

func (nopNotifier) Notify(uuid.UUID, uuid.UUID, events.Envelope) {}

// New creates an empty room in the waiting phase.
func New(cfg Config) (*Room, error) {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Scheduler == nil {
		cfg.Scheduler = NewScheduler(cfg.Clock)
	}
	if cfg.Assigner == nil {
		cfg.Assigner = NewAssigner(rand.New(rand.NewSource(cfg.Clock.Now().UnixNano())))
	}
	if cfg.Notifier == nil {
		cfg.Notifier = nopNotifier{}
	}
	if cfg.Recorder == nil {
		cfg.Recorder = recorder.Nop{}
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}

	return &Room{
		id:            cfg.ID,
		policy:        cfg.Policy,
		clock:         cfg.Clock,
		sched:         cfg.Scheduler,
		assigner:      cfg.Assigner,
		notifier:      cfg.Notifier,
		rec:           cfg.Recorder,
		hooks:         cfg.Hooks,
		phase:         models.PhaseWaiting,
		createdAt:     cfg.Clock.Now(),
		consent:       make(map[uuid.UUID]bool),
		demographics:  make(map[uuid.UUID]models.Demographics),
		conditions:    make(map[uuid.UUID]models.Condition),
		contributions: make(map[uuid.UUID]int),
		intended:      make(map[uuid.UUID]int),
		timedOut:      make(map[uuid.UUID]bool),
		decisionTimes: make(map[uuid.UUID]int),
		comprehension: make(map[uuid.UUID]models.ComprehensionAnswers),
		ready:         make(map[uuid.UUID]bool),
	}, nil
}

// ID returns the room id.
func (r *Room) ID() uuid.UUID { return r.id }

// CreatedAt returns when the room was created.
func (r *Room) CreatedAt() time.Time { return r.createdAt }

// Phase returns the current phase.
func (r *Room) Phase() models.Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Joinable reports whether a new player may be seated.
func (r *Room) Joinable() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase == models.PhaseWaiting && len(r.members) < GroupSize
}

// MemberCount returns the number of seated members, connected or not.
func (r *Room) MemberCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.members)
}

// ConnectedCount returns the number of members with a live connection.
func (r *Room) ConnectedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connectedCount()
}

// FindDisconnected returns the disconnected member holding identity.
func (r *Room) FindDisconnected(identity string) (uuid.UUID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.identity == identity && !m.connected {
			return m.id, true
		}
	}
	return uuid.Nil, false
}

// Join seats a new player. It fails with ErrRoomUnavailable once the room is
// full or has left the waiting phase.
func (r *Room) Join(ctx context.Context, req JoinRequest) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != models.PhaseWaiting || len(r.members) >= GroupSize {
		return uuid.Nil, ErrRoomUnavailable
	}

	now := r.clock.Now()
	m := &member{
		id:          uuid.New(),
		number:      r.nextNumber(),
		identity:    req.Identity,
		displayName: req.DisplayName,
		userAgent:   req.UserAgent,
		remoteAddr:  req.RemoteAddr,
		connected:   true,
		state:       models.StateWaiting,
		timestamps:  models.PhaseTimestamps{Joined: now},
	}
	r.members = append(r.members, m)

	full := len(r.members) == GroupSize
	if full {
		if err := r.fill(now); err != nil {
			r.members = r.members[:len(r.members)-1]
			return uuid.Nil, err
		}
	}

	if req.Attach != nil {
		req.Attach(r.id, m.id)
	}

	var cond *models.Condition
	if c, ok := r.conditions[m.id]; ok {
		cond = &c
	}
	r.record(ctx, m.id, "join_game", map[string]any{
		"displayName": m.displayName,
		"identity":    m.identity,
		"condition":   cond,
		"userAgent":   m.userAgent,
		"remoteAddr":  m.remoteAddr,
	})

	log.Info().
		Str("room_id", r.id.String()).
		Str("player_id", m.id.String()).
		Int("player_number", m.number).
		Int("members", len(r.members)).
		Msg("player joined room")

	r.send(m.id, events.EventJoined, events.JoinedPayload{
		PlayerID:     m.id.String(),
		RoomID:       r.id.String(),
		PlayerNumber: m.number,
		MemberCount:  len(r.members),
		Condition:    cond,
	})
	r.broadcast(events.EventMemberCountUpdate, events.MemberCountPayload{
		Count: len(r.members),
		Total: GroupSize,
	})

	if full {
		for _, mm := range r.members {
			r.send(mm.id, events.EventConditionAssigned, events.ConditionAssignedPayload{
				Condition: r.conditions[mm.id],
			})
		}
		r.enterConsent()
	}
	return m.id, nil
}

// fill assigns conditions to all members at once and fixes the roster.
func (r *Room) fill(now time.Time) error {
	ids := make([]uuid.UUID, len(r.members))
	for i, m := range r.members {
		ids[i] = m.id
	}
	conds, err := r.assigner.Assign(ids)
	if err != nil {
		return err
	}

	r.conditions = conds
	r.roster = make(map[uuid.UUID]struct{}, len(ids))
	for _, id := range ids {
		r.roster[id] = struct{}{}
	}
	r.startedAt = &now

	log.Info().Str("room_id", r.id.String()).Msg("room full, conditions assigned")
	return nil
}

// Reconnect restores a disconnected member's seat and replies with everything
// recorded for them so far.
func (r *Room) Reconnect(ctx context.Context, playerID uuid.UUID, attach AttachFunc) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.member(playerID)
	if m == nil {
		return ErrUnknownPlayer
	}
	if m.connected {
		return ErrDuplicate
	}

	if attach != nil {
		attach(r.id, m.id)
	}

	now := r.clock.Now()
	var away time.Duration
	if m.disconnectedAt != nil {
		away = now.Sub(*m.disconnectedAt)
	}
	m.connected = true
	m.disconnectedAt = nil
	if m.removalTimer != 0 {
		r.sched.Cancel(m.removalTimer)
		m.removalTimer = 0
	}
	if m.state == "" || m.state == models.StateWaiting {
		m.state = stateForPhase(r.phase)
	}

	r.record(ctx, m.id, "player_reconnected", map[string]any{
		"previousState":  m.state,
		"roomPhase":      r.phase,
		"identity":       m.identity,
		"disconnectedMs": away.Milliseconds(),
	})

	log.Info().
		Str("room_id", r.id.String()).
		Str("player_id", m.id.String()).
		Str("state", m.state).
		Dur("away", away).
		Msg("player reconnected")

	var cond *models.Condition
	if c, ok := r.conditions[m.id]; ok {
		cond = &c
	}
	connected := r.connectedCount()
	r.send(m.id, events.EventMemberReconnected, events.MemberReconnectedPayload{
		PlayerID:       m.id.String(),
		RoomID:         r.id.String(),
		PlayerNumber:   m.number,
		ConnectedCount: connected,
		Condition:      cond,
		CurrentState:   m.state,
		RoomPhase:      r.phase,
		ExistingData:   r.playerData(m),
	})
	if r.result != nil {
		r.send(m.id, events.EventResults, r.resultsPayload(m))
	}
	for _, other := range r.members {
		if other.id == m.id || !other.connected {
			continue
		}
		r.send(other.id, events.EventMemberReturnedNotification, events.MemberReturnedPayload{
			Count:   connected,
			Message: "A disconnected player has returned.",
		})
	}
	if r.phase == models.PhaseWaiting {
		r.broadcast(events.EventMemberCountUpdate, events.MemberCountPayload{Count: len(r.members), Total: GroupSize})
	}
	return nil
}

// disconnect marks m as away and arms the permanent removal timer.
func (r *Room) disconnect(ctx context.Context, m *member) error {
	if !m.connected {
		return ErrDuplicate
	}

	now := r.clock.Now()
	m.connected = false
	m.disconnectedAt = &now
	id := m.id
	m.removalTimer = r.sched.Arm(r.policy.RemovalTimeout, func(h Handle) {
		r.expireRemoval(id, h)
	})

	r.record(ctx, m.id, "disconnect", map[string]any{
		"state":     m.state,
		"roomPhase": r.phase,
	})

	log.Info().
		Str("room_id", r.id.String()).
		Str("player_id", m.id.String()).
		Dur("removal_timeout", r.policy.RemovalTimeout).
		Msg("player disconnected")

	if connected := r.connectedCount(); connected > 0 {
		r.broadcast(events.EventMemberDisconnected, events.MemberDisconnectedPayload{
			Count:   connected,
			Total:   len(r.members),
			Message: "A player lost connection and may return shortly.",
		})
	}
	return nil
}

// expireRemoval permanently removes a member whose removal timer fired.
func (r *Room) expireRemoval(playerID uuid.UUID, h Handle) {
	r.mu.Lock()

	m := r.member(playerID)
	if m == nil || m.connected || m.removalTimer != h {
		r.mu.Unlock()
		return
	}
	m.removalTimer = 0
	identity := m.identity

	r.record(context.Background(), m.id, "player_removed", map[string]any{
		"state":     m.state,
		"roomPhase": r.phase,
	})
	r.purge(m)

	empty := len(r.members) == 0
	if empty {
		r.transition(models.PhaseEmpty)
	} else {
		r.broadcast(events.EventMemberCountUpdate, events.MemberCountPayload{Count: len(r.members), Total: GroupSize})
	}

	log.Warn().
		Str("room_id", r.id.String()).
		Str("player_id", playerID.String()).
		Int("remaining", len(r.members)).
		Bool("empty", empty).
		Msg("player permanently removed")

	hooks := r.hooks
	r.mu.Unlock()

	if hooks.OnMemberRemoved != nil {
		hooks.OnMemberRemoved(r.id, playerID, identity)
	}
	if empty && hooks.OnEmpty != nil {
		hooks.OnEmpty(r.id)
	}
}

// purge deletes m from every per-player map and from members. The roster is
// left alone, so any gate that still needs m can no longer be met.
func (r *Room) purge(m *member) {
	if m.decisionTimer != 0 {
		r.sched.Cancel(m.decisionTimer)
		m.decisionTimer = 0
	}
	delete(r.consent, m.id)
	delete(r.demographics, m.id)
	delete(r.conditions, m.id)
	delete(r.contributions, m.id)
	delete(r.intended, m.id)
	delete(r.timedOut, m.id)
	delete(r.decisionTimes, m.id)
	delete(r.comprehension, m.id)
	delete(r.ready, m.id)

	for i, mm := range r.members {
		if mm.id == m.id {
			r.members = append(r.members[:i], r.members[i+1:]...)
			break
		}
	}
}

// Close cancels every timer the room still holds.
func (r *Room) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range r.members {
		if m.removalTimer != 0 {
			r.sched.Cancel(m.removalTimer)
			m.removalTimer = 0
		}
		if m.decisionTimer != 0 {
			r.sched.Cancel(m.decisionTimer)
			m.decisionTimer = 0
		}
	}
}

func (r *Room) member(id uuid.UUID) *member {
	for _, m := range r.members {
		if m.id == id {
			return m
		}
	}
	return nil
}

// nextNumber returns the lowest player number not held by a current member.
func (r *Room) nextNumber() int {
	taken := make(map[int]bool, len(r.members))
	for _, m := range r.members {
		taken[m.number] = true
	}
	for n := 1; ; n++ {
		if !taken[n] {
			return n
		}
	}
}

func (r *Room) connectedCount() int {
	n := 0
	for _, m := range r.members {
		if m.connected {
			n++
		}
	}
	return n
}

func (r *Room) send(playerID uuid.UUID, typ events.EventType, payload any) {
	env, err := events.NewEnvelope(r.id, typ, r.clock.Now(), payload)
	if err != nil {
		log.Error().Err(err).Str("room_id", r.id.String()).Msg("failed to build event")
		return
	}
	r.notifier.Notify(r.id, playerID, env)
}

// broadcast sends to every connected member.
func (r *Room) broadcast(typ events.EventType, payload any) {
	for _, m := range r.members {
		if m.connected {
			r.send(m.id, typ, payload)
		}
	}
}

// record appends an audit interaction. Failures are logged, never returned.
func (r *Room) record(ctx context.Context, playerID uuid.UUID, action string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Str("action", action).Msg("failed to marshal interaction data")
		raw = nil
	}
	err = r.rec.AppendInteraction(ctx, models.Interaction{
		ID:         uuid.New(),
		PlayerID:   playerID,
		RoomID:     r.id,
		ActionType: action,
		ActionData: raw,
		At:         r.clock.Now().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("room_id", r.id.String()).Str("action", action).Msg("failed to record interaction")
	}
}

func (r *Room) playerData(m *member) events.PlayerData {
	d := events.PlayerData{
		DisplayName: m.displayName,
		Identity:    m.identity,
		Ready:       r.ready[m.id],
	}
	if v, ok := r.consent[m.id]; ok {
		d.ConsentGiven = &v
	}
	if v, ok := r.demographics[m.id]; ok {
		d.Demographics = &v
	}
	if v, ok := r.intended[m.id]; ok {
		d.IntendedContribution = &v
	}
	if v, ok := r.contributions[m.id]; ok {
		d.Contribution = &v
	}
	if v, ok := r.timedOut[m.id]; ok {
		d.TimedOut = &v
	}
	if v, ok := r.decisionTimes[m.id]; ok {
		d.DecisionTimeMs = &v
	}
	if v, ok := r.comprehension[m.id]; ok {
		d.Comprehension = &v
	}
	return d
}

func stateForPhase(p models.Phase) string {
	switch p {
	case models.PhaseConsent:
		return models.StateConsent
	case models.PhaseDemographics:
		return models.StateDemographics
	case models.PhaseInstructions:
		return models.StateInstructions
	case models.PhasePlaying:
		return models.StateContribution
	case models.PhaseComprehension:
		return models.StateComprehension
	case models.PhaseResults:
		return models.StateResults
	default:
		return models.StateWaiting
	}
}

// MemberSnapshot is a read-only view of one member.
type MemberSnapshot struct {
	ID           uuid.UUID
	Number       int
	Identity     string
	DisplayName  string
	Connected    bool
	State        string
	Timestamps   models.PhaseTimestamps
	Instructions time.Duration
}

// Snapshot is a consistent read-only copy of a room's state.
type Snapshot struct {
	ID            uuid.UUID
	Phase         models.Phase
	Members       []MemberSnapshot
	RosterSize    int
	Consent       map[uuid.UUID]bool
	Demographics  map[uuid.UUID]models.Demographics
	Conditions    map[uuid.UUID]models.Condition
	Contributions map[uuid.UUID]int
	Intended      map[uuid.UUID]int
	TimedOut      map[uuid.UUID]bool
	DecisionTimes map[uuid.UUID]int
	Comprehension map[uuid.UUID]models.ComprehensionAnswers
	Ready         map[uuid.UUID]bool
	Result        *payoff.Result
}

// Member returns the snapshot of a member by id.
func (s Snapshot) Member(id uuid.UUID) (MemberSnapshot, bool) {
	for _, m := range s.Members {
		if m.ID == id {
			return m, true
		}
	}
	return MemberSnapshot{}, false
}

// Snapshot copies the room's state.
func (r *Room) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Snapshot{
		ID:            r.id,
		Phase:         r.phase,
		RosterSize:    len(r.roster),
		Consent:       maps.Clone(r.consent),
		Demographics:  maps.Clone(r.demographics),
		Conditions:    maps.Clone(r.conditions),
		Contributions: maps.Clone(r.contributions),
		Intended:      maps.Clone(r.intended),
		TimedOut:      maps.Clone(r.timedOut),
		DecisionTimes: maps.Clone(r.decisionTimes),
		Comprehension: maps.Clone(r.comprehension),
		Ready:         maps.Clone(r.ready),
	}
	if r.result != nil {
		res := *r.result
		res.Players = maps.Clone(r.result.Players)
		s.Result = &res
	}
	for _, m := range r.members {
		s.Members = append(s.Members, MemberSnapshot{
			ID:           m.id,
			Number:       m.number,
			Identity:     m.identity,
			DisplayName:  m.displayName,
			Connected:    m.connected,
			State:        m.state,
			Timestamps:   m.timestamps,
			Instructions: time.Duration(m.instructionsTimeMs) * time.Millisecond,
		})
	}
	return s
}

// errInternal wraps failures that indicate a broken invariant.
var errInternal = errors.New("internal room error")
