package registry

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/publicgoods/go/internal/events"
	"github.com/mcdev12/publicgoods/go/internal/models"
	"github.com/mcdev12/publicgoods/go/internal/recorder"
	"github.com/mcdev12/publicgoods/go/internal/room"
)

var (
	// ErrRoomNotFound is returned when a command targets a room that no longer exists.
	ErrRoomNotFound = errors.New("room not found")
	// ErrNoRoom is returned when no room would accept a join after every attempt.
	ErrNoRoom = errors.New("no room available")
)

type Config struct {
	Policy          room.Policy
	Clock           clockwork.Clock
	Notifier        room.Notifier
	Recorder        recorder.Recorder
	Rand            *rand.Rand
	MaxJoinAttempts int
}

func DefaultConfig() Config {
	return Config{
		Policy:          room.DefaultPolicy(),
		Clock:           clockwork.NewRealClock(),
		Recorder:        recorder.Nop{},
		MaxJoinAttempts: 3,
	}
}

type seat struct {
	roomID   uuid.UUID
	playerID uuid.UUID
}

// JoinResult tells the caller where a player was seated.
type JoinResult struct {
	RoomID      uuid.UUID
	PlayerID    uuid.UUID
	Reconnected bool
}

// Registry owns every live room and the identity index used for reconnection.
// Lock order is always Registry then Room.
type Registry struct {
	cfg      Config
	sched    *room.Scheduler
	assigner *room.Assigner

	mu         sync.Mutex
	rooms      map[uuid.UUID]*room.Room
	order      []uuid.UUID
	identities map[string]seat
}

// New creates an empty registry.
func New(cfg Config) (*Registry, error) {
	defaults := DefaultConfig()
	if cfg.Clock == nil {
		cfg.Clock = defaults.Clock
	}
	if cfg.Recorder == nil {
		cfg.Recorder = defaults.Recorder
	}
	if cfg.MaxJoinAttempts <= 0 {
		cfg.MaxJoinAttempts = defaults.MaxJoinAttempts
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.New(rand.NewSource(cfg.Clock.Now().UnixNano()))
	}
	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("invalid policy: %w", err)
	}

	return &Registry{
		cfg:        cfg,
		sched:      room.NewScheduler(cfg.Clock),
		assigner:   room.NewAssigner(cfg.Rand),
		rooms:      make(map[uuid.UUID]*room.Room),
		identities: make(map[string]seat),
	}, nil
}

// Join resumes a disconnected seat for the identity if one exists, otherwise
// seats the player in the first joinable room, creating one when needed.
func (r *Registry) Join(ctx context.Context, req room.JoinRequest) (JoinResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.resolveLocked(req.Identity); ok {
		rm := r.rooms[s.roomID]
		err := rm.Reconnect(ctx, s.playerID, req.Attach)
		if err == nil {
			return JoinResult{RoomID: s.roomID, PlayerID: s.playerID, Reconnected: true}, nil
		}
		log.Warn().
			Err(err).
			Str("room_id", s.roomID.String()).
			Str("player_id", s.playerID.String()).
			Msg("reconnection failed, seating as a new player")
	}

	for attempt := 0; attempt < r.cfg.MaxJoinAttempts; attempt++ {
		rm, err := r.findOrCreateLocked(ctx)
		if err != nil {
			return JoinResult{}, err
		}
		playerID, err := rm.Join(ctx, req)
		if errors.Is(err, room.ErrRoomUnavailable) {
			log.Debug().Str("room_id", rm.ID().String()).Int("attempt", attempt+1).Msg("room unavailable, retrying")
			continue
		}
		if err != nil {
			return JoinResult{}, fmt.Errorf("failed to join room: %w", err)
		}
		if req.Identity != "" {
			r.identities[req.Identity] = seat{roomID: rm.ID(), playerID: playerID}
		}
		return JoinResult{RoomID: rm.ID(), PlayerID: playerID}, nil
	}
	return JoinResult{}, ErrNoRoom
}

// FindOrCreateRoom returns a room in the waiting phase with a free seat.
func (r *Registry) FindOrCreateRoom(ctx context.Context) (*room.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.findOrCreateLocked(ctx)
}

func (r *Registry) findOrCreateLocked(ctx context.Context) (*room.Room, error) {
	for _, id := range r.order {
		if rm := r.rooms[id]; rm.Joinable() {
			return rm, nil
		}
	}

	rm, err := room.New(room.Config{
		ID:        uuid.New(),
		Policy:    r.cfg.Policy,
		Clock:     r.cfg.Clock,
		Scheduler: r.sched,
		Assigner:  r.assigner,
		Notifier:  r.cfg.Notifier,
		Recorder:  r.cfg.Recorder,
		Hooks: room.Hooks{
			OnMemberRemoved: r.forget,
			OnEmpty:         r.reclaim,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create room: %w", err)
	}
	r.rooms[rm.ID()] = rm
	r.order = append(r.order, rm.ID())

	err = r.cfg.Recorder.CreateGroup(ctx, models.GroupSummary{
		RoomID:    rm.ID(),
		Status:    models.GroupStatusWaiting,
		CreatedAt: rm.CreatedAt().UTC(),
	})
	if err != nil {
		log.Error().Err(err).Str("room_id", rm.ID().String()).Msg("failed to record group")
	}

	log.Info().Str("room_id", rm.ID().String()).Int("rooms", len(r.rooms)).Msg("created room")
	return rm, nil
}

// ResolveReconnection finds the disconnected seat held by identity.
func (r *Registry) ResolveReconnection(identity string) (roomID, playerID uuid.UUID, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.resolveLocked(identity)
	return s.roomID, s.playerID, ok
}

func (r *Registry) resolveLocked(identity string) (seat, bool) {
	if identity == "" {
		return seat{}, false
	}
	if s, ok := r.identities[identity]; ok {
		if rm, exists := r.rooms[s.roomID]; exists {
			if playerID, found := rm.FindDisconnected(identity); found {
				return seat{roomID: s.roomID, playerID: playerID}, true
			}
		}
	}
	for _, id := range r.order {
		rm := r.rooms[id]
		if rm.Phase() == models.PhaseEmpty {
			continue
		}
		if playerID, found := rm.FindDisconnected(identity); found {
			return seat{roomID: id, playerID: playerID}, true
		}
	}
	return seat{}, false
}

// Dispatch routes a command from a bound connection to its room.
func (r *Registry) Dispatch(ctx context.Context, roomID, playerID uuid.UUID, cmd events.Command) error {
	rm, err := r.Lookup(roomID)
	if err != nil {
		return err
	}
	return rm.Handle(ctx, playerID, cmd)
}

// Lookup returns a live room.
func (r *Registry) Lookup(roomID uuid.UUID) (*room.Room, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rm, ok := r.rooms[roomID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, roomID)
	}
	return rm, nil
}

// forget drops the identity index entry of a permanently removed member.
func (r *Registry) forget(roomID, playerID uuid.UUID, identity string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.identities[identity]; ok && s.roomID == roomID && s.playerID == playerID {
		delete(r.identities, identity)
	}
}

// reclaim removes an empty room and every index entry pointing at it.
func (r *Registry) reclaim(roomID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rm, ok := r.rooms[roomID]
	if !ok {
		return
	}
	rm.Close()
	delete(r.rooms, roomID)
	for i, id := range r.order {
		if id == roomID {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	for identity, s := range r.identities {
		if s.roomID == roomID {
			delete(r.identities, identity)
		}
	}
	log.Info().Str("room_id", roomID.String()).Int("rooms", len(r.rooms)).Msg("reclaimed empty room")
}

// Reset closes every room and clears all state.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rm := range r.rooms {
		rm.Close()
	}
	r.rooms = make(map[uuid.UUID]*room.Room)
	r.order = nil
	r.identities = make(map[string]seat)
}

// RoomStats summarises one room for the info endpoint.
type RoomStats struct {
	ID        uuid.UUID    `json:"id"`
	Phase     models.Phase `json:"phase"`
	Members   int          `json:"members"`
	Connected int          `json:"connected"`
	CreatedAt time.Time    `json:"created_at"`
}

// Stats is a point-in-time view of the registry.
type Stats struct {
	Rooms          int                  `json:"rooms"`
	Members        int                  `json:"members"`
	Connected      int                  `json:"connected"`
	ByPhase        map[models.Phase]int `json:"by_phase"`
	PendingTimers  int                  `json:"pending_timers"`
	TrackedPlayers int                  `json:"tracked_players"`
	Details        []RoomStats          `json:"details"`
}

// Stats collects counts across every room.
func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	s := Stats{
		Rooms:          len(r.rooms),
		ByPhase:        make(map[models.Phase]int),
		PendingTimers:  r.sched.Pending(),
		TrackedPlayers: len(r.identities),
	}
	for _, id := range r.order {
		rm := r.rooms[id]
		snap := rm.Snapshot()
		rs := RoomStats{
			ID:        id,
			Phase:     snap.Phase,
			Members:   len(snap.Members),
			CreatedAt: rm.CreatedAt(),
		}
		for _, m := range snap.Members {
			if m.Connected {
				rs.Connected++
			}
		}
		s.Members += rs.Members
		s.Connected += rs.Connected
		s.ByPhase[snap.Phase]++
		s.Details = append(s.Details, rs)
	}
	return s
}
