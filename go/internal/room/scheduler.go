package room

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Handle identifies one armed timer. The zero Handle is never armed.
type Handle uint64

type armedTimer struct {
	timer clockwork.Timer
	stop  chan struct{}
}

// Scheduler runs one-shot callbacks on a clock and lets them be cancelled.
// A callback only runs if its handle is still active when the timer fires.
type Scheduler struct {
	clock clockwork.Clock

	mu     sync.Mutex
	next   Handle
	active map[Handle]*armedTimer
}

// NewScheduler creates a scheduler on clock.
func NewScheduler(clock clockwork.Clock) *Scheduler {
	return &Scheduler{
		clock:  clock,
		active: make(map[Handle]*armedTimer),
	}
}

// Arm schedules fn to run after d and returns its handle.
func (s *Scheduler) Arm(d time.Duration, fn func(Handle)) Handle {
	s.mu.Lock()
	s.next++
	h := s.next
	at := &armedTimer{
		timer: s.clock.NewTimer(d),
		stop:  make(chan struct{}),
	}
	s.active[h] = at
	s.mu.Unlock()

	go func() {
		select {
		case <-at.timer.Chan():
			if !s.take(h) {
				return
			}
			fn(h)
		case <-at.stop:
		}
	}()

	log.Debug().Uint64("handle", uint64(h)).Dur("duration", d).Msg("armed timer")
	return h
}

// Cancel stops the timer for h. It reports whether the timer was still pending.
func (s *Scheduler) Cancel(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	at, ok := s.active[h]
	if !ok {
		return false
	}
	stopAndDrainTimer(at.timer)
	close(at.stop)
	delete(s.active, h)
	return true
}

// Pending returns the number of armed timers that have neither fired nor been cancelled.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// take removes h from the active set, returning false if it was already cancelled.
func (s *Scheduler) take(h Handle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.active[h]; !ok {
		return false
	}
	delete(s.active, h)
	return true
}

func stopAndDrainTimer(timer clockwork.Timer) {
	if !timer.Stop() {
		select {
		case <-timer.Chan():
		default:
		}
	}
}
