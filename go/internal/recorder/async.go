package recorder

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/publicgoods/go/internal/models"
)

type AsyncConfig struct {
	QueueSize  int
	Workers    int
	MaxRetries int
	RetryDelay time.Duration
	Timeout    time.Duration // Per-attempt deadline
}

func DefaultAsyncConfig() AsyncConfig {
	return AsyncConfig{
		QueueSize:  1024,
		Workers:    1,
		MaxRetries: 3,
		RetryDelay: 200 * time.Millisecond,
		Timeout:    5 * time.Second,
	}
}

type job struct {
	kind  string
	apply func(ctx context.Context, sink Recorder) error
}

// Async queues writes for a background worker so callers never block on storage.
// A single worker keeps writes in submission order. When next is a Multi each
// sink is retried on its own, so a sink that already took a write never sees
// it twice.
type Async struct {
	sinks []Recorder
	cfg   AsyncConfig

	mu     sync.RWMutex
	closed bool
	queue  chan job
	wg     sync.WaitGroup

	recorded atomic.Uint64
	failed   atomic.Uint64
	dropped  atomic.Uint64
	lastAt   atomic.Int64 // unix nanos of the last successful write
}

// AsyncStats is a point-in-time view of the write queue.
type AsyncStats struct {
	Recorded     uint64    `json:"recorded"`
	Failed       uint64    `json:"failed"`
	Dropped      uint64    `json:"dropped"`
	Pending      int       `json:"pending"`
	LastRecordAt time.Time `json:"last_record_at,omitempty"`
}

// NewAsync wraps next. Call Start before use and Close on shutdown.
func NewAsync(next Recorder, cfg AsyncConfig) *Async {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultAsyncConfig().Timeout
	}
	sinks := []Recorder{next}
	if m, ok := next.(Multi); ok {
		sinks = m
	}
	return &Async{
		sinks: sinks,
		cfg:   cfg,
		queue: make(chan job, cfg.QueueSize),
	}
}

// Start launches the workers. They drain the queue until Close is called.
func (a *Async) Start(ctx context.Context) {
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.worker(ctx, i)
	}
	log.Info().
		Int("workers", a.cfg.Workers).
		Int("queue_size", a.cfg.QueueSize).
		Msg("async recorder started")
}

// Close stops accepting work and waits for queued writes to finish.
func (a *Async) Close() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	close(a.queue)
	a.mu.Unlock()

	a.wg.Wait()
	log.Info().Msg("async recorder stopped")
}

func (a *Async) CreateGroup(_ context.Context, group models.GroupSummary) error {
	return a.enqueue(job{kind: "create_group", apply: func(ctx context.Context, sink Recorder) error {
		return sink.CreateGroup(ctx, group)
	}})
}

func (a *Async) AppendInteraction(_ context.Context, interaction models.Interaction) error {
	return a.enqueue(job{kind: "append_interaction", apply: func(ctx context.Context, sink Recorder) error {
		return sink.AppendInteraction(ctx, interaction)
	}})
}

func (a *Async) AppendSessionRecord(_ context.Context, record models.SessionRecord) error {
	return a.enqueue(job{kind: "append_session", apply: func(ctx context.Context, sink Recorder) error {
		return sink.AppendSessionRecord(ctx, record)
	}})
}

func (a *Async) UpdateGroupSummary(_ context.Context, group models.GroupSummary) error {
	return a.enqueue(job{kind: "update_group", apply: func(ctx context.Context, sink Recorder) error {
		return sink.UpdateGroupSummary(ctx, group)
	}})
}

// enqueue never blocks. A full queue drops the write with an error log.
func (a *Async) enqueue(j job) error {
	a.mu.RLock()
	defer a.mu.RUnlock()

	if a.closed {
		a.dropped.Add(1)
		log.Warn().Str("kind", j.kind).Msg("recorder closed, dropping write")
		return nil
	}
	select {
	case a.queue <- j:
	default:
		a.dropped.Add(1)
		log.Error().Str("kind", j.kind).Msg("recorder queue full, dropping write")
	}
	return nil
}

func (a *Async) Stats() AsyncStats {
	s := AsyncStats{
		Recorded: a.recorded.Load(),
		Failed:   a.failed.Load(),
		Dropped:  a.dropped.Load(),
		Pending:  len(a.queue),
	}
	if ns := a.lastAt.Load(); ns != 0 {
		s.LastRecordAt = time.Unix(0, ns).UTC()
	}
	return s
}

func (a *Async) worker(ctx context.Context, id int) {
	defer a.wg.Done()
	for j := range a.queue {
		if err := a.applyWithRetry(ctx, j); err != nil {
			a.failed.Add(1)
			log.Error().Err(err).Int("worker", id).Str("kind", j.kind).Msg("failed to record")
			continue
		}
		a.recorded.Add(1)
		a.lastAt.Store(time.Now().UnixNano())
	}
}

// applyWithRetry retries only the sinks that have not yet taken the write.
func (a *Async) applyWithRetry(ctx context.Context, j job) error {
	pending := a.sinks
	var lastErr error

	for attempt := 0; attempt <= a.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.cfg.RetryDelay * time.Duration(attempt)):
			}
		}

		var failed []Recorder
		for _, sink := range pending {
			attemptCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.cfg.Timeout)
			err := j.apply(attemptCtx, sink)
			cancel()
			if err != nil {
				lastErr = err
				failed = append(failed, sink)
			}
		}
		if len(failed) == 0 {
			return nil
		}
		log.Warn().
			Err(lastErr).
			Str("kind", j.kind).
			Int("attempt", attempt+1).
			Int("failed_sinks", len(failed)).
			Msg("failed to record, retrying")
		pending = failed
	}

	return fmt.Errorf("failed after %d attempts: %w", a.cfg.MaxRetries+1, lastErr)
}
