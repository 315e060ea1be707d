package room

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/publicgoods/go/internal/events"
	"github.com/mcdev12/publicgoods/go/internal/models"
	"github.com/mcdev12/publicgoods/go/internal/payoff"
)

// Handle applies a player's command. Stale or repeated commands return an
// error matched by IsIgnorable, validation failures a *RejectionError that
// has already been reported to the player.
func (r *Room) Handle(ctx context.Context, playerID uuid.UUID, cmd events.Command) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	m := r.member(playerID)
	if m == nil {
		return fmt.Errorf("%w: %s", ErrUnknownPlayer, playerID)
	}

	switch c := cmd.(type) {
	case events.SubmitConsent:
		return r.submitConsent(ctx, m, c)
	case events.SubmitDemographics:
		return r.submitDemographics(ctx, m, c)
	case events.ReadyToPlay:
		return r.readyToPlay(ctx, m)
	case events.UpdateIntendedContribution:
		return r.updateIntended(ctx, m, c)
	case events.SubmitContribution:
		return r.submitContribution(ctx, m, c)
	case events.SubmitComprehension:
		return r.submitComprehension(ctx, m, c)
	case events.CompleteExperiment:
		return r.completeExperiment(ctx, m)
	case events.Disconnect:
		return r.disconnect(ctx, m)
	default:
		return fmt.Errorf("%w: %s", ErrWrongPhase, cmd.Type())
	}
}

func (r *Room) submitConsent(ctx context.Context, m *member, c events.SubmitConsent) error {
	if _, done := r.consent[m.id]; done {
		return ErrDuplicate
	}
	if r.phase != models.PhaseConsent {
		return ErrWrongPhase
	}

	now := r.clock.Now()
	r.consent[m.id] = c.ConsentGiven
	m.timestamps.Consent = &now
	if c.ConsentGiven {
		m.state = models.StateDemographics
	} else {
		m.state = models.StateDeclined
		log.Warn().
			Str("room_id", r.id.String()).
			Str("player_id", m.id.String()).
			Msg("player declined consent, room cannot advance")
	}

	r.record(ctx, m.id, "submit_consent", c)
	r.send(m.id, events.EventConsentReceived, events.AckPayload{Success: true})
	r.progress(models.PhaseConsent, r.countWhere(r.consented))
	r.advance(ctx)
	return nil
}

// submitDemographics accepts the form from a consented player while the room
// is still in consent or demographics.
func (r *Room) submitDemographics(ctx context.Context, m *member, c events.SubmitDemographics) error {
	if _, done := r.demographics[m.id]; done {
		return ErrDuplicate
	}
	if r.phase != models.PhaseConsent && r.phase != models.PhaseDemographics {
		return ErrWrongPhase
	}
	if !r.consent[m.id] {
		return ErrWrongPhase
	}

	now := r.clock.Now()
	r.demographics[m.id] = c.Demographics
	m.timestamps.Demographics = &now
	m.state = models.StateWaitingExperiment

	r.record(ctx, m.id, "submit_demographics", c.Demographics)
	r.send(m.id, events.EventDemographicsReceived, events.AckPayload{Success: true})
	r.progress(models.PhaseDemographics, len(r.demographics))
	r.advance(ctx)
	return nil
}

func (r *Room) readyToPlay(ctx context.Context, m *member) error {
	if r.ready[m.id] {
		return ErrDuplicate
	}
	if r.phase != models.PhaseInstructions {
		return ErrWrongPhase
	}

	now := r.clock.Now()
	r.ready[m.id] = true
	m.state = models.StateWaitingGroupStart
	if m.timestamps.InstructionsStart != nil {
		m.instructionsTimeMs = now.Sub(*m.timestamps.InstructionsStart).Milliseconds()
	}

	r.record(ctx, m.id, "ready_to_play", map[string]any{"instructionsTimeMs": m.instructionsTimeMs})
	r.progress(models.PhaseInstructions, len(r.ready))
	r.advance(ctx)
	return nil
}

func (r *Room) updateIntended(ctx context.Context, m *member, c events.UpdateIntendedContribution) error {
	if r.phase != models.PhasePlaying {
		return ErrWrongPhase
	}
	if _, done := r.contributions[m.id]; done {
		return ErrDuplicate
	}
	if c.Value < 0 || c.Value > r.policy.Payoff.Endowment {
		return r.reject(m, events.EventError, fmt.Sprintf("intended contribution must be between 0 and %d", r.policy.Payoff.Endowment))
	}

	r.intended[m.id] = c.Value
	r.record(ctx, m.id, "update_intended_contribution", c)
	return nil
}

func (r *Room) submitContribution(ctx context.Context, m *member, c events.SubmitContribution) error {
	if _, done := r.contributions[m.id]; done {
		return ErrDuplicate
	}
	if r.phase != models.PhasePlaying {
		return ErrWrongPhase
	}
	if c.Value < 0 || c.Value > r.policy.Payoff.Endowment {
		return r.reject(m, events.EventContributionRejected, fmt.Sprintf("contribution must be between 0 and %d", r.policy.Payoff.Endowment))
	}

	cond := r.conditions[m.id]
	decision := time.Duration(c.DecisionTimeMs) * time.Millisecond
	if cond == models.ConditionDelay && decision < r.policy.MinWait {
		return r.reject(m, events.EventContributionRejected, fmt.Sprintf("please take at least %d seconds to decide", int(r.policy.MinWait.Seconds())))
	}
	late := cond == models.ConditionPressure && decision > r.policy.DecisionWindow

	now := r.clock.Now()
	r.cancelDecisionTimer(m)
	r.contributions[m.id] = c.Value
	r.intended[m.id] = c.Value
	r.timedOut[m.id] = false
	r.decisionTimes[m.id] = c.DecisionTimeMs
	m.timestamps.Contribution = &now
	m.state = models.StateWaitingOthers

	r.record(ctx, m.id, "submit_contribution", map[string]any{
		"value":          c.Value,
		"decisionTimeMs": c.DecisionTimeMs,
		"condition":      cond,
		"late":           late,
	})

	log.Info().
		Str("room_id", r.id.String()).
		Str("player_id", m.id.String()).
		Int("contribution", c.Value).
		Int("decision_time_ms", c.DecisionTimeMs).
		Str("condition", string(cond)).
		Msg("contribution accepted")

	r.send(m.id, events.EventContributionAccepted, events.ContributionAcceptedPayload{
		Contribution:   c.Value,
		DecisionTimeMs: c.DecisionTimeMs,
	})
	r.progress(models.PhasePlaying, len(r.contributions))
	r.advance(ctx)
	return nil
}

// autoResolve commits a zero contribution for a pressure player whose window
// elapsed. The handle must still be the member's active decision timer.
func (r *Room) autoResolve(playerID uuid.UUID, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.phase != models.PhasePlaying {
		return
	}
	m := r.member(playerID)
	if m == nil || m.decisionTimer != h {
		return
	}
	m.decisionTimer = 0
	if _, done := r.contributions[m.id]; done {
		return
	}

	ctx := context.Background()
	now := r.clock.Now()
	windowMs := int(r.policy.DecisionWindow.Milliseconds())
	if _, ok := r.intended[m.id]; !ok {
		r.intended[m.id] = 0
	}
	r.contributions[m.id] = 0
	r.timedOut[m.id] = true
	r.decisionTimes[m.id] = windowMs
	m.timestamps.Contribution = &now
	m.state = models.StateWaitingOthers

	r.record(ctx, m.id, "auto_submit_contribution", map[string]any{
		"contribution":         0,
		"intendedContribution": r.intended[m.id],
		"decisionTimeMs":       windowMs,
		"condition":            r.conditions[m.id],
		"reason":               "time_expired",
	})

	log.Info().
		Str("room_id", r.id.String()).
		Str("player_id", m.id.String()).
		Int("intended", r.intended[m.id]).
		Msg("decision window expired, contribution auto-resolved")

	r.send(m.id, events.EventContributionAutoResolved, events.ContributionAutoResolvedPayload{
		Contribution: 0,
		Reason:       "time_expired",
	})
	r.progress(models.PhasePlaying, len(r.contributions))
	r.advance(ctx)
}

func (r *Room) submitComprehension(ctx context.Context, m *member, c events.SubmitComprehension) error {
	if _, done := r.comprehension[m.id]; done {
		return ErrDuplicate
	}
	if r.phase != models.PhaseComprehension {
		return ErrWrongPhase
	}

	now := r.clock.Now()
	r.comprehension[m.id] = c.ComprehensionAnswers
	m.timestamps.Comprehension = &now
	m.state = models.StateWaitingComprehension

	r.record(ctx, m.id, "submit_comprehension", c.ComprehensionAnswers)

	key := r.policy.AnswerKey
	r.send(m.id, events.EventComprehensionFeedback, events.ComprehensionFeedbackPayload{
		Feedback: map[string]events.QuestionFeedback{
			"q1": feedback(c.Q1, key.Q1),
			"q2": feedback(c.Q2, key.Q2),
		},
	})
	r.progress(models.PhaseComprehension, len(r.comprehension))
	r.advance(ctx)
	return nil
}

func feedback(given string, want Answer) events.QuestionFeedback {
	return events.QuestionFeedback{
		UserAnswer:    given,
		Correct:       given == want.Correct,
		CorrectAnswer: want.Correct,
		Explanation:   want.Explanation,
	}
}

func (r *Room) completeExperiment(ctx context.Context, m *member) error {
	if r.phase != models.PhaseResults {
		return ErrWrongPhase
	}
	if m.state == models.StateFinal {
		return ErrDuplicate
	}

	now := r.clock.Now()
	m.state = models.StateFinal
	m.timestamps.Completion = &now

	r.record(ctx, m.id, "complete_experiment", map[string]any{"completedAt": now.UTC()})
	r.send(m.id, events.EventExperimentComplete, events.ExperimentCompletePayload{CompletedAt: now.UTC()})
	return nil
}

// reject reports a validation failure to the player and returns it.
func (r *Room) reject(m *member, typ events.EventType, reason string) error {
	rej := &RejectionError{Reason: reason, Retry: true}
	if typ == events.EventError {
		r.send(m.id, typ, events.ErrorPayload{Code: "rejected", Message: reason})
	} else {
		r.send(m.id, typ, events.ContributionRejectedPayload{Reason: reason, Retry: true})
	}
	log.Debug().
		Str("room_id", r.id.String()).
		Str("player_id", m.id.String()).
		Str("reason", reason).
		Msg("submission rejected")
	return rej
}

func (r *Room) progress(phase models.Phase, completed int) {
	r.broadcast(events.EventProgressUpdate, events.ProgressUpdatePayload{
		Phase:     phase,
		Completed: completed,
		Total:     GroupSize,
	})
}

func (r *Room) countWhere(pred func(id uuid.UUID) bool) int {
	n := 0
	for _, m := range r.members {
		if pred(m.id) {
			n++
		}
	}
	return n
}

// rosterComplete reports whether every roster member is still seated and done.
func (r *Room) rosterComplete(done func(id uuid.UUID) bool) bool {
	if len(r.roster) != GroupSize {
		return false
	}
	for id := range r.roster {
		if r.member(id) == nil || !done(id) {
			return false
		}
	}
	return true
}

func (r *Room) consented(id uuid.UUID) bool { return r.consent[id] }
func (r *Room) isReady(id uuid.UUID) bool   { return r.ready[id] }

func (r *Room) hasDemographics(id uuid.UUID) bool {
	_, ok := r.demographics[id]
	return ok
}

func (r *Room) hasContribution(id uuid.UUID) bool {
	_, ok := r.contributions[id]
	return ok
}

func (r *Room) hasComprehension(id uuid.UUID) bool {
	_, ok := r.comprehension[id]
	return ok
}

// advance moves the room forward for as long as the current phase's gate holds.
func (r *Room) advance(ctx context.Context) {
	for {
		switch r.phase {
		case models.PhaseConsent:
			if !r.rosterComplete(r.consented) {
				return
			}
			r.enterDemographics()
		case models.PhaseDemographics:
			if !r.rosterComplete(r.hasDemographics) {
				return
			}
			r.enterInstructions()
		case models.PhaseInstructions:
			if !r.rosterComplete(r.isReady) {
				return
			}
			r.enterPlaying()
		case models.PhasePlaying:
			if !r.rosterComplete(r.hasContribution) {
				return
			}
			r.enterComprehension()
		case models.PhaseComprehension:
			if !r.rosterComplete(r.hasComprehension) {
				return
			}
			if err := r.enterResults(ctx); err != nil {
				log.Error().Err(err).Str("room_id", r.id.String()).Msg("failed to compute results")
			}
			return
		default:
			return
		}
	}
}

// transition moves the room forward. A backward or repeated move is refused.
func (r *Room) transition(to models.Phase) {
	if !r.phase.Before(to) {
		log.Error().
			Str("room_id", r.id.String()).
			Str("from", string(r.phase)).
			Str("to", string(to)).
			Msg("refusing non-forward phase transition")
		return
	}
	log.Info().
		Str("room_id", r.id.String()).
		Str("from", string(r.phase)).
		Str("to", string(to)).
		Msg("room phase transition")
	r.phase = to
}

func (r *Room) phaseStart(phase models.Phase) {
	r.broadcast(events.PhaseStart(phase), events.PhaseStartPayload{
		Phase:     phase,
		StartedAt: r.clock.Now().UTC(),
	})
}

func (r *Room) enterConsent() {
	r.transition(models.PhaseConsent)
	for _, m := range r.members {
		m.state = models.StateConsent
	}
	r.phaseStart(models.PhaseConsent)
}

func (r *Room) enterDemographics() {
	r.transition(models.PhaseDemographics)
	r.phaseStart(models.PhaseDemographics)
}

func (r *Room) enterInstructions() {
	r.transition(models.PhaseInstructions)
	now := r.clock.Now()
	for _, m := range r.members {
		start := now
		m.timestamps.InstructionsStart = &start
		m.state = models.StateInstructions
	}
	r.phaseStart(models.PhaseInstructions)
}

// enterPlaying opens the decision window and arms a timer for every pressure player.
func (r *Room) enterPlaying() {
	r.transition(models.PhasePlaying)
	now := r.clock.Now()
	limit := int(r.policy.DecisionWindow.Seconds())
	minTime := int(r.policy.MinWait.Seconds())

	for _, m := range r.members {
		start := now
		m.timestamps.ContributionStart = &start
		m.state = models.StateContribution

		cond := r.conditions[m.id]
		payload := events.PhaseStartPayload{
			Phase:     models.PhasePlaying,
			Condition: &cond,
			StartedAt: now.UTC(),
		}
		switch cond {
		case models.ConditionPressure:
			payload.TimeLimitSec = &limit
			id := m.id
			m.decisionTimer = r.sched.Arm(r.policy.DecisionWindow+r.policy.Grace, func(h Handle) {
				r.autoResolve(id, h)
			})
		case models.ConditionDelay:
			payload.MinTimeSec = &minTime
		}
		if m.connected {
			r.send(m.id, events.PhaseStart(models.PhasePlaying), payload)
		}
	}
}

func (r *Room) enterComprehension() {
	for _, m := range r.members {
		r.cancelDecisionTimer(m)
	}
	r.transition(models.PhaseComprehension)
	for _, m := range r.members {
		m.state = models.StateComprehension
	}
	r.phaseStart(models.PhaseComprehension)
}

// enterResults computes payoffs once, queues the session and group records,
// then tells every member their outcome.
func (r *Room) enterResults(ctx context.Context) error {
	if r.result != nil {
		return nil
	}

	members := r.bySeat()
	contribs := make([]payoff.Contribution, 0, len(members))
	for _, m := range members {
		contribs = append(contribs, payoff.Contribution{PlayerID: m.id, Amount: r.contributions[m.id]})
	}
	res, err := payoff.Calculate(r.policy.Payoff, contribs)
	if err != nil {
		return fmt.Errorf("%w: %v", errInternal, err)
	}
	r.result = &res
	r.transition(models.PhaseResults)

	now := r.clock.Now()
	totalDecision := 0
	for _, m := range members {
		m.state = models.StateResults
		totalDecision += r.decisionTimes[m.id]
		p := res.Players[m.id]
		err := r.rec.AppendSessionRecord(ctx, models.SessionRecord{
			ID:                   uuid.New(),
			PlayerID:             m.id,
			RoomID:               r.id,
			PlayerNumber:         m.number,
			DisplayName:          m.displayName,
			Identity:             m.identity,
			Condition:            r.conditions[m.id],
			ConsentGiven:         r.consent[m.id],
			Contribution:         p.Contribution,
			IntendedContribution: r.intended[m.id],
			TimedOut:             r.timedOut[m.id],
			DecisionTimeMs:       r.decisionTimes[m.id],
			CreditsWon:           p.CreditsWon,
			LotteryTickets:       p.LotteryTickets,
			Comprehension:        r.comprehension[m.id],
			Demographics:         r.demographics[m.id],
			InstructionsTimeMs:   m.instructionsTimeMs,
			Timestamps:           m.timestamps,
			UserAgent:            m.userAgent,
			RemoteAddr:           m.remoteAddr,
			CreatedAt:            now.UTC(),
		})
		if err != nil {
			log.Error().Err(err).Str("room_id", r.id.String()).Msg("failed to record session")
		}
	}

	ended := now.UTC()
	err = r.rec.UpdateGroupSummary(ctx, models.GroupSummary{
		RoomID:                  r.id,
		Status:                  models.GroupStatusCompleted,
		TotalContribution:       res.TotalContribution,
		TotalCreditsDistributed: res.TotalCredits(),
		StartedAt:               r.startedAt,
		EndedAt:                 &ended,
		CompletionRate:          float64(len(members)) / float64(GroupSize),
		AvgDecisionTimeMs:       totalDecision / len(members),
	})
	if err != nil {
		log.Error().Err(err).Str("room_id", r.id.String()).Msg("failed to record group summary")
	}

	log.Info().
		Str("room_id", r.id.String()).
		Int("total_contribution", res.TotalContribution).
		Int("pool", res.Pool).
		Msg("results computed")

	r.phaseStart(models.PhaseResults)
	for _, m := range members {
		if !m.connected {
			continue
		}
		r.send(m.id, events.EventResults, r.resultsPayload(m))
	}
	return nil
}

// resultsPayload is m's view of the computed payoffs. Callers check r.result.
func (r *Room) resultsPayload(m *member) events.ResultsPayload {
	all := make([]int, 0, len(r.members))
	for _, other := range r.bySeat() {
		all = append(all, r.result.Players[other.id].Contribution)
	}
	p := r.result.Players[m.id]
	return events.ResultsPayload{
		YourContribution:   p.Contribution,
		YourKept:           p.Kept,
		YourShare:          p.EqualShare,
		YourCreditsWon:     p.CreditsWon,
		YourLotteryTickets: p.LotteryTickets,
		AllContributions:   all,
		TotalPool:          r.result.Pool,
	}
}

// bySeat returns the members ordered by player number.
func (r *Room) bySeat() []*member {
	members := make([]*member, len(r.members))
	copy(members, r.members)
	sort.Slice(members, func(i, j int) bool { return members[i].number < members[j].number })
	return members
}

func (r *Room) cancelDecisionTimer(m *member) {
	if m.decisionTimer == 0 {
		return
	}
	r.sched.Cancel(m.decisionTimer)
	m.decisionTimer = 0
}
