package payoff

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"
)

var (
	// ErrGroupSize is returned when the number of contributions does not match the group size.
	ErrGroupSize = errors.New("contribution count does not match group size")
	// ErrOutOfRange is returned when a contribution falls outside [0, endowment].
	ErrOutOfRange = errors.New("contribution out of range")
)

// Tier maps a minimum credit total to a number of lottery tickets.
type Tier struct {
	MinCredits int `yaml:"min_credits" json:"min_credits"`
	Tickets    int `yaml:"tickets" json:"tickets"`
}

// Policy holds the economic parameters of the public goods game.
type Policy struct {
	GroupSize  int    `yaml:"group_size" json:"group_size"`
	Endowment  int    `yaml:"endowment" json:"endowment"`
	Multiplier int    `yaml:"multiplier" json:"multiplier"`
	Tiers      []Tier `yaml:"lottery_tiers" json:"lottery_tiers"`
}

// DefaultPolicy returns the parameters used by the experiment.
func DefaultPolicy() Policy {
	return Policy{
		GroupSize:  4,
		Endowment:  10,
		Multiplier: 2,
		Tiers: []Tier{
			{MinCredits: 21, Tickets: 3},
			{MinCredits: 15, Tickets: 2},
			{MinCredits: 10, Tickets: 1},
		},
	}
}

// Validate checks that the policy can produce payoffs.
func (p Policy) Validate() error {
	if p.GroupSize <= 0 {
		return fmt.Errorf("group size must be positive, got %d", p.GroupSize)
	}
	if p.Endowment < 0 {
		return fmt.Errorf("endowment must not be negative, got %d", p.Endowment)
	}
	if p.Multiplier <= 0 {
		return fmt.Errorf("multiplier must be positive, got %d", p.Multiplier)
	}
	return nil
}

// Contribution is one player's committed allocation to the pool.
type Contribution struct {
	PlayerID uuid.UUID
	Amount   int
}

// PlayerPayoff is the outcome for a single player.
type PlayerPayoff struct {
	PlayerID       uuid.UUID `json:"player_id"`
	Contribution   int       `json:"contribution"`
	Kept           int       `json:"kept"`
	EqualShare     float64   `json:"equal_share"`
	CreditsWon     int       `json:"credits_won"`
	LotteryTickets int       `json:"lottery_tickets"`
}

// Result is the outcome for the whole group.
type Result struct {
	TotalContribution int                        `json:"total_contribution"`
	Pool              int                        `json:"pool"`
	EqualShare        float64                    `json:"equal_share"`
	Players           map[uuid.UUID]PlayerPayoff `json:"players"`
}

// TotalCredits sums the credits won across the group.
func (r Result) TotalCredits() int {
	total := 0
	for _, p := range r.Players {
		total += p.CreditsWon
	}
	return total
}

// Calculate computes per-player payoffs from a complete set of contributions.
//
// pool = sum * multiplier and equalShare = pool / groupSize. creditsWon is
// floor(kept + equalShare), computed in integers so the share is never rounded
// before flooring.
func Calculate(policy Policy, contributions []Contribution) (Result, error) {
	if err := policy.Validate(); err != nil {
		return Result{}, fmt.Errorf("invalid policy: %w", err)
	}
	if len(contributions) != policy.GroupSize {
		return Result{}, fmt.Errorf("%w: got %d, want %d", ErrGroupSize, len(contributions), policy.GroupSize)
	}

	total := 0
	seen := make(map[uuid.UUID]bool, len(contributions))
	for _, c := range contributions {
		if c.Amount < 0 || c.Amount > policy.Endowment {
			return Result{}, fmt.Errorf("%w: player %s contributed %d", ErrOutOfRange, c.PlayerID, c.Amount)
		}
		if seen[c.PlayerID] {
			return Result{}, fmt.Errorf("duplicate contribution for player %s", c.PlayerID)
		}
		seen[c.PlayerID] = true
		total += c.Amount
	}

	pool := total * policy.Multiplier
	result := Result{
		TotalContribution: total,
		Pool:              pool,
		EqualShare:        float64(pool) / float64(policy.GroupSize),
		Players:           make(map[uuid.UUID]PlayerPayoff, len(contributions)),
	}

	for _, c := range contributions {
		kept := policy.Endowment - c.Amount
		credits := (kept*policy.GroupSize + pool) / policy.GroupSize
		result.Players[c.PlayerID] = PlayerPayoff{
			PlayerID:       c.PlayerID,
			Contribution:   c.Amount,
			Kept:           kept,
			EqualShare:     result.EqualShare,
			CreditsWon:     credits,
			LotteryTickets: policy.Tickets(credits),
		}
	}
	return result, nil
}

// Tickets returns the lottery tickets earned for a credit total.
func (p Policy) Tickets(credits int) int {
	tiers := make([]Tier, len(p.Tiers))
	copy(tiers, p.Tiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].MinCredits > tiers[j].MinCredits })
	for _, t := range tiers {
		if credits >= t.MinCredits {
			return t.Tickets
		}
	}
	return 0
}
