package room

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/mcdev12/publicgoods/go/internal/payoff"
)

// GroupSize is the fixed number of members in a room.
const GroupSize = 4

// Answer is the expected response to one comprehension question.
type Answer struct {
	Correct     string `yaml:"correct"`
	Explanation string `yaml:"explanation"`
}

// AnswerKey holds the expected comprehension answers.
type AnswerKey struct {
	Q1 Answer `yaml:"q1"`
	Q2 Answer `yaml:"q2"`
}

// Policy holds the tunable parameters of an experiment room.
type Policy struct {
	Payoff         payoff.Policy `yaml:"payoff"`
	DecisionWindow time.Duration `yaml:"decision_window"`
	Grace          time.Duration `yaml:"grace"`
	MinWait        time.Duration `yaml:"min_wait"`
	RemovalTimeout time.Duration `yaml:"removal_timeout"`
	AnswerKey      AnswerKey     `yaml:"answer_key"`
}

// DefaultPolicy returns the parameters the experiment runs with.
func DefaultPolicy() Policy {
	return Policy{
		Payoff:         payoff.DefaultPolicy(),
		DecisionWindow: 10 * time.Second,
		Grace:          500 * time.Millisecond,
		MinWait:        10 * time.Second,
		RemovalTimeout: 5 * time.Minute,
		AnswerKey: AnswerKey{
			Q1: Answer{
				Correct:     "10",
				Explanation: "The group earns the most when everyone contributes all 10 credits (80 credits in total).",
			},
			Q2: Answer{
				Correct:     "depends",
				Explanation: "Your own best choice depends on what the others contribute. You earn the most if everyone else contributes and you do not.",
			},
		},
	}
}

// Validate checks the policy for values the room cannot run with.
func (p Policy) Validate() error {
	if err := p.Payoff.Validate(); err != nil {
		return err
	}
	if p.Payoff.GroupSize != GroupSize {
		return fmt.Errorf("group size must be %d, got %d", GroupSize, p.Payoff.GroupSize)
	}
	if p.DecisionWindow <= 0 {
		return fmt.Errorf("decision window must be positive")
	}
	if p.Grace < 0 {
		return fmt.Errorf("grace must not be negative")
	}
	if p.MinWait < 0 {
		return fmt.Errorf("min wait must not be negative")
	}
	if p.RemovalTimeout <= 0 {
		return fmt.Errorf("removal timeout must be positive")
	}
	return nil
}

// LoadPolicy reads a YAML policy file over the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return policy, fmt.Errorf("failed to read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return policy, fmt.Errorf("failed to parse policy file: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return policy, fmt.Errorf("invalid policy: %w", err)
	}
	return policy, nil
}
