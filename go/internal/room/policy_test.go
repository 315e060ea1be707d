package room

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadPolicy(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "experiment.yaml")
	data := []byte(`
decision_window: 15s
grace: 250ms
removal_timeout: 2m
payoff:
  group_size: 4
  endowment: 20
  multiplier: 2
  lottery_tiers:
    - min_credits: 30
      tickets: 5
answer_key:
  q1:
    correct: "20"
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if p.DecisionWindow != 15*time.Second || p.Grace != 250*time.Millisecond || p.RemovalTimeout != 2*time.Minute {
		t.Fatalf("durations not parsed: %+v", p)
	}
	if p.MinWait != 10*time.Second {
		t.Fatalf("min wait default lost: %v", p.MinWait)
	}
	if p.Payoff.Endowment != 20 || len(p.Payoff.Tiers) != 1 || p.Payoff.Tickets(30) != 5 {
		t.Fatalf("payoff not parsed: %+v", p.Payoff)
	}
	if p.AnswerKey.Q1.Correct != "20" || p.AnswerKey.Q2.Correct != "depends" {
		t.Fatalf("answer key not merged: %+v", p.AnswerKey)
	}
}

func TestLoadPolicyRejectsGroupSize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(path, []byte("payoff:\n  group_size: 5\n"), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if _, err := LoadPolicy(path); err == nil {
		t.Fatal("expected error for a group of five")
	}
	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for a missing file")
	}
}
