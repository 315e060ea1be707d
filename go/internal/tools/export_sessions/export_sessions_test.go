package main

import (
	"bytes"
	"encoding/csv"
	"testing"
	"time"
)

func TestWriteCSV(t *testing.T) {
	age := int32(21)
	major := "economics"
	joined := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	rows := []SessionRow{
		{
			ID: "s1", PlayerID: "p1", RoomID: "r1", PlayerNumber: 2, Condition: "pressure",
			ConsentGiven: true, Contribution: 7, IntendedContribution: 5, DecisionTimeMs: 3200,
			CreditsWon: 15, LotteryTickets: 2, Age: &age, Major: &major,
			JoinedAt: joined, CreatedAt: joined.Add(10 * time.Minute),
		},
	}

	var buf bytes.Buffer
	if err := writeCSV(&buf, rows); err != nil {
		t.Fatalf("writeCSV: %v", err)
	}
	records, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("got %d records, want header plus one row", len(records))
	}
	if len(records[1]) != len(csvHeader) {
		t.Fatalf("row has %d fields, header has %d", len(records[1]), len(csvHeader))
	}

	got := map[string]string{}
	for i, name := range csvHeader {
		got[name] = records[1][i]
	}
	want := map[string]string{
		"player_number": "2",
		"consent_given": "true",
		"contribution":  "7",
		"age":           "21",
		"gender":        "",
		"major":         "economics",
		"completion_at": "",
		"joined_at":     "2025-03-01T12:00:00Z",
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("%s = %q, want %q", k, got[k], v)
		}
	}
}
