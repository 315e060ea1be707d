package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"

	"github.com/mcdev12/publicgoods/go/internal/dbconfig"
)

// SessionRow is one participant's completed session as stored in Postgres.
type SessionRow struct {
	ID                   string     `db:"id" json:"id"`
	PlayerID             string     `db:"player_id" json:"player_id"`
	RoomID               string     `db:"room_id" json:"room_id"`
	PlayerNumber         int32      `db:"player_number" json:"player_number"`
	Condition            string     `db:"condition" json:"condition"`
	ConsentGiven         bool       `db:"consent_given" json:"consent_given"`
	Contribution         int32      `db:"contribution" json:"contribution"`
	IntendedContribution int32      `db:"intended_contribution" json:"intended_contribution"`
	TimedOut             bool       `db:"timed_out" json:"timed_out"`
	DecisionTimeMs       int32      `db:"decision_time_ms" json:"decision_time_ms"`
	CreditsWon           int32      `db:"credits_won" json:"credits_won"`
	LotteryTickets       int32      `db:"lottery_tickets" json:"lottery_tickets"`
	ComprehensionQ1      *string    `db:"comprehension_q1" json:"comprehension_q1"`
	ComprehensionQ2      *string    `db:"comprehension_q2" json:"comprehension_q2"`
	Age                  *int32     `db:"age" json:"age"`
	Gender               *string    `db:"gender" json:"gender"`
	Major                *string    `db:"major" json:"major"`
	InstructionsTimeMs   int64      `db:"instructions_time_ms" json:"instructions_time_ms"`
	SessionDurationMs    int64      `db:"session_duration_ms" json:"session_duration_ms"`
	JoinedAt             time.Time  `db:"joined_at" json:"joined_at"`
	CompletionAt         *time.Time `db:"completion_at" json:"completion_at"`
	CreatedAt            time.Time  `db:"created_at" json:"created_at"`
}

const selectSessions = `
SELECT id, player_id, room_id, player_number, condition, consent_given,
       contribution, intended_contribution, timed_out, decision_time_ms,
       credits_won, lottery_tickets, comprehension_q1, comprehension_q2,
       age, gender, major, instructions_time_ms::BIGINT AS instructions_time_ms,
       session_duration_ms::BIGINT AS session_duration_ms,
       joined_at, completion_at, created_at
FROM experiment_sessions
WHERE ($1 = '' OR room_id = $1)
ORDER BY created_at, room_id, player_number`

func main() {
	format := flag.String("format", "json", "output format: json or csv")
	out := flag.String("out", "", "output file (default stdout)")
	roomID := flag.String("room", "", "only export sessions from this room")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		fmt.Fprintf(os.Stderr, "warning: could not load .env file: %v\n", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// 1) Connect to DB
	cfg := dbconfig.NewConfigFromEnv()
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		fmt.Fprintf(os.Stderr, "parse config: %v\n", err)
		os.Exit(1)
	}
	poolCfg.MaxConns = 2
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "connect error: %v\n", err)
		os.Exit(1)
	}
	defer pool.Close()

	// 2) Load sessions
	rows, err := pool.Query(ctx, selectSessions, *roomID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "query sessions: %v\n", err)
		os.Exit(1)
	}
	sessions, err := pgx.CollectRows(rows, pgx.RowToStructByName[SessionRow])
	if err != nil {
		fmt.Fprintf(os.Stderr, "scan sessions: %v\n", err)
		os.Exit(1)
	}

	// 3) Write them out
	var w io.Writer = os.Stdout
	if *out != "" {
		f, err := os.Create(*out)
		if err != nil {
			fmt.Fprintf(os.Stderr, "create %s: %v\n", *out, err)
			os.Exit(1)
		}
		defer f.Close()
		w = f
	}

	switch *format {
	case "json":
		err = writeJSON(w, sessions)
	case "csv":
		err = writeCSV(w, sessions)
	default:
		err = fmt.Errorf("unknown format %q", *format)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "export: %v\n", err)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, "Sessions export: rows=%d format=%s\n", len(sessions), *format)
}

func writeJSON(w io.Writer, sessions []SessionRow) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(sessions)
}

var csvHeader = []string{
	"id", "player_id", "room_id", "player_number", "condition", "consent_given",
	"contribution", "intended_contribution", "timed_out", "decision_time_ms",
	"credits_won", "lottery_tickets", "comprehension_q1", "comprehension_q2",
	"age", "gender", "major", "instructions_time_ms", "session_duration_ms",
	"joined_at", "completion_at", "created_at",
}

func writeCSV(w io.Writer, sessions []SessionRow) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(csvHeader); err != nil {
		return err
	}
	for _, s := range sessions {
		record := []string{
			s.ID, s.PlayerID, s.RoomID, itoa(s.PlayerNumber), s.Condition, strconv.FormatBool(s.ConsentGiven),
			itoa(s.Contribution), itoa(s.IntendedContribution), strconv.FormatBool(s.TimedOut), itoa(s.DecisionTimeMs),
			itoa(s.CreditsWon), itoa(s.LotteryTickets), deref(s.ComprehensionQ1), deref(s.ComprehensionQ2),
			optInt(s.Age), deref(s.Gender), deref(s.Major),
			strconv.FormatInt(s.InstructionsTimeMs, 10), strconv.FormatInt(s.SessionDurationMs, 10),
			s.JoinedAt.UTC().Format(time.RFC3339Nano), optTime(s.CompletionAt), s.CreatedAt.UTC().Format(time.RFC3339Nano),
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func itoa(n int32) string { return strconv.Itoa(int(n)) }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func optInt(n *int32) string {
	if n == nil {
		return ""
	}
	return itoa(*n)
}

func optTime(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
