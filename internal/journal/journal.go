// Package journal persists emitted decisions and session transitions in
// SQLite so a run can be inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/signalsfoundry/leo-handover/internal/logging"
	"github.com/signalsfoundry/leo-handover/internal/orchestrator"
	"github.com/signalsfoundry/leo-handover/model"
)

// Times are stored as unix nanoseconds so that ORDER BY follows time order.
const schema = `
CREATE TABLE IF NOT EXISTS decisions (
    id                     TEXT PRIMARY KEY,
    session_id             TEXT NOT NULL,
    terminal_id            TEXT NOT NULL,
    selected_satellite_id  INTEGER NOT NULL,
    policy_used            TEXT NOT NULL,
    confidence             REAL NOT NULL,
    trigger_time           INTEGER NOT NULL,
    low_confidence_trigger INTEGER NOT NULL DEFAULT 0,
    created_at             INTEGER NOT NULL,
    body                   TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_decisions_terminal ON decisions(terminal_id, created_at);

CREATE TABLE IF NOT EXISTS transitions (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    session_id  TEXT NOT NULL,
    terminal_id TEXT NOT NULL,
    from_state  TEXT NOT NULL,
    to_state    TEXT NOT NULL,
    reason      TEXT NOT NULL DEFAULT '',
    attempt     INTEGER NOT NULL,
    at          INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id);
`

// Journal writes decisions and transitions to a SQLite database.
type Journal struct {
	db  *sql.DB
	log logging.Logger
}

// Open opens (or creates) the database at path. ":memory:" gives a private
// in-memory database.
func Open(path string, log logging.Logger) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %q: %w", path, err)
	}
	// One connection keeps ":memory:" databases shared and serialises writes.
	db.SetMaxOpenConns(1)
	j, err := New(db, log)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return j, nil
}

// New creates the schema on db.
func New(db *sql.DB, log logging.Logger) (*Journal, error) {
	if log == nil {
		log = logging.Noop()
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Journal{db: db, log: log}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error { return j.db.Close() }

// RecordDecision stores d. Recording the same decision twice is a no-op.
func (j *Journal) RecordDecision(ctx context.Context, d model.Decision) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode decision %s: %w", d.ID, err)
	}
	low := 0
	if d.LowConfidenceTrigger {
		low = 1
	}
	_, err = j.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO decisions
		(id, session_id, terminal_id, selected_satellite_id, policy_used,
		 confidence, trigger_time, low_confidence_trigger, created_at, body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID,
		d.SessionID,
		d.TerminalID,
		int(d.SelectedSatelliteID),
		string(d.PolicyUsed),
		d.Confidence,
		d.TriggerTime.UnixNano(),
		low,
		d.CreatedAt.UnixNano(),
		string(body),
	)
	return err
}

// RecordTransition appends one session transition.
func (j *Journal) RecordTransition(ctx context.Context, ev orchestrator.TransitionEvent) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO transitions
		(session_id, terminal_id, from_state, to_state, reason, attempt, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.SessionID,
		ev.TerminalID,
		ev.From.String(),
		ev.To.String(),
		ev.Reason,
		ev.Attempt,
		ev.At.UnixNano(),
	)
	return err
}

// Decisions returns up to limit decisions for a terminal, newest first. A
// non-positive limit returns all of them.
func (j *Journal) Decisions(ctx context.Context, terminalID string, limit int) ([]model.Decision, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT body FROM decisions
		WHERE terminal_id = ?
		ORDER BY created_at DESC, id
		LIMIT ?`, terminalID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Decision
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var d model.Decision
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decode decision: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// Transition is a stored transition row.
type Transition struct {
	SessionID  string
	TerminalID string
	From, To   string
	Reason     string
	Attempt    int
	At         time.Time
}

// Transitions returns a session's transitions in the order they happened.
func (j *Journal) Transitions(ctx context.Context, sessionID string) ([]Transition, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, terminal_id, from_state, to_state, reason, attempt, at
		FROM transitions
		WHERE session_id = ?
		ORDER BY id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var tr Transition
		var at int64
		if err := rows.Scan(&tr.SessionID, &tr.TerminalID, &tr.From, &tr.To, &tr.Reason, &tr.Attempt, &at); err != nil {
			return nil, err
		}
		tr.At = time.Unix(0, at).UTC()
		out = append(out, tr)
	}
	return out, rows.Err()
}

// Run records everything received on decisions and transitions until both
// channels are closed or ctx is done. Write failures are logged and do not
// stop the loop. Either channel may be nil.
func (j *Journal) Run(ctx context.Context, decisions <-chan model.Decision, transitions <-chan orchestrator.TransitionEvent) error {
	for decisions != nil || transitions != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-decisions:
			if !ok {
				decisions = nil
				continue
			}
			if err := j.RecordDecision(ctx, d); err != nil {
				j.log.Error(ctx, "journal decision write failed", logging.String("decision_id", d.ID), logging.Err(err))
			}
		case ev, ok := <-transitions:
			if !ok {
				transitions = nil
				continue
			}
			if err := j.RecordTransition(ctx, ev); err != nil {
				j.log.Error(ctx, "journal transition write failed", logging.String("session_id", ev.SessionID), logging.Err(err))
			}
		}
	}
	return nil
}
