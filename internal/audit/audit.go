// Package audit records agent and session lifecycle transitions to a local
// SQLite trail by subscribing to the event bus.
package audit

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/eventbus"
)

const busyTimeout = 5 * time.Second

// lifecycleSubjects is the full set of subjects the trail records.
var lifecycleSubjects = []string{
	eventbus.SubjectAgentSpawned,
	eventbus.SubjectAgentStarted,
	eventbus.SubjectAgentStopped,
	eventbus.SubjectAgentDeleted,
	eventbus.SubjectSessionLaunch,
	eventbus.SubjectSessionEvict,
	eventbus.SubjectSessionDelete,
}

// Trail is a SQLite-backed log of every lifecycle event published on the bus.
type Trail struct {
	db     *sqlx.DB
	logger *logger.Logger
}

// Open opens (creating if needed) the audit database at dbPath.
func Open(dbPath string, log *logger.Logger) (*Trail, error) {
	normalized, err := filepath.Abs(dbPath)
	if err != nil {
		normalized = dbPath
	}
	if dir := filepath.Dir(normalized); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to prepare audit db path: %w", err)
		}
	}

	dsn := fmt.Sprintf(
		"file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		normalized, int(busyTimeout/time.Millisecond),
	)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	trail := &Trail{db: db, logger: log}
	if err := trail.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize audit schema: %w", err)
	}
	return trail, nil
}

func (t *Trail) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS lifecycle_events (
		id TEXT PRIMARY KEY,
		subject TEXT NOT NULL,
		source TEXT NOT NULL,
		agent_id TEXT,
		session_id TEXT,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_agent_id ON lifecycle_events(agent_id);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_session_id ON lifecycle_events(session_id);
	CREATE INDEX IF NOT EXISTS idx_lifecycle_events_recorded_at ON lifecycle_events(recorded_at);
	`
	_, err := t.db.Exec(schema)
	return err
}

// Close closes the underlying database handle.
func (t *Trail) Close() error {
	return t.db.Close()
}

// Subscribe registers the trail's recorder against every lifecycle subject
// on bus. Subscription failures are logged individually and do not abort
// startup: a daemon should run without an audit trail rather than not at all.
func (t *Trail) Subscribe(bus eventbus.Bus) {
	for _, subject := range lifecycleSubjects {
		subject := subject
		if _, err := bus.Subscribe(subject, t.record); err != nil {
			t.logger.Warn("failed to subscribe audit trail", zap.String("subject", subject), zap.Error(err))
		}
	}
}

func (t *Trail) record(ctx context.Context, event *eventbus.Event) error {
	agentID, _ := event.Data["agent_id"].(string)
	sessionID, _ := event.Data["session_id"].(string)

	_, err := t.db.ExecContext(ctx, t.db.Rebind(`
		INSERT INTO lifecycle_events (id, subject, source, agent_id, session_id, recorded_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), event.ID, event.Type, event.Source, nullIfEmpty(agentID), nullIfEmpty(sessionID), event.Timestamp)
	if err != nil {
		t.logger.Warn("failed to record lifecycle event", zap.String("subject", event.Type), zap.Error(err))
	}
	return nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Entry is a single recorded lifecycle transition, as returned by Recent.
type Entry struct {
	ID         string    `db:"id"`
	Subject    string    `db:"subject"`
	Source     string    `db:"source"`
	AgentID    *string   `db:"agent_id"`
	SessionID  *string   `db:"session_id"`
	RecordedAt time.Time `db:"recorded_at"`
}

// Recent returns the most recent limit lifecycle entries, newest first.
func (t *Trail) Recent(ctx context.Context, limit int) ([]Entry, error) {
	var entries []Entry
	err := t.db.SelectContext(ctx, &entries, t.db.Rebind(`
		SELECT id, subject, source, agent_id, session_id, recorded_at
		FROM lifecycle_events
		ORDER BY recorded_at DESC
		LIMIT ?
	`), limit)
	return entries, err
}

// ForAgent returns the lifecycle history for a single agent, oldest first.
func (t *Trail) ForAgent(ctx context.Context, agentID string) ([]Entry, error) {
	var entries []Entry
	err := t.db.SelectContext(ctx, &entries, t.db.Rebind(`
		SELECT id, subject, source, agent_id, session_id, recorded_at
		FROM lifecycle_events
		WHERE agent_id = ?
		ORDER BY recorded_at ASC
	`), agentID)
	return entries, err
}
