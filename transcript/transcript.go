// Package transcript persists the text side of live sessions to SQLite.
package transcript

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/localrivet/livegate/protocol"
	"github.com/localrivet/livegate/session"

	_ "modernc.org/sqlite"
)

// Fragment kinds.
const (
	KindText          = "text"
	KindThought       = "thought"
	KindTranscription = "transcription"
)

// Roles.
const (
	RoleUser  = "user"
	RoleModel = "model"
)

const schema = `
CREATE TABLE IF NOT EXISTS fragments (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	kind       TEXT NOT NULL,
	role       TEXT NOT NULL,
	text       TEXT NOT NULL,
	finished   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_fragments_session ON fragments(session_id, id);
`

// Fragment is one recorded piece of conversation.
type Fragment struct {
	ID        int64
	SessionID string
	Kind      string
	Role      string
	Text      string
	Finished  bool
	CreatedAt time.Time
}

// Recorder appends fragments to a SQLite database.
type Recorder struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
	wg     sync.WaitGroup

	mu      sync.Mutex
	subs    map[int]func()
	nextSub int
}

// Open creates or opens the database at path and applies the schema.
func Open(path string, logger *slog.Logger) (*Recorder, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create transcript directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open transcript database: %w", err)
	}
	// One writer keeps SQLite from returning SQLITE_BUSY under concurrent sessions.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000"} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply transcript schema: %w", err)
	}

	return &Recorder{db: db, logger: logger, now: time.Now, subs: make(map[int]func())}, nil
}

// Record appends one fragment.
func (r *Recorder) Record(ctx context.Context, f Fragment) error {
	if f.CreatedAt.IsZero() {
		f.CreatedAt = r.now()
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO fragments (session_id, kind, role, text, finished, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		f.SessionID, f.Kind, f.Role, f.Text, f.Finished, f.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert fragment: %w", err)
	}
	return nil
}

// Fragments returns every fragment recorded for sessionID, oldest first.
func (r *Recorder) Fragments(ctx context.Context, sessionID string) ([]Fragment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, session_id, kind, role, text, finished, created_at FROM fragments WHERE session_id = ? ORDER BY id`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query fragments: %w", err)
	}
	defer rows.Close()

	var out []Fragment
	for rows.Next() {
		var f Fragment
		if err := rows.Scan(&f.ID, &f.SessionID, &f.Kind, &f.Role, &f.Text, &f.Finished, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan fragment: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Attach records every text-bearing message the session publishes until the
// session closes or the returned func is called. The func waits for pending
// writes.
func (r *Recorder) Attach(s *session.Session) func() {
	events, unsubscribe := s.Subscribe(session.DefaultEventBuffer)
	sessionID := s.ID()

	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	r.subs[id] = unsubscribe
	r.mu.Unlock()

	r.wg.Add(1)
	done := make(chan struct{})
	go func() {
		defer r.wg.Done()
		defer close(done)
		defer func() {
			unsubscribe()
			r.mu.Lock()
			delete(r.subs, id)
			r.mu.Unlock()
		}()
		for ev := range events {
			if ev.Type == session.EventClosed {
				return
			}
			if ev.Type != session.EventMessage || ev.Message == nil {
				continue
			}
			for _, f := range FragmentsFrom(ev.Message) {
				f.SessionID = sessionID
				if err := r.Record(context.Background(), f); err != nil {
					r.logger.Warn("failed to record transcript fragment", "session", sessionID, "error", err)
				}
			}
		}
	}()

	return func() {
		unsubscribe()
		<-done
	}
}

// Close detaches every session still attached, waits for their pending
// writes and closes the database.
func (r *Recorder) Close() error {
	r.mu.Lock()
	pending := make([]func(), 0, len(r.subs))
	for _, unsubscribe := range r.subs {
		pending = append(pending, unsubscribe)
	}
	r.mu.Unlock()
	for _, unsubscribe := range pending {
		unsubscribe()
	}
	r.wg.Wait()
	return r.db.Close()
}

// FragmentsFrom extracts the text, thoughts and transcriptions carried by msg.
// Audio is not recorded.
func FragmentsFrom(msg *protocol.ServerMessage) []Fragment {
	content := msg.ServerContent
	if content == nil {
		return nil
	}

	var out []Fragment
	if content.ModelTurn != nil {
		for _, part := range content.ModelTurn.Parts {
			if part.Text == "" {
				continue
			}
			kind := KindText
			if part.Thought {
				kind = KindThought
			}
			out = append(out, Fragment{Kind: kind, Role: RoleModel, Text: part.Text})
		}
	}
	if t := content.InputTranscription; t != nil && t.Text != "" {
		out = append(out, Fragment{Kind: KindTranscription, Role: RoleUser, Text: t.Text, Finished: t.Finished != nil && *t.Finished})
	}
	if t := content.OutputTranscription; t != nil && t.Text != "" {
		out = append(out, Fragment{Kind: KindTranscription, Role: RoleModel, Text: t.Text, Finished: t.Finished != nil && *t.Finished})
	}
	return out
}
