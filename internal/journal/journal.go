package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/g960059/procmux/internal/model"
	"github.com/g960059/procmux/internal/security"
	"github.com/g960059/procmux/internal/wire"
)

const (
	KindTransition = "transition"
	KindCommand    = "command"

	queueSize = 512
)

var ErrClosed = errors.New("journal closed")

// Entry is one audit row.
type Entry struct {
	Seq       int64
	At        time.Time
	Kind      string
	SessionID string
	ProcID    uint64
	ProcName  string
	Action    string
	State     string
	Detail    string
	ErrorCode string
}

type job struct {
	entry   Entry
	barrier chan struct{}
}

// Journal appends state transitions and commands to sqlite from a single
// writer goroutine. Recording never blocks; entries are dropped when the
// queue is full.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	queue   chan job
	done    chan struct{}
	dropped atomic.Uint64
}

func Open(ctx context.Context, path string, logger zerolog.Logger) (*Journal, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil && !errors.Is(err, os.ErrNotExist) {
		db.Close() //nolint:errcheck
		return nil, fmt.Errorf("chmod journal path: %w", err)
	}
	if err := ApplyMigrations(ctx, db); err != nil {
		db.Close() //nolint:errcheck
		return nil, err
	}
	j := &Journal{
		db:     db,
		logger: logger.With().Str("component", "journal").Logger(),
		queue:  make(chan job, queueSize),
		done:   make(chan struct{}),
	}
	go j.writeLoop()
	return j, nil
}

func (j *Journal) DB() *sql.DB { return j.db }

// Dropped counts entries lost to a full queue.
func (j *Journal) Dropped() uint64 { return j.dropped.Load() }

// RecordTransition implements supervisor.Recorder.
func (j *Journal) RecordTransition(info model.ProcessInfo) {
	j.enqueue(Entry{
		Kind:     KindTransition,
		ProcID:   info.ID,
		ProcName: info.Name,
		State:    string(info.State),
		Detail:   info.Status(),
	})
}

// RecordCommand implements daemon.CommandRecorder. Input bytes are never
// stored and command lines are redacted.
func (j *Journal) RecordCommand(sessionID, kind string, ref model.ProcRef, detail, errCode string) {
	switch kind {
	case wire.TypeSendInput:
		detail = security.RedactInput(detail)
	default:
		detail = security.RedactCommandLine(detail)
	}
	j.enqueue(Entry{
		Kind:      KindCommand,
		SessionID: sessionID,
		ProcID:    ref.ID,
		ProcName:  ref.Name,
		Action:    kind,
		Detail:    detail,
		ErrorCode: errCode,
	})
}

func (j *Journal) enqueue(e Entry) {
	e.At = time.Now().UTC()
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		return
	}
	select {
	case j.queue <- job{entry: e}:
	default:
		if j.dropped.Add(1) == 1 {
			j.logger.Warn().Msg("journal queue full, dropping entries")
		}
	}
}

// Sync waits until everything recorded so far is on disk.
func (j *Journal) Sync(ctx context.Context) error {
	barrier := make(chan struct{})
	j.mu.RLock()
	if j.closed {
		j.mu.RUnlock()
		return ErrClosed
	}
	select {
	case j.queue <- job{barrier: barrier}:
	case <-ctx.Done():
		j.mu.RUnlock()
		return ctx.Err()
	}
	j.mu.RUnlock()
	select {
	case <-barrier:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Journal) writeLoop() {
	defer close(j.done)
	for jb := range j.queue {
		if jb.barrier != nil {
			close(jb.barrier)
			continue
		}
		if err := j.insert(context.Background(), jb.entry); err != nil {
			j.logger.Error().Err(err).Str("kind", jb.entry.Kind).Msg("journal write")
		}
	}
}

func (j *Journal) insert(ctx context.Context, e Entry) error {
	_, err := j.db.ExecContext(ctx, `
INSERT INTO entries(at, kind, session_id, proc_id, proc_name, action, state, detail, error_code)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ts(e.At), e.Kind, e.SessionID, int64(e.ProcID), e.ProcName, e.Action, e.State, e.Detail, e.ErrorCode)
	return err
}

// Query narrows List. Zero values match everything.
type Query struct {
	Proc  string
	Kind  string
	Limit int
}

// List returns the newest matching entries, oldest first.
func (j *Journal) List(ctx context.Context, q Query) ([]Entry, error) {
	var where []string
	var args []any
	if q.Proc != "" {
		where = append(where, "proc_name = ?")
		args = append(args, q.Proc)
	}
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, q.Kind)
	}
	stmt := `SELECT seq, at, kind, session_id, proc_id, proc_name, action, state, detail, error_code FROM entries`
	if len(where) > 0 {
		stmt += " WHERE " + strings.Join(where, " AND ")
	}
	stmt += " ORDER BY seq DESC"
	if q.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := j.db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var at string
		var procID int64
		if err := rows.Scan(&e.Seq, &at, &e.Kind, &e.SessionID, &procID, &e.ProcName, &e.Action, &e.State, &e.Detail, &e.ErrorCode); err != nil {
			return nil, fmt.Errorf("scan journal: %w", err)
		}
		e.ProcID = uint64(procID)
		if e.At, err = parseTS(at); err != nil {
			return nil, fmt.Errorf("parse journal time: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	slices.Reverse(out)
	return out, nil
}

// Close drains pending writes and closes the database.
func (j *Journal) Close() error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return nil
	}
	j.closed = true
	close(j.queue)
	j.mu.Unlock()
	<-j.done
	return j.db.Close()
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}
