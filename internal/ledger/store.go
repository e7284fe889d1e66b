// Package ledger persists commands and their results so that pending and
// retrying commands survive process restarts.
//
// Each command is one row. The result columns are part of a versioned
// contract and are listed explicitly in every statement:
//
//	last_executed_at, execution_count, retries_left,
//	auth_errors, io_errors, parse_errors, message, item_id,
//	hourly_limit, remaining_hits, downloaded_count, progress,
//	executed, messages_added, mentions_added, directed_added
//
// Timestamps are stored as Unix nanoseconds (0 for "never") so they read
// back without loss.
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/relaybird/syncd/internal/command"
	_ "modernc.org/sqlite"
)

// SchemaVersion is the ledger format written by this build.
const SchemaVersion = "1.0"

// supportedSchemas accepts any 1.x ledger.
const supportedSchemas = ">= 1.0, < 2.0"

var (
	// ErrNotFound is returned when a command id is not in the ledger.
	ErrNotFound = errors.New("command not found in ledger")
	// ErrIncompatibleSchema is returned when the file was written by an
	// incompatible format version.
	ErrIncompatibleSchema = errors.New("incompatible ledger schema")
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS commands (
    id               TEXT PRIMARY KEY,
    seq              INTEGER NOT NULL,
    kind             TEXT NOT NULL,
    account          TEXT NOT NULL,
    target           TEXT NOT NULL DEFAULT '',
    payload          TEXT NOT NULL DEFAULT '',
    state            TEXT NOT NULL,
    created_at       INTEGER NOT NULL,
    updated_at       INTEGER NOT NULL,
    last_executed_at INTEGER NOT NULL DEFAULT 0,
    execution_count  INTEGER NOT NULL DEFAULT 0,
    retries_left     INTEGER NOT NULL DEFAULT 0,
    auth_errors      INTEGER NOT NULL DEFAULT 0,
    io_errors        INTEGER NOT NULL DEFAULT 0,
    parse_errors     INTEGER NOT NULL DEFAULT 0,
    message          TEXT NOT NULL DEFAULT '',
    item_id          INTEGER NOT NULL DEFAULT 0,
    hourly_limit     INTEGER NOT NULL DEFAULT 0,
    remaining_hits   INTEGER NOT NULL DEFAULT 0,
    downloaded_count INTEGER NOT NULL DEFAULT 0,
    progress         TEXT NOT NULL DEFAULT '',
    executed         INTEGER NOT NULL DEFAULT 0,
    messages_added   INTEGER NOT NULL DEFAULT 0,
    mentions_added   INTEGER NOT NULL DEFAULT 0,
    directed_added   INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_commands_state_seq ON commands(state, seq);
`

const selectColumns = `
	id, seq, kind, account, target, payload, state, created_at,
	last_executed_at, execution_count, retries_left,
	auth_errors, io_errors, parse_errors, message, item_id,
	hourly_limit, remaining_hits, downloaded_count, progress,
	executed, messages_added, mentions_added, directed_added`

// Store provides SQLite-backed storage for commands.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the ledger at dbPath, runs migrations and checks
// the schema version.
func Open(dbPath string) (*Store, error) {
	if strings.TrimSpace(dbPath) == "" {
		return nil, fmt.Errorf("ledger path is required")
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open ledger db: %w", err)
	}
	// A single connection keeps writes serialized and pragmas in effect
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	s := &Store{db: db, now: time.Now}
	if err := s.checkVersion(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) checkVersion() error {
	var stored string
	err := s.db.QueryRow(`SELECT value FROM ledger_meta WHERE key = 'schema_version'`).Scan(&stored)
	if errors.Is(err, sql.ErrNoRows) {
		_, err = s.db.Exec(`INSERT INTO ledger_meta (key, value) VALUES ('schema_version', ?)`, SchemaVersion)
		if err != nil {
			return fmt.Errorf("write schema version: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	return CheckCompatible(stored)
}

// CheckCompatible reports whether a stored schema version can be read.
func CheckCompatible(stored string) error {
	v, err := version.NewVersion(stored)
	if err != nil {
		return fmt.Errorf("%w: bad version %q: %v", ErrIncompatibleSchema, stored, err)
	}
	constraints, err := version.NewConstraint(supportedSchemas)
	if err != nil {
		return fmt.Errorf("parse schema constraint: %w", err)
	}
	if !constraints.Check(v) {
		return fmt.Errorf("%w: ledger is %s, supported %s", ErrIncompatibleSchema, stored, supportedSchemas)
	}
	return nil
}

// Save inserts or replaces the row of cmd. A row already in the cancelled
// state is never overwritten: saving any other state over it returns
// command.ErrCancelled, so a cancel written by the CLI wins over a daemon
// that still holds the command in memory.
func (s *Store) Save(ctx context.Context, cmd *command.Command) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if cmd.ID == "" {
		return fmt.Errorf("command id is required")
	}
	r := cmd.Result
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO commands (
			id, seq, kind, account, target, payload, state, created_at, updated_at,
			last_executed_at, execution_count, retries_left,
			auth_errors, io_errors, parse_errors, message, item_id,
			hourly_limit, remaining_hits, downloaded_count, progress,
			executed, messages_added, mentions_added, directed_added
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			seq = excluded.seq,
			state = excluded.state,
			payload = excluded.payload,
			updated_at = excluded.updated_at,
			last_executed_at = excluded.last_executed_at,
			execution_count = excluded.execution_count,
			retries_left = excluded.retries_left,
			auth_errors = excluded.auth_errors,
			io_errors = excluded.io_errors,
			parse_errors = excluded.parse_errors,
			message = excluded.message,
			item_id = excluded.item_id,
			hourly_limit = excluded.hourly_limit,
			remaining_hits = excluded.remaining_hits,
			downloaded_count = excluded.downloaded_count,
			progress = excluded.progress,
			executed = excluded.executed,
			messages_added = excluded.messages_added,
			mentions_added = excluded.mentions_added,
			directed_added = excluded.directed_added
		WHERE commands.state <> ?`,
		cmd.ID, cmd.Seq, string(cmd.Kind), cmd.Scope.Account, cmd.Scope.Target, cmd.Payload,
		string(cmd.State), unixNano(cmd.CreatedAt), unixNano(s.now()),
		unixNano(r.LastExecutedAt), r.ExecutionCount, r.RetriesLeft,
		r.AuthErrors, r.IOErrors, r.ParseErrors, r.Message, r.ItemID,
		r.HourlyLimit, r.RemainingHits, r.DownloadedCount, r.Progress,
		boolToInt(r.Executed), r.MessagesAdded, r.MentionsAdded, r.DirectedAdded,
		string(command.StateCancelled),
	)
	if err != nil {
		return fmt.Errorf("save command %s: %w", cmd.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("save command %s: %w", cmd.ID, err)
	}
	if n == 0 && cmd.State != command.StateCancelled {
		return fmt.Errorf("save command %s: %w", cmd.ID, command.ErrCancelled)
	}
	return nil
}

// Delete removes a command row. Deleting a missing row is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM commands WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete command %s: %w", id, err)
	}
	return nil
}

// Get returns one command by id.
func (s *Store) Get(ctx context.Context, id string) (*command.Command, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+selectColumns+` FROM commands WHERE id = ?`, id)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return cmd, err
}

// LoadUnfinished returns every command that is not in a terminal state,
// in queue order.
func (s *Store) LoadUnfinished(ctx context.Context) ([]*command.Command, error) {
	return s.query(ctx, `SELECT `+selectColumns+` FROM commands
		WHERE state IN (?, ?, ?)
		ORDER BY seq ASC, created_at ASC, id ASC`,
		string(command.StatePending), string(command.StateExecuting), string(command.StateRetrying))
}

// List returns up to limit commands, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]*command.Command, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.query(ctx, `SELECT `+selectColumns+` FROM commands ORDER BY seq DESC, created_at DESC, id DESC LIMIT ?`, limit)
}

// MaxSeq returns the highest sequence number stored, or 0.
func (s *Store) MaxSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM commands`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("query max seq: %w", err)
	}
	return seq.Int64, nil
}

// PruneFinished deletes terminal rows last updated before the cutoff and
// returns how many were removed.
func (s *Store) PruneFinished(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM commands
		WHERE state IN (?, ?, ?) AND updated_at < ?`,
		string(command.StateSucceeded), string(command.StateAbandoned), string(command.StateCancelled),
		unixNano(before))
	if err != nil {
		return 0, fmt.Errorf("prune finished: %w", err)
	}
	return res.RowsAffected()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) query(ctx context.Context, q string, args ...any) ([]*command.Command, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query commands: %w", err)
	}
	defer rows.Close()

	var cmds []*command.Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		cmds = append(cmds, cmd)
	}
	return cmds, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCommand(row scanner) (*command.Command, error) {
	var (
		cmd                 command.Command
		kind, state         string
		createdAt, lastExec int64
		executed            int
	)
	r := &cmd.Result
	err := row.Scan(
		&cmd.ID, &cmd.Seq, &kind, &cmd.Scope.Account, &cmd.Scope.Target, &cmd.Payload, &state, &createdAt,
		&lastExec, &r.ExecutionCount, &r.RetriesLeft,
		&r.AuthErrors, &r.IOErrors, &r.ParseErrors, &r.Message, &r.ItemID,
		&r.HourlyLimit, &r.RemainingHits, &r.DownloadedCount, &r.Progress,
		&executed, &r.MessagesAdded, &r.MentionsAdded, &r.DirectedAdded,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan command: %w", err)
	}
	cmd.Kind = command.Kind(kind)
	cmd.State = command.State(state)
	cmd.CreatedAt = fromUnixNano(createdAt)
	r.LastExecutedAt = fromUnixNano(lastExec)
	r.Executed = executed != 0
	return &cmd, nil
}

func unixNano(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func fromUnixNano(ns int64) time.Time {
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns).UTC()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
