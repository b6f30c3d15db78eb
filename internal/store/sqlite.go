package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	logx "sendlater/pkg/logx"

	_ "modernc.org/sqlite"

	"sendlater/internal/action"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for sqlite driver")
	}
	path := cfg.Path
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	// FULL so a committed transaction survives power loss, matching the
	// write-then-acknowledge contract.
	_, _ = db.Exec("PRAGMA synchronous = FULL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const actionCols = `id, kind, payload, requested_at, trigger_at, requires_confirmation, state, attempts, last_error, updated_at`

func (s *sqliteStore) Put(ctx context.Context, rec action.Request) error {
	if err := validate(rec); err != nil {
		return err
	}
	payload, err := marshalPayload(rec.Payload)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO actions(`+actionCols+`) VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, string(rec.Kind), payload,
		rec.RequestedAt.UnixMilli(), unixMilliOrNull(rec.TriggerAt), boolInt(rec.RequiresConfirmation),
		string(rec.State), rec.Attempts, nullStr(rec.LastError), unixMilliOrNull(rec.UpdatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return action.ErrDuplicateID
	}
	return err
}

func (s *sqliteStore) Get(ctx context.Context, id string) (action.Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id = ?`, id)
	return scanAction(row)
}

func (s *sqliteStore) Update(ctx context.Context, id string, expect action.State, mut Mutation) (action.Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return action.Request{}, err
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `SELECT `+actionCols+` FROM actions WHERE id = ?`, id)
	cur, err := scanAction(row)
	if err != nil {
		return action.Request{}, err
	}
	if cur.State != expect {
		return action.Request{}, action.ErrStaleState
	}
	next, err := applyMutation(cur, mut)
	if err != nil {
		return action.Request{}, err
	}
	payload, err := marshalPayload(next.Payload)
	if err != nil {
		return action.Request{}, err
	}

	// The WHERE state clause is the compare half of the swap; with the read
	// in the same transaction it can only miss if our snapshot is stale.
	res, err := tx.ExecContext(ctx,
		`UPDATE actions SET kind=?, payload=?, trigger_at=?, requires_confirmation=?, state=?, attempts=?, last_error=?, updated_at=?
		 WHERE id = ? AND state = ?`,
		string(next.Kind), payload, unixMilliOrNull(next.TriggerAt), boolInt(next.RequiresConfirmation),
		string(next.State), next.Attempts, nullStr(next.LastError), next.UpdatedAt.UnixMilli(),
		id, string(expect),
	)
	if err != nil {
		return action.Request{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return action.Request{}, err
	}
	if n == 0 {
		return action.Request{}, action.ErrStaleState
	}
	if err := tx.Commit(); err != nil {
		return action.Request{}, err
	}
	return next, nil
}

func (s *sqliteStore) ListDue(ctx context.Context, now time.Time) ([]action.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionCols+` FROM actions
		 WHERE state = ? AND trigger_at IS NOT NULL AND trigger_at <= ?
		 ORDER BY trigger_at ASC, id ASC`,
		string(action.StateConfirmed), now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return collectActions(rows)
}

func (s *sqliteStore) ListPending(ctx context.Context) ([]action.Request, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+actionCols+` FROM actions
		 WHERE state NOT IN (?,?,?)
		 ORDER BY trigger_at ASC, id ASC`,
		string(action.StateSent), string(action.StateFailed), string(action.StateCancelled),
	)
	if err != nil {
		return nil, err
	}
	return collectActions(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAction(row rowScanner) (action.Request, error) {
	var (
		rec          action.Request
		kind, state  string
		payload      sql.NullString
		reqAt        int64
		trigAt       sql.NullInt64
		requiresConf int
		lastErr      sql.NullString
		updAt        sql.NullInt64
	)
	err := row.Scan(&rec.ID, &kind, &payload, &reqAt, &trigAt, &requiresConf, &state, &rec.Attempts, &lastErr, &updAt)
	if errors.Is(err, sql.ErrNoRows) {
		return action.Request{}, action.ErrNotFound
	}
	if err != nil {
		return action.Request{}, err
	}
	rec.Kind = action.Kind(kind)
	rec.State = action.State(state)
	rec.RequestedAt = time.UnixMilli(reqAt).UTC()
	if trigAt.Valid {
		rec.TriggerAt = time.UnixMilli(trigAt.Int64).UTC()
	}
	if updAt.Valid {
		rec.UpdatedAt = time.UnixMilli(updAt.Int64).UTC()
	}
	rec.RequiresConfirmation = requiresConf != 0
	rec.LastError = lastErr.String
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &rec.Payload); err != nil {
			return action.Request{}, fmt.Errorf("decode payload for %s: %w", rec.ID, err)
		}
	}
	return rec, nil
}

func collectActions(rows *sql.Rows) ([]action.Request, error) {
	defer rows.Close()
	var out []action.Request
	for rows.Next() {
		rec, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func marshalPayload(p action.Payload) (any, error) {
	if len(p) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

func unixMilliOrNull(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
