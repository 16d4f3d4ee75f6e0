package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"skycredit/internal/models"
)

var ErrNotFound = errors.New("database: not found")

type DB struct {
	conn   *sql.DB
	logger *zap.Logger
}

// Init opens the SQLite database, applies WAL mode, and runs migrations.
func Init(path string, logger *zap.Logger) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("database: failed to open: %w", err)
	}
	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("database: failed to ping: %w", err)
	}

	// Limit concurrent writers to avoid SQLITE_BUSY beyond the busy_timeout.
	conn.SetMaxOpenConns(1)

	db := &DB{conn: conn, logger: logger.Named("database")}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	db.logger.Info("database ready", zap.String("path", path))
	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS calls (
id           TEXT PRIMARY KEY,
status       TEXT NOT NULL DEFAULT 'ACTIVE',
scenario     TEXT NOT NULL DEFAULT '',
verified     INTEGER NOT NULL DEFAULT 0,
customer_ref TEXT NOT NULL DEFAULT '',
state        TEXT NOT NULL DEFAULT '',
created_at   DATETIME DEFAULT CURRENT_TIMESTAMP,
updated_at   DATETIME DEFAULT CURRENT_TIMESTAMP
)`,
		`CREATE TABLE IF NOT EXISTS messages (
id         TEXT PRIMARY KEY,
call_id    TEXT NOT NULL,
role       TEXT NOT NULL,
content    TEXT NOT NULL,
created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
FOREIGN KEY(call_id) REFERENCES calls(id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_call ON messages(call_id)`,
		`CREATE TABLE IF NOT EXISTS evaluations (
call_id    TEXT PRIMARY KEY,
json_dump  TEXT NOT NULL,
followed   INTEGER NOT NULL,
total      INTEGER NOT NULL,
created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
FOREIGN KEY(call_id) REFERENCES calls(id)
)`,
	}

	for _, stmt := range migrations {
		if _, err := db.conn.Exec(stmt); err != nil {
			return fmt.Errorf("database: migration failed: %w", err)
		}
	}
	return nil
}

// ─── Calls ────────────────────────────────────────────────────────────────────

// CreateCall inserts a new call row. CreatedAt and UpdatedAt are filled in.
func (db *DB) CreateCall(ctx context.Context, c *models.Call) error {
	now := time.Now().UTC()
	if c.Status == "" {
		c.Status = models.CallActive
	}
	c.CreatedAt, c.UpdatedAt = now, now
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO calls(id, status, scenario, verified, customer_ref, state, created_at, updated_at)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.Status, c.Scenario, c.Verified, c.CustomerRef, c.State, now, now,
	)
	if err != nil {
		return fmt.Errorf("database: create call %s: %w", c.ID, err)
	}
	return nil
}

// UpdateCall overwrites the mutable columns of an existing call.
func (db *DB) UpdateCall(ctx context.Context, c *models.Call) error {
	c.UpdatedAt = time.Now().UTC()
	res, err := db.conn.ExecContext(ctx,
		`UPDATE calls SET status = ?, scenario = ?, verified = ?, customer_ref = ?, state = ?, updated_at = ?
		 WHERE id = ?`,
		c.Status, c.Scenario, c.Verified, c.CustomerRef, c.State, c.UpdatedAt, c.ID,
	)
	if err != nil {
		return fmt.Errorf("database: update call %s: %w", c.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (db *DB) GetCall(ctx context.Context, id string) (*models.Call, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT id, status, scenario, verified, customer_ref, state, created_at, updated_at
		 FROM calls WHERE id = ?`, id,
	)
	c, err := scanCall(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: get call %s: %w", id, err)
	}
	return c, nil
}

// CallFilter narrows ListCalls. Zero values match everything.
type CallFilter struct {
	Status   string
	Scenario string
	Verified *bool
	Limit    uint64
	Offset   uint64
}

const defaultListLimit = 50

// ListCalls returns calls matching f, newest first.
func (db *DB) ListCalls(ctx context.Context, f CallFilter) ([]models.Call, error) {
	q := sq.Select("id", "status", "scenario", "verified", "customer_ref", "state", "created_at", "updated_at").
		From("calls").
		OrderBy("created_at DESC", "rowid DESC")

	if f.Status != "" {
		q = q.Where(sq.Eq{"status": f.Status})
	}
	if f.Scenario != "" {
		q = q.Where(sq.Eq{"scenario": f.Scenario})
	}
	if f.Verified != nil {
		q = q.Where(sq.Eq{"verified": *f.Verified})
	}
	limit := f.Limit
	if limit == 0 {
		limit = defaultListLimit
	}
	q = q.Limit(limit)
	if f.Offset > 0 {
		q = q.Offset(f.Offset)
	}

	query, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("database: build list query: %w", err)
	}
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("database: list calls: %w", err)
	}
	defer rows.Close()

	calls := []models.Call{}
	for rows.Next() {
		c, err := scanCall(rows)
		if err != nil {
			return nil, fmt.Errorf("database: scan call: %w", err)
		}
		calls = append(calls, *c)
	}
	return calls, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCall(s scanner) (*models.Call, error) {
	var c models.Call
	err := s.Scan(&c.ID, &c.Status, &c.Scenario, &c.Verified, &c.CustomerRef, &c.State, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ─── Messages ─────────────────────────────────────────────────────────────────

// InsertMessage saves a single message row.
func (db *DB) InsertMessage(ctx context.Context, m *models.Message) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO messages(id, call_id, role, content, created_at) VALUES(?, ?, ?, ?, ?)`,
		m.ID, m.CallID, m.Role, m.Content, m.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("database: insert message: %w", err)
	}
	return nil
}

// GetMessages returns every message of a call, oldest first.
func (db *DB) GetMessages(ctx context.Context, callID string) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, call_id, role, content, created_at
		 FROM messages
		 WHERE call_id = ?
		 ORDER BY created_at ASC, rowid ASC`,
		callID,
	)
	if err != nil {
		return nil, fmt.Errorf("database: get messages: %w", err)
	}
	defer rows.Close()

	msgs := []models.Message{}
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.CallID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("database: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

// ─── Evaluations ──────────────────────────────────────────────────────────────

// SaveEvaluation stores the latest evaluation of a call, replacing any
// earlier one.
func (db *DB) SaveEvaluation(ctx context.Context, callID string, ev *models.Evaluation) (*models.StoredEvaluation, error) {
	dump, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("database: marshal evaluation: %w", err)
	}
	followed, total, _ := ev.Score()
	now := time.Now().UTC()
	_, err = db.conn.ExecContext(ctx,
		`INSERT INTO evaluations(call_id, json_dump, followed, total, created_at)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(call_id) DO UPDATE SET json_dump = excluded.json_dump, followed = excluded.followed,
		   total = excluded.total, created_at = excluded.created_at`,
		callID, string(dump), followed, total, now,
	)
	if err != nil {
		return nil, fmt.Errorf("database: save evaluation: %w", err)
	}
	return &models.StoredEvaluation{CallID: callID, Evaluation: *ev, Followed: followed, Total: total, CreatedAt: now}, nil
}

func (db *DB) GetEvaluation(ctx context.Context, callID string) (*models.StoredEvaluation, error) {
	var (
		se   models.StoredEvaluation
		dump string
	)
	err := db.conn.QueryRowContext(ctx,
		`SELECT call_id, json_dump, followed, total, created_at FROM evaluations WHERE call_id = ?`, callID,
	).Scan(&se.CallID, &dump, &se.Followed, &se.Total, &se.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("database: get evaluation: %w", err)
	}
	if err := json.Unmarshal([]byte(dump), &se.Evaluation); err != nil {
		return nil, fmt.Errorf("database: decode evaluation: %w", err)
	}
	return &se, nil
}
