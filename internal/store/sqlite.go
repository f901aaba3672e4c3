package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"
)

const recordColumns = `id, status, background, request, result, error, error_kind, created_at, updated_at, completed_at`

// SQLite persists records in a single table of a WAL-mode database.
type SQLite struct {
	db         *sql.DB
	insertStmt *sql.Stmt
	selectStmt *sql.Stmt
	listStmt   *sql.Stmt
	deleteStmt *sql.Stmt
	now        func() time.Time
}

// OpenSQLite opens (and initializes) the database at path, creating its
// directory if needed.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		path = "seqgen.db"
	}
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// One writer at a time; Update relies on it for its read-modify-write.
	db.SetMaxOpenConns(1)

	if err := bootstrap(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &SQLite{db: db, now: time.Now}
	stmts := []struct {
		dst   **sql.Stmt
		query string
	}{
		{&s.insertStmt, `INSERT INTO generations (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`},
		{&s.selectStmt, `SELECT ` + recordColumns + ` FROM generations WHERE id = ?`},
		{&s.listStmt, `SELECT ` + recordColumns + ` FROM generations ORDER BY created_at DESC, id ASC LIMIT ?`},
		{&s.deleteStmt, `DELETE FROM generations WHERE id = ?`},
	}
	for _, st := range stmts {
		stmt, err := db.Prepare(st.query)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("prepare statement: %w", err)
		}
		*st.dst = stmt
	}
	return s, nil
}

func bootstrap(db *sql.DB) error {
	if _, err := db.Exec(`
		PRAGMA journal_mode=WAL;
		PRAGMA synchronous=NORMAL;
	`); err != nil {
		return fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS generations (
			id TEXT PRIMARY KEY,
			status TEXT NOT NULL,
			background INTEGER NOT NULL DEFAULT 0,
			request TEXT,
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			error_kind TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS generations_created_at ON generations (created_at DESC);
	`); err != nil {
		return fmt.Errorf("create generations table: %w", err)
	}
	return nil
}

func (s *SQLite) Create(ctx context.Context, rec *Record) error {
	prepare(rec, s.now())
	if _, err := s.insertStmt.ExecContext(ctx, recordArgs(rec)...); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrExists
		}
		return fmt.Errorf("insert generation: %w", err)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id string) (*Record, error) {
	rec, err := scanRecord(s.selectStmt.QueryRowContext(ctx, id))
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func (s *SQLite) List(ctx context.Context, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.listStmt.QueryContext(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list generations: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generations: %w", err)
	}
	return out, nil
}

func (s *SQLite) Update(ctx context.Context, id string, fn func(*Record) error) (*Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	cur, err := scanRecord(tx.StmtContext(ctx, s.selectStmt).QueryRowContext(ctx, id))
	if err != nil {
		return nil, err
	}
	next := cur.clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	next.ID = id
	next.CreatedAt = cur.CreatedAt
	if !next.UpdatedAt.After(cur.UpdatedAt) {
		next.UpdatedAt = s.now()
	}

	a := recordArgs(next)
	if _, err := tx.ExecContext(ctx, `UPDATE generations SET status = ?, background = ?, request = ?, result = ?,
		error = ?, error_kind = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
		a[1], a[2], a[3], a[4], a[5], a[6], a[8], a[9], id); err != nil {
		return nil, fmt.Errorf("update generation: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update: %w", err)
	}
	return next, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	res, err := s.deleteStmt.ExecContext(ctx, id)
	if err != nil {
		return fmt.Errorf("delete generation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	for _, stmt := range []*sql.Stmt{s.insertStmt, s.selectStmt, s.listStmt, s.deleteStmt} {
		if stmt != nil {
			stmt.Close()
		}
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec             Record
		status          string
		background      bool
		request, result sql.NullString
		created         int64
		updated         int64
		completed       sql.NullInt64
	)
	err := row.Scan(&rec.ID, &status, &background, &request, &result,
		&rec.Error, &rec.ErrorKind, &created, &updated, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan generation: %w", err)
	}
	rec.Status = Status(status)
	rec.Background = background
	if request.Valid {
		rec.Request = json.RawMessage(request.String)
	}
	if result.Valid {
		rec.Result = json.RawMessage(result.String)
	}
	rec.CreatedAt = time.Unix(0, created)
	rec.UpdatedAt = time.Unix(0, updated)
	if completed.Valid {
		t := time.Unix(0, completed.Int64)
		rec.CompletedAt = &t
	}
	return &rec, nil
}

// recordArgs returns rec's columns in recordColumns order.
func recordArgs(rec *Record) []any {
	var completed any
	if rec.CompletedAt != nil {
		completed = rec.CompletedAt.UnixNano()
	}
	return []any{
		rec.ID,
		string(rec.Status),
		boolInt(rec.Background),
		nullable(rec.Request),
		nullable(rec.Result),
		rec.Error,
		rec.ErrorKind,
		rec.CreatedAt.UnixNano(),
		rec.UpdatedAt.UnixNano(),
		completed,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullable(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	if !json.Valid(raw) {
		return nil
	}
	return string(raw)
}
