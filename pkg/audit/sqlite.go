package audit

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var sqliteSchema string

// tsLayout has fixed-width fractions so timestamps sort as text.
const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLite stores entries in a SQLite database through modernc.org/sqlite.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating when missing) the database at path and
// installs the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create audit db dir: %w", err)
		}
	}
	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	for _, stmt := range strings.Split(sqliteSchema, ";") {
		stmt = strings.TrimSpace(stripComments(stmt))
		if stmt == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("audit schema: %w (sql: %s)", err, stmt)
		}
	}
	return &SQLite{db: db}, nil
}

func stripComments(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	return b.String()
}

// Record inserts e.
func (s *SQLite) Record(ctx context.Context, e Entry) error {
	e = Stamp(e, time.Now())
	var code sql.NullInt64
	if e.ExitCode != nil {
		code = sql.NullInt64{Int64: int64(*e.ExitCode), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entry (id, ts, kind, server_id, session_id, run_id, step_id, command, status, exit_code, content)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Time.UTC().Format(tsLayout), string(e.Kind), e.ServerID, e.SessionID, e.RunID,
		e.StepID, e.Command, e.Status, code, e.Content)
	if err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	ServerID string
	RunID    string
	Kind     Kind
	Limit    int
}

// List returns entries matching f, oldest first.
func (s *SQLite) List(ctx context.Context, f Filter) ([]Entry, error) {
	q := `SELECT id, ts, kind, server_id, session_id, run_id, step_id, command, status, exit_code, content FROM audit_entry WHERE 1=1`
	var args []any
	if f.ServerID != "" {
		q += " AND server_id = ?"
		args = append(args, f.ServerID)
	}
	if f.RunID != "" {
		q += " AND run_id = ?"
		args = append(args, f.RunID)
	}
	if f.Kind != "" {
		q += " AND kind = ?"
		args = append(args, string(f.Kind))
	}
	q += " ORDER BY ts, rowid"
	if f.Limit > 0 {
		q += fmt.Sprintf(" LIMIT %d", f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query audit entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			ts   string
			kind string
			code sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &ts, &kind, &e.ServerID, &e.SessionID, &e.RunID, &e.StepID, &e.Command, &e.Status, &code, &e.Content); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		e.Kind = Kind(kind)
		if t, err := time.Parse(tsLayout, ts); err == nil {
			e.Time = t
		}
		if code.Valid {
			c := int(code.Int64)
			e.ExitCode = &c
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}
