package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeFormat sorts lexicographically in time order, unlike RFC3339Nano.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore persists entries in a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and migrates it.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("open history: create directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open history: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and ":memory:" is per connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("open history: set busy timeout: %w", err)
	}
	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// Record implements Store.
func (s *SQLiteStore) Record(ctx context.Context, e Entry) error {
	if e.Kind == "" {
		return fmt.Errorf("record history: kind is empty")
	}
	e = normalize(e)

	files, err := json.Marshal(nonNil(e.Files))
	if err != nil {
		return fmt.Errorf("record history: encode files: %w", err)
	}
	var details any
	if len(e.Details) > 0 {
		data, err := json.Marshal(e.Details)
		if err != nil {
			return fmt.Errorf("record history: encode details: %w", err)
		}
		details = string(data)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO entries (id, kind, message, hash, branch, files, details, at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, string(e.Kind), e.Message, e.Hash, e.Branch, string(files), details, e.Timestamp.Format(timeFormat))
	if err != nil {
		return fmt.Errorf("record history: insert: %w", err)
	}
	return nil
}

// Search implements Store.
func (s *SQLiteStore) Search(ctx context.Context, q Query) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if q.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if !q.Since.IsZero() {
		where = append(where, "at >= ?")
		args = append(args, q.Since.UTC().Format(timeFormat))
	}
	if q.Text != "" {
		pattern := "%" + escapeLike(q.Text) + "%"
		where = append(where, `(message LIKE ? ESCAPE '\' OR hash LIKE ? ESCAPE '\' OR files LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern, pattern)
	}

	query := `SELECT id, kind, message, hash, branch, files, details, at FROM entries`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY at DESC, rowid DESC LIMIT ?"
	args = append(args, limitOf(q))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search history: query: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			kind    string
			files   string
			details sql.NullString
			at      string
		)
		if err := rows.Scan(&e.ID, &kind, &e.Message, &e.Hash, &e.Branch, &files, &details, &at); err != nil {
			return nil, fmt.Errorf("search history: scan: %w", err)
		}
		e.Kind = Kind(kind)
		if err := json.Unmarshal([]byte(files), &e.Files); err != nil {
			return nil, fmt.Errorf("search history: decode files: %w", err)
		}
		if len(e.Files) == 0 {
			e.Files = nil
		}
		if details.Valid {
			if err := json.Unmarshal([]byte(details.String), &e.Details); err != nil {
				return nil, fmt.Errorf("search history: decode details: %w", err)
			}
		}
		if e.Timestamp, err = time.Parse(timeFormat, at); err != nil {
			return nil, fmt.Errorf("search history: parse time: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("search history: rows: %w", err)
	}
	return out, nil
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
