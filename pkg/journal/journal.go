// Package journal persists interception events to SQLite so a run can be
// inspected after the fact.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/jingkaihe/stubnet/internal/errx"
	"github.com/jingkaihe/stubnet/pkg/logging"
	"github.com/jingkaihe/stubnet/pkg/storedb"
)

const (
	module       = "journal"
	defaultLimit = 100
)

var (
	ErrOpen  = errors.New("journal: open")
	ErrWrite = errors.New("journal: write entry")
	ErrQuery = errors.New("journal: query entries")
)

func migrations() []storedb.Migration {
	return []storedb.Migration{
		{
			Version: 1,
			Name:    "create_interceptions",
			SQL: `
CREATE TABLE IF NOT EXISTS interceptions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  ts TEXT NOT NULL,
  run_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  rule TEXT NOT NULL DEFAULT '',
  method TEXT NOT NULL DEFAULT '',
  url TEXT NOT NULL DEFAULT '',
  status_code INTEGER NOT NULL DEFAULT 0,
  network_error INTEGER NOT NULL DEFAULT 0,
  delay_ms INTEGER NOT NULL DEFAULT 0,
  summary TEXT NOT NULL,
  data TEXT
);
CREATE INDEX IF NOT EXISTS idx_interceptions_run ON interceptions(run_id, id);
CREATE INDEX IF NOT EXISTS idx_interceptions_rule ON interceptions(rule, id);
`,
		},
	}
}

// Entry is one stored event.
type Entry struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"ts"`
	RunID        string    `json:"run_id"`
	EventType    string    `json:"event_type"`
	Rule         string    `json:"rule,omitempty"`
	Method       string    `json:"method,omitempty"`
	URL          string    `json:"url,omitempty"`
	StatusCode   int       `json:"status_code,omitempty"`
	NetworkError bool      `json:"network_error,omitempty"`
	DelayMS      int64     `json:"delay_ms,omitempty"`
	Summary      string    `json:"summary"`
}

// Filter narrows List. Zero values match everything; Limit <= 0 uses 100.
type Filter struct {
	RunID     string
	Label     string
	EventType string
	Limit     int
}

// Store is a logging.Sink backed by SQLite.
type Store struct {
	db *sql.DB
}

// Open opens the journal database at path, creating and migrating it.
func Open(path string) (*Store, error) {
	db, err := storedb.Open(storedb.OpenOptions{
		Path:       path,
		Module:     module,
		Migrations: migrations(),
	})
	if err != nil {
		return nil, errx.Wrap(ErrOpen, err)
	}
	return &Store{db: db}, nil
}

// Write stores event. Method, URL and outcome columns are pulled from the
// event payload when present.
func (s *Store) Write(event *logging.Event) error {
	data := gjson.ParseBytes(event.Data)
	var raw any
	if len(event.Data) > 0 {
		raw = string(event.Data)
	}
	rule := event.Rule
	if rule == "" {
		rule = data.Get("label").String()
	}
	_, err := s.db.Exec(
		`INSERT INTO interceptions(ts, run_id, event_type, rule, method, url, status_code, network_error, delay_ms, summary, data)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.Timestamp.UTC().Format(time.RFC3339Nano),
		event.RunID,
		event.EventType,
		rule,
		data.Get("method").String(),
		data.Get("url").String(),
		data.Get("status_code").Int(),
		data.Get("network_error").Bool(),
		data.Get("delay_ms").Int(),
		event.Summary,
		raw,
	)
	if err != nil {
		return errx.Wrap(ErrWrite, err)
	}
	return nil
}

// List returns matching entries, oldest first.
func (s *Store) List(ctx context.Context, f Filter) ([]Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, f.RunID)
	}
	if f.Label != "" {
		where = append(where, "rule = ?")
		args = append(args, f.Label)
	}
	if f.EventType != "" {
		where = append(where, "event_type = ?")
		args = append(args, f.EventType)
	}
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}

	query := `SELECT id, ts, run_id, event_type, rule, method, url, status_code, network_error, delay_ms, summary
	            FROM interceptions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id ASC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errx.Wrap(ErrQuery, err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.ID, &ts, &e.RunID, &e.EventType, &e.Rule, &e.Method, &e.URL,
			&e.StatusCode, &e.NetworkError, &e.DelayMS, &e.Summary); err != nil {
			return nil, errx.Wrap(ErrQuery, err)
		}
		e.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, errx.Wrap(ErrQuery, err)
	}
	return entries, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
