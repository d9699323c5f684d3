// Package sqlite stores named fit sessions in a single SQLite database.
//
// Each Save replaces the session row and all of its fit rows inside one
// transaction, so a reader sees either the previous or the new session.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/ChuLiYu/spectrum-fit/pkg/types"
)

// SchemaVersion of the session rows written by this package.
const SchemaVersion = 1

// DefaultSession is used when no session name is configured.
const DefaultSession = "default"

var (
	// ErrSessionNotFound is returned by Delete for an unknown session.
	ErrSessionNotFound = errors.New("sqlite: session not found")
	// ErrIncompatibleVersion is returned when a stored session has a different schema version.
	ErrIncompatibleVersion = errors.New("sqlite: session schema version is incompatible")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
	name       TEXT PRIMARY KEY,
	histogram  TEXT NOT NULL DEFAULT '',
	active_id  INTEGER,
	next_id    INTEGER NOT NULL,
	last_seq   INTEGER NOT NULL,
	schema_ver INTEGER NOT NULL,
	saved_at   INTEGER NOT NULL,
	peaks      BLOB
);
CREATE TABLE IF NOT EXISTS fits (
	session  TEXT NOT NULL REFERENCES sessions(name) ON DELETE CASCADE,
	id       INTEGER NOT NULL,
	position INTEGER NOT NULL,
	model    TEXT NOT NULL,
	status   TEXT NOT NULL,
	payload  BLOB NOT NULL,
	PRIMARY KEY (session, id)
);`

// Store persists sessions to SQLite. It satisfies the same Save/Load
// contract as the JSON snapshot manager for its configured session name.
type Store struct {
	db   *sql.DB
	mu   sync.Mutex
	path string
	name string
	now  func() time.Time
}

// NewStore opens (creating if needed) the database at path. Save and Load
// operate on the session called name.
func NewStore(path, name string) (*Store, error) {
	if path == "" {
		path = "specfit.db"
	}
	if name == "" {
		name = DefaultSession
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// one writer; avoids SQLITE_BUSY between pooled connections
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{db: db, path: path, name: name, now: time.Now}, nil
}

// Save writes data as the configured session.
func (s *Store) Save(data types.SessionData) error {
	return s.SaveAs(context.Background(), s.name, data)
}

// Load reads the configured session. A missing session yields empty data.
func (s *Store) Load() (types.SessionData, error) {
	return s.LoadNamed(context.Background(), s.name)
}

// SaveAs replaces the session called name with data.
func (s *Store) SaveAs(ctx context.Context, name string, data types.SessionData) (retErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if data.SavedAt == 0 {
		data.SavedAt = s.now().UnixMilli()
	}
	var peaks []byte
	if len(data.Peaks) > 0 {
		var err error
		if peaks, err = json.Marshal(data.Peaks); err != nil {
			return fmt.Errorf("encode peaks: %w", err)
		}
	}
	var active sql.NullInt64
	if data.ActiveID != nil {
		active = sql.NullInt64{Int64: int64(*data.ActiveID), Valid: true}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err := tx.ExecContext(ctx, `DELETE FROM fits WHERE session = ?`, name); err != nil {
		return fmt.Errorf("delete fits: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO sessions(name, histogram, active_id, next_id, last_seq, schema_ver, saved_at, peaks)
		VALUES(?,?,?,?,?,?,?,?)
		ON CONFLICT(name) DO UPDATE SET histogram=excluded.histogram, active_id=excluded.active_id,
			next_id=excluded.next_id, last_seq=excluded.last_seq, schema_ver=excluded.schema_ver,
			saved_at=excluded.saved_at, peaks=excluded.peaks`,
		name, data.Histogram, active, int64(data.NextID), int64(data.LastSeq), SchemaVersion, data.SavedAt, peaks); err != nil {
		return fmt.Errorf("upsert session %s: %w", name, err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO fits(session, id, position, model, status, payload) VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare fit insert: %w", err)
	}
	defer stmt.Close()
	for pos, st := range data.Fits {
		payload, err := json.Marshal(st)
		if err != nil {
			return fmt.Errorf("encode fit %d: %w", st.ID, err)
		}
		status := st.Record().Status
		if _, err := stmt.ExecContext(ctx, name, int64(st.ID), pos, string(st.Model), string(status), payload); err != nil {
			return fmt.Errorf("insert fit %d: %w", st.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// LoadNamed reads the session called name.
func (s *Store) LoadNamed(ctx context.Context, name string) (types.SessionData, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data := types.SessionData{Fits: []types.FitState{}, SchemaVer: SchemaVersion}
	var (
		active  sql.NullInt64
		nextID  int64
		lastSeq int64
		peaks   []byte
	)
	err := s.db.QueryRowContext(ctx, `SELECT histogram, active_id, next_id, last_seq, schema_ver, saved_at, peaks
		FROM sessions WHERE name = ?`, name).
		Scan(&data.Histogram, &active, &nextID, &lastSeq, &data.SchemaVer, &data.SavedAt, &peaks)
	if errors.Is(err, sql.ErrNoRows) {
		return data, nil
	}
	if err != nil {
		return data, fmt.Errorf("select session %s: %w", name, err)
	}
	if data.SchemaVer != SchemaVersion {
		return data, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, data.SchemaVer, SchemaVersion)
	}
	data.NextID = types.FitID(nextID)
	data.LastSeq = uint64(lastSeq)
	if active.Valid {
		id := types.FitID(active.Int64)
		data.ActiveID = &id
	}
	if len(peaks) > 0 {
		if err := json.Unmarshal(peaks, &data.Peaks); err != nil {
			return data, fmt.Errorf("decode peaks: %w", err)
		}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM fits WHERE session = ? ORDER BY position`, name)
	if err != nil {
		return data, fmt.Errorf("select fits: %w", err)
	}
	defer func() { _ = rows.Close() }()
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return data, fmt.Errorf("scan: %w", err)
		}
		var st types.FitState
		if err := json.Unmarshal(payload, &st); err != nil {
			return data, fmt.Errorf("decode fit: %w", err)
		}
		data.Fits = append(data.Fits, st)
	}
	return data, rows.Err()
}

// SessionInfo summarises one stored session.
type SessionInfo struct {
	Name      string
	Histogram string
	Fits      int
	Fitted    int
	SavedAt   time.Time
}

// Sessions lists stored sessions ordered by name.
func (s *Store) Sessions(ctx context.Context) ([]SessionInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT s.name, s.histogram, s.saved_at,
			COUNT(f.id), COALESCE(SUM(CASE WHEN f.status = ? THEN 1 ELSE 0 END), 0)
		FROM sessions s LEFT JOIN fits f ON f.session = s.name
		GROUP BY s.name ORDER BY s.name`, string(types.StatusFitted))
	if err != nil {
		return nil, fmt.Errorf("select sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []SessionInfo
	for rows.Next() {
		var (
			info    SessionInfo
			savedAt int64
		)
		if err := rows.Scan(&info.Name, &info.Histogram, &savedAt, &info.Fits, &info.Fitted); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		info.SavedAt = time.UnixMilli(savedAt)
		out = append(out, info)
	}
	return out, rows.Err()
}

// Delete removes the session called name and its fits.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, name)
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

// DB exposes the underlying sql.DB for integration testing hooks.
func (s *Store) DB() *sql.DB { return s.db }

// Path returns the configured database path.
func (s *Store) Path() string { return s.path }

// Name returns the session name used by Save and Load.
func (s *Store) Name() string { return s.name }
