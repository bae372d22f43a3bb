// Package entries persists config entries: one Matomo site connection
// each, created by the config flow and destroyed on removal. The only
// field that changes after creation is IncludeAggregate.
package entries

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Sentinel errors.
var (
	ErrNotFound          = errors.New("config entry not found")
	ErrAlreadyConfigured = errors.New("site already configured")
)

// Entry is a persisted config entry.
type Entry struct {
	ID               string    `json:"id"`
	Title            string    `json:"title"`
	BaseURL          string    `json:"base_url"`
	Token            string    `json:"-"`
	SiteID           int       `json:"site_id"`
	SiteName         string    `json:"site_name"`
	IncludeAggregate bool      `json:"include_aggregate"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Store persists entries in SQLite. (base_url, site_id) is unique.
type Store struct {
	db *sql.DB
}

// Open opens the production database at path.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// NewStore creates an entry store on db, running migrations on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate entries: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS config_entries (
			id                TEXT PRIMARY KEY,
			title             TEXT NOT NULL,
			base_url          TEXT NOT NULL,
			token             TEXT NOT NULL,
			site_id           INTEGER NOT NULL,
			site_name         TEXT NOT NULL,
			include_aggregate INTEGER NOT NULL DEFAULT 0,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL,
			UNIQUE (base_url, site_id)
		)
	`)
	return err
}

// Create assigns an ID and timestamps and inserts e. A second entry for
// the same (BaseURL, SiteID) returns ErrAlreadyConfigured.
func (s *Store) Create(e Entry) (Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Entry{}, fmt.Errorf("generate entry id: %w", err)
	}
	now := time.Now().UTC()
	e.ID = id.String()
	e.CreatedAt = now
	e.UpdatedAt = now
	if e.Title == "" {
		e.Title = e.SiteName
	}

	res, err := s.db.Exec(`
		INSERT INTO config_entries
			(id, title, base_url, token, site_id, site_name, include_aggregate, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (base_url, site_id) DO NOTHING`,
		e.ID, e.Title, e.BaseURL, e.Token, e.SiteID, e.SiteName,
		boolToInt(e.IncludeAggregate), formatTime(now), formatTime(now),
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return Entry{}, fmt.Errorf("insert entry: %w", err)
	}
	if n == 0 {
		return Entry{}, fmt.Errorf("%s site %d: %w", e.BaseURL, e.SiteID, ErrAlreadyConfigured)
	}
	return e, nil
}

const selectColumns = `SELECT id, title, base_url, token, site_id, site_name,
	include_aggregate, created_at, updated_at FROM config_entries`

// Get returns the entry with the given ID.
func (s *Store) Get(id string) (Entry, error) {
	e, err := scanEntry(s.db.QueryRow(selectColumns+` WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get entry %s: %w", id, err)
	}
	return e, nil
}

// FindByUnique returns the entry for a (base URL, site ID) pair.
func (s *Store) FindByUnique(baseURL string, siteID int) (Entry, error) {
	e, err := scanEntry(s.db.QueryRow(selectColumns+` WHERE base_url = ? AND site_id = ?`, baseURL, siteID))
	if errors.Is(err, sql.ErrNoRows) {
		return Entry{}, fmt.Errorf("%s site %d: %w", baseURL, siteID, ErrNotFound)
	}
	if err != nil {
		return Entry{}, fmt.Errorf("find entry: %w", err)
	}
	return e, nil
}

// List returns all entries, oldest first.
func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query(selectColumns + ` ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// UpdateOptions sets the entry's include_aggregate option.
func (s *Store) UpdateOptions(id string, includeAggregate bool) (Entry, error) {
	res, err := s.db.Exec(
		`UPDATE config_entries SET include_aggregate = ?, updated_at = ? WHERE id = ?`,
		boolToInt(includeAggregate), formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("update entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Entry{}, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return s.Get(id)
}

// UpdateSiteName records the site's current name as reported by Matomo.
// The name only labels devices; it is not part of the entry's identity.
func (s *Store) UpdateSiteName(id, name string) (Entry, error) {
	res, err := s.db.Exec(
		`UPDATE config_entries SET site_name = ?, updated_at = ? WHERE id = ?`,
		name, formatTime(time.Now().UTC()), id,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("update entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return Entry{}, fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return s.Get(id)
}

// Delete removes the entry. Deleting an unknown ID returns ErrNotFound.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM config_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete entry %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("entry %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (Entry, error) {
	var (
		e                Entry
		aggregate        int
		created, updated string
	)
	if err := row.Scan(&e.ID, &e.Title, &e.BaseURL, &e.Token, &e.SiteID, &e.SiteName,
		&aggregate, &created, &updated); err != nil {
		return Entry{}, err
	}
	e.IncludeAggregate = aggregate != 0
	e.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
	return e, nil
}

func formatTime(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
