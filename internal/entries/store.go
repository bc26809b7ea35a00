package entries

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

// Entry is one configured conversation agent instance.
type Entry struct {
	ID         string    `json:"entry_id"`
	Name       string    `json:"name"`
	WebhookURL string    `json:"webhook_url"`
	CreatedAt  time.Time `json:"created_at"`
}

// Store persists config entries in SQLite. All public methods are safe
// for concurrent use (SQLite serializes writes).
type Store struct {
	db *sql.DB
}

// NewStore opens the entry store at dbPath, creating the schema on
// first use.
func NewStore(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS config_entries (
		id          TEXT PRIMARY KEY,
		name        TEXT NOT NULL UNIQUE,
		webhook_url TEXT NOT NULL,
		created_at  TEXT NOT NULL
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Create stores a new entry. Returns [ErrNameExists] if another entry
// already uses name.
func (s *Store) Create(name, webhookURL string) (*Entry, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}

	e := &Entry{
		ID:         id.String(),
		Name:       name,
		WebhookURL: webhookURL,
		CreatedAt:  time.Now().UTC().Truncate(time.Second),
	}

	_, err = s.db.Exec(
		`INSERT INTO config_entries (id, name, webhook_url, created_at) VALUES (?, ?, ?, ?)`,
		e.ID, e.Name, e.WebhookURL, e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return nil, fmt.Errorf("create %q: %w", name, ErrNameExists)
		}
		return nil, fmt.Errorf("create %q: %w", name, err)
	}
	return e, nil
}

// Get returns the entry with the given id, or [ErrNotFound].
func (s *Store) Get(id string) (*Entry, error) {
	row := s.db.QueryRow(
		`SELECT id, name, webhook_url, created_at FROM config_entries WHERE id = ?`, id,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", id, err)
	}
	return e, nil
}

// GetByName returns the entry with the given name, or [ErrNotFound].
func (s *Store) GetByName(name string) (*Entry, error) {
	row := s.db.QueryRow(
		`SELECT id, name, webhook_url, created_at FROM config_entries WHERE name = ?`, name,
	)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get %q: %w", name, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", name, err)
	}
	return e, nil
}

// NameExists reports whether an entry named name is stored.
func (s *Store) NameExists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM config_entries WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check name %q: %w", name, err)
	}
	return n > 0, nil
}

// List returns all entries in creation order.
func (s *Store) List() ([]*Entry, error) {
	rows, err := s.db.Query(
		`SELECT id, name, webhook_url, created_at FROM config_entries ORDER BY created_at, id`,
	)
	if err != nil {
		return nil, fmt.Errorf("list entries: %w", err)
	}
	defer rows.Close()

	var out []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Delete removes an entry. Returns [ErrNotFound] if it does not exist.
func (s *Store) Delete(id string) error {
	res, err := s.db.Exec(`DELETE FROM config_entries WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("delete %s: %w", id, ErrNotFound)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var created string
	if err := row.Scan(&e.ID, &e.Name, &e.WebhookURL, &created); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339, created)
	if err != nil {
		return nil, fmt.Errorf("parse created_at %q: %w", created, err)
	}
	e.CreatedAt = t
	return &e, nil
}
