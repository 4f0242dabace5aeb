// Package metadata implements the UUID-keyed property store backed by an
// embedded SQLite database in the server directory. The engine and the
// client library open the same database file; change notifications travel
// separately, through the PropertyChangeNotify request.
//
// Migration design: SQL statements are kept in the [migrations] slice as
// ordered strings. Each is applied exactly once; the applied version is
// tracked in the schema_migrations table. To add a migration, append a new
// string — never edit or reorder existing entries.
package metadata

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// migrations holds the ordered list of DDL statements that bring the schema
// up to date. Index i corresponds to version i+1.
var migrations = []string{
	// v1 — properties keyed by subject UUID + key
	`CREATE TABLE IF NOT EXISTS properties (
		subject TEXT NOT NULL,
		key     TEXT NOT NULL,
		value   TEXT NOT NULL,
		type    TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (subject, key)
	)`,
	// v2 — subject index for get_properties scans
	`CREATE INDEX IF NOT EXISTS idx_properties_subject ON properties(subject)`,
	// v3 — enable WAL mode so engine and clients can read concurrently
	`PRAGMA journal_mode=WAL`,
}

// Property is one stored entry.
type Property struct {
	Subject string
	Key     string
	Value   string
	Type    string
}

// ErrNotFound is returned when a property does not exist.
var ErrNotFound = errors.New("property not found")

// Store wraps the SQLite database holding all properties.
type Store struct {
	db *sql.DB
}

// DBName is the database file name within the server directory.
const DBName = "metadata.db"

// Open opens (or creates) the property database in the given server
// directory and applies pending migrations. Use ":memory:" as dir for
// ephemeral in-process storage (tests).
func Open(dir string) (*Store, error) {
	path := ":memory:"
	if dir != ":memory:" {
		path = filepath.Join(dir, DBName)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open metadata db: %w", err)
	}
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		log.Printf("[metadata] busy_timeout: %v (non-fatal)", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY
	)`); err != nil {
		return err
	}
	var current int
	if err := s.db.QueryRow(`SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return err
	}
	for i := current; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, i+1); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Set stores one property, replacing any previous value and type. It
// reports whether the property was created (as opposed to changed).
func (s *Store) Set(subject, key, value, typ string) (created bool, err error) {
	var exists int
	err = s.db.QueryRow(`SELECT COUNT(*) FROM properties WHERE subject = ? AND key = ?`,
		subject, key).Scan(&exists)
	if err != nil {
		return false, err
	}
	_, err = s.db.Exec(`INSERT INTO properties (subject, key, value, type)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (subject, key) DO UPDATE SET value = excluded.value, type = excluded.type`,
		subject, key, value, typ)
	if err != nil {
		return false, err
	}
	return exists == 0, nil
}

// Get returns one property's value and type.
func (s *Store) Get(subject, key string) (value, typ string, err error) {
	err = s.db.QueryRow(`SELECT value, type FROM properties WHERE subject = ? AND key = ?`,
		subject, key).Scan(&value, &typ)
	if errors.Is(err, sql.ErrNoRows) {
		return "", "", ErrNotFound
	}
	return value, typ, err
}

// GetSubject returns every property of one subject.
func (s *Store) GetSubject(subject string) ([]Property, error) {
	rows, err := s.db.Query(`SELECT key, value, type FROM properties WHERE subject = ? ORDER BY key`,
		subject)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Property
	for rows.Next() {
		p := Property{Subject: subject}
		if err := rows.Scan(&p.Key, &p.Value, &p.Type); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// GetAll returns every stored property.
func (s *Store) GetAll() ([]Property, error) {
	rows, err := s.db.Query(`SELECT subject, key, value, type FROM properties ORDER BY subject, key`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Property
	for rows.Next() {
		var p Property
		if err := rows.Scan(&p.Subject, &p.Key, &p.Value, &p.Type); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Remove deletes one property.
func (s *Store) Remove(subject, key string) error {
	res, err := s.db.Exec(`DELETE FROM properties WHERE subject = ? AND key = ?`, subject, key)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// RemoveSubject deletes every property of one subject and returns how many
// went away.
func (s *Store) RemoveSubject(subject string) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM properties WHERE subject = ?`, subject)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// RemoveAll empties the store.
func (s *Store) RemoveAll() error {
	_, err := s.db.Exec(`DELETE FROM properties`)
	return err
}
