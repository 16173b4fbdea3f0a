// Package whitelist persists remembered devices keyed by serial number.
//
// Records are normalized on read: optional text columns scan to empty
// strings and counters to zero, so partially populated imports can never
// fault a consumer.
package whitelist

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// ImportMode selects how Import treats existing entries.
type ImportMode int

const (
	// Replace discards the existing whitelist before importing.
	Replace ImportMode = iota
	// Merge updates descriptive metadata of matching serials while
	// preserving usage history, and adds new serials.
	Merge
)

// Entry is one remembered device.
type Entry struct {
	Serial      string     `json:"serial"`
	VendorID    uint16     `json:"vendor_id"`
	ProductID   uint16     `json:"product_id"`
	VendorName  string     `json:"vendor_name,omitempty"`
	ProductName string     `json:"product_name,omitempty"`
	Notes       string     `json:"notes,omitempty"`
	AddedAt     time.Time  `json:"added_at"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
	UseCount    uint64     `json:"use_count"`
}

// Store is a sqlite-backed whitelist.
type Store struct {
	db *sql.DB
}

// New creates the store and ensures the schema exists.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("whitelist schema: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS whitelist (
			serial       TEXT PRIMARY KEY,
			vendor_id    INTEGER NOT NULL DEFAULT 0,
			product_id   INTEGER NOT NULL DEFAULT 0,
			vendor_name  TEXT,
			product_name TEXT,
			notes        TEXT,
			added_at     DATETIME NOT NULL,
			last_used_at DATETIME,
			use_count    INTEGER NOT NULL DEFAULT 0
		);
	`)
	return err
}

// Lookup returns the entry for serial, or nil when absent.
func (s *Store) Lookup(serial string) (*Entry, error) {
	row := s.db.QueryRow(`
		SELECT serial, vendor_id, product_id, vendor_name, product_name,
		       notes, added_at, last_used_at, use_count
		FROM whitelist WHERE serial = ?`, serial)

	e, err := scanEntry(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("whitelist lookup: %w", err)
	}
	return e, nil
}

// Add upserts an entry. The serial must be non-empty. AddedAt is stamped
// for new rows; existing rows keep their usage history and get fresh
// descriptive metadata.
func (s *Store) Add(e Entry) error {
	e = normalize(e)
	if e.Serial == "" {
		return fmt.Errorf("whitelist add: serial is required")
	}

	_, err := s.db.Exec(`
		INSERT INTO whitelist
			(serial, vendor_id, product_id, vendor_name, product_name, notes, added_at, use_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT(serial) DO UPDATE SET
			vendor_id    = excluded.vendor_id,
			product_id   = excluded.product_id,
			vendor_name  = excluded.vendor_name,
			product_name = excluded.product_name,
			notes        = excluded.notes`,
		e.Serial, e.VendorID, e.ProductID, e.VendorName, e.ProductName,
		e.Notes, e.AddedAt.UTC())
	if err != nil {
		return fmt.Errorf("whitelist add: %w", err)
	}
	return nil
}

// Remove deletes an entry and reports whether it existed.
func (s *Store) Remove(serial string) (bool, error) {
	res, err := s.db.Exec(`DELETE FROM whitelist WHERE serial = ?`, serial)
	if err != nil {
		return false, fmt.Errorf("whitelist remove: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("whitelist remove: %w", err)
	}
	return n > 0, nil
}

// RecordUse increments the use counter and stamps last_used_at. A missing
// serial is a silent no-op: the device may have been removed between the
// lookup and the update.
func (s *Store) RecordUse(serial string) error {
	_, err := s.db.Exec(`
		UPDATE whitelist
		SET use_count = use_count + 1, last_used_at = ?
		WHERE serial = ?`, time.Now().UTC(), serial)
	if err != nil {
		return fmt.Errorf("whitelist record use: %w", err)
	}
	return nil
}

// All returns every entry ordered by serial.
func (s *Store) All() ([]Entry, error) {
	return s.queryEntries(`
		SELECT serial, vendor_id, product_id, vendor_name, product_name,
		       notes, added_at, last_used_at, use_count
		FROM whitelist ORDER BY serial`)
}

// Count returns the number of remembered devices.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM whitelist`).Scan(&n); err != nil {
		return 0, fmt.Errorf("whitelist count: %w", err)
	}
	return n, nil
}

// Search returns entries whose serial, vendor name, product name or notes
// contain query, case-insensitively. An empty query matches everything.
func (s *Store) Search(query string) ([]Entry, error) {
	pattern := "%" + strings.ToLower(query) + "%"
	return s.queryEntries(`
		SELECT serial, vendor_id, product_id, vendor_name, product_name,
		       notes, added_at, last_used_at, use_count
		FROM whitelist
		WHERE lower(serial) LIKE ?1
		   OR lower(coalesce(vendor_name, '')) LIKE ?1
		   OR lower(coalesce(product_name, '')) LIKE ?1
		   OR lower(coalesce(notes, '')) LIKE ?1
		ORDER BY serial`, pattern)
}

// UpdateInfo edits descriptive metadata of an existing entry. Nil fields
// are left untouched.
func (s *Store) UpdateInfo(serial string, vendorName, productName, notes *string) error {
	existing, err := s.Lookup(serial)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("whitelist update: serial %q not found", serial)
	}

	if vendorName != nil {
		existing.VendorName = *vendorName
	}
	if productName != nil {
		existing.ProductName = *productName
	}
	if notes != nil {
		existing.Notes = *notes
	}

	_, err = s.db.Exec(`
		UPDATE whitelist SET vendor_name = ?, product_name = ?, notes = ?
		WHERE serial = ?`,
		existing.VendorName, existing.ProductName, existing.Notes, serial)
	if err != nil {
		return fmt.Errorf("whitelist update: %w", err)
	}
	return nil
}

// Import loads entries in one transaction and returns how many were
// applied. Empty-serial records are skipped. With Merge, descriptive
// metadata of matching serials is updated while use_count, added_at and
// last_used_at keep their existing values.
func (s *Store) Import(entries []Entry, mode ImportMode) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, fmt.Errorf("whitelist import: %w", err)
	}
	defer tx.Rollback()

	if mode == Replace {
		if _, err := tx.Exec(`DELETE FROM whitelist`); err != nil {
			return 0, fmt.Errorf("whitelist import: %w", err)
		}
	}

	imported := 0
	for _, e := range entries {
		e = normalize(e)
		if e.Serial == "" {
			continue
		}
		_, err := tx.Exec(`
			INSERT INTO whitelist
				(serial, vendor_id, product_id, vendor_name, product_name,
				 notes, added_at, last_used_at, use_count)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(serial) DO UPDATE SET
				vendor_id    = excluded.vendor_id,
				product_id   = excluded.product_id,
				vendor_name  = excluded.vendor_name,
				product_name = excluded.product_name,
				notes        = excluded.notes`,
			e.Serial, e.VendorID, e.ProductID, e.VendorName, e.ProductName,
			e.Notes, e.AddedAt.UTC(), nullableTime(e.LastUsedAt), e.UseCount)
		if err != nil {
			return 0, fmt.Errorf("whitelist import %q: %w", e.Serial, err)
		}
		imported++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("whitelist import: %w", err)
	}
	return imported, nil
}

func (s *Store) queryEntries(query string, args ...any) ([]Entry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("whitelist query: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("whitelist scan: %w", err)
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (*Entry, error) {
	var e Entry
	var vendorName, productName, notes sql.NullString
	var lastUsed sql.NullTime

	err := row.Scan(&e.Serial, &e.VendorID, &e.ProductID, &vendorName,
		&productName, &notes, &e.AddedAt, &lastUsed, &e.UseCount)
	if err != nil {
		return nil, err
	}

	e.VendorName = vendorName.String
	e.ProductName = productName.String
	e.Notes = notes.String
	if lastUsed.Valid {
		t := lastUsed.Time
		e.LastUsedAt = &t
	}
	return &e, nil
}

func normalize(e Entry) Entry {
	e.Serial = strings.TrimSpace(e.Serial)
	if e.AddedAt.IsZero() {
		e.AddedAt = time.Now().UTC()
	}
	return e
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
