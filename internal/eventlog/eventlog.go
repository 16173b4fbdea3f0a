// Package eventlog keeps the append-only audit trail of authorization
// decisions.
//
// Appends are best-effort relative to the security decision that produced
// them: a failed write is reported to the caller for logging but never
// blocks or reverses the decision.
package eventlog

import (
	"database/sql"
	"fmt"
	"time"

	"secureusb/internal/device"
)

// Action classifies a logged event.
type Action string

const (
	ActionConnect          Action = "connect"
	ActionPowerOnly        Action = "power_only"
	ActionDeny             Action = "deny"
	ActionTimeout          Action = "timeout"
	ActionDisconnect       Action = "disconnect"
	ActionAuthFailed       Action = "auth_failed"
	ActionGrantFailed      Action = "grant_failed"
	ActionWhitelistAdded   Action = "whitelist_added"
	ActionWhitelistRemoved Action = "whitelist_removed"
)

// AuthMethod records how a decision was authenticated.
type AuthMethod string

const (
	MethodTOTP      AuthMethod = "totp"
	MethodRecovery  AuthMethod = "recovery"
	MethodWhitelist AuthMethod = "whitelist"
	MethodNone      AuthMethod = "none"
)

// Record is one audit entry. Device identity fields are denormalized so
// records stay meaningful after whitelist edits.
type Record struct {
	ID          int64      `json:"id"`
	Time        time.Time  `json:"time"`
	Action      Action     `json:"action"`
	VendorID    uint16     `json:"vendor_id"`
	ProductID   uint16     `json:"product_id"`
	VendorName  string     `json:"vendor_name,omitempty"`
	ProductName string     `json:"product_name,omitempty"`
	Serial      string     `json:"serial,omitempty"`
	BusPath     string     `json:"bus_path,omitempty"`
	AuthMethod  AuthMethod `json:"auth_method"`
	Success     bool       `json:"success"`
	Details     string     `json:"details,omitempty"`
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Since  time.Time
	Until  time.Time
	Serial string
	Action Action
	Limit  int
}

// Log is the sqlite-backed audit store.
type Log struct {
	db *sql.DB
}

// Open creates the log, ensures the schema, and prunes records older than
// retention. Prune failures do not fail the open.
func Open(db *sql.DB, retention time.Duration) (*Log, int64, error) {
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		return nil, 0, fmt.Errorf("eventlog schema: %w", err)
	}

	pruned, err := l.Prune(time.Now().Add(-retention))
	if err != nil {
		return l, 0, err
	}
	return l, pruned, nil
}

func (l *Log) migrate() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS usb_events (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			ts           DATETIME NOT NULL,
			action       TEXT NOT NULL,
			vendor_id    INTEGER NOT NULL DEFAULT 0,
			product_id   INTEGER NOT NULL DEFAULT 0,
			vendor_name  TEXT,
			product_name TEXT,
			serial       TEXT,
			bus_path     TEXT,
			auth_method  TEXT NOT NULL DEFAULT 'none',
			success      INTEGER NOT NULL DEFAULT 0,
			details      TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_usb_events_ts ON usb_events(ts);
		CREATE INDEX IF NOT EXISTS idx_usb_events_serial ON usb_events(serial);
	`)
	return err
}

// Append stores one record. The timestamp is stamped when zero.
func (l *Log) Append(rec Record) error {
	if rec.Time.IsZero() {
		rec.Time = time.Now().UTC()
	}
	if rec.AuthMethod == "" {
		rec.AuthMethod = MethodNone
	}

	_, err := l.db.Exec(`
		INSERT INTO usb_events
			(ts, action, vendor_id, product_id, vendor_name, product_name,
			 serial, bus_path, auth_method, success, details)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Time.UTC(), string(rec.Action), rec.VendorID, rec.ProductID,
		rec.VendorName, rec.ProductName, rec.Serial, rec.BusPath,
		string(rec.AuthMethod), boolInt(rec.Success), rec.Details)
	if err != nil {
		return fmt.Errorf("eventlog append: %w", err)
	}
	return nil
}

// Query returns matching records in reverse-chronological order.
func (l *Log) Query(f Filter) ([]Record, error) {
	query := `
		SELECT id, ts, action, vendor_id, product_id, vendor_name,
		       product_name, serial, bus_path, auth_method, success, details
		FROM usb_events WHERE 1=1`
	var args []any

	if !f.Since.IsZero() {
		query += ` AND ts >= ?`
		args = append(args, f.Since.UTC())
	}
	if !f.Until.IsZero() {
		query += ` AND ts <= ?`
		args = append(args, f.Until.UTC())
	}
	if f.Serial != "" {
		query += ` AND serial = ?`
		args = append(args, f.Serial)
	}
	if f.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(f.Action))
	}

	query += ` ORDER BY ts DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("eventlog query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var vendorName, productName, serial, busPath, details sql.NullString
		var success int
		err := rows.Scan(&rec.ID, &rec.Time, &rec.Action, &rec.VendorID,
			&rec.ProductID, &vendorName, &productName, &serial, &busPath,
			&rec.AuthMethod, &success, &details)
		if err != nil {
			return nil, fmt.Errorf("eventlog scan: %w", err)
		}
		rec.VendorName = vendorName.String
		rec.ProductName = productName.String
		rec.Serial = serial.String
		rec.BusPath = busPath.String
		rec.Details = details.String
		rec.Success = success != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// FailedAuthAttempts returns failed authentication events since the cutoff,
// newest first.
func (l *Log) FailedAuthAttempts(since time.Time) ([]Record, error) {
	return l.Query(Filter{Since: since, Action: ActionAuthFailed})
}

// Prune deletes records older than cutoff and returns how many went. The
// single DELETE statement keeps concurrent appends consistent: they either
// land before or after it, never half-deleted.
func (l *Log) Prune(cutoff time.Time) (int64, error) {
	res, err := l.db.Exec(`DELETE FROM usb_events WHERE ts < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("eventlog prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// DeviceRecord builds a Record pre-filled with a device identity.
func DeviceRecord(id device.Identity, action Action, method AuthMethod, success bool, details string) Record {
	return Record{
		Action:      action,
		VendorID:    id.VendorID,
		ProductID:   id.ProductID,
		VendorName:  id.VendorName,
		ProductName: id.ProductName,
		Serial:      id.Serial,
		BusPath:     id.BusPath,
		AuthMethod:  method,
		Success:     success,
		Details:     details,
	}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
