package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Record captures the cloud-side registration state of one device.
type Record struct {
	DeviceID     string
	Registered   bool
	RegisteredAt *time.Time
}

// Store persists, per device, whether cloud-side registration has completed.
// It survives process restarts; a device bootstraps with the platform at
// most once per record lifetime. Reset is the only sanctioned way to make a
// device re-bootstrap.
//
// Implementations must be safe under concurrent access from multiple device
// workers. Workers never contend on the same key, but writes to different
// keys must not corrupt the store.
type Store interface {
	// IsRegistered reports whether the device has completed registration.
	// An absent record reads as not registered.
	IsRegistered(ctx context.Context, deviceID string) (bool, error)

	// MarkRegistered records a completed registration. Idempotent: marking
	// an already-registered device keeps the original timestamp.
	MarkRegistered(ctx context.Context, deviceID string) error

	// Reset clears the registered flag so the next start re-bootstraps.
	// No-op if the device is already unregistered.
	Reset(ctx context.Context, deviceID string) error

	// Delete removes the record entirely (device deletion cascade).
	Delete(ctx context.Context, deviceID string) error
}

// SQLiteStore implements Store on the registrations table.
// Every method is a single statement, so per-key updates are atomic under
// SQLite's single-writer model.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a SQLite-backed registration store.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// IsRegistered reports whether the device has completed registration.
func (s *SQLiteStore) IsRegistered(ctx context.Context, deviceID string) (bool, error) {
	var registered bool
	err := s.db.QueryRowContext(ctx,
		"SELECT registered FROM registrations WHERE device_id = ?",
		deviceID,
	).Scan(&registered)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("querying registration: %w", err)
	}
	return registered, nil
}

// MarkRegistered records a completed registration.
//
// The upsert only flips registered when it is currently unset, so a repeated
// bootstrap ack cannot move the original registration timestamp.
func (s *SQLiteStore) MarkRegistered(ctx context.Context, deviceID string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO registrations (device_id, registered, registered_at)
		VALUES (?, 1, ?)
		ON CONFLICT (device_id) DO UPDATE SET
			registered = 1,
			registered_at = COALESCE(registrations.registered_at, excluded.registered_at)
		WHERE registrations.registered = 0`,
		deviceID, now,
	)
	if err != nil {
		return fmt.Errorf("marking registered: %w", err)
	}
	return nil
}

// Reset clears the registered flag without touching the device record.
func (s *SQLiteStore) Reset(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE registrations SET registered = 0, registered_at = NULL WHERE device_id = ?",
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("resetting registration: %w", err)
	}
	return nil
}

// Delete removes the registration record for a device.
func (s *SQLiteStore) Delete(ctx context.Context, deviceID string) error {
	_, err := s.db.ExecContext(ctx,
		"DELETE FROM registrations WHERE device_id = ?",
		deviceID,
	)
	if err != nil {
		return fmt.Errorf("deleting registration: %w", err)
	}
	return nil
}

// Get returns the full record for a device, for status queries.
// Returns a zero record with Registered=false if absent.
func (s *SQLiteStore) Get(ctx context.Context, deviceID string) (Record, error) {
	var rec Record
	var registeredAt sql.NullString
	err := s.db.QueryRowContext(ctx,
		"SELECT device_id, registered, registered_at FROM registrations WHERE device_id = ?",
		deviceID,
	).Scan(&rec.DeviceID, &rec.Registered, &registeredAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{DeviceID: deviceID}, nil
	}
	if err != nil {
		return Record{}, fmt.Errorf("querying registration: %w", err)
	}
	if registeredAt.Valid {
		if t, perr := time.Parse(time.RFC3339, registeredAt.String); perr == nil {
			rec.RegisteredAt = &t
		}
	}
	return rec, nil
}
