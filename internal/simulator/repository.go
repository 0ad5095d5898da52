package simulator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/imadama/IoTDeviceManager/internal/telemetry"
)

// Status is the lifecycle state of a device record.
type Status string

const (
	StatusActive  Status = "active"
	StatusStopped Status = "stopped"
)

// Device is the identity unit of the simulator. The id is immutable once
// allocated.
type Device struct {
	ID        string
	Type      telemetry.DeviceType
	Seq       int
	Status    Status
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Repository is the durable device table.
type Repository interface {
	Create(ctx context.Context, deviceType telemetry.DeviceType) (Device, error)
	Get(ctx context.Context, deviceID string) (Device, error)
	List(ctx context.Context) ([]Device, error)

	// SetStatus updates the status only when the current value matches
	// from. Returns false without error when the compare fails. This is
	// the double-start protection for concurrent Start calls.
	SetStatus(ctx context.Context, deviceID string, from, to Status) (bool, error)

	// ForceStatus sets the status unconditionally. Used when stopping:
	// the record ends up stopped regardless of what the worker managed.
	ForceStatus(ctx context.Context, deviceID string, to Status) error

	Delete(ctx context.Context, deviceID string) error

	// MarkAllStopped clears active flags left behind by a previous
	// process. Workers are process scoped; a cold boot never resumes.
	MarkAllStopped(ctx context.Context) (int64, error)
}

// SQLiteRepository implements Repository against the devices table.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Create allocates the next sequence number for the type and persists a
// stopped device record. Ids are deterministic: prefix + zero-padded
// sequence (pv001, pv002, ...). The UNIQUE(type, seq) constraint turns a
// lost race into an error instead of a duplicate id.
func (r *SQLiteRepository) Create(ctx context.Context, deviceType telemetry.DeviceType) (Device, error) {
	prefix, err := telemetry.Prefix(deviceType)
	if err != nil {
		return Device{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Device{}, fmt.Errorf("begin create: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // No-op after commit

	var seq int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM devices WHERE type = ?`,
		string(deviceType),
	).Scan(&seq)
	if err != nil {
		return Device{}, fmt.Errorf("next sequence: %w", err)
	}

	now := time.Now().UTC()
	dev := Device{
		ID:        fmt.Sprintf("%s%03d", prefix, seq),
		Type:      deviceType,
		Seq:       seq,
		Status:    StatusStopped,
		CreatedAt: now,
		UpdatedAt: now,
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO devices (id, type, seq, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		dev.ID, string(dev.Type), dev.Seq, string(dev.Status),
		now.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return Device{}, fmt.Errorf("%w: %s", ErrDuplicateID, dev.ID)
		}
		return Device{}, fmt.Errorf("insert device: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Device{}, fmt.Errorf("commit create: %w", err)
	}
	return dev, nil
}

func (r *SQLiteRepository) Get(ctx context.Context, deviceID string) (Device, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, type, seq, status, created_at, updated_at
		FROM devices WHERE id = ?`,
		deviceID,
	)
	dev, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	if err != nil {
		return Device{}, fmt.Errorf("get device: %w", err)
	}
	return dev, nil
}

func (r *SQLiteRepository) List(ctx context.Context) ([]Device, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, type, seq, status, created_at, updated_at
		FROM devices ORDER BY type, seq`,
	)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var out []Device
	for rows.Next() {
		dev, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("list devices: %w", err)
		}
		out = append(out, dev)
	}
	return out, rows.Err()
}

func (r *SQLiteRepository) SetStatus(ctx context.Context, deviceID string, from, to Status) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(to), time.Now().UTC().Format(time.RFC3339Nano),
		deviceID, string(from),
	)
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	return n == 1, nil
}

func (r *SQLiteRepository) ForceStatus(ctx context.Context, deviceID string, to Status) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, updated_at = ?
		WHERE id = ?`,
		string(to), time.Now().UTC().Format(time.RFC3339Nano), deviceID,
	)
	if err != nil {
		return fmt.Errorf("force status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("force status: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return nil
}

func (r *SQLiteRepository) Delete(ctx context.Context, deviceID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM devices WHERE id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete device: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDeviceNotFound, deviceID)
	}
	return nil
}

func (r *SQLiteRepository) MarkAllStopped(ctx context.Context) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE devices SET status = ?, updated_at = ?
		WHERE status = ?`,
		string(StatusStopped), time.Now().UTC().Format(time.RFC3339Nano),
		string(StatusActive),
	)
	if err != nil {
		return 0, fmt.Errorf("mark all stopped: %w", err)
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (Device, error) {
	var dev Device
	var devType, status, createdAt, updatedAt string
	if err := row.Scan(&dev.ID, &devType, &dev.Seq, &status, &createdAt, &updatedAt); err != nil {
		return Device{}, err
	}
	dev.Type = telemetry.DeviceType(devType)
	dev.Status = Status(status)

	var err error
	if dev.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Device{}, fmt.Errorf("parse created_at: %w", err)
	}
	if dev.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return Device{}, fmt.Errorf("parse updated_at: %w", err)
	}
	return dev, nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

var _ Repository = (*SQLiteRepository)(nil)
