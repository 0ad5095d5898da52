package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Store persists measurements for audit and replay.
type Store interface {
	Append(ctx context.Context, m Measurement) error
	Recent(ctx context.Context, deviceID string, limit int) ([]Measurement, error)
	DeleteByDevice(ctx context.Context, deviceID string) (int64, error)
}

// SQLiteStore implements Store against the measurements table.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Append records one measurement. Called on every worker tick before the
// measurement is offered to the publisher, so a dropped publish still
// leaves a durable row.
func (s *SQLiteStore) Append(ctx context.Context, m Measurement) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO measurements (device_id, timestamp, voltage, current, power, kwh)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.DeviceID, m.Timestamp.UTC().Format(time.RFC3339Nano),
		m.Voltage, m.Current, m.Power, m.KWh,
	)
	if err != nil {
		return fmt.Errorf("append measurement: %w", err)
	}
	return nil
}

// Recent returns up to limit measurements for a device, newest first.
func (s *SQLiteStore) Recent(ctx context.Context, deviceID string, limit int) ([]Measurement, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT device_id, timestamp, voltage, current, power, kwh
		FROM measurements
		WHERE device_id = ?
		ORDER BY timestamp DESC
		LIMIT ?`,
		deviceID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query measurements: %w", err)
	}
	defer rows.Close()

	var out []Measurement
	for rows.Next() {
		var m Measurement
		var ts string
		if err := rows.Scan(&m.DeviceID, &ts, &m.Voltage, &m.Current, &m.Power, &m.KWh); err != nil {
			return nil, fmt.Errorf("scan measurement: %w", err)
		}
		m.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("parse measurement timestamp: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteByDevice removes all measurements for a device. Used by cascade
// delete when the device itself is removed.
func (s *SQLiteStore) DeleteByDevice(ctx context.Context, deviceID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM measurements WHERE device_id = ?`, deviceID)
	if err != nil {
		return 0, fmt.Errorf("delete measurements: %w", err)
	}
	return res.RowsAffected()
}

var _ Store = (*SQLiteStore)(nil)
