package telemetry

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// setupTestDB creates an in-memory SQLite database with the measurements table.
func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	db.SetMaxOpenConns(1)

	schema := `
		CREATE TABLE measurements (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			device_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			voltage REAL NOT NULL,
			current REAL NOT NULL,
			power REAL NOT NULL,
			kwh REAL NOT NULL,
			created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
		);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		t.Fatalf("failed to create test schema: %v", err)
	}

	t.Cleanup(func() {
		db.Close()
	})
	return db
}

func TestAppendAndRecent(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		m := sampleMeasurement()
		m.Timestamp = base.Add(time.Duration(i) * time.Minute)
		m.Voltage = 230 + float64(i)
		if err := store.Append(ctx, m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := store.Recent(ctx, "pv001", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("Recent() returned %d rows, want 3", len(got))
	}
	// Newest first.
	if !got[0].Timestamp.Equal(base.Add(2 * time.Minute)) {
		t.Errorf("first row timestamp = %v, want newest", got[0].Timestamp)
	}
	if got[0].Voltage != 232 {
		t.Errorf("first row voltage = %v, want 232", got[0].Voltage)
	}
}

func TestRecentRespectsLimit(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		m := sampleMeasurement()
		m.Timestamp = m.Timestamp.Add(time.Duration(i) * time.Second)
		if err := store.Append(ctx, m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	got, err := store.Recent(ctx, "pv001", 2)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 2 {
		t.Errorf("Recent() returned %d rows, want 2", len(got))
	}
}

func TestRecentUnknownDevice(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))

	got, err := store.Recent(context.Background(), "nope", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(got) != 0 {
		t.Errorf("Recent() returned %d rows for unknown device, want 0", len(got))
	}
}

func TestDeleteByDevice(t *testing.T) {
	store := NewSQLiteStore(setupTestDB(t))
	ctx := context.Background()

	for _, id := range []string{"pv001", "pv001", "heatpump001"} {
		m := sampleMeasurement()
		m.DeviceID = id
		if err := store.Append(ctx, m); err != nil {
			t.Fatalf("Append() error = %v", err)
		}
	}

	n, err := store.DeleteByDevice(ctx, "pv001")
	if err != nil {
		t.Fatalf("DeleteByDevice() error = %v", err)
	}
	if n != 2 {
		t.Errorf("DeleteByDevice() = %d, want 2", n)
	}

	remaining, err := store.Recent(ctx, "heatpump001", 10)
	if err != nil {
		t.Fatalf("Recent() error = %v", err)
	}
	if len(remaining) != 1 {
		t.Errorf("other device rows = %d, want 1 untouched", len(remaining))
	}
}
