package ramses

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"testing"

	_ "github.com/mattn/go-sqlite3"
)

// setupRecorderDB creates an in-memory database with the device tables from
// the migration file.
func setupRecorderDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	// Every connection to :memory: is a separate database.
	db.SetMaxOpenConns(1)

	schema, err := os.ReadFile(filepath.Join("..", "..", "..", "migrations", "20261019_120000_ramses_devices.up.sql"))
	if err != nil {
		t.Fatalf("reading schema: %v", err)
	}
	if _, err := db.Exec(string(schema)); err != nil {
		t.Fatalf("failed to create schema: %v", err)
	}

	t.Cleanup(func() { db.Close() })
	return db
}

func startedRecorder(t *testing.T) *DeviceRecorder {
	t.Helper()
	rec := NewDeviceRecorder(setupRecorderDB(t))
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(rec.Stop)
	return rec
}

// flush waits for queued writes by stopping the recorder. Reads go
// straight to the database and keep working.
func flush(rec *DeviceRecorder) {
	rec.Stop()
}

func TestDeviceRecorderStartStop(t *testing.T) {
	rec := NewDeviceRecorder(setupRecorderDB(t))
	if err := rec.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := rec.Start(); err != nil {
		t.Fatalf("second Start() error: %v", err)
	}
	rec.Stop()
	rec.Stop()
}

func TestDeviceRecorderStartWithoutSchema(t *testing.T) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	if err := NewDeviceRecorder(db).Start(); err == nil {
		t.Error("Start() without tables should fail")
	}
}

func TestDeviceRecorderRecordFrame(t *testing.T) {
	rec := startedRecorder(t)
	ctx := context.Background()

	rec.RecordFrame(testFan, 45)
	rec.RecordFrame(testFan, -1)
	rec.RecordFrame(NoAddress, 50)
	flush(rec)

	got, err := rec.Device(ctx, testFan)
	if err != nil {
		t.Fatalf("Device() error: %v", err)
	}
	if got.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want 2", got.MessageCount)
	}
	if got.LastSignal == nil || *got.LastSignal != 45 {
		t.Errorf("LastSignal = %v, want 45 kept over a missing signal", got.LastSignal)
	}
	if got.FirstSeen.IsZero() || got.LastSeen.Before(got.FirstSeen) {
		t.Errorf("seen = %v .. %v", got.FirstSeen, got.LastSeen)
	}

	count, err := rec.DeviceCount(ctx)
	if err != nil || count != 1 {
		t.Errorf("DeviceCount() = %d, %v; want 1", count, err)
	}
}

func TestDeviceRecorderDeviceInfo(t *testing.T) {
	rec := startedRecorder(t)

	p := mustDecode(t, "045 RP --- 29:224547 18:149960 --:------ 10E0 029 "+orconDeviceInfo)
	info, ok := p.(*DeviceInfoPayload)
	if !ok {
		t.Fatalf("payload = %T", p)
	}
	rec.RecordDeviceInfo(testFan, info)
	flush(rec)

	got, err := rec.Device(context.Background(), testFan)
	if err != nil {
		t.Fatal(err)
	}
	if got.ManufacturerSubID != info.ManufacturerSubID || got.ProductID != info.ProductID {
		t.Errorf("identity = %s/%s, want %s/%s", got.ManufacturerSubID, got.ProductID, info.ManufacturerSubID, info.ProductID)
	}
	if got.Description != info.Description {
		t.Errorf("Description = %q, want %q", got.Description, info.Description)
	}
	if got.MessageCount != 0 {
		t.Errorf("MessageCount = %d, device info is not a frame count", got.MessageCount)
	}
}

func TestDeviceRecorderKnownRoles(t *testing.T) {
	rec := startedRecorder(t)
	ctx := context.Background()

	known, err := rec.KnownRoles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !known.Fan.IsEmpty() || !known.CO2.IsEmpty() {
		t.Errorf("empty database returned %+v", known)
	}

	rec.RecordFrame(testRemote, 60)
	rec.RecordDiscovery(RoleFan, testFan)
	rec.RecordDiscovery(RoleCO2, testCO2)
	rec.RecordDiscovery(RoleGateway, testGateway)
	flush(rec)

	known, err = rec.KnownRoles(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if known.Fan != testFan || known.CO2 != testCO2 {
		t.Errorf("KnownRoles() = fan %s co2 %s", known.Fan, known.CO2)
	}
	if !known.Gateway.IsEmpty() || !known.Remote.IsEmpty() {
		t.Errorf("only fan and co2 are restored, got %+v", known)
	}
}

func TestDeviceRecorderGatewayVersion(t *testing.T) {
	rec := startedRecorder(t)
	ctx := context.Background()

	if _, err := rec.GatewayVersion(ctx, testGateway); !errors.Is(err, ErrNotFound) {
		t.Errorf("unknown gateway error = %v, want ErrNotFound", err)
	}

	rec.RecordGatewayVersion(testGateway, "0.4.0")
	rec.RecordGatewayVersion(testGateway, "0.5.1")
	rec.RecordGatewayVersion(testGateway, "")
	flush(rec)

	v, err := rec.GatewayVersion(ctx, testGateway)
	if err != nil || v != "0.5.1" {
		t.Errorf("GatewayVersion() = %q, %v; want 0.5.1", v, err)
	}
}

func TestDeviceRecorderNotFound(t *testing.T) {
	rec := startedRecorder(t)
	if _, err := rec.Device(context.Background(), testCO2); !errors.Is(err, ErrNotFound) {
		t.Errorf("Device() error = %v, want ErrNotFound", err)
	}
}

func TestDeviceRecorderIgnoresAfterStop(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewDeviceRecorder(db)

	// Before Start nothing is recorded.
	rec.RecordFrame(testFan, 40)
	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	rec.Stop()
	rec.RecordFrame(testFan, 40)

	count, err := rec.DeviceCount(context.Background())
	if err != nil || count != 0 {
		t.Errorf("DeviceCount() = %d, %v; want 0", count, err)
	}
}

func TestDeviceRecorderDropsWhenQueueFull(t *testing.T) {
	db := setupRecorderDB(t)
	rec := NewDeviceRecorder(db)
	rec.SetQueueSize(1)
	var drops int
	rec.SetOnDrop(func() { drops++ })
	if err := rec.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(rec.Stop)

	// Holding the only connection stalls the writer on its first write.
	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	rec.RecordFrame(testFan, 40)
	waitFor(t, func() bool { return len(rec.writes) == 0 })

	rec.RecordFrame(testFan, 41)
	rec.RecordFrame(testFan, 42)
	if rec.Dropped() != 1 || drops != 1 {
		t.Errorf("Dropped() = %d, callbacks = %d; want 1", rec.Dropped(), drops)
	}

	if err := tx.Rollback(); err != nil {
		t.Fatal(err)
	}
	flush(rec)

	got, err := rec.Device(context.Background(), testFan)
	if err != nil {
		t.Fatalf("Device() error: %v", err)
	}
	if got.MessageCount != 2 {
		t.Errorf("MessageCount = %d, want the 2 queued frames", got.MessageCount)
	}
	if got.LastSignal == nil || *got.LastSignal != 41 {
		t.Errorf("LastSignal = %v, want 41", got.LastSignal)
	}
}
