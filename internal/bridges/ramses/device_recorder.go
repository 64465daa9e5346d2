package ramses

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultRecorderQueueSize bounds the writes waiting for the database.
const DefaultRecorderQueueSize = 1024

// DeviceRecorder records the RAMSES devices heard on air in SQLite: when
// they were seen, their signal, the role they were discovered for and the
// identity they reported in 10E0. Discovered roles are restored at startup
// through KnownRoles so a restart does not wait for rediscovery.
//
// The Record methods never block the receive path: writes are queued for
// a background goroutine and dropped when the queue is full.
//
// The database must have the ramses_devices and ramses_gateway_versions
// tables created (see migrations).
//
// Thread Safety: All methods are safe for concurrent use.
type DeviceRecorder struct {
	db     *sql.DB
	logger Logger

	frameStmt     *sql.Stmt
	discoveryStmt *sql.Stmt
	infoStmt      *sql.Stmt
	versionStmt   *sql.Stmt
	stmtMu        sync.Mutex

	queueSize int
	onDrop    func()
	writes    chan recorderWrite
	done      chan struct{}
	dropped   atomic.Uint64

	closed bool
	mu     sync.RWMutex
}

// recorderWrite is one queued statement execution.
type recorderWrite struct {
	what string
	stmt *sql.Stmt
	args []any
}

// DeviceRecord is one row of ramses_devices.
type DeviceRecord struct {
	Address           Address
	Role              Role
	Description       string
	ManufacturerSubID string
	ProductID         string
	SoftwareVersion   string
	FirstSeen         time.Time
	LastSeen          time.Time
	MessageCount      int64

	// LastSignal is nil when no frame carried a signal strength.
	LastSignal *int
}

// NewDeviceRecorder creates a recorder on db. Call Start before recording.
func NewDeviceRecorder(db *sql.DB) *DeviceRecorder {
	return &DeviceRecorder{db: db, queueSize: DefaultRecorderQueueSize}
}

// SetQueueSize sets the write queue length. It must be called before Start.
func (r *DeviceRecorder) SetQueueSize(n int) {
	if n > 0 {
		r.queueSize = n
	}
}

// SetOnDrop sets a callback run for every write dropped on a full queue.
// It must be called before Start.
func (r *DeviceRecorder) SetOnDrop(fn func()) {
	r.onDrop = fn
}

// Dropped returns the number of writes lost to a full queue.
func (r *DeviceRecorder) Dropped() uint64 {
	return r.dropped.Load()
}

// SetLogger sets the logger for the recorder.
func (r *DeviceRecorder) SetLogger(logger Logger) {
	r.logger = logger
}

// Start prepares the upsert statements and starts the writer. Calling it
// twice is a no-op.
func (r *DeviceRecorder) Start() error {
	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	if r.frameStmt != nil {
		return nil
	}
	r.mu.RLock()
	closed := r.closed
	r.mu.RUnlock()
	if closed {
		return errors.New("device recorder stopped")
	}

	stmts := []struct {
		dst   **sql.Stmt
		name  string
		query string
	}{
		{&r.frameStmt, "frame", `
			INSERT INTO ramses_devices (address, first_seen, last_seen, message_count, last_signal)
			VALUES (?, ?, ?, 1, ?)
			ON CONFLICT(address) DO UPDATE SET
				last_seen = excluded.last_seen,
				message_count = message_count + 1,
				last_signal = COALESCE(excluded.last_signal, last_signal)
		`},
		{&r.discoveryStmt, "discovery", `
			INSERT INTO ramses_devices (address, role, first_seen, last_seen)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				role = excluded.role,
				last_seen = excluded.last_seen
		`},
		{&r.infoStmt, "device info", `
			INSERT INTO ramses_devices (address, description, manufacturer_sub_id, product_id, software_version, first_seen, last_seen)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(address) DO UPDATE SET
				description = excluded.description,
				manufacturer_sub_id = excluded.manufacturer_sub_id,
				product_id = excluded.product_id,
				software_version = excluded.software_version,
				last_seen = excluded.last_seen
		`},
		{&r.versionStmt, "gateway version", `
			INSERT INTO ramses_gateway_versions (gateway_id, version, seen_at)
			VALUES (?, ?, ?)
			ON CONFLICT(gateway_id) DO UPDATE SET
				version = excluded.version,
				seen_at = excluded.seen_at
		`},
	}

	for i, s := range stmts {
		stmt, err := r.db.Prepare(s.query)
		if err != nil {
			for _, prev := range stmts[:i] {
				(*prev.dst).Close()
				*prev.dst = nil
			}
			return fmt.Errorf("preparing %s upsert statement: %w", s.name, err)
		}
		*s.dst = stmt
	}

	writes := make(chan recorderWrite, r.queueSize)
	r.done = make(chan struct{})
	go r.run(writes, r.done)

	r.mu.Lock()
	if r.closed {
		close(writes)
	} else {
		r.writes = writes
	}
	r.mu.Unlock()

	r.log("device recorder started", "queue_size", r.queueSize)
	return nil
}

// Stop writes what is still queued, then releases the prepared statements.
// Later Record calls are ignored.
func (r *DeviceRecorder) Stop() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	writes := r.writes
	r.writes = nil
	if writes != nil {
		close(writes)
	}
	r.mu.Unlock()

	if writes != nil {
		<-r.done
	}

	r.stmtMu.Lock()
	defer r.stmtMu.Unlock()

	for _, stmt := range []**sql.Stmt{&r.frameStmt, &r.discoveryStmt, &r.infoStmt, &r.versionStmt} {
		if *stmt != nil {
			(*stmt).Close()
			*stmt = nil
		}
	}
	r.log("device recorder stopped")
}

// RecordFrame counts a frame from src. A negative signal means the frame
// carried none.
func (r *DeviceRecorder) RecordFrame(src Address, signal int) {
	if src.IsEmpty() {
		return
	}
	var sig sql.NullInt64
	if signal >= 0 {
		sig = sql.NullInt64{Int64: int64(signal), Valid: true}
	}
	now := time.Now().Unix()
	r.enqueue("recording frame", &r.frameStmt, src.String(), now, now, sig)
}

// RecordDiscovery stores the role discovered for addr.
func (r *DeviceRecorder) RecordDiscovery(role Role, addr Address) {
	if addr.IsEmpty() {
		return
	}
	now := time.Now().Unix()
	r.enqueue("recording discovery", &r.discoveryStmt, addr.String(), string(role), now, now)
}

// RecordDeviceInfo stores the identity a device reported in 10E0.
func (r *DeviceRecorder) RecordDeviceInfo(addr Address, info *DeviceInfoPayload) {
	if addr.IsEmpty() || info == nil || info.IsRequest() {
		return
	}
	now := time.Now().Unix()
	r.enqueue("recording device info", &r.infoStmt,
		addr.String(), info.Description, info.ManufacturerSubID, info.ProductID, info.SoftwareVersion, now, now)
}

// RecordGatewayVersion stores the firmware version a gateway announced.
func (r *DeviceRecorder) RecordGatewayVersion(gateway Address, version string) {
	if gateway.IsEmpty() || version == "" {
		return
	}
	r.enqueue("recording gateway version", &r.versionStmt, gateway.String(), version, time.Now().Unix())
}

// KnownRoles returns the fan and CO2 addresses recorded by earlier
// discoveries, most recently seen first. Roles never discovered are empty.
func (r *DeviceRecorder) KnownRoles(ctx context.Context) (Addresses, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT role, address FROM ramses_devices
		WHERE role IN (?, ?)
		ORDER BY last_seen DESC
	`, string(RoleFan), string(RoleCO2))
	if err != nil {
		return Addresses{}, err
	}
	defer rows.Close()

	var known Addresses
	for rows.Next() {
		var role, text string
		if err := rows.Scan(&role, &text); err != nil {
			return Addresses{}, err
		}
		if !known.Get(Role(role)).IsEmpty() {
			continue
		}
		addr, err := ParseAddress(text)
		if err != nil {
			r.logError("skipping stored address", err)
			continue
		}
		known.set(Role(role), addr)
	}
	return known, rows.Err()
}

// Device returns the record for addr, or ErrNotFound.
func (r *DeviceRecorder) Device(ctx context.Context, addr Address) (DeviceRecord, error) {
	var (
		rec         DeviceRecord
		role        string
		first, last int64
		signal      sql.NullInt64
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT role, description, manufacturer_sub_id, product_id, software_version,
			first_seen, last_seen, message_count, last_signal
		FROM ramses_devices WHERE address = ?
	`, addr.String()).Scan(&role, &rec.Description, &rec.ManufacturerSubID, &rec.ProductID,
		&rec.SoftwareVersion, &first, &last, &rec.MessageCount, &signal)
	if errors.Is(err, sql.ErrNoRows) {
		return DeviceRecord{}, fmt.Errorf("%w: device %s", ErrNotFound, addr)
	}
	if err != nil {
		return DeviceRecord{}, err
	}

	rec.Address = addr
	rec.Role = Role(role)
	rec.FirstSeen = time.Unix(first, 0)
	rec.LastSeen = time.Unix(last, 0)
	if signal.Valid {
		v := int(signal.Int64)
		rec.LastSignal = &v
	}
	return rec, nil
}

// GatewayVersion returns the last firmware version recorded for gateway.
func (r *DeviceRecorder) GatewayVersion(ctx context.Context, gateway Address) (string, error) {
	var version string
	err := r.db.QueryRowContext(ctx, `
		SELECT version FROM ramses_gateway_versions WHERE gateway_id = ?
	`, gateway.String()).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: gateway %s", ErrNotFound, gateway)
	}
	return version, err
}

// DeviceCount returns the number of recorded devices.
func (r *DeviceRecorder) DeviceCount(ctx context.Context) (int, error) {
	var count int
	err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM ramses_devices`).Scan(&count)
	return count, err
}

// enqueue queues a write. It is ignored before Start and after Stop.
func (r *DeviceRecorder) enqueue(what string, s **sql.Stmt, args ...any) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed || r.writes == nil {
		return
	}

	// Statements are prepared before writes is set and closed after it is
	// cleared, both under mu.
	select {
	case r.writes <- recorderWrite{what: what, stmt: *s, args: args}:
	default:
		r.dropped.Add(1)
		if r.onDrop != nil {
			r.onDrop()
		}
	}
}

func (r *DeviceRecorder) run(writes <-chan recorderWrite, done chan<- struct{}) {
	defer close(done)
	for w := range writes {
		if _, err := w.stmt.Exec(w.args...); err != nil {
			r.logError(w.what, err)
		}
	}
}

func (r *DeviceRecorder) log(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Info(msg, keysAndValues...)
	}
}

func (r *DeviceRecorder) logError(msg string, err error) {
	if r.logger != nil {
		r.logger.Error(msg, "error", err)
	}
}
