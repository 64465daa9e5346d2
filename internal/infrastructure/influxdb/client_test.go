package influxdb

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/nerrad567/gray-logic-ramses/internal/infrastructure/config"
)

// fakeInflux serves /ping and captures line protocol posted to /api/v2/write.
type fakeInflux struct {
	*httptest.Server
	writes chan string
}

func newFakeInflux(t *testing.T) *fakeInflux {
	t.Helper()

	f := &fakeInflux{writes: make(chan string, 16)}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/ping":
			w.WriteHeader(http.StatusNoContent)
		case "/api/v2/write":
			body, _ := io.ReadAll(r.Body) //nolint:errcheck // Test server
			f.writes <- string(body)
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(f.Close)
	return f
}

func testConfig(url string) config.InfluxDBConfig {
	return config.InfluxDBConfig{
		Enabled:       true,
		URL:           url,
		Token:         "graylogic-dev-token",
		Org:           "graylogic",
		Bucket:        "ramses",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func (f *fakeInflux) nextWrite(t *testing.T) string {
	t.Helper()

	select {
	case body := <-f.writes:
		return body
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for write")
		return ""
	}
}

// =============================================================================
// Connection Tests
// =============================================================================

func TestConnect(t *testing.T) {
	server := newFakeInflux(t)

	client, err := Connect(testConfig(server.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnectDisabled(t *testing.T) {
	cfg := testConfig("http://127.0.0.1:8086")
	cfg.Enabled = false

	if _, err := Connect(cfg); !errors.Is(err, ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnectUnreachable(t *testing.T) {
	server := newFakeInflux(t)
	url := server.URL
	server.Close()

	if _, err := Connect(testConfig(url)); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestBatchSettings(t *testing.T) {
	tests := []struct {
		name          string
		batch, flush  int
		wantBatch     int
		wantFlushSecs int
	}{
		{"configured", 50, 2, 50, 2},
		{"zero", 0, 0, defaultBatchSize, defaultFlushInterval},
		{"negative", -5, -1, defaultBatchSize, defaultFlushInterval},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, flush := batchSettings(config.InfluxDBConfig{BatchSize: tt.batch, FlushInterval: tt.flush})
			if batch != tt.wantBatch || flush != tt.wantFlushSecs {
				t.Errorf("batchSettings() = %d, %d; want %d, %d", batch, flush, tt.wantBatch, tt.wantFlushSecs)
			}
		})
	}
}

// =============================================================================
// Write Tests
// =============================================================================

func TestReadingPoint(t *testing.T) {
	at := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		fields map[string]any
		want   string
	}{
		{
			name:   "co2",
			fields: map[string]any{"co2_ppm": 434, "signal_dbm": -45},
			want:   "ramses,device_id=ramses-co2,role=co2 co2_ppm=434i,signal_dbm=-45i 1792411200000000000",
		},
		{
			name:   "sentinel skipped",
			fields: map[string]any{"vent_demand_pct": nil, "fault": false},
			want:   "ramses,device_id=ramses-co2,role=co2 fault=false 1792411200000000000",
		},
		{
			name:   "only sentinels",
			fields: map[string]any{"vent_demand_pct": nil},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := readingPoint("ramses-co2", "co2", tt.fields, at)
			if tt.want == "" {
				if p != nil {
					t.Fatalf("readingPoint() = %v, want nil", p)
				}
				return
			}
			if p == nil {
				t.Fatal("readingPoint() = nil")
			}
			got := strings.TrimSuffix(write.PointToLineProtocol(p, time.Nanosecond), "\n")
			if got != tt.want {
				t.Errorf("line protocol = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteReading(t *testing.T) {
	server := newFakeInflux(t)

	client, err := Connect(testConfig(server.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	client.WriteReading("ramses-fan", "fan", map[string]any{"fan_preset": "High"}, time.Now())
	client.Flush()

	body := server.nextWrite(t)
	if !strings.HasPrefix(body, `ramses,device_id=ramses-fan,role=fan fan_preset="High"`) {
		t.Errorf("write body = %q", body)
	}
}

func TestWriteAfterClose(t *testing.T) {
	server := newFakeInflux(t)

	client, err := Connect(testConfig(server.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	client.Close()

	client.WriteReading("ramses-co2", "co2", map[string]any{"co2_ppm": 500}, time.Now())
	client.Flush()

	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("HealthCheck() after Close() error = %v, want ErrNotConnected", err)
	}
	select {
	case body := <-server.writes:
		t.Errorf("unexpected write after Close(): %q", body)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCloseTwice(t *testing.T) {
	server := newFakeInflux(t)

	client, err := Connect(testConfig(server.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if err := client.Close(); err != nil {
		t.Errorf("second Close() error = %v", err)
	}

	empty := &Client{}
	if err := empty.Close(); err != nil {
		t.Errorf("Close() on empty client error = %v", err)
	}
}

func TestWriteErrorsReachCallback(t *testing.T) {
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		http.Error(w, `{"code":"invalid","message":"bucket not found"}`, http.StatusBadRequest)
	}))
	t.Cleanup(failing.Close)

	client, err := Connect(testConfig(failing.URL))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close()

	errs := make(chan error, 4)
	client.SetOnError(func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	client.WriteReading("ramses-co2", "co2", map[string]any{"co2_ppm": 612}, time.Now())
	client.Flush()

	select {
	case err := <-errs:
		if !strings.Contains(err.Error(), "bucket not found") {
			t.Errorf("write error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("write error not reported")
	}
}
