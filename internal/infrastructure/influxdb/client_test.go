package influxdb_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/bumper-core/internal/events"
	"github.com/nerrad567/bumper-core/internal/infrastructure/config"
	"github.com/nerrad567/bumper-core/internal/infrastructure/influxdb"
)

// fakeInflux answers /ping and collects line protocol posted to /api/v2/write.
type fakeInflux struct {
	mu      sync.Mutex
	lines   []string
	healthy bool
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		f.mu.Lock()
		healthy := f.healthy
		f.mu.Unlock()
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body) //nolint:errcheck // test server
		f.mu.Lock()
		for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
			if line != "" {
				f.lines = append(f.lines, line)
			}
		}
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeInflux) written() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.lines...)
}

// waitForLines polls until n lines have arrived.
func (f *fakeInflux) waitForLines(t *testing.T, n int) []string {
	t.Helper()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if lines := f.written(); len(lines) >= n {
			return lines
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("got %d lines, want %d", len(f.written()), n)
	return nil
}

func startFake(t *testing.T) (*fakeInflux, config.InfluxDBConfig) {
	t.Helper()

	fake := &fakeInflux{healthy: true}
	ts := httptest.NewServer(fake)
	t.Cleanup(ts.Close)

	return fake, config.InfluxDBConfig{
		Enabled:       true,
		URL:           ts.URL,
		Token:         "bumper-test-token",
		Org:           "bumper",
		Bucket:        "connections",
		BatchSize:     100,
		FlushInterval: 1,
	}
}

func connect(t *testing.T, cfg config.InfluxDBConfig) *influxdb.Client {
	t.Helper()

	client, err := influxdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() }) //nolint:errcheck // Test cleanup
	return client
}

func TestConnect(t *testing.T) {
	_, cfg := startFake(t)
	client := connect(t, cfg)

	if !client.IsConnected() {
		t.Error("IsConnected() = false after Connect()")
	}
	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}
}

func TestConnect_Disabled(t *testing.T) {
	_, cfg := startFake(t)
	cfg.Enabled = false

	_, err := influxdb.Connect(context.Background(), cfg)
	if !errors.Is(err, influxdb.ErrDisabled) {
		t.Errorf("Connect() error = %v, want ErrDisabled", err)
	}
}

func TestConnect_Unhealthy(t *testing.T) {
	fake, cfg := startFake(t)
	fake.healthy = false

	_, err := influxdb.Connect(context.Background(), cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_InvalidURL(t *testing.T) {
	_, cfg := startFake(t)
	cfg.URL = "http://127.0.0.1:1"

	_, err := influxdb.Connect(context.Background(), cfg)
	if !errors.Is(err, influxdb.ErrConnectionFailed) {
		t.Errorf("Connect() error = %v, want ErrConnectionFailed", err)
	}
}

func TestConnect_DefaultBatchSettings(t *testing.T) {
	_, cfg := startFake(t)
	cfg.BatchSize = -5
	cfg.FlushInterval = 0

	client := connect(t, cfg)
	if !client.IsConnected() {
		t.Error("IsConnected() = false with default batch settings")
	}
}

func TestHealthCheck_Cancelled(t *testing.T) {
	_, cfg := startFake(t)
	client := connect(t, cfg)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := client.HealthCheck(ctx); err == nil {
		t.Error("HealthCheck() should return error for cancelled context")
	}
}

func TestWriteConnectionEvent(t *testing.T) {
	fake, cfg := startFake(t)
	client := connect(t, cfg)

	var writeErr error
	var mu sync.Mutex
	client.SetOnError(func(err error) {
		mu.Lock()
		writeErr = err
		mu.Unlock()
	})

	client.WriteConnectionEvent(events.Event{
		Time:      time.Unix(1514764800, 0),
		Protocol:  events.ProtocolMQTT,
		Kind:      events.KindBot,
		ID:        "did1",
		Realm:     "ls1ok3",
		Connected: true,
	})
	client.Flush()

	lines := fake.waitForLines(t, 1)
	if !strings.HasPrefix(lines[0], "connections,") {
		t.Errorf("line = %q, want connections measurement", lines[0])
	}
	if !strings.Contains(lines[0], "id=did1") || !strings.Contains(lines[0], "connected=1i") {
		t.Errorf("line = %q, want id tag and connected field", lines[0])
	}

	mu.Lock()
	defer mu.Unlock()
	if writeErr != nil {
		t.Errorf("write error = %v", writeErr)
	}
}

func TestWriteSweep(t *testing.T) {
	fake, cfg := startFake(t)
	client := connect(t, cfg)

	client.WriteSweep(3, 1)
	client.Flush()

	lines := fake.waitForLines(t, 1)
	if !strings.HasPrefix(lines[0], "maintenance ") {
		t.Errorf("line = %q, want maintenance measurement", lines[0])
	}
	if !strings.Contains(lines[0], "expired_tokens=3i") {
		t.Errorf("line = %q, want expired_tokens=3i", lines[0])
	}
}

func TestRecord_ConsumesBus(t *testing.T) {
	fake, cfg := startFake(t)
	client := connect(t, cfg)

	bus := events.NewBus()
	ch, unsubscribe := bus.Subscribe(0)

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.Record(context.Background(), ch)
	}()

	bus.Publish(events.Event{Protocol: events.ProtocolXMPP, Kind: events.KindClient, ID: "fuid_1", Connected: true})
	bus.Publish(events.Event{Protocol: events.ProtocolXMPP, Kind: events.KindClient, ID: "fuid_1", Connected: false})

	unsubscribe()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Record() did not return after the channel closed")
	}

	client.Flush()
	fake.waitForLines(t, 2)
}

func TestClose(t *testing.T) {
	_, cfg := startFake(t)

	client, err := influxdb.Connect(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}

	if err := client.Close(); err != nil {
		t.Errorf("Close() error = %v", err)
	}
	if client.IsConnected() {
		t.Error("IsConnected() = true after Close()")
	}
	if err := client.HealthCheck(context.Background()); !errors.Is(err, influxdb.ErrNotConnected) {
		t.Errorf("HealthCheck() after Close = %v, want ErrNotConnected", err)
	}

	// Writes after Close are dropped without panicking.
	client.WriteSweep(1, 1)
	client.Flush()
}
