package forward

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
)

// recordConn is a net.Conn that captures writes and can fail on demand.
type recordConn struct {
	mu       sync.Mutex
	writes   []string
	writeErr error
}

func (c *recordConn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return 0, c.writeErr
	}
	c.writes = append(c.writes, string(b))
	return len(b), nil
}

func (c *recordConn) captured() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.writes...)
}

func (c *recordConn) Read(b []byte) (int, error)         { return 0, nil }
func (c *recordConn) Close() error                       { return nil }
func (c *recordConn) LocalAddr() net.Addr                { return nil }
func (c *recordConn) RemoteAddr() net.Addr               { return nil }
func (c *recordConn) SetDeadline(t time.Time) error      { return nil }
func (c *recordConn) SetReadDeadline(t time.Time) error  { return nil }
func (c *recordConn) SetWriteDeadline(t time.Time) error { return nil }

// flakyDialer fails the first n dials, then hands out conn.
type flakyDialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	conn     *recordConn
}

func (d *flakyDialer) dial(cfg *TargetConfig) (net.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.attempts <= d.failures {
		return nil, errors.New("connection refused")
	}
	return d.conn, nil
}

func testTarget(name string, transport Transport) TargetConfig {
	return TargetConfig{
		Name:       name,
		Host:       "198.51.100.20",
		Port:       6514,
		Transport:  transport,
		Format:     WireLegacy,
		QueueSize:  16,
		RetryCount: 3,
		RetryDelay: time.Millisecond,
	}
}

func testEvent(msg string) *event.Event {
	return &event.Event{
		ID:         event.NewID(),
		Facility:   1,
		Severity:   5,
		ReceivedAt: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
		Hostname:   "host01",
		AppName:    "app",
		Message:    msg,
	}
}

func statsFor(f *Forwarder, name string) TargetStats {
	for _, s := range f.Stats() {
		if s.Name == name {
			return s
		}
	}
	return TargetStats{}
}

func TestForwarder_DeliversWithFraming(t *testing.T) {
	conn := &recordConn{}
	f := New(nil)
	f.dialOverride = func(cfg *TargetConfig) (net.Conn, error) { return conn, nil }
	require.NoError(t, f.Reload([]TargetConfig{testTarget("siem", TransportTCP)}))
	f.Start(context.Background())
	defer f.Stop(time.Second)

	require.NoError(t, f.Enqueue("siem", testEvent("tcp payload")))

	assert.Eventually(t, func() bool {
		return statsFor(f, "siem").Forwarded == 1
	}, time.Second, 5*time.Millisecond)

	writes := conn.captured()
	require.Len(t, writes, 1)
	// Octet-counted framing: "<len> <payload>".
	idx := strings.IndexByte(writes[0], ' ')
	require.Positive(t, idx)
	payload := writes[0][idx+1:]
	assert.Equal(t, strconv.Itoa(len(payload)), writes[0][:idx])
	assert.Contains(t, payload, "tcp payload")
	assert.True(t, strings.HasPrefix(payload, "<13>"))
}

func TestForwarder_UDPNoFraming(t *testing.T) {
	conn := &recordConn{}
	f := New(nil)
	f.dialOverride = func(cfg *TargetConfig) (net.Conn, error) { return conn, nil }
	require.NoError(t, f.Reload([]TargetConfig{testTarget("udp-dest", TransportUDP)}))
	f.Start(context.Background())
	defer f.Stop(time.Second)

	require.NoError(t, f.Enqueue("udp-dest", testEvent("udp payload")))

	assert.Eventually(t, func() bool {
		return statsFor(f, "udp-dest").Forwarded == 1
	}, time.Second, 5*time.Millisecond)

	writes := conn.captured()
	require.Len(t, writes, 1)
	assert.True(t, strings.HasPrefix(writes[0], "<13>"), "datagram starts with the message itself")
}

func TestForwarder_RetriesThenSucceeds(t *testing.T) {
	dialer := &flakyDialer{failures: 2, conn: &recordConn{}}
	f := New(nil)
	f.dialOverride = dialer.dial
	require.NoError(t, f.Reload([]TargetConfig{testTarget("siem", TransportTCP)}))
	f.Start(context.Background())
	defer f.Stop(time.Second)

	require.NoError(t, f.Enqueue("siem", testEvent("retry me")))

	assert.Eventually(t, func() bool {
		return statsFor(f, "siem").Forwarded == 1
	}, time.Second, 5*time.Millisecond)

	stats := statsFor(f, "siem")
	assert.Equal(t, int64(1), stats.Forwarded)
	assert.Equal(t, int64(2), stats.Errors, "each failed attempt counts")
	assert.Zero(t, stats.Dropped)
	assert.Equal(t, "dial 198.51.100.20:6514: connection refused", stats.LastError)
}

func TestForwarder_DropsAfterRetriesExhausted(t *testing.T) {
	dialer := &flakyDialer{failures: 1000, conn: &recordConn{}}
	f := New(nil)
	f.dialOverride = dialer.dial

	cfg := testTarget("dead", TransportTCP)
	cfg.RetryCount = 2
	require.NoError(t, f.Reload([]TargetConfig{cfg}))
	f.Start(context.Background())
	defer f.Stop(time.Second)

	require.NoError(t, f.Enqueue("dead", testEvent("lost")))

	assert.Eventually(t, func() bool {
		return statsFor(f, "dead").Dropped == 1
	}, time.Second, 5*time.Millisecond)

	stats := statsFor(f, "dead")
	// Initial attempt plus two retries.
	assert.Equal(t, int64(3), stats.Errors)
	assert.Zero(t, stats.Forwarded)
}

func TestForwarder_TargetIsolation(t *testing.T) {
	healthy := &recordConn{}
	f := New(nil)
	f.dialOverride = func(cfg *TargetConfig) (net.Conn, error) {
		if cfg.Name == "dead" {
			return nil, errors.New("no route to host")
		}
		return healthy, nil
	}

	deadCfg := testTarget("dead", TransportTCP)
	deadCfg.RetryCount = 0
	require.NoError(t, f.Reload([]TargetConfig{deadCfg, testTarget("alive", TransportTCP)}))
	f.Start(context.Background())
	defer f.Stop(time.Second)

	for i := 0; i < 5; i++ {
		require.NoError(t, f.Enqueue("dead", testEvent("x")))
		require.NoError(t, f.Enqueue("alive", testEvent("y")))
	}

	assert.Eventually(t, func() bool {
		return statsFor(f, "alive").Forwarded == 5 && statsFor(f, "dead").Dropped == 5
	}, 2*time.Second, 5*time.Millisecond, "a dead target never delays a healthy one")
}

func TestForwarder_Enqueue_UnknownTarget(t *testing.T) {
	f := New(nil)
	err := f.Enqueue("ghost", testEvent("m"))
	assert.ErrorContains(t, err, `unknown forwarder target "ghost"`)
}

func TestForwarder_Enqueue_QueueFullDrops(t *testing.T) {
	f := New(nil)
	f.dialOverride = func(cfg *TargetConfig) (net.Conn, error) { return &recordConn{}, nil }

	cfg := testTarget("slow", TransportTCP)
	cfg.QueueSize = 1
	require.NoError(t, f.Reload([]TargetConfig{cfg}))
	// Worker intentionally not started: the queue fills immediately.

	require.NoError(t, f.Enqueue("slow", testEvent("first")))
	require.NoError(t, f.Enqueue("slow", testEvent("second")))

	stats := statsFor(f, "slow")
	assert.Equal(t, int64(1), stats.Dropped)
	assert.Equal(t, 1, stats.QueueDepth)
}

func TestForwarder_Reload_KeepsUnchangedTargetCounters(t *testing.T) {
	conn := &recordConn{}
	f := New(nil)
	f.dialOverride = func(cfg *TargetConfig) (net.Conn, error) { return conn, nil }

	cfg := testTarget("siem", TransportTCP)
	require.NoError(t, f.Reload([]TargetConfig{cfg}))
	f.Start(context.Background())
	defer f.Stop(time.Second)

	require.NoError(t, f.Enqueue("siem", testEvent("m")))
	assert.Eventually(t, func() bool {
		return statsFor(f, "siem").Forwarded == 1
	}, time.Second, 5*time.Millisecond)

	// Identical config: the worker and its counters survive the reload.
	require.NoError(t, f.Reload([]TargetConfig{cfg}))
	assert.Equal(t, int64(1), statsFor(f, "siem").Forwarded)
}

func TestForwarder_Reload_RemovesTarget(t *testing.T) {
	f := New(nil)
	f.dialOverride = func(cfg *TargetConfig) (net.Conn, error) { return &recordConn{}, nil }
	require.NoError(t, f.Reload([]TargetConfig{testTarget("a", TransportTCP), testTarget("b", TransportTCP)}))
	f.Start(context.Background())
	defer f.Stop(time.Second)

	require.NoError(t, f.Reload([]TargetConfig{testTarget("a", TransportTCP)}))

	assert.NoError(t, f.Enqueue("a", testEvent("m")))
	assert.Error(t, f.Enqueue("b", testEvent("m")))
}

func TestForwarder_Reload_InvalidSetChangesNothing(t *testing.T) {
	f := New(nil)
	require.NoError(t, f.Reload([]TargetConfig{testTarget("keep", TransportUDP)}))

	bad := testTarget("new", TransportTCP)
	bad.Port = 0
	require.Error(t, f.Reload([]TargetConfig{bad}))

	assert.NoError(t, f.Enqueue("keep", testEvent("m")))
}

func TestForwarder_Enqueue_ConcurrentWithReload(t *testing.T) {
	// Reload closes a changed target's queue; an in-flight Enqueue must
	// never send into it. Changing the config every cycle forces the
	// worker-replacement path each time.
	f := New(nil)
	f.dialOverride = func(cfg *TargetConfig) (net.Conn, error) { return &recordConn{}, nil }

	cfg := testTarget("siem", TransportTCP)
	require.NoError(t, f.Reload([]TargetConfig{cfg}))
	f.Start(context.Background())
	defer f.Stop(time.Second)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					f.Enqueue("siem", testEvent("racing"))
				}
			}
		}()
	}

	for i := 0; i < 200; i++ {
		next := cfg
		next.Port = 6514 + (i % 2)
		require.NoError(t, f.Reload([]TargetConfig{next}))
	}
	close(stop)
	wg.Wait()
}

func TestForwarder_Reload_DuplicateNames(t *testing.T) {
	f := New(nil)
	err := f.Reload([]TargetConfig{testTarget("x", TransportUDP), testTarget("x", TransportTCP)})
	assert.ErrorContains(t, err, `duplicate target name "x"`)
}

func TestForwarder_Stop_DrainsQueue(t *testing.T) {
	conn := &recordConn{}
	f := New(nil)
	f.dialOverride = func(cfg *TargetConfig) (net.Conn, error) { return conn, nil }
	require.NoError(t, f.Reload([]TargetConfig{testTarget("siem", TransportTCP)}))
	f.Start(context.Background())

	for i := 0; i < 10; i++ {
		require.NoError(t, f.Enqueue("siem", testEvent("queued")))
	}
	f.Stop(5 * time.Second)

	assert.Len(t, conn.captured(), 10, "queued events are delivered before stop returns")
}

func TestTargetConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*TargetConfig)
		wantErr string
	}{
		{"valid udp", func(c *TargetConfig) {}, ""},
		{"valid tls", func(c *TargetConfig) { c.Transport = TransportTLS }, ""},
		{"missing name", func(c *TargetConfig) { c.Name = "" }, "missing name"},
		{"missing host", func(c *TargetConfig) { c.Host = "" }, "invalid address"},
		{"bad port", func(c *TargetConfig) { c.Port = 70000 }, "invalid address"},
		{"bad transport", func(c *TargetConfig) { c.Transport = "smoke-signal" }, "unknown transport"},
		{"bad format", func(c *TargetConfig) { c.Format = "xml" }, "unknown wire format"},
		{"cert without key", func(c *TargetConfig) {
			c.Transport = TransportTLS
			c.CertFile = "client.pem"
		}, "client cert and key must both be set"},
		{"tls material on tcp", func(c *TargetConfig) {
			c.Transport = TransportTCP
			c.CAFile = "ca.pem"
		}, "TLS material on non-TLS transport"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testTarget("t", TransportUDP)
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
			} else {
				assert.ErrorContains(t, err, tt.wantErr)
			}
		})
	}
}

func TestTargetConfig_WithDefaults(t *testing.T) {
	cfg := TargetConfig{Name: "t", Host: "h", Port: 514, Transport: TransportUDP, RetryCount: -1}
	got := cfg.withDefaults()

	assert.Equal(t, DefaultQueueSize, got.QueueSize)
	assert.Equal(t, DefaultRetryCount, got.RetryCount)
	assert.Equal(t, DefaultRetryDelay, got.RetryDelay)
	assert.Equal(t, WireLegacy, got.Format)

	// Zero retries means a single attempt; withDefaults leaves it alone.
	noRetry := TargetConfig{Name: "t", Host: "h", Port: 514, Transport: TransportUDP}
	assert.Zero(t, noRetry.withDefaults().RetryCount)
}
