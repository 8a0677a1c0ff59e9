package listener

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/internal/ratelimit"
)

// captureSink records submissions and can simulate a saturated pipeline.
type captureSink struct {
	mu       sync.Mutex
	messages []string
	sources  []string
	reject   bool
}

func (s *captureSink) Submit(sourceAddr string, raw []byte, receivedAt time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reject {
		return false
	}
	s.messages = append(s.messages, string(raw))
	s.sources = append(s.sources, sourceAddr)
	return true
}

func (s *captureSink) captured() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.messages...)
}

// denyLimiter refuses every submission.
type denyLimiter struct{}

func (denyLimiter) Allow(ctx context.Context, key string) (bool, error) { return false, nil }
func (denyLimiter) Close() error                                        { return nil }

func startUDP(t *testing.T, sink Sink) (*UDPListener, net.Addr, context.CancelFunc) {
	t.Helper()
	l := NewUDP("127.0.0.1:0", sink, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return l.LocalAddr() != nil },
		time.Second, 5*time.Millisecond, "listener did not bind")
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errs)
	})
	return l, l.LocalAddr(), cancel
}

func startTCP(t *testing.T, cfg TCPConfig, sink Sink, limiter ratelimit.Limiter) (*TCPListener, net.Addr) {
	t.Helper()
	l := NewTCP(cfg, sink, limiter, nil)
	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- l.Run(ctx) }()

	require.Eventually(t, func() bool { return l.LocalAddr() != nil },
		time.Second, 5*time.Millisecond, "listener did not bind")
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errs)
	})
	return l, l.LocalAddr()
}

func TestUDPListener_DeliversDatagrams(t *testing.T) {
	sink := &captureSink{}
	_, addr, _ := startUDP(t, sink)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	msgs := []string{
		"<13>Oct 11 22:14:15 host app: one",
		"<14>Oct 11 22:14:16 host app: two",
	}
	for _, m := range msgs {
		_, err = conn.Write([]byte(m))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return len(sink.captured()) == 2 },
		time.Second, 5*time.Millisecond)
	assert.ElementsMatch(t, msgs, sink.captured())
}

func TestUDPListener_BindFailureIsReturned(t *testing.T) {
	sink := &captureSink{}
	_, addr, _ := startUDP(t, sink)

	// Second listener on the same port must fail fast, not retry.
	dup := NewUDP(addr.String(), sink, nil)
	err := dup.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bind")
}

func TestUDPListener_SaturatedSinkDoesNotBlock(t *testing.T) {
	sink := &captureSink{reject: true}
	_, addr, _ := startUDP(t, sink)

	conn, err := net.Dial("udp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	// All writes complete immediately even though every submit is refused.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			conn.Write([]byte("<13>Oct 11 22:14:15 host app: m"))
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("UDP writes blocked on a saturated sink")
	}
}

func TestTCPListener_OctetCountedStream(t *testing.T) {
	sink := &captureSink{}
	_, addr := startTCP(t, TCPConfig{Addr: "127.0.0.1:0"}, sink, nil)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	// Two messages in a single segment plus one split across writes.
	_, err = conn.Write([]byte("33 <13>Oct 11 22:14:15 host app: one33 <13>Oct 11 22:14:15 host app: two33 <13>Oct 11 22:14:"))
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = conn.Write([]byte("15 host app: tre"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(sink.captured()) == 3 },
		time.Second, 5*time.Millisecond)
	got := sink.captured()
	assert.Equal(t, "<13>Oct 11 22:14:15 host app: one", got[0])
	assert.Equal(t, "<13>Oct 11 22:14:15 host app: two", got[1])
	assert.Equal(t, "<13>Oct 11 22:14:15 host app: tre", got[2])
}

func TestTCPListener_NonTransparentStream(t *testing.T) {
	sink := &captureSink{}
	_, addr := startTCP(t, TCPConfig{Addr: "127.0.0.1:0"}, sink, nil)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("<13>Oct 11 22:14:15 host app: one\n<14>Oct 11 22:14:16 host app: two\r\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(sink.captured()) == 2 },
		time.Second, 5*time.Millisecond)
	got := sink.captured()
	assert.Equal(t, "<13>Oct 11 22:14:15 host app: one", got[0])
	assert.Equal(t, "<14>Oct 11 22:14:16 host app: two", got[1])
}

func TestTCPListener_OrderPreservedPerConnection(t *testing.T) {
	sink := &captureSink{}
	_, addr := startTCP(t, TCPConfig{Addr: "127.0.0.1:0"}, sink, nil)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	var want []string
	for i := 0; i < 50; i++ {
		m := "<13>Oct 11 22:14:15 host app: seq" + string(rune('A'+i%26)) + "\n"
		want = append(want, m[:len(m)-1])
		_, err = conn.Write([]byte(m))
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool { return len(sink.captured()) == 50 },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, want, sink.captured())
}

func TestTCPListener_RateLimited(t *testing.T) {
	sink := &captureSink{}
	_, addr := startTCP(t, TCPConfig{Addr: "127.0.0.1:0"}, sink, denyLimiter{})

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("<13>Oct 11 22:14:15 host app: blocked\n"))
	require.NoError(t, err)

	// Give the listener time to process, then confirm nothing got through.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, sink.captured())
}

func TestTCPListener_SourceAddressIsHostOnly(t *testing.T) {
	sink := &captureSink{}
	_, addr := startTCP(t, TCPConfig{Addr: "127.0.0.1:0"}, sink, nil)

	conn, err := net.Dial("tcp", addr.String())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("<13>Oct 11 22:14:15 host app: m\n"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return len(sink.captured()) == 1 },
		time.Second, 5*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, "127.0.0.1", sink.sources[0], "ephemeral port stripped from the source identity")
}
