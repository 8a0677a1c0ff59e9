package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/logging"
	"github.com/telhawk-systems/telhawk-syslog/internal/metrics"
)

// UDPListener reads one syslog message per datagram.
type UDPListener struct {
	addr   string
	sink   Sink
	logger *logging.Logger
	conn   *net.UDPConn
}

// NewUDP creates a UDP listener bound lazily by Run.
func NewUDP(addr string, sink Sink, logger *logging.Logger) *UDPListener {
	if logger == nil {
		logger = logging.Default()
	}
	return &UDPListener{
		addr:   addr,
		sink:   sink,
		logger: logger.With(logging.Component("listener.udp")),
	}
}

// Run binds the socket and reads datagrams until ctx is cancelled. A bind
// failure is returned immediately; it is a startup-fatal condition for the
// caller to act on.
func (l *UDPListener) Run(ctx context.Context) error {
	udpAddr, err := net.ResolveUDPAddr("udp", l.addr)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", l.addr, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", l.addr, err)
	}
	l.conn = conn
	l.logger.Info("listening", logging.Transport("udp"), logging.Source(l.addr))

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	buf := make([]byte, maxDatagramSize)
	for {
		n, remote, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			// Transient socket errors are counted, not fatal.
			l.logger.Warn("read error", logging.Error(err))
			continue
		}
		if n == 0 {
			continue
		}

		raw := append([]byte(nil), buf[:n]...)
		metrics.MessagesReceived.WithLabelValues("udp").Inc()
		metrics.MessageBytes.Add(float64(n))
		if !l.sink.Submit(remote.IP.String(), raw, time.Now()) {
			metrics.IntakeDropped.Inc()
		}
	}
}

// LocalAddr returns the bound address, nil before Run binds.
func (l *UDPListener) LocalAddr() net.Addr {
	if l.conn == nil {
		return nil
	}
	return l.conn.LocalAddr()
}
