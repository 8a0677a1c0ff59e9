package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/logging"
	"github.com/telhawk-systems/telhawk-syslog/internal/metrics"
	"github.com/telhawk-systems/telhawk-syslog/internal/ratelimit"
)

// TCPConfig configures the stream listener.
type TCPConfig struct {
	Addr string

	// TLS wraps accepted connections when set.
	TLS *tls.Config

	// ReadTimeout bounds how long an idle connection is held open.
	ReadTimeout time.Duration
}

// TCPListener accepts stream connections and extracts framed messages.
type TCPListener struct {
	cfg     TCPConfig
	sink    Sink
	limiter ratelimit.Limiter
	logger  *logging.Logger

	ln net.Listener
	wg sync.WaitGroup
}

// NewTCP creates a stream listener. limiter may be nil.
func NewTCP(cfg TCPConfig, sink Sink, limiter ratelimit.Limiter, logger *logging.Logger) *TCPListener {
	if logger == nil {
		logger = logging.Default()
	}
	if limiter == nil {
		limiter = ratelimit.NoOp{}
	}
	transport := "tcp"
	if cfg.TLS != nil {
		transport = "tls"
	}
	return &TCPListener{
		cfg:     cfg,
		sink:    sink,
		limiter: limiter,
		logger:  logger.With(logging.Component("listener." + transport)),
	}
}

// Run binds and serves until ctx is cancelled. Bind failure is returned
// for the caller to treat as startup-fatal.
func (l *TCPListener) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.cfg.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", l.cfg.Addr, err)
	}
	if l.cfg.TLS != nil {
		ln = tls.NewListener(ln, l.cfg.TLS)
	}
	l.ln = ln
	l.logger.Info("listening", logging.Source(l.cfg.Addr))

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			l.logger.Warn("accept error", logging.Error(err))
			continue
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.serveConn(ctx, conn)
		}()
	}

	l.wg.Wait()
	return nil
}

// LocalAddr returns the bound address, nil before Run binds.
func (l *TCPListener) LocalAddr() net.Addr {
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// serveConn reads one connection, extracting frames as they complete.
// Within a connection, frames are submitted in arrival order, preserving
// per-source ordering end to end.
func (l *TCPListener) serveConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	sourceAddr := conn.RemoteAddr().String()
	if host, _, err := net.SplitHostPort(sourceAddr); err == nil {
		sourceAddr = host
	}

	transport := "tcp"
	if l.cfg.TLS != nil {
		transport = "tls"
	}

	buf := make([]byte, 0, 16*1024)
	readBuf := make([]byte, 16*1024)

	for {
		if l.cfg.ReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(l.cfg.ReadTimeout))
		}
		n, err := conn.Read(readBuf)
		if n > 0 {
			buf = append(buf, readBuf[:n]...)
			buf = l.drainFrames(ctx, buf, sourceAddr, transport)
			if len(buf) > maxFrameSize {
				// A frame this large will never complete; reset.
				l.logger.Warn("oversized frame, resetting connection buffer",
					logging.Source(sourceAddr))
				buf = buf[:0]
			}
		}
		if err != nil {
			return
		}
	}
}

// drainFrames submits every complete frame in buf and returns the
// remainder.
func (l *TCPListener) drainFrames(ctx context.Context, buf []byte, sourceAddr, transport string) []byte {
	for len(buf) > 0 {
		content, consumed, ok := nextFrame(buf)
		if !ok {
			break
		}
		buf = buf[consumed:]
		if len(content) == 0 {
			continue
		}

		allowed, err := l.limiter.Allow(ctx, sourceAddr)
		if err == nil && !allowed {
			metrics.RateLimited.Inc()
			continue
		}

		raw := append([]byte(nil), content...)
		metrics.MessagesReceived.WithLabelValues(transport).Inc()
		metrics.MessageBytes.Add(float64(len(raw)))
		if !l.sink.Submit(sourceAddr, raw, time.Now()) {
			metrics.IntakeDropped.Inc()
		}
	}
	return buf
}
