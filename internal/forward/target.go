// Package forward delivers filtered events to external collectors. Each
// target runs its own worker over a bounded queue, so one target's outage
// never delays another's delivery or blocks the filter engine.
package forward

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"time"
)

// Transport is the wire transport of a target.
type Transport string

const (
	TransportUDP Transport = "udp"
	TransportTCP Transport = "tcp"
	TransportTLS Transport = "tls"
)

// WireFormat selects the outbound syslog serialization.
type WireFormat string

const (
	WireLegacy     WireFormat = "rfc3164"
	WireStructured WireFormat = "rfc5424"
)

// Defaults applied to zero-valued target settings.
const (
	DefaultQueueSize  = 1000
	DefaultRetryCount = 3
	DefaultRetryDelay = time.Second
)

// TargetConfig describes one forwarding destination.
type TargetConfig struct {
	Name      string     `json:"name"`
	Host      string     `json:"host"`
	Port      int        `json:"port"`
	Transport Transport  `json:"transport"`
	Format    WireFormat `json:"format"`

	QueueSize          int           `json:"queue_size"`
	RetryCount         int           `json:"retry_count"`
	RetryDelay         time.Duration `json:"retry_delay"`
	ExponentialBackoff bool          `json:"exponential_backoff"`

	// TLS material, used when Transport is "tls".
	TLSVerify  bool   `json:"tls_verify"`
	CAFile     string `json:"ca_file,omitempty"`
	CertFile   string `json:"cert_file,omitempty"`
	KeyFile    string `json:"key_file,omitempty"`
	ServerName string `json:"server_name,omitempty"`
}

// Validate rejects configurations the worker cannot execute. Invalid
// targets are rejected at load time so a broken reload never replaces a
// working set.
func (c *TargetConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("target missing name")
	}
	if c.Host == "" || c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("target %s: invalid address %s:%d", c.Name, c.Host, c.Port)
	}
	switch c.Transport {
	case TransportUDP, TransportTCP, TransportTLS:
	default:
		return fmt.Errorf("target %s: unknown transport %q", c.Name, c.Transport)
	}
	switch c.Format {
	case WireLegacy, WireStructured, "":
	default:
		return fmt.Errorf("target %s: unknown wire format %q", c.Name, c.Format)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("target %s: client cert and key must both be set", c.Name)
	}
	if c.Transport != TransportTLS && (c.CAFile != "" || c.CertFile != "") {
		return fmt.Errorf("target %s: TLS material on non-TLS transport", c.Name)
	}
	return nil
}

// withDefaults fills zero values.
func (c TargetConfig) withDefaults() TargetConfig {
	if c.QueueSize <= 0 {
		c.QueueSize = DefaultQueueSize
	}
	if c.RetryCount < 0 {
		c.RetryCount = DefaultRetryCount
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.Format == "" {
		c.Format = WireLegacy
	}
	return c
}

// addr returns the dial address.
func (c *TargetConfig) addr() string {
	return net.JoinHostPort(c.Host, fmt.Sprintf("%d", c.Port))
}

// tlsConfig builds the TLS client configuration from the target material.
// Peer verification stays on unless TLSVerify is explicitly disabled.
func (c *TargetConfig) tlsConfig() (*tls.Config, error) {
	cfg := &tls.Config{
		InsecureSkipVerify: !c.TLSVerify,
		ServerName:         c.ServerName,
	}
	if cfg.ServerName == "" {
		cfg.ServerName = c.Host
	}
	if c.CAFile != "" {
		pem, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("target %s: read CA file: %w", c.Name, err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("target %s: no certificates in CA file", c.Name)
		}
		cfg.RootCAs = pool
	}
	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("target %s: load client cert: %w", c.Name, err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}

// dial opens the target connection.
func (c *TargetConfig) dial(timeout time.Duration) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	switch c.Transport {
	case TransportUDP:
		return dialer.Dial("udp", c.addr())
	case TransportTCP:
		return dialer.Dial("tcp", c.addr())
	case TransportTLS:
		tlsCfg, err := c.tlsConfig()
		if err != nil {
			return nil, err
		}
		return tls.DialWithDialer(dialer, "tcp", c.addr(), tlsCfg)
	default:
		return nil, fmt.Errorf("target %s: unknown transport %q", c.Name, c.Transport)
	}
}

// TargetStats is a read-only snapshot of a target's counters.
type TargetStats struct {
	Name        string    `json:"name"`
	QueueDepth  int       `json:"queue_depth"`
	Forwarded   int64     `json:"forwarded"`
	Dropped     int64     `json:"dropped"`
	Errors      int64     `json:"errors"`
	LastError   string    `json:"last_error,omitempty"`
	LastErrorAt time.Time `json:"last_error_at,omitempty"`
}
