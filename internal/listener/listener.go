// Package listener accepts syslog traffic over UDP datagrams and TCP or
// TLS streams and hands complete raw messages to the pipeline. The submit
// path is strictly non-blocking: when the downstream queue is full the
// message is dropped and counted, never queued against the network.
package listener

import (
	"time"
)

// Sink receives complete raw messages. Submit must not block; it returns
// false when the message was dropped because the downstream queue is full.
type Sink interface {
	Submit(sourceAddr string, raw []byte, receivedAt time.Time) bool
}

// maxDatagramSize bounds a single UDP syslog message.
const maxDatagramSize = 64 * 1024
