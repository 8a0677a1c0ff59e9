// Package parser decodes raw syslog payloads into normalized events.
//
// Two wire formats are supported: RFC 5424 (structured, selected by the
// "<PRI>1 " version marker) and RFC 3164 (legacy, everything else). The
// decode is single-pass and best-effort: malformed input produces an event
// with ParseWarning set rather than an error. Only an empty payload or an
// out-of-range facility/severity rejects the message outright.
package parser

import (
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
)

// Parser decodes raw octet payloads into events.
type Parser struct{}

// New returns a Parser.
func New() *Parser {
	return &Parser{}
}

// Parse decodes raw into a normalized Event. sourceAddr and receivedAt are
// stamped onto the result; raw is retained verbatim as RawMessage.
func (p *Parser) Parse(raw []byte, sourceAddr string, receivedAt time.Time) (*event.Event, error) {
	if len(raw) == 0 {
		return nil, event.ErrEmptyPayload
	}

	pri, rest, priOK := parsePriority(raw)

	var ev *event.Event
	var err error
	if priOK && isStructured(rest) {
		ev, err = parseRFC5424(rest[2:], pri)
	} else {
		ev, err = parseRFC3164(rest, pri, priOK)
	}
	if err != nil {
		return nil, err
	}

	ev.ID = event.NewID()
	ev.SourceAddress = sourceAddr
	ev.ReceivedAt = receivedAt
	ev.RawMessage = append([]byte(nil), raw...)
	return ev, nil
}

// isStructured reports whether rest begins with the RFC 5424 version
// marker "1 " (the PRI has already been consumed).
func isStructured(rest []byte) bool {
	return len(rest) >= 2 && rest[0] == '1' && rest[1] == ' '
}

// parsePriority consumes a leading "<PRI>". It returns the priority value,
// the remaining bytes, and whether a well-formed PRI was present. On a
// malformed PRI the full input is returned unconsumed.
func parsePriority(raw []byte) (int, []byte, bool) {
	if len(raw) < 3 || raw[0] != '<' {
		return 0, raw, false
	}
	pri := 0
	i := 1
	for ; i < len(raw) && i <= 4; i++ {
		b := raw[i]
		if b == '>' {
			if i == 1 {
				return 0, raw, false
			}
			return pri, raw[i+1:], true
		}
		if b < '0' || b > '9' {
			return 0, raw, false
		}
		pri = pri*10 + int(b-'0')
	}
	return 0, raw, false
}

// splitPriority decomposes a priority value and validates the ranges.
func splitPriority(pri int) (facility, severity int, err error) {
	facility = pri / 8
	severity = pri % 8
	err = event.ValidatePriority(facility, severity)
	return facility, severity, err
}

// nextToken returns the token up to the next space and the remainder with
// the space consumed.
func nextToken(b []byte) (tok, rest []byte) {
	for i := 0; i < len(b); i++ {
		if b[i] == ' ' {
			return b[:i], b[i+1:]
		}
	}
	return b, nil
}
