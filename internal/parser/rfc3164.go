package parser

import (
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
)

// Default priority stamped on legacy messages that carry no PRI header
// (facility 1 "user", severity 5 "notice", matching common relay behavior).
const defaultLegacyPriority = 13

// stampLen is the length of the RFC 3164 TIMESTAMP field ("Jan _2 15:04:05").
const stampLen = 15

// parseRFC3164 decodes a legacy syslog message. rest is the payload after
// the PRI header (or the full payload when priOK is false).
//
// The format is positional and loosely observed in the wild, so every
// field beyond the priority is extracted by heuristic: a 15-byte
// TIMESTAMP, then a HOSTNAME token, then a TAG ("app[pid]:") prefix on the
// message. Any field that does not look right is skipped and the decode
// degrades to treating the remainder as free text.
func parseRFC3164(rest []byte, pri int, priOK bool) (*event.Event, error) {
	ev := &event.Event{Format: event.FormatLegacy}

	if !priOK {
		pri = defaultLegacyPriority
		ev.ParseWarning = true
	}

	facility, severity, err := splitPriority(pri)
	if err != nil {
		return nil, err
	}
	ev.Facility = facility
	ev.Severity = severity

	// Optional TIMESTAMP. Parsed verbatim, so the year stays zero: device
	// clocks are untrusted and re-parsing the raw bytes must be stable.
	if len(rest) >= stampLen {
		if ts, err := time.Parse(time.Stamp, string(rest[:stampLen])); err == nil {
			ev.Timestamp = ts
			rest = rest[stampLen:]
			if len(rest) > 0 && rest[0] == ' ' {
				rest = rest[1:]
			}

			// Optional HOSTNAME token, only meaningful after a timestamp.
			if host, after := nextToken(rest); len(after) > 0 && isHostname(host) {
				ev.Hostname = string(host)
				rest = after
			}
		} else if priOK {
			ev.ParseWarning = true
		}
	} else if priOK {
		ev.ParseWarning = true
	}

	// Optional TAG prefix: "app[pid]: " or "app: ".
	app, procID, msg := splitTag(rest)
	ev.AppName = app
	ev.ProcID = procID
	ev.Message = string(msg)

	return ev, nil
}

// isHostname filters out tokens that are clearly message text rather than
// a hostname (contain ':' or '[', or are empty).
func isHostname(tok []byte) bool {
	if len(tok) == 0 {
		return false
	}
	for _, b := range tok {
		if b == ':' || b == '[' || b == ']' {
			return false
		}
	}
	return true
}

// splitTag extracts an RFC 3164 TAG prefix from the message content.
// Returns empty app/procID when the content does not start with one.
func splitTag(b []byte) (app, procID string, msg []byte) {
	// TAG is alphanumeric (plus a few symbols), at most 32 chars, ending
	// at '[', ':' or ' '.
	i := 0
	for i < len(b) && i < 32 {
		c := b[i]
		if c == '[' || c == ':' || c == ' ' {
			break
		}
		if !isTagByte(c) {
			return "", "", b
		}
		i++
	}
	if i == 0 || i >= len(b) {
		return "", "", b
	}

	app = string(b[:i])
	rest := b[i:]

	if rest[0] == '[' {
		end := -1
		for j := 1; j < len(rest); j++ {
			if rest[j] == ']' {
				end = j
				break
			}
		}
		if end < 0 || end+1 >= len(rest) || rest[end+1] != ':' {
			return "", "", b
		}
		procID = string(rest[1:end])
		rest = rest[end+2:]
	} else if rest[0] == ':' {
		rest = rest[1:]
	} else {
		// Bare space: not a TAG, leave content untouched.
		return "", "", b
	}

	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	return app, procID, rest
}

func isTagByte(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	case c == '-' || c == '_' || c == '.' || c == '/':
		return true
	}
	return false
}
