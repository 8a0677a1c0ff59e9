package parser

import (
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
)

// nilValue is the RFC 5424 placeholder for an absent field.
const nilValue = "-"

// parseRFC5424 decodes a structured syslog message. rest is the payload
// after the "<PRI>1 " marker.
//
// HEADER = TIMESTAMP SP HOSTNAME SP APP-NAME SP PROCID SP MSGID,
// followed by STRUCTURED-DATA and an optional MSG. Header fields that are
// missing or malformed set ParseWarning instead of failing; only the
// priority range check rejects.
func parseRFC5424(rest []byte, pri int) (*event.Event, error) {
	ev := &event.Event{Format: event.FormatStructured}

	facility, severity, err := splitPriority(pri)
	if err != nil {
		return nil, err
	}
	ev.Facility = facility
	ev.Severity = severity

	// TIMESTAMP (RFC 3339 with fractional seconds allowed).
	tok, after := nextToken(rest)
	if s := string(tok); s != nilValue {
		ts, tsErr := time.Parse(time.RFC3339Nano, s)
		if tsErr != nil {
			ev.ParseWarning = true
		} else {
			ev.Timestamp = ts
		}
	}
	rest = after

	ev.Hostname, rest = headerField(rest)
	ev.AppName, rest = headerField(rest)
	ev.ProcID, rest = headerField(rest)
	ev.MsgID, rest = headerField(rest)

	// STRUCTURED-DATA: "-" or one or more "[SD-ID k="v" ...]" elements.
	if len(rest) == 0 {
		ev.ParseWarning = true
		return ev, nil
	}
	if rest[0] == '-' {
		rest = rest[1:]
	} else if rest[0] == '[' {
		sd, after, ok := parseStructuredData(rest)
		if !ok {
			// Malformed SD block: keep what parsed, mark the event and
			// fall through with the remainder as message text.
			ev.ParseWarning = true
		}
		if len(sd) > 0 {
			ev.StructuredData = sd
		}
		rest = after
	} else {
		ev.ParseWarning = true
	}

	if len(rest) > 0 && rest[0] == ' ' {
		rest = rest[1:]
	}
	// Strip the optional UTF-8 BOM that introduces a UTF-8 MSG part.
	if len(rest) >= 3 && rest[0] == 0xEF && rest[1] == 0xBB && rest[2] == 0xBF {
		rest = rest[3:]
	}
	ev.Message = string(rest)

	return ev, nil
}

// headerField consumes one SP-delimited header token, mapping "-" to "".
func headerField(b []byte) (string, []byte) {
	tok, rest := nextToken(b)
	s := string(tok)
	if s == nilValue {
		s = ""
	}
	return s, rest
}

// parseStructuredData parses consecutive SD-ELEMENTs starting at b[0]=='['.
// Returns the parsed data, the remaining bytes, and whether the block was
// well formed end to end.
func parseStructuredData(b []byte) (event.StructuredData, []byte, bool) {
	sd := make(event.StructuredData)

	for len(b) > 0 && b[0] == '[' {
		b = b[1:]

		// SD-ID terminates at SP or ']'.
		i := 0
		for i < len(b) && b[i] != ' ' && b[i] != ']' {
			i++
		}
		if i == len(b) {
			return sd, b, false
		}
		id := string(b[:i])
		params := make(map[string]string)
		b = b[i:]

		// SD-PARAMs until the closing ']'.
		for len(b) > 0 && b[0] == ' ' {
			b = b[1:]
			var name, value string
			var ok bool
			name, value, b, ok = parseSDParam(b)
			if !ok {
				sd[id] = params
				return sd, b, false
			}
			params[name] = value
		}
		if len(b) == 0 || b[0] != ']' {
			sd[id] = params
			return sd, b, false
		}
		b = b[1:]
		sd[id] = params
	}

	return sd, b, true
}

// parseSDParam parses one `name="value"` pair. PARAM-VALUE escapes
// `\"`, `\\` and `\]` per RFC 5424 §6.3.3.
func parseSDParam(b []byte) (name, value string, rest []byte, ok bool) {
	eq := -1
	for i := 0; i < len(b); i++ {
		if b[i] == '=' {
			eq = i
			break
		}
		if b[i] == ']' || b[i] == ' ' {
			return "", "", b, false
		}
	}
	if eq < 0 || eq+1 >= len(b) || b[eq+1] != '"' {
		return "", "", b, false
	}
	name = string(b[:eq])
	b = b[eq+2:]

	var sb strings.Builder
	for i := 0; i < len(b); i++ {
		c := b[i]
		if c == '\\' && i+1 < len(b) {
			n := b[i+1]
			if n == '"' || n == '\\' || n == ']' {
				sb.WriteByte(n)
				i++
				continue
			}
		}
		if c == '"' {
			return name, sb.String(), b[i+1:], true
		}
		sb.WriteByte(c)
	}
	return "", "", b, false
}
