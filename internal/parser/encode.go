package parser

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
)

// EncodeLegacy serializes an event as an RFC 3164 message.
func EncodeLegacy(ev *event.Event) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<%d>", ev.Priority())

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = ev.ReceivedAt
	}
	sb.WriteString(ts.Format(time.Stamp))
	sb.WriteByte(' ')

	host := ev.Hostname
	if host == "" {
		host = ev.SourceAddress
	}
	sb.WriteString(host)
	sb.WriteByte(' ')

	if ev.AppName != "" {
		sb.WriteString(ev.AppName)
		if ev.ProcID != "" {
			fmt.Fprintf(&sb, "[%s]", ev.ProcID)
		}
		sb.WriteString(": ")
	}
	sb.WriteString(ev.Message)
	return []byte(sb.String())
}

// EncodeStructured serializes an event as an RFC 5424 message.
func EncodeStructured(ev *event.Event) []byte {
	var sb strings.Builder
	fmt.Fprintf(&sb, "<%d>1 ", ev.Priority())

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = ev.ReceivedAt
	}
	sb.WriteString(ts.Format(time.RFC3339Nano))

	writeField(&sb, ev.Hostname)
	writeField(&sb, ev.AppName)
	writeField(&sb, ev.ProcID)
	writeField(&sb, ev.MsgID)

	sb.WriteByte(' ')
	if len(ev.StructuredData) == 0 {
		sb.WriteByte('-')
	} else {
		// Deterministic element and parameter order for stable output.
		ids := make([]string, 0, len(ev.StructuredData))
		for id := range ev.StructuredData {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			sb.WriteByte('[')
			sb.WriteString(id)
			params := ev.StructuredData[id]
			names := make([]string, 0, len(params))
			for name := range params {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				fmt.Fprintf(&sb, " %s=\"%s\"", name, escapeSDValue(params[name]))
			}
			sb.WriteByte(']')
		}
	}

	if ev.Message != "" {
		sb.WriteByte(' ')
		sb.WriteString(ev.Message)
	}
	return []byte(sb.String())
}

// escapeSDValue escapes the three PARAM-VALUE specials per RFC 5424 §6.3.3.
func escapeSDValue(v string) string {
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `"`, `\"`)
	return strings.ReplaceAll(v, `]`, `\]`)
}

func writeField(sb *strings.Builder, v string) {
	sb.WriteByte(' ')
	if v == "" {
		sb.WriteByte('-')
	} else {
		sb.WriteString(v)
	}
}
