// Package event defines the normalized syslog event shared by every
// pipeline stage. Events are created by the parser and treated as
// immutable once stored; stages that need to mutate (tagging before
// forwarding) work on a copy.
package event

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Syslog priority bounds.
const (
	MaxFacility = 23
	MaxSeverity = 7
)

var (
	ErrEmptyPayload  = errors.New("empty payload")
	ErrFacilityRange = errors.New("facility out of range")
	ErrSeverityRange = errors.New("severity out of range")
)

// Format identifies which wire format produced an event.
type Format string

const (
	FormatLegacy     Format = "rfc3164"
	FormatStructured Format = "rfc5424"
)

// StructuredData maps SD-ID to its parameter key/value pairs.
type StructuredData map[string]map[string]string

// Event is the normalized record produced by the wire parser.
type Event struct {
	ID            string         `json:"id"`
	SourceAddress string         `json:"source_address"`
	ReceivedAt    time.Time      `json:"received_at"`
	Format        Format         `json:"format"`

	Facility int `json:"facility"`
	Severity int `json:"severity"`

	// Timestamp is the device-asserted time. Device clocks are untrusted;
	// zero means the message carried none we could read.
	Timestamp time.Time `json:"timestamp,omitempty"`

	Hostname       string         `json:"hostname,omitempty"`
	AppName        string         `json:"app_name,omitempty"`
	ProcID         string         `json:"proc_id,omitempty"`
	MsgID          string         `json:"msg_id,omitempty"`
	StructuredData StructuredData `json:"structured_data,omitempty"`
	Message        string         `json:"message"`

	// Classifier output.
	DeviceType string   `json:"device_type,omitempty"`
	EventType  string   `json:"event_type,omitempty"`
	Tags       []string `json:"tags,omitempty"`

	// ParseWarning marks a best-effort decode of malformed input.
	ParseWarning bool `json:"parse_warning,omitempty"`

	// RawMessage is the original wire payload, retained verbatim.
	RawMessage []byte `json:"raw_message"`
}

// NewID returns a time-sortable unique event ID.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails if the entropy source does; fall back to v4.
		return uuid.NewString()
	}
	return id.String()
}

// ValidatePriority rejects out-of-range facility/severity values. Range
// violations reject the event outright rather than coercing.
func ValidatePriority(facility, severity int) error {
	if facility < 0 || facility > MaxFacility {
		return fmt.Errorf("%w: %d", ErrFacilityRange, facility)
	}
	if severity < 0 || severity > MaxSeverity {
		return fmt.Errorf("%w: %d", ErrSeverityRange, severity)
	}
	return nil
}

// Priority returns the encoded syslog priority value.
func (e *Event) Priority() int {
	return e.Facility*8 + e.Severity
}

// HasTag reports whether the event carries the given tag.
func (e *Event) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AddTag appends a tag if not already present.
func (e *Event) AddTag(tag string) {
	if !e.HasTag(tag) {
		e.Tags = append(e.Tags, tag)
	}
}

// Clone returns a copy whose tag set and structured data are independent
// of the original. Used when a stage needs a mutable forwarding-time copy
// of an already-stored event.
func (e *Event) Clone() *Event {
	cp := *e
	if e.Tags != nil {
		cp.Tags = append([]string(nil), e.Tags...)
	}
	if e.StructuredData != nil {
		cp.StructuredData = make(StructuredData, len(e.StructuredData))
		for id, params := range e.StructuredData {
			p := make(map[string]string, len(params))
			for k, v := range params {
				p[k] = v
			}
			cp.StructuredData[id] = p
		}
	}
	if e.RawMessage != nil {
		cp.RawMessage = append([]byte(nil), e.RawMessage...)
	}
	return &cp
}

// SizeEstimate approximates the retained footprint of the event in bytes.
// The retention ceiling is enforced against the sum of these estimates, so
// the estimate only has to be stable, not exact.
func (e *Event) SizeEstimate() int64 {
	n := len(e.RawMessage) + len(e.Message) + len(e.Hostname) +
		len(e.AppName) + len(e.ProcID) + len(e.MsgID) +
		len(e.ID) + len(e.SourceAddress) +
		len(e.DeviceType) + len(e.EventType)
	for _, t := range e.Tags {
		n += len(t)
	}
	for id, params := range e.StructuredData {
		n += len(id)
		for k, v := range params {
			n += len(k) + len(v)
		}
	}
	// Fixed per-event overhead for timestamps, ints and headers.
	return int64(n) + 64
}
