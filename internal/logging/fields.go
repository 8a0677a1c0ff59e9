package logging

import "log/slog"

// Common field names for consistent logging across the pipeline.
const (
	FieldComponent = "component"
	FieldSource    = "source"
	FieldTarget    = "target"
	FieldTransport = "transport"
	FieldEventID   = "event_id"
	FieldPartition = "partition"
	FieldRuleID    = "rule_id"
	FieldError     = "error"
	FieldCount     = "count"
	FieldBytes     = "bytes"
)

// Component returns a slog attribute for the pipeline component name.
func Component(name string) slog.Attr {
	return slog.String(FieldComponent, name)
}

// Source returns a slog attribute for a syslog source address.
func Source(addr string) slog.Attr {
	return slog.String(FieldSource, addr)
}

// Target returns a slog attribute for a forwarder target name.
func Target(name string) slog.Attr {
	return slog.String(FieldTarget, name)
}

// Transport returns a slog attribute for a network transport.
func Transport(t string) slog.Attr {
	return slog.String(FieldTransport, t)
}

// EventID returns a slog attribute for an event ID.
func EventID(id string) slog.Attr {
	return slog.String(FieldEventID, id)
}

// Partition returns a slog attribute for a retention partition key.
func Partition(key string) slog.Attr {
	return slog.String(FieldPartition, key)
}

// RuleID returns a slog attribute for a filter rule ID.
func RuleID(id string) slog.Attr {
	return slog.String(FieldRuleID, id)
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	return slog.String(FieldError, err.Error())
}

// Count returns a slog attribute for a count.
func Count(n int64) slog.Attr {
	return slog.Int64(FieldCount, n)
}

// Bytes returns a slog attribute for a byte size.
func Bytes(n int64) slog.Attr {
	return slog.Int64(FieldBytes, n)
}
