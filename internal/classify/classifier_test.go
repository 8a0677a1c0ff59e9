package classify_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telhawk-syslog/internal/classify"
	"github.com/telhawk-systems/telhawk-syslog/internal/event"
)

func TestClassifier_Classify_FirstMatchWins(t *testing.T) {
	c := classify.New([]classify.Signature{
		{Name: "first", AppNameContains: "sshd", DeviceType: "linux", EventType: "auth"},
		{Name: "second", AppNameContains: "sshd", DeviceType: "other", EventType: "other"},
	})

	ev := &event.Event{AppName: "sshd"}
	c.Classify(ev)

	assert.Equal(t, "linux", ev.DeviceType)
	assert.Equal(t, "auth", ev.EventType)
}

func TestClassifier_Classify_FieldsFillIndependently(t *testing.T) {
	// A later signature can still fill a field the earlier match left empty.
	c := classify.New([]classify.Signature{
		{Name: "device-only", HostnameContains: "fw", DeviceType: "fortinet"},
		{Name: "event-only", MessageContains: "denied", EventType: "firewall"},
	})

	ev := &event.Event{Hostname: "fw-edge-01", Message: "traffic denied"}
	c.Classify(ev)

	assert.Equal(t, "fortinet", ev.DeviceType)
	assert.Equal(t, "firewall", ev.EventType)
}

func TestClassifier_Classify_CaseInsensitive(t *testing.T) {
	c := classify.New([]classify.Signature{
		{Name: "cisco", MessageContains: "%SEC-", DeviceType: "cisco"},
	})

	ev := &event.Event{Message: "%sec-6-ipaccesslogp: list 102 denied"}
	c.Classify(ev)

	assert.Equal(t, "cisco", ev.DeviceType)
}

func TestClassifier_Classify_AllConditionsMustHold(t *testing.T) {
	c := classify.New([]classify.Signature{
		{Name: "both", AppNameContains: "sshd", MessageContains: "failed", EventType: "auth-failure"},
	})

	ev := &event.Event{AppName: "sshd", Message: "Accepted publickey"}
	c.Classify(ev)
	assert.Empty(t, ev.EventType)

	ev = &event.Event{AppName: "sshd", Message: "Failed password for root"}
	c.Classify(ev)
	assert.Equal(t, "auth-failure", ev.EventType)
}

func TestClassifier_Classify_SDIDPresence(t *testing.T) {
	c := classify.New([]classify.Signature{
		{Name: "origin", SDID: "origin", EventType: "daemon"},
	})

	ev := &event.Event{}
	c.Classify(ev)
	assert.Empty(t, ev.EventType)

	ev = &event.Event{StructuredData: event.StructuredData{"origin": {"ip": "10.0.0.1"}}}
	c.Classify(ev)
	assert.Equal(t, "daemon", ev.EventType)
}

func TestClassifier_Classify_TagsAccumulate(t *testing.T) {
	c := classify.New([]classify.Signature{
		{Name: "a", AppNameContains: "sshd", Tags: []string{"auth"}},
		{Name: "b", MessageContains: "root", Tags: []string{"privileged", "auth"}},
	})

	ev := &event.Event{AppName: "sshd", Message: "session opened for root"}
	c.Classify(ev)

	assert.ElementsMatch(t, []string{"auth", "privileged"}, ev.Tags)
}

func TestClassifier_Classify_NoMatchLeavesEventUntouched(t *testing.T) {
	c := classify.New(classify.DefaultSignatures())

	ev := &event.Event{AppName: "myapp", Message: "nothing notable"}
	c.Classify(ev)

	assert.Empty(t, ev.DeviceType)
	assert.Empty(t, ev.EventType)
	assert.Empty(t, ev.Tags)
}

func TestClassifier_Reload(t *testing.T) {
	c := classify.New([]classify.Signature{
		{Name: "old", AppNameContains: "sshd", DeviceType: "old"},
	})

	c.Reload([]classify.Signature{
		{Name: "new", AppNameContains: "sshd", DeviceType: "new"},
	})

	ev := &event.Event{AppName: "sshd"}
	c.Classify(ev)
	assert.Equal(t, "new", ev.DeviceType)
}

func TestDefaultSignatures_KnownVendors(t *testing.T) {
	c := classify.New(classify.DefaultSignatures())

	tests := []struct {
		name       string
		ev         event.Event
		deviceType string
		eventType  string
	}{
		{"cisco ios", event.Event{Message: "%SEC-6-IPACCESSLOGP: list 102 denied tcp"}, "cisco", "security"},
		{"fortinet", event.Event{Message: `date=2025-06-15 devid=FG100E logid=0100`}, "fortinet", "firewall"},
		{"sshd", event.Event{AppName: "sshd", Message: "Failed password"}, "", "auth"},
		{"kernel", event.Event{AppName: "kernel", Message: "oom-killer invoked"}, "linux", "kernel"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev := tt.ev
			c.Classify(&ev)
			assert.Equal(t, tt.deviceType, ev.DeviceType)
			assert.Equal(t, tt.eventType, ev.EventType)
		})
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
signatures:
  - name: custom-fw
    hostname_contains: edge
    device_type: customfw
    event_type: firewall
    tags: [perimeter]
`), 0o644))

	sigs, err := classify.LoadFile(path)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, "custom-fw", sigs[0].Name)
	assert.Equal(t, "customfw", sigs[0].DeviceType)
	assert.Equal(t, []string{"perimeter"}, sigs[0].Tags)
}

func TestLoadFile_MissingName(t *testing.T) {
	path := filepath.Join(t.TempDir(), "signatures.yaml")
	require.NoError(t, os.WriteFile(path, []byte("signatures:\n  - device_type: x\n"), 0o644))

	_, err := classify.LoadFile(path)
	assert.ErrorContains(t, err, "missing name")
}

func TestLoadFile_NotFound(t *testing.T) {
	_, err := classify.LoadFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
