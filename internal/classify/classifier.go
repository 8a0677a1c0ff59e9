// Package classify enriches parsed events with a best-effort device type,
// event type and tags by matching an ordered signature list. It sits in
// the hot path before fan-out, so matching is O(signatures) per event and
// does no I/O.
package classify

import (
	"strings"
	"sync/atomic"

	"github.com/telhawk-systems/telhawk-syslog/internal/event"
)

// Signature is one pattern rule. All configured conditions must hold for
// the signature to match. First match wins per output field.
type Signature struct {
	Name string `yaml:"name"`

	// Match conditions (substring, case-insensitive). Empty means "any".
	HostnameContains string `yaml:"hostname_contains,omitempty"`
	AppNameContains  string `yaml:"app_name_contains,omitempty"`
	MessageContains  string `yaml:"message_contains,omitempty"`
	// SDID matches the presence of a structured-data element ID.
	SDID string `yaml:"sd_id,omitempty"`

	// Outputs. Empty outputs leave the corresponding field untouched.
	DeviceType string   `yaml:"device_type,omitempty"`
	EventType  string   `yaml:"event_type,omitempty"`
	Tags       []string `yaml:"tags,omitempty"`
}

type compiled struct {
	sig      Signature
	hostname string
	appName  string
	message  string
}

// Classifier applies a compiled signature set. The set is swapped
// atomically on reload so classification never blocks on a reload.
type Classifier struct {
	sigs atomic.Pointer[[]compiled]
}

// New builds a Classifier from the given signatures, in order.
func New(sigs []Signature) *Classifier {
	c := &Classifier{}
	c.Reload(sigs)
	return c
}

// Reload replaces the signature set. In-flight classifications keep the
// set they started with.
func (c *Classifier) Reload(sigs []Signature) {
	cs := make([]compiled, len(sigs))
	for i, s := range sigs {
		cs[i] = compiled{
			sig:      s,
			hostname: strings.ToLower(s.HostnameContains),
			appName:  strings.ToLower(s.AppNameContains),
			message:  strings.ToLower(s.MessageContains),
		}
	}
	c.sigs.Store(&cs)
}

// Classify populates DeviceType, EventType and Tags on the event. The
// first matching signature wins per field; unmatched fields stay unset.
func (c *Classifier) Classify(ev *event.Event) {
	sigs := *c.sigs.Load()
	if len(sigs) == 0 {
		return
	}

	hostname := strings.ToLower(ev.Hostname)
	appName := strings.ToLower(ev.AppName)
	message := strings.ToLower(ev.Message)

	for i := range sigs {
		s := &sigs[i]
		if !s.matches(ev, hostname, appName, message) {
			continue
		}
		if ev.DeviceType == "" && s.sig.DeviceType != "" {
			ev.DeviceType = s.sig.DeviceType
		}
		if ev.EventType == "" && s.sig.EventType != "" {
			ev.EventType = s.sig.EventType
		}
		for _, t := range s.sig.Tags {
			ev.AddTag(t)
		}
		if ev.DeviceType != "" && ev.EventType != "" {
			return
		}
	}
}

func (s *compiled) matches(ev *event.Event, hostname, appName, message string) bool {
	if s.hostname != "" && !strings.Contains(hostname, s.hostname) {
		return false
	}
	if s.appName != "" && !strings.Contains(appName, s.appName) {
		return false
	}
	if s.message != "" && !strings.Contains(message, s.message) {
		return false
	}
	if s.sig.SDID != "" {
		if _, ok := ev.StructuredData[s.sig.SDID]; !ok {
			return false
		}
	}
	return true
}
