package classify

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// signatureFile is the on-disk YAML layout.
type signatureFile struct {
	Signatures []Signature `yaml:"signatures"`
}

// LoadFile reads a signature set from a YAML file. Order in the file is
// evaluation order.
func LoadFile(path string) ([]Signature, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read signatures: %w", err)
	}
	var f signatureFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse signatures: %w", err)
	}
	for i, s := range f.Signatures {
		if s.Name == "" {
			return nil, fmt.Errorf("signature %d: missing name", i)
		}
	}
	return f.Signatures, nil
}

// DefaultSignatures is the compiled-in vendor signature set used when no
// signature file is configured.
func DefaultSignatures() []Signature {
	return []Signature{
		{Name: "cisco-ios", MessageContains: "%SEC-", DeviceType: "cisco", EventType: "security", Tags: []string{"network"}},
		{Name: "cisco-generic", MessageContains: "cisco", DeviceType: "cisco", Tags: []string{"network"}},
		{Name: "juniper", HostnameContains: "juniper", DeviceType: "juniper", Tags: []string{"network"}},
		{Name: "mikrotik", AppNameContains: "mikrotik", DeviceType: "mikrotik", Tags: []string{"network"}},
		{Name: "fortinet", MessageContains: "devid=fg", DeviceType: "fortinet", EventType: "firewall", Tags: []string{"firewall"}},
		{Name: "pfsense-filter", AppNameContains: "filterlog", DeviceType: "pfsense", EventType: "firewall", Tags: []string{"firewall"}},
		{Name: "sshd-auth", AppNameContains: "sshd", EventType: "auth", Tags: []string{"auth"}},
		{Name: "sudo", AppNameContains: "sudo", EventType: "auth", Tags: []string{"auth"}},
		{Name: "kernel", AppNameContains: "kernel", DeviceType: "linux", EventType: "kernel"},
		{Name: "cron", AppNameContains: "cron", DeviceType: "linux", EventType: "scheduled"},
		{Name: "link-state", MessageContains: "link down", EventType: "link", Tags: []string{"interface"}},
		{Name: "meta-origin", SDID: "origin", EventType: "daemon"},
	}
}
