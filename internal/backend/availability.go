package backend

import "strings"

// Has reports whether this build can run on the named device.
func Has(name string) bool {
	switch name {
	case Host:
		return true
	case Accelerator:
		return acceleratorEnabled
	default:
		return false
	}
}

// Available returns a comma-separated list of available devices.
func Available() string {
	entries := []string{Host}
	if Has(Accelerator) {
		entries = append(entries, Accelerator)
	}
	return strings.Join(entries, ",")
}
