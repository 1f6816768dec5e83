package identity

import "strings"

// NormalizeEmail performs case-insensitive canonicalization.
func NormalizeEmail(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// NormalizeNamespace trims surrounding whitespace. Namespaces stay case-sensitive.
func NormalizeNamespace(s string) string {
	return strings.TrimSpace(s)
}

// NormalizeDeviceUUID trims a client-chosen device UUID. Devices are looked up
// by exact value, so case is preserved.
func NormalizeDeviceUUID(s string) string {
	return strings.TrimSpace(s)
}
