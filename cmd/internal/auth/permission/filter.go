// Package permission scopes an app install to its slice of a device's key space.
package permission

import (
	"errors"
	"fmt"
	"strings"

	"classworks/cmd/identity"
)

// GlobalKeys are readable by every install regardless of prefix.
var GlobalKeys = []string{"_info", "_check", "_hint", "_keys"}

// ErrDenied is the sentinel behind DeniedError.
var ErrDenied = errors.New("permission denied")

// DeniedError names the rejected key and the prefix that would have allowed it.
type DeniedError struct {
	Key    string
	Prefix string
}

func (e DeniedError) Error() string {
	return fmt.Sprintf("no access to key %q: requires prefix %q or a special permission", e.Key, e.Prefix+".")
}

func (e DeniedError) Unwrap() error { return ErrDenied }

// Filter decides key access for one app install.
type Filter struct {
	prefix  string
	special []string
}

// New builds a Filter from the install's app prefix and special permissions.
// An empty prefix marks a first-party app and allows every key.
func New(prefix string, special []string) Filter {
	out := make([]string, 0, len(special))
	for _, p := range special {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return Filter{prefix: strings.TrimSpace(prefix), special: out}
}

// ForInstall builds the Filter for an install of app.
func ForInstall(app identity.App, inst identity.AppInstall) Filter {
	return New(app.PermissionPrefix, inst.SpecialPermissions)
}

// Unrestricted reports whether the filter allows every key.
func (f Filter) Unrestricted() bool { return f.prefix == "" }

// Allowed reports whether key is readable/writable through this install.
func (f Filter) Allowed(key string) bool {
	if f.Unrestricted() || isGlobal(key) {
		return true
	}
	if strings.HasPrefix(key, f.prefix+".") {
		return true
	}
	for _, p := range f.special {
		if key == p || strings.HasPrefix(key, p+".") {
			return true
		}
	}
	return false
}

// Check returns a DeniedError when key is not allowed.
func (f Filter) Check(key string) error {
	if f.Allowed(key) {
		return nil
	}
	return DeniedError{Key: key, Prefix: f.prefix}
}

// FilterKeys returns the allowed subset of keys, preserving order.
func (f Filter) FilterKeys(keys []string) []string {
	if f.Unrestricted() {
		return keys
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if f.Allowed(k) {
			out = append(out, k)
		}
	}
	return out
}

func isGlobal(key string) bool {
	for _, g := range GlobalKeys {
		if key == g {
			return true
		}
	}
	return false
}
