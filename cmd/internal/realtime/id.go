package realtime

import (
	"time"

	"classworks/cmd/identity/ids"
)

// newConnID returns the ULID used as a connection's senderId.
func newConnID(now time.Time) string { return ids.MustULID(now) }

// newEventID returns a ULID with a source prefix, e.g. "kv-01J...".
func newEventID(prefix string, now time.Time) string {
	id := ids.MustULID(now)
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
