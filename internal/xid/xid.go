// Package xid mints opaque identifiers for records that never round-trip
// through the database sequence, such as audit log entries.
package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a prefixed identifier built from the current time and eight
// random bytes. Uniqueness is best-effort: when the random source fails the
// id degrades to the timestamp alone, which is good enough for log rows.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}
