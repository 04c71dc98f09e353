package utils

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

var idSeq uint64

// GenThreadID generates a unique thread ID from the current UTC nanosecond
// timestamp and an atomic sequence number. The format is
// "thread-<timestamp>-<seq>".
func GenThreadID() string {
	n := time.Now().UTC().UnixNano()
	s := atomic.AddUint64(&idSeq, 1)
	return fmt.Sprintf("thread-%d-%d", n, s)
}

// GenGuestID synthesizes a random guest identifier for callers whose
// network address could not be determined.
func GenGuestID() string {
	return "unknown_guest_" + uuid.NewString()
}

// NormalizeAddr turns a network address into an identifier-safe string by
// replacing dots and colons with underscores. IPv6 zone separators are
// dropped.
func NormalizeAddr(addr string) string {
	r := strings.NewReplacer(".", "_", ":", "_", "%", "")
	return r.Replace(strings.TrimSpace(addr))
}

// MakeSlug creates a URL-friendly slug from a title and an ID. It lowercases
// the title, replaces non-alphanumeric runs with a dash, and appends the ID.
func MakeSlug(title, id string) string {
	t := strings.ToLower(title)
	var b strings.Builder
	lastDash := false
	for _, r := range t {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastDash = false
		} else {
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	s := strings.Trim(b.String(), "-")
	if s == "" {
		s = "t"
	}
	return fmt.Sprintf("%s-%s", s, id)
}
