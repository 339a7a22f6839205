// Package ids generates the opaque prefixed identifiers used across the
// system. Formats are never parsed beyond uniqueness; the prefix only makes
// logs and support queries readable.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// newPrefixed returns "<prefix><unix_seconds><12 hex chars>",
// e.g. "os1735228800a1b2c3d4e5f6".
func newPrefixed(prefix string) string {
	buf := make([]byte, 6)
	_, _ = rand.Read(buf)
	return fmt.Sprintf("%s%d%s", prefix, time.Now().Unix(), hex.EncodeToString(buf))
}

// NewOrderID returns an order identifier ("ord...").
func NewOrderID() string { return newPrefixed("ord") }

// NewSliceID returns an order-slice identifier ("os...").
func NewSliceID() string { return newPrefixed("os") }

// NewExecutionID returns an execution identifier ("exec...").
func NewExecutionID() string { return newPrefixed("exec") }

// NewEventID returns a broker-event identifier ("evt...").
func NewEventID() string { return newPrefixed("evt") }

// NewTraceID returns a trace identifier ("t...").
func NewTraceID() string { return newPrefixed("t") }

// NewRequestID returns a request identifier ("r...").
func NewRequestID() string { return newPrefixed("r") }

// NewAttemptID returns a globally unique attempt identifier
// ("attempt-<uuid4>").
func NewAttemptID() string { return "attempt-" + uuid.NewString() }

// NewExecutorID returns a worker identity ("exec-worker-<8 hex>").
func NewExecutorID() string {
	return "exec-worker-" + uuid.NewString()[:8]
}

// NewHex returns n random hex characters.
func NewHex(n int) string {
	buf := make([]byte, (n+1)/2)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)[:n]
}
