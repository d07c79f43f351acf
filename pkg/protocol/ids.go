package protocol

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// timestampLayout is ISO 8601 in UTC with millisecond precision.
const timestampLayout = "2006-01-02T15:04:05.000Z"

// NewID returns a fresh random 128-bit identifier encoded as 32 lower-case hex
// characters without separators, as used for instance, connection and request
// ids.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Timestamp formats t the way the service expects in X-Timestamp headers and
// telemetry payloads.
func Timestamp(t time.Time) string {
	return t.UTC().Format(timestampLayout)
}
