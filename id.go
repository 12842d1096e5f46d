package caravan

import (
	"time"

	"github.com/google/uuid"
)

// NewID returns a UUIDv7 string. UUIDv7 is time-ordered, so ids created
// later sort lexicographically after ids created earlier. Message and run
// ordering relies on this.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns the current Unix timestamp in seconds.
func NowUnix() int64 {
	return time.Now().Unix()
}
