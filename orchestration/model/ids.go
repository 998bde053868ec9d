package model

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewExecutionID returns a random identifier for a NodeExecution or plan execution.
func NewExecutionID() string {
	return uuid.NewString()
}

// NewCorrelationID returns a fresh, lexically sortable correlation id.
// IDs generated by one process are strictly increasing.
func NewCorrelationID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}
