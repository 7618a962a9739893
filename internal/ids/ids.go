// Package ids generates identifiers. Memories, pressure vectors and decay
// observations get ULIDs so they sort by creation time; hooks get UUIDs.
package ids

import (
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	mu      sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// ULID returns a new ULID stamped with t.
func ULID(t time.Time) string {
	mu.Lock()
	defer mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// Hook returns a new hook id.
func Hook() string {
	return uuid.NewString()
}
