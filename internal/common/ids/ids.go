// Package ids generates sortable opaque identifiers.
package ids

import (
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	mu   sync.Mutex
	last int64
)

// New returns an insertion-ordered id: a monotonic unix-nano timestamp in
// base36 plus a short random suffix. Lexicographic order of ids from one
// process matches creation order.
func New() string {
	mu.Lock()
	now := time.Now().UnixNano()
	if now <= last {
		now = last + 1
	}
	last = now
	mu.Unlock()

	return fmt.Sprintf("%013s-%s", strconv.FormatInt(now, 36), uuid.NewString()[:8])
}
