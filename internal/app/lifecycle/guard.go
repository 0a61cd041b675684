package lifecycle

import (
	"fmt"
	"sync"
)

// TriggerGuard makes the check-then-set decision of the escalation paths
// atomic, so a dispatch runs at most once per key within this process.
// Horizontally scaled instances each keep their own set, a cross instance
// duplicate remains possible and is an accepted limitation.
type TriggerGuard struct {
	lock sync.Mutex
	seen map[string]struct{}
}

// NewTriggerGuard creates an empty guard
func NewTriggerGuard() *TriggerGuard {
	return &TriggerGuard{seen: make(map[string]struct{})}
}

// TryAcquire marks the key and tells if the caller was the first one.
// The network call guarded by the key must happen outside this lock
func (g *TriggerGuard) TryAcquire(key string) bool {
	g.lock.Lock()
	defer g.lock.Unlock()
	if _, ok := g.seen[key]; ok {
		return false
	}
	g.seen[key] = struct{}{}
	return true
}

// guard keys carry the text length so a job whose extracted text changes
// (the OCR placeholder giving way to real text) gets dispatched again
func guardKey(recordID, textLen int) string {
	return fmt.Sprintf("%d_%d", recordID, textLen)
}

func retryKey(recordID, textLen int) string {
	return "retry_" + guardKey(recordID, textLen)
}
