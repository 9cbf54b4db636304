package knowledge

import "sync"

// Applied remembers which items a consumer has already applied so that
// redelivered items are skipped. Memory is bounded; the oldest IDs are forgotten first.
type Applied struct {
	mu    sync.Mutex
	seen  map[string]struct{}
	order []string
	limit int
}

// NewApplied returns a set remembering at most limit IDs.
func NewApplied(limit int) *Applied {
	if limit < 1 {
		limit = 1
	}
	return &Applied{
		seen:  make(map[string]struct{}, limit),
		limit: limit,
	}
}

// Mark records the ID and reports whether it was new.
func (a *Applied) Mark(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.seen[id]; ok {
		return false
	}
	if len(a.order) >= a.limit {
		oldest := a.order[0]
		a.order = a.order[1:]
		delete(a.seen, oldest)
	}
	a.seen[id] = struct{}{}
	a.order = append(a.order, id)
	return true
}

// Len returns the number of remembered IDs.
func (a *Applied) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.order)
}
