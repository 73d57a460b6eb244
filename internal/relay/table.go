package relay

import (
	"errors"
	"net"
	"sync"
	"time"
)

var ErrPendingLimit = errors.New("relay: pending registration limit reached")

// Registration is one observer connection awaiting a single delivery.
type Registration struct {
	ID           string
	Subject      string
	Conn         net.Conn
	RegisteredAt time.Time
}

// SubjectTable keeps pending registrations per subject in registration order.
type SubjectTable struct {
	mu      sync.Mutex
	pending map[string][]*Registration
	count   int
}

func NewSubjectTable() *SubjectTable {
	return &SubjectTable{
		pending: make(map[string][]*Registration),
	}
}

// Add appends reg to its subject queue. limit <= 0 means unbounded.
func (t *SubjectTable) Add(reg *Registration, limit int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if limit > 0 && t.count >= limit {
		return ErrPendingLimit
	}
	t.pending[reg.Subject] = append(t.pending[reg.Subject], reg)
	t.count++
	return nil
}

// Take removes and returns every registration pending under subject.
func (t *SubjectTable) Take(subject string) []*Registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	regs, ok := t.pending[subject]
	if !ok {
		return nil
	}
	delete(t.pending, subject)
	t.count -= len(regs)
	return regs
}

// Remove drops reg if it is still pending and reports whether it was.
func (t *SubjectTable) Remove(reg *Registration) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	regs := t.pending[reg.Subject]
	for i, candidate := range regs {
		if candidate != reg {
			continue
		}
		if len(regs) == 1 {
			delete(t.pending, reg.Subject)
		} else {
			t.pending[reg.Subject] = append(regs[:i:i], regs[i+1:]...)
		}
		t.count--
		return true
	}
	return false
}

func (t *SubjectTable) Pending(subject string) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending[subject])
}

func (t *SubjectTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// Subjects returns pending counts keyed by subject.
func (t *SubjectTable) Subjects() map[string]int {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]int, len(t.pending))
	for subject, regs := range t.pending {
		out[subject] = len(regs)
	}
	return out
}

// Drain empties the table and returns everything that was pending.
func (t *SubjectTable) Drain() []*Registration {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]*Registration, 0, t.count)
	for subject, regs := range t.pending {
		out = append(out, regs...)
		delete(t.pending, subject)
	}
	t.count = 0
	return out
}
