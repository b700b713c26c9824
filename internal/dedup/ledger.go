// Package dedup remembers which insights were already published so an event
// seen by consecutive poll cycles is posted once.
package dedup

import (
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// DefaultCapacity bounds the in-memory ledger.
const DefaultCapacity = 10000

// Ledger records published insight keys.
type Ledger interface {
	Seen(key string) (bool, error)
	Mark(key string, at time.Time) error
	Close() error
}

// Memory is a bounded process-local ledger. Once full, the oldest key is
// forgotten first.
type Memory struct {
	mu       sync.Mutex
	keys     mapset.Set[string]
	order    []string
	capacity int
}

func NewMemory(capacity int) *Memory {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Memory{
		keys:     mapset.NewThreadUnsafeSet[string](),
		capacity: capacity,
	}
}

func (m *Memory) Seen(key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys.Contains(key), nil
}

func (m *Memory) Mark(key string, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.keys.Add(key) {
		return nil
	}
	m.order = append(m.order, key)
	for len(m.order) > m.capacity {
		m.keys.Remove(m.order[0])
		m.order = m.order[1:]
	}
	return nil
}

// Len returns the number of remembered keys.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keys.Cardinality()
}

func (m *Memory) Close() error { return nil }

var _ Ledger = (*Memory)(nil)
