package cache

import (
	"container/list"
	"sync"
	"time"

	"StockScout/internal/model"
)

type memEntry struct {
	code       string
	snapshot   *model.StockSnapshot
	insertedAt time.Time
}

// memoryTier is a TTL-bounded map that evicts the oldest insertion when full.
type memoryTier struct {
	mu         sync.Mutex
	ttl        time.Duration
	maxEntries int
	order      *list.List // front = oldest insertion
	entries    map[string]*list.Element
}

func newMemoryTier(ttl time.Duration, maxEntries int) *memoryTier {
	return &memoryTier{
		ttl:        ttl,
		maxEntries: maxEntries,
		order:      list.New(),
		entries:    make(map[string]*list.Element),
	}
}

func (m *memoryTier) get(code string, now time.Time) (*model.StockSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.entries[code]
	if !ok {
		return nil, false
	}
	e := el.Value.(*memEntry)
	if now.Sub(e.insertedAt) < m.ttl {
		return e.snapshot, true
	}
	m.order.Remove(el)
	delete(m.entries, code)
	return nil, false
}

// put inserts or re-inserts code as the newest entry and returns the evicted
// code, if any.
func (m *memoryTier) put(code string, snap *model.StockSnapshot, now time.Time) (evicted string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if el, ok := m.entries[code]; ok {
		m.order.Remove(el)
	}
	m.entries[code] = m.order.PushBack(&memEntry{code: code, snapshot: snap, insertedAt: now})

	if m.order.Len() > m.maxEntries {
		oldest := m.order.Front()
		m.order.Remove(oldest)
		evicted = oldest.Value.(*memEntry).code
		delete(m.entries, evicted)
	}
	return evicted
}

func (m *memoryTier) remove(code string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	el, ok := m.entries[code]
	if !ok {
		return false
	}
	m.order.Remove(el)
	delete(m.entries, code)
	return true
}

func (m *memoryTier) clear() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.order.Len()
	m.order.Init()
	m.entries = make(map[string]*list.Element)
	return n
}

func (m *memoryTier) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.order.Len()
}
