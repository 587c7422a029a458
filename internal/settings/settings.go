// Package settings implements the Configuration Store: per-endpoint key/value
// settings addressed by a stable integer configuration id.
package settings

import (
	"sort"
	"strconv"
	"sync"
)

// Setting keys used by the endpoint model.
const (
	KeyDisplayName = "display_name"
	KeyHostname    = "hostname"
	KeyPort        = "port"
	KeyUsername    = "username"
	KeyPassword    = "password"
	KeyAutoConnect = "auto_connect"
	KeySSLDigest   = "ssl_digest"
)

// Store persists per-endpoint settings.
type Store interface {
	// Read returns the stored value for key, or def when it is unset.
	Read(id int, key, def string) string
	// Write persists a single value.
	Write(id int, key, value string) error
	// Remove erases every setting of an endpoint.
	Remove(id int) error
	// IDs lists the configured endpoint ids in ascending order.
	IDs() []int
}

// NextID returns the smallest id greater than every configured id.
func NextID(s Store) int {
	ids := s.IDs()
	if len(ids) == 0 {
		return 1
	}
	return ids[len(ids)-1] + 1
}

// MemoryStore is a Store that keeps everything in memory.
type MemoryStore struct {
	mu      sync.RWMutex
	servers map[int]map[string]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{servers: make(map[int]map[string]string)}
}

// Read implements Store.
func (m *MemoryStore) Read(id int, key, def string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if v, ok := m.servers[id][key]; ok {
		return v
	}
	return def
}

// Write implements Store.
func (m *MemoryStore) Write(id int, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	kv, ok := m.servers[id]
	if !ok {
		kv = make(map[string]string)
		m.servers[id] = kv
	}
	kv[key] = value
	return nil
}

// Remove implements Store.
func (m *MemoryStore) Remove(id int) error {
	m.mu.Lock()
	delete(m.servers, id)
	m.mu.Unlock()
	return nil
}

// IDs implements Store.
func (m *MemoryStore) IDs() []int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return sortedIDs(m.servers)
}

func sortedIDs(servers map[int]map[string]string) []int {
	ids := make([]int, 0, len(servers))
	for id := range servers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Bool parses a stored boolean, falling back to def on garbage.
func Bool(v string, def bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*FileStore)(nil)
)
