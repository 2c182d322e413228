// ABOUTME: Settings persistence used by the manager
// ABOUTME: Defines the Store interface and an in-memory implementation
package manager

import (
	"sync"

	"github.com/picapico/audioshare/internal/settings"
)

// Store loads and saves user settings. *settings.FileStore satisfies it.
type Store interface {
	Load() settings.Settings
	Save(settings.Settings) error
}

// MemoryStore keeps settings in memory
type MemoryStore struct {
	mu    sync.Mutex
	s     settings.Settings
	saves int
}

// NewMemoryStore returns a store seeded with s
func NewMemoryStore(s settings.Settings) *MemoryStore {
	return &MemoryStore{s: s.Clone()}
}

// Load returns a copy of the stored settings
func (m *MemoryStore) Load() settings.Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.s.Clone()
}

// Save replaces the stored settings
func (m *MemoryStore) Save(s settings.Settings) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.s = s.Clone()
	m.saves++
	return nil
}

// Saves returns how many times Save was called
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}
