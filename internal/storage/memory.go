package storage

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process key-value store with the same quota semantics as
// Store. It backs ephemeral sessions and tests.
type Memory struct {
	mu       sync.Mutex
	quota    int64
	data     map[string][]byte
	settings map[string]string
}

// NewMemory creates an empty Memory store. quota <= 0 uses DefaultQuota.
func NewMemory(quota int64) *Memory {
	if quota <= 0 {
		quota = DefaultQuota
	}
	return &Memory{
		quota:    quota,
		data:     make(map[string][]byte),
		settings: make(map[string]string),
	}
}

func (m *Memory) Get(key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *Memory) Set(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var used int64
	for k, v := range m.data {
		used += int64(len(k) + len(v))
	}
	var existing int64
	if v, ok := m.data[key]; ok {
		existing = int64(len(key) + len(v))
	}
	size := int64(len(key) + len(value))
	if used-existing+size > m.quota {
		return fmt.Errorf("writing %s (%d bytes, %d of %d used): %w", key, size, used, m.quota, ErrQuotaExceeded)
	}
	m.data[key] = append([]byte(nil), value...)
	return nil
}

func (m *Memory) Remove(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *Memory) Keys(prefix string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var keys []string
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *Memory) SetSetting(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.settings[key] = value
	return nil
}

func (m *Memory) GetSetting(key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.settings[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}
