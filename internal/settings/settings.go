// Package settings persists device-local preferences for the field companion.
package settings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"fieldline/internal/kv"
)

const storageKey = "mobile_settings"

// Settings are the user-tunable sync preferences.
type Settings struct {
	AutoSync            bool   `json:"autoSync"`
	WifiOnlySync        bool   `json:"wifiOnlySync"`
	SyncIntervalMinutes int    `json:"syncIntervalMinutes"`
	PhotoQuality        string `json:"photoQuality"`
	NotificationsMuted  bool   `json:"notificationsMuted"`
}

// Defaults returns the settings applied on first run.
func Defaults() Settings {
	return Settings{
		AutoSync:            true,
		WifiOnlySync:        false,
		SyncIntervalMinutes: 5,
		PhotoQuality:        "high",
	}
}

// Manager loads and saves settings through the local KV store.
type Manager struct {
	store kv.Store

	mu      sync.RWMutex
	current Settings
}

// NewManager loads persisted settings, falling back to defaults when
// none were saved yet.
func NewManager(ctx context.Context, store kv.Store) (*Manager, error) {
	m := &Manager{store: store, current: Defaults()}

	raw, err := store.Get(ctx, storageKey)
	if errors.Is(err, kv.ErrNotFound) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	if err := json.Unmarshal(raw, &m.current); err != nil {
		return nil, fmt.Errorf("decode settings: %w", err)
	}
	return m, nil
}

// Current returns a copy of the active settings.
func (m *Manager) Current() Settings {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update applies a mutation and persists the result.
func (m *Manager) Update(ctx context.Context, fn func(*Settings)) (Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current
	fn(&next)
	if next.SyncIntervalMinutes <= 0 {
		return m.current, fmt.Errorf("sync interval must be positive, got %d", next.SyncIntervalMinutes)
	}

	raw, err := json.Marshal(next)
	if err != nil {
		return m.current, fmt.Errorf("encode settings: %w", err)
	}
	if err := m.store.Put(ctx, storageKey, raw); err != nil {
		return m.current, fmt.Errorf("save settings: %w", err)
	}

	m.current = next
	return next, nil
}

// Reset restores defaults and persists them.
func (m *Manager) Reset(ctx context.Context) (Settings, error) {
	return m.Update(ctx, func(s *Settings) {
		*s = Defaults()
	})
}
