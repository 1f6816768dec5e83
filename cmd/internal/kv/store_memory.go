package kv

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]map[string]Item // deviceID -> key -> item
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]map[string]Item)}
}

func (s *MemoryStore) Get(ctx context.Context, deviceID, key string) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	it, ok := s.items[deviceID][key]
	if !ok {
		return Item{}, ErrNotFound
	}
	return clone(it), nil
}

func (s *MemoryStore) Upsert(ctx context.Context, deviceID, key string, value json.RawMessage, creatorIP string, now time.Time) (Item, error) {
	if err := ctx.Err(); err != nil {
		return Item{}, err
	}
	if err := ValidateKey(key); err != nil {
		return Item{}, err
	}
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()

	s.mu.Lock()
	defer s.mu.Unlock()
	dev := s.items[deviceID]
	if dev == nil {
		dev = make(map[string]Item)
		s.items[deviceID] = dev
	}
	it, ok := dev[key]
	if !ok {
		it = Item{DeviceID: deviceID, Key: key, CreatorIP: creatorIP, CreatedAt: now}
	} else if creatorIP != "" {
		it.CreatorIP = creatorIP
	}
	it.Value = append(json.RawMessage(nil), value...)
	it.UpdatedAt = now
	dev[key] = it
	return clone(it), nil
}

func (s *MemoryStore) Delete(ctx context.Context, deviceID, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[deviceID][key]; !ok {
		return ErrNotFound
	}
	delete(s.items[deviceID], key)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, deviceID string, opts ListOptions) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	out := make([]Item, 0, len(s.items[deviceID]))
	for _, it := range s.items[deviceID] {
		it.Value = nil
		out = append(out, it)
	}
	s.mu.RUnlock()
	sortItems(out, opts.normalized())
	return out, nil
}

func (s *MemoryStore) Count(ctx context.Context, deviceID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items[deviceID]), nil
}

func (s *MemoryStore) CountAll(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, dev := range s.items {
		n += len(dev)
	}
	return n, nil
}

func clone(it Item) Item {
	it.Value = append(json.RawMessage(nil), it.Value...)
	return it
}
