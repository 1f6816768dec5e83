// Package kv is the per-device key/value data plane. Every mutation is
// announced to the device's realtime room.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

var (
	ErrNotFound     = errors.New("kv: key not found")
	ErrInvalidInput = errors.New("kv: invalid input")
)

// MaxKeyLength bounds a key in bytes.
const MaxKeyLength = 512

// Item is one stored value with its metadata.
type Item struct {
	DeviceID  string
	Key       string
	Value     json.RawMessage
	CreatorIP string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Created reports whether the last upsert inserted the row.
func (i Item) Created() bool { return i.CreatedAt.Equal(i.UpdatedAt) }

// Sort orders for List.
const (
	SortKey       = "key"
	SortCreatedAt = "createdAt"
	SortUpdatedAt = "updatedAt"
)

// ListOptions selects the ordering of List.
type ListOptions struct {
	SortBy string
	Desc   bool
}

func (o ListOptions) normalized() ListOptions {
	switch o.SortBy {
	case SortKey, SortCreatedAt, SortUpdatedAt:
	default:
		o.SortBy = SortKey
	}
	return o
}

// Store persists items. List omits values.
type Store interface {
	Get(ctx context.Context, deviceID, key string) (Item, error)
	Upsert(ctx context.Context, deviceID, key string, value json.RawMessage, creatorIP string, now time.Time) (Item, error)
	Delete(ctx context.Context, deviceID, key string) error
	List(ctx context.Context, deviceID string, opts ListOptions) ([]Item, error)
	Count(ctx context.Context, deviceID string) (int, error)
	CountAll(ctx context.Context) (int, error)
}

// ValidateKey checks a key for storage.
func ValidateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.Join(ErrInvalidInput, errors.New("key is required"))
	}
	if len(key) > MaxKeyLength {
		return errors.Join(ErrInvalidInput, errors.New("key too long"))
	}
	return nil
}

// ValidateValue requires a non-empty JSON object.
func ValidateValue(v json.RawMessage) error {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(v, &obj); err != nil || obj == nil {
		return errors.Join(ErrInvalidInput, errors.New("value must be a JSON object"))
	}
	if len(obj) == 0 {
		return errors.Join(ErrInvalidInput, errors.New("value must not be empty"))
	}
	return nil
}

func sortItems(items []Item, o ListOptions) {
	less := func(a, b Item) bool {
		switch o.SortBy {
		case SortCreatedAt:
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.Before(b.CreatedAt)
			}
		case SortUpdatedAt:
			if !a.UpdatedAt.Equal(b.UpdatedAt) {
				return a.UpdatedAt.Before(b.UpdatedAt)
			}
		}
		return a.Key < b.Key
	}
	sort.Slice(items, func(i, j int) bool {
		if o.Desc {
			return less(items[j], items[i])
		}
		return less(items[i], items[j])
	})
}
