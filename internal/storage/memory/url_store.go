// Package memory provides in-memory repository implementations for development/testing.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/url-indexer/internal/indexing"
)

// URLStore is an in-memory indexing.URLRepository.
type URLStore struct {
	mu      sync.RWMutex
	items   map[string]indexing.URLItem
	history map[string][]indexing.Transition
}

// NewURLStore constructs a URLStore.
func NewURLStore() *URLStore {
	return &URLStore{
		items:   make(map[string]indexing.URLItem),
		history: make(map[string][]indexing.Transition),
	}
}

// Create stores new items. Items without a status start as pending.
func (s *URLStore) Create(_ context.Context, items ...indexing.URLItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, item := range items {
		if item.ID == "" {
			return fmt.Errorf("url item id is required")
		}
		if _, exists := s.items[item.ID]; exists {
			return fmt.Errorf("url item %s already exists", item.ID)
		}
	}
	for _, item := range items {
		if item.Status == "" {
			item.Status = indexing.StatusPending
		}
		if item.LastTransitionAt.IsZero() {
			item.LastTransitionAt = item.CreatedAt
		}
		s.items[item.ID] = cloneItem(item)
	}
	return nil
}

// Select returns matching items in selection order.
func (s *URLStore) Select(_ context.Context, sel indexing.Selection) ([]indexing.URLItem, error) {
	s.mu.RLock()
	out := make([]indexing.URLItem, 0)
	for _, item := range s.items {
		if sel.Matches(item) {
			out = append(out, cloneItem(item))
		}
	}
	s.mu.RUnlock()

	indexing.SortForSelection(out)
	if sel.Limit > 0 && len(out) > sel.Limit {
		out = out[:sel.Limit]
	}
	return out, nil
}

// CountByStatus counts items in any of the statuses.
func (s *URLStore) CountByStatus(_ context.Context, statuses ...indexing.Status) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, item := range s.items {
		for _, status := range statuses {
			if item.Status == status {
				count++
				break
			}
		}
	}
	return count, nil
}

// CompareAndSwap replaces the stored item when its status still equals expected.
func (s *URLStore) CompareAndSwap(
	_ context.Context,
	expected indexing.Status,
	item indexing.URLItem,
	rec indexing.Transition,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.items[item.ID]
	if !ok {
		return indexing.ErrNotFound
	}
	if stored.Status != expected {
		return indexing.ErrStatusConflict
	}
	s.items[item.ID] = cloneItem(item)
	s.history[item.ID] = append(s.history[item.ID], rec)
	return nil
}

// Get fetches an item by ID.
func (s *URLStore) Get(_ context.Context, id string) (indexing.URLItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[id]
	if !ok {
		return indexing.URLItem{}, indexing.ErrNotFound
	}
	return cloneItem(item), nil
}

// History returns the transitions recorded for an item.
func (s *URLStore) History(_ context.Context, id string) ([]indexing.Transition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.items[id]; !ok {
		return nil, indexing.ErrNotFound
	}
	recs := s.history[id]
	out := make([]indexing.Transition, len(recs))
	copy(out, recs)
	return out, nil
}

func cloneItem(item indexing.URLItem) indexing.URLItem {
	if item.RetryAt != nil {
		ts := *item.RetryAt
		item.RetryAt = &ts
	}
	return item
}
