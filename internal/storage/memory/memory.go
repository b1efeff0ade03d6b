// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

// Package memory implements the storage backend on process-local maps.
// Rows are kept JSON-encoded so readers always decode a private copy.
// Intended for tests and single-node development setups.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// row is one stored object, serialized.
type row struct {
	data      []byte
	createdAt time.Time
	deleted   bool
	expiresAt time.Time
}

func (r row) expired(now time.Time) bool {
	return !r.expiresAt.IsZero() && now.After(r.expiresAt)
}

// Store is the in-memory backend.
type Store struct {
	mu     sync.RWMutex
	tables map[string]map[string]row

	// keysMu serializes UpdateKeys so read-modify-write is atomic.
	keysMu sync.Mutex
}

// New creates an empty in-memory backend with all kinds initialized.
func New() *Store {
	tables := make(map[string]map[string]row, len(models.AllKinds()))
	for _, kind := range models.AllKinds() {
		tables[kind] = make(map[string]row)
	}
	return &Store{tables: tables}
}

// Put upserts the row, serializing obj.
func (s *Store) Put(_ context.Context, obj models.Object, ttl time.Duration) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}

	r := row{
		data:      data,
		createdAt: obj.GetCreatedAt(),
		deleted:   obj.IsDeleted(),
	}
	if ttl > 0 {
		r.expiresAt = time.Now().Add(ttl)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[obj.Kind()][obj.GetID()] = r
	return nil
}

// Get decodes the stored row into out. Expired rows behave as absent.
func (s *Store) Get(_ context.Context, out models.Object, id string) error {
	s.mu.RLock()
	r, ok := s.tables[out.Kind()][id]
	s.mu.RUnlock()

	if !ok || r.expired(time.Now()) {
		return storage.ErrNotFound
	}
	return json.Unmarshal(r.data, out)
}

// List returns the page of live rows matching opts, newest first.
func (s *Store) List(_ context.Context, kind string, opts models.ListOpts) ([]models.Object, error) {
	matched, err := s.collect(kind, opts.Filter, false)
	if err != nil {
		return nil, err
	}

	start := opts.Offset
	if start > len(matched) {
		start = len(matched)
	}
	end := len(matched)
	if opts.Limit > 0 && start+opts.Limit < end {
		end = start + opts.Limit
	}
	return matched[start:end], nil
}

// Count returns the number of rows matching the filter.
func (s *Store) Count(_ context.Context, kind string, opts models.ListOpts, unscoped bool) (int64, error) {
	matched, err := s.collect(kind, opts.Filter, unscoped)
	if err != nil {
		return 0, err
	}
	return int64(len(matched)), nil
}

// collect decodes, filters and sorts every candidate row.
func (s *Store) collect(kind string, filter map[string]string, includeDeleted bool) ([]models.Object, error) {
	now := time.Now()

	s.mu.RLock()
	rows := make([]row, 0, len(s.tables[kind]))
	for _, r := range s.tables[kind] {
		if r.expired(now) {
			continue
		}
		if r.deleted && !includeDeleted {
			continue
		}
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	matched := make([]models.Object, 0, len(rows))
	for _, r := range rows {
		obj, err := storage.NewObject(kind)
		if err != nil {
			return nil, err
		}
		if err := json.Unmarshal(r.data, obj); err != nil {
			return nil, err
		}
		if obj.MatchesFilter(filter) {
			matched = append(matched, obj)
		}
	}

	sort.SliceStable(matched, func(i, j int) bool {
		ci, cj := matched[i].GetCreatedAt(), matched[j].GetCreatedAt()
		if ci.Equal(cj) {
			return matched[i].GetID() > matched[j].GetID()
		}
		return ci.After(cj)
	})
	return matched, nil
}

// UpdateKeys runs updater under the keys lock. Conflicts cannot occur
// in-process, so ErrKeysConflict is never returned here.
func (s *Store) UpdateKeys(ctx context.Context, updater storage.KeysUpdater) error {
	s.keysMu.Lock()
	defer s.keysMu.Unlock()

	current := &models.Keys{}
	found := true
	switch err := s.Get(ctx, current, models.KeysID); {
	case errors.Is(err, storage.ErrNotFound):
		found = false
		current = nil
	case err != nil:
		return err
	}

	updated, err := updater(current, found)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}
	return s.Put(ctx, updated, 0)
}

// Close is a no-op for the in-memory backend.
func (s *Store) Close() error { return nil }
