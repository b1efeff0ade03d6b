// CIM - OpenID Connect Provider and Policy Engine
// Copyright 2026 The CIM Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/cimidp/cim

/*
Package badgerdb implements the storage backend on BadgerDB.

Rows are goccy-JSON values under "<kind>/<id>" keys, so a kind is one
key prefix and listings are prefix scans. TTL-bearing rows use Badger's
native entry TTL; expired rows vanish from reads without a sweeper.

The Keys singleton update runs in a managed read-modify-write
transaction. Badger detects write conflicts at commit, which maps to
storage.ErrKeysConflict: exactly the optimistic-concurrency failure the
key rotator treats as "another instance won".

Listings decode every row of the kind. Entity cardinalities here are
small (users, clients, policies), with the two hot kinds (auth_request,
auth_code) read by exact id.
*/
package badgerdb

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"

	"github.com/cimidp/cim/internal/models"
	"github.com/cimidp/cim/internal/storage"
)

// Store is the BadgerDB backend.
type Store struct {
	db *badger.DB
}

// Open opens (or creates) a Badger database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil // Suppress BadgerDB internal logs
	// Provider state is small; shrink the value log from its 1GB default.
	opts.ValueLogFileSize = 64 << 20
	// Durability over throughput for credential and key material.
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return &Store{db: db}, nil
}

// FromDB wraps an existing Badger handle, useful in tests.
func FromDB(db *badger.DB) *Store {
	return &Store{db: db}
}

// rowKey builds the key for one object.
func rowKey(kind, id string) []byte {
	return []byte(kind + "/" + id)
}

// kindPrefix is the scan prefix covering every row of a kind.
func kindPrefix(kind string) []byte {
	return []byte(kind + "/")
}

// Put upserts the row, applying ttl as a native Badger entry TTL.
func (s *Store) Put(_ context.Context, obj models.Object, ttl time.Duration) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return fmt.Errorf("marshal %s %q: %w", obj.Kind(), obj.GetID(), err)
	}

	return s.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry(rowKey(obj.Kind(), obj.GetID()), data)
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}
		return txn.SetEntry(entry)
	})
}

// Get loads one row into out. Expired entries are absent by Badger's
// own TTL handling.
func (s *Store) Get(_ context.Context, out models.Object, id string) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(rowKey(out.Kind(), id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return storage.ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("get %s %q: %w", out.Kind(), id, err)
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, out)
		})
	})
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

// collect prefix-scans the kind, decodes and filters.
func (s *Store) collect(kind string, filter map[string]string, includeDeleted bool) ([]models.Object, error) {
	var matched []models.Object

	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = true
		it := txn.NewIterator(iopts)
		defer it.Close()

		prefix := kindPrefix(kind)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			obj, err := storage.NewObject(kind)
			if err != nil {
				return err
			}
			err = it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, obj)
			})
			if err != nil {
				return fmt.Errorf("decode %s row: %w", kind, err)
			}
			if obj.IsDeleted() && !includeDeleted {
				continue
			}
			if obj.MatchesFilter(filter) {
				matched = append(matched, obj)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
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

// UpdateKeys runs updater inside one transaction. A commit conflict
// with a concurrent updater surfaces as storage.ErrKeysConflict.
func (s *Store) UpdateKeys(_ context.Context, updater storage.KeysUpdater) error {
	txn := s.db.NewTransaction(true)
	defer txn.Discard()

	key := rowKey(models.KindKeys, models.KeysID)

	var current *models.Keys
	found := false
	item, err := txn.Get(key)
	switch {
	case errors.Is(err, badger.ErrKeyNotFound):
		// Bootstrap path.
	case err != nil:
		return fmt.Errorf("get keys: %w", err)
	default:
		current = &models.Keys{}
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, current)
		}); err != nil {
			return fmt.Errorf("decode keys: %w", err)
		}
		found = true
	}

	updated, err := updater(current, found)
	if err != nil {
		return err
	}
	if updated == nil {
		return nil
	}

	data, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshal keys: %w", err)
	}
	if err := txn.Set(key, data); err != nil {
		return fmt.Errorf("set keys: %w", err)
	}
	if err := txn.Commit(); err != nil {
		if errors.Is(err, badger.ErrConflict) {
			return storage.ErrKeysConflict
		}
		return fmt.Errorf("commit keys update: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
