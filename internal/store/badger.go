/*
 * Sandbox VM Manager - Badger State Store
 * Copyright (c) 2026 Quartz Cloud
 * All rights reserved.
 */

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/quartzcloud/sandboxd/internal/models"
)

// BadgerStore implements Store with Badger DB.
type BadgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) the state database at path.
func NewBadgerStore(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts.Logger = nil // badger's own logging is too chatty for a state store
	opts = opts.WithValueLogFileSize(1 << 20)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &BadgerStore{db: db}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func vmKey(id string) []byte {
	return []byte("vm:" + id)
}

// eventKey orders events per VM by timestamp; the event ID breaks ties.
func eventKey(e *models.LifecycleEvent) []byte {
	return []byte(fmt.Sprintf("event:%s:%020d:%s", e.VMID, e.Timestamp.UnixNano(), e.ID))
}

func eventPrefix(vmID string) []byte {
	return []byte("event:" + vmID + ":")
}

func (s *BadgerStore) CreateVM(ctx context.Context, record *models.VMRecord) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(vmKey(record.ID)); err == nil {
			return ErrExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		return txn.Set(vmKey(record.ID), data)
	})
}

func (s *BadgerStore) GetVM(ctx context.Context, id string) (*models.VMRecord, error) {
	var out models.VMRecord
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(vmKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(v []byte) error {
			return json.Unmarshal(v, &out)
		})
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *BadgerStore) ListVMs(ctx context.Context) ([]*models.VMRecord, error) {
	var records []*models.VMRecord
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("vm:")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var rec models.VMRecord
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &rec)
			}); err != nil {
				return err
			}
			records = append(records, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (s *BadgerStore) ListVMsByState(ctx context.Context, states ...models.VMState) ([]*models.VMRecord, error) {
	all, err := s.ListVMs(ctx)
	if err != nil {
		return nil, err
	}
	wanted := make(map[models.VMState]bool, len(states))
	for _, st := range states {
		wanted[st] = true
	}
	var records []*models.VMRecord
	for _, rec := range all {
		if wanted[rec.State] {
			records = append(records, rec)
		}
	}
	return records, nil
}

func (s *BadgerStore) UpdateVM(ctx context.Context, id string, mutate func(*models.VMRecord) error) (*models.VMRecord, error) {
	// Concurrent updates to the same record abort with ErrConflict at
	// commit. Retrying re-runs mutate against the winner's version, which is
	// exactly the read-modify-write the exclusivity marker needs.
	for {
		rec, err := s.updateVMOnce(id, mutate)
		if err == badger.ErrConflict {
			continue
		}
		return rec, err
	}
}

func (s *BadgerStore) updateVMOnce(id string, mutate func(*models.VMRecord) error) (*models.VMRecord, error) {
	var out *models.VMRecord
	err := s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(vmKey(id))
		if err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}

		var rec models.VMRecord
		if err := item.Value(func(v []byte) error {
			return json.Unmarshal(v, &rec)
		}); err != nil {
			return err
		}

		prevInstanceID := rec.InstanceID
		prevActivity := rec.LastActivityAt

		if err := mutate(&rec); err != nil {
			return err
		}

		// Record invariants hold no matter what the mutation did.
		if prevInstanceID != "" && rec.InstanceID != prevInstanceID {
			return ErrInstanceIDImmutable
		}
		if rec.LastActivityAt.Before(prevActivity) {
			rec.LastActivityAt = prevActivity
		}

		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		if err := txn.Set(vmKey(id), data); err != nil {
			return err
		}
		out = &rec
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) TouchActivity(ctx context.Context, id string, t time.Time) error {
	_, err := s.UpdateVM(ctx, id, func(rec *models.VMRecord) error {
		rec.Touch(t)
		return nil
	})
	return err
}

func (s *BadgerStore) DeleteVM(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(vmKey(id)); err != nil {
			if err == badger.ErrKeyNotFound {
				return ErrNotFound
			}
			return err
		}
		return txn.Delete(vmKey(id))
	})
}

func (s *BadgerStore) AppendEvent(ctx context.Context, event *models.LifecycleEvent) error {
	return s.db.Update(func(txn *badger.Txn) error {
		data, err := json.Marshal(event)
		if err != nil {
			return err
		}
		return txn.Set(eventKey(event), data)
	})
}

func (s *BadgerStore) ListEvents(ctx context.Context, vmID string) ([]*models.LifecycleEvent, error) {
	var events []*models.LifecycleEvent
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = eventPrefix(vmID)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			var ev models.LifecycleEvent
			if err := it.Item().Value(func(v []byte) error {
				return json.Unmarshal(v, &ev)
			}); err != nil {
				return err
			}
			events = append(events, &ev)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}
