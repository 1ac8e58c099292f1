// SPDX-License-Identifier: MIT

package dsym

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"

	"github.com/dsymtools/dsymd/internal/log"
	"github.com/dsymtools/dsymd/internal/metrics"
)

const recordPrefix = "img:"

// Record is one indexed DWARF file, keyed by image UUID.
type Record struct {
	UUID      string    `json:"uuid"`
	Path      string    `json:"path"`             // the DWARF file itself
	Bundle    string    `json:"bundle,omitempty"` // enclosing .dSYM bundle, if any
	Arch      string    `json:"arch"`
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"modTime"`
	IndexedAt time.Time `json:"indexedAt"`
}

// Index is a Badger-backed UUID to DWARF-file index.
type Index struct {
	db     *badger.DB
	logger zerolog.Logger
}

// OpenIndex opens (or creates) the index database at path.
func OpenIndex(path string) (*Index, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open index at %s: %w", path, err)
	}
	idx := &Index{db: db, logger: log.WithComponent("index")}
	idx.publishSize(context.Background())
	return idx, nil
}

// Close closes the underlying database.
func (i *Index) Close() error { return i.db.Close() }

// Put stores or replaces the record for rec.UUID.
func (i *Index) Put(ctx context.Context, rec *Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal index record: %w", err)
	}
	key := []byte(recordPrefix + rec.UUID)
	return i.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, buf)
	})
}

// Get returns the record for a UUID, re-validated against the file on disk.
// A missing or stale record yields (nil, nil); the stale record is dropped.
func (i *Index) Get(ctx context.Context, uuid string) (*Record, error) {
	key := []byte(recordPrefix + uuid)
	var rec Record
	err := i.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}

	info, err := os.Stat(rec.Path)
	if err != nil || info.Size() != rec.Size || !info.ModTime().Equal(rec.ModTime) {
		i.logger.Debug().
			Str(log.FieldUUID, uuid).
			Str(log.FieldPath, rec.Path).
			Msg("dropping stale index record")
		_ = i.Delete(ctx, uuid)
		return nil, nil
	}
	return &rec, nil
}

// Delete removes the record for a UUID.
func (i *Index) Delete(ctx context.Context, uuid string) error {
	key := []byte(recordPrefix + uuid)
	err := i.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	})
	if err == nil {
		i.publishSize(ctx)
	}
	return err
}

// List returns all records, unordered.
func (i *Index) List(ctx context.Context) ([]*Record, error) {
	var list []*Record
	prefix := []byte(recordPrefix)
	err := i.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			}); err != nil {
				continue
			}
			list = append(list, &rec)
		}
		return nil
	})
	return list, err
}

// publishSize refreshes the index size gauge.
func (i *Index) publishSize(ctx context.Context) {
	if recs, err := i.List(ctx); err == nil {
		metrics.SetIndexSize(len(recs))
	}
}
