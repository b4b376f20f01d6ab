package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
)

const (
	objPrefix  = "obj:"
	metaPrefix = "meta:"
)

type badgerMeta struct {
	ContentType  string            `json:"contentType"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Size         int64             `json:"size"`
	LastModified time.Time         `json:"lastModified"`
}

// BadgerStorage implements ImageStore on an embedded badger database.
// Each object is two keys written in one transaction: the bytes and a
// small JSON metadata record, so listing never loads image data.
type BadgerStorage struct {
	db  *badger.DB
	now func() time.Time
}

// NewBadgerStorage opens (or creates) a badger store at dir. An in-memory
// store ignores dir.
func NewBadgerStorage(dir string, inMemory bool) (*BadgerStorage, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	return &BadgerStorage{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}, nil
}

// Get returns the object bytes or nil if the key does not exist
func (b *BadgerStorage) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(objPrefix + key))
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	return data, nil
}

// Put stores data and metadata atomically
func (b *BadgerStorage) Put(ctx context.Context, key string, data []byte, contentType string, metadata map[string]string) error {
	if err := validateKey(key); err != nil {
		return err
	}

	meta, err := json.Marshal(badgerMeta{
		ContentType:  contentType,
		Metadata:     metadata,
		Size:         int64(len(data)),
		LastModified: b.now(),
	})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(objPrefix+key), data); err != nil {
			return err
		}
		return txn.Set([]byte(metaPrefix+key), meta)
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

// Head returns object info or nil if the key does not exist
func (b *BadgerStorage) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var info *ObjectInfo
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(metaPrefix + key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			info, err = decodeMeta(key, val)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("head %s: %w", key, err)
	}
	return info, nil
}

func decodeMeta(key string, val []byte) (*ObjectInfo, error) {
	var meta badgerMeta
	if err := json.Unmarshal(val, &meta); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &ObjectInfo{
		Key:          key,
		Size:         meta.Size,
		ContentType:  meta.ContentType,
		LastModified: meta.LastModified.UTC(),
	}, nil
}

// ListByPrefix iterates the metadata keys under prefix in key order. The
// listing is collected inside one read transaction and yielded afterwards.
func (b *BadgerStorage) ListByPrefix(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		var objects []ObjectInfo
		err := b.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = []byte(metaPrefix + prefix)
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Rewind(); it.Valid(); it.Next() {
				if err := ctx.Err(); err != nil {
					return err
				}
				item := it.Item()
				key := strings.TrimPrefix(string(item.Key()), metaPrefix)
				err := item.Value(func(val []byte) error {
					info, err := decodeMeta(key, val)
					if err != nil {
						return err
					}
					objects = append(objects, *info)
					return nil
				})
				if err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			yield(ObjectInfo{}, fmt.Errorf("list %q: %w", prefix, err))
			return
		}

		for _, obj := range objects {
			if !yield(obj, nil) {
				return
			}
		}
	}
}

// Close closes the underlying database
func (b *BadgerStorage) Close() error {
	return b.db.Close()
}
