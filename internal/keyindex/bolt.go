package keyindex

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

// boltKV implementa KV sobre bbolt. Cada familia es un bucket top-level.
type boltKV struct {
	db *bolt.DB
}

// NewBoltKV abre (o crea) la base bbolt en path.
func NewBoltKV(path string) (KV, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("keyindex: mkdir %s: %w", filepath.Dir(path), err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("keyindex: open bolt %s: %w", path, err)
	}
	return &boltKV{db: db}, nil
}

func (b *boltKV) Put(family, key, value string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt, err := tx.CreateBucketIfNotExists([]byte(family))
		if err != nil {
			return fmt.Errorf("create bucket %s: %w", family, err)
		}
		return bkt.Put([]byte(key), []byte(value))
	})
}

func (b *boltKV) Get(family, key string) string {
	var out string
	_ = b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(family))
		if bkt == nil {
			return nil
		}
		if v := bkt.Get([]byte(key)); v != nil {
			out = string(v)
		}
		return nil
	})
	return out
}

func (b *boltKV) Delete(family, key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(family))
		if bkt == nil {
			return nil
		}
		return bkt.Delete([]byte(key))
	})
}

func (b *boltKV) DeleteTree(family string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(family)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(family))
	})
}

func (b *boltKV) Keys(family string) ([]string, error) {
	var keys []string
	err := b.db.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(family))
		if bkt == nil {
			return nil
		}
		return bkt.ForEach(func(k, _ []byte) error {
			keys = append(keys, string(k))
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("keyindex: walk %s: %w", family, err)
	}
	return keys, nil
}

func (b *boltKV) Close() error {
	return b.db.Close()
}
