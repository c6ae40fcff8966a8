package store

import (
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketPrefs = []byte("preferences")

// BoltKV stores values in a single bolt bucket.
type BoltKV struct{ db *bolt.DB }

func OpenBolt(path string) (*BoltKV, error) {
	db, err := bolt.Open(filepath.Clean(path), 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, e := tx.CreateBucketIfNotExists(bucketPrefs)
		return e
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &BoltKV{db: db}, nil
}

func (b *BoltKV) Close() error { return b.db.Close() }

func (b *BoltKV) Get(key string) ([]byte, bool, error) {
	var out []byte
	err := b.db.View(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketPrefs)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		// values are only valid inside the transaction
		if v := bk.Get([]byte(key)); v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, out != nil, nil
}

func (b *BoltKV) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketPrefs)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Put([]byte(key), value)
	})
}

func (b *BoltKV) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		bk := tx.Bucket(bucketPrefs)
		if bk == nil {
			return bolt.ErrBucketNotFound
		}
		return bk.Delete([]byte(key))
	})
}
