// Package bolt provides a prefs.Store backed by a bbolt database. It suits
// hosts where several record prefixes share one file and the TOML
// rewrite-the-document approach would churn.
package bolt

import (
	"encoding/binary"

	bbolt "go.etcd.io/bbolt"

	"github.com/lycold/multidex/prefs"
)

var bucketName = []byte("record")

// Store keeps the record in a single bucket, one 8-byte big-endian value
// per key. bbolt fsyncs on commit, so SetAll is durable when it returns.
type Store struct {
	db *bbolt.DB
}

// Open opens (creating if needed) the database at path.
func Open(path string) (*Store, error) {
	db, err := bbolt.Open(path, 0o600, nil)
	if err != nil {
		return nil, err
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, berr := tx.CreateBucketIfNotExists(bucketName)
		return berr
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the database file.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Int64(key string) (int64, bool) {
	var (
		v  int64
		ok bool
	)
	_ = s.db.View(func(tx *bbolt.Tx) error {
		raw := tx.Bucket(bucketName).Get([]byte(key))
		if len(raw) == 8 {
			v = int64(binary.BigEndian.Uint64(raw))
			ok = true
		}
		return nil
	})
	return v, ok
}

func (s *Store) SetAll(values map[string]int64) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketName)
		for key, v := range values {
			var buf [8]byte
			binary.BigEndian.PutUint64(buf[:], uint64(v))
			if err := b.Put([]byte(key), buf[:]); err != nil {
				return err
			}
		}
		return nil
	})
}

var _ prefs.Store = (*Store)(nil)
