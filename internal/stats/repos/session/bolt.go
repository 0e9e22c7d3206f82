package session

import (
	"errors"
	"os"
	"time"

	bbolt "go.etcd.io/bbolt"
)

var bucketSession = []byte("session")

// BoltOptions configures a bbolt backed session store.
type BoltOptions struct {
	// Path of the database file. Processes that share a session share the path.
	Path string
	// Ephemeral removes the file on Close, ending the session for every
	// process that shares it.
	Ephemeral bool
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// boltStore implements Store using bbolt.
type boltStore struct {
	db        *bbolt.DB
	path      string
	ephemeral bool
}

// NewBolt opens (or creates) a session database and ensures its bucket exists.
func NewBolt(opts BoltOptions) (Store, error) {
	if opts.Path == "" {
		return nil, errors.New("session path is required")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = time.Second
	}
	db, err := bbolt.Open(opts.Path, 0o600, &bbolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, err
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketSession)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &boltStore{db: db, path: opts.Path, ephemeral: opts.Ephemeral}, nil
}

func (s *boltStore) Get(key string) (string, bool, error) {
	var (
		value string
		found bool
	)
	err := s.db.View(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketSession)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(key)); v != nil {
			value, found = string(v), true
		}
		return nil
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		err = ErrClosed
	}
	return value, found, err
}

func (s *boltStore) Set(key, value string) error {
	return s.update(func(b *bbolt.Bucket) error {
		return b.Put([]byte(key), []byte(value))
	})
}

func (s *boltStore) Delete(key string) error {
	return s.update(func(b *bbolt.Bucket) error {
		return b.Delete([]byte(key))
	})
}

func (s *boltStore) update(fn func(b *bbolt.Bucket) error) error {
	err := s.db.Update(func(tx *bbolt.Tx) error {
		return fn(tx.Bucket(bucketSession))
	})
	if errors.Is(err, bbolt.ErrDatabaseNotOpen) {
		return ErrClosed
	}
	return err
}

func (s *boltStore) Close() error {
	err := s.db.Close()
	if s.ephemeral {
		if rmErr := os.Remove(s.path); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
			return errors.Join(err, rmErr)
		}
	}
	return err
}

var _ Store = (*boltStore)(nil)
