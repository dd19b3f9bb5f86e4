package objectstore

import (
	"errors"
	"fmt"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// BadgerBackend persists objects in an embedded badger database so refs
// survive a node restart. An optional TTL bounds object lifetime; zero means
// objects live until deleted.
type BadgerBackend struct {
	db     *badger.DB
	ttl    time.Duration
	stopGC chan struct{}
}

// NewBadgerBackend opens (or creates) the database at dir.
func NewBadgerBackend(dir string, ttl time.Duration) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("objectstore: open badger: %w", err)
	}

	b := &BadgerBackend{db: db, ttl: ttl, stopGC: make(chan struct{})}
	go b.gcLoop()
	return b, nil
}

func (b *BadgerBackend) Put(key string, val []byte) error {
	return b.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(key), val)
		if b.ttl > 0 {
			entry = entry.WithTTL(b.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (b *BadgerBackend) Get(key string) ([]byte, error) {
	var val []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		val, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (b *BadgerBackend) Delete(key string) error {
	return b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(key))
	})
}

func (b *BadgerBackend) Close() error {
	close(b.stopGC)
	return b.db.Close()
}

// gcLoop reclaims value-log space periodically. Badger only does this when
// asked; without it deleted and expired objects keep their disk.
func (b *BadgerBackend) gcLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for b.db.RunValueLogGC(0.5) == nil {
			}
		case <-b.stopGC:
			return
		}
	}
}
