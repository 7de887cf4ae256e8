package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

var (
	bucketEntries = []byte("entries")
	bucketDevices = []byte("devices")
)

// BoltStore implements Store using BoltDB.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens or creates a BoltDB database.
func NewBoltStore(path string) (*BoltStore, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketEntries, bucketDevices} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create buckets: %w", err)
	}

	return &BoltStore{db: db}, nil
}

func put(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.Put([]byte(key), data)
}

func get(tx *bolt.Tx, bucket []byte, key string, v any) error {
	b := tx.Bucket(bucket)
	if b == nil {
		return fmt.Errorf("bucket %q not found", bucket)
	}
	data := b.Get([]byte(key))
	if data == nil {
		return fmt.Errorf("%s %s: %w", bucket, key, ErrNotFound)
	}
	return json.Unmarshal(data, v)
}

func (s *BoltStore) SaveEntry(e *Entry) error {
	if e.ID == "" {
		return fmt.Errorf("save entry: empty id")
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return put(tx, bucketEntries, e.ID, e)
	})
}

func (s *BoltStore) GetEntry(id string) (*Entry, error) {
	var e Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketEntries, id, &e)
	})
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// DeleteEntry removes the entry and its device record.
func (s *BoltStore) DeleteEntry(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if b == nil {
			return fmt.Errorf("bucket %q not found", bucketEntries)
		}
		if b.Get([]byte(id)) == nil {
			return fmt.Errorf("entry %s: %w", id, ErrNotFound)
		}
		if err := b.Delete([]byte(id)); err != nil {
			return err
		}
		if d := tx.Bucket(bucketDevices); d != nil {
			return d.Delete([]byte(id))
		}
		return nil
	})
}

// ListEntries returns entries ordered by creation time.
func (s *BoltStore) ListEntries() ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if b == nil {
			return nil // no bucket = no entries
		}
		entries = make([]*Entry, 0, b.Stats().KeyN)
		return b.ForEach(func(k, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("entry %s: %w", k, err)
			}
			entries = append(entries, &e)
			return nil
		})
	})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	return entries, err
}

func (s *BoltStore) UpdateEntry(id string, fn func(e *Entry) error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		var e Entry
		if err := get(tx, bucketEntries, id, &e); err != nil {
			return err
		}
		if err := fn(&e); err != nil {
			return err
		}
		e.ID = id
		return put(tx, bucketEntries, id, &e)
	})
}

func (s *BoltStore) SaveDevice(dev *Device) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketEntries).Get([]byte(dev.EntryID)) == nil {
			return fmt.Errorf("entry %s: %w", dev.EntryID, ErrNotFound)
		}
		return put(tx, bucketDevices, dev.EntryID, dev)
	})
}

func (s *BoltStore) GetDevice(entryID string) (*Device, error) {
	var dev Device
	err := s.db.View(func(tx *bolt.Tx) error {
		return get(tx, bucketDevices, entryID, &dev)
	})
	if err != nil {
		return nil, err
	}
	return &dev, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}
