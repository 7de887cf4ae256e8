package store

import "errors"

// ErrNotFound is returned when a requested record does not exist in the store.
var ErrNotFound = errors.New("not found")

// Store defines the persistence interface.
type Store interface {
	// Config entries
	SaveEntry(e *Entry) error
	GetEntry(id string) (*Entry, error)
	DeleteEntry(id string) error
	ListEntries() ([]*Entry, error)

	// UpdateEntry atomically reads, modifies, and saves an entry in a single
	// transaction. Returns ErrNotFound if the entry does not exist.
	UpdateEntry(id string, fn func(e *Entry) error) error

	// Device registry, keyed by entry ID
	SaveDevice(dev *Device) error
	GetDevice(entryID string) (*Device, error)

	// Close the store
	Close() error
}
