// Package blobstore holds the record-body storage collaborators the
// fetcher and pusher workers depend on: the local disk-backed blob store
// (has/get/put) and the secondary long-term storage driver interface the
// fetcher falls back to before asking peers.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrNotFound is returned by Get when a hash has no stored body.
var ErrNotFound = errors.New("blobstore: not found")

// Store is the local disk-backed body store.
type Store interface {
	Has(hash string) (bool, error)
	Get(hash string) ([]byte, error)
	Put(hash string, body []byte) error
}

// DiskStore stores each body as a flat file named by hash, split into a
// two-character shard prefix to keep any one directory from growing
// unbounded.
type DiskStore struct {
	root string
}

// NewDiskStore creates (if necessary) and returns a DiskStore rooted at dir.
func NewDiskStore(dir string) (*DiskStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create blob store directory: %w", err)
	}
	return &DiskStore{root: dir}, nil
}

func (d *DiskStore) pathFor(hash string) string {
	shard := hash
	if len(shard) > 2 {
		shard = shard[:2]
	}
	return filepath.Join(d.root, shard, hash)
}

// Has reports whether a body is stored for hash.
func (d *DiskStore) Has(hash string) (bool, error) {
	_, err := os.Stat(d.pathFor(hash))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Get returns the stored body for hash, or ErrNotFound if absent.
func (d *DiskStore) Get(hash string) ([]byte, error) {
	body, err := os.ReadFile(d.pathFor(hash))
	if os.IsNotExist(err) {
		return nil, ErrNotFound
	}
	return body, err
}

// Put stores body under hash, creating its shard directory if necessary.
func (d *DiskStore) Put(hash string, body []byte) error {
	path := d.pathFor(hash)
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, body, 0600)
}

// ColdStorage is the secondary long-term storage driver the fetcher
// consults before giving up and asking peers for a body. Distinct drivers
// (object storage, archival services) live outside this system's scope;
// only the interface is specified here.
type ColdStorage interface {
	// Fetch attempts to retrieve the body for hash. ok is false if the
	// driver has nothing for this hash; err is non-nil only on a genuine
	// failure (the caller's fetch loop treats both the same way: fall
	// through to asking peers).
	Fetch(ctx context.Context, hash string) (body []byte, ok bool, err error)
}

// NoColdStorage is the reference ColdStorage driver: it has nothing for any
// hash. Used when no secondary storage is configured.
type NoColdStorage struct{}

// Fetch always reports ok=false.
func (NoColdStorage) Fetch(ctx context.Context, hash string) ([]byte, bool, error) {
	return nil, false, nil
}
