// Package regcache is a bbolt-backed secondary index over the Holder's
// in-memory registry (spec §4.1). It is not the source of truth — KvStore
// and the in-memory Holder tree are. Holder writes a summary on every
// Persist and rebuilds the cache after recovery; the RPC handlers,
// including list, read the Holder rather than this cache.
package regcache

import (
	"encoding/json"
	"fmt"

	"github.com/cuemby/portod/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

var bucketContainers = []byte("containers")

// Summary is the denormalized view of a container kept in the cache.
type Summary struct {
	Name       string `json:"name"`
	ParentName string `json:"parent_name"`
	State      string `json:"state"`
	RootPID    int    `json:"root_pid"`
	CreatedAt  int64  `json:"created_at"`
}

// Cache wraps a bbolt database holding one bucket of JSON-encoded Summary
// records, keyed by container name.
type Cache struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt file at path and ensures the
// containers bucket exists.
func Open(path string) (*Cache, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, errors.Wrap(errors.Unknown, err, "open regcache %s", path)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketContainers)
		return err
	})
	if err != nil {
		db.Close()
		return nil, errors.Wrap(errors.Unknown, err, "create regcache bucket")
	}

	return &Cache{db: db}, nil
}

// Close closes the underlying database.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Put upserts a container's summary.
func (c *Cache) Put(s Summary) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(s)
		if err != nil {
			return fmt.Errorf("marshal summary for %s: %w", s.Name, err)
		}
		return tx.Bucket(bucketContainers).Put([]byte(s.Name), data)
	})
}

// Get returns the cached summary for name, or ErrorKind ContainerDoesNotExist
// if no entry is cached.
func (c *Cache) Get(name string) (Summary, error) {
	var s Summary
	err := c.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketContainers).Get([]byte(name))
		if data == nil {
			return errors.New(errors.ContainerDoesNotExist, "no cached summary for %s", name)
		}
		return json.Unmarshal(data, &s)
	})
	return s, err
}

// Delete removes name's cached summary. Deleting a name with no entry is a
// no-op, matching bbolt's own Delete semantics.
func (c *Cache) Delete(name string) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).Delete([]byte(name))
	})
}

// List returns every cached summary, in bbolt's key (lexical name) order.
func (c *Cache) List() ([]Summary, error) {
	var out []Summary
	err := c.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketContainers).ForEach(func(k, v []byte) error {
			var s Summary
			if err := json.Unmarshal(v, &s); err != nil {
				return fmt.Errorf("unmarshal summary for %s: %w", k, err)
			}
			out = append(out, s)
			return nil
		})
	})
	return out, err
}

// Rebuild atomically replaces the entire bucket's contents with summaries,
// used by recovery (§4.6) after reconstructing the registry from KvStore so
// the cache never observes a partially-rebuilt registry.
func (c *Cache) Rebuild(summaries []Summary) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		if err := tx.DeleteBucket(bucketContainers); err != nil && err != bolt.ErrBucketNotFound {
			return err
		}
		b, err := tx.CreateBucket(bucketContainers)
		if err != nil {
			return err
		}
		for _, s := range summaries {
			data, err := json.Marshal(s)
			if err != nil {
				return fmt.Errorf("marshal summary for %s: %w", s.Name, err)
			}
			if err := b.Put([]byte(s.Name), data); err != nil {
				return err
			}
		}
		return nil
	})
}
