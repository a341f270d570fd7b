// Package adminstore is a derived, rebuildable read-side cache of
// groups and storage servers, backed by bbolt. It exists purely so the
// tracker's admin query handlers (SERVER_LIST_ALL_GROUPS, LIST_ONE_GROUP,
// LIST_STORAGE) can read cluster listings without taking the registry's
// write lock. The registry (pkg/registry) plus its flat-file snapshots
// remain the system of record; adminstore is filled from
// Registry.ListGroups/ListAllStorages by Rebuild (a call separate from
// Open) and kept current by the tracker's event subscriber through the
// Put/Delete methods, never written to directly by request handlers.
//
// Adapted from the teacher's pkg/storage.BoltStore, which persisted
// cluster Node/Service/Container objects as the Raft FSM's durable
// state. Here bbolt is deliberately downgraded to a CQRS-style
// projection: losing the adminstore file is never a data-loss event,
// only a rebuild-on-next-open event.
package adminstore

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketGroups   = []byte("groups")
	bucketStorages = []byte("storages")
)

// Store is a bbolt-backed read projection of groups and storage servers.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the admin store database under
// dataDir.
func Open(dataDir string) (*Store, error) {
	path := filepath.Join(dataDir, "admin.db")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open admin store %s: %w", path, ferr.Internal)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, b := range [][]byte{bucketGroups, bucketStorages} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("create admin store buckets: %w", ferr.Internal)
	}

	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// RegistrySnapshot is the subset of *registry.Registry adminstore needs
// to rebuild its projection.
type RegistrySnapshot interface {
	ListGroups() []*ftype.Group
	ListAllStorages() []*ftype.StorageServer
}

// Rebuild discards the current projection and repopulates it from reg,
// called once at startup after the registry has loaded its own
// snapshot.
func (s *Store) Rebuild(reg RegistrySnapshot) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketGroups, bucketStorages} {
			if err := tx.DeleteBucket(name); err != nil && err != bolt.ErrBucketNotFound {
				return err
			}
			if _, err := tx.CreateBucket(name); err != nil {
				return err
			}
		}

		gb := tx.Bucket(bucketGroups)
		for _, g := range reg.ListGroups() {
			data, err := json.Marshal(g)
			if err != nil {
				return err
			}
			if err := gb.Put([]byte(g.Name), data); err != nil {
				return err
			}
		}

		sb := tx.Bucket(bucketStorages)
		for _, st := range reg.ListAllStorages() {
			data, err := json.Marshal(st)
			if err != nil {
				return err
			}
			if err := sb.Put([]byte(st.ID), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// PutGroup upserts one group's projection, called by the registry's
// mutation path (via pkg/events) on every group add/delete.
func (s *Store) PutGroup(g *ftype.Group) error {
	data, err := json.Marshal(g)
	if err != nil {
		return fmt.Errorf("marshal group %q: %w", g.Name, ferr.Internal)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).Put([]byte(g.Name), data)
	})
}

// DeleteGroup removes a group's projection.
func (s *Store) DeleteGroup(name string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).Delete([]byte(name))
	})
}

// PutStorage upserts one storage server's projection.
func (s *Store) PutStorage(st *ftype.StorageServer) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal storage %q: %w", st.ID, ferr.Internal)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorages).Put([]byte(st.ID), data)
	})
}

// DeleteStorage removes a storage server's projection.
func (s *Store) DeleteStorage(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorages).Delete([]byte(id))
	})
}

// ListGroups implements SERVER_LIST_ALL_GROUPS.
func (s *Store) ListGroups() ([]*ftype.Group, error) {
	var out []*ftype.Group
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroups).ForEach(func(k, v []byte) error {
			var g ftype.Group
			if err := json.Unmarshal(v, &g); err != nil {
				return err
			}
			out = append(out, &g)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list groups: %w", ferr.Internal)
	}
	return out, nil
}

// Group implements LIST_ONE_GROUP.
func (s *Store) Group(name string) (*ftype.Group, error) {
	var g ftype.Group
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGroups).Get([]byte(name))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &g)
	})
	if err != nil {
		return nil, fmt.Errorf("get group %q: %w", name, ferr.Internal)
	}
	if !found {
		return nil, fmt.Errorf("group %q: %w", name, ferr.NotFound)
	}
	return &g, nil
}

// ListStorages implements LIST_STORAGE, filtered to one group.
func (s *Store) ListStorages(group string) ([]*ftype.StorageServer, error) {
	var out []*ftype.StorageServer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorages).ForEach(func(k, v []byte) error {
			var st ftype.StorageServer
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			if st.Group == group {
				out = append(out, &st)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list storages for group %q: %w", group, ferr.Internal)
	}
	return out, nil
}

// ListAllStorages implements LIST_STORAGE for the "every storage in the
// cluster" case (an empty group name on the wire).
func (s *Store) ListAllStorages() ([]*ftype.StorageServer, error) {
	var out []*ftype.StorageServer
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketStorages).ForEach(func(k, v []byte) error {
			var st ftype.StorageServer
			if err := json.Unmarshal(v, &st); err != nil {
				return err
			}
			out = append(out, &st)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("list all storages: %w", ferr.Internal)
	}
	return out, nil
}
