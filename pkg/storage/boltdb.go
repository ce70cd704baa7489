package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"dmorch/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketUsers          = []byte("users")
	bucketGroupworkspace = []byte("groupworkspaces")
	bucketQuotas         = []byte("storage_quotas")
	bucketMigrations     = []byte("migrations")
	bucketArchives       = []byte("migration_archives")
	bucketFiles          = []byte("migration_files")
	bucketRequests       = []byte("migration_requests")
)

// BoltStore implements Store using an embedded BoltDB database, one bucket
// per entity kind.
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore opens (creating if necessary) the request store at dataDir.
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "dmorch.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		buckets := [][]byte{
			bucketUsers,
			bucketGroupworkspace,
			bucketQuotas,
			bucketMigrations,
			bucketArchives,
			bucketFiles,
			bucketRequests,
		}
		for _, bucket := range buckets {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("failed to create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error {
	return s.db.Close()
}

// Users

func (s *BoltStore) CreateUser(user *types.User) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(user)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put([]byte(user.Name), data)
	})
}

func (s *BoltStore) GetUser(name string) (*types.User, error) {
	var user types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketUsers).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &user)
	})
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *BoltStore) ListUsers() ([]*types.User, error) {
	var users []*types.User
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var u types.User
			if err := json.Unmarshal(v, &u); err != nil {
				return err
			}
			users = append(users, &u)
			return nil
		})
	})
	return users, err
}

// Groupworkspaces

func (s *BoltStore) CreateGroupworkspace(ws *types.Groupworkspace) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(ws)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketGroupworkspace).Put([]byte(ws.Workspace), data)
	})
}

func (s *BoltStore) GetGroupworkspace(name string) (*types.Groupworkspace, error) {
	var ws types.Groupworkspace
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketGroupworkspace).Get([]byte(name))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &ws)
	})
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *BoltStore) ListGroupworkspaces() ([]*types.Groupworkspace, error) {
	var all []*types.Groupworkspace
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketGroupworkspace).ForEach(func(k, v []byte) error {
			var ws types.Groupworkspace
			if err := json.Unmarshal(v, &ws); err != nil {
				return err
			}
			all = append(all, &ws)
			return nil
		})
	})
	return all, err
}

// Storage quotas

func quotaKey(workspace, storageKind string) []byte {
	return []byte(workspace + "\x00" + storageKind)
}

func (s *BoltStore) PutStorageQuota(q *types.StorageQuota) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(q)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketQuotas).Put(quotaKey(q.Workspace, q.StorageKind), data)
	})
}

func (s *BoltStore) GetStorageQuota(workspace, storageKind string) (*types.StorageQuota, error) {
	var q types.StorageQuota
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketQuotas).Get(quotaKey(workspace, storageKind))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &q)
	})
	if err != nil {
		return nil, err
	}
	return &q, nil
}

func (s *BoltStore) ListStorageQuotas() ([]*types.StorageQuota, error) {
	var all []*types.StorageQuota
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketQuotas).ForEach(func(k, v []byte) error {
			var q types.StorageQuota
			if err := json.Unmarshal(v, &q); err != nil {
				return err
			}
			all = append(all, &q)
			return nil
		})
	})
	return all, err
}

// Migrations

func (s *BoltStore) CreateMigration(m *types.Migration) error {
	return s.UpdateMigration(m)
}

func (s *BoltStore) GetMigration(id string) (*types.Migration, error) {
	var m types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketMigrations).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &m)
	})
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *BoltStore) GetMigrationByOriginalPath(originalPath string) (*types.Migration, error) {
	var found *types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).ForEach(func(k, v []byte) error {
			var m types.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			if m.CommonPath == originalPath {
				found = &m
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BoltStore) ListMigrations() ([]*types.Migration, error) {
	var all []*types.Migration
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).ForEach(func(k, v []byte) error {
			var m types.Migration
			if err := json.Unmarshal(v, &m); err != nil {
				return err
			}
			all = append(all, &m)
			return nil
		})
	})
	return all, err
}

func (s *BoltStore) UpdateMigration(m *types.Migration) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(m)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketMigrations).Put([]byte(m.ID), data)
	})
}

func (s *BoltStore) DeleteMigration(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketMigrations).Delete([]byte(id))
	})
}

// Archives

func (s *BoltStore) CreateArchive(a *types.MigrationArchive) error {
	return s.UpdateArchive(a)
}

func (s *BoltStore) GetArchive(id string) (*types.MigrationArchive, error) {
	var a types.MigrationArchive
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketArchives).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &a)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (s *BoltStore) ListArchivesByMigration(migrationID string) ([]*types.MigrationArchive, error) {
	var all []*types.MigrationArchive
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchives).ForEach(func(k, v []byte) error {
			var a types.MigrationArchive
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.MigrationID == migrationID {
				all = append(all, &a)
			}
			return nil
		})
	})
	return all, err
}

func (s *BoltStore) UpdateArchive(a *types.MigrationArchive) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketArchives).Put([]byte(a.ID), data)
	})
}

func (s *BoltStore) DeleteArchive(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketArchives).Delete([]byte(id))
	})
}

// Files

func (s *BoltStore) CreateFile(f *types.MigrationFile) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(f)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFiles).Put([]byte(f.ID), data)
	})
}

func (s *BoltStore) GetFile(id string) (*types.MigrationFile, error) {
	var f types.MigrationFile
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketFiles).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &f)
	})
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (s *BoltStore) ListFilesByArchive(archiveID string) ([]*types.MigrationFile, error) {
	var all []*types.MigrationFile
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).ForEach(func(k, v []byte) error {
			var f types.MigrationFile
			if err := json.Unmarshal(v, &f); err != nil {
				return err
			}
			if f.ArchiveID == archiveID {
				all = append(all, &f)
			}
			return nil
		})
	})
	return all, err
}

func (s *BoltStore) DeleteFile(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketFiles).Delete([]byte(id))
	})
}

// Requests

func (s *BoltStore) CreateRequest(r *types.MigrationRequest) error {
	return s.UpdateRequest(r)
}

func (s *BoltStore) GetRequest(id string) (*types.MigrationRequest, error) {
	var r types.MigrationRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketRequests).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BoltStore) ListRequests() ([]*types.MigrationRequest, error) {
	var all []*types.MigrationRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var r types.MigrationRequest
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			all = append(all, &r)
			return nil
		})
	})
	return all, err
}

func (s *BoltStore) ListRequestsByStage(reqType types.RequestType, stage types.Stage) ([]*types.MigrationRequest, error) {
	var all []*types.MigrationRequest
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).ForEach(func(k, v []byte) error {
			var r types.MigrationRequest
			if err := json.Unmarshal(v, &r); err != nil {
				return err
			}
			if r.Type == reqType && r.Stage == stage {
				all = append(all, &r)
			}
			return nil
		})
	})
	return all, err
}

func (s *BoltStore) UpdateRequest(r *types.MigrationRequest) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRequests).Put([]byte(r.ID), data)
	})
}

func (s *BoltStore) DeleteRequest(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRequests).Delete([]byte(id))
	})
}

// ClaimRequest is the only critical section in the system: it reads the
// request and, within the same Update transaction, flips locked false->true
// only if the request is unlocked and still at wantStage. BoltDB serializes
// all writers, so this check-then-set needs no separate compare-and-swap
// primitive the way a SQL row update would.
func (s *BoltStore) ClaimRequest(id string, wantStage types.Stage) (*types.MigrationRequest, bool, error) {
	var claimed *types.MigrationRequest
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var r types.MigrationRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		if r.Locked || r.Stage != wantStage {
			return nil
		}
		r.Locked = true
		out, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		if err := b.Put([]byte(id), out); err != nil {
			return err
		}
		claimed = &r
		return nil
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, false, nil
		}
		return nil, false, err
	}
	if claimed == nil {
		return nil, false, nil
	}
	return claimed, true, nil
}

func (s *BoltStore) ReleaseRequest(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRequests)
		data := b.Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		var r types.MigrationRequest
		if err := json.Unmarshal(data, &r); err != nil {
			return err
		}
		r.Locked = false
		out, err := json.Marshal(&r)
		if err != nil {
			return err
		}
		return b.Put([]byte(id), out)
	})
}
