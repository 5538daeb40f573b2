package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cuemby/burrow/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var (
	// Bucket names
	bucketSnapshots = []byte("snapshots")
	bucketResources = []byte("resources")
)

// BoltStore implements Store using BoltDB
type BoltStore struct {
	db *bolt.DB
}

// NewBoltStore creates a new BoltDB-backed store in dataDir
func NewBoltStore(dataDir string) (*BoltStore, error) {
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "burrow.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketSnapshots, bucketResources} {
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

// Close closes the database
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// SaveSnapshot replaces the stored snapshot of the snapshot's instance.
// Invalid snapshots are rejected.
func (s *BoltStore) SaveSnapshot(ctx context.Context, snap *types.RecoverySnapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := snap.Validate(); err != nil {
		return err
	}
	stored := cloneSnapshot(snap)
	data, err := json.Marshal(stored)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Put([]byte(stored.ResourceID), data)
	})
}

func (s *BoltStore) LoadSnapshot(ctx context.Context, resourceID string) (*types.RecoverySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snap types.RecoverySnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketSnapshots).Get([]byte(resourceID))
		if data == nil {
			return snapshotNotFound(resourceID)
		}
		return json.Unmarshal(data, &snap)
	})
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *BoltStore) ListSnapshots(ctx context.Context) ([]*types.RecoverySnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var snaps []*types.RecoverySnapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).ForEach(func(k, v []byte) error {
			var snap types.RecoverySnapshot
			if err := json.Unmarshal(v, &snap); err != nil {
				return fmt.Errorf("failed to decode snapshot %s: %w", k, err)
			}
			snaps = append(snaps, &snap)
			return nil
		})
	})
	return snaps, err
}

func (s *BoltStore) DeleteSnapshot(ctx context.Context, resourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketSnapshots).Delete([]byte(resourceID))
	})
}

func (s *BoltStore) SaveResource(ctx context.Context, inst *types.ResourceInstance) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(inst)
	if err != nil {
		return fmt.Errorf("failed to encode resource: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Put([]byte(inst.ID), data)
	})
}

func (s *BoltStore) ListResources(ctx context.Context) ([]*types.ResourceInstance, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var resources []*types.ResourceInstance
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).ForEach(func(k, v []byte) error {
			var inst types.ResourceInstance
			if err := json.Unmarshal(v, &inst); err != nil {
				return fmt.Errorf("failed to decode resource %s: %w", k, err)
			}
			resources = append(resources, &inst)
			return nil
		})
	})
	return resources, err
}

func (s *BoltStore) DeleteResource(ctx context.Context, resourceID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketResources).Delete([]byte(resourceID))
	})
}

func snapshotNotFound(resourceID string) error {
	return fmt.Errorf("%w: %s", types.ErrSnapshotNotFound, resourceID)
}
