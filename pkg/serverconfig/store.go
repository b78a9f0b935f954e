package serverconfig

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
)

var bucketTools = []byte("tools")

// ToolStore persists fetched tool descriptors in a BoltDB file so the catalog
// survives a process restart.
type ToolStore struct {
	db *bolt.DB
}

// OpenToolStore opens (or creates) the store at path.
func OpenToolStore(path string) (*ToolStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("serverconfig: create store directory: %w", err)
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("serverconfig: open tool store: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTools)
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("serverconfig: create bucket %q: %w", bucketTools, err)
	}
	return &ToolStore{db: db}, nil
}

// Put replaces the descriptors stored for serverID.
func (s *ToolStore) Put(serverID string, tools []ToolDescriptor) error {
	data, err := json.Marshal(tools)
	if err != nil {
		return fmt.Errorf("serverconfig: marshal tools for %q: %w", serverID, err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTools).Put([]byte(serverID), data)
	})
}

// Get returns the descriptors stored for serverID.
func (s *ToolStore) Get(serverID string) ([]ToolDescriptor, bool, error) {
	var tools []ToolDescriptor
	found := false
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTools).Get([]byte(serverID))
		if data == nil {
			return nil
		}
		found = true
		return json.Unmarshal(data, &tools)
	})
	if err != nil {
		return nil, false, fmt.Errorf("serverconfig: read tools for %q: %w", serverID, err)
	}
	return tools, found, nil
}

// Delete drops the descriptors stored for serverID.
func (s *ToolStore) Delete(serverID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTools).Delete([]byte(serverID))
	})
}

// ServerIDs lists every server with stored descriptors.
func (s *ToolStore) ServerIDs() ([]string, error) {
	var ids []string
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTools).ForEach(func(k, _ []byte) error {
			ids = append(ids, string(k))
			return nil
		})
	})
	return ids, err
}

// Close closes the underlying database.
func (s *ToolStore) Close() error {
	return s.db.Close()
}
