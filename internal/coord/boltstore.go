package coord

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gofrs/flock"
	bolt "go.etcd.io/bbolt"
)

const (
	boltFileName   = "coord.db"
	boltBucketKey  = "nodes"
	lockFileName   = "coord.lock"
	versionEncSize = 4
)

// BoltStore is a Client persisted in a bbolt file, so transition nodes
// survive a coordinator restart on the same host. Watches are delivered
// in-process. The data directory is flock-guarded against a second
// coordinator opening it.
type BoltStore struct {
	mu     sync.Mutex
	db     *bolt.DB
	lock   *flock.Flock
	disp   *dispatcher
	closed bool
}

var _ Client = (*BoltStore)(nil)

// OpenBoltStore opens or creates the store under dir.
func OpenBoltStore(dir string) (*BoltStore, error) {
	if dir == "" {
		return nil, fmt.Errorf("coord directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	fileLock := flock.New(filepath.Join(dir, lockFileName))
	held, err := fileLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("lock coord directory: %w", err)
	}
	if !held {
		return nil, fmt.Errorf("coord directory %s is in use by another process", dir)
	}
	db, err := bolt.Open(filepath.Join(dir, boltFileName), 0o600, &bolt.Options{Timeout: 0})
	if err != nil {
		_ = fileLock.Unlock()
		return nil, err
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(boltBucketKey))
		return err
	}); err != nil {
		_ = db.Close()
		_ = fileLock.Unlock()
		return nil, err
	}
	return &BoltStore{db: db, lock: fileLock, disp: newDispatcher()}, nil
}

func encodeNode(data []byte, version int32) []byte {
	buf := make([]byte, versionEncSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(version))
	copy(buf[versionEncSize:], data)
	return buf
}

func decodeNode(raw []byte) ([]byte, int32, error) {
	if len(raw) < versionEncSize {
		return nil, 0, fmt.Errorf("coord: corrupt node record of %d bytes", len(raw))
	}
	version := int32(binary.BigEndian.Uint32(raw))
	return append([]byte(nil), raw[versionEncSize:]...), version, nil
}

func nodesBucket(tx *bolt.Tx) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(boltBucketKey))
	if bucket == nil {
		return nil, fmt.Errorf("bucket %s missing", boltBucketKey)
	}
	return bucket, nil
}

func (s *BoltStore) Create(ctx context.Context, p string, data []byte) (int32, error) {
	if err := validatePath(p); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := nodesBucket(tx)
		if err != nil {
			return err
		}
		if bucket.Get([]byte(p)) != nil {
			return ErrNodeExists
		}
		return bucket.Put([]byte(p), encodeNode(data, 0))
	})
	if err != nil {
		return 0, err
	}
	s.disp.notify(Event{Type: NodeCreated, Path: p, Data: data, Version: 0})
	return 0, nil
}

func (s *BoltStore) Get(ctx context.Context, p string) ([]byte, int32, error) {
	var (
		data    []byte
		version int32
	)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := nodesBucket(tx)
		if err != nil {
			return err
		}
		raw := bucket.Get([]byte(p))
		if raw == nil {
			return ErrNoNode
		}
		data, version, err = decodeNode(raw)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return data, version, nil
}

func (s *BoltStore) Set(ctx context.Context, p string, data []byte, version int32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	var next int32
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := nodesBucket(tx)
		if err != nil {
			return err
		}
		raw := bucket.Get([]byte(p))
		if raw == nil {
			return ErrNoNode
		}
		_, current, err := decodeNode(raw)
		if err != nil {
			return err
		}
		if version != AnyVersion && version != current {
			return ErrBadVersion
		}
		next = current + 1
		return bucket.Put([]byte(p), encodeNode(data, next))
	})
	if err != nil {
		return 0, err
	}
	s.disp.notify(Event{Type: NodeDataChanged, Path: p, Data: data, Version: next})
	return next, nil
}

func (s *BoltStore) Delete(ctx context.Context, p string, version int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := nodesBucket(tx)
		if err != nil {
			return err
		}
		raw := bucket.Get([]byte(p))
		if raw == nil {
			return ErrNoNode
		}
		_, current, err := decodeNode(raw)
		if err != nil {
			return err
		}
		if version != AnyVersion && version != current {
			return ErrBadVersion
		}
		return bucket.Delete([]byte(p))
	})
	if err != nil {
		return err
	}
	s.disp.notify(Event{Type: NodeDeleted, Path: p})
	return nil
}

func (s *BoltStore) Children(ctx context.Context, p string) ([]string, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	prefix := []byte(childPrefix(p))
	var out []string
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := nodesBucket(tx)
		if err != nil {
			return err
		}
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			rest := string(k[len(prefix):])
			if rest != "" && !strings.Contains(rest, "/") {
				out = append(out, rest)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

func (s *BoltStore) Watch(p string, w Watcher) (func(), error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	return s.disp.register(p, w)
}

// Close releases the database and the directory lock.
func (s *BoltStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.disp.close()
	err := s.db.Close()
	if e := s.lock.Unlock(); err == nil {
		err = e
	}
	return err
}
