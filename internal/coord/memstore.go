package coord

import (
	"context"
	"sort"
	"strings"
	"sync"

	art "github.com/plar/go-adaptive-radix-tree"
)

type memNode struct {
	data    []byte
	version int32
}

// MemStore is an in-process Client. Nodes are indexed by path in an
// adaptive radix tree so child listing is a prefix walk. It backs tests and
// single-process deployments.
type MemStore struct {
	mu     sync.RWMutex
	tree   art.Tree
	disp   *dispatcher
	closed bool
}

var _ Client = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{tree: art.New(), disp: newDispatcher()}
}

func (s *MemStore) lookupLocked(p string) (*memNode, bool) {
	val, found := s.tree.Search(art.Key(p))
	if !found || val == nil {
		return nil, false
	}
	return val.(*memNode), true
}

func (s *MemStore) Create(ctx context.Context, p string, data []byte) (int32, error) {
	if err := validatePath(p); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	if _, ok := s.lookupLocked(p); ok {
		return 0, ErrNodeExists
	}
	n := &memNode{data: append([]byte(nil), data...)}
	s.tree.Insert(art.Key(p), n)
	s.disp.notify(Event{Type: NodeCreated, Path: p, Data: n.data, Version: n.version})
	return n.version, nil
}

func (s *MemStore) Get(ctx context.Context, p string) ([]byte, int32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, ErrClosed
	}
	n, ok := s.lookupLocked(p)
	if !ok {
		return nil, 0, ErrNoNode
	}
	return append([]byte(nil), n.data...), n.version, nil
}

func (s *MemStore) Set(ctx context.Context, p string, data []byte, version int32) (int32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	n, ok := s.lookupLocked(p)
	if !ok {
		return 0, ErrNoNode
	}
	if version != AnyVersion && version != n.version {
		return 0, ErrBadVersion
	}
	updated := &memNode{data: append([]byte(nil), data...), version: n.version + 1}
	s.tree.Insert(art.Key(p), updated)
	s.disp.notify(Event{Type: NodeDataChanged, Path: p, Data: updated.data, Version: updated.version})
	return updated.version, nil
}

func (s *MemStore) Delete(ctx context.Context, p string, version int32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	n, ok := s.lookupLocked(p)
	if !ok {
		return ErrNoNode
	}
	if version != AnyVersion && version != n.version {
		return ErrBadVersion
	}
	s.tree.Delete(art.Key(p))
	s.disp.notify(Event{Type: NodeDeleted, Path: p})
	return nil
}

func (s *MemStore) Children(ctx context.Context, p string) ([]string, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	prefix := childPrefix(p)
	var out []string
	s.tree.ForEachPrefix(art.Key(prefix), func(node art.Node) bool {
		if node.Kind() != art.Leaf {
			return true
		}
		rest := strings.TrimPrefix(string(node.Key()), prefix)
		if rest != "" && !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
		return true
	})
	sort.Strings(out)
	return out, nil
}

func (s *MemStore) Watch(p string, w Watcher) (func(), error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	return s.disp.register(p, w)
}

// Close stops watch delivery; further calls fail with ErrClosed.
func (s *MemStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.disp.close()
	return nil
}
