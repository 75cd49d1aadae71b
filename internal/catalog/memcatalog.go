package catalog

import (
	"context"
	"sync"

	"github.com/google/btree"

	"regionmaster/internal/region"
)

type memItem struct {
	key string
	row Row
}

func lessItem(a, b memItem) bool { return a.key < b.key }

// MemCatalog is an in-memory Store ordered by region name.
type MemCatalog struct {
	mu   sync.RWMutex
	tree *btree.BTreeG[memItem]
}

var _ Store = (*MemCatalog)(nil)

// NewMemCatalog returns an empty catalog.
func NewMemCatalog() *MemCatalog {
	return &MemCatalog{tree: btree.NewG(16, lessItem)}
}

func (m *MemCatalog) ScanAll(ctx context.Context) ([]Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Row, 0, m.tree.Len())
	m.tree.Ascend(func(it memItem) bool {
		out = append(out, it.row)
		return true
	})
	return out, nil
}

func (m *MemCatalog) Get(ctx context.Context, regionName []byte) (Row, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	it, ok := m.tree.Get(memItem{key: string(regionName)})
	if !ok {
		return Row{}, ErrRowNotFound
	}
	return it.row, nil
}

func (m *MemCatalog) Put(ctx context.Context, row Row) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.ReplaceOrInsert(memItem{key: row.key(), row: row})
	return nil
}

func (m *MemCatalog) Delete(ctx context.Context, r region.Region) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tree.Delete(memItem{key: r.NameString()})
	return nil
}

func (m *MemCatalog) Close() error { return nil }
