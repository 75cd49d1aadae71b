package catalog

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cockroachdb/pebble"

	"regionmaster/internal/region"
)

const rowKeyPrefix = "meta/"

// PebbleCatalog persists rows in a pebble database keyed by region name.
type PebbleCatalog struct {
	db *pebble.DB
}

var _ Store = (*PebbleCatalog)(nil)

// OpenPebbleCatalog opens or creates the catalog under dir.
func OpenPebbleCatalog(dir string) (*PebbleCatalog, error) {
	if dir == "" {
		return nil, fmt.Errorf("catalog directory is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	return &PebbleCatalog{db: db}, nil
}

func rowKey(name string) []byte {
	return []byte(rowKeyPrefix + name)
}

// prefixEnd returns the first key sorting after every key with prefix.
func prefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}

func (p *PebbleCatalog) ScanAll(ctx context.Context) ([]Row, error) {
	lower := []byte(rowKeyPrefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: prefixEnd(lower)})
	if err != nil {
		return nil, err
	}
	var out []Row
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			_ = iter.Close()
			return nil, err
		}
		row, err := decodeRow(iter.Value())
		if err != nil {
			_ = iter.Close()
			return nil, err
		}
		out = append(out, row)
	}
	if err := iter.Close(); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *PebbleCatalog) Get(ctx context.Context, regionName []byte) (Row, error) {
	data, closer, err := p.db.Get(rowKey(string(regionName)))
	if errors.Is(err, pebble.ErrNotFound) {
		return Row{}, ErrRowNotFound
	}
	if err != nil {
		return Row{}, err
	}
	defer closer.Close()
	return decodeRow(data)
}

func (p *PebbleCatalog) Put(ctx context.Context, row Row) error {
	data, err := encodeRow(row)
	if err != nil {
		return err
	}
	return p.db.Set(rowKey(row.key()), data, pebble.Sync)
}

func (p *PebbleCatalog) Delete(ctx context.Context, r region.Region) error {
	return p.db.Delete(rowKey(r.NameString()), pebble.Sync)
}

func (p *PebbleCatalog) Close() error {
	return p.db.Close()
}
