// Package catalog keeps the durable region to server rows the assignment
// engine rebuilds its view from.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"regionmaster/internal/region"
	"regionmaster/internal/retry"
)

// ErrRowNotFound is returned by Get for a region without a row.
var ErrRowNotFound = errors.New("catalog: row not found")

// Row is one catalog entry. Server is zero for an unassigned region.
// DaughterA and DaughterB are set on a parent retired by a split.
type Row struct {
	Region    region.Region
	Server    region.ServerName
	DaughterA *region.Region `json:",omitempty"`
	DaughterB *region.Region `json:",omitempty"`
}

// SplitDone reports whether the row records a completed split.
func (r Row) SplitDone() bool {
	return r.Region.Split && r.Region.Offline && r.DaughterA != nil && r.DaughterB != nil
}

// Daughters returns the split daughters, if any.
func (r Row) Daughters() []region.Region {
	var out []region.Region
	if r.DaughterA != nil {
		out = append(out, *r.DaughterA)
	}
	if r.DaughterB != nil {
		out = append(out, *r.DaughterB)
	}
	return out
}

func (r Row) key() string {
	return r.Region.NameString()
}

func encodeRow(r Row) ([]byte, error) {
	return json.Marshal(r)
}

func decodeRow(data []byte) (Row, error) {
	var r Row
	if err := json.Unmarshal(data, &r); err != nil {
		return Row{}, fmt.Errorf("decode catalog row: %w", err)
	}
	return r, nil
}

// Catalog is the read side used by the assignment engine.
type Catalog interface {
	// ScanAll returns every row ordered by region name.
	ScanAll(ctx context.Context) ([]Row, error)
	// Get returns the row of the region with the given full name or
	// ErrRowNotFound.
	Get(ctx context.Context, regionName []byte) (Row, error)
}

// Mutator is the write side, used by region servers and tests.
type Mutator interface {
	Put(ctx context.Context, row Row) error
	Delete(ctx context.Context, r region.Region) error
}

// Store is a catalog that can be written and closed.
type Store interface {
	Catalog
	Mutator
	Close() error
}

// HostedOn returns the rows whose server is sn.
func HostedOn(ctx context.Context, c Catalog, sn region.ServerName) ([]Row, error) {
	rows, err := c.ScanAll(ctx)
	if err != nil {
		return nil, err
	}
	var out []Row
	for _, row := range rows {
		if row.Server == sn {
			out = append(out, row)
		}
	}
	return out, nil
}

// SetLocation records r as open on sn.
func SetLocation(ctx context.Context, m Mutator, r region.Region, sn region.ServerName) error {
	return m.Put(ctx, Row{Region: r, Server: sn})
}

// RecordSplit retires parent and adds the daughters, both hosted on sn.
func RecordSplit(ctx context.Context, m Mutator, parent, a, b region.Region, sn region.ServerName) error {
	p := parent.Clone()
	p.Split, p.Offline = true, true
	da, db := a.Clone(), b.Clone()
	if err := m.Put(ctx, Row{Region: p, Server: sn, DaughterA: &da, DaughterB: &db}); err != nil {
		return err
	}
	if err := m.Put(ctx, Row{Region: a, Server: sn}); err != nil {
		return err
	}
	return m.Put(ctx, Row{Region: b, Server: sn})
}

// Retrying wraps a Catalog so reads are retried under a backoff policy.
type Retrying struct {
	inner  Catalog
	policy retry.Policy
}

// NewRetrying wraps c.
func NewRetrying(c Catalog, p retry.Policy) *Retrying {
	return &Retrying{inner: c, policy: p}
}

func (r *Retrying) ScanAll(ctx context.Context) ([]Row, error) {
	return retry.Do(ctx, r.policy, func() ([]Row, error) {
		return r.inner.ScanAll(ctx)
	})
}

func (r *Retrying) Get(ctx context.Context, regionName []byte) (Row, error) {
	return retry.Do(ctx, r.policy, func() (Row, error) {
		row, err := r.inner.Get(ctx, regionName)
		if errors.Is(err, ErrRowNotFound) {
			return Row{}, retry.Permanent(err)
		}
		return row, err
	})
}
