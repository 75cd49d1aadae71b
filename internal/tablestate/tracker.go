// Package tablestate tracks whether tables are enabled, disabling, disabled
// or enabling. States live in the coordination store so a new master sees
// the same values; reads are served from a local cache.
package tablestate

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"regionmaster/internal/coord"
)

// State of a table.
type State string

const (
	Enabled   State = "ENABLED"
	Disabling State = "DISABLING"
	Disabled  State = "DISABLED"
	Enabling  State = "ENABLING"
)

// TableDir is the child of the namespace holding one node per table.
const TableDir = "table"

// Tracker reads and writes table states.
type Tracker struct {
	client coord.Client
	root   string

	mu     sync.RWMutex
	states map[string]State
}

// NewTracker roots the table nodes under namespace.
func NewTracker(c coord.Client, namespace string) *Tracker {
	return &Tracker{
		client: c,
		root:   coord.Join(namespace, TableDir),
		states: make(map[string]State),
	}
}

// Load replaces the cache with the states stored in the coordination store.
func (t *Tracker) Load(ctx context.Context) error {
	names, err := t.client.Children(ctx, t.root)
	if err != nil {
		return fmt.Errorf("list tables: %w", err)
	}
	states := make(map[string]State, len(names))
	for _, name := range names {
		data, _, err := t.client.Get(ctx, coord.Join(t.root, name))
		if errors.Is(err, coord.ErrNoNode) {
			continue
		}
		if err != nil {
			return fmt.Errorf("read table %s: %w", name, err)
		}
		states[name] = State(data)
	}
	t.mu.Lock()
	t.states = states
	t.mu.Unlock()
	return nil
}

func (t *Tracker) set(ctx context.Context, table string, st State) error {
	p := coord.Join(t.root, table)
	_, err := t.client.Set(ctx, p, []byte(st), coord.AnyVersion)
	if errors.Is(err, coord.ErrNoNode) {
		_, err = t.client.Create(ctx, p, []byte(st))
		if errors.Is(err, coord.ErrNodeExists) {
			_, err = t.client.Set(ctx, p, []byte(st), coord.AnyVersion)
		}
	}
	if err != nil {
		return fmt.Errorf("set table %s %s: %w", table, st, err)
	}
	t.mu.Lock()
	t.states[table] = st
	t.mu.Unlock()
	return nil
}

func (t *Tracker) SetEnabled(ctx context.Context, table string) error {
	return t.set(ctx, table, Enabled)
}

func (t *Tracker) SetDisabling(ctx context.Context, table string) error {
	return t.set(ctx, table, Disabling)
}

func (t *Tracker) SetDisabled(ctx context.Context, table string) error {
	return t.set(ctx, table, Disabled)
}

func (t *Tracker) SetEnabling(ctx context.Context, table string) error {
	return t.set(ctx, table, Enabling)
}

// Set stores an arbitrary state, validating it first.
func (t *Tracker) Set(ctx context.Context, table string, st State) error {
	switch st {
	case Enabled, Disabling, Disabled, Enabling:
		return t.set(ctx, table, st)
	}
	return fmt.Errorf("tablestate: unknown state %q", st)
}

// Get returns the cached state; a table without a node is enabled.
func (t *Tracker) Get(table string) State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if st, ok := t.states[table]; ok {
		return st
	}
	return Enabled
}

func (t *Tracker) IsEnabled(table string) bool {
	return t.Get(table) == Enabled
}

func (t *Tracker) IsDisablingOrDisabled(table string) bool {
	st := t.Get(table)
	return st == Disabling || st == Disabled
}
