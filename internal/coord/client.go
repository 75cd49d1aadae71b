// Package coord defines the contract of the hierarchical, versioned
// coordination store the assignment engine drives transitions through,
// along with in-memory, bbolt and etcd backed implementations.
package coord

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	// ErrNodeExists is returned by Create when the path is taken.
	ErrNodeExists = errors.New("coord: node already exists")
	// ErrNoNode is returned when the addressed node is missing.
	ErrNoNode = errors.New("coord: node does not exist")
	// ErrBadVersion is returned when the expected version does not match.
	ErrBadVersion = errors.New("coord: version mismatch")
	// ErrClosed is returned once the client has been closed.
	ErrClosed = errors.New("coord: client closed")
)

// AnyVersion disables the version check of Set and Delete.
const AnyVersion int32 = -1

// EventType classifies watch notifications.
type EventType uint8

const (
	NodeCreated EventType = iota + 1
	NodeDataChanged
	NodeDeleted
)

func (t EventType) String() string {
	switch t {
	case NodeCreated:
		return "NodeCreated"
	case NodeDataChanged:
		return "NodeDataChanged"
	case NodeDeleted:
		return "NodeDeleted"
	default:
		return fmt.Sprintf("EventType(%d)", uint8(t))
	}
}

// Event describes a change to a child of a watched path. Data and Version
// are the node contents right after the change; both are empty for deletes.
type Event struct {
	Type    EventType
	Path    string
	Data    []byte
	Version int32
}

// Name returns the last path element of the changed node.
func (e Event) Name() string {
	return path.Base(e.Path)
}

// Watcher receives change notifications. Process is called from a
// goroutine owned by the client, one event at a time, in write order.
type Watcher interface {
	Process(Event)
}

// WatcherFunc adapts a function to Watcher.
type WatcherFunc func(Event)

func (f WatcherFunc) Process(ev Event) { f(ev) }

// Client is a versioned key/value tree with child watches.
type Client interface {
	// Create makes a new node and returns its version (0).
	Create(ctx context.Context, path string, data []byte) (int32, error)
	// Get returns the node contents and version.
	Get(ctx context.Context, path string) ([]byte, int32, error)
	// Set replaces the contents when version matches (or is AnyVersion)
	// and returns the new version.
	Set(ctx context.Context, path string, data []byte, version int32) (int32, error)
	// Delete removes the node when version matches (or is AnyVersion).
	Delete(ctx context.Context, path string, version int32) error
	// Children lists the names of the direct children of path, sorted.
	Children(ctx context.Context, path string) ([]string, error)
	// Watch registers w for changes to the direct children of path.
	// The returned function unregisters it.
	Watch(path string, w Watcher) (func(), error)
	Close() error
}

// Join builds a node path from elements.
func Join(elem ...string) string {
	return path.Join(append([]string{"/"}, elem...)...)
}

func validatePath(p string) error {
	if p == "" || p[0] != '/' {
		return fmt.Errorf("coord: invalid path %q", p)
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		return fmt.Errorf("coord: invalid path %q", p)
	}
	return nil
}

func childPrefix(parent string) string {
	if parent == "/" {
		return "/"
	}
	return parent + "/"
}

// BlockUntilEmpty polls until path has no children or ctx is done.
func BlockUntilEmpty(ctx context.Context, c Client, path string, interval time.Duration) error {
	if interval <= 0 {
		interval = 10 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		children, err := c.Children(ctx, path)
		if err != nil {
			return err
		}
		if len(children) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for %s to drain (%d left): %w", path, len(children), ctx.Err())
		case <-ticker.C:
		}
	}
}

// DeleteChildren removes every direct child of path regardless of version.
func DeleteChildren(ctx context.Context, c Client, path string) error {
	children, err := c.Children(ctx, path)
	if err != nil {
		return err
	}
	for _, child := range children {
		if err := c.Delete(ctx, Join(path, child), AnyVersion); err != nil && !errors.Is(err, ErrNoNode) {
			return err
		}
	}
	return nil
}
