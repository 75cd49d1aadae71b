package transition

import (
	"context"
	"errors"
	"fmt"
	"time"

	"regionmaster/internal/coord"
	"regionmaster/internal/region"
)

// ErrUnexpectedState is returned when a node does not hold the record type
// a transition starts from.
var ErrUnexpectedState = errors.New("transition: node in unexpected state")

// UnassignedDir is the child of the namespace holding one node per region
// in transition.
const UnassignedDir = "unassigned"

// Nodes reads and writes transition nodes. Every write that replaces an
// existing record is guarded by the version the caller observed.
type Nodes struct {
	client coord.Client
	root   string
}

// NewNodes roots the transition nodes under namespace.
func NewNodes(c coord.Client, namespace string) *Nodes {
	return &Nodes{client: c, root: coord.Join(namespace, UnassignedDir)}
}

// Client returns the underlying coordination client.
func (n *Nodes) Client() coord.Client { return n.client }

// Root is the parent path of all transition nodes.
func (n *Nodes) Root() string { return n.root }

// Path returns the node path of the region with the given encoded name.
func (n *Nodes) Path(encoded string) string {
	return coord.Join(n.root, encoded)
}

// Watch registers w for changes under Root.
func (n *Nodes) Watch(w coord.Watcher) (func(), error) {
	return n.client.Watch(n.root, w)
}

// List returns the encoded names of all regions with a transition node.
func (n *Nodes) List(ctx context.Context) ([]string, error) {
	return n.client.Children(ctx, n.root)
}

// Read decodes the node of the given region.
func (n *Nodes) Read(ctx context.Context, encoded string) (Record, int32, error) {
	data, version, err := n.client.Get(ctx, n.Path(encoded))
	if err != nil {
		return Record{}, 0, err
	}
	rec, err := Unmarshal(data)
	if err != nil {
		return Record{}, 0, err
	}
	return rec, version, nil
}

// Create writes a new node holding a record of type t. It fails with
// coord.ErrNodeExists when another actor already owns the region's node.
func (n *Nodes) Create(ctx context.Context, r region.Region, sn region.ServerName, t Type, payload []byte) (int32, error) {
	rec := NewRecord(t, r.Name(), sn, payload)
	return n.client.Create(ctx, n.Path(r.EncodedName()), rec.Marshal())
}

// CreateOffline creates the node the master writes before sending an open.
func (n *Nodes) CreateOffline(ctx context.Context, r region.Region, sn region.ServerName) (int32, error) {
	return n.Create(ctx, r, sn, MasterOffline, nil)
}

// CreateClosing creates the node the master writes before sending a close.
func (n *Nodes) CreateClosing(ctx context.Context, r region.Region, sn region.ServerName) (int32, error) {
	return n.Create(ctx, r, sn, MasterClosing, nil)
}

// ForceOffline overwrites an existing node at version with an OFFLINE
// record, or creates it when missing. It is used to reclaim a region whose
// previous attempt is known to be dead.
func (n *Nodes) ForceOffline(ctx context.Context, r region.Region, sn region.ServerName, version int32) (int32, error) {
	rec := NewRecord(MasterOffline, r.Name(), sn, nil)
	p := n.Path(r.EncodedName())
	v, err := n.client.Set(ctx, p, rec.Marshal(), version)
	if errors.Is(err, coord.ErrNoNode) {
		return n.client.Create(ctx, p, rec.Marshal())
	}
	return v, err
}

// Transition moves the node from a record of type from to one of type to,
// provided it is still at expected (coord.AnyVersion skips the check). The
// same type on both sides is only allowed for ServerSplitting, which a
// region server uses to bump the version and keep ownership of the node.
func (n *Nodes) Transition(ctx context.Context, r region.Region, sn region.ServerName, from, to Type, expected int32, payload []byte) (int32, error) {
	if from == to && from != ServerSplitting {
		return 0, fmt.Errorf("transition: %s to itself is not a transition", from)
	}
	encoded := r.EncodedName()
	cur, version, err := n.Read(ctx, encoded)
	if err != nil {
		return 0, err
	}
	if cur.Type != from {
		return 0, fmt.Errorf("%w: %s is %s, want %s", ErrUnexpectedState, encoded, cur.Type, from)
	}
	if expected != coord.AnyVersion && expected != version {
		return 0, fmt.Errorf("%w: %s at %d, want %d", coord.ErrBadVersion, encoded, version, expected)
	}
	rec := NewRecord(to, r.Name(), sn, payload)
	return n.client.Set(ctx, n.Path(encoded), rec.Marshal(), version)
}

// RetainSplitting bumps the version of a SPLITTING node without changing it.
func (n *Nodes) RetainSplitting(ctx context.Context, r region.Region, sn region.ServerName, expected int32) (int32, error) {
	return n.Transition(ctx, r, sn, ServerSplitting, ServerSplitting, expected, nil)
}

// Delete removes the node if it holds a record of type expected at version
// (coord.AnyVersion accepts the version read).
func (n *Nodes) Delete(ctx context.Context, encoded string, expected Type, version int32) error {
	cur, current, err := n.Read(ctx, encoded)
	if err != nil {
		return err
	}
	if cur.Type != expected {
		return fmt.Errorf("%w: %s is %s, want %s", ErrUnexpectedState, encoded, cur.Type, expected)
	}
	if version == coord.AnyVersion {
		version = current
	}
	return n.client.Delete(ctx, n.Path(encoded), version)
}

// Remove deletes the node whatever it holds. A missing node is not an error.
func (n *Nodes) Remove(ctx context.Context, encoded string) error {
	err := n.client.Delete(ctx, n.Path(encoded), coord.AnyVersion)
	if errors.Is(err, coord.ErrNoNode) {
		return nil
	}
	return err
}

// DeleteAll removes every transition node.
func (n *Nodes) DeleteAll(ctx context.Context) error {
	return coord.DeleteChildren(ctx, n.client, n.root)
}

// BlockUntilNoRIT waits until no region has a transition node.
func (n *Nodes) BlockUntilNoRIT(ctx context.Context) error {
	return coord.BlockUntilEmpty(ctx, n.client, n.root, 10*time.Millisecond)
}
