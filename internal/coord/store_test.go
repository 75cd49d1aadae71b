package coord_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"regionmaster/internal/coord"

	"github.com/stretchr/testify/require"
)

type recordingWatcher struct {
	mu     sync.Mutex
	events []coord.Event
}

func (w *recordingWatcher) Process(ev coord.Event) {
	w.mu.Lock()
	w.events = append(w.events, ev)
	w.mu.Unlock()
}

func (w *recordingWatcher) snapshot() []coord.Event {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]coord.Event(nil), w.events...)
}

func exerciseClient(t *testing.T, c coord.Client) {
	ctx := context.Background()
	const parent = "/rm/unassigned"

	w := &recordingWatcher{}
	unwatch, err := c.Watch(parent, w)
	require.NoError(t, err)
	defer unwatch()

	v, err := c.Create(ctx, coord.Join("rm", "unassigned", "r1"), []byte("offline"))
	require.NoError(t, err)
	require.Equal(t, int32(0), v)

	_, err = c.Create(ctx, "/rm/unassigned/r1", []byte("again"))
	require.ErrorIs(t, err, coord.ErrNodeExists)

	data, v, err := c.Get(ctx, "/rm/unassigned/r1")
	require.NoError(t, err)
	require.Equal(t, []byte("offline"), data)
	require.Equal(t, int32(0), v)

	v, err = c.Set(ctx, "/rm/unassigned/r1", []byte("opening"), 0)
	require.NoError(t, err)
	require.Equal(t, int32(1), v)

	// stale version is rejected and leaves the node untouched
	_, err = c.Set(ctx, "/rm/unassigned/r1", []byte("stale"), 0)
	require.ErrorIs(t, err, coord.ErrBadVersion)
	data, v, err = c.Get(ctx, "/rm/unassigned/r1")
	require.NoError(t, err)
	require.Equal(t, []byte("opening"), data)
	require.Equal(t, int32(1), v)

	v, err = c.Set(ctx, "/rm/unassigned/r1", []byte("opened"), coord.AnyVersion)
	require.NoError(t, err)
	require.Equal(t, int32(2), v)

	_, err = c.Create(ctx, "/rm/unassigned/r2", nil)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/rm/unassigned/r2/nested", nil)
	require.NoError(t, err)
	_, err = c.Create(ctx, "/rm/table/t", nil)
	require.NoError(t, err)

	children, err := c.Children(ctx, parent)
	require.NoError(t, err)
	require.Equal(t, []string{"r1", "r2"}, children)

	require.ErrorIs(t, c.Delete(ctx, "/rm/unassigned/r1", 1), coord.ErrBadVersion)
	require.NoError(t, c.Delete(ctx, "/rm/unassigned/r1", 2))
	require.ErrorIs(t, c.Delete(ctx, "/rm/unassigned/r1", coord.AnyVersion), coord.ErrNoNode)
	_, _, err = c.Get(ctx, "/rm/unassigned/r1")
	require.ErrorIs(t, err, coord.ErrNoNode)
	_, err = c.Set(ctx, "/rm/unassigned/r1", nil, coord.AnyVersion)
	require.ErrorIs(t, err, coord.ErrNoNode)

	require.Eventually(t, func() bool { return len(w.snapshot()) == 5 }, time.Second, 5*time.Millisecond)
	events := w.snapshot()
	require.Equal(t, coord.NodeCreated, events[0].Type)
	require.Equal(t, "r1", events[0].Name())
	require.Equal(t, coord.NodeDataChanged, events[1].Type)
	require.Equal(t, int32(1), events[1].Version)
	require.Equal(t, []byte("opening"), events[1].Data)
	require.Equal(t, coord.NodeDataChanged, events[2].Type)
	require.Equal(t, coord.NodeCreated, events[3].Type)
	require.Equal(t, "r2", events[3].Name())
	require.Equal(t, coord.NodeDeleted, events[4].Type)
	require.Equal(t, "r1", events[4].Name())

	require.NoError(t, coord.DeleteChildren(ctx, c, "/rm/unassigned/r2"))
	require.NoError(t, coord.DeleteChildren(ctx, c, parent))
	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, coord.BlockUntilEmpty(waitCtx, c, parent, time.Millisecond))
}

func TestMemStoreContract(t *testing.T) {
	s := coord.NewMemStore()
	defer s.Close()
	exerciseClient(t, s)
}

func TestBoltStoreContract(t *testing.T) {
	s, err := coord.OpenBoltStore(t.TempDir())
	require.NoError(t, err)
	defer s.Close()
	exerciseClient(t, s)
}

func TestEtcdClientContract(t *testing.T) {
	exerciseClient(t, coord.NewTestEtcdClient(t))
}

func TestBoltStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s, err := coord.OpenBoltStore(dir)
	require.NoError(t, err)
	_, err = coord.OpenBoltStore(dir)
	require.Error(t, err, "second open of a locked directory must fail")

	_, err = s.Create(ctx, "/rm/unassigned/r1", []byte("x"))
	require.NoError(t, err)
	_, err = s.Set(ctx, "/rm/unassigned/r1", []byte("y"), 0)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := coord.OpenBoltStore(dir)
	require.NoError(t, err)
	defer s2.Close()
	data, v, err := s2.Get(ctx, "/rm/unassigned/r1")
	require.NoError(t, err)
	require.Equal(t, []byte("y"), data)
	require.Equal(t, int32(1), v)
}

func TestBlockUntilEmptyHonoursContext(t *testing.T) {
	s := coord.NewMemStore()
	defer s.Close()
	_, err := s.Create(context.Background(), "/rm/unassigned/r1", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = coord.BlockUntilEmpty(ctx, s, "/rm/unassigned", time.Millisecond)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClosedMemStore(t *testing.T) {
	s := coord.NewMemStore()
	require.NoError(t, s.Close())
	_, err := s.Create(context.Background(), "/a", nil)
	require.ErrorIs(t, err, coord.ErrClosed)
	_, err = s.Watch("/", coord.WatcherFunc(func(coord.Event) {}))
	require.ErrorIs(t, err, coord.ErrClosed)
}
