package coord

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"regionmaster/internal/retry"
)

// ErrWatchLost is reported through EtcdConfig.OnWatchLost when a watch
// cannot resume without missing changes.
var ErrWatchLost = errors.New("coord: watch lost")

// EtcdConfig configures EtcdClient.
type EtcdConfig struct {
	Endpoints   []string
	DialTimeout time.Duration
	// Prefix is prepended to every node path, isolating clusters sharing etcd.
	Prefix string
	// Retry bounds the attempts to re-establish a watch the server closed.
	Retry retry.Policy
	// OnWatchLost is called once a watch is given up, either because its
	// next revision was compacted or because etcd stayed unreachable. No
	// further events are delivered for that watch. The default logs.
	OnWatchLost func(path string, err error)
	Logger      *zap.Logger
}

// EtcdClient maps the Client contract onto etcd v3. A node's version is
// the etcd key version minus one, so a freshly created node is at 0.
type EtcdClient struct {
	cli    *clientv3.Client
	prefix string
	retry  retry.Policy
	lost   func(path string, err error)
	logger *zap.Logger

	mu      sync.Mutex
	cancels []context.CancelFunc
	wg      sync.WaitGroup
}

var _ Client = (*EtcdClient)(nil)

// NewEtcdClient dials the configured endpoints.
func NewEtcdClient(cfg EtcdConfig) (*EtcdClient, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("etcd endpoints are empty")
	}
	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: timeout,
		Logger:      logger.Named("etcd"),
	})
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	lost := cfg.OnWatchLost
	if lost == nil {
		lost = func(path string, err error) {
			logger.Error("etcd watch lost", zap.String("path", path), zap.Error(err))
		}
	}
	return &EtcdClient{
		cli:    cli,
		prefix: strings.TrimSuffix(cfg.Prefix, "/"),
		retry:  cfg.Retry,
		lost:   lost,
		logger: logger,
	}, nil
}

func (c *EtcdClient) key(p string) string {
	return c.prefix + p
}

func (c *EtcdClient) Create(ctx context.Context, p string, data []byte) (int32, error) {
	if err := validatePath(p); err != nil {
		return 0, err
	}
	k := c.key(p)
	resp, err := c.cli.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
		Then(clientv3.OpPut(k, string(data))).
		Commit()
	if err != nil {
		return 0, err
	}
	if !resp.Succeeded {
		return 0, ErrNodeExists
	}
	return 0, nil
}

func (c *EtcdClient) Get(ctx context.Context, p string) ([]byte, int32, error) {
	resp, err := c.cli.Get(ctx, c.key(p))
	if err != nil {
		return nil, 0, err
	}
	if len(resp.Kvs) == 0 {
		return nil, 0, ErrNoNode
	}
	kv := resp.Kvs[0]
	return kv.Value, int32(kv.Version - 1), nil
}

func (c *EtcdClient) versionGuard(k string, version int32) clientv3.Cmp {
	if version == AnyVersion {
		return clientv3.Compare(clientv3.CreateRevision(k), ">", 0)
	}
	return clientv3.Compare(clientv3.Version(k), "=", int64(version)+1)
}

// missingOrStale tells ErrNoNode from ErrBadVersion after a failed guard.
func (c *EtcdClient) missingOrStale(ctx context.Context, k string) error {
	resp, err := c.cli.Get(ctx, k, clientv3.WithCountOnly())
	if err != nil {
		return err
	}
	if resp.Count == 0 {
		return ErrNoNode
	}
	return ErrBadVersion
}

func (c *EtcdClient) Set(ctx context.Context, p string, data []byte, version int32) (int32, error) {
	k := c.key(p)
	resp, err := c.cli.Txn(ctx).
		If(c.versionGuard(k, version)).
		Then(clientv3.OpPut(k, string(data)), clientv3.OpGet(k)).
		Commit()
	if err != nil {
		return 0, err
	}
	if !resp.Succeeded {
		return 0, c.missingOrStale(ctx, k)
	}
	kvs := resp.Responses[1].GetResponseRange().GetKvs()
	if len(kvs) == 0 {
		return 0, ErrNoNode
	}
	return int32(kvs[0].Version - 1), nil
}

func (c *EtcdClient) Delete(ctx context.Context, p string, version int32) error {
	k := c.key(p)
	resp, err := c.cli.Txn(ctx).
		If(c.versionGuard(k, version)).
		Then(clientv3.OpDelete(k)).
		Commit()
	if err != nil {
		return err
	}
	if !resp.Succeeded {
		return c.missingOrStale(ctx, k)
	}
	return nil
}

func (c *EtcdClient) Children(ctx context.Context, p string) ([]string, error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	prefix := c.key(childPrefix(p))
	resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithKeysOnly())
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		rest := strings.TrimPrefix(string(kv.Key), prefix)
		if rest != "" && !strings.Contains(rest, "/") {
			out = append(out, rest)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Watch delivers changes to the children of p made after the call. A
// watch closed by the server is resumed from the revision after the last
// delivered event.
func (c *EtcdClient) Watch(p string, w Watcher) (func(), error) {
	if err := validatePath(p); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	getCtx, getCancel := context.WithTimeout(ctx, 5*time.Second)
	resp, err := c.cli.Get(getCtx, c.key(childPrefix(p)), clientv3.WithPrefix(), clientv3.WithCountOnly())
	getCancel()
	if err != nil {
		cancel()
		return nil, err
	}
	c.watchFrom(ctx, cancel, p, w, resp.Header.Revision)
	return cancel, nil
}

// watchFrom starts the watch goroutine delivering changes after rev.
func (c *EtcdClient) watchFrom(ctx context.Context, cancel context.CancelFunc, p string, w Watcher, rev int64) {
	c.mu.Lock()
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.watchLoop(ctx, p, w, rev)
	}()
}

func (c *EtcdClient) watchLoop(ctx context.Context, p string, w Watcher, rev int64) {
	prefix := c.key(childPrefix(p))
	log := c.logger.With(zap.String("path", p))
	for {
		wch := c.cli.Watch(clientv3.WithRequireLeader(ctx), prefix, clientv3.WithPrefix(), clientv3.WithRev(rev+1))
		for resp := range wch {
			if resp.CompactRevision != 0 {
				c.lost(p, fmt.Errorf("%w: %s needs revision %d, compacted up to %d", ErrWatchLost, p, rev+1, resp.CompactRevision))
				return
			}
			if err := resp.Err(); err != nil {
				log.Warn("etcd watch interrupted", zap.Error(err))
				continue
			}
			for _, ev := range resp.Events {
				rev = ev.Kv.ModRevision
				c.deliver(prefix, ev, w)
			}
		}
		if ctx.Err() != nil {
			return
		}
		log.Warn("etcd watch closed, resuming", zap.Int64("revision", rev+1))
		_, err := retry.Do(ctx, c.retry, func() (int64, error) {
			resp, err := c.cli.Get(ctx, prefix, clientv3.WithPrefix(), clientv3.WithCountOnly())
			if err != nil {
				return 0, err
			}
			return resp.Header.Revision, nil
		})
		if err != nil {
			if ctx.Err() == nil {
				c.lost(p, fmt.Errorf("%w: %s: %v", ErrWatchLost, p, err))
			}
			return
		}
	}
}

func (c *EtcdClient) deliver(prefix string, ev *clientv3.Event, w Watcher) {
	rest := strings.TrimPrefix(string(ev.Kv.Key), prefix)
	if rest == "" || strings.Contains(rest, "/") {
		return
	}
	out := Event{Path: strings.TrimPrefix(string(ev.Kv.Key), c.prefix)}
	switch {
	case ev.Type == clientv3.EventTypeDelete:
		out.Type = NodeDeleted
	case ev.IsCreate():
		out.Type = NodeCreated
		out.Data, out.Version = ev.Kv.Value, int32(ev.Kv.Version-1)
	default:
		out.Type = NodeDataChanged
		out.Data, out.Version = ev.Kv.Value, int32(ev.Kv.Version-1)
	}
	w.Process(out)
}

// Close cancels all watches and closes the etcd session.
func (c *EtcdClient) Close() error {
	c.mu.Lock()
	for _, cancel := range c.cancels {
		cancel()
	}
	c.cancels = nil
	c.mu.Unlock()
	c.wg.Wait()
	return c.cli.Close()
}
