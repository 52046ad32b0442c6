// Package postgres provides a remote.Store backed by Postgres. Subtrees are
// flattened into leaf rows keyed by slash-separated paths; writes notify
// subscribers through pg_notify so every process sharing the database
// observes the same change stream.
package postgres

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"talkline/internal/remote"
	"talkline/internal/remote/stream"
)

const notifyChannel = "store_changed"

// refreshTimeout bounds the re-read a subscription performs per change.
const refreshTimeout = 10 * time.Second

// Store implements remote.Store on a Postgres connection pool.
type Store struct {
	pool *pgxpool.Pool

	mu        sync.Mutex
	valueSubs map[*valueSub]struct{}
	childSubs map[*childSub]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New returns a Store on pool and opens a dedicated listener connection for
// change notifications. Close releases the listener; the pool stays owned by
// the caller.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{
		pool:      pool,
		valueSubs: make(map[*valueSub]struct{}),
		childSubs: make(map[*childSub]struct{}),
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())

	conn, err := pgx.ConnectConfig(ctx, pool.Config().ConnConfig.Copy())
	if err != nil {
		s.cancel()
		return nil, fmt.Errorf("listener connect: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+notifyChannel); err != nil {
		_ = conn.Close(ctx)
		s.cancel()
		return nil, fmt.Errorf("listen %s: %w", notifyChannel, err)
	}

	s.wg.Add(1)
	go s.listen(conn)
	return s, nil
}

// Close stops the listener connection and ends every open subscription.
func (s *Store) Close() {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	vsubs := make([]*valueSub, 0, len(s.valueSubs))
	for sub := range s.valueSubs {
		vsubs = append(vsubs, sub)
	}
	csubs := make([]*childSub, 0, len(s.childSubs))
	for sub := range s.childSubs {
		csubs = append(csubs, sub)
	}
	s.mu.Unlock()

	for _, sub := range vsubs {
		sub.Close()
	}
	for _, sub := range csubs {
		sub.Close()
	}
}

// Read assembles the subtree at path from its leaf rows.
func (s *Store) Read(ctx context.Context, path string) (remote.Snapshot, error) {
	segments, err := remote.Split(path)
	if err != nil {
		return remote.Empty(""), err
	}
	key := segments[len(segments)-1]

	rows, err := s.pool.Query(ctx,
		`SELECT path, doc FROM store_node WHERE path = $1 OR path LIKE $1 || '/%' ORDER BY path`,
		path)
	if err != nil {
		return remote.Empty(key), fmt.Errorf("read %s: %w", path, err)
	}
	defer rows.Close()

	var value any
	for rows.Next() {
		var rowPath string
		var doc []byte
		if err := rows.Scan(&rowPath, &doc); err != nil {
			return remote.Empty(key), fmt.Errorf("read %s: %w", path, err)
		}
		leaf, err := decodeDoc(doc)
		if err != nil {
			return remote.Empty(key), fmt.Errorf("read %s: row %s: %w", path, rowPath, err)
		}
		if rowPath == path {
			value = leaf
			continue
		}
		rel := strings.TrimPrefix(rowPath, path+"/")
		branch, ok := value.(map[string]any)
		if !ok {
			branch = make(map[string]any)
			value = branch
		}
		setNested(branch, strings.Split(rel, "/"), leaf)
	}
	if err := rows.Err(); err != nil {
		return remote.Empty(key), fmt.Errorf("read %s: %w", path, err)
	}
	return remote.FromValue(key, value), nil
}

// Write replaces the subtree at path with value inside one transaction and
// notifies subscribers. A nil value removes the subtree.
func (s *Store) Write(ctx context.Context, path string, value any) error {
	if _, err := remote.Split(path); err != nil {
		return err
	}
	normalized, err := remote.Normalize(value)
	if err != nil {
		return err
	}
	leaves := make(map[string][]byte)
	if err := flatten(path, normalized, leaves); err != nil {
		return err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// replacing a subtree invalidates the old leaves below it and any
	// scalar stored at an ancestor of it
	if _, err := tx.Exec(ctx,
		`DELETE FROM store_node WHERE path = $1 OR path LIKE $1 || '/%'`, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if ancestors := ancestorPaths(path); len(ancestors) > 0 && len(leaves) > 0 {
		if _, err := tx.Exec(ctx,
			`DELETE FROM store_node WHERE path = ANY($1)`, ancestors); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	for leafPath, doc := range leaves {
		if _, err := tx.Exec(ctx,
			`INSERT INTO store_node (path, doc) VALUES ($1, $2)
			 ON CONFLICT (path) DO UPDATE
			 SET doc = EXCLUDED.doc, seq = nextval('store_node_seq'), updated_at = now()`,
			leafPath, doc); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
	}
	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, path); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}

	// local subscribers refresh immediately; the pg_notify above covers
	// other processes and is deduplicated by at-least-once delivery
	s.notify(path)
	return nil
}

// SubscribeValue opens a snapshot subscription on path.
func (s *Store) SubscribeValue(ctx context.Context, path string, filter *remote.Filter) (remote.ValueSubscription, error) {
	if _, err := remote.Split(path); err != nil {
		return nil, err
	}
	sub := &valueSub{
		store:  s,
		path:   path,
		filter: filter,
		queue:  stream.NewQueue[remote.Snapshot](),
	}
	s.mu.Lock()
	s.valueSubs[sub] = struct{}{}
	s.mu.Unlock()
	sub.refresh()
	return sub, nil
}

// SubscribeChildAdded opens a child-added subscription on the direct children
// of path. Existing children are delivered first.
func (s *Store) SubscribeChildAdded(ctx context.Context, path string) (remote.ChildSubscription, error) {
	if _, err := remote.Split(path); err != nil {
		return nil, err
	}
	sub := &childSub{
		store:  s,
		parent: path,
		seen:   make(map[string]struct{}),
		queue:  stream.NewQueue[remote.Child](),
	}
	s.mu.Lock()
	s.childSubs[sub] = struct{}{}
	s.mu.Unlock()
	sub.refresh()
	return sub, nil
}

// listen drains change notifications from the dedicated connection until the
// store closes.
func (s *Store) listen(conn *pgx.Conn) {
	defer s.wg.Done()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = conn.Close(ctx)
	}()
	for {
		n, err := conn.WaitForNotification(s.ctx)
		if err != nil {
			return
		}
		s.notify(n.Payload)
	}
}

// notify refreshes every subscription whose path overlaps the changed path.
func (s *Store) notify(changed string) {
	s.mu.Lock()
	vsubs := make([]*valueSub, 0, len(s.valueSubs))
	for sub := range s.valueSubs {
		if remote.IsPrefix(sub.path, changed) || remote.IsPrefix(changed, sub.path) {
			vsubs = append(vsubs, sub)
		}
	}
	csubs := make([]*childSub, 0, len(s.childSubs))
	for sub := range s.childSubs {
		if remote.IsPrefix(sub.parent, changed) || remote.IsPrefix(changed, sub.parent) {
			csubs = append(csubs, sub)
		}
	}
	s.mu.Unlock()

	for _, sub := range vsubs {
		sub.refresh()
	}
	for _, sub := range csubs {
		sub.refresh()
	}
}

type valueSub struct {
	store  *Store
	path   string
	filter *remote.Filter

	mu    sync.Mutex // serializes refreshes so snapshots arrive in order
	queue *stream.Queue[remote.Snapshot]
}

// refresh re-reads the subscribed path and enqueues the resulting snapshot.
// Read failures are skipped; the next change triggers another attempt.
func (v *valueSub) refresh() {
	v.mu.Lock()
	defer v.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	snap, err := v.store.Read(ctx, v.path)
	if err != nil {
		return
	}
	v.queue.Push(v.filter.Apply(snap))
}

func (v *valueSub) Snapshots() <-chan remote.Snapshot { return v.queue.Out() }

func (v *valueSub) Close() {
	v.store.mu.Lock()
	delete(v.store.valueSubs, v)
	v.store.mu.Unlock()
	v.queue.Close()
}

type childSub struct {
	store  *Store
	parent string

	mu    sync.Mutex
	seen  map[string]struct{}
	queue *stream.Queue[remote.Child]
}

// refresh enqueues every direct child not delivered yet, in key order.
func (c *childSub) refresh() {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()
	snap, err := c.store.Read(ctx, c.parent)
	if err != nil {
		return
	}
	for _, child := range snap.Children() {
		if _, ok := c.seen[child.Key()]; ok {
			continue
		}
		c.seen[child.Key()] = struct{}{}
		c.queue.Push(remote.Child{Key: child.Key(), Snapshot: child})
	}
}

func (c *childSub) Children() <-chan remote.Child { return c.queue.Out() }

func (c *childSub) Close() {
	c.store.mu.Lock()
	delete(c.store.childSubs, c)
	c.store.mu.Unlock()
	c.queue.Close()
}

// flatten appends every scalar under value to out keyed by its absolute path.
// Empty branches produce no leaves, which makes them equivalent to a delete.
func flatten(base string, value any, out map[string][]byte) error {
	switch v := value.(type) {
	case nil:
		return nil
	case map[string]any:
		for key, child := range v {
			if strings.Contains(key, "/") {
				return fmt.Errorf("%w: key %q", remote.ErrInvalidPath, key)
			}
			if err := flatten(base+"/"+key, child, out); err != nil {
				return err
			}
		}
		return nil
	default:
		doc, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode leaf %s: %w", base, err)
		}
		out[base] = doc
		return nil
	}
}

// decodeDoc parses a leaf document, keeping numbers as json.Number.
func decodeDoc(doc []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(doc))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

// setNested stores a leaf under segments, creating intermediate branches. A
// leaf row colliding with a branch is dropped in favor of the branch.
func setNested(root map[string]any, segments []string, value any) {
	cur := root
	for _, seg := range segments[:len(segments)-1] {
		next, ok := cur[seg].(map[string]any)
		if !ok {
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	last := segments[len(segments)-1]
	if _, ok := cur[last].(map[string]any); !ok {
		cur[last] = value
	}
}

// ancestorPaths returns every proper prefix path of path.
func ancestorPaths(path string) []string {
	var out []string
	for i, r := range path {
		if r == '/' {
			out = append(out, path[:i])
		}
	}
	return out
}
