// Package memory provides an in-process remote.Store used for local
// development and tests. All subscription deliveries preserve event order
// per subscriber and never block writers.
package memory

import (
	"context"
	"sync"

	"talkline/internal/remote"
	"talkline/internal/remote/stream"
)

// Store is an in-memory tree store implementing remote.Store.
type Store struct {
	mu        sync.Mutex
	root      map[string]any
	valueSubs map[*valueSub]struct{}
	childSubs map[*childSub]struct{}
}

// New returns an empty in-memory store.
func New() *Store {
	return &Store{
		root:      make(map[string]any),
		valueSubs: make(map[*valueSub]struct{}),
		childSubs: make(map[*childSub]struct{}),
	}
}

// Read returns the subtree at path.
func (s *Store) Read(ctx context.Context, path string) (remote.Snapshot, error) {
	segments, err := remote.Split(path)
	if err != nil {
		return remote.Empty(""), err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return remote.FromValue(segments[len(segments)-1], s.valueAt(segments)), nil
}

// Write replaces the subtree at path with value and notifies subscribers.
// A nil value removes the subtree.
func (s *Store) Write(ctx context.Context, path string, value any) error {
	segments, err := remote.Split(path)
	if err != nil {
		return err
	}
	normalized, err := remote.Normalize(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.setAt(segments, normalized)
	s.notifyLocked(path)
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
	sub.queue.Push(sub.snapshotLocked())
	s.mu.Unlock()
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
	sub.flushLocked()
	s.mu.Unlock()
	return sub, nil
}

// valueAt returns the generic value at segments, or nil.
func (s *Store) valueAt(segments []string) any {
	var cur any = s.root
	for _, seg := range segments {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[seg]
	}
	return cur
}

// setAt replaces the value at segments, creating intermediate branches and
// pruning branches left empty by a delete.
func (s *Store) setAt(segments []string, value any) {
	parents := make([]map[string]any, 0, len(segments))
	cur := s.root
	for _, seg := range segments[:len(segments)-1] {
		parents = append(parents, cur)
		next, ok := cur[seg].(map[string]any)
		if !ok {
			if value == nil {
				return // nothing to delete
			}
			next = make(map[string]any)
			cur[seg] = next
		}
		cur = next
	}
	last := segments[len(segments)-1]
	if value == nil {
		delete(cur, last)
	} else {
		cur[last] = value
	}
	// prune empties bottom-up
	for i := len(parents) - 1; i >= 0; i-- {
		child, _ := parents[i][segments[i]].(map[string]any)
		if child != nil && len(child) == 0 {
			delete(parents[i], segments[i])
		}
	}
}

// notifyLocked fans a write at path out to every affected subscription.
func (s *Store) notifyLocked(path string) {
	for sub := range s.valueSubs {
		if remote.IsPrefix(sub.path, path) || remote.IsPrefix(path, sub.path) {
			sub.queue.Push(sub.snapshotLocked())
		}
	}
	for sub := range s.childSubs {
		if remote.IsPrefix(sub.parent, path) || remote.IsPrefix(path, sub.parent) {
			sub.flushLocked()
		}
	}
}

type valueSub struct {
	store  *Store
	path   string
	filter *remote.Filter
	queue  *stream.Queue[remote.Snapshot]
}

func (v *valueSub) snapshotLocked() remote.Snapshot {
	segments, _ := remote.Split(v.path)
	snap := remote.FromValue(segments[len(segments)-1], v.store.valueAt(segments))
	return v.filter.Apply(snap)
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
	seen   map[string]struct{}
	queue  *stream.Queue[remote.Child]
}

// flushLocked enqueues every direct child not delivered yet, in key order.
func (c *childSub) flushLocked() {
	segments, _ := remote.Split(c.parent)
	snap := remote.FromValue(segments[len(segments)-1], c.store.valueAt(segments))
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
