// Package remote defines the contract for the hierarchical push store the
// rest of the system is built on: one-shot reads, subtree-replacing writes,
// continuous value subscriptions that deliver a full snapshot on every change,
// and child-added subscriptions that deliver per-child deltas.
package remote

import (
	"context"

	"github.com/google/uuid"
)

// Store is an addressable, hierarchical key-value store. Paths are
// slash-delimited; a write replaces the whole subtree at its path.
// Children enumerate in lexicographic key order, so push keys (see PushKey)
// keep insertion order.
type Store interface {
	// Read returns the subtree at path. A missing path is not an error; the
	// returned snapshot reports Exists() == false.
	Read(ctx context.Context, path string) (Snapshot, error)

	// Write replaces the subtree at path with value. A nil value removes the
	// subtree. value is marshalled through its JSON form.
	Write(ctx context.Context, path string, value any) error

	// SubscribeValue opens a long-lived subscription on path. The current
	// snapshot is delivered first, then a fresh full snapshot on every change
	// that touches the subtree. filter may be nil; when set, only children
	// matching it are included in delivered snapshots.
	SubscribeValue(ctx context.Context, path string, filter *Filter) (ValueSubscription, error)

	// SubscribeChildAdded opens a long-lived subscription on the direct
	// children of path. Existing children are delivered first in key order,
	// then each newly added child in arrival order. Delivery is at-least-once;
	// consumers dedupe by key.
	SubscribeChildAdded(ctx context.Context, path string) (ChildSubscription, error)
}

// Filter restricts a value subscription to children whose named field equals
// the given string value.
type Filter struct {
	Field  string
	Equals string
}

// Matches reports whether the child snapshot passes the filter.
func (f *Filter) Matches(child Snapshot) bool {
	if f == nil {
		return true
	}
	return child.FieldString(f.Field) == f.Equals
}

// Apply drops direct children of snap that do not match the filter. A branch
// left with no matching children becomes absent.
func (f *Filter) Apply(snap Snapshot) Snapshot {
	if f == nil || !snap.Exists() {
		return snap
	}
	kept := make([]Snapshot, 0, len(snap.Children()))
	for _, child := range snap.Children() {
		if f.Matches(child) {
			kept = append(kept, child)
		}
	}
	if len(kept) == 0 {
		return Empty(snap.Key())
	}
	return NewBranch(snap.Key(), kept)
}

// ValueSubscription is a stream of full subtree snapshots.
type ValueSubscription interface {
	// Snapshots delivers one full snapshot per change, in event order.
	// The channel is closed when the subscription ends.
	Snapshots() <-chan Snapshot
	// Close ends the subscription. Safe to call more than once.
	Close()
}

// Child is one delta from a child-added subscription.
type Child struct {
	Key      string
	Snapshot Snapshot
}

// ChildSubscription is a stream of newly added children.
type ChildSubscription interface {
	// Children delivers one entry per added child, in arrival order.
	// The channel is closed when the subscription ends.
	Children() <-chan Child
	// Close ends the subscription. Safe to call more than once.
	Close()
}

// PushKey returns a new unique child key. Keys are time-ordered (UUIDv7), so
// the store's lexicographic child order matches insertion order.
func PushKey() string {
	return uuid.Must(uuid.NewV7()).String()
}
