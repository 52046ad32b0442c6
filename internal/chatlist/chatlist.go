// Package chatlist keeps the current user's chat list synchronized: one
// long-lived filtered subscription on the chats node, with each snapshot
// replacing the whole local projection.
package chatlist

import (
	"context"
	"fmt"
	"sync"

	"talkline/internal/message"
	"talkline/internal/observe"
	"talkline/internal/remote"
)

const chatsPath = "chats"

// Entry is one chat-list node at chats/<pushKey>. UserID is the owning user;
// the same peer appears once per owner.
type Entry struct {
	UserID       string `json:"userId"`
	Name         string `json:"name"`
	PhoneNumber  string `json:"phoneNumber"`
	Message      string `json:"message,omitempty"`
	Time         string `json:"time,omitempty"`
	ProfileImage string `json:"profileImage,omitempty"`
}

// Summary is the composed chat-list row: the stored entry plus the
// last-message lookup for its conversation.
type Summary struct {
	PeerID          string
	DisplayName     string
	PhoneNumber     string
	LastMessageText string
	LastMessageTime string
	ProfileImage    string
}

// Synchronizer projects chat-list snapshots into ordered summaries.
// resolvePeer maps an entry's phone number to the peer's message-log key.
type Synchronizer struct {
	store       remote.Store
	messages    *message.Synchronizer
	resolvePeer func(phoneNumber string) string

	mu        sync.Mutex
	userID    string
	version   uint64
	sub       remote.ValueSubscription
	summaries *observe.Value[[]Summary]
}

// NewSynchronizer returns a Synchronizer over store, composing last-message
// summaries through messages.
func NewSynchronizer(store remote.Store, messages *message.Synchronizer, resolvePeer func(string) string) *Synchronizer {
	if resolvePeer == nil {
		resolvePeer = func(phone string) string { return phone }
	}
	return &Synchronizer{
		store:       store,
		messages:    messages,
		resolvePeer: resolvePeer,
		summaries:   observe.NewValue([]Summary(nil)),
	}
}

// Summaries exposes the published projection. Each published slice is a fresh
// immutable round result; readers must not mutate it.
func (s *Synchronizer) Summaries() *observe.Value[[]Summary] { return s.summaries }

// Subscribe opens the chat-list subscription for currentUserID. Snapshots are
// processed in arrival order; each replaces the whole projection. Call Close
// to end the subscription.
func (s *Synchronizer) Subscribe(ctx context.Context, currentUserID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return fmt.Errorf("chat list already subscribed")
	}

	sub, err := s.store.SubscribeValue(ctx, chatsPath, &remote.Filter{Field: "userId", Equals: currentUserID})
	if err != nil {
		return fmt.Errorf("subscribe chat list: %w", err)
	}
	s.sub = sub
	s.userID = currentUserID

	go s.run(ctx, sub)
	return nil
}

// Close ends the subscription. Safe to call without a prior Subscribe.
func (s *Synchronizer) Close() {
	s.mu.Lock()
	sub := s.sub
	s.sub = nil
	s.mu.Unlock()
	if sub != nil {
		sub.Close()
	}
}

// AddChat writes a new chat-list node tagged with the current user id. Local
// state is not updated optimistically; the subscription snapshot is the
// single source of truth.
func (s *Synchronizer) AddChat(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	entry.UserID = s.userID
	s.mu.Unlock()
	if entry.UserID == "" {
		return fmt.Errorf("add chat: not subscribed")
	}
	if err := s.store.Write(ctx, remote.Join(chatsPath, remote.PushKey()), entry); err != nil {
		return fmt.Errorf("add chat: %w", err)
	}
	return nil
}

func (s *Synchronizer) run(ctx context.Context, sub remote.ValueSubscription) {
	for snap := range sub.Snapshots() {
		// version is assigned at arrival; a slow round from an older
		// snapshot can never overwrite a newer one
		s.mu.Lock()
		s.version++
		version := s.version
		s.mu.Unlock()

		go s.project(ctx, version, snap)
	}
}

// project derives summaries for one snapshot round. The per-chat last-message
// lookups are themselves remote reads, so rounds may finish out of order; only
// the latest-arrived round may publish.
func (s *Synchronizer) project(ctx context.Context, version uint64, snap remote.Snapshot) {
	s.mu.Lock()
	userID := s.userID
	s.mu.Unlock()

	summaries := make([]Summary, 0, len(snap.Children()))
	seen := make(map[string]struct{})
	for _, child := range snap.Children() {
		var entry Entry
		if err := child.Unmarshal(&entry); err != nil {
			continue
		}
		if _, dup := seen[entry.PhoneNumber]; dup {
			continue
		}
		seen[entry.PhoneNumber] = struct{}{}

		peerID := s.resolvePeer(entry.PhoneNumber)
		text, displayTime := s.messages.FetchLastMessage(ctx, userID, peerID)
		summaries = append(summaries, Summary{
			PeerID:          peerID,
			DisplayName:     entry.Name,
			PhoneNumber:     entry.PhoneNumber,
			LastMessageText: text,
			LastMessageTime: displayTime,
			ProfileImage:    entry.ProfileImage,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if version != s.version {
		return
	}
	s.summaries.Set(summaries)
}
