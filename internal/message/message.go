// Package message synchronizes per-conversation message logs: mirrored
// sends, child-added subscriptions for new messages, and last-message
// summaries for the chat list.
package message

import (
	"context"
	"fmt"
	"time"

	"talkline/internal/remote"
	"talkline/internal/telemetry"
)

// Sentinel summary for an empty or unreadable log. A missing last message
// must never block the chat list, so this is a value, not an error.
const (
	NoMessageText = "No message"
	NoMessageTime = "--:--"
)

// Message is one immutable log entry. The same logical message is stored
// under both participant orderings so each side reads its own subtree.
type Message struct {
	Sender          string `json:"sendersPhoneNumber"`
	Text            string `json:"message"`
	TimestampMillis int64  `json:"timeStamp"`
}

// DisplayTime renders the message timestamp as HH:MM local time.
func (m Message) DisplayTime() string {
	return time.UnixMilli(m.TimestampMillis).Format("15:04")
}

// PartialDeliveryError reports a split-brain send: one mirror was written,
// the other failed. Callers may retry the failed half rather than resend.
type PartialDeliveryError struct {
	MessageID   string
	WrittenPath string
	FailedPath  string
	Err         error
}

func (e *PartialDeliveryError) Error() string {
	return fmt.Sprintf("message %s delivered to %s but not %s: %v",
		e.MessageID, e.WrittenPath, e.FailedPath, e.Err)
}

func (e *PartialDeliveryError) Unwrap() error { return e.Err }

// Synchronizer owns message-log access for conversations.
type Synchronizer struct {
	store  remote.Store
	events telemetry.EventEmitter
	now    func() time.Time
}

// NewSynchronizer returns a Synchronizer over store. events may be nil.
func NewSynchronizer(store remote.Store, events telemetry.EventEmitter) *Synchronizer {
	return &Synchronizer{store: store, events: events, now: time.Now}
}

func logPath(a, b string) string {
	return remote.Join("messages", a, b)
}

// Send appends text to both mirrored logs for (sender, receiver) and returns
// the new message id. If exactly one mirror write fails the returned error is
// a *PartialDeliveryError; the written half is left in place.
func (s *Synchronizer) Send(ctx context.Context, senderID, receiverID, text string) (string, error) {
	id := remote.PushKey()
	msg := Message{
		Sender:          senderID,
		Text:            text,
		TimestampMillis: s.now().UnixMilli(),
	}

	senderPath := remote.Join(logPath(senderID, receiverID), id)
	receiverPath := remote.Join(logPath(receiverID, senderID), id)

	senderErr := s.store.Write(ctx, senderPath, msg)
	receiverErr := s.store.Write(ctx, receiverPath, msg)

	switch {
	case senderErr != nil && receiverErr != nil:
		return "", fmt.Errorf("send message %s: %w", id, senderErr)
	case senderErr != nil:
		return id, &PartialDeliveryError{MessageID: id, WrittenPath: receiverPath, FailedPath: senderPath, Err: senderErr}
	case receiverErr != nil:
		return id, &PartialDeliveryError{MessageID: id, WrittenPath: senderPath, FailedPath: receiverPath, Err: receiverErr}
	}

	s.emit(ctx, senderID, id)
	return id, nil
}

// SubscribeToMessages invokes onNew once per message appended to the (a, b)
// log, existing messages first, then new ones in arrival order. Delivery from
// the store is at-least-once; duplicates are dropped by message id. The
// returned cancel ends the subscription.
func (s *Synchronizer) SubscribeToMessages(ctx context.Context, a, b string, onNew func(id string, msg Message)) (cancel func(), err error) {
	sub, err := s.store.SubscribeChildAdded(ctx, logPath(a, b))
	if err != nil {
		return nil, fmt.Errorf("subscribe messages %s/%s: %w", a, b, err)
	}

	go func() {
		seen := make(map[string]struct{})
		for child := range sub.Children() {
			if _, dup := seen[child.Key]; dup {
				continue
			}
			seen[child.Key] = struct{}{}
			var msg Message
			if err := child.Snapshot.Unmarshal(&msg); err != nil {
				continue
			}
			onNew(child.Key, msg)
		}
	}()

	return sub.Close, nil
}

// FetchLastMessage returns the text and HH:MM time of the most recent message
// in the (a, b) log. An empty log, a read failure, or an undecodable entry
// yields the ("No message", "--:--") sentinel.
func (s *Synchronizer) FetchLastMessage(ctx context.Context, a, b string) (text, displayTime string) {
	snap, err := s.store.Read(ctx, logPath(a, b))
	if err != nil || !snap.Exists() {
		return NoMessageText, NoMessageTime
	}
	children := snap.Children()
	if len(children) == 0 {
		return NoMessageText, NoMessageTime
	}
	var msg Message
	if err := children[len(children)-1].Unmarshal(&msg); err != nil {
		return NoMessageText, NoMessageTime
	}
	return msg.Text, msg.DisplayTime()
}

func (s *Synchronizer) emit(ctx context.Context, senderID, messageID string) {
	if s.events == nil {
		return
	}
	_ = s.events.Emit(ctx, telemetry.NewEvent("message.sent", "chat", senderID, map[string]string{
		"messageId": messageID,
	}))
}
