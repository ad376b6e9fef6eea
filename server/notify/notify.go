// Package notify fans out invalidation notices: "the messages of conversation X changed".
// Receivers refetch; notices carry no message content.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

const (
	// EventMessagesUpdated is published after a message was persisted.
	EventMessagesUpdated = "messages.updated"
	// EventConversationDeleted is published after a conversation was deleted.
	EventConversationDeleted = "conversation.deleted"
	// EventConversationUpdated is published after a conversation was renamed.
	EventConversationUpdated = "conversation.updated"

	// SubjectPrefix namespaces every subject this package publishes to.
	SubjectPrefix = "casechat.conversations"
)

// Event is one invalidation notice.
type Event struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
	MessageID      string `json:"message_id,omitempty"`
	Ts             int64  `json:"ts"`
}

// Notifier publishes and delivers invalidation notices.
type Notifier interface {
	Publish(ctx context.Context, event Event) error
	// Subscribe calls handler for every notice about conversationID until the returned function is called.
	Subscribe(conversationID string, handler func(Event)) (unsubscribe func(), err error)
	Close() error
}

// Subject returns the subject used for one conversation.
func Subject(conversationID string) string {
	return fmt.Sprintf("%s.%s", SubjectPrefix, conversationID)
}

func encodeEvent(event Event) ([]byte, error) {
	data, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return data, nil
}

// LocalNotifier delivers notices within one process.
type LocalNotifier struct {
	mu     sync.RWMutex
	nextID int
	subs   map[string]map[int]func(Event)
}

func NewLocalNotifier() *LocalNotifier {
	return &LocalNotifier{subs: make(map[string]map[int]func(Event))}
}

func (n *LocalNotifier) Publish(_ context.Context, event Event) error {
	n.mu.RLock()
	handlers := make([]func(Event), 0, len(n.subs[event.ConversationID]))
	for _, handler := range n.subs[event.ConversationID] {
		handlers = append(handlers, handler)
	}
	n.mu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
	slog.Debug("published notice",
		slog.String("type", event.Type),
		slog.String("conversation_id", event.ConversationID),
		slog.Int("subscribers", len(handlers)),
	)
	return nil
}

func (n *LocalNotifier) Subscribe(conversationID string, handler func(Event)) (func(), error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.nextID++
	id := n.nextID
	if n.subs[conversationID] == nil {
		n.subs[conversationID] = make(map[int]func(Event))
	}
	n.subs[conversationID][id] = handler

	var once sync.Once
	return func() {
		once.Do(func() {
			n.mu.Lock()
			defer n.mu.Unlock()
			delete(n.subs[conversationID], id)
			if len(n.subs[conversationID]) == 0 {
				delete(n.subs, conversationID)
			}
		})
	}, nil
}

func (n *LocalNotifier) Close() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.subs = make(map[string]map[int]func(Event))
	return nil
}
