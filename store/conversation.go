package store

import (
	"context"
	"strings"
	"time"

	"github.com/lithammer/shortuuid/v4"
	"github.com/pkg/errors"
)

// DefaultConversationTitle is used when a conversation is created without a title.
const DefaultConversationTitle = "New conversation"

var (
	// ErrNotFoundOrForbidden is returned when a conversation does not exist or is owned by someone else.
	// The two cases are deliberately indistinguishable to the caller.
	ErrNotFoundOrForbidden = errors.New("conversation not found or forbidden")
	// ErrInvalidArgument is returned for empty content, unknown roles and similar input errors.
	ErrInvalidArgument = errors.New("invalid argument")
)

type Conversation struct {
	ID        int32
	UID       string
	CreatorID string
	Title     string
	CreatedTs int64
	UpdatedTs int64
}

type FindConversation struct {
	ID        *int32
	UID       *string
	CreatorID *string
}

type UpdateConversation struct {
	UID       string
	CreatorID string
	Title     *string
	UpdatedTs *int64
}

type DeleteConversation struct {
	UID       string
	CreatorID string
}

type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

func (r MessageRole) IsValid() bool {
	return r == MessageRoleUser || r == MessageRoleAssistant
}

type Message struct {
	ID             int32
	UID            string
	ConversationID int32
	Role           MessageRole
	Content        string
	CreatedTs      int64
}

type FindMessage struct {
	ConversationID *int32
}

func (s *Store) CreateConversation(ctx context.Context, creatorID, title string) (*Conversation, error) {
	if strings.TrimSpace(creatorID) == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "creator id is required")
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = DefaultConversationTitle
	}
	now := time.Now().Unix()
	conversation, err := s.driver.CreateConversation(ctx, &Conversation{
		UID:       shortuuid.New(),
		CreatorID: creatorID,
		Title:     title,
		CreatedTs: now,
		UpdatedTs: now,
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to create conversation")
	}
	return conversation, nil
}

// ListConversations returns the conversations owned by creatorID, newest first.
func (s *Store) ListConversations(ctx context.Context, creatorID string) ([]*Conversation, error) {
	list, err := s.driver.ListConversations(ctx, &FindConversation{CreatorID: &creatorID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list conversations")
	}
	return list, nil
}

// GetConversation returns the conversation identified by uid if it is owned by creatorID.
func (s *Store) GetConversation(ctx context.Context, uid, creatorID string) (*Conversation, error) {
	list, err := s.driver.ListConversations(ctx, &FindConversation{UID: &uid})
	if err != nil {
		return nil, errors.Wrap(err, "failed to get conversation")
	}
	if len(list) == 0 || list[0].CreatorID != creatorID {
		return nil, ErrNotFoundOrForbidden
	}
	return list[0], nil
}

func (s *Store) RenameConversation(ctx context.Context, uid, creatorID, title string) (*Conversation, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "title is required")
	}
	now := time.Now().Unix()
	conversation, err := s.driver.UpdateConversation(ctx, &UpdateConversation{
		UID:       uid,
		CreatorID: creatorID,
		Title:     &title,
		UpdatedTs: &now,
	})
	if err != nil {
		if errors.Is(err, ErrNotFoundOrForbidden) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to rename conversation")
	}
	return conversation, nil
}

func (s *Store) DeleteConversation(ctx context.Context, uid, creatorID string) error {
	if err := s.driver.DeleteConversation(ctx, &DeleteConversation{UID: uid, CreatorID: creatorID}); err != nil {
		if errors.Is(err, ErrNotFoundOrForbidden) {
			return err
		}
		return errors.Wrap(err, "failed to delete conversation")
	}
	return nil
}

// ListMessages returns the messages of a conversation in append order.
func (s *Store) ListMessages(ctx context.Context, conversationID int32) ([]*Message, error) {
	list, err := s.driver.ListMessages(ctx, &FindMessage{ConversationID: &conversationID})
	if err != nil {
		return nil, errors.Wrap(err, "failed to list messages")
	}
	return list, nil
}

// AppendMessage persists one immutable message at the end of the conversation.
func (s *Store) AppendMessage(ctx context.Context, conversationID int32, role MessageRole, content string) (*Message, error) {
	if !role.IsValid() {
		return nil, errors.Wrapf(ErrInvalidArgument, "unknown role %q", role)
	}
	if strings.TrimSpace(content) == "" {
		return nil, errors.Wrap(ErrInvalidArgument, "content must not be empty")
	}
	message, err := s.driver.CreateMessage(ctx, &Message{
		UID:            shortuuid.New(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedTs:      time.Now().Unix(),
	})
	if err != nil {
		if errors.Is(err, ErrNotFoundOrForbidden) {
			return nil, err
		}
		return nil, errors.Wrap(err, "failed to append message")
	}
	return message, nil
}
