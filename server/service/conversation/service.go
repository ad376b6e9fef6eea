package conversation

import (
	"context"
	"log/slog"

	"github.com/hrygo/casechat/server/internal/observability"
	"github.com/hrygo/casechat/server/notify"
	"github.com/hrygo/casechat/store"
)

func (c *Controller) CreateConversation(ctx context.Context, userID, title string) (*store.Conversation, error) {
	return c.store.CreateConversation(ctx, userID, title)
}

func (c *Controller) ListConversations(ctx context.Context, userID string) ([]*store.Conversation, error) {
	return c.store.ListConversations(ctx, userID)
}

func (c *Controller) GetConversation(ctx context.Context, userID, conversationUID string) (*store.Conversation, error) {
	return c.store.GetConversation(ctx, conversationUID, userID)
}

// ListMessages returns the persisted messages of a conversation owned by userID, oldest first.
func (c *Controller) ListMessages(ctx context.Context, userID, conversationUID string) ([]*store.Message, error) {
	conversation, err := c.store.GetConversation(ctx, conversationUID, userID)
	if err != nil {
		return nil, err
	}
	return c.store.ListMessages(ctx, conversation.ID)
}

func (c *Controller) RenameConversation(ctx context.Context, userID, conversationUID, title string) (*store.Conversation, error) {
	conversation, err := c.store.RenameConversation(ctx, conversationUID, userID, title)
	if err != nil {
		return nil, err
	}
	reqCtx := observability.FromContextOrNew(ctx, userID, conversationUID)
	c.publish(ctx, reqCtx, notify.EventConversationUpdated, conversationUID, userID, "")
	return conversation, nil
}

// DeleteConversation removes a conversation and its messages. A turn streaming into
// it at the same time fails when it tries to persist the reply.
func (c *Controller) DeleteConversation(ctx context.Context, userID, conversationUID string) error {
	if err := c.store.DeleteConversation(ctx, conversationUID, userID); err != nil {
		return err
	}
	reqCtx := observability.FromContextOrNew(ctx, userID, conversationUID)
	reqCtx.Info("conversation deleted")
	c.publish(ctx, reqCtx, notify.EventConversationDeleted, conversationUID, userID, "")
	return nil
}

// Watch delivers invalidation notices for one conversation until the returned
// function is called. Ownership is checked once, when the watch starts.
func (c *Controller) Watch(ctx context.Context, userID, conversationUID string, handler func(notify.Event)) (func(), error) {
	if _, err := c.store.GetConversation(ctx, conversationUID, userID); err != nil {
		return nil, err
	}
	unsubscribe, err := c.notifier.Subscribe(conversationUID, func(event notify.Event) {
		if event.UserID != "" && event.UserID != userID {
			return
		}
		handler(event)
	})
	if err != nil {
		slog.Warn("failed to subscribe to notices", slog.String(observability.LogFieldConversationID, conversationUID), slog.String("error", err.Error()))
		return nil, err
	}
	return unsubscribe, nil
}
