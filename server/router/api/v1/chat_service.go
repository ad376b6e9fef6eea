package v1

import (
	"time"

	"github.com/labstack/echo/v4"

	chatv1 "github.com/hrygo/casechat/api/chat/v1"
	"github.com/hrygo/casechat/plugin/chatstream"
	chaterrors "github.com/hrygo/casechat/server/internal/errors"
	"github.com/hrygo/casechat/server/notify"
	"github.com/hrygo/casechat/server/service/conversation"
)

// SendMessage appends the caller's message and streams the assistant's reply.
// POST /api/chat/conversations/:id/messages
//
// Rejections before the stream starts are plain JSON errors. Once the stream has
// started, the outcome is reported in-band as a done or error record.
func (s *APIV1Service) SendMessage(c echo.Context) error {
	var req chatv1.SendMessageRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, chaterrors.InvalidArgument("invalid request body"))
	}

	framer := chatstream.NewFramer(c.Response())
	err := s.Controller.Turn(c.Request().Context(), conversation.TurnRequest{
		UserID:          currentUserID(c),
		ConversationUID: c.Param("id"),
		Content:         req.Content,
	}, framer)
	if err != nil && !framer.Started() {
		return writeError(c, err)
	}
	return nil
}

// WatchConversation streams invalidation notices for one conversation until the
// client disconnects or the conversation is deleted.
// GET /api/chat/conversations/:id/events
func (s *APIV1Service) WatchConversation(c echo.Context) error {
	ctx := c.Request().Context()
	notices := make(chan notify.Event, 16)
	unsubscribe, err := s.Controller.Watch(ctx, currentUserID(c), c.Param("id"), func(event notify.Event) {
		select {
		case notices <- event:
		default:
			// A slow watcher misses notices; the next one still tells it to reload.
		}
	})
	if err != nil {
		return writeError(c, err)
	}
	defer unsubscribe()

	framer := chatstream.NewFramer(c.Response())
	if err := framer.Start(); err != nil {
		return nil
	}
	keepAlive := s.Profile.StreamKeepAlive
	if keepAlive <= 0 {
		keepAlive = 15 * time.Second
	}
	ticker := time.NewTicker(keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-notices:
			err := framer.SendData(chatv1.Notice{
				Type:           event.Type,
				ConversationID: event.ConversationID,
				MessageID:      event.MessageID,
				Ts:             event.Ts,
			})
			if err != nil || event.Type == notify.EventConversationDeleted {
				return nil
			}
		case <-ticker.C:
			if err := framer.KeepAlive(); err != nil {
				return nil
			}
		}
	}
}
