package v1

import (
	"net/http"

	"github.com/labstack/echo/v4"

	chatv1 "github.com/hrygo/casechat/api/chat/v1"
	chaterrors "github.com/hrygo/casechat/server/internal/errors"
)

// ListConversations returns the caller's conversations, newest first.
// GET /api/chat/conversations
func (s *APIV1Service) ListConversations(c echo.Context) error {
	list, err := s.Controller.ListConversations(c.Request().Context(), currentUserID(c))
	if err != nil {
		return writeError(c, err)
	}
	response := &chatv1.ListConversationsResponse{Conversations: make([]*chatv1.Conversation, 0, len(list))}
	for _, conversation := range list {
		response.Conversations = append(response.Conversations, chatv1.ConversationFromStore(conversation))
	}
	return c.JSON(http.StatusOK, response)
}

// CreateConversation starts an empty conversation.
// POST /api/chat/conversations
func (s *APIV1Service) CreateConversation(c echo.Context) error {
	var req chatv1.CreateConversationRequest
	if c.Request().ContentLength != 0 {
		if err := c.Bind(&req); err != nil {
			return writeError(c, chaterrors.InvalidArgument("invalid request body"))
		}
	}
	conversation, err := s.Controller.CreateConversation(c.Request().Context(), currentUserID(c), req.Title)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, chatv1.ConversationFromStore(conversation))
}

// UpdateConversation renames a conversation.
// PATCH /api/chat/conversations/:id
func (s *APIV1Service) UpdateConversation(c echo.Context) error {
	var req chatv1.UpdateConversationRequest
	if err := c.Bind(&req); err != nil {
		return writeError(c, chaterrors.InvalidArgument("invalid request body"))
	}
	conversation, err := s.Controller.RenameConversation(c.Request().Context(), currentUserID(c), c.Param("id"), req.Title)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, chatv1.ConversationFromStore(conversation))
}

// DeleteConversation removes a conversation with its messages.
// DELETE /api/chat/conversations/:id
func (s *APIV1Service) DeleteConversation(c echo.Context) error {
	if err := s.Controller.DeleteConversation(c.Request().Context(), currentUserID(c), c.Param("id")); err != nil {
		return writeError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

// ListMessages returns the persisted messages of a conversation in append order.
// GET /api/chat/conversations/:id/messages
func (s *APIV1Service) ListMessages(c echo.Context) error {
	list, err := s.Controller.ListMessages(c.Request().Context(), currentUserID(c), c.Param("id"))
	if err != nil {
		return writeError(c, err)
	}
	response := &chatv1.ListMessagesResponse{Messages: make([]*chatv1.Message, 0, len(list))}
	for _, message := range list {
		response.Messages = append(response.Messages, chatv1.MessageFromStore(message))
	}
	return c.JSON(http.StatusOK, response)
}
