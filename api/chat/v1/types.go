// Package chatv1 holds the JSON shapes of the chat HTTP API shared by the server and the client.
package chatv1

import "github.com/hrygo/casechat/store"

type Conversation struct {
	ID        string `json:"id"`
	Title     string `json:"title"`
	CreatedTs int64  `json:"created_ts"`
	UpdatedTs int64  `json:"updated_ts"`
}

type Message struct {
	ID        string `json:"id"`
	Role      string `json:"role"`
	Content   string `json:"content"`
	CreatedTs int64  `json:"created_ts"`
}

type ListConversationsResponse struct {
	Conversations []*Conversation `json:"conversations"`
}

type CreateConversationRequest struct {
	Title string `json:"title"`
}

type UpdateConversationRequest struct {
	Title string `json:"title"`
}

type ListMessagesResponse struct {
	Messages []*Message `json:"messages"`
}

type SendMessageRequest struct {
	Content string `json:"content"`
}

// Notice is one record of the conversation notice stream.
type Notice struct {
	Type           string `json:"type"`
	ConversationID string `json:"conversation_id"`
	MessageID      string `json:"message_id,omitempty"`
	Ts             int64  `json:"ts"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Mode    string `json:"mode"`
}

func ConversationFromStore(c *store.Conversation) *Conversation {
	return &Conversation{
		ID:        c.UID,
		Title:     c.Title,
		CreatedTs: c.CreatedTs,
		UpdatedTs: c.UpdatedTs,
	}
}

func MessageFromStore(m *store.Message) *Message {
	return &Message{
		ID:        m.UID,
		Role:      string(m.Role),
		Content:   m.Content,
		CreatedTs: m.CreatedTs,
	}
}
