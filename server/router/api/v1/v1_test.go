package v1

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatv1 "github.com/hrygo/casechat/api/chat/v1"
	"github.com/hrygo/casechat/internal/profile"
	"github.com/hrygo/casechat/plugin/ai"
	"github.com/hrygo/casechat/server/auth"
	"github.com/hrygo/casechat/server/service/conversation"
	storetest "github.com/hrygo/casechat/store/test"
)

const testSecret = "casechat-test"

type testServer struct {
	echo      *echo.Echo
	generator *ai.MockGenerator
}

func newTestServer(t *testing.T, generator *ai.MockGenerator) *testServer {
	t.Helper()
	ts := storetest.NewTestingStore(context.Background(), t)
	p := &profile.Profile{Mode: "dev", Version: "0.1.0", Secret: testSecret, StreamKeepAlive: time.Second}
	controller := conversation.NewController(ts, generator, conversation.Config{Provider: "mock"})

	e := echo.New()
	NewAPIV1Service(p, controller).RegisterRoutes(e)
	return &testServer{echo: e, generator: generator}
}

func token(t *testing.T, userID string) string {
	t.Helper()
	tok, err := auth.GenerateAccessToken(userID, userID, time.Now().Add(time.Hour), []byte(testSecret))
	require.NoError(t, err)
	return tok
}

func (s *testServer) do(t *testing.T, method, path, userID, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if userID != "" {
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token(t, userID))
	}
	rec := httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) createConversation(t *testing.T, userID string) *chatv1.Conversation {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/chat/conversations", userID, `{"title":"Doe v. Roe"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var conversation chatv1.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conversation))
	return &conversation
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) chatv1.ErrorResponse {
	t.Helper()
	var body chatv1.ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body), rec.Body.String())
	return body
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t, &ai.MockGenerator{})
	rec := s.do(t, http.MethodGet, "/healthz", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok","version":"0.1.0","mode":"dev"}`, rec.Body.String())
}

func TestAuthRequired(t *testing.T) {
	s := newTestServer(t, &ai.MockGenerator{})

	rec := s.do(t, http.MethodGet, "/api/chat/conversations", "", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "UNAUTHORIZED", decodeError(t, rec).Code)

	req := httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil)
	req.Header.Set(echo.HeaderAuthorization, "Bearer not-a-token")
	rec = httptest.NewRecorder()
	s.echo.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestConversationLifecycle(t *testing.T) {
	s := newTestServer(t, &ai.MockGenerator{})
	conversation := s.createConversation(t, "alice")
	assert.Equal(t, "Doe v. Roe", conversation.Title)
	assert.NotEmpty(t, conversation.ID)

	rec := s.do(t, http.MethodGet, "/api/chat/conversations", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list chatv1.ListConversationsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Conversations, 1)

	rec = s.do(t, http.MethodGet, "/api/chat/conversations", "bob", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"conversations":[]}`, rec.Body.String())

	rec = s.do(t, http.MethodPatch, "/api/chat/conversations/"+conversation.ID, "alice", `{"title":"Renamed"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"title":"Renamed"`)

	rec = s.do(t, http.MethodPatch, "/api/chat/conversations/"+conversation.ID, "alice", `{"title":"  "}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_ARGUMENT", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodDelete, "/api/chat/conversations/"+conversation.ID, "bob", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND_OR_FORBIDDEN", decodeError(t, rec).Code)

	rec = s.do(t, http.MethodDelete, "/api/chat/conversations/"+conversation.ID, "alice", "")
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/chat/conversations/"+conversation.ID+"/messages", "alice", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageStreams(t *testing.T) {
	s := newTestServer(t, &ai.MockGenerator{Fragments: []string{"Hi", " there"}})
	conversation := s.createConversation(t, "alice")

	rec := s.do(t, http.MethodPost, "/api/chat/conversations/"+conversation.ID+"/messages", "alice", `{"content":"Hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get(echo.HeaderContentType))
	assert.Equal(t, "data: {\"content\":\"Hi\"}\n\ndata: {\"content\":\" there\"}\n\ndata: {\"done\":true}\n\n", rec.Body.String())

	rec = s.do(t, http.MethodGet, "/api/chat/conversations/"+conversation.ID+"/messages", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var messages chatv1.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	require.Len(t, messages.Messages, 2)
	assert.Equal(t, "user", messages.Messages[0].Role)
	assert.Equal(t, "Hello", messages.Messages[0].Content)
	assert.Equal(t, "assistant", messages.Messages[1].Role)
	assert.Equal(t, "Hi there", messages.Messages[1].Content)
}

func TestSendMessageFailureIsInBand(t *testing.T) {
	s := newTestServer(t, &ai.MockGenerator{Err: assert.AnError})
	conversation := s.createConversation(t, "alice")

	rec := s.do(t, http.MethodPost, "/api/chat/conversations/"+conversation.ID+"/messages", "alice", `{"content":"Hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.HasPrefix(rec.Body.String(), `data: {"error":`), rec.Body.String())
	assert.NotContains(t, rec.Body.String(), assert.AnError.Error())

	rec = s.do(t, http.MethodGet, "/api/chat/conversations/"+conversation.ID+"/messages", "alice", "")
	var messages chatv1.ListMessagesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &messages))
	require.Len(t, messages.Messages, 1)
	assert.Equal(t, "user", messages.Messages[0].Role)
}

func TestSendMessageRejections(t *testing.T) {
	s := newTestServer(t, &ai.MockGenerator{Fragments: []string{"ok"}})
	conversation := s.createConversation(t, "alice")

	tests := []struct {
		name     string
		userID   string
		path     string
		body     string
		wantCode int
		wantErr  string
	}{
		{
			name:     "empty content",
			userID:   "alice",
			path:     "/api/chat/conversations/" + conversation.ID + "/messages",
			body:     `{"content":""}`,
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_ARGUMENT",
		},
		{
			name:     "malformed body",
			userID:   "alice",
			path:     "/api/chat/conversations/" + conversation.ID + "/messages",
			body:     `{"content":`,
			wantCode: http.StatusBadRequest,
			wantErr:  "INVALID_ARGUMENT",
		},
		{
			name:     "not the owner",
			userID:   "bob",
			path:     "/api/chat/conversations/" + conversation.ID + "/messages",
			body:     `{"content":"hi"}`,
			wantCode: http.StatusNotFound,
			wantErr:  "NOT_FOUND_OR_FORBIDDEN",
		},
		{
			name:     "unknown conversation",
			userID:   "alice",
			path:     "/api/chat/conversations/nope/messages",
			body:     `{"content":"hi"}`,
			wantCode: http.StatusNotFound,
			wantErr:  "NOT_FOUND_OR_FORBIDDEN",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, tt.path, tt.userID, tt.body)
			assert.Equal(t, tt.wantCode, rec.Code)
			assert.Equal(t, echo.MIMEApplicationJSON, strings.Split(rec.Header().Get(echo.HeaderContentType), ";")[0])
			assert.Equal(t, tt.wantErr, decodeError(t, rec).Code)
		})
	}
	assert.Equal(t, 0, s.generator.Calls())
}

func TestSendMessageWhileStreaming(t *testing.T) {
	hold := make(chan struct{})
	s := newTestServer(t, &ai.MockGenerator{Fragments: []string{"thinking"}, Hold: hold})
	conversation := s.createConversation(t, "alice")

	httpServer := httptest.NewServer(s.echo)
	defer httpServer.Close()

	first := make(chan *http.Response, 1)
	go func() {
		req, _ := http.NewRequest(http.MethodPost, httpServer.URL+"/api/chat/conversations/"+conversation.ID+"/messages", strings.NewReader(`{"content":"first"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+token(t, "alice"))
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			first <- resp
		}
		close(first)
	}()

	resp := <-first
	require.NotNil(t, resp)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		return s.generator.Calls() == 1
	}, 5*time.Second, 10*time.Millisecond)

	rec := s.do(t, http.MethodPost, "/api/chat/conversations/"+conversation.ID+"/messages", "alice", `{"content":"second"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "TURN_IN_PROGRESS", decodeError(t, rec).Code)

	close(hold)
}

func TestMetricsOverview(t *testing.T) {
	s := newTestServer(t, &ai.MockGenerator{Fragments: []string{"a", "b"}})
	conversation := s.createConversation(t, "alice")
	s.do(t, http.MethodPost, "/api/chat/conversations/"+conversation.ID+"/messages", "alice", `{"content":"Hello"}`)

	rec := s.do(t, http.MethodGet, "/api/chat/system/metrics", "alice", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var overview MetricsOverviewResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &overview))
	assert.Equal(t, int64(1), overview.TotalTurns)
	assert.Equal(t, int64(2), overview.StreamChunks)
	assert.Equal(t, float64(100), overview.SuccessRate)
}
