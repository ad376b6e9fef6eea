package conversation

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/hrygo/casechat/plugin/ai"
	"github.com/hrygo/casechat/plugin/chatstream"
	chaterrors "github.com/hrygo/casechat/server/internal/errors"
	"github.com/hrygo/casechat/server/middleware"
	"github.com/hrygo/casechat/server/notify"
	"github.com/hrygo/casechat/store"
	storetest "github.com/hrygo/casechat/store/test"
)

// recordingSink collects the events of one turn.
type recordingSink struct {
	mu         sync.Mutex
	started    bool
	events     []chatstream.Event
	keepAlives int
	sendErr    error
	onSend     func(chatstream.Event)
}

func (s *recordingSink) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
	return nil
}

func (s *recordingSink) Send(e chatstream.Event) error {
	s.mu.Lock()
	if s.sendErr != nil {
		s.mu.Unlock()
		return s.sendErr
	}
	s.events = append(s.events, e)
	onSend := s.onSend
	s.mu.Unlock()
	if onSend != nil {
		onSend(e)
	}
	return nil
}

func (s *recordingSink) KeepAlive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keepAlives++
	return nil
}

func (s *recordingSink) Events() []chatstream.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]chatstream.Event(nil), s.events...)
}

func (s *recordingSink) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *recordingSink) Last() chatstream.Event {
	events := s.Events()
	if len(events) == 0 {
		return chatstream.Event{}
	}
	return events[len(events)-1]
}

type fixture struct {
	store      *store.Store
	notifier   *notify.LocalNotifier
	controller *Controller
}

func newFixture(t *testing.T, generator ai.Generator, opts ...Option) *fixture {
	t.Helper()
	ts := storetest.NewTestingStore(context.Background(), t)
	notifier := notify.NewLocalNotifier()
	opts = append([]Option{WithNotifier(notifier)}, opts...)
	return &fixture{
		store:      ts,
		notifier:   notifier,
		controller: NewController(ts, generator, Config{Provider: "mock"}, opts...),
	}
}

func (f *fixture) newConversation(t *testing.T, userID string) *store.Conversation {
	t.Helper()
	conversation, err := f.controller.CreateConversation(context.Background(), userID, "Smith v. Jones")
	require.NoError(t, err)
	return conversation
}

func (f *fixture) messages(t *testing.T, userID, conversationUID string) []*store.Message {
	t.Helper()
	list, err := f.controller.ListMessages(context.Background(), userID, conversationUID)
	require.NoError(t, err)
	return list
}

func TestTurnCompletes(t *testing.T) {
	ctx := context.Background()
	generator := &ai.MockGenerator{Fragments: []string{"The statute ", "of limitations ", "is two years."}}
	f := newFixture(t, generator)
	conversation := f.newConversation(t, "alice")

	var notices []notify.Event
	var noticesMu sync.Mutex
	unsubscribe, err := f.controller.Watch(ctx, "alice", conversation.UID, func(e notify.Event) {
		noticesMu.Lock()
		notices = append(notices, e)
		noticesMu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	sink := &recordingSink{}
	// Done must only be observed once the reply is readable.
	var seenAtDone []*store.Message
	sink.onSend = func(e chatstream.Event) {
		if e.Kind == chatstream.EventDone {
			seenAtDone = f.messages(t, "alice", conversation.UID)
		}
	}

	err = f.controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "What is the limitation period?"}, sink)
	require.NoError(t, err)

	assert.Equal(t, []chatstream.Event{
		chatstream.Delta("The statute "),
		chatstream.Delta("of limitations "),
		chatstream.Delta("is two years."),
		chatstream.Done(),
	}, sink.Events())

	require.Len(t, seenAtDone, 2)
	assert.Equal(t, store.MessageRoleUser, seenAtDone[0].Role)
	assert.Equal(t, "What is the limitation period?", seenAtDone[0].Content)
	assert.Equal(t, store.MessageRoleAssistant, seenAtDone[1].Role)
	assert.Equal(t, "The statute of limitations is two years.", seenAtDone[1].Content)

	history := generator.LastHistory()
	require.Len(t, history, 1)
	assert.Equal(t, ai.Message{Role: "user", Content: "What is the limitation period?"}, history[0])

	noticesMu.Lock()
	defer noticesMu.Unlock()
	require.Len(t, notices, 2)
	for _, notice := range notices {
		assert.Equal(t, notify.EventMessagesUpdated, notice.Type)
		assert.Equal(t, conversation.UID, notice.ConversationID)
	}

	snapshot := f.controller.Metrics().Snapshot()
	assert.Equal(t, int64(1), snapshot.TurnTotal)
	assert.Equal(t, int64(0), snapshot.ActiveStreams)
	assert.Equal(t, int64(3), snapshot.StreamChunks)
}

func TestTurnCarriesHistory(t *testing.T) {
	ctx := context.Background()
	generator := &ai.MockGenerator{Fragments: []string{"ok"}}
	f := newFixture(t, generator)
	conversation := f.newConversation(t, "alice")

	for _, content := range []string{"first", "second"} {
		err := f.controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: content}, &recordingSink{})
		require.NoError(t, err)
	}

	assert.Equal(t, []ai.Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "ok"},
		{Role: "user", Content: "second"},
	}, generator.LastHistory())
	assert.Len(t, f.messages(t, "alice", conversation.UID), 4)
}

func TestTurnGenerationFailure(t *testing.T) {
	ctx := context.Background()
	generator := &ai.MockGenerator{Fragments: []string{"partial "}, Err: errors.New("upstream 500")}
	f := newFixture(t, generator)
	conversation := f.newConversation(t, "alice")

	sink := &recordingSink{}
	err := f.controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "hello"}, sink)
	require.Error(t, err)
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeGenerationFailure))

	last := sink.Last()
	assert.Equal(t, chatstream.EventFailure, last.Kind)
	assert.NotContains(t, last.Text, "upstream 500")

	messages := f.messages(t, "alice", conversation.UID)
	require.Len(t, messages, 1)
	assert.Equal(t, store.MessageRoleUser, messages[0].Role)
}

func TestTurnEmptyReplyFails(t *testing.T) {
	generator := &ai.MockGenerator{Fragments: []string{"", "  "}}
	f := newFixture(t, generator)
	conversation := f.newConversation(t, "alice")

	sink := &recordingSink{}
	err := f.controller.Turn(context.Background(), TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "hello"}, sink)
	require.Error(t, err)
	assert.Equal(t, chatstream.EventFailure, sink.Last().Kind)
	assert.Len(t, f.messages(t, "alice", conversation.UID), 1)
}

func TestTurnRejectedBeforeStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &ai.MockGenerator{Fragments: []string{"ok"}})
	conversation := f.newConversation(t, "alice")

	tests := []struct {
		name    string
		req     TurnRequest
		wantErr error
	}{
		{
			name:    "empty content",
			req:     TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "  \n"},
			wantErr: store.ErrInvalidArgument,
		},
		{
			name:    "unknown conversation",
			req:     TurnRequest{UserID: "alice", ConversationUID: "missing", Content: "hello"},
			wantErr: store.ErrNotFoundOrForbidden,
		},
		{
			name:    "someone else's conversation",
			req:     TurnRequest{UserID: "mallory", ConversationUID: conversation.UID, Content: "hello"},
			wantErr: store.ErrNotFoundOrForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sink := &recordingSink{}
			err := f.controller.Turn(ctx, tt.req, sink)
			assert.ErrorIs(t, err, tt.wantErr)
			assert.False(t, sink.Started())
			assert.Empty(t, sink.Events())
		})
	}
	assert.Empty(t, f.messages(t, "alice", conversation.UID))
}

func TestTurnInProgress(t *testing.T) {
	ctx := context.Background()
	hold := make(chan struct{})
	generator := &ai.MockGenerator{Fragments: []string{"thinking"}, Hold: hold}
	f := newFixture(t, generator)
	conversation := f.newConversation(t, "alice")

	firstSink := &recordingSink{}
	firstDelta := make(chan struct{})
	var once sync.Once
	firstSink.onSend = func(chatstream.Event) { once.Do(func() { close(firstDelta) }) }

	done := make(chan error, 1)
	go func() {
		done <- f.controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "first"}, firstSink)
	}()
	<-firstDelta

	secondSink := &recordingSink{}
	err := f.controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "second"}, secondSink)
	assert.ErrorIs(t, err, ErrTurnInProgress)
	assert.False(t, secondSink.Started())

	close(hold)
	require.NoError(t, <-done)

	messages := f.messages(t, "alice", conversation.UID)
	require.Len(t, messages, 2)
	assert.Equal(t, "first", messages[0].Content)
	assert.Equal(t, "thinking", messages[1].Content)
}

func TestTurnCanceledPersistsNoReply(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hold := make(chan struct{})
	defer close(hold)
	generator := &ai.MockGenerator{Fragments: []string{"half an answer"}, Hold: hold}
	f := newFixture(t, generator)
	conversation := f.newConversation(t, "alice")

	sink := &recordingSink{}
	sink.onSend = func(e chatstream.Event) {
		if e.Kind == chatstream.EventDelta {
			cancel()
		}
	}

	err := f.controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "hello"}, sink)
	require.Error(t, err)
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeContextCanceled))

	for _, e := range sink.Events() {
		assert.Equal(t, chatstream.EventDelta, e.Kind)
	}
	messages := f.messages(t, "alice", conversation.UID)
	require.Len(t, messages, 1)
	assert.Equal(t, store.MessageRoleUser, messages[0].Role)

	// The conversation is free for the next turn.
	generator2 := &ai.MockGenerator{Fragments: []string{"ok"}}
	f.controller.generator = generator2
	require.NoError(t, f.controller.Turn(context.Background(), TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "again"}, &recordingSink{}))
}

func TestTurnTimeout(t *testing.T) {
	hold := make(chan struct{})
	defer close(hold)
	generator := &ai.MockGenerator{Fragments: []string{"slow"}, Hold: hold}
	ts := storetest.NewTestingStore(context.Background(), t)
	controller := NewController(ts, generator, Config{StreamTimeout: 100 * time.Millisecond})
	conversation, err := controller.CreateConversation(context.Background(), "alice", "")
	require.NoError(t, err)

	sink := &recordingSink{}
	err = controller.Turn(context.Background(), TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "hello"}, sink)
	require.Error(t, err)
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeTimeout))
	assert.Equal(t, chatstream.EventFailure, sink.Last().Kind)
}

func TestTurnConversationDeletedMidStream(t *testing.T) {
	ctx := context.Background()
	hold := make(chan struct{})
	generator := &ai.MockGenerator{Fragments: []string{"reply"}, Hold: hold}
	f := newFixture(t, generator)
	conversation := f.newConversation(t, "alice")

	sink := &recordingSink{}
	sink.onSend = func(e chatstream.Event) {
		if e.Kind == chatstream.EventDelta {
			require.NoError(t, f.controller.DeleteConversation(ctx, "alice", conversation.UID))
			close(hold)
		}
	}

	err := f.controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "hello"}, sink)
	require.Error(t, err)
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeNotFoundOrForbidden))
	assert.Equal(t, chatstream.Failure("the conversation was deleted"), sink.Last())

	_, err = f.controller.ListMessages(ctx, "alice", conversation.UID)
	assert.ErrorIs(t, err, store.ErrNotFoundOrForbidden)
}

func TestTurnRateLimited(t *testing.T) {
	limiter := middleware.NewRateLimiter(rate.Every(time.Hour), 1)
	f := newFixture(t, &ai.MockGenerator{Fragments: []string{"ok"}}, WithRateLimiter(limiter))
	conversation := f.newConversation(t, "alice")

	req := TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "hello"}
	require.NoError(t, f.controller.Turn(context.Background(), req, &recordingSink{}))
	assert.ErrorIs(t, f.controller.Turn(context.Background(), req, &recordingSink{}), ErrRateLimited)
}

func TestTurnServiceBusy(t *testing.T) {
	ctx := context.Background()
	hold := make(chan struct{})
	generator := &ai.MockGenerator{Fragments: []string{"busy"}, Hold: hold}
	ts := storetest.NewTestingStore(ctx, t)
	controller := NewController(ts, generator, Config{MaxConcurrentStreams: 1})

	first, err := controller.CreateConversation(ctx, "alice", "")
	require.NoError(t, err)
	second, err := controller.CreateConversation(ctx, "alice", "")
	require.NoError(t, err)

	firstSink := &recordingSink{}
	started := make(chan struct{})
	var once sync.Once
	firstSink.onSend = func(chatstream.Event) { once.Do(func() { close(started) }) }
	done := make(chan error, 1)
	go func() {
		done <- controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: first.UID, Content: "one"}, firstSink)
	}()
	<-started

	err = controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: second.UID, Content: "two"}, &recordingSink{})
	assert.ErrorIs(t, err, ErrServiceBusy)

	close(hold)
	require.NoError(t, <-done)
	messages, err := controller.ListMessages(ctx, "alice", second.UID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestTurnKeepAlive(t *testing.T) {
	ts := storetest.NewTestingStore(context.Background(), t)
	generator := &ai.MockGenerator{Fragments: []string{"late"}, Delay: 200 * time.Millisecond}
	controller := NewController(ts, generator, Config{KeepAliveInterval: 20 * time.Millisecond})
	conversation, err := controller.CreateConversation(context.Background(), "alice", "")
	require.NoError(t, err)

	sink := &recordingSink{}
	require.NoError(t, controller.Turn(context.Background(), TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "hello"}, sink))
	sink.mu.Lock()
	keepAlives := sink.keepAlives
	sink.mu.Unlock()
	assert.GreaterOrEqual(t, keepAlives, 3)
}

// failingStore fails assistant appends.
type failingStore struct {
	*store.Store
}

func (s failingStore) AppendMessage(ctx context.Context, conversationID int32, role store.MessageRole, content string) (*store.Message, error) {
	if role == store.MessageRoleAssistant {
		return nil, errors.New("disk full")
	}
	return s.Store.AppendMessage(ctx, conversationID, role, content)
}

func TestTurnPersistFailure(t *testing.T) {
	ctx := context.Background()
	ts := storetest.NewTestingStore(ctx, t)
	controller := NewController(failingStore{ts}, &ai.MockGenerator{Fragments: []string{"reply"}}, Config{})
	conversation, err := controller.CreateConversation(ctx, "alice", "")
	require.NoError(t, err)

	sink := &recordingSink{}
	err = controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "hello"}, sink)
	require.Error(t, err)
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeStorageUnavailable))
	assert.Equal(t, chatstream.Failure("the reply could not be saved"), sink.Last())
	for _, e := range sink.Events() {
		assert.NotEqual(t, chatstream.EventDone, e.Kind)
	}
}

// unreadableHistoryStore fails every message listing.
type unreadableHistoryStore struct {
	*store.Store
}

func (s unreadableHistoryStore) ListMessages(context.Context, int32) ([]*store.Message, error) {
	return nil, errors.New("connection reset")
}

func TestTurnHistoryFailureLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	ts := storetest.NewTestingStore(ctx, t)
	generator := &ai.MockGenerator{Fragments: []string{"reply"}}
	controller := NewController(unreadableHistoryStore{ts}, generator, Config{})
	conversation, err := controller.CreateConversation(ctx, "alice", "")
	require.NoError(t, err)

	sink := &recordingSink{}
	err = controller.Turn(ctx, TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "hello"}, sink)
	require.Error(t, err)
	assert.False(t, sink.Started())
	assert.Empty(t, sink.Events())
	assert.Equal(t, 0, generator.Calls())

	messages, err := ts.ListMessages(ctx, conversation.ID)
	require.NoError(t, err)
	assert.Empty(t, messages)
}

func TestConversationCRUDNotifies(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &ai.MockGenerator{})
	conversation := f.newConversation(t, "alice")

	var types []string
	var mu sync.Mutex
	unsubscribe, err := f.controller.Watch(ctx, "alice", conversation.UID, func(e notify.Event) {
		mu.Lock()
		types = append(types, e.Type)
		mu.Unlock()
	})
	require.NoError(t, err)
	defer unsubscribe()

	_, err = f.controller.Watch(ctx, "mallory", conversation.UID, func(notify.Event) {})
	assert.ErrorIs(t, err, store.ErrNotFoundOrForbidden)

	renamed, err := f.controller.RenameConversation(ctx, "alice", conversation.UID, "Renamed")
	require.NoError(t, err)
	assert.Equal(t, "Renamed", renamed.Title)

	assert.ErrorIs(t, f.controller.DeleteConversation(ctx, "mallory", conversation.UID), store.ErrNotFoundOrForbidden)
	require.NoError(t, f.controller.DeleteConversation(ctx, "alice", conversation.UID))

	list, err := f.controller.ListConversations(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{notify.EventConversationUpdated, notify.EventConversationDeleted}, types)
}

func TestTurnClientGone(t *testing.T) {
	generator := &ai.MockGenerator{Fragments: []string{"nobody ", "listens"}}
	f := newFixture(t, generator)
	conversation := f.newConversation(t, "alice")

	sink := &recordingSink{sendErr: errors.New("broken pipe")}
	err := f.controller.Turn(context.Background(), TurnRequest{UserID: "alice", ConversationUID: conversation.UID, Content: "hello"}, sink)
	require.Error(t, err)
	assert.True(t, chaterrors.IsCode(err, chaterrors.ErrCodeContextCanceled))
	assert.Len(t, f.messages(t, "alice", conversation.UID), 1)
}
