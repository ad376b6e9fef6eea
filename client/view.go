package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	chatv1 "github.com/hrygo/casechat/api/chat/v1"
	"github.com/hrygo/casechat/plugin/chatstream"
)

var (
	// ErrTurnInProgress is returned by Submit while the previous reply is still streaming.
	ErrTurnInProgress = errors.New("a reply is still streaming in this conversation")
	// ErrEmptyMessage is returned by Submit for blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

// refreshTimeout bounds the refetch that ends a turn. It runs even when the turn's
// context was canceled, since the user message is already durable.
const refreshTimeout = 10 * time.Second

// API is what a ConversationView needs from the server. *Client implements it.
type API interface {
	ListMessages(ctx context.Context, conversationID string) ([]*chatv1.Message, error)
	SendMessage(ctx context.Context, conversationID, content string, acc *chatstream.Accumulator, onSnapshot func(chatstream.Snapshot)) (chatstream.Snapshot, error)
}

// FailedTurn marks a turn that ended without a reply. The user's message stays in
// the durable list; the UI renders Reason next to it.
type FailedTurn struct {
	Content string
	Reason  string
	// Kind is zero when the server rejected the message before streaming started.
	Kind chatstream.ErrorKind
	// Persisted reports whether the user's message reached the store.
	Persisted bool
}

// View is an immutable picture of one conversation. Messages and the live reply
// never contain the same text: the reply moves from Live to Messages in one View.
type View struct {
	ConversationID string
	Messages       []*chatv1.Message
	// Pending is the text of the user message of the turn in flight.
	Pending string
	Live    chatstream.Snapshot
	Failed  *FailedTurn
	// Version increases with every published View.
	Version uint64
}

// Streaming reports whether a turn is in flight.
func (v View) Streaming() bool {
	return v.Live.State == chatstream.StateAwaiting || v.Live.State == chatstream.StateStreaming || v.Pending != ""
}

// ConversationView keeps the durable message list and the live accumulator of one
// conversation behind a single mutex and publishes a View after every change.
type ConversationView struct {
	api            API
	conversationID string

	mu       sync.Mutex
	messages []*chatv1.Message
	acc      *chatstream.Accumulator
	live     chatstream.Snapshot
	pending  string
	failed   *FailedTurn
	busy     bool
	version  uint64
	// turnEpoch changes when a turn starts and when it commits. A Load that saw
	// another epoch before its fetch holds a list older than the current one.
	turnEpoch uint64

	// publishMu orders delivery so subscribers never see an older View after a newer one.
	publishMu   sync.Mutex
	nextSubID   int
	subscribers map[int]*subscriber
}

type subscriber struct {
	fn   func(View)
	seen uint64
}

func NewConversationView(api API, conversationID string) *ConversationView {
	return &ConversationView{
		api:            api,
		conversationID: conversationID,
		acc:            chatstream.NewAccumulator(),
		subscribers:    make(map[int]*subscriber),
	}
}

// Subscribe registers fn for every future View and calls it once with the current one.
// Calls are serialized; fn must not call back into the view's mutating methods.
func (v *ConversationView) Subscribe(fn func(View)) func() {
	v.publishMu.Lock()
	v.nextSubID++
	id := v.nextSubID
	current := v.Snapshot()
	v.subscribers[id] = &subscriber{fn: fn, seen: current.Version}
	fn(current)
	v.publishMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			v.publishMu.Lock()
			delete(v.subscribers, id)
			v.publishMu.Unlock()
		})
	}
}

// Snapshot returns the current View.
func (v *ConversationView) Snapshot() View {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.viewLocked()
}

// Load replaces the durable list with the server's. It is a no-op while a turn is
// streaming, and its result is dropped if a turn started or ended during the fetch;
// the turn refetches when it ends.
func (v *ConversationView) Load(ctx context.Context) error {
	v.mu.Lock()
	epoch := v.turnEpoch
	v.mu.Unlock()

	messages, err := v.api.ListMessages(ctx, v.conversationID)
	if err != nil {
		return err
	}
	v.mu.Lock()
	if v.busy || v.turnEpoch != epoch {
		v.mu.Unlock()
		return nil
	}
	v.messages = messages
	view := v.commitLocked()
	v.mu.Unlock()
	v.publish(view)
	return nil
}

// HandleNotice reloads the list when another client changed the conversation.
func (v *ConversationView) HandleNotice(ctx context.Context, notice chatv1.Notice) error {
	if notice.ConversationID != "" && notice.ConversationID != v.conversationID {
		return nil
	}
	return v.Load(ctx)
}

// Submit sends content and streams the reply into the view. It returns when the
// turn is over. A nil error means the reply was completed and is in Messages.
func (v *ConversationView) Submit(ctx context.Context, content string) error {
	if strings.TrimSpace(content) == "" {
		return ErrEmptyMessage
	}

	v.mu.Lock()
	if v.busy {
		v.mu.Unlock()
		return ErrTurnInProgress
	}
	v.busy = true
	v.turnEpoch++
	v.pending = content
	v.failed = nil
	v.acc.Reset()
	v.live = chatstream.Snapshot{State: chatstream.StateAwaiting}
	view := v.commitLocked()
	v.mu.Unlock()
	v.publish(view)

	final, streamErr := v.api.SendMessage(ctx, v.conversationID, content, v.acc, v.onSnapshot)
	if final.State == chatstream.StateIdle {
		// Rejected before streaming: nothing was stored.
		v.mu.Lock()
		v.busy = false
		v.pending = ""
		v.live = chatstream.Snapshot{}
		v.failed = &FailedTurn{Content: content, Reason: rejectionReason(streamErr)}
		view := v.commitLocked()
		v.mu.Unlock()
		v.publish(view)
		return streamErr
	}

	refreshCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
	defer cancel()
	messages, listErr := v.api.ListMessages(refreshCtx, v.conversationID)

	v.mu.Lock()
	if final.State == chatstream.StateFailed && listErr == nil && replyPersisted(messages, len(v.messages), content) {
		// The stream ended early but the server had stored the reply. The list is the truth.
		final.State = chatstream.StateCompleted
		streamErr = nil
	}
	switch {
	case listErr == nil:
		v.messages = messages
	case final.State == chatstream.StateCompleted:
		// The reply is durable but the refetch failed. Show local copies until the next Load.
		v.messages = append(append([]*chatv1.Message(nil), v.messages...),
			&chatv1.Message{Role: "user", Content: content},
			&chatv1.Message{Role: "assistant", Content: final.Text},
		)
	default:
		v.messages = append(append([]*chatv1.Message(nil), v.messages...), &chatv1.Message{Role: "user", Content: content})
	}
	if final.State == chatstream.StateFailed {
		v.failed = failedTurn(content, final.Err)
	}
	v.acc.Reset()
	v.live = chatstream.Snapshot{}
	v.pending = ""
	v.busy = false
	v.turnEpoch++
	view = v.commitLocked()
	v.mu.Unlock()
	v.publish(view)

	if streamErr != nil {
		return streamErr
	}
	if listErr != nil {
		return errors.Wrap(listErr, "reply saved but the message list could not be refreshed")
	}
	return nil
}

func (v *ConversationView) onSnapshot(s chatstream.Snapshot) {
	v.mu.Lock()
	if !v.busy {
		v.mu.Unlock()
		return
	}
	v.live = s
	view := v.commitLocked()
	v.mu.Unlock()
	v.publish(view)
}

// replyPersisted reports whether messages end with this turn's user message followed
// by an assistant reply. before is the length of the list when the turn started.
func replyPersisted(messages []*chatv1.Message, before int, content string) bool {
	n := len(messages)
	if n < before+2 {
		return false
	}
	reply, user := messages[n-1], messages[n-2]
	return reply.Role == "assistant" && user.Role == "user" && user.Content == content
}

func failedTurn(content string, err *chatstream.StreamError) *FailedTurn {
	turn := &FailedTurn{Content: content, Reason: chatstream.DefaultFailureMessage, Persisted: true}
	if err != nil {
		turn.Kind = err.Kind
		switch err.Kind {
		case chatstream.KindTimeout:
			turn.Reason = "the reply timed out"
		case chatstream.KindTransportInterrupted:
			turn.Reason = "the connection was interrupted"
		case chatstream.KindCanceled:
			turn.Reason = "canceled"
		default:
			if err.Reason != "" {
				turn.Reason = err.Reason
			}
		}
	}
	return turn
}

func rejectionReason(err error) string {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message
	}
	if err != nil {
		return err.Error()
	}
	return chatstream.DefaultFailureMessage
}

// commitLocked bumps the version and returns the View to publish.
func (v *ConversationView) commitLocked() View {
	v.version++
	return v.viewLocked()
}

func (v *ConversationView) viewLocked() View {
	var failed *FailedTurn
	if v.failed != nil {
		copied := *v.failed
		failed = &copied
	}
	return View{
		ConversationID: v.conversationID,
		Messages:       append([]*chatv1.Message(nil), v.messages...),
		Pending:        v.pending,
		Live:           v.live,
		Failed:         failed,
		Version:        v.version,
	}
}

func (v *ConversationView) publish(view View) {
	v.publishMu.Lock()
	defer v.publishMu.Unlock()
	for _, sub := range v.subscribers {
		if view.Version <= sub.seen {
			continue
		}
		sub.seen = view.Version
		sub.fn(view)
	}
}
