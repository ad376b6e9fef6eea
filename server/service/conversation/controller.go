// Package conversation runs one chat turn: it persists the user's message, streams
// the assistant's reply to a sink, and persists the reply once it is complete.
package conversation

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/hrygo/casechat/plugin/ai"
	"github.com/hrygo/casechat/plugin/ai/timeout"
	"github.com/hrygo/casechat/plugin/chatstream"
	chaterrors "github.com/hrygo/casechat/server/internal/errors"
	"github.com/hrygo/casechat/server/internal/observability"
	"github.com/hrygo/casechat/server/middleware"
	"github.com/hrygo/casechat/server/notify"
	"github.com/hrygo/casechat/store"
)

var (
	// ErrTurnInProgress is returned when the conversation already has a turn streaming.
	ErrTurnInProgress = errors.New("a turn is already in progress for this conversation")
	// ErrRateLimited is returned when the user starts turns faster than allowed.
	ErrRateLimited = errors.New("too many turns, slow down")
	// ErrServiceBusy is returned when the server is at its concurrent generation limit.
	ErrServiceBusy = errors.New("too many concurrent generations")
)

// Store is the conversation store the controller works against. *store.Store implements it.
type Store interface {
	CreateConversation(ctx context.Context, creatorID, title string) (*store.Conversation, error)
	ListConversations(ctx context.Context, creatorID string) ([]*store.Conversation, error)
	GetConversation(ctx context.Context, uid, creatorID string) (*store.Conversation, error)
	RenameConversation(ctx context.Context, uid, creatorID, title string) (*store.Conversation, error)
	DeleteConversation(ctx context.Context, uid, creatorID string) error
	ListMessages(ctx context.Context, conversationID int32) ([]*store.Message, error)
	AppendMessage(ctx context.Context, conversationID int32, role store.MessageRole, content string) (*store.Message, error)
}

// TurnRequest is one user submission.
type TurnRequest struct {
	UserID          string
	ConversationUID string
	Content         string
}

// Config tunes a Controller. Zero values select defaults.
type Config struct {
	// Provider labels metrics and logs.
	Provider             string
	KeepAliveInterval    time.Duration
	StreamTimeout        time.Duration
	MaxConcurrentStreams int
}

// Controller orchestrates turns.
type Controller struct {
	store     Store
	generator ai.Generator
	notifier  notify.Notifier
	lock      TurnLock
	limiter   *middleware.RateLimiter
	sem       *semaphore.Weighted
	metrics   *observability.Metrics

	provider      string
	keepAlive     time.Duration
	streamTimeout time.Duration
}

// Option customizes a Controller.
type Option func(*Controller)

// WithNotifier sets the notifier used for invalidation notices.
func WithNotifier(n notify.Notifier) Option {
	return func(c *Controller) { c.notifier = n }
}

// WithTurnLock replaces the in-memory turn lock.
func WithTurnLock(l TurnLock) Option {
	return func(c *Controller) { c.lock = l }
}

// WithRateLimiter replaces the default per-user turn limiter.
func WithRateLimiter(rl *middleware.RateLimiter) Option {
	return func(c *Controller) { c.limiter = rl }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *observability.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func NewController(s Store, generator ai.Generator, cfg Config, opts ...Option) *Controller {
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = chatstream.DefaultIdleTimeout / 4
	}
	if cfg.StreamTimeout <= 0 {
		cfg.StreamTimeout = timeout.StreamTimeout
	}
	if cfg.MaxConcurrentStreams <= 0 {
		cfg.MaxConcurrentStreams = 32
	}
	c := &Controller{
		store:         s,
		generator:     generator,
		provider:      cfg.Provider,
		keepAlive:     cfg.KeepAliveInterval,
		streamTimeout: cfg.StreamTimeout,
		sem:           semaphore.NewWeighted(int64(cfg.MaxConcurrentStreams)),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.notifier == nil {
		c.notifier = notify.NewLocalNotifier()
	}
	if c.lock == nil {
		c.lock = NewMemoryTurnLock()
	}
	if c.limiter == nil {
		c.limiter = middleware.NewTurnRateLimiter()
	}
	if c.metrics == nil {
		c.metrics = observability.NewMetrics(1000)
	}
	return c
}

// Notifier returns the notifier the controller publishes to.
func (c *Controller) Notifier() notify.Notifier {
	return c.notifier
}

// Metrics returns the controller's metrics collector.
func (c *Controller) Metrics() *observability.Metrics {
	return c.metrics
}

// Turn runs one turn and writes its events to sink.
//
// Errors returned before sink.Start was called leave no trace: nothing was persisted
// and nothing was written. The one exception is a failing Start, which means the
// client is gone after its message was stored. After Start, the outcome has already been reported to the
// sink as Done or Failure, and the returned error only describes it for logging.
//
// The user message is persisted before generation starts. The assistant message is
// persisted before Done is sent, so a read issued after observing Done includes it.
// A failed, empty, timed out or canceled generation persists no assistant message.
func (c *Controller) Turn(ctx context.Context, req TurnRequest, sink chatstream.Sink) error {
	reqCtx := observability.FromContextOrNew(ctx, req.UserID, req.ConversationUID)

	if strings.TrimSpace(req.Content) == "" {
		return errors.Wrap(store.ErrInvalidArgument, "message content must not be empty")
	}
	if !c.limiter.Allow(req.UserID) {
		return ErrRateLimited
	}
	conversation, err := c.store.GetConversation(ctx, req.ConversationUID, req.UserID)
	if err != nil {
		return err
	}

	release, err := c.lock.TryAcquire(ctx, conversation.UID)
	if err != nil {
		return err
	}
	defer release()

	if !c.sem.TryAcquire(1) {
		return ErrServiceBusy
	}
	defer c.sem.Release(1)

	// The turn lock keeps other appends out, so the history read here plus the new
	// message is the stored history.
	history, err := c.store.ListMessages(ctx, conversation.ID)
	if err != nil {
		return err
	}
	userMessage, err := c.store.AppendMessage(ctx, conversation.ID, store.MessageRoleUser, req.Content)
	if err != nil {
		return err
	}
	history = append(history, userMessage)
	c.publish(ctx, reqCtx, notify.EventMessagesUpdated, conversation.UID, req.UserID, userMessage.UID)

	if err := sink.Start(); err != nil {
		return chaterrors.Wrap(err, chaterrors.ErrCodeTransportInterrupted, "failed to start stream")
	}

	c.metrics.RecordTurnStart(c.provider)
	reqCtx.Info("turn started",
		slog.String(observability.LogFieldProvider, c.provider),
		slog.Int(observability.LogFieldMessageLen, len(req.Content)),
		slog.Int("history_len", len(history)),
	)

	reply, fragments, genErr := c.stream(ctx, conversation.UID, history, sink)
	canceled := genErr != nil && chaterrors.IsCode(genErr, chaterrors.ErrCodeContextCanceled)

	if genErr == nil {
		genErr = c.complete(ctx, reqCtx, conversation, req.UserID, reply, sink)
	} else if !canceled {
		c.fail(reqCtx, sink, genErr)
	}

	c.metrics.RecordTurnEnd(c.provider, reqCtx.Duration(), genErr != nil && !canceled, canceled)
	attrs := []slog.Attr{
		slog.Int64(observability.LogFieldDuration, reqCtx.DurationMs()),
		slog.Int(observability.LogFieldFragments, fragments),
		slog.Int("reply_length", len(reply)),
	}
	switch {
	case genErr == nil:
		reqCtx.Info("turn completed", attrs...)
	case canceled:
		reqCtx.Info("turn canceled by client", attrs...)
	default:
		attrs = append(attrs, slog.String(observability.LogFieldErrorCode, string(chaterrors.GetCodeFromError(genErr, chaterrors.ErrCodeGenerationFailure))))
		reqCtx.Error("turn failed", genErr, attrs...)
	}
	return genErr
}

// stream forwards generator fragments to sink and returns the assembled reply.
func (c *Controller) stream(ctx context.Context, conversationUID string, history []*store.Message, sink chatstream.Sink) (string, int, error) {
	genCtx, cancel := context.WithTimeout(ctx, c.streamTimeout)
	defer cancel()

	messages := make([]ai.Message, 0, len(history))
	for _, m := range history {
		messages = append(messages, ai.Message{Role: string(m.Role), Content: m.Content})
	}
	contentChan, errChan := c.generator.Generate(genCtx, conversationUID, messages)

	ticker := time.NewTicker(c.keepAlive)
	defer ticker.Stop()

	var reply strings.Builder
	fragments := 0
	for contentChan != nil || errChan != nil {
		select {
		case content, ok := <-contentChan:
			if !ok {
				contentChan = nil
				continue
			}
			if content == "" {
				continue
			}
			reply.WriteString(content)
			fragments++
			if err := sink.Send(chatstream.Delta(content)); err != nil {
				return "", fragments, chaterrors.ContextCanceled(err)
			}
			c.metrics.RecordStreamChunk()
			ticker.Reset(c.keepAlive)

		case err, ok := <-errChan:
			if !ok {
				errChan = nil
				continue
			}
			if err != nil {
				return "", fragments, c.classify(ctx, genCtx, err)
			}

		case <-ticker.C:
			if err := sink.KeepAlive(); err != nil {
				return "", fragments, chaterrors.ContextCanceled(err)
			}

		case <-genCtx.Done():
			return "", fragments, c.classify(ctx, genCtx, genCtx.Err())
		}
	}

	if strings.TrimSpace(reply.String()) == "" {
		return "", fragments, chaterrors.GenerationFailure("the assistant returned an empty reply", nil)
	}
	return reply.String(), fragments, nil
}

func (c *Controller) classify(ctx, genCtx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return chaterrors.ContextCanceled(ctx.Err())
	case errors.Is(genCtx.Err(), context.DeadlineExceeded):
		return chaterrors.Wrap(err, chaterrors.ErrCodeTimeout, "the assistant took too long to reply")
	default:
		return chaterrors.GenerationFailure("the assistant could not generate a reply", err)
	}
}

// complete persists the reply and then reports Done.
func (c *Controller) complete(ctx context.Context, reqCtx *observability.RequestContext, conversation *store.Conversation, userID, reply string, sink chatstream.Sink) error {
	if ctx.Err() != nil {
		return chaterrors.ContextCanceled(ctx.Err())
	}
	// The client may go away while we write; the reply is finished and is kept.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout.PersistTimeout)
	defer cancel()

	message, err := c.store.AppendMessage(persistCtx, conversation.ID, store.MessageRoleAssistant, reply)
	if err != nil {
		var turnErr error
		if errors.Is(err, store.ErrNotFoundOrForbidden) {
			turnErr = chaterrors.NotFoundOrForbidden(err)
		} else {
			turnErr = chaterrors.StorageUnavailable(err)
		}
		c.fail(reqCtx, sink, turnErr)
		return turnErr
	}

	if err := sink.Send(chatstream.Done()); err != nil {
		reqCtx.Warn("client left before done was delivered", slog.String("error", err.Error()))
	}
	c.publish(persistCtx, reqCtx, notify.EventMessagesUpdated, conversation.UID, userID, message.UID)
	return nil
}

func (c *Controller) fail(reqCtx *observability.RequestContext, sink chatstream.Sink, err error) {
	if sendErr := sink.Send(chatstream.Failure(failureReason(err))); sendErr != nil {
		reqCtx.Warn("failed to deliver failure record", slog.String("error", sendErr.Error()))
	}
}

// failureReason is the user-facing text of a failure record. Causes stay in the logs.
func failureReason(err error) string {
	var chatErr *chaterrors.ChatError
	if errors.As(err, &chatErr) {
		switch chatErr.Code {
		case chaterrors.ErrCodeNotFoundOrForbidden:
			return "the conversation was deleted"
		case chaterrors.ErrCodeStorageUnavailable:
			return "the reply could not be saved"
		default:
			return chatErr.Message
		}
	}
	return chatstream.DefaultFailureMessage
}

func (c *Controller) publish(ctx context.Context, reqCtx *observability.RequestContext, eventType, conversationUID, userID, messageUID string) {
	err := c.notifier.Publish(ctx, notify.Event{
		Type:           eventType,
		ConversationID: conversationUID,
		UserID:         userID,
		MessageID:      messageUID,
		Ts:             time.Now().Unix(),
	})
	if err != nil {
		reqCtx.Warn("failed to publish notice",
			slog.String(observability.LogFieldEventType, eventType),
			slog.String("error", err.Error()),
		)
	}
}
