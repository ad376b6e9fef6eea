package v1

import (
	"context"
	"log/slog"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"

	chatv1 "github.com/hrygo/casechat/api/chat/v1"
	chaterrors "github.com/hrygo/casechat/server/internal/errors"
	"github.com/hrygo/casechat/server/internal/observability"
	"github.com/hrygo/casechat/server/service/conversation"
	"github.com/hrygo/casechat/store"
)

// toChatError maps service and store errors to API error codes.
func toChatError(err error) *chaterrors.ChatError {
	var chatErr *chaterrors.ChatError
	switch {
	case errors.As(err, &chatErr):
		return chatErr
	case errors.Is(err, store.ErrNotFoundOrForbidden):
		return chaterrors.NotFoundOrForbidden(err)
	case errors.Is(err, store.ErrInvalidArgument):
		return chaterrors.InvalidArgument(invalidArgumentMessage(err))
	case errors.Is(err, conversation.ErrTurnInProgress):
		return chaterrors.TurnInProgress()
	case errors.Is(err, conversation.ErrRateLimited):
		return chaterrors.RateLimitExceeded(err.Error())
	case errors.Is(err, conversation.ErrServiceBusy):
		return chaterrors.ServiceUnavailable(err.Error())
	case errors.Is(err, context.Canceled):
		return chaterrors.ContextCanceled(err)
	case errors.Is(err, context.DeadlineExceeded):
		return chaterrors.Timeout("request timed out")
	default:
		return chaterrors.StorageUnavailable(err)
	}
}

// invalidArgumentMessage drops the sentinel suffix from "content must not be empty: invalid argument".
func invalidArgumentMessage(err error) string {
	msg := strings.TrimSuffix(err.Error(), ": "+store.ErrInvalidArgument.Error())
	if msg == "" || msg == store.ErrInvalidArgument.Error() {
		return "invalid argument"
	}
	return msg
}

// writeError renders err as {"code","message"}. Causes are logged, never returned.
func writeError(c echo.Context, err error) error {
	chatErr := toChatError(err)
	status := chatErr.Code.HTTPStatus()
	if status >= 500 {
		reqCtx := observability.FromContextOrNew(c.Request().Context(), "", c.Param("id"))
		reqCtx.Error("request failed", err,
			slog.String(observability.LogFieldErrorCode, string(chatErr.Code)),
			slog.String("path", c.Path()),
		)
	}
	return c.JSON(status, chatv1.ErrorResponse{Code: string(chatErr.Code), Message: chatErr.Message})
}
