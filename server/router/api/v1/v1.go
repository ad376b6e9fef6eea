package v1

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/hrygo/casechat/internal/profile"
	"github.com/hrygo/casechat/server/auth"
	chaterrors "github.com/hrygo/casechat/server/internal/errors"
	"github.com/hrygo/casechat/server/internal/observability"
	"github.com/hrygo/casechat/server/service/conversation"
)

type APIV1Service struct {
	Profile    *profile.Profile
	Controller *conversation.Controller

	authenticator *auth.Authenticator
}

func NewAPIV1Service(profile *profile.Profile, controller *conversation.Controller) *APIV1Service {
	return &APIV1Service{
		Profile:       profile,
		Controller:    controller,
		authenticator: auth.NewAuthenticator(profile.Secret),
	}
}

// RegisterRoutes mounts the chat API on echoServer.
func (s *APIV1Service) RegisterRoutes(echoServer *echo.Echo) {
	echoServer.GET("/healthz", s.Healthz)

	corsHandler := middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOriginFunc: func(_ string) (bool, error) {
			return true, nil
		},
		AllowMethods:     []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowHeaders:     []string{"*"},
		AllowCredentials: true,
	})
	api := echoServer.Group("/api/chat", corsHandler, s.authMiddleware)

	api.GET("/conversations", s.ListConversations)
	api.POST("/conversations", s.CreateConversation)
	api.PATCH("/conversations/:id", s.UpdateConversation)
	api.DELETE("/conversations/:id", s.DeleteConversation)
	api.GET("/conversations/:id/messages", s.ListMessages)
	api.POST("/conversations/:id/messages", s.SendMessage)
	api.GET("/conversations/:id/events", s.WatchConversation)
	api.GET("/system/metrics", s.GetMetricsOverview)
}

// authMiddleware resolves the bearer token and attaches the caller and a request
// scoped logger to the request context.
func (s *APIV1Service) authMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if c.Request().Method == http.MethodOptions {
			return next(c)
		}
		ctx := c.Request().Context()
		claims, err := s.authenticator.Authenticate(ctx, c.Request().Header.Get(echo.HeaderAuthorization))
		if err != nil {
			slog.Debug("rejected unauthenticated request", slog.String("path", c.Path()), slog.String("error", err.Error()))
			return writeError(c, chaterrors.Unauthorized("authentication required"))
		}

		reqCtx := observability.NewRequestContextWithID(slog.Default(), c.Response().Header().Get(echo.HeaderXRequestID), claims.UserID, c.Param("id"))
		ctx = auth.SetUserClaimsInContext(ctx, claims)
		ctx = observability.WithRequestContext(ctx, reqCtx)
		c.SetRequest(c.Request().WithContext(ctx))
		return next(c)
	}
}

// currentUserID returns the caller set by authMiddleware.
func currentUserID(c echo.Context) string {
	claims, ok := auth.GetUserClaims(c.Request().Context())
	if !ok {
		return ""
	}
	return claims.UserID
}
