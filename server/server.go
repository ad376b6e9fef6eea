package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/pkg/errors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/sync/errgroup"

	"github.com/hrygo/casechat/internal/profile"
	"github.com/hrygo/casechat/plugin/ai"
	"github.com/hrygo/casechat/plugin/ai/timeout"
	"github.com/hrygo/casechat/server/notify"
	apiv1 "github.com/hrygo/casechat/server/router/api/v1"
	"github.com/hrygo/casechat/server/service/conversation"
	"github.com/hrygo/casechat/store"
)

type Server struct {
	Profile    *profile.Profile
	Store      *store.Store
	Controller *conversation.Controller

	echoServer *echo.Echo
	httpServer *http.Server
	notifier   notify.Notifier
	closers    []func() error
}

// NewServer wires the conversation controller from the profile. Redis and NATS are
// used when configured; otherwise the process-local lock and notifier are used.
func NewServer(ctx context.Context, profile *profile.Profile, store *store.Store) (*Server, error) {
	s := &Server{
		Profile: profile,
		Store:   store,
	}

	generator, err := newGenerator(profile)
	if err != nil {
		return nil, err
	}

	opts := []conversation.Option{}
	if profile.NATSURL != "" {
		natsNotifier, err := notify.NewNATSNotifier(profile.NATSURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to connect to nats")
		}
		s.notifier = natsNotifier
	} else {
		s.notifier = notify.NewLocalNotifier()
	}
	s.closers = append(s.closers, s.notifier.Close)
	opts = append(opts, conversation.WithNotifier(s.notifier))

	if profile.RedisAddr != "" {
		lock, err := conversation.NewRedisTurnLock(ctx, conversation.RedisTurnLockConfig{
			Addr:     profile.RedisAddr,
			Password: profile.RedisPassword,
			TTL:      timeout.StreamTimeout + timeout.PersistTimeout,
		})
		if err != nil {
			s.closeAll()
			return nil, err
		}
		s.closers = append(s.closers, lock.Close)
		opts = append(opts, conversation.WithTurnLock(lock))
	}

	s.Controller = conversation.NewController(store, generator, conversation.Config{
		Provider:             profile.LLMProvider,
		KeepAliveInterval:    profile.StreamKeepAlive,
		MaxConcurrentStreams: profile.MaxConcurrentStreams,
	}, opts...)

	s.echoServer = newEchoServer()
	apiv1.NewAPIV1Service(profile, s.Controller).RegisterRoutes(s.echoServer)
	return s, nil
}

// newGenerator builds the LLM-backed generator. Dev and demo servers without a
// configured provider answer with a canned reply so the UI can be exercised.
func newGenerator(profile *profile.Profile) (ai.Generator, error) {
	if !profile.IsLLMConfigured() {
		if !profile.IsDev() {
			return nil, errors.Errorf("llm provider %q is not configured", profile.LLMProvider)
		}
		slog.Warn("no llm provider configured, replies are canned", slog.String("provider", profile.LLMProvider))
		return &ai.MockGenerator{
			Fragments: []string{"This is a development server ", "without a language model. ", "Set CASECHAT_LLM_API_KEY to get real answers."},
			Delay:     150 * time.Millisecond,
		}, nil
	}
	cfg := ai.NewLLMConfigFromProfile(profile)
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid llm configuration")
	}
	llm, err := ai.NewLLMService(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create llm service")
	}
	return ai.NewGenerator(llm, ai.DefaultSystemPrompt), nil
}

func newEchoServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:    true,
		LogURI:       true,
		LogMethod:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []slog.Attr{
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Int64("duration_ms", v.Latency.Milliseconds()),
				slog.String("request_id", v.RequestID),
			}
			if v.Error != nil {
				attrs = append(attrs, slog.String("error", v.Error.Error()))
			}
			slog.LogAttrs(context.Background(), slog.LevelInfo, "request", attrs...)
			return nil
		},
	}))
	return e
}

// Handler exposes the HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.echoServer
}

// Start serves until ctx is canceled, then shuts down gracefully. Streams in flight
// get timeout.ShutdownTimeout to finish.
func (s *Server) Start(ctx context.Context) error {
	address := fmt.Sprintf("%s:%d", s.Profile.Addr, s.Profile.Port)
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", address)
	}

	// h2c lets proxies multiplex many long-lived streams over one cleartext connection.
	s.httpServer = &http.Server{
		Handler:           h2c.NewHandler(s.echoServer, &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("server started", slog.String("address", address), slog.String("mode", s.Profile.Mode), slog.String("version", s.Profile.Version))
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "failed to serve")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout.ShutdownTimeout)
		defer cancel()
		return s.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops accepting requests, waits for in-flight ones, and releases infrastructure.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("server shutting down")
	var shutdownErr error
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			shutdownErr = errors.Wrap(err, "failed to shutdown http server")
		}
	}
	s.closeAll()
	if err := s.Store.Close(); err != nil {
		slog.Error("failed to close store", slog.String("error", err.Error()))
	}
	slog.Info("server stopped")
	return shutdownErr
}

func (s *Server) closeAll() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("failed to close resource", slog.String("error", err.Error()))
		}
	}
	s.closers = nil
}
