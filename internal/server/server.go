// Package server provides the web front end for a notebook: a token-gated
// JSON API plus a small polling page.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/gorilla/sessions"
	"golang.org/x/sync/errgroup"

	"github.com/leapstack-labs/zima/internal/fsx"
	"github.com/leapstack-labs/zima/internal/notebook"
)

// Server is the notebook web server.
type Server struct {
	notebook     *notebook.Notebook
	sessionStore *sessions.CookieStore
	host         string
	port         int
	watch        bool
	token        string
	logger       *slog.Logger
}

// Config holds configuration for the web server.
type Config struct {
	Notebook *notebook.Notebook
	Host     string
	Port     int
	Watch    bool
	// TokenFile overrides where the access token persists. Empty means the
	// user config directory.
	TokenFile string
	Logger    *slog.Logger
}

// NewServer creates a new server instance, loading or minting the access
// token.
func NewServer(cfg Config) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	token, err := loadOrCreateToken(cfg.TokenFile)
	if err != nil {
		return nil, err
	}

	// The cookie secret is ephemeral: sessions do not survive a restart,
	// the token does.
	sessionStore := sessions.NewCookieStore([]byte(uuid.NewString()))
	sessionStore.MaxAge(86400 * 30)
	sessionStore.Options.Path = "/"
	sessionStore.Options.HttpOnly = true
	sessionStore.Options.SameSite = http.SameSiteLaxMode
	// The server binds plain HTTP on localhost; a Secure cookie would never
	// be sent back and the token gate could not open.
	sessionStore.Options.Secure = false

	return &Server{
		notebook:     cfg.Notebook,
		sessionStore: sessionStore,
		host:         cfg.Host,
		port:         cfg.Port,
		watch:        cfg.Watch,
		token:        token,
		logger:       logger,
	}, nil
}

// Token returns the access token clients must present at /login.
func (s *Server) Token() string {
	return s.token
}

// LoginURL returns the ready-to-open URL carrying the token.
func (s *Server) LoginURL() string {
	host := s.host
	if host == "" || host == "0.0.0.0" {
		host = "localhost"
	}
	return fmt.Sprintf("http://%s:%d/login?token=%s", host, s.port, s.token)
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.Recoverer,
		middleware.Compress(5),
	)

	r.Get("/login", s.handleLoginPage)
	r.Post("/login", s.handleLogin)

	r.Group(func(r chi.Router) {
		r.Use(s.requireAuth)
		r.Get("/", s.handleIndex)
		r.Get("/api/notebook", s.handleNotebook)
		r.Post("/api/cells/{id}/run", s.handleRun)
		r.Post("/api/cells/{id}/code", s.handleCode)
		r.Get("/api/cells/{id}/log", s.handleLog)
		r.Get("/data", s.handleData)
	})

	return r
}

// Serve starts the server and blocks until the context is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)
	s.logger.Info("starting notebook server", "url", s.LoginURL())

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	if s.watch {
		eg.Go(func() error {
			err := s.notebook.Watch(egctx)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		s.logger.Debug("shutting down notebook server...")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}

// loadOrCreateToken reads the persisted access token, minting one on first
// use.
func loadOrCreateToken(path string) (string, error) {
	if path == "" {
		configDir, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("failed to locate config directory: %w", err)
		}
		path = filepath.Join(configDir, "zima", "token")
	}

	data, err := os.ReadFile(path)
	if err == nil && len(data) > 0 {
		return string(data), nil
	}
	if err != nil && !os.IsNotExist(err) {
		return "", fmt.Errorf("failed to read token file: %w", err)
	}

	token := uuid.NewString()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("failed to create token directory: %w", err)
	}
	if err := fsx.WriteFileAtomic(path, []byte(token), 0o600); err != nil {
		return "", fmt.Errorf("failed to persist token: %w", err)
	}
	return token, nil
}
