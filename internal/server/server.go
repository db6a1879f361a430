package server

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/agentpay/agentpay/internal/config"
	"github.com/agentpay/agentpay/internal/routes"
)

// Server wraps the Fiber application, shared dependencies, and the
// background workers (saga resume, escrow expiry sweep).
type Server struct {
	app   *fiber.App
	cfg   config.Config
	db    *pgxpool.Pool
	cache *redis.Client
	bg    *routes.Background
	wg    sync.WaitGroup
}

// New instantiates the HTTP server and delegates route wiring to routes.Setup.
func New(cfg config.Config, db *pgxpool.Pool, cache *redis.Client, logger *slog.Logger) (*Server, error) {
	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})

	bg, err := routes.Setup(app, routes.Deps{Cfg: cfg, DB: db, Cache: cache, Logger: logger})
	if err != nil {
		return nil, err
	}

	return &Server{app: app, cfg: cfg, db: db, cache: cache, bg: bg}, nil
}

// StartWorkers launches the background workers; they stop when ctx is
// cancelled.
func (s *Server) StartWorkers(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.bg.SagaWorker.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		s.bg.EscrowSweeper.Run(ctx)
	}()
}

// Shutdown gracefully stops the HTTP server and waits for the workers to
// finish their current pass.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-ctx.Done():
	case <-done:
	}
	return err
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}
