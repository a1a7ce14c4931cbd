// Package api serves the admin and status API and the prometheus metrics
// endpoint.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/javi11/rarlink/internal/database"
	"github.com/javi11/rarlink/internal/importer"
	"github.com/javi11/rarlink/internal/upnp"
	"github.com/javi11/rarlink/internal/vfs"
)

// Pipeline reports the import pipeline state
type Pipeline interface {
	Status() importer.Status
}

// Mounts is the virtual file server mount table
type Mounts interface {
	Mounts() []vfs.MountHandle
	Unmount(ctx context.Context, id string) error
	BaseURL() string
}

// NAT reports port mapping state
type NAT interface {
	Status() upnp.Status
}

// History lists processing outcomes
type History interface {
	List(ctx context.Context, outcome database.Outcome, limit, offset int) ([]*database.HistoryEntry, error)
	CountByOutcome(ctx context.Context) (map[database.Outcome]int64, error)
}

// Counters reads persisted counters
type Counters interface {
	All(ctx context.Context) (map[string]int64, error)
}

// Deps are the collaborators of the API. NAT, History and Counters may be nil.
type Deps struct {
	Pipeline Pipeline
	Mounts   Mounts
	NAT      NAT
	History  History
	Counters Counters
}

// Server is the admin API
type Server struct {
	deps    Deps
	app     *fiber.App
	log     *slog.Logger
	started time.Time
}

// NewServer builds the fiber app and registers every route
func NewServer(deps Deps) *Server {
	s := &Server{
		deps:    deps,
		log:     slog.Default().With("component", "api"),
		started: time.Now(),
	}

	s.app = fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var e *fiber.Error
			if errors.As(err, &e) {
				code = e.Code
			}
			s.log.Error("Fiber error", "path", c.Path(), "method", c.Method(), "error", err)
			return RespondError(c, code, ErrCodeInternalServer, err.Error(), "")
		},
	})
	s.app.Use(recover.New())

	s.RegisterRoutes(s.app)
	return s
}

// App returns the fiber application
func (s *Server) App() *fiber.App { return s.app }

// RegisterRoutes mounts the API under /api and metrics under /metrics
func (s *Server) RegisterRoutes(r fiber.Router) {
	api := r.Group("/api")
	api.Get("/status", s.handleStatus)
	api.Get("/queue", s.handleQueue)
	api.Get("/mounts", s.handleListMounts)
	api.Delete("/mounts/:id", s.handleDeleteMount)
	api.Get("/nat", s.handleNAT)
	api.Get("/history", s.handleHistory)

	r.Get("/metrics", adaptor.HTTPHandler(promhttp.Handler()))
}

// Serve accepts connections on ln until Shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.log.Info("Admin API listening", "addr", ln.Addr().String())
	return s.app.Listener(ln)
}

// Shutdown stops the fiber app
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}
