package httpapi

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/isdmx/pysandbox/config"
	"github.com/isdmx/pysandbox/executor"
	"github.com/isdmx/pysandbox/model"
	"github.com/isdmx/pysandbox/pool"
)

// Executor is the execution core the handlers call into
type Executor interface {
	RunOnce(ctx context.Context, req model.ExecutionRequest) (model.ExecutionResult, error)
	EvaluateSubmission(ctx context.Context, req model.SubmissionRequest) (model.SubmissionResult, error)
	PoolStats() pool.Stats
}

// ErrorResponse is the body of every non-2xx response
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server is the REST transport
type Server struct {
	config   *config.Config
	logger   *zap.Logger
	executor Executor
	app      *fiber.App
}

// New creates a Server with its routes registered
func New(cfg *config.Config, logger *zap.Logger, exec Executor) *Server {
	s := &Server{
		config:   cfg,
		logger:   logger,
		executor: exec,
	}
	s.app = fiber.New(fiber.Config{
		AppName:               "pysandbox",
		DisableStartupMessage: true,
		ErrorHandler:          s.handleError,
	})
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.app.Get("/healthz", s.healthHandler)

	api := s.app.Group("/api")
	api.Post("/run", s.runHandler)
	api.Post("/submit", s.submitHandler)
	api.Get("/pool/stats", s.statsHandler)
}

// App returns the underlying fiber application
func (s *Server) App() *fiber.App {
	return s.app
}

// Serve listens on the configured port and blocks until Shutdown
func (s *Server) Serve() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting REST server", zap.Int("port", port))
	return s.app.Listen(fmt.Sprintf(":%d", port))
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) healthHandler(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

func (s *Server) runHandler(c *fiber.Ctx) error {
	var req model.ExecutionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := s.executor.RunOnce(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (s *Server) submitHandler(c *fiber.Ctx) error {
	var req model.SubmissionRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(fiber.StatusBadRequest, "invalid request body")
	}

	result, err := s.executor.EvaluateSubmission(c.UserContext(), req)
	if err != nil {
		return err
	}
	return c.JSON(result)
}

func (s *Server) statsHandler(c *fiber.Ctx) error {
	return c.JSON(s.executor.PoolStats())
}

// handleError maps invalid requests to 400 and hides control-plane detail
// behind a generic 500.
func (s *Server) handleError(c *fiber.Ctx, err error) error {
	code := fiber.StatusInternalServerError
	msg := "execution failed"

	var fiberErr *fiber.Error
	switch {
	case errors.As(err, &fiberErr):
		code = fiberErr.Code
		msg = fiberErr.Message
	case errors.Is(err, executor.ErrInvalidRequest):
		code = fiber.StatusBadRequest
		msg = err.Error()
	default:
		s.logger.Error("request failed", zap.String("path", c.Path()), zap.Error(err))
	}

	return c.Status(code).JSON(ErrorResponse{Error: msg})
}
