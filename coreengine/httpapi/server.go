// Package httpapi provides the HTTP surface of the supervisor: health and
// metrics, read-only workflow inspection, rule lookup, and a stateless
// session endpoint that streams emitted envelopes as NDJSON.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeeves-cluster-organization/supervisor/commbus"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/agents"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/rules"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/runtime"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/transport"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/workflow"
)

// MIMEApplicationNDJSON is the content type of streamed envelope responses.
const MIMEApplicationNDJSON = "application/x-ndjson"

// eventBuffer bounds notifications queued for one events stream.
const eventBuffer = 64

// Deps are the collaborators the HTTP server serves.
type Deps struct {
	Manager *runtime.SessionManager
	Engine  *workflow.Engine
	// Bus answers rule queries and reload commands and feeds the events
	// stream. Nil disables those endpoints.
	Bus    commbus.CommBus
	Logger agents.Logger
}

// Config holds HTTP server configuration.
type Config struct {
	Address string
}

// Server provides HTTP endpoints for the supervisor.
type Server struct {
	echo    *echo.Echo
	manager *runtime.SessionManager
	engine  *workflow.Engine
	bus     commbus.CommBus
	logger  agents.Logger
	config  *Config
}

// NewServer creates a new HTTP server.
func NewServer(deps Deps, cfg *Config) (*Server, error) {
	if deps.Manager == nil || deps.Engine == nil {
		return nil, fmt.Errorf("session manager and workflow engine are required")
	}
	if deps.Logger == nil {
		return nil, fmt.Errorf("logger is required for request tracking and debugging")
	}
	if cfg == nil {
		cfg = &Config{Address: "localhost:8080"}
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			deps.Logger.Info("http_request",
				"method", c.Request().Method,
				"uri", c.Request().RequestURI,
				"status", c.Response().Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", c.Response().Header().Get(echo.HeaderXRequestID),
			)
			return err
		}
	})

	s := &Server{
		echo:    e,
		manager: deps.Manager,
		engine:  deps.Engine,
		bus:     deps.Bus,
		logger:  deps.Logger,
		config:  cfg,
	}
	s.registerRoutes()
	return s, nil
}

// registerRoutes sets up the HTTP endpoints.
func (s *Server) registerRoutes() {
	s.echo.GET("/health", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	v1 := s.echo.Group("/api/v1")
	v1.GET("/workflows", s.handleListWorkflows)
	v1.GET("/workflows/:verb", s.handleGetWorkflow)
	v1.POST("/workflows/reload", s.handleReloadWorkflows)
	v1.GET("/rules/:code", s.handleGetRule)

	v1.POST("/sessions", s.handleOpenSession)
	v1.GET("/sessions/:session_id", s.handleSessionStatus)
	v1.DELETE("/sessions/:session_id", s.handleCloseSession)
	v1.POST("/sessions/:session_id/envelopes", s.handleEnvelopes)
	v1.GET("/sessions/:session_id/events", s.handleEvents)
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Sessions int    `json:"sessions"`
}

// WorkflowsResponse is the response body for GET /api/v1/workflows.
type WorkflowsResponse struct {
	Verbs []envelope.Verb `json:"verbs"`
}

// =============================================================================
// HANDLERS
// =============================================================================

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Sessions: s.manager.Len()})
}

func (s *Server) handleListWorkflows(c echo.Context) error {
	return c.JSON(http.StatusOK, WorkflowsResponse{Verbs: s.engine.Verbs()})
}

func (s *Server) handleGetWorkflow(c echo.Context) error {
	verb, err := envelope.VerbFromString(c.Param("verb"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	graph, err := s.engine.Graph(verb)
	if errors.Is(err, workflow.ErrUnknownVerb) {
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, graph)
}

func (s *Server) handleReloadWorkflows(c echo.Context) error {
	if s.bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "workflow reload is not configured")
	}
	if !s.bus.HasHandler("ReloadWorkflows") {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "workflow reload is not configured")
	}
	err := s.bus.Send(c.Request().Context(), &commbus.ReloadWorkflows{Reason: "http"})
	if errors.Is(err, commbus.ErrCircuitOpen) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	}
	return c.JSON(http.StatusOK, WorkflowsResponse{Verbs: s.engine.Verbs()})
}

func (s *Server) handleGetRule(c echo.Context) error {
	if s.bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "rule lookup is not configured")
	}
	result, err := s.bus.QuerySync(c.Request().Context(), &commbus.GetRule{Code: c.Param("code")})
	switch {
	case errors.Is(err, rules.ErrRuleNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, commbus.ErrNoHandler):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "rule lookup is not configured")
	case errors.Is(err, commbus.ErrCircuitOpen):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case err != nil:
		return err
	}
	return c.JSON(http.StatusOK, result)
}

func (s *Server) handleOpenSession(c echo.Context) error {
	sess := s.manager.Open("")
	return c.JSON(http.StatusCreated, sess.Status())
}

func (s *Server) handleSessionStatus(c echo.Context) error {
	sess, ok := s.manager.Get(c.Param("session_id"))
	if !ok {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.JSON(http.StatusOK, sess.Status())
}

func (s *Server) handleCloseSession(c echo.Context) error {
	if !s.manager.Close(c.Param("session_id")) {
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	}
	return c.NoContent(http.StatusNoContent)
}

// handleEnvelopes reads one or more NDJSON envelopes from the request body
// and streams every envelope they cause back as NDJSON. Envelopes addressed
// to another session, and lines that do not decode, are answered with a
// malformed_envelope error envelope.
func (s *Server) handleEnvelopes(c echo.Context) error {
	sessionID := c.Param("session_id")
	ctx := c.Request().Context()

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, MIMEApplicationNDJSON)
	res.WriteHeader(http.StatusOK)

	reader := transport.NewReader(c.Request().Body)
	writer := transport.NewWriter(res)

	for {
		env, err := reader.Next()
		if err != nil {
			if errors.Is(err, envelope.ErrMalformedEnvelope) {
				if err := s.reject(ctx, writer, sessionID, err); err != nil || reader.Broken() {
					return nil
				}
				continue
			}
			if !errors.Is(err, io.EOF) {
				s.logger.Warn("http_envelope_read_failed", "session_id", sessionID, "error", err.Error())
			}
			return nil
		}

		if env.SessionID != sessionID {
			cause := &envelope.MalformedEnvelopeError{Field: "sessionId", Value: env.SessionID, Cause: errors.New("does not match the session in the path")}
			if err := s.reject(ctx, writer, sessionID, cause); err != nil {
				return nil
			}
			continue
		}

		if err := s.manager.Handle(ctx, env, writer.Emit); err != nil {
			s.logger.Warn("http_envelope_stream_ended", "session_id", sessionID, "error", err.Error())
			return nil
		}
	}
}

func (s *Server) reject(ctx context.Context, writer *transport.Writer, sessionID string, cause error) error {
	s.logger.Warn("http_envelope_rejected", "session_id", sessionID, "error", cause.Error())
	reply, err := envelope.NewError(envelope.Header{SessionID: sessionID}, cause.Error(), envelope.CodeMalformedEnvelope, nil)
	if err != nil {
		return err
	}
	return writer.Emit(ctx, reply)
}

// handleEvents streams the session's notifications as server-sent events
// until the client disconnects.
func (s *Server) handleEvents(c echo.Context) error {
	if s.bus == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event stream is not configured")
	}
	sessionID := c.Param("session_id")
	ctx := c.Request().Context()

	events := make(chan commbus.Notification, eventBuffer)
	for _, eventType := range commbus.NotificationTypes {
		unsubscribe := s.bus.Subscribe(eventType, func(_ context.Context, msg commbus.Message) (any, error) {
			n, ok := msg.(commbus.Notification)
			if !ok || n.Session() != sessionID {
				return nil, nil
			}
			select {
			case events <- n:
			default:
				s.logger.Warn("http_event_dropped", "session_id", sessionID, "topic", n.Topic())
			}
			return nil, nil
		})
		defer unsubscribe()
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set(echo.HeaderCacheControl, "no-cache")
	res.Header().Set(echo.HeaderConnection, "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	for {
		select {
		case <-ctx.Done():
			return nil
		case n := <-events:
			data, err := json.Marshal(n)
			if err != nil {
				s.logger.Error("http_event_encode_failed", "topic", n.Topic(), "error", err.Error())
				continue
			}
			if _, err := fmt.Fprintf(res, "event: %s\ndata: %s\n\n", n.Topic(), data); err != nil {
				return nil
			}
			res.Flush()
		}
	}
}

// =============================================================================
// LIFECYCLE
// =============================================================================

// Start starts the HTTP server. It returns http.ErrServerClosed after Shutdown.
func (s *Server) Start() error {
	s.logger.Info("http_server_starting", "address", s.config.Address)
	return s.echo.Start(s.config.Address)
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http_server_shutting_down")
	return s.echo.Shutdown(ctx)
}
