// Package server exposes the session store over a small JSON HTTP API, with
// an optional in-process monitor for on-demand sync.
package server

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"k8s.io/klog/v2"

	"github.com/frago-dev/agentwatch/internal/monitor"
	"github.com/frago-dev/agentwatch/internal/session"
	"github.com/frago-dev/agentwatch/internal/storage"
)

// Syncer triggers a full sweep of the watched tree. Satisfied by
// *monitor.Monitor; kept as an interface so tests can stub it.
type Syncer interface {
	SyncAllProjects() monitor.SyncStats
}

type Server struct {
	store  *storage.Store
	syncer Syncer
	echo   *echo.Echo
}

func New(store *storage.Store, syncer Syncer) *Server {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())

	s := &Server{store: store, syncer: syncer, echo: e}

	e.GET("/api/sessions", s.listSessions)
	e.GET("/api/sessions/:id", s.getSession)
	e.GET("/api/sessions/:id/summary", s.getSummary)
	e.POST("/api/sync", s.triggerSync)

	return s
}

// Start blocks serving HTTP until Shutdown is called or the listener fails.
func (s *Server) Start(addr string) error {
	klog.Infof("http api listening on %s", addr)
	err := s.echo.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// Handler exposes the route tree for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.echo
}

// sessionResponse is the metadata plus steps payload for a single session.
type sessionResponse struct {
	*session.Session
	Steps []session.Step `json:"steps"`
}

func (s *Server) listSessions(c echo.Context) error {
	agentType := c.QueryParam("agent")
	status := session.Status(c.QueryParam("status"))
	limit := 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid limit"})
		}
		limit = n
	}

	sessions, err := s.store.ListSessions(agentType, status, limit)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if sessions == nil {
		sessions = []*session.Session{}
	}
	return c.JSON(http.StatusOK, sessions)
}

func (s *Server) getSession(c echo.Context) error {
	id := c.Param("id")
	sess, err := s.store.GetSession(id)
	if err != nil {
		if storage.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}

	steps, err := s.store.ReadSteps(id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	if steps == nil {
		steps = []session.Step{}
	}
	return c.JSON(http.StatusOK, sessionResponse{Session: sess, Steps: steps})
}

func (s *Server) getSummary(c echo.Context) error {
	id := c.Param("id")
	sum, err := s.store.ReadSummary(id)
	if err != nil {
		if storage.IsNotFound(err) {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "session not found"})
		}
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
	}
	return c.JSON(http.StatusOK, sum)
}

func (s *Server) triggerSync(c echo.Context) error {
	if s.syncer == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "no monitor attached"})
	}
	stats := s.syncer.SyncAllProjects()
	return c.JSON(http.StatusOK, stats)
}
