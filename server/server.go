// Package server exposes the engine over HTTP: workflow CRUD, approval
// actions, actuals ingestion and a server-sent-events stream bridged onto the
// broadcast hub.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	gocache "github.com/patrickmn/go-cache"

	"github.com/retailops/demandflow"
	"github.com/retailops/demandflow/model/session"
	"github.com/retailops/demandflow/service/approval"
	"github.com/retailops/demandflow/service/registry"
)

// Config tunes the HTTP surface.
type Config struct {
	Port int `json:"port" yaml:"port"`

	// StatusCacheTTL bounds staleness of the GET status endpoint; zero
	// disables caching.
	StatusCacheTTL time.Duration `json:"statusCacheTTL" yaml:"statusCacheTTL"`
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		Port:           8080,
		StatusCacheTTL: 500 * time.Millisecond,
	}
}

// Service is the HTTP facade over a runtime.
type Service struct {
	config  Config
	runtime *demandflow.Runtime
	echo    *echo.Echo
	cache   *gocache.Cache
}

// New creates the HTTP service and registers its routes.
func New(runtime *demandflow.Runtime, config Config) *Service {
	if config.Port <= 0 {
		config.Port = DefaultConfig().Port
	}
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())

	ret := &Service{
		config:  config,
		runtime: runtime,
		echo:    e,
		cache:   gocache.New(config.StatusCacheTTL, time.Minute),
	}
	v1 := e.Group("/v1")
	v1.POST("/workflows", ret.createWorkflow)
	v1.GET("/workflows", ret.listWorkflows)
	v1.GET("/workflows/:id", ret.workflowStatus)
	v1.POST("/workflows/:id/approval", ret.approve)
	v1.POST("/workflows/:id/actuals", ret.ingestActuals)
	v1.GET("/workflows/:id/events", ret.streamEvents)
	v1.GET("/workflows/:id/variance", ret.varianceRecords)
	return ret
}

// Start serves until the listener fails or Shutdown is called.
func (s *Service) Start() error {
	return s.echo.Start(fmt.Sprintf(":%d", s.config.Port))
}

// Shutdown drains in-flight requests.
func (s *Service) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

type createWorkflowRequest struct {
	Kind   session.Kind           `json:"kind"`
	Params map[string]interface{} `json:"params"`

	// reforecast only
	ParentID         string `json:"parentId,omitempty"`
	RemainingPeriods int    `json:"remainingPeriods,omitempty"`
}

func (s *Service) createWorkflow(c echo.Context) error {
	request := &createWorkflowRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if request.Kind == "" {
		request.Kind = session.KindForecast
	}
	var options []registry.Option
	if request.ParentID != "" {
		options = append(options, registry.WithParent(request.ParentID))
	}
	if request.RemainingPeriods > 0 {
		options = append(options, registry.WithRemainingPeriods(request.RemainingPeriods))
	}
	snapshot, err := s.runtime.StartWorkflow(c.Request().Context(), request.Kind, request.Params, options...)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, snapshot)
}

func (s *Service) listWorkflows(c echo.Context) error {
	workflows, err := s.runtime.Workflows(c.Request().Context())
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, workflows)
}

func (s *Service) workflowStatus(c echo.Context) error {
	id := c.Param("id")
	if s.config.StatusCacheTTL > 0 {
		if cached, ok := s.cache.Get(id); ok {
			return c.JSON(http.StatusOK, cached)
		}
	}
	snapshot, err := s.runtime.Status(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if s.config.StatusCacheTTL > 0 {
		s.cache.Set(id, snapshot, gocache.DefaultExpiration)
	}
	return c.JSON(http.StatusOK, snapshot)
}

type approvalRequest struct {
	Action      approval.Action `json:"action"`
	Sensitivity float64         `json:"sensitivity"`
}

func (s *Service) approve(c echo.Context) error {
	request := &approvalRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	response, err := s.runtime.Approve(c.Request().Context(), &approval.Request{
		WorkflowID:  c.Param("id"),
		Action:      request.Action,
		Sensitivity: request.Sensitivity,
	})
	if err != nil {
		return httpError(err)
	}
	// a commit invalidates the cached status immediately
	s.cache.Delete(c.Param("id"))
	return c.JSON(http.StatusOK, response)
}

type actualsRequest struct {
	Period    int     `json:"period"`
	ActualQty float64 `json:"actualQty"`
}

func (s *Service) ingestActuals(c echo.Context) error {
	request := &actualsRequest{}
	if err := c.Bind(request); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	record, err := s.runtime.IngestActuals(c.Request().Context(), c.Param("id"), request.Period, request.ActualQty)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusAccepted, record)
}

func (s *Service) varianceRecords(c echo.Context) error {
	records, err := s.runtime.VarianceRecords(c.Request().Context(), c.Param("id"))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, records)
}

// streamEvents bridges the broadcast hub onto a server-sent-events response.
// The connection acknowledgment arrives as the first event; the handler
// blocks until the client disconnects.
func (s *Service) streamEvents(c echo.Context) error {
	response := c.Response()
	response.Header().Set(echo.HeaderContentType, "text/event-stream")
	response.Header().Set("Cache-Control", "no-cache")
	response.Header().Set("Connection", "keep-alive")
	response.WriteHeader(http.StatusOK)
	response.Flush()

	conn := newSSEConnection(response)
	subscriberID, err := s.runtime.Subscribe(c.Request().Context(), c.Param("id"), conn)
	if err != nil {
		return httpError(err)
	}
	defer s.runtime.Unsubscribe(subscriberID)

	select {
	case <-c.Request().Context().Done():
	case <-conn.Done():
	}
	return nil
}

// httpError maps domain sentinels onto HTTP status codes.
func httpError(err error) error {
	switch {
	case errors.Is(err, session.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, session.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}
