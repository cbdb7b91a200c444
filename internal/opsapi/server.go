// Package opsapi exposes the operator control surface over HTTP.
package opsapi

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"dmm-engine-go/infrastructure/logger"
	"dmm-engine-go/internal/engine"
	"dmm-engine-go/risk"
)

// ControlPort is the control-plane surface operator commands drive.
type ControlPort interface {
	Pause()
	Resume()
	ForceState(target risk.State, reason string, now time.Time)
	TripStress(reason string, now time.Time)
	State() risk.State
	Paused() bool
}

// StatusSource reports engine state for GET /status.
type StatusSource interface {
	Status() (risk.State, bool, []engine.InstrumentStatus)
}

// CommandRequest is the operator command body. Actor identity is mandatory:
// every command is logged with who issued it.
type CommandRequest struct {
	Action string `json:"action"` // pause | resume | force_state | kill
	State  string `json:"state,omitempty"`
	Actor  string `json:"actor"`
	Reason string `json:"reason,omitempty"`
}

// Server is the echo-based ops API.
type Server struct {
	e       *echo.Echo
	control ControlPort
	status  StatusSource
	log     *logger.Logger
}

// New builds the server.
func New(control ControlPort, status StatusSource, log *logger.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{e: e, control: control, status: status, log: log}
	e.POST("/control", s.handleControl)
	e.GET("/status", s.handleStatus)
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
	return s
}

// Start serves on addr until Shutdown.
func (s *Server) Start(addr string) error {
	err := s.e.Start(addr)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.e.Shutdown(ctx)
}

func (s *Server) handleControl(c echo.Context) error {
	var req CommandRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid body"})
	}
	if req.Actor == "" {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "actor is required"})
	}

	now := time.Now()
	s.log.Warn("operator command",
		zap.String("action", req.Action),
		zap.String("state", req.State),
		zap.String("actor", req.Actor),
		zap.String("reason", req.Reason),
	)

	switch req.Action {
	case "pause":
		s.control.Pause()
	case "resume":
		s.control.Resume()
	case "kill":
		s.control.TripStress("operator kill switch ("+req.Actor+")", now)
	case "force_state":
		target, ok := risk.ParseState(req.State)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown state " + req.State})
		}
		reason := req.Reason
		if reason == "" {
			reason = "operator force_state by " + req.Actor
		}
		s.control.ForceState(target, reason, now)
	default:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "unknown action " + req.Action})
	}

	return c.JSON(http.StatusOK, map[string]string{
		"state":  s.control.State().String(),
		"paused": boolStr(s.control.Paused()),
	})
}

func (s *Server) handleStatus(c echo.Context) error {
	state, paused, instruments := s.status.Status()
	return c.JSON(http.StatusOK, map[string]interface{}{
		"control_state": state.String(),
		"paused":        paused,
		"instruments":   instruments,
	})
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
