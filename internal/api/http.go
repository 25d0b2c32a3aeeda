// Package api exposes the Request API (post_request, cancel_request) and
// a request status lookup over HTTP, using the teacher's echo + echo's
// Prometheus middleware combination.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo-contrib/prometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/modfin/notifyd/internal/metrics"
	"github.com/modfin/notifyd/internal/requestapi"
)

type postRequestBody struct {
	PartyFrom   string `json:"party_from"`
	PartyTo     string `json:"party_to"`
	ExpandGroup bool   `json:"expand_group"`
	Subject     string `json:"subject"`
	Message     string `json:"message"`
	MaxRetries  *int   `json:"max_retries"`
}

type postRequestResponse struct {
	RequestID int64 `json:"request_id"`
}

func postRequest(a *requestapi.API) echo.HandlerFunc {
	return func(c echo.Context) error {
		var body postRequestBody
		if err := c.Bind(&body); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("failed to bind body: %v", err))
		}

		id, err := a.PostRequest(c.Request().Context(), requestapi.PostInput{
			PartyFrom:   body.PartyFrom,
			PartyTo:     body.PartyTo,
			ExpandGroup: body.ExpandGroup,
			Subject:     body.Subject,
			Message:     body.Message,
			MaxRetries:  body.MaxRetries,
		})
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return c.JSON(http.StatusOK, postRequestResponse{RequestID: id})
	}
}

func cancelRequest(a *requestapi.API) echo.HandlerFunc {
	return func(c echo.Context) error {
		var requestID int64
		if _, err := fmt.Sscanf(c.Param("id"), "%d", &requestID); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "id must be an integer")
		}
		if err := a.CancelRequest(c.Request().Context(), requestID); err != nil {
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
		return c.NoContent(http.StatusNoContent)
	}
}

func getRequest(a *requestapi.API) echo.HandlerFunc {
	return func(c echo.Context) error {
		var requestID int64
		if _, err := fmt.Sscanf(c.Param("id"), "%d", &requestID); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "id must be an integer")
		}
		req, err := a.GetRequest(c.Request().Context(), requestID)
		if err != nil {
			return echo.NewHTTPError(http.StatusNotFound, err.Error())
		}
		return c.JSON(http.StatusOK, req)
	}
}

// Server owns the echo instance backing the Request API's HTTP surface.
type Server struct {
	echo *echo.Echo
	port int
}

func New(a *requestapi.API, m *metrics.Metrics, port int) *Server {
	e := echo.New()
	e.HideBanner = true

	prom := prometheus.NewPrometheus("notifyd", nil)
	e.Use(middleware.Logger(), prom.HandlerFunc)

	e.POST("/requests", postRequest(a))
	e.POST("/requests/:id/cancel", cancelRequest(a))
	e.GET("/requests/:id", getRequest(a))
	e.GET("/internal/metrics", echo.WrapHandler(m.Handler()))

	return &Server{echo: e, port: port}
}

// Start blocks serving HTTP until the server is shut down.
func (s *Server) Start() error {
	err := s.echo.Start(fmt.Sprintf(":%d", s.port))
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.echo.Shutdown(shutdownCtx)
}
