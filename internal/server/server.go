// Package server exposes a model's predictor over HTTP.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/born-ml/seq2seq/internal/config"
	"github.com/born-ml/seq2seq/internal/logger"
	json "github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
)

// Predictor generates one output per input, in order.
type Predictor interface {
	Predict(ctx context.Context, inputs []string) ([]string, error)
}

// Info describes the served model.
type Info struct {
	ModelName string `json:"model"`
	ModelType string `json:"model_type"`
	Device    string `json:"device"`
}

// PredictRequest is the body of POST /v1/predict.
type PredictRequest struct {
	Inputs []string `json:"inputs"`
}

// PredictResponse answers POST /v1/predict.
type PredictResponse struct {
	Outputs []string `json:"outputs"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error string `json:"error"`
}

// Server routes prediction requests to a Predictor.
type Server struct {
	pred Predictor
	info Info
	log  logger.Logger
}

// New creates a server.
func New(pred Predictor, info Info, log logger.Logger) *Server {
	if log == nil {
		log = logger.Discard()
	}
	return &Server{pred: pred, info: info, log: log}
}

// Register adds the routes to e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.POST("/v1/predict", s.handlePredict)
}

// Handler is an echo instance with request logging, panic recovery and
// the routes registered.
func (s *Server) Handler() *echo.Echo {
	e := echo.New()
	e.Use(middleware.RequestLogger())
	e.Use(middleware.Recover())
	s.Register(e)
	return e
}

// Serve listens on addr until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	s.log.Info("starting server", "address", addr, "model", s.info.ModelName)
	sc := echo.StartConfig{
		Address: addr,
		BeforeServeFunc: func(srv *http.Server) error {
			srv.ReadHeaderTimeout = 10 * time.Second
			return nil
		},
	}
	return sc.Start(ctx, s.Handler())
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":     "ok",
		"model":      s.info.ModelName,
		"model_type": s.info.ModelType,
		"device":     s.info.Device,
	})
}

func (s *Server) handlePredict(c *echo.Context) error {
	req, err := decodeJSON[PredictRequest](c.Request().Body)
	if err != nil {
		return writeError(c, http.StatusBadRequest, err.Error())
	}
	if len(req.Inputs) == 0 {
		return writeError(c, http.StatusBadRequest, "inputs is required and must not be empty")
	}
	outputs, err := s.pred.Predict(c.Request().Context(), req.Inputs)
	if err != nil {
		if errors.Is(err, config.ErrInput) || errors.Is(err, config.ErrConfig) {
			return writeError(c, http.StatusBadRequest, err.Error())
		}
		s.log.Error("predict failed", "error", err, "inputs", len(req.Inputs))
		return writeError(c, http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, PredictResponse{Outputs: outputs})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var v T
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&v); err != nil {
		return v, fmt.Errorf("invalid request body: %w", err)
	}
	return v, nil
}

func writeError(c *echo.Context, status int, msg string) error {
	return c.JSON(status, ErrorResponse{Error: msg})
}
