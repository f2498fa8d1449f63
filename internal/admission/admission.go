// Package admission implements the HTTP front door: POST /join validates
// the request, derives the owning cell, mints a one-time session token,
// asks that shard to pre-register the (playerId, sessionToken) pair, and
// returns the shard channel URL plus a fresh relay-server list.
//
// Handler wiring uses echo with RequestLogger and Recover middleware and a
// single JSON HTTPErrorHandler.
package admission

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"worldshard/internal/geom"
	"worldshard/internal/relay"
	"worldshard/internal/shard"
)

// AuthVerifier validates the optional authToken on a /join request. The
// default, NoopAuthVerifier, always accepts — the core does not
// authenticate payload contents, only session tokens; a deployment wanting
// real auth fills this seam.
type AuthVerifier func(playerID, authToken string) error

// NoopAuthVerifier accepts every request, regardless of authToken.
func NoopAuthVerifier(string, string) error { return nil }

// JoinRequest is the POST /join request body.
type JoinRequest struct {
	PlayerID  string      `json:"playerId"`
	Position  geom.Vector `json:"position"`
	AuthToken string      `json:"authToken,omitempty"`
}

// JoinResponse is the POST /join success response body.
type JoinResponse struct {
	CellID           string         `json:"cellId"`
	CellWebSocketURL string         `json:"cellWebSocketUrl"`
	SessionToken     string         `json:"sessionToken"`
	TransportMode    string         `json:"transportMode"`
	ICEServers       []relay.Server `json:"iceServers"`
}

// Config wires an admission Handler's dependencies.
type Config struct {
	Registry         *shard.Registry
	Relay            *relay.Resolver
	VerifyAuthToken  AuthVerifier
	SFUEnabled       func() bool
	ChannelPathStyle string // "ws" or "wss", overridable for tests
}

// Handler serves the admission HTTP endpoints.
type Handler struct {
	cfg Config
}

// NewHandler builds an admission Handler. A nil VerifyAuthToken defaults
// to NoopAuthVerifier; a nil SFUEnabled defaults to always-false.
func NewHandler(cfg Config) *Handler {
	if cfg.VerifyAuthToken == nil {
		cfg.VerifyAuthToken = NoopAuthVerifier
	}
	if cfg.SFUEnabled == nil {
		cfg.SFUEnabled = func() bool { return false }
	}
	return &Handler{cfg: cfg}
}

// NewEcho builds an *echo.Echo wired with this handler's routes and
// middleware/error-handling conventions.
func (h *Handler) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(_ echo.Context, v middleware.RequestLoggerValues) error {
			return nil
		},
	}))
	e.HTTPErrorHandler = jsonErrorHandler
	e.Use(corsMiddleware)

	e.POST("/join", h.handleJoin)
	e.GET("/health", h.handleHealth)
	e.GET("/api/metrics", h.handleMetrics)
	return e
}

func corsMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		c.Response().Header().Set("Access-Control-Allow-Origin", "*")
		c.Response().Header().Set("Access-Control-Allow-Methods", "GET,HEAD,POST,OPTIONS")
		c.Response().Header().Set("Access-Control-Allow-Headers", "content-type")
		if c.Request().Method == http.MethodOptions {
			return c.NoContent(http.StatusNoContent)
		}
		return next(c)
	}
}

func (h *Handler) handleJoin(c echo.Context) error {
	var req JoinRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "malformed request body")
	}
	req.PlayerID = strings.TrimSpace(req.PlayerID)
	if req.PlayerID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "playerId is required")
	}
	if !req.Position.Finite() {
		return echo.NewHTTPError(http.StatusBadRequest, "position must be a finite vector")
	}
	if err := h.cfg.VerifyAuthToken(req.PlayerID, req.AuthToken); err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, err.Error())
	}

	cellID := geom.CellOf(req.Position)
	s := h.cfg.Registry.Get(cellID)

	sessionToken := uuid.NewString()
	if err := s.Prepare(req.PlayerID, sessionToken); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	scheme := "ws"
	if h.cfg.ChannelPathStyle != "" {
		scheme = h.cfg.ChannelPathStyle
	} else if c.Request().TLS != nil || c.Request().Header.Get("X-Forwarded-Proto") == "https" {
		scheme = "wss"
	}
	host := c.Request().Host
	if fwd := c.Request().Header.Get("X-Forwarded-Host"); fwd != "" {
		host = fwd
	}

	transportMode := "p2p"
	if h.cfg.SFUEnabled() {
		transportMode = "sfu"
	}

	resp := JoinResponse{
		CellID:           string(cellID),
		CellWebSocketURL: scheme + "://" + host + "/cell/" + string(cellID),
		SessionToken:     sessionToken,
		TransportMode:    transportMode,
		ICEServers:       h.cfg.Relay.Resolve(),
	}
	return c.JSON(http.StatusOK, resp)
}

// HealthResponse is the GET /health response body.
type HealthResponse struct {
	Status      string `json:"status"`
	Shards      int    `json:"shards"`
	Connections int    `json:"connections"`
}

func (h *Handler) handleHealth(c echo.Context) error {
	shards, conns := h.cfg.Registry.Stats()
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok", Shards: shards, Connections: conns})
}

// MetricsResponse is the GET /api/metrics response body.
type MetricsResponse struct {
	Shards      int `json:"shards"`
	Connections int `json:"connections"`
}

func (h *Handler) handleMetrics(c echo.Context) error {
	shards, conns := h.cfg.Registry.Stats()
	return c.JSON(http.StatusOK, MetricsResponse{Shards: shards, Connections: conns})
}

func jsonErrorHandler(err error, c echo.Context) {
	code := http.StatusInternalServerError
	msg := err.Error()
	if he, ok := err.(*echo.HTTPError); ok {
		code = he.Code
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if !c.Response().Committed {
		if c.Request().Method == http.MethodHead {
			c.NoContent(code) //nolint:errcheck
		} else {
			c.JSON(code, map[string]string{"error": msg}) //nolint:errcheck
		}
	}
}
