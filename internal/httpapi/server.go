// Package httpapi assembles the admission HTTP handler and the shard
// channel's WebSocket upgrade route into a single serveable application:
// one echo.Echo carrying both REST endpoints and the upgrade handshake
// for the long-lived connection.
package httpapi

import (
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"worldshard/internal/admission"
	"worldshard/internal/geom"
	"worldshard/internal/shard"
)

// Server wraps the admission echo.Echo app with the /cell/:cellId upgrade
// route that hands a freshly accepted socket off to its shard.
type Server struct {
	echo     *echo.Echo
	registry *shard.Registry
	upgrader websocket.Upgrader
}

// New builds the full HTTP application: admission's routes (/join,
// /health, /api/metrics, CORS) plus the shard channel upgrade route.
func New(admissionHandler *admission.Handler, registry *shard.Registry) *Server {
	s := &Server{
		echo:     admissionHandler.NewEcho(),
		registry: registry,
		upgrader: websocket.Upgrader{
			// The shard channel is consumed by arbitrary game clients, not
			// same-origin browser pages; origin checking is left to the
			// session-token handshake.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	s.echo.GET("/cell/:cellId", s.handleCellUpgrade)
	return s
}

// Handler returns the net/http handler to serve.
func (s *Server) Handler() http.Handler { return s.echo }

func (s *Server) handleCellUpgrade(c echo.Context) error {
	if !websocket.IsWebSocketUpgrade(c.Request()) {
		return c.NoContent(http.StatusUpgradeRequired)
	}
	cellID := geom.CellID(c.Param("cellId"))
	sh := s.registry.Get(cellID)

	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade itself already wrote an HTTP error response.
		return nil
	}
	sh.Accept(conn)
	return nil
}
