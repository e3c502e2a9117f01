package http

import (
	nethttp "net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"go.uber.org/zap"

	"github.com/spec-kit/support-chat/internal/observability"
)

// SocketPath is where the relay accepts websocket upgrades.
const SocketPath = "/socket"

// ServerConfig bundles what the relay needs to serve HTTP and sockets.
type ServerConfig struct {
	Name    string
	Logger  *zap.Logger
	Metrics *observability.Metrics
	Timeout time.Duration
	Routes  RouteConfig
	Socket  nethttp.Handler
}

// Server mounts the fiber REST app and the socket endpoint on one listener.
// The socket handler stays on net/http because gorilla/websocket hijacks the
// connection, which fiber's fasthttp context does not expose.
type Server struct {
	app *fiber.App
	mux *nethttp.ServeMux
}

// NewServer builds the fiber app, registers middlewares and routes, and
// mounts the socket handler when one is given.
func NewServer(cfg ServerConfig) *Server {
	logger := observability.OrNop(cfg.Logger)
	app := fiber.New(fiber.Config{
		AppName:               cfg.Name,
		DisableStartupMessage: true,
	})
	RegisterMiddlewares(app, logger, cfg.Metrics, cfg.Timeout)
	RegisterRoutes(app, cfg.Routes)

	mux := nethttp.NewServeMux()
	if cfg.Socket != nil {
		mux.Handle(SocketPath, cfg.Socket)
	}
	mux.Handle("/", adaptor.FiberApp(app))
	return &Server{app: app, mux: mux}
}

// App exposes the fiber app, mainly for app.Test in handler tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Handler returns the combined handler for an http.Server or httptest.
func (s *Server) Handler() nethttp.Handler {
	return s.mux
}

// Shutdown stops the fiber app.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}
