// Package web exposes the scanner over HTTP and websockets: session
// control, transport jog, film formats, registration setup and a live
// status feed.
package web

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/websocket/v2"

	"github.com/innot/tofisca/internal/log"
	"github.com/innot/tofisca/pkg/camera"
	"github.com/innot/tofisca/pkg/hub"
	"github.com/innot/tofisca/pkg/registration"
	"github.com/innot/tofisca/pkg/scan"
)

// Config holds the web server configuration.
type Config struct {
	// Listen is the address to bind, e.g. ":8080".
	Listen string
}

// Server wires the scan coordinator to fiber routes and the status
// websocket hub.
type Server struct {
	cfg   Config
	app   *fiber.App
	coord *scan.Coordinator
	cam   camera.Capture
	reg   *registration.AreaRegistrar

	statusHub *hub.Hub

	cancel context.CancelFunc
}

// New builds the server and registers all routes. The camera handle
// may be nil; the preview and detection endpoints then return 503.
func New(cfg Config, coord *scan.Coordinator, cam camera.Capture, reg *registration.AreaRegistrar) *Server {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		ReadTimeout:           30 * time.Second,
	})

	s := &Server{
		cfg:       cfg,
		app:       app,
		coord:     coord,
		cam:       cam,
		reg:       reg,
		statusHub: hub.New("status"),
	}

	app.Use(cors.New())

	api := app.Group("/api")
	api.Get("/film/formats", s.handleFormats)

	api.Get("/scan/status", s.handleStatus)
	api.Post("/scan/start", s.handleStart)
	api.Post("/scan/pause", s.handlePause)
	api.Post("/scan/resume", s.handleResume)
	api.Post("/scan/abort", s.handleAbort)

	api.Post("/transport/jog", s.handleJog)

	api.Get("/camera/preview", s.handlePreview)
	api.Post("/registration/autodetect", s.handleAutodetect)
	api.Post("/registration/manual", s.handleManualDetect)
	api.Get("/registration/area", s.handleArea)

	// websocket upgrade gate
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})
	app.Get("/ws/status", websocket.New(s.handleStatusSocket))

	// the coordinator publishes every state transition
	coord.SetNotify(s.PublishStatus)

	return s
}

// App returns the underlying fiber app, used by tests.
func (s *Server) App() *fiber.App { return s.app }

// Start runs the hub and listens on the configured address. Blocks
// until Shutdown.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.statusHub.Run(ctx)

	log.Info("web server listening", "addr", s.cfg.Listen)
	return s.app.Listen(s.cfg.Listen)
}

// Shutdown stops the listener and disconnects all websocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.app.ShutdownWithContext(ctx)
}

// PublishStatus broadcasts a status snapshot to all websocket clients.
func (s *Server) PublishStatus(st scan.Status) {
	if err := s.statusHub.BroadcastJSON(st); err != nil {
		log.Error("status broadcast failed", "error", err)
	}
}

// handleStatusSocket sends the current status on connect, then the hub
// streams live updates.
func (s *Server) handleStatusSocket(conn *websocket.Conn) {
	s.statusHub.Serve(conn, func(c *hub.Client) {
		st := s.coord.Status()
		data, err := json.Marshal(st)
		if err != nil {
			return
		}
		c.Send(data)
	})
}
