package web

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/innot/tofisca/internal/log"
	"github.com/innot/tofisca/pkg/filmspec"
	"github.com/innot/tofisca/pkg/geometry"
	"github.com/innot/tofisca/pkg/registration"
	"github.com/innot/tofisca/pkg/scan"
	"github.com/innot/tofisca/pkg/transport"
)

const captureTimeout = 5 * time.Second

func errJSON(c *fiber.Ctx, status int, err error) error {
	return c.Status(status).JSON(fiber.Map{"error": err.Error()})
}

// scanErr maps coordinator errors onto HTTP statuses.
func scanErr(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, scan.ErrSessionActive):
		return errJSON(c, fiber.StatusConflict, err)
	case errors.Is(err, scan.ErrNoSession):
		return errJSON(c, fiber.StatusConflict, err)
	default:
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
}

func (s *Server) handleStatus(c *fiber.Ctx) error {
	return c.JSON(s.coord.Status())
}

func (s *Server) handleFormats(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"formats": filmspec.Formats()})
}

func (s *Server) handleStart(c *fiber.Ctx) error {
	var cfg scan.SessionConfig
	if err := c.BodyParser(&cfg); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}
	if cfg.Film != "" {
		if _, err := filmspec.Get(cfg.Film); err != nil {
			return errJSON(c, fiber.StatusBadRequest, err)
		}
	}

	id, err := s.coord.Start(cfg)
	if err != nil {
		return scanErr(c, err)
	}
	log.Info("scan session started", "session", id, "film", cfg.Film)
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{"session_id": id})
}

func (s *Server) handlePause(c *fiber.Ctx) error {
	if err := s.coord.Pause(); err != nil {
		return scanErr(c, err)
	}
	return c.JSON(s.coord.Status())
}

func (s *Server) handleResume(c *fiber.Ctx) error {
	if err := s.coord.Resume(); err != nil {
		return scanErr(c, err)
	}
	return c.JSON(s.coord.Status())
}

func (s *Server) handleAbort(c *fiber.Ctx) error {
	if err := s.coord.Abort(); err != nil {
		return scanErr(c, err)
	}
	return c.JSON(s.coord.Status())
}

type jogRequest struct {
	Direction string `json:"direction"`
	Steps     int    `json:"steps"`

	// ToEdge advances to the next perforation instead of a fixed
	// step count.
	ToEdge bool `json:"to_edge"`
}

func (s *Server) handleJog(c *fiber.Ctx) error {
	var req jogRequest
	if err := c.BodyParser(&req); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}

	if req.ToEdge {
		steps, err := s.coord.JogToEdge(c.UserContext())
		if err != nil {
			return jogErr(c, err)
		}
		return c.JSON(fiber.Map{"steps": steps, "status": s.coord.Status()})
	}

	if req.Steps <= 0 {
		return errJSON(c, fiber.StatusBadRequest, errors.New("steps must be positive"))
	}

	dir := transport.Forward
	switch req.Direction {
	case "", "forward":
	case "reverse":
		dir = transport.Reverse
	default:
		return errJSON(c, fiber.StatusBadRequest, errors.New("direction must be forward or reverse"))
	}

	if err := s.coord.Jog(c.UserContext(), dir, req.Steps); err != nil {
		return jogErr(c, err)
	}
	return c.JSON(s.coord.Status())
}

func jogErr(c *fiber.Ctx, err error) error {
	if errors.Is(err, scan.ErrSessionActive) || errors.Is(err, transport.ErrBusy) {
		return errJSON(c, fiber.StatusConflict, err)
	}
	return errJSON(c, fiber.StatusInternalServerError, err)
}

func (s *Server) handlePreview(c *fiber.Ctx) error {
	if s.cam == nil {
		return errJSON(c, fiber.StatusServiceUnavailable, errors.New("no camera attached"))
	}
	cctx, cancel := context.WithTimeout(c.UserContext(), captureTimeout)
	defer cancel()
	frame, err := s.cam.Capture(cctx)
	if err != nil {
		return errJSON(c, fiber.StatusBadGateway, err)
	}
	c.Type(frame.Format)
	return c.Send(frame.Raw)
}

func (s *Server) handleAutodetect(c *fiber.Ctx) error {
	if s.cam == nil || s.reg == nil {
		return errJSON(c, fiber.StatusServiceUnavailable, errors.New("no camera attached"))
	}

	cctx, cancel := context.WithTimeout(c.UserContext(), captureTimeout)
	defer cancel()
	frame, err := s.cam.Capture(cctx)
	if err != nil {
		return errJSON(c, fiber.StatusBadGateway, err)
	}

	if err := s.reg.Autodetect(frame.Image); err != nil {
		if errors.Is(err, registration.ErrPerforationNotFound) {
			return errJSON(c, fiber.StatusUnprocessableEntity, err)
		}
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
	area, _ := s.reg.Area()
	return c.JSON(area)
}

func (s *Server) handleManualDetect(c *fiber.Ctx) error {
	if s.cam == nil || s.reg == nil {
		return errJSON(c, fiber.StatusServiceUnavailable, errors.New("no camera attached"))
	}

	var req geometry.Point
	if err := c.BodyParser(&req); err != nil {
		return errJSON(c, fiber.StatusBadRequest, err)
	}
	if req.X < 0 || req.X > 1 || req.Y < 0 || req.Y > 1 {
		return errJSON(c, fiber.StatusBadRequest, errors.New("point must be normalized to [0,1]"))
	}

	cctx, cancel := context.WithTimeout(c.UserContext(), captureTimeout)
	defer cancel()
	frame, err := s.cam.Capture(cctx)
	if err != nil {
		return errJSON(c, fiber.StatusBadGateway, err)
	}

	if err := s.reg.ManualDetect(frame.Image, req); err != nil {
		if errors.Is(err, registration.ErrPerforationNotFound) {
			return errJSON(c, fiber.StatusUnprocessableEntity, err)
		}
		return errJSON(c, fiber.StatusInternalServerError, err)
	}
	area, _ := s.reg.Area()
	return c.JSON(area)
}

func (s *Server) handleArea(c *fiber.Ctx) error {
	if s.reg == nil {
		return errJSON(c, fiber.StatusServiceUnavailable, errors.New("no registrar configured"))
	}
	area, ok := s.reg.Area()
	if !ok {
		return errJSON(c, fiber.StatusNotFound, registration.ErrNotCalibrated)
	}
	return c.JSON(area)
}
