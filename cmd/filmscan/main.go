// filmscan is the scanner daemon: it owns the transport, the camera
// and the frame store, runs the scan coordinator and serves the
// control API.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/innot/tofisca/internal/config"
	"github.com/innot/tofisca/internal/log"
	"github.com/innot/tofisca/pkg/camera"
	"github.com/innot/tofisca/pkg/filmspec"
	"github.com/innot/tofisca/pkg/perforation"
	"github.com/innot/tofisca/pkg/registration"
	"github.com/innot/tofisca/pkg/scan"
	"github.com/innot/tofisca/pkg/simulate"
	"github.com/innot/tofisca/pkg/store"
	"github.com/innot/tofisca/pkg/transport"
	"github.com/innot/tofisca/pkg/web"
)

func main() {
	configPath := flag.String("config", "", "path to tofisca.yaml")
	listen := flag.String("listen", "", "override the API bind address")
	sim := flag.Bool("sim", false, "run against the built-in simulated rig")
	flag.Parse()

	// .env files carry deployment secrets like DATABASE_URL
	_ = godotenv.Load()

	if *sim {
		os.Setenv("TOFISCA_SIMULATE", "true")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	if *listen != "" {
		cfg.Listen = *listen
	}

	log.Init(cfg.LogLevel)

	if err := run(cfg); err != nil {
		log.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	film := filmspec.Key(cfg.Film)

	frameStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}

	motor, sensor, cam, scanCfg, err := openRig(cfg)
	if err != nil {
		return err
	}

	detector := perforation.NewDetector(sensor, perforation.Config{
		Threshold:      cfg.Detector.Threshold,
		Window:         cfg.Detector.Window,
		SampleInterval: cfg.Detector.SampleInterval.D(),
	})

	registrar, err := registration.NewAreaRegistrar(registration.Config{
		Film:                film,
		ConfidenceThreshold: cfg.Registration.ConfidenceThreshold,
		AnalysisWidth:       cfg.Registration.AnalysisWidth,
	})
	if err != nil {
		return err
	}

	coord, err := scan.New(motor, detector, cam, registrar, frameStore, scanCfg)
	if err != nil {
		return err
	}

	srv := web.New(web.Config{Listen: cfg.Listen}, coord, cam, registrar)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("shutting down", "signal", sig)

		shCtx, shCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shCancel()
		if err := coord.Shutdown(shCtx); err != nil {
			log.Warn("coordinator shutdown", "error", err)
		}
		srv.Shutdown(shCtx)
		cancel()
	}()

	log.Info("filmscan daemon starting",
		"film", film, "listen", cfg.Listen, "simulate", cfg.Simulate)
	return srv.Start()
}

// openRig builds the hardware handles, either the simulated rig or the
// real motor daemon plus V4L camera.
func openRig(cfg config.Config) (transport.Motor, perforation.Sensor, camera.Capture, scan.Config, error) {
	scanCfg := scan.Config{
		StepsPerFrame:    cfg.Scan.StepsPerFrame,
		SeekLimit:        cfg.Scan.SeekLimit,
		EdgeTimeout:      cfg.Scan.EdgeTimeout.D(),
		CaptureTimeout:   cfg.Scan.CaptureTimeout.D(),
		TransportRetries: cfg.Scan.TransportRetries,
		CaptureRetries:   cfg.Scan.CaptureRetries,
	}

	if cfg.Simulate {
		rig := simulate.NewRig(simulate.Config{
			Film:          filmspec.Key(cfg.Film),
			StepsPerFrame: cfg.Scan.StepsPerFrame,
			PulseInterval: cfg.Motor.PulseInterval.D(),
		})
		if scanCfg.StepsPerFrame <= 0 {
			// the rig applied its own default, keep the loop in sync
			scanCfg.StepsPerFrame = rig.StepsPerFrame()
		}
		log.Info("using simulated rig", "steps_per_frame", scanCfg.StepsPerFrame)
		return rig.Motor(), rig.Sensor(), rig.Camera(), scanCfg, nil
	}

	motor := transport.NewHTTPMotor(transport.HTTPConfig{
		BaseURL:        cfg.Motor.BaseURL,
		HomeStepLimit:  cfg.Motor.HomeStepLimit,
		PulseInterval:  cfg.Motor.PulseInterval.D(),
		RequestTimeout: cfg.Motor.RequestTimeout.D(),
	})
	sensor := transport.NewHTTPSensor(cfg.Motor.BaseURL, cfg.Motor.RequestTimeout.D())

	cam, err := camera.OpenV4L(cfg.Camera.Device, cfg.CameraControls())
	if err != nil {
		return nil, nil, nil, scanCfg, fmt.Errorf("open camera %s: %w", cfg.Camera.Device, err)
	}
	if err := cam.Lock(); err != nil {
		log.Warn("camera exposure lock failed, scanning with auto exposure", "error", err)
	}

	return motor, sensor, cam, scanCfg, nil
}

func openStore(ctx context.Context, cfg config.Store) (scan.FrameStore, error) {
	switch cfg.Backend {
	case "postgres":
		pg, err := store.NewPG(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect frame store: %w", err)
		}
		log.Info("using postgres frame store")
		return pg, nil
	default:
		fs, err := store.NewFS(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open frame store: %w", err)
		}
		log.Info("using filesystem frame store", "dir", cfg.DataDir)
		return fs, nil
	}
}
