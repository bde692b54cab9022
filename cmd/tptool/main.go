// Command tptool points an Alt-Az telescope mount at a moving target and keeps
// it there, with operator control from the keyboard or a game controller.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/unklstewy/tptool/internal/db"
	"github.com/unklstewy/tptool/internal/loop"
	"github.com/unklstewy/tptool/internal/metrics"
	"github.com/unklstewy/tptool/pkg/config"
	"github.com/unklstewy/tptool/pkg/controller"
	"github.com/unklstewy/tptool/pkg/feed"
	"github.com/unklstewy/tptool/pkg/mount"
	"github.com/unklstewy/tptool/pkg/tracking"
)

func main() {
	configPath := flag.String("config", "configs/config.json", "Path to configuration file")
	logPath := flag.String("log", "tptool.log", "Log file used while the TUI owns the terminal")
	headless := flag.Bool("headless", false, "Run without the TUI until interrupted")
	connect := flag.Bool("connect", true, "Connect the mount and the data source on startup")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if !*headless {
		f, err := tea.LogToFile(*logPath, "tptool")
		if err != nil {
			log.Fatalf("Failed to open log file: %v", err)
		}
		defer f.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *configPath, *headless, *connect); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, configPath string, headless, connect bool) error {
	logger := log.Default()

	// Bindings are checked before anything touches hardware.
	bindings, err := controller.ParseBindings(cfg.Controller.Bindings, cfg.Controller.Axis1Reversed, cfg.Controller.Axis2Reversed)
	if err != nil {
		return fmt.Errorf("invalid controller bindings: %w", err)
	}

	device, err := mount.New(cfg.Mount, logger)
	if err != nil {
		return fmt.Errorf("failed to create mount: %w", err)
	}
	log.Printf("Mount: %s", device.Info())

	reader := feed.NewReader(feed.RetryConfigFromConfig(cfg.Feed.Retry), logger)

	collector, stopMetrics, err := startMetrics(cfg.MetricsAddr)
	if err != nil {
		return err
	}
	defer stopMetrics()

	recorder, err := startRecorder(ctx, cfg.Database, device.Info(), logger)
	if err != nil {
		return err
	}
	if recorder != nil {
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := recorder.Close(closeCtx); err != nil {
				log.Printf("Failed to close recorder: %v", err)
			}
			written, dropped := recorder.Stats()
			log.Printf("Session %s: %d records written, %d dropped", recorder.SessionID(), written, dropped)
		}()
	}

	engine := tracking.NewEngine(device,
		tracking.SettingsFromConfig(cfg.Tracking, cfg.Mount.MaxTravelDeg),
		tracking.WithLogger(logger),
		tracking.WithRecordSink(func(rec tracking.Record) {
			collector.ObserveRecord(rec)
			if recorder != nil {
				recorder.Record(rec)
			}
		}),
	)

	opts := loop.Options{
		Engine:          engine,
		Mount:           device,
		Feed:            reader,
		FeedAddr:        cfg.Feed.Addr,
		ControlPeriod:   cfg.Tracking.ControlPeriod(),
		ShutdownTimeout: cfg.Tracking.ShutdownTimeout(),
		Metrics:         collector,
		Logger:          logger,
	}

	// A missing controller device is not fatal.
	if cfg.Controller.Device != "" {
		id, err := controller.ParseControllerID(cfg.Controller.ID)
		if err != nil {
			return err
		}
		events := make(chan controller.RawEvent, 64)
		if err := controller.OpenJoystick(ctx, cfg.Controller.Device, id, events, func(err error) {
			log.Printf("Controller stopped: %v", err)
		}); err != nil {
			log.Printf("Controller unavailable: %v", err)
		} else {
			opts.ControllerEvents = events
			opts.Mapper = controller.NewMapper(bindings, cfg.Controller.DeadZone)
			log.Printf("Controller: %s (%d bindings)", cfg.Controller.Device, len(bindings.List))
		}
	}

	if headless {
		lp := loop.New(opts)
		if connect {
			lp.Submit(loop.Command{Kind: loop.ConnectMount})
			lp.Submit(loop.Command{Kind: loop.ConnectFeed})
		}
		log.Println("Running headless, press Ctrl+C to stop")
		return lp.Run(ctx)
	}

	return runTUI(ctx, cfg, configPath, opts, connect)
}

// runTUI runs the event loop under the bubbletea program. The program exits
// once the loop has finished its shutdown.
func runTUI(ctx context.Context, cfg *config.Config, configPath string, opts loop.Options, connect bool) error {
	updates := make(chan loop.Snapshot, 1)
	opts.OnStatus = func(s loop.Snapshot) {
		// Only the loop goroutine sends, so after draining the send cannot block.
		select {
		case <-updates:
		default:
		}
		updates <- s
	}
	lp := loop.New(opts)

	p := tea.NewProgram(newModel(lp, cfg, configPath), tea.WithAltScreen())

	go func() {
		for s := range updates {
			p.Send(statusMsg(s))
		}
	}()

	if connect {
		lp.Submit(loop.Command{Kind: loop.ConnectMount})
		lp.Submit(loop.Command{Kind: loop.ConnectFeed})
	}

	var runErr error
	done := make(chan struct{})
	go func() {
		runErr = lp.Run(ctx)
		close(done)
		p.Send(loopDoneMsg{err: runErr})
	}()

	if _, err := p.Run(); err != nil {
		log.Printf("TUI stopped: %v", err)
		lp.Submit(loop.Command{Kind: loop.Quit})
	}
	<-done
	return runErr
}

func startMetrics(addr string) (*metrics.Collector, func(), error) {
	if addr == "" {
		return nil, func() {}, nil
	}

	collector, err := metrics.NewCollector(prometheus.NewRegistry())
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("Metrics listening on http://%s/metrics", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("Metrics server failed: %v", err)
		}
	}()

	return collector, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}, nil
}

func startRecorder(ctx context.Context, cfg config.DatabaseConfig, mountInfo string, logger *log.Logger) (*db.Recorder, error) {
	if cfg.Driver == "" {
		return nil, nil
	}

	database, err := db.Connect(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	recorder, err := db.NewRecorder(ctx, database, cfg, mountInfo, logger)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("failed to start recorder: %w", err)
	}
	log.Printf("Recording session %s (%s)", recorder.SessionID(), database.Dialect())
	return recorder, nil
}
