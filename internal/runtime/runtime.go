package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-scribe/internal/bus"
	"github.com/loqalabs/loqa-scribe/internal/capture"
	"github.com/loqalabs/loqa-scribe/internal/config"
	"github.com/loqalabs/loqa-scribe/internal/devices"
	"github.com/loqalabs/loqa-scribe/internal/eventstore"
	"github.com/loqalabs/loqa-scribe/internal/natsserver"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/stt"
	"github.com/loqalabs/loqa-scribe/internal/transcript"
	"golang.org/x/sync/errgroup"
)

type Runtime struct {
	cfg     config.Config
	version string
	logger  *slog.Logger
	ready   atomic.Bool

	nats    *natsserver.EmbeddedServer
	bus     *bus.Client
	store   *eventstore.Store
	devices *devices.Registry
	ctrl    *session.Controller
	control *bus.ControlServer
}

func New(cfg config.Config, version string, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:     cfg,
		version: version,
		logger:  logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(ctx, r.cfg, r.version, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}()

	if err := r.setup(ctx); err != nil {
		r.teardown()
		return err
	}
	defer r.teardown()

	g, gctx := errgroup.WithContext(ctx)

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := []*http.Server{{
		Addr:              addr,
		Handler:           r.handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}}
	if metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{
			Addr:              r.cfg.Telemetry.PrometheusBind,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		})
	}
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}

	g.Go(func() error {
		r.warmUp(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("addr", addr),
		slog.String("metrics", r.cfg.Telemetry.PrometheusBind),
		slog.String("capture", r.cfg.Capture.Mode),
		slog.String("stt", r.cfg.STT.Mode))

	return g.Wait()
}

// setup builds the bus, event store, recognizer, capture source and session
// controller. Everything built here is released by teardown.
func (r *Runtime) setup(ctx context.Context) error {
	cfg := r.cfg

	if cfg.Bus.Enabled {
		srv, err := natsserver.Start(cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("start embedded nats: %w", err)
		}
		r.nats = srv

		busCfg := cfg.Bus
		if url := srv.ClientURL(); url != "" {
			busCfg.Servers = []string{url}
		}
		client, err := bus.Connect(ctx, busCfg, r.logger)
		if err != nil {
			return fmt.Errorf("connect bus: %w", err)
		}
		r.bus = client

		timeout := time.Duration(cfg.Capture.DeviceTimeoutMS) * time.Millisecond
		reg, err := devices.NewRegistry(ctx, client, timeout, r.logger)
		if err != nil {
			return fmt.Errorf("start device registry: %w", err)
		}
		r.devices = reg
	}

	store, err := eventstore.Open(ctx, cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		return fmt.Errorf("create recognizer: %w", err)
	}

	var source capture.Source
	switch cfg.Capture.Mode {
	case "bus":
		if r.bus == nil {
			return errors.New("capture.mode=bus requires the bus")
		}
		source = capture.NewBusSource(r.bus, cfg.Capture.Subject, r.logger)
	case "file":
		source = capture.NewFileSource(cfg.Capture.FilePath, cfg.Capture.Realtime, r.logger)
	default:
		return fmt.Errorf("unsupported capture mode %q", cfg.Capture.Mode)
	}

	state := transcript.NewState(cfg.Transcript.FilterNonSpeech)
	sinks := []session.StatusSink{
		session.NewLogSink(r.logger),
		&timelineSink{store: store, source: cfg.Capture.Mode, log: r.logger.With(slog.String("component", "timeline"))},
	}
	if r.bus != nil {
		if cfg.Transcript.PublishSubject != "" {
			state.AddListener(bus.NewDisplayPublisher(r.bus, cfg.Transcript.PublishSubject, r.sessionID))
		}
		sinks = append(sinks, busStatusSink{pub: bus.NewStatusPublisher(r.bus)})
	}

	ctrl, err := session.New(ctx, session.Options{
		Recognizer: recognizer,
		Source:     source,
		SourceName: cfg.Capture.Mode,
		Transcript: state,
		STT:        cfg.STT,
		Pipeline:   cfg.Pipeline,
		Capture:    cfg.Capture,
		Sinks:      sinks,
	}, r.logger)
	if err != nil {
		return fmt.Errorf("create session controller: %w", err)
	}
	r.ctrl = ctrl

	if r.bus != nil {
		control, err := bus.ServeControl(ctx, r.bus, ctrl)
		if err != nil {
			return fmt.Errorf("serve control subjects: %w", err)
		}
		r.control = control
	}
	return nil
}

// warmUp loads the configured model and optionally starts recording. A load
// failure leaves the runtime serving so a model can be picked over the API.
func (r *Runtime) warmUp(ctx context.Context) {
	if err := r.ctrl.LoadModel(ctx, r.cfg.STT.Model); err != nil {
		r.logger.Warn("initial model load failed", slog.String("model", r.cfg.STT.Model), slog.String("error", err.Error()))
		return
	}
	if !r.cfg.Capture.AutoStart {
		return
	}
	if err := r.ctrl.Start(ctx); err != nil {
		r.logger.Warn("auto start failed", slog.String("error", err.Error()))
	}
}

func (r *Runtime) teardown() {
	if r.control != nil {
		r.control.Close()
	}
	if r.ctrl != nil {
		if err := r.ctrl.Close(); err != nil {
			r.logger.Warn("session close error", slog.String("error", err.Error()))
		}
	}
	if r.devices != nil {
		r.devices.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	r.nats.Shutdown()
}

func (r *Runtime) sessionID() string {
	if r.ctrl == nil {
		return ""
	}
	return r.ctrl.SessionID()
}

func (r *Runtime) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	a := &api{ctrl: r.ctrl, store: r.store, devices: r.devices, log: r.logger.With(slog.String("component", "api"))}
	a.register(mux)
	return mux
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleReady reports ready once the model is loaded and, when the bus is in
// use, the connection is up.
func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	ready := r.ready.Load() && r.ctrl != nil && r.ctrl.Ready()
	if r.bus != nil && !r.bus.Healthy() {
		ready = false
	}
	if ready {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
