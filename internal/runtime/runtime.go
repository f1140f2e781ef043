package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chatterbox-labs/chatterboxd/internal/bus"
	"github.com/chatterbox-labs/chatterboxd/internal/config"
	"github.com/chatterbox-labs/chatterboxd/internal/natsserver"
	"github.com/chatterbox-labs/chatterboxd/internal/tts"
	"github.com/chatterbox-labs/chatterboxd/internal/voices"
	"github.com/chatterbox-labs/chatterboxd/internal/wyoming"
)

// Runtime assembles the daemon: telemetry, the optional message bus, the
// voice library, the synthesis engine and the Wyoming listener, plus an
// HTTP server for health and metrics.
type Runtime struct {
	cfg    config.Config
	logger *slog.Logger

	httpServer     *http.Server
	telemetryClose func(context.Context) error
	embedded       *natsserver.EmbeddedServer
	busClient      *bus.Client
	library        *voices.Library
	wyomingServer  *wyoming.Server

	ready atomic.Bool
	wg    sync.WaitGroup
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

// Start brings every component up in dependency order, then blocks until
// ctx is cancelled and tears them down in reverse.
func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	r.telemetryClose = shutdownTelemetry

	embedded, err := natsserver.Start(r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.embedded = embedded

	var announcer wyoming.Announcer
	if r.cfg.Bus.Enabled {
		client, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
		if err != nil {
			r.embedded.Shutdown()
			return fmt.Errorf("connect to bus: %w", err)
		}
		r.busClient = client
		announcer = bus.NewSynthesisAnnouncer(client)
	}

	library, err := voices.Open(ctx, r.cfg.Voices, r.cfg.Wyoming.DefaultVoice, r.logger)
	if err != nil {
		r.closeBus()
		return fmt.Errorf("open voice library: %w", err)
	}
	r.library = library

	synth, err := buildSynthesizer(r.cfg)
	if err != nil {
		r.closeLibrary()
		r.closeBus()
		return err
	}
	engine, err := tts.NewEngine(r.cfg.Engine, r.cfg.Audio, synth, r.logger)
	if err != nil {
		r.closeLibrary()
		r.closeBus()
		return fmt.Errorf("build engine: %w", err)
	}

	r.wyomingServer = wyoming.NewServer(ctx, r.cfg.Wyoming, r.cfg.Audio, tts.SynthParams{
		Exaggeration: r.cfg.Engine.Exaggeration,
		CFGWeight:    r.cfg.Engine.CFGWeight,
		Temperature:  r.cfg.Engine.Temperature,
	}, engine, library, wyoming.DescribeInfo{
		Name:        r.cfg.ServerName,
		Description: "Chatterbox neural text-to-speech",
		Attribution: wyoming.Attribution{
			Name: "Resemble AI",
			URL:  "https://github.com/resemble-ai/chatterbox",
		},
	}, announcer, r.logger)
	if err := r.wyomingServer.Start(); err != nil {
		r.closeLibrary()
		r.closeBus()
		return err
	}

	r.startHTTP(metricsHandler)
	r.ready.Store(true)
	r.logger.Info("runtime started",
		slog.String("http_addr", r.httpServer.Addr),
		slog.String("engine_mode", r.cfg.Engine.Mode))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)

	r.wyomingServer.Close()

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	r.closeLibrary()
	r.closeBus()

	if r.telemetryClose != nil {
		if err := r.telemetryClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

func buildSynthesizer(cfg config.Config) (tts.Synthesizer, error) {
	audio := cfg.Audio
	switch cfg.Engine.Mode {
	case "exec":
		synth, err := tts.NewExecSynth(cfg.Engine.Command, cfg.Engine.Device,
			audio.SampleRate, audio.SampleWidth, audio.Channels)
		if err != nil {
			return nil, fmt.Errorf("build exec engine: %w", err)
		}
		return synth, nil
	default:
		return tts.NewMockSynth(audio.SampleRate, audio.SampleWidth, audio.Channels), nil
	}
}

func (r *Runtime) startHTTP(metricsHandler http.Handler) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()
}

func (r *Runtime) closeBus() {
	if r.busClient != nil {
		r.busClient.Close()
		r.busClient = nil
	}
	if r.embedded != nil {
		r.embedded.Shutdown()
		r.embedded = nil
	}
}

func (r *Runtime) closeLibrary() {
	if r.library != nil {
		if err := r.library.Close(); err != nil {
			r.logger.Warn("closing voice library", slog.String("error", err.Error()))
		}
		r.library = nil
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.wyomingServer.Healthy() && (r.busClient == nil || r.busClient.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
