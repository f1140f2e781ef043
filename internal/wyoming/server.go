package wyoming

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/chatterbox-labs/chatterboxd/internal/config"
	"github.com/chatterbox-labs/chatterboxd/internal/tts"
	"github.com/chatterbox-labs/chatterboxd/internal/voices"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Server accepts Wyoming connections and runs one Handler per client.
type Server struct {
	cfg       config.WyomingConfig
	audio     config.AudioConfig
	params    tts.SynthParams
	engine    *tts.Engine
	library   *voices.Library
	describe  DescribeInfo
	announcer Announcer
	log       *slog.Logger

	listener net.Listener
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	meter     metric.Meter
	connGauge metric.Int64UpDownCounter
}

func NewServer(parent context.Context, cfg config.WyomingConfig, audio config.AudioConfig, params tts.SynthParams, engine *tts.Engine, library *voices.Library, describe DescribeInfo, announcer Announcer, log *slog.Logger) *Server {
	ctx, cancel := context.WithCancel(parent)
	s := &Server{
		cfg:       cfg,
		audio:     audio,
		params:    params,
		engine:    engine,
		library:   library,
		describe:  describe,
		announcer: announcer,
		log:       log.With(slog.String("component", "wyoming-server")),
		ctx:       ctx,
		cancel:    cancel,
		meter:     otel.Meter("github.com/chatterbox-labs/chatterboxd/wyoming"),
	}
	if gauge, err := s.meter.Int64UpDownCounter("chatterbox.wyoming.active_connections"); err == nil {
		s.connGauge = gauge
	} else {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

// Start binds the listener and begins accepting. A bind failure is fatal
// and returned to the caller; it is not retried.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Bind, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("bind wyoming listener on %s: %w", addr, err)
	}
	s.listener = listener
	s.log.Info("wyoming server listening",
		slog.String("addr", addr),
		slog.String("default_voice", s.cfg.DefaultVoice))

	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Warn("accept failed", slog.String("error", err.Error()))
			continue
		}

		id := uuid.NewString()
		s.log.Debug("client connected",
			slog.String("connection_id", id),
			slog.String("remote", conn.RemoteAddr().String()))

		handler := newHandler(id, conn, s.engine, s.library, s.params, s.audio,
			time.Duration(s.cfg.IdleTimeoutMS)*time.Millisecond, s.describe, s.announcer, s.log)

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.connGauge != nil {
				s.connGauge.Add(s.ctx, 1)
				defer s.connGauge.Add(context.Background(), -1)
			}
			handler.Run(s.ctx)
		}()
	}
}

// Close stops accepting, signals active handlers to finish their current
// response, and waits for them to drain.
func (s *Server) Close() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	s.wg.Wait()
}

// Healthy reports whether the listener is up (or the server is disabled).
func (s *Server) Healthy() bool {
	return !s.cfg.Enabled || s.listener != nil
}

// Addr reports the bound listener address, for tests and logs.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}
