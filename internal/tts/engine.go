package tts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatterbox-labs/chatterboxd/internal/config"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrEngine marks synthesis failures. The shared model stays usable for
// the next request.
var ErrEngine = errors.New("engine failure")

// Parameter ranges inherited from the chatterbox model configuration.
const (
	MinExaggeration = 0.25
	MaxExaggeration = 2.0
	MinCFGWeight    = 0.0
	MaxCFGWeight    = 1.0
	MinTemperature  = 0.05
	MaxTemperature  = 5.0
)

// Results larger than this are streamed but not cached.
const maxCacheableBytes = 8 << 20

// Validate checks each parameter against its model range.
func (p SynthParams) Validate() error {
	if p.Exaggeration < MinExaggeration || p.Exaggeration > MaxExaggeration {
		return fmt.Errorf("%w: exaggeration %.2f outside [%.2f, %.2f]", ErrEngine, p.Exaggeration, MinExaggeration, MaxExaggeration)
	}
	if p.CFGWeight < MinCFGWeight || p.CFGWeight > MaxCFGWeight {
		return fmt.Errorf("%w: cfg_weight %.2f outside [%.2f, %.2f]", ErrEngine, p.CFGWeight, MinCFGWeight, MaxCFGWeight)
	}
	if p.Temperature < MinTemperature || p.Temperature > MaxTemperature {
		return fmt.Errorf("%w: temperature %.2f outside [%.2f, %.2f]", ErrEngine, p.Temperature, MinTemperature, MaxTemperature)
	}
	return nil
}

// Engine wraps the shared synthesizer behind a FIFO gate so at most one
// synthesis runs system-wide. It re-slices engine output into fixed-size
// chunks and keeps an LRU of recent results; cache hits bypass the gate.
type Engine struct {
	synth      Synthesizer
	gate       *Gate
	cache      *lru.Cache[string, []byte]
	audio      config.AudioConfig
	timeout    time.Duration
	log        *slog.Logger
	meter      metric.Meter
	synthCount metric.Int64Counter
	errCount   metric.Int64Counter
	duration   metric.Float64Histogram
	cacheHits  metric.Int64Counter
}

func NewEngine(cfg config.EngineConfig, audio config.AudioConfig, synth Synthesizer, log *slog.Logger) (*Engine, error) {
	e := &Engine{
		synth:   synth,
		gate:    NewGate(),
		audio:   audio,
		timeout: time.Duration(cfg.TimeoutMS) * time.Millisecond,
		log:     log.With(slog.String("component", "engine")),
		meter:   otel.Meter("github.com/chatterbox-labs/chatterboxd/tts"),
	}
	if cfg.CacheEntries > 0 {
		cache, err := lru.New[string, []byte](cfg.CacheEntries)
		if err != nil {
			return nil, fmt.Errorf("create synthesis cache: %w", err)
		}
		e.cache = cache
	}
	if err := e.initMetrics(); err != nil {
		e.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return e, nil
}

func (e *Engine) initMetrics() error {
	var err error
	if e.synthCount, err = e.meter.Int64Counter("chatterbox.synthesis.count"); err != nil {
		return err
	}
	if e.errCount, err = e.meter.Int64Counter("chatterbox.synthesis.errors"); err != nil {
		return err
	}
	if e.duration, err = e.meter.Float64Histogram("chatterbox.synthesis.duration_seconds"); err != nil {
		return err
	}
	if e.cacheHits, err = e.meter.Int64Counter("chatterbox.synthesis.cache_hits"); err != nil {
		return err
	}
	return nil
}

// ChunkBytes reports the configured streaming slice size in bytes.
func (e *Engine) ChunkBytes() int {
	return e.audio.SampleRate * e.audio.SampleWidth * e.audio.Channels * e.audio.ChunkDurationMS / 1000
}

// Synthesize produces a finite, ordered stream of fixed-size audio chunks
// for the request. Callers queue behind the gate in FIFO order; a caller
// whose context ends while queued releases its position.
func (e *Engine) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	out := make(chan SynthChunk)
	errs := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errs)

		if err := req.Params.Validate(); err != nil {
			e.countError(ctx, "invalid_params")
			errs <- err
			return
		}

		key := cacheKey(req)
		if e.cache != nil {
			if pcm, ok := e.cache.Get(key); ok {
				if e.cacheHits != nil {
					e.cacheHits.Add(ctx, 1)
				}
				e.emit(ctx, out, errs, pcm)
				return
			}
		}

		if err := e.gate.Acquire(ctx); err != nil {
			errs <- err
			return
		}
		defer e.gate.Release()

		start := time.Now()
		synthCtx, cancel := context.WithTimeout(ctx, e.timeout)
		defer cancel()

		pcm, err := e.collect(synthCtx, req)
		if err != nil {
			e.countError(ctx, "engine")
			errs <- fmt.Errorf("%w: %v", ErrEngine, err)
			return
		}

		elapsed := time.Since(start)
		if e.synthCount != nil {
			e.synthCount.Add(ctx, 1, metric.WithAttributes(attribute.String("voice", req.Voice)))
		}
		if e.duration != nil {
			e.duration.Record(ctx, elapsed.Seconds())
		}
		if e.cache != nil && len(pcm) > 0 && len(pcm) <= maxCacheableBytes {
			e.cache.Add(key, pcm)
		}

		e.emit(ctx, out, errs, pcm)
	}()

	return out, errs
}

// collect drains the underlying synthesizer into one buffer. The engine
// has no cancel primitive, so once started it runs to completion and a
// departed caller simply discards the result.
func (e *Engine) collect(ctx context.Context, req SynthRequest) ([]byte, error) {
	chunks, errs := e.synth.Synthesize(ctx, req)
	var pcm []byte
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				break
			}
			pcm = append(pcm, chunk.PCM...)
		case err, ok := <-errs:
			if ok && err != nil {
				return nil, err
			}
			errs = nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if chunks == nil && errs == nil {
			return pcm, nil
		}
	}
}

// emit re-slices pcm into fixed-size chunks and forwards them in order.
func (e *Engine) emit(ctx context.Context, out chan<- SynthChunk, errs chan<- error, pcm []byte) {
	chunkBytes := e.ChunkBytes()
	if chunkBytes <= 0 {
		chunkBytes = len(pcm)
	}
	if len(pcm) == 0 {
		select {
		case out <- SynthChunk{SampleRate: e.audio.SampleRate, Channels: e.audio.Channels, Final: true}:
		case <-ctx.Done():
			errs <- ctx.Err()
		}
		return
	}
	sequence := 0
	for offset := 0; offset < len(pcm); offset += chunkBytes {
		end := offset + chunkBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		chunk := SynthChunk{
			Sequence:   sequence,
			SampleRate: e.audio.SampleRate,
			Channels:   e.audio.Channels,
			PCM:        pcm[offset:end],
			Final:      end == len(pcm),
		}
		select {
		case out <- chunk:
		case <-ctx.Done():
			errs <- ctx.Err()
			return
		}
		sequence++
	}
}

func (e *Engine) countError(ctx context.Context, kind string) {
	if e.errCount != nil {
		e.errCount.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}

func cacheKey(req SynthRequest) string {
	h := sha256.New()
	fmt.Fprintf(h, "%s\x00%s\x00%.4f\x00%.4f\x00%.4f",
		req.Text, req.ReferencePath,
		req.Params.Exaggeration, req.Params.CFGWeight, req.Params.Temperature)
	return hex.EncodeToString(h.Sum(nil))
}
