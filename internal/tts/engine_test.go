package tts

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/chatterbox-labs/chatterboxd/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func testAudioConfig() config.AudioConfig {
	return config.AudioConfig{SampleRate: 24000, SampleWidth: 2, Channels: 1, ChunkDurationMS: 200}
}

func testEngineConfig() config.EngineConfig {
	cfg := config.Default().Engine
	cfg.CacheEntries = 0
	return cfg
}

// recordingSynth tracks invocation windows so tests can assert that no
// two synthesis calls overlap in time.
type recordingSynth struct {
	mu       sync.Mutex
	windows  [][2]time.Time
	calls    atomic.Int64
	hold     time.Duration
	pcm      []byte
	failWith error
}

func (r *recordingSynth) Synthesize(ctx context.Context, req SynthRequest) (<-chan SynthChunk, <-chan error) {
	chunks := make(chan SynthChunk, 1)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		r.calls.Add(1)
		start := time.Now()
		time.Sleep(r.hold)
		r.mu.Lock()
		r.windows = append(r.windows, [2]time.Time{start, time.Now()})
		r.mu.Unlock()
		if r.failWith != nil {
			errs <- r.failWith
			return
		}
		chunks <- SynthChunk{PCM: r.pcm, Final: true}
	}()
	return chunks, errs
}

func drain(t *testing.T, chunks <-chan SynthChunk, errs <-chan error) ([]SynthChunk, error) {
	t.Helper()
	var out []SynthChunk
	var firstErr error
	for chunks != nil || errs != nil {
		select {
		case c, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			out = append(out, c)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if firstErr == nil {
				firstErr = err
			}
		case <-time.After(5 * time.Second):
			t.Fatal("synthesis stream stalled")
		}
	}
	return out, firstErr
}

func defaultParams() SynthParams {
	return SynthParams{Exaggeration: 0.5, CFGWeight: 0.5, Temperature: 0.8}
}

func TestEngineChunksOutput(t *testing.T) {
	audio := testAudioConfig()
	chunkBytes := audio.SampleRate * audio.SampleWidth * audio.Channels * audio.ChunkDurationMS / 1000
	synth := &recordingSynth{pcm: make([]byte, chunkBytes*2+100)}

	e, err := NewEngine(testEngineConfig(), audio, synth, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	chunks, errs := e.Synthesize(context.Background(), SynthRequest{Text: "hello", Params: defaultParams()})
	out, err := drain(t, chunks, errs)
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 chunks, got %d", len(out))
	}
	total := 0
	for i, c := range out {
		if c.Sequence != i {
			t.Fatalf("expected sequence %d, got %d", i, c.Sequence)
		}
		if c.Final != (i == len(out)-1) {
			t.Fatalf("final flag wrong on chunk %d", i)
		}
		total += len(c.PCM)
	}
	if total != chunkBytes*2+100 {
		t.Fatalf("expected %d total bytes, got %d", chunkBytes*2+100, total)
	}
}

func TestEngineRejectsBadParams(t *testing.T) {
	synth := &recordingSynth{pcm: []byte{1}}
	e, err := NewEngine(testEngineConfig(), testAudioConfig(), synth, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	bad := []SynthParams{
		{Exaggeration: 0.1, CFGWeight: 0.5, Temperature: 0.8},
		{Exaggeration: 0.5, CFGWeight: 1.5, Temperature: 0.8},
		{Exaggeration: 0.5, CFGWeight: 0.5, Temperature: 9.0},
	}
	for _, params := range bad {
		chunks, errs := e.Synthesize(context.Background(), SynthRequest{Text: "x", Params: params})
		_, err := drain(t, chunks, errs)
		if !errors.Is(err, ErrEngine) {
			t.Fatalf("expected ErrEngine for %+v, got %v", params, err)
		}
	}
	if synth.calls.Load() != 0 {
		t.Fatalf("engine invoked despite invalid params: %d calls", synth.calls.Load())
	}
}

func TestEngineSerializesConcurrentRequests(t *testing.T) {
	synth := &recordingSynth{pcm: []byte{1, 2, 3, 4}, hold: 50 * time.Millisecond}
	e, err := NewEngine(testEngineConfig(), testAudioConfig(), synth, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	const n = 4
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			chunks, errs := e.Synthesize(context.Background(), SynthRequest{
				Text:   string(rune('a' + i)), // distinct texts defeat the cache
				Params: defaultParams(),
			})
			if _, err := drain(t, chunks, errs); err != nil {
				t.Errorf("request %d: %v", i, err)
			}
		}()
	}
	wg.Wait()

	if got := synth.calls.Load(); got != n {
		t.Fatalf("expected %d engine invocations, got %d", n, got)
	}
	synth.mu.Lock()
	defer synth.mu.Unlock()
	for i := 1; i < len(synth.windows); i++ {
		prevEnd := synth.windows[i-1][1]
		start := synth.windows[i][0]
		if start.Before(prevEnd) {
			t.Fatalf("synthesis %d started at %v before %d finished at %v", i, start, i-1, prevEnd)
		}
	}
}

func TestEngineErrorDoesNotWedgeGate(t *testing.T) {
	synth := &recordingSynth{failWith: errors.New("cuda out of memory")}
	e, err := NewEngine(testEngineConfig(), testAudioConfig(), synth, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	chunks, errs := e.Synthesize(context.Background(), SynthRequest{Text: "boom", Params: defaultParams()})
	if _, err := drain(t, chunks, errs); !errors.Is(err, ErrEngine) {
		t.Fatalf("expected ErrEngine, got %v", err)
	}

	// The gate must be released; a subsequent request still runs.
	synth.failWith = nil
	synth.pcm = []byte{1, 2}
	chunks, errs = e.Synthesize(context.Background(), SynthRequest{Text: "again", Params: defaultParams()})
	out, err := drain(t, chunks, errs)
	if err != nil {
		t.Fatalf("engine unusable after failure: %v", err)
	}
	if len(out) == 0 {
		t.Fatal("expected chunks after recovery")
	}
}

func TestEngineCancelledWhileQueued(t *testing.T) {
	synth := &recordingSynth{pcm: []byte{1}, hold: 200 * time.Millisecond}
	e, err := NewEngine(testEngineConfig(), testAudioConfig(), synth, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	first, firstErrs := e.Synthesize(context.Background(), SynthRequest{Text: "one", Params: defaultParams()})
	time.Sleep(20 * time.Millisecond) // let the first request take the gate

	ctx, cancel := context.WithCancel(context.Background())
	second, secondErrs := e.Synthesize(ctx, SynthRequest{Text: "two", Params: defaultParams()})
	time.Sleep(20 * time.Millisecond)
	cancel()

	if _, err := drain(t, second, secondErrs); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled for queued request, got %v", err)
	}
	if _, err := drain(t, first, firstErrs); err != nil {
		t.Fatalf("first request should complete: %v", err)
	}
	if got := synth.calls.Load(); got != 1 {
		t.Fatalf("queued-and-cancelled request must not reach the engine, got %d calls", got)
	}
}

func TestEngineCacheHitSkipsEngine(t *testing.T) {
	synth := &recordingSynth{pcm: []byte{9, 9, 9, 9}}
	cfg := testEngineConfig()
	cfg.CacheEntries = 8
	e, err := NewEngine(cfg, testAudioConfig(), synth, testLogger())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}

	req := SynthRequest{Text: "cached line", ReferencePath: "/v/emma.wav", Params: defaultParams()}
	for i := 0; i < 2; i++ {
		chunks, errs := e.Synthesize(context.Background(), req)
		out, err := drain(t, chunks, errs)
		if err != nil {
			t.Fatalf("pass %d: %v", i, err)
		}
		if len(out) == 0 || !out[len(out)-1].Final {
			t.Fatalf("pass %d: malformed stream %+v", i, out)
		}
	}
	if got := synth.calls.Load(); got != 1 {
		t.Fatalf("expected 1 engine invocation with cache hit, got %d", got)
	}
}
