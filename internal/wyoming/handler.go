package wyoming

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/chatterbox-labs/chatterboxd/internal/config"
	"github.com/chatterbox-labs/chatterboxd/internal/tts"
	"github.com/chatterbox-labs/chatterboxd/internal/voices"
)

// Announcer publishes synthesis lifecycle notifications. Implementations
// must be non-blocking and best-effort; a nil Announcer disables them.
type Announcer interface {
	SynthesisStarted(connectionID, voice string, textChars int)
	SynthesisCompleted(connectionID, voice string, chunks, bytes int, duration time.Duration)
	SynthesisFailed(connectionID, code, message string)
}

type connState int

const (
	stateAwaitingRequest connState = iota
	stateSynthesizing
	stateStreamingAudio
	stateClosed
)

// Handler owns one connection's lifecycle: info exchange, synthesize
// requests, streamed audio responses, error signaling, disconnect. It
// shares nothing with other connections except the engine's gate and the
// read-only voice library.
type Handler struct {
	id          string
	conn        net.Conn
	r           *bufio.Reader
	w           *bufio.Writer
	engine      *tts.Engine
	library     *voices.Library
	params      tts.SynthParams
	audio       config.AudioConfig
	idleTimeout time.Duration
	describe    DescribeInfo
	announcer   Announcer
	log         *slog.Logger

	state connState
}

// DescribeInfo is the static half of the info event; the voice list is
// read from the library on every describe.
type DescribeInfo struct {
	Name        string
	Description string
	Attribution Attribution
}

func newHandler(id string, conn net.Conn, engine *tts.Engine, library *voices.Library, params tts.SynthParams, audio config.AudioConfig, idleTimeout time.Duration, describe DescribeInfo, announcer Announcer, log *slog.Logger) *Handler {
	return &Handler{
		id:          id,
		conn:        conn,
		r:           bufio.NewReader(conn),
		w:           bufio.NewWriter(conn),
		engine:      engine,
		library:     library,
		params:      params,
		audio:       audio,
		idleTimeout: idleTimeout,
		describe:    describe,
		announcer:   announcer,
		log:         log.With(slog.String("connection_id", id)),
	}
}

// Run drives the connection until the peer disconnects, a protocol error
// occurs, or ctx is cancelled. It never returns with the gate held.
func (h *Handler) Run(ctx context.Context) {
	defer h.close()

	// Unblock a pending read when the server shuts down; an in-flight
	// response still finishes because only the read path is poked.
	stopWatch := context.AfterFunc(ctx, func() {
		_ = h.conn.SetReadDeadline(time.Now())
	})
	defer stopWatch()

	for {
		if ctx.Err() != nil {
			return
		}
		if h.idleTimeout > 0 {
			_ = h.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
		}

		evt, err := ReadEvent(h.r)
		if err != nil {
			h.logReadEnd(ctx, err)
			return
		}

		switch evt.Type {
		case TypeDescribe:
			if !h.sendInfo(ctx) {
				return
			}
		case TypeSynthesize:
			if !h.handleSynthesize(ctx, evt) {
				return
			}
		default:
			h.log.Warn("unsupported event", slog.String("type", evt.Type))
			if !h.sendError(CodeUnsupportedEvent, "unsupported event type: "+evt.Type) {
				return
			}
		}
	}
}

func (h *Handler) logReadEnd(ctx context.Context, err error) {
	switch {
	case err == io.EOF:
		h.log.Debug("client disconnected")
	case ctx.Err() != nil:
		h.log.Debug("connection closing on shutdown")
	case isTimeout(err):
		h.log.Info("closing idle connection")
	case errors.Is(err, ErrDecode):
		h.log.Warn("protocol decode error", slog.String("error", err.Error()))
	default:
		h.log.Warn("read failed", slog.String("error", err.Error()))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (h *Handler) close() {
	h.state = stateClosed
	_ = h.conn.Close()
}

// sendInfo replies to describe with the capability listing: the synthetic
// default voice plus every library voice.
func (h *Handler) sendInfo(ctx context.Context) bool {
	listed, err := h.library.List(ctx)
	if err != nil {
		h.log.Warn("failed to list voices", slog.String("error", err.Error()))
		return h.sendError(CodeInvalidRequest, "voice library unavailable")
	}

	attribution := h.describe.Attribution
	voiceList := []TTSVoice{{
		Name:        "default",
		Description: "Default chatterbox voice",
		Attribution: attribution,
		Installed:   true,
	}}
	for _, v := range listed {
		voiceList = append(voiceList, TTSVoice{
			Name:        v.Name,
			Description: "Custom voice: " + v.Name,
			Attribution: attribution,
			Installed:   true,
		})
	}

	evt, err := InfoEvent(Info{TTS: []TTSProgram{{
		Name:        h.describe.Name,
		Description: h.describe.Description,
		Attribution: attribution,
		Installed:   true,
		Voices:      voiceList,
	}}})
	if err != nil {
		h.log.Error("failed to build info event", slog.String("error", err.Error()))
		return false
	}
	return h.write(evt)
}

// handleSynthesize validates the request, resolves the voice, runs the
// engine and streams the response. It returns false only when the
// connection is no longer usable.
func (h *Handler) handleSynthesize(ctx context.Context, evt Event) bool {
	req, err := ParseSynthesize(evt)
	if err != nil {
		// Malformed event data is a decode error and closes the
		// connection like any other framing fault.
		h.log.Warn("malformed synthesize event", slog.String("error", err.Error()))
		return false
	}

	if strings.TrimSpace(req.Text) == "" {
		h.announceFailed(CodeEmptyText, "synthesize request with empty text")
		return h.sendError(CodeEmptyText, "text must not be empty")
	}

	voiceName := ""
	if req.Voice != nil {
		voiceName = req.Voice.Name
	}
	referencePath, err := h.library.Resolve(ctx, voiceName)
	if err != nil {
		if errors.Is(err, voices.ErrVoiceNotFound) {
			h.log.Info("voice not found", slog.String("voice", voiceName))
			h.announceFailed(CodeVoiceNotFound, err.Error())
			return h.sendError(CodeVoiceNotFound, err.Error())
		}
		h.log.Warn("voice resolution failed", slog.String("error", err.Error()))
		h.announceFailed(CodeInvalidRequest, err.Error())
		return h.sendError(CodeInvalidRequest, "voice resolution failed")
	}
	if voiceName == "" {
		voiceName = h.library.DefaultVoice()
	}

	h.state = stateSynthesizing
	defer func() {
		if h.state != stateClosed {
			h.state = stateAwaitingRequest
		}
	}()

	if h.announcer != nil {
		h.announcer.SynthesisStarted(h.id, voiceName, len(req.Text))
	}
	start := time.Now()

	// The request context is detached from the server context so a
	// shutdown lets the response in flight finish with its audio-stop.
	// It is cancelled when this handler abandons the stream, which
	// unblocks the engine and releases the gate.
	reqCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	chunks, errs := h.engine.Synthesize(reqCtx, tts.SynthRequest{
		Text:          req.Text,
		Voice:         voiceName,
		ReferencePath: referencePath,
		Params:        h.params,
	})

	return h.stream(voiceName, start, chunks, errs)
}

// stream forwards engine chunks as audio-start, audio-chunk*, audio-stop,
// preserving production order. An engine failure before the first chunk
// is recoverable; one mid-stream is not, because the event grammar has
// already been broken. The loop runs until both engine channels close;
// shutdown never interrupts it, so every started response ends with its
// terminator.
func (h *Handler) stream(voice string, start time.Time, chunks <-chan tts.SynthChunk, errs <-chan error) bool {
	format := AudioFormat{
		Rate:     h.audio.SampleRate,
		Width:    h.audio.SampleWidth,
		Channels: h.audio.Channels,
	}
	bytesPerMS := h.audio.SampleRate * h.audio.SampleWidth * h.audio.Channels / 1000

	started := false
	sentChunks := 0
	sentBytes := 0

	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				chunks = nil
				continue
			}
			if !started {
				startEvt, err := AudioStartEvent(format)
				if err != nil {
					h.log.Error("failed to build audio-start", slog.String("error", err.Error()))
					return false
				}
				if !h.write(startEvt) {
					return false
				}
				h.state = stateStreamingAudio
				started = true
			}
			if len(chunk.PCM) > 0 {
				chunkFormat := format
				if bytesPerMS > 0 {
					chunkFormat.Timestamp = int64(sentBytes / bytesPerMS)
				}
				evt, err := AudioChunkEvent(chunkFormat, chunk.PCM)
				if err != nil {
					h.log.Error("failed to build audio-chunk", slog.String("error", err.Error()))
					return false
				}
				if !h.write(evt) {
					return false
				}
				sentChunks++
				sentBytes += len(chunk.PCM)
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if err == nil {
				continue
			}
			h.log.Warn("synthesis failed", slog.String("error", err.Error()))
			h.announceFailed(CodeEngineFailure, err.Error())
			if !started {
				return h.sendError(CodeEngineFailure, err.Error())
			}
			// Mid-stream failure: signal and drop the connection so the
			// client never sees a response without its terminator.
			h.sendError(CodeEngineFailure, err.Error())
			return false
		}

		if chunks == nil && errs == nil {
			break
		}
	}

	if !started {
		// Engine produced nothing and reported nothing; treat as failure.
		h.announceFailed(CodeEngineFailure, "engine produced no audio")
		return h.sendError(CodeEngineFailure, "engine produced no audio")
	}

	stopTimestamp := int64(0)
	if bytesPerMS > 0 {
		stopTimestamp = int64(sentBytes / bytesPerMS)
	}
	stopEvt, err := AudioStopEvent(AudioStop{Timestamp: stopTimestamp})
	if err != nil {
		h.log.Error("failed to build audio-stop", slog.String("error", err.Error()))
		return false
	}
	if !h.write(stopEvt) {
		return false
	}

	if h.announcer != nil {
		h.announcer.SynthesisCompleted(h.id, voice, sentChunks, sentBytes, time.Since(start))
	}
	h.log.Info("synthesis streamed",
		slog.String("voice", voice),
		slog.Int("chunks", sentChunks),
		slog.Int("bytes", sentBytes),
		slog.Duration("elapsed", time.Since(start)))
	return true
}

// sendError emits a protocol error event; the connection stays open when
// the write succeeds.
func (h *Handler) sendError(code, message string) bool {
	evt, err := ErrorEvent(code, message)
	if err != nil {
		h.log.Error("failed to build error event", slog.String("error", err.Error()))
		return false
	}
	return h.write(evt)
}

func (h *Handler) announceFailed(code, message string) {
	if h.announcer != nil {
		h.announcer.SynthesisFailed(h.id, code, message)
	}
}

// write sends one event; a transport failure closes the connection.
func (h *Handler) write(evt Event) bool {
	if err := WriteEvent(h.w, evt); err != nil {
		h.log.Warn("write failed", slog.String("error", err.Error()))
		return false
	}
	return true
}
