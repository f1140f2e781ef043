package wyoming

import (
	"encoding/json"
	"fmt"
)

// Recognized event types. Dispatch over these is a closed set; anything
// else takes the unsupported-event path.
const (
	TypeDescribe   = "describe"
	TypeInfo       = "info"
	TypeSynthesize = "synthesize"
	TypeAudioStart = "audio-start"
	TypeAudioChunk = "audio-chunk"
	TypeAudioStop  = "audio-stop"
	TypeError      = "error"
)

// Protocol error codes carried in error events.
const (
	CodeEmptyText        = "empty_text"
	CodeVoiceNotFound    = "voice_not_found"
	CodeEngineFailure    = "engine_failure"
	CodeUnsupportedEvent = "unsupported_event"
	CodeInvalidRequest   = "invalid_request"
)

// Attribution credits the upstream model or voice.
type Attribution struct {
	Name string `json:"name"`
	URL  string `json:"url"`
}

// TTSVoice is one selectable voice in the info listing.
type TTSVoice struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Attribution Attribution `json:"attribution"`
	Installed   bool        `json:"installed"`
	Languages   []string    `json:"languages,omitempty"`
}

// TTSProgram describes this server in the info listing.
type TTSProgram struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Attribution Attribution `json:"attribution"`
	Installed   bool        `json:"installed"`
	Voices      []TTSVoice  `json:"voices"`
}

// Info is the server capability listing sent in reply to describe.
type Info struct {
	TTS []TTSProgram `json:"tts"`
}

// SynthesizeVoice selects a voice for a synthesize request.
type SynthesizeVoice struct {
	Name string `json:"name,omitempty"`
}

// Synthesize is a client request to speak text.
type Synthesize struct {
	Text  string           `json:"text"`
	Voice *SynthesizeVoice `json:"voice,omitempty"`
}

// AudioFormat is the fixed sample format of one streamed response.
type AudioFormat struct {
	Rate      int   `json:"rate"`
	Width     int   `json:"width"`
	Channels  int   `json:"channels"`
	Timestamp int64 `json:"timestamp,omitempty"`
}

// AudioStop terminates a streamed response.
type AudioStop struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

// Error reports a recoverable protocol-level failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func marshalEvent(eventType string, data any) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("wyoming: marshal %s data: %w", eventType, err)
	}
	return Event{Type: eventType, Data: raw}, nil
}

// InfoEvent wraps a capability listing.
func InfoEvent(info Info) (Event, error) {
	return marshalEvent(TypeInfo, info)
}

// SynthesizeEvent wraps a synthesize request (used by clients and tests).
func SynthesizeEvent(s Synthesize) (Event, error) {
	return marshalEvent(TypeSynthesize, s)
}

// AudioStartEvent opens a streamed response with its sample format.
func AudioStartEvent(format AudioFormat) (Event, error) {
	return marshalEvent(TypeAudioStart, format)
}

// AudioChunkEvent carries one slice of PCM as the event payload.
func AudioChunkEvent(format AudioFormat, pcm []byte) (Event, error) {
	evt, err := marshalEvent(TypeAudioChunk, format)
	if err != nil {
		return Event{}, err
	}
	evt.Payload = pcm
	return evt, nil
}

// AudioStopEvent closes a streamed response.
func AudioStopEvent(stop AudioStop) (Event, error) {
	return marshalEvent(TypeAudioStop, stop)
}

// ErrorEvent wraps a protocol error.
func ErrorEvent(code, message string) (Event, error) {
	return marshalEvent(TypeError, Error{Code: code, Message: message})
}

// ParseSynthesize decodes a synthesize event's data.
func ParseSynthesize(evt Event) (Synthesize, error) {
	var s Synthesize
	if len(evt.Data) == 0 {
		return s, fmt.Errorf("%w: synthesize event missing data", ErrDecode)
	}
	if err := json.Unmarshal(evt.Data, &s); err != nil {
		return s, fmt.Errorf("%w: synthesize data: %v", ErrDecode, err)
	}
	return s, nil
}

// ParseError decodes an error event's data (used by clients and tests).
func ParseError(evt Event) (Error, error) {
	var e Error
	if err := json.Unmarshal(evt.Data, &e); err != nil {
		return e, fmt.Errorf("%w: error data: %v", ErrDecode, err)
	}
	return e, nil
}

// ParseAudioFormat decodes the format data of audio-start/audio-chunk.
func ParseAudioFormat(evt Event) (AudioFormat, error) {
	var f AudioFormat
	if err := json.Unmarshal(evt.Data, &f); err != nil {
		return f, fmt.Errorf("%w: audio format data: %v", ErrDecode, err)
	}
	return f, nil
}
