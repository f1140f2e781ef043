package protocol

import "time"

// SynthesisStarted announces that a connection entered synthesis.
type SynthesisStarted struct {
	ConnectionID string    `json:"connection_id"`
	Voice        string    `json:"voice"`
	TextChars    int       `json:"text_chars"`
	Timestamp    time.Time `json:"timestamp"`
}

// SynthesisCompleted announces a fully streamed response.
type SynthesisCompleted struct {
	ConnectionID string        `json:"connection_id"`
	Voice        string        `json:"voice"`
	Chunks       int           `json:"chunks"`
	Bytes        int           `json:"bytes"`
	Duration     time.Duration `json:"duration_ns"`
	Timestamp    time.Time     `json:"timestamp"`
}

// SynthesisFailed announces a request that ended in a protocol error.
type SynthesisFailed struct {
	ConnectionID string    `json:"connection_id"`
	Code         string    `json:"code"`
	Message      string    `json:"message"`
	Timestamp    time.Time `json:"timestamp"`
}

const (
	SubjectSynthesisStarted   = "tts.synthesis.started"
	SubjectSynthesisCompleted = "tts.synthesis.completed"
	SubjectSynthesisFailed    = "tts.synthesis.failed"
)
