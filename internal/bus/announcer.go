package bus

import (
	"time"

	"github.com/chatterbox-labs/chatterboxd/internal/protocol"
)

// SynthesisAnnouncer publishes synthesis lifecycle notifications on the
// bus. It satisfies the Wyoming server's Announcer contract.
type SynthesisAnnouncer struct {
	client *Client
}

func NewSynthesisAnnouncer(client *Client) *SynthesisAnnouncer {
	return &SynthesisAnnouncer{client: client}
}

func (a *SynthesisAnnouncer) SynthesisStarted(connectionID, voice string, textChars int) {
	a.client.Publish(protocol.SubjectSynthesisStarted, protocol.SynthesisStarted{
		ConnectionID: connectionID,
		Voice:        voice,
		TextChars:    textChars,
		Timestamp:    time.Now().UTC(),
	})
}

func (a *SynthesisAnnouncer) SynthesisCompleted(connectionID, voice string, chunks, bytes int, duration time.Duration) {
	a.client.Publish(protocol.SubjectSynthesisCompleted, protocol.SynthesisCompleted{
		ConnectionID: connectionID,
		Voice:        voice,
		Chunks:       chunks,
		Bytes:        bytes,
		Duration:     duration,
		Timestamp:    time.Now().UTC(),
	})
}

func (a *SynthesisAnnouncer) SynthesisFailed(connectionID, code, message string) {
	a.client.Publish(protocol.SubjectSynthesisFailed, protocol.SynthesisFailed{
		ConnectionID: connectionID,
		Code:         code,
		Message:      message,
		Timestamp:    time.Now().UTC(),
	})
}
