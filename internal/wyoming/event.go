package wyoming

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// Wire framing, per the published Wyoming protocol: one JSON header line
// terminated by '\n' carrying the event type and optional data_length /
// payload_length fields, then exactly data_length bytes of JSON event
// data, then exactly payload_length bytes of raw payload. Older peers
// inline "data" in the header instead; both forms are accepted on read.

// ErrDecode marks malformed wire data. Fatal to the connection, never to
// the server.
var ErrDecode = errors.New("wyoming: decode error")

// Framing sanity caps. A header or declared length beyond these is a
// decode error, not an allocation.
const (
	maxHeaderBytes  = 64 * 1024
	maxDataBytes    = 1024 * 1024
	maxPayloadBytes = 16 * 1024 * 1024
)

// Event is the protocol's unit of exchange.
type Event struct {
	Type    string
	Data    json.RawMessage
	Payload []byte
}

type header struct {
	Type          string          `json:"type"`
	Data          json.RawMessage `json:"data,omitempty"`
	DataLength    int             `json:"data_length,omitempty"`
	PayloadLength int             `json:"payload_length,omitempty"`
}

// ReadEvent reads one event from r. io.EOF is returned unwrapped when the
// stream ends cleanly between events; every other failure wraps ErrDecode.
func ReadEvent(r *bufio.Reader) (Event, error) {
	line, err := readHeaderLine(r)
	if err != nil {
		return Event{}, err
	}

	var h header
	if err := json.Unmarshal(line, &h); err != nil {
		return Event{}, fmt.Errorf("%w: malformed header: %v", ErrDecode, err)
	}
	if h.Type == "" {
		return Event{}, fmt.Errorf("%w: header missing event type", ErrDecode)
	}
	if h.DataLength < 0 || h.DataLength > maxDataBytes {
		return Event{}, fmt.Errorf("%w: declared data length %d out of range", ErrDecode, h.DataLength)
	}
	if h.PayloadLength < 0 || h.PayloadLength > maxPayloadBytes {
		return Event{}, fmt.Errorf("%w: declared payload length %d out of range", ErrDecode, h.PayloadLength)
	}

	evt := Event{Type: h.Type, Data: h.Data}

	if h.DataLength > 0 {
		buf := make([]byte, h.DataLength)
		if _, err := io.ReadFull(r, buf); err != nil {
			return Event{}, fmt.Errorf("%w: truncated data: %v", ErrDecode, err)
		}
		if !json.Valid(buf) {
			return Event{}, fmt.Errorf("%w: trailing data is not valid JSON", ErrDecode)
		}
		evt.Data = mergeData(evt.Data, buf)
	}

	if h.PayloadLength > 0 {
		payload := make([]byte, h.PayloadLength)
		if _, err := io.ReadFull(r, payload); err != nil {
			return Event{}, fmt.Errorf("%w: truncated payload: %v", ErrDecode, err)
		}
		evt.Payload = payload
	}

	return evt, nil
}

// readHeaderLine reads up to and including '\n', refusing to buffer more
// than maxHeaderBytes. A clean EOF between events surfaces as io.EOF.
func readHeaderLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		frag, err := r.ReadSlice('\n')
		line = append(line, frag...)
		if len(line) > maxHeaderBytes {
			return nil, fmt.Errorf("%w: header exceeds %d bytes", ErrDecode, maxHeaderBytes)
		}
		if err == nil {
			return line, nil
		}
		if err == bufio.ErrBufferFull {
			continue
		}
		if err == io.EOF && len(line) == 0 {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("%w: reading header: %v", ErrDecode, err)
	}
}

// mergeData overlays trailing data onto inline header data, trailing keys
// winning. The common case is no inline data at all.
func mergeData(inline json.RawMessage, trailing []byte) json.RawMessage {
	if len(inline) == 0 || bytes.Equal(bytes.TrimSpace(inline), []byte("null")) {
		return trailing
	}
	var base, overlay map[string]json.RawMessage
	if err := json.Unmarshal(inline, &base); err != nil {
		return trailing
	}
	if err := json.Unmarshal(trailing, &overlay); err != nil {
		return trailing
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return trailing
	}
	return merged
}

// WriteEvent writes one event to w. Header, data and payload go through a
// single buffered writer and one flush, so an event is either fully
// queued to the socket or the write errors out.
func WriteEvent(w *bufio.Writer, evt Event) error {
	if evt.Type == "" {
		return errors.New("wyoming: event type must not be empty")
	}
	h := header{Type: evt.Type}
	if len(evt.Data) > 0 {
		h.DataLength = len(evt.Data)
	}
	if len(evt.Payload) > 0 {
		h.PayloadLength = len(evt.Payload)
	}

	line, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("wyoming: marshal header: %w", err)
	}
	if _, err := w.Write(line); err != nil {
		return err
	}
	if err := w.WriteByte('\n'); err != nil {
		return err
	}
	if h.DataLength > 0 {
		if _, err := w.Write(evt.Data); err != nil {
			return err
		}
	}
	if h.PayloadLength > 0 {
		if _, err := w.Write(evt.Payload); err != nil {
			return err
		}
	}
	return w.Flush()
}
