package transport

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedMessage is returned for frames and messages that cannot be decoded.
var ErrMalformedMessage = errors.New("transport: malformed message")

// MessageSpectrogram is the type of every outbound frame.
const MessageSpectrogram = "spectrogram"

// Inbound message types.
const (
	MessageRequestFileSpectrogram = "request_file_spectrogram"
	MessageInformation            = "information"
)

// Actions carried in the content of outbound frames.
const (
	ActionNew          = "new"
	ActionUpdate       = "update"
	ActionChangePoints = "change_points"
	ActionNoData       = "no_data"
)

// Vector types of a change_points frame.
const (
	VectorChangePoints = "change_points"
	VectorSummedSignal = "summed_signal"
)

// Message is the JSON envelope of inbound messages and outbound frame headers.
type Message struct {
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

// FileRequest is the content of a request_file_spectrogram message.
type FileRequest struct {
	Filename string   `json:"filename"`
	Duration float64  `json:"duration"` // hours
	Groups   []string `json:"groups,omitempty"`
}

// NewContent announces a montage group.
type NewContent struct {
	Action   string `json:"action"`
	NBlocks  int    `json:"nblocks"`
	NFreqs   int    `json:"nfreqs"`
	Fs       int    `json:"fs"`
	Length   int    `json:"length"` // seconds covered
	CanvasID string `json:"canvasId"`
}

// UpdateContent precedes a serialized nfreqs x nblocks matrix.
type UpdateContent struct {
	Action   string `json:"action"`
	NBlocks  int    `json:"nblocks"`
	NFreqs   int    `json:"nfreqs"`
	CanvasID string `json:"canvasId"`
}

// VectorContent precedes a change point or summed signal vector.
type VectorContent struct {
	Action   string `json:"action"`
	Type     string `json:"type"`
	CanvasID string `json:"canvasId"`
}

// NoDataContent reports a group that produced no result.
type NoDataContent struct {
	Action   string `json:"action"`
	CanvasID string `json:"canvasId"`
	Kind     string `json:"kind"`
	Reason   string `json:"reason"`
}

// headerLength pads n so the payload after the 4 byte length prefix starts 8 byte aligned.
func headerLength(n int) int {
	return n + 8 - (n+4)%8
}

// EncodeFrame renders a binary frame: the uint32 little-endian header length, the JSON
// header padded with spaces, then payload.
func EncodeFrame(msgType string, content any, payload []byte) ([]byte, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("transport: encode content: %w", err)
	}
	header, err := json.Marshal(Message{Type: msgType, Content: raw})
	if err != nil {
		return nil, fmt.Errorf("transport: encode header: %w", err)
	}

	n := headerLength(len(header))
	frame := make([]byte, 4+n+len(payload))
	binary.LittleEndian.PutUint32(frame, uint32(n))
	copy(frame[4:], header)
	for i := 4 + len(header); i < 4+n; i++ {
		frame[i] = ' '
	}
	copy(frame[4+n:], payload)
	return frame, nil
}

// DecodeFrame splits a binary frame into its header and payload.
func DecodeFrame(frame []byte) (Message, []byte, error) {
	var msg Message
	if len(frame) < 4 {
		return msg, nil, fmt.Errorf("%w: frame of %d bytes", ErrMalformedMessage, len(frame))
	}
	n := int(binary.LittleEndian.Uint32(frame))
	if n > len(frame)-4 {
		return msg, nil, fmt.Errorf("%w: header length %d exceeds frame", ErrMalformedMessage, n)
	}
	if err := json.Unmarshal(bytes.TrimRight(frame[4:4+n], " "), &msg); err != nil {
		return msg, nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	return msg, frame[4+n:], nil
}

// ParseMessage decodes an inbound JSON message.
func ParseMessage(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.Type == "" {
		return msg, fmt.Errorf("%w: missing type", ErrMalformedMessage)
	}
	return msg, nil
}

// ParseFileRequest decodes the content of a request_file_spectrogram message.
func ParseFileRequest(content json.RawMessage) (FileRequest, error) {
	var req FileRequest
	if len(content) == 0 {
		return req, fmt.Errorf("%w: empty content", ErrMalformedMessage)
	}
	if err := json.Unmarshal(content, &req); err != nil {
		return req, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if req.Filename == "" {
		return req, fmt.Errorf("%w: missing filename", ErrMalformedMessage)
	}
	return req, nil
}
