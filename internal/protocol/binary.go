package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// Frame format:
// [1 byte: FrameType][4 bytes: PayloadLength][Payload]
//
// FrameType values:
//   0x01 = Request
//   0x02 = Response
//   0x03 = Push
//
// The payload is a JSON encoded Envelope whose type matches the frame type.

const (
	// Frame types
	FrameRequest  byte = 0x01
	FrameResponse byte = 0x02
	FramePush     byte = 0x03

	// Protocol constants
	HeaderSize    = 5
	MaxPayloadLen = 16 << 20 // 16MB
)

// ErrTooLarge is returned for an envelope that does not fit in a frame
var ErrTooLarge = errors.New("envelope too large")

// Envelope types
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypePush     = "push"
)

var frameTypes = map[string]byte{
	TypeRequest:  FrameRequest,
	TypeResponse: FrameResponse,
	TypePush:     FramePush,
}

// EncodeEnvelope encodes an envelope into a frame
func EncodeEnvelope(env *Envelope) ([]byte, error) {
	frameType, ok := frameTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("unknown envelope type %q", env.Type)
	}

	payload, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	if len(payload) > MaxPayloadLen {
		return nil, fmt.Errorf("%w: %d bytes", ErrTooLarge, len(payload))
	}

	buf := make([]byte, HeaderSize+len(payload))
	buf[0] = frameType
	binary.BigEndian.PutUint32(buf[1:], uint32(len(payload)))
	copy(buf[HeaderSize:], payload)

	return buf, nil
}

// DecodeHeader parses a frame header
func DecodeHeader(header []byte) (frameType byte, payloadLen uint32, err error) {
	if len(header) < HeaderSize {
		return 0, 0, fmt.Errorf("header too short")
	}

	frameType = header[0]
	if frameType < FrameRequest || frameType > FramePush {
		return 0, 0, fmt.Errorf("unknown frame type: 0x%02x", frameType)
	}
	payloadLen = binary.BigEndian.Uint32(header[1:HeaderSize])
	if payloadLen > MaxPayloadLen {
		return 0, 0, fmt.Errorf("frame too large: %d bytes", payloadLen)
	}
	return frameType, payloadLen, nil
}

// DecodeEnvelope parses the payload of a frame
func DecodeEnvelope(frameType byte, payload []byte) (*Envelope, error) {
	env := &Envelope{}
	if err := json.Unmarshal(payload, env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}
	if frameTypes[env.Type] != frameType {
		return nil, fmt.Errorf("envelope type %q does not match frame type 0x%02x", env.Type, frameType)
	}
	return env, nil
}

// DecodeFrame parses a complete frame
func DecodeFrame(data []byte) (*Envelope, error) {
	frameType, payloadLen, err := DecodeHeader(data)
	if err != nil {
		return nil, err
	}
	if len(data) < HeaderSize+int(payloadLen) {
		return nil, fmt.Errorf("incomplete frame")
	}
	return DecodeEnvelope(frameType, data[HeaderSize:HeaderSize+int(payloadLen)])
}
