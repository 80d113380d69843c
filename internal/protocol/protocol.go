// Package protocol defines the websocket frames exchanged between relay
// clients and the coordinator. Every frame is {"event": name, "data": payload}.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"
)

// MaxFieldLen bounds identity claims and IVs. It matches the size of the
// corresponding message columns, counted in characters.
const MaxFieldLen = 64

const (
	EventMessageSend    = "message:send"
	EventTypingStart    = "typing:start"
	EventTypingStop     = "typing:stop"
	EventMessageReceive = "message:receive"
	EventTypingUpdate   = "typing:update"
	EventUserJoined     = "user:joined"
	EventUserLeft       = "user:left"
	EventError          = "error"
)

var (
	ErrInvalidEvent  = errors.New("invalid event")
	ErrMissingClaims = errors.New("missing identity claims")
	ErrClaimTooLong  = errors.New("identity claim too long")
)

type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Claims are the handshake identity claims; all three are required.
type Claims struct {
	AnonID   string `json:"anonId"`
	Username string `json:"username"`
	RoomID   string `json:"roomId"`
}

func (c Claims) Normalize() (Claims, error) {
	out := Claims{
		AnonID:   strings.TrimSpace(c.AnonID),
		Username: strings.TrimSpace(c.Username),
		RoomID:   strings.TrimSpace(c.RoomID),
	}
	if out.AnonID == "" || out.Username == "" || out.RoomID == "" {
		return Claims{}, ErrMissingClaims
	}
	for _, v := range []string{out.AnonID, out.Username, out.RoomID} {
		if utf8.RuneCountInString(v) > MaxFieldLen {
			return Claims{}, ErrClaimTooLong
		}
	}
	return out, nil
}

// Inbound is one of SendMessage, TypingStart, TypingStop.
type Inbound interface{ inbound() }

type SendMessage struct {
	Ciphertext string `json:"ciphertext"`
	IV         string `json:"iv"`
}

type TypingStart struct{}

type TypingStop struct{}

func (SendMessage) inbound() {}
func (TypingStart) inbound() {}
func (TypingStop) inbound()  {}

// DecodeInbound validates a client frame. Anything it rejects must be dropped
// without reaching the coordinator.
func DecodeInbound(b []byte) (Inbound, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	switch f.Event {
	case EventTypingStart:
		return TypingStart{}, nil
	case EventTypingStop:
		return TypingStop{}, nil
	case EventMessageSend:
		var m SendMessage
		if len(f.Data) == 0 {
			return nil, fmt.Errorf("%w: empty payload", ErrInvalidEvent)
		}
		if err := json.Unmarshal(f.Data, &m); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
		}
		if m.Ciphertext == "" || m.IV == "" {
			return nil, fmt.Errorf("%w: ciphertext and iv are required", ErrInvalidEvent)
		}
		if utf8.RuneCountInString(m.IV) > MaxFieldLen {
			return nil, fmt.Errorf("%w: iv too long", ErrInvalidEvent)
		}
		return m, nil
	default:
		return nil, fmt.Errorf("%w: unknown event %q", ErrInvalidEvent, f.Event)
	}
}

// MessageReceived mirrors a stored message without any plaintext.
type MessageReceived struct {
	ID         uint      `json:"_id"`
	Username   string    `json:"username"`
	Ciphertext string    `json:"ciphertext"`
	IV         string    `json:"iv"`
	CreatedAt  time.Time `json:"createdAt"`
}

type TypingUpdate struct {
	TypingUsers []string `json:"typingUsers"`
}

type UserEvent struct {
	Username string `json:"username"`
}

type ErrorEvent struct {
	Message string `json:"message"`
}

// Encode marshals an outbound event into a frame.
func Encode(event string, payload any) ([]byte, error) {
	f := Frame{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		f.Data = data
	}
	return json.Marshal(f)
}

// Decode splits a frame; callers unmarshal Data by Event.
func Decode(b []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	if f.Event == "" {
		return Frame{}, fmt.Errorf("%w: missing event name", ErrInvalidEvent)
	}
	return f, nil
}
