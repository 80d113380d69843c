package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"downpour/internal/e2e"
	"downpour/internal/protocol"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// TypingIdle is how long after the last keystroke typing auto-stops.
	TypingIdle = time.Second

	writeWait   = 10 * time.Second
	liveBuffer  = 1024
	eventBuffer = 256
)

type EventKind int

const (
	EventMessage EventKind = iota + 1
	EventNotice
	EventTyping
	EventError
	EventClosed
)

// Event is what a Session reports to its UI. Entry is set for messages and
// notices, Typing for typing updates, Err for errors and close.
type Event struct {
	Kind   EventKind
	Entry  Entry
	Typing []string
	Err    string
}

// Session is one live membership in a room.
type Session struct {
	conn       *websocket.Conn
	roomID     string
	username   string
	key        *e2e.Key
	transcript *Transcript
	typer      *Typer

	writeMu sync.Mutex
	live    chan []byte
	events  chan Event
	closing chan struct{}
	done    chan struct{}
	once    sync.Once
	readErr error
}

// Enter opens the live stream first and only then reads history, so nothing
// sent in between is missed; the transcript drops whatever arrives twice.
func Enter(ctx context.Context, c *Client, username, passphrase, roomID string) (*Session, error) {
	username = strings.TrimSpace(username)
	if username == "" || passphrase == "" || roomID == "" {
		return nil, errors.New("enter: username, passphrase and room are required")
	}
	if utf8.RuneCountInString(username) > protocol.MaxFieldLen {
		return nil, fmt.Errorf("enter: username longer than %d characters", protocol.MaxFieldLen)
	}
	key, err := e2e.DeriveKey(passphrase, roomID)
	if err != nil {
		return nil, err
	}
	anonID, err := c.AnonID(ctx)
	if err != nil {
		return nil, err
	}
	conn, _, err := c.dialer.DialContext(ctx, c.wsURL(anonID, username, roomID), nil)
	if err != nil {
		return nil, fmt.Errorf("enter: dial: %w", err)
	}

	s := &Session{
		conn:       conn,
		roomID:     roomID,
		username:   username,
		key:        key,
		transcript: NewTranscript(roomID, username, key),
		live:       make(chan []byte, liveBuffer),
		events:     make(chan Event, eventBuffer),
		closing:    make(chan struct{}),
		done:       make(chan struct{}),
	}
	s.typer = NewTyper(TypingIdle, func(event string) {
		if err := s.write(event, nil); err != nil {
			log.Debug().Err(err).Str("event", event).Msg("typing")
		}
	})
	go s.readLoop()

	history, err := c.History(ctx, roomID)
	if err != nil {
		close(s.closing)
		_ = conn.Close()
		return nil, err
	}
	go s.dispatch(history)
	return s, nil
}

func (s *Session) RoomID() string { return s.roomID }

func (s *Session) Transcript() *Transcript { return s.transcript }

// Events is closed after the connection ends.
func (s *Session) Events() <-chan Event { return s.events }

// Keystroke marks the user as typing; it auto-stops after TypingIdle.
func (s *Session) Keystroke() { s.typer.Touch() }

// Send stops typing, then encrypts and sends. The echo from the server is
// the only delivery confirmation.
func (s *Session) Send(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return ErrEmptyMessage
	}
	s.typer.Stop()
	ct, iv, err := s.key.Encrypt(text)
	if err != nil {
		return err
	}
	return s.write(protocol.EventMessageSend, protocol.SendMessage{Ciphertext: ct, IV: iv})
}

func (s *Session) Close() error {
	var err error
	s.once.Do(func() {
		s.typer.Cancel()
		close(s.closing)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	<-s.done
	return err
}

func (s *Session) write(event string, payload any) error {
	b, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

// readLoop only buffers; frames are interpreted by dispatch once history has
// been merged.
func (s *Session) readLoop() {
	defer close(s.live)
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.readErr = err
			return
		}
		select {
		case s.live <- data:
		case <-s.closing:
			return
		}
	}
}

func (s *Session) dispatch(history []protocol.MessageReceived) {
	defer close(s.done)
	defer close(s.events)
	for _, e := range s.transcript.Merge(history) {
		s.emit(Event{Kind: EventMessage, Entry: e})
	}
	for data := range s.live {
		s.handle(data)
	}
	// readErr is visible here because live is closed after it is set.
	if err := s.readErr; err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		select {
		case <-s.closing:
		default:
			s.emit(Event{Kind: EventClosed, Err: err.Error()})
		}
	}
}

func (s *Session) handle(data []byte) {
	f, err := protocol.Decode(data)
	if err != nil {
		return
	}
	switch f.Event {
	case protocol.EventMessageReceive:
		var m protocol.MessageReceived
		if json.Unmarshal(f.Data, &m) != nil {
			return
		}
		if e, ok := s.transcript.Add(m); ok {
			s.emit(Event{Kind: EventMessage, Entry: e})
		}
	case protocol.EventTypingUpdate:
		var u protocol.TypingUpdate
		if json.Unmarshal(f.Data, &u) != nil {
			return
		}
		others := make([]string, 0, len(u.TypingUsers))
		for _, name := range u.TypingUsers {
			if name != s.username {
				others = append(others, name)
			}
		}
		s.emit(Event{Kind: EventTyping, Typing: others})
	case protocol.EventUserJoined, protocol.EventUserLeft:
		var u protocol.UserEvent
		if json.Unmarshal(f.Data, &u) != nil {
			return
		}
		verb := "joined"
		if f.Event == protocol.EventUserLeft {
			verb = "left"
		}
		s.emit(Event{Kind: EventNotice, Entry: s.transcript.Notice(fmt.Sprintf("%s %s the room", u.Username, verb))})
	case protocol.EventError:
		var e protocol.ErrorEvent
		_ = json.Unmarshal(f.Data, &e)
		s.emit(Event{Kind: EventError, Err: e.Message})
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closing:
	}
}

// Typer debounces typing:start/typing:stop: start goes out on the first
// keystroke, stop after idle time without keystrokes or on an explicit Stop.
type Typer struct {
	mu     sync.Mutex
	idle   time.Duration
	emit   func(event string)
	active bool
	timer  *time.Timer
	gen    int
}

func NewTyper(idle time.Duration, emit func(event string)) *Typer {
	return &Typer{idle: idle, emit: emit}
}

func (t *Typer) Touch() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.active {
		t.active = true
		t.emit(protocol.EventTypingStart)
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.timer = time.AfterFunc(t.idle, func() { t.expire(gen) })
}

func (t *Typer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

// Cancel drops pending state without emitting.
func (t *Typer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active = false
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

func (t *Typer) expire(gen int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if gen != t.gen {
		return
	}
	t.stopLocked()
}

func (t *Typer) stopLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.active {
		t.active = false
		t.emit(protocol.EventTypingStop)
	}
}
