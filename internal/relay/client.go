// Package relay is the client side of a room: the HTTP calls that create and
// join rooms, and a live Session that reconciles transcript history with the
// websocket stream.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"time"

	"downpour/internal/protocol"

	"github.com/gorilla/websocket"
)

var (
	ErrRoomNotFound = errors.New("room not found or expired")
	ErrEmptyMessage = errors.New("empty message")
)

// StatusError is an unexpected HTTP reply from the server.
type StatusError struct {
	Op     string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Op, e.Status, e.Body)
}

// Client talks to one relay server. The cookie jar is shared between HTTP
// calls and the websocket dial so both carry the same anonymous session.
type Client struct {
	base   *url.URL
	http   *http.Client
	dialer *websocket.Dialer
}

func NewClient(serverURL string) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(serverURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("parse server url: unsupported scheme %q", base.Scheme)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, err
	}
	return &Client{
		base:   base,
		http:   &http.Client{Timeout: 10 * time.Second, Jar: jar},
		dialer: &websocket.Dialer{HandshakeTimeout: 10 * time.Second, Jar: jar},
	}, nil
}

// AnonID returns the anonymous identity for this client, obtaining a session
// cookie on first use.
func (c *Client) AnonID(ctx context.Context) (string, error) {
	var out struct {
		AnonID string `json:"anonId"`
	}
	if err := c.do(ctx, "session", http.MethodGet, "/api/session", nil, http.StatusOK, &out); err != nil {
		return "", err
	}
	if out.AnonID == "" {
		return "", errors.New("session: empty anonymous id")
	}
	return out.AnonID, nil
}

func (c *Client) CreateRoom(ctx context.Context) (string, error) {
	var out struct {
		RoomID string `json:"roomId"`
	}
	if err := c.do(ctx, "create room", http.MethodPost, "/api/rooms/create", nil, http.StatusCreated, &out); err != nil {
		return "", err
	}
	return out.RoomID, nil
}

// JoinRoom checks that the room is joinable and returns its online count.
func (c *Client) JoinRoom(ctx context.Context, roomID string) (int, error) {
	var out struct {
		RoomID string `json:"roomId"`
		Online int    `json:"online"`
	}
	err := c.do(ctx, "join room", http.MethodPost, "/api/rooms/join", map[string]string{"roomId": roomID}, http.StatusOK, &out)
	var se *StatusError
	if errors.As(err, &se) && se.Status == http.StatusNotFound {
		return 0, ErrRoomNotFound
	}
	if err != nil {
		return 0, err
	}
	return out.Online, nil
}

// History is a single point-in-time read of the room's recent messages,
// oldest first.
func (c *Client) History(ctx context.Context, roomID string) ([]protocol.MessageReceived, error) {
	var out struct {
		Messages []protocol.MessageReceived `json:"messages"`
	}
	if err := c.do(ctx, "transcript", http.MethodGet, "/api/transcript/"+url.PathEscape(roomID), nil, http.StatusOK, &out); err != nil {
		return nil, err
	}
	return out.Messages, nil
}

func (c *Client) do(ctx context.Context, op, method, path string, body any, want int, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base.String()+path, rd)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != want {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Op: op, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", op, err)
	}
	return nil
}

func (c *Client) wsURL(anonID, username, roomID string) string {
	u := *c.base
	if u.Scheme == "https" {
		u.Scheme = "wss"
	} else {
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = url.Values{"anonId": {anonID}, "username": {username}, "roomId": {roomID}}.Encode()
	return u.String()
}
