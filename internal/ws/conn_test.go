package ws

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"downpour/internal/auth"
	"downpour/internal/config"
	"downpour/internal/db"
	"downpour/internal/models"
	"downpour/internal/presence"
	"downpour/internal/protocol"
	"downpour/internal/rooms"
	"downpour/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const testSecret = "test-secret"

type wsEnv struct {
	srv     *httptest.Server
	hub     *Hub
	gdb     *gorm.DB
	reg     *rooms.GormRegistry
	store   store.Store
	tracker *presence.Tracker
}

type failingStore struct{}

func (failingStore) Append(context.Context, string, store.Record) (models.Message, error) {
	return models.Message{}, fmt.Errorf("%w: disk on fire", store.ErrStoreUnavailable)
}

func (failingStore) RecentHistory(context.Context, string, int) ([]models.Message, error) {
	return nil, store.ErrStoreUnavailable
}

type slowStore struct {
	store.Store
	delay time.Duration
}

func (s slowStore) Append(ctx context.Context, roomID string, rec store.Record) (models.Message, error) {
	time.Sleep(s.delay)
	return s.Store.Append(ctx, roomID, rec)
}

func newWSEnv(t *testing.T, st store.Store, opts ...func(*wsEnv)) *wsEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.OpenSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))
	if st == nil {
		st = store.NewGormStore(gdb)
	}
	env := &wsEnv{
		gdb:     gdb,
		reg:     rooms.NewGormRegistry(gdb, time.Hour),
		store:   st,
		tracker: presence.NewTracker(),
	}
	env.hub = NewHub(env.tracker)
	for _, opt := range opts {
		opt(env)
	}
	cfg := config.Config{SessionSecret: testSecret}

	r := gin.New()
	r.GET("/ws", Serve(env.hub, env.reg, env.store, cfg))
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *wsEnv) createRoom(t *testing.T) string {
	t.Helper()
	room, err := e.reg.Create(context.Background())
	require.NoError(t, err)
	return room.ID
}

func (e *wsEnv) wsURL(q url.Values) string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?" + q.Encode()
}

func (e *wsEnv) dial(t *testing.T, anonID, username, roomID string) *websocket.Conn {
	t.Helper()
	q := url.Values{}
	if anonID != "" {
		q.Set("anonId", anonID)
	}
	if username != "" {
		q.Set("username", username)
	}
	if roomID != "" {
		q.Set("roomId", roomID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(e.wsURL(q), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// join dials and waits until the coordinator has admitted the connection.
func (e *wsEnv) join(t *testing.T, username, roomID string) *websocket.Conn {
	t.Helper()
	before := e.hub.Online(roomID)
	conn := e.dial(t, "anon-"+username, username, roomID)
	require.Eventually(t, func() bool { return e.hub.Online(roomID) == before+1 }, 2*time.Second, 5*time.Millisecond)
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) protocol.Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	f, err := protocol.Decode(data)
	require.NoError(t, err)
	return f
}

func writeFrame(t *testing.T, conn *websocket.Conn, raw string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func expectPolicyClose(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "got %v", err)
}

func TestServe_MessageReachesEveryMemberAndIsStored(t *testing.T) {
	env := newWSEnv(t, nil)
	roomID := env.createRoom(t)
	alice := env.join(t, "Alice", roomID)
	bob := env.join(t, "Bob", roomID)

	f := readFrame(t, alice)
	require.Equal(t, protocol.EventUserJoined, f.Event)

	writeFrame(t, alice, `{"event":"message:send","data":{"ciphertext":"Q0lQSEVS","iv":"SVY="}}`)

	var ids []uint
	for _, conn := range []*websocket.Conn{alice, bob} {
		f := readFrame(t, conn)
		require.Equal(t, protocol.EventMessageReceive, f.Event)
		m := decodeData[protocol.MessageReceived](t, f)
		assert.Equal(t, "Alice", m.Username)
		assert.Equal(t, "Q0lQSEVS", m.Ciphertext)
		assert.Equal(t, "SVY=", m.IV)
		assert.False(t, m.CreatedAt.IsZero())
		ids = append(ids, m.ID)
	}
	assert.Equal(t, ids[0], ids[1])

	history, err := env.store.RecentHistory(context.Background(), roomID, 100)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, ids[0], history[0].ID)
	assert.Equal(t, "anon-Alice", history[0].AnonID)
}

func TestServe_TypingAroundMessage(t *testing.T) {
	env := newWSEnv(t, nil)
	roomID := env.createRoom(t)
	alice := env.join(t, "Alice", roomID)
	bob := env.join(t, "Bob", roomID)
	readFrame(t, alice) // user:joined Bob

	writeFrame(t, alice, `{"event":"typing:start"}`)
	writeFrame(t, alice, `{"event":"message:send","data":{"ciphertext":"Yw==","iv":"aQ=="}}`)
	writeFrame(t, alice, `{"event":"typing:stop"}`)

	f := readFrame(t, bob)
	require.Equal(t, protocol.EventTypingUpdate, f.Event)
	assert.Equal(t, []string{"Alice"}, decodeData[protocol.TypingUpdate](t, f).TypingUsers)

	f = readFrame(t, bob)
	require.Equal(t, protocol.EventMessageReceive, f.Event)

	f = readFrame(t, bob)
	require.Equal(t, protocol.EventTypingUpdate, f.Event)
	assert.Equal(t, []string{}, decodeData[protocol.TypingUpdate](t, f).TypingUsers)

	f = readFrame(t, alice)
	assert.Equal(t, protocol.EventMessageReceive, f.Event)
}

func TestServe_MalformedFramesDropped(t *testing.T) {
	env := newWSEnv(t, nil)
	roomID := env.createRoom(t)
	alice := env.join(t, "Alice", roomID)
	bob := env.join(t, "Bob", roomID)
	readFrame(t, alice)

	writeFrame(t, alice, `not json`)
	writeFrame(t, alice, `{"event":"message:send","data":{"ciphertext":""}}`)
	writeFrame(t, alice, `{"event":"room:delete"}`)
	writeFrame(t, alice, `{"event":"message:send","data":{"ciphertext":"b2s=","iv":"aXY="}}`)

	f := readFrame(t, bob)
	require.Equal(t, protocol.EventMessageReceive, f.Event)
	assert.Equal(t, "b2s=", decodeData[protocol.MessageReceived](t, f).Ciphertext)

	// the sender hears nothing about the dropped frames
	f = readFrame(t, alice)
	assert.Equal(t, protocol.EventMessageReceive, f.Event)
	assert.Equal(t, 2, env.hub.Online(roomID))
}

func TestServe_StoreFailureNotifiesSenderOnly(t *testing.T) {
	env := newWSEnv(t, failingStore{})
	roomID := env.createRoom(t)
	alice := env.join(t, "Alice", roomID)
	bob := env.join(t, "Bob", roomID)
	readFrame(t, alice)

	writeFrame(t, alice, `{"event":"message:send","data":{"ciphertext":"Yw==","iv":"aQ=="}}`)
	f := readFrame(t, alice)
	require.Equal(t, protocol.EventError, f.Event)
	assert.Equal(t, "Message delivery failed", decodeData[protocol.ErrorEvent](t, f).Message)

	writeFrame(t, alice, `{"event":"typing:start"}`)
	f = readFrame(t, bob)
	assert.Equal(t, protocol.EventTypingUpdate, f.Event, "bob must not see the failed message")
}

func TestServe_SlowAppendKeepsSenderConnected(t *testing.T) {
	env := newWSEnv(t, nil, func(e *wsEnv) {
		e.store = slowStore{Store: e.store, delay: 400 * time.Millisecond}
		e.hub.pongWait = 200 * time.Millisecond
		e.hub.pingPeriod = 50 * time.Millisecond
	})
	roomID := env.createRoom(t)
	alice := env.join(t, "Alice", roomID)

	for i := 0; i < 2; i++ {
		writeFrame(t, alice, `{"event":"message:send","data":{"ciphertext":"Yw==","iv":"aQ=="}}`)
		f := readFrame(t, alice)
		require.Equal(t, protocol.EventMessageReceive, f.Event)
	}
	assert.Equal(t, 1, env.hub.Online(roomID))
}

func TestServe_RejectsOversizedClaims(t *testing.T) {
	env := newWSEnv(t, nil)
	roomID := env.createRoom(t)
	bob := env.join(t, "Bob", roomID)

	long := strings.Repeat("x", protocol.MaxFieldLen+1)
	expectPolicyClose(t, env.dial(t, "anon-x", long, roomID))
	expectPolicyClose(t, env.dial(t, long, "Mallory", roomID))

	// a name at the limit is admitted and can store messages
	name := strings.Repeat("n", protocol.MaxFieldLen)
	carol := env.dial(t, "anon-carol", name, roomID)
	require.Eventually(t, func() bool { return env.hub.Online(roomID) == 2 }, 2*time.Second, 5*time.Millisecond)
	f := readFrame(t, bob)
	require.Equal(t, protocol.EventUserJoined, f.Event)
	assert.Equal(t, name, decodeData[protocol.UserEvent](t, f).Username)

	writeFrame(t, carol, `{"event":"message:send","data":{"ciphertext":"Yw==","iv":"`+long+`"}}`)
	writeFrame(t, carol, `{"event":"message:send","data":{"ciphertext":"Yw==","iv":"aQ=="}}`)
	f = readFrame(t, bob)
	require.Equal(t, protocol.EventMessageReceive, f.Event)
	got := decodeData[protocol.MessageReceived](t, f)
	assert.Equal(t, name, got.Username)
	assert.Equal(t, "aQ==", got.IV, "oversized iv is dropped before the store")
}

func TestServe_RejectsMissingClaims(t *testing.T) {
	env := newWSEnv(t, nil)
	roomID := env.createRoom(t)
	bob := env.join(t, "Bob", roomID)

	tests := []struct {
		name                     string
		anonID, username, roomID string
	}{
		{"missing room", "anon-x", "Mallory", ""},
		{"missing username", "anon-x", "", roomID},
		{"blank username", "anon-x", "   ", roomID},
		{"missing anon id", "", "Mallory", roomID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := env.dial(t, tt.anonID, tt.username, tt.roomID)
			expectPolicyClose(t, conn)
		})
	}

	env.join(t, "Carol", roomID)
	f := readFrame(t, bob)
	require.Equal(t, protocol.EventUserJoined, f.Event)
	assert.Equal(t, "Carol", decodeData[protocol.UserEvent](t, f).Username)
	assert.Equal(t, []string{"Bob", "Carol"}, env.tracker.Members(roomID))
}

func TestServe_RejectsUnknownAndExpiredRooms(t *testing.T) {
	env := newWSEnv(t, nil)

	conn := env.dial(t, "anon-1", "Alice", "no-such-room")
	expectPolicyClose(t, conn)

	past := time.Now().Add(-2 * time.Hour)
	require.NoError(t, env.gdb.Create(&models.Room{RoomID: "old-room", CreatedAt: past, ExpiresAt: past.Add(time.Hour)}).Error)
	conn = env.dial(t, "anon-1", "Alice", "old-room")
	expectPolicyClose(t, conn)

	assert.Equal(t, 0, env.hub.Online("old-room"))
	assert.Equal(t, 0, env.tracker.Rooms())
}

func TestServe_AnonIDFromSessionCookie(t *testing.T) {
	env := newWSEnv(t, nil)
	roomID := env.createRoom(t)

	token, err := auth.GenerateSessionToken("anon-cookie", testSecret, time.Hour)
	require.NoError(t, err)
	header := http.Header{}
	header.Set("Cookie", (&http.Cookie{Name: auth.CookieName, Value: token}).String())
	q := url.Values{"username": {"Alice"}, "roomId": {roomID}}
	conn, _, err := websocket.DefaultDialer.Dial(env.wsURL(q), header)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return env.hub.Online(roomID) == 1 }, 2*time.Second, 5*time.Millisecond)

	writeFrame(t, conn, `{"event":"message:send","data":{"ciphertext":"Yw==","iv":"aQ=="}}`)
	readFrame(t, conn)
	history, err := env.store.RecentHistory(context.Background(), roomID, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "anon-cookie", history[0].AnonID)
}

func TestServe_DisconnectAnnouncesLeave(t *testing.T) {
	env := newWSEnv(t, nil)
	roomID := env.createRoom(t)
	alice := env.join(t, "Alice", roomID)
	bob := env.join(t, "Bob", roomID)
	readFrame(t, alice)

	writeFrame(t, alice, `{"event":"typing:start"}`)
	f := readFrame(t, bob)
	require.Equal(t, protocol.EventTypingUpdate, f.Event)

	require.NoError(t, alice.Close())

	f = readFrame(t, bob)
	require.Equal(t, protocol.EventUserLeft, f.Event)
	assert.Equal(t, "Alice", decodeData[protocol.UserEvent](t, f).Username)
	f = readFrame(t, bob)
	require.Equal(t, protocol.EventTypingUpdate, f.Event)
	assert.Equal(t, []string{}, decodeData[protocol.TypingUpdate](t, f).TypingUsers)

	require.Eventually(t, func() bool { return env.hub.Online(roomID) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, bob.Close())
	require.Eventually(t, func() bool { return env.hub.Online(roomID) == 0 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return env.tracker.Rooms() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestHub_ShutdownDisconnectsClients(t *testing.T) {
	env := newWSEnv(t, nil)
	roomID := env.createRoom(t)
	alice := env.join(t, "Alice", roomID)

	env.hub.Shutdown()

	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := alice.ReadMessage()
	require.Error(t, err)
	require.Eventually(t, func() bool { return env.hub.Online(roomID) == 0 }, 2*time.Second, 5*time.Millisecond)
}
