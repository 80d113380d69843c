package ws

import (
	"sync"
	"sync/atomic"
	"time"

	"downpour/internal/metrics"
	"downpour/internal/models"
	"downpour/internal/presence"
	"downpour/internal/protocol"

	"github.com/rs/zerolog/log"
)

// Hub 管理房间级别的子 Hub：首个连接到达时创建，最后一个连接释放时回收。
type Hub struct {
	mu      sync.Mutex
	rooms   map[string]*RoomHub
	closing map[string]*RoomHub // released, still applying queued events
	tracker *presence.Tracker

	pongWait   time.Duration
	pingPeriod time.Duration
}

func NewHub(tracker *presence.Tracker) *Hub {
	return &Hub{
		rooms:      make(map[string]*RoomHub),
		closing:    make(map[string]*RoomHub),
		tracker:    tracker,
		pongWait:   pongWait,
		pingPeriod: pingPeriod,
	}
}

// acquire takes a reference on the room's hub, starting it if needed. Every
// acquire must be paired with a release once the caller stops posting events.
// A room id never has two live actors: a new one starts only after the
// previous actor has drained its inbox.
func (h *Hub) acquire(roomID string) *RoomHub {
	h.mu.Lock()
	defer h.mu.Unlock()
	for {
		if room := h.rooms[roomID]; room != nil {
			room.refs++
			return room
		}
		prev := h.closing[roomID]
		if prev == nil {
			break
		}
		h.mu.Unlock()
		<-prev.done
		h.mu.Lock()
		if h.closing[roomID] == prev {
			delete(h.closing, roomID)
		}
	}
	room := NewRoomHub(roomID, h.tracker)
	room.refs = 1
	h.rooms[roomID] = room
	metrics.ActiveRooms.Inc()
	go h.runRoom(room)
	return room
}

func (h *Hub) runRoom(room *RoomHub) {
	room.run()
	h.mu.Lock()
	if h.closing[room.roomID] == room {
		delete(h.closing, room.roomID)
	}
	h.mu.Unlock()
}

func (h *Hub) release(room *RoomHub) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room.refs--
	if room.refs > 0 {
		return
	}
	delete(h.rooms, room.roomID)
	h.closing[room.roomID] = room
	metrics.ActiveRooms.Dec()
	close(room.inbox)
}

func (h *Hub) Online(roomID string) int {
	h.mu.Lock()
	room := h.rooms[roomID]
	h.mu.Unlock()
	if room == nil {
		return 0
	}
	return room.Online()
}

// Shutdown disconnects every admitted connection in every room.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, room := range h.rooms {
		room.post(shutdownEvent{})
	}
}

// RoomHub is the single writer for one room: membership, typing state and
// broadcast all happen on its run goroutine, one event at a time. A single
// inbox keeps each connection's events in the order it sent them.
type RoomHub struct {
	roomID  string
	tracker *presence.Tracker
	clients map[*Client]bool
	inbox   chan event
	done    chan struct{}
	online  int32
	refs    int // guarded by Hub.mu
}

func NewRoomHub(roomID string, tracker *presence.Tracker) *RoomHub {
	return &RoomHub{
		roomID:  roomID,
		tracker: tracker,
		clients: make(map[*Client]bool),
		inbox:   make(chan event, 256),
		done:    make(chan struct{}),
	}
}

type event interface {
	apply(rh *RoomHub)
}

type joinEvent struct{ c *Client }

type leaveEvent struct{ c *Client }

type typingEvent struct {
	c      *Client
	typing bool
}

type deliverEvent struct{ msg models.Message }

type noticeEvent struct {
	c     *Client
	frame []byte
}

type shutdownEvent struct{}

func (e joinEvent) apply(rh *RoomHub)     { rh.admit(e.c) }
func (e leaveEvent) apply(rh *RoomHub)    { rh.remove(e.c) }
func (e typingEvent) apply(rh *RoomHub)   { rh.typing(e.c, e.typing) }
func (e deliverEvent) apply(rh *RoomHub)  { rh.deliver(e.msg) }
func (e noticeEvent) apply(rh *RoomHub)   { rh.notify(e.c, e.frame) }
func (e shutdownEvent) apply(rh *RoomHub) { rh.closeAll() }

func (rh *RoomHub) post(ev event) { rh.inbox <- ev }

func (rh *RoomHub) run() {
	defer close(rh.done)
	for ev := range rh.inbox {
		ev.apply(rh)
	}
}

func (rh *RoomHub) admit(c *Client) {
	if rh.clients[c] {
		return
	}
	rh.clients[c] = true
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
	metrics.WsConnections.Inc()
	rh.tracker.AddMember(rh.roomID, c.uname)
	log.Debug().Str("room_id", rh.roomID).Str("username", c.uname).Msg("user joined")
	rh.broadcast(protocol.EventUserJoined, protocol.UserEvent{Username: c.uname}, c)
}

// remove is the only disconnect path; it is a no-op for connections that were
// never admitted or are already gone.
func (rh *RoomHub) remove(c *Client) {
	if !rh.clients[c] {
		return
	}
	delete(rh.clients, c)
	close(c.send)
	atomic.StoreInt32(&rh.online, int32(len(rh.clients)))
	metrics.WsConnections.Dec()
	rh.tracker.ClearTyping(rh.roomID, c.uname)
	rh.tracker.RemoveMember(rh.roomID, c.uname)
	log.Debug().Str("room_id", rh.roomID).Str("username", c.uname).Msg("user left")
	rh.broadcast(protocol.EventUserLeft, protocol.UserEvent{Username: c.uname}, nil)
	rh.broadcast(protocol.EventTypingUpdate, protocol.TypingUpdate{TypingUsers: rh.tracker.TypingSnapshot(rh.roomID)}, nil)
}

func (rh *RoomHub) typing(c *Client, on bool) {
	if !rh.clients[c] {
		return
	}
	if on {
		rh.tracker.SetTyping(rh.roomID, c.uname)
	} else {
		rh.tracker.ClearTyping(rh.roomID, c.uname)
	}
	rh.broadcast(protocol.EventTypingUpdate, protocol.TypingUpdate{TypingUsers: rh.tracker.TypingSnapshot(rh.roomID)}, c)
}

// deliver fans a persisted message out to every member, sender included.
func (rh *RoomHub) deliver(msg models.Message) {
	metrics.WsMessagesTotal.Inc()
	rh.broadcast(protocol.EventMessageReceive, protocol.MessageReceived{
		ID:         msg.ID,
		Username:   msg.Username,
		Ciphertext: msg.Ciphertext,
		IV:         msg.IV,
		CreatedAt:  msg.CreatedAt,
	}, nil)
}

func (rh *RoomHub) notify(c *Client, frame []byte) {
	if !rh.clients[c] {
		return
	}
	select {
	case c.send <- frame:
	default:
		rh.remove(c)
	}
}

func (rh *RoomHub) closeAll() {
	for c := range rh.clients {
		rh.remove(c)
	}
}

// broadcast sends to every member except skip. Members whose send buffer is
// full are disconnected after the fan-out.
func (rh *RoomHub) broadcast(name string, payload any, skip *Client) {
	b, err := protocol.Encode(name, payload)
	if err != nil {
		log.Error().Err(err).Str("event", name).Msg("encode broadcast")
		return
	}
	var slow []*Client
	for c := range rh.clients {
		if c == skip {
			continue
		}
		select {
		case c.send <- b:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		log.Warn().Str("room_id", rh.roomID).Str("username", c.uname).Msg("evicting slow client")
		rh.remove(c)
	}
}

// Online 返回房间在线客户端数量，供 REST 接口复用。
func (rh *RoomHub) Online() int { return int(atomic.LoadInt32(&rh.online)) }
