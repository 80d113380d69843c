package relay

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"downpour/internal/e2e"
	"downpour/internal/protocol"
)

// Entry is one rendered line of a room transcript.
type Entry struct {
	ID        uint
	Username  string
	Text      string
	CreatedAt time.Time
	Own       bool
	Failed    bool
	System    bool
}

// Transcript merges history fetches and live events into one display order.
// Messages are keyed by their store id, so feeding the same message from
// both sources renders it once. Safe for concurrent use.
type Transcript struct {
	mu      sync.Mutex
	roomID  string
	self    string
	key     *e2e.Key
	seen    map[uint]struct{}
	entries []Entry
	now     func() time.Time
}

func NewTranscript(roomID, self string, key *e2e.Key) *Transcript {
	return &Transcript{
		roomID: roomID,
		self:   self,
		key:    key,
		seen:   make(map[uint]struct{}),
		now:    time.Now,
	}
}

// Add decrypts and inserts a message. It reports false when the id was
// already present.
func (t *Transcript) Add(m protocol.MessageReceived) (Entry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.seen[m.ID]; ok {
		return Entry{}, false
	}
	t.seen[m.ID] = struct{}{}
	text, ok := t.key.Open(m.Ciphertext, m.IV)
	e := Entry{
		ID:        m.ID,
		Username:  m.Username,
		Text:      text,
		CreatedAt: m.CreatedAt,
		Own:       ok && m.Username == t.self,
		Failed:    !ok,
	}
	t.insert(e)
	return e, true
}

// Merge adds a batch, returning only the entries that were new.
func (t *Transcript) Merge(msgs []protocol.MessageReceived) []Entry {
	var added []Entry
	for _, m := range msgs {
		if e, ok := t.Add(m); ok {
			added = append(added, e)
		}
	}
	return added
}

// Notice records a local system line such as a join or leave.
func (t *Transcript) Notice(text string) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	e := Entry{Text: text, CreatedAt: t.now(), System: true}
	t.insert(e)
	return e
}

func (t *Transcript) insert(e Entry) {
	i := sort.Search(len(t.entries), func(i int) bool { return after(t.entries[i], e) })
	t.entries = append(t.entries, Entry{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = e
}

// after orders by (CreatedAt, ID); equal keys keep insertion order.
func after(a, b Entry) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

func (t *Transcript) Entries() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// Len counts stored messages, not notices.
func (t *Transcript) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

type exportFile struct {
	RoomID     string          `json:"roomId"`
	ExportedAt string          `json:"exportedAt"`
	Messages   []exportMessage `json:"messages"`
}

type exportMessage struct {
	Username string `json:"username"`
	Message  string `json:"message"`
	Time     string `json:"time"`
}

// Export writes the decrypted transcript as indented JSON. System notices are
// left out.
func (t *Transcript) Export(w io.Writer) error {
	entries := t.Entries()
	out := exportFile{
		RoomID:     t.roomID,
		ExportedAt: t.now().UTC().Format(time.RFC3339Nano),
		Messages:   make([]exportMessage, 0, len(entries)),
	}
	for _, e := range entries {
		if e.System {
			continue
		}
		out.Messages = append(out.Messages, exportMessage{
			Username: e.Username,
			Message:  e.Text,
			Time:     e.CreatedAt.UTC().Format(time.RFC3339Nano),
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("export transcript: %w", err)
	}
	return nil
}
