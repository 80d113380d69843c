// Package presence tracks, per room, which display names are connected and
// which of them are composing a message. The state is derived from live
// connections and never persisted.
package presence

import (
	"sort"
	"sync"
)

type roomState struct {
	// display names are not unique, so presence is counted per name
	members map[string]int
	typing  map[string]struct{}
}

// Tracker 是按房间索引的在线/输入状态表：首个成员加入时创建，房间清空时立即回收。
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]*roomState
}

func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]*roomState)}
}

func (t *Tracker) AddMember(room, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.rooms[room]
	if rs == nil {
		rs = &roomState{members: make(map[string]int), typing: make(map[string]struct{})}
		t.rooms[room] = rs
	}
	rs.members[name]++
}

// RemoveMember drops one session's claim on name. Removing an absent member
// is a no-op.
func (t *Tracker) RemoveMember(room, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.rooms[room]
	if rs == nil {
		return
	}
	if n, ok := rs.members[name]; ok {
		if n > 1 {
			rs.members[name] = n - 1
		} else {
			delete(rs.members, name)
			delete(rs.typing, name)
		}
	}
	if len(rs.members) == 0 {
		delete(t.rooms, room)
	}
}

// SetTyping ignores names that are not present in room.
func (t *Tracker) SetTyping(room, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rs := t.rooms[room]
	if rs == nil {
		return
	}
	if _, ok := rs.members[name]; !ok {
		return
	}
	rs.typing[name] = struct{}{}
}

func (t *Tracker) ClearTyping(room, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rs := t.rooms[room]; rs != nil {
		delete(rs.typing, name)
	}
}

// TypingSnapshot returns the sorted typing set; never nil.
func (t *Tracker) TypingSnapshot(room string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []string{}
	if rs := t.rooms[room]; rs != nil {
		for name := range rs.typing {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Members returns the sorted, de-duplicated presence set.
func (t *Tracker) Members(room string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := []string{}
	if rs := t.rooms[room]; rs != nil {
		for name := range rs.members {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Rooms 返回当前有成员的房间数量，供指标使用。
func (t *Tracker) Rooms() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rooms)
}
