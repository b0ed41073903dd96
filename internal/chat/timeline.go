package chat

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Timeline is the ordered, in-memory list of messages shown for a session.
//
// Entries are identified both by ID and by turn key (sequence number plus
// whether the entry is the assistant reply). A store-confirmed row replaces
// the optimistic entry with its ID, or the streaming placeholder for its
// reply, so local writes, realtime echoes and page loads can arrive in any
// order and still converge on one entry per turn.
type Timeline struct {
	mu      sync.Mutex
	entries []Message
	now     func() time.Time
	version uint64

	subMu     sync.Mutex
	subs      map[int]func([]Message)
	nextSub   int
	delivered uint64
}

// NewTimeline returns an empty timeline.
func NewTimeline() *Timeline {
	return &Timeline{now: time.Now, subs: make(map[int]func([]Message))}
}

// Subscribe registers cb to receive a snapshot after every change. The
// returned func removes the subscription. Callbacks run synchronously and
// must not modify the timeline.
func (t *Timeline) Subscribe(cb func([]Message)) func() {
	t.subMu.Lock()
	id := t.nextSub
	t.nextSub++
	t.subs[id] = cb
	t.subMu.Unlock()

	return func() {
		t.subMu.Lock()
		delete(t.subs, id)
		t.subMu.Unlock()
	}
}

// AppendLocal inserts an optimistic entry. It is a no-op when the ID is
// already present. A confirmed row from another participant holding the same
// turn key does not hide it; the store decides which of the two keeps the slot.
func (t *Timeline) AppendLocal(m Message) bool {
	t.mu.Lock()
	if t.indexByID(m.ID) >= 0 {
		t.mu.Unlock()
		return false
	}
	t.insert(m)
	t.unlockAndNotify()
	return true
}

// MergeRemote inserts a confirmed row from the feed, a page load or a
// persistence acknowledgement. It replaces the unconfirmed entry with the
// same ID, or for an assistant reply the streaming placeholder for its turn.
// A row from another participant that lands on the same turn key as a local
// pending entry is kept alongside it; the store rejects one of the two.
func (t *Timeline) MergeRemote(m Message) bool {
	m.Status = StatusSent
	t.mu.Lock()
	own := t.indexByID(m.ID)
	if own >= 0 && t.entries[own].Status == StatusSent {
		t.mu.Unlock()
		return false
	}
	if own < 0 && t.indexWhere(m.key(), isSent) >= 0 {
		// Another confirmed row already owns this turn.
		t.mu.Unlock()
		return false
	}
	switch {
	case own >= 0:
		t.removeAt(own)
	case m.IsAssistantReply:
		if i := t.indexWhere(m.key(), isPlaceholder); i >= 0 {
			t.removeAt(i)
		}
	}
	t.insert(m)
	t.unlockAndNotify()
	return true
}

// ReconcileStreamToken appends a token to the streaming reply for seq,
// creating the placeholder on first use. Tokens for a reply that is already
// confirmed are ignored.
func (t *Timeline) ReconcileStreamToken(seq int64, token string) bool {
	t.mu.Lock()
	k := turnKey{seq: seq, assistant: true}
	if i := t.indexWhere(k, isStreaming); i >= 0 {
		t.entries[i].Content += token
	} else if t.indexByKey(k) >= 0 {
		t.mu.Unlock()
		return false
	} else {
		p := placeholder(t.sessionOf(seq), seq, t.now())
		p.Content = token
		t.insert(p)
	}
	t.unlockAndNotify()
	return true
}

// RemovePlaceholder drops the streaming reply for seq, if any.
func (t *Timeline) RemovePlaceholder(seq int64) bool {
	t.mu.Lock()
	i := t.indexWhere(turnKey{seq: seq, assistant: true}, isStreaming)
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	t.removeAt(i)
	t.unlockAndNotify()
	return true
}

// MarkFailed flags the unconfirmed entry for a turn as failed so it stays
// visible for retry. Confirmed rows sharing the key are left alone.
func (t *Timeline) MarkFailed(seq int64, assistant bool) bool {
	t.mu.Lock()
	i := t.indexWhere(turnKey{seq: seq, assistant: assistant}, func(e Message) bool { return e.Status != StatusSent })
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	t.entries[i].Status = StatusFailed
	t.unlockAndNotify()
	return true
}

// Remove deletes an entry by ID. Only used to replace a failed send.
func (t *Timeline) Remove(id string) bool {
	t.mu.Lock()
	i := t.indexByID(id)
	if i < 0 {
		t.mu.Unlock()
		return false
	}
	t.removeAt(i)
	t.unlockAndNotify()
	return true
}

// Get returns the entry with the given ID.
func (t *Timeline) Get(id string) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexByID(id); i >= 0 {
		return t.entries[i], true
	}
	return Message{}, false
}

// Turn returns the entry for a turn key.
func (t *Timeline) Turn(seq int64, assistant bool) (Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if i := t.indexByKey(turnKey{seq: seq, assistant: assistant}); i >= 0 {
		return t.entries[i], true
	}
	return Message{}, false
}

// Snapshot returns the visible entries in display order. An assistant reply
// is withheld until its user turn is present.
func (t *Timeline) Snapshot() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

// Len returns the number of stored entries, visible or not.
func (t *Timeline) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

func (t *Timeline) snapshotLocked() []Message {
	users := make(map[int64]bool, len(t.entries))
	for _, e := range t.entries {
		if !e.IsAssistantReply {
			users[e.Sequence] = true
		}
	}
	out := make([]Message, 0, len(t.entries))
	for _, e := range t.entries {
		if e.IsAssistantReply && !users[e.Sequence] {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (t *Timeline) sessionOf(seq int64) uuid.UUID {
	if i := t.indexByKey(turnKey{seq: seq}); i >= 0 {
		return t.entries[i].SessionID
	}
	return uuid.Nil
}

func (t *Timeline) indexByID(id string) int {
	if id == "" {
		return -1
	}
	for i := range t.entries {
		if t.entries[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *Timeline) indexByKey(k turnKey) int {
	i := sort.Search(len(t.entries), func(i int) bool {
		e := t.entries[i]
		if e.Sequence != k.seq {
			return e.Sequence > k.seq
		}
		return e.IsAssistantReply || !k.assistant
	})
	if i < len(t.entries) && t.entries[i].key() == k {
		return i
	}
	return -1
}

// indexWhere returns the first entry with key k that satisfies match. More
// than one entry can hold a key while a colliding local send is unresolved.
func (t *Timeline) indexWhere(k turnKey, match func(Message) bool) int {
	for i := t.indexByKey(k); i >= 0 && i < len(t.entries) && t.entries[i].key() == k; i++ {
		if match(t.entries[i]) {
			return i
		}
	}
	return -1
}

func isSent(e Message) bool { return e.Status == StatusSent }

func isStreaming(e Message) bool { return e.Status == StatusStreaming }

func isPlaceholder(e Message) bool { return e.Source == SourceStream && e.Status != StatusSent }

func (t *Timeline) insert(m Message) {
	i := sort.Search(len(t.entries), func(i int) bool { return less(m, t.entries[i]) })
	t.entries = append(t.entries, Message{})
	copy(t.entries[i+1:], t.entries[i:])
	t.entries[i] = m
}

func (t *Timeline) removeAt(i int) {
	t.entries = append(t.entries[:i], t.entries[i+1:]...)
}

// unlockAndNotify must be called with mu held. Snapshots are delivered in
// version order; a stale snapshot that loses the race is dropped.
func (t *Timeline) unlockAndNotify() {
	t.version++
	version := t.version
	snap := t.snapshotLocked()
	t.mu.Unlock()

	t.subMu.Lock()
	defer t.subMu.Unlock()
	if version <= t.delivered {
		return
	}
	t.delivered = version
	for _, cb := range t.subs {
		cb(snap)
	}
}
