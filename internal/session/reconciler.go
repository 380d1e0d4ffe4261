package session

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/companion-chat/internal/protocol"
)

// LocalIDPrefix marks placeholders created before the server assigned an id
const LocalIDPrefix = "local-"

type entry struct {
	msg protocol.Message
	seq uint64 // first observation, breaks timestamp ties
}

// Reconciler merges the persisted history snapshot with messages observed live
// into one deduplicated list ordered by creation time. Merging is idempotent:
// observing the same message id again replaces, never duplicates.
type Reconciler struct {
	conversationID string
	logger         zerolog.Logger
	now            func() time.Time

	mu         sync.Mutex
	snapshot   map[string]entry
	live       map[string]entry
	optimistic []entry
	firstSeen  map[string]uint64
	seq        uint64

	onChange func([]protocol.Message)
}

// NewReconciler creates an empty reconciler for one conversation
func NewReconciler(conversationID string, logger zerolog.Logger) *Reconciler {
	return &Reconciler{
		conversationID: conversationID,
		logger:         logger,
		now:            time.Now,
		snapshot:       make(map[string]entry),
		live:           make(map[string]entry),
		firstSeen:      make(map[string]uint64),
	}
}

// OnChange registers the observer called with the merged view after every change
func (r *Reconciler) OnChange(fn func([]protocol.Message)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChange = fn
}

// SetSnapshot replaces the snapshot source. Each message seen for the first
// time retires one optimistic placeholder with the same role and content;
// placeholders of sends still in flight stay.
func (r *Reconciler) SetSnapshot(msgs []protocol.Message) {
	r.mu.Lock()
	r.snapshot = make(map[string]entry, len(msgs))
	for _, m := range msgs {
		if m.ID == "" {
			continue
		}
		_, known := r.firstSeen[m.ID]
		r.snapshot[m.ID] = entry{msg: m, seq: r.observeLocked(m.ID)}
		if !known {
			r.retireOptimisticLocked(m)
		}
	}
	view, fn := r.viewLocked(), r.onChange
	r.mu.Unlock()

	r.logger.Debug().Int("messages", len(msgs)).Int("visible", len(view)).Msg("History snapshot applied")
	if fn != nil {
		fn(view)
	}
}

// AddLive merges a message observed on the live stream. The first echo of a
// user turn retires the oldest optimistic placeholder with the same content.
func (r *Reconciler) AddLive(msg protocol.Message) {
	if msg.ID == "" {
		return
	}

	r.mu.Lock()
	prev, seen := r.live[msg.ID]
	if seen && prev.msg == msg {
		r.mu.Unlock()
		return
	}
	_, known := r.firstSeen[msg.ID]
	r.live[msg.ID] = entry{msg: msg, seq: r.observeLocked(msg.ID)}
	if !known {
		r.retireOptimisticLocked(msg)
	}
	view, fn := r.viewLocked(), r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn(view)
	}
}

// AddOptimistic appends a local placeholder shown until the server confirms it
func (r *Reconciler) AddOptimistic(content string, role protocol.Role) protocol.Message {
	msg := protocol.Message{
		ID:             LocalIDPrefix + uuid.New().String(),
		ConversationID: r.conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      r.now().UTC(),
	}

	r.mu.Lock()
	r.optimistic = append(r.optimistic, entry{msg: msg, seq: r.observeLocked(msg.ID)})
	view, fn := r.viewLocked(), r.onChange
	r.mu.Unlock()

	if fn != nil {
		fn(view)
	}
	return msg
}

// RemoveOptimistic drops a placeholder, e.g. after its send failed
func (r *Reconciler) RemoveOptimistic(id string) bool {
	r.mu.Lock()
	removed := false
	for i, e := range r.optimistic {
		if e.msg.ID == id {
			r.optimistic = append(r.optimistic[:i], r.optimistic[i+1:]...)
			removed = true
			break
		}
	}
	var view []protocol.Message
	fn := r.onChange
	if removed {
		view = r.viewLocked()
	}
	r.mu.Unlock()

	if removed && fn != nil {
		fn(view)
	}
	return removed
}

// View returns the merged, filtered, time-ordered message list
func (r *Reconciler) View() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.viewLocked()
}

func (r *Reconciler) observeLocked(id string) uint64 {
	if seq, ok := r.firstSeen[id]; ok {
		return seq
	}
	r.seq++
	r.firstSeen[id] = r.seq
	return r.seq
}

func (r *Reconciler) retireOptimisticLocked(msg protocol.Message) {
	content := strings.TrimSpace(msg.Content)
	for i, e := range r.optimistic {
		if e.msg.Role == msg.Role && strings.TrimSpace(e.msg.Content) == content {
			r.optimistic = append(r.optimistic[:i], r.optimistic[i+1:]...)
			return
		}
	}
}

func (r *Reconciler) viewLocked() []protocol.Message {
	merged := make(map[string]entry, len(r.snapshot)+len(r.live))
	for id, e := range r.snapshot {
		merged[id] = e
	}
	// Live copies are never staler than the snapshot
	for id, e := range r.live {
		merged[id] = e
	}

	entries := make([]entry, 0, len(merged)+len(r.optimistic))
	for _, e := range merged {
		if Visible(e.msg) {
			entries = append(entries, e)
		}
	}
	for _, e := range r.optimistic {
		if Visible(e.msg) {
			entries = append(entries, e)
		}
	}

	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		if !a.msg.CreatedAt.Equal(b.msg.CreatedAt) {
			return a.msg.CreatedAt.Before(b.msg.CreatedAt)
		}
		return a.seq < b.seq
	})

	out := make([]protocol.Message, len(entries))
	for i, e := range entries {
		out[i] = e.msg
	}
	return out
}
