package reconcile

import (
	"sort"
	"sync"
	"time"

	"github.com/4xmen/storechat/internal/models"
)

// Outcome describes what Append did with a message.
type Outcome int

const (
	Inserted Outcome = iota
	Replaced
	Duplicate
	Buffered
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Inserted:
		return "inserted"
	case Replaced:
		return "replaced"
	case Duplicate:
		return "duplicate"
	case Buffered:
		return "buffered"
	default:
		return "rejected"
	}
}

type loadState int

const (
	unloaded loadState = iota
	loading
	loaded
)

type timeline struct {
	messages []models.Message
	state    loadState
	token    uint64
	buffered []models.Message
}

// Token identifies one in-flight history load.
type Token struct {
	Conversation string
	seq          uint64
}

// Reconciler keeps one ordered, duplicate-free timeline per conversation.
// Conversations are keyed by the counterpart's user id.
type Reconciler struct {
	mu            sync.Mutex
	currentUserID string
	timelines     map[string]*timeline
	seq           uint64
}

func New(currentUserID string) *Reconciler {
	return &Reconciler{
		currentUserID: currentUserID,
		timelines:     make(map[string]*timeline),
	}
}

func (r *Reconciler) get(conv string) *timeline {
	tl, ok := r.timelines[conv]
	if !ok {
		tl = &timeline{}
		r.timelines[conv] = tl
	}
	return tl
}

// ConversationOf returns the conversation a message belongs to.
func (r *Reconciler) ConversationOf(msg models.Message) string {
	return msg.Counterpart(r.currentUserID)
}

// BeginHistory claims the one history load for conv. It returns false when
// the history is already loaded or a load is in flight.
func (r *Reconciler) BeginHistory(conv string) (Token, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := r.get(conv)
	if tl.state != unloaded {
		return Token{}, false
	}
	r.seq++
	tl.state = loading
	tl.token = r.seq
	return Token{Conversation: conv, seq: r.seq}, true
}

// CompleteHistory seeds the timeline with a history page and merges push
// events buffered while the load was in flight. It returns false when the
// token no longer matches an in-flight load.
func (r *Reconciler) CompleteHistory(tok Token, history []models.Message) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl, ok := r.timelines[tok.Conversation]
	if !ok || tl.state != loading || tl.token != tok.seq {
		return false
	}

	seeded := make([]models.Message, 0, len(history)+len(tl.messages)+len(tl.buffered))
	ordered := append([]models.Message(nil), history...)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].SentAt.Before(ordered[j].SentAt)
	})
	for _, msg := range ordered {
		seeded, _ = merge(seeded, msg)
	}
	for _, msg := range tl.messages {
		seeded, _ = merge(seeded, msg)
	}
	for _, msg := range tl.buffered {
		seeded, _ = merge(seeded, msg)
	}

	tl.messages = seeded
	tl.buffered = nil
	tl.state = loaded
	return true
}

// AbortHistory releases an in-flight load so the next BeginHistory can retry.
// Buffered events stay in the timeline.
func (r *Reconciler) AbortHistory(tok Token) {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl, ok := r.timelines[tok.Conversation]
	if !ok || tl.state != loading || tl.token != tok.seq {
		return
	}
	for _, msg := range tl.buffered {
		tl.messages, _ = merge(tl.messages, msg)
	}
	tl.buffered = nil
	tl.state = unloaded
}

func (r *Reconciler) Loaded(conv string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.timelines[conv]
	return ok && tl.state == loaded
}

func (r *Reconciler) Loading(conv string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	tl, ok := r.timelines[conv]
	return ok && tl.state == loading
}

// Append adds an arriving message to its conversation's timeline.
func (r *Reconciler) Append(msg models.Message) Outcome {
	if msg.Validate() != nil {
		return Rejected
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := r.get(r.ConversationOf(msg))
	if tl.state == loading {
		if indexOfMatch(tl.buffered, msg) >= 0 {
			return Duplicate
		}
		tl.buffered = append(tl.buffered, msg)
		return Buffered
	}

	var outcome Outcome
	tl.messages, outcome = merge(tl.messages, msg)
	return outcome
}

// AddPending inserts a locally synthesized message awaiting confirmation.
func (r *Reconciler) AddPending(msg models.Message) Outcome {
	msg.Delivery = models.DeliveryPending
	if msg.Validate() != nil {
		return Rejected
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tl := r.get(r.ConversationOf(msg))
	var outcome Outcome
	tl.messages, outcome = merge(tl.messages, msg)
	return outcome
}

// Confirm promotes a pending message to the server-assigned id and time. It
// is a no-op when the confirmed copy already replaced it.
func (r *Reconciler) Confirm(conv, localID, serverID string, sentAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl, ok := r.timelines[conv]
	if !ok {
		return false
	}
	idx := indexByID(tl.messages, localID)
	if idx < 0 {
		return false
	}
	msg := tl.messages[idx]
	tl.messages = append(tl.messages[:idx], tl.messages[idx+1:]...)

	if msg.ClientID == "" {
		msg.ClientID = localID
	}
	if serverID != "" {
		msg.ID = serverID
	}
	if !sentAt.IsZero() {
		msg.SentAt = sentAt
	}
	msg.Delivery = models.DeliveryConfirmed
	tl.messages, _ = merge(tl.messages, msg)
	return true
}

// MarkFailed flags a pending message as not delivered.
func (r *Reconciler) MarkFailed(conv, localID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl, ok := r.timelines[conv]
	if !ok {
		return false
	}
	idx := indexByID(tl.messages, localID)
	if idx < 0 || tl.messages[idx].Confirmed() {
		return false
	}
	tl.messages[idx].Delivery = models.DeliveryFailed
	return true
}

// Remove drops a message by id.
func (r *Reconciler) Remove(conv, id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl, ok := r.timelines[conv]
	if !ok {
		return false
	}
	idx := indexByID(tl.messages, id)
	if idx < 0 {
		return false
	}
	tl.messages = append(tl.messages[:idx], tl.messages[idx+1:]...)
	return true
}

// Timeline returns a copy of the conversation's messages in ascending sent
// order. Events buffered behind an in-flight history load are not included.
func (r *Reconciler) Timeline(conv string) []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()

	tl, ok := r.timelines[conv]
	if !ok {
		return nil
	}
	return append([]models.Message(nil), tl.messages...)
}

// merge inserts msg in sent order unless it matches an existing entry. A
// confirmed copy replaces a pending or failed one.
func merge(list []models.Message, msg models.Message) ([]models.Message, Outcome) {
	if idx := indexOfMatch(list, msg); idx >= 0 {
		existing := list[idx]
		if existing.Confirmed() || !msg.Confirmed() {
			if msg.IsRead && !existing.IsRead {
				list[idx].IsRead = true
			}
			return list, Duplicate
		}
		if msg.ClientID == "" && existing.IsLocal() {
			msg.ClientID = existing.ID
		}
		list = append(list[:idx], list[idx+1:]...)
		return insertSorted(list, msg), Replaced
	}
	return insertSorted(list, msg), Inserted
}

func insertSorted(list []models.Message, msg models.Message) []models.Message {
	// After every entry sent at or before msg, so equal timestamps keep
	// arrival order.
	idx := sort.Search(len(list), func(i int) bool {
		return list[i].SentAt.After(msg.SentAt)
	})
	list = append(list, models.Message{})
	copy(list[idx+1:], list[idx:])
	list[idx] = msg
	return list
}

func indexByID(list []models.Message, id string) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
