package presence

import (
	"sort"
	"sync"
	"time"
)

// DefaultTypingExpiry bounds how long a typing indicator survives without a
// renewed typing event.
const DefaultTypingExpiry = 5 * time.Second

type status struct {
	online   bool
	lastSeen time.Time
}

// Tracker answers online/typing lookups from state fed by push events.
// Unknown users are offline and not typing.
type Tracker struct {
	mu     sync.RWMutex
	status map[string]status
	typing map[string]time.Time // user id -> expiry deadline
	expiry time.Duration
	now    func() time.Time
}

func New(expiry time.Duration) *Tracker {
	return NewWithClock(expiry, time.Now)
}

func NewWithClock(expiry time.Duration, now func() time.Time) *Tracker {
	if expiry <= 0 {
		expiry = DefaultTypingExpiry
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		status: make(map[string]status),
		typing: make(map[string]time.Time),
		expiry: expiry,
		now:    now,
	}
}

// ApplyPresence records an online/offline transition. Going offline also
// clears any typing indicator.
func (t *Tracker) ApplyPresence(userID string, online bool, lastSeen *time.Time) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.status[userID]
	st.online = online
	switch {
	case lastSeen != nil:
		st.lastSeen = *lastSeen
	case !online:
		st.lastSeen = t.now()
	}
	t.status[userID] = st

	if !online {
		delete(t.typing, userID)
	}
}

// ApplyTyping starts or renews (typing=true) or clears (typing=false) the
// indicator for userID.
func (t *Tracker) ApplyTyping(userID string, typing bool) {
	if userID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if !typing {
		delete(t.typing, userID)
		return
	}
	t.typing[userID] = t.now().Add(t.expiry)
}

func (t *Tracker) IsOnline(userID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.status[userID].online
}

// IsTyping reports whether a typing event for userID arrived within the
// expiry window.
func (t *Tracker) IsTyping(userID string) bool {
	t.mu.RLock()
	deadline, ok := t.typing[userID]
	t.mu.RUnlock()
	return ok && t.now().Before(deadline)
}

func (t *Tracker) LastSeen(userID string) (time.Time, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	st, ok := t.status[userID]
	if !ok || st.lastSeen.IsZero() {
		return time.Time{}, false
	}
	return st.lastSeen, true
}

// Typing lists users whose indicator is live, sorted by id.
func (t *Tracker) Typing() []string {
	now := t.now()
	t.mu.RLock()
	defer t.mu.RUnlock()

	var users []string
	for id, deadline := range t.typing {
		if now.Before(deadline) {
			users = append(users, id)
		}
	}
	sort.Strings(users)
	return users
}

// Sweep drops expired typing entries and returns how many were removed.
func (t *Tracker) Sweep() int {
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for id, deadline := range t.typing {
		if !now.Before(deadline) {
			delete(t.typing, id)
			removed++
		}
	}
	return removed
}

// Reset forgets all presence and typing state.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = make(map[string]status)
	t.typing = make(map[string]time.Time)
}
