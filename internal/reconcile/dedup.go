package reconcile

import "github.com/4xmen/storechat/internal/models"

// Matches reports whether a and b are the same logical message. Ids match
// when either side's server id or client id equals the other's. Otherwise the
// sender, sent time and payload key must all be equal, which is how a
// locally synthesized send is recognised when its confirmed copy arrives
// under a different id.
func Matches(a, b models.Message) bool {
	if sameID(a, b) {
		return true
	}
	if a.Payload == nil || b.Payload == nil {
		return false
	}
	return a.SenderID == b.SenderID &&
		a.SentAt.Equal(b.SentAt) &&
		a.Payload.Kind() == b.Payload.Kind() &&
		a.Payload.Key() == b.Payload.Key()
}

func sameID(a, b models.Message) bool {
	switch {
	case a.ID != "" && a.ID == b.ID:
		return true
	case a.ClientID != "" && (a.ClientID == b.ClientID || a.ClientID == b.ID):
		return true
	case b.ClientID != "" && b.ClientID == a.ID:
		return true
	}
	return false
}

// IsDuplicate reports whether incoming already has an entry in timeline.
func IsDuplicate(timeline []models.Message, incoming models.Message) bool {
	return indexOfMatch(timeline, incoming) >= 0
}

func indexOfMatch(timeline []models.Message, incoming models.Message) int {
	for i := range timeline {
		if Matches(timeline[i], incoming) {
			return i
		}
	}
	return -1
}
