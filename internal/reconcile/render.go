package reconcile

import (
	"time"

	"github.com/4xmen/storechat/internal/models"
)

// Item is one row of a rendered timeline: either a day separator or a
// message.
type Item struct {
	Separator bool
	Day       time.Time // local midnight, set on separators
	Message   models.Message
}

// Render returns the conversation's timeline with a separator before the
// first message and wherever consecutive messages fall on different calendar
// days in loc.
func (r *Reconciler) Render(conv string, loc *time.Location) []Item {
	return RenderMessages(r.Timeline(conv), loc)
}

func RenderMessages(messages []models.Message, loc *time.Location) []Item {
	if loc == nil {
		loc = time.Local
	}
	items := make([]Item, 0, len(messages)+1)
	var prev time.Time
	for i, msg := range messages {
		day := startOfDay(msg.SentAt.In(loc))
		if i == 0 || !day.Equal(prev) {
			items = append(items, Item{Separator: true, Day: day})
			prev = day
		}
		items = append(items, Item{Message: msg})
	}
	return items
}

func startOfDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}
