package reconcile

import (
	"strconv"
	"testing"
	"time"

	"github.com/4xmen/storechat/internal/models"
)

const me = "seller-1"

var base = time.Date(2026, 4, 10, 9, 0, 0, 0, time.UTC)

func at(sec int) time.Time { return base.Add(time.Duration(sec) * time.Second) }

func text(id, sender, receiver string, sentAt time.Time, content string) models.Message {
	return models.Message{
		Envelope: models.Envelope{ID: id, SenderID: sender, ReceiverID: receiver, SentAt: sentAt},
		Payload:  models.Text{Content: content},
	}
}

func ids(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func equalIDs(t *testing.T, got []models.Message, want ...string) {
	t.Helper()
	g := ids(got)
	if len(g) != len(want) {
		t.Fatalf("timeline ids = %v, want %v", g, want)
	}
	for i := range want {
		if g[i] != want[i] {
			t.Fatalf("timeline ids = %v, want %v", g, want)
		}
	}
}

func TestMatches(t *testing.T) {
	local := text("local-1", me, "alice", at(1), "hello")
	local.ClientID = ""

	tests := []struct {
		name string
		a, b models.Message
		want bool
	}{
		{name: "same id", a: text("7", "alice", me, at(1), "x"), b: text("7", "alice", me, at(9), "y"), want: true},
		{name: "payload triple", a: local, b: text("srv-9", me, "alice", at(1), "hello"), want: true},
		{name: "different content", a: local, b: text("srv-9", me, "alice", at(1), "hello!"), want: false},
		{name: "different time", a: local, b: text("srv-9", me, "alice", at(2), "hello"), want: false},
		{name: "different sender", a: local, b: text("srv-9", "alice", me, at(1), "hello"), want: false},
		{
			name: "client id echo",
			a:    local,
			b: func() models.Message {
				m := text("srv-9", me, "alice", at(3), "hello")
				m.ClientID = "local-1"
				return m
			}(),
			want: true,
		},
		{
			name: "media by file url",
			a: models.Message{Envelope: models.Envelope{ID: "a", SenderID: "alice", SentAt: at(1)},
				Payload: models.Media{FileURL: "/f/1.png", FileName: "one.png"}},
			b: models.Message{Envelope: models.Envelope{ID: "b", SenderID: "alice", SentAt: at(1)},
				Payload: models.Media{FileURL: "/f/1.png", FileName: "renamed.png"}},
			want: true,
		},
		{
			name: "inventory by item id",
			a: models.Message{Envelope: models.Envelope{ID: "a", SenderID: "alice", SentAt: at(1)},
				Payload: models.InventoryItem{ItemID: "it-1", ProductName: "A"}},
			b: models.Message{Envelope: models.Envelope{ID: "b", SenderID: "alice", SentAt: at(1)},
				Payload: models.InventoryItem{ItemID: "it-2", ProductName: "A"}},
			want: false,
		},
		{
			name: "text and media never match on payload",
			a:    text("a", "alice", me, at(1), "/f/1.png"),
			b: models.Message{Envelope: models.Envelope{ID: "b", SenderID: "alice", SentAt: at(1)},
				Payload: models.Media{FileURL: "/f/1.png"}},
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(tt.a, tt.b); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
			if got := Matches(tt.b, tt.a); got != tt.want {
				t.Errorf("Matches() reversed = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestOptimisticSendReconciledToSingleEntry(t *testing.T) {
	r := New(me)
	tok, _ := r.BeginHistory("alice")
	r.CompleteHistory(tok, nil)

	pending := text("local-abc", me, "alice", at(5), "hello")
	if got := r.AddPending(pending); got != Inserted {
		t.Fatalf("AddPending = %v", got)
	}

	confirmed := text("srv-1", me, "alice", at(5), "hello")
	if got := r.Append(confirmed); got != Replaced {
		t.Fatalf("Append(confirmed) = %v, want replaced", got)
	}
	if got := r.Append(confirmed); got != Duplicate {
		t.Fatalf("second Append(confirmed) = %v, want duplicate", got)
	}

	tl := r.Timeline("alice")
	equalIDs(t, tl, "srv-1")
	if !tl[0].Confirmed() {
		t.Fatalf("remaining entry should be confirmed, got %q", tl[0].Delivery)
	}
	if tl[0].ClientID != "local-abc" {
		t.Fatalf("ClientID = %q, want local id carried over", tl[0].ClientID)
	}
}

func TestConfirmThenEchoByServerID(t *testing.T) {
	r := New(me)
	r.AddPending(text("local-1", me, "alice", at(1), "hi"))

	if !r.Confirm("alice", "local-1", "srv-5", at(2)) {
		t.Fatal("Confirm returned false")
	}
	if got := r.Append(text("srv-5", me, "alice", at(2), "hi")); got != Duplicate {
		t.Fatalf("echo after confirm = %v, want duplicate", got)
	}
	equalIDs(t, r.Timeline("alice"), "srv-5")

	if r.Confirm("alice", "local-1", "srv-6", at(3)) {
		t.Fatal("Confirm on a vanished local id should be a no-op")
	}
}

func TestFailedMessageReplacedByLateConfirmation(t *testing.T) {
	r := New(me)
	r.AddPending(text("local-1", me, "alice", at(1), "hi"))
	if !r.MarkFailed("alice", "local-1") {
		t.Fatal("MarkFailed returned false")
	}
	if tl := r.Timeline("alice"); tl[0].Delivery != models.DeliveryFailed {
		t.Fatalf("Delivery = %q, want failed", tl[0].Delivery)
	}

	r.Append(text("srv-1", me, "alice", at(1), "hi"))
	tl := r.Timeline("alice")
	equalIDs(t, tl, "srv-1")
	if tl[0].Delivery != models.DeliveryConfirmed {
		t.Fatalf("Delivery = %q, want confirmed", tl[0].Delivery)
	}
}

func TestHistoryIsSortedAscending(t *testing.T) {
	r := New(me)
	tok, ok := r.BeginHistory("alice")
	if !ok {
		t.Fatal("BeginHistory should succeed the first time")
	}
	r.CompleteHistory(tok, []models.Message{
		text("1", "alice", me, at(1), "a"),
		text("3", "alice", me, at(3), "c"),
		text("2", me, "alice", at(2), "b"),
	})

	equalIDs(t, r.Timeline("alice"), "1", "2", "3")
}

func TestOrderingInvariantUnderMixedArrival(t *testing.T) {
	r := New(me)
	for _, sec := range []int{7, 2, 9, 4, 4, 1} {
		r.Append(text("m"+strconv.Itoa(sec), "alice", me, at(sec), "x"))
	}
	tl := r.Timeline("alice")
	for i := 1; i < len(tl); i++ {
		if tl[i].SentAt.Before(tl[i-1].SentAt) {
			t.Fatalf("timeline out of order at %d: %v before %v", i, tl[i-1].SentAt, tl[i].SentAt)
		}
	}
	if len(tl) != 5 {
		t.Fatalf("len = %d, want 5 (the repeated t=4 message is a duplicate)", len(tl))
	}
}

func TestHistoryLoadsOnce(t *testing.T) {
	r := New(me)
	tok, ok := r.BeginHistory("alice")
	if !ok {
		t.Fatal("first BeginHistory should succeed")
	}
	if _, ok := r.BeginHistory("alice"); ok {
		t.Fatal("BeginHistory while loading should be refused")
	}
	r.CompleteHistory(tok, []models.Message{text("1", "alice", me, at(1), "a")})
	if _, ok := r.BeginHistory("alice"); ok {
		t.Fatal("BeginHistory after load should be refused")
	}
	if !r.Loaded("alice") {
		t.Fatal("alice should be loaded")
	}
	if _, ok := r.BeginHistory("bob"); !ok {
		t.Fatal("other conversations load independently")
	}
}

func TestPushDuringHistoryIsBufferedThenMerged(t *testing.T) {
	r := New(me)
	tok, _ := r.BeginHistory("alice")

	if got := r.Append(text("3", "alice", me, at(3), "newest")); got != Buffered {
		t.Fatalf("Append during load = %v, want buffered", got)
	}
	if got := r.Append(text("2", "alice", me, at(2), "also in history")); got != Buffered {
		t.Fatalf("Append during load = %v, want buffered", got)
	}
	if len(r.Timeline("alice")) != 0 {
		t.Fatal("buffered events should not be visible before history lands")
	}

	r.CompleteHistory(tok, []models.Message{
		text("2", "alice", me, at(2), "also in history"),
		text("1", "alice", me, at(1), "oldest"),
	})

	equalIDs(t, r.Timeline("alice"), "1", "2", "3")
}

func TestStaleTokenIsIgnored(t *testing.T) {
	r := New(me)
	tok, _ := r.BeginHistory("alice")
	r.AbortHistory(tok)

	fresh, ok := r.BeginHistory("alice")
	if !ok {
		t.Fatal("BeginHistory after abort should succeed")
	}
	if r.CompleteHistory(tok, []models.Message{text("old", "alice", me, at(1), "x")}) {
		t.Fatal("stale token must not complete")
	}
	if !r.CompleteHistory(fresh, []models.Message{text("new", "alice", me, at(1), "y")}) {
		t.Fatal("fresh token should complete")
	}
	equalIDs(t, r.Timeline("alice"), "new")
}

func TestAbortKeepsBufferedEvents(t *testing.T) {
	r := New(me)
	tok, _ := r.BeginHistory("alice")
	r.Append(text("9", "alice", me, at(9), "live"))
	r.AbortHistory(tok)

	equalIDs(t, r.Timeline("alice"), "9")
	if r.Loading("alice") || r.Loaded("alice") {
		t.Fatal("aborted load should return to unloaded")
	}
}

func TestRejectsMessageWithoutPayload(t *testing.T) {
	r := New(me)
	if got := r.Append(models.Message{Envelope: models.Envelope{ID: "x", SenderID: "a", ReceiverID: me}}); got != Rejected {
		t.Fatalf("Append = %v, want rejected", got)
	}
}

func TestRemove(t *testing.T) {
	r := New(me)
	r.AddPending(text("local-1", me, "alice", at(1), "oops"))
	if !r.Remove("alice", "local-1") {
		t.Fatal("Remove returned false")
	}
	if len(r.Timeline("alice")) != 0 {
		t.Fatal("timeline should be empty after Remove")
	}
}

func TestRenderInsertsDaySeparators(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*3600)
	msgs := []models.Message{
		text("1", "alice", me, time.Date(2026, 4, 10, 10, 0, 0, 0, time.UTC), "a"),
		text("2", "alice", me, time.Date(2026, 4, 10, 20, 0, 0, 0, time.UTC), "b"), // 23:00 local
		text("3", "alice", me, time.Date(2026, 4, 10, 21, 30, 0, 0, time.UTC), "c"), // 00:30 next day local
	}

	items := RenderMessages(msgs, loc)
	var layout []string
	for _, it := range items {
		if it.Separator {
			layout = append(layout, "sep:"+it.Day.Format("2006-01-02"))
			continue
		}
		layout = append(layout, it.Message.ID)
	}

	want := []string{"sep:2026-04-10", "1", "2", "sep:2026-04-11", "3"}
	if len(layout) != len(want) {
		t.Fatalf("layout = %v, want %v", layout, want)
	}
	for i := range want {
		if layout[i] != want[i] {
			t.Fatalf("layout = %v, want %v", layout, want)
		}
	}

	if len(RenderMessages(nil, loc)) != 0 {
		t.Fatal("empty timeline renders nothing")
	}
}
