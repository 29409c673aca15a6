package push

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	webpush "github.com/SherClockHolmes/webpush-go"

	"github.com/4xmen/storechat/internal/db"
	"github.com/4xmen/storechat/internal/obs"
)

// SubscriptionStore is the part of the database the notifier needs.
type SubscriptionStore interface {
	Subscriptions(ctx context.Context, userID string) ([]db.Subscription, error)
	DeleteSubscription(ctx context.Context, endpoint string) error
}

// Notifier sends Web Push notifications to users that are offline.
type Notifier struct {
	store           SubscriptionStore
	vapidPublicKey  string
	vapidPrivateKey string
	subscriber      string
	log             *slog.Logger

	// send is webpush.SendNotification outside tests.
	send func(message []byte, s *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// NewNotifier returns nil if the VAPID keys are empty. A nil Notifier is a
// no-op.
func NewNotifier(store SubscriptionStore, vapidPublicKey, vapidPrivateKey string, logger *slog.Logger) *Notifier {
	if vapidPublicKey == "" || vapidPrivateKey == "" {
		return nil
	}
	return &Notifier{
		store:           store,
		vapidPublicKey:  vapidPublicKey,
		vapidPrivateKey: vapidPrivateKey,
		subscriber:      "mailto:push@storechat.local",
		log:             obs.Or(logger).With("component", "push"),
		send:            webpush.SendNotification,
	}
}

// VAPIDPublicKey returns the public VAPID key for the frontend.
func (n *Notifier) VAPIDPublicKey() string {
	if n == nil {
		return ""
	}
	return n.vapidPublicKey
}

type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	URL   string `json:"url"`
}

// NotifyNewMessage sends preview to every active subscription of receiverID.
// Deliveries run in the background.
func (n *Notifier) NotifyNewMessage(ctx context.Context, receiverID, senderID, senderName, preview string) {
	if n == nil {
		return
	}

	subs, err := n.store.Subscriptions(ctx, receiverID)
	if err != nil {
		n.log.Warn("failed to query subscriptions", "user_id", receiverID, "error", err)
		return
	}
	if len(subs) == 0 {
		n.log.Debug("no active subscriptions", "user_id", receiverID)
		return
	}

	data, _ := json.Marshal(payload{
		Title: senderName,
		Body:  preview,
		URL:   "/chat/" + senderID,
	})

	n.log.Info("sending notification", "user_id", receiverID, "subscriptions", len(subs))
	for _, sub := range subs {
		go n.deliver(context.WithoutCancel(ctx), sub, data)
	}
}

func (n *Notifier) deliver(ctx context.Context, sub db.Subscription, data []byte) {
	s := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.KeyP256dh,
			Auth:   sub.KeyAuth,
		},
	}

	resp, err := n.send(data, s, &webpush.Options{
		VAPIDPublicKey:  n.vapidPublicKey,
		VAPIDPrivateKey: n.vapidPrivateKey,
		Subscriber:      n.subscriber,
		TTL:             86400,
	})
	if err != nil {
		n.log.Warn("failed to send notification", "endpoint", sub.Endpoint, "error", err)
		return
	}
	defer resp.Body.Close()

	// 410 Gone or 404 means the subscription expired
	if resp.StatusCode == http.StatusGone || resp.StatusCode == http.StatusNotFound {
		if err := n.store.DeleteSubscription(ctx, sub.Endpoint); err != nil {
			n.log.Warn("failed to remove expired subscription", "endpoint", sub.Endpoint, "error", err)
			return
		}
		n.log.Info("removed expired subscription", "endpoint", sub.Endpoint, "status", resp.StatusCode)
	}
}
