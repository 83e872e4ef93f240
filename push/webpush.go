package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	webpush "github.com/SherClockHolmes/webpush-go"

	"pushchat/models"
)

// ErrSubscriptionGone matches send errors for endpoints the push service
// reports as expired or unknown.
var ErrSubscriptionGone = errors.New("push subscription gone")

// SendError is returned when the push service answers with a non-2xx status.
type SendError struct {
	StatusCode int
	Body       string
}

func (e *SendError) Error() string {
	return fmt.Sprintf("push service responded %d: %s", e.StatusCode, e.Body)
}

func (e *SendError) Is(target error) bool {
	return target == ErrSubscriptionGone &&
		(e.StatusCode == http.StatusNotFound || e.StatusCode == http.StatusGone)
}

type WebPushConfig struct {
	PublicKey  string
	PrivateKey string
	Subscriber string // contact address, with or without "mailto:"
	TTL        int    // seconds the push service keeps an undelivered message
	HTTPClient *http.Client
}

// WebPush sends VAPID-signed, encrypted Web Push messages.
type WebPush struct {
	cfg WebPushConfig
}

func NewWebPush(cfg WebPushConfig) *WebPush {
	cfg.Subscriber = strings.TrimPrefix(cfg.Subscriber, "mailto:")
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * 60 * 60
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &WebPush{cfg: cfg}
}

func (w *WebPush) Send(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	var s webpush.Subscription
	if err := json.Unmarshal([]byte(sub.Descriptor), &s); err != nil {
		return fmt.Errorf("decoding subscription: %w", err)
	}
	if s.Endpoint == "" {
		return errors.New("subscription has no endpoint")
	}

	resp, err := webpush.SendNotificationWithContext(ctx, payload, &s, &webpush.Options{
		HTTPClient:      w.cfg.HTTPClient,
		Subscriber:      w.cfg.Subscriber,
		VAPIDPublicKey:  w.cfg.PublicKey,
		VAPIDPrivateKey: w.cfg.PrivateKey,
		TTL:             w.cfg.TTL,
	})
	if err != nil {
		return fmt.Errorf("sending notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &SendError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return nil
}
