// Package push fans notifications out to every browser push subscription of
// a user. Delivery is best-effort: failures are logged, never returned.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pushchat/models"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultConcurrency = 4
)

// Payload is the JSON document handed to the service worker.
type Payload struct {
	Title string       `json:"title"`
	Body  string       `json:"body"`
	Icon  string       `json:"icon,omitempty"`
	Data  *PayloadData `json:"data,omitempty"`
}

type PayloadData struct {
	MessageID int64 `json:"messageId"`
	SenderID  int64 `json:"senderId"`
}

type SubscriptionStore interface {
	GetSubscriptions(ctx context.Context, userID int64) ([]models.PushSubscription, error)
}

// Transport delivers an encoded payload to one subscription.
type Transport interface {
	Send(ctx context.Context, sub models.PushSubscription, payload []byte) error
}

type Options struct {
	Timeout     time.Duration // per subscription send, and for the subscription lookup
	Concurrency int           // parallel sends per notification
}

type Dispatcher struct {
	store     SubscriptionStore
	transport Transport
	timeout   time.Duration
	limit     int
	logger    *zap.Logger
}

func NewDispatcher(store SubscriptionStore, transport Transport, opts Options, logger *zap.Logger) *Dispatcher {
	if opts.Timeout <= 0 {
		opts.Timeout = defaultTimeout
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = defaultConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		store:     store,
		transport: transport,
		timeout:   opts.Timeout,
		limit:     opts.Concurrency,
		logger:    logger,
	}
}

// Notify sends payload to every subscription of userID. Each subscription is
// attempted once and independently; one failing endpoint does not affect the
// others. It returns when all attempts have finished.
func (d *Dispatcher) Notify(ctx context.Context, userID int64, payload Payload) {
	log := d.logger.With(zap.Int64("user_id", userID))

	body, err := json.Marshal(payload)
	if err != nil {
		log.Error("Failed to encode push payload", zap.Error(err))
		return
	}

	lookupCtx, cancel := context.WithTimeout(ctx, d.timeout)
	subs, err := d.store.GetSubscriptions(lookupCtx, userID)
	cancel()
	if err != nil {
		log.Error("Failed to load push subscriptions", zap.Error(err))
		return
	}
	if len(subs) == 0 {
		log.Debug("No push subscriptions")
		return
	}

	var g errgroup.Group
	g.SetLimit(d.limit)
	for _, sub := range subs {
		sub := sub
		g.Go(func() error {
			sendCtx, cancel := context.WithTimeout(ctx, d.timeout)
			defer cancel()

			if err := d.transport.Send(sendCtx, sub, body); err != nil {
				log.Warn("Push error",
					zap.Int64("subscription_id", sub.ID),
					zap.Bool("expired", errors.Is(err, ErrSubscriptionGone)),
					zap.Error(err))
				return nil
			}
			log.Debug("Push delivered", zap.Int64("subscription_id", sub.ID))
			return nil
		})
	}
	_ = g.Wait()
}
