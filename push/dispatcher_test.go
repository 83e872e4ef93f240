package push

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"pushchat/models"
)

type fakeStore struct {
	subs map[int64][]models.PushSubscription
	err  error
}

func (s *fakeStore) GetSubscriptions(ctx context.Context, userID int64) ([]models.PushSubscription, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.subs[userID], nil
}

type sent struct {
	subID   int64
	payload []byte
}

type fakeTransport struct {
	mu     sync.Mutex
	sent   []sent
	failOn map[int64]error
	delay  time.Duration
}

func (f *fakeTransport) Send(ctx context.Context, sub models.PushSubscription, payload []byte) error {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := f.failOn[sub.ID]; err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sent{subID: sub.ID, payload: payload})
	return nil
}

func (f *fakeTransport) delivered() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.sent))
	for _, s := range f.sent {
		ids = append(ids, s.subID)
	}
	return ids
}

func threeSubs() map[int64][]models.PushSubscription {
	return map[int64][]models.PushSubscription{
		2: {
			{ID: 1, UserID: 2, Descriptor: `{"endpoint":"https://push.example.com/1"}`},
			{ID: 2, UserID: 2, Descriptor: `{"endpoint":"https://push.example.com/2"}`},
			{ID: 3, UserID: 2, Descriptor: `{"endpoint":"https://push.example.com/3"}`},
		},
	}
}

func TestNotifyFansOutToAllSubscriptions(t *testing.T) {
	transport := &fakeTransport{}
	d := NewDispatcher(&fakeStore{subs: threeSubs()}, transport, Options{}, zaptest.NewLogger(t))

	d.Notify(context.Background(), 2, Payload{Title: "New Message", Body: "alice: hi", Icon: "/icon.png"})

	assert.ElementsMatch(t, []int64{1, 2, 3}, transport.delivered())

	var p Payload
	require.NoError(t, json.Unmarshal(transport.sent[0].payload, &p))
	assert.Equal(t, "New Message", p.Title)
	assert.Equal(t, "alice: hi", p.Body)
	assert.Equal(t, "/icon.png", p.Icon)
}

func TestNotifyPartialFailure(t *testing.T) {
	transport := &fakeTransport{
		failOn: map[int64]error{2: &SendError{StatusCode: 410, Body: "expired"}},
	}
	d := NewDispatcher(&fakeStore{subs: threeSubs()}, transport, Options{Concurrency: 1}, zaptest.NewLogger(t))

	d.Notify(context.Background(), 2, Payload{Title: "New Message", Body: "alice: hi"})

	assert.ElementsMatch(t, []int64{1, 3}, transport.delivered())
}

func TestNotifySlowEndpointTimesOut(t *testing.T) {
	transport := &fakeTransport{delay: time.Second}
	d := NewDispatcher(&fakeStore{subs: threeSubs()}, transport, Options{Timeout: 20 * time.Millisecond}, zaptest.NewLogger(t))

	start := time.Now()
	d.Notify(context.Background(), 2, Payload{Title: "t"})

	assert.Empty(t, transport.delivered())
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestNotifyStoreErrorIsSwallowed(t *testing.T) {
	transport := &fakeTransport{}
	d := NewDispatcher(&fakeStore{err: errors.New("db down")}, transport, Options{}, zaptest.NewLogger(t))

	d.Notify(context.Background(), 2, Payload{Title: "t"})
	assert.Empty(t, transport.delivered())
}

func TestNotifyNoSubscriptions(t *testing.T) {
	transport := &fakeTransport{}
	d := NewDispatcher(&fakeStore{}, transport, Options{}, nil)

	d.Notify(context.Background(), 42, Payload{Title: "t"})
	assert.Empty(t, transport.delivered())
}

func TestSendErrorGone(t *testing.T) {
	assert.ErrorIs(t, &SendError{StatusCode: 410}, ErrSubscriptionGone)
	assert.ErrorIs(t, &SendError{StatusCode: 404}, ErrSubscriptionGone)
	assert.NotErrorIs(t, &SendError{StatusCode: 500}, ErrSubscriptionGone)
}
