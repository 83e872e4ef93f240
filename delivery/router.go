// Package delivery routes a newly sent message to its sender and receiver:
// over the receiver's live connection when there is one, as a push
// notification otherwise.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"pushchat/models"
	"pushchat/presence"
	"pushchat/protocol"
	"pushchat/push"
)

var (
	ErrInvalidRecipient = errors.New("invalid recipient")
	ErrInvalidContent   = errors.New("invalid content")
	ErrSendFailed       = errors.New("send failed")
)

// MessageStore is the part of the durable store the router writes through.
type MessageStore interface {
	UserExists(ctx context.Context, id int64) (bool, error)
	SaveMessage(ctx context.Context, senderID, receiverID int64, content string) (*models.Message, error)
}

type Presence interface {
	Lookup(userID int64) (presence.Conn, bool)
}

type Notifier interface {
	Notify(ctx context.Context, userID int64, payload push.Payload)
}

type Options struct {
	StoreTimeout     time.Duration
	PreviewLength    int
	MaxContentLength int
	PushTitle        string
	PushIcon         string
}

// Outcome reports which delivery paths ran for a persisted message.
type Outcome struct {
	Message *models.Message
	Echoed  bool // emitted to the sender's own connection
	Live    bool // emitted to the receiver's connection
	Pushed  bool // push dispatch started for the receiver
}

type Router struct {
	store    MessageStore
	presence Presence
	notifier Notifier
	opts     Options
	logger   *zap.Logger

	// push dispatches outlive the Deliver call that started them
	wg sync.WaitGroup
}

func NewRouter(store MessageStore, p Presence, notifier Notifier, opts Options, logger *zap.Logger) *Router {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.PreviewLength <= 0 {
		opts.PreviewLength = 30
	}
	if opts.PushTitle == "" {
		opts.PushTitle = "New Message"
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		store:    store,
		presence: p,
		notifier: notifier,
		opts:     opts,
		logger:   logger,
	}
}

// Deliver validates, persists and routes one message from sender to
// receiverID. Errors are meant for the sender only: ErrInvalidContent and
// ErrInvalidRecipient before anything is written, ErrSendFailed when the
// store could not be reached. Once the message is persisted Deliver always
// succeeds; emit and push failures are logged.
func (r *Router) Deliver(ctx context.Context, sender models.Identity, receiverID int64, content string) (*Outcome, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: empty message", ErrInvalidContent)
	}
	if r.opts.MaxContentLength > 0 && utf8.RuneCountInString(content) > r.opts.MaxContentLength {
		return nil, fmt.Errorf("%w: message longer than %d characters", ErrInvalidContent, r.opts.MaxContentLength)
	}
	if receiverID <= 0 || receiverID == sender.ID {
		return nil, ErrInvalidRecipient
	}

	storeCtx, cancel := context.WithTimeout(ctx, r.opts.StoreTimeout)
	defer cancel()

	exists, err := r.store.UserExists(storeCtx, receiverID)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}
	if !exists {
		return nil, ErrInvalidRecipient
	}

	msg, err := r.store.SaveMessage(storeCtx, sender.ID, receiverID, content)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSendFailed, err)
	}

	log := r.logger.With(
		zap.Int64("message_id", msg.ID),
		zap.Int64("sender_id", sender.ID),
		zap.Int64("receiver_id", receiverID),
	)
	out := &Outcome{Message: msg}

	if conn, ok := r.presence.Lookup(sender.ID); ok {
		if err := r.emit(conn, msg, sender.Username, true); err != nil {
			log.Warn("Failed to echo message to sender", zap.String("conn_id", conn.ID()), zap.Error(err))
		} else {
			out.Echoed = true
		}
	}

	// A registered receiver is authoritative: no push even if the emit fails.
	if conn, ok := r.presence.Lookup(receiverID); ok {
		if err := r.emit(conn, msg, sender.Username, false); err != nil {
			log.Warn("Failed to deliver message to receiver", zap.String("conn_id", conn.ID()), zap.Error(err))
		} else {
			out.Live = true
		}
		return out, nil
	}

	if r.notifier != nil {
		r.dispatchPush(msg, sender)
		out.Pushed = true
	}
	return out, nil
}

func (r *Router) emit(conn presence.Conn, msg *models.Message, senderName string, isOwn bool) error {
	ev, err := protocol.NewEvent(protocol.TypeMessage, protocol.MessageEvent(msg, senderName, isOwn))
	if err != nil {
		return err
	}
	return conn.Emit(ev)
}

func (r *Router) dispatchPush(msg *models.Message, sender models.Identity) {
	payload := push.Payload{
		Title: r.opts.PushTitle,
		Body:  sender.Username + ": " + protocol.Preview(msg.Content, r.opts.PreviewLength),
		Icon:  r.opts.PushIcon,
		Data:  &push.PayloadData{MessageID: msg.ID, SenderID: msg.SenderID},
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		// Detached from the sender's connection: a disconnect must not cancel it.
		r.notifier.Notify(context.Background(), msg.ReceiverID, payload)
	}()
}

// Wait blocks until all push dispatches started so far have finished.
func (r *Router) Wait() {
	r.wg.Wait()
}
