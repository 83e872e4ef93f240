package server

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"pushchat/delivery"
	"pushchat/protocol"
)

// handleEvent dispatches one client event. It returns false when the session
// should end.
func (s *Server) handleEvent(session *Session, ev *protocol.Event) bool {
	switch ev.Type {
	case protocol.TypeSendMessage:
		s.handleSendMessage(session, ev)
	case protocol.TypePing:
		s.handlePing(session)
	case protocol.TypeDisconnect:
		return false
	default:
		session.emitError("Unknown event type")
	}
	return true
}

func (s *Server) handlePing(session *Session) {
	ev, err := protocol.NewEvent(protocol.TypePong, nil)
	if err != nil {
		return
	}
	session.Emit(ev)
}

func (s *Server) handleSendMessage(session *Session, ev *protocol.Event) {
	var req protocol.SendMessage
	if err := ev.Decode(&req); err != nil {
		session.emitError("Invalid event format")
		return
	}

	// Not tied to the connection: a persisted message is routed even if the
	// sender goes away meanwhile.
	_, err := s.router.Deliver(context.Background(), session.Identity(), req.ReceiverID, req.Content)
	if err == nil {
		return
	}

	switch {
	case errors.Is(err, delivery.ErrInvalidRecipient):
		session.emitError("Invalid recipient")
	case errors.Is(err, delivery.ErrInvalidContent):
		session.emitError("Invalid message")
	default:
		session.logger.Error("Message error", zap.Int64("receiver_id", req.ReceiverID), zap.Error(err))
		session.emitError("Send failed")
	}
}
