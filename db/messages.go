package db

import (
	"context"
	"fmt"
	"math"

	sq "github.com/Masterminds/squirrel"

	"pushchat/models"
)

// SaveMessage persists a message and returns it with its assigned id and timestamp.
func (db *DB) SaveMessage(ctx context.Context, senderID, receiverID int64, content string) (*models.Message, error) {
	msg := &models.Message{
		SenderID:   senderID,
		ReceiverID: receiverID,
		Content:    content,
		CreatedAt:  now(),
	}

	query, args, err := db.sb.Insert("messages").
		Columns("sender_id", "receiver_id", "content", "created_at").
		Values(msg.SenderID, msg.ReceiverID, msg.Content, msg.CreatedAt).
		Suffix("RETURNING id").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building message insert: %w", err)
	}

	if err := db.conn.QueryRowContext(ctx, query, args...).Scan(&msg.ID); err != nil {
		return nil, storeErr("inserting message", err)
	}
	return msg, nil
}

// GetConversation returns the messages exchanged between two users in both
// directions, oldest first. A non-positive limit returns the whole history.
func (db *DB) GetConversation(ctx context.Context, userA, userB int64, offset, limit int) ([]models.Message, error) {
	qb := db.sb.Select(
		"m.id", "m.sender_id", "m.receiver_id", "m.content", "m.created_at", "u.username",
	).
		From("messages m").
		Join("users u ON m.sender_id = u.id").
		Where(sq.Or{
			sq.Eq{"m.sender_id": userA, "m.receiver_id": userB},
			sq.Eq{"m.sender_id": userB, "m.receiver_id": userA},
		}).
		OrderBy("m.created_at ASC", "m.id ASC")

	switch {
	case limit > 0:
		qb = qb.Limit(uint64(limit))
	case offset > 0:
		// sqlite rejects OFFSET without LIMIT
		qb = qb.Limit(math.MaxInt64)
	}
	if offset > 0 {
		qb = qb.Offset(uint64(offset))
	}

	query, args, err := qb.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building conversation query: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("querying conversation", err)
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Content, &m.CreatedAt, &m.SenderName); err != nil {
			return nil, storeErr("scanning message", err)
		}
		messages = append(messages, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating messages", err)
	}
	return messages, nil
}
