package db

import (
	"context"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"pushchat/models"
)

// AddSubscription stores a push subscription for the user unless an identical
// descriptor is already registered. It reports whether a row was inserted.
func (db *DB) AddSubscription(ctx context.Context, userID int64, descriptor string) (bool, error) {
	query, args, err := db.sb.Insert("push_subscriptions").
		Columns("user_id", "descriptor").
		Values(userID, descriptor).
		Suffix("ON CONFLICT (user_id, descriptor) DO NOTHING").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building subscription insert: %w", err)
	}

	result, err := db.conn.ExecContext(ctx, query, args...)
	if err != nil {
		return false, storeErr("inserting subscription", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return false, storeErr("inserting subscription", err)
	}
	return affected > 0, nil
}

// GetSubscriptions returns every push subscription registered for the user.
func (db *DB) GetSubscriptions(ctx context.Context, userID int64) ([]models.PushSubscription, error) {
	query, args, err := db.sb.Select("id", "user_id", "descriptor").
		From("push_subscriptions").
		Where(sq.Eq{"user_id": userID}).
		OrderBy("id ASC").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("building subscription query: %w", err)
	}

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("querying subscriptions", err)
	}
	defer rows.Close()

	var subs []models.PushSubscription
	for rows.Next() {
		var s models.PushSubscription
		if err := rows.Scan(&s.ID, &s.UserID, &s.Descriptor); err != nil {
			return nil, storeErr("scanning subscription", err)
		}
		subs = append(subs, s)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("iterating subscriptions", err)
	}
	return subs, nil
}
