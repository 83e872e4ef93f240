package models

import "time"

type User struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Identity is the authenticated view of a user carried by a session token.
type Identity struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Username: u.Username}
}

type Message struct {
	ID         int64     `json:"id"`
	SenderID   int64     `json:"sender_id"`
	ReceiverID int64     `json:"receiver_id"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
	SenderName string    `json:"sender_name,omitempty"` // filled by conversation reads
}

type PushSubscription struct {
	ID         int64
	UserID     int64
	Descriptor string // canonical JSON of the browser PushSubscription
}

// SubscriptionDescriptor mirrors the browser PushSubscription JSON.
type SubscriptionDescriptor struct {
	Endpoint       string           `json:"endpoint"`
	ExpirationTime *int64           `json:"expirationTime"`
	Keys           SubscriptionKeys `json:"keys"`
}

type SubscriptionKeys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}
