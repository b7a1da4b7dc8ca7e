package database

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// Repository is the durable store behind the realtime layer: the user
// directory and the direct message log.
type Repository interface {
	Ping(ctx context.Context) error
	CreateAccount(ctx context.Context, params CreateAccountParams) (User, error)
	GetAccountById(ctx context.Context, id string) (User, error)
	GetAccountByEmail(ctx context.Context, email string) (User, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error)
	// GetConversation returns every message exchanged between the two users
	// ordered oldest first.
	GetConversation(ctx context.Context, userId, otherId string) ([]Message, error)
	// ListChatPartners returns the users userId has exchanged messages with,
	// most recent conversation first.
	ListChatPartners(ctx context.Context, userId string) ([]User, error)
	// MarkSeen stamps every unseen message from senderId to receiverId with
	// at and returns the number of messages changed.
	MarkSeen(ctx context.Context, receiverId, senderId string, at time.Time) (int64, error)
	Close() error
}
