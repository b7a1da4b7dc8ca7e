package database

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	createAccountQuery = "INSERT INTO accounts (id, username, email, password_hash, created_at, updated_at) " +
		"VALUES ($1, $2, $3, $4, $5, $5) RETURNING id, username, email, created_at, updated_at"
	getAccountQuery = "SELECT id, username, email, created_at, updated_at FROM accounts " +
		"WHERE id = $1 LIMIT 1"
	getAccountByEmailQuery = "SELECT id, username, email, password_hash, created_at, updated_at FROM accounts " +
		"WHERE email = $1 LIMIT 1"
	createMessageQuery = "INSERT INTO messages (id, sender_id, receiver_id, content, image, created_at) " +
		"VALUES ($1, $2, $3, $4, $5, $6)"
	getConversationQuery = "SELECT id, sender_id, receiver_id, content, image, seen_at, created_at FROM messages " +
		"WHERE (sender_id = $1 AND receiver_id = $2) OR (sender_id = $2 AND receiver_id = $1) " +
		"ORDER BY created_at ASC, id ASC"
	listChatPartnersQuery = "SELECT a.id, a.username, a.email, a.created_at, a.updated_at FROM accounts AS a " +
		"JOIN (SELECT CASE WHEN sender_id = $1 THEN receiver_id ELSE sender_id END AS partner_id, " +
		"MAX(created_at) AS last_at FROM messages WHERE sender_id = $1 OR receiver_id = $1 " +
		"GROUP BY partner_id) AS c ON c.partner_id = a.id ORDER BY c.last_at DESC"
	markSeenQuery = "UPDATE messages SET seen_at = $3 " +
		"WHERE receiver_id = $1 AND sender_id = $2 AND seen_at IS NULL"
)

// validId reports whether id can be compared against a UUID column. Ids that
// can't are treated as unknown rather than sent to postgres.
func validId(id string) bool {
	return uuid.Validate(id) == nil
}

func (db *PgRepository) CreateAccount(ctx context.Context, params CreateAccountParams) (User, error) {
	row := db.conn.QueryRowContext(ctx,
		createAccountQuery,
		uuid.NewString(),
		params.Username,
		params.EmailAddress,
		params.PasswordHash,
		time.Now().UTC(),
	)

	var u User
	err := row.Scan(
		&u.Id,
		&u.Username,
		&u.EmailAddress,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return User{}, fmt.Errorf("create account: %w", translateError(err))
	}

	return u, nil
}

func (db *PgRepository) GetAccountById(ctx context.Context, id string) (User, error) {
	if !validId(id) {
		return User{}, ErrNotFound
	}

	row := db.conn.QueryRowContext(ctx, getAccountQuery, id)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, translateError(err)
	}

	return user, nil
}

func (db *PgRepository) GetAccountByEmail(ctx context.Context, email string) (User, error) {
	row := db.conn.QueryRowContext(ctx, getAccountByEmailQuery, email)

	var user User
	err := row.Scan(
		&user.Id,
		&user.Username,
		&user.EmailAddress,
		&user.PasswordHash,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, translateError(err)
	}

	return user, nil
}

func (db *PgRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (Message, error) {
	if !validId(params.SenderId) || !validId(params.ReceiverId) {
		return Message{}, ErrNotFound
	}

	msg := Message{
		Id:         uuid.NewString(),
		SenderId:   params.SenderId,
		ReceiverId: params.ReceiverId,
		Content:    params.Content,
		Image:      params.Image,
		CreatedAt:  time.Now().UTC().Round(time.Microsecond),
	}

	_, err := db.conn.ExecContext(ctx,
		createMessageQuery,
		msg.Id,
		msg.SenderId,
		msg.ReceiverId,
		msg.Content,
		msg.Image,
		msg.CreatedAt,
	)
	if err != nil {
		return Message{}, fmt.Errorf("create message: %w", translateError(err))
	}

	return msg, nil
}

func (db *PgRepository) GetConversation(ctx context.Context, userId, otherId string) ([]Message, error) {
	messages := make([]Message, 0)
	if !validId(userId) || !validId(otherId) {
		return messages, nil
	}

	rows, err := db.conn.QueryContext(ctx, getConversationQuery, userId, otherId)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			msg    Message
			seenAt sql.NullTime
		)
		if err := rows.Scan(
			&msg.Id,
			&msg.SenderId,
			&msg.ReceiverId,
			&msg.Content,
			&msg.Image,
			&seenAt,
			&msg.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}

		if seenAt.Valid {
			t := seenAt.Time
			msg.SeenAt = &t
		}

		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func (db *PgRepository) ListChatPartners(ctx context.Context, userId string) ([]User, error) {
	partners := make([]User, 0)
	if !validId(userId) {
		return partners, nil
	}

	rows, err := db.conn.QueryContext(ctx, listChatPartnersQuery, userId)
	if err != nil {
		return nil, fmt.Errorf("list chat partners: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var u User
		if err := rows.Scan(&u.Id, &u.Username, &u.EmailAddress, &u.CreatedAt, &u.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan chat partner: %w", err)
		}

		partners = append(partners, u)
	}

	return partners, rows.Err()
}

func (db *PgRepository) MarkSeen(ctx context.Context, receiverId, senderId string, at time.Time) (int64, error) {
	if !validId(receiverId) || !validId(senderId) {
		return 0, nil
	}

	res, err := db.conn.ExecContext(ctx, markSeenQuery, receiverId, senderId, at)
	if err != nil {
		return 0, fmt.Errorf("mark seen: %w", err)
	}

	return res.RowsAffected()
}
