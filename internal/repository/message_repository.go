package repository

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-chat/internal/domain"
)

// ErrDuplicateMessage is returned by Create when the sender already stored a
// message with the same client nonce in the conversation.
var ErrDuplicateMessage = errors.New("message with this client nonce already exists")

const messageNonceIndex = "messages_client_nonce_idx"

// MessageRepository manages conversation messages. Messages are append-only.
type MessageRepository interface {
	Create(ctx context.Context, msg *domain.Message) error
	// GetByClientNonce finds the message senderID posted with nonce, or pgx.ErrNoRows.
	GetByClientNonce(ctx context.Context, conversationID, senderID, nonce string) (*domain.Message, error)
	// ListByConversation returns the window that starts offset messages back
	// from the newest one, oldest first, together with the conversation total.
	ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]domain.Message, int, error)
}

type messageRepository struct {
	pool *pgxpool.Pool
}

// NewMessageRepository builds the Postgres repository.
func NewMessageRepository(pool *pgxpool.Pool) MessageRepository {
	return &messageRepository{pool: pool}
}

func (r *messageRepository) Create(ctx context.Context, msg *domain.Message) error {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	const query = `
        INSERT INTO messages (id, conversation_id, sender_id, sender_name, sender_role, content, client_nonce, created_at)
        VALUES ($1,$2,$3,$4,$5,$6,NULLIF($7, ''),COALESCE($8, NOW()))
        RETURNING created_at`
	var createdAt any
	if !msg.CreatedAt.IsZero() {
		createdAt = msg.CreatedAt
	}
	err := r.pool.QueryRow(ctx, query,
		msg.ID,
		msg.ConversationID,
		msg.Sender.ID,
		msg.Sender.Name,
		msg.Sender.Role,
		msg.Content,
		msg.ClientNonce,
		createdAt,
	).Scan(&msg.CreatedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == messageNonceIndex {
		return ErrDuplicateMessage
	}
	return err
}

func (r *messageRepository) GetByClientNonce(ctx context.Context, conversationID, senderID, nonce string) (*domain.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages
        WHERE conversation_id=$1 AND sender_id=$2 AND client_nonce=$3`
	var msg domain.Message
	if err := scanMessage(r.pool.QueryRow(ctx, query, conversationID, senderID, nonce), &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

func (r *messageRepository) ListByConversation(ctx context.Context, conversationID string, limit, offset int) ([]domain.Message, int, error) {
	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE conversation_id=$1`, conversationID).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset = normalizeWindow(limit, offset)
	query := `
        SELECT ` + messageColumns + ` FROM (
            SELECT * FROM messages WHERE conversation_id=$1
            ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3
        ) page ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, query, conversationID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []domain.Message
	for rows.Next() {
		var msg domain.Message
		if err := scanMessage(rows, &msg); err != nil {
			return nil, 0, err
		}
		result = append(result, msg)
	}
	return result, total, rows.Err()
}

const messageColumns = `id, conversation_id, sender_id, sender_name, sender_role, content, COALESCE(client_nonce, ''), created_at`

func scanMessage(row pgx.Row, msg *domain.Message) error {
	return row.Scan(
		&msg.ID,
		&msg.ConversationID,
		&msg.Sender.ID,
		&msg.Sender.Name,
		&msg.Sender.Role,
		&msg.Content,
		&msg.ClientNonce,
		&msg.CreatedAt,
	)
}
