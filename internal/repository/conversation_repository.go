package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-chat/internal/domain"
)

// ErrActiveConversationExists is returned when a write would give a customer
// a second non-closed conversation.
var ErrActiveConversationExists = errors.New("customer already has an active conversation")

// ConversationFilter captures staff listing parameters.
type ConversationFilter struct {
	CustomerID *string
	AssignedTo *string
	Unassigned bool
	SearchTerm *string
	Statuses   []domain.ConversationStatus
	Limit      int
	Offset     int
}

// ConversationRepository encapsulates conversation persistence.
type ConversationRepository interface {
	Create(ctx context.Context, conv *domain.Conversation) error
	Update(ctx context.Context, conv *domain.Conversation) error
	GetByID(ctx context.Context, id string) (*domain.Conversation, error)
	GetActiveByCustomer(ctx context.Context, customerID string) (*domain.Conversation, error)
	ListWithFilter(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, int, error)
}

type conversationRepository struct {
	pool *pgxpool.Pool
}

// NewConversationRepository instantiates the Postgres repository.
func NewConversationRepository(pool *pgxpool.Pool) ConversationRepository {
	return &conversationRepository{pool: pool}
}

const conversationColumns = `id, customer_id, customer_name, assigned_to_id, assigned_to_name, status,
               last_message_id, last_message_content, last_message_sender_id, last_message_sender_role, last_message_at,
               unread_customer, unread_staff, created_at, updated_at`

func (r *conversationRepository) Create(ctx context.Context, conv *domain.Conversation) error {
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	const query = `
        INSERT INTO conversations (id, customer_id, customer_name, status, unread_customer, unread_staff)
        VALUES ($1,$2,$3,$4,$5,$6)
        RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query,
		conv.ID,
		conv.Customer.ID,
		conv.Customer.Name,
		conv.Status,
		conv.UnreadCount.Customer,
		conv.UnreadCount.Staff,
	).Scan(&conv.CreatedAt, &conv.UpdatedAt)
	return translateUnique(err)
}

func (r *conversationRepository) Update(ctx context.Context, conv *domain.Conversation) error {
	const query = `
        UPDATE conversations SET customer_name=$1, assigned_to_id=$2, assigned_to_name=$3, status=$4,
            last_message_id=$5, last_message_content=$6, last_message_sender_id=$7, last_message_sender_role=$8,
            last_message_at=$9, unread_customer=$10, unread_staff=$11, updated_at=NOW()
        WHERE id=$12
        RETURNING updated_at`
	var (
		assigneeID, assigneeName                  *string
		lastID, lastContent, lastSender, lastRole *string
		lastAt                                    *time.Time
	)
	if conv.AssignedTo != nil {
		assigneeID, assigneeName = &conv.AssignedTo.ID, &conv.AssignedTo.Name
	}
	if lm := conv.LastMessage; lm != nil {
		role := string(lm.SenderRole)
		lastID, lastContent, lastSender, lastRole, lastAt = &lm.ID, &lm.Content, &lm.SenderID, &role, &lm.CreatedAt
	}
	err := r.pool.QueryRow(ctx, query,
		conv.Customer.Name,
		assigneeID,
		assigneeName,
		conv.Status,
		lastID,
		lastContent,
		lastSender,
		lastRole,
		lastAt,
		conv.UnreadCount.Customer,
		conv.UnreadCount.Staff,
		conv.ID,
	).Scan(&conv.UpdatedAt)
	return translateUnique(err)
}

func (r *conversationRepository) GetByID(ctx context.Context, id string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE id=$1`
	return scanConversation(r.pool.QueryRow(ctx, query, id))
}

func (r *conversationRepository) GetActiveByCustomer(ctx context.Context, customerID string) (*domain.Conversation, error) {
	query := `SELECT ` + conversationColumns + ` FROM conversations WHERE customer_id=$1 AND status <> 'closed'`
	return scanConversation(r.pool.QueryRow(ctx, query, customerID))
}

func (r *conversationRepository) ListWithFilter(ctx context.Context, filter ConversationFilter) ([]domain.Conversation, int, error) {
	clauses := []string{"1=1"}
	args := []any{}

	if filter.CustomerID != nil {
		args = append(args, *filter.CustomerID)
		clauses = append(clauses, fmt.Sprintf("customer_id=$%d", len(args)))
	}
	if filter.AssignedTo != nil {
		args = append(args, *filter.AssignedTo)
		clauses = append(clauses, fmt.Sprintf("assigned_to_id=$%d", len(args)))
	}
	if filter.Unassigned {
		clauses = append(clauses, "assigned_to_id IS NULL")
	}
	if filter.SearchTerm != nil && strings.TrimSpace(*filter.SearchTerm) != "" {
		search := "%" + strings.ToLower(strings.TrimSpace(*filter.SearchTerm)) + "%"
		args = append(args, search)
		placeholder := fmt.Sprintf("$%d", len(args))
		clauses = append(clauses, fmt.Sprintf("(LOWER(customer_name) LIKE %s OR LOWER(COALESCE(last_message_content, '')) LIKE %s)", placeholder, placeholder))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			args = append(args, status)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		clauses = append(clauses, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ",")))
	}
	where := strings.Join(clauses, " AND ")

	var total int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM conversations WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	limit, offset := normalizeWindow(filter.Limit, filter.Offset)
	query := fmt.Sprintf(`SELECT %s FROM conversations WHERE %s
             ORDER BY GREATEST(updated_at, COALESCE(last_message_at, updated_at)) DESC, id ASC LIMIT %d OFFSET %d`,
		conversationColumns, where, limit, offset)

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var result []domain.Conversation
	for rows.Next() {
		conv, err := scanConversation(rows)
		if err != nil {
			return nil, 0, err
		}
		result = append(result, *conv)
	}
	return result, total, rows.Err()
}

func scanConversation(row pgx.Row) (*domain.Conversation, error) {
	var (
		conv                                      domain.Conversation
		assigneeID, assigneeName                  *string
		lastID, lastContent, lastSender, lastRole *string
		lastAt                                    *time.Time
	)
	if err := row.Scan(
		&conv.ID,
		&conv.Customer.ID,
		&conv.Customer.Name,
		&assigneeID,
		&assigneeName,
		&conv.Status,
		&lastID,
		&lastContent,
		&lastSender,
		&lastRole,
		&lastAt,
		&conv.UnreadCount.Customer,
		&conv.UnreadCount.Staff,
		&conv.CreatedAt,
		&conv.UpdatedAt,
	); err != nil {
		return nil, err
	}
	conv.Customer.Role = domain.RoleCustomer
	if assigneeID != nil {
		conv.AssignedTo = &domain.ParticipantRef{ID: *assigneeID, Name: deref(assigneeName), Role: domain.RoleStaff}
	}
	if lastID != nil && lastAt != nil {
		conv.LastMessage = &domain.MessageSnapshot{
			ID:         *lastID,
			Content:    deref(lastContent),
			SenderID:   deref(lastSender),
			SenderRole: domain.Role(deref(lastRole)),
			CreatedAt:  *lastAt,
		}
	}
	return &conv, nil
}

func translateUnique(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrActiveConversationExists
	}
	return err
}

func normalizeWindow(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
