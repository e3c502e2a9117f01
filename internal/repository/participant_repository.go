package repository

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/spec-kit/support-chat/internal/domain"
)

// ParticipantRepository records identities seen in bearer tokens.
type ParticipantRepository interface {
	Upsert(ctx context.Context, p *domain.Participant) error
	GetByID(ctx context.Context, id string) (*domain.Participant, error)
	ListByRole(ctx context.Context, roles ...domain.Role) ([]domain.Participant, error)
}

type participantRepository struct {
	pool *pgxpool.Pool
}

// NewParticipantRepository instantiates the Postgres repository.
func NewParticipantRepository(pool *pgxpool.Pool) ParticipantRepository {
	return &participantRepository{pool: pool}
}

func (r *participantRepository) Upsert(ctx context.Context, p *domain.Participant) error {
	const query = `
        INSERT INTO participants (id, name, role, last_seen_at)
        VALUES ($1,$2,$3,NOW())
        ON CONFLICT (id) DO UPDATE SET name=EXCLUDED.name, role=EXCLUDED.role, last_seen_at=NOW()
        RETURNING last_seen_at`
	return r.pool.QueryRow(ctx, query, p.ID, p.Name, p.Role).Scan(&p.LastSeen)
}

func (r *participantRepository) GetByID(ctx context.Context, id string) (*domain.Participant, error) {
	const query = `SELECT id, name, role, last_seen_at FROM participants WHERE id=$1`
	var p domain.Participant
	if err := r.pool.QueryRow(ctx, query, id).Scan(&p.ID, &p.Name, &p.Role, &p.LastSeen); err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *participantRepository) ListByRole(ctx context.Context, roles ...domain.Role) ([]domain.Participant, error) {
	query := `SELECT id, name, role, last_seen_at FROM participants`
	args := make([]any, 0, len(roles))
	if len(roles) > 0 {
		placeholders := make([]string, len(roles))
		for i, role := range roles {
			args = append(args, role)
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += fmt.Sprintf(" WHERE role IN (%s)", strings.Join(placeholders, ","))
	}
	query += " ORDER BY name ASC, id ASC"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []domain.Participant
	for rows.Next() {
		var p domain.Participant
		if err := rows.Scan(&p.ID, &p.Name, &p.Role, &p.LastSeen); err != nil {
			return nil, err
		}
		result = append(result, p)
	}
	return result, rows.Err()
}
