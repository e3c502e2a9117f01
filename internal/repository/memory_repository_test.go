package repository

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-chat/internal/domain"
)

func customerConversation(customerID string) *domain.Conversation {
	return &domain.Conversation{
		Customer: domain.ParticipantRef{ID: customerID, Name: "Lan", Role: domain.RoleCustomer},
		Status:   domain.StatusOpen,
	}
}

func TestMemoryAllowsOneActiveConversationPerCustomer(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory().Conversations()

	first := customerConversation("U1")
	require.NoError(t, repo.Create(ctx, first))
	assert.NotEmpty(t, first.ID)
	assert.ErrorIs(t, repo.Create(ctx, customerConversation("U1")), ErrActiveConversationExists)

	first.Status = domain.StatusClosed
	require.NoError(t, repo.Update(ctx, first))

	second := customerConversation("U1")
	require.NoError(t, repo.Create(ctx, second))

	first.Status = domain.StatusOpen
	assert.ErrorIs(t, repo.Update(ctx, first), ErrActiveConversationExists)

	active, err := repo.GetActiveByCustomer(ctx, "U1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)

	_, err = repo.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestMemoryUpdateAdvancesUpdatedAt(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time { return fixed }
	repo := store.Conversations()

	conv := customerConversation("U1")
	require.NoError(t, repo.Create(ctx, conv))
	before := conv.UpdatedAt

	conv.Status = domain.StatusAssigned
	require.NoError(t, repo.Update(ctx, conv))
	assert.True(t, conv.UpdatedAt.After(before))
}

func TestMemoryListFiltersAndPages(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	store.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	repo := store.Conversations()

	var ids []string
	for i := 0; i < 5; i++ {
		conv := customerConversation(fmt.Sprintf("U%d", i))
		if i%2 == 0 {
			conv.Status = domain.StatusAssigned
			conv.AssignedTo = &domain.ParticipantRef{ID: "S1", Role: domain.RoleStaff}
		}
		require.NoError(t, repo.Create(ctx, conv))
		ids = append(ids, conv.ID)
	}

	page, total, err := repo.ListWithFilter(ctx, ConversationFilter{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Equal(t, ids[4], page[0].ID, "most recent first")

	staff := "S1"
	page, total, err = repo.ListWithFilter(ctx, ConversationFilter{AssignedTo: &staff, Statuses: []domain.ConversationStatus{domain.StatusAssigned}})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 3)

	page, total, err = repo.ListWithFilter(ctx, ConversationFilter{Limit: 2, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Empty(t, page)
}

func TestMemoryMessagesPageFromNewest(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	conv := customerConversation("U1")
	require.NoError(t, store.Conversations().Create(ctx, conv))

	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		require.NoError(t, store.Messages().Create(ctx, &domain.Message{
			ID:             fmt.Sprintf("m%d", i),
			ConversationID: conv.ID,
			Sender:         conv.Customer,
			Content:        "hi",
			CreatedAt:      base.Add(time.Duration(i) * time.Second),
		}))
	}

	ids := func(msgs []domain.Message) []string {
		out := make([]string, 0, len(msgs))
		for _, m := range msgs {
			out = append(out, m.ID)
		}
		return out
	}

	page, total, err := store.Messages().ListByConversation(ctx, conv.ID, 2, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	assert.Equal(t, []string{"m4", "m5"}, ids(page))

	page, _, err = store.Messages().ListByConversation(ctx, conv.ID, 2, 4)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, ids(page))

	err = store.Messages().Create(ctx, &domain.Message{ConversationID: "missing", Content: "x"})
	assert.ErrorIs(t, err, pgx.ErrNoRows)
}

func TestMemoryMessagesRejectRepeatedNonce(t *testing.T) {
	ctx := context.Background()
	store := NewMemory()
	conv := customerConversation("U1")
	require.NoError(t, store.Conversations().Create(ctx, conv))

	staff := domain.ParticipantRef{ID: "S1", Name: "Minh", Role: domain.RoleStaff}
	first := &domain.Message{ConversationID: conv.ID, Sender: conv.Customer, Content: "Xin chào", ClientNonce: "w-1"}
	require.NoError(t, store.Messages().Create(ctx, first))

	err := store.Messages().Create(ctx, &domain.Message{ConversationID: conv.ID, Sender: conv.Customer, Content: "Xin chào", ClientNonce: "w-1"})
	assert.ErrorIs(t, err, ErrDuplicateMessage)
	require.NoError(t, store.Messages().Create(ctx, &domain.Message{ConversationID: conv.ID, Sender: staff, Content: "Chào bạn", ClientNonce: "w-1"}))
	require.NoError(t, store.Messages().Create(ctx, &domain.Message{ConversationID: conv.ID, Sender: conv.Customer, Content: "no nonce"}))
	require.NoError(t, store.Messages().Create(ctx, &domain.Message{ConversationID: conv.ID, Sender: conv.Customer, Content: "no nonce"}))

	got, err := store.Messages().GetByClientNonce(ctx, conv.ID, "U1", "w-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)
	_, err = store.Messages().GetByClientNonce(ctx, conv.ID, "U1", "w-2")
	assert.ErrorIs(t, err, pgx.ErrNoRows)

	_, total, err := store.Messages().ListByConversation(ctx, conv.ID, 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
}

func TestMemoryParticipantsByRole(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory().Participants()
	for _, p := range []domain.Participant{
		{ID: "S2", Name: "Bình", Role: domain.RoleStaff},
		{ID: "A1", Name: "An", Role: domain.RoleAdmin},
		{ID: "U1", Name: "Lan", Role: domain.RoleCustomer},
	} {
		p := p
		require.NoError(t, repo.Upsert(ctx, &p))
	}

	staff, err := repo.ListByRole(ctx, domain.RoleStaff, domain.RoleAdmin)
	require.NoError(t, err)
	require.Len(t, staff, 2)
	assert.Equal(t, "An", staff[0].Name)

	got, err := repo.GetByID(ctx, "U1")
	require.NoError(t, err)
	assert.False(t, got.LastSeen.IsZero())
}

func TestMemorySearchAndUnassigned(t *testing.T) {
	ctx := context.Background()
	repo := NewMemory().Conversations()

	lan := customerConversation("U1")
	require.NoError(t, repo.Create(ctx, lan))
	minh := customerConversation("U2")
	minh.Customer.Name = "Minh"
	minh.Status = domain.StatusAssigned
	minh.AssignedTo = &domain.ParticipantRef{ID: "S1", Role: domain.RoleStaff}
	minh.LastMessage = &domain.MessageSnapshot{ID: "m1", Content: "Sofa giao khi nào?", SenderID: "U2", SenderRole: domain.RoleCustomer}
	require.NoError(t, repo.Create(ctx, minh))

	term := "sofa"
	page, total, err := repo.ListWithFilter(ctx, ConversationFilter{SearchTerm: &term})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, minh.ID, page[0].ID)

	page, _, err = repo.ListWithFilter(ctx, ConversationFilter{Unassigned: true})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, lan.ID, page[0].ID)
}
