package auth

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spec-kit/support-chat/internal/domain"
	"github.com/spec-kit/support-chat/internal/repository"
	apperrors "github.com/spec-kit/support-chat/pkg/util/errorutil"
)

func TestTokenRoundTrip(t *testing.T) {
	tm := NewTokenManager("secret", time.Minute)
	token, expires, err := tm.GenerateToken(domain.ParticipantRef{ID: "S1", Name: "Bình", Role: domain.RoleStaff})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), expires, 5*time.Second)

	claims, err := tm.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantRef{ID: "S1", Name: "Bình", Role: domain.RoleStaff}, claims.Participant())

	_, err = NewTokenManager("other", time.Minute).ParseToken(token)
	assert.Error(t, err)

	_, _, err = tm.GenerateToken(domain.ParticipantRef{ID: "U1", Role: "guest"})
	assert.Error(t, err)
}

func TestExpiredTokenIsRejected(t *testing.T) {
	tm := NewTokenManager("secret", time.Nanosecond)
	token, _, err := tm.GenerateToken(domain.ParticipantRef{ID: "U1", Role: domain.RoleCustomer})
	require.NoError(t, err)
	time.Sleep(1100 * time.Millisecond)
	_, err = tm.ParseToken(token)
	assert.Error(t, err)
}

func TestBearerToken(t *testing.T) {
	tok, err := BearerToken("Bearer abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", tok)

	for _, header := range []string{"", "abc", "Basic abc", "Bearer "} {
		_, err := BearerToken(header)
		assert.True(t, apperrors.IsCode(err, apperrors.CodeUnauthorized), header)
	}
}

func TestAuthenticateRecordsParticipant(t *testing.T) {
	store := repository.NewMemory()
	tm := NewTokenManager("secret", time.Minute)
	mw := NewAuthMiddleware(tm, store.Participants())

	token, _, err := tm.GenerateToken(domain.ParticipantRef{ID: "U1", Name: "Lan", Role: domain.RoleCustomer})
	require.NoError(t, err)

	principal, err := mw.Authenticate(context.Background(), token)
	require.NoError(t, err)
	assert.False(t, principal.IsStaff())

	got, err := store.Participants().GetByID(context.Background(), "U1")
	require.NoError(t, err)
	assert.Equal(t, "Lan", got.Name)

	_, err = mw.Authenticate(context.Background(), "garbage")
	assert.True(t, apperrors.IsCode(err, apperrors.CodeUnauthorized))
}
