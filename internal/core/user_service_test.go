package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/example/addonhub/internal/db"
	"github.com/example/addonhub/internal/models"
)

func TestUserServiceGetOrCreate(t *testing.T) {
	ctx := context.Background()
	repos := db.NewMemoryStore().Repositories()
	svc := NewUserService(repos.Users, zaptest.NewLogger(t)).(*userService)
	svc.now = fixedNow

	user, created, err := svc.GetOrCreate(ctx, "uid1", "a@example.com", "Ann", "")
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, string(models.TierFree), user.StripeRole)
	assert.Equal(t, testNow, user.CreatedAt)

	user, created, err = svc.GetOrCreate(ctx, "uid1", "other@example.com", "", "")
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "a@example.com", user.Email)
}

func TestUserServiceGetByIDNotFound(t *testing.T) {
	svc := NewUserService(db.NewMemoryStore().Repositories().Users, zaptest.NewLogger(t))
	_, err := svc.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrUserNotFound)
}
