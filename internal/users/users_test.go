package users

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"messmeal/internal/auth"
	"messmeal/internal/model"
	"messmeal/internal/store"
)

func TestSignInGrantsConfiguredAdmins(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemory(0), []string{" Warden@Example.com "})

	p, err := svc.SignIn(ctx, auth.Identity{Subject: "w1", Name: "Warden", Email: "warden@example.com"})
	require.NoError(t, err)
	assert.True(t, p.IsAdmin)
	assert.False(t, p.CreatedAt.IsZero())

	p, err = svc.SignIn(ctx, auth.Identity{Subject: "s1", Name: "Asha", Email: "asha@example.com"})
	require.NoError(t, err)
	assert.False(t, p.IsAdmin)

	_, err = svc.SignIn(ctx, auth.Identity{})
	assert.Error(t, err)
}

func TestSignInKeepsAdminAndCreatedAt(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory(0)
	_, err := s.UpsertProfile(ctx, model.UserProfile{ID: "s1", Name: "Asha", IsAdmin: true})
	require.NoError(t, err)
	first, err := s.GetProfile(ctx, "s1")
	require.NoError(t, err)

	p, err := NewService(s, nil).SignIn(ctx, auth.Identity{Subject: "s1", Email: "asha@example.com"})
	require.NoError(t, err)
	assert.True(t, p.IsAdmin)
	assert.Equal(t, "Asha", p.Name)
	assert.Equal(t, "asha@example.com", p.Email)
	assert.True(t, p.CreatedAt.Equal(first.CreatedAt))
}

func TestSession(t *testing.T) {
	ctx := context.Background()
	svc := NewService(store.NewMemory(0), []string{"warden@example.com"})
	_, err := svc.SignIn(ctx, auth.Identity{Subject: "w1", Name: "Warden", Email: "warden@example.com"})
	require.NoError(t, err)

	sess, err := svc.Session(ctx, model.Principal{ID: "w1"})
	require.NoError(t, err)
	assert.True(t, sess.IsAdmin)
	assert.Equal(t, "Warden", sess.User.DisplayName)

	sess, err = svc.Session(ctx, model.Principal{ID: "ghost", DisplayName: "Ghost"})
	require.NoError(t, err)
	assert.True(t, sess.Authenticated())
	assert.False(t, sess.IsAdmin)

	_, err = svc.Profile(ctx, "ghost")
	assert.ErrorIs(t, err, ErrUnknownUser)
}
