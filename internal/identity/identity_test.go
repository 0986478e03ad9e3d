package identity

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

func setup(t *testing.T) (*Authenticator, *storage.Store) {
	t.Helper()
	s, err := storage.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	require.NoError(t, s.CreateUser(context.Background(), storage.User{ID: "u1", Name: "alice"}))
	require.NoError(t, s.CreateUser(context.Background(), storage.User{ID: "admin", Name: "root", Admin: true}))
	a := NewAuthenticator(s, nil)
	a.SetCost(bcrypt.MinCost)
	return a, s
}

func TestGenerateKey(t *testing.T) {
	a, err := GenerateKey()
	require.NoError(t, err)
	b, err := GenerateKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, "rr_"))
	assert.Len(t, a, 3+64)
	assert.NotEqual(t, a, b)
}

func TestIssueAndAuthenticate(t *testing.T) {
	a, s := setup(t)
	ctx := context.Background()

	raw, key, err := a.IssueKey(ctx, "u1", "laptop")
	require.NoError(t, err)
	assert.Equal(t, raw[:PrefixLen], key.Prefix)
	assert.NotContains(t, key.Digest, raw)

	c, err := a.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.True(t, c.Authenticated())
	assert.Equal(t, "u1", c.UserID)
	assert.False(t, c.Admin)
	assert.Equal(t, key.ID, c.KeyID)

	keys, err := s.ActiveAPIKeysByPrefix(ctx, key.Prefix)
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, 1, keys[0].RequestCount)
}

func TestAuthenticate_AdminFlag(t *testing.T) {
	a, _ := setup(t)
	raw, _, err := a.IssueKey(context.Background(), "admin", "ops")
	require.NoError(t, err)
	c, err := a.Authenticate(context.Background(), raw)
	require.NoError(t, err)
	assert.True(t, c.Admin)
}

func TestAuthenticate_Rejects(t *testing.T) {
	a, s := setup(t)
	ctx := context.Background()
	raw, key, err := a.IssueKey(ctx, "u1", "laptop")
	require.NoError(t, err)

	for _, bad := range []string{"", "short", raw[:len(raw)-1] + "x", "rr_" + strings.Repeat("0", 64)} {
		_, err := a.Authenticate(ctx, bad)
		assert.ErrorIs(t, err, ErrUnauthenticated, bad)
	}

	require.NoError(t, s.RevokeAPIKey(ctx, key.ID, time.Now()))
	_, err = a.Authenticate(ctx, raw)
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestContext(t *testing.T) {
	assert.Nil(t, FromContext(context.Background()))
	var none *Caller
	assert.False(t, none.Authenticated())

	c := &Caller{UserID: "u1"}
	ctx := WithCaller(context.Background(), c)
	assert.Same(t, c, FromContext(ctx))
}
