package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultwarden/vwsso/pkg/storage"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := Open(context.Background(), filepath.Join(t.TempDir(), "db.sqlite3"))
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, store.Close())
	})
	return store
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "db.sqlite3")

	store, err := Open(context.Background(), path)
	require.NoError(t, err)
	require.NoError(t, store.CreateUser(context.Background(), &storage.User{UUID: "u1", Email: "user@example.com"}))
	require.NoError(t, store.Close())

	// Reopening an existing database must not re-run applied migrations
	// or lose data.
	store, err = Open(context.Background(), path)
	require.NoError(t, err)
	defer store.Close()

	got, err := store.GetUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Email)
}

func TestStoreUsers(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	user := &storage.User{UUID: "u1", Email: "User@Example.COM", Name: "Test"}
	require.NoError(t, store.CreateUser(ctx, user))

	got, err := store.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Email, "email is stored lowercased")
	assert.False(t, got.CreatedAt.IsZero())

	byEmail, err := store.GetUserByEmail(ctx, "USER@EXAMPLE.COM")
	require.NoError(t, err)
	assert.Equal(t, "u1", byEmail.UUID)

	_, err = store.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	assert.ErrorIs(t, store.CreateUser(ctx, &storage.User{UUID: "u1", Email: "other@example.com"}), storage.ErrAlreadyExists)
	assert.ErrorIs(t, store.CreateUser(ctx, &storage.User{UUID: "u2", Email: "user@example.com"}), storage.ErrAlreadyExists)

	require.NoError(t, store.DeleteUser(ctx, "u1"))
	assert.ErrorIs(t, store.DeleteUser(ctx, "u1"), storage.ErrNotFound)
}

func TestStoreIdentities(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &storage.User{UUID: "u1", Email: "user@example.com"}))
	require.NoError(t, store.CreateUser(ctx, &storage.User{UUID: "u2", Email: "other@example.com"}))

	identity := &storage.SsoIdentity{Issuer: "https://idp.example.com", Subject: "sub-1", UserUUID: "u1"}
	require.NoError(t, store.CreateIdentity(ctx, identity))

	got, err := store.GetIdentity(ctx, "https://idp.example.com", "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "u1", got.UserUUID)
	assert.False(t, got.CreatedAt.IsZero())

	assert.ErrorIs(t, store.CreateIdentity(ctx, &storage.SsoIdentity{
		Issuer: "https://idp.example.com", Subject: "sub-1", UserUUID: "u2",
	}), storage.ErrAlreadyExists)

	require.NoError(t, store.CreateIdentity(ctx, &storage.SsoIdentity{
		Issuer: "https://other.example.com", Subject: "sub-1", UserUUID: "u2",
	}))

	require.NoError(t, store.DeleteIdentity(ctx, "https://idp.example.com", "sub-1"))
	_, err = store.GetIdentity(ctx, "https://idp.example.com", "sub-1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	assert.ErrorIs(t, store.DeleteIdentity(ctx, "https://idp.example.com", "sub-1"), storage.ErrNotFound)
}

func TestStoreDevices(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.CreateUser(ctx, &storage.User{UUID: "u1", Email: "user@example.com"}))

	device := &storage.Device{UUID: "d1", UserUUID: "u1", Name: "firefox", Type: 10, RefreshRandom: "r1"}
	require.NoError(t, store.SaveDevice(ctx, device))

	got, err := store.GetDevice(ctx, "d1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "r1", got.RefreshRandom)
	assert.Equal(t, 10, got.Type)
	created := got.CreatedAt
	assert.False(t, created.IsZero())

	_, err = store.GetDevice(ctx, "d1", "u2")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	device.RefreshRandom = "r2"
	require.NoError(t, store.SaveDevice(ctx, device))

	got, err = store.GetDevice(ctx, "d1", "u1")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.RefreshRandom)
	assert.Equal(t, created, got.CreatedAt, "upsert keeps the original creation time")
}
