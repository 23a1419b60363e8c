package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"confroom/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Requires a reachable Redis; set CONFROOM_TEST_REDIS to its address.
func TestRedisSessionStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("CONFROOM_TEST_REDIS")
	if addr == "" {
		t.Skip("CONFROOM_TEST_REDIS not set")
	}

	client, err := Dial(context.Background(), ClientOptions{Address: addr}, nil)
	require.NoError(t, err)
	defer client.Close()

	store := NewRedisSessionStore(client, "confroom:test:", time.Minute)
	ctx := context.Background()
	info := domain.ReconnectInfo{ClientID: "c1", RoomID: "room-redis", Role: domain.RoleParticipant, Name: "grace"}

	require.NoError(t, store.Save(ctx, info))
	loaded, err := store.Load(ctx, "room-redis")
	require.NoError(t, err)
	assert.Equal(t, info, *loaded)

	require.NoError(t, store.Delete(ctx, "room-redis"))
	_, err = store.Load(ctx, "room-redis")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestSessionKey_UsesPrefix(t *testing.T) {
	store := NewRedisSessionStore(nil, "", time.Minute).(*RedisSessionStore)
	assert.Equal(t, "confroom:session:room-1", store.sessionKey("room-1"))
}

func TestDial_Unreachable(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := Dial(ctx, ClientOptions{Address: "127.0.0.1:1"}, nil)
	assert.ErrorContains(t, err, "unreachable")
}
