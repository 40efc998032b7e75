package store

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), Config{Addr: mr.Addr(), ConnectAttempts: 1})
	require.NoError(t, err)
	defer client.Close()

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	mr.CheckGet(t, "k", "v")
}

func TestConnect_Unreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Connect(ctx, Config{Addr: addr, ConnectAttempts: 2})
	assert.Error(t, err)
}

func TestKeys(t *testing.T) {
	k := NewKeys("chat:")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"lease", k.Lease("a"), "chat:presence:a"},
		{"lease pattern", k.LeasePattern(), "chat:presence:*"},
		{"known rooms", k.KnownRooms(), "chat:rooms"},
		{"room", k.Room("garden"), "chat:room:garden"},
		{"subscribers", k.Subscribers("a"), "chat:subscribers:a"},
		{"subscriptions", k.Subscriptions("b"), "chat:subscriptions:b"},
		{"session", k.Session("a"), "chat:session:a"},
		{"room channel", k.RoomChannel("garden"), "chat:room:garden"},
		{"notify channel", k.NotifyChannel("a"), "chat:notify:a"},
		{"room pattern", k.RoomChannelPattern(), "chat:room:*"},
		{"notify pattern", k.NotifyChannelPattern(), "chat:notify:*"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.got)
		})
	}

	assert.Equal(t, "alice", k.UserFromLease(k.Lease("alice")))
}
