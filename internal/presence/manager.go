// Package presence implements per-user TTL leases that give at most one
// server the right to hold a user's session.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"relaychat/internal/store"
)

// renewScript extends the lease only while this server still owns it.
var renewScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('PEXPIRE', KEYS[1], ARGV[2])
	end
	return 0
`)

// releaseScript deletes the lease only while this server still owns it, so a
// lease re-acquired elsewhere after our TTL lapsed is never removed.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

type Manager struct {
	client   redis.UniversalClient
	keys     store.Keys
	serverID string
	ttl      time.Duration
}

func NewManager(client redis.UniversalClient, keys store.Keys, serverID string, ttl time.Duration) *Manager {
	return &Manager{
		client:   client,
		keys:     keys,
		serverID: serverID,
		ttl:      ttl,
	}
}

func (m *Manager) ServerID() string { return m.serverID }

func (m *Manager) TTL() time.Duration { return m.ttl }

// Acquire creates the lease if nobody holds it. A false result means some
// server, possibly this one with a stale session, already owns the user.
func (m *Manager) Acquire(ctx context.Context, user string) (bool, error) {
	ok, err := m.client.SetNX(ctx, m.keys.Lease(user), m.serverID, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease for %s: %w", user, err)
	}
	return ok, nil
}

// Renew resets the lease TTL if this server still owns it.
func (m *Manager) Renew(ctx context.Context, user string) (bool, error) {
	n, err := renewScript.Run(ctx, m.client, []string{m.keys.Lease(user)},
		m.serverID, m.ttl.Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("renew lease for %s: %w", user, err)
	}
	return n == 1, nil
}

// Release removes the lease if this server still owns it.
func (m *Manager) Release(ctx context.Context, user string) (bool, error) {
	n, err := releaseScript.Run(ctx, m.client, []string{m.keys.Lease(user)}, m.serverID).Int64()
	if err != nil {
		return false, fmt.Errorf("release lease for %s: %w", user, err)
	}
	return n == 1, nil
}

// Owner returns the server id holding the lease, or "" if none does.
func (m *Manager) Owner(ctx context.Context, user string) (string, error) {
	owner, err := m.client.Get(ctx, m.keys.Lease(user)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("lookup lease for %s: %w", user, err)
	}
	return owner, nil
}

// OnlineUsers lists every user with a live lease on any server, sorted.
func (m *Manager) OnlineUsers(ctx context.Context) ([]string, error) {
	var (
		cursor uint64
		users  []string
	)

	for {
		keys, next, err := m.client.Scan(ctx, cursor, m.keys.LeasePattern(), 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scan leases: %w", err)
		}
		for _, key := range keys {
			users = append(users, m.keys.UserFromLease(key))
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}

	sort.Strings(users)
	return dedupSorted(users), nil
}

// SCAN may return a key more than once.
func dedupSorted(in []string) []string {
	out := in[:0]
	for i, s := range in {
		if i == 0 || s != in[i-1] {
			out = append(out, s)
		}
	}
	return out
}
