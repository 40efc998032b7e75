// Package directory keeps room membership, known rooms, subscription edges
// and session pointers in the shared store.
package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"relaychat/internal/store"
	. "relaychat/pkg/chat"
)

var ErrEmptyName = errors.New("name cannot be empty")

type DirectoryService struct {
	client   redis.UniversalClient
	keys     store.Keys
	serverID string
}

func NewDirectoryService(client redis.UniversalClient, keys store.Keys, serverID string) *DirectoryService {
	return &DirectoryService{client: client, keys: keys, serverID: serverID}
}

// EnsureLobby registers the lobby in the known rooms set.
func (s *DirectoryService) EnsureLobby(ctx context.Context) error {
	if err := s.client.SAdd(ctx, s.keys.KnownRooms(), Lobby).Err(); err != nil {
		return fmt.Errorf("ensure lobby: %w", err)
	}
	return nil
}

// AddUserToRoom records user as a member of room and points its session at
// this server.
func (s *DirectoryService) AddUserToRoom(ctx context.Context, user, room string) error {
	if user == "" || room == "" {
		return ErrEmptyName
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.keys.KnownRooms(), room)
		pipe.SAdd(ctx, s.keys.Room(room), user)
		pipe.HSet(ctx, s.keys.Session(user), "room", room, "server", s.serverID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add %s to room %s: %w", user, room, err)
	}
	return nil
}

// RemoveUserFromRoom drops user from room. A room other than the lobby is
// forgotten once it has no members. The emptiness check and the delete are
// separate commands, so a concurrent join on another server can race it.
func (s *DirectoryService) RemoveUserFromRoom(ctx context.Context, user, room string) error {
	if err := s.client.SRem(ctx, s.keys.Room(room), user).Err(); err != nil {
		return fmt.Errorf("remove %s from room %s: %w", user, room, err)
	}
	if room == Lobby {
		return nil
	}

	n, err := s.client.SCard(ctx, s.keys.Room(room)).Result()
	if err != nil {
		return fmt.Errorf("count room %s: %w", room, err)
	}
	if n > 0 {
		return nil
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.Room(room))
		pipe.SRem(ctx, s.keys.KnownRooms(), room)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete room %s: %w", room, err)
	}
	return nil
}

// Rooms returns every known room with its member count. The lobby is
// always present.
func (s *DirectoryService) Rooms(ctx context.Context) (map[string]int64, error) {
	names, err := s.client.SMembers(ctx, s.keys.KnownRooms()).Result()
	if err != nil {
		return nil, fmt.Errorf("list rooms: %w", err)
	}

	cmds := make(map[string]*redis.IntCmd, len(names)+1)
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, name := range names {
			cmds[name] = pipe.SCard(ctx, s.keys.Room(name))
		}
		if _, ok := cmds[Lobby]; !ok {
			cmds[Lobby] = pipe.SCard(ctx, s.keys.Room(Lobby))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("count rooms: %w", err)
	}

	rooms := make(map[string]int64, len(cmds))
	for name, cmd := range cmds {
		rooms[name] = cmd.Val()
	}
	return rooms, nil
}

func (s *DirectoryService) RoomMembers(ctx context.Context, room string) ([]string, error) {
	members, err := s.client.SMembers(ctx, s.keys.Room(room)).Result()
	if err != nil {
		return nil, fmt.Errorf("list members of %s: %w", room, err)
	}
	return members, nil
}

// Subscribe adds the edge publisher -> subscriber to both mirrors in one
// transaction. Adding an existing edge is a no-op.
func (s *DirectoryService) Subscribe(ctx context.Context, publisher, subscriber string) error {
	if publisher == "" || subscriber == "" {
		return ErrEmptyName
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, s.keys.Subscribers(publisher), subscriber)
		pipe.SAdd(ctx, s.keys.Subscriptions(subscriber), publisher)
		return nil
	})
	if err != nil {
		return fmt.Errorf("subscribe %s to %s: %w", subscriber, publisher, err)
	}
	return nil
}

// Unsubscribe removes the edge from both mirrors. Removing a missing edge is
// a no-op.
func (s *DirectoryService) Unsubscribe(ctx context.Context, publisher, subscriber string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SRem(ctx, s.keys.Subscribers(publisher), subscriber)
		pipe.SRem(ctx, s.keys.Subscriptions(subscriber), publisher)
		return nil
	})
	if err != nil {
		return fmt.Errorf("unsubscribe %s from %s: %w", subscriber, publisher, err)
	}
	return nil
}

// Subscriptions lists the publishers subscriber follows.
func (s *DirectoryService) Subscriptions(ctx context.Context, subscriber string) ([]string, error) {
	pubs, err := s.client.SMembers(ctx, s.keys.Subscriptions(subscriber)).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscriptions of %s: %w", subscriber, err)
	}
	return pubs, nil
}

// Subscribers lists the users following publisher.
func (s *DirectoryService) Subscribers(ctx context.Context, publisher string) ([]string, error) {
	subs, err := s.client.SMembers(ctx, s.keys.Subscribers(publisher)).Result()
	if err != nil {
		return nil, fmt.Errorf("list subscribers of %s: %w", publisher, err)
	}
	return subs, nil
}

// ClearSubscriptions removes every edge where subscriber is the follower,
// from both mirrors. Edges where the user is the publisher are kept.
func (s *DirectoryService) ClearSubscriptions(ctx context.Context, subscriber string) error {
	pubs, err := s.Subscriptions(ctx, subscriber)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, pub := range pubs {
			pipe.SRem(ctx, s.keys.Subscribers(pub), subscriber)
		}
		pipe.Del(ctx, s.keys.Subscriptions(subscriber))
		return nil
	})
	if err != nil {
		return fmt.Errorf("clear subscriptions of %s: %w", subscriber, err)
	}
	return nil
}

func (s *DirectoryService) ClearSession(ctx context.Context, user string) error {
	if err := s.client.Del(ctx, s.keys.Session(user)).Err(); err != nil {
		return fmt.Errorf("clear session of %s: %w", user, err)
	}
	return nil
}

// Session returns the room and server recorded for user, if any.
func (s *DirectoryService) Session(ctx context.Context, user string) (room, server string, err error) {
	vals, err := s.client.HGetAll(ctx, s.keys.Session(user)).Result()
	if err != nil {
		return "", "", fmt.Errorf("read session of %s: %w", user, err)
	}
	return vals["room"], vals["server"], nil
}
