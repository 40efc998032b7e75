package server

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"relaychat/internal/telemetry"
	. "relaychat/pkg/chat"
)

var (
	ErrMissingArgument = errors.New("missing argument")
	ErrNotRegistered   = errors.New("connection not registered")
)

// splitCommand separates the command word from its trimmed argument.
func splitCommand(line string) (cmd, arg string) {
	cmd, rest, _ := strings.Cut(line, " ")
	return cmd, strings.TrimSpace(rest)
}

// handleLine runs one command. Any error or panic is answered with the
// generic error line; the connection stays open.
func (s *Server) handleLine(c *Client, line string) {
	ctx, cancel := storeContext()
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("line", line).Msg("command panicked")
			s.metrics.CommandErrors.Add(ctx, 1)
			c.reply(ReplyCommandError)
		}
	}()

	if err := s.dispatch(ctx, c, line); err != nil {
		c.log.Warn().Err(err).Str("line", line).Msg("error processing command")
		s.metrics.CommandErrors.Add(ctx, 1)
		c.reply(ReplyCommandError)
	}
}

func (s *Server) dispatch(ctx context.Context, c *Client, line string) error {
	cmd, arg := splitCommand(line)
	s.metrics.Commands.Add(ctx, 1, telemetry.Kind(commandName(cmd)))

	switch cmd {
	case "/join":
		if arg == "" {
			return ErrMissingArgument
		}
		return s.moveUser(ctx, c, arg, "Joined room "+arg)
	case "/leave":
		return s.moveUser(ctx, c, Lobby, "Returned to "+Lobby)
	case "/rooms":
		return s.listRooms(ctx, c)
	case "/users":
		return s.listUsers(ctx, c)
	case "/subscribe":
		return s.subscribe(ctx, c, arg)
	case "/unsubscribe":
		return s.unsubscribe(ctx, c, arg)
	case "/publish":
		if arg == "" {
			return ErrMissingArgument
		}
		return s.relay.Publish(ctx, Event{
			Kind:   KindNotifyMessage,
			Target: c.user,
			Text:   arg,
			Sender: c.user,
		})
	default:
		return s.broadcast(ctx, c, line)
	}
}

// commandName keeps metric cardinality bounded.
func commandName(cmd string) string {
	switch cmd {
	case "/join", "/leave", "/rooms", "/users", "/subscribe", "/unsubscribe", "/publish":
		return strings.TrimPrefix(cmd, "/")
	}
	return "message"
}

func (s *Server) broadcast(ctx context.Context, c *Client, line string) error {
	room, ok := s.tables.RoomOfConn(c)
	if !ok {
		return ErrNotRegistered
	}
	return s.relay.Publish(ctx, Event{
		Kind:   KindRoomMessage,
		Target: room,
		Text:   fmt.Sprintf("%s: %s", c.user, line),
		Sender: c.user,
	})
}

// moveUser updates the local tables first so this server's next broadcast
// already sees the new room, then the shared directory. A connection
// replaced by a newer login of the same user only moves locally.
func (s *Server) moveUser(ctx context.Context, c *Client, room, reply string) error {
	old, ok := s.tables.Move(c, room)
	if !ok {
		return ErrNotRegistered
	}

	if old != room && s.tables.Current(c) {
		if err := s.directory.RemoveUserFromRoom(ctx, c.user, old); err != nil {
			return err
		}
		if err := s.directory.AddUserToRoom(ctx, c.user, room); err != nil {
			return err
		}
	}

	c.reply(reply)
	if old == room {
		return nil
	}

	s.announce(ctx, old, c.user, fmt.Sprintf("%s left %s", c.user, old))
	s.announce(ctx, room, c.user, fmt.Sprintf("%s joined %s", c.user, room))

	if err := s.audit.LogRoomJoin(c.user, old, room); err != nil {
		c.log.Error().Err(err).Msg("failed to record room change")
	}
	c.log.Debug().Str("from", old).Str("room", room).Msg("user moved")
	return nil
}

// announce publishes a room line on behalf of user; the relay keeps it off
// the user's own socket.
func (s *Server) announce(ctx context.Context, room, user, text string) {
	err := s.relay.Publish(ctx, Event{
		Kind:   KindRoomMessage,
		Target: room,
		Text:   text,
		Sender: user,
	})
	if err != nil {
		s.log.Warn().Err(err).Str("room", room).Str("user", user).Msg("announcement failed")
	}
}

func (s *Server) listRooms(ctx context.Context, c *Client) error {
	rooms, err := s.directory.Rooms(ctx)
	if err != nil {
		return err
	}
	c.reply(RoomsListingPrefix + FormatRooms(rooms))
	return nil
}

// FormatRooms renders rooms as name(count) pairs sorted by name.
func FormatRooms(rooms map[string]int64) string {
	names := make([]string, 0, len(rooms))
	for name := range rooms {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s(%d)", name, rooms[name])
	}
	return strings.Join(parts, ", ")
}

func (s *Server) listUsers(ctx context.Context, c *Client) error {
	users, err := s.presence.OnlineUsers(ctx)
	if err != nil {
		return err
	}
	c.reply(UsersListingPrefix + strings.Join(users, ", "))
	return nil
}

// knownUser reports whether target exists, answering the client when it
// does not.
func (s *Server) knownUser(c *Client, target string) (bool, error) {
	if target == "" {
		return false, ErrMissingArgument
	}
	exists, err := s.creds.Exists(target)
	if err != nil {
		return false, err
	}
	if !exists {
		c.reply(ReplyUnknownUser)
	}
	return exists, nil
}

func (s *Server) subscribe(ctx context.Context, c *Client, publisher string) error {
	ok, err := s.knownUser(c, publisher)
	if !ok || err != nil {
		return err
	}

	if err := s.directory.Subscribe(ctx, publisher, c.user); err != nil {
		return err
	}
	s.tables.Subscribe(publisher, c)

	c.reply("Subscribed to " + publisher)
	return nil
}

func (s *Server) unsubscribe(ctx context.Context, c *Client, publisher string) error {
	ok, err := s.knownUser(c, publisher)
	if !ok || err != nil {
		return err
	}

	if err := s.directory.Unsubscribe(ctx, publisher, c.user); err != nil {
		return err
	}
	s.tables.Unsubscribe(publisher, c)

	c.reply("Unsubscribed from " + publisher)
	return nil
}
