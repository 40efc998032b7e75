package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"relaychat/internal/auth"
	"relaychat/internal/telemetry"
	. "relaychat/pkg/chat"
)

// Transport is a byte stream carrying newline-delimited lines. net.Conn and
// tls.Conn satisfy it; the WebSocket adapter does too.
type Transport interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Client is one accepted connection.
type Client struct {
	id        string
	server    *Server
	transport Transport
	reader    *bufio.Reader
	log       zerolog.Logger

	// user is set once the lease is held and never changes afterwards.
	user string

	writeMu   sync.Mutex
	closeOnce sync.Once
}

func newClient(s *Server, t Transport) *Client {
	id := uuid.NewString()
	return &Client{
		id:        id,
		server:    s,
		transport: t,
		reader:    bufio.NewReader(t),
		log: s.log.With().
			Str("conn_id", id).
			Str("remote", t.RemoteAddr().String()).
			Logger(),
	}
}

func (c *Client) ID() string { return c.id }

func (c *Client) User() string { return c.user }

// Send writes one relayed line. The relay delivers every event from a
// single goroutine, so a short DeliveryTimeout keeps one stalled socket from
// holding up the rest of the process.
func (c *Client) Send(line string) error {
	return c.write(line, c.server.opts.DeliveryTimeout)
}

// reply answers the client's own command or login line.
func (c *Client) reply(line string) error {
	return c.write(line, c.server.opts.WriteTimeout)
}

// write is serialized so concurrent senders never interleave lines.
func (c *Client) write(line string, timeout time.Duration) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if timeout > 0 {
		if err := c.transport.SetWriteDeadline(time.Now().Add(timeout)); err != nil {
			c.log.Debug().Err(err).Msg("failed to set write deadline")
		}
	}
	_, err := io.WriteString(c.transport, line+"\n")
	return err
}

// readLine returns the next line without its terminator. A partial line at
// EOF is discarded.
func (c *Client) readLine() (string, error) {
	if d := c.server.opts.IdleTimeout; d > 0 {
		c.transport.SetReadDeadline(time.Now().Add(d))
	}
	line, err := c.reader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}

// close runs the session teardown and closes the transport, exactly once.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		if c.user != "" {
			c.server.endSession(c)
		}
		c.transport.Close()
	})
}

// ServeConn runs the protocol on t until the peer goes away. It blocks.
func (s *Server) ServeConn(t Transport) {
	c := newClient(s, t)
	if !s.track(c) {
		t.Close()
		return
	}
	defer s.untrack(c)
	defer c.close()

	c.log.Debug().Msg("connection accepted")

	if !s.authenticate(c) {
		return
	}
	s.beginSession(c)

	for {
		line, err := c.readLine()
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				c.log.Debug().Err(err).Msg("read failed")
			}
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.handleLine(c, line)
	}
}

// authenticate reads the LOGIN line and acquires the user's lease. Every
// failure answers with one line and leaves the connection to be closed.
func (s *Server) authenticate(c *Client) bool {
	line, err := c.readLine()
	if err != nil {
		return false
	}

	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "LOGIN" {
		c.reply(ReplyInvalidLogin)
		s.countLogin("invalid")
		return false
	}
	username, hash := fields[1], fields[2]
	log := c.log.With().Str("user", username).Logger()

	if _, err := s.creds.Authenticate(username, hash); err != nil {
		if !errors.Is(err, auth.ErrAuthFailed) {
			log.Error().Err(err).Msg("credential lookup failed")
		}
		c.reply(ReplyAuthFailed)
		s.countLogin("failed")
		return false
	}

	ctx, cancel := storeContext()
	defer cancel()

	ok, err := s.presence.Acquire(ctx, username)
	if err != nil {
		log.Error().Err(err).Msg("lease acquisition failed")
		c.reply(ReplyCommandError)
		s.countLogin("error")
		return false
	}
	if !ok {
		c.reply(ReplyAlreadyActive)
		s.countLogin("active")
		return false
	}

	c.user = username
	c.log = log
	c.reply(LoginSuccess(Lobby))
	s.countLogin("ok")
	return true
}

// beginSession places the user in the lobby, locally and in the shared
// directory, and restores subscriptions that survived a previous session.
func (s *Server) beginSession(c *Client) {
	ctx, cancel := storeContext()
	defer cancel()

	replacedRoom, replaced := s.tables.Register(c, c.user, Lobby)
	s.metrics.Connections.Add(ctx, 1)

	if err := s.directory.AddUserToRoom(ctx, c.user, Lobby); err != nil {
		c.log.Error().Err(err).Msg("failed to join lobby")
	}
	// An older socket of this user outlived its lease on this server. From
	// here on it only has local state, so its shared room membership goes.
	if replaced && replacedRoom != Lobby {
		if err := s.directory.RemoveUserFromRoom(ctx, c.user, replacedRoom); err != nil {
			c.log.Error().Err(err).Str("room", replacedRoom).Msg("failed to leave replaced session's room")
		}
	}

	publishers, err := s.directory.Subscriptions(ctx, c.user)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to restore subscriptions")
	}
	for _, pub := range publishers {
		s.tables.Subscribe(pub, c)
	}

	if err := s.audit.LogLogin(c.user); err != nil {
		c.log.Error().Err(err).Msg("failed to record login")
	}
	c.log.Info().Int("subscriptions", len(publishers)).Msg("user logged in")

	s.announce(ctx, Lobby, c.user, fmt.Sprintf("%s joined the lobby", c.user))
}

// endSession undoes beginSession. Shared state is only cleared while this
// connection is the user's current local session and this server still owns
// the lease, so a session re-established here or elsewhere is left alone.
func (s *Server) endSession(c *Client) {
	ctx, cancel := storeContext()
	defer cancel()

	reg, registered := s.tables.Unregister(c)
	user, room := reg.User, reg.Room
	if !registered {
		user = c.user
	} else {
		s.metrics.Connections.Add(ctx, -1)
	}

	if reg.Superseded {
		if err := s.audit.LogLogout(user, room); err != nil {
			c.log.Error().Err(err).Msg("failed to record logout")
		}
		c.log.Info().Str("room", room).Msg("replaced session disconnected")
		return
	}

	owner, err := s.presence.Owner(ctx, user)
	if err != nil {
		c.log.Error().Err(err).Msg("failed to read lease owner")
	}
	if err == nil && (owner == "" || owner == s.serverID) {
		if room != "" {
			if err := s.directory.RemoveUserFromRoom(ctx, user, room); err != nil {
				c.log.Error().Err(err).Str("room", room).Msg("failed to leave room")
			}
		}
		if err := s.directory.ClearSubscriptions(ctx, user); err != nil {
			c.log.Error().Err(err).Msg("failed to clear subscriptions")
		}
		if err := s.directory.ClearSession(ctx, user); err != nil {
			c.log.Error().Err(err).Msg("failed to clear session")
		}
		if _, err := s.presence.Release(ctx, user); err != nil {
			c.log.Error().Err(err).Msg("failed to release lease")
		}
	} else if err == nil {
		c.log.Warn().Str("owner", owner).Msg("lease held elsewhere, leaving shared state")
	}

	if room != "" {
		s.announce(ctx, room, user, fmt.Sprintf("%s disconnected", user))
	}
	if err := s.audit.LogLogout(user, room); err != nil {
		c.log.Error().Err(err).Msg("failed to record logout")
	}
	c.log.Info().Str("room", room).Msg("user disconnected")
}

func (s *Server) countLogin(result string) {
	s.metrics.Logins.Add(context.Background(), 1, telemetry.Result(result))
}
