package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relaychat/internal/fanout"
	"relaychat/internal/store"
	. "relaychat/pkg/chat"
)

type recordingConn struct {
	id   string
	fail bool

	mu    sync.Mutex
	lines []string
}

func (c *recordingConn) ID() string { return c.id }

func (c *recordingConn) Send(line string) error {
	if c.fail {
		return errors.New("broken pipe")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
	return nil
}

func (c *recordingConn) Lines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func TestRelay_DeliverRoomMessage(t *testing.T) {
	tables := fanout.NewTables()
	sender := &recordingConn{id: "1"}
	peer := &recordingConn{id: "2"}
	elsewhere := &recordingConn{id: "3"}
	tables.Register(sender, "a", "garden")
	tables.Register(peer, "b", "garden")
	tables.Register(elsewhere, "c", Lobby)

	r := NewRelay(nil, tables, "server1", nil)

	tests := []struct {
		name       string
		origin     string
		wantSender []string
	}{
		{name: "own origin skips sender", origin: "server1", wantSender: nil},
		{name: "remote origin reaches same username", origin: "server2", wantSender: []string{"a: hi"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender.lines, peer.lines = nil, nil

			r.Deliver(context.Background(), Event{
				Kind: KindRoomMessage, Target: "garden", Text: "a: hi", Sender: "a", Origin: tt.origin,
			})

			assert.Equal(t, tt.wantSender, sender.Lines())
			assert.Equal(t, []string{"a: hi"}, peer.Lines())
		})
	}

	assert.Empty(t, elsewhere.Lines(), "other rooms never see the line")
}

func TestRelay_DeliverNotification(t *testing.T) {
	tables := fanout.NewTables()
	publisher := &recordingConn{id: "1"}
	follower := &recordingConn{id: "2"}
	tables.Register(publisher, "a", Lobby)
	tables.Register(follower, "b", Lobby)
	tables.Subscribe("a", follower)

	r := NewRelay(nil, tables, "server1", nil)
	r.Deliver(context.Background(), Event{
		Kind: KindNotifyMessage, Target: "a", Text: "hi", Sender: "a", Origin: "server1",
	})

	assert.Equal(t, []string{"Notification from a: hi"}, follower.Lines())
	assert.Empty(t, publisher.Lines())
}

func TestRelay_DeliverSwallowsWriteErrors(t *testing.T) {
	tables := fanout.NewTables()
	broken := &recordingConn{id: "1", fail: true}
	ok := &recordingConn{id: "2"}
	tables.Register(broken, "a", Lobby)
	tables.Register(ok, "b", Lobby)

	r := NewRelay(nil, tables, "server1", nil)
	r.Deliver(context.Background(), Event{Kind: KindRoomMessage, Target: Lobby, Text: "c: x", Sender: "c"})

	assert.Equal(t, []string{"c: x"}, ok.Lines())
	assert.Equal(t, 2, tables.ConnCount(), "broken sockets are not evicted")
}

func TestRelay_RedisEndToEnd(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	bus := NewRedisBus(client, store.NewKeys("chat:"))

	tablesA, tablesB := fanout.NewTables(), fanout.NewTables()
	a := &recordingConn{id: "1"}
	b := &recordingConn{id: "2"}
	tablesA.Register(a, "a", Lobby)
	tablesB.Register(b, "b", Lobby)
	tablesB.Subscribe("a", b)

	relayA := NewRelay(bus, tablesA, "server1", nil)
	relayB := NewRelay(bus, tablesB, "server2", nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{}, 2)
	for _, r := range []*Relay{relayA, relayB} {
		go func(r *Relay) {
			r.Run(ctx)
			done <- struct{}{}
		}(r)
		<-r.Ready()
	}

	require.NoError(t, relayA.Publish(ctx, Event{Kind: KindRoomMessage, Target: Lobby, Text: "a: hello", Sender: "a"}))
	require.NoError(t, relayA.Publish(ctx, Event{Kind: KindNotifyMessage, Target: "a", Text: "hi", Sender: "a"}))

	require.Eventually(t, func() bool { return len(b.Lines()) == 2 }, 2*time.Second, 10*time.Millisecond)
	assert.ElementsMatch(t, []string{"a: hello", "Notification from a: hi"}, b.Lines())

	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, a.Lines(), "sender never sees its own line")

	cancel()
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("relay did not stop")
		}
	}
}

type flakyBus struct {
	attempts atomic.Int32
	failures int32
	events   chan Event
}

func (b *flakyBus) Publish(context.Context, Event) error { return nil }

func (b *flakyBus) Subscribe(context.Context) (Subscription, error) {
	if b.attempts.Add(1) <= b.failures {
		return nil, errors.New("connection refused")
	}
	return &chanSubscription{events: b.events}, nil
}

func (b *flakyBus) Close() error { return nil }

type chanSubscription struct {
	events chan Event
}

func (s *chanSubscription) Events() <-chan Event { return s.events }
func (s *chanSubscription) Close() error         { return nil }

func TestRelay_RunRetriesSubscribe(t *testing.T) {
	bus := &flakyBus{failures: 3, events: make(chan Event)}
	tables := fanout.NewTables()
	conn := &recordingConn{id: "1"}
	tables.Register(conn, "b", Lobby)

	r := NewRelay(bus, tables, "server1", nil)
	r.MinBackoff = time.Millisecond
	r.MaxBackoff = 4 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	select {
	case <-r.Ready():
	case <-time.After(2 * time.Second):
		t.Fatal("relay never subscribed")
	}
	assert.Equal(t, int32(4), bus.attempts.Load())

	bus.events <- Event{Kind: KindRoomMessage, Target: Lobby, Text: "a: x", Sender: "a", Origin: "server2"}
	require.Eventually(t, func() bool { return len(conn.Lines()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRelay_RunResubscribesWhenStreamCloses(t *testing.T) {
	bus := &flakyBus{events: make(chan Event)}
	r := NewRelay(bus, fanout.NewTables(), "server1", nil)
	r.MinBackoff = time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go r.Run(ctx)

	<-r.Ready()
	close(bus.events)

	require.Eventually(t, func() bool { return bus.attempts.Load() >= 2 }, time.Second, 5*time.Millisecond)
}
