package relay

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"relaychat/internal/logx"
	"relaychat/internal/store"
	. "relaychat/pkg/chat"
)

// RedisBus carries events on Redis pub/sub channels, one per room and one
// per publisher, and subscribes with patterns.
type RedisBus struct {
	client redis.UniversalClient
	keys   store.Keys
	log    zerolog.Logger
}

func NewRedisBus(client redis.UniversalClient, keys store.Keys) *RedisBus {
	return &RedisBus{client: client, keys: keys, log: logx.Component("redis-bus")}
}

func (b *RedisBus) channel(event Event) string {
	if event.Kind == KindNotifyMessage {
		return b.keys.NotifyChannel(event.Target)
	}
	return b.keys.RoomChannel(event.Target)
}

func (b *RedisBus) Publish(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.client.Publish(ctx, b.channel(event), payload).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Kind, event.Target, err)
	}
	return nil
}

// Subscribe returns once Redis has confirmed the pattern subscriptions, so
// events published afterwards are not missed.
func (b *RedisBus) Subscribe(ctx context.Context) (Subscription, error) {
	ps := b.client.PSubscribe(ctx, b.keys.RoomChannelPattern(), b.keys.NotifyChannelPattern())
	for i := 0; i < 2; i++ {
		if _, err := ps.Receive(ctx); err != nil {
			ps.Close()
			return nil, fmt.Errorf("psubscribe: %w", err)
		}
	}

	sub := &redisSubscription{
		ps:     ps,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		log:    b.log,
	}
	go sub.pump()
	return sub, nil
}

// Close is a no-op; the Redis client is owned by the caller.
func (b *RedisBus) Close() error { return nil }

type redisSubscription struct {
	ps     *redis.PubSub
	events chan Event
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func (s *redisSubscription) pump() {
	defer close(s.events)

	ch := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event, err := UnmarshalEvent([]byte(msg.Payload))
			if err != nil {
				s.log.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed event")
				continue
			}
			select {
			case s.events <- event:
			case <-s.done:
				return
			}
		}
	}
}

func (s *redisSubscription) Events() <-chan Event { return s.events }

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}
