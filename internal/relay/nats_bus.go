package relay

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"relaychat/internal/logx"
	. "relaychat/pkg/chat"
)

const (
	natsRoomSubject   = "chat.room."
	natsNotifySubject = "chat.notify."
)

// NATSBus carries events on NATS subjects. Targets are base64url encoded
// since room names may contain dots or wildcards.
type NATSBus struct {
	nc  *nats.Conn
	log zerolog.Logger
}

// ConnectNATS dials url with unlimited reconnects.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	log := logx.Component("nats-bus")

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS at %s: %w", url, err)
	}
	return nc, nil
}

func NewNATSBus(nc *nats.Conn) *NATSBus {
	return &NATSBus{nc: nc, log: logx.Component("nats-bus")}
}

func natsSubject(event Event) string {
	token := base64.RawURLEncoding.EncodeToString([]byte(event.Target))
	if event.Kind == KindNotifyMessage {
		return natsNotifySubject + token
	}
	return natsRoomSubject + token
}

func (b *NATSBus) Publish(_ context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}
	payload, err := event.Marshal()
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := b.nc.Publish(natsSubject(event), payload); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Kind, event.Target, err)
	}
	return nil
}

func (b *NATSBus) Subscribe(_ context.Context) (Subscription, error) {
	if b.nc.IsClosed() {
		return nil, ErrBusClosed
	}

	msgs := make(chan *nats.Msg, 64)
	var subs []*nats.Subscription
	for _, subject := range []string{natsRoomSubject + "*", natsNotifySubject + "*"} {
		sub, err := b.nc.ChanSubscribe(subject, msgs)
		if err != nil {
			for _, s := range subs {
				s.Unsubscribe()
			}
			return nil, fmt.Errorf("subscribe %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}
	// Flush so the server has registered interest before we return.
	if err := b.nc.Flush(); err != nil {
		for _, s := range subs {
			s.Unsubscribe()
		}
		return nil, fmt.Errorf("flush subscriptions: %w", err)
	}

	sub := &natsSubscription{
		subs:   subs,
		msgs:   msgs,
		events: make(chan Event, 64),
		done:   make(chan struct{}),
		log:    b.log,
	}
	go sub.pump()
	return sub, nil
}

func (b *NATSBus) Close() error {
	b.nc.Close()
	return nil
}

type natsSubscription struct {
	subs   []*nats.Subscription
	msgs   chan *nats.Msg
	events chan Event
	done   chan struct{}
	once   sync.Once
	log    zerolog.Logger
}

func (s *natsSubscription) pump() {
	defer close(s.events)

	for {
		select {
		case <-s.done:
			return
		case msg := <-s.msgs:
			event, err := UnmarshalEvent(msg.Data)
			if err != nil {
				s.log.Warn().Err(err).Str("subject", msg.Subject).Msg("dropping malformed event")
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

func (s *natsSubscription) Events() <-chan Event { return s.events }

func (s *natsSubscription) Close() error {
	var err error
	s.once.Do(func() {
		for _, sub := range s.subs {
			if uerr := sub.Unsubscribe(); uerr != nil && err == nil {
				err = uerr
			}
		}
		close(s.done)
	})
	return err
}
