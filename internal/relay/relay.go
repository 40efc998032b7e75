package relay

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/metric/noop"

	"relaychat/internal/fanout"
	"relaychat/internal/logx"
	"relaychat/internal/telemetry"
	. "relaychat/pkg/chat"
)

const (
	DefaultMinBackoff = 100 * time.Millisecond
	DefaultMaxBackoff = 5 * time.Second
)

// Relay turns bus events into writes on the sockets this process holds.
type Relay struct {
	bus      Bus
	tables   *fanout.Tables
	serverID string
	metrics  *telemetry.Metrics
	log      zerolog.Logger

	MinBackoff time.Duration
	MaxBackoff time.Duration

	ready     chan struct{}
	readyOnce sync.Once
}

func NewRelay(bus Bus, tables *fanout.Tables, serverID string, metrics *telemetry.Metrics) *Relay {
	if metrics == nil {
		metrics, _ = telemetry.NewMetricsFrom(noop.NewMeterProvider())
	}
	return &Relay{
		bus:        bus,
		tables:     tables,
		serverID:   serverID,
		metrics:    metrics,
		log:        logx.Component("relay").With().Str("server_id", serverID).Logger(),
		MinBackoff: DefaultMinBackoff,
		MaxBackoff: DefaultMaxBackoff,
		ready:      make(chan struct{}),
	}
}

// Ready is closed once the first subscription is live.
func (r *Relay) Ready() <-chan struct{} { return r.ready }

// Publish stamps the event with this server's identity and sends it.
func (r *Relay) Publish(ctx context.Context, event Event) error {
	event.Origin = r.serverID
	if err := r.bus.Publish(ctx, event); err != nil {
		return err
	}
	r.metrics.EventsSent.Add(ctx, 1, telemetry.Kind(string(event.Kind)))
	return nil
}

// Run subscribes and delivers events until ctx ends. A failed or dropped
// subscription is retried with exponential backoff.
func (r *Relay) Run(ctx context.Context) error {
	backoff := r.MinBackoff

	for {
		sub, err := r.bus.Subscribe(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			r.log.Warn().Err(err).Dur("backoff", backoff).Msg("subscribe failed")
			r.metrics.Resubscribes.Add(ctx, 1)
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff = min(backoff*2, r.MaxBackoff)
			continue
		}

		r.log.Info().Msg("relay subscribed")
		r.readyOnce.Do(func() { close(r.ready) })
		backoff = r.MinBackoff

		r.consume(ctx, sub)
		sub.Close()

		if ctx.Err() != nil {
			r.log.Info().Msg("relay stopped")
			return nil
		}
		r.log.Warn().Msg("relay subscription ended, resubscribing")
		r.metrics.Resubscribes.Add(ctx, 1)
		if !sleep(ctx, backoff) {
			return nil
		}
	}
}

func (r *Relay) consume(ctx context.Context, sub Subscription) {
	events := sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			r.Deliver(ctx, event)
		}
	}
}

// Deliver writes one event to the matching local connections. Writes are
// sequential, so a stalled socket delays the rest of the stream by at most
// its write deadline.
func (r *Relay) Deliver(ctx context.Context, event Event) {
	r.metrics.EventsReceived.Add(ctx, 1, telemetry.Kind(string(event.Kind)))

	switch event.Kind {
	case KindRoomMessage:
		for _, m := range r.tables.RoomMembers(event.Target) {
			if event.Origin == r.serverID && m.User == event.Sender {
				continue
			}
			r.send(ctx, m.Conn, event.Text, event.Kind)
		}
	case KindNotifyMessage:
		line := Notification(event.Target, event.Text)
		for _, conn := range r.tables.Subscribers(event.Target) {
			r.send(ctx, conn, line, event.Kind)
		}
	}
}

// Write failures are left for the connection's own close path.
func (r *Relay) send(ctx context.Context, conn fanout.Conn, line string, kind EventKind) {
	if err := conn.Send(line); err != nil {
		r.metrics.DeliveryErrors.Add(ctx, 1, telemetry.Kind(string(kind)))
		r.log.Debug().Err(err).Str("conn_id", conn.ID()).Msg("delivery failed")
		return
	}
	r.metrics.Deliveries.Add(ctx, 1, telemetry.Kind(string(kind)))
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
