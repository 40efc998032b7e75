package presence

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"relaychat/internal/logx"
)

// Renewer is the part of Manager the heartbeat needs.
type Renewer interface {
	Renew(ctx context.Context, user string) (bool, error)
}

// Heartbeat periodically renews the leases of every user active on this
// server. A user whose lease cannot be renewed is handed to OnLost; the
// socket itself is left open.
type Heartbeat struct {
	renewer  Renewer
	interval time.Duration
	active   func() []string
	onLost   func(user string)
	log      zerolog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
}

func NewHeartbeat(renewer Renewer, interval time.Duration, active func() []string, onLost func(user string)) *Heartbeat {
	return &Heartbeat{
		renewer:  renewer,
		interval: interval,
		active:   active,
		onLost:   onLost,
		log:      logx.Component("heartbeat"),
	}
}

// Start runs the loop until ctx is canceled or Stop is called. It blocks.
func (h *Heartbeat) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.mu.Lock()
	h.cancel = cancel
	h.mu.Unlock()

	h.wg.Add(1)
	defer h.wg.Done()
	defer cancel()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.log.Info().Dur("interval", h.interval).Msg("heartbeat started")

	for {
		select {
		case <-ticker.C:
			h.Beat(ctx)
		case <-ctx.Done():
			h.log.Info().Msg("heartbeat stopped")
			return
		}
	}
}

// Beat renews every active lease once. Store errors are logged and retried
// on the next tick; only a definitive refusal counts as a lost lease.
func (h *Heartbeat) Beat(ctx context.Context) {
	for _, user := range h.active() {
		ok, err := h.renewer.Renew(ctx, user)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			h.log.Warn().Err(err).Str("user", user).Msg("lease renewal failed, retrying next tick")
			continue
		}
		if !ok {
			h.log.Warn().Str("user", user).Msg("lease lost")
			if h.onLost != nil {
				h.onLost(user)
			}
		}
	}
}

// Stop cancels the loop and waits for it to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel := h.cancel
	h.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	h.wg.Wait()
}
