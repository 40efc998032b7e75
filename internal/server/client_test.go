package server

import (
	"errors"
	"net"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_WriteTimeouts(t *testing.T) {
	tests := []struct {
		name  string
		write func(c *Client) error
		limit time.Duration
	}{
		{"relayed line uses delivery timeout", func(c *Client) error { return c.Send("a: hello") }, time.Second},
		{"reply uses write timeout", func(c *Client) error { return c.reply("Joined room garden") }, 3 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Nobody reads the peer end, so every write stalls until its
			// deadline.
			local, peer := net.Pipe()
			defer local.Close()
			defer peer.Close()

			s := &Server{
				opts: Options{WriteTimeout: 2 * time.Second, DeliveryTimeout: 50 * time.Millisecond},
				log:  zerolog.Nop(),
			}
			c := newClient(s, local)

			start := time.Now()
			err := tt.write(c)
			elapsed := time.Since(start)

			require.Error(t, err)
			assert.True(t, errors.Is(err, os.ErrDeadlineExceeded), "got %v", err)
			assert.Less(t, elapsed, tt.limit)
		})
	}
}

func TestNew_DeliveryTimeoutDefaultsToWriteTimeout(t *testing.T) {
	cluster := newTestCluster(t, 1)
	srv := cluster.servers[0]

	assert.Equal(t, srv.opts.WriteTimeout, srv.opts.DeliveryTimeout)
}
