package federation

import (
	"context"
	"net"
	"time"

	"github.com/ehrlich-b/crabcity/internal/capability"
	"github.com/ehrlich-b/crabcity/internal/logger"
)

// backoff is the exponential-with-cap retry schedule a dialing peer
// uses between failed connection attempts. Adapted from
// internal/ws/backoff.go's Backoff in the reference tree (same
// doubling-with-ceiling shape; this package's use case is dialing a
// peer daemon instead of a browser reconnecting to the relay).
type backoff struct {
	base    time.Duration
	max     time.Duration
	attempt int
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{base: base, max: max}
}

func (b *backoff) next() time.Duration {
	d := b.base << b.attempt
	if d > b.max || d <= 0 {
		d = b.max
	}
	b.attempt++
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}

// DialWithRetry dials addr and performs the handshake, retrying with
// exponential backoff (100ms base, 30s cap) until ctx is canceled or
// a dial succeeds. resumeToken carries the last envelope seq this
// peer has already consumed, letting the daemon replay the gap or
// respond with a forced re-attach if the buffer has moved past it.
func DialWithRetry(ctx context.Context, addr string, chain *capability.Chain, leafKey *capability.SigningKey, expectedDaemonKey capability.PublicKey, resumeToken *uint64) (*Conn, error) {
	bo := newBackoff(100*time.Millisecond, 30*time.Second)
	var dialer net.Dialer

	for {
		netConn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			conn, err := Dial(netConn, chain, leafKey, expectedDaemonKey, resumeToken)
			if err == nil {
				return conn, nil
			}
			netConn.Close()
			logger.Warn("federation handshake failed, retrying", "addr", addr, "err", err)
		} else {
			logger.Warn("federation dial failed, retrying", "addr", addr, "err", err)
		}

		wait := bo.next()
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(wait):
		}
	}
}
