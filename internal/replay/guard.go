// Package replay rejects stale, future-dated and repeated signed requests.
//
// A request is fresh when its timestamp lies within [now-TimestampTTL, now+ClockSkew].
// A fresh request's (did, nonce) pair is remembered for NonceTTL counted from
// the later of now and its timestamp. The envelope stops being fresh at
// timestamp+TimestampTTL, and since NonceTTL exceeds TimestampTTL any replay of
// a remembered pair is either still in the store or already too old to pass
// the timestamp check, future-dated envelopes included.
package replay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/RegistryAccord/registryaccord-didwba-go/internal/storage"
)

var (
	ErrTimestampExpired  = errors.New("timestamp expired")
	ErrTimestampInFuture = errors.New("timestamp in future")
	ErrNonceReplayed     = errors.New("nonce replayed")
)

// Options configures a Guard.
type Options struct {
	TimestampTTL  time.Duration
	NonceTTL      time.Duration
	ClockSkew     time.Duration
	SweepInterval time.Duration
	Clock         clock.Clock
	Logger        *slog.Logger
}

// Guard checks request freshness and records nonces in a storage.ReplayStore.
type Guard struct {
	store         storage.ReplayStore
	timestampTTL  time.Duration
	nonceTTL      time.Duration
	skew          time.Duration
	sweepInterval time.Duration
	clock         clock.Clock
	logger        *slog.Logger
}

// NewGuard validates opts and returns a Guard over store.
func NewGuard(store storage.ReplayStore, opts Options) (*Guard, error) {
	if store == nil {
		return nil, errors.New("replay store is required")
	}
	if opts.TimestampTTL <= 0 {
		return nil, errors.New("timestamp ttl must be > 0")
	}
	if opts.NonceTTL <= opts.TimestampTTL {
		return nil, fmt.Errorf("nonce ttl (%s) must exceed timestamp ttl (%s)", opts.NonceTTL, opts.TimestampTTL)
	}
	if opts.ClockSkew < 0 {
		return nil, errors.New("clock skew must be >= 0")
	}
	g := &Guard{
		store:         store,
		timestampTTL:  opts.TimestampTTL,
		nonceTTL:      opts.NonceTTL,
		skew:          opts.ClockSkew,
		sweepInterval: opts.SweepInterval,
		clock:         opts.Clock,
		logger:        opts.Logger,
	}
	if g.clock == nil {
		g.clock = clock.New()
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.sweepInterval <= 0 {
		g.sweepInterval = 30 * time.Second
	}
	return g, nil
}

// Now returns the guard's notion of the current time.
func (g *Guard) Now() time.Time {
	return g.clock.Now()
}

// CheckAndRecord accepts a request timestamped ts with the given nonce, or
// returns ErrTimestampExpired, ErrTimestampInFuture or ErrNonceReplayed.
// On success the nonce is recorded before CheckAndRecord returns.
func (g *Guard) CheckAndRecord(ctx context.Context, did, nonce string, ts, now time.Time) error {
	if age := now.Sub(ts); age > g.timestampTTL {
		return fmt.Errorf("%w: age %s exceeds %s", ErrTimestampExpired, age.Truncate(time.Second), g.timestampTTL)
	}
	if ahead := ts.Sub(now); ahead > g.skew {
		return fmt.Errorf("%w: %s ahead of server clock", ErrTimestampInFuture, ahead.Truncate(time.Second))
	}

	// a future-dated envelope stays fresh past now+TimestampTTL
	base := now
	if ts.After(now) {
		base = ts
	}
	replayed, err := g.store.Record(ctx, storage.ReplayKey{DID: did, Nonce: nonce}, now, base.Add(g.nonceTTL))
	if err != nil {
		return fmt.Errorf("record nonce: %w", err)
	}
	if replayed {
		return ErrNonceReplayed
	}
	return nil
}

// Sweep removes expired records once.
func (g *Guard) Sweep(ctx context.Context) (int, error) {
	return g.store.SweepExpired(ctx, g.clock.Now())
}

// Run sweeps expired records every SweepInterval until ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	ticker := g.clock.Ticker(g.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed, err := g.Sweep(ctx)
			if err != nil {
				if ctx.Err() == nil {
					g.logger.Warn("replay sweep failed", "error", err)
				}
				continue
			}
			if removed > 0 {
				g.logger.Debug("replay sweep", "removed", removed)
			}
		}
	}
}
