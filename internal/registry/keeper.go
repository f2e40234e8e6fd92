package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/flarewatch/server/internal/wire"
)

// Keeper runs the background heartbeat and idle-reaper loops over a
// Registry. The heartbeat pushes a server heartbeat frame to every live
// connection; the reaper evicts connections whose last client activity is
// older than the idle timeout.
type Keeper struct {
	reg         *Registry
	interval    time.Duration
	idleTimeout time.Duration
	sweepEvery  time.Duration
	logger      *slog.Logger

	// onEvict lets the transport layer close the underlying socket when
	// the reaper (not the client) ends the connection.
	onEvict func(*Conn)
}

// NewKeeper creates a Keeper. interval is the heartbeat period, idleTimeout
// the maximum client silence before eviction. onEvict may be nil.
func NewKeeper(reg *Registry, interval, idleTimeout time.Duration, logger *slog.Logger, onEvict func(*Conn)) *Keeper {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Keeper{
		reg:         reg,
		interval:    interval,
		idleTimeout: idleTimeout,
		sweepEvery:  time.Minute,
		logger:      logger,
		onEvict:     onEvict,
	}
}

// Run blocks until ctx is cancelled, ticking the heartbeat and reaper loops.
func (k *Keeper) Run(ctx context.Context) {
	heartbeat := time.NewTicker(k.interval)
	defer heartbeat.Stop()
	sweep := time.NewTicker(k.sweepEvery)
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			k.beat()
		case <-sweep.C:
			k.Sweep(time.Now())
		}
	}
}

// beat pushes a heartbeat frame to every connection. A failed send means the
// client cannot even drain a heartbeat, so the connection is removed as dead.
func (k *Keeper) beat() {
	frame := wire.Heartbeat()
	for _, c := range k.reg.Conns() {
		if c.TrySend(frame) {
			continue
		}
		k.logger.Warn("keeper: heartbeat send failed, removing connection",
			slog.String("connection_id", c.ID()),
			slog.String("user_id", c.UserID()),
		)
		k.reg.Remove(c.ID())
		if k.onEvict != nil {
			k.onEvict(c)
		}
	}
}

// Sweep evicts every connection idle longer than the idle timeout, measured
// against now, and returns the number evicted.
func (k *Keeper) Sweep(now time.Time) int {
	evicted := 0
	for _, c := range k.reg.Conns() {
		idle := now.Sub(c.LastSeen())
		if idle <= k.idleTimeout {
			continue
		}
		k.logger.Info("keeper: evicting idle connection",
			slog.String("connection_id", c.ID()),
			slog.String("user_id", c.UserID()),
			slog.Duration("idle", idle),
		)
		k.reg.Remove(c.ID())
		if k.onEvict != nil {
			k.onEvict(c)
		}
		evicted++
	}
	return evicted
}
