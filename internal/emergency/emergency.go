// Package emergency drives SOS mode: while active, an SOS broadcast is
// re-issued on a fixed cadence so that devices joining the mesh late still
// hear it. Every re-broadcast is a fresh message, never a resend.
package emergency

import (
	"context"
	"sync"
	"time"

	"github.com/jkgulay/resqlink-sub002/internal/mesh"
	"github.com/jkgulay/resqlink-sub002/internal/message"
	"go.uber.org/zap"
)

// DefaultRebroadcastInterval is the SOS re-broadcast cadence.
const DefaultRebroadcastInterval = 30 * time.Second

// Broadcaster fans an emergency message out to the mesh.
type Broadcaster interface {
	Broadcast(ctx context.Context, msg message.Message) error
}

// Config wires dependencies for the SOS controller.
type Config struct {
	Log         *zap.Logger
	Broadcaster Broadcaster
	Metrics     *mesh.Metrics
	SelfName    string
	Interval    time.Duration
	// Location supplies the current position for SOS payloads; nil values
	// mean position unknown and the broadcast goes out without one.
	Location func() (lat, lon *float64)
}

// Controller owns the SOS re-broadcast loop.
type Controller struct {
	log         *zap.Logger
	broadcaster Broadcaster
	metrics     *mesh.Metrics
	selfName    string
	interval    time.Duration
	location    func() (*float64, *float64)

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewController builds an SOS controller.
func NewController(cfg Config) *Controller {
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultRebroadcastInterval
	}
	return &Controller{
		log:         cfg.Log,
		broadcaster: cfg.Broadcaster,
		metrics:     cfg.Metrics,
		selfName:    cfg.SelfName,
		interval:    cfg.Interval,
		location:    cfg.Location,
	}
}

// Active reports whether SOS mode is currently on.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cancel != nil
}

// Activate switches SOS mode on: one broadcast goes out immediately, then the
// loop re-broadcasts every interval until Deactivate. Activating twice is a
// no-op.
func (c *Controller) Activate(ctx context.Context, body string) {
	c.mu.Lock()
	if c.cancel != nil {
		c.mu.Unlock()
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	done := make(chan struct{})
	c.done = done
	c.mu.Unlock()

	c.log.Warn("SOS mode activated", zap.Duration("interval", c.interval))

	go func() {
		defer close(done)
		c.broadcastOnce(loopCtx, body)

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				c.broadcastOnce(loopCtx, body)
			}
		}
	}()
}

// Deactivate stops the re-broadcast loop and waits for it to exit.
func (c *Controller) Deactivate() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.log.Info("SOS mode deactivated")
}

// broadcastOnce mints a new SOS message and fans it out. Failures are logged
// and surfaced through message state; the loop keeps going regardless, since
// the next attempt may find a peer.
func (c *Controller) broadcastOnce(ctx context.Context, body string) {
	msg := message.New(message.Broadcast, c.selfName, body, message.TypeSOS)
	if c.location != nil {
		msg.Latitude, msg.Longitude = c.location()
	}

	if err := c.broadcaster.Broadcast(ctx, msg); err != nil {
		c.log.Warn("SOS broadcast attempt failed",
			zap.String("message_id", msg.MessageID),
			zap.Error(err))
	} else {
		c.log.Info("SOS broadcast sent", zap.String("message_id", msg.MessageID))
	}
	c.metrics.RecordSOSBroadcast()
}
