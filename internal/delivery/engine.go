// Package delivery owns the per-message lifecycle: it decides whether a send
// attempt is possible given current reachability, performs it, and persists
// the outcome. Failures become visible message state, never a silent queue.
package delivery

import (
	"context"
	"errors"
	"fmt"

	"github.com/jkgulay/resqlink-sub002/internal/identity"
	"github.com/jkgulay/resqlink-sub002/internal/mesh"
	"github.com/jkgulay/resqlink-sub002/internal/message"
	"github.com/jkgulay/resqlink-sub002/internal/store"
	"go.uber.org/zap"
)

var (
	// ErrMissingIdentifier means the target could not be resolved at all.
	// This is a caller bug, not a network condition; it is never retried.
	ErrMissingIdentifier = errors.New("message target identifier missing")
	// ErrUnreachable means the target has no direct link and no mesh
	// presence. The message is persisted as failed, not buffered.
	ErrUnreachable = errors.New("device unreachable")
	// ErrSendFailed wraps transport-level failures.
	ErrSendFailed = errors.New("transport send failed")
)

// Sender is the transport surface the engine needs.
type Sender interface {
	Send(ctx context.Context, payload []byte, target string) error
}

// Config wires dependencies for the delivery engine.
type Config struct {
	Log         *zap.Logger
	Resolver    *identity.Resolver
	Registry    *mesh.Registry
	Messages    store.MessageStore
	Sender      Sender
	Metrics     *mesh.Metrics
	SelfAddress string
	// AfterAttempt runs after every send attempt, success or failure; the
	// attempt itself is informative about current link quality.
	AfterAttempt func()
}

// Engine implements the message delivery state machine.
type Engine struct {
	log          *zap.Logger
	resolver     *identity.Resolver
	registry     *mesh.Registry
	messages     store.MessageStore
	sender       Sender
	metrics      *mesh.Metrics
	selfAddress  string
	afterAttempt func()
}

// NewEngine builds a delivery engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Resolver == nil || cfg.Registry == nil || cfg.Messages == nil || cfg.Sender == nil {
		return nil, errors.New("resolver, registry, message store and sender are required")
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	return &Engine{
		log:          cfg.Log,
		resolver:     cfg.Resolver,
		registry:     cfg.Registry,
		messages:     cfg.Messages,
		sender:       cfg.Sender,
		metrics:      cfg.Metrics,
		selfAddress:  cfg.SelfAddress,
		afterAttempt: cfg.AfterAttempt,
	}, nil
}

// Send attempts delivery of a unicast message. The message is persisted
// first so the local echo is visible whatever happens next.
func (e *Engine) Send(ctx context.Context, msg message.Message) error {
	if msg.EndpointID == "" || msg.EndpointID == message.Broadcast {
		return fmt.Errorf("unicast send: %w", ErrMissingIdentifier)
	}
	target := e.resolver.Resolve(msg.EndpointID)
	if target == "" {
		return fmt.Errorf("resolve %q: %w", msg.EndpointID, ErrMissingIdentifier)
	}

	msg.EndpointID = target
	if msg.ChatSessionID == "" {
		msg.ChatSessionID = identity.SessionIDFor(target)
	}
	e.persistPending(msg)

	if !e.registry.IsReachable(target) {
		e.markFailed(msg.MessageID)
		e.metrics.RecordSendFailure()
		e.recheck()
		e.log.Info("send refused, device unreachable",
			zap.String("message_id", msg.MessageID),
			zap.String("target", target))
		return fmt.Errorf("send to %s: %w", target, ErrUnreachable)
	}

	err := e.transmit(ctx, msg, target)
	e.recheck()
	return err
}

// Broadcast fans a message out to every directly connected device. The
// message is stored once; its status reflects whether at least one link
// accepted it.
func (e *Engine) Broadcast(ctx context.Context, msg message.Message) error {
	msg.EndpointID = message.Broadcast
	e.persistPending(msg)

	payload, err := e.encode(msg)
	if err != nil {
		e.markFailed(msg.MessageID)
		return err
	}

	peers := e.registry.DirectDevices()
	delivered := 0
	for _, peer := range peers {
		if err := e.sender.Send(ctx, payload, peer); err != nil {
			e.log.Warn("broadcast leg failed", zap.String("peer", peer), zap.Error(err))
			continue
		}
		delivered++
	}
	e.recheck()

	if delivered == 0 {
		e.markFailed(msg.MessageID)
		e.metrics.RecordSendFailure()
		if len(peers) == 0 {
			return fmt.Errorf("broadcast: no connected devices: %w", ErrUnreachable)
		}
		return fmt.Errorf("broadcast: all %d legs failed: %w", len(peers), ErrSendFailed)
	}

	e.updateStatus(msg.MessageID, message.StatusSent)
	e.metrics.RecordSendSuccess()
	return nil
}

// HandleAck promotes a sent message to delivered. Acks are best-effort; an
// ack for an unknown or non-sent message is ignored.
func (e *Engine) HandleAck(messageID string) {
	msg, ok := e.messages.Find(messageID)
	if !ok || !msg.Status.CanTransition(message.StatusDelivered) {
		return
	}
	e.updateStatus(messageID, message.StatusDelivered)
	e.log.Debug("message delivered", zap.String("message_id", messageID))
}

func (e *Engine) transmit(ctx context.Context, msg message.Message, target string) error {
	payload, err := e.encode(msg)
	if err != nil {
		e.markFailed(msg.MessageID)
		return err
	}

	if err := e.sender.Send(ctx, payload, target); err != nil {
		e.markFailed(msg.MessageID)
		e.metrics.RecordSendFailure()
		e.log.Warn("transport send failed",
			zap.String("message_id", msg.MessageID),
			zap.String("target", target),
			zap.Error(err))
		return fmt.Errorf("send to %s: %v: %w", target, err, ErrSendFailed)
	}

	e.updateStatus(msg.MessageID, message.StatusSent)
	e.metrics.RecordSendSuccess()
	return nil
}

func (e *Engine) encode(msg message.Message) ([]byte, error) {
	env, err := message.WrapChat(e.selfAddress, msg)
	if err != nil {
		return nil, err
	}
	return message.EncodeEnvelope(env)
}

func (e *Engine) persistPending(msg message.Message) {
	if msg.Status == "" {
		msg.Status = message.StatusPending
	}
	if err := e.messages.Insert(msg); err != nil && !errors.Is(err, store.ErrDuplicateMessage) {
		e.log.Warn("persist outbound message", zap.String("message_id", msg.MessageID), zap.Error(err))
	}
}

func (e *Engine) markFailed(messageID string) {
	e.updateStatus(messageID, message.StatusFailed)
}

func (e *Engine) updateStatus(messageID string, status message.Status) {
	if err := e.messages.UpdateStatus(messageID, status); err != nil {
		e.log.Warn("update message status",
			zap.String("message_id", messageID),
			zap.String("status", string(status)),
			zap.Error(err))
	}
}

func (e *Engine) recheck() {
	if e.afterAttempt != nil {
		e.afterAttempt()
	}
}
