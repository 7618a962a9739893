// Package events bridges the engine onto NATS. Context changes arrive on
// <context_prefix>.<entity>, surfaced memories leave on
// <surface_prefix>.<entity> and care alerts on <care_prefix>.<entity>.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/memorable-ai/memorable/internal/config"
	"github.com/memorable-ai/memorable/internal/engine"
	"github.com/memorable-ai/memorable/internal/logger"
	"github.com/memorable-ai/memorable/internal/model"
)

const handleTimeout = 10 * time.Second

// Publisher is the publishing half of a NATS connection.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// ContextHandler surfaces memories for an entity whose context changed.
type ContextHandler interface {
	OnContextChange(ctx context.Context, entityID string, snap model.ContextSnapshot) ([]model.SurfacedMemory, error)
}

// SurfaceEvent is published whenever a context change surfaced memories.
type SurfaceEvent struct {
	EntityID string                 `json:"entity_id"`
	Context  model.ContextSnapshot  `json:"context"`
	Surfaced []model.SurfacedMemory `json:"surfaced"`
	At       time.Time              `json:"at"`
}

// Dial connects to NATS.
func Dial(url string, log *slog.Logger) (*nats.Conn, error) {
	log = logger.OrDiscard(log)
	nc, err := nats.Connect(url,
		nats.Name("memorable"),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Warn("nats disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			log.Info("nats reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}
	log.Info("nats connected", "url", url)
	return nc, nil
}

// Bridge feeds context events into a ContextHandler.
type Bridge struct {
	nc      *nats.Conn
	pub     Publisher
	handler ContextHandler
	cfg     config.NATSConfig
	log     *slog.Logger
	now     func() time.Time
	sub     *nats.Subscription
}

// NewBridge creates a Bridge on an open connection. Call Start to subscribe.
func NewBridge(nc *nats.Conn, handler ContextHandler, cfg config.NATSConfig, log *slog.Logger) *Bridge {
	return &Bridge{
		nc:      nc,
		pub:     nc,
		handler: handler,
		cfg:     cfg,
		log:     logger.OrDiscard(log),
		now:     time.Now,
	}
}

// Start subscribes to every entity's context subject.
func (b *Bridge) Start() error {
	subject := b.cfg.ContextPrefix + ".>"
	sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
		entityID := strings.TrimPrefix(msg.Subject, b.cfg.ContextPrefix+".")

		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()
		surfaced, err := b.HandleContextChange(ctx, entityID, msg.Data)
		if err != nil {
			b.log.Error("context event", "subject", msg.Subject, "error", err)
		}
		if msg.Reply == "" {
			return
		}
		reply, merr := json.Marshal(replyBody(surfaced, err))
		if merr != nil {
			b.log.Error("encode context reply", "subject", msg.Subject, "error", merr)
			reply = []byte(`{"error":"internal error"}`)
		}
		if err := msg.Respond(reply); err != nil {
			b.log.Warn("context reply", "subject", msg.Subject, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}
	b.sub = sub
	b.log.Info("listening for context events", "subject", subject)
	return nil
}

func replyBody(surfaced []model.SurfacedMemory, err error) map[string]any {
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	if surfaced == nil {
		surfaced = []model.SurfacedMemory{}
	}
	return map[string]any{"surfaced": surfaced}
}

// HandleContextChange decodes a context snapshot, runs it through the
// handler and publishes anything surfaced on the subject of the canonical
// entity id.
func (b *Bridge) HandleContextChange(ctx context.Context, entityID string, data []byte) ([]model.SurfacedMemory, error) {
	entityID = engine.CanonicalEntityID(entityID)
	if entityID == "" {
		return nil, fmt.Errorf("%w: context event without entity", model.ErrDataIntegrity)
	}
	var snap model.ContextSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("%w: decode context for %s: %v", model.ErrDataIntegrity, entityID, err)
	}

	surfaced, err := b.handler.OnContextChange(ctx, entityID, snap)
	if err != nil {
		return nil, err
	}
	if len(surfaced) == 0 {
		return surfaced, nil
	}

	out, err := json.Marshal(SurfaceEvent{EntityID: entityID, Context: snap, Surfaced: surfaced, At: b.now()})
	if err != nil {
		return surfaced, fmt.Errorf("encode surface event: %w", err)
	}
	subject := b.cfg.SurfacePrefix + "." + entityID
	if err := b.pub.Publish(subject, out); err != nil {
		return surfaced, fmt.Errorf("nats publish %s: %w", subject, err)
	}
	b.log.Debug("surfaced", "entity", entityID, "memories", len(surfaced))
	return surfaced, nil
}

// Close drains the subscription.
func (b *Bridge) Close() error {
	if b.sub == nil {
		return nil
	}
	if err := b.sub.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// CareNotifier publishes care-circle alerts as JSON.
type CareNotifier struct {
	pub    Publisher
	prefix string
}

// NewCareNotifier returns a notifier publishing to <prefix>.<entity>.
func NewCareNotifier(pub Publisher, prefix string) *CareNotifier {
	return &CareNotifier{pub: pub, prefix: prefix}
}

// NotifyCareCircle publishes one alert.
func (n *CareNotifier) NotifyCareCircle(ctx context.Context, alert model.CareAlert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("encode care alert: %w", err)
	}
	subject := n.prefix + "." + alert.EntityID
	if err := n.pub.Publish(subject, data); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}
