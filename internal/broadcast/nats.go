package broadcast

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/atmx/world-exchange/internal/metrics"
	"github.com/atmx/world-exchange/internal/model"
)

// DefaultSubjectPrefix is the root of trade subjects: worldx.trades.<resource>.
const DefaultSubjectPrefix = "worldx.trades"

// Publisher is the subset of jetstream.JetStream the publisher uses.
type Publisher interface {
	Publish(ctx context.Context, subject string, payload []byte, opts ...jetstream.PublishOpt) (*jetstream.PubAck, error)
}

// NATSPublisher forwards committed trades to JetStream for downstream
// consumers. Events are published after the Trade row is durable.
type NATSPublisher struct {
	js     Publisher
	prefix string
	events chan TradeEvent
}

// NewNATSPublisher creates a publisher with a bounded queue. Run drains it.
func NewNATSPublisher(js Publisher, prefix string, buffer int) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if buffer <= 0 {
		buffer = 1024
	}
	return &NATSPublisher{
		js:     js,
		prefix: prefix,
		events: make(chan TradeEvent, buffer),
	}
}

// TradeSettled implements Notifier. It never blocks; a full queue drops the event.
func (p *NATSPublisher) TradeSettled(_ context.Context, t *model.Trade) {
	select {
	case p.events <- NewTradeEvent(t):
	default:
		metrics.BroadcastDropped.WithLabelValues("nats").Inc()
		slog.Warn("nats queue full, dropping trade event", "trade_id", t.ID)
	}
}

// Run publishes queued events until ctx is cancelled.
func (p *NATSPublisher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case evt := <-p.events:
			if err := p.publish(ctx, evt); err != nil {
				// Non-fatal: consumers can read trades from the store.
				slog.Warn("nats publish failed", "trade_id", evt.TradeID, "err", err)
			}
		}
	}
}

func (p *NATSPublisher) publish(ctx context.Context, evt TradeEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// The trade id doubles as the JetStream dedup id.
	_, err = p.js.Publish(pctx, Subject(p.prefix, evt.ResourceID), data, jetstream.WithMsgID(evt.TradeID))
	return err
}

// Subject returns the subject a resource's trades publish on. Characters
// NATS treats as token separators or wildcards are replaced.
func Subject(prefix, resourceID string) string {
	token := strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t':
			return '_'
		}
		return r
	}, resourceID)
	if token == "" {
		token = "_"
	}
	return prefix + "." + token
}

// EnsureStream creates or updates the stream that captures trade events.
func EnsureStream(ctx context.Context, js jetstream.JetStream, prefix string) error {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	name := strings.ToUpper(strings.ReplaceAll(prefix, ".", "_"))
	_, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       name,
		Subjects:   []string{prefix + ".>"},
		Storage:    jetstream.FileStorage,
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     72 * time.Hour,
		Duplicates: 2 * time.Minute,
		Replicas:   1,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", name, err)
	}
	slog.Info("ensured trade stream", "stream", name, "subjects", prefix+".>")
	return nil
}
