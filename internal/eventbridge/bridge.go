// Package eventbridge mirrors pipeline events onto an AMQP topic exchange
// so external systems can consume gateway traffic without webhooks. The
// bridge is optional; when disabled it is simply never constructed.
// Publish failures are logged and dropped, never raised into the pipeline.
package eventbridge

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/talkincode/toughgate/config"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/pipeline"
	"go.uber.org/zap"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// envelope wraps every published event with routing metadata.
type envelope struct {
	ID            string      `json:"id"`
	Type          string      `json:"type"`
	Time          time.Time   `json:"time"`
	CorrelationID string      `json:"correlation_id,omitempty"`
	Data          interface{} `json:"data"`
}

type Bridge struct {
	cfg config.AmqpConfig

	mu   sync.Mutex
	conn *amqp.Connection
	ch   *amqp.Channel
}

// New connects to the broker and subscribes to the pipeline topics. The
// initial connection failure is non-fatal; publishing reconnects lazily.
func New(cfg config.AmqpConfig, pipe *pipeline.Pipeline) *Bridge {
	b := &Bridge{cfg: cfg}
	if err := b.connect(); err != nil {
		zap.L().Warn("eventbridge: initial broker connection failed", zap.Error(err))
	}

	pipe.Subscribe(pipeline.TopicMessageInbound, func(raw interface{}) {
		if evt, ok := raw.(*domain.MessageEvent); ok {
			b.publish("message.inbound", evt.CorrelationID, evt)
		}
	})
	pipe.Subscribe(pipeline.TopicMessageOutbound, func(raw interface{}) {
		if evt, ok := raw.(*domain.MessageEvent); ok {
			b.publish("message.outbound", evt.CorrelationID, evt)
		}
	})
	pipe.Subscribe(pipeline.TopicSessionStatus, func(raw interface{}) {
		if evt, ok := raw.(*domain.StatusEvent); ok {
			b.publish("session.status", "", evt)
		}
	})
	pipe.Subscribe(pipeline.TopicSessionDeleted, func(raw interface{}) {
		if sid, ok := raw.(string); ok {
			b.publish("session.deleted", "", map[string]string{"session_id": sid})
		}
	})
	return b
}

func (b *Bridge) connect() error {
	conn, err := amqp.Dial(b.cfg.URL)
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return err
	}
	if err := ch.ExchangeDeclare(b.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return err
	}
	b.conn = conn
	b.ch = ch
	zap.L().Info("eventbridge: connected", zap.String("exchange", b.cfg.Exchange))
	return nil
}

func (b *Bridge) channel() (*amqp.Channel, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn == nil || b.conn.IsClosed() {
		if err := b.connect(); err != nil {
			return nil, err
		}
	}
	return b.ch, nil
}

func (b *Bridge) publish(event, correlationID string, data interface{}) {
	ch, err := b.channel()
	if err != nil {
		zap.L().Warn("eventbridge: broker unavailable, event dropped",
			zap.Error(err), zap.String("event", event))
		return
	}
	env := envelope{
		ID:            uuid.NewString(),
		Type:          event,
		Time:          time.Now(),
		CorrelationID: correlationID,
		Data:          data,
	}
	body, err := json.Marshal(env)
	if err != nil {
		zap.L().Error("eventbridge: envelope marshal failed", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err = ch.PublishWithContext(ctx, b.cfg.Exchange, "gateway."+event, false, false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.ID,
			CorrelationId: correlationID,
			Timestamp:     env.Time,
			Body:          body,
		})
	if err != nil {
		zap.L().Warn("eventbridge: publish failed",
			zap.Error(err), zap.String("event", event))
	}
}

// Close shuts the broker connection down.
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ch != nil {
		_ = b.ch.Close()
	}
	if b.conn != nil {
		_ = b.conn.Close()
	}
}
