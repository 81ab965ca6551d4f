package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/guonaihong/gout"
	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/toughgate/internal/activity"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/pipeline"
	"github.com/talkincode/toughgate/pkg/metrics"
	"go.uber.org/zap"
)

const (
	headerSignature = "X-Gateway-Signature"
	headerEvent     = "X-Gateway-Event"
	headerTimestamp = "X-Gateway-Timestamp"

	defaultTimeout    = 5 * time.Second
	defaultRetryDelay = 2 * time.Second
	defaultWorkers    = 32
)

// payload is the wire shape POSTed to subscriber endpoints.
type payload struct {
	ID        string      `json:"id"`
	Timestamp int64       `json:"timestamp"`
	SessionID string      `json:"session_id"`
	Event     string      `json:"event"`
	Data      interface{} `json:"data"`
}

// Dispatcher delivers matching pipeline events to subscribed endpoints:
// at-least-once, HMAC-signed, one retry on timeout or 5xx, none on 4xx.
// Deliveries run on a bounded worker pool so a slow endpoint never stalls
// the pipeline.
type Dispatcher struct {
	app   app.AppContext
	store *Store
	rec   *activity.Recorder
	pool  *ants.Pool
}

func NewDispatcher(a app.AppContext, store *Store, pipe *pipeline.Pipeline, rec *activity.Recorder) (*Dispatcher, error) {
	workers := int(a.GetSettingsInt64Value("webhook", "workers"))
	if workers <= 0 {
		workers = defaultWorkers
	}
	pool, err := ants.NewPool(workers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{app: a, store: store, rec: rec, pool: pool}

	pipe.Subscribe(pipeline.TopicMessageInbound, func(raw interface{}) {
		if evt, ok := raw.(*domain.MessageEvent); ok {
			d.Dispatch(evt.SessionID, EventMessageReceived, evt)
		}
	})
	pipe.Subscribe(pipeline.TopicMessageOutbound, func(raw interface{}) {
		if evt, ok := raw.(*domain.MessageEvent); ok {
			d.Dispatch(evt.SessionID, EventMessageSent, evt)
		}
	})
	pipe.Subscribe(pipeline.TopicSessionStatus, func(raw interface{}) {
		if evt, ok := raw.(*domain.StatusEvent); ok {
			d.Dispatch(evt.SessionID, EventSessionStatus, evt)
		}
	})
	pipe.Subscribe(pipeline.TopicMemberJoined, func(raw interface{}) {
		if evt, ok := raw.(*domain.MemberEvent); ok {
			d.Dispatch(evt.SessionID, EventMemberJoined, evt)
		}
	})
	pipe.Subscribe(pipeline.TopicSessionDeleted, func(raw interface{}) {
		if sid, ok := raw.(string); ok {
			d.Dispatch(sid, EventSessionDeleted, map[string]string{"session_id": sid})
		}
	})
	return d, nil
}

// Dispatch fans one event out to every matching subscription. Failures are
// logged and recorded, never raised to the caller.
func (d *Dispatcher) Dispatch(sessionID, event string, data interface{}) {
	subs, err := d.store.ForEvent(sessionID, event)
	if err != nil {
		zap.L().Error("webhook: subscription lookup failed",
			zap.Error(err), zap.String("session_id", sessionID), zap.String("event", event))
		return
	}
	if len(subs) == 0 {
		return
	}
	body, err := json.Marshal(payload{
		ID:        uuid.NewString(),
		Timestamp: time.Now().Unix(),
		SessionID: sessionID,
		Event:     event,
		Data:      data,
	})
	if err != nil {
		zap.L().Error("webhook: payload marshal failed", zap.Error(err), zap.String("event", event))
		return
	}
	for i := range subs {
		sub := subs[i]
		if err := d.pool.Submit(func() { d.deliver(&sub, event, body) }); err != nil {
			zap.L().Warn("webhook: worker pool saturated, delivery dropped",
				zap.String("url", sub.URL), zap.String("event", event))
			metrics.Counter(metrics.WebhookFailed)
		}
	}
}

func (d *Dispatcher) timeout() time.Duration {
	if ms := d.app.GetSettingsInt64Value("webhook", "timeout_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultTimeout
}

func (d *Dispatcher) retryDelay() time.Duration {
	if ms := d.app.GetSettingsInt64Value("webhook", "retry_delay_ms"); ms > 0 {
		return time.Duration(ms) * time.Millisecond
	}
	return defaultRetryDelay
}

// deliver POSTs the signed payload, retrying exactly once on timeout or 5xx.
func (d *Dispatcher) deliver(sub *domain.Webhook, event string, body []byte) {
	code, err := d.post(sub, event, body)
	if err == nil && code < http.StatusMultipleChoices {
		d.done(sub, event, true, fmt.Sprintf("delivered with status %d", code))
		return
	}
	if err == nil && code < http.StatusInternalServerError {
		// 4xx is a permanent client-side misconfiguration
		d.done(sub, event, false, fmt.Sprintf("rejected with status %d", code))
		return
	}

	time.Sleep(d.retryDelay())
	code, rerr := d.post(sub, event, body)
	switch {
	case rerr == nil && code < http.StatusMultipleChoices:
		d.done(sub, event, true, fmt.Sprintf("delivered on retry with status %d", code))
	case rerr != nil:
		d.done(sub, event, false, "retry failed: "+rerr.Error())
	default:
		d.done(sub, event, false, fmt.Sprintf("retry rejected with status %d", code))
	}
}

func (d *Dispatcher) post(sub *domain.Webhook, event string, body []byte) (int, error) {
	mac := hmac.New(sha256.New, []byte(sub.Secret))
	mac.Write(body)
	sig := hex.EncodeToString(mac.Sum(nil))

	var code int
	err := gout.POST(sub.URL).
		SetTimeout(d.timeout()).
		SetHeader(gout.H{
			"Content-Type":  "application/json",
			headerSignature: sig,
			headerEvent:     event,
			headerTimestamp: strconv.FormatInt(time.Now().Unix(), 10),
		}).
		SetBody(body).
		Code(&code).
		Do()
	return code, err
}

func (d *Dispatcher) done(sub *domain.Webhook, event string, success bool, detail string) {
	if success {
		metrics.Counter(metrics.WebhookDelivered)
	} else {
		metrics.Counter(metrics.WebhookFailed)
		zap.L().Warn("webhook: delivery failed",
			zap.String("url", sub.URL), zap.String("event", event), zap.String("detail", detail))
	}
	d.rec.Record("", sub.SessionID, domain.ActivityWebhookDelivery, sub.URL, success,
		event+": "+detail)
}

// Close releases the worker pool.
func (d *Dispatcher) Close() {
	d.pool.Release()
}
