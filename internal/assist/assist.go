// Package assist implements the metered AI auto-reply. Charging follows
// debit-then-generate: the tenant is never charged without a reply attempt,
// and a failed or timed-out generation is compensated with a refund entry.
package assist

import (
	"context"
	"time"

	"github.com/panjf2000/ants/v2"
	"github.com/talkincode/toughgate/internal/activity"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/credits"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"github.com/talkincode/toughgate/internal/moderation"
	"github.com/talkincode/toughgate/internal/pipeline"
	"github.com/talkincode/toughgate/pkg/metrics"
	"go.uber.org/zap"
)

const (
	replyCost    = 1
	replyWorkers = 8
)

// Provider generates a reply for an inbound prompt. The gateway defines
// only this contract, not any vendor's API shape.
type Provider interface {
	Generate(ctx context.Context, prompt, context string) (string, error)
}

// Responder watches inbound group messages and answers them when the
// group's policy enables the assistant. Replies run on a bounded worker
// pool: a slow provider must not stall the session's inbound dispatch.
type Responder struct {
	app      app.AppContext
	provider Provider
	ledger   *credits.Ledger
	policies *moderation.Store
	pipe     *pipeline.Pipeline
	rec      *activity.Recorder
	pool     *ants.Pool
}

func NewResponder(a app.AppContext, provider Provider, ledger *credits.Ledger,
	policies *moderation.Store, pipe *pipeline.Pipeline, rec *activity.Recorder) (*Responder, error) {
	pool, err := ants.NewPool(replyWorkers, ants.WithNonblocking(true))
	if err != nil {
		return nil, err
	}
	r := &Responder{
		app:      a,
		provider: provider,
		ledger:   ledger,
		policies: policies,
		pipe:     pipe,
		rec:      rec,
		pool:     pool,
	}
	pipe.Subscribe(pipeline.TopicMessageInbound, func(raw interface{}) {
		evt, ok := raw.(*domain.MessageEvent)
		if !ok {
			return
		}
		if err := r.pool.Submit(func() { r.HandleMessage(evt) }); err != nil {
			// pool saturated, degrade to inline rather than drop the reply
			r.HandleMessage(evt)
		}
	})
	return r, nil
}

// Close releases the reply worker pool.
func (r *Responder) Close() {
	r.pool.Release()
}

func (r *Responder) timeout() time.Duration {
	if t := r.app.Config().AI.Timeout; t > 0 {
		return time.Duration(t) * time.Second
	}
	return 30 * time.Second
}

func (r *Responder) tenantOf(sessionID string) string {
	var row domain.GateSession
	if err := r.app.DB().Select("tenant_id").Where("id = ?", sessionID).First(&row).Error; err != nil {
		return ""
	}
	return row.TenantID
}

// HandleMessage runs the auto-reply flow for one inbound group message.
func (r *Responder) HandleMessage(evt *domain.MessageEvent) {
	if !evt.IsGroup || evt.Direction != domain.DirectionInbound {
		return
	}
	if evt.ContentType != domain.ContentText || evt.Content == "" {
		return
	}
	policy, err := r.policies.Policy(evt.SessionID, evt.RemoteID)
	if err != nil || !policy.AIAssistantEnabled {
		return
	}
	tenantID := r.tenantOf(evt.SessionID)
	if tenantID == "" {
		return
	}

	if _, err := r.ledger.Debit(tenantID, replyCost, credits.ReasonAIResponse); err != nil {
		if errs.Is(err, errs.KindInsufficientCredits) {
			r.rec.Record(tenantID, evt.SessionID, domain.ActivityAssistReply, evt.RemoteID,
				false, "reply suppressed: insufficient credits")
			return
		}
		zap.L().Error("assist: debit failed", zap.Error(err), zap.String("tenant_id", tenantID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout())
	defer cancel()
	reply, err := r.provider.Generate(ctx, evt.Content, evt.RemoteID)
	if err != nil {
		r.refund(tenantID)
		r.rec.Record(tenantID, evt.SessionID, domain.ActivityAssistReply, evt.RemoteID,
			false, "generation failed: "+err.Error())
		return
	}
	if reply == "" {
		r.refund(tenantID)
		return
	}

	err = r.pipe.Send(ctx, evt.SessionID, &domain.MessageEvent{
		RemoteID:    evt.RemoteID,
		ContentType: domain.ContentText,
		Content:     reply,
		IsGroup:     true,
	})
	if err != nil {
		r.refund(tenantID)
		r.rec.Record(tenantID, evt.SessionID, domain.ActivityAssistReply, evt.RemoteID,
			false, "reply send failed: "+err.Error())
		return
	}
	metrics.Counter(metrics.AssistReply)
	r.rec.Record(tenantID, evt.SessionID, domain.ActivityAssistReply, evt.RemoteID,
		true, "assistant replied")
}

// refund compensates the already-applied debit when no reply was delivered.
func (r *Responder) refund(tenantID string) {
	if _, err := r.ledger.Credit(tenantID, replyCost, credits.ReasonAIRefund); err != nil {
		zap.L().Error("assist: compensating credit failed",
			zap.Error(err), zap.String("tenant_id", tenantID))
	}
}
