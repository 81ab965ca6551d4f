// Package moderation evaluates group policies against inbound traffic:
// anti-link and bad-word detection, warning escalation with lazy reset, and
// welcome messages for new members. External enforcement (delete, remove)
// is best-effort; counter tracking stays accurate even when enforcement
// fails, because the bot may lack the rights to enforce.
package moderation

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/talkincode/toughgate/internal/activity"
	"github.com/talkincode/toughgate/internal/app"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/pipeline"
	"github.com/talkincode/toughgate/internal/transport"
	"go.uber.org/zap"
)

var linkRe = regexp.MustCompile(`(?i)(https?://\S+)|(www\.\S+)|(chat\.whatsapp\.com/\S+)`)

const actionTimeout = 15 * time.Second

const warnStripes = 64

type Engine struct {
	app     app.AppContext
	store   *Store
	adapter transport.Adapter
	pipe    *pipeline.Pipeline
	rec     *activity.Recorder

	// serializes counter mutation per (session, group, member)
	stripes [warnStripes]sync.Mutex
}

func NewEngine(a app.AppContext, store *Store, adapter transport.Adapter, pipe *pipeline.Pipeline, rec *activity.Recorder) *Engine {
	e := &Engine{app: a, store: store, adapter: adapter, pipe: pipe, rec: rec}
	pipe.Subscribe(pipeline.TopicMessageInbound, func(raw interface{}) {
		if evt, ok := raw.(*domain.MessageEvent); ok {
			e.HandleMessage(evt)
		}
	})
	pipe.Subscribe(pipeline.TopicMemberJoined, func(raw interface{}) {
		if evt, ok := raw.(*domain.MemberEvent); ok {
			e.HandleMemberJoined(evt)
		}
	})
	return e
}

func (e *Engine) stripe(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &e.stripes[h.Sum32()%warnStripes]
}

func (e *Engine) tenantOf(sessionID string) string {
	var row domain.GateSession
	if err := e.app.DB().Select("tenant_id").Where("id = ?", sessionID).First(&row).Error; err != nil {
		return ""
	}
	return row.TenantID
}

// HandleMessage runs the policy evaluation for one inbound group message.
func (e *Engine) HandleMessage(evt *domain.MessageEvent) {
	if !evt.IsGroup || evt.Direction != domain.DirectionInbound {
		return
	}
	policy, err := e.store.Policy(evt.SessionID, evt.RemoteID)
	if err != nil || !policy.IsActive {
		return
	}
	if strings.TrimSpace(evt.Content) == "" {
		return
	}

	violation := ""
	if policy.AntiLink && linkRe.MatchString(evt.Content) {
		violation = "link not allowed"
		e.deleteMessage(evt, policy)
	}
	if violation == "" {
		lower := strings.ToLower(evt.Content)
		for _, word := range badWordList(policy) {
			if strings.Contains(lower, word) {
				violation = "inappropriate language"
				break
			}
		}
	}
	if violation == "" {
		return
	}
	e.escalate(evt, policy, violation)
}

// deleteMessage revokes the offending message. Failure is recorded and does
// not stop the violation handling.
func (e *Engine) deleteMessage(evt *domain.MessageEvent, policy *domain.GroupPolicy) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	tenantID := e.tenantOf(evt.SessionID)
	err := e.adapter.DeleteMessage(ctx, evt.SessionID, evt.RemoteID, evt.SenderID, evt.MessageID)
	if err != nil {
		zap.L().Warn("moderation: message delete failed",
			zap.Error(err), zap.String("session_id", evt.SessionID), zap.String("group_id", evt.RemoteID))
		e.rec.Record(tenantID, evt.SessionID, domain.ActivityModerationDelete, evt.RemoteID,
			false, "delete failed: "+err.Error())
		return
	}
	e.rec.Record(tenantID, evt.SessionID, domain.ActivityModerationDelete, evt.RemoteID,
		true, "offending message deleted")
}

// escalate applies the warning counter rules: lazy reset, increment, warning
// send, and removal once the threshold is reached. MaxWarnings == 0 disables
// removal entirely.
func (e *Engine) escalate(evt *domain.MessageEvent, policy *domain.GroupPolicy, violation string) {
	key := evt.SessionID + "|" + evt.RemoteID + "|" + evt.SenderID
	mu := e.stripe(key)
	mu.Lock()
	defer mu.Unlock()

	tenantID := e.tenantOf(evt.SessionID)
	w, err := e.store.warning(evt.SessionID, evt.RemoteID, evt.SenderID)
	if err != nil {
		zap.L().Error("moderation: warning load failed", zap.Error(err), zap.String("group_id", evt.RemoteID))
		return
	}
	if policy.WarningResetDays > 0 && w.Count > 0 {
		age := time.Since(w.LastWarnedAt)
		if age > time.Duration(policy.WarningResetDays)*24*time.Hour {
			zap.L().Info("moderation: warning counter expired",
				zap.String("member_id", evt.SenderID), zap.Duration("age", age))
			w.Count = 0
		}
	}
	w.Count++
	w.LastWarnedAt = time.Now()
	if err := e.store.saveWarning(w); err != nil {
		zap.L().Error("moderation: warning persist failed", zap.Error(err), zap.String("group_id", evt.RemoteID))
		return
	}
	count := w.Count

	e.sendWarning(evt, policy, tenantID, count, violation)

	if policy.MaxWarnings > 0 && count >= policy.MaxWarnings {
		e.removeMember(evt, tenantID, count)
		w.Count = 0
		w.UpdatedAt = time.Now()
		if err := e.store.saveWarning(w); err != nil {
			zap.L().Error("moderation: warning reset failed", zap.Error(err), zap.String("group_id", evt.RemoteID))
		}
	}
}

func (e *Engine) sendWarning(evt *domain.MessageEvent, policy *domain.GroupPolicy, tenantID string, count int, violation string) {
	text := renderWarning(policy.WarningTemplate, memberName(evt.SenderID, evt.SenderName), count, policy.MaxWarnings, violation)
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	err := e.pipe.Send(ctx, evt.SessionID, &domain.MessageEvent{
		RemoteID:    evt.RemoteID,
		ContentType: domain.ContentText,
		Content:     text,
		IsGroup:     true,
	})
	if err != nil {
		zap.L().Warn("moderation: warning send failed",
			zap.Error(err), zap.String("group_id", evt.RemoteID))
		e.rec.Record(tenantID, evt.SessionID, domain.ActivityModerationWarn, evt.RemoteID,
			false, fmt.Sprintf("warning %d/%d send failed: %v", count, policy.MaxWarnings, err))
		return
	}
	e.rec.Record(tenantID, evt.SessionID, domain.ActivityModerationWarn, evt.RemoteID,
		true, fmt.Sprintf("warning %d/%d for %s: %s", count, policy.MaxWarnings, evt.SenderID, violation))
}

func (e *Engine) removeMember(evt *domain.MessageEvent, tenantID string, count int) {
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()
	err := e.adapter.RemoveParticipant(ctx, evt.SessionID, evt.RemoteID, evt.SenderID)
	if err != nil {
		zap.L().Warn("moderation: member removal failed",
			zap.Error(err), zap.String("group_id", evt.RemoteID), zap.String("member_id", evt.SenderID))
		e.rec.Record(tenantID, evt.SessionID, domain.ActivityModerationRemove, evt.RemoteID,
			false, fmt.Sprintf("removal of %s failed after %d warnings: %v", evt.SenderID, count, err))
		return
	}
	e.rec.Record(tenantID, evt.SessionID, domain.ActivityModerationRemove, evt.RemoteID,
		true, fmt.Sprintf("%s removed after %d warnings", evt.SenderID, count))
}

// HandleMemberJoined sends the welcome message when the group policy enables
// it. Independent of the violation flow.
func (e *Engine) HandleMemberJoined(evt *domain.MemberEvent) {
	policy, err := e.store.Policy(evt.SessionID, evt.GroupID)
	if err != nil || !policy.IsActive || !policy.WelcomeEnabled {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), actionTimeout)
	defer cancel()

	subject := ""
	if s, err := e.adapter.GroupSubject(ctx, evt.SessionID, evt.GroupID); err == nil {
		subject = s
	}
	text := renderWelcome(policy.WelcomeTemplate, memberName(evt.MemberID, ""), subject, time.Now())

	tenantID := e.tenantOf(evt.SessionID)
	err = e.pipe.Send(ctx, evt.SessionID, &domain.MessageEvent{
		RemoteID:    evt.GroupID,
		ContentType: domain.ContentText,
		Content:     text,
		IsGroup:     true,
	})
	if err != nil {
		zap.L().Warn("moderation: welcome send failed",
			zap.Error(err), zap.String("group_id", evt.GroupID))
		e.rec.Record(tenantID, evt.SessionID, domain.ActivityWelcomeSend, evt.GroupID,
			false, "welcome send failed: "+err.Error())
		return
	}
	e.rec.Record(tenantID, evt.SessionID, domain.ActivityWelcomeSend, evt.GroupID,
		true, "welcomed "+evt.MemberID)
}
