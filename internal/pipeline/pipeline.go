// Package pipeline routes normalized message events between the transport
// and the business-logic subscribers. Inbound events for one session are
// delivered in arrival order; different sessions proceed fully in parallel.
package pipeline

import (
	"context"
	"sync"
	"time"

	evbus "github.com/asaskevich/EventBus"
	"github.com/google/uuid"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"github.com/talkincode/toughgate/internal/transport"
	"github.com/talkincode/toughgate/pkg/metrics"
	"go.uber.org/zap"
)

// Bus topics.
const (
	TopicMessageInbound  = "message.inbound"
	TopicMessageOutbound = "message.outbound"
	TopicSessionStatus   = "session.status"
	TopicMemberJoined    = "group.member_joined"
	TopicSessionDeleted  = "session.deleted"
	TopicActivity        = "activity.recorded"
)

// SessionDirectory answers readiness questions for the send path. Implemented
// by the session manager; kept as an interface so the pipeline has no
// dependency on session lifecycle code.
type SessionDirectory interface {
	// Status returns the session's current status or a NotFound error.
	Status(sessionID string) (string, error)
}

const queueDepth = 256

type sessionQueue struct {
	ch   chan func()
	done chan struct{}
}

// Pipeline fans events out on an in-process bus. One drain goroutine per
// session keeps inbound order; subscribers run on that goroutine but are
// individually recovered so one failing consumer never poisons the rest.
type Pipeline struct {
	bus     evbus.Bus
	adapter transport.Adapter
	dir     SessionDirectory

	mux     sync.Mutex
	queues  map[string]*sessionQueue
	dropped map[string]struct{}
	closed  bool
}

func New(adapter transport.Adapter) *Pipeline {
	return &Pipeline{
		bus:     evbus.New(),
		adapter: adapter,
		queues:  make(map[string]*sessionQueue),
		dropped: make(map[string]struct{}),
	}
}

// BindDirectory wires the session readiness source. Must be called before
// Send is used; split from New because the session manager itself publishes
// through the pipeline.
func (p *Pipeline) BindDirectory(dir SessionDirectory) {
	p.dir = dir
}

// Subscribe attaches fn to a topic. The handler is wrapped so panics and
// errors are logged instead of propagating into the dispatch goroutine.
func (p *Pipeline) Subscribe(topic string, fn func(evt interface{})) {
	safe := func(evt interface{}) {
		defer func() {
			if r := recover(); r != nil {
				zap.L().Error("pipeline: subscriber panic recovered",
					zap.String("topic", topic), zap.Any("panic", r))
			}
		}()
		fn(evt)
	}
	if err := p.bus.Subscribe(topic, safe); err != nil {
		zap.L().Error("pipeline: subscribe failed", zap.String("topic", topic), zap.Error(err))
	}
}

// queue returns the session's ordered dispatch queue, starting its drain
// goroutine on first use. Sessions torn down by DropSession stay down:
// a straggler event must not restart a drain goroutine for them.
func (p *Pipeline) queue(sessionID string) *sessionQueue {
	p.mux.Lock()
	defer p.mux.Unlock()
	if p.closed {
		return nil
	}
	if _, gone := p.dropped[sessionID]; gone {
		return nil
	}
	q, ok := p.queues[sessionID]
	if !ok {
		q = &sessionQueue{ch: make(chan func(), queueDepth), done: make(chan struct{})}
		p.queues[sessionID] = q
		go func() {
			defer close(q.done)
			for job := range q.ch {
				job()
			}
		}()
	}
	return q
}

func (p *Pipeline) enqueue(sessionID string, job func()) {
	q := p.queue(sessionID)
	if q == nil {
		return
	}
	defer func() {
		// drop instead of crash when racing a DropSession
		if recover() != nil {
			zap.L().Warn("pipeline: event dropped for closing session",
				zap.String("session_id", sessionID))
		}
	}()
	q.ch <- job
}

// PublishInbound routes one inbound message event to all subscribers in
// per-session order.
func (p *Pipeline) PublishInbound(evt *domain.MessageEvent) {
	if evt.CorrelationID == "" {
		evt.CorrelationID = uuid.NewString()
	}
	metrics.Counter(metrics.MessageInbound)
	p.enqueue(evt.SessionID, func() {
		p.bus.Publish(TopicMessageInbound, evt)
	})
}

// PublishMemberJoined routes a group join event in the session's order.
func (p *Pipeline) PublishMemberJoined(evt *domain.MemberEvent) {
	p.enqueue(evt.SessionID, func() {
		p.bus.Publish(TopicMemberJoined, evt)
	})
}

// PublishStatus broadcasts a session state transition. Status events bypass
// the per-session message queue so a backed-up consumer cannot delay the
// dashboard's liveness view.
func (p *Pipeline) PublishStatus(evt *domain.StatusEvent) {
	p.bus.Publish(TopicSessionStatus, evt)
}

// PublishSessionDeleted broadcasts the terminal delete notification and
// tears down the session's dispatch queue.
func (p *Pipeline) PublishSessionDeleted(sessionID string) {
	p.bus.Publish(TopicSessionDeleted, sessionID)
	p.DropSession(sessionID)
}

// PublishActivity broadcasts a freshly written activity record for the
// realtime channel.
func (p *Pipeline) PublishActivity(evt *domain.ActivityLog) {
	p.bus.Publish(TopicActivity, evt)
}

// Send validates the session then forwards an outbound event to the
// transport. The event's correlation id, direction and timestamp are filled
// in here so callers only provide addressing and content.
func (p *Pipeline) Send(ctx context.Context, sessionID string, evt *domain.MessageEvent) error {
	status, err := p.dir.Status(sessionID)
	if err != nil {
		return err
	}
	if status != domain.SessionConnected {
		return errs.SessionNotReady("session %s status is %s", sessionID, status)
	}
	evt.Direction = domain.DirectionOutbound
	evt.SessionID = sessionID
	if evt.CorrelationID == "" {
		evt.CorrelationID = uuid.NewString()
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	if err := p.adapter.Send(ctx, sessionID, evt); err != nil {
		return err
	}
	metrics.Counter(metrics.MessageOutbound)
	p.enqueue(sessionID, func() {
		p.bus.Publish(TopicMessageOutbound, evt)
	})
	return nil
}

// OpenSession clears the tombstone left by DropSession so a re-created
// session id can queue events again.
func (p *Pipeline) OpenSession(sessionID string) {
	p.mux.Lock()
	delete(p.dropped, sessionID)
	p.mux.Unlock()
}

// DropSession closes the session's dispatch queue after draining queued
// events and tombstones the id against lazy recreation. Safe to call for
// sessions that never had a queue.
func (p *Pipeline) DropSession(sessionID string) {
	p.mux.Lock()
	q, ok := p.queues[sessionID]
	if ok {
		delete(p.queues, sessionID)
	}
	p.dropped[sessionID] = struct{}{}
	p.mux.Unlock()
	if !ok {
		return
	}
	close(q.ch)
	select {
	case <-q.done:
	case <-time.After(5 * time.Second):
		zap.L().Warn("pipeline: queue drain timed out", zap.String("session_id", sessionID))
	}
}

// Close drains and stops all session queues.
func (p *Pipeline) Close() {
	p.mux.Lock()
	p.closed = true
	queues := p.queues
	p.queues = make(map[string]*sessionQueue)
	p.mux.Unlock()
	for sid, q := range queues {
		close(q.ch)
		select {
		case <-q.done:
		case <-time.After(5 * time.Second):
			zap.L().Warn("pipeline: queue drain timed out", zap.String("session_id", sid))
		}
	}
}
