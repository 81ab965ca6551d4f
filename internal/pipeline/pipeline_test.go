package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/talkincode/toughgate/internal/domain"
	"github.com/talkincode/toughgate/internal/errs"
	"github.com/talkincode/toughgate/internal/transport/transporttest"
)

type staticDirectory map[string]string

func (d staticDirectory) Status(id string) (string, error) {
	if s, ok := d[id]; ok {
		return s, nil
	}
	return "", errs.NotFound("session %s not found", id)
}

func newTestPipeline(t *testing.T, dir staticDirectory) (*Pipeline, *transporttest.FakeAdapter) {
	t.Helper()
	fake := transporttest.NewFake()
	p := New(fake)
	p.BindDirectory(dir)
	t.Cleanup(p.Close)
	return p, fake
}

func TestInboundOrderPerSession(t *testing.T) {
	p, _ := newTestPipeline(t, staticDirectory{})

	var mu sync.Mutex
	var got []string
	p.Subscribe(TopicMessageInbound, func(raw interface{}) {
		evt := raw.(*domain.MessageEvent)
		mu.Lock()
		got = append(got, evt.Content)
		mu.Unlock()
	})

	const n = 200
	for i := 0; i < n; i++ {
		p.PublishInbound(&domain.MessageEvent{SessionID: "s1", Content: fmt.Sprintf("m%03d", i)})
	}
	p.DropSession("s1") // drains the queue

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, n)
	for i := 0; i < n; i++ {
		assert.Equal(t, fmt.Sprintf("m%03d", i), got[i])
	}
}

func TestSubscriberPanicDoesNotPoisonOthers(t *testing.T) {
	p, _ := newTestPipeline(t, staticDirectory{})

	var mu sync.Mutex
	var survived int
	p.Subscribe(TopicMessageInbound, func(raw interface{}) {
		panic("consumer bug")
	})
	p.Subscribe(TopicMessageInbound, func(raw interface{}) {
		mu.Lock()
		survived++
		mu.Unlock()
	})

	p.PublishInbound(&domain.MessageEvent{SessionID: "s1", Content: "a"})
	p.PublishInbound(&domain.MessageEvent{SessionID: "s1", Content: "b"})
	p.DropSession("s1")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, survived)
}

func TestSendValidation(t *testing.T) {
	dir := staticDirectory{
		"ready":   domain.SessionConnected,
		"pending": domain.SessionQRPending,
	}
	p, fake := newTestPipeline(t, dir)
	fake.Connect(context.Background(), "ready")

	err := p.Send(context.Background(), "ghost", &domain.MessageEvent{Content: "x"})
	assert.True(t, errs.Is(err, errs.KindNotFound))

	err = p.Send(context.Background(), "pending", &domain.MessageEvent{Content: "x"})
	assert.True(t, errs.Is(err, errs.KindSessionNotReady))

	evt := &domain.MessageEvent{RemoteID: "222@s.whatsapp.net", ContentType: domain.ContentText, Content: "x"}
	require.NoError(t, p.Send(context.Background(), "ready", evt))
	assert.Equal(t, domain.DirectionOutbound, evt.Direction)
	assert.Equal(t, "ready", evt.SessionID)
	assert.NotEmpty(t, evt.CorrelationID)
	assert.False(t, evt.Timestamp.IsZero())
	assert.Len(t, fake.Sent(), 1)
}

func TestSendFailureDoesNotPublish(t *testing.T) {
	p, fake := newTestPipeline(t, staticDirectory{"ready": domain.SessionConnected})
	fake.Connect(context.Background(), "ready")
	fake.SendErr = errs.New(errs.KindTransientTransport, "socket write failed")

	var mu sync.Mutex
	published := 0
	p.Subscribe(TopicMessageOutbound, func(raw interface{}) {
		mu.Lock()
		published++
		mu.Unlock()
	})

	err := p.Send(context.Background(), "ready", &domain.MessageEvent{Content: "x"})
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.KindTransientTransport))

	p.DropSession("ready")
	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, published)
}

func TestSessionDeletedTearsDownQueue(t *testing.T) {
	p, _ := newTestPipeline(t, staticDirectory{})

	deleted := make(chan string, 1)
	p.Subscribe(TopicSessionDeleted, func(raw interface{}) {
		deleted <- raw.(string)
	})

	p.PublishInbound(&domain.MessageEvent{SessionID: "s1", Content: "a"})
	p.PublishSessionDeleted("s1")

	select {
	case id := <-deleted:
		assert.Equal(t, "s1", id)
	case <-time.After(time.Second):
		t.Fatal("deletion notification never arrived")
	}

	// publishing after teardown must not block or crash
	p.PublishInbound(&domain.MessageEvent{SessionID: "s1", Content: "late"})
}

func TestLateEventDoesNotRestartDroppedQueue(t *testing.T) {
	p, _ := newTestPipeline(t, staticDirectory{})

	var mu sync.Mutex
	var got []string
	p.Subscribe(TopicMessageInbound, func(raw interface{}) {
		mu.Lock()
		got = append(got, raw.(*domain.MessageEvent).Content)
		mu.Unlock()
	})

	p.PublishSessionDeleted("s1")
	p.PublishInbound(&domain.MessageEvent{SessionID: "s1", Content: "straggler"})

	// no drain goroutine comes back for the dead id
	p.mux.Lock()
	_, resurrected := p.queues["s1"]
	p.mux.Unlock()
	assert.False(t, resurrected)

	// re-opening the id restores dispatch for a re-created session
	p.OpenSession("s1")
	p.PublishInbound(&domain.MessageEvent{SessionID: "s1", Content: "fresh"})
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == "fresh"
	}, time.Second, 10*time.Millisecond)
}

func TestCorrelationIDPreserved(t *testing.T) {
	p, _ := newTestPipeline(t, staticDirectory{})

	evt := &domain.MessageEvent{SessionID: "s1", Content: "a", CorrelationID: "fixed-id"}
	p.PublishInbound(evt)
	assert.Equal(t, "fixed-id", evt.CorrelationID)

	evt2 := &domain.MessageEvent{SessionID: "s1", Content: "b"}
	p.PublishInbound(evt2)
	assert.NotEmpty(t, evt2.CorrelationID)
}
