package ingest

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relayhub/internal/domain"
	"relayhub/internal/eventbus"
	"relayhub/internal/queue"
	"relayhub/internal/storage"
	"relayhub/pkg/logx"
)

type fixture struct {
	store  *domain.MemStore
	raw    storage.Store
	queues *queue.Manager
	bus    eventbus.Bus
	events <-chan eventbus.Event
	svc    *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := domain.NewMemStore()
	raw := storage.NewMemory()
	queues := queue.NewManager(raw, logx.Nop())
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	t.Cleanup(unsub)

	svc := NewService(store, raw, queues, bus, logx.Nop())
	svc.Register(queue.InboundEventsConfig())
	return &fixture{store: store, raw: raw, queues: queues, bus: bus, events: events, svc: svc}
}

func (f *fixture) eventJob(t *testing.T, tenantID string, body string) *storage.Job {
	t.Helper()
	job, err := f.svc.EnqueueEvent(context.Background(), tenantID, []byte(body), "")
	require.NoError(t, err)
	claimed, err := f.raw.ClaimJob(context.Background(), queue.InboundEvents, time.Now())
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, job.ID, claimed.ID)
	return claimed
}

func drainEvent(t *testing.T, events <-chan eventbus.Event) eventbus.Event {
	t.Helper()
	select {
	case e := <-events:
		return e
	case <-time.After(time.Second):
		t.Fatal("expected an event")
		return eventbus.Event{}
	}
}

func TestEnqueueEventPersistsRawBody(t *testing.T) {
	f := newFixture(t)

	body := `{"message":{"from":"+628111","id":"wamid-1","type":"text","body":"halo"}}`
	job, err := f.svc.EnqueueEvent(context.Background(), "t1", []byte(body), "ev-1")
	require.NoError(t, err)
	require.Equal(t, "webhook-ev-1", job.Key)

	raw, err := f.raw.GetRawEvent(context.Background(), "ev-1")
	require.NoError(t, err)
	require.JSONEq(t, body, string(raw.Payload))

	// The provider retrying the webhook coalesces onto the same job.
	dup, err := f.svc.EnqueueEvent(context.Background(), "t1", []byte(body), "ev-1")
	require.NoError(t, err)
	require.Equal(t, job.ID, dup.ID)
}

func TestHandleNewInboundMessage(t *testing.T) {
	f := newFixture(t)

	job := f.eventJob(t, "t1", `{"phone_number_id":"pn1","message":{"from":"+628111","id":"wamid-1","type":"text","body":"halo"}}`)
	require.NoError(t, f.svc.handleEvent(context.Background(), job))

	msg, err := f.store.GetMessageByProviderID(context.Background(), "wamid-1")
	require.NoError(t, err)
	require.Equal(t, domain.DirectionInbound, msg.Direction)
	require.Equal(t, "halo", msg.Body)
	require.Equal(t, "t1", msg.TenantID)
	require.NotEmpty(t, msg.ConversationID)

	e := drainEvent(t, f.events)
	require.Equal(t, domain.EventMessageNew, e.Type)
	me := e.Data.(domain.MessageEvent)
	require.Equal(t, msg.ConversationID, me.ConversationID)

	e = drainEvent(t, f.events)
	require.Equal(t, domain.EventConversationUpdated, e.Type)
	ce := e.Data.(domain.ConversationEvent)
	require.Equal(t, "t1", ce.TenantID)
}

func TestDuplicateWebhookCreatesOneMessage(t *testing.T) {
	f := newFixture(t)
	body := `{"message":{"from":"+628111","id":"wamid-1","type":"text","body":"halo"}}`

	job1 := f.eventJob(t, "t1", body)
	require.NoError(t, f.svc.handleEvent(context.Background(), job1))

	// Same provider message arrives again under a different event id.
	job2 := f.eventJob(t, "t1", body)
	require.NoError(t, f.svc.handleEvent(context.Background(), job2))

	// message:new + conversation:updated exactly once.
	drainEvent(t, f.events)
	drainEvent(t, f.events)
	select {
	case e := <-f.events:
		t.Fatalf("duplicate webhook emitted %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusCallbackAdvances(t *testing.T) {
	f := newFixture(t)
	seedSent(t, f.store, "m1", "wamid-1")

	job := f.eventJob(t, "t1", `{"statuses":[{"id":"wamid-1","status":"delivered"}]}`)
	require.NoError(t, f.svc.handleEvent(context.Background(), job))

	msg, err := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusDelivered, msg.Status)

	e := drainEvent(t, f.events)
	require.Equal(t, domain.EventMessageStatus, e.Type)
	se := e.Data.(domain.StatusEvent)
	require.Equal(t, domain.StatusDelivered, se.Status)
}

func TestOutOfOrderCallbacksNeverDowngrade(t *testing.T) {
	f := newFixture(t)
	seedSent(t, f.store, "m1", "wamid-1")

	// Read arrives before delivered.
	job := f.eventJob(t, "t1", `{"statuses":[{"id":"wamid-1","status":"read"}]}`)
	require.NoError(t, f.svc.handleEvent(context.Background(), job))
	drainEvent(t, f.events)

	job = f.eventJob(t, "t1", `{"statuses":[{"id":"wamid-1","status":"delivered"}]}`)
	require.NoError(t, f.svc.handleEvent(context.Background(), job))

	msg, err := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusRead, msg.Status, "stale delivered must not downgrade read")

	// No event for the no-op transition.
	select {
	case e := <-f.events:
		t.Fatalf("no-op transition emitted %s", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusCallbackUnknownMessageRetries(t *testing.T) {
	f := newFixture(t)

	// No message with this provider id exists yet (callback raced the send
	// worker's write); the job must come back for another attempt.
	job := f.eventJob(t, "t1", `{"statuses":[{"id":"wamid-ghost","status":"delivered"}]}`)
	err := f.svc.handleEvent(context.Background(), job)
	require.Error(t, err)
	require.False(t, queue.IsNoRetry(err))
}

func TestMalformedWebhookNoRetry(t *testing.T) {
	f := newFixture(t)

	job := f.eventJob(t, "t1", `{not json`)
	err := f.svc.handleEvent(context.Background(), job)
	require.Error(t, err)
	require.True(t, queue.IsNoRetry(err), "malformed body must not be retried")

	// A structurally valid but empty event is equally unprocessable.
	job = f.eventJob(t, "t1", `{}`)
	err = f.svc.handleEvent(context.Background(), job)
	require.Error(t, err)
	require.True(t, queue.IsNoRetry(err))
}

func TestFailedCallbackTerminal(t *testing.T) {
	f := newFixture(t)
	seedSent(t, f.store, "m1", "wamid-1")

	job := f.eventJob(t, "t1", `{"statuses":[{"id":"wamid-1","status":"failed","error":"expired"}]}`)
	require.NoError(t, f.svc.handleEvent(context.Background(), job))

	msg, err := f.store.GetMessage(context.Background(), "m1")
	require.NoError(t, err)
	require.Equal(t, domain.StatusFailed, msg.Status)
	require.Equal(t, "expired", msg.Error)
}

func seedSent(t *testing.T, store *domain.MemStore, id, providerID string) {
	t.Helper()
	err := store.CreateMessage(context.Background(), &domain.Message{
		ID: id, TenantID: "t1", ConversationID: "c1",
		Direction: domain.DirectionOutbound, Type: domain.TypeText,
		ProviderMessageID: providerID, Status: domain.StatusSent,
	})
	require.NoError(t, err)
}

func TestMessageTypeMapping(t *testing.T) {
	cases := map[string]domain.MessageType{
		"text":        domain.TypeText,
		"image":       domain.TypeMedia,
		"document":    domain.TypeMedia,
		"interactive": domain.TypeInteractive,
		"unknown":     domain.TypeText,
	}
	for in, want := range cases {
		if got := messageType(in); got != want {
			t.Fatalf("messageType(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestEventJobPayloadShape(t *testing.T) {
	// The queue payload carries only references; the body stays in the raw
	// event store.
	f := newFixture(t)
	job := f.eventJob(t, "t1", `{"message":{"from":"+628111","id":"w1"}}`)

	var payload EventJob
	require.NoError(t, json.Unmarshal(job.Payload, &payload))
	require.Equal(t, "t1", payload.TenantID)
	require.NotEmpty(t, payload.RawEventID)
}
