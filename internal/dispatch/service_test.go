package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"relayhub/internal/domain"
	"relayhub/internal/eventbus"
	"relayhub/internal/provider"
	"relayhub/internal/queue"
	"relayhub/internal/ratelimit"
	"relayhub/internal/storage"
	"relayhub/pkg/logx"
)

// fakeProvider returns scripted results per call.
type fakeProvider struct {
	result *provider.SendResult
	err    error
	calls  int
}

func (f *fakeProvider) SendText(context.Context, string, string, string, string, *provider.SendOptions) (*provider.SendResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeProvider) SendTemplate(context.Context, string, string, string, provider.TemplateParams) (*provider.SendResult, error) {
	f.calls++
	return f.result, f.err
}

func (f *fakeProvider) SendInteractive(context.Context, string, string, string, string) (*provider.SendResult, error) {
	f.calls++
	return f.result, f.err
}

type fixture struct {
	store   *domain.MemStore
	queues  *queue.Manager
	limiter *ratelimit.Limiter
	prov    *fakeProvider
	bus     eventbus.Bus
	events  <-chan eventbus.Event
	svc     *Service
}

func newFixture(t *testing.T, prov *fakeProvider) *fixture {
	t.Helper()
	store := domain.NewMemStore()
	store.PutCredential(domain.Credential{
		ID: "cred-1", TenantID: "t1", PhoneNumberID: "pn1", Token: "tok", Valid: true,
	})

	queues := queue.NewManager(storage.NewMemory(), logx.Nop())
	limiter := ratelimit.New(ratelimit.Config{Default: ratelimit.BucketConfig{Capacity: 100, RefillPerSec: 100}})
	bus := eventbus.New()
	events, unsub := bus.Subscribe(32)
	t.Cleanup(unsub)

	svc := NewService(Config{}, store, queues, limiter, prov, bus, logx.Nop())
	svc.Register(queue.OutboundSendsConfig())
	svc.RegisterCampaigns(queue.CampaignsConfig())

	return &fixture{store: store, queues: queues, limiter: limiter, prov: prov, bus: bus, events: events, svc: svc}
}

func (f *fixture) seedMessage(t *testing.T, id string) *domain.Message {
	t.Helper()
	msg := &domain.Message{
		ID: id, TenantID: "t1", ConversationID: "c1",
		Direction: domain.DirectionOutbound, Type: domain.TypeText,
		Body: "hello", PhoneNumberID: "pn1", To: "+628111",
		Status: domain.StatusPending, CreatedAt: time.Now(),
	}
	if err := f.store.CreateMessage(context.Background(), msg); err != nil {
		t.Fatalf("seed message: %v", err)
	}
	return msg
}

func sendJobFor(t *testing.T, id string) *storage.Job {
	t.Helper()
	payload, err := json.Marshal(SendJob{MessageID: id})
	if err != nil {
		t.Fatal(err)
	}
	return &storage.Job{ID: "job-1", Queue: queue.OutboundSends, Key: "message-" + id, Payload: payload, Attempt: 1, MaxAttempts: 3}
}

func expectEvent(t *testing.T, events <-chan eventbus.Event, eventType string) eventbus.Event {
	t.Helper()
	select {
	case e := <-events:
		if e.Type != eventType {
			t.Fatalf("event type %s, want %s", e.Type, eventType)
		}
		return e
	case <-time.After(time.Second):
		t.Fatalf("no %s event", eventType)
		return eventbus.Event{}
	}
}

func TestHandleSendSuccess(t *testing.T) {
	f := newFixture(t, &fakeProvider{result: &provider.SendResult{ProviderMessageID: "wamid-1"}})
	msg := f.seedMessage(t, "m1")

	if err := f.svc.handleSend(context.Background(), sendJobFor(t, msg.ID)); err != nil {
		t.Fatalf("handleSend: %v", err)
	}

	got, err := f.store.GetMessage(context.Background(), msg.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusSent {
		t.Fatalf("status %s, want sent", got.Status)
	}
	if got.ProviderMessageID != "wamid-1" {
		t.Fatalf("provider message id %q not recorded", got.ProviderMessageID)
	}

	e := expectEvent(t, f.events, domain.EventMessageStatus)
	se := e.Data.(domain.StatusEvent)
	if se.MessageID != msg.ID || se.Status != domain.StatusSent {
		t.Fatalf("status event = %+v", se)
	}
}

func TestHandleSendAlreadyDispatched(t *testing.T) {
	prov := &fakeProvider{result: &provider.SendResult{ProviderMessageID: "wamid-1"}}
	f := newFixture(t, prov)
	msg := f.seedMessage(t, "m1")
	if _, err := f.store.UpdateMessageStatus(context.Background(), msg.ID, nil, domain.StatusSent, domain.StatusExtra{}); err != nil {
		t.Fatal(err)
	}

	if err := f.svc.handleSend(context.Background(), sendJobFor(t, msg.ID)); err != nil {
		t.Fatalf("handleSend on dispatched message: %v", err)
	}
	if prov.calls != 0 {
		t.Fatalf("provider called %d times for an already-sent message", prov.calls)
	}
}

func TestHandleSendMissingMessage(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	err := f.svc.handleSend(context.Background(), sendJobFor(t, "ghost"))
	if !queue.IsNoRetry(err) {
		t.Fatalf("missing message: got %v, want no-retry", err)
	}
}

func TestHandleSendRateLimited(t *testing.T) {
	f := newFixture(t, &fakeProvider{result: &provider.SendResult{ProviderMessageID: "x"}})
	msg := f.seedMessage(t, "m1")

	// Exhaust the tenant bucket so the next consume is denied.
	f.limiter.Apply(ratelimit.Config{Default: ratelimit.BucketConfig{Capacity: 1, RefillPerSec: 0.001}})
	f.limiter.Consume("t1", 1)

	err := f.svc.handleSend(context.Background(), sendJobFor(t, msg.ID))
	var ra queue.RetryAfterError
	if !errors.As(err, &ra) {
		t.Fatalf("rate limited send: got %v, want retry-after", err)
	}
	if ra.RetryAfter() <= 0 {
		t.Fatalf("retry-after hint %v", ra.RetryAfter())
	}
	if f.prov.calls != 0 {
		t.Fatal("provider called despite rate limit denial")
	}

	got, _ := f.store.GetMessage(context.Background(), msg.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("message moved to %s by a deferred send", got.Status)
	}
}

func TestHandleSendAuthError(t *testing.T) {
	f := newFixture(t, &fakeProvider{err: &provider.AuthError{Reason: "token expired"}})
	msg := f.seedMessage(t, "m1")

	err := f.svc.handleSend(context.Background(), sendJobFor(t, msg.ID))
	if !queue.IsNoRetry(err) {
		t.Fatalf("auth failure: got %v, want no-retry", err)
	}

	got, _ := f.store.GetMessage(context.Background(), msg.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status %s, want failed", got.Status)
	}

	// Credential must be invalidated so the next send fails fast.
	_, err = f.store.GetActiveCredential(context.Background(), "t1", "pn1")
	if !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("credential still active after auth failure: %v", err)
	}

	e := expectEvent(t, f.events, domain.EventMessageStatus)
	if se := e.Data.(domain.StatusEvent); se.Status != domain.StatusFailed {
		t.Fatalf("status event = %+v", se)
	}
}

func TestHandleSendRejected(t *testing.T) {
	f := newFixture(t, &fakeProvider{err: &provider.RejectedError{Code: "invalid_recipient"}})
	msg := f.seedMessage(t, "m1")

	err := f.svc.handleSend(context.Background(), sendJobFor(t, msg.ID))
	if !queue.IsNoRetry(err) {
		t.Fatalf("rejected send: got %v, want no-retry", err)
	}
	got, _ := f.store.GetMessage(context.Background(), msg.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status %s, want failed", got.Status)
	}
}

func TestHandleSendTransient(t *testing.T) {
	f := newFixture(t, &fakeProvider{err: &provider.TransientError{Cause: errors.New("502"), RetryAfter: 7 * time.Second}})
	msg := f.seedMessage(t, "m1")

	err := f.svc.handleSend(context.Background(), sendJobFor(t, msg.ID))
	if err == nil || queue.IsNoRetry(err) {
		t.Fatalf("transient failure must be retryable, got %v", err)
	}
	var ra queue.RetryAfterError
	if !errors.As(err, &ra) || ra.RetryAfter() != 7*time.Second {
		t.Fatalf("provider retry hint not propagated: %v", err)
	}

	// The message stays pending until attempts are exhausted.
	got, _ := f.store.GetMessage(context.Background(), msg.ID)
	if got.Status != domain.StatusPending {
		t.Fatalf("status %s, want pending", got.Status)
	}
}

func TestOnExhaustedFailsMessage(t *testing.T) {
	f := newFixture(t, &fakeProvider{})
	msg := f.seedMessage(t, "m1")

	f.svc.onExhausted(context.Background(), sendJobFor(t, msg.ID), errors.New("provider down"))

	got, _ := f.store.GetMessage(context.Background(), msg.ID)
	if got.Status != domain.StatusFailed {
		t.Fatalf("status %s, want failed", got.Status)
	}
	if got.Error == "" {
		t.Fatal("failure reason not recorded")
	}
	expectEvent(t, f.events, domain.EventMessageStatus)
}

func TestEnqueueSendPersistsAndAnnounces(t *testing.T) {
	f := newFixture(t, &fakeProvider{})

	msg := &domain.Message{
		ID: "m1", TenantID: "t1", Type: domain.TypeText,
		Body: "hi", PhoneNumberID: "pn1", To: "+628111",
	}
	job, err := f.svc.EnqueueSend(context.Background(), msg, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("EnqueueSend: %v", err)
	}
	if job.Key != "message-m1" {
		t.Fatalf("job key %q", job.Key)
	}
	if msg.ConversationID == "" {
		t.Fatal("conversation not resolved")
	}

	got, err := f.store.GetMessage(context.Background(), "m1")
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusPending || got.Direction != domain.DirectionOutbound {
		t.Fatalf("persisted message = %+v", got)
	}
	expectEvent(t, f.events, domain.EventMessageNew)

	// Re-enqueueing the same message coalesces and stays quiet.
	again, err := f.svc.EnqueueSend(context.Background(), msg, queue.EnqueueOptions{})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if again.ID != job.ID {
		t.Fatalf("expected coalesce onto %s, got %s", job.ID, again.ID)
	}
	select {
	case e := <-f.events:
		t.Fatalf("unexpected event %s on re-enqueue", e.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCampaignFanOut(t *testing.T) {
	f := newFixture(t, &fakeProvider{})

	c := CampaignJob{
		CampaignID: "camp-1", TenantID: "t1", PhoneNumberID: "pn1",
		Type: domain.TypeText, Body: "promo",
		Recipients: []string{"+628111", "+628222", "+628333"},
	}
	payload, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	job := &storage.Job{ID: "cj", Queue: queue.Campaigns, Key: "campaign-camp-1", Payload: payload, Attempt: 1, MaxAttempts: 3}

	if err := f.svc.handleCampaign(context.Background(), job); err != nil {
		t.Fatalf("handleCampaign: %v", err)
	}

	stats, err := f.queues.Stats(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	pending := stats[queue.OutboundSends][storage.JobWaiting] + stats[queue.OutboundSends][storage.JobDelayed]
	if pending != 3 {
		t.Fatalf("send jobs pending = %d, want 3", pending)
	}

	// Re-running the fan-out is idempotent: same message ids, same job keys.
	if err := f.svc.handleCampaign(context.Background(), job); err != nil {
		t.Fatalf("handleCampaign rerun: %v", err)
	}
	stats, _ = f.queues.Stats(context.Background())
	pending = stats[queue.OutboundSends][storage.JobWaiting] + stats[queue.OutboundSends][storage.JobDelayed]
	if pending != 3 {
		t.Fatalf("rerun duplicated jobs: pending = %d", pending)
	}
}
