// Package ingest processes provider webhook events: new inbound messages and
// delivery/read status callbacks. Raw webhook bodies are persisted before the
// job is enqueued, so processing survives restarts and can be replayed.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relayhub/internal/domain"
	"relayhub/internal/eventbus"
	"relayhub/internal/queue"
	"relayhub/internal/storage"
	"relayhub/pkg/logx"
)

// EventJob is the payload of an inbound-events queue job. It references the
// persisted raw webhook body by id.
type EventJob struct {
	RawEventID string `json:"raw_event_id"`
	TenantID   string `json:"tenant_id"`
}

// webhookEvent is the provider webhook shape this pipeline understands.
// Exactly one of Message or Statuses is set on a well-formed event.
type webhookEvent struct {
	PhoneNumberID string `json:"phone_number_id"`
	Message       *struct {
		From      string `json:"from"`
		ID        string `json:"id"` // provider message id
		Type      string `json:"type"`
		Body      string `json:"body"`
		Timestamp int64  `json:"timestamp"`
	} `json:"message,omitempty"`
	Statuses []struct {
		ID     string `json:"id"` // provider message id
		Status string `json:"status"`
		Error  string `json:"error,omitempty"`
	} `json:"statuses,omitempty"`
}

type Service struct {
	store  domain.Store
	raw    storage.Store
	queues *queue.Manager
	bus    eventbus.Bus
	log    logx.Logger
}

func NewService(store domain.Store, raw storage.Store, queues *queue.Manager, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		store:  store,
		raw:    raw,
		queues: queues,
		bus:    bus,
		log:    log.With(logx.String("comp", "ingest")),
	}
}

// Register installs the inbound-events queue handler. Must be called before
// the queue manager starts.
func (s *Service) Register(qcfg queue.Config) {
	s.queues.Register(qcfg, queue.HandlerFunc(s.handleEvent))
}

// EnqueueEvent persists the raw webhook body and schedules its processing
// job. The raw event id doubles as the dedupe key, so a provider retrying
// the same webhook delivery coalesces into one job.
func (s *Service) EnqueueEvent(ctx context.Context, tenantID string, body []byte, eventID string) (*storage.Job, error) {
	if eventID == "" {
		eventID = uuid.NewString()
	}
	ev := &storage.RawEvent{
		ID:         eventID,
		TenantID:   tenantID,
		Payload:    body,
		ReceivedAt: time.Now().UTC(),
	}
	if err := s.raw.PutRawEvent(ctx, ev); err != nil {
		return nil, fmt.Errorf("persist raw event: %w", err)
	}
	return s.queues.Enqueue(ctx, queue.InboundEvents, "webhook-"+eventID,
		EventJob{RawEventID: eventID, TenantID: tenantID}, queue.EnqueueOptions{})
}

func (s *Service) handleEvent(ctx context.Context, job *storage.Job) error {
	var payload EventJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.NoRetry(fmt.Errorf("decode event job: %w", err))
	}
	raw, err := s.raw.GetRawEvent(ctx, payload.RawEventID)
	if err != nil {
		if errors.Is(err, storage.ErrJobNotFound) || errors.Is(err, domain.ErrNotFound) {
			return queue.NoRetry(fmt.Errorf("raw event %s: %w", payload.RawEventID, err))
		}
		return err
	}

	var ev webhookEvent
	if err := json.Unmarshal(raw.Payload, &ev); err != nil {
		// Malformed bodies never become processable; retrying is pointless.
		return queue.NoRetry(fmt.Errorf("malformed webhook body: %w", err))
	}

	switch {
	case ev.Message != nil:
		return s.handleNewMessage(ctx, payload.TenantID, &ev)
	case len(ev.Statuses) > 0:
		return s.handleStatuses(ctx, payload.TenantID, &ev)
	default:
		return queue.NoRetry(fmt.Errorf("webhook event %s: neither message nor statuses", payload.RawEventID))
	}
}

func (s *Service) handleNewMessage(ctx context.Context, tenantID string, ev *webhookEvent) error {
	in := ev.Message
	if in.From == "" || in.ID == "" {
		return queue.NoRetry(fmt.Errorf("inbound message missing from/id"))
	}

	conv, err := s.store.GetOrCreateConversation(ctx, tenantID, in.From)
	if err != nil {
		return fmt.Errorf("resolve conversation: %w", err)
	}

	msg := &domain.Message{
		// Derived from the provider id so webhook redelivery converges on
		// the same row.
		ID:                uuid.NewSHA1(uuid.NameSpaceOID, []byte("inbound|"+in.ID)).String(),
		TenantID:          tenantID,
		ConversationID:    conv.ID,
		Direction:         domain.DirectionInbound,
		Type:              messageType(in.Type),
		Body:              in.Body,
		PhoneNumberID:     ev.PhoneNumberID,
		From:              in.From,
		ProviderMessageID: in.ID,
		Status:            domain.StatusDelivered,
		CreatedAt:         inboundTime(in.Timestamp),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		if errors.Is(err, domain.ErrConflict) {
			s.log.Debug("duplicate inbound message",
				logx.String("provider_message_id", in.ID),
				logx.String("tenant", tenantID),
			)
			return nil
		}
		return fmt.Errorf("persist inbound message: %w", err)
	}

	s.bus.Emit(domain.EventMessageNew, domain.MessageEvent{
		TenantID:       tenantID,
		ConversationID: conv.ID,
		Message:        *msg,
	})
	s.bus.Emit(domain.EventConversationUpdated, domain.ConversationEvent{
		TenantID:     tenantID,
		Conversation: *conv,
	})
	s.log.Info("inbound message stored",
		logx.String("tenant", tenantID),
		logx.String("conversation", conv.ID),
		logx.String("provider_message_id", in.ID),
	)
	return nil
}

func (s *Service) handleStatuses(ctx context.Context, tenantID string, ev *webhookEvent) error {
	var firstErr error
	for _, st := range ev.Statuses {
		target, ok := callbackStatus(st.Status)
		if !ok {
			s.log.Warn("unknown status callback", logx.String("status", st.Status), logx.String("tenant", tenantID))
			continue
		}
		if err := s.applyStatus(ctx, tenantID, st.ID, target, st.Error); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Service) applyStatus(ctx context.Context, tenantID, providerMessageID string, target domain.Status, errStr string) error {
	msg, err := s.store.GetMessageByProviderID(ctx, providerMessageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// Callback raced ahead of the send worker's status write, or
			// references a message this instance never sent. Retry covers
			// the race; the backoff ceiling covers the rest.
			return fmt.Errorf("message for provider id %s not found", providerMessageID)
		}
		return err
	}

	next, changed, err := domain.AdvanceStatus(msg.Status, target)
	if err != nil {
		return queue.NoRetry(fmt.Errorf("message %s: %w", msg.ID, err))
	}
	if !changed {
		// Stale or duplicate callback; the status machine never downgrades.
		return nil
	}

	wrote, err := s.store.UpdateMessageStatus(ctx, msg.ID, domain.PriorStatuses(next), next,
		domain.StatusExtra{Error: errStr})
	if err != nil {
		return fmt.Errorf("update status: %w", err)
	}
	if !wrote {
		// Lost the race to a concurrent writer that advanced further.
		return nil
	}
	s.bus.Emit(domain.EventMessageStatus, domain.StatusEvent{
		TenantID:       msg.TenantID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Status:         next,
		Error:          errStr,
	})
	return nil
}

func messageType(s string) domain.MessageType {
	switch s {
	case "image", "audio", "video", "document", "sticker":
		return domain.TypeMedia
	case "interactive", "button":
		return domain.TypeInteractive
	default:
		return domain.TypeText
	}
}

func callbackStatus(s string) (domain.Status, bool) {
	switch s {
	case "sent":
		return domain.StatusSent, true
	case "delivered":
		return domain.StatusDelivered, true
	case "read":
		return domain.StatusRead, true
	case "failed":
		return domain.StatusFailed, true
	default:
		return "", false
	}
}

func inboundTime(unix int64) time.Time {
	if unix <= 0 {
		return time.Now().UTC()
	}
	return time.Unix(unix, 0).UTC()
}
