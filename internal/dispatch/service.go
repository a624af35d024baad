package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"relayhub/internal/domain"
	"relayhub/internal/eventbus"
	"relayhub/internal/metrics"
	"relayhub/internal/provider"
	"relayhub/internal/queue"
	"relayhub/internal/ratelimit"
	"relayhub/internal/storage"
	"relayhub/pkg/logx"
)

var errRateLimited = errors.New("tenant rate limited")

// Config tunes the send worker.
type Config struct {
	Enabled bool
	// SendTimeout bounds a single provider call. 0 means 30s.
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.SendTimeout <= 0 {
		c.SendTimeout = 30 * time.Second
	}
	return c
}

// SendJob is the payload of an outbound-sends queue job. Message content
// lives in the store; the job carries only the reference so a replayed or
// retried job always sends the current row.
type SendJob struct {
	MessageID string `json:"message_id"`
}

// Service executes outbound sends: it claims jobs from the outbound-sends
// queue, spends tenant rate tokens, calls the provider, and advances the
// message through the status machine. One terminal status write per message;
// hub events are emitted only after the durable write.
type Service struct {
	mu  sync.Mutex
	cfg Config

	store    domain.Store
	queues   *queue.Manager
	limiter  *ratelimit.Limiter
	provider provider.Client
	bus      eventbus.Bus
	log      logx.Logger
}

func NewService(cfg Config, store domain.Store, queues *queue.Manager, limiter *ratelimit.Limiter, client provider.Client, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:      cfg.withDefaults(),
		store:    store,
		queues:   queues,
		limiter:  limiter,
		provider: client,
		bus:      bus,
		log:      log.With(logx.String("comp", "dispatch")),
	}
}

// Register installs the outbound-sends queue handler. Must be called before
// the queue manager starts.
func (s *Service) Register(qcfg queue.Config) {
	s.queues.Register(qcfg, queue.HandlerFunc(s.handleSend), queue.WithExhausted(s.onExhausted))
}

// Apply updates tunables at runtime.
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg.withDefaults()
	s.mu.Unlock()
}

func (s *Service) sendTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.SendTimeout
}

// EnqueueSend persists the message (status pending) and schedules its send
// job. Re-enqueueing the same message id coalesces with the in-flight job.
func (s *Service) EnqueueSend(ctx context.Context, msg *domain.Message, opt queue.EnqueueOptions) (*storage.Job, error) {
	if msg.ID == "" {
		return nil, fmt.Errorf("message id required")
	}
	msg.Direction = domain.DirectionOutbound
	if msg.Status == "" {
		msg.Status = domain.StatusPending
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if msg.ConversationID == "" {
		conv, err := s.store.GetOrCreateConversation(ctx, msg.TenantID, msg.To)
		if err != nil {
			return nil, fmt.Errorf("resolve conversation: %w", err)
		}
		msg.ConversationID = conv.ID
	}
	created := true
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			return nil, fmt.Errorf("persist message: %w", err)
		}
		created = false
	}
	job, err := s.queues.Enqueue(ctx, queue.OutboundSends, "message-"+msg.ID, SendJob{MessageID: msg.ID}, opt)
	if err != nil {
		return nil, err
	}
	if created {
		s.bus.Emit(domain.EventMessageNew, domain.MessageEvent{
			TenantID:       msg.TenantID,
			ConversationID: msg.ConversationID,
			Message:        *msg,
		})
	}
	return job, nil
}

func (s *Service) handleSend(ctx context.Context, job *storage.Job) error {
	var payload SendJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return queue.NoRetry(fmt.Errorf("decode send job: %w", err))
	}

	msg, err := s.store.GetMessage(ctx, payload.MessageID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return queue.NoRetry(fmt.Errorf("message %s: %w", payload.MessageID, err))
		}
		return err
	}
	// A replayed or duplicate job for an already-dispatched message is a no-op.
	if msg.Status != domain.StatusPending {
		s.log.Debug("send job skipped; message already dispatched",
			logx.String("message_id", msg.ID),
			logx.String("status", string(msg.Status)),
		)
		return nil
	}

	cred, err := s.store.GetActiveCredential(ctx, msg.TenantID, msg.PhoneNumberID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			s.failMessage(ctx, msg, "no active credential")
			return queue.NoRetry(fmt.Errorf("tenant %s: no active credential", msg.TenantID))
		}
		return err
	}

	if dec := s.limiter.Consume(msg.TenantID, 1); !dec.Allowed {
		metrics.RateLimitDenied.Inc()
		s.log.Debug("send deferred by rate limit",
			logx.String("tenant", msg.TenantID),
			logx.Duration("retry_after", dec.RetryAfter),
		)
		return queue.RetryAfter(errRateLimited, dec.RetryAfter)
	}

	sctx, cancel := context.WithTimeout(ctx, s.sendTimeout())
	res, err := s.send(sctx, cred, msg)
	cancel()
	if err != nil {
		return s.handleSendError(ctx, msg, cred, err)
	}

	// providerMessageId is recorded in the same write that flips the status,
	// so a Sent message can always be correlated with later callbacks.
	changed, err := s.store.UpdateMessageStatus(ctx, msg.ID,
		domain.PriorStatuses(domain.StatusSent), domain.StatusSent,
		domain.StatusExtra{ProviderMessageID: res.ProviderMessageID})
	if err != nil {
		return fmt.Errorf("mark sent: %w", err)
	}
	if changed {
		s.publishStatus(msg, domain.StatusSent, "")
	}
	s.log.Info("message sent",
		logx.String("message_id", msg.ID),
		logx.String("tenant", msg.TenantID),
		logx.String("provider_message_id", res.ProviderMessageID),
	)
	return nil
}

func (s *Service) send(ctx context.Context, cred *domain.Credential, msg *domain.Message) (*provider.SendResult, error) {
	switch msg.Type {
	case domain.TypeTemplate:
		var tpl provider.TemplateParams
		if err := json.Unmarshal([]byte(msg.Body), &tpl); err != nil {
			return nil, &provider.RejectedError{Code: "bad_template", Detail: err.Error()}
		}
		return s.provider.SendTemplate(ctx, cred.Token, cred.PhoneNumberID, msg.To, tpl)
	case domain.TypeInteractive:
		return s.provider.SendInteractive(ctx, cred.Token, cred.PhoneNumberID, msg.To, msg.Body)
	default:
		return s.provider.SendText(ctx, cred.Token, cred.PhoneNumberID, msg.To, msg.Body, nil)
	}
}

func (s *Service) handleSendError(ctx context.Context, msg *domain.Message, cred *domain.Credential, err error) error {
	switch {
	case provider.IsAuth(err):
		if ierr := s.store.InvalidateCredential(ctx, cred.ID, err.Error()); ierr != nil {
			s.log.Warn("credential invalidation failed", logx.String("credential", cred.ID), logx.Err(ierr))
		}
		s.failMessage(ctx, msg, err.Error())
		s.log.Warn("credential rejected by provider",
			logx.String("tenant", msg.TenantID),
			logx.String("credential", cred.ID),
		)
		return queue.NoRetry(err)
	case provider.IsRejected(err):
		s.failMessage(ctx, msg, err.Error())
		return queue.NoRetry(err)
	case provider.IsTransient(err):
		var te *provider.TransientError
		if errors.As(err, &te) && te.RetryAfter > 0 {
			return queue.RetryAfter(err, te.RetryAfter)
		}
		return err
	default:
		// Unknown provider failures count as transient.
		return err
	}
}

// onExhausted runs after the last attempt of a send job failed; the message
// transitions to its terminal failed state exactly once.
func (s *Service) onExhausted(ctx context.Context, job *storage.Job, cause error) {
	var payload SendJob
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return
	}
	msg, err := s.store.GetMessage(ctx, payload.MessageID)
	if err != nil {
		return
	}
	reason := "send attempts exhausted"
	if cause != nil {
		reason = cause.Error()
	}
	s.failMessage(ctx, msg, reason)
}

func (s *Service) failMessage(ctx context.Context, msg *domain.Message, reason string) {
	changed, err := s.store.UpdateMessageStatus(ctx, msg.ID,
		domain.PriorStatuses(domain.StatusFailed), domain.StatusFailed,
		domain.StatusExtra{Error: reason})
	if err != nil {
		s.log.Error("mark failed", logx.String("message_id", msg.ID), logx.Err(err))
		return
	}
	if changed {
		s.publishStatus(msg, domain.StatusFailed, reason)
	}
}

func (s *Service) publishStatus(msg *domain.Message, status domain.Status, errStr string) {
	s.bus.Emit(domain.EventMessageStatus, domain.StatusEvent{
		TenantID:       msg.TenantID,
		ConversationID: msg.ConversationID,
		MessageID:      msg.ID,
		Status:         status,
		Error:          errStr,
	})
}
