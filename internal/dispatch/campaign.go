package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"relayhub/internal/domain"
	"relayhub/internal/queue"
	"relayhub/internal/storage"
	"relayhub/pkg/logx"
)

// CampaignJob fans out one message body to many recipients. Each recipient
// becomes an independent message and send job, so one bad number never stalls
// the rest and per-recipient retry accounting stays isolated.
type CampaignJob struct {
	CampaignID    string             `json:"campaign_id"`
	TenantID      string             `json:"tenant_id"`
	PhoneNumberID string             `json:"phone_number_id"`
	Type          domain.MessageType `json:"type"`
	Body          string             `json:"body"`
	Recipients    []string           `json:"recipients"`
}

// RegisterCampaigns installs the campaigns queue handler.
func (s *Service) RegisterCampaigns(qcfg queue.Config) {
	s.queues.Register(qcfg, queue.HandlerFunc(s.handleCampaign))
}

// EnqueueCampaign schedules a fan-out job. The campaign id doubles as the
// dedupe key, so re-submitting the same campaign coalesces.
func (s *Service) EnqueueCampaign(ctx context.Context, c CampaignJob, opt queue.EnqueueOptions) (*storage.Job, error) {
	if c.CampaignID == "" {
		c.CampaignID = uuid.NewString()
	}
	if len(c.Recipients) == 0 {
		return nil, fmt.Errorf("campaign %s: no recipients", c.CampaignID)
	}
	return s.queues.Enqueue(ctx, queue.Campaigns, "campaign-"+c.CampaignID, c, opt)
}

// handleCampaign expands the recipient list into per-message send jobs. The
// per-recipient key includes the campaign id, so a retried campaign job skips
// recipients that already have a message in flight instead of double-sending.
func (s *Service) handleCampaign(ctx context.Context, job *storage.Job) error {
	var c CampaignJob
	if err := json.Unmarshal(job.Payload, &c); err != nil {
		return queue.NoRetry(fmt.Errorf("decode campaign job: %w", err))
	}

	var failed int
	for i, to := range c.Recipients {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		msg := &domain.Message{
			ID:            campaignMessageID(c.CampaignID, to),
			TenantID:      c.TenantID,
			Direction:     domain.DirectionOutbound,
			Type:          c.Type,
			Body:          c.Body,
			PhoneNumberID: c.PhoneNumberID,
			To:            to,
			Status:        domain.StatusPending,
			CreatedAt:     time.Now().UTC(),
		}
		// Spread sends so a large campaign doesn't drain the tenant bucket
		// in one burst; the limiter still has the final say per send.
		opt := queue.EnqueueOptions{Priority: 10, Delay: time.Duration(i) * 100 * time.Millisecond}
		if _, err := s.EnqueueSend(ctx, msg, opt); err != nil {
			failed++
			s.log.Warn("campaign recipient enqueue failed",
				logx.String("campaign", c.CampaignID),
				logx.String("to", to),
				logx.Err(err),
			)
		}
	}
	s.log.Info("campaign fanned out",
		logx.String("campaign", c.CampaignID),
		logx.String("tenant", c.TenantID),
		logx.Int("recipients", len(c.Recipients)),
		logx.Int("failed", failed),
	)
	if failed == len(c.Recipients) {
		return fmt.Errorf("campaign %s: all %d enqueues failed", c.CampaignID, failed)
	}
	return nil
}

// campaignMessageID derives a stable id so re-running the fan-out is
// idempotent per recipient.
func campaignMessageID(campaignID, to string) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(campaignID+"|"+to)).String()
}
