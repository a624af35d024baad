package provider

import (
	"context"

	"github.com/google/uuid"

	"relayhub/pkg/logx"
)

// Sandbox is a Client for local runs and integration tests: every send
// succeeds immediately with a generated provider message id. No network.
type Sandbox struct {
	log logx.Logger
}

func NewSandbox(log logx.Logger) *Sandbox {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Sandbox{log: log.With(logx.String("comp", "provider.sandbox"))}
}

func (s *Sandbox) SendText(ctx context.Context, _, phoneNumberID, to, text string, _ *SendOptions) (*SendResult, error) {
	return s.accept(ctx, "text", phoneNumberID, to)
}

func (s *Sandbox) SendTemplate(ctx context.Context, _, phoneNumberID, to string, tpl TemplateParams) (*SendResult, error) {
	return s.accept(ctx, "template", phoneNumberID, to)
}

func (s *Sandbox) SendInteractive(ctx context.Context, _, phoneNumberID, to, _ string) (*SendResult, error) {
	return s.accept(ctx, "interactive", phoneNumberID, to)
}

func (s *Sandbox) accept(ctx context.Context, kind, phoneNumberID, to string) (*SendResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, &TransientError{Cause: err}
	}
	id := "sandbox-" + uuid.NewString()
	s.log.Debug("sandbox send accepted",
		logx.String("kind", kind),
		logx.String("phone_number_id", phoneNumberID),
		logx.String("to", to),
		logx.String("provider_message_id", id),
	)
	return &SendResult{ProviderMessageID: id}, nil
}
