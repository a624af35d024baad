// Package provider defines the boundary to the external messaging provider.
//
// The concrete HTTP client lives outside the pipeline; workers depend only on
// the Client interface and the error taxonomy here. Every error coming back
// over this boundary must be one of the classified kinds so the dispatch
// worker can decide retry vs terminal-fail without inspecting provider
// internals.
package provider

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// SendResult is returned on a successful provider send.
type SendResult struct {
	ProviderMessageID string
}

// SendOptions carries per-send knobs (preview URL, reply context, ...).
type SendOptions struct {
	PreviewURL       bool
	ReplyToMessageID string
}

// TemplateParams fills a pre-approved template.
type TemplateParams struct {
	Name     string
	Language string
	Params   []string
}

// Client sends messages on behalf of one tenant credential. Implementations
// must bound every call with the ctx deadline; a call that outlives it counts
// as a transient failure for retry purposes.
type Client interface {
	SendText(ctx context.Context, token, phoneNumberID, to, text string, opt *SendOptions) (*SendResult, error)
	SendTemplate(ctx context.Context, token, phoneNumberID, to string, tpl TemplateParams) (*SendResult, error)
	SendInteractive(ctx context.Context, token, phoneNumberID, to, payload string) (*SendResult, error)
}

// ---- Error taxonomy ----

// AuthError means the credential is invalid or expired. Never retried; the
// credential is invalidated and the message fails.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "provider auth: " + e.Reason }

// TransientError covers network failures, 5xx, and provider rate limiting.
// Retried through the queue's backoff up to the attempt ceiling.
type TransientError struct {
	Cause      error
	RetryAfter time.Duration // 0 when the provider gave no hint
}

func (e *TransientError) Error() string { return fmt.Sprintf("provider transient: %v", e.Cause) }
func (e *TransientError) Unwrap() error { return e.Cause }

// RejectedError means the provider permanently rejected this message
// (malformed recipient, banned template, ...). Not retried.
type RejectedError struct {
	Code   string
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("provider rejected (%s): %s", e.Code, e.Detail)
}

func IsAuth(err error) bool {
	var e *AuthError
	return errors.As(err, &e)
}

func IsTransient(err error) bool {
	var e *TransientError
	return errors.As(err, &e)
}

func IsRejected(err error) bool {
	var e *RejectedError
	return errors.As(err, &e)
}
