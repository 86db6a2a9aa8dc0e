// Package sender defines the rendering+delivery collaborator contract. The
// core treats delivery as a black box; the only thing it needs from a failure
// is whether retrying can help.
package sender

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	eventdomain "beacon-messaging/backend/internal/event/domain"
	templatedomain "beacon-messaging/backend/internal/template/domain"
	userdomain "beacon-messaging/backend/internal/user/domain"
)

// Context carries the variables a template is rendered with.
type Context struct {
	User  *userdomain.User
	Event *eventdomain.Event
}

// Sender renders a template with the given context and delivers the result.
type Sender interface {
	Send(ctx context.Context, tmpl *templatedomain.Template, rctx Context) error
}

// DeliveryError is a classified delivery failure. Retryable indicates the
// condition is transient (network, timeout, rate limit) and worth retrying.
type DeliveryError struct {
	Retryable bool
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// LogSender is a development Sender that logs instead of delivering.
// Lets the worker run end to end without an SMTP or provider account.
type LogSender struct {
	Logger *zap.Logger
}

func (s *LogSender) Send(ctx context.Context, tmpl *templatedomain.Template, rctx Context) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("delivering message",
		zap.String("template_id", tmpl.ID),
		zap.String("subject", tmpl.Subject),
		zap.String("user_id", rctx.User.ID),
		zap.String("to", rctx.User.Email))
	return nil
}
