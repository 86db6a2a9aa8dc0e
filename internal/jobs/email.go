// Package jobs holds the handlers bound to job kinds. Handlers are pure
// orchestration: they load entities, perform the effect through their
// collaborators, and record resulting events. All collaborators arrive through
// the constructor so each handler is independently testable.
package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	eventdomain "beacon-messaging/backend/internal/event/domain"
	eventrepo "beacon-messaging/backend/internal/event/repository"
	"beacon-messaging/backend/internal/outcome"
	"beacon-messaging/backend/internal/sender"
	templatedomain "beacon-messaging/backend/internal/template/domain"
	templaterepo "beacon-messaging/backend/internal/template/repository"
	userdomain "beacon-messaging/backend/internal/user/domain"
	userrepo "beacon-messaging/backend/internal/user/repository"
)

// KindEmail is the job kind for outbound email triggers.
const KindEmail = "email"

// EmailPayload is the wire shape of an email trigger.
type EmailPayload struct {
	TemplateID string `json:"template_id"`
	UserID     string `json:"user_id"`
	EventID    string `json:"event_id"`
}

// EmailHandler renders and delivers a message for a user, then records the
// outcome on the user's event log.
type EmailHandler struct {
	users     userrepo.Repository
	events    eventrepo.Repository
	templates templaterepo.Repository
	sender    sender.Sender
	logger    *zap.Logger
}

// NewEmailHandler returns an email handler with explicit collaborators.
func NewEmailHandler(users userrepo.Repository, events eventrepo.Repository,
	templates templaterepo.Repository, s sender.Sender, logger *zap.Logger) *EmailHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EmailHandler{users: users, events: events, templates: templates, sender: s, logger: logger}
}

// Execute loads user, referencing event, and template concurrently, delivers
// the message, and appends an email_sent event only after delivery is
// confirmed. A user or template deleted between enqueue and execution is an
// expected race: the job completes with no side effect and no retry.
func (h *EmailHandler) Execute(ctx context.Context, payload json.RawMessage) error {
	var p EmailPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return outcome.Permanentf("email payload: %v", err)
	}
	if p.TemplateID == "" || p.UserID == "" {
		return outcome.Permanentf("email payload: template_id and user_id are required")
	}

	var (
		wg   sync.WaitGroup
		user *userdomain.User
		ev   *eventdomain.Event
		tmpl *templatedomain.Template
		errs [3]error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		user, errs[0] = h.users.GetByID(ctx, p.UserID)
	}()
	go func() {
		defer wg.Done()
		if p.EventID != "" {
			ev, errs[1] = h.findEvent(ctx, p.UserID, p.EventID)
		}
	}()
	go func() {
		defer wg.Done()
		tmpl, errs[2] = h.templates.GetByID(ctx, p.TemplateID)
	}()
	wg.Wait()
	for _, err := range errs {
		if err != nil {
			return outcome.Transientf("load entities: %v", err)
		}
	}

	if user == nil {
		return fmt.Errorf("user %s: %w", p.UserID, outcome.ErrStaleReference)
	}
	if tmpl == nil {
		return fmt.Errorf("template %s: %w", p.TemplateID, outcome.ErrStaleReference)
	}

	if err := h.sender.Send(ctx, tmpl, sender.Context{User: user, Event: ev}); err != nil {
		var de *sender.DeliveryError
		if errors.As(err, &de) && !de.Retryable {
			return outcome.Permanent(err)
		}
		return outcome.Transient(err)
	}

	// Side effect ordering: the event is appended only after delivery
	// confirmation, so the log never claims an unconfirmed send. A retry after
	// an unconfirmed success may duplicate the event; that is the accepted
	// trade-off.
	_, err := h.events.Append(ctx, user.ID, user.ProjectID, eventdomain.NameEmailSent, map[string]any{
		"template_id": tmpl.ID,
		"channel":     "email",
		"subject":     tmpl.Subject,
	})
	if err != nil {
		return outcome.Transientf("record email_sent: %v", err)
	}
	h.logger.Info("email sent",
		zap.String("user_id", user.ID), zap.String("template_id", tmpl.ID))
	return nil
}

// findEvent resolves the triggering event from the user's recent log. A
// missing event is not fatal; the message simply renders without it.
func (h *EmailHandler) findEvent(ctx context.Context, userID, eventID string) (*eventdomain.Event, error) {
	events, err := h.events.ListByUser(ctx, userID, 200)
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		if ev.ID == eventID {
			return ev, nil
		}
	}
	return nil, nil
}
