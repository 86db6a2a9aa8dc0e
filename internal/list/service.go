// Package list evaluates membership rules and persists membership transitions.
package list

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	eventdomain "beacon-messaging/backend/internal/event/domain"
	eventrepo "beacon-messaging/backend/internal/event/repository"
	"beacon-messaging/backend/internal/list/domain"
	listrepo "beacon-messaging/backend/internal/list/repository"
	userdomain "beacon-messaging/backend/internal/user/domain"
)

// eventWindow caps how many recent events a rule evaluation reads.
const eventWindow = 200

// Service evaluates list rules for a user and reconciles the materialized
// membership set, recording join/leave transitions as events so downstream
// automation can trigger on membership changes.
type Service struct {
	lists  listrepo.Repository
	events eventrepo.Repository
	logger *zap.Logger
}

// NewService returns a list service using the given repositories.
func NewService(lists listrepo.Repository, events eventrepo.Repository, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{lists: lists, events: events, logger: logger}
}

// Evaluate computes the target membership set for the user across all enabled
// lists of their project. Pure with respect to stored membership: it reads only
// attributes, events, and rules.
func (s *Service) Evaluate(ctx context.Context, user *userdomain.User) (map[string]*domain.List, error) {
	lists, err := s.lists.ListEnabledByProject(ctx, user.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("load lists: %w", err)
	}
	events, err := s.events.ListByUser(ctx, user.ID, eventWindow)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	target := make(map[string]*domain.List)
	for _, l := range lists {
		if l.Rule.Evaluate(user.Attributes, events) {
			target[l.ID] = l
		}
	}
	return target, nil
}

// Reconcile diffs the target set against the current materialized membership
// and applies join/leave transitions. Each transition appends a list_joined or
// list_left event. scope limits which lists may transition; nil means all.
func (s *Service) Reconcile(ctx context.Context, user *userdomain.User, target map[string]*domain.List, scope map[string]*domain.List) error {
	current, err := s.lists.MembershipListIDs(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("load memberships: %w", err)
	}

	// Each transition appends its event before the membership row changes. If
	// either write fails, the retry still sees the membership in its old state
	// and re-emits, so a transition event can be duplicated but never lost.
	now := time.Now().UTC()
	for id, l := range target {
		if current[id] {
			continue
		}
		if _, err := s.events.Append(ctx, user.ID, user.ProjectID, eventdomain.NameListJoined, transitionProps(l)); err != nil {
			return fmt.Errorf("record join %s: %w", id, err)
		}
		if err := s.lists.UpsertMembership(ctx, user.ID, id, now); err != nil {
			return fmt.Errorf("join list %s: %w", id, err)
		}
		s.logger.Info("list joined", zap.String("user_id", user.ID), zap.String("list_id", id))
	}

	for id := range current {
		if _, wanted := target[id]; wanted {
			continue
		}
		var l *domain.List
		if scope != nil {
			var in bool
			if l, in = scope[id]; !in {
				continue
			}
		} else {
			if l, err = s.lists.GetByID(ctx, id); err != nil {
				return fmt.Errorf("load list %s: %w", id, err)
			}
		}
		if _, err := s.events.Append(ctx, user.ID, user.ProjectID, eventdomain.NameListLeft, transitionProps(l)); err != nil {
			return fmt.Errorf("record leave %s: %w", id, err)
		}
		if err := s.lists.DeleteMembership(ctx, user.ID, id); err != nil {
			return fmt.Errorf("leave list %s: %w", id, err)
		}
		s.logger.Info("list left", zap.String("user_id", user.ID), zap.String("list_id", id))
	}
	return nil
}

// UpdateForUser re-evaluates membership for the user. touchedAttrs scopes the
// work to lists whose rules reference any of those attribute keys; nil means a
// full re-evaluation. Must run after the triggering merge is durably committed
// so evaluation never sees stale state.
func (s *Service) UpdateForUser(ctx context.Context, user *userdomain.User, touchedAttrs []string) error {
	lists, err := s.lists.ListEnabledByProject(ctx, user.ProjectID)
	if err != nil {
		return fmt.Errorf("load lists: %w", err)
	}

	affected := lists
	if touchedAttrs != nil {
		affected = make([]*domain.List, 0, len(lists))
		for _, l := range lists {
			if l.Rule.ReferencesAnyAttribute(touchedAttrs) {
				affected = append(affected, l)
			}
		}
	}
	if len(affected) == 0 {
		return nil
	}

	events, err := s.events.ListByUser(ctx, user.ID, eventWindow)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	var scope map[string]*domain.List
	if touchedAttrs != nil {
		scope = make(map[string]*domain.List, len(affected))
	}
	target := make(map[string]*domain.List)
	for _, l := range affected {
		if scope != nil {
			scope[l.ID] = l
		}
		if l.Rule.Evaluate(user.Attributes, events) {
			target[l.ID] = l
		}
	}
	// Full re-evaluation reconciles with nil scope so memberships of lists that
	// have since been disabled or deleted are released too.
	return s.Reconcile(ctx, user, target, scope)
}

func transitionProps(l *domain.List) map[string]any {
	if l == nil {
		return nil
	}
	return map[string]any{"list_id": l.ID, "list_name": l.Name}
}
