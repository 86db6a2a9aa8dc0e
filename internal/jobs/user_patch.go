package jobs

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"beacon-messaging/backend/internal/list"
	"beacon-messaging/backend/internal/outcome"
	userdomain "beacon-messaging/backend/internal/user/domain"
	userrepo "beacon-messaging/backend/internal/user/repository"
)

// KindUserPatch is the job kind for inbound identity/attribute patches.
const KindUserPatch = "user_patch"

// UserPatchPayload is the wire shape of a user_patch trigger.
type UserPatchPayload struct {
	ProjectID string        `json:"project_id"`
	User      UserPatchBody `json:"user"`
}

// UserPatchBody carries the patched identity. Data shallow-merges into the
// attribute map; the scalar fields overwrite when non-empty.
type UserPatchBody struct {
	ExternalID string         `json:"external_id"`
	Email      string         `json:"email,omitempty"`
	Phone      string         `json:"phone,omitempty"`
	Timezone   string         `json:"timezone,omitempty"`
	Data       map[string]any `json:"data,omitempty"`
}

// UserPatchHandler merges inbound attribute data for a project-scoped external
// identity, creating the user if absent, then re-evaluates list membership.
type UserPatchHandler struct {
	users  userrepo.Repository
	lists  *list.Service
	logger *zap.Logger
}

// NewUserPatchHandler returns a patch handler with explicit collaborators.
func NewUserPatchHandler(users userrepo.Repository, lists *list.Service, logger *zap.Logger) *UserPatchHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UserPatchHandler{users: users, lists: lists, logger: logger}
}

// Execute applies the patch through the repository's atomic merge, then
// triggers list re-evaluation scoped to the attribute keys the patch touched.
// Re-evaluation runs only after the merge is durably committed so it never
// sees stale state. All cross-trigger synchronization lives in the
// repository's upsert; the handler takes no locks.
func (h *UserPatchHandler) Execute(ctx context.Context, payload json.RawMessage) error {
	var p UserPatchPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return outcome.Permanentf("user_patch payload: %v", err)
	}
	if p.ProjectID == "" || p.User.ExternalID == "" {
		return outcome.Permanentf("user_patch payload: project_id and user.external_id are required")
	}

	patch := &userdomain.Patch{
		ExternalID: p.User.ExternalID,
		Email:      p.User.Email,
		Phone:      p.User.Phone,
		Timezone:   p.User.Timezone,
		Attributes: p.User.Data,
	}
	user, err := h.users.Apply(ctx, p.ProjectID, patch)
	if err != nil {
		return outcome.Transientf("apply patch: %v", err)
	}

	touched := make([]string, 0, len(p.User.Data))
	for k := range p.User.Data {
		touched = append(touched, k)
	}
	if err := h.lists.UpdateForUser(ctx, user, touched); err != nil {
		// The merge is idempotent for a fixed input, so retrying the whole job
		// to redo membership evaluation is safe.
		return outcome.Transientf("update lists: %v", err)
	}

	h.logger.Info("user patched",
		zap.String("user_id", user.ID),
		zap.String("project_id", user.ProjectID),
		zap.String("external_id", user.ExternalID),
		zap.Int("touched_attrs", len(touched)))
	return nil
}
