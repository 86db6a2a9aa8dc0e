package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	eventdomain "beacon-messaging/backend/internal/event/domain"
	"beacon-messaging/backend/internal/list"
	listdomain "beacon-messaging/backend/internal/list/domain"
	"beacon-messaging/backend/internal/outcome"
	"beacon-messaging/backend/internal/sender"
	templatedomain "beacon-messaging/backend/internal/template/domain"
	userdomain "beacon-messaging/backend/internal/user/domain"
)

// mockUserRepo implements the user repository interface in memory. Apply is
// serialized by a mutex, matching the database ordering concurrent patches by
// arrival.
type mockUserRepo struct {
	mu    sync.Mutex
	users map[string]*userdomain.User // keyed by projectID+"/"+externalID
}

func newMockUserRepo() *mockUserRepo {
	return &mockUserRepo{users: map[string]*userdomain.User{}}
}

func (m *mockUserRepo) GetByID(ctx context.Context, id string) (*userdomain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.ID == id {
			cp := *u
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *mockUserRepo) GetByExternalID(ctx context.Context, projectID, externalID string) (*userdomain.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[projectID+"/"+externalID]; ok {
		cp := *u
		return &cp, nil
	}
	return nil, nil
}

func (m *mockUserRepo) Apply(ctx context.Context, projectID string, patch *userdomain.Patch) (*userdomain.User, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	key := projectID + "/" + patch.ExternalID
	u, ok := m.users[key]
	if !ok {
		u = &userdomain.User{
			ID:         uuid.New().String(),
			ProjectID:  projectID,
			ExternalID: patch.ExternalID,
			CreatedAt:  time.Now().UTC(),
		}
		m.users[key] = u
	}
	u.Merge(patch)
	u.UpdatedAt = time.Now().UTC()
	cp := *u
	cp.Attributes = make(map[string]any, len(u.Attributes))
	for k, v := range u.Attributes {
		cp.Attributes[k] = v
	}
	return &cp, nil
}

// mockEventRepo implements the event repository interface for tests.
type mockEventRepo struct {
	mu     sync.Mutex
	events []*eventdomain.Event
}

func (m *mockEventRepo) Append(ctx context.Context, userID, projectID, name string, properties map[string]any) (*eventdomain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ev := &eventdomain.Event{
		ID: uuid.New().String(), UserID: userID, ProjectID: projectID,
		Name: name, Properties: properties, CreatedAt: time.Now().UTC(),
	}
	m.events = append(m.events, ev)
	return ev, nil
}

func (m *mockEventRepo) ListByUser(ctx context.Context, userID string, limit int32) ([]*eventdomain.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*eventdomain.Event
	for _, ev := range m.events {
		if ev.UserID == userID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *mockEventRepo) named(name string) []*eventdomain.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*eventdomain.Event
	for _, ev := range m.events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}

// mockTemplateRepo implements the template repository interface for tests.
type mockTemplateRepo struct {
	templates map[string]*templatedomain.Template
}

func (m *mockTemplateRepo) GetByID(ctx context.Context, id string) (*templatedomain.Template, error) {
	if t, ok := m.templates[id]; ok {
		return t, nil
	}
	return nil, nil
}

func (m *mockTemplateRepo) Create(ctx context.Context, t *templatedomain.Template) error {
	m.templates[t.ID] = t
	return nil
}

// mockSender implements sender.Sender; nextErrs is consumed one per Send.
type mockSender struct {
	nextErrs []error
	sent     []sender.Context
}

func (m *mockSender) Send(ctx context.Context, tmpl *templatedomain.Template, rctx sender.Context) error {
	if len(m.nextErrs) > 0 {
		err := m.nextErrs[0]
		m.nextErrs = m.nextErrs[1:]
		if err != nil {
			return err
		}
	}
	m.sent = append(m.sent, rctx)
	return nil
}

// mockListRepo implements the list repository interface for tests.
type mockListRepo struct {
	lists       []*listdomain.List
	memberships map[string]map[string]bool
}

func newMockListRepo(lists ...*listdomain.List) *mockListRepo {
	return &mockListRepo{lists: lists, memberships: map[string]map[string]bool{}}
}

func (m *mockListRepo) GetByID(ctx context.Context, id string) (*listdomain.List, error) {
	for _, l := range m.lists {
		if l.ID == id {
			return l, nil
		}
	}
	return nil, nil
}

func (m *mockListRepo) ListEnabledByProject(ctx context.Context, projectID string) ([]*listdomain.List, error) {
	var out []*listdomain.List
	for _, l := range m.lists {
		if l.ProjectID == projectID && l.Enabled {
			out = append(out, l)
		}
	}
	return out, nil
}

func (m *mockListRepo) CreateList(ctx context.Context, l *listdomain.List) error {
	m.lists = append(m.lists, l)
	return nil
}

func (m *mockListRepo) MembershipListIDs(ctx context.Context, userID string) (map[string]bool, error) {
	out := map[string]bool{}
	for id := range m.memberships[userID] {
		out[id] = true
	}
	return out, nil
}

func (m *mockListRepo) UpsertMembership(ctx context.Context, userID, listID string, joinedAt time.Time) error {
	if m.memberships[userID] == nil {
		m.memberships[userID] = map[string]bool{}
	}
	m.memberships[userID][listID] = true
	return nil
}

func (m *mockListRepo) DeleteMembership(ctx context.Context, userID, listID string) error {
	delete(m.memberships[userID], listID)
	return nil
}

func seedUser(repo *mockUserRepo, projectID, externalID string) *userdomain.User {
	u, _ := repo.Apply(context.Background(), projectID, &userdomain.Patch{
		ExternalID: externalID,
		Email:      externalID + "@example.test",
	})
	return u
}

func emailPayload(t *testing.T, p EmailPayload) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func TestEmailHandler_SendsAndRecordsEvent(t *testing.T) {
	users := newMockUserRepo()
	events := &mockEventRepo{}
	templates := &mockTemplateRepo{templates: map[string]*templatedomain.Template{
		"tpl-1": {ID: "tpl-1", ProjectID: "p1", Subject: "Welcome"},
	}}
	snd := &mockSender{}
	h := NewEmailHandler(users, events, templates, snd, nil)
	u := seedUser(users, "p1", "u1")

	err := h.Execute(context.Background(), emailPayload(t, EmailPayload{
		TemplateID: "tpl-1", UserID: u.ID,
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(snd.sent) != 1 {
		t.Fatalf("sends = %d, want 1", len(snd.sent))
	}
	sent := events.named(eventdomain.NameEmailSent)
	if len(sent) != 1 {
		t.Fatalf("email_sent events = %d, want 1", len(sent))
	}
	if sent[0].UserID != u.ID {
		t.Errorf("event user = %q, want %q", sent[0].UserID, u.ID)
	}
	if sent[0].Properties["template_id"] != "tpl-1" {
		t.Errorf("template_id = %v, want tpl-1", sent[0].Properties["template_id"])
	}
	if sent[0].Properties["channel"] != "email" {
		t.Errorf("channel = %v, want email", sent[0].Properties["channel"])
	}
}

func TestEmailHandler_StaleUser_NoOp(t *testing.T) {
	users := newMockUserRepo()
	events := &mockEventRepo{}
	templates := &mockTemplateRepo{templates: map[string]*templatedomain.Template{
		"tpl-1": {ID: "tpl-1", Subject: "Welcome"},
	}}
	snd := &mockSender{}
	h := NewEmailHandler(users, events, templates, snd, nil)

	err := h.Execute(context.Background(), emailPayload(t, EmailPayload{
		TemplateID: "tpl-1", UserID: "gone",
	}))
	if !errors.Is(err, outcome.ErrStaleReference) {
		t.Errorf("err = %v, want ErrStaleReference", err)
	}
	if len(snd.sent) != 0 {
		t.Errorf("sends = %d, want 0", len(snd.sent))
	}
	if len(events.named(eventdomain.NameEmailSent)) != 0 {
		t.Error("no event should be recorded for a stale user")
	}
}

func TestEmailHandler_StaleTemplate_NoOp(t *testing.T) {
	users := newMockUserRepo()
	events := &mockEventRepo{}
	snd := &mockSender{}
	h := NewEmailHandler(users, events, &mockTemplateRepo{templates: map[string]*templatedomain.Template{}}, snd, nil)
	u := seedUser(users, "p1", "u1")

	err := h.Execute(context.Background(), emailPayload(t, EmailPayload{
		TemplateID: "gone", UserID: u.ID,
	}))
	if !errors.Is(err, outcome.ErrStaleReference) {
		t.Errorf("err = %v, want ErrStaleReference", err)
	}
	if len(snd.sent) != 0 {
		t.Errorf("sends = %d, want 0", len(snd.sent))
	}
}

func TestEmailHandler_DeliveryFailureThenSuccess(t *testing.T) {
	users := newMockUserRepo()
	events := &mockEventRepo{}
	templates := &mockTemplateRepo{templates: map[string]*templatedomain.Template{
		"tpl-1": {ID: "tpl-1", Subject: "Welcome"},
	}}
	snd := &mockSender{nextErrs: []error{
		&sender.DeliveryError{Retryable: true, Err: fmt.Errorf("rate limited")},
	}}
	h := NewEmailHandler(users, events, templates, snd, nil)
	u := seedUser(users, "p1", "u1")
	payload := emailPayload(t, EmailPayload{TemplateID: "tpl-1", UserID: u.ID})

	err := h.Execute(context.Background(), payload)
	if !outcome.IsTransient(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if len(events.named(eventdomain.NameEmailSent)) != 0 {
		t.Fatal("no email_sent event may exist without a confirmed delivery")
	}

	// The retry succeeds and records exactly one event.
	if err := h.Execute(context.Background(), payload); err != nil {
		t.Fatalf("Execute retry: %v", err)
	}
	if n := len(events.named(eventdomain.NameEmailSent)); n != 1 {
		t.Errorf("email_sent events = %d, want 1", n)
	}
}

func TestEmailHandler_NonRetryableDelivery_Permanent(t *testing.T) {
	users := newMockUserRepo()
	templates := &mockTemplateRepo{templates: map[string]*templatedomain.Template{
		"tpl-1": {ID: "tpl-1"},
	}}
	snd := &mockSender{nextErrs: []error{
		&sender.DeliveryError{Retryable: false, Err: fmt.Errorf("address rejected")},
	}}
	h := NewEmailHandler(users, &mockEventRepo{}, templates, snd, nil)
	u := seedUser(users, "p1", "u1")

	err := h.Execute(context.Background(), emailPayload(t, EmailPayload{TemplateID: "tpl-1", UserID: u.ID}))
	if !outcome.IsPermanent(err) {
		t.Errorf("err = %v, want permanent", err)
	}
}

func TestEmailHandler_MalformedPayload_Permanent(t *testing.T) {
	h := NewEmailHandler(newMockUserRepo(), &mockEventRepo{}, &mockTemplateRepo{}, &mockSender{}, nil)

	if err := h.Execute(context.Background(), json.RawMessage(`{not json`)); !outcome.IsPermanent(err) {
		t.Error("malformed payload should classify permanent")
	}
	if err := h.Execute(context.Background(), json.RawMessage(`{}`)); !outcome.IsPermanent(err) {
		t.Error("missing required fields should classify permanent")
	}
}

func TestEmailHandler_RendersWithTriggeringEvent(t *testing.T) {
	users := newMockUserRepo()
	events := &mockEventRepo{}
	templates := &mockTemplateRepo{templates: map[string]*templatedomain.Template{
		"tpl-1": {ID: "tpl-1"},
	}}
	snd := &mockSender{}
	h := NewEmailHandler(users, events, templates, snd, nil)
	u := seedUser(users, "p1", "u1")
	trigger, _ := events.Append(context.Background(), u.ID, "p1", "purchase", nil)

	err := h.Execute(context.Background(), emailPayload(t, EmailPayload{
		TemplateID: "tpl-1", UserID: u.ID, EventID: trigger.ID,
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if len(snd.sent) != 1 || snd.sent[0].Event == nil || snd.sent[0].Event.ID != trigger.ID {
		t.Error("sender should receive the triggering event in its render context")
	}
}

func patchPayload(t *testing.T, p UserPatchPayload) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return b
}

func newPatchHandler(users *mockUserRepo, lists *mockListRepo, events *mockEventRepo) *UserPatchHandler {
	svc := list.NewService(lists, events, nil)
	return NewUserPatchHandler(users, svc, nil)
}

func TestUserPatchHandler_CreatesThenMerges(t *testing.T) {
	users := newMockUserRepo()
	h := newPatchHandler(users, newMockListRepo(), &mockEventRepo{})

	err := h.Execute(context.Background(), patchPayload(t, UserPatchPayload{
		ProjectID: "p1",
		User:      UserPatchBody{ExternalID: "u1", Data: map[string]any{"plan": "pro"}},
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	u, _ := users.GetByExternalID(context.Background(), "p1", "u1")
	if u == nil {
		t.Fatal("user was not created")
	}
	if u.Attributes["plan"] != "pro" {
		t.Errorf("plan = %v, want pro", u.Attributes["plan"])
	}

	err = h.Execute(context.Background(), patchPayload(t, UserPatchPayload{
		ProjectID: "p1",
		User:      UserPatchBody{ExternalID: "u1", Data: map[string]any{"plan": "enterprise", "seats": 5}},
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	u2, _ := users.GetByExternalID(context.Background(), "p1", "u1")
	if u2.ID != u.ID {
		t.Error("second patch must update the same user, not create another")
	}
	if u2.Attributes["plan"] != "enterprise" {
		t.Errorf("plan = %v, want enterprise (last write wins)", u2.Attributes["plan"])
	}
	// JSON round-trips numbers as float64.
	if u2.Attributes["seats"] != float64(5) {
		t.Errorf("seats = %v, want 5", u2.Attributes["seats"])
	}
}

func TestUserPatchHandler_ConcurrentPatches_OneUser(t *testing.T) {
	users := newMockUserRepo()
	h := newPatchHandler(users, newMockListRepo(), &mockEventRepo{})

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := h.Execute(context.Background(), patchPayload(t, UserPatchPayload{
				ProjectID: "p1",
				User:      UserPatchBody{ExternalID: "u1", Data: map[string]any{fmt.Sprintf("k%d", i): i}},
			}))
			if err != nil {
				t.Errorf("Execute: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if len(users.users) != 1 {
		t.Fatalf("user rows = %d, want exactly 1", len(users.users))
	}
	u, _ := users.GetByExternalID(context.Background(), "p1", "u1")
	if len(u.Attributes) != n {
		t.Errorf("attributes = %d, want %d (every patch's effect present)", len(u.Attributes), n)
	}
}

func TestUserPatchHandler_Idempotent(t *testing.T) {
	users := newMockUserRepo()
	h := newPatchHandler(users, newMockListRepo(), &mockEventRepo{})
	payload := patchPayload(t, UserPatchPayload{
		ProjectID: "p1",
		User:      UserPatchBody{ExternalID: "u1", Data: map[string]any{"plan": "pro"}},
	})

	for i := 0; i < 2; i++ {
		if err := h.Execute(context.Background(), payload); err != nil {
			t.Fatalf("Execute: %v", err)
		}
	}
	u, _ := users.GetByExternalID(context.Background(), "p1", "u1")
	if len(u.Attributes) != 1 || u.Attributes["plan"] != "pro" {
		t.Errorf("attributes = %v, want {plan: pro}", u.Attributes)
	}
	if len(users.users) != 1 {
		t.Errorf("user rows = %d, want 1", len(users.users))
	}
}

func TestUserPatchHandler_MalformedPayload_Permanent(t *testing.T) {
	h := newPatchHandler(newMockUserRepo(), newMockListRepo(), &mockEventRepo{})

	if err := h.Execute(context.Background(), json.RawMessage(`not json`)); !outcome.IsPermanent(err) {
		t.Error("malformed payload should classify permanent")
	}
	missing := patchPayload(t, UserPatchPayload{ProjectID: "p1"})
	if err := h.Execute(context.Background(), missing); !outcome.IsPermanent(err) {
		t.Error("missing external_id should classify permanent")
	}
}

func TestUserPatchHandler_TriggersListJoin(t *testing.T) {
	users := newMockUserRepo()
	events := &mockEventRepo{}
	lists := newMockListRepo(&listdomain.List{
		ID: "list-ent", ProjectID: "p1", Name: "Enterprise", Enabled: true,
		Rule: &listdomain.Rule{Kind: listdomain.KindAttribute, Path: "plan", Op: listdomain.OpEq, Value: "enterprise"},
	})
	h := newPatchHandler(users, lists, events)

	err := h.Execute(context.Background(), patchPayload(t, UserPatchPayload{
		ProjectID: "p1",
		User:      UserPatchBody{ExternalID: "u1", Data: map[string]any{"plan": "enterprise"}},
	}))
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	u, _ := users.GetByExternalID(context.Background(), "p1", "u1")
	if !lists.memberships[u.ID]["list-ent"] {
		t.Error("user should have joined the enterprise list")
	}
	joined := events.named(eventdomain.NameListJoined)
	if len(joined) != 1 {
		t.Fatalf("list_joined events = %d, want 1", len(joined))
	}
	if joined[0].Properties["list_id"] != "list-ent" {
		t.Errorf("list_id = %v, want list-ent", joined[0].Properties["list_id"])
	}
}

func TestUserPatchHandler_UntouchedAttributesDoNotFlipLists(t *testing.T) {
	users := newMockUserRepo()
	events := &mockEventRepo{}
	lists := newMockListRepo(&listdomain.List{
		ID: "list-ent", ProjectID: "p1", Name: "Enterprise", Enabled: true,
		Rule: &listdomain.Rule{Kind: listdomain.KindAttribute, Path: "plan", Op: listdomain.OpEq, Value: "enterprise"},
	})
	h := newPatchHandler(users, lists, events)

	join := patchPayload(t, UserPatchPayload{
		ProjectID: "p1",
		User:      UserPatchBody{ExternalID: "u1", Data: map[string]any{"plan": "enterprise"}},
	})
	if err := h.Execute(context.Background(), join); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	// A patch touching only an unrelated key must not re-evaluate the plan rule.
	other := patchPayload(t, UserPatchPayload{
		ProjectID: "p1",
		User:      UserPatchBody{ExternalID: "u1", Data: map[string]any{"seats": 3}},
	})
	if err := h.Execute(context.Background(), other); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if n := len(events.named(eventdomain.NameListJoined)); n != 1 {
		t.Errorf("list_joined events = %d, want 1 (no re-join on unrelated patch)", n)
	}
	u, _ := users.GetByExternalID(context.Background(), "p1", "u1")
	if !lists.memberships[u.ID]["list-ent"] {
		t.Error("membership should be preserved")
	}
}
