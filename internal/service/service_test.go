package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wb-go/wbf/ginext"

	"memberhub/internal/attendance"
	"memberhub/internal/auth"
	"memberhub/internal/dto"
	"memberhub/internal/model"
	"memberhub/internal/mutation"
	"memberhub/internal/reminder"
	"memberhub/internal/repo"
	"memberhub/internal/visibility"
)

// fakeRepo is an in-memory repo.Repository for handler tests.
type fakeRepo struct {
	members   map[int64]*model.Member
	events    map[int64]*model.Event
	records   map[[2]int64]*model.AttendanceRecord
	reminders map[[2]int64]time.Time
	mutations map[int64]*model.MutationRequest
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		members:   map[int64]*model.Member{},
		events:    map[int64]*model.Event{},
		records:   map[[2]int64]*model.AttendanceRecord{},
		reminders: map[[2]int64]time.Time{},
		mutations: map[int64]*model.MutationRequest{},
	}
}

func (f *fakeRepo) CreateMember(_ context.Context, m *model.Member) (int64, error) {
	id := int64(len(f.members) + 1)
	m.ID = id
	f.members[id] = m
	return id, nil
}

func (f *fakeRepo) GetMemberByID(_ context.Context, id int64) (*model.Member, error) {
	m, ok := f.members[id]
	if !ok {
		return nil, repo.ErrMemberNotFound
	}
	return m, nil
}

func (f *fakeRepo) ListPublicMembers(context.Context) ([]model.Member, error) {
	var out []model.Member
	for _, m := range f.members {
		if m.DirectoryPublic {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (f *fakeRepo) GetMemberPasswordHash(_ context.Context, memberID int64) (string, error) {
	m, ok := f.members[memberID]
	if !ok {
		return "", repo.ErrMemberNotFound
	}
	return m.PasswordHash, nil
}

func (f *fakeRepo) GetVisibility(_ context.Context, memberID int64) (visibility.State, error) {
	m, ok := f.members[memberID]
	if !ok {
		return visibility.State{}, repo.ErrMemberNotFound
	}
	return visibility.State{
		Public:         m.DirectoryPublic,
		LastEnabledAt:  m.LastEnabledAt,
		LastDisabledAt: m.LastDisabledAt,
	}, nil
}

func (f *fakeRepo) CompareAndSetVisibility(_ context.Context, memberID int64, prev, next visibility.State) error {
	m, ok := f.members[memberID]
	if !ok {
		return repo.ErrMemberNotFound
	}
	if m.DirectoryPublic != prev.Public {
		return visibility.ErrStale
	}
	m.DirectoryPublic = next.Public
	m.LastEnabledAt = next.LastEnabledAt
	m.LastDisabledAt = next.LastDisabledAt
	return nil
}

func (f *fakeRepo) CreateEvent(_ context.Context, e *model.Event) (int64, error) {
	id := int64(len(f.events) + 1)
	e.ID = id
	f.events[id] = e
	return id, nil
}

func (f *fakeRepo) GetEventByID(_ context.Context, id int64) (*model.Event, error) {
	e, ok := f.events[id]
	if !ok {
		return nil, repo.ErrEventNotFound
	}
	return e, nil
}

func (f *fakeRepo) GetAllEvents(context.Context) ([]model.Event, error) {
	var out []model.Event
	for _, e := range f.events {
		out = append(out, *e)
	}
	return out, nil
}

func (f *fakeRepo) UpsertAttendance(_ context.Context, rec *model.AttendanceRecord) error {
	if _, ok := f.members[rec.MemberID]; !ok {
		return repo.ErrMemberNotFound
	}
	f.records[[2]int64{rec.MemberID, rec.EventID}] = rec
	return nil
}

func (f *fakeRepo) CountAttendance(_ context.Context, eventID int64) (attendance.Tally, error) {
	var t attendance.Tally
	t.Roster = len(f.members)
	for k, rec := range f.records {
		if k[1] != eventID {
			continue
		}
		switch rec.Status {
		case model.AttendanceAttending:
			t.Attending++
		case model.AttendanceAbsent:
			t.Absent++
		case model.AttendanceUndecided:
			t.Undecided++
		}
	}
	return t, nil
}

func (f *fakeRepo) ListEventRoster(_ context.Context, eventID int64) ([]reminder.RosterEntry, error) {
	if _, ok := f.events[eventID]; !ok {
		return nil, repo.ErrEventNotFound
	}
	var roster []reminder.RosterEntry
	for id := range f.members {
		entry := reminder.RosterEntry{MemberID: id, Status: model.AttendanceNone}
		if rec, ok := f.records[[2]int64{id, eventID}]; ok {
			entry.Status = rec.Status
		}
		if sentAt, ok := f.reminders[[2]int64{id, eventID}]; ok {
			stamp := sentAt
			entry.LastSentAt = &stamp
		}
		roster = append(roster, entry)
	}
	return roster, nil
}

func (f *fakeRepo) MarkRemindersSent(_ context.Context, eventID int64, memberIDs []int64, sentAt time.Time) error {
	for _, id := range memberIDs {
		f.reminders[[2]int64{id, eventID}] = sentAt
	}
	return nil
}

func (f *fakeRepo) CreateMutationRequest(_ context.Context, req *model.MutationRequest) error {
	if existing, ok := f.mutations[req.MemberID]; ok && !existing.Terminal() {
		return mutation.ErrWorkflowInFlight
	}
	cp := *req
	f.mutations[req.MemberID] = &cp
	return nil
}

func (f *fakeRepo) GetActiveMutationRequest(_ context.Context, memberID int64) (*model.MutationRequest, error) {
	req, ok := f.mutations[memberID]
	if !ok || req.Terminal() {
		return nil, mutation.ErrNoActiveRequest
	}
	cp := *req
	return &cp, nil
}

func (f *fakeRepo) ExpireStaleMutationRequests(_ context.Context, memberID int64, asOf, abandonedBefore time.Time) error {
	req, ok := f.mutations[memberID]
	if !ok || req.Terminal() {
		return nil
	}
	switch req.State {
	case model.MutationAwaitingCode:
		if req.OtpExpiresAt != nil && asOf.After(*req.OtpExpiresAt) {
			req.State = model.MutationExpired
		}
	case model.MutationAwaitingPassword:
		if req.CreatedAt.Before(abandonedBefore) {
			req.State = model.MutationExpired
		}
	}
	return nil
}

func (f *fakeRepo) UpdateMutationRequest(_ context.Context, req *model.MutationRequest, fromState string) error {
	cur, ok := f.mutations[req.MemberID]
	if !ok || cur.State != fromState {
		return mutation.ErrStaleRequest
	}
	cp := *req
	f.mutations[req.MemberID] = &cp
	return nil
}

func (f *fakeRepo) CommitEmailChange(_ context.Context, req *model.MutationRequest, fromState string) error {
	if err := f.UpdateMutationRequest(context.Background(), req, fromState); err != nil {
		return err
	}
	m, ok := f.members[req.MemberID]
	if !ok {
		return repo.ErrMemberNotFound
	}
	m.Email = req.ProposedValue
	m.EmailVerified = true
	return nil
}

func (f *fakeRepo) MigrateUp(string) error   { return nil }
func (f *fakeRepo) MigrateDown(string) error { return nil }

type stubIssuer struct {
	code string
}

func (s *stubIssuer) IssueOneTimeCode(context.Context, string) (string, error) {
	return s.code, nil
}

type harness struct {
	app  *ginext.Engine
	repo *fakeRepo
	svc  *service
}

func newHarness(t *testing.T, now time.Time) *harness {
	t.Helper()

	fake := newFakeRepo()
	logger := zerolog.Nop()
	svc := &service{
		repo:    fake,
		log:     &logger,
		gate:    visibility.NewGate(fake, visibility.DefaultConfig()),
		ledger:  attendance.NewLedger(fake),
		engine:  reminder.NewEngine(fake, reminder.DefaultConfig()),
		mutator: mutation.NewMutator(fake, auth.NewVerifier(fake), &stubIssuer{code: "246810"}, mutation.DefaultConfig()),
		now:     func() time.Time { return now },
	}

	app := ginext.New("release")
	app.PUT("/v1/members/:id/visibility", svc.SetVisibility)
	app.POST("/v1/members/:id/email", svc.BeginEmailChange)
	app.POST("/v1/members/:id/email/password", svc.VerifyEmailPassword)
	app.POST("/v1/members/:id/email/code", svc.VerifyEmailCode)
	app.PUT("/v1/events/:id/rsvp", svc.RecordRSVP)
	app.GET("/v1/events/:id/attendance", svc.GetAttendance)

	return &harness{app: app, repo: fake, svc: svc}
}

func (h *harness) do(method, path string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.app.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) dto.Error {
	t.Helper()
	var resp dto.Response
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotNil(t, resp.Error)
	return *resp.Error
}

func seedMember(h *harness, password string, public bool) int64 {
	hash, _ := auth.HashPassword(password)
	id, _ := h.repo.CreateMember(context.Background(), &model.Member{
		FullName:        "Taro Tester",
		Email:           "taro@example.com",
		PasswordHash:    hash,
		DirectoryPublic: public,
	})
	return id
}

func TestSetVisibilityLockEnvelope(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	id := seedMember(h, "secretsecret", false)

	w := h.do(http.MethodPut, fmt.Sprintf("/v1/members/%d/visibility", id), map[string]any{"public": true})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Disable one hour later: still inside the 24h lock window.
	h.svc.now = func() time.Time { return now.Add(time.Hour) }
	w = h.do(http.MethodPut, fmt.Sprintf("/v1/members/%d/visibility", id), map[string]any{"public": false})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, dto.VisibilityLocked, decodeError(t, w).Code)

	h.svc.now = func() time.Time { return now.Add(25 * time.Hour) }
	w = h.do(http.MethodPut, fmt.Sprintf("/v1/members/%d/visibility", id), map[string]any{"public": false})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Re-enable is on a week cooldown from the disable.
	h.svc.now = func() time.Time { return now.Add(49 * time.Hour) }
	w = h.do(http.MethodPut, fmt.Sprintf("/v1/members/%d/visibility", id), map[string]any{"public": true})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, dto.VisibilityCooldown, decodeError(t, w).Code)
}

func TestSetVisibilityUnknownMember(t *testing.T) {
	h := newHarness(t, time.Now())
	w := h.do(http.MethodPut, "/v1/members/99/visibility", map[string]any{"public": true})
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, dto.MemberNotFound, decodeError(t, w).Code)
}

func TestRecordRSVPDeadline(t *testing.T) {
	deadline := time.Date(2026, 6, 10, 18, 0, 0, 0, time.UTC)
	h := newHarness(t, deadline.Add(-time.Hour))
	memberID := seedMember(h, "secretsecret", false)
	eventID, _ := h.repo.CreateEvent(context.Background(), &model.Event{
		Name:             "Summer Meetup",
		StartsAt:         deadline.Add(24 * time.Hour),
		ResponseDeadline: &deadline,
		Status:           model.EventPublished,
	})

	body := map[string]any{"member_id": memberID, "status": "undecided"}
	w := h.do(http.MethodPut, fmt.Sprintf("/v1/events/%d/rsvp", eventID), body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// One minute past the deadline the same member is shut out.
	h.svc.now = func() time.Time { return deadline.Add(time.Minute) }
	body["status"] = "attending"
	w = h.do(http.MethodPut, fmt.Sprintf("/v1/events/%d/rsvp", eventID), body)
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, dto.DeadlinePassed, decodeError(t, w).Code)
}

func TestGetAttendanceSummary(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	m1 := seedMember(h, "secretsecret", false)
	h.repo.members[m1+1] = &model.Member{ID: m1 + 1, FullName: "Second", Email: "second@example.com"}
	eventID, _ := h.repo.CreateEvent(context.Background(), &model.Event{
		Name:     "AGM",
		StartsAt: now.Add(time.Hour),
		Status:   model.EventPublished,
	})

	w := h.do(http.MethodPut, fmt.Sprintf("/v1/events/%d/rsvp", eventID), map[string]any{"member_id": m1, "status": "attending"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(http.MethodGet, fmt.Sprintf("/v1/events/%d/attendance", eventID), nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Data dto.AttendanceSummaryResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Data.Attending)
	assert.Equal(t, 1, resp.Data.None)
	assert.Equal(t, 2, resp.Data.Total)
	assert.InDelta(t, 0.5, resp.Data.ResponseRate, 1e-9)
}

func TestEmailChangeWorkflowOverHTTP(t *testing.T) {
	now := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	h := newHarness(t, now)
	id := seedMember(h, "secretsecret", false)
	base := fmt.Sprintf("/v1/members/%d/email", id)

	w := h.do(http.MethodPost, base, map[string]any{"new_email": "fresh@example.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Code before password is a step-order conflict.
	w = h.do(http.MethodPost, base+"/code", map[string]any{"code": "246810"})
	require.Equal(t, http.StatusConflict, w.Code, w.Body.String())
	assert.Equal(t, dto.MutationWrongStep, decodeError(t, w).Code)

	// Wrong password keeps the workflow waiting.
	w = h.do(http.MethodPost, base+"/password", map[string]any{"password": "nope-nope"})
	require.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
	assert.Equal(t, dto.ReauthRequired, decodeError(t, w).Code)

	w = h.do(http.MethodPost, base+"/password", map[string]any{"password": "secretsecret"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = h.do(http.MethodPost, base+"/code", map[string]any{"code": "246810"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	member := h.repo.members[id]
	assert.Equal(t, "fresh@example.com", member.Email)
	assert.True(t, member.EmailVerified)

	// A second begin is allowed now that the first workflow is terminal.
	w = h.do(http.MethodPost, base, map[string]any{"new_email": "again@example.com"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
}
