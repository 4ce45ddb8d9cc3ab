package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"memberhub/internal/model"
)

// FieldEmail is the only field currently behind the secure-mutation workflow.
const FieldEmail = "email"

var (
	ErrWorkflowInFlight = errors.New("a field change is already in progress for this member")
	ErrNoActiveRequest  = errors.New("no active field change request")
	ErrReauthRequired   = errors.New("password verification failed")
	ErrWrongState       = errors.New("request is not awaiting this step")
	ErrUnsupportedField = errors.New("field cannot be changed through this workflow")
	// ErrStaleRequest is returned by the store when a guarded state transition
	// lost to a concurrent one.
	ErrStaleRequest = errors.New("request state changed concurrently")
)

type OtpExpiredError struct {
	ExpiredAt time.Time
}

func (e *OtpExpiredError) Error() string {
	return fmt.Sprintf("one-time code expired at %s", e.ExpiredAt.Format(time.RFC3339))
}

type OtpMismatchError struct {
	AttemptsLeft int
}

func (e *OtpMismatchError) Error() string {
	return fmt.Sprintf("one-time code does not match, %d attempt(s) left", e.AttemptsLeft)
}

// Authenticator is the external credential check; token issuance lives
// elsewhere.
type Authenticator interface {
	VerifyPassword(ctx context.Context, memberID int64, password string) (bool, error)
}

// CodeIssuer generates and delivers a one-time code to the proposed new
// destination. Only the code's hash, expiry and attempt count are tracked
// here.
type CodeIssuer interface {
	IssueOneTimeCode(ctx context.Context, destination string) (string, error)
}

type Store interface {
	// CreateMutationRequest inserts req, returning ErrWorkflowInFlight when a
	// non-terminal request already exists for the member.
	CreateMutationRequest(ctx context.Context, req *model.MutationRequest) error
	GetActiveMutationRequest(ctx context.Context, memberID int64) (*model.MutationRequest, error)
	// ExpireStaleMutationRequests lazily expires the member's overdue
	// requests: awaiting_code past its otp expiry as of asOf, and
	// awaiting_password created before abandonedBefore.
	ExpireStaleMutationRequests(ctx context.Context, memberID int64, asOf, abandonedBefore time.Time) error
	// UpdateMutationRequest persists req guarded on fromState, returning
	// ErrStaleRequest when the row moved on.
	UpdateMutationRequest(ctx context.Context, req *model.MutationRequest, fromState string) error
	// CommitEmailChange flips the request to committed and writes the member's
	// new email (marking it verified) in one transaction.
	CommitEmailChange(ctx context.Context, req *model.MutationRequest, fromState string) error
}

type Config struct {
	OtpTTL         time.Duration
	MaxOtpAttempts int
	// RequestTTL bounds an abandoned awaiting_password request so it cannot
	// hold the per-member slot forever.
	RequestTTL time.Duration
}

func DefaultConfig() Config {
	return Config{
		OtpTTL:         10 * time.Minute,
		MaxOtpAttempts: 5,
		RequestTTL:     30 * time.Minute,
	}
}

type Mutator struct {
	store Store
	auth  Authenticator
	codes CodeIssuer
	cfg   Config
}

func NewMutator(store Store, auth Authenticator, codes CodeIssuer, cfg Config) *Mutator {
	return &Mutator{store: store, auth: auth, codes: codes, cfg: cfg}
}

// Begin opens a change workflow for the member. One non-terminal request per
// member: a live workflow makes this fail with ErrWorkflowInFlight. Overdue
// requests are expired lazily first, so an abandoned workflow never blocks a
// fresh one.
func (m *Mutator) Begin(ctx context.Context, memberID int64, field, proposedValue string, now time.Time) (*model.MutationRequest, error) {
	if field != FieldEmail {
		return nil, ErrUnsupportedField
	}

	if err := m.store.ExpireStaleMutationRequests(ctx, memberID, now, now.Add(-m.cfg.RequestTTL)); err != nil {
		return nil, err
	}

	req := &model.MutationRequest{
		ID:            uuid.New(),
		MemberID:      memberID,
		Field:         field,
		ProposedValue: proposedValue,
		State:         model.MutationAwaitingPassword,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := m.store.CreateMutationRequest(ctx, req); err != nil {
		return nil, err
	}
	return req, nil
}

// VerifyPassword reverifies the member's current password and, on success,
// issues a one-time code to the proposed value. The code goes to the new
// destination: the workflow proves control of where the field is moving, not
// of where it has been.
func (m *Mutator) VerifyPassword(ctx context.Context, memberID int64, password string, now time.Time) (*model.MutationRequest, error) {
	req, err := m.store.GetActiveMutationRequest(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if req.State != model.MutationAwaitingPassword {
		return nil, ErrWrongState
	}

	ok, err := m.auth.VerifyPassword(ctx, memberID, password)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Request stays in awaiting_password; the caller re-prompts.
		return nil, ErrReauthRequired
	}

	code, err := m.codes.IssueOneTimeCode(ctx, req.ProposedValue)
	if err != nil {
		return nil, err
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	expires := now.Add(m.cfg.OtpTTL)
	req.State = model.MutationAwaitingCode
	req.PasswordVerifiedAt = &now
	req.OtpCodeHash = string(hash)
	req.OtpSentAt = &now
	req.OtpExpiresAt = &expires
	req.OtpAttempts = 0
	req.UpdatedAt = now

	if err := m.store.UpdateMutationRequest(ctx, req, model.MutationAwaitingPassword); err != nil {
		return nil, err
	}
	return req, nil
}

// VerifyCode checks the presented code against the issued one. Expiry is
// evaluated here, not by a background sweep. A mismatch burns an attempt;
// exhausting the bound expires the request.
func (m *Mutator) VerifyCode(ctx context.Context, memberID int64, code string, now time.Time) (*model.MutationRequest, error) {
	req, err := m.store.GetActiveMutationRequest(ctx, memberID)
	if err != nil {
		return nil, err
	}
	if req.State != model.MutationAwaitingCode {
		return nil, ErrWrongState
	}

	if req.OtpExpiresAt != nil && now.After(*req.OtpExpiresAt) {
		req.State = model.MutationExpired
		req.UpdatedAt = now
		if err := m.store.UpdateMutationRequest(ctx, req, model.MutationAwaitingCode); err != nil {
			return nil, err
		}
		return nil, &OtpExpiredError{ExpiredAt: *req.OtpExpiresAt}
	}

	if bcrypt.CompareHashAndPassword([]byte(req.OtpCodeHash), []byte(code)) != nil {
		req.OtpAttempts++
		req.UpdatedAt = now
		left := m.cfg.MaxOtpAttempts - req.OtpAttempts
		if left <= 0 {
			req.State = model.MutationExpired
		}
		if err := m.store.UpdateMutationRequest(ctx, req, model.MutationAwaitingCode); err != nil {
			return nil, err
		}
		return nil, &OtpMismatchError{AttemptsLeft: left}
	}

	req.State = model.MutationCommitted
	req.UpdatedAt = now
	if err := m.store.CommitEmailChange(ctx, req, model.MutationAwaitingCode); err != nil {
		return nil, err
	}
	return req, nil
}

// Cancel aborts the member's live workflow from either non-terminal state,
// touching nothing on the member record.
func (m *Mutator) Cancel(ctx context.Context, memberID int64, now time.Time) error {
	req, err := m.store.GetActiveMutationRequest(ctx, memberID)
	if err != nil {
		return err
	}
	from := req.State
	req.State = model.MutationCancelled
	req.UpdatedAt = now
	return m.store.UpdateMutationRequest(ctx, req, from)
}
