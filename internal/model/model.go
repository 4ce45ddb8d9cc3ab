package model

import (
	"time"

	"github.com/google/uuid"
)

const (
	EventDraft     = "draft"
	EventPublished = "published"
	EventClosed    = "closed"
	EventCancelled = "cancelled"
	EventPostponed = "postponed"
)

// Attendance statuses. "none" is implicit: no row exists for the pair.
const (
	AttendanceAttending = "attending"
	AttendanceAbsent    = "absent"
	AttendanceUndecided = "undecided"
	AttendanceNone      = "none"
)

// Secure-mutation workflow states.
const (
	MutationAwaitingPassword = "awaiting_password"
	MutationAwaitingCode     = "awaiting_code"
	MutationCommitted        = "committed"
	MutationExpired          = "expired"
	MutationCancelled        = "cancelled"
)

type Member struct {
	ID              int64      `db:"id" json:"id"`
	FullName        string     `db:"full_name" json:"full_name"`
	Email           string     `db:"email" json:"email"`
	EmailVerified   bool       `db:"email_verified" json:"email_verified"`
	PasswordHash    string     `db:"password_hash" json:"-"`
	DirectoryPublic bool       `db:"directory_public" json:"directory_public"`
	LastEnabledAt   *time.Time `db:"last_enabled_at" json:"last_enabled_at,omitempty"`
	LastDisabledAt  *time.Time `db:"last_disabled_at" json:"last_disabled_at,omitempty"`
	CreatedAt       time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time  `db:"updated_at" json:"updated_at"`
}

type Event struct {
	ID               int64      `db:"id" json:"id"`
	Name             string     `db:"name" json:"name"`
	Description      string     `db:"description,omitempty" json:"description,omitempty"`
	StartsAt         time.Time  `db:"starts_at" json:"starts_at"`
	ResponseDeadline *time.Time `db:"response_deadline" json:"response_deadline,omitempty"`
	Status           string     `db:"status" json:"status"`
	CreatedAt        time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time  `db:"updated_at" json:"updated_at"`
}

type AttendanceRecord struct {
	ID          int64     `db:"id" json:"id"`
	MemberID    int64     `db:"member_id" json:"member_id"`
	EventID     int64     `db:"event_id" json:"event_id"`
	Status      string    `db:"status" json:"status"`
	RespondedAt time.Time `db:"responded_at" json:"responded_at"`
}

type ReminderRecord struct {
	MemberID   int64     `db:"member_id" json:"member_id"`
	EventID    int64     `db:"event_id" json:"event_id"`
	LastSentAt time.Time `db:"last_sent_at" json:"last_sent_at"`
}

// MutationRequest holds only a bcrypt hash of the one-time code, never the
// code itself.
type MutationRequest struct {
	ID                 uuid.UUID  `db:"id" json:"id"`
	MemberID           int64      `db:"member_id" json:"member_id"`
	Field              string     `db:"field" json:"field"`
	ProposedValue      string     `db:"proposed_value" json:"proposed_value"`
	State              string     `db:"state" json:"state"`
	PasswordVerifiedAt *time.Time `db:"password_verified_at" json:"password_verified_at,omitempty"`
	OtpCodeHash        string     `db:"otp_code_hash" json:"-"`
	OtpSentAt          *time.Time `db:"otp_sent_at" json:"otp_sent_at,omitempty"`
	OtpExpiresAt       *time.Time `db:"otp_expires_at" json:"otp_expires_at,omitempty"`
	OtpAttempts        int        `db:"otp_attempts" json:"otp_attempts"`
	CreatedAt          time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at" json:"updated_at"`
}

// Terminal reports whether the workflow can no longer advance.
func (m *MutationRequest) Terminal() bool {
	switch m.State {
	case MutationCommitted, MutationExpired, MutationCancelled:
		return true
	}
	return false
}
