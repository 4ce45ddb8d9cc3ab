package dto

import (
	"time"

	"github.com/google/uuid"
	"github.com/wb-go/wbf/ginext"
)

const (
	FieldBadFormat     = "FIELD_BADFORMAT"
	FieldIncorrect     = "FIELD_INCORRECT"
	ServiceUnavailable = "SERVICE_UNAVAILABLE"
	InternalError      = "Service is currently unavailable. Please try again later."

	MemberNotFound     = "MEMBER_NOT_FOUND"
	EventNotFound      = "EVENT_NOT_FOUND"
	EventNotOpen       = "EVENT_NOT_OPEN"
	DuplicateEmail     = "EMAIL_ALREADY_REGISTERED"
	VisibilityCooldown = "VISIBILITY_COOLDOWN"
	VisibilityLocked   = "VISIBILITY_LOCKED"
	DeadlinePassed     = "DEADLINE_PASSED"
	MutationInProgress = "MUTATION_IN_PROGRESS"
	MutationNotFound   = "MUTATION_NOT_FOUND"
	MutationWrongStep  = "MUTATION_WRONG_STEP"
	ReauthRequired     = "REAUTH_REQUIRED"
	OtpExpired         = "OTP_EXPIRED"
	OtpMismatch        = "OTP_MISMATCH"
)

type CreateMemberRequest struct {
	FullName        string `json:"full_name" validate:"required,min=3,max=255"`
	Email           string `json:"email" validate:"required,email"`
	Password        string `json:"password" validate:"required,min=8,max=72"`
	DirectoryPublic bool   `json:"directory_public"`
}

type MemberResponse struct {
	ID              int64     `json:"id"`
	FullName        string    `json:"full_name"`
	Email           string    `json:"email"`
	EmailVerified   bool      `json:"email_verified"`
	DirectoryPublic bool      `json:"directory_public"`
	CreatedAt       time.Time `json:"created_at"`
}

type SetVisibilityRequest struct {
	Public *bool `json:"public" validate:"required"`
}

type VisibilityResponse struct {
	Public         bool       `json:"public"`
	LastEnabledAt  *time.Time `json:"last_enabled_at,omitempty"`
	LastDisabledAt *time.Time `json:"last_disabled_at,omitempty"`
}

type BeginEmailChangeRequest struct {
	NewEmail string `json:"new_email" validate:"required,email"`
}

type VerifyPasswordRequest struct {
	Password string `json:"password" validate:"required"`
}

type VerifyCodeRequest struct {
	Code string `json:"code" validate:"required,len=6,numeric"`
}

type MutationResponse struct {
	RequestID    uuid.UUID  `json:"request_id"`
	Field        string     `json:"field"`
	State        string     `json:"state"`
	OtpExpiresAt *time.Time `json:"otp_expires_at,omitempty"`
}

type CreateEventRequest struct {
	Name             string     `json:"name" validate:"required"`
	Description      string     `json:"description"`
	StartsAt         time.Time  `json:"starts_at" validate:"required,future"`
	ResponseDeadline *time.Time `json:"response_deadline,omitempty"`
	Status           string     `json:"status,omitempty" validate:"omitempty,eventstatus"`
}

type EventResponse struct {
	ID               int64      `json:"id"`
	Name             string     `json:"name"`
	Description      string     `json:"description,omitempty"`
	StartsAt         time.Time  `json:"starts_at"`
	ResponseDeadline *time.Time `json:"response_deadline,omitempty"`
	Status           string     `json:"status"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

type RecordResponseRequest struct {
	MemberID int64  `json:"member_id" validate:"required,gt=0"`
	Status   string `json:"status" validate:"required,rsvpstatus"`
}

type AttendanceResponse struct {
	MemberID    int64     `json:"member_id"`
	EventID     int64     `json:"event_id"`
	Status      string    `json:"status"`
	RespondedAt time.Time `json:"responded_at"`
}

type AttendanceSummaryResponse struct {
	Attending    int     `json:"attending"`
	Absent       int     `json:"absent"`
	Undecided    int     `json:"undecided"`
	None         int     `json:"none"`
	Total        int     `json:"total"`
	ResponseRate float64 `json:"response_rate"`
}

type RemindersQueuedResponse struct {
	EventID int64 `json:"event_id"`
	Queued  int   `json:"queued"`
}

// ReminderDispatchMessage is the payload handed to the dispatch worker via
// RabbitMQ.
type ReminderDispatchMessage struct {
	EventID     int64     `json:"event_id"`
	MemberIDs   []int64   `json:"member_ids"`
	RequestedAt time.Time `json:"requested_at"`
}

type Response struct {
	Status string `json:"status"`
	Error  *Error `json:"error,omitempty"`
	Data   any    `json:"data,omitempty"`
}

type Error struct {
	Code string `json:"code"`
	Desc string `json:"desc"`
}

func BadResponseError(c *ginext.Context, code, desc string) {
	c.JSON(400, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func UnauthorizedError(c *ginext.Context, code, desc string) {
	c.JSON(401, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func NotFoundError(c *ginext.Context, code, desc string) {
	c.JSON(404, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func ConflictError(c *ginext.Context, code, desc string) {
	c.JSON(409, Response{
		Status: "error",
		Error: &Error{
			Code: code,
			Desc: desc,
		},
	})
}

func InternalServerError(c *ginext.Context) {
	c.JSON(500, Response{
		Status: "error",
		Error: &Error{
			Code: ServiceUnavailable,
			Desc: InternalError,
		},
	})
}

func MemberNotFoundError(c *ginext.Context) {
	NotFoundError(c, MemberNotFound, "Member not found")
}

func EventNotFoundError(c *ginext.Context) {
	NotFoundError(c, EventNotFound, "Event not found")
}

func SuccessResponse(c *ginext.Context, data any) {
	c.JSON(200, Response{
		Status: "ok",
		Data:   data,
	})
}

func SuccessCreatedResponse(c *ginext.Context, data any) {
	c.JSON(201, Response{
		Status: "ok",
		Data:   data,
	})
}

func SuccessAcceptedResponse(c *ginext.Context, data any) {
	c.JSON(202, Response{
		Status: "ok",
		Data:   data,
	})
}
