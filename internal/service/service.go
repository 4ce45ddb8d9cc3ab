package service

import (
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/ginext"

	"memberhub/internal/attendance"
	"memberhub/internal/auth"
	"memberhub/internal/dto"
	"memberhub/internal/model"
	"memberhub/internal/mutation"
	"memberhub/internal/rabbit"
	"memberhub/internal/reminder"
	"memberhub/internal/repo"
	"memberhub/internal/visibility"
	"memberhub/pkg/validator"
)

type Service interface {
	CreateMember(ctx *ginext.Context)
	GetDirectory(ctx *ginext.Context)
	SetVisibility(ctx *ginext.Context)

	BeginEmailChange(ctx *ginext.Context)
	VerifyEmailPassword(ctx *ginext.Context)
	VerifyEmailCode(ctx *ginext.Context)
	CancelEmailChange(ctx *ginext.Context)

	CreateEvent(ctx *ginext.Context)
	GetEvent(ctx *ginext.Context)
	GetAllEvents(ctx *ginext.Context)
	RecordRSVP(ctx *ginext.Context)
	GetAttendance(ctx *ginext.Context)
	SendReminders(ctx *ginext.Context)
}

// Policy bundles the temporal windows the cores enforce.
type Policy struct {
	Visibility visibility.Config
	Reminder   reminder.Config
	Mutation   mutation.Config
}

func DefaultPolicy() Policy {
	return Policy{
		Visibility: visibility.DefaultConfig(),
		Reminder:   reminder.DefaultConfig(),
		Mutation:   mutation.DefaultConfig(),
	}
}

type service struct {
	repo    repo.Repository
	log     *zerolog.Logger
	rbt     *rabbit.Client
	gate    *visibility.Gate
	ledger  *attendance.Ledger
	engine  *reminder.Engine
	mutator *mutation.Mutator
	now     func() time.Time
}

func NewService(repository repo.Repository, logger *zerolog.Logger, rbt *rabbit.Client, codes mutation.CodeIssuer, policy Policy) Service {
	return &service{
		repo:    repository,
		log:     logger,
		rbt:     rbt,
		gate:    visibility.NewGate(repository, policy.Visibility),
		ledger:  attendance.NewLedger(repository),
		engine:  reminder.NewEngine(repository, policy.Reminder),
		mutator: mutation.NewMutator(repository, auth.NewVerifier(repository), codes, policy.Mutation),
		now:     time.Now,
	}
}

func (s *service) CreateMember(ctx *ginext.Context) {
	var req dto.CreateMemberRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.log.Error().Err(err).Msg("failed to parse create member request")
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, verr.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to hash member password")
		dto.InternalServerError(ctx)
		return
	}

	member := &model.Member{
		FullName:        req.FullName,
		Email:           req.Email,
		PasswordHash:    hash,
		DirectoryPublic: req.DirectoryPublic,
	}

	id, err := s.repo.CreateMember(ctx, member)
	if err != nil {
		if errors.Is(err, repo.ErrDuplicateEmail) {
			dto.ConflictError(ctx, dto.DuplicateEmail, "This email is already registered")
			return
		}
		s.log.Error().Err(err).Msg("failed to create member in DB")
		dto.InternalServerError(ctx)
		return
	}

	s.log.Info().Int64("member_id", id).Msg("member created successfully")

	dto.SuccessCreatedResponse(ctx, dto.MemberResponse{
		ID:              id,
		FullName:        member.FullName,
		Email:           member.Email,
		DirectoryPublic: member.DirectoryPublic,
		CreatedAt:       s.now(),
	})
}

func (s *service) GetDirectory(ctx *ginext.Context) {
	members, err := s.repo.ListPublicMembers(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to list public members")
		dto.InternalServerError(ctx)
		return
	}

	resp := make([]dto.MemberResponse, 0, len(members))
	for _, m := range members {
		resp = append(resp, dto.MemberResponse{
			ID:              m.ID,
			FullName:        m.FullName,
			Email:           m.Email,
			EmailVerified:   m.EmailVerified,
			DirectoryPublic: m.DirectoryPublic,
			CreatedAt:       m.CreatedAt,
		})
	}
	dto.SuccessResponse(ctx, resp)
}

func (s *service) SetVisibility(ctx *ginext.Context) {
	memberID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid member ID")
		return
	}

	var req dto.SetVisibilityRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, verr.Error())
		return
	}

	state, err := s.gate.Set(ctx, memberID, *req.Public, s.now())
	if err != nil {
		var cooldownErr *visibility.CooldownActiveError
		var lockErr *visibility.LockActiveError
		switch {
		case errors.As(err, &cooldownErr):
			dto.ConflictError(ctx, dto.VisibilityCooldown, cooldownErr.Error())
		case errors.As(err, &lockErr):
			dto.ConflictError(ctx, dto.VisibilityLocked, lockErr.Error())
		case errors.Is(err, repo.ErrMemberNotFound):
			dto.MemberNotFoundError(ctx)
		case errors.Is(err, visibility.ErrStale):
			dto.ConflictError(ctx, dto.FieldIncorrect, "Visibility changed concurrently, try again")
		default:
			s.log.Error().Err(err).Int64("member_id", memberID).Msg("failed to set visibility")
			dto.InternalServerError(ctx)
		}
		return
	}

	s.log.Info().
		Int64("member_id", memberID).
		Bool("public", state.Public).
		Msg("directory visibility updated")

	dto.SuccessResponse(ctx, dto.VisibilityResponse{
		Public:         state.Public,
		LastEnabledAt:  state.LastEnabledAt,
		LastDisabledAt: state.LastDisabledAt,
	})
}

func (s *service) BeginEmailChange(ctx *ginext.Context) {
	memberID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid member ID")
		return
	}

	var req dto.BeginEmailChangeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, verr.Error())
		return
	}

	mreq, err := s.mutator.Begin(ctx, memberID, mutation.FieldEmail, req.NewEmail, s.now())
	if err != nil {
		switch {
		case errors.Is(err, mutation.ErrWorkflowInFlight):
			dto.ConflictError(ctx, dto.MutationInProgress, "An email change is already in progress")
		case errors.Is(err, repo.ErrMemberNotFound):
			dto.MemberNotFoundError(ctx)
		default:
			s.log.Error().Err(err).Int64("member_id", memberID).Msg("failed to begin email change")
			dto.InternalServerError(ctx)
		}
		return
	}

	s.log.Info().
		Int64("member_id", memberID).
		Str("request_id", mreq.ID.String()).
		Msg("email change workflow started")

	dto.SuccessCreatedResponse(ctx, dto.MutationResponse{
		RequestID: mreq.ID,
		Field:     mreq.Field,
		State:     mreq.State,
	})
}

func (s *service) VerifyEmailPassword(ctx *ginext.Context) {
	memberID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid member ID")
		return
	}

	var req dto.VerifyPasswordRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, verr.Error())
		return
	}

	mreq, err := s.mutator.VerifyPassword(ctx, memberID, req.Password, s.now())
	if err != nil {
		switch {
		case errors.Is(err, mutation.ErrReauthRequired):
			dto.UnauthorizedError(ctx, dto.ReauthRequired, "Password verification failed")
		case errors.Is(err, mutation.ErrNoActiveRequest):
			dto.NotFoundError(ctx, dto.MutationNotFound, "No email change in progress")
		case errors.Is(err, mutation.ErrWrongState):
			dto.ConflictError(ctx, dto.MutationWrongStep, "Password already verified for this request")
		case errors.Is(err, repo.ErrMemberNotFound):
			dto.MemberNotFoundError(ctx)
		default:
			s.log.Error().Err(err).Int64("member_id", memberID).Msg("failed to verify password")
			dto.InternalServerError(ctx)
		}
		return
	}

	dto.SuccessResponse(ctx, dto.MutationResponse{
		RequestID:    mreq.ID,
		Field:        mreq.Field,
		State:        mreq.State,
		OtpExpiresAt: mreq.OtpExpiresAt,
	})
}

func (s *service) VerifyEmailCode(ctx *ginext.Context) {
	memberID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid member ID")
		return
	}

	var req dto.VerifyCodeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, verr.Error())
		return
	}

	mreq, err := s.mutator.VerifyCode(ctx, memberID, req.Code, s.now())
	if err != nil {
		var expired *mutation.OtpExpiredError
		var mismatch *mutation.OtpMismatchError
		switch {
		case errors.As(err, &expired):
			dto.ConflictError(ctx, dto.OtpExpired, expired.Error())
		case errors.As(err, &mismatch):
			dto.BadResponseError(ctx, dto.OtpMismatch, mismatch.Error())
		case errors.Is(err, mutation.ErrNoActiveRequest):
			dto.NotFoundError(ctx, dto.MutationNotFound, "No email change in progress")
		case errors.Is(err, mutation.ErrWrongState):
			dto.ConflictError(ctx, dto.MutationWrongStep, "Verify the password first")
		default:
			s.log.Error().Err(err).Int64("member_id", memberID).Msg("failed to verify code")
			dto.InternalServerError(ctx)
		}
		return
	}

	s.log.Info().
		Int64("member_id", memberID).
		Str("request_id", mreq.ID.String()).
		Msg("email change committed")

	dto.SuccessResponse(ctx, dto.MutationResponse{
		RequestID: mreq.ID,
		Field:     mreq.Field,
		State:     mreq.State,
	})
}

func (s *service) CancelEmailChange(ctx *ginext.Context) {
	memberID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid member ID")
		return
	}

	if err := s.mutator.Cancel(ctx, memberID, s.now()); err != nil {
		switch {
		case errors.Is(err, mutation.ErrNoActiveRequest):
			dto.NotFoundError(ctx, dto.MutationNotFound, "No email change in progress")
		default:
			s.log.Error().Err(err).Int64("member_id", memberID).Msg("failed to cancel email change")
			dto.InternalServerError(ctx)
		}
		return
	}

	s.log.Info().Int64("member_id", memberID).Msg("email change cancelled")
	dto.SuccessResponse(ctx, nil)
}

func (s *service) CreateEvent(ctx *ginext.Context) {
	var req dto.CreateEventRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		s.log.Error().Err(err).Msg("failed to parse create event request")
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}

	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, verr.Error())
		return
	}

	status := req.Status
	if status == "" {
		status = model.EventDraft
	}

	event := &model.Event{
		Name:             req.Name,
		Description:      req.Description,
		StartsAt:         req.StartsAt,
		ResponseDeadline: req.ResponseDeadline,
		Status:           status,
	}

	id, err := s.repo.CreateEvent(ctx, event)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to create event in DB")
		dto.InternalServerError(ctx)
		return
	}

	s.log.Info().Int64("event_id", id).Msg("event created successfully")

	dto.SuccessCreatedResponse(ctx, dto.EventResponse{
		ID:               id,
		Name:             event.Name,
		Description:      event.Description,
		StartsAt:         event.StartsAt,
		ResponseDeadline: event.ResponseDeadline,
		Status:           event.Status,
		CreatedAt:        s.now(),
	})
}

func (s *service) GetEvent(ctx *ginext.Context) {
	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	event, err := s.repo.GetEventByID(ctx, eventID)
	if err != nil {
		dto.EventNotFoundError(ctx)
		return
	}

	dto.SuccessResponse(ctx, dto.EventResponse{
		ID:               event.ID,
		Name:             event.Name,
		Description:      event.Description,
		StartsAt:         event.StartsAt,
		ResponseDeadline: event.ResponseDeadline,
		Status:           event.Status,
		CreatedAt:        event.CreatedAt,
		UpdatedAt:        event.UpdatedAt,
	})
}

func (s *service) GetAllEvents(ctx *ginext.Context) {
	events, err := s.repo.GetAllEvents(ctx)
	if err != nil {
		dto.InternalServerError(ctx)
		return
	}

	resp := make([]dto.EventResponse, 0, len(events))
	for _, e := range events {
		resp = append(resp, dto.EventResponse{
			ID:               e.ID,
			Name:             e.Name,
			Description:      e.Description,
			StartsAt:         e.StartsAt,
			ResponseDeadline: e.ResponseDeadline,
			Status:           e.Status,
			CreatedAt:        e.CreatedAt,
			UpdatedAt:        e.UpdatedAt,
		})
	}
	dto.SuccessResponse(ctx, resp)
}

func (s *service) RecordRSVP(ctx *ginext.Context) {
	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	var req dto.RecordResponseRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid JSON format")
		return
	}
	if verr := validator.Validate(ctx, req); verr != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, verr.Error())
		return
	}

	rec, err := s.ledger.RecordResponse(ctx, req.MemberID, eventID, req.Status, s.now())
	if err != nil {
		var deadlineErr *attendance.DeadlinePassedError
		switch {
		case errors.As(err, &deadlineErr):
			dto.ConflictError(ctx, dto.DeadlinePassed, deadlineErr.Error())
		case errors.Is(err, attendance.ErrEventNotOpen):
			dto.ConflictError(ctx, dto.EventNotOpen, "Event is not accepting responses")
		case errors.Is(err, attendance.ErrInvalidStatus):
			dto.BadResponseError(ctx, dto.FieldIncorrect, "Unknown attendance status")
		case errors.Is(err, repo.ErrEventNotFound):
			dto.EventNotFoundError(ctx)
		case errors.Is(err, repo.ErrMemberNotFound):
			dto.MemberNotFoundError(ctx)
		default:
			s.log.Error().Err(err).
				Int64("member_id", req.MemberID).
				Int64("event_id", eventID).
				Msg("failed to record RSVP")
			dto.InternalServerError(ctx)
		}
		return
	}

	s.log.Info().
		Int64("member_id", rec.MemberID).
		Int64("event_id", rec.EventID).
		Str("rsvp", rec.Status).
		Msg("attendance response recorded")

	dto.SuccessResponse(ctx, dto.AttendanceResponse{
		MemberID:    rec.MemberID,
		EventID:     rec.EventID,
		Status:      rec.Status,
		RespondedAt: rec.RespondedAt,
	})
}

func (s *service) GetAttendance(ctx *ginext.Context) {
	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	summary, err := s.ledger.Aggregate(ctx, eventID)
	if err != nil {
		if errors.Is(err, repo.ErrEventNotFound) {
			dto.EventNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Int64("event_id", eventID).Msg("failed to aggregate attendance")
		dto.InternalServerError(ctx)
		return
	}

	dto.SuccessResponse(ctx, dto.AttendanceSummaryResponse{
		Attending:    summary.Attending,
		Absent:       summary.Absent,
		Undecided:    summary.Undecided,
		None:         summary.None,
		Total:        summary.Total,
		ResponseRate: summary.ResponseRate,
	})
}

// SendReminders is the operator trigger: it selects the currently eligible
// targets and hands the batch to the dispatch worker. Nothing is marked sent
// here; the worker marks the members it actually reached.
func (s *service) SendReminders(ctx *ginext.Context) {
	eventID, err := strconv.ParseInt(ctx.Param("id"), 10, 64)
	if err != nil {
		dto.BadResponseError(ctx, dto.FieldIncorrect, "Invalid event ID")
		return
	}

	now := s.now()
	targets, err := s.engine.SelectTargets(ctx, eventID, now)
	if err != nil {
		if errors.Is(err, repo.ErrEventNotFound) {
			dto.EventNotFoundError(ctx)
			return
		}
		s.log.Error().Err(err).Int64("event_id", eventID).Msg("failed to select reminder targets")
		dto.InternalServerError(ctx)
		return
	}

	if len(targets) == 0 {
		dto.SuccessResponse(ctx, dto.RemindersQueuedResponse{EventID: eventID, Queued: 0})
		return
	}

	msg := dto.ReminderDispatchMessage{
		EventID:     eventID,
		MemberIDs:   targets,
		RequestedAt: now,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to marshal reminder dispatch message")
		dto.InternalServerError(ctx)
		return
	}
	if err := s.rbt.Publish(payload); err != nil {
		s.log.Error().Err(err).Msg("failed to publish reminder batch to RabbitMQ")
		dto.InternalServerError(ctx)
		return
	}

	s.log.Info().
		Int64("event_id", eventID).
		Int("targets", len(targets)).
		Msg("reminder batch queued")

	dto.SuccessAcceptedResponse(ctx, dto.RemindersQueuedResponse{
		EventID: eventID,
		Queued:  len(targets),
	})
}
