package validator

import (
	"context"
	"errors"
	"time"

	"github.com/go-playground/validator"

	"memberhub/internal/model"
)

var global *validator.Validate

const (
	ErrInvalidFormat      = "Invalid format"
	ErrFieldRequired      = "Field is required"
	ErrFieldExceedsMaxLen = "Field exceeds maximum length"
	ErrFieldBelowMinLen   = "Field is below minimum length"
	ErrFieldExceedsMaxVal = "Field exceeds maximum value"
	ErrFieldBelowMinVal   = "Field is below minimum value"
	ErrUnknownValidation  = "Unknown validation error"
)

func init() {
	SetValidator(New())
}

func New() *validator.Validate {
	v := validator.New()
	_ = v.RegisterValidation("future", validateFutureDate)
	_ = v.RegisterValidation("rsvpstatus", validateRSVPStatus)
	_ = v.RegisterValidation("eventstatus", validateEventStatus)
	return v
}

func SetValidator(v *validator.Validate) {
	global = v
}

func Validator() *validator.Validate {
	return global
}

func validateFutureDate(fl validator.FieldLevel) bool {
	t, ok := fl.Field().Interface().(time.Time)
	return ok && t.After(time.Now())
}

func validateRSVPStatus(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case model.AttendanceAttending, model.AttendanceAbsent, model.AttendanceUndecided:
		return true
	}
	return false
}

func validateEventStatus(fl validator.FieldLevel) bool {
	switch fl.Field().String() {
	case model.EventDraft, model.EventPublished, model.EventClosed,
		model.EventCancelled, model.EventPostponed:
		return true
	}
	return false
}

func Validate(ctx context.Context, structure any) error {
	return parseValidationErrors(Validator().StructCtx(ctx, structure))
}

func parseValidationErrors(err error) error {
	if err == nil {
		return nil
	}
	vErrors, ok := err.(validator.ValidationErrors)
	if !ok || len(vErrors) == 0 {
		return nil
	}
	ve := vErrors[0]
	var msg string
	switch ve.Tag() {
	case "required":
		msg = ErrFieldRequired
	case "max":
		msg = ErrFieldExceedsMaxLen
	case "min":
		msg = ErrFieldBelowMinLen
	case "lt", "lte":
		msg = ErrFieldExceedsMaxVal
	case "gt", "gte":
		msg = ErrFieldBelowMinVal
	case "email":
		msg = "Invalid email address"
	case "future":
		msg = "Date must be in the future"
	case "rsvpstatus":
		msg = "Status must be attending, absent or undecided"
	case "eventstatus":
		msg = "Unknown event status"
	case "len", "numeric":
		msg = ErrInvalidFormat
	default:
		msg = ErrUnknownValidation
	}
	return errors.New(msg + ": " + ve.Namespace())
}
