package attendance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"memberhub/internal/model"
)

var (
	ErrInvalidStatus = errors.New("unknown attendance status")
	ErrEventNotOpen  = errors.New("event is not open for responses")
)

// DeadlinePassedError rejects any status change once the event's response
// deadline is behind now, existing response or not.
type DeadlinePassedError struct {
	Deadline time.Time
}

func (e *DeadlinePassedError) Error() string {
	return fmt.Sprintf("response deadline passed at %s", e.Deadline.Format(time.RFC3339))
}

// Tally is the raw per-status row count for an event plus the roster size.
type Tally struct {
	Attending int
	Absent    int
	Undecided int
	Roster    int
}

type Summary struct {
	Attending    int     `json:"attending"`
	Absent       int     `json:"absent"`
	Undecided    int     `json:"undecided"`
	None         int     `json:"none"`
	Total        int     `json:"total"`
	ResponseRate float64 `json:"response_rate"`
}

type Store interface {
	GetEventByID(ctx context.Context, eventID int64) (*model.Event, error)
	UpsertAttendance(ctx context.Context, rec *model.AttendanceRecord) error
	CountAttendance(ctx context.Context, eventID int64) (Tally, error)
}

type Ledger struct {
	store Store
}

func NewLedger(store Store) *Ledger {
	return &Ledger{store: store}
}

// RecordResponse upserts the member's RSVP for the event. Re-recording the
// same status refreshes responded_at rather than being dropped.
func (l *Ledger) RecordResponse(ctx context.Context, memberID, eventID int64, status string, now time.Time) (*model.AttendanceRecord, error) {
	switch status {
	case model.AttendanceAttending, model.AttendanceAbsent, model.AttendanceUndecided:
	default:
		return nil, ErrInvalidStatus
	}

	event, err := l.store.GetEventByID(ctx, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status != model.EventPublished {
		return nil, ErrEventNotOpen
	}
	if event.ResponseDeadline != nil && now.After(*event.ResponseDeadline) {
		return nil, &DeadlinePassedError{Deadline: *event.ResponseDeadline}
	}

	rec := &model.AttendanceRecord{
		MemberID:    memberID,
		EventID:     eventID,
		Status:      status,
		RespondedAt: now,
	}
	if err := l.store.UpsertAttendance(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Aggregate counts responses over the full roster: members without a row
// count toward the total and the none bucket, not toward the response rate's
// numerator.
func (l *Ledger) Aggregate(ctx context.Context, eventID int64) (Summary, error) {
	if _, err := l.store.GetEventByID(ctx, eventID); err != nil {
		return Summary{}, err
	}

	tally, err := l.store.CountAttendance(ctx, eventID)
	if err != nil {
		return Summary{}, err
	}

	responded := tally.Attending + tally.Absent + tally.Undecided
	none := tally.Roster - responded
	if none < 0 {
		none = 0
	}
	out := Summary{
		Attending: tally.Attending,
		Absent:    tally.Absent,
		Undecided: tally.Undecided,
		None:      none,
		Total:     tally.Roster,
	}
	if tally.Roster > 0 {
		out.ResponseRate = float64(responded) / float64(tally.Roster)
	}
	return out, nil
}
