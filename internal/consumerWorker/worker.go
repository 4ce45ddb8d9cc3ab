package consumerWorker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/wb-go/wbf/zlog"

	"memberhub/internal/dto"
	"memberhub/internal/mailer"
	"memberhub/internal/rabbit"
	"memberhub/internal/reminder"
	"memberhub/internal/repo"
)

// Reader consumes reminder dispatch batches. Each target is mailed
// individually; only the members whose mail actually went out are marked
// sent, so a partial transport failure never burns the others' resend
// window.
type Reader struct {
	RMQ    *rabbit.Client
	repo   repo.Repository
	engine *reminder.Engine
	mail   *mailer.Mailer
	done   chan struct{}
	cancel context.CancelFunc
}

func NewReader(rmq *rabbit.Client, repository repo.Repository, engine *reminder.Engine, mail *mailer.Mailer) *Reader {
	return &Reader{
		RMQ:    rmq,
		repo:   repository,
		engine: engine,
		mail:   mail,
		done:   make(chan struct{}),
	}
}

func (r *Reader) Start(ctx context.Context) {
	cctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	zlog.Logger.Info().Msg("Reminder dispatch worker started")

	go func() {
		defer close(r.done)

		handler := func(body []byte) error {
			var msg dto.ReminderDispatchMessage
			if err := json.Unmarshal(body, &msg); err != nil {
				zlog.Logger.Error().
					Err(err).
					Msgf("Failed to unmarshal message: %s", string(body))
				return err
			}

			zlog.Logger.Info().
				Int64("event_id", msg.EventID).
				Int("targets", len(msg.MemberIDs)).
				Msg("Received reminder dispatch batch")

			r.dispatch(cctx, msg)
			return nil
		}

		if err := r.RMQ.Consume(handler); err != nil {
			zlog.Logger.Error().Err(err).Msg("Failed to start consuming")
			return
		}

		<-cctx.Done()
		zlog.Logger.Info().Msg("Reminder dispatch worker stopped by context")
	}()
}

func (r *Reader) dispatch(ctx context.Context, msg dto.ReminderDispatchMessage) {
	event, err := r.repo.GetEventByID(ctx, msg.EventID)
	if err != nil {
		zlog.Logger.Error().
			Err(err).
			Int64("event_id", msg.EventID).
			Msg("Failed to get event from DB in worker")
		return
	}

	var succeeded []int64
	for _, memberID := range msg.MemberIDs {
		member, err := r.repo.GetMemberByID(ctx, memberID)
		if err != nil {
			zlog.Logger.Error().
				Err(err).
				Int64("member_id", memberID).
				Msg("Failed to get member from DB in worker")
			continue
		}

		if err := r.mail.SendEventReminder(member.Email, event.Name, event.ResponseDeadline); err != nil {
			continue
		}
		succeeded = append(succeeded, memberID)
	}

	if len(succeeded) == 0 {
		zlog.Logger.Warn().
			Int64("event_id", msg.EventID).
			Msg("No reminders delivered for batch")
		return
	}

	if err := r.engine.MarkSent(ctx, msg.EventID, succeeded, time.Now()); err != nil {
		zlog.Logger.Error().
			Err(err).
			Int64("event_id", msg.EventID).
			Msg("Failed to mark reminders sent")
		return
	}

	zlog.Logger.Info().
		Int64("event_id", msg.EventID).
		Int("sent", len(succeeded)).
		Int("failed", len(msg.MemberIDs)-len(succeeded)).
		Msg("Reminder batch dispatched")
}

func (r *Reader) Stop() {
	if r.cancel != nil {
		r.cancel()
		<-r.done
	}
}
