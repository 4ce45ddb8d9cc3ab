package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
	"github.com/wb-go/wbf/dbpg"

	"memberhub/internal/attendance"
	"memberhub/internal/model"
	"memberhub/internal/mutation"
	"memberhub/internal/reminder"
	"memberhub/internal/visibility"
)

var (
	ErrMemberNotFound = errors.New("member not found")
	ErrEventNotFound  = errors.New("event not found")
	ErrDuplicateEmail = errors.New("email already registered")
)

type Repository interface {
	CreateMember(ctx context.Context, m *model.Member) (int64, error)
	GetMemberByID(ctx context.Context, id int64) (*model.Member, error)
	ListPublicMembers(ctx context.Context) ([]model.Member, error)
	GetMemberPasswordHash(ctx context.Context, memberID int64) (string, error)

	GetVisibility(ctx context.Context, memberID int64) (visibility.State, error)
	CompareAndSetVisibility(ctx context.Context, memberID int64, prev, next visibility.State) error

	CreateEvent(ctx context.Context, e *model.Event) (int64, error)
	GetEventByID(ctx context.Context, id int64) (*model.Event, error)
	GetAllEvents(ctx context.Context) ([]model.Event, error)

	UpsertAttendance(ctx context.Context, rec *model.AttendanceRecord) error
	CountAttendance(ctx context.Context, eventID int64) (attendance.Tally, error)

	ListEventRoster(ctx context.Context, eventID int64) ([]reminder.RosterEntry, error)
	MarkRemindersSent(ctx context.Context, eventID int64, memberIDs []int64, sentAt time.Time) error

	CreateMutationRequest(ctx context.Context, req *model.MutationRequest) error
	GetActiveMutationRequest(ctx context.Context, memberID int64) (*model.MutationRequest, error)
	ExpireStaleMutationRequests(ctx context.Context, memberID int64, asOf, abandonedBefore time.Time) error
	UpdateMutationRequest(ctx context.Context, req *model.MutationRequest, fromState string) error
	CommitEmailChange(ctx context.Context, req *model.MutationRequest, fromState string) error

	MigrateUp(migrationsDir string) error
	MigrateDown(migrationsDir string) error
}

type repository struct {
	db  *dbpg.DB
	log *zerolog.Logger
}

func NewRepository(db *dbpg.DB, log *zerolog.Logger) (Repository, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	if err := db.Master.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping DB: %w", err)
	}
	return &repository{db: db, log: log}, nil
}

func (r *repository) MigrateUp(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.up.sql"))
	if err != nil {
		return fmt.Errorf("failed to read migration files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read migration file %s: %w", file, err)
		}

		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations applied successfully from %s", migrationsDir)
	return nil
}

func (r *repository) MigrateDown(migrationsDir string) error {
	files, err := filepath.Glob(filepath.Join(migrationsDir, "*.down.sql"))
	if err != nil {
		return fmt.Errorf("failed to read rollback files: %w", err)
	}

	for _, file := range files {
		sqlBytes, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("failed to read rollback file %s: %w", file, err)
		}

		if _, err := r.db.ExecContext(context.Background(), string(sqlBytes)); err != nil {
			return fmt.Errorf("failed to rollback migration %s: %w", file, err)
		}
	}

	r.log.Info().Msgf("Migrations rolled back successfully from %s", migrationsDir)
	return nil
}

func (r *repository) CreateMember(ctx context.Context, m *model.Member) (int64, error) {
	query := `
		INSERT INTO members (full_name, email, email_verified, password_hash, directory_public)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		m.FullName, m.Email, m.EmailVerified, m.PasswordHash, m.DirectoryPublic,
	).Scan(&id)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, ErrDuplicateEmail
		}
		return 0, fmt.Errorf("failed to insert member: %w", err)
	}
	return id, nil
}

func (r *repository) GetMemberByID(ctx context.Context, id int64) (*model.Member, error) {
	query := `
		SELECT id, full_name, email, email_verified, password_hash, directory_public,
		       last_enabled_at, last_disabled_at, created_at, updated_at
		FROM members WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, id)

	var m model.Member
	var enabledAt, disabledAt sql.NullTime
	if err := row.Scan(
		&m.ID, &m.FullName, &m.Email, &m.EmailVerified, &m.PasswordHash, &m.DirectoryPublic,
		&enabledAt, &disabledAt, &m.CreatedAt, &m.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrMemberNotFound
		}
		return nil, fmt.Errorf("failed to get member: %w", err)
	}
	m.LastEnabledAt = nullableTime(enabledAt)
	m.LastDisabledAt = nullableTime(disabledAt)
	return &m, nil
}

func (r *repository) ListPublicMembers(ctx context.Context) ([]model.Member, error) {
	query := `
		SELECT id, full_name, email, email_verified, directory_public, created_at, updated_at
		FROM members
		WHERE directory_public = TRUE
		ORDER BY full_name ASC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list public members: %w", err)
	}
	defer rows.Close()

	var members []model.Member
	for rows.Next() {
		var m model.Member
		if err := rows.Scan(
			&m.ID, &m.FullName, &m.Email, &m.EmailVerified, &m.DirectoryPublic,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan member: %w", err)
		}
		members = append(members, m)
	}
	return members, rows.Err()
}

func (r *repository) GetMemberPasswordHash(ctx context.Context, memberID int64) (string, error) {
	var hash string
	err := r.db.QueryRowContext(ctx, `SELECT password_hash FROM members WHERE id = $1`, memberID).Scan(&hash)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrMemberNotFound
		}
		return "", fmt.Errorf("failed to get password hash: %w", err)
	}
	return hash, nil
}

func (r *repository) GetVisibility(ctx context.Context, memberID int64) (visibility.State, error) {
	query := `
		SELECT directory_public, last_enabled_at, last_disabled_at
		FROM members WHERE id = $1
	`
	var st visibility.State
	var enabledAt, disabledAt sql.NullTime
	err := r.db.QueryRowContext(ctx, query, memberID).Scan(&st.Public, &enabledAt, &disabledAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return visibility.State{}, ErrMemberNotFound
		}
		return visibility.State{}, fmt.Errorf("failed to get visibility: %w", err)
	}
	st.LastEnabledAt = nullableTime(enabledAt)
	st.LastDisabledAt = nullableTime(disabledAt)
	return st, nil
}

// CompareAndSetVisibility guards the write on the full previous visibility
// tuple, so two concurrent toggles for the same member cannot both win.
func (r *repository) CompareAndSetVisibility(ctx context.Context, memberID int64, prev, next visibility.State) error {
	query := `
		UPDATE members
		SET directory_public = $2,
		    last_enabled_at = $3,
		    last_disabled_at = $4,
		    updated_at = NOW()
		WHERE id = $1
		  AND directory_public = $5
		  AND last_enabled_at IS NOT DISTINCT FROM $6
		  AND last_disabled_at IS NOT DISTINCT FROM $7
	`
	res, err := r.db.ExecContext(ctx, query, memberID,
		next.Public, next.LastEnabledAt, next.LastDisabledAt,
		prev.Public, prev.LastEnabledAt, prev.LastDisabledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update visibility: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		if _, err := r.GetVisibility(ctx, memberID); err != nil {
			return err
		}
		return visibility.ErrStale
	}
	return nil
}

func (r *repository) CreateEvent(ctx context.Context, e *model.Event) (int64, error) {
	query := `
		INSERT INTO events (name, description, starts_at, response_deadline, status)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`

	var id int64
	err := r.db.QueryRowContext(ctx, query,
		e.Name, e.Description, e.StartsAt, e.ResponseDeadline, e.Status,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to insert event: %w", err)
	}
	return id, nil
}

func (r *repository) GetEventByID(ctx context.Context, id int64) (*model.Event, error) {
	query := `
		SELECT id, name, description, starts_at, response_deadline, status, created_at, updated_at
		FROM events WHERE id = $1
	`
	row := r.db.QueryRowContext(ctx, query, id)

	var e model.Event
	var deadline sql.NullTime
	if err := row.Scan(
		&e.ID, &e.Name, &e.Description, &e.StartsAt, &deadline, &e.Status,
		&e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrEventNotFound
		}
		return nil, fmt.Errorf("failed to get event: %w", err)
	}
	e.ResponseDeadline = nullableTime(deadline)
	return &e, nil
}

func (r *repository) GetAllEvents(ctx context.Context) ([]model.Event, error) {
	query := `
		SELECT id, name, description, starts_at, response_deadline, status, created_at, updated_at
		FROM events
		ORDER BY starts_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	var events []model.Event
	for rows.Next() {
		var e model.Event
		var deadline sql.NullTime
		if err := rows.Scan(
			&e.ID, &e.Name, &e.Description, &e.StartsAt, &deadline, &e.Status,
			&e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.ResponseDeadline = nullableTime(deadline)
		events = append(events, e)
	}
	return events, rows.Err()
}

func (r *repository) UpsertAttendance(ctx context.Context, rec *model.AttendanceRecord) error {
	query := `
		INSERT INTO attendance_records (member_id, event_id, status, responded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (member_id, event_id)
		DO UPDATE SET status = EXCLUDED.status, responded_at = EXCLUDED.responded_at
		RETURNING id
	`
	err := r.db.QueryRowContext(ctx, query,
		rec.MemberID, rec.EventID, rec.Status, rec.RespondedAt,
	).Scan(&rec.ID)
	if err != nil {
		switch fkConstraint(err) {
		case "attendance_records_member_id_fkey":
			return ErrMemberNotFound
		case "attendance_records_event_id_fkey":
			return ErrEventNotFound
		}
		return fmt.Errorf("failed to upsert attendance: %w", err)
	}
	return nil
}

func (r *repository) CountAttendance(ctx context.Context, eventID int64) (attendance.Tally, error) {
	var t attendance.Tally
	query := `
		SELECT COUNT(*) FILTER (WHERE status = 'attending'),
		       COUNT(*) FILTER (WHERE status = 'absent'),
		       COUNT(*) FILTER (WHERE status = 'undecided')
		FROM attendance_records
		WHERE event_id = $1
	`
	if err := r.db.QueryRowContext(ctx, query, eventID).Scan(&t.Attending, &t.Absent, &t.Undecided); err != nil {
		return attendance.Tally{}, fmt.Errorf("failed to count attendance: %w", err)
	}
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM members`).Scan(&t.Roster); err != nil {
		return attendance.Tally{}, fmt.Errorf("failed to count roster: %w", err)
	}
	return t, nil
}

func (r *repository) ListEventRoster(ctx context.Context, eventID int64) ([]reminder.RosterEntry, error) {
	if _, err := r.GetEventByID(ctx, eventID); err != nil {
		return nil, err
	}

	query := `
		SELECT m.id, COALESCE(a.status, 'none'), rr.last_sent_at
		FROM members m
		LEFT JOIN attendance_records a ON a.member_id = m.id AND a.event_id = $1
		LEFT JOIN reminder_records rr ON rr.member_id = m.id AND rr.event_id = $1
	`

	rows, err := r.db.QueryContext(ctx, query, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to list event roster: %w", err)
	}
	defer rows.Close()

	var roster []reminder.RosterEntry
	for rows.Next() {
		var entry reminder.RosterEntry
		var lastSentAt sql.NullTime
		if err := rows.Scan(&entry.MemberID, &entry.Status, &lastSentAt); err != nil {
			return nil, fmt.Errorf("failed to scan roster entry: %w", err)
		}
		entry.LastSentAt = nullableTime(lastSentAt)
		roster = append(roster, entry)
	}
	return roster, rows.Err()
}

// MarkRemindersSent upserts the whole batch in one transaction: either every
// notified member gets stamped or none do.
func (r *repository) MarkRemindersSent(ctx context.Context, eventID int64, memberIDs []int64, sentAt time.Time) error {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	query := `
		INSERT INTO reminder_records (member_id, event_id, last_sent_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (member_id, event_id)
		DO UPDATE SET last_sent_at = EXCLUDED.last_sent_at
	`
	for _, memberID := range memberIDs {
		if _, err := tx.ExecContext(ctx, query, memberID, eventID, sentAt); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to mark reminder sent for member %d: %w", memberID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reminder batch: %w", err)
	}
	return nil
}

func (r *repository) CreateMutationRequest(ctx context.Context, req *model.MutationRequest) error {
	query := `
		INSERT INTO mutation_requests (id, member_id, field, proposed_value, state, otp_attempts, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.ExecContext(ctx, query,
		req.ID, req.MemberID, req.Field, req.ProposedValue, req.State,
		req.OtpAttempts, req.CreatedAt, req.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return mutation.ErrWorkflowInFlight
		}
		if fkConstraint(err) == "mutation_requests_member_id_fkey" {
			return ErrMemberNotFound
		}
		return fmt.Errorf("failed to create mutation request: %w", err)
	}
	return nil
}

func (r *repository) GetActiveMutationRequest(ctx context.Context, memberID int64) (*model.MutationRequest, error) {
	query := `
		SELECT id, member_id, field, proposed_value, state, password_verified_at,
		       otp_code_hash, otp_sent_at, otp_expires_at, otp_attempts, created_at, updated_at
		FROM mutation_requests
		WHERE member_id = $1 AND state IN ('awaiting_password', 'awaiting_code')
	`
	row := r.db.QueryRowContext(ctx, query, memberID)

	var req model.MutationRequest
	var verifiedAt, sentAt, expiresAt sql.NullTime
	var codeHash sql.NullString
	if err := row.Scan(
		&req.ID, &req.MemberID, &req.Field, &req.ProposedValue, &req.State,
		&verifiedAt, &codeHash, &sentAt, &expiresAt, &req.OtpAttempts,
		&req.CreatedAt, &req.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, mutation.ErrNoActiveRequest
		}
		return nil, fmt.Errorf("failed to get mutation request: %w", err)
	}
	req.PasswordVerifiedAt = nullableTime(verifiedAt)
	req.OtpCodeHash = codeHash.String
	req.OtpSentAt = nullableTime(sentAt)
	req.OtpExpiresAt = nullableTime(expiresAt)
	return &req, nil
}

func (r *repository) ExpireStaleMutationRequests(ctx context.Context, memberID int64, asOf, abandonedBefore time.Time) error {
	query := `
		UPDATE mutation_requests
		SET state = 'expired', updated_at = $2
		WHERE member_id = $1
		  AND ((state = 'awaiting_code' AND otp_expires_at < $2)
		    OR (state = 'awaiting_password' AND created_at < $3))
	`
	if _, err := r.db.ExecContext(ctx, query, memberID, asOf, abandonedBefore); err != nil {
		return fmt.Errorf("failed to expire stale mutation requests: %w", err)
	}
	return nil
}

func (r *repository) UpdateMutationRequest(ctx context.Context, req *model.MutationRequest, fromState string) error {
	query := `
		UPDATE mutation_requests
		SET state = $2, password_verified_at = $3, otp_code_hash = $4,
		    otp_sent_at = $5, otp_expires_at = $6, otp_attempts = $7, updated_at = $8
		WHERE id = $1 AND state = $9
	`
	res, err := r.db.ExecContext(ctx, query,
		req.ID, req.State, req.PasswordVerifiedAt, nullString(req.OtpCodeHash),
		req.OtpSentAt, req.OtpExpiresAt, req.OtpAttempts, req.UpdatedAt, fromState,
	)
	if err != nil {
		return fmt.Errorf("failed to update mutation request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		return mutation.ErrStaleRequest
	}
	return nil
}

// CommitEmailChange flips the request to committed and applies the new email
// in the same transaction; the address was just proven, so it is marked
// verified.
func (r *repository) CommitEmailChange(ctx context.Context, req *model.MutationRequest, fromState string) error {
	tx, err := r.db.Master.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	res, err := tx.ExecContext(ctx, `
		UPDATE mutation_requests
		SET state = $2, updated_at = $3
		WHERE id = $1 AND state = $4
	`, req.ID, req.State, req.UpdatedAt, fromState)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to commit mutation request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if affected == 0 {
		_ = tx.Rollback()
		return mutation.ErrStaleRequest
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE members
		SET email = $2, email_verified = TRUE, updated_at = NOW()
		WHERE id = $1
	`, req.MemberID, req.ProposedValue); err != nil {
		_ = tx.Rollback()
		if isUniqueViolation(err) {
			return ErrDuplicateEmail
		}
		return fmt.Errorf("failed to apply email change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit email change: %w", err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}

func fkConstraint(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23503" {
		return pqErr.Constraint
	}
	return ""
}

func nullableTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	out := t.Time
	return &out
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
