package data

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/data/pgxutil"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	apperrors "github.com/Xkonti/crude-functions-core/internal/errors"
)

// ErrScheduleNotFound is returned when a schedule is not found.
var ErrScheduleNotFound = errors.New("schedule not found")

// errFireSuperseded aborts a fire transaction whose schedule was advanced by
// a concurrent scheduler between FindDue and the guarded update.
var errFireSuperseded = errors.New("schedule no longer due")

// errResolveSkipped aborts a completion resolution that lost the per-schedule
// advisory lock to a concurrent resolver.
var errResolveSkipped = errors.New("schedule completion resolution skipped")

// scheduleLockKey computes the FNV-1a 64-bit advisory lock key for a schedule
// name. Fire and ResolveCompletion serialize per schedule on this key.
func scheduleLockKey(name string) int64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(name))
	// Advisory locks accept BIGINT; constrain the unsigned hash into int64 range before casting.
	return int64(h.Sum64() & 0x7FFFFFFFFFFFFFFF)
}

// acquireScheduleLock takes the per-schedule advisory transaction lock.
// Returns false when another transaction holds it.
func acquireScheduleLock(ctx context.Context, tx pgx.Tx, name string) (bool, error) {
	var locked bool
	err := tx.QueryRow(ctx, "SELECT pg_try_advisory_xact_lock($1)", scheduleLockKey(name)).Scan(&locked)
	if err != nil {
		return false, fmt.Errorf("acquire advisory lock for schedule %s: %w", name, err)
	}
	return locked, nil
}

// ScheduleRepo provides database operations for schedules.
type ScheduleRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
}

// NewScheduleRepo creates a new ScheduleRepo instance with the given database connection and configuration.
func NewScheduleRepo(db *sql.DB, cfg RepoConfig) *ScheduleRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}

	return &ScheduleRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
	}
}

const scheduleColumns = `
  name,
  description,
  kind,
  status,
  next_run_at,
  interval_ms,
  job_type,
  job_payload,
  job_priority,
  job_max_retries,
  encrypt_payload,
  is_persistent,
  consecutive_failures,
  max_consecutive_failures,
  active_job_id,
  last_completed_at,
  last_failed_at,
  created_at,
  updated_at
`

// scheduleColumnList mirrors scheduleColumns as a slice for prefixed selects.
var scheduleColumnList = []string{
	"name", "description", "kind", "status", "next_run_at", "interval_ms",
	"job_type", "job_payload", "job_priority", "job_max_retries",
	"encrypt_payload", "is_persistent", "consecutive_failures",
	"max_consecutive_failures", "active_job_id", "last_completed_at",
	"last_failed_at", "created_at", "updated_at",
}

// prefixColumns qualifies every column with a table alias for joined selects.
func prefixColumns(prefix string, cols []string) string {
	out := make([]string, len(cols))
	for i, c := range cols {
		out[i] = prefix + "." + c
	}
	return strings.Join(out, ", ")
}

// mapScheduleWriteErr maps database errors from schedule writes to typed errors.
func mapScheduleWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "schedules_pkey" {
		return apperrors.Wrap(err, apperrors.ErrCodeConflict,
			"a schedule with this name already exists")
	}
	return apperrors.MapDBError(err)
}

// Insert persists a fully-populated schedule row.
func (r *ScheduleRepo) Insert(ctx context.Context, s *model.Schedule) (*model.Schedule, error) {
	if s == nil {
		return nil, errors.New("schedule is required")
	}

	var created *model.Schedule
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
	      INSERT INTO schedules(name, description, kind, status, next_run_at, interval_ms,
	                            job_type, job_payload, job_priority, job_max_retries,
	                            encrypt_payload, is_persistent, max_consecutive_failures)
	      VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	      RETURNING `+scheduleColumns,
			s.Name,
			s.Description,
			s.Kind,
			s.Status,
			nullableTime(s.NextRunAt),
			nullableIntervalMs(s.Interval),
			s.JobType,
			s.JobPayload,
			s.JobPriority,
			s.JobMaxRetries,
			s.EncryptPayload,
			s.IsPersistent,
			s.MaxConsecutiveFailures,
		)
		if qerr != nil {
			return fmt.Errorf("insert schedule: %w", qerr)
		}
		defer rows.Close()
		var cerr error
		created, cerr = collectScheduleFromRows(rows)
		return cerr
	})
	if err != nil {
		return nil, mapScheduleWriteErr(err)
	}
	return created, nil
}

// GetByName retrieves a schedule by its name.
func (r *ScheduleRepo) GetByName(ctx context.Context, name string) (*model.Schedule, error) {
	found, err := r.querySchedule(ctx, `
		SELECT `+scheduleColumns+`
		FROM schedules
		WHERE name = $1
	`, name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return found, nil
}

// List returns schedules ordered by name, optionally filtered by status.
func (r *ScheduleRepo) List(ctx context.Context, opts model.ScheduleListOptions) ([]*model.Schedule, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100 // Default limit
	}
	if limit > 1000 {
		limit = 1000 // Max limit
	}
	offset := max(opts.Offset, 0)

	query := `SELECT ` + scheduleColumns + ` FROM schedules`
	args := []any{}
	if opts.Status != nil && *opts.Status != "" {
		query += ` WHERE status = $1`
		args = append(args, string(*opts.Status))
	}
	query += fmt.Sprintf(` ORDER BY name ASC LIMIT $%d OFFSET $%d`, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	var result []*model.Schedule
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query schedules: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, rowToSchedule)
		if err != nil {
			return fmt.Errorf("collect schedules: %w", err)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// SetStatus performs a conditional lifecycle transition.
func (r *ScheduleRepo) SetStatus(ctx context.Context, params core.SetScheduleStatusParams) (*model.Schedule, error) {
	if len(params.From) == 0 {
		return nil, errors.New("at least one source status is required")
	}

	from := make([]string, len(params.From))
	for i, s := range params.From {
		from[i] = string(s)
	}

	clauses := []string{"status = $2", "updated_at = $3"}
	if params.ClearNextRun {
		clauses = append(clauses, "next_run_at = NULL")
	}
	if params.ClearActiveJob {
		clauses = append(clauses, "active_job_id = NULL")
	}

	query := "UPDATE schedules SET " + strings.Join(clauses, ", ") +
		" WHERE name = $1 AND status = ANY($4) RETURNING " + scheduleColumns

	updated, err := r.querySchedule(ctx, query,
		params.Name, string(params.To), r.timeProvider.Now().UTC(), from)
	if errors.Is(err, pgx.ErrNoRows) {
		// Distinguish a missing schedule from an illegal transition.
		current, getErr := r.GetByName(ctx, params.Name)
		if errors.Is(getErr, ErrScheduleNotFound) {
			return nil, apperrors.NotFoundf("schedule %q not found", params.Name)
		}
		if getErr != nil {
			return nil, getErr
		}
		return nil, apperrors.Statef("schedule %q is %s", params.Name, current.Status)
	}
	if err != nil {
		return nil, fmt.Errorf("set schedule status: %w", err)
	}
	return updated, nil
}

// Delete removes a schedule row. Returns false when no row existed.
func (r *ScheduleRepo) Delete(ctx context.Context, name string) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM schedules WHERE name = $1`, name)
	if err != nil {
		return false, fmt.Errorf("delete schedule: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return rowsAffected > 0, nil
}

// FindDue finds active schedules due to fire at now, oldest first. Sequential
// and dynamic schedules are skipped while their tracked job is in flight; the
// guarded update in Fire is the final arbiter against concurrent schedulers.
func (r *ScheduleRepo) FindDue(ctx context.Context, now time.Time, limit int) ([]*model.Schedule, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE status = 'active'
		  AND next_run_at IS NOT NULL
		  AND next_run_at <= $1
		  AND (active_job_id IS NULL OR kind NOT IN ('sequential_interval', 'dynamic'))
		ORDER BY next_run_at ASC, name ASC
		LIMIT $2
	`

	var result []*model.Schedule
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, now.UTC(), limit)
		if err != nil {
			return fmt.Errorf("query due schedules: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, rowToSchedule)
		if err != nil {
			return fmt.Errorf("collect due schedules: %w", err)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// Fire enqueues the schedule's templated job and advances the schedule row in
// a single transaction. The advance is guarded on the row still being due, so
// a concurrent scheduler that fired first rolls this attempt back, job
// included. Returns (nil, nil) in that case.
func (r *ScheduleRepo) Fire(ctx context.Context, params core.FireParams) (*model.Job, error) {
	if params.Schedule == nil {
		return nil, errors.New("schedule is required")
	}
	if params.Job == nil {
		return nil, errors.New("job request is required")
	}

	var fired *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			locked, lockErr := acquireScheduleLock(ctx, tx, params.Schedule.Name)
			if lockErr != nil {
				return lockErr
			}
			if !locked {
				// Another scheduler holds this schedule; it will fire it.
				return errFireSuperseded
			}

			created, insertErr := insertJobInTx(ctx, tx, insertJobParams{
				Req: params.Job,
				Now: params.Now,
			})
			if insertErr != nil {
				return insertErr
			}

			now := params.Now.UTC()
			clauses := []string{"status = $2", "updated_at = $3"}
			args := []any{params.Schedule.Name, string(params.Decision.Status), now}
			idx := 4

			if params.Decision.UpdateNextRun {
				if params.Decision.NextRunAt == nil {
					clauses = append(clauses, "next_run_at = NULL")
				} else {
					clauses = append(clauses, fmt.Sprintf("next_run_at = $%d", idx))
					args = append(args, params.Decision.NextRunAt.UTC())
					idx++
				}
			}
			if params.Decision.TrackJob {
				clauses = append(clauses, fmt.Sprintf("active_job_id = $%d::uuid", idx))
				args = append(args, created.ID)
				idx++
			}

			guard := " WHERE name = $1 AND status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= $3"
			if params.Decision.TrackJob {
				guard += " AND active_job_id IS NULL"
			}

			tag, execErr := tx.Exec(ctx, "UPDATE schedules SET "+strings.Join(clauses, ", ")+guard, args...)
			if execErr != nil {
				return fmt.Errorf("advance schedule: %w", execErr)
			}
			if tag.RowsAffected() == 0 {
				return errFireSuperseded
			}

			fired = created
			return nil
		},
	})
	if errors.Is(err, errFireSuperseded) {
		return nil, nil
	}
	if err != nil {
		return nil, mapJobWriteErr(err)
	}
	return fired, nil
}

// ResolveCompletion applies a completion decision and clears the tracked job.
//
// Guards: completed rows are never touched, a pause applied while the job ran
// sticks even when the decision would reactivate, and a non-empty JobID must
// match the tracked job so stale events lose against the poll. Returns
// (nil, nil) when any guard failed or the schedule is gone.
func (r *ScheduleRepo) ResolveCompletion(ctx context.Context, params core.ResolveCompletionParams) (*model.Schedule, error) {
	if params.Name == "" {
		return nil, errors.New("schedule name is required")
	}

	d := params.Decision
	clauses := []string{
		"status = CASE WHEN schedules.status = 'paused' AND $2 = 'active' THEN 'paused' ELSE $2 END",
		"updated_at = $3",
		"consecutive_failures = $4",
		"active_job_id = NULL",
	}
	args := []any{params.Name, string(d.Status), r.timeProvider.Now().UTC(), d.ConsecutiveFailures}
	idx := 5

	if d.UpdateNextRun {
		if d.NextRunAt == nil {
			clauses = append(clauses, "next_run_at = NULL")
		} else {
			clauses = append(clauses, fmt.Sprintf("next_run_at = $%d", idx))
			args = append(args, d.NextRunAt.UTC())
			idx++
		}
	}
	if d.LastCompletedAt != nil {
		clauses = append(clauses, fmt.Sprintf("last_completed_at = $%d", idx))
		args = append(args, d.LastCompletedAt.UTC())
		idx++
	}
	if d.LastFailedAt != nil {
		clauses = append(clauses, fmt.Sprintf("last_failed_at = $%d", idx))
		args = append(args, d.LastFailedAt.UTC())
		idx++
	}

	guard := " WHERE name = $1 AND status <> 'completed'"
	if params.JobID != "" {
		guard += fmt.Sprintf(" AND active_job_id = $%d::uuid", idx)
		args = append(args, params.JobID)
		idx++
	}

	query := "UPDATE schedules SET " + strings.Join(clauses, ", ") + guard + " RETURNING " + scheduleColumns

	var resolved *model.Schedule
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			locked, lockErr := acquireScheduleLock(ctx, tx, params.Name)
			if lockErr != nil {
				return lockErr
			}
			if !locked {
				// A concurrent resolver or fire holds the schedule; the event
				// path and the poll converge, so losing here is safe.
				return errResolveSkipped
			}

			rows, qerr := tx.Query(ctx, query, args...)
			if qerr != nil {
				return fmt.Errorf("resolve schedule completion: %w", qerr)
			}
			defer rows.Close()

			s, cerr := pgx.CollectOneRow(rows, rowToSchedule)
			if cerr != nil {
				return cerr
			}
			resolved = s
			return nil
		},
	})
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, errResolveSkipped) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve schedule completion: %w", err)
	}
	return resolved, nil
}

// FindTracked returns schedules with an in-flight tracked job, paused ones
// included so their completions still resolve.
func (r *ScheduleRepo) FindTracked(ctx context.Context) ([]*model.Schedule, error) {
	query := `
		SELECT ` + scheduleColumns + `
		FROM schedules
		WHERE active_job_id IS NOT NULL
		ORDER BY name ASC
	`

	var result []*model.Schedule
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return fmt.Errorf("query tracked schedules: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, rowToSchedule)
		if err != nil {
			return fmt.Errorf("collect tracked schedules: %w", err)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// FindTrackedCompleted returns schedules whose tracked job reached a terminal
// status, with the job row joined in, oldest completion first.
func (r *ScheduleRepo) FindTrackedCompleted(ctx context.Context, limit int) ([]core.TrackedCompletion, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("limit must be positive, got %d", limit)
	}

	var result []core.TrackedCompletion
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, `
			SELECT `+prefixColumns("s", scheduleColumnList)+`
			FROM schedules s
			JOIN jobs j ON j.id = s.active_job_id
			WHERE j.status IN ('succeeded', 'failed', 'cancelled')
			ORDER BY j.finished_at ASC NULLS FIRST, s.name ASC
			LIMIT $1
		`, limit)
		if qerr != nil {
			return fmt.Errorf("query tracked completions: %w", qerr)
		}
		schedules, cerr := pgx.CollectRows(rows, rowToSchedule)
		rows.Close()
		if cerr != nil {
			return fmt.Errorf("collect tracked completions: %w", cerr)
		}
		if len(schedules) == 0 {
			return nil
		}

		ids := make([]string, 0, len(schedules))
		for _, s := range schedules {
			if s.ActiveJobID != nil {
				ids = append(ids, *s.ActiveJobID)
			}
		}

		jobRows, qerr := conn.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ANY($1::uuid[])`, ids)
		if qerr != nil {
			return fmt.Errorf("query tracked jobs: %w", qerr)
		}
		defer jobRows.Close()

		jobsByID := make(map[string]*model.Job, len(ids))
		for jobRows.Next() {
			j, scanErr := scanJobFromRow(jobRows)
			if scanErr != nil {
				return fmt.Errorf("scan tracked job: %w", scanErr)
			}
			jobsByID[j.ID] = j
		}
		if rowsErr := jobRows.Err(); rowsErr != nil {
			return fmt.Errorf("iterate tracked jobs: %w", rowsErr)
		}

		for _, s := range schedules {
			if s.ActiveJobID == nil {
				continue
			}
			j, ok := jobsByID[*s.ActiveJobID]
			if !ok {
				continue
			}
			result = append(result, core.TrackedCompletion{Schedule: s, Job: j})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteTransient removes every non-persistent schedule.
func (r *ScheduleRepo) DeleteTransient(ctx context.Context) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM schedules WHERE NOT is_persistent`)
	if err != nil {
		return 0, fmt.Errorf("delete transient schedules: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return rowsAffected, nil
}

// querySchedule runs a single-row schedule query against the pool.
func (r *ScheduleRepo) querySchedule(ctx context.Context, query string, args ...any) (*model.Schedule, error) {
	var found *model.Schedule
	err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, qerr := conn.Query(ctx, query, args...)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		var cerr error
		found, cerr = collectScheduleFromRows(rows)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// collectScheduleFromRows collects a single schedule from pgx rows.
func collectScheduleFromRows(rows pgx.Rows) (*model.Schedule, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	scanned, err := rowToSchedule(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return scanned, nil
}

// scheduleRow matches the schedules table exactly so pgx.RowToStructByName works.
type scheduleRow struct {
	Name                   string         `db:"name"`
	Description            sql.NullString `db:"description"`
	Kind                   string         `db:"kind"`
	Status                 string         `db:"status"`
	NextRunAt              sql.NullTime   `db:"next_run_at"`
	IntervalMs             sql.NullInt64  `db:"interval_ms"`
	JobType                string         `db:"job_type"`
	JobPayload             []byte         `db:"job_payload"`
	JobPriority            int            `db:"job_priority"`
	JobMaxRetries          int            `db:"job_max_retries"`
	EncryptPayload         bool           `db:"encrypt_payload"`
	IsPersistent           bool           `db:"is_persistent"`
	ConsecutiveFailures    int            `db:"consecutive_failures"`
	MaxConsecutiveFailures int            `db:"max_consecutive_failures"`
	ActiveJobID            sql.NullString `db:"active_job_id"`
	LastCompletedAt        sql.NullTime   `db:"last_completed_at"`
	LastFailedAt           sql.NullTime   `db:"last_failed_at"`
	CreatedAt              time.Time      `db:"created_at"`
	UpdatedAt              time.Time      `db:"updated_at"`
}

// toModel converts a scheduleRow to a model.Schedule.
func (r *scheduleRow) toModel() *model.Schedule {
	s := &model.Schedule{
		Name:                   r.Name,
		Kind:                   model.ScheduleKind(r.Kind),
		Status:                 model.ScheduleStatus(r.Status),
		JobType:                model.JobType(r.JobType),
		JobPriority:            r.JobPriority,
		JobMaxRetries:          r.JobMaxRetries,
		EncryptPayload:         r.EncryptPayload,
		IsPersistent:           r.IsPersistent,
		ConsecutiveFailures:    r.ConsecutiveFailures,
		MaxConsecutiveFailures: r.MaxConsecutiveFailures,
		CreatedAt:              r.CreatedAt.UTC(),
		UpdatedAt:              r.UpdatedAt.UTC(),
	}

	if len(r.JobPayload) > 0 {
		s.JobPayload = append([]byte(nil), r.JobPayload...)
	}
	if r.IntervalMs.Valid {
		s.Interval = time.Duration(r.IntervalMs.Int64) * time.Millisecond
	}
	s.Description = cloneNullableString(r.Description)
	s.NextRunAt = cloneNullableTime(r.NextRunAt)
	s.ActiveJobID = cloneNullableString(r.ActiveJobID)
	s.LastCompletedAt = cloneNullableTime(r.LastCompletedAt)
	s.LastFailedAt = cloneNullableTime(r.LastFailedAt)
	return s
}

// rowToSchedule maps a pgx row to a model.Schedule using pgx v5 generics.
func rowToSchedule(row pgx.CollectableRow) (*model.Schedule, error) {
	dbRow, err := pgx.RowToStructByName[scheduleRow](row)
	if err != nil {
		return nil, fmt.Errorf("scan schedule row: %w", err)
	}
	return dbRow.toModel(), nil
}

// nullableIntervalMs converts a duration to the stored millisecond column,
// keeping non-positive values as NULL.
func nullableIntervalMs(d time.Duration) *int64 {
	if d <= 0 {
		return nil
	}
	ms := d.Milliseconds()
	return &ms
}

// nullableTime converts an optional time to its stored UTC form.
func nullableTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

var _ core.ScheduleRepository = (*ScheduleRepo)(nil)
