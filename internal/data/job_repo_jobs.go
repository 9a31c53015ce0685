package data

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/data/pgxutil"
	"github.com/Xkonti/crude-functions-core/internal/domain/job"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	apperrors "github.com/Xkonti/crude-functions-core/internal/errors"
)

// notifyChannel names the LISTEN/NOTIFY channel that wakes claim loops for a job type.
func notifyChannel(jobType model.JobType) string {
	return "job_ready_" + string(jobType)
}

// SQL used by ClaimOne to atomically claim the top-ranked eligible job.
// Sequential jobs with a reference stay ineligible while any sibling with the
// same reference is in flight.
const claimOneSQL = `
  WITH cte AS (
    SELECT j.id FROM jobs j
    WHERE j.type = ANY($1)
      AND j.status = 'pending'
      AND j.scheduled_for <= $2
      AND j.cancel_requested = FALSE
      AND (
        j.execution_mode <> 'sequential'
        OR j.reference_type IS NULL
        OR NOT EXISTS (
          SELECT 1 FROM jobs x
          WHERE x.reference_type = j.reference_type
            AND x.reference_id = j.reference_id
            AND x.status IN ('claimed', 'running')
            AND x.id <> j.id
        )
      )
    ORDER BY j.priority DESC, j.scheduled_for ASC, j.created_at ASC, j.id ASC
    LIMIT 1
    FOR UPDATE SKIP LOCKED
  )
  UPDATE jobs j
  SET
    status = 'claimed',
    owner_instance_id = $3,
    lease_expires_at = $4
  FROM cte
  WHERE j.id = cte.id
  RETURNING j.id, j.type, j.status, j.priority, j.execution_mode, j.payload, j.payload_encrypted, j.reference_type, j.reference_id, j.attempt, j.max_retries, j.last_error, j.result, j.scheduled_for, j.owner_instance_id, j.lease_expires_at, j.cancel_requested, j.created_at, j.started_at, j.finished_at`

// Create creates a new pending job and notifies claim listeners for its type.
func (r *JobRepo) Create(ctx context.Context, req *model.EnqueueRequest) (*model.Job, error) {
	if req == nil {
		return nil, errors.New("enqueue request is required")
	}
	if err := req.Validate(); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeValidation, "invalid enqueue request")
	}

	var created *model.Job
	txErr := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			var insertErr error
			created, insertErr = insertJobInTx(ctx, tx, insertJobParams{
				Req: req,
				Now: r.timeProvider.Now(),
			})
			return insertErr
		},
	})
	if txErr != nil {
		return nil, mapJobWriteErr(txErr)
	}
	return created, nil
}

// insertJobParams groups parameters for inserting a job within a transaction.
type insertJobParams struct {
	Req *model.EnqueueRequest
	Now time.Time
}

// insertJobInTx inserts a job within a pgx.Tx and notifies listeners. Shared
// with the schedule repository so a fire can enqueue inside its own transaction.
func insertJobInTx(ctx context.Context, tx pgx.Tx, p insertJobParams) (*model.Job, error) {
	scheduledFor := p.Now.UTC()
	if p.Req.ScheduledFor != nil {
		scheduledFor = p.Req.ScheduledFor.UTC()
	}

	rows, err := tx.Query(ctx, `
      INSERT INTO jobs(type, status, priority, execution_mode, payload, payload_encrypted,
                       reference_type, reference_id, max_retries, scheduled_for)
      VALUES ($1, 'pending', $2, $3, $4, $5, $6, $7, $8, $9)
      RETURNING `+jobColumns,
		p.Req.Type,
		p.Req.Priority,
		p.Req.Mode(),
		p.Req.Payload,
		p.Req.EncryptPayload,
		p.Req.ReferenceType,
		p.Req.ReferenceID,
		p.Req.MaxRetries,
		scheduledFor,
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	created, collectErr := collectJobFromRows(rows)
	rows.Close()
	if collectErr != nil {
		return nil, fmt.Errorf("collect job: %w", collectErr)
	}

	channel := notifyChannel(p.Req.Type)
	if _, execErr := tx.Exec(ctx, `SELECT pg_notify($1::text, $2::text)`, channel, created.ID); execErr != nil {
		return nil, fmt.Errorf("send job notification: %w", execErr)
	}

	return created, nil
}

// ClaimOne atomically claims the highest-ranked eligible job of one of the
// given types. Returns model.ErrNoJobsAvailable when nothing is eligible.
// Racing claimers are resolved by FOR UPDATE SKIP LOCKED: a contender simply
// selects the next eligible row.
func (r *JobRepo) ClaimOne(ctx context.Context, params core.ClaimParams) (*model.Job, error) {
	if len(params.Types) == 0 {
		return nil, errors.New("at least one job type is required")
	}
	if params.OwnerID == "" {
		return nil, errors.New("owner id is required")
	}
	if params.LeaseSeconds <= 0 {
		return nil, errors.New("leaseSeconds must be positive")
	}

	types := make([]string, len(params.Types))
	for i, t := range params.Types {
		types[i] = string(t)
	}

	var claimed *model.Job
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Opts: &sql.TxOptions{Isolation: sql.LevelReadCommitted},
		Fn: func(tx pgx.Tx) error {
			now := r.timeProvider.Now()
			leaseExpiresAt := now.Add(time.Duration(params.LeaseSeconds) * time.Second)

			rows, qerr := tx.Query(ctx, claimOneSQL, types, now.UTC(), params.OwnerID, leaseExpiresAt.UTC())
			if qerr != nil {
				return fmt.Errorf("claim job: %w", qerr)
			}
			defer rows.Close()

			j, cerr := collectJobFromRows(rows)
			if errors.Is(cerr, pgx.ErrNoRows) {
				return model.ErrNoJobsAvailable
			}
			if cerr != nil {
				return fmt.Errorf("claim job: %w", cerr)
			}
			claimed = j
			return nil
		},
	})
	if err != nil {
		if errors.Is(err, model.ErrNoJobsAvailable) {
			return nil, model.ErrNoJobsAvailable
		}
		return nil, err
	}
	return claimed, nil
}

// Start transitions a claimed job to running for its current owner.
func (r *JobRepo) Start(ctx context.Context, params core.StartParams) (*model.Job, error) {
	now := r.timeProvider.Now().UTC()

	rows, err := queryJob(ctx, r.DB, `
		UPDATE jobs
		SET status = 'running',
		    started_at = $3
		WHERE id = $1
		  AND owner_instance_id = $2
		  AND status = 'claimed'
		  AND lease_expires_at > $3
		RETURNING `+jobColumns,
		params.JobID, params.OwnerID, now,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, r.explainOwnedWriteFailure(ctx, params.JobID, params.OwnerID, model.JobStatusClaimed)
	}
	if err != nil {
		return nil, fmt.Errorf("start job: %w", err)
	}
	return rows, nil
}

// explainOwnedWriteFailure turns a zero-row owner-guarded update into a typed error.
func (r *JobRepo) explainOwnedWriteFailure(
	ctx context.Context,
	jobID, ownerID string,
	want model.JobStatus,
) error {
	current, err := r.GetByID(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		return apperrors.NotFoundf("job %s not found", jobID)
	}
	if err != nil {
		return fmt.Errorf("re-check job %s: %w", jobID, err)
	}
	if current.Status != want {
		return apperrors.Statef("job %s is %s, not %s", jobID, current.Status, want)
	}
	if current.OwnerInstanceID == nil || *current.OwnerInstanceID != ownerID {
		return apperrors.Statef("job %s is owned by another instance", jobID)
	}
	return apperrors.Statef("lease on job %s has expired", jobID)
}

// Heartbeat extends the lease for the calling owner. A heartbeat by a
// non-owner, or after lease expiry, is rejected with OK=false.
func (r *JobRepo) Heartbeat(
	ctx context.Context,
	params core.HeartbeatParams,
) (model.HeartbeatResult, error) {
	if params.LeaseSeconds <= 0 {
		return model.HeartbeatResult{}, errors.New("leaseSeconds must be positive")
	}

	now := r.timeProvider.Now().UTC()
	leaseExpiresAt := now.Add(time.Duration(params.LeaseSeconds) * time.Second)

	var cancelRequested bool
	err := r.DB.QueryRowContext(ctx, `
		UPDATE jobs
		SET lease_expires_at = $3
		WHERE id = $1
		  AND owner_instance_id = $2
		  AND status IN ('claimed', 'running')
		  AND lease_expires_at > $4
		RETURNING cancel_requested
	`, params.JobID, params.OwnerID, leaseExpiresAt, now).Scan(&cancelRequested)
	if errors.Is(err, sql.ErrNoRows) {
		return model.HeartbeatResult{OK: false}, nil
	}
	if err != nil {
		return model.HeartbeatResult{}, fmt.Errorf("heartbeat job: %w", err)
	}

	return model.HeartbeatResult{OK: true, CancelRequested: cancelRequested}, nil
}

// Finish records the outcome of a running job for its current owner.
//
// A failed job with retries left goes back to pending with its attempt
// incremented and scheduled_for pushed out by the backoff policy. Every other
// path is terminal. The bool reports whether this call performed the
// transition: repeating a finish, or finishing with a stale lease, is a
// silent no-op returning the current row.
func (r *JobRepo) Finish(ctx context.Context, params core.FinishParams) (*model.Job, bool, error) {
	if !params.Outcome.Valid() {
		return nil, false, apperrors.Validationf("invalid outcome %q", params.Outcome)
	}

	var (
		finished     *model.Job
		transitioned bool
	)
	err := pgxutil.WithPgxTx(ctx, r.DB, pgxutil.TxConfig{
		Fn: func(tx pgx.Tx) error {
			rows, qerr := tx.Query(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1 FOR UPDATE`, params.JobID)
			if qerr != nil {
				return fmt.Errorf("lock job: %w", qerr)
			}
			current, cerr := collectJobFromRows(rows)
			rows.Close()
			if errors.Is(cerr, pgx.ErrNoRows) {
				return apperrors.NotFoundf("job %s not found", params.JobID)
			}
			if cerr != nil {
				return fmt.Errorf("lock job: %w", cerr)
			}

			skip, serr := r.finishNoOp(ctx, current, params)
			if serr != nil {
				return serr
			}
			if skip {
				finished = current
				return nil
			}

			updated, uerr := r.applyFinish(ctx, tx, current, params)
			if uerr != nil {
				return uerr
			}
			finished = updated
			transitioned = true
			return nil
		},
	})
	if err != nil {
		return nil, false, err
	}
	return finished, transitioned, nil
}

// finishNoOp reports whether this finish call must be swallowed: repeated
// finishes with the same outcome and writes by stale owners are no-ops,
// everything else illegal is an error.
func (r *JobRepo) finishNoOp(ctx context.Context, current *model.Job, params core.FinishParams) (bool, error) {
	if current.Status.Terminal() {
		if current.Status == params.Outcome.Status() {
			return true, nil
		}
		return false, apperrors.Statef(
			"job %s already finished as %s", current.ID, current.Status)
	}

	now := r.timeProvider.Now()
	staleOwner := current.OwnerInstanceID == nil || *current.OwnerInstanceID != params.OwnerID
	expiredLease := current.LeaseExpiresAt == nil || !current.LeaseExpiresAt.After(now)
	if staleOwner || expiredLease {
		if r.logger != nil {
			r.logger.DebugContext(ctx, "finish rejected for stale owner",
				"job_id", current.ID,
				"owner_instance_id", params.OwnerID,
				"status", current.Status,
			)
		}
		return true, nil
	}

	if current.Status != model.JobStatusRunning {
		return false, apperrors.Statef("job %s is %s, not running", current.ID, current.Status)
	}
	return false, nil
}

// applyFinish writes the outcome for a row already validated and locked.
func (r *JobRepo) applyFinish(
	ctx context.Context,
	tx pgx.Tx,
	current *model.Job,
	params core.FinishParams,
) (*model.Job, error) {
	now := r.timeProvider.Now().UTC()

	switch {
	case params.Outcome == model.OutcomeSucceeded:
		return queryJobTx(ctx, tx, `
			UPDATE jobs
			SET status = 'succeeded',
			    result = $2,
			    last_error = NULL,
			    finished_at = $3,
			    owner_instance_id = NULL,
			    lease_expires_at = NULL
			WHERE id = $1
			RETURNING `+jobColumns,
			current.ID, normalizeResult(params.Result), now,
		)

	case params.Outcome == model.OutcomeCancelled:
		return queryJobTx(ctx, tx, `
			UPDATE jobs
			SET status = 'cancelled',
			    last_error = NULLIF($2, ''),
			    finished_at = $3,
			    owner_instance_id = NULL,
			    lease_expires_at = NULL
			WHERE id = $1
			RETURNING `+jobColumns,
			current.ID, params.ErrMsg, now,
		)

	// A failed job whose cancellation was requested dies instead of retrying;
	// a pending retry with cancel_requested set could never be claimed.
	case current.CancelRequested || current.Attempt >= current.MaxRetries:
		status := model.JobStatusFailed
		if current.CancelRequested {
			status = model.JobStatusCancelled
		}
		return queryJobTx(ctx, tx, `
			UPDATE jobs
			SET status = $2,
			    last_error = NULLIF($3, ''),
			    finished_at = $4,
			    owner_instance_id = NULL,
			    lease_expires_at = NULL
			WHERE id = $1
			RETURNING `+jobColumns,
			current.ID, status, params.ErrMsg, now,
		)

	default:
		retryAt := now.Add(r.backoff.Delay(current.Attempt))
		return queryJobTx(ctx, tx, `
			UPDATE jobs
			SET status = 'pending',
			    attempt = attempt + 1,
			    last_error = NULLIF($2, ''),
			    scheduled_for = $3,
			    owner_instance_id = NULL,
			    lease_expires_at = NULL
			WHERE id = $1
			RETURNING `+jobColumns,
			current.ID, params.ErrMsg, retryAt.UTC(),
		)
	}
}

// normalizeResult keeps absent handler results as SQL NULL.
func normalizeResult(result json.RawMessage) any {
	if len(result) == 0 {
		return nil
	}
	return []byte(result)
}

// RequestCancel flags a job for cooperative cancellation. Pending jobs become
// cancelled immediately; claimed or running jobs keep executing until their
// owner observes the flag. The bool reports whether this call cancelled the
// job outright.
func (r *JobRepo) RequestCancel(ctx context.Context, id string) (*model.Job, bool, error) {
	now := r.timeProvider.Now().UTC()

	updated, err := queryJob(ctx, r.DB, `
		UPDATE jobs
		SET cancel_requested = TRUE,
		    status = CASE WHEN status = 'pending' THEN 'cancelled' ELSE status END,
		    finished_at = CASE WHEN status = 'pending' THEN $2::timestamptz ELSE finished_at END,
		    last_error = CASE WHEN status = 'pending' THEN 'cancelled before start' ELSE last_error END
		WHERE id = $1
		  AND status NOT IN ('succeeded', 'failed', 'cancelled')
		RETURNING `+jobColumns,
		id, now,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		// Terminal rows are left untouched; cancelling them is a no-op.
		current, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return nil, false, getErr
		}
		return current, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("request cancel: %w", err)
	}

	return updated, updated.Status == model.JobStatusCancelled, nil
}

// Advisory lock namespace for orphan reclaim so concurrent instances do not
// stampede the same expired rows.
const (
	advisoryLockReclaimMajor int64 = 2001
	advisoryLockReclaimMinor int64 = 1
)

// ReclaimOrphans resets every claimed or running job whose lease has expired
// back to pending, preserving the attempt counter. Expired jobs that were
// flagged for cancellation are cancelled instead of requeued.
func (r *JobRepo) ReclaimOrphans(ctx context.Context) (int64, error) {
	var rowsAffected int64
	err := pgxutil.WithSQLTx(ctx, r.DB, pgxutil.SQLTxConfig{
		Fn: func(tx *sql.Tx) error {
			var locked bool
			lockSQL := "SELECT pg_try_advisory_xact_lock($1::integer, $2::integer)"
			if err := tx.QueryRowContext(ctx, lockSQL, advisoryLockReclaimMajor, advisoryLockReclaimMinor).Scan(&locked); err != nil {
				return fmt.Errorf("acquire advisory lock: %w", err)
			}
			if !locked {
				rowsAffected = 0
				return nil
			}

			now := r.timeProvider.Now().UTC()
			res, err := tx.ExecContext(ctx, `
	          UPDATE jobs
	          SET status = CASE WHEN cancel_requested THEN 'cancelled' ELSE 'pending' END,
	              finished_at = CASE WHEN cancel_requested THEN $1::timestamptz ELSE finished_at END,
	              owner_instance_id = NULL,
	              lease_expires_at = NULL,
	              last_error = 'lease expired'
	          WHERE status IN ('claimed', 'running')
	            AND lease_expires_at IS NOT NULL
	            AND lease_expires_at < $1
	        `, now)
			if err != nil {
				return fmt.Errorf("reclaim orphans: %w", err)
			}
			ra, err := res.RowsAffected()
			if err != nil {
				return fmt.Errorf("rows affected: %w", err)
			}
			rowsAffected = ra
			return nil
		},
	})
	if err != nil {
		return 0, err
	}
	return rowsAffected, nil
}

// WaitForNotification waits for a PostgreSQL notification indicating a new
// job of the given type may be claimable.
func (r *JobRepo) WaitForNotification(ctx context.Context, jobType model.JobType) error {
	conn, err := r.DB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("get conn from pool: %w", err)
	}
	defer func() {
		if cerr := conn.Close(); cerr != nil {
			_ = cerr
		}
	}()

	channel := notifyChannel(jobType)
	quoted := pgx.Identifier{channel}.Sanitize()

	if _, execErr := conn.ExecContext(ctx, "LISTEN "+quoted); execErr != nil {
		return fmt.Errorf("listen %s: %w", channel, execErr)
	}
	defer func() {
		if _, execErr := conn.ExecContext(context.Background(), "UNLISTEN "+quoted); execErr != nil {
			_ = execErr
		}
	}()

	return conn.Raw(func(dc any) error {
		sc, ok := dc.(*stdlib.Conn)
		if !ok {
			return errors.New("unexpected driver connection type; expected *stdlib.Conn")
		}
		_, notifyErr := sc.Conn().WaitForNotification(ctx)
		return notifyErr
	})
}

// GetByID retrieves a job by its ID.
func (r *JobRepo) GetByID(ctx context.Context, id string) (*model.Job, error) {
	var found *model.Job
	err := pgxutil.WithPgxConn(ctx, r.DB, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, `
			SELECT `+jobColumns+`
			FROM jobs
			WHERE id = $1
		`, id)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		var cerr error
		found, cerr = collectJobFromRows(rows)
		return cerr
	})

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return found, nil
}

// Stats returns per-status counts, optionally restricted to one job type.
func (r *JobRepo) Stats(ctx context.Context, jobType model.JobType) (*model.JobStats, error) {
	var s model.JobStats
	err := r.DB.QueryRowContext(ctx, `
  SELECT
    count(*) FILTER (WHERE status = 'pending')   AS pending,
    count(*) FILTER (WHERE status = 'claimed')   AS claimed,
    count(*) FILTER (WHERE status = 'running')   AS running,
    count(*) FILTER (WHERE status = 'succeeded') AS succeeded,
    count(*) FILTER (WHERE status = 'failed')    AS failed,
    count(*) FILTER (WHERE status = 'cancelled') AS cancelled
  FROM jobs
  WHERE ($1 = '' OR type = $1)
  `, string(jobType)).Scan(
		&s.Pending,
		&s.Claimed,
		&s.Running,
		&s.Succeeded,
		&s.Failed,
		&s.Cancelled,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get job stats: %w", err)
	}
	return &s, nil
}

// collectJobFromRows collects a single job from pgx rows using pgx v5 helpers.
func collectJobFromRows(rows pgx.Rows) (*model.Job, error) {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, pgx.ErrNoRows
	}

	scanned, err := scanJobFromRow(rows)
	if err != nil {
		return nil, err
	}

	if rowsErr := rows.Err(); rowsErr != nil {
		return nil, rowsErr
	}

	return scanned, nil
}

// queryJob runs a single-row job query against the pool via the pgx bridge.
func queryJob(ctx context.Context, db *sql.DB, query string, args ...any) (*model.Job, error) {
	var found *model.Job
	err := pgxutil.WithPgxConn(ctx, db, func(pgxConn *pgx.Conn) error {
		rows, qerr := pgxConn.Query(ctx, query, args...)
		if qerr != nil {
			return qerr
		}
		defer rows.Close()
		var cerr error
		found, cerr = collectJobFromRows(rows)
		return cerr
	})
	if err != nil {
		return nil, err
	}
	return found, nil
}

// queryJobTx runs a single-row job query within an open pgx transaction.
func queryJobTx(ctx context.Context, tx pgx.Tx, query string, args ...any) (*model.Job, error) {
	rows, err := tx.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobFromRows(rows)
}

type jobRowScanner interface {
	Scan(dest ...any) error
}

type jobRowData struct {
	payload, result                  []byte
	referenceType, referenceID       sql.NullString
	lastError, ownerInstanceID       sql.NullString
	leaseExpiresAt, startedAt, endAt sql.NullTime
}

func (d *jobRowData) scanInto(scanner jobRowScanner, j *model.Job) error {
	return scanner.Scan(
		&j.ID,
		&j.Type,
		&j.Status,
		&j.Priority,
		&j.ExecutionMode,
		&d.payload,
		&j.PayloadEncrypted,
		&d.referenceType,
		&d.referenceID,
		&j.Attempt,
		&j.MaxRetries,
		&d.lastError,
		&d.result,
		&j.ScheduledFor,
		&d.ownerInstanceID,
		&d.leaseExpiresAt,
		&j.CancelRequested,
		&j.CreatedAt,
		&d.startedAt,
		&d.endAt,
	)
}

func (d *jobRowData) apply(j *model.Job) {
	if len(d.payload) > 0 {
		j.Payload = append([]byte(nil), d.payload...)
	}
	if len(d.result) > 0 {
		j.Result = append(json.RawMessage(nil), d.result...)
	}
	j.ReferenceType = cloneNullableString(d.referenceType)
	j.ReferenceID = cloneNullableString(d.referenceID)
	j.LastError = cloneNullableString(d.lastError)
	j.OwnerInstanceID = cloneNullableString(d.ownerInstanceID)
	j.LeaseExpiresAt = cloneNullableTime(d.leaseExpiresAt)
	j.StartedAt = cloneNullableTime(d.startedAt)
	j.FinishedAt = cloneNullableTime(d.endAt)
}

func scanJobFromRow(scanner jobRowScanner) (*model.Job, error) {
	j := &model.Job{}
	var data jobRowData
	if err := data.scanInto(scanner, j); err != nil {
		return nil, err
	}

	data.apply(j)
	return j, nil
}

func cloneNullableString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

func cloneNullableTime(nt sql.NullTime) *time.Time {
	if !nt.Valid {
		return nil
	}
	t := nt.Time.UTC()
	return &t
}

var _ job.Waiter = (*JobRepo)(nil)
