package data

import (
	"database/sql"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Xkonti/crude-functions-core/internal/domain/job"
	apperrors "github.com/Xkonti/crude-functions-core/internal/errors"
)

var (
	// ErrJobNotFound is returned when a job is not found.
	ErrJobNotFound = errors.New("job not found")
	// ErrJobNotDeletable is returned when attempting to delete a job that still has work to do.
	ErrJobNotDeletable = errors.New("job cannot be deleted while claimed or running")
)

// uniqSequentialLive is the partial unique index guaranteeing at most one
// non-terminal sequential job per reference pair.
const uniqSequentialLive = "uniq_jobs_sequential_live"

// RepoConfig holds configuration options shared by the data repositories.
type RepoConfig struct {
	Logger       *slog.Logger
	TimeProvider TimeProvider
	// Backoff overrides the retry delay curve; zero value means the default.
	Backoff job.BackoffPolicy
}

// JobRepo provides database operations for the job queue.
type JobRepo struct {
	DB           *sql.DB
	timeProvider TimeProvider
	logger       *slog.Logger
	backoff      job.BackoffPolicy
}

// NewJobRepo creates a new JobRepo instance with the given database connection and configuration.
func NewJobRepo(db *sql.DB, cfg RepoConfig) *JobRepo {
	tp := cfg.TimeProvider
	if tp == nil {
		tp = &RealTimeProvider{}
	}
	backoff := cfg.Backoff
	if backoff == (job.BackoffPolicy{}) {
		backoff = job.DefaultBackoffPolicy()
	}

	return &JobRepo{
		DB:           db,
		timeProvider: tp,
		logger:       cfg.Logger,
		backoff:      backoff,
	}
}

const jobColumns = `
  id,
  type,
  status,
  priority,
  execution_mode,
  payload,
  payload_encrypted,
  reference_type,
  reference_id,
  attempt,
  max_retries,
  last_error,
  result,
  scheduled_for,
  owner_instance_id,
  lease_expires_at,
  cancel_requested,
  created_at,
  started_at,
  finished_at
`

// mapJobWriteErr maps database errors from job writes to typed errors.
func mapJobWriteErr(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == uniqSequentialLive {
		return apperrors.Wrap(err, apperrors.ErrCodeConflict,
			"a sequential job for this reference is already in flight")
	}
	return apperrors.MapDBError(err)
}
