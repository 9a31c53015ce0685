package testhelpers

import (
	"database/sql"

	"github.com/Xkonti/crude-functions-core/internal/data"
)

// NewJobRepoWithTimeProvider creates a JobRepo with the provided TimeProvider for tests.
func NewJobRepoWithTimeProvider(db *sql.DB, cfg data.RepoConfig, tp data.TimeProvider) *data.JobRepo {
	cfg.TimeProvider = tp
	return data.NewJobRepo(db, cfg)
}

// NewScheduleRepoWithTimeProvider creates a ScheduleRepo with the provided TimeProvider for tests.
func NewScheduleRepoWithTimeProvider(db *sql.DB, cfg data.RepoConfig, tp data.TimeProvider) *data.ScheduleRepo {
	cfg.TimeProvider = tp
	return data.NewScheduleRepo(db, cfg)
}
