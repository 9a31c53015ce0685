package data

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/data/database"
	"github.com/Xkonti/crude-functions-core/internal/data/pgxutil"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
)

// jobColumnList mirrors jobColumns as a slice for the query builder.
var jobColumnList = []string{
	"id", "type", "status", "priority", "execution_mode",
	"payload", "payload_encrypted", "reference_type", "reference_id",
	"attempt", "max_retries", "last_error", "result", "scheduled_for",
	"owner_instance_id", "lease_expires_at", "cancel_requested",
	"created_at", "started_at", "finished_at",
}

// jobSortFields whitelists the admin listing sort keys.
var jobSortFields = map[string]struct{}{
	"created_at":    {},
	"scheduled_for": {},
	"status":        {},
	"type":          {},
	"priority":      {},
}

// List returns jobs matching the given filters for admin inspection.
func (r *JobRepo) List(ctx context.Context, opts *model.JobListOptions) ([]*model.Job, error) {
	if opts == nil {
		opts = &model.JobListOptions{}
	}

	limit := opts.Limit
	if limit <= 0 {
		limit = 50 // Default limit
	}
	if limit > 1000 {
		limit = 1000 // Max limit
	}
	offset := max(opts.Offset, 0)

	conds := buildJobListConditions(opts)

	sortBy := opts.SortBy
	if _, ok := jobSortFields[sortBy]; !ok {
		sortBy = "created_at"
	}
	sortDir := strings.ToLower(opts.SortDir)
	if sortDir != "asc" {
		sortDir = "desc"
	}

	query, args := database.BuildListQuery(database.NewListQueryOptions("jobs",
		database.WithColumns(jobColumnList...),
		database.WithConditions(conds...),
		database.WithOrderBy(sortBy, sortDir),
		database.WithLimit(limit),
		database.WithOffset(offset),
	))

	var result []*model.Job
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, args...)
		if err != nil {
			return fmt.Errorf("query jobs: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Job])
		if err != nil {
			return fmt.Errorf("collect jobs: %w", err)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// buildJobListConditions translates listing filters into query conditions.
func buildJobListConditions(opts *model.JobListOptions) []database.Condition {
	conds := []database.Condition{}
	if opts.Status != nil && *opts.Status != "" {
		conds = append(conds, database.WhereCond("status", database.Equal, string(*opts.Status)))
	}
	if opts.Type != nil && *opts.Type != "" {
		conds = append(conds, database.WhereCond("type", database.Equal, string(*opts.Type)))
	}
	if opts.ReferenceType != nil && *opts.ReferenceType != "" {
		conds = append(conds, database.WhereCond("reference_type", database.Equal, *opts.ReferenceType))
	}
	if opts.ReferenceID != nil && *opts.ReferenceID != "" {
		conds = append(conds, database.WhereCond("reference_id", database.Equal, *opts.ReferenceID))
	}
	return conds
}

// GetByReference returns every job linked to the given entity, newest first.
func (r *JobRepo) GetByReference(ctx context.Context, params core.ReferenceParams) ([]*model.Job, error) {
	if params.ReferenceType == "" || params.ReferenceID == "" {
		return nil, errors.New("reference type and reference id are required")
	}

	query := `
		SELECT ` + jobColumns + `
		FROM jobs
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY created_at DESC, id DESC
	`

	var result []*model.Job
	if err := pgxutil.WithPgxConn(ctx, r.DB, func(conn *pgx.Conn) error {
		rows, err := conn.Query(ctx, query, params.ReferenceType, params.ReferenceID)
		if err != nil {
			return fmt.Errorf("query jobs by reference: %w", err)
		}
		defer rows.Close()

		vals, err := pgx.CollectRows(rows, pgx.RowToAddrOfStructByName[model.Job])
		if err != nil {
			return fmt.Errorf("collect jobs by reference: %w", err)
		}
		result = vals
		return nil
	}); err != nil {
		return nil, err
	}
	return result, nil
}

// Delete removes a job row. Claimed and running jobs cannot be deleted; cancel
// them first and let the owner wind down.
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `
		DELETE FROM jobs
		WHERE id = $1
		  AND status NOT IN ('claimed', 'running')
	`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	rowsAffected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Distinguish a missing row from one that is still claimed or running.
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return getErr
		}
		return ErrJobNotDeletable
	}
	return nil
}

var _ core.JobRepository = (*JobRepo)(nil)
