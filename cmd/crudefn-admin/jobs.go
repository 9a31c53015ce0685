package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	jmespath "github.com/jmespath-community/go-jmespath"
	"github.com/redis/go-redis/v9"

	"github.com/Xkonti/crude-functions-core/internal/bootstrap"
	"github.com/Xkonti/crude-functions-core/internal/core"
	"github.com/Xkonti/crude-functions-core/internal/data"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	"github.com/Xkonti/crude-functions-core/internal/service"
)

const defaultQueueCommandTimeout = time.Minute

var jobSortKeys = []string{"created_at", "scheduled_for", "status", "type", "priority"}

type jobsOptions struct {
	Status        string
	Type          string
	ReferenceType string
	ReferenceID   string
	SortBy        string
	SortDir       string
	Limit         int
	Offset        int
	Query         string
	RawJSON       bool
}

type statsOptions struct {
	Types   []string
	RawJSON bool
}

// queueDeps bundles the connections and service a queue command needs.
type queueDeps struct {
	db    *sql.DB
	redis redis.UniversalClient
	Queue *service.QueueService
}

func openQueueDeps(cmdCtx *commandContext, wantRedis bool) (*queueDeps, error) {
	db, redisClient, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantDB:    true,
		WantRedis: wantRedis,
	})
	if err != nil {
		return nil, err
	}

	var cache core.CacheRepository
	if redisClient != nil {
		cache = data.NewRedisCacheRepo(redisClient)
	}

	encryptor := bootstrap.CreateEncryptor(cmdCtx.Config.PayloadEncryptionKey, cmdCtx.Logger)
	queue, err := service.NewQueueService(service.QueueServiceOptions{
		Repo:          data.NewJobRepo(db, data.RepoConfig{Logger: cmdCtx.Logger}),
		DefaultLease:  cmdCtx.Config.Queue.DefaultLease,
		Logger:        cmdCtx.Logger,
		Encryptor:     encryptor,
		Cache:         cache,
		StatsCacheTTL: cmdCtx.Config.Queue.StatsCacheTTL,
	})
	if err != nil {
		if cerr := closeInfra(db, redisClient); cerr != nil {
			cmdCtx.Logger.Warn("close infra failed", "error", cerr)
		}
		return nil, fmt.Errorf("create queue service: %w", err)
	}

	return &queueDeps{db: db, redis: redisClient, Queue: queue}, nil
}

func (d *queueDeps) Close() error {
	if d == nil {
		return nil
	}
	return closeInfra(d.db, d.redis)
}

func runListJobs(cmdCtx *commandContext, args []string) (err error) {
	opts, err := parseJobsFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultQueueCommandTimeout)
	defer cancel()

	deps, err := openQueueDeps(cmdCtx, false)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := deps.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close queue dependencies: %w", cerr))
		}
	}()

	jobs, err := deps.Queue.List(ctx, buildJobListOptions(&opts))
	if err != nil {
		return err
	}

	if opts.Query != "" {
		return printProjectedJobs(jobs, opts.Query)
	}
	if opts.RawJSON {
		return printJSON(jobs)
	}
	return printJobTable(jobs, &opts)
}

func buildJobListOptions(opts *jobsOptions) *model.JobListOptions {
	listOpts := &model.JobListOptions{
		SortBy:  opts.SortBy,
		SortDir: opts.SortDir,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}
	if opts.Status != "" {
		status := model.JobStatus(opts.Status)
		listOpts.Status = &status
	}
	if opts.Type != "" {
		jobType := model.JobType(opts.Type)
		listOpts.Type = &jobType
	}
	if opts.ReferenceType != "" {
		listOpts.ReferenceType = &opts.ReferenceType
	}
	if opts.ReferenceID != "" {
		listOpts.ReferenceID = &opts.ReferenceID
	}
	return listOpts
}

// printProjectedJobs evaluates a JMESPath expression against the job rows and
// prints whatever the projection yields as indented JSON.
func printProjectedJobs(jobs []*model.Job, query string) error {
	doc, err := jobRowsDocument(jobs)
	if err != nil {
		return err
	}

	result, err := jmespath.Search(query, doc)
	if err != nil {
		return fmt.Errorf("evaluate query %q: %w", query, err)
	}
	return printJSON(result)
}

// jobRowsDocument converts job rows into the generic JSON shape JMESPath
// expressions operate on.
func jobRowsDocument(jobs []*model.Job) (any, error) {
	raw, err := json.Marshal(jobs)
	if err != nil {
		return nil, fmt.Errorf("encode job rows: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode job rows: %w", err)
	}
	return doc, nil
}

func printJobTable(jobs []*model.Job, opts *jobsOptions) error {
	if len(jobs) == 0 {
		if err := writeln(os.Stdout, "(no jobs matched)"); err != nil {
			return fmt.Errorf("print empty jobs notice: %w", err)
		}
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "ID\tTYPE\tSTATUS\tPRIO\tATTEMPT\tMODE\tSCHEDULED FOR\tREFERENCE"); err != nil {
		return fmt.Errorf("write jobs header row: %w", err)
	}
	for _, job := range jobs {
		if err := writef(
			tw,
			"%s\t%s\t%s\t%d\t%d/%d\t%s\t%s\t%s\n",
			job.ID,
			job.Type,
			job.Status,
			job.Priority,
			job.Attempt,
			job.MaxRetries,
			job.ExecutionMode,
			formatTimestamp(job.ScheduledFor),
			formatJobReference(job),
		); err != nil {
			return fmt.Errorf("write job row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush jobs table: %w", err)
	}

	if err := writef(os.Stdout, "\n%d job(s) shown (limit %d, offset %d)\n", len(jobs), opts.Limit, opts.Offset); err != nil {
		return fmt.Errorf("write jobs summary: %w", err)
	}
	return nil
}

func formatJobReference(job *model.Job) string {
	if !job.HasReference() {
		return "-"
	}
	return *job.ReferenceType + "/" + *job.ReferenceID
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func runQueueStats(cmdCtx *commandContext, args []string) (err error) {
	opts, err := parseStatsFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultQueueCommandTimeout)
	defer cancel()

	// Stats are served from the short-TTL cache when Redis is reachable, so
	// the command connects to both stores the same way the host does.
	deps, err := openQueueDeps(cmdCtx, true)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := deps.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close queue dependencies: %w", cerr))
		}
	}()

	rows := make([]queueStatsRow, 0, len(opts.Types))
	for _, jobType := range opts.Types {
		stats, statsErr := deps.Queue.Stats(ctx, model.JobType(jobType))
		if statsErr != nil {
			return statsErr
		}
		rows = append(rows, queueStatsRow{Type: jobType, Stats: stats})
	}

	if opts.RawJSON {
		return printJSON(rows)
	}
	return printStatsTable(rows)
}

type queueStatsRow struct {
	Type  string          `json:"type"`
	Stats *model.JobStats `json:"stats"`
}

func printStatsTable(rows []queueStatsRow) error {
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "TYPE\tPENDING\tCLAIMED\tRUNNING\tSUCCEEDED\tFAILED\tCANCELLED"); err != nil {
		return fmt.Errorf("write stats header row: %w", err)
	}
	for _, row := range rows {
		if err := writef(
			tw,
			"%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			row.Type,
			row.Stats.Pending,
			row.Stats.Claimed,
			row.Stats.Running,
			row.Stats.Succeeded,
			row.Stats.Failed,
			row.Stats.Cancelled,
		); err != nil {
			return fmt.Errorf("write stats row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush stats table: %w", err)
	}
	return nil
}

func parseJobsFlags(args []string) (jobsOptions, error) {
	fs := flag.NewFlagSet("jobs", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts jobsOptions
	fs.StringVar(&opts.Status, "status", "", "Filter by status (pending|claimed|running|succeeded|failed|cancelled)")
	fs.StringVar(&opts.Type, "type", "", "Filter by job type")
	fs.StringVar(&opts.ReferenceType, "reference-type", "", "Filter by reference type (e.g. schedule)")
	fs.StringVar(&opts.ReferenceID, "reference-id", "", "Filter by reference ID")
	fs.StringVar(&opts.SortBy, "sort", "created_at", "Sort field: "+strings.Join(jobSortKeys, ", "))
	fs.StringVar(&opts.SortDir, "order", "desc", "Sort order: asc or desc")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum rows to display")
	fs.IntVar(&opts.Offset, "offset", 0, "Offset for paginated results")
	fs.StringVar(&opts.Query, "query", "", "Optional JMESPath expression projected over the job rows")
	fs.BoolVar(&opts.RawJSON, "json", false, "Print rows as JSON instead of a table")

	if err := fs.Parse(args); err != nil {
		return jobsOptions{}, err
	}

	normalizeJobsOptions(&opts)
	if err := validateJobsOptions(&opts); err != nil {
		return jobsOptions{}, err
	}

	return opts, nil
}

func normalizeJobsOptions(opts *jobsOptions) {
	opts.Status = strings.ToLower(strings.TrimSpace(opts.Status))
	opts.Type = strings.TrimSpace(opts.Type)
	opts.ReferenceType = strings.TrimSpace(opts.ReferenceType)
	opts.ReferenceID = strings.TrimSpace(opts.ReferenceID)
	opts.SortBy = strings.ToLower(strings.TrimSpace(opts.SortBy))
	opts.SortDir = strings.ToLower(strings.TrimSpace(opts.SortDir))
	opts.Query = strings.TrimSpace(opts.Query)
}

func validateJobsOptions(opts *jobsOptions) error {
	if opts.Status != "" && !model.JobStatus(opts.Status).Valid() {
		return fmt.Errorf("invalid status %q", opts.Status)
	}
	if opts.SortBy != "" && !isAllowedJobSortKey(opts.SortBy) {
		return fmt.Errorf("invalid sort field %q (allowed: %s)", opts.SortBy, strings.Join(jobSortKeys, ", "))
	}
	if opts.SortDir != "" && opts.SortDir != "asc" && opts.SortDir != "desc" {
		return errors.New("--order must be asc or desc")
	}
	if opts.Limit < 0 {
		return errors.New("--limit must be >= 0")
	}
	if opts.Offset < 0 {
		return errors.New("--offset must be >= 0")
	}
	if opts.Query != "" {
		if _, err := jmespath.Compile(opts.Query); err != nil {
			return fmt.Errorf("invalid JMESPath query: %w", err)
		}
	}
	if opts.Query != "" && opts.RawJSON {
		return errors.New("--query and --json cannot both be set")
	}
	return nil
}

func isAllowedJobSortKey(key string) bool {
	for _, allowed := range jobSortKeys {
		if key == allowed {
			return true
		}
	}
	return false
}

func parseStatsFlags(args []string) (statsOptions, error) {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var typesCSV string
	var opts statsOptions
	fs.StringVar(&typesCSV, "type", "", "Comma-separated job types to report on (required)")
	fs.BoolVar(&opts.RawJSON, "json", false, "Print stats as JSON instead of a table")

	if err := fs.Parse(args); err != nil {
		return statsOptions{}, err
	}

	opts.Types = splitJobTypes(typesCSV)
	if len(opts.Types) == 0 {
		return statsOptions{}, errors.New("--type is required (comma-separated list of job types)")
	}

	return opts, nil
}

func splitJobTypes(csv string) []string {
	parts := strings.Split(csv, ",")
	types := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		t := strings.TrimSpace(part)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		types = append(types, t)
	}
	return types
}

func printJSON(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	if err := writef(os.Stdout, "%s\n", indentJSON(raw)); err != nil {
		return fmt.Errorf("print output: %w", err)
	}
	return nil
}

func indentJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "{}"
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

func writef(w io.Writer, format string, args ...any) error {
	_, err := fmt.Fprintf(w, format, args...)
	return err
}

func write(w io.Writer, args ...any) error {
	_, err := fmt.Fprint(w, args...)
	return err
}

func writeln(w io.Writer, args ...any) error {
	if len(args) == 0 {
		_, err := fmt.Fprintln(w)
		return err
	}
	_, err := fmt.Fprintln(w, args...)
	return err
}
