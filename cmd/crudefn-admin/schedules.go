package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/bootstrap"
	"github.com/Xkonti/crude-functions-core/internal/data"
	"github.com/Xkonti/crude-functions-core/internal/domain/model"
	"github.com/Xkonti/crude-functions-core/internal/service"
)

type schedulesOptions struct {
	Status  string
	Limit   int
	Offset  int
	Pause   string
	Resume  string
	Trigger string
	Cancel  string
	Delete  string
	Yes     bool
	RawJSON bool
}

// schedulerDeps bundles the connection and service a schedule command needs.
type schedulerDeps struct {
	db        *sql.DB
	Scheduler *service.SchedulerService
}

func openSchedulerDeps(cmdCtx *commandContext) (*schedulerDeps, error) {
	db, _, err := connectInfraWithOptions(&connectInfraOptions{
		Logger:    cmdCtx.Logger,
		Config:    &cmdCtx.Config,
		WantDB:    true,
		WantRedis: false,
	})
	if err != nil {
		return nil, err
	}

	repoCfg := data.RepoConfig{Logger: cmdCtx.Logger}
	scheduler, err := service.NewSchedulerService(service.SchedulerServiceOptions{
		Repo:      data.NewScheduleRepo(db, repoCfg),
		Jobs:      data.NewJobRepo(db, repoCfg),
		Logger:    cmdCtx.Logger,
		Encryptor: bootstrap.CreateEncryptor(cmdCtx.Config.PayloadEncryptionKey, cmdCtx.Logger),
	})
	if err != nil {
		if cerr := db.Close(); cerr != nil {
			cmdCtx.Logger.Warn("db close failed", "error", cerr)
		}
		return nil, fmt.Errorf("create scheduler service: %w", err)
	}

	return &schedulerDeps{db: db, Scheduler: scheduler}, nil
}

func (d *schedulerDeps) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func runSchedules(cmdCtx *commandContext, args []string) (err error) {
	opts, err := parseSchedulesFlags(args)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmdCtx.Ctx, defaultQueueCommandTimeout)
	defer cancel()

	deps, err := openSchedulerDeps(cmdCtx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := deps.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("close scheduler dependencies: %w", cerr))
		}
	}()

	if name, action := scheduleAction(&opts); action != "" {
		return runScheduleAction(ctx, deps.Scheduler, &opts, action, name)
	}

	return listSchedules(ctx, deps.Scheduler, &opts)
}

func listSchedules(ctx context.Context, scheduler *service.SchedulerService, opts *schedulesOptions) error {
	listOpts := model.ScheduleListOptions{
		Limit:  opts.Limit,
		Offset: opts.Offset,
	}
	if opts.Status != "" {
		status := model.ScheduleStatus(opts.Status)
		listOpts.Status = &status
	}

	schedules, err := scheduler.List(ctx, listOpts)
	if err != nil {
		return err
	}

	if opts.RawJSON {
		return printJSON(schedules)
	}
	return printScheduleTable(schedules, opts)
}

func runScheduleAction(
	ctx context.Context,
	scheduler *service.SchedulerService,
	opts *schedulesOptions,
	action, name string,
) error {
	switch action {
	case "pause":
		paused, err := scheduler.Pause(ctx, name)
		if err != nil {
			return err
		}
		return reportScheduleAction("Paused", paused)
	case "resume":
		resumed, err := scheduler.Resume(ctx, name)
		if err != nil {
			return err
		}
		return reportScheduleAction("Resumed", resumed)
	case "trigger":
		job, err := scheduler.TriggerNow(ctx, name)
		if err != nil {
			return err
		}
		if printErr := writef(
			os.Stdout,
			"Enqueued job %s (type %s) for schedule %q\n",
			job.ID,
			job.Type,
			name,
		); printErr != nil {
			return fmt.Errorf("print trigger summary: %w", printErr)
		}
		return nil
	case "cancel":
		cancelled, err := scheduler.Cancel(ctx, name)
		if err != nil {
			return err
		}
		return reportScheduleAction("Cancelled", cancelled)
	case "delete":
		if confirmErr := confirmAction(scheduleDeleteConfirmOptions{
			yes:  opts.Yes,
			name: name,
		}, "delete schedule"); confirmErr != nil {
			return confirmErr
		}
		if err := scheduler.Delete(ctx, name); err != nil {
			return err
		}
		if printErr := writef(os.Stdout, "Deleted schedule %q\n", name); printErr != nil {
			return fmt.Errorf("print delete summary: %w", printErr)
		}
		return nil
	default:
		return fmt.Errorf("unknown schedule action %q", action)
	}
}

func reportScheduleAction(verb string, sched *model.Schedule) error {
	if err := writef(
		os.Stdout,
		"%s schedule %q (status %s, next run %s)\n",
		verb,
		sched.Name,
		sched.Status,
		formatTimePtr(sched.NextRunAt),
	); err != nil {
		return fmt.Errorf("print schedule action summary: %w", err)
	}
	return nil
}

func printScheduleTable(schedules []*model.Schedule, opts *schedulesOptions) error {
	if len(schedules) == 0 {
		if err := writeln(os.Stdout, "(no schedules matched)"); err != nil {
			return fmt.Errorf("print empty schedules notice: %w", err)
		}
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	if err := writeln(tw, "NAME\tKIND\tSTATUS\tNEXT RUN\tINTERVAL\tJOB TYPE\tACTIVE JOB\tFAILURES"); err != nil {
		return fmt.Errorf("write schedules header row: %w", err)
	}
	for _, sched := range schedules {
		if err := writef(
			tw,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d/%d\n",
			sched.Name,
			sched.Kind,
			sched.Status,
			formatTimePtr(sched.NextRunAt),
			formatInterval(sched.Interval),
			sched.JobType,
			formatStringPtr(sched.ActiveJobID),
			sched.ConsecutiveFailures,
			sched.MaxConsecutiveFailures,
		); err != nil {
			return fmt.Errorf("write schedule row: %w", err)
		}
	}
	if err := tw.Flush(); err != nil {
		return fmt.Errorf("flush schedules table: %w", err)
	}

	if err := writef(os.Stdout, "\n%d schedule(s) shown (limit %d, offset %d)\n", len(schedules), opts.Limit, opts.Offset); err != nil {
		return fmt.Errorf("write schedules summary: %w", err)
	}
	return nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func formatStringPtr(s *string) string {
	if s == nil || *s == "" {
		return "-"
	}
	return *s
}

func formatInterval(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	return d.String()
}

type scheduleDeleteConfirmOptions struct {
	yes  bool
	name string
}

func (s scheduleDeleteConfirmOptions) IsDryRun() bool { return false }
func (s scheduleDeleteConfirmOptions) IsYes() bool    { return s.yes }
func (s scheduleDeleteConfirmOptions) GetWarning() string {
	return "WARNING: this will permanently remove the schedule row."
}
func (s scheduleDeleteConfirmOptions) GetTarget() string {
	return fmt.Sprintf("schedule %q", s.name)
}

func parseSchedulesFlags(args []string) (schedulesOptions, error) {
	fs := flag.NewFlagSet("schedules", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var opts schedulesOptions
	fs.StringVar(&opts.Status, "status", "", "Filter the listing by status (active|paused|completed)")
	fs.IntVar(&opts.Limit, "limit", 50, "Maximum rows to display")
	fs.IntVar(&opts.Offset, "offset", 0, "Offset for paginated results")
	fs.StringVar(&opts.Pause, "pause", "", "Pause the named schedule")
	fs.StringVar(&opts.Resume, "resume", "", "Resume the named schedule")
	fs.StringVar(&opts.Trigger, "trigger", "", "Enqueue one job from the named schedule immediately")
	fs.StringVar(&opts.Cancel, "cancel", "", "Mark the named schedule completed")
	fs.StringVar(&opts.Delete, "delete", "", "Delete the named schedule")
	fs.BoolVar(&opts.Yes, "yes", false, "Skip confirmation prompt for --delete")
	fs.BoolVar(&opts.RawJSON, "json", false, "Print the listing as JSON instead of a table")

	if err := fs.Parse(args); err != nil {
		return schedulesOptions{}, err
	}

	normalizeSchedulesOptions(&opts)
	if err := validateSchedulesOptions(&opts); err != nil {
		return schedulesOptions{}, err
	}

	return opts, nil
}

func normalizeSchedulesOptions(opts *schedulesOptions) {
	opts.Status = strings.ToLower(strings.TrimSpace(opts.Status))
	opts.Pause = strings.TrimSpace(opts.Pause)
	opts.Resume = strings.TrimSpace(opts.Resume)
	opts.Trigger = strings.TrimSpace(opts.Trigger)
	opts.Cancel = strings.TrimSpace(opts.Cancel)
	opts.Delete = strings.TrimSpace(opts.Delete)
}

func validateSchedulesOptions(opts *schedulesOptions) error {
	if opts.Status != "" && !model.ScheduleStatus(opts.Status).Valid() {
		return fmt.Errorf("invalid status %q", opts.Status)
	}
	if opts.Limit < 0 {
		return errors.New("--limit must be >= 0")
	}
	if opts.Offset < 0 {
		return errors.New("--offset must be >= 0")
	}

	actions := 0
	for _, name := range []string{opts.Pause, opts.Resume, opts.Trigger, opts.Cancel, opts.Delete} {
		if name != "" {
			actions++
		}
	}
	if actions > 1 {
		return errors.New("--pause, --resume, --trigger, --cancel, and --delete are mutually exclusive")
	}
	if actions > 0 && opts.Status != "" {
		return errors.New("--status only applies to the listing, not to schedule actions")
	}
	return nil
}

func scheduleAction(opts *schedulesOptions) (string, string) {
	switch {
	case opts.Pause != "":
		return opts.Pause, "pause"
	case opts.Resume != "":
		return opts.Resume, "resume"
	case opts.Trigger != "":
		return opts.Trigger, "trigger"
	case opts.Cancel != "":
		return opts.Cancel, "cancel"
	case opts.Delete != "":
		return opts.Delete, "delete"
	default:
		return "", ""
	}
}
