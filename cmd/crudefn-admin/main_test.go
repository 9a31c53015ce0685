package main

import (
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Xkonti/crude-functions-core/internal/domain/model"
)

func captureStdout(t *testing.T, fn func() error) string {
	t.Helper()

	oldStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)

	defer func() {
		os.Stdout = oldStdout
	}()

	os.Stdout = w
	runErr := fn()

	require.NoError(t, w.Close())
	os.Stdout = oldStdout
	require.NoError(t, runErr)

	output, err := io.ReadAll(r)
	require.NoError(t, err)
	require.NoError(t, r.Close())

	return string(output)
}

func adminTestJob(id string, jobType model.JobType, status model.JobStatus) *model.Job {
	refType := model.ReferenceTypeSchedule
	refID := "nightly-report"
	return &model.Job{
		ID:            id,
		Type:          jobType,
		Status:        status,
		Priority:      5,
		ExecutionMode: model.ExecutionModeConcurrent,
		Attempt:       1,
		MaxRetries:    3,
		ReferenceType: &refType,
		ReferenceID:   &refID,
		ScheduledFor:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		CreatedAt:     time.Date(2025, 6, 1, 11, 59, 0, 0, time.UTC),
	}
}

func TestPrintJobTableRendersRowsAndSummary(t *testing.T) {
	jobs := []*model.Job{
		adminTestJob("job-1", "echo", model.JobStatusPending),
		adminTestJob("job-2", "sleep", model.JobStatusRunning),
	}

	out := captureStdout(t, func() error {
		return printJobTable(jobs, &jobsOptions{Limit: 50})
	})

	require.Contains(t, out, "ID")
	require.Contains(t, out, "job-1")
	require.Contains(t, out, "job-2")
	require.Contains(t, out, "schedule/nightly-report")
	require.Contains(t, out, "2025-06-01T12:00:00Z")
	require.Contains(t, out, "2 job(s) shown")
}

func TestPrintJobTableEmpty(t *testing.T) {
	out := captureStdout(t, func() error {
		return printJobTable(nil, &jobsOptions{})
	})

	require.Contains(t, out, "(no jobs matched)")
}

func TestPrintProjectedJobsAppliesQuery(t *testing.T) {
	jobs := []*model.Job{
		adminTestJob("job-1", "echo", model.JobStatusPending),
		adminTestJob("job-2", "sleep", model.JobStatusFailed),
	}

	out := captureStdout(t, func() error {
		return printProjectedJobs(jobs, "[?status=='failed'].id")
	})

	require.NotContains(t, out, "job-1")
	require.Contains(t, out, "job-2")
}

func TestPrintStatsTable(t *testing.T) {
	rows := []queueStatsRow{
		{Type: "echo", Stats: &model.JobStats{Pending: 3, Running: 1, Succeeded: 10}},
	}

	out := captureStdout(t, func() error {
		return printStatsTable(rows)
	})

	require.Contains(t, out, "TYPE")
	require.Contains(t, out, "echo")
	require.Contains(t, out, "10")
}

func TestParseJobsFlagsValidation(t *testing.T) {
	_, err := parseJobsFlags([]string{"--status", "bogus"})
	require.ErrorContains(t, err, "invalid status")

	_, err = parseJobsFlags([]string{"--sort", "payload"})
	require.ErrorContains(t, err, "invalid sort field")

	_, err = parseJobsFlags([]string{"--order", "sideways"})
	require.ErrorContains(t, err, "asc or desc")

	_, err = parseJobsFlags([]string{"--query", "[?status"})
	require.ErrorContains(t, err, "invalid JMESPath query")

	_, err = parseJobsFlags([]string{"--query", "[].id", "--json"})
	require.ErrorContains(t, err, "cannot both be set")

	opts, err := parseJobsFlags([]string{"--status", "PENDING", "--type", "echo", "--query", "[].id"})
	require.NoError(t, err)
	require.Equal(t, "pending", opts.Status)
	require.Equal(t, "echo", opts.Type)
	require.Equal(t, "[].id", opts.Query)
}

func TestParseStatsFlagsRequiresTypes(t *testing.T) {
	_, err := parseStatsFlags(nil)
	require.ErrorContains(t, err, "--type is required")

	opts, err := parseStatsFlags([]string{"--type", "echo, sleep,echo"})
	require.NoError(t, err)
	require.Equal(t, []string{"echo", "sleep"}, opts.Types)
}

func TestParseSchedulesFlagsValidation(t *testing.T) {
	_, err := parseSchedulesFlags([]string{"--pause", "a", "--resume", "b"})
	require.ErrorContains(t, err, "mutually exclusive")

	_, err = parseSchedulesFlags([]string{"--status", "bogus"})
	require.ErrorContains(t, err, "invalid status")

	_, err = parseSchedulesFlags([]string{"--status", "active", "--trigger", "nightly"})
	require.ErrorContains(t, err, "only applies to the listing")

	opts, err := parseSchedulesFlags([]string{"--trigger", " nightly "})
	require.NoError(t, err)
	name, action := scheduleAction(&opts)
	require.Equal(t, "nightly", name)
	require.Equal(t, "trigger", action)
}

func TestIsLikelyRemoteHost(t *testing.T) {
	require.False(t, isLikelyRemoteHost("localhost"))
	require.False(t, isLikelyRemoteHost("127.0.0.1"))
	require.False(t, isLikelyRemoteHost("::1"))
	require.False(t, isLikelyRemoteHost("devbox.local"))
	require.False(t, isLikelyRemoteHost(""))
	require.True(t, isLikelyRemoteHost("db.prod.example.com"))
	require.True(t, isLikelyRemoteHost("10.1.2.3"))
}
