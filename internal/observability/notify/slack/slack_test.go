package slack

import (
	"strings"
	"testing"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when webhook url missing")
	}
}

func TestFormatJobFailureIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
		Channel:    "#alerts",
		Username:   "bot",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatJobFailure(notify.JobFailurePayload{
		JobID:         "123",
		JobType:       "deploy_function",
		ReferenceType: "schedule",
		ReferenceID:   "nightly-sync",
		Attempt:       2,
		MaxRetries:    2,
		FinalStatus:   "failed",
		Error:         "boom",
		ErrorClass:    "test_error",
	})

	if msg["username"] != "bot" {
		t.Fatalf("expected username to be preserved, got %v", msg["username"])
	}
	if msg["channel"] != "#alerts" {
		t.Fatalf("expected channel to be set, got %v", msg["channel"])
	}

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	if !containsAll(
		text,
		[]string{"Job failure alert", "123", "deploy_function", "schedule/nightly-sync", "3 of 3", "failed", "boom", "test_error"},
	) {
		t.Fatalf("message text missing fields: %s", text)
	}
}

func TestFormatSchedulePauseIncludesFields(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatSchedulePause(notify.SchedulePausePayload{
		ScheduleName:        "nightly-sync",
		JobType:             "deploy_function",
		Reason:              "consecutive-failures",
		ConsecutiveFailures: 5,
		LastError:           "connection refused",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}
	if !containsAll(
		text,
		[]string{"Schedule paused", "nightly-sync", "deploy_function", "consecutive-failures", "5", "connection refused"},
	) {
		t.Fatalf("message text missing fields: %s", text)
	}
}

func TestFormatJobFailureEscapesError(t *testing.T) {
	client, err := NewClient(Config{
		WebhookURL: "https://hooks.slack.com/services/test",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	msg := client.formatJobFailure(notify.JobFailurePayload{
		JobID: "123",
		Error: "bad & <dangerous>",
	})

	text, ok := msg["text"].(string)
	if !ok {
		t.Fatalf("expected text field")
	}

	if !strings.Contains(text, "bad &amp; &lt;dangerous&gt;") {
		t.Fatalf("expected escaped error text, got: %s", text)
	}
}

func TestFormatReferencePermutations(t *testing.T) {
	tcs := []struct {
		name    string
		refType string
		refID   string
		want    string
	}{
		{
			name:    "type and id",
			refType: "schedule",
			refID:   "nightly-sync",
			want:    "schedule/nightly-sync",
		},
		{
			name:  "id only",
			refID: "nightly-sync",
			want:  "nightly-sync",
		},
		{
			name:    "type only",
			refType: "schedule",
			want:    "schedule",
		},
		{
			name: "empty inputs",
			want: "",
		},
	}

	for _, tc := range tcs {
		t.Run(tc.name, func(t *testing.T) {
			got := formatReference(tc.refType, tc.refID)
			if got != tc.want {
				t.Fatalf("formatReference(%q,%q) = %q, want %q", tc.refType, tc.refID, got, tc.want)
			}
		})
	}
}

func containsAll(text string, substrs []string) bool {
	for _, s := range substrs {
		if !strings.Contains(text, s) {
			return false
		}
	}
	return true
}
