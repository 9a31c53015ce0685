package pagerduty

import (
	"strings"
	"testing"
	"time"

	"github.com/Xkonti/crude-functions-core/internal/observability/notify"
)

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error when routing key missing")
	}
}

func TestBuildJobFailureEventDefaults(t *testing.T) {
	client, err := NewClient(Config{
		RoutingKey: "key",
		Source:     "",
		Component:  "",
		Timeout:    time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := notify.JobFailurePayload{
		JobID:      "123",
		JobType:    "deploy_function",
		Error:      "boom",
		ErrorClass: "err_class",
	}
	event := client.buildJobFailureEvent(payload)

	payloadSection, ok := event["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload section")
	}
	if payloadSection["severity"] != notify.SeverityCritical {
		t.Fatalf("expected default severity, got %v", payloadSection["severity"])
	}
	if payloadSection["source"] != "crudefn" {
		t.Fatalf("expected default source, got %v", payloadSection["source"])
	}
	if payloadSection["component"] != "crudefn" {
		t.Fatalf("expected default component, got %v", payloadSection["component"])
	}

	custom, ok := payloadSection["custom_details"].(map[string]any)
	if !ok {
		t.Fatalf("expected custom details")
	}

	required := []string{"job_id", "job_type", "error", "error_class"}
	for _, key := range required {
		if _, exists := custom[key]; !exists {
			t.Fatalf("expected key %s in custom details", key)
		}
	}

	dedup, _ := event["dedup_key"].(string)
	if !strings.Contains(dedup, "123") {
		t.Fatalf("expected dedup key to reference job id, got %s", dedup)
	}
}

func TestBuildSchedulePauseEvent(t *testing.T) {
	client, err := NewClient(Config{RoutingKey: "key"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	event := client.buildSchedulePauseEvent(notify.SchedulePausePayload{
		ScheduleName:        "nightly-sync",
		JobType:             "deploy_function",
		Reason:              "consecutive-failures",
		ConsecutiveFailures: 5,
	})

	if event["dedup_key"] != "schedule:nightly-sync" {
		t.Fatalf("expected schedule dedup key, got %v", event["dedup_key"])
	}

	payloadSection, ok := event["payload"].(map[string]any)
	if !ok {
		t.Fatalf("expected payload section")
	}
	if payloadSection["severity"] != notify.SeverityWarning {
		t.Fatalf("expected warning severity, got %v", payloadSection["severity"])
	}

	summary, _ := payloadSection["summary"].(string)
	if !strings.Contains(summary, "nightly-sync") {
		t.Fatalf("expected summary to name the schedule, got %s", summary)
	}
}
