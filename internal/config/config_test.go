package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("RECIPIENT_ID", "u-1")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Port != 8080 {
		t.Errorf("port = %d", cfg.Port)
	}
	if cfg.PageSize != 50 {
		t.Errorf("page_size = %d", cfg.PageSize)
	}
	if cfg.SourceKind != "websocket" {
		t.Errorf("source_kind = %s", cfg.SourceKind)
	}
	if cfg.SyncStaleness != 2*time.Second {
		t.Errorf("sync_staleness = %v", cfg.SyncStaleness)
	}
	if cfg.RateMaxCalls != 15 || cfg.RateWindow != 5*time.Second || cfg.RateBurstLimit != 5 {
		t.Errorf("rate limits = %d/%v/%d", cfg.RateMaxCalls, cfg.RateWindow, cfg.RateBurstLimit)
	}
	if cfg.BreakerThreshold != 10 || cfg.BreakerTimeout != 30*time.Second {
		t.Errorf("breaker = %d/%v", cfg.BreakerThreshold, cfg.BreakerTimeout)
	}
	if cfg.ThrottleInterval != 100*time.Millisecond {
		t.Errorf("throttle_interval = %v", cfg.ThrottleInterval)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("reconnect_max_attempts = %d", cfg.ReconnectMaxAttempts)
	}
	if cfg.SQSRegion != "us-east-1" {
		t.Errorf("sqs_region = %s", cfg.SQSRegion)
	}
}

func TestLoad_RequiresRecipientID(t *testing.T) {
	t.Setenv("RECIPIENT_ID", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error without RECIPIENT_ID")
	}
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("RECIPIENT_ID", "u-1")
	t.Setenv("TEAM_ID", "t-9")
	t.Setenv("PAGE_SIZE", "25")
	t.Setenv("SOURCE_KIND", "sqs")
	t.Setenv("SQS_QUEUE_URL", "https://sqs.example/queue")
	t.Setenv("SQS_REGION", "eu-west-1")
	t.Setenv("RATE_MAX_CALLS", "30")
	t.Setenv("RATE_WINDOW_MS", "10000")
	t.Setenv("BREAKER_THRESHOLD", "3")
	t.Setenv("THROTTLE_INTERVAL_MS", "250")
	t.Setenv("SYNC_STALENESS_MS", "1500")
	t.Setenv("RECONNECT_BASE_MS", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.TeamID != "t-9" {
		t.Errorf("team_id = %s", cfg.TeamID)
	}
	if cfg.PageSize != 25 {
		t.Errorf("page_size = %d", cfg.PageSize)
	}
	if cfg.SourceKind != "sqs" || cfg.SQSQueueURL != "https://sqs.example/queue" {
		t.Errorf("source = %s %s", cfg.SourceKind, cfg.SQSQueueURL)
	}
	if cfg.SQSRegion != "eu-west-1" {
		t.Errorf("sqs_region = %s", cfg.SQSRegion)
	}
	if cfg.RateMaxCalls != 30 || cfg.RateWindow != 10*time.Second {
		t.Errorf("rate = %d/%v", cfg.RateMaxCalls, cfg.RateWindow)
	}
	if cfg.BreakerThreshold != 3 {
		t.Errorf("breaker_threshold = %d", cfg.BreakerThreshold)
	}
	if cfg.ThrottleInterval != 250*time.Millisecond {
		t.Errorf("throttle_interval = %v", cfg.ThrottleInterval)
	}
	if cfg.SyncStaleness != 1500*time.Millisecond {
		t.Errorf("sync_staleness = %v", cfg.SyncStaleness)
	}
	if cfg.ReconnectBase != 100*time.Millisecond {
		t.Errorf("reconnect_base = %v", cfg.ReconnectBase)
	}
}

func TestLoad_InvalidSourceKind(t *testing.T) {
	t.Setenv("RECIPIENT_ID", "u-1")
	t.Setenv("SOURCE_KIND", "carrier-pigeon")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for invalid SOURCE_KIND")
	}
}

func TestLoad_InvalidNumbers(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"PAGE_SIZE", "lots"},
		{"RATE_MAX_CALLS", "many"},
		{"BREAKER_TIMEOUT_MS", "soon"},
		{"DB_PORT", "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("RECIPIENT_ID", "u-1")
			t.Setenv(tt.name, tt.value)
			if _, err := Load(); err == nil {
				t.Fatalf("expected error for %s=%s", tt.name, tt.value)
			}
		})
	}
}
