package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"DATAFLOW_DATA_DIR", "DATAFLOW_DB_ALIAS", "DATAFLOW_MAX_RETRIES",
		"DATAFLOW_FIRST_DATE", "DATAFLOW_LAST_DATE", "DATAFLOW_MAX_PARALLEL",
		"DATAFLOW_BASH", "DATAFLOW_STATS_PERIOD", "DATAFLOW_RETENTION_DAYS",
		"DATAFLOW_ALLOW_UI_RUN", "DATAFLOW_BASE_URL", "DATAFLOW_PASSWORD_MASKS",
		"DATAFLOW_BOLT_PATH", "DATAFLOW_NATS_URL", "DATAFLOW_OTLP_ENDPOINT",
		"DATAFLOW_SLACK_WEBHOOK", "DATAFLOW_TEAMS_WEBHOOK",
	}
	for _, k := range keys {
		t.Setenv(k, "")
	}
}

func TestFromEnvDefaults(t *testing.T) {
	clearEnv(t)
	cfg := FromEnv()

	if cfg.DataDir != "data" {
		t.Errorf("DataDir = %q, want %q", cfg.DataDir, "data")
	}
	if cfg.DefaultDBAlias != "dwh-etl" {
		t.Errorf("DefaultDBAlias = %q, want %q", cfg.DefaultDBAlias, "dwh-etl")
	}
	if cfg.DefaultTaskMaxRetries != 0 {
		t.Errorf("DefaultTaskMaxRetries = %d, want 0", cfg.DefaultTaskMaxRetries)
	}
	wantFirst, _ := time.Parse("2006-01-02", "2000-01-01")
	if !cfg.FirstDate.Equal(wantFirst) {
		t.Errorf("FirstDate = %v, want %v", cfg.FirstDate, wantFirst)
	}
	if cfg.RunLogRetentionInDays != 30 {
		t.Errorf("RunLogRetentionInDays = %d, want 30", cfg.RunLogRetentionInDays)
	}
	if !cfg.AllowRunFromWebUI {
		t.Errorf("AllowRunFromWebUI = false, want true")
	}
	if cfg.NATSURL != "" {
		t.Errorf("NATSURL = %q, want empty", cfg.NATSURL)
	}
	if cfg.PasswordMasks != nil {
		t.Errorf("PasswordMasks = %v, want nil", cfg.PasswordMasks)
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATAFLOW_DATA_DIR", "/srv/data")
	t.Setenv("DATAFLOW_MAX_RETRIES", "5")
	t.Setenv("DATAFLOW_ALLOW_UI_RUN", "false")
	t.Setenv("DATAFLOW_PASSWORD_MASKS", "secret, token ,")
	t.Setenv("DATAFLOW_STATS_PERIOD", "10")

	cfg := FromEnv()
	if cfg.DataDir != "/srv/data" {
		t.Errorf("DataDir = %q, want override", cfg.DataDir)
	}
	if cfg.DefaultTaskMaxRetries != 5 {
		t.Errorf("DefaultTaskMaxRetries = %d, want 5", cfg.DefaultTaskMaxRetries)
	}
	if cfg.AllowRunFromWebUI {
		t.Errorf("AllowRunFromWebUI = true, want false")
	}
	if got, want := cfg.SystemStatisticsCollectionPeriod, 10*time.Second; got != want {
		t.Errorf("SystemStatisticsCollectionPeriod = %v, want %v", got, want)
	}
	wantMasks := []string{"secret", "token"}
	if len(cfg.PasswordMasks) != len(wantMasks) {
		t.Fatalf("PasswordMasks = %v, want %v", cfg.PasswordMasks, wantMasks)
	}
	for i, m := range wantMasks {
		if cfg.PasswordMasks[i] != m {
			t.Errorf("PasswordMasks[%d] = %q, want %q", i, cfg.PasswordMasks[i], m)
		}
	}
}

func TestFromEnvIgnoresInvalidInt(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATAFLOW_MAX_RETRIES", "not-a-number")
	cfg := FromEnv()
	if cfg.DefaultTaskMaxRetries != 0 {
		t.Errorf("expected invalid int to fall back to default 0, got %d", cfg.DefaultTaskMaxRetries)
	}
}
