// Package config loads the engine's configuration once, at startup, into an
// immutable struct — replacing the source's global mutable config functions
// with a value passed explicitly into the engine at construction.
package config

import (
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

// Config holds every recognised option. Zero-value-safe fields are not
// pointers; options with no natural zero value use pointers so "unset" is
// distinguishable (none currently require this).
type Config struct {
	DataDir                          string
	DefaultDBAlias                   string
	DefaultTaskMaxRetries             int
	FirstDate                        time.Time
	LastDate                         time.Time
	MaxNumberOfParallelTasks         int
	BashCommandString                string
	SystemStatisticsCollectionPeriod time.Duration
	RunLogRetentionInDays            int
	AllowRunFromWebUI                bool
	BaseURL                          string
	PasswordMasks                    []string

	BoltPath        string
	NATSURL         string
	OTLPEndpoint    string
	SlackWebhookURL string
	TeamsWebhookURL string
}

// FromEnv builds a Config from environment variables, falling back to the
// defaults recorded in SPEC_FULL.md §6 (themselves taken from the source's
// config.py).
func FromEnv() Config {
	firstDate, _ := time.Parse("2006-01-02", getenv("DATAFLOW_FIRST_DATE", "2000-01-01"))
	lastDate, _ := time.Parse("2006-01-02", getenv("DATAFLOW_LAST_DATE", "3000-01-01"))

	return Config{
		DataDir:                          getenv("DATAFLOW_DATA_DIR", "data"),
		DefaultDBAlias:                   getenv("DATAFLOW_DB_ALIAS", "dwh-etl"),
		DefaultTaskMaxRetries:            getenvInt("DATAFLOW_MAX_RETRIES", 0),
		FirstDate:                        firstDate,
		LastDate:                         lastDate,
		MaxNumberOfParallelTasks:         getenvInt("DATAFLOW_MAX_PARALLEL", runtime.NumCPU()),
		BashCommandString:                getenv("DATAFLOW_BASH", "/usr/bin/env bash -o pipefail"),
		SystemStatisticsCollectionPeriod: time.Duration(getenvInt("DATAFLOW_STATS_PERIOD", 1)) * time.Second,
		RunLogRetentionInDays:            getenvInt("DATAFLOW_RETENTION_DAYS", 30),
		AllowRunFromWebUI:                getenvBool("DATAFLOW_ALLOW_UI_RUN", true),
		BaseURL:                          getenv("DATAFLOW_BASE_URL", "http://127.0.0.1:5000/data-integration"),
		PasswordMasks:                    getenvList("DATAFLOW_PASSWORD_MASKS"),

		BoltPath:        getenv("DATAFLOW_BOLT_PATH", "./dataflow.db"),
		NATSURL:         getenv("DATAFLOW_NATS_URL", ""),
		OTLPEndpoint:    getenv("DATAFLOW_OTLP_ENDPOINT", ""),
		SlackWebhookURL: getenv("DATAFLOW_SLACK_WEBHOOK", ""),
		TeamsWebhookURL: getenv("DATAFLOW_TEAMS_WEBHOOK", ""),
	}
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func getenvList(key string) []string {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
