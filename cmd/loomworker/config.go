package main

import (
	"os"
	"strconv"
	"time"
)

// config collects the worker's environment-driven settings. Flags override
// the defaults below; environment variables override flags when set, so the
// same binary runs unchanged under local shells and container orchestrators.
type config struct {
	MongoURI      string
	Database      string
	RedisURL      string
	PolicyPack    string
	WorkerID      string
	Concurrency   int
	MaxSteps      int
	MaxAttempts   int
	Lease         time.Duration
	ExecTimeout   time.Duration
	AnthropicKey  string
	AnthropicName string
	OpenAIKey     string
	OpenAIName    string
}

func loadConfig() config {
	host, _ := os.Hostname()
	if host == "" {
		host = "loomworker"
	}
	return config{
		MongoURI:      envStr("AGENT_DATABASE_URL", envStr("DATABASE_URL", "mongodb://localhost:27017")),
		Database:      envStr("LOOM_DATABASE", "loom"),
		RedisURL:      envStr("REDIS_URL", ""),
		PolicyPack:    envStr("LOOM_POLICY_PACK", ""),
		WorkerID:      envStr("LOOM_WORKER_ID", host+"-"+strconv.Itoa(os.Getpid())),
		Concurrency:   envInt("LOOM_CONCURRENCY", 0),
		MaxSteps:      envInt("SHORT_TERM_STEP_LIMIT", 0),
		MaxAttempts:   envInt("LOOM_MAX_ATTEMPTS", 5),
		Lease:         envMillis("LOOM_LEASE_MS", 0),
		ExecTimeout:   envMillis("LOOM_EXECUTE_TIMEOUT_MS", 0),
		AnthropicKey:  envStr("ANTHROPIC_API_KEY", ""),
		AnthropicName: envStr("LOOM_ANTHROPIC_MODEL", "claude-sonnet-4-5"),
		OpenAIKey:     envStr("OPENAI_API_KEY", ""),
		OpenAIName:    envStr("LOOM_OPENAI_MODEL", "gpt-4o"),
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envMillis(key string, fallback time.Duration) time.Duration {
	n := envInt(key, 0)
	if n <= 0 {
		return fallback
	}
	return time.Duration(n) * time.Millisecond
}
