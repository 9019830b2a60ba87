// Package config loads server settings from SOROTASK_* environment variables.
package config

import (
	"fmt"
	"os"
	"time"
)

type Config struct {
	DatabaseURL string // SOROTASK_DATABASE_URL (optional, empty = in-memory store)
	GRPCAddr    string // SOROTASK_GRPC_ADDR (default ":9090")
	HTTPAddr    string // SOROTASK_HTTP_ADDR (default ":8080")
	NATSURL     string // SOROTASK_NATS_URL (optional, empty = no events, no nats invoker)
	AuthToken   string // SOROTASK_AUTH_TOKEN (optional, empty = auth disabled)
	LogFormat   string // SOROTASK_LOG_FORMAT ("text" or "json", default "text")

	// Capability boundary
	InvokeTimeout time.Duration // SOROTASK_INVOKE_TIMEOUT (default 10s)
	Directory     string        // SOROTASK_DIRECTORY ("name=url,..." for the http invoker)
	ProofMaxAge   time.Duration // SOROTASK_PROOF_MAX_AGE (default 5m)

	// Sync settings
	SyncInterval   time.Duration // SOROTASK_SYNC_INTERVAL (default 3m; 0 = disabled)
	SyncS3Bucket   string        // SOROTASK_SYNC_S3_BUCKET (enables S3 when set)
	SyncS3Endpoint string        // SOROTASK_SYNC_S3_ENDPOINT (custom endpoint for MinIO)
	SyncS3Region   string        // SOROTASK_SYNC_S3_REGION (default "us-east-1")
	SyncS3Key      string        // SOROTASK_SYNC_S3_KEY (default "sorotask/registry.jsonl")
	SyncGitRepo    string        // SOROTASK_SYNC_GIT_REPO (enables git when set; path to clone)
	SyncGitFile    string        // SOROTASK_SYNC_GIT_FILE (default "registry.jsonl")
	SyncGitBranch  string        // SOROTASK_SYNC_GIT_BRANCH (default "main")
}

func Load() (*Config, error) {
	c := &Config{
		DatabaseURL:    os.Getenv("SOROTASK_DATABASE_URL"),
		GRPCAddr:       envOrDefault("SOROTASK_GRPC_ADDR", ":9090"),
		HTTPAddr:       envOrDefault("SOROTASK_HTTP_ADDR", ":8080"),
		NATSURL:        os.Getenv("SOROTASK_NATS_URL"),
		AuthToken:      os.Getenv("SOROTASK_AUTH_TOKEN"),
		LogFormat:      envOrDefault("SOROTASK_LOG_FORMAT", "text"),
		Directory:      os.Getenv("SOROTASK_DIRECTORY"),
		SyncS3Bucket:   os.Getenv("SOROTASK_SYNC_S3_BUCKET"),
		SyncS3Endpoint: os.Getenv("SOROTASK_SYNC_S3_ENDPOINT"),
		SyncS3Region:   envOrDefault("SOROTASK_SYNC_S3_REGION", "us-east-1"),
		SyncS3Key:      envOrDefault("SOROTASK_SYNC_S3_KEY", "sorotask/registry.jsonl"),
		SyncGitRepo:    os.Getenv("SOROTASK_SYNC_GIT_REPO"),
		SyncGitFile:    envOrDefault("SOROTASK_SYNC_GIT_FILE", "registry.jsonl"),
		SyncGitBranch:  envOrDefault("SOROTASK_SYNC_GIT_BRANCH", "main"),
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return nil, fmt.Errorf("SOROTASK_LOG_FORMAT: unknown format %q", c.LogFormat)
	}

	for _, d := range []struct {
		key      string
		fallback string
		dst      *time.Duration
	}{
		{"SOROTASK_INVOKE_TIMEOUT", "10s", &c.InvokeTimeout},
		{"SOROTASK_PROOF_MAX_AGE", "5m", &c.ProofMaxAge},
		{"SOROTASK_SYNC_INTERVAL", "3m", &c.SyncInterval},
	} {
		v, err := time.ParseDuration(envOrDefault(d.key, d.fallback))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", d.key, err)
		}
		if v < 0 {
			return nil, fmt.Errorf("%s: must not be negative", d.key)
		}
		*d.dst = v
	}

	return c, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
