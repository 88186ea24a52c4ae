package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/rancher/submit-action/internal/submit"
)

const (
	defaultReadyLabel   = "ready-to-merge"
	defaultLogLevel     = "info"
	defaultLogFormat    = "text"
	defaultStrategy     = string(submit.KindFastForwardOnly)
	defaultGitUserName  = "Rancher Submit Bot"
	defaultGitUserEmail = "no-reply@rancher.com"
	defaultMaxAttempts  = 3
)

// Config captures runtime options sourced from GitHub Action inputs or environment variables.
type Config struct {
	GitHubToken        string
	GitHubBaseURL      string
	GitHubUploadURL    string
	GitHubRateLimit    float64
	Strategy           submit.Kind
	ReadyLabel         string
	HoldLabels         []string
	MergedLabel        string
	TargetBranches     []string
	DryRun             bool
	SkipDrafts         bool
	RejectEmptyCommits bool
	MaxAttempts        int
	Verbose            bool
	LogLevel           string
	LogFormat          string
	GitUserName        string
	GitUserEmail       string
	GitSigningKey      string
	GitSigningPass     string
	WorkspaceDir       string
	InMemory           bool
	PushGatewayURL     string
}

// LoadConfig reads action inputs from the environment, applies defaults, and performs validation.
func LoadConfig() (Config, error) {
	cfg := Config{
		ReadyLabel:  strings.TrimSpace(envOrDefault("INPUT_READY_LABEL", defaultReadyLabel)),
		MergedLabel: strings.TrimSpace(os.Getenv("INPUT_MERGED_LABEL")),
		LogLevel:    strings.ToLower(strings.TrimSpace(envOrDefault("INPUT_LOG_LEVEL", defaultLogLevel))),
		LogFormat:   strings.ToLower(strings.TrimSpace(envOrDefault("INPUT_LOG_FORMAT", defaultLogFormat))),
		MaxAttempts: defaultMaxAttempts,
	}

	cfg.GitHubToken = strings.TrimSpace(os.Getenv("INPUT_GITHUB_TOKEN"))
	if cfg.GitHubToken == "" {
		cfg.GitHubToken = strings.TrimSpace(os.Getenv("GITHUB_TOKEN"))
	}

	cfg.GitHubBaseURL = strings.TrimSpace(os.Getenv("INPUT_GITHUB_BASE_URL"))
	cfg.GitHubUploadURL = strings.TrimSpace(os.Getenv("INPUT_GITHUB_UPLOAD_URL"))
	cfg.GitUserName = strings.TrimSpace(os.Getenv("INPUT_GIT_USER_NAME"))
	cfg.GitUserEmail = strings.TrimSpace(os.Getenv("INPUT_GIT_USER_EMAIL"))
	cfg.GitSigningKey = strings.TrimSpace(os.Getenv("INPUT_GIT_SIGNING_KEY"))
	cfg.GitSigningPass = strings.TrimSpace(os.Getenv("INPUT_GIT_SIGNING_PASSPHRASE"))
	cfg.WorkspaceDir = strings.TrimSpace(os.Getenv("INPUT_WORKSPACE_DIR"))
	cfg.PushGatewayURL = strings.TrimSpace(os.Getenv("INPUT_METRICS_PUSHGATEWAY_URL"))

	strategy, err := submit.ParseKind(envOrDefault("INPUT_STRATEGY", defaultStrategy))
	if err != nil {
		return Config{}, fmt.Errorf("parse INPUT_STRATEGY: %w", err)
	}
	cfg.Strategy = strategy

	if rawTargets := strings.TrimSpace(os.Getenv("INPUT_TARGET_BRANCHES")); rawTargets != "" {
		cfg.TargetBranches = parseList(rawTargets)
	}

	if rawHold := strings.TrimSpace(os.Getenv("INPUT_HOLD_LABELS")); rawHold != "" {
		cfg.HoldLabels = parseList(rawHold)
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"INPUT_DRY_RUN", &cfg.DryRun},
		{"INPUT_VERBOSE", &cfg.Verbose},
		{"INPUT_SKIP_DRAFTS", &cfg.SkipDrafts},
		{"INPUT_REJECT_EMPTY_COMMITS", &cfg.RejectEmptyCommits},
		{"INPUT_IN_MEMORY", &cfg.InMemory},
	}
	for _, b := range bools {
		raw := strings.TrimSpace(os.Getenv(b.key))
		if raw == "" {
			continue
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", b.key, err)
		}
		*b.dst = v
	}

	if raw := strings.TrimSpace(os.Getenv("INPUT_MAX_ATTEMPTS")); raw != "" {
		attempts, err := strconv.Atoi(raw)
		if err != nil {
			return Config{}, fmt.Errorf("parse INPUT_MAX_ATTEMPTS: %w", err)
		}
		if attempts < 1 {
			return Config{}, fmt.Errorf("INPUT_MAX_ATTEMPTS must be at least 1, got %d", attempts)
		}
		cfg.MaxAttempts = attempts
	}

	if raw := strings.TrimSpace(os.Getenv("INPUT_GITHUB_RATE_LIMIT")); raw != "" {
		rps, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return Config{}, fmt.Errorf("parse INPUT_GITHUB_RATE_LIMIT: %w", err)
		}
		if rps < 0 {
			return Config{}, fmt.Errorf("INPUT_GITHUB_RATE_LIMIT cannot be negative")
		}
		cfg.GitHubRateLimit = rps
	}

	if cfg.GitHubToken == "" {
		return Config{}, fmt.Errorf("github token is required (set INPUT_GITHUB_TOKEN or GITHUB_TOKEN)")
	}

	if (cfg.GitHubBaseURL == "") != (cfg.GitHubUploadURL == "") {
		return Config{}, fmt.Errorf("INPUT_GITHUB_BASE_URL and INPUT_GITHUB_UPLOAD_URL must both be set for GitHub Enterprise")
	}

	if cfg.ReadyLabel == "" {
		cfg.ReadyLabel = defaultReadyLabel
	}

	if cfg.GitUserName == "" {
		cfg.GitUserName = defaultGitUserName
	}

	if cfg.GitUserEmail == "" {
		cfg.GitUserEmail = defaultGitUserEmail
	}

	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}

	if cfg.LogFormat == "" {
		cfg.LogFormat = defaultLogFormat
	}

	supportedFormats := map[string]struct{}{"text": {}, "json": {}}
	if _, ok := supportedFormats[cfg.LogFormat]; !ok {
		return Config{}, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	if cfg.GitSigningPass != "" && cfg.GitSigningKey == "" {
		return Config{}, fmt.Errorf("INPUT_GIT_SIGNING_PASSPHRASE requires INPUT_GIT_SIGNING_KEY")
	}

	if cfg.Verbose {
		cfg.LogLevel = "debug"
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

func parseList(raw string) []string {
	parts := strings.FieldsFunc(raw, func(r rune) bool {
		return r == ',' || r == '\n' || r == '\r'
	})

	items := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}

	return items
}
