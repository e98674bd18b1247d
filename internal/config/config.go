package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the full runtime configuration, loaded once at startup from the
// environment (plus an optional .env file).
type Config struct {
	Addr        string
	CORSOrigins []string

	DBPath          string
	WorkspaceDir    string
	SkillsDir       string
	ActivityLogPath string

	MaxJobsPerUser    int
	MaxTotalJobs      int
	GenerationTimeout time.Duration

	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	AgentCommand string
	AgentArgs    []string

	// ImageProvider selects the asset backend: "openai", "comfyui", or ""
	// to disable image generation.
	ImageProvider string
	ImageBaseURL  string
	ImageAPIKey   string
	ImageModel    string

	AssetBase      string
	ExcludedSkills []string
}

// Load reads configuration from the environment. A .env file in the working
// directory is merged in when present; real environment variables win.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Addr:        envStr("GF_ADDR", ":8080"),
		CORSOrigins: envList("GF_CORS_ORIGINS", []string{"*"}),

		DBPath:       envStr("GF_DB_PATH", "gameforge.db"),
		WorkspaceDir: envStr("GF_WORKSPACE_DIR", "./data"),
		SkillsDir:    envStr("GF_SKILLS_DIR", "./skills"),

		MaxJobsPerUser: envInt("GF_MAX_JOBS_PER_USER", 2),
		MaxTotalJobs:   envInt("GF_MAX_TOTAL_JOBS", 10),

		LLMBaseURL: envStr("GF_LLM_BASE_URL", "https://api.openai.com/v1"),
		LLMAPIKey:  os.Getenv("GF_LLM_API_KEY"),
		LLMModel:   os.Getenv("GF_LLM_MODEL"),

		AgentCommand: os.Getenv("GF_AGENT_COMMAND"),
		AgentArgs:    envList("GF_AGENT_ARGS", nil),

		ImageProvider: strings.ToLower(os.Getenv("GF_IMAGE_PROVIDER")),
		ImageBaseURL:  os.Getenv("GF_IMAGE_BASE_URL"),
		ImageAPIKey:   os.Getenv("GF_IMAGE_API_KEY"),
		ImageModel:    os.Getenv("GF_IMAGE_MODEL"),

		AssetBase:      os.Getenv("GF_ASSET_BASE"),
		ExcludedSkills: envList("GF_EXCLUDED_SKILLS", nil),
	}
	cfg.ActivityLogPath = envStr("GF_ACTIVITY_LOG", cfg.WorkspaceDir+"/activity/activity.log")

	timeout, err := time.ParseDuration(envStr("GF_GENERATION_TIMEOUT", "5m"))
	if err != nil {
		return nil, fmt.Errorf("invalid GF_GENERATION_TIMEOUT: %w", err)
	}
	cfg.GenerationTimeout = timeout

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.MaxJobsPerUser < 1 {
		return fmt.Errorf("GF_MAX_JOBS_PER_USER must be at least 1")
	}
	if c.MaxTotalJobs < c.MaxJobsPerUser {
		return fmt.Errorf("GF_MAX_TOTAL_JOBS must be at least GF_MAX_JOBS_PER_USER")
	}
	if c.GenerationTimeout <= 0 {
		return fmt.Errorf("GF_GENERATION_TIMEOUT must be positive")
	}
	return nil
}

// ImageEnabled reports whether an image provider is configured.
func (c *Config) ImageEnabled() bool { return c.ImageProvider != "" && c.ImageBaseURL != "" }

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

func envList(key string, fallback []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
