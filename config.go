package main

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	DBPath string `yaml:"db_path"`

	RosterURL     string `yaml:"roster_url"`
	RosterToken   string `yaml:"roster_token"`
	RosterTimeout int    `yaml:"roster_timeout_seconds"`

	// Capacity policy.
	MaxAccountsPerCSM         int  `yaml:"max_accounts_per_csm"`
	MinAccountsForEligibility int  `yaml:"min_accounts_for_eligibility"`
	CooldownHours             int  `yaml:"cooldown_hours"`
	CooldownSoft              bool `yaml:"cooldown_soft"`
	AllowSmallBookComplex     bool `yaml:"allow_small_book_complex"`
	MaxCapacitySlack          int  `yaml:"max_capacity_slack"`

	// LLM review.
	AnthropicAPIKey  string `yaml:"anthropic_api_key"`
	ReviewModel      string `yaml:"review_model"`
	ReviewMaxRetries int    `yaml:"review_max_retries"`

	// Scheduling and notifications.
	RunIntervalMinutes int    `yaml:"run_interval_minutes"`
	SlackBotToken      string `yaml:"slack_bot_token"`
	SlackChannelID     string `yaml:"slack_channel_id"`

	// Only accounts matching this segment/level are routed.
	Segment      string `yaml:"segment"`
	AccountLevel string `yaml:"account_level"`
}

// Policy is the capacity/cooldown slice of the config, passed into the
// scorer and optimizer so they do not see tokens and schedules.
type Policy struct {
	MaxAccountsPerCSM         int
	MinAccountsForEligibility int
	Cooldown                  time.Duration
	CooldownHard              bool
	RestrictSmallBooks        bool
	MaxCapacitySlack          int
}

func (c Config) Policy() Policy {
	return Policy{
		MaxAccountsPerCSM:         c.MaxAccountsPerCSM,
		MinAccountsForEligibility: c.MinAccountsForEligibility,
		Cooldown:                  time.Duration(c.CooldownHours) * time.Hour,
		CooldownHard:              !c.CooldownSoft,
		RestrictSmallBooks:        !c.AllowSmallBookComplex,
		MaxCapacitySlack:          c.MaxCapacitySlack,
	}
}

func LoadConfig() Config {
	var cfg Config

	// Load from config.yaml if it exists
	configPath := "config.yaml"
	if envPath := os.Getenv("CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}
	if data, err := os.ReadFile(configPath); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			log.Fatalf("Error parsing %s: %v", configPath, err)
		}
		log.Printf("Loaded config from %s", configPath)
	}

	// Env vars override YAML values
	envOverride(&cfg.DBPath, "DB_PATH")
	envOverride(&cfg.RosterURL, "ROSTER_URL")
	envOverride(&cfg.RosterToken, "ROSTER_TOKEN")
	envOverrideInt(&cfg.RosterTimeout, "ROSTER_TIMEOUT_SECONDS")
	envOverrideInt(&cfg.MaxAccountsPerCSM, "MAX_ACCOUNTS_PER_CSM")
	envOverrideInt(&cfg.MinAccountsForEligibility, "MIN_ACCOUNTS_FOR_ELIGIBILITY")
	envOverrideInt(&cfg.CooldownHours, "COOLDOWN_HOURS")
	envOverrideBool(&cfg.CooldownSoft, "COOLDOWN_SOFT")
	envOverrideBool(&cfg.AllowSmallBookComplex, "ALLOW_SMALL_BOOK_COMPLEX")
	envOverrideInt(&cfg.MaxCapacitySlack, "MAX_CAPACITY_SLACK")
	envOverride(&cfg.AnthropicAPIKey, "ANTHROPIC_API_KEY")
	envOverride(&cfg.ReviewModel, "REVIEW_MODEL")
	envOverrideInt(&cfg.ReviewMaxRetries, "REVIEW_MAX_RETRIES")
	envOverrideInt(&cfg.RunIntervalMinutes, "RUN_INTERVAL_MINUTES")
	envOverride(&cfg.SlackBotToken, "SLACK_BOT_TOKEN")
	envOverride(&cfg.SlackChannelID, "SLACK_CHANNEL_ID")
	envOverride(&cfg.Segment, "SEGMENT")
	envOverride(&cfg.AccountLevel, "ACCOUNT_LEVEL")

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = "./csmrouter.db"
	}
	if cfg.RosterTimeout == 0 {
		cfg.RosterTimeout = 30
	}
	if cfg.MaxAccountsPerCSM == 0 {
		cfg.MaxAccountsPerCSM = 85
	}
	if cfg.MinAccountsForEligibility == 0 {
		cfg.MinAccountsForEligibility = 5
	}
	if cfg.CooldownHours == 0 {
		cfg.CooldownHours = 4
	}
	if cfg.MaxCapacitySlack == 0 {
		cfg.MaxCapacitySlack = 2
	}
	if cfg.ReviewModel == "" {
		cfg.ReviewModel = defaultReviewModel
	}
	if cfg.ReviewMaxRetries == 0 {
		cfg.ReviewMaxRetries = 2
	}
	if cfg.RunIntervalMinutes == 0 {
		cfg.RunIntervalMinutes = 15
	}
	if cfg.Segment == "" {
		cfg.Segment = "Residential"
	}
	if cfg.AccountLevel == "" {
		cfg.AccountLevel = "Corporate"
	}
}

// Validate fails fast on policy values that would make every run
// misbehave rather than surfacing mid-assignment.
func (c Config) Validate() error {
	if c.MaxAccountsPerCSM < 1 {
		return fmt.Errorf("max_accounts_per_csm must be >= 1, got %d", c.MaxAccountsPerCSM)
	}
	if c.MinAccountsForEligibility < 0 {
		return fmt.Errorf("min_accounts_for_eligibility must be >= 0, got %d", c.MinAccountsForEligibility)
	}
	if c.MinAccountsForEligibility >= c.MaxAccountsPerCSM {
		return fmt.Errorf("min_accounts_for_eligibility (%d) must be less than max_accounts_per_csm (%d)",
			c.MinAccountsForEligibility, c.MaxAccountsPerCSM)
	}
	if c.CooldownHours < 0 {
		return fmt.Errorf("cooldown_hours must be >= 0, got %d", c.CooldownHours)
	}
	if c.MaxCapacitySlack < 0 {
		return fmt.Errorf("max_capacity_slack must be >= 0, got %d", c.MaxCapacitySlack)
	}
	if c.ReviewMaxRetries < 0 {
		return fmt.Errorf("review_max_retries must be >= 0, got %d", c.ReviewMaxRetries)
	}
	if c.RunIntervalMinutes < 1 {
		return fmt.Errorf("run_interval_minutes must be >= 1, got %d", c.RunIntervalMinutes)
	}
	if c.SlackBotToken != "" && c.SlackChannelID == "" {
		return fmt.Errorf("slack_channel_id is required when slack_bot_token is set")
	}
	return nil
}

func envOverride(field *string, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		*field = val
	}
}

func envOverrideInt(field *int, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.Atoi(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}

func envOverrideBool(field *bool, envKey string) {
	if val := os.Getenv(envKey); val != "" {
		parsed, err := strconv.ParseBool(val)
		if err != nil {
			log.Fatalf("invalid %s '%s': %v", envKey, val, err)
		}
		*field = parsed
	}
}
