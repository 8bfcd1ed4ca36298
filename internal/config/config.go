// Package config loads and validates Squadron's static configuration.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config is the full Squadron configuration.
type Config struct {
	Project         ProjectConfig              `mapstructure:"project"`
	AgentRoles      map[string]AgentRoleConfig `mapstructure:"agent_roles"`
	BranchNaming    BranchNamingConfig         `mapstructure:"branch_naming"`
	CircuitBreakers CircuitBreakersConfig      `mapstructure:"circuit_breakers"`
	Runtime         RuntimeConfig              `mapstructure:"runtime"`
	Commands        map[string]CommandConfig   `mapstructure:"commands"`
	HumanGroups     HumanGroupsConfig          `mapstructure:"human_groups"`
	GitHub          GitHubConfig               `mapstructure:"github"`
	Webhook         WebhookConfig              `mapstructure:"webhook"`
}

// ProjectConfig is the GitHub target.
type ProjectConfig struct {
	Name           string `mapstructure:"name"`
	Owner          string `mapstructure:"owner"`
	Repo           string `mapstructure:"repo"`
	DefaultBranch  string `mapstructure:"default_branch"`
}

// TriggerAction is the side effect a trigger applies to an agent.
type TriggerAction string

const (
	ActionSpawn    TriggerAction = "spawn"
	ActionWake     TriggerAction = "wake"
	ActionSleep    TriggerAction = "sleep"
	ActionComplete TriggerAction = "complete"
)

// Trigger is a (event_type, optional filters, action) tuple (glossary).
type Trigger struct {
	Event     string        `mapstructure:"event"`
	Label     string        `mapstructure:"label"`
	Action    TriggerAction `mapstructure:"action"`
	Condition string        `mapstructure:"condition"`
}

// AgentRoleConfig is the per-role wiring.
type AgentRoleConfig struct {
	AgentDefinition   string    `mapstructure:"agent_definition"`
	Triggers          []Trigger `mapstructure:"triggers"`
	Singleton         bool      `mapstructure:"singleton"`
	AssignableLabels  []string  `mapstructure:"assignable_labels"`
}

// BranchNamingConfig holds per-role branch name templates, containing
// the literal placeholder "{issue_number}".
type BranchNamingConfig struct {
	Feature  string `mapstructure:"feature"`
	Bugfix   string `mapstructure:"bugfix"`
	Security string `mapstructure:"security"`
	Docs     string `mapstructure:"docs"`
	Infra    string `mapstructure:"infra"`
}

// CircuitBreakerLimits are the bounds that force a circuit breaker to
// trip and escalate an agent to a human.
type CircuitBreakerLimits struct {
	MaxActiveDuration time.Duration `mapstructure:"max_active_duration"`
	MaxSleepDuration  time.Duration `mapstructure:"max_sleep_duration"`
	MaxIterations     int           `mapstructure:"max_iterations"`
	MaxToolCalls      int           `mapstructure:"max_tool_calls"`
	MaxTurns          int           `mapstructure:"max_turns"`
	WarningThreshold  float64       `mapstructure:"warning_threshold"`
	CleanupTimeout    time.Duration `mapstructure:"cleanup_timeout"`
}

// CircuitBreakersConfig carries defaults plus per-role overrides that
// merge onto them.
type CircuitBreakersConfig struct {
	Defaults CircuitBreakerLimits            `mapstructure:"defaults"`
	Roles    map[string]CircuitBreakerLimits `mapstructure:"roles"`
}

// cleanupTimeouts is the canonical role -> cleanup-timeout table; the
// single source of truth so no other package may define its own copy.
var cleanupTimeouts = map[string]time.Duration{
	"pr-review":       60 * time.Second,
	"infra-dev":       90 * time.Second,
	"security-review": 60 * time.Second,
	"feat-dev":        45 * time.Second,
}

const defaultCleanupTimeout = 30 * time.Second

// ForRole returns the effective limits for role, merging any per-role
// override onto the configured defaults field by field, and filling in
// CleanupTimeout from the canonical table when unset.
func (c CircuitBreakersConfig) ForRole(role string) CircuitBreakerLimits {
	limits := c.Defaults
	if override, ok := c.Roles[role]; ok {
		mergeLimits(&limits, override)
	}
	if limits.CleanupTimeout == 0 {
		if d, ok := cleanupTimeouts[role]; ok {
			limits.CleanupTimeout = d
		} else {
			limits.CleanupTimeout = defaultCleanupTimeout
		}
	}
	if limits.WarningThreshold == 0 {
		limits.WarningThreshold = 0.8
	}
	return limits
}

func mergeLimits(base *CircuitBreakerLimits, override CircuitBreakerLimits) {
	if override.MaxActiveDuration != 0 {
		base.MaxActiveDuration = override.MaxActiveDuration
	}
	if override.MaxSleepDuration != 0 {
		base.MaxSleepDuration = override.MaxSleepDuration
	}
	if override.MaxIterations != 0 {
		base.MaxIterations = override.MaxIterations
	}
	if override.MaxToolCalls != 0 {
		base.MaxToolCalls = override.MaxToolCalls
	}
	if override.MaxTurns != 0 {
		base.MaxTurns = override.MaxTurns
	}
	if override.WarningThreshold != 0 {
		base.WarningThreshold = override.WarningThreshold
	}
	if override.CleanupTimeout != 0 {
		base.CleanupTimeout = override.CleanupTimeout
	}
}

// RuntimeConfig carries scheduling knobs.
type RuntimeConfig struct {
	DefaultModel            string        `mapstructure:"default_model"`
	ReconciliationInterval  time.Duration `mapstructure:"reconciliation_interval"`
	Provider                string        `mapstructure:"provider"`
	HealthPollInterval      time.Duration `mapstructure:"health_poll_interval"`
	SeenEventRetention      time.Duration `mapstructure:"seen_event_retention"`
}

// CommandConfig is a static-response command entry.
type CommandConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	InvokeAgent string `mapstructure:"invoke_agent"`
	Response    string `mapstructure:"response"`
}

// HumanGroupsConfig gates which senders' events are processed.
type HumanGroupsConfig struct {
	Maintainers []string `mapstructure:"maintainers"`
}

// GitHubConfig carries App authentication settings, following the
// teacher's GitHubConfig shape.
type GitHubConfig struct {
	AppID            int64  `mapstructure:"app_id"`
	InstallationID   int64  `mapstructure:"installation_id"`
	PrivateKeySecret string `mapstructure:"private_key_secret"`
	BotLogin         string `mapstructure:"bot_login"`
}

// WebhookConfig carries webhook-receiver settings.
type WebhookConfig struct {
	SecretName        string `mapstructure:"secret_name"`
	ListenAddr        string `mapstructure:"listen_addr"`
	RateLimitPerMin   int    `mapstructure:"rate_limit_per_min"` // 0 disables
	RequireInstallID  bool   `mapstructure:"require_install_id"`
}

// Load reads configuration already bound to viper (file + env) into a
// Config and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Project.DefaultBranch == "" {
		cfg.Project.DefaultBranch = "main"
	}
	if cfg.BranchNaming.Feature == "" {
		cfg.BranchNaming.Feature = "feat/issue-{issue_number}"
	}
	if cfg.BranchNaming.Bugfix == "" {
		cfg.BranchNaming.Bugfix = "fix/issue-{issue_number}"
	}
	if cfg.BranchNaming.Security == "" {
		cfg.BranchNaming.Security = "security/issue-{issue_number}"
	}
	if cfg.BranchNaming.Docs == "" {
		cfg.BranchNaming.Docs = "docs/issue-{issue_number}"
	}
	if cfg.BranchNaming.Infra == "" {
		cfg.BranchNaming.Infra = "infra/issue-{issue_number}"
	}
	if cfg.CircuitBreakers.Defaults.MaxActiveDuration == 0 {
		cfg.CircuitBreakers.Defaults.MaxActiveDuration = 2 * time.Hour
	}
	if cfg.CircuitBreakers.Defaults.MaxSleepDuration == 0 {
		cfg.CircuitBreakers.Defaults.MaxSleepDuration = 48 * time.Hour
	}
	if cfg.CircuitBreakers.Defaults.MaxIterations == 0 {
		cfg.CircuitBreakers.Defaults.MaxIterations = 30
	}
	if cfg.CircuitBreakers.Defaults.WarningThreshold == 0 {
		cfg.CircuitBreakers.Defaults.WarningThreshold = 0.8
	}
	if cfg.Runtime.ReconciliationInterval == 0 {
		cfg.Runtime.ReconciliationInterval = 300 * time.Second
	}
	if cfg.Runtime.HealthPollInterval == 0 {
		cfg.Runtime.HealthPollInterval = time.Second
	}
	if cfg.Runtime.SeenEventRetention == 0 {
		cfg.Runtime.SeenEventRetention = 72 * time.Hour
	}
	if cfg.Webhook.ListenAddr == "" {
		cfg.Webhook.ListenAddr = ":8080"
	}
	if cfg.GitHub.BotLogin == "" {
		cfg.GitHub.BotLogin = "squadron-dev[bot]"
	}
}

// Validate checks the configuration is internally consistent and
// reports a fatal error suitable for a startup abort.
func (c *Config) Validate() error {
	if c.Project.Owner == "" || c.Project.Repo == "" {
		return fmt.Errorf("config: project.owner and project.repo are required")
	}
	if len(c.AgentRoles) == 0 {
		return fmt.Errorf("config: at least one agent_roles entry is required")
	}
	for name, role := range c.AgentRoles {
		for _, t := range role.Triggers {
			if t.Event == "" {
				return fmt.Errorf("config: agent_roles.%s has a trigger with no event", name)
			}
			switch t.Action {
			case "", ActionSpawn, ActionWake, ActionSleep, ActionComplete:
			default:
				return fmt.Errorf("config: agent_roles.%s trigger has invalid action %q", name, t.Action)
			}
		}
	}
	if c.GitHub.AppID == 0 {
		return fmt.Errorf("config: github.app_id is required")
	}
	if c.GitHub.InstallationID == 0 {
		return fmt.Errorf("config: github.installation_id is required")
	}
	if c.GitHub.PrivateKeySecret == "" {
		return fmt.Errorf("config: github.private_key_secret is required")
	}
	return nil
}
