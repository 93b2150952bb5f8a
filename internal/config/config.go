// Package config provides configuration structures and loading for echarvest.
package config

import "time"

// Config represents the complete application configuration.
type Config struct {
	Portal      PortalConfig         `yaml:"portal" mapstructure:"portal"`
	Credentials CredentialsConfig    `yaml:"credentials" mapstructure:"credentials"`
	State       StateConfig          `yaml:"state" mapstructure:"state"`
	Hierarchy   HierarchyConfig      `yaml:"hierarchy" mapstructure:"hierarchy"`
	Session     SessionConfig        `yaml:"session" mapstructure:"session"`
	Search      SearchConfig         `yaml:"search" mapstructure:"search"`
	Jobs        map[string]JobConfig `yaml:"jobs" mapstructure:"jobs"`
	Export      ExportConfig         `yaml:"export" mapstructure:"export"`
	Logging     LoggingConfig        `yaml:"logging" mapstructure:"logging"`
}

// PortalConfig describes the remote registration portal.
type PortalConfig struct {
	BaseURL               string `yaml:"base_url" mapstructure:"base_url"`
	RequestTimeoutSeconds int    `yaml:"request_timeout_seconds" mapstructure:"request_timeout_seconds"`
	UserAgent             string `yaml:"user_agent" mapstructure:"user_agent"`
}

// CredentialsConfig holds the portal login. Values are usually ${ENV} references.
type CredentialsConfig struct {
	Username string `yaml:"username" mapstructure:"username"`
	Password string `yaml:"password" mapstructure:"password"`
}

// StateConfig describes the local state database (hierarchy cache, resume log, run lock).
type StateConfig struct {
	Driver             string `yaml:"driver" mapstructure:"driver"` // sqlite or mysql
	Path               string `yaml:"path" mapstructure:"path"`     // sqlite file
	Host               string `yaml:"host" mapstructure:"host"`
	Port               int    `yaml:"port" mapstructure:"port"`
	User               string `yaml:"user" mapstructure:"user"`
	Password           string `yaml:"password" mapstructure:"password"`
	Database           string `yaml:"database" mapstructure:"database"`
	TLS                string `yaml:"tls" mapstructure:"tls"` // disable, preferred, required
	MaxConnections     int    `yaml:"max_connections" mapstructure:"max_connections"`
	MaxIdleConnections int    `yaml:"max_idle_connections" mapstructure:"max_idle_connections"`
	LockTTLMinutes     int    `yaml:"lock_ttl_minutes" mapstructure:"lock_ttl_minutes"`
}

// HierarchyConfig controls location tree refreshes.
type HierarchyConfig struct {
	Concurrency    int     `yaml:"concurrency" mapstructure:"concurrency"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffSeconds float64 `yaml:"backoff_seconds" mapstructure:"backoff_seconds"`
	AutoRefresh    bool    `yaml:"auto_refresh" mapstructure:"auto_refresh"`
}

// SessionConfig controls login retries and the CAPTCHA reuse policy.
type SessionConfig struct {
	LoginAttempts     int  `yaml:"login_attempts" mapstructure:"login_attempts"`
	CaptchaMaxUses    int  `yaml:"captcha_max_uses" mapstructure:"captcha_max_uses"`
	CaptchaTTLMinutes int  `yaml:"captcha_ttl_minutes" mapstructure:"captcha_ttl_minutes"`
	TokenTTLMinutes   int  `yaml:"token_ttl_minutes" mapstructure:"token_ttl_minutes"`
	LogoutOnFinish    bool `yaml:"logout_on_finish" mapstructure:"logout_on_finish"`
}

// SearchConfig controls per-unit execution.
type SearchConfig struct {
	MaxPages       int     `yaml:"max_pages" mapstructure:"max_pages"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	BackoffSeconds float64 `yaml:"backoff_seconds" mapstructure:"backoff_seconds"`
	SleepSeconds   float64 `yaml:"sleep_seconds" mapstructure:"sleep_seconds"`
}

// JobConfig is a named search scope. Each location position holds a code,
// "all", or is left empty (treated as all children).
type JobConfig struct {
	District   string        `yaml:"district" mapstructure:"district"`
	Taluka     string        `yaml:"taluka" mapstructure:"taluka"`
	Hobli      string        `yaml:"hobli" mapstructure:"hobli"`
	Village    string        `yaml:"village" mapstructure:"village"`
	PartyName  string        `yaml:"party_name" mapstructure:"party_name"`
	MiddleName string        `yaml:"middle_name,omitempty" mapstructure:"middle_name"`
	LastName   string        `yaml:"last_name,omitempty" mapstructure:"last_name"`
	FromDate   string        `yaml:"from_date" mapstructure:"from_date"`
	ToDate     string        `yaml:"to_date" mapstructure:"to_date"`
	Output     string        `yaml:"output,omitempty" mapstructure:"output"`
	Search     *SearchConfig `yaml:"search,omitempty" mapstructure:"search"`
}

// ExportConfig controls the CSV export.
type ExportConfig struct {
	Directory   string `yaml:"directory" mapstructure:"directory"`
	EmptyMarker string `yaml:"empty_marker" mapstructure:"empty_marker"`
}

// LoggingConfig represents logging settings.
type LoggingConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" mapstructure:"format"` // json or text
	Output     string `yaml:"output" mapstructure:"output"` // stdout, stderr, or file path
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `yaml:"compress" mapstructure:"compress"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Portal: PortalConfig{
			BaseURL:               "https://kaveri.karnataka.gov.in",
			RequestTimeoutSeconds: 30,
			UserAgent:             "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
		},
		State: StateConfig{
			Driver:             "sqlite",
			Path:               "echarvest.db",
			Port:               3306,
			TLS:                "preferred",
			MaxConnections:     4,
			MaxIdleConnections: 2,
			LockTTLMinutes:     360,
		},
		Hierarchy: HierarchyConfig{
			Concurrency:    4,
			MaxRetries:     3,
			BackoffSeconds: 1,
			AutoRefresh:    true,
		},
		Session: SessionConfig{
			LoginAttempts:     2,
			CaptchaMaxUses:    500,
			CaptchaTTLMinutes: 30,
			TokenTTLMinutes:   60,
			LogoutOnFinish:    true,
		},
		Search: SearchConfig{
			MaxPages:       50,
			MaxRetries:     3,
			BackoffSeconds: 1,
			SleepSeconds:   2,
		},
		Export: ExportConfig{
			Directory:   "exports",
			EmptyMarker: "",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
		},
	}
}

// RequestTimeout returns the per-call network timeout.
func (p PortalConfig) RequestTimeout() time.Duration {
	if p.RequestTimeoutSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(p.RequestTimeoutSeconds) * time.Second
}

// Backoff returns the first retry delay for hierarchy fetches.
func (h HierarchyConfig) Backoff() time.Duration {
	return seconds(h.BackoffSeconds)
}

// Backoff returns the first retry delay for transient search failures.
func (s SearchConfig) Backoff() time.Duration {
	return seconds(s.BackoffSeconds)
}

// Sleep returns the pause between two units.
func (s SearchConfig) Sleep() time.Duration {
	return seconds(s.SleepSeconds)
}

// CaptchaTTL returns how long a bound CAPTCHA answer may be reused; 0 means no time bound.
func (s SessionConfig) CaptchaTTL() time.Duration {
	return time.Duration(s.CaptchaTTLMinutes) * time.Minute
}

// TokenTTL returns how long an auth token is trusted; 0 means until the remote rejects it.
func (s SessionConfig) TokenTTL() time.Duration {
	return time.Duration(s.TokenTTLMinutes) * time.Minute
}

// LockTTL returns the age after which a run lock is considered abandoned.
func (s StateConfig) LockTTL() time.Duration {
	return time.Duration(s.LockTTLMinutes) * time.Minute
}

func seconds(v float64) time.Duration {
	if v <= 0 {
		return 0
	}
	return time.Duration(v * float64(time.Second))
}

// GetJobSearch returns the search config for a job by name, falling back to global if not set.
func (c *Config) GetJobSearch(jobName string) SearchConfig {
	job, err := c.GetJob(jobName)
	if err != nil {
		return c.Search
	}
	return job.GetJobSearch(c.Search)
}

// GetJobSearch returns the search config for a job, falling back to global if not set.
func (jc *JobConfig) GetJobSearch(global SearchConfig) SearchConfig {
	if jc.Search == nil {
		return global
	}

	// Merge job-specific with global defaults
	result := global
	if jc.Search.MaxPages > 0 {
		result.MaxPages = jc.Search.MaxPages
	}
	if jc.Search.MaxRetries > 0 {
		result.MaxRetries = jc.Search.MaxRetries
	}
	if jc.Search.BackoffSeconds > 0 {
		result.BackoffSeconds = jc.Search.BackoffSeconds
	}
	if jc.Search.SleepSeconds > 0 {
		result.SleepSeconds = jc.Search.SleepSeconds
	}
	return result
}
