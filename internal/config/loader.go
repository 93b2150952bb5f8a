package config

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Load reads configuration from the specified file path.
// It supports YAML files and performs environment variable substitution.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	// Read the config file
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	return LoadFromViper(v)
}

// LoadFromViper creates a Config from an existing Viper instance.
// Useful for testing or when Viper is configured externally.
func LoadFromViper(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	substituteEnvVars(cfg)

	return cfg, nil
}

// envVarPattern matches ${VAR_NAME} or $VAR_NAME patterns
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}|\$([A-Za-z_][A-Za-z0-9_]*)`)

// substituteEnvVars replaces ${VAR_NAME} patterns with environment variable values.
func substituteEnvVars(cfg *Config) {
	cfg.Portal.BaseURL = expandEnvVar(cfg.Portal.BaseURL)

	cfg.Credentials.Username = expandEnvVar(cfg.Credentials.Username)
	cfg.Credentials.Password = expandEnvVar(cfg.Credentials.Password)

	cfg.State.Path = expandEnvVar(cfg.State.Path)
	cfg.State.Host = expandEnvVar(cfg.State.Host)
	cfg.State.User = expandEnvVar(cfg.State.User)
	cfg.State.Password = expandEnvVar(cfg.State.Password)
	cfg.State.Database = expandEnvVar(cfg.State.Database)

	cfg.Export.Directory = expandEnvVar(cfg.Export.Directory)
	cfg.Logging.Output = expandEnvVar(cfg.Logging.Output)

	for name, job := range cfg.Jobs {
		job.PartyName = expandEnvVar(job.PartyName)
		job.MiddleName = expandEnvVar(job.MiddleName)
		job.LastName = expandEnvVar(job.LastName)
		job.Output = expandEnvVar(job.Output)
		cfg.Jobs[name] = job
	}
}

// expandEnvVar expands environment variables in the format ${VAR} or $VAR.
func expandEnvVar(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		var varName string
		if strings.HasPrefix(match, "${") {
			varName = match[2 : len(match)-1]
		} else {
			varName = match[1:]
		}

		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// Return original if env var not found
		return match
	})
}

// GetJob retrieves a specific job configuration by name.
func (c *Config) GetJob(name string) (*JobConfig, error) {
	job, exists := c.Jobs[name]
	if !exists {
		return nil, fmt.Errorf("job %q not found in configuration", name)
	}
	return &job, nil
}

// ListJobs returns all job names defined in the configuration, sorted.
func (c *Config) ListJobs() []string {
	jobs := make([]string, 0, len(c.Jobs))
	for name := range c.Jobs {
		jobs = append(jobs, name)
	}
	sort.Strings(jobs)
	return jobs
}

// ApplyOverrides applies CLI flag overrides to the global configuration.
// Only non-zero/non-empty values are applied.
func (c *Config) ApplyOverrides(logLevel, logFormat string, maxPages, concurrency int, sleepSeconds float64) {
	if logLevel != "" {
		c.Logging.Level = logLevel
	}
	if logFormat != "" {
		c.Logging.Format = logFormat
	}
	if maxPages > 0 {
		c.Search.MaxPages = maxPages
	}
	if concurrency > 0 {
		c.Hierarchy.Concurrency = concurrency
	}
	if sleepSeconds > 0 {
		c.Search.SleepSeconds = sleepSeconds
	}
}

// Sample returns a commented-free example configuration built from the defaults.
func Sample() *Config {
	cfg := DefaultConfig()
	cfg.Credentials = CredentialsConfig{
		Username: "${ECHARVEST_USERNAME}",
		Password: "${ECHARVEST_PASSWORD}",
	}
	cfg.Jobs = map[string]JobConfig{
		"bangalore_hobli_499": {
			District:  "2",
			Taluka:    "113",
			Hobli:     "499",
			Village:   "all",
			PartyName: "KRISHNAPPA",
			FromDate:  "2003-01-01",
			ToDate:    "2024-12-31",
		},
	}
	return cfg
}

// WriteYAML marshals cfg as YAML to path. Existing files are not overwritten.
func WriteYAML(cfg *Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return nil
}
