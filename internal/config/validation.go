package config

import (
	"fmt"
	"strings"
	"time"
)

// DateLayout is the date format used in job definitions and portal requests.
const DateLayout = "2006-01-02"

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return fmt.Sprintf("validation failed:\n  - %s", strings.Join(msgs, "\n  - "))
}

// Validate checks the configuration for required fields and valid values.
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validatePortal()...)
	errors = append(errors, c.validateState()...)
	errors = append(errors, c.validateHierarchy()...)
	errors = append(errors, c.validateSession()...)
	errors = append(errors, validateSearch("search", &c.Search)...)

	for _, name := range c.ListJobs() {
		job := c.Jobs[name]
		errors = append(errors, c.validateJob(name, &job)...)
	}

	errors = append(errors, c.validateLogging()...)

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// ValidateJob checks a single job plus the settings a harvest run depends on.
func (c *Config) ValidateJob(name string) error {
	job, err := c.GetJob(name)
	if err != nil {
		return err
	}
	errors := c.validateJob(name, job)
	if c.Credentials.Username == "" {
		errors = append(errors, ValidationError{
			Field:   "credentials.username",
			Message: "username is required to run a harvest",
		})
	}
	if c.Credentials.Password == "" {
		errors = append(errors, ValidationError{
			Field:   "credentials.password",
			Message: "password is required to run a harvest",
		})
	}
	if len(errors) > 0 {
		return errors
	}
	return nil
}

func (c *Config) validatePortal() ValidationErrors {
	var errors ValidationErrors

	if !strings.HasPrefix(c.Portal.BaseURL, "http://") && !strings.HasPrefix(c.Portal.BaseURL, "https://") {
		errors = append(errors, ValidationError{
			Field:   "portal.base_url",
			Message: "base_url must be an http(s) URL",
		})
	}

	if c.Portal.RequestTimeoutSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "portal.request_timeout_seconds",
			Message: "request_timeout_seconds cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateState() ValidationErrors {
	var errors ValidationErrors
	st := &c.State

	switch st.Driver {
	case "sqlite", "":
		if st.Path == "" {
			errors = append(errors, ValidationError{
				Field:   "state.path",
				Message: "path is required for the sqlite driver",
			})
		}
	case "mysql":
		if st.Host == "" {
			errors = append(errors, ValidationError{
				Field:   "state.host",
				Message: "host is required for the mysql driver",
			})
		}
		if st.Port <= 0 || st.Port > 65535 {
			errors = append(errors, ValidationError{
				Field:   "state.port",
				Message: "port must be between 1 and 65535",
			})
		}
		if st.User == "" {
			errors = append(errors, ValidationError{
				Field:   "state.user",
				Message: "user is required for the mysql driver",
			})
		}
		if st.Database == "" {
			errors = append(errors, ValidationError{
				Field:   "state.database",
				Message: "database name is required for the mysql driver",
			})
		}
		validTLS := map[string]bool{"disable": true, "preferred": true, "required": true, "": true}
		if !validTLS[st.TLS] {
			errors = append(errors, ValidationError{
				Field:   "state.tls",
				Message: "tls must be 'disable', 'preferred', or 'required'",
			})
		}
	default:
		errors = append(errors, ValidationError{
			Field:   "state.driver",
			Message: "driver must be 'sqlite' or 'mysql'",
		})
	}

	if st.MaxConnections < 0 {
		errors = append(errors, ValidationError{
			Field:   "state.max_connections",
			Message: "max_connections cannot be negative",
		})
	}

	if st.LockTTLMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "state.lock_ttl_minutes",
			Message: "lock_ttl_minutes cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateHierarchy() ValidationErrors {
	var errors ValidationErrors

	if c.Hierarchy.Concurrency <= 0 {
		errors = append(errors, ValidationError{
			Field:   "hierarchy.concurrency",
			Message: "concurrency must be positive",
		})
	}

	if c.Hierarchy.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   "hierarchy.max_retries",
			Message: "max_retries cannot be negative",
		})
	}

	if c.Hierarchy.BackoffSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   "hierarchy.backoff_seconds",
			Message: "backoff_seconds cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateSession() ValidationErrors {
	var errors ValidationErrors

	if c.Session.LoginAttempts <= 0 {
		errors = append(errors, ValidationError{
			Field:   "session.login_attempts",
			Message: "login_attempts must be positive",
		})
	}

	if c.Session.CaptchaMaxUses < 0 {
		errors = append(errors, ValidationError{
			Field:   "session.captcha_max_uses",
			Message: "captcha_max_uses cannot be negative",
		})
	}

	if c.Session.CaptchaTTLMinutes < 0 || c.Session.TokenTTLMinutes < 0 {
		errors = append(errors, ValidationError{
			Field:   "session",
			Message: "ttl values cannot be negative",
		})
	}

	return errors
}

func validateSearch(prefix string, s *SearchConfig) ValidationErrors {
	var errors ValidationErrors

	if s.MaxPages <= 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_pages",
			Message: "max_pages must be positive",
		})
	}

	if s.MaxRetries < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".max_retries",
			Message: "max_retries cannot be negative",
		})
	}

	if s.BackoffSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".backoff_seconds",
			Message: "backoff_seconds cannot be negative",
		})
	}

	if s.SleepSeconds < 0 {
		errors = append(errors, ValidationError{
			Field:   prefix + ".sleep_seconds",
			Message: "sleep_seconds cannot be negative",
		})
	}

	return errors
}

func (c *Config) validateJob(name string, job *JobConfig) ValidationErrors {
	var errors ValidationErrors
	prefix := fmt.Sprintf("jobs.%s", name)

	if strings.TrimSpace(job.District) == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".district",
			Message: "district is required (a code or \"all\")",
		})
	}

	// A scope cannot skip a level: once a position is unset, deeper
	// positions may only be unset or "all".
	positions := []struct {
		field string
		value string
	}{
		{"district", job.District},
		{"taluka", job.Taluka},
		{"hobli", job.Hobli},
		{"village", job.Village},
	}
	unset := ""
	for _, p := range positions {
		v := strings.TrimSpace(p.value)
		if v == "" {
			if unset == "" {
				unset = p.field
			}
			continue
		}
		if unset != "" && !strings.EqualFold(v, "all") {
			errors = append(errors, ValidationError{
				Field:   prefix + "." + p.field,
				Message: fmt.Sprintf("cannot select a specific %s when %s is unset", p.field, unset),
			})
		}
	}

	if strings.TrimSpace(job.PartyName) == "" {
		errors = append(errors, ValidationError{
			Field:   prefix + ".party_name",
			Message: "party_name is required",
		})
	}

	from, fromErr := time.Parse(DateLayout, job.FromDate)
	if fromErr != nil {
		errors = append(errors, ValidationError{
			Field:   prefix + ".from_date",
			Message: "from_date must be YYYY-MM-DD",
		})
	}
	to, toErr := time.Parse(DateLayout, job.ToDate)
	if toErr != nil {
		errors = append(errors, ValidationError{
			Field:   prefix + ".to_date",
			Message: "to_date must be YYYY-MM-DD",
		})
	}
	if fromErr == nil && toErr == nil && from.After(to) {
		errors = append(errors, ValidationError{
			Field:   prefix + ".from_date",
			Message: "from_date must not be after to_date",
		})
	}

	if job.Search != nil {
		if job.Search.MaxPages < 0 || job.Search.MaxRetries < 0 {
			errors = append(errors, ValidationError{
				Field:   prefix + ".search",
				Message: "max_pages and max_retries cannot be negative",
			})
		}
		if job.Search.BackoffSeconds < 0 {
			errors = append(errors, ValidationError{
				Field:   prefix + ".search.backoff_seconds",
				Message: "backoff_seconds cannot be negative",
			})
		}
		if job.Search.SleepSeconds < 0 {
			errors = append(errors, ValidationError{
				Field:   prefix + ".search.sleep_seconds",
				Message: "sleep_seconds cannot be negative",
			})
		}
	}

	return errors
}

func (c *Config) validateLogging() ValidationErrors {
	var errors ValidationErrors

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[c.Logging.Level] {
		errors = append(errors, ValidationError{
			Field:   "logging.level",
			Message: "level must be 'debug', 'info', 'warn', or 'error'",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true, "": true}
	if !validFormats[c.Logging.Format] {
		errors = append(errors, ValidationError{
			Field:   "logging.format",
			Message: "format must be 'json' or 'text'",
		})
	}

	return errors
}
