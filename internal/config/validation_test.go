package config

import (
	"errors"
	"strings"
	"testing"
)

func validJob() JobConfig {
	return JobConfig{
		District:  "2",
		Taluka:    "113",
		Hobli:     "499",
		Village:   "all",
		PartyName: "KRISHNAPPA",
		FromDate:  "2003-01-01",
		ToDate:    "2024-01-01",
	}
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Jobs = map[string]JobConfig{"test_job": validJob()}
	return cfg
}

func TestValidConfig(t *testing.T) {
	if err := validConfig().Validate(); err != nil {
		t.Errorf("expected no validation errors, got: %v", err)
	}
}

func TestValidateJob_ScopeCannotSkipLevel(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(j *JobConfig)
		wantErr string
	}{
		{
			name:    "missing district",
			mutate:  func(j *JobConfig) { j.District = "" },
			wantErr: "jobs.test_job.district",
		},
		{
			name:    "hobli set without taluka",
			mutate:  func(j *JobConfig) { j.Taluka = "" },
			wantErr: "jobs.test_job.hobli",
		},
		{
			name: "village set without hobli",
			mutate: func(j *JobConfig) {
				j.Hobli = ""
				j.Village = "V1"
			},
			wantErr: "jobs.test_job.village",
		},
		{
			name:    "bad from date",
			mutate:  func(j *JobConfig) { j.FromDate = "01/01/2003" },
			wantErr: "jobs.test_job.from_date",
		},
		{
			name:    "from after to",
			mutate:  func(j *JobConfig) { j.FromDate = "2025-01-01" },
			wantErr: "from_date must not be after to_date",
		},
		{
			name:    "missing party",
			mutate:  func(j *JobConfig) { j.PartyName = " " },
			wantErr: "jobs.test_job.party_name",
		},
		{
			name:    "bad job search override",
			mutate:  func(j *JobConfig) { j.Search = &SearchConfig{SleepSeconds: -1} },
			wantErr: "jobs.test_job.search.sleep_seconds",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			job := validJob()
			tt.mutate(&job)
			cfg.Jobs["test_job"] = job

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error mentioning %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestValidateJob_AllowsUnsetTail(t *testing.T) {
	cfg := validConfig()
	cfg.Jobs["district_only"] = JobConfig{
		District:  "2",
		Village:   "all",
		PartyName: "X",
		FromDate:  "2003-01-01",
		ToDate:    "2003-01-01",
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected unset positions followed by 'all' to be valid, got: %v", err)
	}
}

func TestValidateState(t *testing.T) {
	cfg := validConfig()
	cfg.State.Driver = "postgres"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "state.driver") {
		t.Fatalf("expected driver error, got %v", err)
	}

	cfg = validConfig()
	cfg.State.Driver = "mysql"
	cfg.State.Host = ""
	err = cfg.Validate()
	var verrs ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected ValidationErrors, got %T", err)
	}
	fields := map[string]bool{}
	for _, e := range verrs {
		fields[e.Field] = true
	}
	for _, f := range []string{"state.host", "state.user", "state.database"} {
		if !fields[f] {
			t.Errorf("expected error for %s, got %v", f, verrs)
		}
	}
}

func TestValidateBounds(t *testing.T) {
	cfg := validConfig()
	cfg.Hierarchy.Concurrency = 0
	cfg.Session.LoginAttempts = 0
	cfg.Search.MaxPages = 0
	cfg.Logging.Level = "trace"
	cfg.Portal.BaseURL = "ftp://x"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected validation errors")
	}
	for _, want := range []string{
		"hierarchy.concurrency",
		"session.login_attempts",
		"search.max_pages",
		"logging.level",
		"portal.base_url",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("expected %s in: %v", want, err)
		}
	}
}

func TestValidateJob_RequiresCredentials(t *testing.T) {
	cfg := validConfig()
	err := cfg.ValidateJob("test_job")
	if err == nil || !strings.Contains(err.Error(), "credentials.username") {
		t.Fatalf("expected credentials error, got %v", err)
	}

	cfg.Credentials = CredentialsConfig{Username: "u", Password: "p"}
	if err := cfg.ValidateJob("test_job"); err != nil {
		t.Errorf("expected valid job, got %v", err)
	}

	if err := cfg.ValidateJob("missing"); err == nil {
		t.Error("expected error for unknown job")
	}
}

func TestValidationErrors_Format(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a", Message: "bad"},
		{Field: "b", Message: "worse"},
	}
	msg := errs.Error()
	if !strings.HasPrefix(msg, "validation failed:") || !strings.Contains(msg, "b: worse") {
		t.Errorf("unexpected message: %s", msg)
	}
	if (ValidationErrors{}).Error() != "" {
		t.Error("expected empty message for no errors")
	}
}
