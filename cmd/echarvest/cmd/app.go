package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/mattn/go-runewidth"
	"github.com/olekukonko/tablewriter"

	"github.com/dbsmedya/echarvest/internal/config"
	"github.com/dbsmedya/echarvest/internal/database"
	"github.com/dbsmedya/echarvest/internal/enumerator"
	"github.com/dbsmedya/echarvest/internal/hierarchy"
	"github.com/dbsmedya/echarvest/internal/logger"
	"github.com/dbsmedya/echarvest/internal/portal"
	"github.com/dbsmedya/echarvest/internal/session"
)

// nameWidth is the display width location names are cut to in tables.
const nameWidth = 28

// app holds the components shared by commands that touch the state
// database or the portal.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	db     *database.Manager
	portal *portal.Client
	store  *hierarchy.Store
}

// openApp connects the state database and loads the location cache.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	log, err := logger.New(&cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	dbManager := database.NewManager(&cfg.State)
	if err := dbManager.Connect(ctx); err != nil {
		return nil, err
	}

	client := portal.New(&cfg.Portal, log)
	store := hierarchy.NewStore(client, hierarchy.NewSQLRepository(dbManager.State), hierarchyOptions(cfg), log)
	if err := store.Load(ctx); err != nil {
		dbManager.Close()
		return nil, err
	}

	return &app{cfg: cfg, log: log, db: dbManager, portal: client, store: store}, nil
}

func (a *app) Close() {
	if err := a.db.Close(); err != nil {
		a.log.Warnf("Failed to close state database: %v", err)
	}
	_ = a.log.Sync()
}

func hierarchyOptions(cfg *config.Config) hierarchy.Options {
	return hierarchy.Options{
		Concurrency: cfg.Hierarchy.Concurrency,
		MaxRetries:  cfg.Hierarchy.MaxRetries,
		Backoff:     cfg.Hierarchy.Backoff(),
	}
}

func sessionPolicy(cfg *config.Config) session.Policy {
	policy := session.DefaultPolicy()
	policy.LoginAttempts = cfg.Session.LoginAttempts
	policy.CaptchaMaxUses = cfg.Session.CaptchaMaxUses
	policy.CaptchaTTL = cfg.Session.CaptchaTTL()
	policy.TokenTTL = cfg.Session.TokenTTL()
	return policy
}

// scopeFor turns a job definition into a search scope.
func scopeFor(job *config.JobConfig) (enumerator.ScopeSpec, error) {
	scope, err := enumerator.ParseScope(job.District, job.Taluka, job.Hobli, job.Village,
		job.PartyName, job.FromDate, job.ToDate)
	if err != nil {
		return enumerator.ScopeSpec{}, err
	}
	return scope.WithPartyNames(job.MiddleName, job.LastName), nil
}

// truncate cuts s to the given display width. Kannada names are wider than
// their rune count suggests.
func truncate(s string, width int) string {
	return runewidth.Truncate(s, width, "…")
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetBorder(false)
	table.SetCenterSeparator("")
	table.SetAutoWrapText(false)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	return table
}
