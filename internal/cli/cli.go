// Package cli wires the dbshift commands: run, plan, audit and version.
package cli

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/dbshift/dbshift/internal/adapter/docker"
	"github.com/dbshift/dbshift/internal/config"
	"github.com/dbshift/dbshift/internal/domain/upgrade"
	"github.com/dbshift/dbshift/internal/logger"
	"github.com/dbshift/dbshift/internal/service"
	"github.com/dbshift/dbshift/internal/state"
)

// Version is stamped at build time via -ldflags.
var Version = "dev"

type rootOptions struct {
	configFile string
	logLevel   string
	workDir    string

	cfg      config.Config
	log      *slog.Logger
	closeLog func() error
}

// NewRootCommand builds the dbshift command tree.
func NewRootCommand() *cobra.Command {
	o := &rootOptions{}

	root := &cobra.Command{
		Use:           "dbshift",
		Short:         "Upgrade a database across major versions, one version at a time",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return o.complete(cmd)
		},
		PersistentPostRunE: func(*cobra.Command, []string) error {
			if o.closeLog != nil {
				return o.closeLog()
			}
			return nil
		},
	}

	root.PersistentFlags().StringVarP(&o.configFile, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&o.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVarP(&o.workDir, "workdir", "w", "", "working directory for run artifacts")

	root.AddCommand(
		newRunCommand(o),
		newPlanCommand(o),
		newAuditCommand(o),
		newVersionCommand(),
	)
	return root
}

// complete loads configuration and initializes logging. Flag values
// override whatever the file and environment provided.
func (o *rootOptions) complete(cmd *cobra.Command) error {
	cfg, err := config.LoadFrom(o.configFile, o.configFile != "")
	if err != nil {
		return err
	}
	o.cfg = *cfg

	if cmd.Flags().Changed("log-level") {
		o.cfg.Logging.Level = o.logLevel
	}
	if cmd.Flags().Changed("workdir") {
		o.cfg.Paths.WorkDir = o.workDir
	}

	log, closeLog, err := logger.New(o.cfg.Logging)
	if err != nil {
		return err
	}
	o.log = log
	o.closeLog = closeLog
	return nil
}

// runContext assembles the domain run context from resolved configuration.
func (o *rootOptions) runContext() (*upgrade.RunContext, error) {
	cfg := o.cfg
	rc, err := upgrade.NewRunContext(cfg.Paths.WorkDir, upgrade.Options{
		PostgresVersion:   cfg.Postgres.Version,
		EngineImage:       cfg.Engine.Image,
		EngineRepo:        cfg.Engine.Repo,
		AllowInsecureHTTP: cfg.Run.AllowInsecureHTTP,
		DownloadTimeout:   cfg.Run.DownloadTimeout,
		ReadyTimeout:      cfg.Postgres.ReadyTimeout,
		Retry: upgrade.RetryPolicy{
			RetryCount:  cfg.Retry.Count,
			Backoff:     cfg.Retry.Backoff,
			StepTimeout: cfg.Retry.StepTimeout,
		},
		AuditModules: cfg.Audit.Enabled,
		StrictAudit:  cfg.Audit.Strict,
	})
	if err != nil {
		return nil, err
	}

	rc.Source = cfg.Run.Source
	rc.TargetVersion = cfg.Run.TargetVersion
	rc.ExtraAddons = cfg.Run.ExtraAddons

	rc.SourceSHA256, err = service.NormalizeSHA256(cfg.Run.SourceSHA256, "source_sha256")
	if err != nil {
		return nil, err
	}
	rc.AddonsSHA256, err = service.NormalizeSHA256(cfg.Run.ExtraAddonsSHA256, "extra_addons_sha256")
	if err != nil {
		return nil, err
	}
	return rc, nil
}

// orchestrator wires the full service graph for a real run.
func (o *rootOptions) orchestrator() *service.Orchestrator {
	cfg := o.cfg
	engine := docker.NewEngine(o.log)
	validator := service.NewValidator(o.log, nil, cfg.Run.AllowInsecureHTTP)
	httpClient := &http.Client{Timeout: cfg.Run.DownloadTimeout}
	auditClient := &http.Client{Timeout: cfg.Audit.Timeout}

	return service.NewOrchestrator(service.OrchestratorDeps{
		Log:          o.log,
		Runtime:      engine,
		Database:     service.NewDatabaseService(o.log, engine),
		Steps:        service.NewStepRunner(o.log, engine, nil),
		Validator:    validator,
		Fetcher:      service.NewFetcher(o.log, httpClient, validator),
		Auditor:      service.NewAuditor(o.log, auditClient, cfg.Audit.IndexURL, cfg.Audit.Token),
		Store:        state.NewStore(o.resolvePath(cfg.Paths.StateFile)),
		ManifestPath: o.resolvePath(cfg.Paths.ManifestFile),
		AuditPath:    o.resolvePath(cfg.Audit.ReportFile),
	})
}

// resolvePath anchors relative configured paths at the working directory.
func (o *rootOptions) resolvePath(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(o.cfg.Paths.WorkDir, p)
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Args:  cobra.NoArgs,
		Run: func(*cobra.Command, []string) {
			fmt.Fprintln(os.Stdout, Version)
		},
	}
}
