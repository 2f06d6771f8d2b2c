// Package config provides hierarchical configuration loading for dbshift.
// Precedence: defaults < YAML file < environment variables < CLI flags.
package config

import "time"

// Config holds all runtime configuration for one upgrade run.
type Config struct {
	Run      Run      `yaml:"run"`
	Postgres Postgres `yaml:"postgres"`
	Engine   Engine   `yaml:"engine"`
	Retry    Retry    `yaml:"retry"`
	Audit    Audit    `yaml:"audit"`
	Paths    Paths    `yaml:"paths"`
	Logging  Logging  `yaml:"logging"`
}

// Run holds the upgrade inputs.
type Run struct {
	Source            string        `yaml:"source"`
	TargetVersion     string        `yaml:"target_version"`
	ExtraAddons       string        `yaml:"extra_addons"`
	SourceSHA256      string        `yaml:"source_sha256"`
	ExtraAddonsSHA256 string        `yaml:"extra_addons_sha256"`
	AllowInsecureHTTP bool          `yaml:"allow_insecure_http"`
	Resume            bool          `yaml:"resume"`
	DryRun            bool          `yaml:"dry_run"`
	DownloadTimeout   time.Duration `yaml:"download_timeout"`
}

// Postgres holds the transient database instance configuration.
type Postgres struct {
	Version      string        `yaml:"version"`       // image tag, e.g. "16"
	ReadyTimeout time.Duration `yaml:"ready_timeout"` // pg_isready polling budget
}

// Engine holds the external upgrade engine configuration.
type Engine struct {
	Image string `yaml:"image"` // base image name tagged per target major
	Repo  string `yaml:"repo"`  // migration-scripts repository cloned per version
}

// Retry holds the per-step retry policy.
type Retry struct {
	Count       int           `yaml:"count"`
	Backoff     time.Duration `yaml:"backoff"`
	StepTimeout time.Duration `yaml:"step_timeout"`
}

// Audit holds module audit configuration.
type Audit struct {
	Enabled    bool          `yaml:"enabled"`
	Strict     bool          `yaml:"strict"`
	IndexURL   string        `yaml:"index_url"` // upstream module index API base
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	ReportFile string        `yaml:"report_file"`
}

// Paths holds run-owned file locations.
type Paths struct {
	WorkDir      string `yaml:"work_dir"`
	StateFile    string `yaml:"state_file"`
	ManifestFile string `yaml:"manifest_file"`
}

// Logging holds structured logging configuration.
type Logging struct {
	Level   string `yaml:"level"`
	Service string `yaml:"service"`
	File    string `yaml:"file"`
}

// Defaults returns a Config with sensible defaults for a local run.
func Defaults() Config {
	return Config{
		Run: Run{
			DownloadTimeout: time.Minute,
		},
		Postgres: Postgres{
			Version:      "13",
			ReadyTimeout: time.Minute,
		},
		Engine: Engine{
			Image: "odoo",
			Repo:  "https://github.com/OCA/OpenUpgrade.git",
		},
		Retry: Retry{
			Count:       2,
			Backoff:     5 * time.Second,
			StepTimeout: 45 * time.Minute,
		},
		Audit: Audit{
			IndexURL:   "https://api.github.com/repos/OCA",
			Timeout:    20 * time.Second,
			ReportFile: "output/module-audit.json",
		},
		Paths: Paths{
			WorkDir:      ".",
			StateFile:    "output/run-state.json",
			ManifestFile: "output/run-manifest.json",
		},
		Logging: Logging{
			Level:   "info",
			Service: "dbshift",
		},
	}
}
