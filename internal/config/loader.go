package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// LoadFrom returns a Config loaded from the given YAML path using the
// hierarchy: defaults < YAML < ENV. The YAML file is optional unless the
// caller asked for it explicitly.
func LoadFrom(yamlPath string, required bool) (*Config, error) {
	cfg := Defaults()

	if err := loadYAML(&cfg, yamlPath, required); err != nil {
		return nil, fmt.Errorf("config yaml: %w", err)
	}

	loadEnv(&cfg)

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validate: %w", err)
	}

	return &cfg, nil
}

// loadYAML reads the YAML file and unmarshals it over cfg.
// A missing file is only an error when required.
func loadYAML(cfg *Config, path string, required bool) error {
	if path == "" {
		return nil
	}

	data, err := os.ReadFile(path) //nolint:gosec // G304: path comes from the operator
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return nil
		}
		return fmt.Errorf("read %s: %w", path, err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	return nil
}

// loadEnv overlays environment variables onto cfg.
// Only non-empty env values override the current config.
func loadEnv(cfg *Config) {
	setString(&cfg.Run.Source, "DBSHIFT_SOURCE")
	setString(&cfg.Run.TargetVersion, "DBSHIFT_TARGET_VERSION")
	setString(&cfg.Run.ExtraAddons, "DBSHIFT_EXTRA_ADDONS")
	setString(&cfg.Run.SourceSHA256, "DBSHIFT_SOURCE_SHA256")
	setString(&cfg.Run.ExtraAddonsSHA256, "DBSHIFT_EXTRA_ADDONS_SHA256")
	setBool(&cfg.Run.AllowInsecureHTTP, "DBSHIFT_ALLOW_INSECURE_HTTP")
	setDuration(&cfg.Run.DownloadTimeout, "DBSHIFT_DOWNLOAD_TIMEOUT")

	setString(&cfg.Postgres.Version, "DBSHIFT_POSTGRES_VERSION")
	setDuration(&cfg.Postgres.ReadyTimeout, "DBSHIFT_POSTGRES_READY_TIMEOUT")

	setString(&cfg.Engine.Image, "DBSHIFT_ENGINE_IMAGE")
	setString(&cfg.Engine.Repo, "DBSHIFT_ENGINE_REPO")

	setInt(&cfg.Retry.Count, "DBSHIFT_RETRY_COUNT")
	setDuration(&cfg.Retry.Backoff, "DBSHIFT_RETRY_BACKOFF")
	setDuration(&cfg.Retry.StepTimeout, "DBSHIFT_STEP_TIMEOUT")

	setString(&cfg.Audit.IndexURL, "DBSHIFT_AUDIT_INDEX_URL")
	setString(&cfg.Audit.Token, "GITHUB_TOKEN")
	setString(&cfg.Audit.Token, "DBSHIFT_AUDIT_TOKEN")
	setDuration(&cfg.Audit.Timeout, "DBSHIFT_AUDIT_TIMEOUT")

	setString(&cfg.Paths.WorkDir, "DBSHIFT_WORK_DIR")
	setString(&cfg.Paths.StateFile, "DBSHIFT_STATE_FILE")
	setString(&cfg.Paths.ManifestFile, "DBSHIFT_MANIFEST_FILE")

	setString(&cfg.Logging.Level, "DBSHIFT_LOG_LEVEL")
	setString(&cfg.Logging.File, "DBSHIFT_LOG_FILE")
}

// Validate checks invariants that hold for every command. The run inputs
// themselves (source, target version) are checked by the validation service
// once a command that needs them starts.
func Validate(cfg *Config) error {
	if cfg.Postgres.Version == "" {
		return errors.New("postgres.version is required")
	}
	if cfg.Engine.Image == "" {
		return errors.New("engine.image is required")
	}
	if cfg.Retry.Count < 0 {
		return errors.New("retry.count must be >= 0")
	}
	if cfg.Retry.Backoff < 0 {
		return errors.New("retry.backoff must be >= 0")
	}
	if cfg.Paths.StateFile == "" {
		return errors.New("paths.state_file is required")
	}
	if cfg.Paths.ManifestFile == "" {
		return errors.New("paths.manifest_file is required")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
