// Package upgrade defines the domain model for a containerized major-version
// database upgrade run: run context, execution state, retry policy, step
// outcomes and the end-of-run manifest.
package upgrade

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Error taxonomy. Input and state errors are fatal before any runtime
// resource is provisioned; transient errors are retried per policy;
// permanent errors abort immediately.
var (
	ErrInputInvalid = errors.New("invalid input")
	ErrStateCorrupt = errors.New("corrupt execution state")
	ErrDetection    = errors.New("version detection failed")
	ErrNoProgress   = errors.New("upgrade did not advance the version marker")
)

// Increment is one major version step, the atomic unit of the upgrade loop.
type Increment struct {
	From string `json:"from"`
	To   string `json:"to"`
}

func (i Increment) String() string {
	return i.From + "->" + i.To
}

// RetryPolicy controls how a failed step is retried. Immutable per run.
// RetryCount is the number of retries, so a step runs at most RetryCount+1 times.
type RetryPolicy struct {
	RetryCount  int
	Backoff     time.Duration
	StepTimeout time.Duration
}

// MaxAttempts returns the total attempt budget for one step.
func (p RetryPolicy) MaxAttempts() int {
	if p.RetryCount < 0 {
		return 1
	}
	return p.RetryCount + 1
}

// Options bundles resolved runtime options for a run.
type Options struct {
	PostgresVersion   string
	EngineImage       string
	EngineRepo        string
	AllowInsecureHTTP bool
	DownloadTimeout   time.Duration
	ReadyTimeout      time.Duration
	Retry             RetryPolicy
	AuditModules      bool
	StrictAudit       bool
}

// Credentials are the ephemeral database credentials for one run.
// They are generated fresh per run and must never be logged in cleartext.
type Credentials struct {
	User     string `json:"user"`
	Password string `json:"password"`
}

// RunContext is the aggregate root of one execution: identity, isolation
// names, credentials and working paths. Owned exclusively by the orchestrator
// for the duration of the run; one RunContext maps to one isolated set of
// container resources.
type RunContext struct {
	RunID string `json:"run_id"`

	Source       string `json:"source"`
	LocalSource  string `json:"local_source,omitempty"`
	SourceFormat string `json:"source_format,omitempty"` // "sql" or "binary"
	ExtraAddons  string `json:"extra_addons,omitempty"`
	SourceSHA256 string `json:"source_sha256,omitempty"`
	AddonsSHA256 string `json:"addons_sha256,omitempty"`

	TargetVersion  string `json:"target_version"`
	CurrentVersion string `json:"current_version,omitempty"`

	NetworkName       string      `json:"network_name"`
	DBContainerName   string      `json:"db_container_name"`
	StepContainerName string      `json:"step_container_name"`
	VolumeName        string      `json:"volume_name"`
	Credentials       Credentials `json:"credentials"`
	BootstrapDB       string      `json:"bootstrap_db"`
	TargetDatabase    string      `json:"target_database"`
	HostPort          int         `json:"host_port,omitempty"`

	WorkDir      string `json:"work_dir"`
	SourceDir    string `json:"source_dir"`
	OutputDir    string `json:"output_dir"`
	FilestoreDir string `json:"filestore_dir"`
	AddonsDir    string `json:"addons_dir"`
	CacheDir     string `json:"cache_dir"`

	Options Options `json:"-"`
}

// NewRunContext builds a fresh RunContext with unique per-run resource names
// and ephemeral credentials, rooted at workDir.
func NewRunContext(workDir string, opts Options) (*RunContext, error) {
	runID := uuid.NewString()[:10]
	prefix := "dbshift_" + runID

	secret := make([]byte, 16)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate credentials: %w", err)
	}

	outputDir := filepath.Join(workDir, "output")
	return &RunContext{
		RunID:             runID,
		NetworkName:       prefix + "_net",
		DBContainerName:   prefix + "_db",
		StepContainerName: prefix + "_step",
		VolumeName:        prefix + "_pgdata",
		Credentials: Credentials{
			User:     "upgrade_" + runID[:8],
			Password: hex.EncodeToString(secret),
		},
		BootstrapDB:    "bootstrap",
		TargetDatabase: "database",
		WorkDir:        workDir,
		SourceDir:      filepath.Join(workDir, "source"),
		OutputDir:      outputDir,
		FilestoreDir:   filepath.Join(outputDir, "filestore"),
		AddonsDir:      filepath.Join(outputDir, "custom_addons"),
		CacheDir:       filepath.Join(outputDir, ".cache", "engine"),
		Options:        opts,
	}, nil
}

// StepOutcome captures one engine invocation for a single increment.
type StepOutcome struct {
	ExitCode int
	Output   string
	Class    FailureClass
}

// StepError wraps a failed step attempt so the retry layer can inspect
// its classification with errors.As.
type StepError struct {
	Increment Increment
	Outcome   StepOutcome
}

func (e *StepError) Error() string {
	return fmt.Sprintf("upgrade step %s failed (exit %d, %s)",
		e.Increment, e.Outcome.ExitCode, e.Outcome.Class)
}

// IsTransient reports whether err carries a transient step failure, making
// it eligible for retry. Anything unclassified defaults to permanent.
func IsTransient(err error) bool {
	var stepErr *StepError
	if errors.As(err, &stepErr) {
		return stepErr.Outcome.Class == Transient
	}
	return false
}
