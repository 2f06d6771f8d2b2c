package upgrade

import "time"

// IncrementRecord is the manifest entry for one executed version increment.
type IncrementRecord struct {
	From      string  `json:"from"`
	To        string  `json:"to"`
	DurationS float64 `json:"duration_s"`
	Outcome   string  `json:"outcome"` // "success" or "failed"
	Attempts  int     `json:"attempts"`
}

// AuditSummary is the manifest's condensed view of a module audit pass.
type AuditSummary struct {
	InstalledModules int      `json:"installed_modules"`
	CheckedModules   int      `json:"checked_modules"`
	MissingModules   []string `json:"missing_modules"`
	ReportPath       string   `json:"report_path,omitempty"`
}

// Manifest is the append-only, written-once-at-end audit record of a run.
// It is emitted on normal or handled-failure completion and never mutated
// after emission.
type Manifest struct {
	RunID        string            `json:"run_id"`
	Status       string            `json:"status"` // "success" or "failed"
	StartedAt    time.Time         `json:"started_at"`
	EndedAt      time.Time         `json:"ended_at"`
	Source       string            `json:"source"`
	TargetVer    string            `json:"target_version"`
	Increments   []IncrementRecord `json:"increments"`
	RetriesUsed  int               `json:"retries_used"`
	ArtifactPath string            `json:"artifact_path,omitempty"`
	ModuleAudit  *AuditSummary     `json:"module_audit"`
	Error        string            `json:"error,omitempty"`
}
