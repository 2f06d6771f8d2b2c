package upgrade

import (
	"fmt"
	"time"
)

// StateSchemaVersion guards against loading state written by an
// incompatible release.
const StateSchemaVersion = 1

// Phase is the checkpoint marker of the execution pipeline. Phases only
// ever advance forward within a run.
type Phase string

const (
	PhaseCreated    Phase = "created"
	PhaseValidated  Phase = "validated"
	PhaseDownloaded Phase = "downloaded"
	PhaseRestored   Phase = "restored"
	PhaseUpgrading  Phase = "upgrading"
	PhasePackaged   Phase = "packaged"
	PhaseComplete   Phase = "complete"
)

var phaseOrder = map[Phase]int{
	PhaseCreated:    0,
	PhaseValidated:  1,
	PhaseDownloaded: 2,
	PhaseRestored:   3,
	PhaseUpgrading:  4,
	PhasePackaged:   5,
	PhaseComplete:   6,
}

// Reached reports whether p is at or past q in pipeline order.
func (p Phase) Reached(q Phase) bool {
	return phaseOrder[p] >= phaseOrder[q]
}

// Valid reports whether p is a known phase marker.
func (p Phase) Valid() bool {
	_, ok := phaseOrder[p]
	return ok
}

// Metadata pins the inputs a state file was created for. Resuming with
// different inputs is rejected.
type Metadata struct {
	Source        string `json:"source"`
	TargetVersion string `json:"target_version"`
	ExtraAddons   string `json:"extra_addons,omitempty"`
	SourceSHA256  string `json:"source_sha256,omitempty"`
	AddonsSHA256  string `json:"addons_sha256,omitempty"`
}

// ExecutionState is the persisted snapshot of a run: the RunContext, the
// phase marker and the ordered log of completed increments. It is written
// after every phase boundary and read back on resume.
type ExecutionState struct {
	SchemaVersion int        `json:"schema_version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
	Metadata      Metadata   `json:"metadata"`
	Run           RunContext `json:"run"`

	Phase Phase `json:"phase"`
	// Current is the in-flight increment while Phase is "upgrading".
	Current             *Increment  `json:"current_increment,omitempty"`
	CompletedIncrements []Increment `json:"completed_increments"`
	// Increments is the manifest-grade record of every executed increment,
	// retries included, carried across resumes.
	Increments     []IncrementRecord `json:"increments,omitempty"`
	CurrentVersion string            `json:"current_version,omitempty"`
	ArtifactPath   string            `json:"artifact_path,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
}

// Meta derives the resume-compatibility metadata from a run's inputs.
func (rc *RunContext) Meta() Metadata {
	return Metadata{
		Source:        rc.Source,
		TargetVersion: rc.TargetVersion,
		ExtraAddons:   rc.ExtraAddons,
		SourceSHA256:  rc.SourceSHA256,
		AddonsSHA256:  rc.AddonsSHA256,
	}
}

// NewExecutionState initializes state for a run that has not yet passed
// any phase boundary.
func NewExecutionState(meta Metadata, run RunContext) *ExecutionState {
	now := time.Now().UTC()
	return &ExecutionState{
		SchemaVersion:       StateSchemaVersion,
		CreatedAt:           now,
		UpdatedAt:           now,
		Metadata:            meta,
		Run:                 run,
		Phase:               PhaseCreated,
		CompletedIncrements: []Increment{},
	}
}

// Advance moves the phase marker forward. Moving backwards is a programming
// error surfaced as ErrStateCorrupt so it can never be persisted silently.
func (s *ExecutionState) Advance(p Phase) error {
	if !p.Valid() {
		return fmt.Errorf("%w: unknown phase %q", ErrStateCorrupt, p)
	}
	if phaseOrder[p] < phaseOrder[s.Phase] {
		return fmt.Errorf("%w: phase %q cannot regress to %q", ErrStateCorrupt, s.Phase, p)
	}
	s.Phase = p
	return nil
}

// IncrementDone reports whether inc is recorded as completed.
func (s *ExecutionState) IncrementDone(inc Increment) bool {
	for _, done := range s.CompletedIncrements {
		if done == inc {
			return true
		}
	}
	return false
}

// MarkIncrementDone appends inc to the completed log and clears the
// in-flight marker.
func (s *ExecutionState) MarkIncrementDone(inc Increment) {
	if !s.IncrementDone(inc) {
		s.CompletedIncrements = append(s.CompletedIncrements, inc)
	}
	s.Current = nil
	s.CurrentVersion = inc.To
}

// CheckResume verifies the persisted metadata matches the requested inputs.
func (s *ExecutionState) CheckResume(meta Metadata) error {
	var mismatched []string
	if s.Metadata.Source != meta.Source {
		mismatched = append(mismatched, "source")
	}
	if s.Metadata.TargetVersion != meta.TargetVersion {
		mismatched = append(mismatched, "target_version")
	}
	if s.Metadata.ExtraAddons != meta.ExtraAddons {
		mismatched = append(mismatched, "extra_addons")
	}
	if s.Metadata.SourceSHA256 != meta.SourceSHA256 {
		mismatched = append(mismatched, "source_sha256")
	}
	if s.Metadata.AddonsSHA256 != meta.AddonsSHA256 {
		mismatched = append(mismatched, "addons_sha256")
	}
	if len(mismatched) > 0 {
		return fmt.Errorf("%w: cannot resume with different inputs (mismatched: %v)",
			ErrInputInvalid, mismatched)
	}
	return nil
}
