package backup

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var (
	ErrProcedureNotFound    = errors.New("dr procedure not found")
	ErrNotAwaitingConfirm   = errors.New("dr procedure is not awaiting confirmation")
	ErrUnknownProcedureType = errors.New("unknown dr procedure type")
)

// ProcedureType selects one of the staged disaster-recovery playbooks.
type ProcedureType string

const (
	ProcedureTotalNodeLoss      ProcedureType = "total_node_loss"
	ProcedureCorruptionDetected ProcedureType = "corruption_detection"
	ProcedureOldSnapshotRestore ProcedureType = "old_snapshot_restore"
	ProcedureControlledRollback ProcedureType = "controlled_rollback"
)

// StepStatus is the lifecycle of one procedure step.
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepRolledBack StepStatus = "rolled_back"
)

// Step is one unit of a procedure.
type Step struct {
	Name        string     `json:"name"`
	Status      StepStatus `json:"status"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	Error       string     `json:"error,omitempty"`
}

// Procedure tracks one DR run. Operator confirmation is required between the
// automated preparation phase and the effective restore phase.
type Procedure struct {
	ProcedureID string        `json:"procedureId"`
	Type        ProcedureType `json:"type"`
	Status      string        `json:"status"` // in_progress | awaiting_confirmation | completed | failed
	TenantID    string        `json:"tenantId"`
	BackupID    string        `json:"backupId,omitempty"`
	Steps       []Step        `json:"steps"`
	StartedAt   time.Time     `json:"startedAt"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Notes       []string      `json:"notes,omitempty"`

	prepared int // number of preparation steps; execution starts after them
}

// Hooks are the operations DR steps delegate to. The HTTP layer wires these
// to the backup/restore services and the tenant runtime.
type Hooks struct {
	// LocateLatest finds the newest usable backup for a tenant.
	LocateLatest func(ctx context.Context, tenantID string) (backupID string, err error)
	// VerifyBackup runs full integrity verification.
	VerifyBackup func(ctx context.Context, backupID string) error
	// DryRunRestore applies the snapshot without mutating anything.
	DryRunRestore func(ctx context.Context, tenantID, backupID string) error
	// ExecuteRestore performs the effective append-only restore.
	ExecuteRestore func(ctx context.Context, tenantID, backupID string) error
	// VerifyChain checks the tenant's live event chain after restore.
	VerifyChain func(ctx context.Context, tenantID string) error
}

// ProgressFunc observes procedure transitions. May be nil.
type ProgressFunc func(p Procedure)

// stepPlan names the preparation and execution steps per procedure type.
var stepPlans = map[ProcedureType]struct{ prepare, execute []string }{
	ProcedureTotalNodeLoss: {
		prepare: []string{"locate_latest_backup", "verify_backup_integrity", "dry_run_restore"},
		execute: []string{"effective_restore", "verify_event_chain"},
	},
	ProcedureCorruptionDetected: {
		prepare: []string{"verify_event_chain", "locate_latest_backup", "verify_backup_integrity", "dry_run_restore"},
		execute: []string{"effective_restore", "verify_event_chain"},
	},
	ProcedureOldSnapshotRestore: {
		prepare: []string{"verify_backup_integrity", "dry_run_restore"},
		execute: []string{"effective_restore"},
	},
	ProcedureControlledRollback: {
		prepare: []string{"verify_backup_integrity", "dry_run_restore"},
		execute: []string{"effective_restore", "verify_event_chain"},
	},
}

// DRService runs staged disaster-recovery procedures.
type DRService struct {
	hooks    Hooks
	progress ProgressFunc

	mu         sync.Mutex
	procedures map[string]*Procedure
}

func NewDRService(hooks Hooks, progress ProgressFunc) *DRService {
	return &DRService{
		hooks:      hooks,
		progress:   progress,
		procedures: make(map[string]*Procedure),
	}
}

// cloneProcedure copies a procedure so readers and progress callbacks never
// share slices with the live record.
func cloneProcedure(p *Procedure) Procedure {
	cp := *p
	cp.Steps = make([]Step, len(p.Steps))
	copy(cp.Steps, p.Steps)
	cp.Notes = append([]string(nil), p.Notes...)
	return cp
}

func (s *DRService) notify(cp Procedure) {
	if s.progress != nil {
		s.progress(cp)
	}
}

// Start creates a procedure and runs its preparation phase synchronously.
// On success the procedure waits for operator confirmation; any failed
// preparation step fails the whole procedure.
//
// The live record is only ever touched under s.mu so Get and List can be
// polled while a procedure runs; the hooks themselves run unlocked.
func (s *DRService) Start(ctx context.Context, ptype ProcedureType, tenantID, backupID string) (*Procedure, error) {
	plan, ok := stepPlans[ptype]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProcedureType, ptype)
	}

	p := &Procedure{
		ProcedureID: uuid.NewString(),
		Type:        ptype,
		Status:      "in_progress",
		TenantID:    tenantID,
		BackupID:    backupID,
		StartedAt:   time.Now().UTC(),
	}
	for _, name := range plan.prepare {
		p.Steps = append(p.Steps, Step{Name: name, Status: StepPending})
	}
	for _, name := range plan.execute {
		p.Steps = append(p.Steps, Step{Name: name, Status: StepPending})
	}
	p.prepared = len(plan.prepare)

	s.mu.Lock()
	s.procedures[p.ProcedureID] = p
	cp := cloneProcedure(p)
	s.mu.Unlock()
	s.notify(cp)

	for i := 0; i < len(plan.prepare); i++ {
		if err := s.runStep(ctx, p, i); err != nil {
			s.finish(p, "failed", fmt.Sprintf("preparation failed: %v", err))
			return s.snapshot(p.ProcedureID)
		}
	}

	s.mu.Lock()
	p.Status = "awaiting_confirmation"
	p.Notes = append(p.Notes, "preparation complete, operator confirmation required before effective restore")
	cp = cloneProcedure(p)
	s.mu.Unlock()
	s.notify(cp)
	log.Info().Str("procedure_id", p.ProcedureID).Str("type", string(ptype)).Msg("dr procedure awaiting confirmation")
	return s.snapshot(p.ProcedureID)
}

// Confirm resumes a prepared procedure and runs its execution phase. The
// status check and the transition to in_progress happen atomically, so of two
// racing confirms exactly one runs the execution phase.
func (s *DRService) Confirm(ctx context.Context, procedureID string) (*Procedure, error) {
	s.mu.Lock()
	p, ok := s.procedures[procedureID]
	if !ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotFound, procedureID)
	}
	if p.Status != "awaiting_confirmation" {
		status := p.Status
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: status is %s", ErrNotAwaitingConfirm, status)
	}
	p.Status = "in_progress"
	p.Notes = append(p.Notes, "operator confirmed at "+time.Now().UTC().Format(time.RFC3339))
	first, total := p.prepared, len(p.Steps)
	cp := cloneProcedure(p)
	s.mu.Unlock()
	s.notify(cp)

	for i := first; i < total; i++ {
		if err := s.runStep(ctx, p, i); err != nil {
			// Steps after a failed effective restore are marked rolled back:
			// the append-only engine leaves pre-existing state untouched.
			s.mu.Lock()
			for j := i + 1; j < len(p.Steps); j++ {
				p.Steps[j].Status = StepRolledBack
			}
			s.mu.Unlock()
			s.finish(p, "failed", fmt.Sprintf("execution failed: %v", err))
			return s.snapshot(procedureID)
		}
	}
	s.finish(p, "completed", "procedure completed")
	return s.snapshot(procedureID)
}

// Get returns a copy of the procedure.
func (s *DRService) Get(procedureID string) (*Procedure, error) {
	return s.snapshot(procedureID)
}

// List returns copies of all procedures.
func (s *DRService) List() []Procedure {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Procedure, 0, len(s.procedures))
	for _, p := range s.procedures {
		out = append(out, cloneProcedure(p))
	}
	return out
}

func (s *DRService) snapshot(id string) (*Procedure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.procedures[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProcedureNotFound, id)
	}
	cp := cloneProcedure(p)
	return &cp, nil
}

func (s *DRService) finish(p *Procedure, status, note string) {
	s.mu.Lock()
	now := time.Now().UTC()
	p.Status = status
	p.CompletedAt = &now
	p.Notes = append(p.Notes, note)
	cp := cloneProcedure(p)
	s.mu.Unlock()
	s.notify(cp)
	log.Info().Str("procedure_id", p.ProcedureID).Str("status", status).Msg("dr procedure finished")
}

// runStep marks the step in progress, runs its hook outside the lock, and
// records the outcome.
func (s *DRService) runStep(ctx context.Context, p *Procedure, i int) error {
	s.mu.Lock()
	now := time.Now().UTC()
	p.Steps[i].Status = StepInProgress
	p.Steps[i].StartedAt = &now
	name := p.Steps[i].Name
	tenantID, backupID := p.TenantID, p.BackupID
	cp := cloneProcedure(p)
	s.mu.Unlock()
	s.notify(cp)

	located, err := s.execStep(ctx, name, tenantID, backupID)

	s.mu.Lock()
	done := time.Now().UTC()
	p.Steps[i].CompletedAt = &done
	if err != nil {
		p.Steps[i].Status = StepFailed
		p.Steps[i].Error = err.Error()
	} else {
		p.Steps[i].Status = StepCompleted
		if located != "" {
			p.BackupID = located
		}
	}
	cp = cloneProcedure(p)
	s.mu.Unlock()
	s.notify(cp)
	return err
}

// execStep dispatches one named step to its hook. It returns the backup id
// the locate step resolved, empty otherwise.
func (s *DRService) execStep(ctx context.Context, name, tenantID, backupID string) (string, error) {
	switch name {
	case "locate_latest_backup":
		if backupID != "" {
			return "", nil
		}
		return s.hooks.LocateLatest(ctx, tenantID)
	case "verify_backup_integrity":
		return "", s.hooks.VerifyBackup(ctx, backupID)
	case "dry_run_restore":
		return "", s.hooks.DryRunRestore(ctx, tenantID, backupID)
	case "effective_restore":
		return "", s.hooks.ExecuteRestore(ctx, tenantID, backupID)
	case "verify_event_chain":
		return "", s.hooks.VerifyChain(ctx, tenantID)
	}
	return "", fmt.Errorf("unknown step: %s", name)
}
