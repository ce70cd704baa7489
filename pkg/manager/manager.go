package manager

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"dmorch/pkg/staging"
	"dmorch/pkg/storage"
	"dmorch/pkg/types"
)

// Manager is the business-logic layer every daemon talks to instead of the
// store directly. It enforces the invariants a bare CRUD store cannot:
// monotone stage transitions, the mark-failed side effects, and quota
// bookkeeping.
type Manager struct {
	store  storage.Store
	log    zerolog.Logger
	daemon string
}

// New creates a Manager. daemon names the calling daemon, used only to
// label claim-contention metrics.
func New(store storage.Store, daemon string) *Manager {
	return &Manager{
		store:  store,
		log:    zerologComponent(daemon),
		daemon: daemon,
	}
}

// CreateMigration persists a new migration row with a generated ID.
// sourcePath is the user-supplied directory the Lock daemon will later
// walk; it is stored provisionally as CommonPath and confirmed (not
// relocated) once planning completes.
func (m *Manager) CreateMigration(user, workspace, label, storageKind, sourcePath string) (*types.Migration, error) {
	if existing, err := m.store.GetMigrationByOriginalPath(sourcePath); err == nil && existing != nil {
		return nil, fmt.Errorf("source path %q is already registered to migration %s", sourcePath, existing.ID)
	}
	mig := &types.Migration{
		ID:           uuid.New().String(),
		User:         user,
		Workspace:    workspace,
		Label:        label,
		StorageKind:  storageKind,
		RegisteredAt: time.Now(),
		Stage:        types.MigrationOnDisk,
		CommonPath:   sourcePath,
	}
	if err := m.store.CreateMigration(mig); err != nil {
		return nil, fmt.Errorf("create migration: %w", err)
	}
	return mig, nil
}

// GetMigration returns a migration by id.
func (m *Manager) GetMigration(id string) (*types.Migration, error) {
	return m.store.GetMigration(id)
}

// SetMigrationStage persists a migration's coarse lifecycle stage. Per
// the lifecycle rules, stage may only decrease toward FAILED, never back
// to ON_DISK;
// callers are responsible for choosing a legal next stage, this only
// persists it.
func (m *Manager) SetMigrationStage(mig *types.Migration, stage types.MigrationStage) error {
	mig.Stage = stage
	return m.store.UpdateMigration(mig)
}

// CreateRequest persists a new request row at its track's start stage.
func (m *Manager) CreateRequest(user string, reqType types.RequestType, migrationID string) (*types.MigrationRequest, error) {
	var start types.Stage
	switch reqType {
	case types.RequestPUT, types.RequestMIGRATE:
		start = types.PutStart
	case types.RequestGET:
		start = types.GetStart
	case types.RequestDELETE:
		start = types.DeleteStart
	default:
		return nil, fmt.Errorf("unknown request type %q", reqType)
	}
	now := time.Now()
	req := &types.MigrationRequest{
		ID:               uuid.New().String(),
		User:             user,
		Type:             reqType,
		MigrationID:      migrationID,
		Stage:            start,
		RegisteredAt:     now,
		LastTransitionAt: now,
	}
	if err := m.store.CreateRequest(req); err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

// ClaimableRequests lists requests of a given type sitting, unlocked or
// not, at wantStage — daemons filter the unlocked ones client-side after
// attempting a claim, since listing is a read and claiming is the only
// place contention matters.
func (m *Manager) ClaimableRequests(reqType types.RequestType, wantStage types.Stage) ([]*types.MigrationRequest, error) {
	return m.store.ListRequestsByStage(reqType, wantStage)
}

// Claim attempts the conditional locked=false->true update. ok is false if
// another daemon won the race or the request had already moved on.
func (m *Manager) Claim(id string, wantStage types.Stage) (req *types.MigrationRequest, ok bool, err error) {
	req, ok, err = m.store.ClaimRequest(id, wantStage)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		contentionTotal(m.daemon)
		return nil, false, nil
	}
	req.LastTransitionAt = time.Now()
	if err := m.store.UpdateRequest(req); err != nil {
		return nil, false, fmt.Errorf("persist claim timestamp: %w", err)
	}
	return req, true, nil
}

// StuckRequests returns every locked request whose LastTransitionAt is
// older than olderThan, across all types and stages. Used by the Monitor
// daemon's watchdog sweep; it does not unlock anything, only reports.
func (m *Manager) StuckRequests(olderThan time.Duration) ([]*types.MigrationRequest, error) {
	all, err := m.store.ListRequests()
	if err != nil {
		return nil, fmt.Errorf("list requests: %w", err)
	}
	cutoff := time.Now().Add(-olderThan)
	var stuck []*types.MigrationRequest
	for _, req := range all {
		if req.Locked && req.Stage != types.Failed && req.Stage != types.FailedCompleted &&
			req.LastTransitionAt.Before(cutoff) {
			stuck = append(stuck, req)
		}
	}
	return stuck, nil
}

// Release unconditionally clears locked on a request, returning it to the
// pool of claimable work.
func (m *Manager) Release(id string) error {
	return m.store.ReleaseRequest(id)
}

// Transition advances a claimed request's stage. The caller must hold the
// claim (locked=true); Transition does not itself unlock — daemons release
// explicitly once they are done with the request, even on a mid-pipeline
// stage, so another daemon family can pick it up.
func (m *Manager) Transition(req *types.MigrationRequest, to types.Stage) error {
	if !types.IsMonotone(req.Type, req.Stage, to) {
		return fmt.Errorf("illegal transition for %s request %s: %s -> %s", req.Type, req.ID, req.Stage, to)
	}
	req.Stage = to
	req.LastTransitionAt = time.Now()
	if err := m.store.UpdateRequest(req); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}
	return nil
}

// MarkFailed implements the failure semantics of the request tracks: set
// stage=FAILED, record the reason, and for upload-direction requests (PUT
// and MIGRATE) also fail the parent migration and restore the source
// tree's original ownership so the user regains access. Read-direction
// requests (GET, DELETE) leave the migration untouched. The request is
// unlocked unconditionally as the final step.
func (m *Manager) MarkFailed(req *types.MigrationRequest, reason string, restoreRoot string) error {
	req.Stage = types.Failed
	req.FailureReason = reason
	if err := m.store.UpdateRequest(req); err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}
	failedTotal(string(req.Type))

	if req.Type == types.RequestPUT || req.Type == types.RequestMIGRATE {
		mig, err := m.store.GetMigration(req.MigrationID)
		if err != nil {
			return fmt.Errorf("load migration for failure side effect: %w", err)
		}
		mig.Stage = types.MigrationFailed
		mig.FailureReason = reason
		if err := m.store.UpdateMigration(mig); err != nil {
			return fmt.Errorf("persist migration failure: %w", err)
		}
		if restoreRoot != "" {
			if err := staging.RestoreOwnership(restoreRoot, mig.OriginalUID, mig.OriginalGID, mig.OriginalMode); err != nil {
				m.log.Warn().Err(err).Str("path", restoreRoot).Msg("failed to restore source ownership after marking request failed")
			}
		}
	}

	return m.store.ReleaseRequest(req.ID)
}

// EnsureQuota creates a zero-usage quota row if one doesn't exist yet and
// returns the current quota for (workspace, storageKind).
func (m *Manager) EnsureQuota(workspace, storageKind string, totalBytes int64) (*types.StorageQuota, error) {
	q, err := m.store.GetStorageQuota(workspace, storageKind)
	if err == storage.ErrNotFound {
		q = &types.StorageQuota{Workspace: workspace, StorageKind: storageKind, TotalBytes: totalBytes}
		if err := m.store.PutStorageQuota(q); err != nil {
			return nil, err
		}
		return q, nil
	}
	if err != nil {
		return nil, err
	}
	return q, nil
}

// AddQuotaUsage adjusts used bytes for (workspace, storageKind) by delta
// (negative on DELETE) and persists the result. Called after every
// successful PUT and DELETE.
func (m *Manager) AddQuotaUsage(workspace, storageKind string, delta int64) error {
	q, err := m.store.GetStorageQuota(workspace, storageKind)
	if err != nil {
		return fmt.Errorf("load quota: %w", err)
	}
	q.UsedBytes += delta
	if q.UsedBytes < 0 {
		q.UsedBytes = 0
	}
	return m.store.PutStorageQuota(q)
}

// Store exposes the underlying store for daemon code (planner, pack,
// transfer, monitor, verify) that needs entity access beyond what Manager
// wraps, e.g. archive and file CRUD, reads and writes alike. Keeping it accessible avoids duplicating every store
// method on Manager.
func (m *Manager) Store() storage.Store {
	return m.store
}
