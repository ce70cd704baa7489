package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"dmorch/pkg/authz"
	"dmorch/pkg/backend"
	"dmorch/pkg/daemon"
	"dmorch/pkg/errkind"
	"dmorch/pkg/log"
	"dmorch/pkg/manager"
	"dmorch/pkg/metrics"
	"dmorch/pkg/planner"
	"dmorch/pkg/security"
	"dmorch/pkg/types"
)

// CredentialsFunc resolves the credential set to use against a backend.
type CredentialsFunc func(b backend.Backend) (security.CredentialSet, error)

// Daemon is the Lock daemon: it admits requests at the start of each
// track, runs the archive planner for uploads, and marks the source tree
// read-only so nothing mutates it while the transfer is in flight.
type Daemon struct {
	mgr      *manager.Manager
	planner  *planner.Planner
	authz    *authz.Authorizer
	backends map[string]backend.Backend
	creds    CredentialsFunc
	logger   zerolog.Logger
	loop     *daemon.Loop
}

// NewDaemon wires a Daemon polling every interval.
func NewDaemon(mgr *manager.Manager, p *planner.Planner, a *authz.Authorizer,
	backends map[string]backend.Backend, creds CredentialsFunc, interval time.Duration) *Daemon {
	d := &Daemon{
		mgr:      mgr,
		planner:  p,
		authz:    a,
		backends: backends,
		creds:    creds,
		logger:   log.WithComponent("lock"),
	}
	d.loop = daemon.New("lock", interval, interval/4, metrics.LockCycleDuration, d.Cycle)
	return d
}

// Start begins the daemon loop.
func (d *Daemon) Start() { d.loop.Start() }

// Stop stops the daemon loop.
func (d *Daemon) Stop() { d.loop.Stop() }

// Cycle runs one pass over the start stages of all four tracks.
func (d *Daemon) Cycle() error {
	passes := []struct {
		reqType types.RequestType
		stage   types.Stage
		handle  func(*types.MigrationRequest) error
	}{
		{types.RequestPUT, types.PutStart, d.admitPut},
		{types.RequestMIGRATE, types.PutStart, d.admitPut},
		{types.RequestPUT, types.PutBuilding, d.plan},
		{types.RequestMIGRATE, types.PutBuilding, d.plan},
		{types.RequestGET, types.GetStart, d.admitGet},
		{types.RequestDELETE, types.DeleteStart, d.admitDelete},
	}

	for _, pass := range passes {
		candidates, err := d.mgr.ClaimableRequests(pass.reqType, pass.stage)
		if err != nil {
			return fmt.Errorf("list %s requests at %s: %w", pass.reqType, pass.stage, err)
		}
		for _, c := range candidates {
			req, ok, err := d.mgr.Claim(c.ID, pass.stage)
			if err != nil {
				return err
			}
			if !ok {
				continue
			}
			if err := pass.handle(req); err != nil {
				d.logger.Error().Err(err).Str("request_id", req.ID).Str("stage", pass.stage.String()).Msg("lock step failed")
			}
			if err := d.mgr.Release(req.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// lookupBackend resolves the migration and backend for a request.
func (d *Daemon) lookupBackend(req *types.MigrationRequest) (*types.Migration, backend.Backend, error) {
	mig, err := d.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return nil, nil, fmt.Errorf("load migration: %w", err)
	}
	b, ok := d.backends[mig.StorageKind]
	if !ok {
		return nil, nil, fmt.Errorf("backend %q not configured", mig.StorageKind)
	}
	return mig, b, nil
}

// admitPut gates a PUT/MIGRATE at PUT_START: roster membership, the
// backend's own permission and quota checks, and the workspace quota.
// Admission advances the request to PUT_BUILDING; the same cycle's plan
// pass usually picks it straight up.
func (d *Daemon) admitPut(req *types.MigrationRequest) error {
	mig, b, err := d.lookupBackend(req)
	if err != nil {
		return err
	}

	if err := d.authz.UserInWorkspace(req.User, mig.Workspace); err != nil {
		if errors.Is(err, authz.ErrNotAuthorized) {
			return d.mgr.MarkFailed(req, err.Error(), "")
		}
		return err
	}
	if err := d.authz.CheckPutQuota(mig.Workspace, mig.StorageKind, 0); err != nil {
		if errkind.Of(err) == errkind.QuotaExceeded {
			return d.mgr.MarkFailed(req, err.Error(), "")
		}
		return err
	}
	if failed, err := d.backendRefusesPut(mig, b); err != nil {
		return nil // backend unreachable: leave for the next tick
	} else if failed != "" {
		return d.mgr.MarkFailed(req, failed, "")
	}

	return d.mgr.Transition(req, types.PutBuilding)
}

// backendRefusesPut opens a connection and asks the backend's own roster
// and quota. A non-empty reason means refuse; an error means unreachable.
func (d *Daemon) backendRefusesPut(mig *types.Migration, b backend.Backend) (string, error) {
	creds, err := d.creds(b)
	if err != nil {
		return "", err
	}
	conn, err := b.CreateConnection(mig.User, mig.Workspace, creds, backend.ModeUpload)
	if err != nil {
		return "", err
	}
	defer b.CloseConnection(conn)
	if !b.UserHasPutPermission(conn) {
		return fmt.Sprintf("backend %s refused put permission for user %s", b.ID(), mig.User), nil
	}
	if !b.UserHasPutQuota(conn) {
		return fmt.Sprintf("backend %s reports no put quota for user %s", b.ID(), mig.User), nil
	}
	return "", nil
}

// plan runs the archive planner at PUT_BUILDING, redoes the quota check
// against the now-known total size, and write-protects the source tree.
func (d *Daemon) plan(req *types.MigrationRequest) error {
	mig, b, err := d.lookupBackend(req)
	if err != nil {
		return err
	}

	if err := d.planner.Plan(req, b); err != nil {
		return err
	}
	if req.Stage != types.PutPending {
		return nil // planner failed the request itself
	}

	total, err := d.plannedSize(mig.ID)
	if err != nil {
		return err
	}
	if err := d.authz.CheckPutQuota(mig.Workspace, mig.StorageKind, total); err != nil {
		if errkind.Of(err) == errkind.QuotaExceeded {
			return d.mgr.MarkFailed(req, err.Error(), "")
		}
		return err
	}

	mig, err = d.mgr.GetMigration(req.MigrationID) // reload: planning rewrote ownership fields
	if err != nil {
		return err
	}
	if err := writeProtect(mig.CommonPath); err != nil {
		return d.mgr.MarkFailed(req, fmt.Sprintf("write-protect source: %v", err), mig.CommonPath)
	}
	return nil
}

func (d *Daemon) plannedSize(migrationID string) (int64, error) {
	archives, err := d.mgr.Store().ListArchivesByMigration(migrationID)
	if err != nil {
		return 0, fmt.Errorf("list archives: %w", err)
	}
	var total int64
	for _, a := range archives {
		total += a.Size
	}
	return total, nil
}

// writeProtect strips the write bits from every entry under root so the
// source cannot change between planning and verification. The original
// modes are already recorded per entry; mark_failed and PUT_TIDY restore
// them.
func writeProtect(root string) error {
	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.Mode()&os.ModeSymlink != 0 {
			return nil
		}
		return os.Chmod(p, info.Mode().Perm()&^0222)
	})
}

// admitGet gates a GET at GET_START: roster membership, a target path,
// and the backend's per-batch permission.
func (d *Daemon) admitGet(req *types.MigrationRequest) error {
	mig, b, err := d.lookupBackend(req)
	if err != nil {
		return err
	}

	if err := d.authz.UserInWorkspace(req.User, mig.Workspace); err != nil {
		if errors.Is(err, authz.ErrNotAuthorized) {
			return d.mgr.MarkFailed(req, err.Error(), "")
		}
		return err
	}
	if req.TargetPath == "" {
		return d.mgr.MarkFailed(req, "no target path on GET request", "")
	}
	if mig.ExternalID == "" {
		return d.mgr.MarkFailed(req, "migration has nothing on storage to retrieve", "")
	}

	creds, err := d.creds(b)
	if err != nil {
		return fmt.Errorf("credentials for %s: %w", b.ID(), err)
	}
	conn, err := b.CreateConnection(mig.User, mig.Workspace, creds, backend.ModeDownload)
	if err != nil {
		return nil // backend unreachable: retry next tick
	}
	allowed := b.UserHasGetPermission(mig.ExternalID, conn)
	b.CloseConnection(conn)
	if !allowed {
		return d.mgr.MarkFailed(req, fmt.Sprintf("backend %s refused get permission on batch %s", b.ID(), mig.ExternalID), "")
	}

	return d.mgr.Transition(req, types.GetPending)
}

// admitDelete gates a DELETE at DELETE_START: the requester must own the
// migration or manage its workspace, and the backend must agree.
func (d *Daemon) admitDelete(req *types.MigrationRequest) error {
	mig, b, err := d.lookupBackend(req)
	if err != nil {
		return err
	}

	if err := d.authz.CanDelete(req.User, mig); err != nil {
		if errors.Is(err, authz.ErrNotAuthorized) {
			return d.mgr.MarkFailed(req, err.Error(), "")
		}
		return err
	}

	if mig.ExternalID != "" {
		creds, err := d.creds(b)
		if err != nil {
			return fmt.Errorf("credentials for %s: %w", b.ID(), err)
		}
		conn, err := b.CreateConnection(mig.User, mig.Workspace, creds, backend.ModeDelete)
		if err != nil {
			return nil // backend unreachable: retry next tick
		}
		allowed := b.UserHasDeletePermission(mig.ExternalID, conn)
		b.CloseConnection(conn)
		if !allowed {
			return d.mgr.MarkFailed(req, fmt.Sprintf("backend %s refused delete permission on batch %s", b.ID(), mig.ExternalID), "")
		}
	}

	if err := d.mgr.SetMigrationStage(mig, types.MigrationDeleting); err != nil {
		return fmt.Errorf("persist migration stage: %w", err)
	}
	return d.mgr.Transition(req, types.DeletePending)
}
