package transfer

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"dmorch/pkg/backend"
	"dmorch/pkg/daemon"
	"dmorch/pkg/log"
	"dmorch/pkg/manager"
	"dmorch/pkg/metrics"
	"dmorch/pkg/security"
	"dmorch/pkg/staging"
	"dmorch/pkg/types"
)

// CredentialsFunc resolves the credential set to use against a backend.
type CredentialsFunc func(b backend.Backend) (security.CredentialSet, error)

// Daemon is the Transfer daemon: it moves bytes for the pending stages of
// all three tracks, delegating the per-request mechanics to Driver.
type Daemon struct {
	mgr      *manager.Manager
	driver   *Driver
	staging  *staging.Manager
	backends map[string]backend.Backend
	creds    CredentialsFunc
	logger   zerolog.Logger
	loop     *daemon.Loop
}

// NewDaemon wires a Daemon polling every interval.
func NewDaemon(mgr *manager.Manager, driver *Driver, stagingMgr *staging.Manager,
	backends map[string]backend.Backend, creds CredentialsFunc, interval time.Duration) *Daemon {
	d := &Daemon{
		mgr:      mgr,
		driver:   driver,
		staging:  stagingMgr,
		backends: backends,
		creds:    creds,
		logger:   log.WithComponent("transfer"),
	}
	d.loop = daemon.New("transfer", interval, interval/4, metrics.TransferCycleDuration, d.Cycle)
	return d
}

// Start begins the daemon loop.
func (d *Daemon) Start() { d.loop.Start() }

// Stop stops the daemon loop.
func (d *Daemon) Stop() { d.loop.Stop() }

// Cycle runs one pass over the stages this daemon owns.
func (d *Daemon) Cycle() error {
	passes := []struct {
		reqType types.RequestType
		stage   types.Stage
		handle  func(*types.MigrationRequest, backend.Backend, security.CredentialSet) error
	}{
		{types.RequestPUT, types.PutPending, d.upload},
		{types.RequestMIGRATE, types.PutPending, d.upload},
		{types.RequestPUT, types.PutPacking, d.upload},
		{types.RequestMIGRATE, types.PutPacking, d.upload},
		{types.RequestPUT, types.Putting, d.resumeUpload},
		{types.RequestMIGRATE, types.Putting, d.resumeUpload},
		{types.RequestGET, types.GetPending, d.startDownload},
		{types.RequestGET, types.Getting, d.resumeDownload},
		{types.RequestDELETE, types.DeletePending, d.delete},
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
			if err := d.dispatch(req, pass.handle); err != nil {
				d.logger.Error().Err(err).Str("request_id", req.ID).Str("stage", pass.stage.String()).Msg("transfer step failed")
			}
			if err := d.mgr.Release(req.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Daemon) dispatch(req *types.MigrationRequest, handle func(*types.MigrationRequest, backend.Backend, security.CredentialSet) error) error {
	mig, err := d.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	b, ok := d.backends[mig.StorageKind]
	if !ok {
		return fmt.Errorf("backend %q not configured", mig.StorageKind)
	}
	creds, err := d.creds(b)
	if err != nil {
		return fmt.Errorf("credentials for %s: %w", b.ID(), err)
	}
	if !b.Available(creds) {
		metrics.BackendAvailable.WithLabelValues(b.ID()).Set(0)
		return nil // backend-unavailable: retry next tick
	}
	metrics.BackendAvailable.WithLabelValues(b.ID()).Set(1)
	return handle(req, b, creds)
}

func (d *Daemon) upload(req *types.MigrationRequest, b backend.Backend, creds security.CredentialSet) error {
	return d.driver.Upload(req, b, creds)
}

// resumeUpload picks up pack-required requests that the Pack daemon left
// at PUTTING with their tars staged but not yet streamed. Driver.Upload
// skips any whose resumption counter shows bytes already moved.
func (d *Daemon) resumeUpload(req *types.MigrationRequest, b backend.Backend, creds security.CredentialSet) error {
	if !b.PackData() {
		return nil // a non-packing upload never parks at PUTTING unlocked
	}
	return d.driver.Upload(req, b, creds)
}

func (d *Daemon) startDownload(req *types.MigrationRequest, b backend.Backend, creds security.CredentialSet) error {
	if err := d.mgr.Transition(req, types.Getting); err != nil {
		return err
	}
	return d.download(req, b, creds)
}

// resumeDownload retries a retrieval interrupted before its first byte
// moved; one already streamed waits on Monitor.
func (d *Daemon) resumeDownload(req *types.MigrationRequest, b backend.Backend, creds security.CredentialSet) error {
	if req.LastArchive > 0 {
		return nil
	}
	return d.download(req, b, creds)
}

// download resolves where bytes land: the request's target path, or the
// migration's staging directory when the backend ships packed tars that
// the Pack daemon will unpack into the target path afterwards.
func (d *Daemon) download(req *types.MigrationRequest, b backend.Backend, creds security.CredentialSet) error {
	targetDir := req.TargetPath
	if b.PackData() {
		mig, err := d.mgr.GetMigration(req.MigrationID)
		if err != nil {
			return fmt.Errorf("load migration: %w", err)
		}
		stagingDir, err := d.staging.StagingDir(mig.ID)
		if err != nil {
			return fmt.Errorf("staging dir: %w", err)
		}
		targetDir = stagingDir
	}
	return d.driver.Download(req, b, creds, targetDir)
}

func (d *Daemon) delete(req *types.MigrationRequest, b backend.Backend, creds security.CredentialSet) error {
	return d.driver.Delete(req, b, creds)
}
