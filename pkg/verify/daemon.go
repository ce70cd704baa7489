package verify

import (
	"fmt"
	"time"

	"dmorch/pkg/backend"
	"dmorch/pkg/daemon"
	"dmorch/pkg/manager"
	"dmorch/pkg/metrics"
	"dmorch/pkg/security"
	"dmorch/pkg/staging"
	"dmorch/pkg/transfer"
	"dmorch/pkg/types"
)

// CredentialsFunc resolves the credential set to use against a backend.
// Supplied by the daemon binary, which owns the sealed credentials file
// and the site key.
type CredentialsFunc func(b backend.Backend) (security.CredentialSet, error)

// Daemon is the Verify/Tidy daemon: it owns every stage from
// VERIFY_PENDING to the three track-completion stages, plus the terminal
// FAILED acknowledgement.
type Daemon struct {
	mgr      *manager.Manager
	verifier *Verifier
	driver   *transfer.Driver
	staging  *staging.Manager
	backends map[string]backend.Backend
	creds    CredentialsFunc
	loop     *daemon.Loop
}

// NewDaemon wires a Daemon polling every interval.
func NewDaemon(mgr *manager.Manager, verifier *Verifier, driver *transfer.Driver, stagingMgr *staging.Manager,
	backends map[string]backend.Backend, creds CredentialsFunc, interval time.Duration) *Daemon {
	d := &Daemon{
		mgr:      mgr,
		verifier: verifier,
		driver:   driver,
		staging:  stagingMgr,
		backends: backends,
		creds:    creds,
	}
	d.loop = daemon.New("verify", interval, interval/4, metrics.VerifyCycleDuration, d.Cycle)
	return d
}

// Start begins the daemon loop.
func (d *Daemon) Start() { d.loop.Start() }

// Stop stops the daemon loop.
func (d *Daemon) Stop() { d.loop.Stop() }

// Cycle runs one pass over every stage this daemon owns.
func (d *Daemon) Cycle() error {
	passes := []struct {
		reqType types.RequestType
		stage   types.Stage
		handle  func(*types.MigrationRequest) error
	}{
		{types.RequestPUT, types.VerifyPending, d.startVerifyDownload},
		{types.RequestMIGRATE, types.VerifyPending, d.startVerifyDownload},
		{types.RequestPUT, types.VerifyGetting, d.resumeVerifyDownload},
		{types.RequestMIGRATE, types.VerifyGetting, d.resumeVerifyDownload},
		{types.RequestPUT, types.Verifying, d.verifier.Verify},
		{types.RequestMIGRATE, types.Verifying, d.verifier.Verify},
		{types.RequestPUT, types.PutTidy, d.verifier.TidyPut},
		{types.RequestMIGRATE, types.PutTidy, d.verifier.TidyPut},
		{types.RequestGET, types.GetRestore, d.verifier.RestoreGet},
		{types.RequestGET, types.GetTidy, d.verifier.TidyGet},
		{types.RequestDELETE, types.DeleteTidy, d.verifier.TidyDelete},
		{types.RequestPUT, types.Failed, d.verifier.TidyFailed},
		{types.RequestMIGRATE, types.Failed, d.verifier.TidyFailed},
		{types.RequestGET, types.Failed, d.verifier.TidyFailed},
		{types.RequestDELETE, types.Failed, d.verifier.TidyFailed},
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
				d.verifier.logger.Error().Err(err).Str("request_id", req.ID).Str("stage", pass.stage.String()).Msg("verify step failed")
			}
			if err := d.mgr.Release(req.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

// startVerifyDownload moves a verified-pending request into
// VERIFY_GETTING and streams the batch back into the per-request verify
// directory.
func (d *Daemon) startVerifyDownload(req *types.MigrationRequest) error {
	req.LastArchive = 0 // the upload's resumption counter must not mask the verify download
	if err := d.mgr.Transition(req, types.VerifyGetting); err != nil {
		return err
	}
	return d.downloadToVerifyDir(req)
}

// resumeVerifyDownload retries a verify download interrupted before its
// first byte moved; one already streamed (LastArchive > 0) waits on
// Monitor instead.
func (d *Daemon) resumeVerifyDownload(req *types.MigrationRequest) error {
	if req.LastArchive > 0 {
		return nil
	}
	return d.downloadToVerifyDir(req)
}

func (d *Daemon) downloadToVerifyDir(req *types.MigrationRequest) error {
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
	verifyDir, err := d.staging.VerifyDir(mig.StorageKind, mig.ExternalID)
	if err != nil {
		return fmt.Errorf("verify dir: %w", err)
	}
	return d.driver.Download(req, b, creds, verifyDir)
}
