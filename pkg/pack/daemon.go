package pack

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"dmorch/pkg/backend"
	"dmorch/pkg/daemon"
	"dmorch/pkg/log"
	"dmorch/pkg/manager"
	"dmorch/pkg/metrics"
	"dmorch/pkg/staging"
	"dmorch/pkg/types"
)

// Daemon is the Pack daemon: it tars archives for pack-required backends
// at PUT_PACKING and reverses the process at GET_UNPACKING.
type Daemon struct {
	mgr      *manager.Manager
	packer   *Packer
	staging  *staging.Manager
	backends map[string]backend.Backend
	logger   zerolog.Logger
	loop     *daemon.Loop
}

// NewDaemon wires a Daemon polling every interval.
func NewDaemon(mgr *manager.Manager, packer *Packer, stagingMgr *staging.Manager,
	backends map[string]backend.Backend, interval time.Duration) *Daemon {
	d := &Daemon{
		mgr:      mgr,
		packer:   packer,
		staging:  stagingMgr,
		backends: backends,
		logger:   log.WithComponent("pack"),
	}
	d.loop = daemon.New("pack", interval, interval/4, metrics.PackCycleDuration, d.Cycle)
	return d
}

// Start begins the daemon loop.
func (d *Daemon) Start() { d.loop.Start() }

// Stop stops the daemon loop.
func (d *Daemon) Stop() { d.loop.Stop() }

// Cycle runs one pass over PUT_PACKING and GET_UNPACKING. Requests at
// PUT_PACKING for a backend that doesn't pack never appear here: the
// Transfer daemon passes through that stage inside its own claim.
func (d *Daemon) Cycle() error {
	passes := []struct {
		reqType types.RequestType
		stage   types.Stage
		handle  func(*types.MigrationRequest, backend.Backend) error
	}{
		{types.RequestPUT, types.PutPacking, d.pack},
		{types.RequestMIGRATE, types.PutPacking, d.pack},
		{types.RequestGET, types.GetUnpacking, d.unpack},
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
			b, err := d.backendFor(req)
			if err != nil {
				d.logger.Error().Err(err).Str("request_id", req.ID).Msg("cannot resolve backend")
			} else if b.PackData() {
				if err := pass.handle(req, b); err != nil {
					d.logger.Error().Err(err).Str("request_id", req.ID).Str("stage", pass.stage.String()).Msg("pack step failed")
				}
			}
			if err := d.mgr.Release(req.ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func (d *Daemon) backendFor(req *types.MigrationRequest) (backend.Backend, error) {
	mig, err := d.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return nil, fmt.Errorf("load migration: %w", err)
	}
	b, ok := d.backends[mig.StorageKind]
	if !ok {
		return nil, fmt.Errorf("backend %q not configured", mig.StorageKind)
	}
	return b, nil
}

func (d *Daemon) pack(req *types.MigrationRequest, _ backend.Backend) error {
	return d.packer.Pack(req)
}

func (d *Daemon) unpack(req *types.MigrationRequest, _ backend.Backend) error {
	mig, err := d.mgr.GetMigration(req.MigrationID)
	if err != nil {
		return fmt.Errorf("load migration: %w", err)
	}
	stagingDir, err := d.staging.StagingDir(mig.ID)
	if err != nil {
		return fmt.Errorf("staging dir: %w", err)
	}
	return d.packer.Unpack(req, stagingDir, req.TargetPath)
}
