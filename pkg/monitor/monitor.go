package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"dmorch/pkg/backend"
	"dmorch/pkg/daemon"
	"dmorch/pkg/health"
	"dmorch/pkg/log"
	"dmorch/pkg/manager"
	"dmorch/pkg/metrics"
	"dmorch/pkg/types"
)

// DefaultStuckThreshold is how long a locked request may sit in the same
// stage before the watchdog flags it.
const DefaultStuckThreshold = 30 * time.Minute

// Monitor polls each backend for completed asynchronous operations and
// advances the corresponding in-flight requests, and watches for requests
// stuck in a locked state.
type Monitor struct {
	mgr       *manager.Manager
	backends  map[string]backend.Backend
	threshold time.Duration
	logger    zerolog.Logger
	loop      *daemon.Loop

	probes      map[string]health.Checker
	probeCfg    health.Config
	probeStatus map[string]*health.Status
}

// New creates a Monitor daemon polling every interval, flagging requests
// locked for longer than threshold. backends may be nil for a
// watchdog-only monitor.
func New(mgr *manager.Manager, backends map[string]backend.Backend, interval, threshold time.Duration) *Monitor {
	m := &Monitor{
		mgr:       mgr,
		backends:  backends,
		threshold: threshold,
		logger:    log.WithComponent("monitor"),
	}
	m.loop = daemon.New("monitor", interval, interval/4, metrics.MonitorCycleDuration, m.sweep)
	return m
}

// Start begins the monitor loop.
func (m *Monitor) Start() { m.loop.Start() }

// Stop stops the monitor loop.
func (m *Monitor) Stop() { m.loop.Stop() }

// Sweep runs a single monitor pass outside the loop.
func (m *Monitor) Sweep() error { return m.sweep() }

func (m *Monitor) sweep() error {
	m.probe(context.Background())
	for id, b := range m.backends {
		result, err := b.Monitor()
		if err != nil {
			m.logger.Warn().Err(err).Str("backend_id", id).Msg("backend monitor poll failed")
			continue
		}
		m.advancePuts(result.CompletedPuts)
		m.advanceGets(b, result.CompletedGets)
		m.advanceDeletes(result.CompletedDeletes)
	}
	return m.watchdog()
}

// advancePuts moves requests whose batch the backend reports fully
// visible from PUTTING to VERIFY_PENDING.
func (m *Monitor) advancePuts(externalIDs []string) {
	for _, extID := range externalIDs {
		for _, req := range m.requestsForBatch(extID, types.Putting) {
			m.advance(req, types.Putting, types.VerifyPending)
		}
	}
}

// advanceGets moves completed retrievals out of their in-flight stage:
// GETTING to GET_UNPACKING (packed) or GET_RESTORE, VERIFY_GETTING to
// VERIFYING. Backends key completed gets by request id, since several
// retrievals of one batch can be in flight at once.
func (m *Monitor) advanceGets(b backend.Backend, requestIDs []string) {
	for _, id := range requestIDs {
		req, err := m.mgr.Store().GetRequest(id)
		if err != nil {
			m.logger.Warn().Err(err).Str("request_id", id).Msg("backend reported completed get for unknown request")
			continue
		}
		switch req.Stage {
		case types.Getting:
			if b.PackData() {
				m.advance(req, types.Getting, types.GetUnpacking)
			} else {
				// no unpacking to do, so pass through GET_UNPACKING
				m.advance(req, types.Getting, types.GetUnpacking, types.GetRestore)
			}
		case types.VerifyGetting:
			m.advance(req, types.VerifyGetting, types.Verifying)
		}
	}
}

// advanceDeletes moves requests whose batch no longer exists from
// DELETING to DELETE_TIDY.
func (m *Monitor) advanceDeletes(externalIDs []string) {
	for _, extID := range externalIDs {
		for _, req := range m.requestsForBatch(extID, types.Deleting) {
			m.advance(req, types.Deleting, types.DeleteTidy)
		}
	}
}

// requestsForBatch finds the requests sitting at stage whose migration
// carries the given external batch id.
func (m *Monitor) requestsForBatch(externalID string, stage types.Stage) []*types.MigrationRequest {
	migs, err := m.mgr.Store().ListMigrations()
	if err != nil {
		m.logger.Warn().Err(err).Msg("list migrations")
		return nil
	}
	var mig *types.Migration
	for _, c := range migs {
		if c.ExternalID == externalID {
			mig = c
			break
		}
	}
	if mig == nil {
		return nil
	}
	all, err := m.mgr.Store().ListRequests()
	if err != nil {
		m.logger.Warn().Err(err).Msg("list requests")
		return nil
	}
	var out []*types.MigrationRequest
	for _, req := range all {
		if req.MigrationID == mig.ID && req.Stage == stage {
			out = append(out, req)
		}
	}
	return out
}

// advance claims req at from and transitions it through each stage in
// order, so a completion can pass through stages that don't apply to its
// backend. Losing the claim is fine: either another monitor got it or
// the request moved on.
func (m *Monitor) advance(req *types.MigrationRequest, from types.Stage, through ...types.Stage) {
	claimed, ok, err := m.mgr.Claim(req.ID, from)
	if err != nil {
		m.logger.Warn().Err(err).Str("request_id", req.ID).Msg("claim for advance failed")
		return
	}
	if !ok {
		return
	}
	for _, to := range through {
		if err := m.mgr.Transition(claimed, to); err != nil {
			m.logger.Error().Err(err).Str("request_id", req.ID).Msg(fmt.Sprintf("advance to %s failed", to))
			break
		}
	}
	if err := m.mgr.Release(claimed.ID); err != nil {
		m.logger.Error().Err(err).Str("request_id", req.ID).Msg("release after advance failed")
	}
}

func (m *Monitor) watchdog() error {
	stuck, err := m.mgr.StuckRequests(m.threshold)
	if err != nil {
		return err
	}
	for _, req := range stuck {
		m.logger.Warn().
			Str("request_id", req.ID).
			Str("type", string(req.Type)).
			Str("stage", req.Stage.String()).
			Dur("locked_for", time.Since(req.LastTransitionAt)).
			Msg("request stuck in locked state, investigate before unlocking")
	}
	return nil
}
