package monitor

import (
	"context"
	"fmt"

	"dmorch/pkg/config"
	"dmorch/pkg/health"
	"dmorch/pkg/metrics"
)

// Probes maps backend id to an endpoint probe. BuildProbes derives one
// per configured backend: HTTP against an S3 endpoint, TCP against an
// FTP or tape host. Backends with no endpoint configured (an embedded
// emulator) get no probe and always count as available.
func BuildProbes(cfg *config.Config) map[string]health.Checker {
	probes := make(map[string]health.Checker)
	for id, b := range cfg.Backends {
		switch {
		case b.S3Endpoint != "":
			scheme := "http"
			if b.UseTLS {
				scheme = "https"
			}
			probes[id] = health.NewHTTPChecker(fmt.Sprintf("%s://%s/minio/health/live", scheme, b.S3Endpoint))
		case b.FTPEndpoint != "":
			probes[id] = health.NewTCPChecker(hostPort(b.FTPEndpoint, b.Port, 21))
		case b.PutHost != "":
			probes[id] = health.NewTCPChecker(hostPort(b.PutHost, b.Port, 0))
		}
	}
	return probes
}

func hostPort(host string, port, fallback int) string {
	if port == 0 {
		port = fallback
	}
	if port == 0 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// WithProbes attaches endpoint probes; each sweep updates the
// availability gauge from them, requiring the configured number of
// consecutive failures before a backend counts as down.
func (m *Monitor) WithProbes(probes map[string]health.Checker, cfg health.Config) *Monitor {
	m.probes = probes
	m.probeCfg = cfg
	m.probeStatus = make(map[string]*health.Status, len(probes))
	for id := range probes {
		m.probeStatus[id] = health.NewStatus()
	}
	return m
}

func (m *Monitor) probe(ctx context.Context) {
	for id, checker := range m.probes {
		status := m.probeStatus[id]
		result := checker.Check(ctx)
		if !result.Healthy && status.InStartPeriod(m.probeCfg) {
			continue
		}
		status.Update(result, m.probeCfg)
		value := 0.0
		if status.Healthy {
			value = 1.0
		}
		metrics.BackendAvailable.WithLabelValues(id).Set(value)
		if !result.Healthy {
			m.logger.Debug().Str("backend_id", id).Str("reason", result.Message).Msg("backend probe failed")
		}
	}
}
