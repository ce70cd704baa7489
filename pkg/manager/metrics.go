package manager

import (
	"dmorch/pkg/log"
	"dmorch/pkg/metrics"

	"github.com/rs/zerolog"
)

func zerologComponent(daemon string) zerolog.Logger {
	return log.WithComponent(daemon)
}

func contentionTotal(daemon string) {
	metrics.ClaimContentionTotal.WithLabelValues(daemon).Inc()
}

func failedTotal(reqType string) {
	metrics.RequestsFailedTotal.WithLabelValues(reqType).Inc()
}
