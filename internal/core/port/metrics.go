package port

import "github.com/arklim/extension-license-service/internal/core/domain"

// HandshakeMetrics records protocol outcomes.
type HandshakeMetrics interface {
	ObserveOutcome(endpoint, outcome string)
	ObserveTransition(from, to domain.HandshakeState)
	ObserveSweep(kind string, deleted int64)
}
