package usecase

import (
	"context"
	"sync/atomic"
	"time"
)

// Stats counts what happened to inbound messages since startup.
type Stats struct {
	Received     atomic.Uint64
	Persisted    atomic.Uint64
	Rejected     atomic.Uint64 // malformed or unsafe messages
	Failed       atomic.Uint64 // storage errors
	Mirrored     atomic.Uint64
	MirrorFailed atomic.Uint64
	NotifyFailed atomic.Uint64
}

func (p *Persister) statsReporter(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	var lastReceived, lastPersisted uint64

	for {
		select {
		case <-ticker.C:
			received := p.stats.Received.Load()
			persisted := p.stats.Persisted.Load()
			rejected := p.stats.Rejected.Load()
			failed := p.stats.Failed.Load()

			receivedInPeriod := received - lastReceived
			persistedInPeriod := persisted - lastPersisted

			p.logger.Info().
				Uint64("received", received).
				Uint64("persisted", persisted).
				Uint64("rejected", rejected).
				Uint64("failed", failed).
				Uint64("mirrored", p.stats.Mirrored.Load()).
				Uint64("mirror_failed", p.stats.MirrorFailed.Load()).
				Uint64("notify_failed", p.stats.NotifyFailed.Load()).
				Uint64("period_received", receivedInPeriod).
				Uint64("period_persisted", persistedInPeriod).
				Msg("Persister metrics")

			if receivedInPeriod > 100 && persistedInPeriod < receivedInPeriod/2 {
				p.logger.Warn().
					Uint64("period_received", receivedInPeriod).
					Uint64("period_persisted", persistedInPeriod).
					Msg("Less than half of the messages were persisted - check payload format and output directory")
			}

			lastReceived = received
			lastPersisted = persisted

		case <-ctx.Done():
			p.logFinalMetrics()
			return
		}
	}
}

func (p *Persister) logFinalMetrics() {
	p.logger.Info().
		Uint64("total_received", p.stats.Received.Load()).
		Uint64("total_persisted", p.stats.Persisted.Load()).
		Uint64("total_rejected", p.stats.Rejected.Load()).
		Uint64("total_failed", p.stats.Failed.Load()).
		Uint64("total_mirrored", p.stats.Mirrored.Load()).
		Msg("Final persister metrics")
}
