package metrics

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StatsSource provides functions to retrieve current counts for gauge metrics.
// Each function returns the current count; returning -1 indicates the source is unavailable.
type StatsSource struct {
	PendingReports    func() int
	HiddenPosts       func() int
	BlockedIPs        func() int
	SuspendedGuests   func() int
	ConsumerConnected func() bool
}

// StartCollector launches a goroutine that periodically updates gauge metrics.
// It runs every interval until the context is cancelled.
func StartCollector(ctx context.Context, src StatsSource, interval time.Duration) {
	// Do an initial collection immediately
	collect(src)

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				collect(src)
			}
		}
	}()

	log.Info().Dur("interval", interval).Msg("Metrics collector started")
}

func collect(src StatsSource) {
	if src.PendingReports != nil {
		if n := src.PendingReports(); n >= 0 {
			ReportsPending.Set(float64(n))
		}
	}
	if src.HiddenPosts != nil {
		if n := src.HiddenPosts(); n >= 0 {
			PostsHidden.Set(float64(n))
		}
	}
	if src.BlockedIPs != nil {
		if n := src.BlockedIPs(); n >= 0 {
			BlockedIPsTotal.Set(float64(n))
		}
	}
	if src.SuspendedGuests != nil {
		if n := src.SuspendedGuests(); n >= 0 {
			SuspendedGuestsTotal.Set(float64(n))
		}
	}
	if src.ConsumerConnected != nil {
		if src.ConsumerConnected() {
			ConsumerConnectionState.Set(1)
		} else {
			ConsumerConnectionState.Set(0)
		}
	}
}
