package tasks

import (
	"context"
	"time"
)

// ProbeInterval is how often the active remote backend is re-probed.
const ProbeInterval = 30 * time.Second

// StartProbe re-probes the active backend on a fixed interval,
// reporting each observation. A failed probe never flips backends;
// that only happens at reload. The loop stops with the context.
func (s *Store) StartProbe(ctx context.Context, observe func(ok bool, epoch int64)) {
	remote := s.Remote()
	if remote == nil {
		return
	}
	observe(remote.Probe(), s.now())
	go func() {
		ticker := time.NewTicker(ProbeInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				observe(remote.Probe(), s.now())
			}
		}
	}()
}
