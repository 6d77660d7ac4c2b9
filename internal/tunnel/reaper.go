package tunnel

import (
	"context"
	"time"

	"github.com/1ureka/pocket-tunnel/internal/util"
)

// RunReaper closes tunnels that have been idle for longer than timeout,
// checking every interval. It blocks until ctx is cancelled.
func RunReaper(ctx context.Context, reg *Registry, interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, t := range reg.Idle(now, timeout) {
				util.LogInfo("[%08x] idle for %s, closing", t.ID, now.Sub(t.LastSeen()).Truncate(time.Second))
				t.Close()
			}
		}
	}
}
