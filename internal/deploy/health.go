package deploy

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/scottylabs/kennel/internal/config"
)

// Backoff between health probes. The last interval repeats until the overall
// timeout elapses.
var healthBackoff = []time.Duration{
	1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 15 * time.Second,
}

// waitHealthy polls GET http://127.0.0.1:{port}{path} until a 2xx response or
// the overall timeout. Each probe carries its own short timeout.
func waitHealthy(ctx context.Context, client *http.Client, port int, path string, timeout time.Duration) error {
	url := fmt.Sprintf("http://127.0.0.1:%d%s", port, path)
	deadline := time.Now().Add(timeout)

	for attempt := 0; ; attempt++ {
		if time.Now().After(deadline) {
			return fmt.Errorf("health check timed out after %s", timeout)
		}

		probeCtx, cancel := context.WithTimeout(ctx, config.HealthCheckTimeout)
		req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
		if err != nil {
			cancel()
			return fmt.Errorf("build health request: %w", err)
		}
		resp, err := client.Do(req)
		cancel()
		if err == nil {
			ok := resp.StatusCode >= 200 && resp.StatusCode < 300
			resp.Body.Close()
			if ok {
				return nil
			}
		}

		backoff := healthBackoff[min(attempt, len(healthBackoff)-1)]
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
