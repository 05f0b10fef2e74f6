package processHelpers

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"google.golang.org/grpc/backoff"

	"github.com/joerpyter/go-joerpyter/services/joerpyter/internal/cpgqls"
)

// probeAttemptTimeout bounds a single handshake attempt
const probeAttemptTimeout = 2 * time.Second

var errExitedDuringStartup = errors.New("server exited during startup")

// ProbeFunc reports whether the server accepts protocol connections
type ProbeFunc func(ctx context.Context, client *cpgqls.Client) error

// PingProbe performs the websocket handshake of the query protocol
func PingProbe(ctx context.Context, client *cpgqls.Client) error {
	return client.Ping(ctx)
}

// waitReady retries probe with exponential backoff until it succeeds, the
// process exits or ctx is done.
func waitReady(ctx context.Context, h *serverHandle, probe ProbeFunc, cfg backoff.Config) error {
	var lastErr error
	for attempt := 0; ; attempt++ {
		select {
		case <-h.exited:
			return errExitedDuringStartup
		default:
		}

		attemptCtx, cancel := context.WithTimeout(ctx, probeAttemptTimeout)
		err := probe(attemptCtx, h.client)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err

		timer := time.NewTimer(backoffDelay(cfg, attempt))
		select {
		case <-h.exited:
			timer.Stop()
			return errExitedDuringStartup
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%w (last probe error: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
	}
}

// backoffDelay follows the exponential strategy described by backoff.Config:
// BaseDelay grown by Multiplier per retry, capped at MaxDelay, randomised by Jitter.
func backoffDelay(cfg backoff.Config, retries int) time.Duration {
	if retries == 0 {
		return cfg.BaseDelay
	}
	delay, maxDelay := float64(cfg.BaseDelay), float64(cfg.MaxDelay)
	for delay < maxDelay && retries > 0 {
		delay *= cfg.Multiplier
		retries--
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	delay *= 1 + cfg.Jitter*(rand.Float64()*2-1)
	if delay < 0 {
		return 0
	}
	return time.Duration(delay)
}
