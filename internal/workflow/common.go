// Package workflow implements the multi-step, stateful guiding
// workflows layered on top of internal/phd2 and internal/task. Each
// workflow is itself a Task whose body runs a small state machine;
// none of them hold durable storage — whatever state a workflow
// tracks between steps lives only in the task's own history/result.
package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
)

// retryWait returns the 2-5s inter-attempt delay the state machines
// use between bounded retry attempts.
func retryWait(attempt int) time.Duration {
	d := 2 + attempt
	if d > 5 {
		d = 5
	}
	return time.Duration(d) * time.Second
}

// waitForAppState polls PHD2's reported state until it matches want or
// the deadline elapses, honoring ctx cancellation.
func waitForAppState(ctx context.Context, client *phd2.Client, want phd2.AppState, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()
	for {
		if client.AppState() == want {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("timed out waiting for app state %s", want)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// sleepWithCheck sleeps for d in small increments, calling check after
// every tick; if check returns an error the sleep aborts early.
func sleepWithCheck(ctx context.Context, d time.Duration, check func() error) error {
	deadline := time.Now().Add(d)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
		if check != nil {
			if err := check(); err != nil {
				return err
			}
		}
	}
	return nil
}

// waitSettle blocks on a settle future with an explicit deadline,
// translating timeout/false outcomes into errors.
func waitSettle(ctx context.Context, ch <-chan bool, timeout time.Duration) (bool, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ok, open := <-ch:
		if !open {
			return false, fmt.Errorf("settle channel closed without a result")
		}
		return ok, nil
	case <-timer.C:
		return false, fmt.Errorf("settle timed out after %s", timeout)
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// deps bundles the collaborators every workflow body needs. Resolved
// by the caller (typically cmd/skyrelay's wiring) and handed to each
// workflow constructor; absence of the PHD2 client is a
// DependencyError, not a crash.
type deps struct {
	phd2   *phd2.Client
	logger *zap.Logger
}

func (d deps) requirePHD2() (*phd2.Client, error) {
	if d.phd2 == nil {
		return nil, task.NewError(task.DependencyError, "no PHD2 client available")
	}
	return d.phd2, nil
}

func (d deps) log() *zap.Logger {
	if d.logger == nil {
		return zap.NewNop()
	}
	return d.logger
}

func paramBool(p map[string]any, key string, def bool) bool {
	if v, ok := p[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}

func paramInt(p map[string]any, key string, def int) int {
	if v, ok := p[key]; ok {
		switch n := v.(type) {
		case int:
			return n
		case float64:
			return int(n)
		}
	}
	return def
}

func paramFloat(p map[string]any, key string, def float64) float64 {
	if v, ok := p[key]; ok {
		switch n := v.(type) {
		case float64:
			return n
		case int:
			return float64(n)
		}
	}
	return def
}
