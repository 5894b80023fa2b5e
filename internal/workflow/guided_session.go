package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
)

// GuidedSessionName is the registered task type name.
const GuidedSessionName = "guided_session"

func guidedSessionSchema() *task.Schema {
	return task.NewSchema().
		Add(task.ParamSpec{Name: "duration_minutes", Type: task.TypeInteger, Default: 0, Min: task.Bound(0)}).
		Add(task.ParamSpec{Name: "monitor_interval", Type: task.TypeInteger, Default: 30, Min: task.Bound(1)}).
		Add(task.ParamSpec{Name: "auto_recovery", Type: task.TypeBoolean, Default: true}).
		Add(task.ParamSpec{Name: "recovery_attempts", Type: task.TypeInteger, Default: 3, Min: task.Bound(0)})
}

// NewGuidedSession monitors an already-guiding PHD2 session, sampling
// AppState on an interval and attempting recovery from LostLock.
func NewGuidedSession(d deps) *task.Task {
	body := func(ctx context.Context, t *task.Task, p map[string]any) (map[string]any, error) {
		client, err := d.requirePHD2()
		if err != nil {
			return nil, err
		}
		durationMinutes := paramInt(p, "duration_minutes", 0)
		monitorInterval := paramInt(p, "monitor_interval", 30)
		autoRecovery := paramBool(p, "auto_recovery", true)
		recoveryAttempts := paramInt(p, "recovery_attempts", 3)

		var deadline time.Time
		if durationMinutes > 0 {
			deadline = time.Now().Add(time.Duration(durationMinutes) * time.Minute)
		}

		totalCorrections := 0
		recoveryCount := 0
		stats := &guidingStatistics{}
		ticker := time.NewTicker(time.Duration(monitorInterval) * time.Second)
		defer ticker.Stop()

		performRecovery := func() error {
			ch, err := client.StartGuiding(ctx, phd2.SettleParameters{Pixels: 2.0, TimeS: 3, Timeout: 60}, true, nil)
			if err != nil {
				return err
			}
			ok, err := waitSettle(ctx, ch, 60*time.Second)
			if err != nil || !ok {
				return err
			}
			return nil
		}

		for {
			if !deadline.IsZero() && time.Now().After(deadline) {
				break
			}
			select {
			case <-ctx.Done():
				return nil, task.NewError(task.TimeoutError, ctx.Err().Error())
			case <-ticker.C:
			}

			state := client.AppState()
			switch state {
			case phd2.StateGuiding:
				totalCorrections++
				if rms, ok := client.LastGuideStepRMS(); ok {
					stats.sample(rms)
				}
			case phd2.StateLostLock:
				if autoRecovery && recoveryCount < recoveryAttempts {
					t.AddHistoryEntry("LostLock: attempting recovery")
					if err := performRecovery(); err != nil {
						t.AddHistoryEntry("recovery failed: " + err.Error())
					}
					recoveryCount++
				} else {
					return nil, task.NewError(task.SystemError, "lost lock, recovery exhausted or disabled")
				}
			case phd2.StateStopped:
				return nil, task.NewError(task.SystemError, "guiding stopped unexpectedly")
			}
		}

		t.AddHistoryEntry("duration elapsed, session complete")
		return map[string]any{
			"duration_minutes":  durationMinutes,
			"total_corrections": totalCorrections,
			"recovery_attempts": recoveryCount,
			"final_state":       string(client.AppState()),
			"statistics":        stats.asMap(),
		}, nil
	}
	return task.New(GuidedSessionName, "workflow", 5, 24*time.Hour, guidedSessionSchema(), body)
}

// RegisterGuidedSession installs the constructor in f.
func RegisterGuidedSession(f *task.Factory, client *phd2.Client, logger *zap.Logger) {
	f.Register(GuidedSessionName, func() *task.Task {
		return NewGuidedSession(deps{phd2: client, logger: logger})
	})
}
