package workflow

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
)

// CompleteGuideSetupName is the registered task type name.
const CompleteGuideSetupName = "complete_guide_setup"

func completeGuideSetupSchema() *task.Schema {
	return task.NewSchema().
		Add(task.ParamSpec{Name: "auto_find_star", Type: task.TypeBoolean, Default: true}).
		Add(task.ParamSpec{Name: "calibration_timeout", Type: task.TypeInteger, Default: 120, Min: task.Bound(1)}).
		Add(task.ParamSpec{Name: "settle_time", Type: task.TypeInteger, Default: 3, Min: task.Bound(0)}).
		Add(task.ParamSpec{Name: "retry_count", Type: task.TypeInteger, Default: 3, Min: task.Bound(1), Max: task.Bound(100)})
}

// NewCompleteGuideSetup builds the EnsureConnected -> StartLooping ->
// AutoSelectStar? -> Calibrate -> StartGuiding -> Done state machine.
func NewCompleteGuideSetup(d deps) *task.Task {
	body := func(ctx context.Context, t *task.Task, p map[string]any) (map[string]any, error) {
		client, err := d.requirePHD2()
		if err != nil {
			return nil, err
		}
		retryCount := paramInt(p, "retry_count", 3)
		settleTime := paramInt(p, "settle_time", 3)
		calibrationTimeout := paramInt(p, "calibration_timeout", 120)
		autoFindStar := paramBool(p, "auto_find_star", true)

		start := time.Now()

		run := func(state string, attemptFn func(attempt int) error) error {
			var lastErr error
			for attempt := 0; attempt < retryCount; attempt++ {
				lastErr = attemptFn(attempt)
				if lastErr == nil {
					return nil
				}
				t.AddHistoryEntry(fmt.Sprintf("%s: attempt %d failed: %v", state, attempt+1, lastErr))
				if attempt < retryCount-1 {
					time.Sleep(retryWait(attempt))
				}
			}
			return fmt.Errorf("state %s failed after %d attempts: %w", state, retryCount, lastErr)
		}

		if err := run("EnsureConnected", func(int) error {
			if client.AppState() == phd2.StateStopped {
				if err := client.Connect(ctx, "localhost", phd2.DefaultPort, 5000); err != nil {
					return err
				}
			}
			return waitForAppState(ctx, client, phd2.StateLooping, 30*time.Second)
		}); err != nil {
			return nil, task.NewError(task.DeviceError, err.Error())
		}
		t.AddHistoryEntry("EnsureConnected: ok")

		if err := run("StartLooping", func(int) error {
			if err := client.Loop(ctx); err != nil {
				return err
			}
			return waitForAppState(ctx, client, phd2.StateLooping, 15*time.Second)
		}); err != nil {
			return nil, task.NewError(task.DeviceError, err.Error())
		}
		t.AddHistoryEntry("StartLooping: ok")

		if autoFindStar {
			if err := run("AutoSelectStar", func(int) error {
				star, err := client.FindStar(ctx, nil)
				if err != nil {
					return err
				}
				if len(star) < 2 {
					return fmt.Errorf("find_star returned no coordinates")
				}
				if err := client.SetLockPosition(ctx, star[0], star[1], true); err != nil {
					return err
				}
				return waitForAppState(ctx, client, phd2.StateSelected, 15*time.Second)
			}); err != nil {
				return nil, task.NewError(task.DeviceError, err.Error())
			}
			t.AddHistoryEntry("AutoSelectStar: ok")
		}

		if err := run("Calibrate", func(int) error {
			ch, err := client.StartGuiding(ctx, phd2.SettleParameters{Pixels: 2.0, TimeS: float64(settleTime), Timeout: float64(calibrationTimeout)}, false, nil)
			if err != nil {
				return err
			}
			ok, err := waitSettle(ctx, ch, time.Duration(calibrationTimeout)*time.Second)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("calibration settle did not succeed")
			}
			return nil
		}); err != nil {
			return nil, task.NewError(task.DeviceError, err.Error())
		}
		t.AddHistoryEntry("Calibrate: ok")

		if err := run("StartGuiding", func(int) error {
			ch, err := client.StartGuiding(ctx, phd2.SettleParameters{Pixels: 1.5, TimeS: float64(settleTime), Timeout: 60}, true, nil)
			if err != nil {
				return err
			}
			ok, err := waitSettle(ctx, ch, 60*time.Second)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("guide-start settle did not succeed")
			}
			return nil
		}); err != nil {
			return nil, task.NewError(task.DeviceError, err.Error())
		}
		t.AddHistoryEntry("StartGuiding: ok")

		if client.AppState() != phd2.StateGuiding {
			return nil, task.NewError(task.SystemError, "final state is not Guiding")
		}
		t.AddHistoryEntry("Done")

		return map[string]any{
			"status":       "ok",
			"final_state":  string(client.AppState()),
			"setup_time_s": time.Since(start).Seconds(),
		}, nil
	}
	return task.New(CompleteGuideSetupName, "workflow", 5, 10*time.Minute, completeGuideSetupSchema(), body)
}

// RegisterCompleteGuideSetup installs the constructor in the given
// factory, binding the PHD2 client the workflow needs.
func RegisterCompleteGuideSetup(f *task.Factory, client *phd2.Client, logger *zap.Logger) {
	f.Register(CompleteGuideSetupName, func() *task.Task {
		return NewCompleteGuideSetup(deps{phd2: client, logger: logger})
	})
}
