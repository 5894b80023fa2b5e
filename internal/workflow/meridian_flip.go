package workflow

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/skyrelay/skyrelay/internal/phd2"
	"github.com/skyrelay/skyrelay/internal/task"
)

// MeridianFlipWorkflowName is the registered task type name.
const MeridianFlipWorkflowName = "meridian_flip_workflow"

func meridianFlipSchema() *task.Schema {
	return task.NewSchema().
		Add(task.ParamSpec{Name: "recalibrate", Type: task.TypeBoolean, Default: true}).
		Add(task.ParamSpec{Name: "settle_time", Type: task.TypeInteger, Default: 5, Min: task.Bound(0)}).
		Add(task.ParamSpec{Name: "timeout", Type: task.TypeInteger, Default: 300, Min: task.Bound(1)})
}

// NewMeridianFlipWorkflow builds the SnapshotPreFlipState -> StopGuiding
// -> FlipCalibration -> wait -> [recalibrate] -> AssertGuiding sequence.
func NewMeridianFlipWorkflow(d deps) *task.Task {
	body := func(ctx context.Context, t *task.Task, p map[string]any) (map[string]any, error) {
		client, err := d.requirePHD2()
		if err != nil {
			return nil, err
		}
		recalibrate := paramBool(p, "recalibrate", true)
		settleTime := paramInt(p, "settle_time", 5)
		timeout := paramInt(p, "timeout", 300)

		ctx, cancel := context.WithTimeout(ctx, time.Duration(timeout)*time.Second)
		defer cancel()

		snapshot := map[string]any{"app_state": string(client.AppState())}
		if exposure, err := client.GetExposure(ctx); err == nil {
			snapshot["exposure"] = exposure
		}
		if mode, err := client.GetDecGuideMode(ctx); err == nil {
			snapshot["dec_guide_mode"] = mode
		}
		if enabled, err := client.GetGuideOutputEnabled(ctx); err == nil {
			snapshot["guide_output_enabled"] = enabled
		}
		if pos, err := client.GetLockPosition(ctx); err == nil && len(pos) == 2 {
			snapshot["lock_position"] = pos
		}
		t.AddHistoryEntry("SnapshotPreFlipState: captured")

		if err := client.StopCapture(ctx); err != nil {
			t.AddHistoryEntry("StopGuiding: non-fatal failure: " + err.Error())
		} else {
			t.AddHistoryEntry("StopGuiding: ok")
		}

		if err := client.FlipCalibration(ctx); err != nil {
			t.AddHistoryEntry("FlipCalibration: non-fatal failure: " + err.Error())
		} else {
			t.AddHistoryEntry("FlipCalibration: ok")
		}

		if err := sleepWithCheck(ctx, time.Duration(settleTime)*time.Second, nil); err != nil {
			return nil, task.NewError(task.SystemError, "WaitForMountFlipBlocking: "+err.Error())
		}
		t.AddHistoryEntry("WaitForMountFlipBlocking: elapsed")

		if recalibrate {
			if err := client.Loop(ctx); err != nil {
				return nil, task.NewError(task.DeviceError, "LoopAndSelectStar: "+err.Error())
			}
			if err := waitForAppState(ctx, client, phd2.StateLooping, 15*time.Second); err != nil {
				return nil, task.NewError(task.DeviceError, "LoopAndSelectStar: "+err.Error())
			}
			if star, err := client.FindStar(ctx, nil); err == nil && len(star) >= 2 {
				_ = client.SetLockPosition(ctx, star[0], star[1], true)
			}
			t.AddHistoryEntry("LoopAndSelectStar: ok")

			ch, err := client.StartGuiding(ctx, phd2.SettleParameters{Pixels: 2.0, TimeS: float64(settleTime), Timeout: float64(timeout)}, false, nil)
			if err != nil {
				return nil, task.NewError(task.DeviceError, "Calibrate: "+err.Error())
			}
			ok, err := waitSettle(ctx, ch, time.Duration(timeout)*time.Second)
			if err != nil || !ok {
				return nil, task.NewError(task.DeviceError, "Calibrate: settle failed")
			}
			t.AddHistoryEntry("Calibrate: ok")

			ch, err = client.StartGuiding(ctx, phd2.SettleParameters{Pixels: 1.5, TimeS: float64(settleTime), Timeout: 60}, true, nil)
			if err != nil {
				return nil, task.NewError(task.DeviceError, "StartGuiding: "+err.Error())
			}
			ok, err = waitSettle(ctx, ch, 60*time.Second)
			if err != nil || !ok {
				return nil, task.NewError(task.DeviceError, "StartGuiding: settle failed")
			}
			t.AddHistoryEntry("StartGuiding: ok")
		}

		if client.AppState() != phd2.StateGuiding {
			return nil, task.NewError(task.SystemError, "AssertGuiding: final state is not Guiding")
		}
		t.AddHistoryEntry("AssertGuiding: ok")

		return map[string]any{
			"status":      "ok",
			"snapshot":    snapshot,
			"final_state": string(client.AppState()),
		}, nil
	}
	return task.New(MeridianFlipWorkflowName, "workflow", 5, 15*time.Minute, meridianFlipSchema(), body)
}

// RegisterMeridianFlipWorkflow installs the constructor in f.
func RegisterMeridianFlipWorkflow(f *task.Factory, client *phd2.Client, logger *zap.Logger) {
	f.Register(MeridianFlipWorkflowName, func() *task.Task {
		return NewMeridianFlipWorkflow(deps{phd2: client, logger: logger})
	})
}
